package cmd

import (
	"fmt"
	"io"
	"os"

	"meshrc/internal/adapter"
)

// replay summarises a desktop recording written with --record.
func replay(args []string, w io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: meshrc replay <file>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	var frames, total, largest int
	err = adapter.ReadRecords(f, func(frame []byte) error {
		frames++
		total += len(frame)
		if len(frame) > largest {
			largest = len(frame)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	fmt.Fprintf(w, "%s: %d frames, %d bytes (largest %d)\n", args[0], frames, total, largest)
	return nil
}
