//go:build !unix

package cmd

import (
	"context"
	"os"
	"time"

	"golang.org/x/term"

	"meshrc/internal/adapter"
)

// watchResize polls the console size; no SIGWINCH off unix.
func watchResize(ctx context.Context, sh *adapter.Shell) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			w, h, err := term.GetSize(fd)
			if err != nil {
				continue
			}
			if cols, rows := sh.Size(); cols != w || rows != h {
				sh.Resize(w, h)
			}
		}
	}
}
