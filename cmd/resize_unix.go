//go:build unix

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"meshrc/internal/adapter"
)

// watchResize forwards terminal size changes to the remote shell.
func watchResize(ctx context.Context, sh *adapter.Shell) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGWINCH)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
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
