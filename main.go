// meshrc opens remote shell and desktop sessions to mesh agents through
// a relay server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"meshrc/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "meshrc: %v\n", err)
		os.Exit(1)
	}
}
