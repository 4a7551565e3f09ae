// Package adapter defines what a session does with an established
// tunnel.  Each Adapter turns the transport's byte streams into one
// kind of remote session (an interactive shell or a remote desktop)
// and pushes local input back through a Sender, which keeps adapters
// testable without a socket.
package adapter

import (
	"context"

	"meshrc/tunnel"
)

// Sender is the outbound half of a tunnel.Transport.
type Sender interface {
	SendText(s string)
	SendBinary(b []byte)
	SendCtrl(msg tunnel.ControlMessage) bool
}

// Adapter drives one remote session over a tunnel.
type Adapter interface {
	// Protocol is the relay protocol id (1 shell, 2 desktop).
	Protocol() int

	// Options are sent to the relay after its handshake; nil for none.
	Options() *tunnel.Options

	// Handlers are installed on the transport.
	Handlers() tunnel.Handlers

	// Attach connects the adapter's output to s.  Passing nil detaches.
	Attach(s Sender)

	// Run forwards local input until ctx is cancelled or the input
	// ends.
	Run(ctx context.Context) error

	// Close releases adapter resources.  Safe to call more than once.
	Close() error
}
