// Package transport provides the socket dialers the relay tunnel and
// control session sit on.  Transports handle the "how" of reaching the
// relay server – directly over TCP or through an SSH jump host –
// independent of the websocket protocol spoken over the connection.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.  Its Dial method has the
// shape websocket.Dialer.NetDialContext expects.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH client).  Stateless dialers return nil.
	Close() error
}
