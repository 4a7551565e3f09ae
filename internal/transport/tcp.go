package transport

import (
	"context"
	"net"
	"time"

	rcerr "meshrc/internal/errors"
)

// TCPDialer reaches the relay server directly.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration // TCP keepalive period (0 = OS default)
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, rcerr.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }
