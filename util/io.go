package util

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
)

// DefaultBufSize is the read size for input pumps (32 KiB).
const DefaultBufSize = 32 * 1024

// Pump reads from r until EOF, error, or context cancellation and hands
// every chunk to fn.  The slice passed to fn is only valid for the
// duration of the call.
//
// A blocked Read cannot be interrupted; when ctx is cancelled Pump
// returns immediately and the reader goroutine exits on its next read.
func Pump(ctx context.Context, r io.Reader, fn func([]byte)) error {
	type chunk struct {
		buf *[]byte
		n   int
		err error
	}
	chunks := make(chan chunk)
	next := make(chan struct{})

	go func() {
		defer close(chunks)
		for {
			buf := GetBuf()
			n, err := r.Read(*buf)
			select {
			case chunks <- chunk{buf: buf, n: n, err: err}:
			case <-ctx.Done():
				PutBuf(buf)
				return
			}
			if err != nil {
				return
			}
			select {
			case <-next:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-chunks:
			if !ok {
				return nil
			}
			if c.n > 0 {
				fn((*c.buf)[:c.n])
			}
			PutBuf(c.buf)
			if c.err != nil {
				if IsHarmless(c.err) {
					return nil
				}
				return c.err
			}
			select {
			case next <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// IsHarmless returns true for errors that are expected during shutdown.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
