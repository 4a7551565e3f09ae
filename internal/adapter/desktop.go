package adapter

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"meshrc/tunnel"
	"meshrc/util"
)

// Decoder consumes desktop frames.  The pixel codec lives behind it.
type Decoder interface {
	Decode(frame []byte) error
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(frame []byte) error

func (f DecoderFunc) Decode(frame []byte) error { return f(frame) }

// Desktop is the remote desktop adapter.  Incoming binary frames go to
// the decoder; input events come back through SendInput unless the
// adapter is view-only.
type Desktop struct {
	dec      Decoder
	log      *util.Logger
	viewOnly atomic.Bool

	mu     sync.Mutex
	send   func([]byte)
	closed bool
}

// NewDesktop creates a desktop adapter feeding dec.
func NewDesktop(dec Decoder, viewOnly bool, logger *util.Logger) *Desktop {
	d := &Desktop{dec: dec, log: logger.Named("desktop")}
	d.viewOnly.Store(viewOnly)
	return d
}

func (d *Desktop) Protocol() int { return 2 }

func (d *Desktop) Options() *tunnel.Options { return nil }

func (d *Desktop) Handlers() tunnel.Handlers {
	return tunnel.Handlers{OnBinary: d.frame}
}

// Attach routes input events to s.SendBinary.
func (d *Desktop) Attach(s Sender) {
	if s == nil {
		d.SetSender(nil)
		return
	}
	d.SetSender(s.SendBinary)
}

// SetSender sets where encoded input events go.
func (d *Desktop) SetSender(fn func([]byte)) {
	d.mu.Lock()
	d.send = fn
	d.mu.Unlock()
}

// SetViewOnly toggles input suppression.  Frames keep flowing to the
// decoder either way.
func (d *Desktop) SetViewOnly(on bool) { d.viewOnly.Store(on) }

// ViewOnly reports whether input is suppressed.
func (d *Desktop) ViewOnly() bool { return d.viewOnly.Load() }

// SendInput pushes one encoded input event.  It reports false when the
// event was suppressed or there is no sender.
func (d *Desktop) SendInput(ev []byte) bool {
	if d.viewOnly.Load() {
		return false
	}
	d.mu.Lock()
	send := d.send
	d.mu.Unlock()
	if send == nil {
		return false
	}
	send(ev)
	return true
}

// Key sends a key event.
func (d *Desktop) Key(action KeyAction, keycode byte) bool {
	return d.SendInput(EncodeKey(action, keycode))
}

// Mouse sends a mouse event.
func (d *Desktop) Mouse(buttons MouseButton, x, y uint16) bool {
	return d.SendInput(EncodeMouse(buttons, x, y))
}

// Run has no local input source of its own; events arrive through
// SendInput.  It blocks until ctx is done.
func (d *Desktop) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close detaches the sender and closes the decoder if it is closable.
func (d *Desktop) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.send = nil
	d.mu.Unlock()

	if c, ok := d.dec.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (d *Desktop) frame(b []byte) {
	if d.dec == nil {
		return
	}
	if err := d.dec.Decode(b); err != nil {
		d.log.Debug("decode: %v", err)
	}
}
