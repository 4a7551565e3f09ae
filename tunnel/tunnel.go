// Package tunnel implements the relay tunnel transport: one websocket
// to the relay carrying the handshake, a JSON control channel and the
// shell/desktop data channel.
//
// A Transport moves through Idle → Connecting → Open → Connected and
// returns to Idle on Stop, socket error or remote close.  It never
// reconnects on its own.
package tunnel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	rcerr "meshrc/internal/errors"
	"meshrc/internal/metrics"
	"meshrc/internal/session"
	"meshrc/internal/transport"
	"meshrc/util"
)

// DefaultKeepAlive is the rtt probe interval.
const DefaultKeepAlive = 10 * time.Second

// closeTimeout bounds the goodbye writes in Stop.
const closeTimeout = time.Second

// Options are the post-handshake session options.
type Options struct {
	Cols         int
	Rows         int
	RequireLogin bool
}

func (o *Options) empty() bool {
	return o == nil || (o.Cols == 0 && o.Rows == 0 && !o.RequireLogin)
}

// Config is everything a Transport needs.  Nothing is read from the
// environment.
type Config struct {
	RelayURL    string // ws(s)://host/<tools>/meshrelay.ashx, no query
	NodeID      string
	Protocol    int // 1 = shell, 2 = desktop
	AuthCookie  string
	BearerToken string // header-token mode: sent as authorization=
	Options     *Options

	KeepAlive        time.Duration // 0 → DefaultKeepAlive, < 0 → probe on open only
	IdleTimeout      time.Duration // silence that drops the socket; 0 → 3×KeepAlive, < 0 → never
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	Dialer    transport.Dialer // nil → net.Dialer
	TLSConfig *tls.Config
	Header    http.Header

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Handlers receive inbound traffic and state changes.  All of them run
// one at a time, in arrival order, on the transport's callback
// goroutine.  A handler may call Start, Stop or any Send method.
type Handlers struct {
	OnData        func([]byte) // "~" text, unmatched text, and binary when OnBinary is nil
	OnBinary      func([]byte)
	OnConsole     func(string)
	OnControl     func(ControlMessage)
	OnStateChange func(session.State)
}

// Transport owns one relay socket and its TunnelSession.
type Transport struct {
	cfg  Config
	h    Handlers
	log  *util.Logger
	exec executor

	mu      sync.Mutex
	sess    *session.Session
	gen     uint64 // bumped by every Start, Stop and teardown
	conn    *websocket.Conn
	cancel  context.CancelFunc
	ka      *keepalive
	lastErr error

	writeMu sync.Mutex
}

// New creates an idle Transport.  The relay id is allocated here so it
// can be registered with the control plane before Start.
func New(cfg Config, h Handlers) *Transport {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 3 * cfg.KeepAlive
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = util.NewLogger(0)
		log.SetOutput(io.Discard)
	}
	return &Transport{
		cfg:  cfg,
		h:    h,
		log:  log.Named("tunnel"),
		sess: session.New(cfg.NodeID, cfg.Protocol, cfg.AuthCookie),
	}
}

// RelayID returns the correlation token the relay pairs on.
func (t *Transport) RelayID() string { return t.sess.RelayID }

// State returns the current lifecycle state.
func (t *Transport) State() session.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess.State
}

// Err returns the error that last moved the transport to Idle, or nil
// if it was stopped deliberately.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Start opens the relay socket in the background.  It requires Idle
// and returns rcerr.ErrNotIdle otherwise.  Cancelling ctx has the same
// effect as Stop.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.sess.State != session.StateIdle {
		t.mu.Unlock()
		return rcerr.ErrNotIdle
	}
	t.gen++
	gen := t.gen
	t.sess.OptionsSent = false
	t.lastErr = nil
	dialCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.setStateLocked(session.StateConnecting)
	t.mu.Unlock()

	t.cfg.Metrics.TunnelStarted()
	context.AfterFunc(dialCtx, func() { t.teardown(gen, nil) })
	go t.run(dialCtx, gen, t.relayURL())
	return nil
}

// Stop closes the socket and returns to Idle.  It is synchronous,
// idempotent and safe in any state, including while Connecting.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.sess.State == session.StateIdle {
		t.mu.Unlock()
		return
	}
	t.gen++
	conn, cancel, ka := t.detachLocked()
	t.setStateLocked(session.StateIdle)
	t.mu.Unlock()

	t.release(conn, cancel, ka)
	t.log.Verbose("stopped")
}

// teardown is Stop for a specific generation, used when the socket
// fails or the relay hangs up.  Stale generations are ignored.
func (t *Transport) teardown(gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen || t.sess.State == session.StateIdle {
		t.mu.Unlock()
		return
	}
	t.gen++
	t.lastErr = err
	conn, cancel, ka := t.detachLocked()
	t.setStateLocked(session.StateIdle)
	t.mu.Unlock()

	if err != nil {
		t.log.Verbose("%v", err)
		t.cfg.Metrics.RecordError(err.Error())
	}
	t.release(conn, cancel, ka)
}

func (t *Transport) detachLocked() (*websocket.Conn, context.CancelFunc, *keepalive) {
	conn, cancel, ka := t.conn, t.cancel, t.ka
	t.conn, t.cancel, t.ka = nil, nil, nil
	return conn, cancel, ka
}

// release halts the keepalive, aborts a dial in flight and closes the
// socket after a best-effort close notification.
func (t *Transport) release(conn *websocket.Conn, cancel context.CancelFunc, ka *keepalive) {
	ka.halt()
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return
	}
	deadline := time.Now().Add(closeTimeout)
	if b, err := json.Marshal(ControlMessage{CtrlChannel: CtrlChannel, Type: TypeClose}); err == nil {
		t.writeBy(conn, websocket.TextMessage, b, deadline)
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline)
	t.writeMu.Unlock()
	conn.Close()
}

func (t *Transport) relayURL() string {
	q := url.Values{}
	q.Set("browser", "1")
	q.Set("p", strconv.Itoa(t.sess.Protocol))
	q.Set("nodeid", t.sess.NodeID)
	q.Set("id", t.sess.RelayID)
	if t.sess.AuthCookie != "" {
		q.Set("auth", t.sess.AuthCookie)
	}
	if t.cfg.BearerToken != "" {
		q.Set("authorization", t.cfg.BearerToken)
	}
	return t.cfg.RelayURL + "?" + q.Encode()
}

// redact strips the query (cookies and tokens) from a relay URL.
func redact(u string) string {
	if p, err := url.Parse(u); err == nil {
		p.RawQuery = ""
		return p.String()
	}
	return "relay"
}

// ── connection goroutine ─────────────────────────────────────────────

func (t *Transport) run(ctx context.Context, gen uint64, u string) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		TLSClientConfig:  t.cfg.TLSConfig,
	}
	if t.cfg.Dialer != nil {
		d.NetDialContext = t.cfg.Dialer.Dial
	}

	t.log.Verbose("dialing %s", redact(u))
	conn, _, err := d.DialContext(ctx, u, t.cfg.Header)
	if err != nil {
		t.teardown(gen, &rcerr.TransportError{Op: "dial", URL: redact(u), Err: err})
		return
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.setStateLocked(session.StateOpen)
	t.mu.Unlock()

	t.probe()
	if t.cfg.KeepAlive > 0 {
		ka := startKeepalive(t.cfg.KeepAlive, t.probe)
		t.mu.Lock()
		if t.gen == gen {
			t.ka = ka
			ka = nil
		}
		t.mu.Unlock()
		ka.halt()
	}

	t.readLoop(gen, conn)
}

// readLoop reads until the socket fails.  With an idle timeout set,
// every inbound frame pushes the read deadline out, so a half-open
// path is noticed once the relay has been silent that long.
func (t *Transport) readLoop(gen uint64, conn *websocket.Conn) {
	idle := t.cfg.IdleTimeout
	for {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				err = rcerr.ErrTransportClosed
			case errors.As(err, &ne) && ne.Timeout():
				err = fmt.Errorf("%w: relay silent for %v", rcerr.ErrTimeout, idle)
			}
			t.teardown(gen, &rcerr.TransportError{Op: "read", Err: err})
			return
		}
		t.cfg.Metrics.FrameReceived(len(data))
		t.handle(gen, Classify(mt, data))
	}
}

// probe sends an rtt control message stamped with the current time.
func (t *Transport) probe() {
	if t.SendCtrl(ControlMessage{Type: TypeRTT, Time: time.Now().UnixMilli()}) {
		t.cfg.Metrics.KeepaliveSent()
	}
}

// ── inbound dispatch ─────────────────────────────────────────────────

func (t *Transport) handle(gen uint64, in Inbound) {
	switch m := in.(type) {
	case Handshake:
		if !t.handshake(gen) {
			t.log.Debug("handshake sentinel after connect ignored")
		}

	case Control:
		t.control(gen, m.Msg)

	case Text:
		if m.Violation != nil {
			t.log.Debug("%v", m.Violation)
			t.cfg.Metrics.ProtocolViolation()
		}
		payload := []byte(m.Payload)
		t.deliver(gen, func() {
			if t.h.OnData != nil {
				t.h.OnData(payload)
			}
		})

	case Binary:
		t.deliver(gen, func() {
			switch {
			case t.h.OnBinary != nil:
				t.h.OnBinary(m.Payload)
			case t.h.OnData != nil:
				t.h.OnData(m.Payload)
			}
		})
	}
}

// handshake answers the relay sentinel: options if any, then the
// protocol id as the first data frame.  It reports false when the
// session was already Connected.
func (t *Transport) handshake(gen uint64) bool {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return true
	}
	if t.sess.HandshakeDone() {
		t.mu.Unlock()
		return false
	}
	opts := t.cfg.Options
	sendOpts := !opts.empty() && !t.sess.OptionsSent
	if sendOpts {
		t.sess.OptionsSent = true
	}
	t.mu.Unlock()

	if sendOpts {
		t.SendCtrl(ControlMessage{
			Type:         TypeOptions,
			Cols:         opts.Cols,
			Rows:         opts.Rows,
			RequireLogin: opts.RequireLogin,
		})
	}
	t.sendRaw(websocket.BinaryMessage, []byte(strconv.Itoa(t.sess.Protocol)))

	t.mu.Lock()
	if t.gen == gen {
		t.setStateLocked(session.StateConnected)
	}
	t.mu.Unlock()
	t.log.Verbose("handshake complete, protocol %d", t.sess.Protocol)
	return true
}

func (t *Transport) control(gen uint64, msg ControlMessage) {
	switch msg.Type {
	case TypePing:
		t.SendCtrl(ControlMessage{Type: TypePong})
	case TypeRTT, TypeRTTAck:
		if msg.Time > 0 {
			rtt := time.Since(time.UnixMilli(msg.Time))
			t.cfg.Metrics.RecordRTT(rtt)
			t.log.Debug("rtt %v", rtt)
		}
	}
	t.deliver(gen, func() {
		if msg.Type == TypeConsole && t.h.OnConsole != nil {
			t.h.OnConsole(msg.Msg)
		}
		if t.h.OnControl != nil {
			t.h.OnControl(msg)
		}
	})
}

// deliver runs fn on the callback goroutine and waits for it, so a slow
// consumer slows the reader instead of growing a queue.  Callbacks for
// a superseded connection are dropped.
func (t *Transport) deliver(gen uint64, fn func()) {
	t.exec.submitWait(func() {
		t.mu.Lock()
		live := t.gen == gen
		t.mu.Unlock()
		if live {
			fn()
		}
	})
}

// setStateLocked records s and queues the observer notification.
// Caller holds t.mu.
func (t *Transport) setStateLocked(s session.State) {
	if t.sess.State == s {
		return
	}
	prev := t.sess.State
	t.sess.State = s
	t.cfg.Metrics.SetState(int(s))
	t.log.Verbose("%s → %s", prev, s)
	if cb := t.h.OnStateChange; cb != nil {
		t.exec.submit(func() { cb(s) })
	}
}

// ── outbound ─────────────────────────────────────────────────────────

// SendText sends s as a raw data frame.
func (t *Transport) SendText(s string) {
	t.sendRaw(websocket.BinaryMessage, []byte(s))
}

// SendBinary sends b as-is.
func (t *Transport) SendBinary(b []byte) {
	t.sendRaw(websocket.BinaryMessage, b)
}

// SendCtrl JSON-encodes msg on the control channel.  It reports whether
// the message was handed to the socket.
func (t *Transport) SendCtrl(msg ControlMessage) bool {
	msg.CtrlChannel = CtrlChannel
	b, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return t.sendRaw(websocket.TextMessage, b)
}

// sendRaw writes one frame if the socket is open.  Otherwise the frame
// is dropped; write failures are logged and swallowed.
func (t *Transport) sendRaw(mt int, b []byte) bool {
	t.mu.Lock()
	conn := t.conn
	if t.sess.State < session.StateOpen {
		conn = nil
	}
	t.mu.Unlock()
	if conn == nil {
		return false
	}
	return t.write(conn, mt, b)
}

func (t *Transport) write(conn *websocket.Conn, mt int, b []byte) bool {
	return t.writeBy(conn, mt, b, time.Now().Add(t.cfg.WriteTimeout))
}

func (t *Transport) writeBy(conn *websocket.Conn, mt int, b []byte, deadline time.Time) bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(mt, b); err != nil {
		t.log.Debug("send dropped: %v", err)
		t.cfg.Metrics.RecordError(err.Error())
		return false
	}
	t.cfg.Metrics.FrameSent(len(b))
	return true
}
