package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"meshrc/internal/adapter"
	"meshrc/internal/control"
	rcerr "meshrc/internal/errors"
	"meshrc/internal/metrics"
	"meshrc/internal/retry"
	"meshrc/internal/session"
	"meshrc/tunnel"
	"meshrc/util"
)

const waitFor = 3 * time.Second

// ── fakes ────────────────────────────────────────────────────────────

// events is a shared, ordered log of collaborator calls.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeControl struct {
	ev         *events
	openErr    error
	acquireErr error
	pairErr    error

	// pairEntered is closed when RegisterPairing starts; it then waits
	// for pairGate.
	pairEntered chan struct{}
	pairGate    chan struct{}

	mu       sync.Mutex
	acquires int
	pairings []control.Pairing
}

func (f *fakeControl) OpenSession(context.Context) error {
	return f.openErr
}

func (f *fakeControl) AcquireCookies(context.Context) (control.Cookies, error) {
	f.ev.add("acquire")
	f.mu.Lock()
	f.acquires++
	f.mu.Unlock()
	if f.acquireErr != nil {
		return control.Cookies{}, f.acquireErr
	}
	return control.Cookies{AuthCookie: "AUTH", RelayCookie: "RELAY"}, nil
}

func (f *fakeControl) RegisterPairing(_ context.Context, p control.Pairing) error {
	f.ev.add("pair")
	if f.pairEntered != nil {
		close(f.pairEntered)
		<-f.pairGate
	}
	f.mu.Lock()
	f.pairings = append(f.pairings, p)
	f.mu.Unlock()
	return f.pairErr
}

func (f *fakeControl) Close() error {
	f.ev.add("control.close")
	return nil
}

func (f *fakeControl) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

// recordingAdapter wraps a shell and logs Close.
type recordingAdapter struct {
	*adapter.Shell
	ev    *events
	state func() session.State
}

func (a *recordingAdapter) Close() error {
	a.ev.add("adapter.close:" + a.state().String())
	return a.Shell.Close()
}

type relay struct {
	srv     *httptest.Server
	queries chan url.Values
	conns   chan *websocket.Conn
}

// newRelay accepts tunnels, sends the handshake sentinel and holds the
// socket open until the test closes it.
func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{queries: make(chan url.Values, 8), conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		ws.WriteMessage(websocket.TextMessage, []byte("c"))
		r.queries <- req.URL.Query()
		r.conns <- ws
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/meshrelay.ashx"
}

func (r *relay) accept(t *testing.T) (url.Values, *websocket.Conn) {
	t.Helper()
	select {
	case q := <-r.queries:
		ws := <-r.conns
		t.Cleanup(func() { ws.Close() })
		return q, ws
	case <-time.After(waitFor):
		t.Fatal("no tunnel reached the relay")
		return nil, nil
	}
}

func quiet() *util.Logger {
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

func newOrchestrator(t *testing.T, r *relay, ctl *fakeControl, in io.Reader, mutate func(*Options)) *Orchestrator {
	t.Helper()
	var o *Orchestrator
	a := &recordingAdapter{
		Shell: adapter.NewShell(in, io.Discard, 80, 24, false, quiet()),
		ev:    ctl.ev,
		state: func() session.State { return o.State() },
	}
	opts := Options{
		NodeID:  "node//abc",
		Control: ctl,
		Adapter: a,
		Tunnel:  tunnel.Config{RelayURL: r.url()},
		Logger:  quiet(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	o = New(opts)
	t.Cleanup(func() { o.Close() })
	return o
}

func waitState(t *testing.T, o *Orchestrator, want session.State) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", o.State(), want)
}

// ── Open ─────────────────────────────────────────────────────────────

func TestOrchestrator_OpenSequence(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}}
	o := newOrchestrator(t, r, ctl, nil, nil)

	if err := o.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	q, _ := r.accept(t)
	waitState(t, o, session.StateConnected)

	if got := ctl.ev.list(); len(got) < 2 || got[0] != "acquire" || got[1] != "pair" {
		t.Fatalf("calls = %v, want acquire then pair", got)
	}
	p := ctl.pairings[0]
	if p.NodeID != "node//abc" || p.RelayCookie != "RELAY" || p.Protocol != 1 {
		t.Errorf("pairing = %+v", p)
	}
	if q.Get("id") != p.RelayID {
		t.Errorf("relay id %q does not match pairing %q", q.Get("id"), p.RelayID)
	}
	if q.Get("auth") != "AUTH" || q.Get("nodeid") != "node//abc" || q.Get("p") != "1" {
		t.Errorf("relay query = %v", q)
	}
}

func TestOrchestrator_CookieFailureNeverStartsTunnel(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}, acquireErr: &rcerr.AuthError{Op: "authcookie", Err: errors.New("denied")}}
	o := newOrchestrator(t, r, ctl, nil, nil)

	err := o.Open(context.Background())
	if !rcerr.IsAuth(err) {
		t.Fatalf("Open = %v, want auth error", err)
	}
	select {
	case <-r.queries:
		t.Fatal("tunnel started after cookie failure")
	case <-time.After(100 * time.Millisecond):
	}
	if o.State() != session.StateIdle {
		t.Errorf("state = %s", o.State())
	}
	for _, e := range ctl.ev.list() {
		if e == "pair" {
			t.Error("pairing registered after cookie failure")
		}
	}
}

func TestOrchestrator_LoginRefusedBeforeCookies(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}, openErr: &rcerr.AuthError{Op: "login", Err: errors.New("HTTP 401")}}
	o := newOrchestrator(t, r, ctl, nil, nil)

	if err := o.Open(context.Background()); !rcerr.IsAuth(err) {
		t.Fatalf("Open = %v, want auth error", err)
	}
	if n := ctl.acquireCount(); n != 0 {
		t.Errorf("acquires = %d, want 0", n)
	}
}

func TestOrchestrator_PairingFailureIsNotFatal(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}, pairErr: &rcerr.PairingError{NodeID: "n", RelayID: "r", Err: errors.New("boom")}}
	o := newOrchestrator(t, r, ctl, nil, nil)

	if err := o.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.accept(t)
	waitState(t, o, session.StateConnected)
}

// ── teardown ─────────────────────────────────────────────────────────

func TestOrchestrator_CloseOrder(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}}
	o := newOrchestrator(t, r, ctl, nil, nil)

	if err := o.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.accept(t)
	waitState(t, o, session.StateConnected)

	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if o.State() != session.StateIdle {
		t.Errorf("state after Close = %s", o.State())
	}

	got := ctl.ev.list()
	tail := got[len(got)-2:]
	// The adapter is cleaned up while the tunnel is still up, then the
	// tunnel stops, then the control session closes.
	if tail[0] != "adapter.close:Connected" || tail[1] != "control.close" {
		t.Errorf("teardown = %v", tail)
	}
	if err := o.Open(context.Background()); err == nil {
		t.Error("Open after Close should fail")
	}
}

// Close while pairing is in flight: the transport created for that
// attempt must never dial.
func TestOrchestrator_CloseDuringPairing(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}, pairEntered: make(chan struct{}), pairGate: make(chan struct{})}
	o := newOrchestrator(t, r, ctl, nil, nil)

	done := make(chan error, 1)
	go func() { done <- o.Open(context.Background()) }()

	select {
	case <-ctl.pairEntered:
	case <-time.After(waitFor):
		t.Fatal("pairing never started")
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(ctl.pairGate)

	select {
	case err := <-done:
		if !errors.Is(err, rcerr.ErrTransportClosed) {
			t.Errorf("Open = %v, want ErrTransportClosed", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Open did not return")
	}
	if s := o.State(); s != session.StateIdle {
		t.Errorf("state after Close = %s, want Idle", s)
	}
	select {
	case <-r.queries:
		t.Error("tunnel reached the relay after Close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOrchestrator_CloseBeforeOpen(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}}
	o := newOrchestrator(t, r, ctl, nil, nil)

	if err := o.Close(); err != nil {
		t.Fatal(err)
	}
	got := ctl.ev.list()
	if len(got) != 2 || got[0] != "adapter.close:Idle" || got[1] != "control.close" {
		t.Errorf("teardown = %v", got)
	}
}

func TestOrchestrator_Disconnect(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}}
	o := newOrchestrator(t, r, ctl, nil, nil)

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()
	r.accept(t)
	waitState(t, o, session.StateConnected)

	o.Disconnect()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after Disconnect = %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Disconnect")
	}
}

// ── Run ──────────────────────────────────────────────────────────────

func TestRun_ContextCancel(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}}
	o := newOrchestrator(t, r, ctl, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	r.accept(t)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Run did not return on cancel")
	}
	if o.State() != session.StateIdle {
		t.Errorf("state = %s", o.State())
	}
}

func TestRun_InputEndFinishesSession(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}}
	o := newOrchestrator(t, r, ctl, strings.NewReader("exit\n"), nil)

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Run did not return at end of input")
	}
}

func TestRun_DropWithoutReconnect(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}}
	o := newOrchestrator(t, r, ctl, nil, nil)

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()
	_, ws := r.accept(t)
	waitState(t, o, session.StateConnected)
	ws.Close()

	select {
	case err := <-done:
		var te *rcerr.TransportError
		if !rcerr.As(err, &te) {
			t.Errorf("Run = %v, want TransportError", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Run did not return after the tunnel dropped")
	}
	if n := ctl.acquireCount(); n != 1 {
		t.Errorf("acquires = %d, want 1", n)
	}
}

func TestRun_Reconnect(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}}
	m := metrics.New()
	o := newOrchestrator(t, r, ctl, nil, func(opts *Options) {
		opts.Reconnect = true
		opts.Backoff = &retry.Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5}
		opts.Metrics = m
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	q1, ws := r.accept(t)
	waitState(t, o, session.StateConnected)
	ws.Close()

	q2, _ := r.accept(t)
	if q1.Get("id") == q2.Get("id") {
		t.Error("reconnect reused the relay id")
	}
	if n := ctl.acquireCount(); n != 2 {
		t.Errorf("acquires = %d, want 2 (fresh cookies per tunnel)", n)
	}
	if m.Reconnects() != 1 {
		t.Errorf("reconnects = %d, want 1", m.Reconnects())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
}

func TestRun_AuthErrorNotRetried(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}, acquireErr: &rcerr.AuthError{Op: "authcookie", Err: errors.New("denied")}}
	o := newOrchestrator(t, r, ctl, nil, func(opts *Options) {
		opts.Reconnect = true
		opts.Backoff = &retry.Backoff{InitialDelay: time.Millisecond, MaxAttempts: 5}
	})

	err := o.Run(context.Background())
	if !rcerr.IsAuth(err) {
		t.Fatalf("Run = %v, want auth error", err)
	}
	if n := ctl.acquireCount(); n != 1 {
		t.Errorf("acquires = %d, want 1", n)
	}
}

func TestRun_TransientCookieFailureRetried(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}, acquireErr: &rcerr.TransportError{Op: "control dial", Err: errors.New("refused")}}
	o := newOrchestrator(t, r, ctl, nil, func(opts *Options) {
		opts.Reconnect = true
		opts.Backoff = &retry.Backoff{InitialDelay: time.Millisecond, MaxAttempts: 3}
		opts.Breaker = retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{MaxFailures: 10})
	})

	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if n := ctl.acquireCount(); n != 3 {
		t.Errorf("acquires = %d, want 3", n)
	}
}

func TestRun_FinalErrorsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"host key", &rcerr.TransportError{Op: "control dial", Err: rcerr.WrapSSH("handshake", "bastion", 22,
			fmt.Errorf("%w for bastion", rcerr.ErrHostKeyMismatch))}},
		{"ssh auth", &rcerr.TransportError{Op: "control dial", Err: rcerr.WrapSSH("auth", "bastion", 22, errors.New("no key"))}},
		{"config", &rcerr.ConfigError{Field: "server", Message: "bad"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRelay(t)
			ctl := &fakeControl{ev: &events{}, acquireErr: tt.err}
			o := newOrchestrator(t, r, ctl, nil, func(opts *Options) {
				opts.Reconnect = true
				opts.Backoff = &retry.Backoff{InitialDelay: time.Millisecond, MaxAttempts: 5}
				opts.Breaker = retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{MaxFailures: 10})
			})

			if err := o.Run(context.Background()); err == nil {
				t.Fatal("expected error")
			}
			if n := ctl.acquireCount(); n != 1 {
				t.Errorf("acquires = %d, want 1", n)
			}
		})
	}
}

func TestRun_CircuitBreakerStopsHammering(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}, acquireErr: &rcerr.TransportError{Op: "control dial", Err: errors.New("refused")}}
	o := newOrchestrator(t, r, ctl, nil, func(opts *Options) {
		opts.Reconnect = true
		opts.Backoff = &retry.Backoff{InitialDelay: time.Millisecond, MaxAttempts: 6}
		opts.Breaker = retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	})

	err := o.Run(context.Background())
	if !errors.Is(err, rcerr.ErrCircuitOpen) {
		t.Fatalf("Run = %v, want circuit open", err)
	}
	if n := ctl.acquireCount(); n != 2 {
		t.Errorf("acquires = %d, want 2", n)
	}
}

func TestOrchestrator_UINotifications(t *testing.T) {
	r := newRelay(t)
	ctl := &fakeControl{ev: &events{}}
	states := make(chan session.State, 16)
	console := make(chan string, 1)
	o := newOrchestrator(t, r, ctl, nil, func(opts *Options) {
		opts.OnStateChange = func(s session.State) { states <- s }
		opts.OnConsole = func(s string) { console <- s }
	})

	if err := o.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, ws := r.accept(t)
	ws.WriteMessage(websocket.TextMessage, []byte(`{"ctrlChannel":102938,"type":"console","msg":"hi"}`))

	select {
	case msg := <-console:
		if msg != "hi" {
			t.Errorf("console = %q", msg)
		}
	case <-time.After(waitFor):
		t.Fatal("no console notification")
	}
	want := []session.State{session.StateConnecting, session.StateOpen, session.StateConnected}
	for _, w := range want {
		select {
		case s := <-states:
			if s != w {
				t.Fatalf("state = %s, want %s", s, w)
			}
		case <-time.After(waitFor):
			t.Fatalf("missing %s notification", w)
		}
	}
}
