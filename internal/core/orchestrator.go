package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"meshrc/internal/adapter"
	"meshrc/internal/control"
	rcerr "meshrc/internal/errors"
	"meshrc/internal/metrics"
	"meshrc/internal/retry"
	"meshrc/internal/session"
	"meshrc/tunnel"
	"meshrc/util"
)

// ControlSession is the control-plane collaborator.
type ControlSession interface {
	OpenSession(ctx context.Context) error
	AcquireCookies(ctx context.Context) (control.Cookies, error)
	RegisterPairing(ctx context.Context, p control.Pairing) error
	Close() error
}

// Options configures an Orchestrator.
type Options struct {
	NodeID  string
	Control ControlSession
	Adapter adapter.Adapter

	// Tunnel is the template for every transport.  NodeID, Protocol,
	// AuthCookie, Options, Logger and Metrics are filled in per
	// connection.
	Tunnel tunnel.Config

	// Reconnect re-runs the whole open sequence after the tunnel drops.
	Reconnect bool
	Backoff   *retry.Backoff
	Breaker   *retry.CircuitBreaker

	// Closers are released last on Close (the SSH jump dialer).
	Closers []io.Closer

	Logger  *util.Logger
	Metrics *metrics.Collector

	// UI notifications.  They run on the transport's callback goroutine.
	OnStateChange func(session.State)
	OnConsole     func(string)
}

// Orchestrator runs one remote session: cookies, pairing, tunnel and
// adapter.
type Orchestrator struct {
	opts Options
	log  *util.Logger

	mu     sync.Mutex
	tr     *tunnel.Transport
	closed bool
}

// New creates an Orchestrator.  Nothing is contacted until Open or Run.
func New(opts Options) *Orchestrator {
	if opts.Breaker == nil {
		opts.Breaker = retry.NewCircuitBreaker(nil)
	}
	log := opts.Logger
	if log == nil {
		log = util.NewLogger(0)
		log.SetOutput(io.Discard)
		opts.Logger = log
	}
	return &Orchestrator{opts: opts, log: log.Named("session")}
}

// Adapter returns the session's adapter.
func (o *Orchestrator) Adapter() adapter.Adapter { return o.opts.Adapter }

// State is the current tunnel state; Idle before the first Open.
func (o *Orchestrator) State() session.State {
	o.mu.Lock()
	tr := o.tr
	o.mu.Unlock()
	if tr == nil {
		return session.StateIdle
	}
	return tr.State()
}

// Open acquires cookies, builds a transport wired to the adapter,
// registers the pairing and starts the transport.  If cookies cannot
// be acquired the transport is never created.
func (o *Orchestrator) Open(ctx context.Context) error {
	_, _, err := o.open(ctx)
	return err
}

// open returns the started transport and a channel closed when it next
// returns to Idle.
func (o *Orchestrator) open(ctx context.Context) (*tunnel.Transport, <-chan struct{}, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, nil, rcerr.ErrTransportClosed
	}
	prev := o.tr
	o.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	var cookies control.Cookies
	err := o.opts.Breaker.Execute(func() error {
		if err := o.opts.Control.OpenSession(ctx); err != nil {
			return err
		}
		var err error
		cookies, err = o.opts.Control.AcquireCookies(ctx)
		return err
	})
	if err != nil {
		o.opts.Metrics.RecordError(err.Error())
		return nil, nil, err
	}

	a := o.opts.Adapter
	cfg := o.opts.Tunnel
	cfg.NodeID = o.opts.NodeID
	cfg.Protocol = a.Protocol()
	cfg.AuthCookie = cookies.AuthCookie
	cfg.Options = a.Options()
	cfg.Logger = o.opts.Logger
	cfg.Metrics = o.opts.Metrics

	idle := make(chan struct{})
	tr := tunnel.New(cfg, o.handlers(a.Handlers(), idle))

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, nil, rcerr.ErrTransportClosed
	}
	o.tr = tr
	o.mu.Unlock()
	a.Attach(tr)

	// The relay may send its handshake before or after the server has
	// processed this; the tunnel never waits for it.
	err = o.opts.Control.RegisterPairing(ctx, control.Pairing{
		NodeID:      o.opts.NodeID,
		RelayID:     tr.RelayID(),
		RelayCookie: cookies.RelayCookie,
		Protocol:    cfg.Protocol,
	})
	if err != nil {
		o.log.Warn("%v", err)
	}

	// Close may have run while pairing was in flight; it stopped a
	// transport that was still Idle, so it must not start now.
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, nil, rcerr.ErrTransportClosed
	}
	if err := tr.Start(ctx); err != nil {
		return nil, nil, err
	}
	return tr, idle, nil
}

// handlers layers UI notifications and idle detection over the
// adapter's handlers.
func (o *Orchestrator) handlers(h tunnel.Handlers, idle chan struct{}) tunnel.Handlers {
	adapterState := h.OnStateChange
	var once sync.Once
	h.OnStateChange = func(s session.State) {
		if adapterState != nil {
			adapterState(s)
		}
		if o.opts.OnStateChange != nil {
			o.opts.OnStateChange(s)
		}
		if s == session.StateIdle {
			once.Do(func() { close(idle) })
		}
	}

	adapterConsole := h.OnConsole
	h.OnConsole = func(msg string) {
		if adapterConsole != nil {
			adapterConsole(msg)
		}
		if o.opts.OnConsole != nil {
			o.opts.OnConsole(msg)
		} else {
			o.log.Info("%s", msg)
		}
	}
	return h
}

// Run opens the session and blocks until ctx is cancelled, local input
// ends, or the tunnel drops.  With Reconnect set, a dropped tunnel is
// re-opened with backoff, as long as rcerr.IsRetryable accepts the
// failure.  Run closes the session before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer o.Close()

	inputDone := make(chan error, 1)
	go func() { inputDone <- o.opts.Adapter.Run(ctx) }()

	b := o.backoff()
	err := b.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			o.opts.Metrics.Reconnect()
			o.log.Info("reconnecting (attempt %d)", attempt)
		}

		tr, idle, err := o.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return o.retryable(err)
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-inputDone:
			return retry.Permanent(err)
		case <-idle:
			err := tr.Err()
			if err == nil {
				return nil // Disconnect
			}
			if o.opts.Reconnect {
				o.log.Warn("tunnel lost: %v", err)
			}
			return o.retryable(err)
		}
	})
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// retryable marks err permanent unless reconnecting is on and the
// failure is one a later attempt can get past.
func (o *Orchestrator) retryable(err error) error {
	if !o.opts.Reconnect || !rcerr.IsRetryable(err) {
		return retry.Permanent(err)
	}
	return err
}

func (o *Orchestrator) backoff() *retry.Backoff {
	var b retry.Backoff
	if o.opts.Backoff != nil {
		b = *o.opts.Backoff
	} else {
		b = *retry.DefaultBackoff()
	}
	if !o.opts.Reconnect {
		b.MaxAttempts = 1
	}
	if b.OnRetry == nil {
		b.OnRetry = func(attempt int, err error, wait time.Duration) {
			o.log.Verbose("attempt %d failed, retrying in %v: %v", attempt, wait, err)
		}
	}
	return &b
}

// Disconnect stops the tunnel but keeps the control session, so Open
// can be called again.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	tr := o.tr
	o.mu.Unlock()
	if tr != nil {
		tr.Stop()
	}
}

// Close tears the session down: adapter cleanup, tunnel stop, control
// session close, then any extra closers.  It is idempotent and safe in
// any tunnel state.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	tr := o.tr
	o.mu.Unlock()

	var errs []error
	if err := o.opts.Adapter.Close(); err != nil {
		errs = append(errs, err)
	}
	if tr != nil {
		tr.Stop()
	}
	if err := o.opts.Control.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range o.opts.Closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return rcerr.Join(errs...)
}
