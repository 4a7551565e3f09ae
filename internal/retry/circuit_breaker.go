package retry

import (
	"fmt"
	"sync"
	"time"

	rcerr "meshrc/internal/errors"
)

// State is the breaker position, exported to metrics as 0, 1, 2.
type State int32

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected until the cooldown ends
	StateHalfOpen              // one trial call decides
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a [CircuitBreaker].  Zero fields take
// defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           // consecutive failures that open the circuit (5)
	ResetTimeout time.Duration // time spent open before a trial call (30s)

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)
}

// CircuitBreaker guards cookie acquisition.  After MaxFailures
// consecutive failures it opens and rejects calls with an error wrapping
// rcerr.ErrCircuitOpen.  Once ResetTimeout has passed a single trial
// call is let through: success closes the circuit, failure reopens it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// NewCircuitBreaker returns a closed breaker.  cfg may be nil.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{now: time.Now}
	if cfg != nil {
		cb.cfg = *cfg
	}
	if cb.cfg.MaxFailures <= 0 {
		cb.cfg.MaxFailures = 5
	}
	if cb.cfg.ResetTimeout <= 0 {
		cb.cfg.ResetTimeout = 30 * time.Second
	}
	return cb
}

// Execute runs fn unless the circuit rejects the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// State returns the current position.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	notify := func() {}
	switch cb.state {
	case StateOpen:
		if wait := cb.openedAt.Add(cb.cfg.ResetTimeout).Sub(cb.now()); wait > 0 {
			n := cb.failures
			cb.mu.Unlock()
			return fmt.Errorf("%w after %d failures, next try in %v",
				rcerr.ErrCircuitOpen, n, wait.Round(time.Second))
		}
		notify = cb.moveLocked(StateHalfOpen)
	case StateHalfOpen:
		cb.mu.Unlock()
		return fmt.Errorf("%w: trial call in progress", rcerr.ErrCircuitOpen)
	}
	cb.mu.Unlock()
	notify()
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	notify := func() {}
	if err == nil {
		cb.failures = 0
		notify = cb.moveLocked(StateClosed)
	} else {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.openedAt = cb.now()
			notify = cb.moveLocked(StateOpen)
		}
	}
	cb.mu.Unlock()
	notify()
}

// moveLocked switches state and returns the notification to run once
// the lock is released.
func (cb *CircuitBreaker) moveLocked(to State) func() {
	from := cb.state
	if from == to || cb.cfg.OnStateChange == nil {
		cb.state = to
		return func() {}
	}
	cb.state = to
	hook := cb.cfg.OnStateChange
	return func() { hook(from, to) }
}
