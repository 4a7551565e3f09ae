// Package retry holds the reconnect policy for a remote session:
// exponential backoff between attempts, and a circuit breaker that stops
// the orchestrator from hammering a control plane that keeps failing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 60 * time.Second
	defaultMultiplier   = 2.0
)

// PermanentError marks an error that ends the retry loop at once.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that [Backoff.Do] returns it without another
// attempt.  Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked with [Permanent].
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ExhaustedError is returned by [Backoff.Do] when every allowed attempt
// failed.  It unwraps to the last attempt's error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Backoff spaces out reconnection attempts.  The zero value waits 1s,
// doubling up to 60s, forever.
type Backoff struct {
	InitialDelay time.Duration // wait after the first failure
	MaxDelay     time.Duration // cap on any single wait
	Multiplier   float64       // growth per failed attempt
	MaxAttempts  int           // tries including the first; 0 = until ctx is done
	Jitter       bool          // spread each wait by ±25%

	// OnRetry, if set, is called with the failed attempt before waiting.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoff is the policy used when --reconnect is given.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// Delay is the un-jittered wait after the given failed attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	initial, limit, mult := b.InitialDelay, b.MaxDelay, b.Multiplier
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	if limit <= 0 {
		limit = defaultMaxDelay
	}
	if mult <= 0 {
		mult = defaultMultiplier
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(mult, float64(attempt-1))
	if d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// Do calls fn until it returns nil, returns a [Permanent] error, runs out
// of attempts, or ctx is done.  attempt is 1-based.  A cancelled wait
// returns ctx.Err().
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		wait := b.Delay(attempt)
		if b.Jitter {
			wait = jitter(wait)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter returns a duration uniformly within ±25% of d, never below 1ms.
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 2
	if spread <= 0 {
		return d
	}
	j := d - d/4 + time.Duration(rand.Int64N(spread+1))
	if j < time.Millisecond {
		j = time.Millisecond
	}
	return j
}
