// Package retry provides exponential backoff and a circuit breaker used
// by the SSH controller to reach flaky bridges without hammering them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError marks a failure that another attempt cannot fix, such
// as refused credentials.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that [Backoff.Do] returns it at once.  A nil
// err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff is an exponential retry schedule.  Zero fields take the
// defaults noted on each.
type Backoff struct {
	InitialDelay time.Duration // first wait; default 1s
	MaxDelay     time.Duration // cap on a single wait; default 60s
	Multiplier   float64       // growth per attempt; default 2
	MaxAttempts  int           // tries including the first; 0 = until ctx ends
	Jitter       bool          // spread each wait by ±25%

	// OnRetry is called before each wait with the failed attempt
	// number, its error and the upcoming delay.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoff returns the schedule used for bridge connects: a few
// quick attempts, since a controller that cannot reach its target is
// useless to the caller waiting on it.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// Do calls fn until it succeeds, fails permanently, runs out of
// attempts or ctx ends.  attempt is 1-based.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	delay := b.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}

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
			return fmt.Errorf("max retries (%d) exceeded: %w", b.MaxAttempts, err)
		}

		wait := delay
		if b.Jitter {
			wait = jitter(delay)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		delay = b.grow(delay)
	}
}

func (b *Backoff) grow(d time.Duration) time.Duration {
	m := b.Multiplier
	if m <= 0 {
		m = 2.0
	}
	limit := b.MaxDelay
	if limit <= 0 {
		limit = 60 * time.Second
	}
	if next := time.Duration(float64(d) * m); next < limit {
		return next
	}
	return limit
}

// jitter spreads d by ±25%, never below a millisecond.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) / 2
	j := time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	if j < time.Millisecond {
		return time.Millisecond
	}
	return j
}
