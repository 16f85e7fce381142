package retry

import (
	"fmt"
	"sync"
	"time"

	ncerr "ctrlport/internal/errors"
)

// State is the position of a [CircuitBreaker].
type State int

const (
	StateClosed   State = iota // channels open normally
	StateOpen                  // channel opens are refused until the cooldown ends
	StateHalfOpen              // trial opens decide whether to close again
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CircuitBreakerConfig configures a [CircuitBreaker].  Zero fields take
// the defaults from [DefaultCircuitBreakerConfig].
type CircuitBreakerConfig struct {
	Threshold int           // consecutive failures that open the circuit
	Cooldown  time.Duration // time spent open before trial opens are let through
	Trials    int           // consecutive half-open successes that close it

	// OnStateChange runs under the breaker's lock on every transition.
	OnStateChange func(from, to State)
}

// DefaultCircuitBreakerConfig returns the breaker used for SSH session
// channels.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Threshold: 5,
		Cooldown:  30 * time.Second,
		Trials:    2,
	}
}

// CircuitBreaker refuses work on a bridge whose channel opens keep
// failing, so callers get a fast error instead of another slow
// rejection.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failed   int // consecutive failures
	passed   int // consecutive half-open successes
	openedAt time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	c := *DefaultCircuitBreakerConfig()
	if cfg != nil {
		if cfg.Threshold > 0 {
			c.Threshold = cfg.Threshold
		}
		if cfg.Cooldown > 0 {
			c.Cooldown = cfg.Cooldown
		}
		if cfg.Trials > 0 {
			c.Trials = cfg.Trials
		}
		c.OnStateChange = cfg.OnStateChange
	}
	return &CircuitBreaker{cfg: c, now: time.Now}
}

// Execute runs fn unless the circuit is open, in which case it returns
// an error wrapping [ncerr.ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// Reset closes the circuit and forgets past failures.  Called after a
// fresh connection replaces the one that kept failing.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failed, cb.passed = 0, 0
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	left := cb.openedAt.Add(cb.cfg.Cooldown).Sub(cb.now())
	if left <= 0 {
		cb.passed = 0
		cb.setState(StateHalfOpen)
		return nil
	}
	return fmt.Errorf("%w after %d failures, retry in %v",
		ncerr.ErrCircuitOpen, cb.failed, left.Round(time.Second))
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failed++
		if cb.state == StateHalfOpen || cb.failed >= cb.cfg.Threshold {
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
		}
		return
	}

	if cb.state == StateHalfOpen {
		if cb.passed++; cb.passed < cb.cfg.Trials {
			return
		}
		cb.setState(StateClosed)
	}
	cb.failed = 0
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
