package server

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Scheduler runs connection sessions.  Go may block to apply
// backpressure; it returns an error only when ctx ends first, in which
// case fn is never run.
type Scheduler interface {
	Go(ctx context.Context, fn func()) error
}

// ── goroutine per connection ─────────────────────────────────────────

type goScheduler struct{}

// NewGoScheduler returns the default Scheduler: one goroutine per
// session, no admission limit.
func NewGoScheduler() Scheduler { return goScheduler{} }

func (goScheduler) Go(_ context.Context, fn func()) error {
	go fn()
	return nil
}

// ── bounded pool ─────────────────────────────────────────────────────

// PoolScheduler runs at most limit sessions at a time.  When all slots
// are busy Go blocks, which stalls the accept loop until a session
// ends.
type PoolScheduler struct {
	slots *semaphore.Weighted
	group errgroup.Group
	limit int
}

// NewPoolScheduler returns a Scheduler admitting at most limit
// concurrent sessions.  A limit below 1 is treated as 1.
func NewPoolScheduler(limit int) *PoolScheduler {
	if limit < 1 {
		limit = 1
	}
	return &PoolScheduler{slots: semaphore.NewWeighted(int64(limit)), limit: limit}
}

func (p *PoolScheduler) Go(ctx context.Context, fn func()) error {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	p.group.Go(func() error {
		defer p.slots.Release(1)
		fn()
		return nil
	})
	return nil
}

// Limit returns the configured concurrency limit.
func (p *PoolScheduler) Limit() int { return p.limit }

// Wait blocks until every session started through p has returned.
func (p *PoolScheduler) Wait() {
	p.group.Wait() //nolint:errcheck // sessions never return errors
}
