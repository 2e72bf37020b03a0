package bulk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Coordinator is a semaphore whose capacity follows the pool's
// recommended total parallelism. Capacity is re-read on every acquire,
// so it grows as soon as the recommendation does; when the
// recommendation drops below the number of held slots, no new slots are
// issued until enough are released; held slots are never revoked.
type Coordinator struct {
	capacity func() int
	logger   zerolog.Logger

	mu      sync.Mutex
	held    int
	waiters map[*waiter]struct{}
}

type waiter struct {
	ch chan struct{}
}

// NewCoordinator creates a coordinator over a capacity callback,
// typically the pool's TotalRecommendedParallelism. The effective
// capacity is floored at 1 so a fully-throttled pool can still make
// progress one batch at a time.
func NewCoordinator(capacity func() int, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		capacity: capacity,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		waiters:  make(map[*waiter]struct{}),
	}
}

// Capacity returns the current effective capacity.
func (c *Coordinator) Capacity() int {
	limit := c.capacity()
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Held returns the number of slots currently checked out.
func (c *Coordinator) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

// Acquire blocks until a slot is available, the context is cancelled, or
// timeout elapses. The returned slot must be released; release is
// idempotent.
func (c *Coordinator) Acquire(ctx context.Context, timeout time.Duration) (*Slot, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		limit := c.Capacity()
		if c.held < limit {
			c.held++
			c.mu.Unlock()
			return &Slot{c: c}, nil
		}
		w := &waiter{ch: make(chan struct{}, 1)}
		c.waiters[w] = struct{}{}
		held := c.held
		c.mu.Unlock()

		select {
		case <-w.ch:
			// A slot may have been claimed by another waiter between
			// the wake-up and our re-check; loop and try again.
		case <-ctx.Done():
			c.forget(w)
			return nil, ctx.Err()
		case <-timer.C:
			c.forget(w)
			exhausted := &CoordinatorExhaustedError{
				Available: limit - held,
				Capacity:  limit,
				Timeout:   timeout,
			}
			c.logger.Warn().
				Int("capacity", limit).
				Int("held", held).
				Dur("timeout", timeout).
				Msg("dispatch slot wait timed out")
			return nil, exhausted
		}
	}
}

func (c *Coordinator) forget(w *waiter) {
	c.mu.Lock()
	delete(c.waiters, w)
	c.mu.Unlock()
}

// release frees one slot and wakes every waiter so they can race for the
// freed capacity (capacity may also have grown since they slept).
func (c *Coordinator) release() {
	c.mu.Lock()
	if c.held > 0 {
		c.held--
	}
	for w := range c.waiters {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()
}

// Slot is a held dispatch slot. Release is guaranteed-idempotent so it
// can sit in a defer next to error paths.
type Slot struct {
	c        *Coordinator
	released int32
}

// Release frees the slot. Safe to call more than once.
func (s *Slot) Release() {
	if !atomic.CompareAndSwapInt32(&s.released, 0, 1) {
		return
	}
	s.c.release()
}
