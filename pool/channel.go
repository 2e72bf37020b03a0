package pool

import (
	"context"
	"sync/atomic"
	"time"
)

// PooledChannel is a checked-out channel handle. It is owned exclusively
// by one caller from Acquire until Release; Release is idempotent and
// infallible.
type PooledChannel struct {
	name string
	ch   Channel
	pool *Pool

	createdAt  time.Time
	lastUsedAt time.Time

	released int32
}

// Identity returns the name of the identity this channel belongs to.
func (pc *PooledChannel) Identity() string { return pc.name }

// ID returns the underlying transport's stable id.
func (pc *PooledChannel) ID() string { return pc.ch.ID() }

// CreatedAt returns when the underlying transport was established.
func (pc *PooledChannel) CreatedAt() time.Time { return pc.createdAt }

// Execute submits one batch over the channel. A DOP hint carried on the
// response updates the pool's recommendation for this identity.
func (pc *PooledChannel) Execute(ctx context.Context, req *Request) (*Response, error) {
	pc.lastUsedAt = pc.pool.now()
	resp, err := pc.ch.Execute(ctx, req)
	if err == nil && resp.DOPHint > 0 {
		pc.pool.ObserveHint(pc.name, resp.DOPHint)
	}
	return resp, err
}

// Release returns the channel to its pool. Safe to call more than once;
// only the first call has an effect.
func (pc *PooledChannel) Release() {
	if !atomic.CompareAndSwapInt32(&pc.released, 0, 1) {
		return
	}
	pc.pool.release(pc)
}
