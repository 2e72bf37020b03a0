package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/surge/adaptive"
	"github.com/AlfredDev/surge/throttle"
)

// Pool is a fixed-capacity, multi-identity checkout pool. Each identity
// owns a sub-pool of channels; a selection strategy decides which
// identity serves the next checkout, consulting the throttle tracker.
//
// Lock order is always pool-level before identity-level, and no lock is
// held across a factory call, a channel close, or a wait.
type Pool struct {
	cfg        Config
	maxSize    int
	identities []IdentityConfig
	factory    Factory
	tracker    *throttle.Tracker
	ctrl       *adaptive.Controller
	logger     zerolog.Logger
	now        func() time.Time

	mu        sync.Mutex
	subs      map[string]*subPool
	total     int // active + creating + idle across identities
	draining  bool
	lastSweep time.Time

	served int64

	drained   chan struct{}
	drainOnce sync.Once
	pulseStop context.CancelFunc
	pulseDone chan struct{}
	pulseOnce sync.Once
}

type subPool struct {
	cfg           IdentityConfig
	maxConcurrent int

	mu       sync.Mutex
	idle     []*PooledChannel
	active   int
	creating int
	dopHint  int

	// signal wakes one waiter after a release or a freed slot.
	signal chan struct{}
}

func (s *subPool) count() int { return s.active + s.creating + len(s.idle) }

// New validates the configuration, seeds one sub-pool per identity in
// insertion order, and starts the background eviction pulse.
func New(cfg Config, identities []IdentityConfig, factory Factory, tracker *throttle.Tracker, ctrl *adaptive.Controller, logger zerolog.Logger) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("pool: factory is required")
	}
	if err := validateIdentities(identities); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	p := &Pool{
		cfg:        cfg,
		identities: append([]IdentityConfig(nil), identities...),
		factory:    factory,
		tracker:    tracker,
		ctrl:       ctrl,
		logger:     logger.With().Str("component", "pool").Logger(),
		now:        time.Now,
		subs:       make(map[string]*subPool, len(identities)),
		drained:    make(chan struct{}),
		pulseDone:  make(chan struct{}),
	}

	maxSize := 0
	for _, id := range p.identities {
		maxConcurrent := id.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = cfg.MaxPerIdentity
		}
		p.subs[id.Name] = &subPool{
			cfg:           id,
			maxConcurrent: maxConcurrent,
			signal:        make(chan struct{}, 1),
		}
		maxSize += maxConcurrent
	}
	if cfg.MaxPoolSize > 0 && cfg.MaxPoolSize < maxSize {
		maxSize = cfg.MaxPoolSize
	}
	p.maxSize = maxSize

	pulseCtx, cancel := context.WithCancel(context.Background())
	p.pulseStop = cancel
	go p.pulseLoop(pulseCtx)

	p.logger.Info().
		Int("identities", len(p.identities)).
		Int("max_pool_size", p.maxSize).
		Msg("connection pool ready")
	return p, nil
}

// Identities returns the configured identities in insertion order.
func (p *Pool) Identities() []IdentityConfig {
	return append([]IdentityConfig(nil), p.identities...)
}

// Acquire checks out a channel, blocking up to the configured acquire
// timeout. The caller must Release the returned channel.
func (p *Pool) Acquire(ctx context.Context) (*PooledChannel, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		name := p.cfg.Strategy.Select(p.identities, p.tracker, p.activeCounts())
		sub, ok := p.subs[name]
		if !ok {
			return nil, fmt.Errorf("pool: strategy selected unknown identity %q", name)
		}

		pc, err := p.tryCheckout(acquireCtx, sub)
		if err != nil {
			return nil, err
		}
		if pc != nil {
			atomic.AddInt64(&p.served, 1)
			return pc, nil
		}

		// Identity is full: wait for a release on it, then re-select.
		select {
		case <-sub.signal:
		case <-p.drained:
			return nil, ErrPoolDrained
		case <-acquireCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w after %s (identity %q)", ErrAcquireTimeout, p.cfg.AcquireTimeout, name)
		}
	}
}

// tryCheckout hands out an idle channel or dials a new one when capacity
// allows. Returns (nil, nil) when the caller should wait.
func (p *Pool) tryCheckout(ctx context.Context, sub *subPool) (*PooledChannel, error) {
	var stale []Channel
	defer func() {
		for _, ch := range stale {
			_ = ch.Close()
		}
	}()

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, ErrPoolDrained
	}
	sub.mu.Lock()

	// Prefer an idle channel, newest first; discard any past lifetime.
	now := p.now()
	for len(sub.idle) > 0 {
		pc := sub.idle[len(sub.idle)-1]
		sub.idle = sub.idle[:len(sub.idle)-1]
		if now.Sub(pc.createdAt) > p.cfg.MaxLifetime {
			stale = append(stale, pc.ch)
			p.total--
			continue
		}
		sub.active++
		pc.lastUsedAt = now
		atomic.StoreInt32(&pc.released, 0)
		sub.mu.Unlock()
		p.mu.Unlock()
		return pc, nil
	}

	canCreate := sub.count() < sub.maxConcurrent && p.total < p.maxSize
	if canCreate {
		sub.creating++
		p.total++
	}
	sub.mu.Unlock()
	p.mu.Unlock()

	if !canCreate {
		return nil, nil
	}

	ch, hint, err := p.factory.Create(ctx, sub.cfg, CreateOptions{
		DisableAffinityCookie: p.cfg.DisableAffinityCookie,
	})

	p.mu.Lock()
	sub.mu.Lock()
	sub.creating--
	if err != nil {
		p.total--
		sub.mu.Unlock()
		p.mu.Unlock()
		p.signal(sub)
		return nil, &FactoryError{Identity: sub.cfg.Name, Err: err}
	}
	sub.active++
	if hint > 0 {
		sub.dopHint = hint
	}
	sub.mu.Unlock()
	p.mu.Unlock()

	if hint > 0 && p.ctrl != nil {
		p.ctrl.ObserveMax(sub.cfg.Name, hint)
	}

	now = p.now()
	pc := &PooledChannel{
		name:       sub.cfg.Name,
		ch:         ch,
		pool:       p,
		createdAt:  now,
		lastUsedAt: now,
	}
	p.logger.Debug().
		Str("identity", sub.cfg.Name).
		Str("channel", ch.ID()).
		Int("dop_hint", hint).
		Msg("channel created")
	return pc, nil
}

// release returns a channel to its sub-pool, or closes it when the pool
// is draining or the channel outlived MaxLifetime.
func (p *Pool) release(pc *PooledChannel) {
	sub := p.subs[pc.name]
	now := p.now()

	var toClose Channel
	p.mu.Lock()
	sub.mu.Lock()
	sub.active--
	if p.draining || now.Sub(pc.createdAt) > p.cfg.MaxLifetime {
		p.total--
		toClose = pc.ch
	} else {
		pc.lastUsedAt = now
		sub.idle = append(sub.idle, pc)
	}
	sub.mu.Unlock()
	sweep := now.Sub(p.lastSweep) >= p.cfg.EvictionInterval
	if sweep {
		p.lastSweep = now
	}
	p.mu.Unlock()

	p.signal(sub)
	if toClose != nil {
		_ = toClose.Close()
		p.logger.Debug().
			Str("identity", pc.name).
			Str("channel", pc.ch.ID()).
			Msg("channel closed at release")
	}
	if sweep {
		p.evict(now)
	}
}

func (p *Pool) signal(sub *subPool) {
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

// ObserveHint records a fresh server DOP hint for the identity and
// forwards it to the rate controller.
func (p *Pool) ObserveHint(name string, hint int) {
	if hint <= 0 {
		return
	}
	sub, ok := p.subs[name]
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.dopHint = hint
	sub.mu.Unlock()
	if p.ctrl != nil {
		p.ctrl.ObserveMax(name, hint)
	}
}

// IdentityHint returns the latest server DOP hint for the identity,
// falling back to its concurrency cap before any hint has been seen.
func (p *Pool) IdentityHint(name string) int {
	sub, ok := p.subs[name]
	if !ok {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.dopHint > 0 {
		return sub.dopHint
	}
	return sub.maxConcurrent
}

// TotalRecommendedParallelism sums, across identities, the smaller of
// the identity's concurrency cap and its latest server hint.
func (p *Pool) TotalRecommendedParallelism() int {
	total := 0
	for _, id := range p.identities {
		sub := p.subs[id.Name]
		sub.mu.Lock()
		hint := sub.dopHint
		if hint <= 0 || hint > sub.maxConcurrent {
			hint = sub.maxConcurrent
		}
		sub.mu.Unlock()
		total += hint
	}
	return total
}

func (p *Pool) activeCounts() map[string]int {
	counts := make(map[string]int, len(p.identities))
	for _, id := range p.identities {
		sub := p.subs[id.Name]
		sub.mu.Lock()
		counts[id.Name] = sub.active + sub.creating
		sub.mu.Unlock()
	}
	return counts
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Active              int      `json:"active"`
	Idle                int      `json:"idle"`
	Served              int64    `json:"served"`
	ThrottledIdentities []string `json:"throttled_identities"`
}

// Stats returns current pool occupancy and the set of throttled
// identities.
func (p *Pool) Stats() Stats {
	s := Stats{Served: atomic.LoadInt64(&p.served)}
	for _, id := range p.identities {
		sub := p.subs[id.Name]
		sub.mu.Lock()
		s.Active += sub.active + sub.creating
		s.Idle += len(sub.idle)
		sub.mu.Unlock()
	}
	if p.tracker != nil {
		s.ThrottledIdentities = p.tracker.ThrottledIdentities()
	}
	return s
}

// pulseLoop drives periodic eviction until the pool is drained.
func (p *Pool) pulseLoop(ctx context.Context) {
	defer close(p.pulseDone)

	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := p.now()
			p.mu.Lock()
			p.lastSweep = now
			p.mu.Unlock()
			p.evict(now)
		}
	}
}

// evict closes idle channels past MaxIdleTime (down to MinPoolSize) and
// idle channels past MaxLifetime. Checked-out channels are not touched
// here; release closes them once they are past MaxLifetime.
func (p *Pool) evict(now time.Time) {
	var victims []Channel

	p.mu.Lock()
	for _, id := range p.identities {
		sub := p.subs[id.Name]
		sub.mu.Lock()
		keep := sub.idle[:0]
		for _, pc := range sub.idle {
			expired := now.Sub(pc.createdAt) > p.cfg.MaxLifetime
			idled := now.Sub(pc.lastUsedAt) > p.cfg.MaxIdleTime
			if expired || (idled && p.total-len(victims) > p.cfg.MinPoolSize) {
				victims = append(victims, pc.ch)
				continue
			}
			keep = append(keep, pc)
		}
		sub.idle = keep
		sub.mu.Unlock()
	}
	p.total -= len(victims)
	p.mu.Unlock()

	for _, ch := range victims {
		_ = ch.Close()
	}
	if len(victims) > 0 {
		p.logger.Debug().Int("evicted", len(victims)).Msg("idle sweep closed channels")
	}
}

// Drain shuts the pool down: new acquires are refused, outstanding
// checkouts are awaited up to the context deadline, and remaining idle
// channels are closed. Idempotent.
func (p *Pool) Drain(ctx context.Context) error {
	p.drainOnce.Do(func() {
		p.mu.Lock()
		p.draining = true
		p.mu.Unlock()
		close(p.drained)
		p.pulseOnce.Do(func() {
			p.pulseStop()
			<-p.pulseDone
		})
		p.logger.Info().Msg("pool draining")
	})

	waitErr := p.awaitReleases(ctx)

	// Close whatever is still idle; checked-out channels close on
	// release because the draining flag is set.
	var victims []Channel
	p.mu.Lock()
	for _, id := range p.identities {
		sub := p.subs[id.Name]
		sub.mu.Lock()
		for _, pc := range sub.idle {
			victims = append(victims, pc.ch)
		}
		p.total -= len(sub.idle)
		sub.idle = nil
		sub.mu.Unlock()
	}
	p.mu.Unlock()
	for _, ch := range victims {
		_ = ch.Close()
	}

	if waitErr != nil {
		p.logger.Warn().Err(waitErr).Msg("drain deadline hit with checkouts outstanding")
		return waitErr
	}
	p.logger.Info().Msg("pool drained")
	return nil
}

func (p *Pool) awaitReleases(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		outstanding := 0
		for _, id := range p.identities {
			sub := p.subs[id.Name]
			sub.mu.Lock()
			outstanding += sub.active + sub.creating
			sub.mu.Unlock()
		}
		if outstanding == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
