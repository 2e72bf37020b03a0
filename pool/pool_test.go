package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/AlfredDev/surge/adaptive"
	"github.com/AlfredDev/surge/throttle"
)

type fakeChannel struct {
	id     string
	closed int32
	exec   func(ctx context.Context, req *Request) (*Response, error)
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Execute(ctx context.Context, req *Request) (*Response, error) {
	if c.exec != nil {
		return c.exec(ctx, req)
	}
	return &Response{}, nil
}

func (c *fakeChannel) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

func (c *fakeChannel) isClosed() bool { return atomic.LoadInt32(&c.closed) == 1 }

type fakeFactory struct {
	mu      sync.Mutex
	created int
	hint    int
	fail    int // number of upcoming creates that error
	exec    func(ctx context.Context, req *Request) (*Response, error)
}

func (f *fakeFactory) Create(_ context.Context, cfg IdentityConfig, _ CreateOptions) (Channel, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return nil, 0, errors.New("dial refused")
	}
	f.created++
	return &fakeChannel{
		id:   fmt.Sprintf("%s-%d", cfg.Name, f.created),
		exec: f.exec,
	}, f.hint, nil
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func newTestPool(t *testing.T, cfg Config, ids []IdentityConfig, f *fakeFactory) (*Pool, *adaptive.Controller, *throttle.Tracker) {
	t.Helper()
	tracker := throttle.NewTracker()
	ctrl := adaptive.NewController(adaptive.Params{}, zerolog.Nop())
	p, err := New(cfg, ids, f, tracker, ctrl, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Drain(ctx)
	})
	return p, ctrl, tracker
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	f := &fakeFactory{hint: 8}
	p, _, _ := newTestPool(t, Config{}, identities("a"), f)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", pc.Identity())

	s := p.Stats()
	require.Equal(t, 1, s.Active)
	require.Equal(t, 0, s.Idle)

	pc.Release()
	s = p.Stats()
	require.Equal(t, 0, s.Active)
	require.Equal(t, 1, s.Idle)

	// The second acquire reuses the idle channel instead of dialing.
	pc2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, pc.ID(), pc2.ID())
	require.Equal(t, 1, f.createdCount())
	pc2.Release()

	require.EqualValues(t, 2, p.Stats().Served)
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	f := &fakeFactory{}
	p, _, _ := newTestPool(t, Config{}, identities("a"), f)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	pc.Release()
	pc.Release()

	s := p.Stats()
	require.Equal(t, 0, s.Active)
	require.Equal(t, 1, s.Idle)
}

func TestAcquireTimesOutWhenIdentityFull(t *testing.T) {
	f := &fakeFactory{}
	ids := identities("a")
	ids[0].MaxConcurrent = 1
	p, _, _ := newTestPool(t, Config{AcquireTimeout: 60 * time.Millisecond}, ids, f)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer pc.Release()

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	f := &fakeFactory{}
	ids := identities("a")
	ids[0].MaxConcurrent = 1
	p, _, _ := newTestPool(t, Config{AcquireTimeout: 2 * time.Second}, ids, f)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		pc.Release()
	}()

	pc2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	pc2.Release()
}

func TestAcquireHonoursCallerCancellation(t *testing.T) {
	f := &fakeFactory{}
	ids := identities("a")
	ids[0].MaxConcurrent = 1
	p, _, _ := newTestPool(t, Config{AcquireTimeout: 5 * time.Second}, ids, f)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer pc.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFactoryFailureDoesNotPoisonIdentity(t *testing.T) {
	f := &fakeFactory{fail: 1}
	p, _, _ := newTestPool(t, Config{}, identities("a"), f)

	_, err := p.Acquire(context.Background())
	var fe *FactoryError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "a", fe.Identity)

	// Capacity reserved for the failed dial must be returned.
	s := p.Stats()
	require.Equal(t, 0, s.Active)
	require.Equal(t, 0, s.Idle)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	pc.Release()
}

func TestDrainRefusesAndCloses(t *testing.T) {
	f := &fakeFactory{}
	p, _, _ := newTestPool(t, Config{}, identities("a"), f)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	raw := pc.ch.(*fakeChannel)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- p.Drain(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolDrained)

	pc.Release()
	require.NoError(t, <-done)
	require.True(t, raw.isClosed(), "outstanding channel closes on release during drain")

	// Drain is idempotent.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
}

func TestDrainDeadlineWithOutstandingCheckout(t *testing.T) {
	f := &fakeFactory{}
	p, _, _ := newTestPool(t, Config{}, identities("a"), f)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Drain(ctx), context.DeadlineExceeded)

	pc.Release()
}

func TestIdleEviction(t *testing.T) {
	f := &fakeFactory{}
	p, _, _ := newTestPool(t, Config{}, identities("a"), f)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	raw := pc.ch.(*fakeChannel)
	pc.Release()

	p.evict(time.Now().Add(6 * time.Minute))
	require.True(t, raw.isClosed())
	require.Equal(t, 0, p.Stats().Idle)
}

func TestLifetimeExpiryAtRelease(t *testing.T) {
	f := &fakeFactory{}
	p, _, _ := newTestPool(t, Config{}, identities("a"), f)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	raw := pc.ch.(*fakeChannel)

	// Pretend the wall clock jumped past the channel's lifetime.
	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	pc.Release()

	require.True(t, raw.isClosed())
	require.Equal(t, 0, p.Stats().Idle)
}

func TestDOPHintFeedsControllerAndTotals(t *testing.T) {
	f := &fakeFactory{hint: 8}
	ids := identities("a", "b")
	p, ctrl, _ := newTestPool(t, Config{MaxPerIdentity: 10, Strategy: NewRoundRobin()}, ids, f)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	pc.Release()

	snap, ok := ctrl.Snapshot("a")
	require.True(t, ok)
	require.Equal(t, 8, snap.Max)

	// a has a hint of 8; b has none yet and counts at its cap.
	require.Equal(t, 18, p.TotalRecommendedParallelism())

	p.ObserveHint("b", 4)
	require.Equal(t, 12, p.TotalRecommendedParallelism())

	require.Equal(t, 8, p.IdentityHint("a"))
	require.Equal(t, 0, p.IdentityHint("c"), "unknown identity has no hint")
}

func TestExclusiveHandoff(t *testing.T) {
	f := &fakeFactory{}
	ids := identities("a")
	ids[0].MaxConcurrent = 4
	p, _, _ := newTestPool(t, Config{AcquireTimeout: 2 * time.Second}, ids, f)

	var mu sync.Mutex
	inUse := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				pc, err := p.Acquire(context.Background())
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if inUse[pc.ID()] {
					t.Errorf("channel %s handed to two acquirers", pc.ID())
				}
				inUse[pc.ID()] = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inUse[pc.ID()] = false
				mu.Unlock()
				pc.Release()
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	require.Equal(t, 0, s.Active)
	require.LessOrEqual(t, s.Idle, 4)
}

func TestPerIdentityAndPoolBounds(t *testing.T) {
	f := &fakeFactory{}
	ids := identities("a", "b")
	ids[0].MaxConcurrent = 2
	ids[1].MaxConcurrent = 2
	cfg := Config{
		MaxPoolSize:    3,
		AcquireTimeout: 50 * time.Millisecond,
		Strategy:       NewLeastConnections(),
	}
	p, _, _ := newTestPool(t, cfg, ids, f)

	var held []*PooledChannel
	for i := 0; i < 3; i++ {
		pc, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, pc)
	}

	s := p.Stats()
	require.Equal(t, 3, s.Active+s.Idle, "pool-wide cap binds before per-identity caps sum")

	_, err := p.Acquire(context.Background())
	require.Error(t, err)

	for _, pc := range held {
		pc.Release()
	}
}
