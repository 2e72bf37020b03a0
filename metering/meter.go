package metering

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Meter accumulates per-identity operation counters and, when a redis
// client is attached, publishes snapshots in the background for
// dashboards. The hot path is atomic increments only; publication never
// blocks callers and drops cycles rather than queueing when redis is
// slow.
type Meter struct {
	logger   zerolog.Logger
	rdb      redis.UniversalClient
	interval time.Duration
	prefix   string

	counters sync.Map // identity → *identityCounters

	droppedPublishes int64

	cancel context.CancelFunc
	done   chan struct{}
}

type identityCounters struct {
	operations     int64
	recordsOK      int64
	recordsFailed  int64
	throttleEvents int64
}

// Config tunes the meter.
type Config struct {
	// PublishInterval paces redis snapshots. Values under 1 second fall
	// back to the default.
	PublishInterval time.Duration
	// KeyPrefix namespaces the redis hash keys.
	KeyPrefix string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PublishInterval: 10 * time.Second,
		KeyPrefix:       "surge:meter",
	}
}

// New creates a meter. rdb may be nil; the meter then only serves
// in-process snapshots.
func New(rdb redis.UniversalClient, cfg Config, logger zerolog.Logger) *Meter {
	if cfg.PublishInterval < time.Second {
		cfg.PublishInterval = DefaultConfig().PublishInterval
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig().KeyPrefix
	}
	return &Meter{
		logger:   logger.With().Str("component", "metering").Logger(),
		rdb:      rdb,
		interval: cfg.PublishInterval,
		prefix:   cfg.KeyPrefix,
		done:     make(chan struct{}),
	}
}

func (m *Meter) slot(identity string) *identityCounters {
	if v, ok := m.counters.Load(identity); ok {
		return v.(*identityCounters)
	}
	v, _ := m.counters.LoadOrStore(identity, &identityCounters{})
	return v.(*identityCounters)
}

// RecordBatch counts one completed batch for the identity.
func (m *Meter) RecordBatch(identity string, recordsOK, recordsFailed int) {
	c := m.slot(identity)
	atomic.AddInt64(&c.operations, 1)
	atomic.AddInt64(&c.recordsOK, int64(recordsOK))
	atomic.AddInt64(&c.recordsFailed, int64(recordsFailed))
}

// RecordThrottle counts one server throttle signal for the identity.
func (m *Meter) RecordThrottle(identity string) {
	atomic.AddInt64(&m.slot(identity).throttleEvents, 1)
}

// IdentitySnapshot is a read-only view of one identity's counters.
type IdentitySnapshot struct {
	Identity       string `json:"identity"`
	Operations     int64  `json:"operations"`
	RecordsOK      int64  `json:"records_ok"`
	RecordsFailed  int64  `json:"records_failed"`
	ThrottleEvents int64  `json:"throttle_events"`
}

// Snapshot returns counters for every identity, sorted by name.
func (m *Meter) Snapshot() []IdentitySnapshot {
	var out []IdentitySnapshot
	m.counters.Range(func(key, value any) bool {
		c := value.(*identityCounters)
		out = append(out, IdentitySnapshot{
			Identity:       key.(string),
			Operations:     atomic.LoadInt64(&c.operations),
			RecordsOK:      atomic.LoadInt64(&c.recordsOK),
			RecordsFailed:  atomic.LoadInt64(&c.recordsFailed),
			ThrottleEvents: atomic.LoadInt64(&c.throttleEvents),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// DroppedPublishes counts snapshot cycles abandoned because redis was
// unavailable or slow.
func (m *Meter) DroppedPublishes() int64 {
	return atomic.LoadInt64(&m.droppedPublishes)
}

// Start launches the background publisher. No-op without redis.
func (m *Meter) Start() {
	if m.rdb == nil {
		close(m.done)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.logger.Info().Dur("interval", m.interval).Msg("meter publisher starting")
	go m.publishLoop(ctx)
}

// Stop flushes one final snapshot and shuts the publisher down.
func (m *Meter) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Meter) publishLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush with a fresh timeout; the loop context is gone.
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			m.publish(flushCtx)
			cancel()
			return
		case <-ticker.C:
			m.publish(ctx)
		}
	}
}

func (m *Meter) publish(ctx context.Context) {
	snap := m.Snapshot()
	if len(snap) == 0 {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	pipe := m.rdb.Pipeline()
	for _, s := range snap {
		pipe.HSet(pubCtx, m.prefix+":"+s.Identity, map[string]any{
			"operations":      strconv.FormatInt(s.Operations, 10),
			"records_ok":      strconv.FormatInt(s.RecordsOK, 10),
			"records_failed":  strconv.FormatInt(s.RecordsFailed, 10),
			"throttle_events": strconv.FormatInt(s.ThrottleEvents, 10),
		})
	}
	if _, err := pipe.Exec(pubCtx); err != nil && ctx.Err() == nil {
		atomic.AddInt64(&m.droppedPublishes, 1)
		m.logger.Warn().Err(err).Msg("meter snapshot publish dropped")
	}
}
