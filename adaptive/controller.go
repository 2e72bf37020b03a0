package adaptive

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Controller governs per-identity request parallelism with an AIMD
// discipline: additive probes while the identity is stable, a
// multiplicative cut when the server throttles, and an accelerated
// recovery phase back toward the last concurrency level known not to
// trip the server.
//
// State is created lazily on first observation of an identity. Each
// identity carries its own lock; operations on different identities
// never contend.
type Controller struct {
	params Params
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	identities map[string]*identityState
}

type identityState struct {
	mu sync.Mutex

	current       int
	max           int
	lastKnownGood int

	lastKnownGoodAt        time.Time
	lastIncreaseAt         time.Time
	lastActivityAt         time.Time
	lastThrottleAt         time.Time
	successesSinceThrottle int
	totalThrottleEvents    int64
}

// NewController creates a controller with the given tuning.
func NewController(params Params, logger zerolog.Logger) *Controller {
	return &Controller{
		params:     params.withDefaults(),
		logger:     logger.With().Str("component", "adaptive").Logger(),
		now:        time.Now,
		identities: make(map[string]*identityState),
	}
}

// state returns the identity's state, creating it if needed.
func (c *Controller) state(name string, maxHint int) *identityState {
	c.mu.RLock()
	st, ok := c.identities[name]
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok = c.identities[name]; ok {
		return st
	}

	st = &identityState{}
	c.initLocked(st, maxHint)
	c.identities[name] = st

	c.logger.Debug().
		Str("identity", name).
		Int("max", st.max).
		Int("current", st.current).
		Msg("identity state initialized")
	return st
}

// initLocked seeds a state from the server ceiling. totalThrottleEvents
// is left untouched so resets preserve it.
func (c *Controller) initLocked(st *identityState, maxHint int) {
	if maxHint < c.params.MinParallelism {
		maxHint = c.params.MinParallelism
	}
	now := c.now()
	st.max = maxHint
	st.current = c.clamp(int(float64(st.max)*c.params.InitialFactor), st.max)
	st.lastKnownGood = st.current
	st.lastKnownGoodAt = now
	st.lastIncreaseAt = now
	st.lastActivityAt = now
	st.successesSinceThrottle = 0
}

func (c *Controller) clamp(v, max int) int {
	if v < c.params.MinParallelism {
		return c.params.MinParallelism
	}
	if v > max {
		return max
	}
	return v
}

// Parallelism returns the recommended concurrency for the identity.
// maxHint is the server's most recent DOP hint; it is authoritative for
// the ceiling, and a shrinking ceiling caps current downward without
// resetting stabilization counters. An identity quiet for longer than
// IdleResetPeriod is re-initialized first (throttle totals survive).
//
// The idle check runs against the previous activity timestamp, before
// the timestamp is refreshed.
func (c *Controller) Parallelism(name string, maxHint int) int {
	st := c.state(name, maxHint)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := c.now()
	if now.Sub(st.lastActivityAt) > c.params.IdleResetPeriod {
		c.initLocked(st, st.max)
		c.logger.Info().
			Str("identity", name).
			Int("current", st.current).
			Msg("idle period elapsed, parallelism reset")
	}
	c.observeMaxLocked(name, st, maxHint)
	st.lastActivityAt = now
	return st.current
}

// ObserveMax records a new server ceiling for the identity outside the
// regular Parallelism path (e.g. when a response header updates the hint).
func (c *Controller) ObserveMax(name string, maxHint int) {
	if maxHint <= 0 {
		return
	}
	st := c.state(name, maxHint)
	st.mu.Lock()
	c.observeMaxLocked(name, st, maxHint)
	st.mu.Unlock()
}

func (c *Controller) observeMaxLocked(name string, st *identityState, maxHint int) {
	if maxHint <= 0 || maxHint == st.max {
		return
	}
	if maxHint < c.params.MinParallelism {
		maxHint = c.params.MinParallelism
	}
	shrunk := maxHint < st.max
	st.max = maxHint
	if st.current > st.max {
		st.current = st.max
	}
	if st.lastKnownGood > st.max {
		st.lastKnownGood = st.max
	}
	if shrunk {
		c.logger.Info().
			Str("identity", name).
			Int("max", st.max).
			Int("current", st.current).
			Msg("server ceiling shrank, parallelism capped")
	}
}

// RecordSuccess registers a completed batch. After StabilizationBatches
// consecutive successes and MinIncreaseInterval since the last increase
// (or reset), the identity probes upward: an accelerated step while
// below last-known-good, the plain additive step otherwise.
func (c *Controller) RecordSuccess(name string) {
	st := c.state(name, 0)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := c.now()
	st.lastActivityAt = now
	st.successesSinceThrottle++

	// A baseline that hasn't been revalidated recently no longer
	// reflects what the server tolerates. Re-anchor it to the present.
	if now.Sub(st.lastKnownGoodAt) > c.params.LastKnownGoodTTL {
		st.lastKnownGood = st.current
		st.lastKnownGoodAt = now
	}

	if st.successesSinceThrottle < c.params.StabilizationBatches {
		return
	}
	if now.Sub(st.lastIncreaseAt) < c.params.MinIncreaseInterval {
		return
	}

	step := c.params.IncreaseStep
	recovering := st.current < st.lastKnownGood
	if recovering {
		step = int(math.Ceil(float64(c.params.IncreaseStep) * c.params.RecoveryMultiplier))
	}
	prev := st.current
	st.current = c.clamp(st.current+step, st.max)
	st.successesSinceThrottle = 0
	st.lastIncreaseAt = now

	if st.current != prev {
		c.logger.Debug().
			Str("identity", name).
			Int("from", prev).
			Int("to", st.current).
			Bool("recovering", recovering).
			Msg("parallelism increased")
	}
}

// RecordThrottle registers a server throttle signal: the baseline drops
// just below the level that tripped the server and current is cut
// multiplicatively. The retry-after window itself belongs to the
// throttle tracker, not here.
func (c *Controller) RecordThrottle(name string, retryAfter time.Duration) {
	st := c.state(name, 0)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := c.now()
	st.lastActivityAt = now
	st.lastThrottleAt = now
	st.totalThrottleEvents++

	st.lastKnownGood = st.current - c.params.IncreaseStep
	if st.lastKnownGood < c.params.MinParallelism {
		st.lastKnownGood = c.params.MinParallelism
	}
	st.lastKnownGoodAt = now

	prev := st.current
	st.current = c.clamp(int(float64(st.current)*c.params.DecreaseFactor), st.max)
	st.successesSinceThrottle = 0

	c.logger.Warn().
		Str("identity", name).
		Int("from", prev).
		Int("to", st.current).
		Int("last_known_good", st.lastKnownGood).
		Dur("retry_after", retryAfter).
		Msg("throttled, parallelism cut")
}

// Reset re-initializes the identity as on first observation, keeping the
// server ceiling and the lifetime throttle total.
func (c *Controller) Reset(name string) {
	c.mu.RLock()
	st, ok := c.identities[name]
	c.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	c.initLocked(st, st.max)
	st.mu.Unlock()
}

// IdentityStats is a read-only snapshot of one identity's governor state.
type IdentityStats struct {
	Identity               string        `json:"identity"`
	Current                int           `json:"current"`
	Max                    int           `json:"max"`
	LastKnownGood          int           `json:"last_known_good"`
	Stale                  bool          `json:"stale"`
	SuccessesSinceThrottle int           `json:"successes_since_throttle"`
	TotalThrottleEvents    int64         `json:"total_throttle_events"`
	LastThrottleAt         time.Time     `json:"last_throttle_at,omitempty"`
	LastIncreaseAt         time.Time     `json:"last_increase_at,omitempty"`
	LastActivityAt         time.Time     `json:"last_activity_at,omitempty"`
	SinceLastActivity      time.Duration `json:"since_last_activity_ns"`
}

// Snapshot returns the identity's stats. ok is false for identities the
// controller has never seen.
func (c *Controller) Snapshot(name string) (IdentityStats, bool) {
	c.mu.RLock()
	st, ok := c.identities[name]
	c.mu.RUnlock()
	if !ok {
		return IdentityStats{}, false
	}
	return c.snapshotOf(name, st), true
}

// SnapshotAll returns stats for every known identity, sorted by name.
func (c *Controller) SnapshotAll() []IdentityStats {
	c.mu.RLock()
	names := make([]string, 0, len(c.identities))
	states := make(map[string]*identityState, len(c.identities))
	for name, st := range c.identities {
		names = append(names, name)
		states[name] = st
	}
	c.mu.RUnlock()

	sort.Strings(names)
	out := make([]IdentityStats, 0, len(names))
	for _, name := range names {
		out = append(out, c.snapshotOf(name, states[name]))
	}
	return out
}

func (c *Controller) snapshotOf(name string, st *identityState) IdentityStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := c.now()
	return IdentityStats{
		Identity:               name,
		Current:                st.current,
		Max:                    st.max,
		LastKnownGood:          st.lastKnownGood,
		Stale:                  now.Sub(st.lastKnownGoodAt) > c.params.LastKnownGoodTTL,
		SuccessesSinceThrottle: st.successesSinceThrottle,
		TotalThrottleEvents:    st.totalThrottleEvents,
		LastThrottleAt:         st.lastThrottleAt,
		LastIncreaseAt:         st.lastIncreaseAt,
		LastActivityAt:         st.lastActivityAt,
		SinceLastActivity:      now.Sub(st.lastActivityAt),
	}
}
