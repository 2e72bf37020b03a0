package pool

import (
	"sync/atomic"

	"github.com/AlfredDev/surge/throttle"
)

// Strategy chooses which identity serves the next checkout. Implementations
// must be safe for concurrent use. identities preserves configuration
// (insertion) order; active maps identity name to its checked-out count.
type Strategy interface {
	Select(identities []IdentityConfig, tracker *throttle.Tracker, active map[string]int) string
}

// RoundRobin rotates through identities in insertion order.
type RoundRobin struct {
	counter uint64
}

// NewRoundRobin returns a round-robin strategy.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (r *RoundRobin) Select(identities []IdentityConfig, _ *throttle.Tracker, _ map[string]int) string {
	if len(identities) == 1 {
		return identities[0].Name
	}
	n := atomic.AddUint64(&r.counter, 1) - 1
	return identities[n%uint64(len(identities))].Name
}

// LeastConnections picks the identity with the fewest checked-out
// channels, ties broken by insertion order.
type LeastConnections struct{}

// NewLeastConnections returns a least-connections strategy.
func NewLeastConnections() *LeastConnections { return &LeastConnections{} }

func (l *LeastConnections) Select(identities []IdentityConfig, _ *throttle.Tracker, active map[string]int) string {
	if len(identities) == 1 {
		return identities[0].Name
	}
	best := identities[0].Name
	bestCount := active[best]
	for _, id := range identities[1:] {
		if c := active[id.Name]; c < bestCount {
			best, bestCount = id.Name, c
		}
	}
	return best
}

// ThrottleAware round-robins across identities whose throttle window is
// closed. When every identity is throttled it returns the one whose
// window expires soonest. The pool checks out from the returned
// identity at once; it does not wait for the throttle window to close.
type ThrottleAware struct {
	counter uint64
}

// NewThrottleAware returns a throttle-aware strategy.
func NewThrottleAware() *ThrottleAware { return &ThrottleAware{} }

func (t *ThrottleAware) Select(identities []IdentityConfig, tracker *throttle.Tracker, _ map[string]int) string {
	if len(identities) == 1 {
		return identities[0].Name
	}

	eligible := identities[:0:0]
	for _, id := range identities {
		if tracker == nil || !tracker.IsThrottled(id.Name) {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) > 0 {
		n := atomic.AddUint64(&t.counter, 1) - 1
		return eligible[n%uint64(len(eligible))].Name
	}

	// Everyone is throttled: pick the nearest expiry.
	best := identities[0].Name
	bestUntil, _ := tracker.Until(best)
	for _, id := range identities[1:] {
		until, ok := tracker.Until(id.Name)
		if !ok {
			continue
		}
		if bestUntil.IsZero() || until.Before(bestUntil) {
			best, bestUntil = id.Name, until
		}
	}
	return best
}
