package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlfredDev/surge/throttle"
)

func identities(names ...string) []IdentityConfig {
	out := make([]IdentityConfig, 0, len(names))
	for _, n := range names {
		out = append(out, IdentityConfig{Name: n, URL: "https://" + n + ".example.com"})
	}
	return out
}

func TestRoundRobinRotates(t *testing.T) {
	s := NewRoundRobin()
	ids := identities("a", "b", "c")

	var picks []string
	for i := 0; i < 6; i++ {
		picks = append(picks, s.Select(ids, nil, nil))
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
}

func TestLeastConnectionsPicksSmallest(t *testing.T) {
	s := NewLeastConnections()
	ids := identities("a", "b", "c")

	active := map[string]int{"a": 3, "b": 1, "c": 2}
	require.Equal(t, "b", s.Select(ids, nil, active))

	// Ties break by insertion order.
	active = map[string]int{"a": 2, "b": 2, "c": 2}
	require.Equal(t, "a", s.Select(ids, nil, active))
}

func TestThrottleAwareSkipsThrottled(t *testing.T) {
	s := NewThrottleAware()
	ids := identities("a", "b", "c")
	tracker := throttle.NewTracker()
	tracker.MarkThrottled("b", time.Minute)

	var picks []string
	for i := 0; i < 4; i++ {
		picks = append(picks, s.Select(ids, tracker, nil))
	}
	require.Equal(t, []string{"a", "c", "a", "c"}, picks)
}

func TestThrottleAwareAllThrottledPicksNearestExpiry(t *testing.T) {
	s := NewThrottleAware()
	ids := identities("a", "b")
	tracker := throttle.NewTracker()
	tracker.MarkThrottled("a", 10*time.Second)
	tracker.MarkThrottled("b", 3*time.Second)

	require.Equal(t, "b", s.Select(ids, tracker, nil))
}

func TestSingleIdentityShortCircuits(t *testing.T) {
	ids := identities("only")
	tracker := throttle.NewTracker()
	tracker.MarkThrottled("only", time.Minute)

	// Every strategy returns the sole identity, throttled or not.
	require.Equal(t, "only", NewRoundRobin().Select(ids, tracker, nil))
	require.Equal(t, "only", NewLeastConnections().Select(ids, tracker, nil))
	require.Equal(t, "only", NewThrottleAware().Select(ids, tracker, nil))
}

func TestThrottleAwareMatchesRoundRobinForSingleIdentity(t *testing.T) {
	ids := identities("only")
	rr := NewRoundRobin()
	ta := NewThrottleAware()
	for i := 0; i < 5; i++ {
		require.Equal(t, rr.Select(ids, nil, nil), ta.Select(ids, nil, nil))
	}
}
