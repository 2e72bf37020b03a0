package statsapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/surge/adaptive"
	"github.com/AlfredDev/surge/bulk"
	"github.com/AlfredDev/surge/metering"
	"github.com/AlfredDev/surge/pool"
	"github.com/AlfredDev/surge/throttle"
)

// Server exposes read-only pool, governor, and meter snapshots over
// HTTP. It carries no auth; bind it to loopback or an ops network.
type Server struct {
	logger  zerolog.Logger
	pool    *pool.Pool
	ctrl    *adaptive.Controller
	tracker *throttle.Tracker
	coord   *bulk.Coordinator
	meter   *metering.Meter
}

// New wires the stats surface to its sources. meter may be nil.
func New(p *pool.Pool, ctrl *adaptive.Controller, tracker *throttle.Tracker, coord *bulk.Coordinator, meter *metering.Meter, logger zerolog.Logger) *Server {
	return &Server{
		logger:  logger.With().Str("component", "statsapi").Logger(),
		pool:    p,
		ctrl:    ctrl,
		tracker: tracker,
		coord:   coord,
		meter:   meter,
	}
}

// Handler returns the configured chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "surge"})
	})
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "surge"})
	})

	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/identities", s.handleIdentities)

	return r
}

// statsResponse is the /v1/stats payload.
type statsResponse struct {
	Pool        pool.Stats                  `json:"pool"`
	Coordinator coordinatorStats            `json:"coordinator"`
	Meter       []metering.IdentitySnapshot `json:"meter,omitempty"`
}

type coordinatorStats struct {
	Capacity int `json:"capacity"`
	Held     int `json:"held"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Pool: s.pool.Stats(),
		Coordinator: coordinatorStats{
			Capacity: s.coord.Capacity(),
			Held:     s.coord.Held(),
		},
	}
	if s.meter != nil {
		resp.Meter = s.meter.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// identityStatus joins the governor snapshot with the throttle window.
type identityStatus struct {
	adaptive.IdentityStats
	Throttled      bool       `json:"throttled"`
	ThrottledUntil *time.Time `json:"throttled_until,omitempty"`
}

func (s *Server) handleIdentities(w http.ResponseWriter, _ *http.Request) {
	snaps := s.ctrl.SnapshotAll()
	out := make([]identityStatus, 0, len(snaps))
	for _, snap := range snaps {
		status := identityStatus{IdentityStats: snap}
		if until, ok := s.tracker.Until(snap.Identity); ok {
			status.Throttled = s.tracker.IsThrottled(snap.Identity)
			status.ThrottledUntil = &until
		}
		out = append(out, status)
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": out})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
