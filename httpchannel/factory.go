package httpchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/surge/pool"
)

// DOPHintHeader is the response header carrying the service's
// recommended degree of parallelism for the identity.
const DOPHintHeader = "x-ms-dop-hint"

// Factory produces HTTP channels. All channels of an identity share one
// tuned transport; each channel optionally keeps its own affinity
// cookie jar so the service can pin it to a back-end node.
type Factory struct {
	cache  *transportCache
	logger zerolog.Logger
	seq    int64
}

// NewFactory creates an HTTP channel factory.
func NewFactory(cfg TransportConfig, logger zerolog.Logger) *Factory {
	return &Factory{
		cache:  newTransportCache(cfg),
		logger: logger.With().Str("component", "httpchannel").Logger(),
	}
}

// Create authenticates a new channel against the identity's endpoint
// and returns it with the service's initial DOP hint.
func (f *Factory) Create(ctx context.Context, cfg pool.IdentityConfig, opts pool.CreateOptions) (pool.Channel, int, error) {
	transport := f.cache.get(cfg.Name)
	client := &http.Client{
		Transport: &metricsRoundTripper{
			inner:    transport,
			identity: cfg.Name,
			metrics:  f.cache.metrics,
		},
		Timeout: f.cache.cfg.RequestTimeout,
	}
	if !opts.DisableAffinityCookie {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, 0, fmt.Errorf("httpchannel: cookie jar: %w", err)
		}
		client.Jar = jar
	}

	ch := &channel{
		id:       fmt.Sprintf("%s-%06d", cfg.Name, atomic.AddInt64(&f.seq, 1)),
		identity: cfg,
		client:   client,
		logger:   f.logger.With().Str("identity", cfg.Name).Logger(),
	}

	hint, err := ch.bootstrap(ctx, opts.DisableAffinityCookie)
	if err != nil {
		return nil, 0, err
	}

	f.logger.Debug().
		Str("identity", cfg.Name).
		Str("channel", ch.id).
		Int("dop_hint", hint).
		Msg("channel authenticated")
	return ch, hint, nil
}

// Metrics returns per-identity transport utilization counters.
func (f *Factory) Metrics() map[string]map[string]int64 {
	return f.cache.Metrics()
}

// CloseIdle closes idle connections across every identity's transport.
func (f *Factory) CloseIdle() {
	f.cache.closeIdle()
}

// parseRetryAfter reads a Retry-After header, accepting both delta
// seconds and HTTP dates. Falls back to a minimal window so a throttled
// response without the header still backs off.
func parseRetryAfter(h string, now time.Time) time.Duration {
	if h == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d
	}
	return 5 * time.Second
}

func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(body) == 0 {
		return ""
	}
	return string(body)
}

func parseDOPHint(resp *http.Response) int {
	h := resp.Header.Get(DOPHintHeader)
	if h == "" {
		return 0
	}
	hint, err := strconv.Atoi(h)
	if err != nil || hint <= 0 {
		return 0
	}
	return hint
}

// decodeJSON decodes a response body into v, tolerating empty bodies.
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}
