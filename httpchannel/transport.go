package httpchannel

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// TransportConfig holds HTTP transport tuning shared by an identity's
// channels.
type TransportConfig struct {
	// MaxIdleConns is the maximum number of idle connections across all hosts.
	MaxIdleConns int `json:"max_idle_conns"`
	// MaxIdleConnsPerHost is the maximum idle connections per host.
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
	// MaxConnsPerHost limits total connections per host (0 = unlimited).
	MaxConnsPerHost int `json:"max_conns_per_host"`
	// IdleConnTimeout is how long idle connections remain open.
	IdleConnTimeout time.Duration `json:"idle_conn_timeout"`
	// TLSHandshakeTimeout limits TLS handshake time.
	TLSHandshakeTimeout time.Duration `json:"tls_handshake_timeout"`
	// DialTimeout limits TCP connection establishment time.
	DialTimeout time.Duration `json:"dial_timeout"`
	// KeepAlive sets the interval for TCP keep-alive probes.
	KeepAlive time.Duration `json:"keep_alive"`
	// ResponseHeaderTimeout limits time waiting for response headers.
	ResponseHeaderTimeout time.Duration `json:"response_header_timeout"`
	// ExpectContinueTimeout limits time waiting for 100-continue.
	ExpectContinueTimeout time.Duration `json:"expect_continue_timeout"`
	// RequestTimeout bounds a whole batch round trip.
	RequestTimeout time.Duration `json:"request_timeout"`
	// ForceHTTP2 forces HTTP/2 negotiation via ALPN.
	ForceHTTP2 bool `json:"force_http2"`
}

// DefaultTransportConfig returns production-grade transport defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		MaxConnsPerHost:       0,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		ResponseHeaderTimeout: 0, // handled by context deadline per request
		ExpectContinueTimeout: 1 * time.Second,
		RequestTimeout:        2 * time.Minute,
		ForceHTTP2:            true,
	}
}

// transportCache shares one tuned http.Transport per identity so every
// channel of an identity reuses the same connection pool.
type transportCache struct {
	cfg TransportConfig

	mu         sync.RWMutex
	transports map[string]*http.Transport
	metrics    *transportMetrics
}

func newTransportCache(cfg TransportConfig) *transportCache {
	return &transportCache{
		cfg:        cfg,
		transports: make(map[string]*http.Transport),
		metrics:    &transportMetrics{},
	}
}

// get returns the identity's shared transport, creating it on first use.
func (tc *transportCache) get(identity string) *http.Transport {
	tc.mu.RLock()
	if t, ok := tc.transports[identity]; ok {
		tc.mu.RUnlock()
		return t
	}
	tc.mu.RUnlock()

	tc.mu.Lock()
	defer tc.mu.Unlock()

	// Double-check after acquiring the write lock.
	if t, ok := tc.transports[identity]; ok {
		return t
	}
	t := tc.createTransport()
	tc.transports[identity] = t
	return t
}

func (tc *transportCache) createTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   tc.cfg.DialTimeout,
		KeepAlive: tc.cfg.KeepAlive,
	}

	t := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          tc.cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   tc.cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       tc.cfg.MaxConnsPerHost,
		IdleConnTimeout:       tc.cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   tc.cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tc.cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: tc.cfg.ExpectContinueTimeout,
	}

	if tc.cfg.ForceHTTP2 {
		t.TLSClientConfig = &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
			MinVersion: tls.VersionTLS12,
		}
		t.ForceAttemptHTTP2 = true
	}
	return t
}

// closeIdle closes idle connections across all cached transports.
func (tc *transportCache) closeIdle() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, t := range tc.transports {
		t.CloseIdleConnections()
	}
}

// transportMetrics tracks per-identity request utilization.
type transportMetrics struct {
	inflight      sync.Map // identity → *int64
	totalRequests sync.Map // identity → *int64
	totalErrors   sync.Map // identity → *int64
}

func counter(store *sync.Map, key string) *int64 {
	if v, ok := store.Load(key); ok {
		return v.(*int64)
	}
	v, _ := store.LoadOrStore(key, new(int64))
	return v.(*int64)
}

// metricsRoundTripper wraps a transport to track utilization.
type metricsRoundTripper struct {
	inner    http.RoundTripper
	identity string
	metrics  *transportMetrics
}

func (m *metricsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	inflight := counter(&m.metrics.inflight, m.identity)
	atomic.AddInt64(inflight, 1)
	defer atomic.AddInt64(inflight, -1)

	atomic.AddInt64(counter(&m.metrics.totalRequests, m.identity), 1)

	resp, err := m.inner.RoundTrip(req)
	if err != nil {
		atomic.AddInt64(counter(&m.metrics.totalErrors, m.identity), 1)
		return nil, err
	}
	return resp, nil
}

// Metrics returns per-identity transport counters.
func (tc *transportCache) Metrics() map[string]map[string]int64 {
	result := make(map[string]map[string]int64)
	collect := func(store *sync.Map, field string) {
		store.Range(func(key, value any) bool {
			name := key.(string)
			if _, ok := result[name]; !ok {
				result[name] = make(map[string]int64)
			}
			result[name][field] = atomic.LoadInt64(value.(*int64))
			return true
		})
	}
	collect(&tc.metrics.totalRequests, "total_requests")
	collect(&tc.metrics.totalErrors, "total_errors")
	collect(&tc.metrics.inflight, "inflight")
	return result
}
