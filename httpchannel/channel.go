package httpchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/surge/pool"
)

// channel is one authenticated request channel. The pool guarantees a
// channel executes one batch at a time.
type channel struct {
	id       string
	identity pool.IdentityConfig
	client   *http.Client
	logger   zerolog.Logger
	closed   int32
}

// sessionResponse is the body of the bootstrap call.
type sessionResponse struct {
	SessionID string `json:"session_id"`
	DOPHint   int    `json:"dop_hint"`
}

// batchResponse is the service's batch outcome wire form.
type batchResponse struct {
	CreatedIDs   []string             `json:"created_ids,omitempty"`
	CreatedCount int                  `json:"created_count,omitempty"`
	UpdatedCount int                  `json:"updated_count,omitempty"`
	Failures     []pool.RecordFailure `json:"failures,omitempty"`
}

func (c *channel) ID() string { return c.id }

// bootstrap authenticates the channel and reads the service's initial
// DOP hint from the session response.
func (c *channel) bootstrap(ctx context.Context, disableAffinity bool) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.identity.URL+"/api/session", nil)
	if err != nil {
		return 0, fmt.Errorf("httpchannel: build session request: %w", err)
	}
	c.setAuth(req)
	if disableAffinity {
		req.Header.Set("x-ms-disable-affinity", "true")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("httpchannel: session request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("httpchannel: session request returned %d: %s",
			resp.StatusCode, readErrorBody(resp.Body))
	}

	hint := parseDOPHint(resp)
	if hint == 0 {
		var session sessionResponse
		if err := decodeJSON(resp.Body, &session); err == nil {
			hint = session.DOPHint
		}
	}
	return hint, nil
}

// Execute submits one batch. Server throttling (HTTP 429) comes back as
// a Response with Throttled set, not as an error.
func (c *channel) Execute(ctx context.Context, breq *pool.Request) (*pool.Response, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, fmt.Errorf("httpchannel: channel %s is closed", c.id)
	}

	payload, err := json.Marshal(breq)
	if err != nil {
		return nil, fmt.Errorf("httpchannel: encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.identity.URL+"/api/$batch", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("httpchannel: build batch request: %w", err)
	}
	c.setAuth(req)
	req.Header.Set("Content-Type", "application/json")
	if breq.Flags.Tag != "" {
		req.Header.Set("x-ms-correlation-tag", breq.Flags.Tag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpchannel: batch request: %w", err)
	}
	defer resp.Body.Close()

	hint := parseDOPHint(resp)

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		c.logger.Warn().
			Str("channel", c.id).
			Dur("retry_after", retryAfter).
			Msg("service throttled batch")
		return &pool.Response{
			Throttled:  true,
			RetryAfter: retryAfter,
			DOPHint:    hint,
		}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("httpchannel: batch returned %d: %s",
			resp.StatusCode, readErrorBody(resp.Body))
	}

	var body batchResponse
	if err := decodeJSON(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("httpchannel: decode batch response: %w", err)
	}

	return &pool.Response{
		DOPHint:      hint,
		CreatedIDs:   body.CreatedIDs,
		CreatedCount: body.CreatedCount,
		UpdatedCount: body.UpdatedCount,
		Failures:     body.Failures,
	}, nil
}

// Close marks the channel unusable. The transport is shared across the
// identity's channels and stays open. Idempotent.
func (c *channel) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

func (c *channel) setAuth(req *http.Request) {
	if c.identity.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.identity.Secret)
	}
	if c.identity.TenantID != "" {
		req.Header.Set("x-ms-tenant-id", c.identity.TenantID)
	}
}
