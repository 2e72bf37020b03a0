package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the shared redis connection used for meter publication.
type Client struct {
	c *redis.Client
}

// New creates a redis client from a URL. Returns an error if the URL
// cannot be parsed.
func New(url string) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Client{c: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity with a short timeout.
func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// Redis exposes the underlying client for components that publish
// through it.
func (r *Client) Redis() *redis.Client { return r.c }

// Close releases the connection pool.
func (r *Client) Close() error { return r.c.Close() }
