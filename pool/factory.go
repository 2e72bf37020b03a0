package pool

import "context"

// Channel is an authenticated request channel to the service. A channel
// belongs to one identity and executes one batch at a time; the pool
// guarantees exclusive ownership between checkout and release.
type Channel interface {
	// ID is stable for the lifetime of the underlying transport.
	ID() string
	// Execute submits one batch and returns its outcome. Transport and
	// protocol errors come back as errors; server-signalled throttling
	// comes back as a Response with Throttled set.
	Execute(ctx context.Context, req *Request) (*Response, error)
	// Close releases the transport. Idempotent.
	Close() error
}

// CreateOptions tunes channel construction.
type CreateOptions struct {
	// DisableAffinityCookie asks the factory to drop server affinity so
	// connections spread across back-end nodes.
	DisableAffinityCookie bool
}

// Factory produces authenticated channels. The integer returned with a
// new channel is the service's recommended degree of parallelism for
// the identity, taken from its first response.
type Factory interface {
	Create(ctx context.Context, cfg IdentityConfig, opts CreateOptions) (Channel, int, error)
}
