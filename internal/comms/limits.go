package comms

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxNodeConnections bounds concurrent requests to one node.
	DefaultMaxNodeConnections = 10

	// DefaultMaxGlobalConnections bounds concurrent requests across the
	// whole committee.
	DefaultMaxGlobalConnections = 100

	// DefaultMinBackoff is the initial retry delay.
	DefaultMinBackoff = 500 * time.Millisecond

	// DefaultMaxBackoff caps the retry delay.
	DefaultMaxBackoff = 30 * time.Second

	// DefaultMaxRetries is the retry budget per call.
	DefaultMaxRetries = 5
)

// RequestRateConfig bounds the request load directed at one node.
type RequestRateConfig struct {
	// MaxNodeConnections is the per-node concurrent request limit.
	MaxNodeConnections int64

	// MinBackoff is the initial retry delay.
	MinBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
}

// DefaultRequestRateConfig returns the default per-node limits.
func DefaultRequestRateConfig() RequestRateConfig {
	return RequestRateConfig{
		MaxNodeConnections: DefaultMaxNodeConnections,
		MinBackoff:         DefaultMinBackoff,
		MaxBackoff:         DefaultMaxBackoff,
		MaxRetries:         DefaultMaxRetries,
	}
}

// NewGlobalLimit creates the connection limiter shared by every node client
// of one protocol round.
func NewGlobalLimit(maxConnections int64) *semaphore.Weighted {
	return semaphore.NewWeighted(maxConnections)
}

// withLimits runs call while holding one per-node permit and one global
// permit. The per-node permit is acquired first, so a request queued on a
// saturated node never occupies a global slot while it waits. Both permits
// are released in reverse order on every exit path, including context
// cancellation.
func (nc *NodeCommunication) withLimits(ctx context.Context, call func(ctx context.Context) error) error {
	if err := nc.nodeLimit.Acquire(ctx, 1); err != nil {
		return err
	}
	defer nc.nodeLimit.Release(1)

	if err := nc.globalLimit.Acquire(ctx, 1); err != nil {
		return err
	}
	defer nc.globalLimit.Release(1)

	return call(ctx)
}
