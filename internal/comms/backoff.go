package comms

import (
	"context"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
)

// ExponentialBackoff is a retry.Backoff producing an exponential schedule
// with a minimum delay, a cap, and a bounded retry count.
//
// Jitter comes from a generator seeded with the node index, so retries
// across nodes are temporally decorrelated while every node's schedule
// stays reproducible. Delays are non-decreasing in the attempt count and
// never exceed the cap: attempt k waits within [bound, 1.5*bound] for
// bound = minDelay * 2^k, clamped to maxDelay.
type ExponentialBackoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	maxRetries int
	attempt    int
	rng        *rand.Rand
}

// NewExponentialBackoff creates a backoff strategy seeded for one node.
func NewExponentialBackoff(minDelay, maxDelay time.Duration, maxRetries int, seed uint64) *ExponentialBackoff {
	return &ExponentialBackoff{
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		maxRetries: maxRetries,
		rng:        rand.New(rand.NewSource(int64(seed))),
	}
}

// Next returns the delay before the next retry, or stop once the retry
// budget is exhausted.
func (b *ExponentialBackoff) Next() (time.Duration, bool) {
	if b.attempt >= b.maxRetries {
		return 0, true
	}

	bound := b.minDelay
	for i := 0; i < b.attempt; i++ {
		bound *= 2
		if bound >= b.maxDelay {
			bound = b.maxDelay
			break
		}
	}

	delay := bound
	if bound > 0 {
		delay += time.Duration(b.rng.Int63n(int64(bound)/2 + 1))
	}

	if delay > b.maxDelay {
		delay = b.maxDelay
	}

	b.attempt++

	return delay, false
}

// withRetries runs call, retrying failures according to the node's backoff
// strategy. After the final attempt the last error is returned verbatim;
// the caller decides whether the node session continues with other calls.
func (nc *NodeCommunication) withRetries(ctx context.Context, call func(ctx context.Context) error) error {
	return retry.Do(ctx, nc.backoffStrategy(), func(ctx context.Context) error {
		if err := call(ctx); err != nil {
			nc.log.Debug("request failed, may retry", "error", err)
			return retry.RetryableError(err)
		}

		return nil
	})
}

// backoffStrategy returns a fresh per-call schedule seeded with the node
// index.
func (nc *NodeCommunication) backoffStrategy() retry.Backoff {
	return NewExponentialBackoff(
		nc.config.MinBackoff,
		nc.config.MaxBackoff,
		nc.config.MaxRetries,
		uint64(nc.nodeIndex),
	)
}
