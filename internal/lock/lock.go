// Package lock implements the per-session concurrency gate. At most one
// holder owns a resource key at a time; stale locks expire by TTL so a
// crashed holder can never wedge a session.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the
// caller's wait budget. It is a retryable condition.
var ErrTimeout = errors.New("lock: acquisition timed out")

// Handle identifies one successful acquisition. Release with the same
// handle is idempotent; releasing someone else's lock is a no-op.
type Handle struct {
	ResourceKey string
	HolderID    string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// Gate serializes turns per resource key.
type Gate interface {
	// Acquire blocks until the lock is held or timeout elapses.
	// On timeout it returns ErrTimeout; ctx cancellation propagates.
	Acquire(ctx context.Context, resourceKey, holderID string, timeout time.Duration) (*Handle, error)

	// Release frees the lock if the handle still owns it. Safe to call
	// more than once and after expiry.
	Release(ctx context.Context, h *Handle) error
}

// retryInterval is the poll cadence while waiting for a contended lock.
// The backoff doubles up to maxRetryInterval.
const (
	retryInterval    = 10 * time.Millisecond
	maxRetryInterval = 100 * time.Millisecond
)

// acquireLoop runs the shared bounded-wait logic over a single-attempt
// tryAcquire function.
func acquireLoop(ctx context.Context, timeout time.Duration, try func() (*Handle, error)) (*Handle, error) {
	deadline := time.Now().Add(timeout)
	interval := retryInterval

	for {
		h, err := try()
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		if interval > remaining {
			interval = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		if interval < maxRetryInterval {
			interval *= 2
			if interval > maxRetryInterval {
				interval = maxRetryInterval
			}
		}
	}
}
