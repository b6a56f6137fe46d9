// Package idempotency guarantees at-most-once pipeline execution per
// logical turn. A claim either wins the slot, replays a finished
// result, or reports a duplicate still in flight.
package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// State classifies the outcome of a claim attempt.
type State int

const (
	// Acquired means the caller won the slot and must run the pipeline,
	// then finish with Complete or Fail.
	Acquired State = iota

	// AlreadyCompleted means an identical turn already finished; the
	// cached result must be replayed without re-running anything.
	AlreadyCompleted

	// AlreadyPending means an identical turn is still in flight. The
	// caller must not run the pipeline concurrently for the same key.
	AlreadyPending
)

// Claim is the result of a claim attempt.
type Claim struct {
	State State

	// Result holds the cached payload when State == AlreadyCompleted.
	Result json.RawMessage
}

// Store provides atomic claim-if-absent semantics over shared state.
// A failed record does not block a later retry: claiming over "failed"
// re-acquires the slot.
type Store interface {
	// Claim attempts to take the slot for key. requestID identifies the
	// claimant for diagnostics. ttl bounds both the pending window and
	// how long a completed result stays replayable.
	Claim(ctx context.Context, key, requestID string, ttl time.Duration) (Claim, error)

	// Complete transitions the record to completed and caches result
	// for the remaining TTL.
	Complete(ctx context.Context, key string, result json.RawMessage) error

	// Fail transitions the record to failed so a retry can re-attempt.
	Fail(ctx context.Context, key string) error
}
