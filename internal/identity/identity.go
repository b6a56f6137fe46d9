// Package identity generates per-request identifiers and the
// deterministic idempotency key for inbound chat turns.
package identity

import (
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// RequestIdentity carries the identifiers minted for one inbound call.
// It is passed by value through every pipeline stage and attached to
// logs and stream events; it is never persisted as an entity.
type RequestIdentity struct {
	TraceID   string
	RequestID string
	StartedAt time.Time
}

// NewRequestIdentity mints a fresh trace and request ID pair.
func NewRequestIdentity() RequestIdentity {
	now := time.Now()
	return RequestIdentity{
		TraceID:   "trc_" + ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		RequestID: "req_" + ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		StartedAt: now,
	}
}

// NewDecisionID mints an identifier for a single decision result.
func NewDecisionID() string {
	return "dec_" + ulid.Make().String()
}

// HashMessage returns a stable hex hash of the message content.
// Whitespace runs are collapsed so that retries with trivially
// reformatted text map to the same idempotency key.
func HashMessage(message string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalize(message)))
	return fmt.Sprintf("%016x", h.Sum64())
}

// IdempotencyKey derives the deterministic key for a logical turn.
// clientNonce distinguishes intentional re-sends of identical text;
// its absence is part of the key.
func IdempotencyKey(accountID, sessionID, message, clientNonce string) string {
	if clientNonce == "" {
		clientNonce = "na"
	}
	return fmt.Sprintf("%s:%s:chat:%s:%s", accountID, sessionID, HashMessage(message), clientNonce)
}

// AnonID derives a stable anonymous subject ID from a session ID.
// Experiment bucketing keys off this value, so it must not change
// across turns of the same session.
func AnonID(sessionID string) string {
	s := strings.TrimPrefix(sessionID, "sess_")
	if len(s) > 8 {
		s = s[:8]
	}
	return "anon_" + s
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
