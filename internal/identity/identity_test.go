package identity

import (
	"strings"
	"testing"
)

func TestNewRequestIdentityUnique(t *testing.T) {
	a := NewRequestIdentity()
	b := NewRequestIdentity()

	if a.TraceID == b.TraceID {
		t.Errorf("trace IDs collide: %q", a.TraceID)
	}
	if a.RequestID == b.RequestID {
		t.Errorf("request IDs collide: %q", a.RequestID)
	}
	if !strings.HasPrefix(a.TraceID, "trc_") {
		t.Errorf("TraceID = %q, want trc_ prefix", a.TraceID)
	}
	if !strings.HasPrefix(a.RequestID, "req_") {
		t.Errorf("RequestID = %q, want req_ prefix", a.RequestID)
	}
}

func TestHashMessageNormalizesWhitespace(t *testing.T) {
	a := HashMessage("יש לך קופונים?")
	b := HashMessage("  יש לך   קופונים?  ")
	if a != b {
		t.Errorf("hashes differ after whitespace normalization: %q vs %q", a, b)
	}

	c := HashMessage("יש לך קופון?")
	if a == c {
		t.Errorf("different messages produced the same hash %q", a)
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	k1 := IdempotencyKey("acc1", "sess_abc", "hello", "")
	k2 := IdempotencyKey("acc1", "sess_abc", "hello", "")
	if k1 != k2 {
		t.Errorf("same inputs produced different keys: %q vs %q", k1, k2)
	}

	k3 := IdempotencyKey("acc1", "sess_abc", "hello", "nonce-1")
	if k1 == k3 {
		t.Error("client nonce did not change the key")
	}

	if !strings.HasSuffix(k1, ":na") {
		t.Errorf("key %q missing absent-nonce marker", k1)
	}
}

func TestAnonIDStable(t *testing.T) {
	if AnonID("sess_abcdefghijk") != AnonID("sess_abcdefghijk") {
		t.Error("AnonID is not stable for the same session")
	}
	if got := AnonID("sess_abcdefghijk"); got != "anon_abcdefgh" {
		t.Errorf("AnonID = %q, want %q", got, "anon_abcdefgh")
	}
}
