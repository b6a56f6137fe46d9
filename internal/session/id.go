package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// generateSecureID creates a cryptographically random session ID with at
// least 128 bits of entropy. The ID is prefixed with "sess_" and uses
// URL-safe base64 encoding (no padding) for the random component.
func generateSecureID() string {
	b := make([]byte, 16) // 128 bits
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return "sess_" + base64.RawURLEncoding.EncodeToString(b)
}

// ValidID reports whether an ID looks like one this package generated.
// Used to reject forged session IDs at the HTTP boundary.
func ValidID(id string) bool {
	if len(id) < 10 || id[:5] != "sess_" {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(id[5:])
	return err == nil
}
