// Package auth validates the owner API key for the chat server.
// Followers are anonymous; the only credential in the system is the
// account owner's key, checked with a timing-safe comparison.
package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
)

// DefaultEnvVar is the environment variable holding the owner key when
// the config file leaves it unset.
const DefaultEnvVar = "CHATFLOW_OWNER_KEY"

// ValidateKey performs a timing-safe comparison of the provided key
// against the expected key. An empty expected key never matches.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromRequest extracts the caller's key from the X-API-Key header
// or an Authorization bearer token, in that order. Returns empty when
// neither is present.
func KeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return auth[len("Bearer "):]
	}
	return ""
}

// KeyFromEnv reads the owner key from the environment. Returns empty
// when unset.
func KeyFromEnv() string {
	return os.Getenv(DefaultEnvVar)
}
