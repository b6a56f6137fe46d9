package auth

import (
	"net/http/httptest"
	"testing"
)

func TestValidateKey(t *testing.T) {
	cases := []struct {
		name     string
		provided string
		expected string
		want     bool
	}{
		{"match", "sk-abc", "sk-abc", true},
		{"mismatch", "sk-abc", "sk-def", false},
		{"empty expected rejects everything", "sk-abc", "", false},
		{"empty provided", "", "sk-abc", false},
		{"both empty", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidateKey(tc.provided, tc.expected); got != tc.want {
				t.Errorf("ValidateKey(%q, %q) = %v, want %v", tc.provided, tc.expected, got, tc.want)
			}
		})
	}
}

func TestKeyFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if got := KeyFromRequest(r); got != "" {
		t.Errorf("no headers: key = %q, want empty", got)
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer sk-bearer")
	if got := KeyFromRequest(r); got != "sk-bearer" {
		t.Errorf("bearer key = %q", got)
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := KeyFromRequest(r); got != "" {
		t.Errorf("basic auth treated as key: %q", got)
	}

	// X-API-Key wins over the Authorization header.
	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-API-Key", "sk-header")
	r.Header.Set("Authorization", "Bearer sk-bearer")
	if got := KeyFromRequest(r); got != "sk-header" {
		t.Errorf("key = %q, want X-API-Key value", got)
	}
}

func TestKeyFromEnv(t *testing.T) {
	t.Setenv(DefaultEnvVar, "sk-env")
	if got := KeyFromEnv(); got != "sk-env" {
		t.Errorf("KeyFromEnv() = %q", got)
	}
}
