package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a turn failure. The string value is the error code on
// the terminal NDJSON error event and on pre-stream HTTP errors.
type Kind string

const (
	KindValidation    Kind = "VALIDATION_ERROR"
	KindUnauthorized  Kind = "UNAUTHORIZED"
	KindRateLimited   Kind = "RATE_LIMITED"
	KindLockTimeout   Kind = "LOCK_TIMEOUT"
	KindConflict      Kind = "IDEMPOTENCY_CONFLICT"
	KindPolicy        Kind = "POLICY_VIOLATION"
	KindUpstreamModel Kind = "UPSTREAM_MODEL_ERROR"
	KindStreamAborted Kind = "STREAM_ABORTED"
	KindInternal      Kind = "INTERNAL_ERROR"
)

// Error is a classified turn failure. Message is safe to show the
// user; the wrapped error is for logs only.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

// NewError creates a classified error.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}

// Error implements error.
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.err }

// Retryable reports whether the client may usefully retry the same
// request.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindLockTimeout, KindRateLimited, KindUpstreamModel:
		return true
	default:
		return false
	}
}

// AsError extracts a classified error, defaulting to KindInternal.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindInternal, Message: "internal error", err: err}
}
