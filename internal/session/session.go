// Package session manages conversation session lifecycle for the chat
// pipeline. Message history persistence lives elsewhere; a session is
// only the identity and activity envelope of one conversation.
package session

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StateIdle    State = "idle"
	StateExpired State = "expired"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session: not found")

// Session represents one conversation with an account's chatbot.
type Session struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	UserID       string    `json:"user_id"` // follower ID or anon ID
	State        State     `json:"state"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
}

// Store manages session lifecycle.
type Store interface {
	// Create creates a new session for the given account and user.
	Create(ctx context.Context, accountID, userID string) (*Session, error)

	// Get retrieves a session by ID. Expired sessions return ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Touch bumps last-activity and the message count, moving the
	// session to Active.
	Touch(ctx context.Context, id string) error

	// Delete removes a session by ID.
	Delete(ctx context.Context, id string) error
}
