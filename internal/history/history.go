// Package history persists conversation turns. Messages are append
// only and immutable once written; a write failure after the response
// has streamed is logged and absorbed, never surfaced to the client.
package history

import (
	"context"
	"time"

	"github.com/szaher/chatflow/internal/llm"
)

// Message is one persisted turn.
type Message struct {
	ID          string
	SessionID   string
	Role        llm.Role
	Content     string
	ContentHash string
	Seq         int
	CreatedAt   time.Time
}

// Store is the append-only message log for sessions.
type Store interface {
	// Append writes a message and returns it with ID and Seq assigned.
	Append(ctx context.Context, msg Message) (*Message, error)

	// Recent returns up to limit messages for a session, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// Summary returns the stored rolling summary for a session, or "".
	Summary(ctx context.Context, sessionID string) (string, error)

	// SaveSummary replaces the session's rolling summary.
	SaveSummary(ctx context.Context, sessionID, summary string) error
}

// AsPromptMessages converts stored messages to model messages.
func AsPromptMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
