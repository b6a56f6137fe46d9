package history

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory history store for single-process
// deployments and tests.
type MemoryStore struct {
	mu        sync.Mutex
	messages  map[string][]Message
	summaries map[string]string
	nextID    int
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  make(map[string][]Message),
		summaries: make(map[string]string),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, msg Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg.ID = fmt.Sprintf("msg_%d", s.nextID)
	msg.Seq = len(s.messages[msg.SessionID]) + 1
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return &msg, nil
}

// Recent implements Store.
func (s *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

// Summary implements Store.
func (s *MemoryStore) Summary(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaries[sessionID], nil
}

// SaveSummary implements Store.
func (s *MemoryStore) SaveSummary(_ context.Context, sessionID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[sessionID] = summary
	return nil
}
