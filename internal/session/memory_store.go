package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory session store with idle expiry.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	idle     time.Duration // Active -> Idle threshold
	expiry   time.Duration // inactivity window before Expired
}

// NewMemoryStore creates an in-memory session store. expiry defines the
// inactivity window after which a session expires; 0 means no expiry.
func NewMemoryStore(expiry time.Duration) *MemoryStore {
	idle := expiry / 4
	if idle == 0 {
		idle = 10 * time.Minute
	}
	return &MemoryStore{
		sessions: make(map[string]*Session),
		idle:     idle,
		expiry:   expiry,
	}
}

// Create creates a new session for the given account and user.
func (s *MemoryStore) Create(_ context.Context, accountID, userID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess := &Session{
		ID:         generateSecureID(),
		AccountID:  accountID,
		UserID:     userID,
		State:      StateCreated,
		CreatedAt:  now,
		LastActive: now,
	}
	s.sessions[sess.ID] = sess
	return cloneSession(sess), nil
}

// Get retrieves a session by ID, refreshing its derived state.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	since := time.Since(sess.LastActive)
	if s.expiry > 0 && since > s.expiry {
		sess.State = StateExpired
		delete(s.sessions, id)
		return nil, ErrNotFound
	}
	if sess.State == StateActive && since > s.idle {
		sess.State = StateIdle
	}

	return cloneSession(sess), nil
}

// Touch bumps last-activity and message count.
func (s *MemoryStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.State = StateActive
	sess.MessageCount++
	sess.LastActive = time.Now()
	return nil
}

// Delete removes a session by ID.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Sweep removes expired sessions and returns how many were reclaimed.
// Called periodically by the maintenance job.
func (s *MemoryStore) Sweep() int {
	if s.expiry <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActive) > s.expiry {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

func cloneSession(sess *Session) *Session {
	c := *sess
	return &c
}
