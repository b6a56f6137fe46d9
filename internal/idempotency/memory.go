package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type record struct {
	status    Status
	requestID string
	result    json.RawMessage
	expiresAt time.Time
}

// MemoryStore is an in-process store for single-instance deployments
// and tests. All transitions happen under one mutex, which gives the
// compare-and-set semantics the pipeline depends on.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
}

// NewMemoryStore creates an in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]record)}
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, key, requestID string, ttl time.Duration) (Claim, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	r, ok := s.records[key]
	if ok && now.After(r.expiresAt) {
		ok = false
	}

	if ok {
		switch r.status {
		case StatusCompleted:
			return Claim{State: AlreadyCompleted, Result: r.result}, nil
		case StatusPending:
			return Claim{State: AlreadyPending}, nil
		case StatusFailed:
			// Retries over a failure re-attempt, never replay it.
		}
	}

	s.records[key] = record{
		status:    StatusPending,
		requestID: requestID,
		expiresAt: now.Add(ttl),
	}
	return Claim{State: Acquired}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return nil
	}
	r.status = StatusCompleted
	r.result = result
	s.records[key] = r
	return nil
}

// Fail implements Store.
func (s *MemoryStore) Fail(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return nil
	}
	r.status = StatusFailed
	r.result = nil
	s.records[key] = r
	return nil
}

// Sweep evicts expired records and returns how many were removed.
// Called periodically by the maintenance job.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for key, r := range s.records {
		if now.After(r.expiresAt) {
			delete(s.records, key)
			n++
		}
	}
	return n
}
