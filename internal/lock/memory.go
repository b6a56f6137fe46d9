package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	holderID  string
	expiresAt time.Time
}

// MemoryGate is an in-process gate for single-instance deployments
// and tests. Expired entries are reclaimed lazily on the next attempt.
type MemoryGate struct {
	mu    sync.Mutex
	ttl   time.Duration
	locks map[string]memoryEntry
}

// NewMemoryGate creates an in-memory gate. ttl bounds how long a lock
// survives a crashed holder; it must exceed the longest expected turn.
func NewMemoryGate(ttl time.Duration) *MemoryGate {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryGate{
		ttl:   ttl,
		locks: make(map[string]memoryEntry),
	}
}

// Acquire implements Gate.
func (g *MemoryGate) Acquire(ctx context.Context, resourceKey, holderID string, timeout time.Duration) (*Handle, error) {
	return acquireLoop(ctx, timeout, func() (*Handle, error) {
		g.mu.Lock()
		defer g.mu.Unlock()

		now := time.Now()
		if e, ok := g.locks[resourceKey]; ok && now.Before(e.expiresAt) {
			if e.holderID != holderID {
				return nil, nil
			}
			// Re-entrant acquire by the same holder refreshes the TTL.
		}

		expires := now.Add(g.ttl)
		g.locks[resourceKey] = memoryEntry{holderID: holderID, expiresAt: expires}
		return &Handle{
			ResourceKey: resourceKey,
			HolderID:    holderID,
			AcquiredAt:  now,
			ExpiresAt:   expires,
		}, nil
	})
}

// Release implements Gate. Only the current holder's release removes
// the entry; anything else is a no-op.
func (g *MemoryGate) Release(_ context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.locks[h.ResourceKey]; ok && e.holderID == h.HolderID {
		delete(g.locks, h.ResourceKey)
	}
	return nil
}

// Sweep removes expired entries and returns how many were reclaimed.
// Called periodically by the maintenance job.
func (g *MemoryGate) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	n := 0
	for key, e := range g.locks {
		if now.After(e.expiresAt) {
			delete(g.locks, key)
			n++
		}
	}
	return n
}

// Held reports whether a valid lock currently exists for the key.
func (g *MemoryGate) Held(resourceKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.locks[resourceKey]
	return ok && time.Now().Before(e.expiresAt)
}
