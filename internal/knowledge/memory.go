package knowledge

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory knowledge store, loaded at startup or
// seeded by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	personas map[string]*Persona
	brands   map[string][]Brand
}

// NewMemoryStore creates an empty in-memory knowledge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		personas: make(map[string]*Persona),
		brands:   make(map[string][]Brand),
	}
}

// PutPersona stores an account persona.
func (s *MemoryStore) PutPersona(p *Persona) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas[p.AccountID] = p
}

// PutBrands replaces an account's brand list.
func (s *MemoryStore) PutBrands(accountID string, brands []Brand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brands[accountID] = append([]Brand(nil), brands...)
}

// Persona implements Store.
func (s *MemoryStore) Persona(_ context.Context, accountID string) (*Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.personas[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// Brands implements Store.
func (s *MemoryStore) Brands(_ context.Context, accountID string) ([]Brand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Brand
	for _, b := range s.brands[accountID] {
		if b.Active {
			out = append(out, b)
		}
	}
	return out, nil
}

// Coupons implements Store. Coupons derive from brands carrying a
// coupon code.
func (s *MemoryStore) Coupons(ctx context.Context, accountID string, keywords []string) ([]Coupon, error) {
	brands, err := s.Brands(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var out []Coupon
	for _, b := range brands {
		if b.CouponCode == "" {
			continue
		}
		c := Coupon{
			Brand:    b.Name,
			Code:     b.CouponCode,
			Discount: b.Description,
			Category: b.Category,
			Link:     b.Link,
		}
		if matchKeywords(c, keywords) {
			out = append(out, c)
		}
	}
	return out, nil
}
