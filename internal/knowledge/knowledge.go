// Package knowledge provides read-only account knowledge for a turn:
// the assistant persona, brand partnerships, and active coupons. The
// pipeline reads it to ground understanding (brand lexicon) and to fill
// presentation cards; nothing here is written on the request path.
package knowledge

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when an account has no stored knowledge.
var ErrNotFound = errors.New("knowledge: not found")

// Persona describes how the assistant speaks for an account.
type Persona struct {
	AccountID    string
	Name         string
	Language     string // "he" or "en"
	Tone         string // e.g. "warm", "professional"
	SystemPrompt string
}

// Brand is a partnership an account promotes.
type Brand struct {
	ID          string
	AccountID   string
	Name        string
	Description string
	CouponCode  string
	Link        string
	Category    string
	Active      bool
}

// Coupon is an active discount code, denormalized for card rendering.
type Coupon struct {
	Brand    string
	Code     string
	Discount string
	Category string
	Link     string
}

// Store is the read-side interface over account knowledge.
type Store interface {
	// Persona returns the account's persona, or ErrNotFound.
	Persona(ctx context.Context, accountID string) (*Persona, error)

	// Brands returns the account's active brands.
	Brands(ctx context.Context, accountID string) ([]Brand, error)

	// Coupons returns the account's active coupons, optionally filtered
	// by search keywords (empty keywords return all).
	Coupons(ctx context.Context, accountID string, keywords []string) ([]Coupon, error)
}

// BrandNames extracts the names from a brand list, for the
// understanding lexicon.
func BrandNames(brands []Brand) []string {
	names := make([]string, 0, len(brands))
	for _, b := range brands {
		names = append(names, b.Name)
	}
	return names
}

// matchKeywords reports whether any keyword appears in the coupon's
// brand, category, or discount text.
func matchKeywords(c Coupon, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(c.Brand + " " + c.Category + " " + c.Discount)
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
