package knowledge

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads account knowledge from Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Persona implements Store.
func (s *PostgresStore) Persona(ctx context.Context, accountID string) (*Persona, error) {
	const q = `
		SELECT account_id, name, language, tone, system_prompt
		FROM personas
		WHERE account_id = $1`

	var p Persona
	err := s.pool.QueryRow(ctx, q, accountID).Scan(
		&p.AccountID, &p.Name, &p.Language, &p.Tone, &p.SystemPrompt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query persona: %w", err)
	}
	return &p, nil
}

// Brands implements Store.
func (s *PostgresStore) Brands(ctx context.Context, accountID string) ([]Brand, error) {
	const q = `
		SELECT id, account_id, name, COALESCE(description, ''),
		       COALESCE(coupon_code, ''), COALESCE(link, ''),
		       COALESCE(category, ''), is_active
		FROM brands
		WHERE account_id = $1 AND is_active
		ORDER BY name`

	rows, err := s.pool.Query(ctx, q, accountID)
	if err != nil {
		return nil, fmt.Errorf("query brands: %w", err)
	}
	defer rows.Close()

	var out []Brand
	for rows.Next() {
		var b Brand
		if err := rows.Scan(&b.ID, &b.AccountID, &b.Name, &b.Description,
			&b.CouponCode, &b.Link, &b.Category, &b.Active); err != nil {
			return nil, fmt.Errorf("scan brand: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Coupons implements Store. Filtering happens in process; the brand
// list per account is small.
func (s *PostgresStore) Coupons(ctx context.Context, accountID string, keywords []string) ([]Coupon, error) {
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
