package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/szaher/chatflow/internal/llm"
)

// PostgresStore persists conversation history in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Append implements Store. Seq is assigned inside the insert so
// concurrent writers for different sessions never conflict.
func (s *PostgresStore) Append(ctx context.Context, msg Message) (*Message, error) {
	const q = `
		INSERT INTO messages (session_id, role, content, content_hash, seq, created_at)
		VALUES ($1, $2, $3, $4,
		        (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = $1),
		        COALESCE($5, now()))
		RETURNING id, seq, created_at`

	var createdAt any
	if !msg.CreatedAt.IsZero() {
		createdAt = msg.CreatedAt
	}

	err := s.pool.QueryRow(ctx, q,
		msg.SessionID, string(msg.Role), msg.Content, msg.ContentHash, createdAt).
		Scan(&msg.ID, &msg.Seq, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return &msg, nil
}

// Recent implements Store.
func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	const q = `
		SELECT id, session_id, role, content, content_hash, seq, created_at
		FROM (
			SELECT id, session_id, role, content, content_hash, seq, created_at
			FROM messages
			WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) latest
		ORDER BY seq ASC`

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content,
			&m.ContentHash, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = roleFromString(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Summary implements Store.
func (s *PostgresStore) Summary(ctx context.Context, sessionID string) (string, error) {
	const q = `SELECT summary FROM session_summaries WHERE session_id = $1`

	var summary string
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query summary: %w", err)
	}
	return summary, nil
}

// SaveSummary implements Store.
func (s *PostgresStore) SaveSummary(ctx context.Context, sessionID, summary string) error {
	const q = `
		INSERT INTO session_summaries (session_id, summary, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id)
		DO UPDATE SET summary = EXCLUDED.summary, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, sessionID, summary); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func roleFromString(role string) llm.Role {
	if role == string(llm.RoleAssistant) {
		return llm.RoleAssistant
	}
	return llm.RoleUser
}
