package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/pairlink/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the optional mirror backend. Every write into it goes
// through Dual and is best-effort: callers never see its failures.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the mirror database and ensures the schema.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect mirror database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize mirror schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pair_sessions (
			session_id TEXT PRIMARY KEY,
			phone TEXT NOT NULL,
			status TEXT NOT NULL,
			code TEXT,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pair_sessions_expires ON pair_sessions (expires_at);
	`)
	if err != nil {
		return fmt.Errorf("create mirror schema: %w", err)
	}
	return nil
}

// Get retrieves a mirrored session record. Returns (nil, nil) when absent.
func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	var sess domain.Session
	var status string
	var code, errText *string

	err := s.pool.QueryRow(ctx, `
		SELECT session_id, phone, status, code, error, created_at, expires_at
		FROM pair_sessions
		WHERE session_id = $1
	`, id).Scan(&sess.ID, &sess.Phone, &status, &code, &errText, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query mirror session: %w", err)
	}

	sess.Status = domain.Status(status)
	if code != nil {
		sess.Code = *code
	}
	if errText != nil {
		sess.Error = *errText
	}
	return &sess, nil
}

// Upsert mirrors a session record. created_at is set on first insert only:
// a mirrored update must never move the creation timestamp of an existing
// row.
func (s *PostgresStore) Upsert(ctx context.Context, sess *domain.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pair_sessions (
			session_id, phone, status, code, error, created_at, expires_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			status = excluded.status,
			code = COALESCE(excluded.code, pair_sessions.code),
			error = excluded.error,
			updated_at = excluded.updated_at
	`, sess.ID, sess.Phone, string(sess.Status), nullIfEmpty(sess.Code), nullIfEmpty(sess.Error),
		sess.CreatedAt, sess.ExpiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("upsert mirror session: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
