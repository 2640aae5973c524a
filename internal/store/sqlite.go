package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/pairlink/internal/domain"
	"github.com/ashureev/pairlink/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the primary session status backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if necessary) the sqlite session database.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency between coordinator tasks and the
	// HTTP read path.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		status TEXT NOT NULL,
		code TEXT,
		error TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get retrieves a session record. Returns (nil, nil) when absent.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	query := `
		SELECT session_id, phone, status, code, error, created_at, expires_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var sess domain.Session
	var status string
	var code, errText sql.NullString
	var createdAt, expiresAt int64

	err := row.Scan(&sess.ID, &sess.Phone, &status, &code, &errText, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Status = domain.Status(status)
	sess.Code = code.String
	sess.Error = errText.String
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)

	return &sess, nil
}

// Upsert creates or updates a session record. created_at is set on first
// insert only and never touched afterwards. Retries briefly on SQLITE_BUSY:
// coordinators for different sessions write the same database file
// concurrently.
func (s *SQLiteStore) Upsert(ctx context.Context, sess *domain.Session) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.upsertOnce(ctx, sess)
		if err == nil {
			return nil
		}
		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("Session upsert hit SQLITE_BUSY, retrying",
				"session_id", sess.ID, "attempt", i+1, "delay", delay)
			time.Sleep(delay)
			continue
		}
		return err
	}
	return fmt.Errorf("upsert session %s after %d attempts: %w", sess.ID, maxRetries, err)
}

func (s *SQLiteStore) upsertOnce(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, phone, status, code, error, created_at, expires_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		code = COALESCE(excluded.code, sessions.code),
		error = excluded.error,
		updated_at = excluded.updated_at`

	var code interface{}
	if sess.Code != "" {
		code = sess.Code
	}
	var errText interface{}
	if sess.Error != "" {
		errText = sess.Error
	}

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.Phone, string(sess.Status), code, errText,
		sess.CreatedAt.Unix(), sess.ExpiresAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
