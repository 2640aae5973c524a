// Package store provides durable session status persistence: a primary
// local sqlite backend with an optional best-effort postgres mirror.
package store

import (
	"context"
	"time"

	"github.com/ashureev/pairlink/internal/domain"
)

// Backend is a single status sink. Get returns (nil, nil) when the session
// is unknown to the backend. Upsert must never overwrite created_at on an
// existing record.
type Backend interface {
	Upsert(ctx context.Context, s *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	Close() error
}

// Patch is a partial session update merged into the stored record by
// Dual.Write. Zero-valued fields are left untouched; Phone, CreatedAt and
// ExpiresAt only take effect on first insert.
type Patch struct {
	Phone     string
	Status    domain.Status
	Code      string
	Error     string
	CreatedAt time.Time
	ExpiresAt time.Time
}
