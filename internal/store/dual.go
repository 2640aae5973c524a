package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pairlink/internal/domain"
)

// mirrorTimeout bounds how long a best-effort mirror write may hold up the
// per-session lock when the mirror database is unreachable.
const mirrorTimeout = 2 * time.Second

// Dual is the session status store: synchronous writes to the primary
// backend, best-effort mirroring to an optional secondary, and reads with
// secondary fallback. Read-modify-write cycles are serialized per session
// id so concurrent patches never lose updates.
type Dual struct {
	primary Backend
	mirror  Backend // may be nil

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDual creates a status store over the given backends. mirror may be nil.
func NewDual(primary, mirror Backend) *Dual {
	return &Dual{
		primary: primary,
		mirror:  mirror,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (d *Dual) sessionLock(id string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[id]
	if !ok {
		l = &sync.Mutex{}
		d.locks[id] = l
	}
	return l
}

// Write merges the patch into the stored record and persists it. The
// primary write is synchronous; its error is returned. The mirror write is
// best-effort: failures are logged and swallowed. Status changes that would
// regress the lifecycle (anything after ready, or moving backwards on the
// success path) are dropped from the patch rather than applied.
func (d *Dual) Write(ctx context.Context, id string, p Patch) error {
	l := d.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	cur, err := d.Read(ctx, id)
	if err != nil {
		return fmt.Errorf("read before write: %w", err)
	}

	merged := merge(cur, id, p)
	if merged == nil {
		// Patch carried nothing applicable (e.g. a status regression on
		// an already-terminal record).
		return nil
	}

	if err := d.primary.Upsert(ctx, merged); err != nil {
		return fmt.Errorf("write primary: %w", err)
	}

	if d.mirror != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		if err := d.mirror.Upsert(mctx, merged); err != nil {
			slog.Warn("Mirror write failed", "session_id", id, "error", err)
		}
	}

	return nil
}

// Read returns the stored record, falling back to the mirror when the
// primary has no row. Returns (nil, nil) when the session is unknown to
// both backends.
func (d *Dual) Read(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := d.primary.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read primary: %w", err)
	}
	if sess != nil {
		return sess, nil
	}
	if d.mirror == nil {
		return nil, nil
	}
	sess, err = d.mirror.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read mirror: %w", err)
	}
	return sess, nil
}

// Close closes both backends.
func (d *Dual) Close() error {
	var firstErr error
	if err := d.primary.Close(); err != nil {
		firstErr = err
	}
	if d.mirror != nil {
		if err := d.mirror.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// merge applies p on top of cur. With no existing record the patch seeds a
// new one (status defaults to pending). Returns nil when the patch changes
// nothing the lifecycle allows to change.
func merge(cur *domain.Session, id string, p Patch) *domain.Session {
	if cur == nil {
		status := p.Status
		if status == "" {
			status = domain.StatusPending
		}
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		return &domain.Session{
			ID:        id,
			Phone:     p.Phone,
			Status:    status,
			Code:      p.Code,
			Error:     p.Error,
			CreatedAt: createdAt,
			ExpiresAt: p.ExpiresAt,
		}
	}

	out := *cur
	changed := false
	if p.Status != "" && cur.Status.CanAdvanceTo(p.Status) {
		out.Status = p.Status
		changed = true
	} else if p.Status != "" && p.Status != cur.Status {
		slog.Debug("Dropping illegal status transition",
			"session_id", id, "from", cur.Status, "to", p.Status)
	}
	if p.Code != "" && p.Code != cur.Code {
		out.Code = p.Code
		changed = true
	}
	if p.Error != "" && p.Error != cur.Error {
		out.Error = p.Error
		changed = true
	}
	if !changed {
		return nil
	}
	return &out
}
