package pairing

import (
	"log/slog"
	"sync"
	"time"
)

// Reaper schedules one expiry timer per session, firing at the session's
// expires_at. Timers run on their own goroutines and never block process
// shutdown.
type Reaper struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	fire   func(id string)
}

// NewReaper creates a reaper invoking fire when a session's TTL elapses.
func NewReaper(fire func(id string)) *Reaper {
	return &Reaper{
		timers: make(map[string]*time.Timer),
		fire:   fire,
	}
}

// Schedule arms the one-shot expiry timer for a session. Scheduling the
// same id twice is a no-op; expires_at is fixed at creation and never
// recomputed.
func (r *Reaper) Schedule(id string, expiresAt time.Time) {
	d := time.Until(expiresAt)
	if d < 0 {
		d = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.timers[id]; exists {
		return
	}
	r.timers[id] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()
		r.fire(id)
	})
	slog.Debug("Expiry scheduled", "session_id", id, "expires_at", expiresAt)
}

// Stop cancels all pending timers. In-flight expiry callbacks are not
// waited for.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
