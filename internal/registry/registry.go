// Package registry tracks the single live handshake per pairing session.
package registry

import (
	"log/slog"
	"sync"

	"github.com/ashureev/pairlink/internal/authority"
	"github.com/ashureev/pairlink/internal/domain"
)

// Registry maps session ids to their live handshake handle. At most one
// handle may exist per id at any time; the coordinator and the TTL reaper
// both touch it concurrently.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]authority.Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handles: make(map[string]authority.Handle)}
}

// Get returns the live handle for a session, or nil.
func (r *Registry) Get(id string) authority.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[id]
}

// Put registers the handle for a session. Returns ErrHandleExists if one is
// already registered; correct orchestration never hits that, but it must be
// checked.
func (r *Registry) Put(id string, h authority.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[id]; exists {
		return domain.ErrHandleExists
	}
	r.handles[id] = h
	slog.Info("Handshake registered", "session_id", id)
	return nil
}

// Remove drops the handle for a session. Idempotent; no-op if absent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[id]; exists {
		delete(r.handles, id)
		slog.Info("Handshake unregistered", "session_id", id)
	}
}

// Len reports the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Shutdown ends every live handshake. Called once at process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]authority.Handle)
	r.mu.Unlock()

	for id, h := range handles {
		h.End()
		slog.Info("Handshake closed at shutdown", "session_id", id)
	}
}
