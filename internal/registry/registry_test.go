package registry

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/pairlink/internal/authority"
	"github.com/ashureev/pairlink/internal/domain"
)

// stubHandle is a minimal authority.Handle for registry tests.
type stubHandle struct {
	mu    sync.Mutex
	ended bool
}

func (s *stubHandle) RequestCode(ctx context.Context, phone string) (string, error) {
	return "", errors.New("not implemented")
}
func (s *stubHandle) Events() <-chan authority.Event              { return nil }
func (s *stubHandle) Send(ctx context.Context, p, t string) error { return nil }

func (s *stubHandle) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

func (s *stubHandle) wasEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func TestRegistryPutGet(t *testing.T) {
	r := New()
	h := &stubHandle{}

	if err := r.Put("s1", h); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := r.Get("s1"); got != h {
		t.Errorf("Get returned %v, want %v", got, h)
	}
}

func TestRegistryPutConflict(t *testing.T) {
	r := New()

	if err := r.Put("s1", &stubHandle{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := r.Put("s1", &stubHandle{})
	if !errors.Is(err, domain.ErrHandleExists) {
		t.Errorf("second Put returned %v, want ErrHandleExists", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := New()
	h := &stubHandle{}

	if err := r.Put("s1", h); err != nil {
		t.Fatalf("Put: %v", err)
	}
	r.Remove("s1")
	r.Remove("s1") // no-op

	if got := r.Get("s1"); got != nil {
		t.Errorf("Get after Remove returned %v, want nil", got)
	}

	// A removed id can be registered again.
	if err := r.Put("s1", &stubHandle{}); err != nil {
		t.Errorf("Put after Remove: %v", err)
	}
}

func TestRegistryShutdownEndsHandles(t *testing.T) {
	r := New()
	h1 := &stubHandle{}
	h2 := &stubHandle{}

	if err := r.Put("s1", h1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := r.Put("s2", h2); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r.Shutdown()

	if !h1.wasEnded() || !h2.wasEnded() {
		t.Error("Shutdown did not end all handles")
	}
	if r.Len() != 0 {
		t.Errorf("Len after Shutdown = %d, want 0", r.Len())
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := New()

	go func() {
		for i := 0; i < 1000; i++ {
			_ = r.Put("s-"+strconv.Itoa(i), &stubHandle{})
		}
	}()

	go func() {
		for i := 0; i < 1000; i++ {
			r.Get("s-" + strconv.Itoa(i))
			r.Remove("s-" + strconv.Itoa(i))
		}
	}()

	time.Sleep(100 * time.Millisecond)
}
