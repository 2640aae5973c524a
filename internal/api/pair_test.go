package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/pairlink/internal/archive"
	"github.com/ashureev/pairlink/internal/authority"
	"github.com/ashureev/pairlink/internal/domain"
	"github.com/ashureev/pairlink/internal/pairing"
	"github.com/ashureev/pairlink/internal/registry"
	"github.com/ashureev/pairlink/internal/store"
	"github.com/go-chi/chi/v5"
)

type memBackend struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func newMemBackend() *memBackend {
	return &memBackend{sessions: make(map[string]domain.Session)}
}

func (m *memBackend) Upsert(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	if existing, ok := m.sessions[s.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	m.sessions[s.ID] = cp
	return nil
}

func (m *memBackend) Get(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := s
	return &cp, nil
}

func (m *memBackend) Close() error { return nil }

type fakeHandle struct {
	code   string
	fail   bool
	events chan authority.Event
	once   sync.Once
}

func (h *fakeHandle) RequestCode(ctx context.Context, phone string) (string, error) {
	if h.fail {
		return "", errors.New("authority rejected request")
	}
	return h.code, nil
}

func (h *fakeHandle) Events() <-chan authority.Event              { return h.events }
func (h *fakeHandle) Send(ctx context.Context, p, t string) error { return nil }
func (h *fakeHandle) End()                                        { h.once.Do(func() { close(h.events) }) }

type fakeAuthority struct {
	fail       bool
	registered atomic.Bool
}

func (a *fakeAuthority) Open(ctx context.Context, sessionID, phone string) (authority.Handle, error) {
	return &fakeHandle{code: "ABCD-1234", fail: a.fail, events: make(chan authority.Event, 16)}, nil
}

func (a *fakeAuthority) Registered(ctx context.Context, sessionID string) (bool, error) {
	return a.registered.Load(), nil
}

type testEnv struct {
	auth    *fakeAuthority
	router  chi.Router
	credDir string
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()

	auth := &fakeAuthority{}
	st := store.NewDual(newMemBackend(), nil)
	reg := registry.New()
	coord := pairing.New(st, reg, auth, pairing.Options{
		TTL:          time.Minute,
		CodeAttempts: 2,
		CodeWarmup:   time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffStep:  time.Millisecond,
		SettleDelay:  time.Millisecond,
		ReadyGrace:   5 * time.Millisecond,
		WelcomeText:  "linked",
	})
	t.Cleanup(coord.Stop)

	credDir := t.TempDir()
	exporter, err := archive.NewExporter(credDir, auth.Registered)
	if err != nil {
		t.Fatalf("NewExporter: %v", err)
	}

	h := NewHandler(st, coord, exporter, auth.Registered, secret)
	r := chi.NewRouter()
	h.RegisterRoutes(r, NewRateLimiter(100, 100))

	return &testEnv{auth: auth, router: r, credDir: credDir}
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}, header map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestPairIssuesCode(t *testing.T) {
	env := newTestEnv(t, "")

	rec, body := env.do(t, http.MethodPost, "/pair", map[string]string{"number": "+1 555 123 4567"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if body["ok"] != true {
		t.Error("expected ok=true")
	}
	if body["code"] != "ABCD-1234" {
		t.Errorf("code = %v", body["code"])
	}
	id, _ := body["session_id"].(string)
	if id == "" {
		t.Fatal("missing session_id")
	}

	rec, body = env.do(t, http.MethodGet, "/status/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}
	if body["status"] != string(domain.StatusCodeIssued) {
		t.Errorf("session status = %v", body["status"])
	}
}

func TestPairInvalidNumber(t *testing.T) {
	env := newTestEnv(t, "")

	rec, _ := env.do(t, http.MethodPost, "/pair", map[string]string{"number": "123"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPairAuthorityFailure(t *testing.T) {
	env := newTestEnv(t, "")
	env.auth.fail = true

	rec, _ := env.do(t, http.MethodPost, "/pair", map[string]string{"number": "15551234567"}, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestPairSecret(t *testing.T) {
	env := newTestEnv(t, "hunter2")

	rec, _ := env.do(t, http.MethodPost, "/pair", map[string]string{"number": "15551234567"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no secret: status = %d, want 401", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/pair",
		map[string]string{"number": "15551234567", "secret": "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/pair",
		map[string]string{"number": "15551234567"},
		map[string]string{SecretHeader: "hunter2"})
	if rec.Code != http.StatusOK {
		t.Errorf("header secret: status = %d, want 200", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/pair",
		map[string]string{"number": "15551234567", "secret": "hunter2"}, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("body secret: status = %d, want 200", rec.Code)
	}
}

func TestLegacyCodeEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	rec, body := env.do(t, http.MethodGet, "/code?number=15551234567", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["code"] != "ABCD-1234" {
		t.Errorf("code = %v", body["code"])
	}
	if id, _ := body["session_id"].(string); id == "" {
		t.Error("missing session_id")
	}
	if exp, _ := body["expires_at"].(string); exp == "" {
		t.Error("missing expires_at")
	}
}

func TestStatusUnknownSession(t *testing.T) {
	env := newTestEnv(t, "")

	rec, _ := env.do(t, http.MethodGet, "/status/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStatusOpportunisticReadyUpgrade(t *testing.T) {
	env := newTestEnv(t, "")

	_, body := env.do(t, http.MethodPost, "/pair", map[string]string{"number": "15551234567"}, nil)
	id := body["session_id"].(string)

	// Probe confirms registration before the coordinator saw any event.
	env.auth.registered.Store(true)

	rec, body := env.do(t, http.MethodGet, "/status/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != string(domain.StatusReady) {
		t.Errorf("status = %v, want ready", body["status"])
	}

	// The upgrade must be persisted, not just displayed.
	rec, body = env.do(t, http.MethodGet, "/status/"+id, nil, nil)
	if rec.Code != http.StatusOK || body["status"] != string(domain.StatusReady) {
		t.Errorf("persisted status = %v", body["status"])
	}
}

func TestExportLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	_, body := env.do(t, http.MethodPost, "/pair", map[string]string{"number": "15551234567"}, nil)
	id := body["session_id"].(string)

	// No credential directory yet.
	rec, _ := env.do(t, http.MethodGet, "/session/"+id, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("no dir: status = %d, want 404", rec.Code)
	}

	dir := filepath.Join(env.credDir, id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "session.db"), []byte("creds"), 0600); err != nil {
		t.Fatal(err)
	}

	// Directory exists but registration is unconfirmed.
	rec, _ = env.do(t, http.MethodGet, "/session/"+id, nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("unregistered: status = %d, want 409", rec.Code)
	}

	env.auth.registered.Store(true)
	rec, respBody := env.do(t, http.MethodGet, "/session/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("registered: status = %d", rec.Code)
	}
	archiveText, _ := respBody["archive"].(string)
	if archiveText == "" {
		t.Error("expected non-empty archive")
	}
}

func TestRateLimit(t *testing.T) {
	auth := &fakeAuthority{}
	st := store.NewDual(newMemBackend(), nil)
	coord := pairing.New(st, registry.New(), auth, pairing.Options{
		TTL:          time.Minute,
		CodeAttempts: 1,
		CodeWarmup:   time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffStep:  time.Millisecond,
		SettleDelay:  time.Millisecond,
		ReadyGrace:   time.Millisecond,
		WelcomeText:  "linked",
	})
	t.Cleanup(coord.Stop)
	exporter, err := archive.NewExporter(t.TempDir(), auth.Registered)
	if err != nil {
		t.Fatal(err)
	}

	h := NewHandler(st, coord, exporter, auth.Registered, "")
	r := chi.NewRouter()
	h.RegisterRoutes(r, NewRateLimiter(0.01, 1))

	payload := []byte(`{"number":"15551234567"}`)

	req := httptest.NewRequest(http.MethodPost, "/pair", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/pair", bytes.NewReader(payload))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", rec.Code)
	}
}
