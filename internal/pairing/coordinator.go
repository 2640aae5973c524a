// Package pairing drives a session through its lifecycle: code issuance,
// registration, ready side effects and teardown.
package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/pairlink/internal/authority"
	"github.com/ashureev/pairlink/internal/domain"
	"github.com/ashureev/pairlink/internal/registry"
	"github.com/ashureev/pairlink/internal/store"
)

// opTimeout bounds store and probe operations running outside a request.
const opTimeout = 10 * time.Second

// Options tunes the coordinator. Zero fields take production defaults.
type Options struct {
	// TTL is the session lifetime, fixed at creation.
	TTL time.Duration
	// CodeAttempts bounds the pairing code retry loop.
	CodeAttempts int
	// CodeWarmup is slept before every code request attempt; the authority
	// rejects requests fired straight after connect.
	CodeWarmup time.Duration
	// BackoffBase and BackoffStep shape the inter-attempt backoff:
	// base + attempt-index * step.
	BackoffBase time.Duration
	BackoffStep time.Duration
	// SettleDelay is waited before trusting the registration probe after a
	// handshake event; credential persistence lags the notification.
	SettleDelay time.Duration
	// ReadyGrace holds the handshake open after the ready transition so
	// the remote side can finish its own link handshake.
	ReadyGrace time.Duration
	// WelcomeText is the best-effort message sent to the linked identity.
	WelcomeText string
}

func (o Options) withDefaults() Options {
	if o.TTL == 0 {
		o.TTL = domain.SessionTTL
	}
	if o.CodeAttempts == 0 {
		o.CodeAttempts = 6
	}
	if o.CodeWarmup == 0 {
		o.CodeWarmup = time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffStep == 0 {
		o.BackoffStep = time.Second
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = 2 * time.Second
	}
	if o.ReadyGrace == 0 {
		o.ReadyGrace = 5 * time.Second
	}
	if o.WelcomeText == "" {
		o.WelcomeText = "Device linked. Your credential bundle is ready for download."
	}
	return o
}

// Coordinator is the pairing session state machine. Each session runs as
// its own set of goroutines; sessions share state only through the status
// store and the registry.
type Coordinator struct {
	store  *store.Dual
	reg    *registry.Registry
	auth   authority.Authority
	reaper *Reaper
	opts   Options
}

// New creates a coordinator over the given collaborators.
func New(st *store.Dual, reg *registry.Registry, auth authority.Authority, opts Options) *Coordinator {
	c := &Coordinator{
		store: st,
		reg:   reg,
		auth:  auth,
		opts:  opts.withDefaults(),
	}
	c.reaper = NewReaper(c.expire)
	return c
}

// Stop cancels all pending expiry timers. It does not touch live sessions.
func (c *Coordinator) Stop() {
	c.reaper.Stop()
}

// Start creates a session for the given number and blocks until a pairing
// code is issued or the retry budget is exhausted. This is the only
// operation that intentionally blocks its caller; worst case is the sum of
// warm-up delays and backoffs across all attempts.
func (c *Coordinator) Start(ctx context.Context, rawPhone string) (*domain.Session, error) {
	phone, err := domain.NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}

	id, err := domain.NewSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &domain.Session{
		ID:        id,
		Phone:     phone,
		Status:    domain.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(c.opts.TTL),
	}

	err = c.store.Write(ctx, id, store.Patch{
		Phone:     phone,
		Status:    domain.StatusPending,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("create session record: %w", err)
	}

	slog.Info("Pairing session created", "session_id", id, "expires_at", sess.ExpiresAt)

	handle, err := c.auth.Open(ctx, id, phone)
	if err != nil {
		c.fail(id, err)
		return nil, fmt.Errorf("open handshake: %w", err)
	}

	if err := c.reg.Put(id, handle); err != nil {
		handle.End()
		c.fail(id, err)
		return nil, err
	}

	c.reaper.Schedule(id, sess.ExpiresAt)

	// Watch handshake events before requesting a code: a credential update
	// can race the code request.
	go c.watch(id, phone, handle)

	code, err := c.requestCode(ctx, id, handle, phone)
	if err != nil {
		c.fail(id, err)
		handle.End()
		c.reg.Remove(id)
		return nil, fmt.Errorf("%w: %v", domain.ErrCodeRequestFailed, err)
	}

	err = c.store.Write(ctx, id, store.Patch{Status: domain.StatusCodeIssued, Code: code})
	if err != nil {
		return nil, fmt.Errorf("persist pairing code: %w", err)
	}

	slog.Info("Pairing code issued", "session_id", id)

	sess.Status = domain.StatusCodeIssued
	sess.Code = code
	return sess, nil
}

// requestCode runs the bounded retry loop for the pairing code.
func (c *Coordinator) requestCode(ctx context.Context, id string, h authority.Handle, phone string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.CodeAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.opts.BackoffBase + time.Duration(attempt)*c.opts.BackoffStep
			slog.Debug("Retrying pairing code request",
				"session_id", id, "attempt", attempt+1, "backoff", backoff)
			if err := sleepCtx(ctx, backoff); err != nil {
				return "", err
			}
		}
		if err := sleepCtx(ctx, c.opts.CodeWarmup); err != nil {
			return "", err
		}

		code, err := h.RequestCode(ctx, phone)
		if err == nil {
			return code, nil
		}
		lastErr = err
		slog.Warn("Pairing code request failed",
			"session_id", id, "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("after %d attempts: %w", c.opts.CodeAttempts, lastErr)
}

// watch consumes handshake events for one session. Events arrive on a
// single channel, so ready checks are naturally serialized; the latch below
// guarantees the ready side effects run at most once to completion.
func (c *Coordinator) watch(id, phone string, h authority.Handle) {
	for ev := range h.Events() {
		if ev.Kind == authority.EventConnectionState && !ev.Online {
			// Connection closed before registration finished. Drop the
			// handle but leave status alone: a close is not terminal on
			// its own, and a status query should still see the session
			// as pending or code_issued.
			slog.Info("Handshake closed before registration", "session_id", id)
			c.reg.Remove(id)
			h.End()
			return
		}

		if c.checkReady(id, phone, h) {
			return
		}
	}
}

// checkReady re-probes persisted registration state after a settle delay
// and, when confirmed, performs the ready side effects. Returns true once
// the ready transition has completed; a false probe leaves the latch open
// for the next event.
func (c *Coordinator) checkReady(id, phone string, h authority.Handle) bool {
	time.Sleep(c.opts.SettleDelay)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	registered, err := c.auth.Registered(ctx, id)
	if err != nil {
		slog.Warn("Registration probe failed", "session_id", id, "error", err)
		return false
	}
	if !registered {
		return false
	}

	if err := c.store.Write(ctx, id, store.Patch{Status: domain.StatusReady}); err != nil {
		// Leave the latch open so a later event retries the transition.
		slog.Error("Failed to persist ready status", "session_id", id, "error", err)
		return false
	}
	slog.Info("Pairing session ready", "session_id", id)

	// Best-effort notification; failure never flips a ready session.
	if err := h.Send(ctx, phone, c.opts.WelcomeText); err != nil {
		slog.Warn("Welcome notification failed", "session_id", id, "error", err)
	}

	// Let the remote side finish its own link handshake before tearing
	// down the connection.
	time.Sleep(c.opts.ReadyGrace)
	h.End()
	c.reg.Remove(id)
	return true
}

// fail records a terminal failure. Store errors here are logged only; the
// caller is already returning the original error.
func (c *Coordinator) fail(id string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := c.store.Write(ctx, id, store.Patch{
		Status: domain.StatusFailed,
		Error:  cause.Error(),
	})
	if err != nil {
		slog.Error("Failed to persist failure", "session_id", id, "error", err)
	}
	slog.Warn("Pairing session failed", "session_id", id, "cause", cause)
}

// expire is the TTL reaper callback: mark non-ready sessions expired and
// tear down any handshake still registered, whatever the status.
func (c *Coordinator) expire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	sess, err := c.store.Read(ctx, id)
	if err != nil {
		slog.Error("TTL expiry failed to read session", "session_id", id, "error", err)
	}
	if sess != nil && sess.Status != domain.StatusReady {
		err := c.store.Write(ctx, id, store.Patch{Status: domain.StatusExpired})
		if err != nil {
			slog.Error("TTL expiry failed to persist", "session_id", id, "error", err)
		} else {
			slog.Info("Pairing session expired", "session_id", id)
		}
	}

	if h := c.reg.Get(id); h != nil {
		h.End()
		c.reg.Remove(id)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
