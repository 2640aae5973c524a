package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/pairlink/internal/domain"
	"github.com/ashureev/pairlink/internal/store"
	"github.com/go-chi/chi/v5"
)

// SecretHeader carries the shared pairing secret when one is configured.
const SecretHeader = "X-Pair-Secret"

type pairRequest struct {
	Number string `json:"number"`
	Secret string `json:"secret,omitempty"`
}

// RegisterRoutes registers the pairing endpoints. The rate limiter guards
// only the session-creating endpoints; status and export are cheap reads.
func (h *Handler) RegisterRoutes(r chi.Router, limiter *RateLimiter) {
	r.With(limiter.Middleware).Post("/pair", h.Pair)
	r.With(limiter.Middleware).Get("/code", h.Code)
	r.Get("/status/{id}", h.Status)
	r.Get("/session/{id}", h.Export)
}

// Pair creates a pairing session and returns its code.
func (h *Handler) Pair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.secretOK(r, req.Secret) {
		Error(w, http.StatusUnauthorized, "invalid secret")
		return
	}

	h.startSession(w, r, req.Number, func(sess sessionView) interface{} {
		return map[string]interface{}{
			"ok":         true,
			"session_id": sess.ID,
			"code":       sess.Code,
			"expires_at": sess.ExpiresAt,
		}
	})
}

// Code is the legacy session-creation endpoint, driven by query params.
func (h *Handler) Code(w http.ResponseWriter, r *http.Request) {
	if !h.secretOK(r, r.URL.Query().Get("secret")) {
		Error(w, http.StatusUnauthorized, "invalid secret")
		return
	}

	h.startSession(w, r, r.URL.Query().Get("number"), func(sess sessionView) interface{} {
		return map[string]interface{}{
			"code":       sess.Code,
			"session_id": sess.ID,
			"expires_at": sess.ExpiresAt,
		}
	})
}

type sessionView struct {
	ID        string
	Code      string
	ExpiresAt string
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, number string, shape func(sessionView) interface{}) {
	sess, err := h.coord.Start(r.Context(), number)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidPhone):
			Error(w, http.StatusBadRequest, "invalid number")
		default:
			slog.Error("Pairing start failed", "error", err)
			Error(w, http.StatusInternalServerError, "pairing failed")
		}
		return
	}

	JSON(w, http.StatusOK, shape(sessionView{
		ID:        sess.ID,
		Code:      sess.Code,
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
	}))
}

// Status returns the session record, upgrading stored status to ready when
// the registration probe already confirms it.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.store.Read(r.Context(), id)
	if err != nil {
		slog.Error("Status read failed", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "status read failed")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "unknown session")
		return
	}

	// Stored status may lag the persisted credential bundle: upgrade
	// opportunistically. The monotonic store guard drops the write when
	// the session already reached a terminal state.
	if !sess.Status.Terminal() {
		registered, err := h.probe(r.Context(), id)
		if err != nil {
			slog.Warn("Registration probe failed during status read", "session_id", id, "error", err)
		} else if registered {
			err := h.store.Write(r.Context(), id, store.Patch{Status: domain.StatusReady})
			if err != nil {
				slog.Warn("Ready upgrade failed", "session_id", id, "error", err)
			} else {
				sess.Status = domain.StatusReady
			}
		}
	}

	resp := map[string]interface{}{
		"session_id": sess.ID,
		"phone":      sess.Phone,
		"status":     sess.Status,
		"created_at": sess.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if sess.Code != "" {
		resp["code"] = sess.Code
	}
	if sess.Error != "" {
		resp["error"] = sess.Error
	}
	JSON(w, http.StatusOK, resp)
}

// Export returns the session's credential bundle as a text-encoded archive.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	encoded, err := h.exporter.Export(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			Error(w, http.StatusNotFound, "no credentials for session")
		case errors.Is(err, domain.ErrNotReady):
			Error(w, http.StatusConflict, "session not registered")
		default:
			slog.Error("Export failed", "session_id", id, "error", err)
			Error(w, http.StatusInternalServerError, "export failed")
		}
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"session_id": id,
		"archive":    encoded,
	})
}

func (h *Handler) secretOK(r *http.Request, bodySecret string) bool {
	if h.secret == "" {
		return true
	}
	candidate := r.Header.Get(SecretHeader)
	if candidate == "" {
		candidate = bodySecret
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(h.secret)) == 1
}
