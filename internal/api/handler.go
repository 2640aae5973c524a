// Package api provides the HTTP handlers for the pairing service.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/pairlink/internal/archive"
	"github.com/ashureev/pairlink/internal/pairing"
	"github.com/ashureev/pairlink/internal/store"
)

// Handler holds the shared dependencies of the pairing endpoints.
type Handler struct {
	store    *store.Dual
	coord    *pairing.Coordinator
	exporter *archive.Exporter
	probe    archive.Probe
	secret   string
}

// NewHandler creates a Handler. secret may be empty, which disables the
// shared-secret check entirely.
func NewHandler(st *store.Dual, coord *pairing.Coordinator, exporter *archive.Exporter, probe archive.Probe, secret string) *Handler {
	return &Handler{
		store:    st,
		coord:    coord,
		exporter: exporter,
		probe:    probe,
		secret:   secret,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
