package domain

import "errors"

// Sentinel errors shared across the service. HTTP handlers map these to
// status codes; everything else wraps them with context via fmt.Errorf.
var (
	// ErrInvalidPhone indicates a number that does not normalize to a
	// dialable phone number.
	ErrInvalidPhone = errors.New("invalid phone number")

	// ErrUnauthorized indicates a missing or mismatched pairing secret.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates a session unknown to every backend, or a
	// missing credential directory.
	ErrNotFound = errors.New("session not found")

	// ErrNotReady indicates an export attempt before the linked identity
	// completed registration.
	ErrNotReady = errors.New("session not registered")

	// ErrHandleExists indicates an attempt to register a second live
	// handshake for a session id.
	ErrHandleExists = errors.New("handle already registered for session")

	// ErrCodeRequestFailed indicates the pairing authority exhausted the
	// bounded retry budget without issuing a code.
	ErrCodeRequestFailed = errors.New("pairing code request failed")
)
