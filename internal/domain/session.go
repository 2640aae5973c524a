// Package domain defines the pairing session model shared across the service.
package domain

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle state of a pairing session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCodeIssued Status = "code_issued"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// SessionTTL is the fixed window after which an unlinked session is abandoned.
const SessionTTL = 10 * time.Minute

// MinPhoneDigits is the minimum accepted length of a normalized phone number.
const MinPhoneDigits = 8

// rank orders the success path. Terminal states carry no rank.
var rank = map[Status]int{
	StatusPending:    0,
	StatusCodeIssued: 1,
	StatusReady:      2,
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed || s == StatusExpired
}

// CanAdvanceTo reports whether a transition from s to next is legal.
// The success path only moves forward (pending → code_issued → ready),
// failed/expired are reachable from any non-terminal state, and nothing
// ever leaves ready.
func (s Status) CanAdvanceTo(next Status) bool {
	if s == next {
		return false
	}
	if s.Terminal() {
		return false
	}
	if next == StatusFailed || next == StatusExpired {
		return true
	}
	return rank[next] > rank[s]
}

// Session is the sole durable entity of the service.
type Session struct {
	ID        string
	Phone     string
	Status    Status
	Code      string
	Error     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session's TTL has elapsed at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// NewSessionID returns a new opaque session id: a ULID, whose encoding is a
// millisecond timestamp prefix followed by a random suffix.
func NewSessionID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id.String(), nil
}

// NormalizePhone strips everything but digits from the given number and
// validates the remainder. Returns ErrInvalidPhone for anything too short
// to be a dialable international number.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < MinPhoneDigits {
		return "", ErrInvalidPhone
	}
	return digits, nil
}
