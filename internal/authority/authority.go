// Package authority defines the contract with the external pairing engine
// that performs the actual device linking, plus the production WhatsApp
// implementation.
package authority

import "context"

// EventKind classifies notifications emitted by a live handshake.
type EventKind string

const (
	// EventCredentialUpdate fires when the authority persisted a change to
	// the session's credential bundle.
	EventCredentialUpdate EventKind = "credential_update"
	// EventConnectionState fires when the underlying connection opens or
	// closes.
	EventConnectionState EventKind = "connection_state"
)

// Event is a single handshake notification. Online is only meaningful for
// EventConnectionState.
type Event struct {
	Kind   EventKind
	Online bool
}

// Handle is one live handshake. It belongs to exactly one session and is
// held only in the session registry.
type Handle interface {
	// RequestCode asks the authority for a pairing code. Single attempt;
	// retry policy is the coordinator's concern.
	RequestCode(ctx context.Context, phone string) (string, error)

	// Events delivers handshake notifications. The channel is closed when
	// the handshake ends. Consumers must not assume every authority-side
	// event arrives: the bridge drops under backpressure rather than
	// blocking the authority's callback path.
	Events() <-chan Event

	// Send delivers a text message to the linked identity. Best-effort.
	Send(ctx context.Context, phone, text string) error

	// End gracefully closes the handshake. Idempotent.
	End()
}

// Authority begins handshakes and answers the registration probe.
type Authority interface {
	// Open starts a handshake for the given normalized phone number,
	// persisting its credential bundle under the session's directory. It
	// does not block until the device is linked.
	Open(ctx context.Context, sessionID, phone string) (Handle, error)

	// Registered reports whether the session's persisted credential
	// bundle carries a confirmed device identity. Implementations must
	// re-read persisted state, not trust in-memory connection flags: the
	// two disagree transiently while the authority flushes credentials.
	Registered(ctx context.Context, sessionID string) (bool, error)
}
