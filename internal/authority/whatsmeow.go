package authority

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// eventBuffer bounds the bridge between whatsmeow's callback goroutine and
// the coordinator's watcher. Overflow drops with a warning instead of
// blocking the authority.
const eventBuffer = 32

const storeFileName = "session.db"

// WhatsApp is the production Authority backed by the whatsmeow client.
// Each session gets its own credential store under credDir/<session_id>/,
// which is also what the exporter later packages.
type WhatsApp struct {
	credDir string
	log     waLog.Logger
}

// NewWhatsApp creates the WhatsApp pairing authority rooted at credDir.
func NewWhatsApp(credDir string) *WhatsApp {
	return &WhatsApp{credDir: credDir, log: waLog.Noop}
}

func (w *WhatsApp) storePath(sessionID string) string {
	return filepath.Join(w.credDir, sessionID, storeFileName)
}

func (w *WhatsApp) openContainer(ctx context.Context, sessionID string) (*sqlstore.Container, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", w.storePath(sessionID))
	container, err := sqlstore.New(ctx, "sqlite", dsn, w.log)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return container, nil
}

// Open starts a handshake for the given phone number. The connection comes
// up in the background; linking completes only after the user enters the
// pairing code on their device.
func (w *WhatsApp) Open(ctx context.Context, sessionID, phone string) (Handle, error) {
	dir := filepath.Join(w.credDir, sessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}

	container, err := w.openContainer(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	device := container.NewDevice()
	client := whatsmeow.NewClient(device, w.log)

	h := &waHandle{
		sessionID: sessionID,
		client:    client,
		container: container,
		events:    make(chan Event, eventBuffer),
	}
	h.handlerID = client.AddEventHandler(h.onEvent)

	if err := client.Connect(); err != nil {
		client.RemoveEventHandler(h.handlerID)
		_ = container.Close()
		return nil, fmt.Errorf("connect handshake: %w", err)
	}

	return h, nil
}

// Registered re-reads the session's persisted credential store and reports
// whether a device identity has been stored. The in-memory client flag is
// deliberately not consulted: credential persistence lags the pair-success
// notification.
func (w *WhatsApp) Registered(ctx context.Context, sessionID string) (bool, error) {
	if _, err := os.Stat(w.storePath(sessionID)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat credential store: %w", err)
	}

	container, err := w.openContainer(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer func() {
		if closeErr := container.Close(); closeErr != nil {
			slog.Warn("Failed to close credential store after probe",
				"session_id", sessionID, "error", closeErr)
		}
	}()

	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return false, fmt.Errorf("read devices: %w", err)
	}
	for _, d := range devices {
		if d.ID != nil {
			return true, nil
		}
	}
	return false, nil
}

// waHandle adapts one whatsmeow client to the Handle contract.
type waHandle struct {
	sessionID string
	client    *whatsmeow.Client
	container *sqlstore.Container
	handlerID uint32

	mu     sync.Mutex
	closed bool
	events chan Event
}

func (h *waHandle) onEvent(evt interface{}) {
	switch evt.(type) {
	case *events.Connected:
		h.emit(Event{Kind: EventConnectionState, Online: true})
	case *events.PairSuccess:
		h.emit(Event{Kind: EventCredentialUpdate})
	case *events.Disconnected, *events.LoggedOut:
		h.emit(Event{Kind: EventConnectionState, Online: false})
	}
}

func (h *waHandle) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
		slog.Warn("Dropping handshake event, watcher is behind",
			"session_id", h.sessionID, "kind", ev.Kind)
	}
}

// RequestCode asks WhatsApp for a pairing code. Single attempt.
func (h *waHandle) RequestCode(ctx context.Context, phone string) (string, error) {
	code, err := h.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("request pairing code: %w", err)
	}
	return code, nil
}

func (h *waHandle) Events() <-chan Event {
	return h.events
}

// Send delivers a plain text message to the linked identity.
func (h *waHandle) Send(ctx context.Context, phone, text string) error {
	jid := types.NewJID(phone, types.DefaultUserServer)
	_, err := h.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// End gracefully closes the handshake and its credential store. Idempotent.
func (h *waHandle) End() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.events)
	h.mu.Unlock()

	h.client.RemoveEventHandler(h.handlerID)
	h.client.Disconnect()
	if err := h.container.Close(); err != nil {
		slog.Warn("Failed to close credential store", "session_id", h.sessionID, "error", err)
	}
}
