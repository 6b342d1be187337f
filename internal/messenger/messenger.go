// Package messenger implements NanoClaw's messenger adapter (C2): the
// common contract that normalises one platform's events into a single
// record type and exposes a send/status surface, plus two concrete
// transports (telegram.go, websocket.go). Grounded on the
// Hub.Subscribe(name)-per-adapter shape of picobot's
// internal/channels/whatsapp.go StartWhatsApp, generalised to an
// interface instead of one hardcoded adapter.
package messenger

import "context"

// ChatType distinguishes a 1-to-1 conversation from a group.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
)

// InboundMessage is the one record shape every platform adapter normalises
// its events into. Media messages become a textual placeholder
// (e.g. "<media:image>") in Content; rich/formatted messages are flattened
// to plain text with mentions preserved as "@name".
type InboundMessage struct {
	ID                string
	ChatID            string
	SenderID          string
	SenderDisplayName string
	Content           string
	Timestamp         string // ISO-8601
	ChatType          ChatType
	ChatName          string
}

// Callback receives every normalised inbound message a push-based
// adapter's listener sees.
type Callback func(msg InboundMessage)

// Messenger is the common contract spec.md §4.2 defines. A concrete
// adapter normalises exactly one platform's event shape into
// InboundMessage and implements send/status against that platform's API.
type Messenger interface {
	// Connect establishes the platform session. Fails fast if credentials
	// are absent so C10 can treat it as a startup fatal.
	Connect(ctx context.Context) error

	// Send is fire-and-log: a failure is logged but never aborts the caller.
	Send(ctx context.Context, chatID, text string)

	// SendOrUpdateStatus maintains at most one platform message per
	// (chatID, correlationID) pair; every call after the first replaces
	// that message's text with text, and earlier text is not kept. If the
	// platform rejects an edit (message too old or deleted), a fresh
	// message is allocated and tracking continues from there
	// transparently to the caller.
	SendOrUpdateStatus(ctx context.Context, chatID, correlationID, text string, isFirst bool)

	// ClearStatus forgets the tracked message id(s) for a batch. If
	// correlationID is empty, every tracked status for chatID is cleared.
	ClearStatus(chatID, correlationID string)

	// RegisterCommands is a best-effort platform command registration; a
	// no-op for platforms without a command-catalogue concept.
	RegisterCommands(ctx context.Context, commands []Command) error

	// StartListener subscribes to the platform event stream and invokes cb
	// for every normalised inbound message.
	StartListener(ctx context.Context, cb Callback) error

	// NeedsPolling reports whether the router must also tail the
	// persistent store (pull-based adapters) or whether every inbound
	// event arrives via the listener callback and is persisted at the
	// adapter (push-based adapters).
	NeedsPolling() bool

	// PollInterval is the cadence hint for the tailing loop when
	// NeedsPolling is true.
	PollInterval() int // milliseconds
}

// Command is one entry in the platform command catalogue.
type Command struct {
	Name        string
	Description string
}
