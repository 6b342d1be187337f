// Package batch implements NanoClaw's batch builder & command layer (C5):
// for a chat about to run, it collects unprocessed messages since the
// per-chat agent cursor, filters by the trigger policy, and intercepts
// in-band slash commands. New package, grounded in C1's query contracts
// and spec.md §4.5's XML batch format.
package batch

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hitsmaxft/nanoclaw/internal/logging"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

// Store is the subset of *store.Store the batch layer needs.
type Store interface {
	GetChat(ctx context.Context, chatID string) (*store.Chat, error)
	GetWorkspaceByChat(ctx context.Context, chatID string) (*store.RegisteredWorkspace, error)
	GetWorkspaceByFolder(ctx context.Context, folder string) (*store.RegisteredWorkspace, error)
	GetMainWorkspace(ctx context.Context) (*store.RegisteredWorkspace, error)
	CreateWorkspace(ctx context.Context, w store.RegisteredWorkspace) error
	ListWorkspaces(ctx context.Context) ([]*store.RegisteredWorkspace, error)
	GetMessagesSince(ctx context.Context, chatID, cursor, botPrefix string) ([]store.Message, error)
	GetAgentCursor(ctx context.Context, chatID string) (string, error)
	AdvanceAgentCursor(ctx context.Context, chatID, ts string) error
	ClearSession(ctx context.Context, folder string) error
	UpdateWorkspaceTrigger(ctx context.Context, chatID, trigger string) error
}

// Kind discriminates what Build decided for a chat.
type Kind int

const (
	// KindNone means there was nothing unprocessed to do.
	KindNone Kind = iota
	// KindCommandHandled means an in-band command ran synchronously; Reply
	// (if non-empty) should be sent back and no agent is spawned.
	KindCommandHandled
	// KindGated means a non-main, triggered group chat had no message
	// matching its trigger; the cursor is left unchanged so the untriggered
	// context rejoins the next batch.
	KindGated
	// KindReady means a prompt is built and ready for the agent dispatcher.
	KindReady
)

// Result is what Build returns for one chat's pending work.
type Result struct {
	Kind          Kind
	Reply         string
	Workspace     *store.RegisteredWorkspace
	Prompt        string
	CorrelationID string
	LastTimestamp string
	Messages      []store.Message
}

// Config tunes the trigger fallback and bot-echo filtering.
type Config struct {
	BotPrefix             string
	DefaultTriggerPattern string
	MainWorkspaceFolder   string
}

// Builder is the batch builder & command layer.
type Builder struct {
	store  Store
	cfg    Config
	logger *logging.Logger
}

// New constructs a Builder.
func New(s Store, cfg Config, logger *logging.Logger) *Builder {
	return &Builder{store: s, cfg: cfg, logger: logger}
}

// Build loads chatID's unprocessed messages, intercepts commands, applies
// the trigger gate, and shapes the remaining messages into an agent
// prompt. Called by C4's worker once per batch.
func (b *Builder) Build(ctx context.Context, chatID string) (*Result, error) {
	ws, err := b.store.GetWorkspaceByChat(ctx, chatID)
	if err != nil {
		if err == store.ErrNotFound {
			return &Result{Kind: KindNone}, nil
		}
		return nil, err
	}

	cursor, err := b.store.GetAgentCursor(ctx, chatID)
	if err != nil {
		return nil, err
	}

	messages, err := b.store.GetMessagesSince(ctx, chatID, cursor, b.cfg.BotPrefix)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return &Result{Kind: KindNone}, nil
	}

	messages = b.filterAllowedSenders(chatID, ws, messages)
	if len(messages) == 0 {
		return &Result{Kind: KindNone}, nil
	}

	if cmd, args, ok := parseCommand(messages[0].Content); ok {
		reply, handled, err := b.dispatchCommand(ctx, ws, messages[0], cmd, args)
		if err != nil {
			return nil, err
		}
		if handled {
			if err := b.store.AdvanceAgentCursor(ctx, chatID, messages[len(messages)-1].Timestamp); err != nil {
				return nil, err
			}
			return &Result{Kind: KindCommandHandled, Reply: reply, Workspace: ws}, nil
		}
	}

	if b.gated(ws, messages) {
		return &Result{Kind: KindGated, Workspace: ws}, nil
	}

	prompt := RenderXML(messages)
	return &Result{
		Kind:          KindReady,
		Workspace:     ws,
		Prompt:        prompt,
		CorrelationID: messages[0].MessageID,
		LastTimestamp: messages[len(messages)-1].Timestamp,
		Messages:      messages,
	}, nil
}

// filterAllowedSenders enforces spec.md §3's RegisteredWorkspace.allowed_users
// invariant: "when present and the chat is 1-to-1, only those senders may
// interact." allowed_users is only ever populated for private-chat
// registrations (see register() in commands.go), so a non-empty set here
// already implies the 1-to-1 condition. Messages from any other sender are
// dropped from the batch before commands are parsed or the trigger gate
// runs, so a disallowed sender can neither issue /register-style commands
// nor contribute content to the agent prompt.
func (b *Builder) filterAllowedSenders(chatID string, ws *store.RegisteredWorkspace, messages []store.Message) []store.Message {
	if len(ws.AllowedUsers) == 0 {
		return messages
	}
	allowed := make(map[string]struct{}, len(ws.AllowedUsers))
	for _, u := range ws.AllowedUsers {
		allowed[u] = struct{}{}
	}

	filtered := messages[:0:0]
	for _, m := range messages {
		if _, ok := allowed[m.SenderID]; ok {
			filtered = append(filtered, m)
			continue
		}
		b.logger.WithChat(chatID).Warn("batch: dropping message from sender not in allowed_users")
	}
	return filtered
}

// gated implements spec.md §4.5 step 3: for non-main, non-private chats
// with requires_trigger != false, the batch only proceeds if at least one
// message matches the workspace's trigger (falling back to the configured
// global pattern when the workspace's own trigger is empty, per
// SPEC_FULL.md's open-question decision).
func (b *Builder) gated(ws *store.RegisteredWorkspace, messages []store.Message) bool {
	if ws.IsMainSession || ws.Folder == b.cfg.MainWorkspaceFolder || !ws.RequiresTrigger || len(ws.AllowedUsers) > 0 {
		return false
	}

	pattern := ws.TriggerWord
	if pattern == "" {
		pattern = b.cfg.DefaultTriggerPattern
	}
	if pattern == "" {
		return false
	}

	re, err := compileTrigger(pattern)
	if err != nil {
		b.logger.WithError(err).Warn("batch: invalid trigger pattern, treating as ungated")
		return false
	}
	for _, m := range messages {
		if re.MatchString(m.Content) {
			return false
		}
	}
	return true
}

// compileTrigger builds a case-insensitive, start-anchored, word-boundary
// matcher from a plain trigger word. If pattern already looks like a
// regex (contains metacharacters beyond a leading "@"), it is used as-is.
func compileTrigger(pattern string) (*regexp.Regexp, error) {
	if looksLikeRegex(pattern) {
		return regexp.Compile("(?i)" + pattern)
	}
	escaped := regexp.QuoteMeta(pattern)
	return regexp.Compile(`(?i)^\s*` + escaped + `\b`)
}

func looksLikeRegex(p string) bool {
	for _, c := range p {
		switch c {
		case '^', '$', '*', '+', '?', '(', ')', '[', ']', '\\', '|':
			return true
		}
	}
	return false
}

// RenderXML shapes messages as spec.md §4.5's
// <messages><message sender="…" time="…">…</message>…</messages> batch
// prompt, with XML-escaped attributes and bodies.
func RenderXML(messages []store.Message) string {
	var sb strings.Builder
	sb.WriteString("<messages>")
	for _, m := range messages {
		sb.WriteString(fmt.Sprintf(
			`<message sender=%q time=%q>`,
			escapeAttr(m.SenderDisplayName), escapeAttr(m.Timestamp),
		))
		sb.WriteString(escapeBody(m.Content))
		sb.WriteString("</message>")
	}
	sb.WriteString("</messages>")
	return sb.String()
}

func escapeAttr(s string) string {
	r := strings.NewReplacer(`&`, "&amp;", `"`, "&quot;", `<`, "&lt;", `>`, "&gt;")
	return r.Replace(s)
}

func escapeBody(s string) string {
	r := strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;")
	return r.Replace(s)
}

// SanitizeFolder derives a filesystem-safe folder name from a candidate
// string: lowercased, runs of dashes and of characters outside [a-z0-9]
// collapsed to a single "-", and
// leading/trailing dashes trimmed. Falls back to a timestamp-derived
// synthetic name if nothing usable remains.
func SanitizeFolder(candidate string) string {
	lower := strings.ToLower(candidate)
	var sb strings.Builder
	lastDash := false
	for _, r := range lower {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
		if ok {
			if r == '-' && lastDash {
				continue
			}
			sb.WriteRune(r)
			lastDash = r == '-'
			continue
		}
		if !lastDash && sb.Len() > 0 {
			sb.WriteByte('-')
			lastDash = true
		}
	}
	folder := strings.Trim(sb.String(), "-")
	if folder == "" {
		return "workspace-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return folder
}
