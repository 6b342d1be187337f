package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hitsmaxft/nanoclaw/internal/messenger"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

const helpText = `Available commands:
/help — show this message
/new — start a fresh session for this chat
/register [folder] — register this chat as a workspace
/trigger <word> — set the word that wakes this workspace in a group chat`

// parseCommand recognises an in-band slash command at the start of
// content. Matching is case-insensitive on the command token per
// spec.md §6.
func parseCommand(content string) (cmd string, args string, ok bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	fields := strings.SplitN(trimmed, " ", 2)
	cmd = strings.ToLower(fields[0])
	if len(fields) > 1 {
		args = strings.TrimSpace(fields[1])
	}
	switch cmd {
	case "/help", "/new", "/register", "/trigger":
		return cmd, args, true
	default:
		return "", "", false
	}
}

// dispatchCommand runs a recognised command against an already-registered
// workspace. Returns handled=false for a command this layer doesn't
// recognise (so the caller falls through to normal batch processing).
func (b *Builder) dispatchCommand(ctx context.Context, ws *store.RegisteredWorkspace, first store.Message, cmd, args string) (reply string, handled bool, err error) {
	switch cmd {
	case "/help":
		return helpText, true, nil
	case "/new":
		if err := b.store.ClearSession(ctx, ws.Folder); err != nil {
			return "", true, err
		}
		return "Session cleared. Starting fresh next time.", true, nil
	case "/register":
		return fmt.Sprintf("This chat is already registered as workspace %q.", ws.Folder), true, nil
	case "/trigger":
		return b.setTrigger(ctx, ws, args)
	default:
		return "", false, nil
	}
}

// setTrigger implements /trigger, the registration-time-edit path
// UpdateWorkspaceTrigger was added for: a registered workspace's trigger
// word can drift after registration (e.g. a group renames its bot, or
// /register's global-pattern fallback per SPEC_FULL.md's open question
// turns out to be too noisy for a given group) without re-registering.
func (b *Builder) setTrigger(ctx context.Context, ws *store.RegisteredWorkspace, args string) (string, bool, error) {
	word := strings.TrimSpace(args)
	if word == "" {
		return "Usage: /trigger <word>", true, nil
	}
	if err := b.store.UpdateWorkspaceTrigger(ctx, ws.ChatID, word); err != nil {
		return "", true, err
	}
	return fmt.Sprintf("Trigger word set to %q.", word), true, nil
}

// HandleUnregistered processes an in-band command arriving on a chat with
// no workspace yet. spec.md §4.5 explicitly allows /register here, and
// since C3 never persists messages for an unregistered chat there is
// nothing in the store to batch over — this is the one command-layer
// entry point that operates on the live inbound event instead of stored
// messages, invoked directly by the router ahead of C4 enqueue.
func (b *Builder) HandleUnregistered(ctx context.Context, msg messenger.InboundMessage) (reply string, handled bool, err error) {
	cmd, args, ok := parseCommand(msg.Content)
	if !ok {
		return "", false, nil
	}
	switch cmd {
	case "/help":
		return helpText, true, nil
	case "/new":
		return "This chat isn't registered yet. Send /register first.", true, nil
	case "/register":
		return b.register(ctx, msg, args)
	default:
		return "", false, nil
	}
}

// register implements spec.md §4.5 step 2: folder name precedence is
// explicit argument, then the chat's stored display name sanitised to
// [a-z0-9-]+, then a synthetic name. A private chat becomes the main
// session if none exists yet; otherwise it's a normal workspace. Private
// registrations record the sender as the sole allowed user.
func (b *Builder) register(ctx context.Context, msg messenger.InboundMessage, folderArg string) (string, bool, error) {
	candidate := folderArg
	if candidate == "" {
		if chat, err := b.store.GetChat(ctx, msg.ChatID); err == nil && chat != nil && chat.Name != "" {
			candidate = chat.Name
		} else {
			candidate = msg.ChatName
		}
	}
	folder := SanitizeFolder(candidate)

	if existing, err := b.store.GetWorkspaceByFolder(ctx, folder); err == nil {
		folder = SanitizeFolder(existing.Folder + "-" + msg.ChatID)
	} else if err != store.ErrNotFound {
		return "", true, err
	}

	isPrivate := msg.ChatType == messenger.ChatPrivate
	isMain := false
	var allowedUsers []string

	if isPrivate {
		if _, err := b.store.GetMainWorkspace(ctx); err == store.ErrNotFound {
			isMain = true
			folder = b.cfg.MainWorkspaceFolder
		} else if err != nil {
			return "", true, err
		}
		allowedUsers = []string{msg.SenderID}
	}

	ws := store.RegisteredWorkspace{
		ChatID:          msg.ChatID,
		DisplayName:     msg.ChatName,
		Folder:          folder,
		TriggerWord:     "", // falls back to the global pattern; see SPEC_FULL.md open question
		RequiresTrigger: true,
		IsMainSession:   isMain,
		AllowedUsers:    allowedUsers,
		AddedAt:         time.Now().UTC().Format(time.RFC3339Nano),
	}

	if err := b.store.CreateWorkspace(ctx, ws); err != nil {
		if err == store.ErrMainWorkspaceExists {
			return "A main session is already registered elsewhere.", true, nil
		}
		return "", true, err
	}

	if isMain {
		return fmt.Sprintf("Registered as the main session (workspace %q).", folder), true, nil
	}
	return fmt.Sprintf("Registered workspace %q.", folder), true, nil
}
