// Package ingest implements NanoClaw's ingestion path (C3): for every
// inbound platform event, upsert chat metadata and, if the chat is
// registered, insert the message. No filtering or triggering happens here
// — that's the batch builder's job (C5). Grounded in C1's upsert
// semantics (coalesce/max chat upsert).
package ingest

import (
	"context"
	"errors"

	"github.com/hitsmaxft/nanoclaw/internal/logging"
	"github.com/hitsmaxft/nanoclaw/internal/messenger"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

// Store is the subset of *store.Store the ingestion path needs.
type Store interface {
	UpsertChat(ctx context.Context, chatID, name, lastMessageTime string) error
	GetWorkspaceByChat(ctx context.Context, chatID string) (*store.RegisteredWorkspace, error)
	InsertMessage(ctx context.Context, m store.Message) error
}

// Ingester persists every inbound event's chat metadata, and its message
// content when the chat is registered.
type Ingester struct {
	store  Store
	logger *logging.Logger
}

// New constructs an Ingester.
func New(s Store, logger *logging.Logger) *Ingester {
	return &Ingester{store: s, logger: logger}
}

// Ingest upserts chat metadata for msg.ChatID and, only if that chat is a
// registered workspace, inserts the message content. Returns whether the
// chat was registered, so callers (e.g. the router) know whether to
// enqueue it for processing.
func (i *Ingester) Ingest(ctx context.Context, msg messenger.InboundMessage) (registered bool, err error) {
	name := msg.ChatName
	if name == "" {
		name = msg.SenderDisplayName
	}
	if err := i.store.UpsertChat(ctx, msg.ChatID, name, msg.Timestamp); err != nil {
		return false, err
	}

	_, err = i.store.GetWorkspaceByChat(ctx, msg.ChatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	origin := store.OriginOther
	m := store.Message{
		MessageID:         msg.ID,
		ChatID:            msg.ChatID,
		SenderID:          msg.SenderID,
		SenderDisplayName: msg.SenderDisplayName,
		Content:           msg.Content,
		Timestamp:         msg.Timestamp,
		Origin:            origin,
	}
	if err := i.store.InsertMessage(ctx, m); err != nil {
		return true, err
	}
	return true, nil
}
