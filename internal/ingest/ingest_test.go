package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hitsmaxft/nanoclaw/internal/logging"
	"github.com/hitsmaxft/nanoclaw/internal/messenger"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(logging.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIngestUnregisteredChatUpsertsButDoesNotPersistMessage(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	ing := New(s, testLogger(t))

	registered, err := ing.Ingest(ctx, messenger.InboundMessage{
		ID: "m1", ChatID: "c1", SenderDisplayName: "Alice", Content: "hi", Timestamp: "t1", ChatName: "Alice's Chat",
	})
	require.NoError(t, err)
	require.False(t, registered)

	c, err := s.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Alice's Chat", c.Name)

	msgs, err := s.GetMessagesSince(ctx, "c1", "", "")
	require.NoError(t, err)
	require.Empty(t, msgs, "unregistered chats must not have their messages persisted")
}

func TestIngestRegisteredChatPersistsMessage(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	require.NoError(t, s.CreateWorkspace(ctx, store.RegisteredWorkspace{ChatID: "c1", Folder: "ws1", IsMainSession: true, AddedAt: "t0"}))
	ing := New(s, testLogger(t))

	registered, err := ing.Ingest(ctx, messenger.InboundMessage{
		ID: "m1", ChatID: "c1", SenderDisplayName: "Alice", Content: "hi", Timestamp: "t1",
	})
	require.NoError(t, err)
	require.True(t, registered)

	msgs, err := s.GetMessagesSince(ctx, "c1", "", "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Content)
}

func TestIngestFallsBackToSenderNameWhenChatNameEmpty(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	ing := New(s, testLogger(t))

	_, err := ing.Ingest(ctx, messenger.InboundMessage{
		ID: "m1", ChatID: "c1", SenderDisplayName: "Bob", Content: "hi", Timestamp: "t1",
	})
	require.NoError(t, err)

	c, err := s.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Bob", c.Name)
}
