package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hitsmaxft/nanoclaw/internal/logging"
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

func TestBuildReturnsNoneWithoutUnprocessedMessages(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	require.NoError(t, s.CreateWorkspace(ctx, store.RegisteredWorkspace{ChatID: "c1", Folder: "ws1", IsMainSession: true, AddedAt: "t0"}))

	b := New(s, Config{MainWorkspaceFolder: "main"}, testLogger(t))
	result, err := b.Build(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, KindNone, result.Kind)
}

func TestBuildGatesUntriggeredGroupChat(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	require.NoError(t, s.CreateWorkspace(ctx, store.RegisteredWorkspace{
		ChatID: "g1", Folder: "group-1", TriggerWord: "andy", RequiresTrigger: true, AddedAt: "t0",
	}))
	require.NoError(t, s.InsertMessage(ctx, store.Message{
		MessageID: "m1", ChatID: "g1", Content: "just chatting, no trigger here", Timestamp: "t1", Origin: store.OriginOther,
	}))

	b := New(s, Config{MainWorkspaceFolder: "main"}, testLogger(t))
	result, err := b.Build(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, KindGated, result.Kind)

	cursor, err := s.GetAgentCursor(ctx, "g1")
	require.NoError(t, err)
	require.Empty(t, cursor, "a gated batch must not advance the agent cursor")
}

func TestBuildReadiesTriggeredGroupChat(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	require.NoError(t, s.CreateWorkspace(ctx, store.RegisteredWorkspace{
		ChatID: "g1", Folder: "group-1", TriggerWord: "andy", RequiresTrigger: true, AddedAt: "t0",
	}))
	require.NoError(t, s.InsertMessage(ctx, store.Message{
		MessageID: "m1", ChatID: "g1", SenderDisplayName: "Bob", Content: "andy, what's up?", Timestamp: "t1", Origin: store.OriginOther,
	}))

	b := New(s, Config{MainWorkspaceFolder: "main"}, testLogger(t))
	result, err := b.Build(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, KindReady, result.Kind)
	require.Equal(t, "t1", result.LastTimestamp)
	require.Contains(t, result.Prompt, "andy, what's up?")
	require.Contains(t, result.Prompt, `sender="Bob"`)
}

func TestBuildInterceptsRegisteredCommand(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	require.NoError(t, s.CreateWorkspace(ctx, store.RegisteredWorkspace{ChatID: "c1", Folder: "ws1", IsMainSession: true, AddedAt: "t0"}))
	require.NoError(t, s.PutSession(ctx, "ws1", "handle-1", "t0"))
	require.NoError(t, s.InsertMessage(ctx, store.Message{MessageID: "m1", ChatID: "c1", Content: "/new", Timestamp: "t1", Origin: store.OriginOther}))

	b := New(s, Config{MainWorkspaceFolder: "main"}, testLogger(t))
	result, err := b.Build(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, KindCommandHandled, result.Kind)
	require.Contains(t, result.Reply, "cleared")

	_, err = s.GetSession(ctx, "ws1")
	require.ErrorIs(t, err, store.ErrNotFound, "/new must clear the session")
}

func TestBuildDropsMessagesFromSendersNotInAllowedUsers(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	require.NoError(t, s.CreateWorkspace(ctx, store.RegisteredWorkspace{
		ChatID: "p1", Folder: "main", IsMainSession: true, AddedAt: "t0", AllowedUsers: []string{"u1"},
	}))
	require.NoError(t, s.InsertMessage(ctx, store.Message{
		MessageID: "m1", ChatID: "p1", SenderID: "u2", Content: "hi from an intruder", Timestamp: "t1", Origin: store.OriginOther,
	}))

	b := New(s, Config{MainWorkspaceFolder: "main"}, testLogger(t))
	result, err := b.Build(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, KindNone, result.Kind, "a message from a sender outside allowed_users must never reach the agent")
}

func TestBuildAllowsMessagesFromSenderInAllowedUsers(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	require.NoError(t, s.CreateWorkspace(ctx, store.RegisteredWorkspace{
		ChatID: "p1", Folder: "main", IsMainSession: true, AddedAt: "t0", AllowedUsers: []string{"u1"},
	}))
	require.NoError(t, s.InsertMessage(ctx, store.Message{
		MessageID: "m1", ChatID: "p1", SenderID: "u1", Content: "hi", Timestamp: "t1", Origin: store.OriginOther,
	}))

	b := New(s, Config{MainWorkspaceFolder: "main"}, testLogger(t))
	result, err := b.Build(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, KindReady, result.Kind)
}

func TestBuildFiltersDisallowedSenderOutOfMixedBatch(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	require.NoError(t, s.CreateWorkspace(ctx, store.RegisteredWorkspace{
		ChatID: "p1", Folder: "main", IsMainSession: true, AddedAt: "t0", AllowedUsers: []string{"u1"},
	}))
	require.NoError(t, s.InsertMessage(ctx, store.Message{
		MessageID: "m1", ChatID: "p1", SenderID: "u2", Content: "intruder", Timestamp: "t1", Origin: store.OriginOther,
	}))
	require.NoError(t, s.InsertMessage(ctx, store.Message{
		MessageID: "m2", ChatID: "p1", SenderID: "u1", Content: "the real owner", Timestamp: "t2", Origin: store.OriginOther,
	}))

	b := New(s, Config{MainWorkspaceFolder: "main"}, testLogger(t))
	result, err := b.Build(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, KindReady, result.Kind)
	require.Contains(t, result.Prompt, "the real owner")
	require.NotContains(t, result.Prompt, "intruder")
}

func TestBuildInterceptsTriggerCommand(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	require.NoError(t, s.CreateWorkspace(ctx, store.RegisteredWorkspace{
		ChatID: "g1", Folder: "group-1", TriggerWord: "andy", RequiresTrigger: true, AddedAt: "t0",
	}))
	require.NoError(t, s.InsertMessage(ctx, store.Message{MessageID: "m1", ChatID: "g1", Content: "/trigger hey-bot", Timestamp: "t1", Origin: store.OriginOther}))

	b := New(s, Config{MainWorkspaceFolder: "main"}, testLogger(t))
	result, err := b.Build(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, KindCommandHandled, result.Kind)
	require.Contains(t, result.Reply, "hey-bot")

	ws, err := s.GetWorkspaceByFolder(ctx, "group-1")
	require.NoError(t, err)
	require.Equal(t, "hey-bot", ws.TriggerWord)
}

func TestBuildTriggerCommandWithoutArgsIsUsageError(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	require.NoError(t, s.CreateWorkspace(ctx, store.RegisteredWorkspace{
		ChatID: "g1", Folder: "group-1", TriggerWord: "andy", RequiresTrigger: true, AddedAt: "t0",
	}))
	require.NoError(t, s.InsertMessage(ctx, store.Message{MessageID: "m1", ChatID: "g1", Content: "/trigger", Timestamp: "t1", Origin: store.OriginOther}))

	b := New(s, Config{MainWorkspaceFolder: "main"}, testLogger(t))
	result, err := b.Build(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, KindCommandHandled, result.Kind)
	require.Contains(t, result.Reply, "Usage")

	ws, err := s.GetWorkspaceByFolder(ctx, "group-1")
	require.NoError(t, err)
	require.Equal(t, "andy", ws.TriggerWord, "an empty /trigger must leave the existing trigger word untouched")
}

func TestSanitizeFolderCollapsesAndTrims(t *testing.T) {
	require.Equal(t, "my-cool-group", SanitizeFolder("My Cool --- Group!!"))
	require.Equal(t, "abc", SanitizeFolder("  abc  "))
	require.NotEmpty(t, SanitizeFolder("!!!"))
}

func TestRenderXMLEscapesAttributesAndBody(t *testing.T) {
	xml := RenderXML([]store.Message{
		{SenderDisplayName: `A & "B"`, Timestamp: "t1", Content: "<script>x</script>"},
	})
	require.Contains(t, xml, "&amp;")
	require.Contains(t, xml, "&quot;")
	require.Contains(t, xml, "&lt;script&gt;")
	require.NotContains(t, xml, "<script>x</script>")
}
