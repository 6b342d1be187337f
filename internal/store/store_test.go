package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestChatUpsertCoalesceAndMax(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertChat(ctx, "chat-1", "Alice", "2026-01-01T00:00:00Z"))
	require.NoError(t, s.UpsertChat(ctx, "chat-1", "", "2026-01-02T00:00:00Z"))

	c, err := s.GetChat(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, "Alice", c.Name, "empty new name should not overwrite the old one")
	require.Equal(t, "2026-01-02T00:00:00Z", c.LastMessageTime, "last_message_time is monotonic-max")

	require.NoError(t, s.UpsertChat(ctx, "chat-1", "Alice B", "2025-12-31T00:00:00Z"))
	c, err = s.GetChat(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, "Alice B", c.Name)
	require.Equal(t, "2026-01-02T00:00:00Z", c.LastMessageTime, "older timestamp must not regress the high-watermark")
}

func TestGetNewMessagesFiltersBotPrefixAndOrdersByTimestamp(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertChat(ctx, "G", "group", ""))

	msgs := []Message{
		{MessageID: "m2", ChatID: "G", Content: "second", Timestamp: "2026-01-01T00:00:02Z", Origin: OriginOther},
		{MessageID: "m1", ChatID: "G", Content: "first", Timestamp: "2026-01-01T00:00:01Z", Origin: OriginOther},
		{MessageID: "m3", ChatID: "G", Content: "Andy: echo", Timestamp: "2026-01-01T00:00:03Z", Origin: OriginBot},
	}
	for _, m := range msgs {
		require.NoError(t, s.InsertMessage(ctx, m))
	}

	got, maxTS, err := s.GetNewMessages(ctx, []string{"G"}, "", "Andy:")
	require.NoError(t, err)
	require.Len(t, got, 2, "bot-prefixed echo must be excluded")
	require.Equal(t, "m1", got[0].MessageID)
	require.Equal(t, "m2", got[1].MessageID)
	require.Equal(t, "2026-01-01T00:00:02Z", maxTS)
}

func TestInsertMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertChat(ctx, "G", "group", ""))

	m := Message{MessageID: "m1", ChatID: "G", Content: "hi", Timestamp: "2026-01-01T00:00:01Z", Origin: OriginOther}
	require.NoError(t, s.InsertMessage(ctx, m))
	require.NoError(t, s.InsertMessage(ctx, m))

	got, _, err := s.GetNewMessages(ctx, []string{"G"}, "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestCreateWorkspaceEnforcesMainUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateWorkspace(ctx, RegisteredWorkspace{
		ChatID: "p1", Folder: "main", IsMainSession: true, AddedAt: "2026-01-01T00:00:00Z", AllowedUsers: []string{"u1"},
	}))

	err := s.CreateWorkspace(ctx, RegisteredWorkspace{
		ChatID: "p2", Folder: "main-2", IsMainSession: true, AddedAt: "2026-01-01T00:00:01Z",
	})
	require.ErrorIs(t, err, ErrMainWorkspaceExists)

	main, err := s.GetMainWorkspace(ctx)
	require.NoError(t, err)
	require.Equal(t, "p1", main.ChatID)
	require.Equal(t, []string{"u1"}, main.AllowedUsers)
}

func TestAgentCursorAdvancesMonotonically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AdvanceAgentCursor(ctx, "G", "2026-01-01T00:00:02Z"))
	require.NoError(t, s.AdvanceAgentCursor(ctx, "G", "2026-01-01T00:00:01Z"))

	ts, err := s.GetAgentCursor(ctx, "G")
	require.NoError(t, err)
	require.Equal(t, "2026-01-01T00:00:02Z", ts, "an older timestamp must not regress the per-chat cursor")
}

func TestGetDueTasksOrdersByNextRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	later := "2026-01-01T01:00:00Z"
	earlier := "2026-01-01T00:00:00Z"
	future := "2099-01-01T00:00:00Z"

	require.NoError(t, s.CreateTask(ctx, ScheduledTask{
		ID: "t-later", WorkspaceFolder: "main", ChatID: "c", Prompt: "p",
		ScheduleKind: ScheduleOnce, ScheduleValue: later, ContextMode: ContextIsolated,
		NextRun: &later, Status: TaskActive,
	}))
	require.NoError(t, s.CreateTask(ctx, ScheduledTask{
		ID: "t-earlier", WorkspaceFolder: "main", ChatID: "c", Prompt: "p",
		ScheduleKind: ScheduleOnce, ScheduleValue: earlier, ContextMode: ContextIsolated,
		NextRun: &earlier, Status: TaskActive,
	}))
	require.NoError(t, s.CreateTask(ctx, ScheduledTask{
		ID: "t-future", WorkspaceFolder: "main", ChatID: "c", Prompt: "p",
		ScheduleKind: ScheduleOnce, ScheduleValue: future, ContextMode: ContextIsolated,
		NextRun: &future, Status: TaskActive,
	}))

	due, err := s.GetDueTasks(ctx, "2026-01-01T12:00:00Z")
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "t-earlier", due[0].ID)
	require.Equal(t, "t-later", due[1].ID)
}

func TestSetTaskStatusCancelDeletesRunLogs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateTask(ctx, ScheduledTask{
		ID: "t1", WorkspaceFolder: "main", ChatID: "c", Prompt: "p",
		ScheduleKind: ScheduleOnce, ScheduleValue: "2026-01-01T00:00:00Z", ContextMode: ContextIsolated,
		Status: TaskActive,
	}))
	require.NoError(t, s.AppendTaskRunLog(ctx, TaskRunLog{TaskID: "t1", RunAt: "2026-01-01T00:00:00Z", Outcome: "success"}))

	require.NoError(t, s.SetTaskStatus(ctx, "t1", TaskCompleted))

	logs, err := s.ListTaskRunLogs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Empty(t, logs)
}
