package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hitsmaxft/nanoclaw/internal/config"
	"github.com/hitsmaxft/nanoclaw/internal/logging"
	"github.com/hitsmaxft/nanoclaw/internal/queue"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

type fakeDispatchStore struct {
	sessions map[string]string
	cursors  map[string]string
}

func newFakeDispatchStore() *fakeDispatchStore {
	return &fakeDispatchStore{sessions: map[string]string{}, cursors: map[string]string{}}
}

func (f *fakeDispatchStore) ListTasksForWorkspace(context.Context, string) ([]*store.ScheduledTask, error) {
	return nil, nil
}
func (f *fakeDispatchStore) ListChats(context.Context) ([]*store.Chat, error) { return nil, nil }
func (f *fakeDispatchStore) ListWorkspaces(context.Context) ([]*store.RegisteredWorkspace, error) {
	return nil, nil
}
func (f *fakeDispatchStore) GetSession(_ context.Context, folder string) (*store.Session, error) {
	h, ok := f.sessions[folder]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.Session{Folder: folder, SessionHandle: h}, nil
}
func (f *fakeDispatchStore) PutSession(_ context.Context, folder, handle, _ string) error {
	f.sessions[folder] = handle
	return nil
}
func (f *fakeDispatchStore) AdvanceAgentCursor(_ context.Context, chatID, ts string) error {
	f.cursors[chatID] = ts
	return nil
}

type fakeDispatchSender struct{ sent []string }

func (f *fakeDispatchSender) Send(_ context.Context, _, text string) { f.sent = append(f.sent, text) }

func testDispatchLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(logging.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func newTestDispatcher(t *testing.T, st Store, sender Sender) *Dispatcher {
	t.Helper()
	return NewDispatcher(nil, st, sender, nil, nil, nil, config.AgentConfig{}, config.DockerConfig{}, t.TempDir(), "Andy", testDispatchLogger(t))
}

func TestClassifyTimeoutAlwaysRetries(t *testing.T) {
	d := newTestDispatcher(t, newFakeDispatchStore(), &fakeDispatchSender{})
	ws := &store.RegisteredWorkspace{Folder: "ws1"}

	outcome, errText := d.classify(context.Background(), "c1", ws, DispatchRequest{}, nil, false, 0, nil, true)
	require.Equal(t, queue.OutcomeRetry, outcome)
	require.NotEmpty(t, errText)
}

func TestClassifyNoPayloadRetries(t *testing.T) {
	d := newTestDispatcher(t, newFakeDispatchStore(), &fakeDispatchSender{})
	ws := &store.RegisteredWorkspace{Folder: "ws1"}

	outcome, _ := d.classify(context.Background(), "c1", ws, DispatchRequest{}, nil, false, 0, nil, false)
	require.Equal(t, queue.OutcomeRetry, outcome)
}

func TestClassifySuccessSendsMessageAndAdvancesCursor(t *testing.T) {
	st := newFakeDispatchStore()
	sender := &fakeDispatchSender{}
	d := newTestDispatcher(t, st, sender)
	ws := &store.RegisteredWorkspace{Folder: "ws1"}

	out := &Output{
		Status:       "success",
		NewSessionID: "sess-123",
		Result:       &Result{OutputType: OutputMessage, UserMessage: "done!"},
	}
	outcome, errText := d.classify(context.Background(), "c1", ws, DispatchRequest{LastTimestamp: "t9"}, out, true, 0, nil, false)

	require.Equal(t, queue.OutcomeOK, outcome)
	require.Empty(t, errText)
	require.Len(t, sender.sent, 1)
	require.Contains(t, sender.sent[0], "done!")
	require.Equal(t, "sess-123", st.sessions["ws1"])
	require.Equal(t, "t9", st.cursors["c1"])
}

func TestClassifyPartialResultWithoutStatusCountsAsSuccess(t *testing.T) {
	d := newTestDispatcher(t, newFakeDispatchStore(), &fakeDispatchSender{})
	ws := &store.RegisteredWorkspace{Folder: "ws1"}

	out := &Output{Result: &Result{OutputType: OutputLog}}
	outcome, _ := d.classify(context.Background(), "c1", ws, DispatchRequest{}, out, true, 1, nil, false)
	require.Equal(t, queue.OutcomeOK, outcome)
}

func TestClassifyErrorStatusRetriesWithMessage(t *testing.T) {
	d := newTestDispatcher(t, newFakeDispatchStore(), &fakeDispatchSender{})
	ws := &store.RegisteredWorkspace{Folder: "ws1"}

	out := &Output{Status: "error", Error: "the model refused"}
	outcome, errText := d.classify(context.Background(), "c1", ws, DispatchRequest{}, out, true, 1, nil, false)
	require.Equal(t, queue.OutcomeRetry, outcome)
	require.Equal(t, "the model refused", errText)
}
