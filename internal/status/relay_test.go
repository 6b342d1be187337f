package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hitsmaxft/nanoclaw/internal/logging"
)

type call struct {
	chatID, correlationID, text string
	isFirst                     bool
}

type fakeSender struct {
	mu      sync.Mutex
	updates []call
	cleared []trackerKey
}

func (f *fakeSender) SendOrUpdateStatus(_ context.Context, chatID, correlationID, text string, isFirst bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, call{chatID, correlationID, text, isFirst})
}

func (f *fakeSender) ClearStatus(chatID, correlationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, trackerKey{chatID, correlationID})
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(logging.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func TestLineSendsFirstUpdateImmediately(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, time.Hour, testLogger(t))

	r.Line(context.Background(), "c1", "corr1", "working on it")

	require.Len(t, sender.updates, 1)
	require.True(t, sender.updates[0].isFirst)
	require.Equal(t, "⏳ working on it", sender.updates[0].text)
}

func TestLineDebouncesWithinWindow(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, time.Hour, testLogger(t))

	r.Line(context.Background(), "c1", "corr1", "step one")
	r.Line(context.Background(), "c1", "corr1", "step two")

	require.Len(t, sender.updates, 1, "a second distinct line inside the debounce window should be coalesced")
}

func TestLineSkipsIdenticalRepeats(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, 0, testLogger(t)) // debounce defaults to 2s but identical text always collapses

	r.Line(context.Background(), "c1", "corr1", "same line")
	r.Line(context.Background(), "c1", "corr1", "same line")

	require.Len(t, sender.updates, 1)
}

func TestDoneClearsTrackingAndSendsErrorWhenPresent(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, time.Hour, testLogger(t))

	r.Line(context.Background(), "c1", "corr1", "working")
	r.Done(context.Background(), "c1", "corr1", "boom")

	require.Len(t, sender.cleared, 1)
	require.Len(t, sender.updates, 2)
	require.Equal(t, "⚠️ boom", sender.updates[1].text)

	// A subsequent Line for the same key starts fresh (isFirst again).
	r.Line(context.Background(), "c1", "corr1", "working again")
	require.True(t, sender.updates[2].isFirst)
}
