// Package status implements NanoClaw's status relay (C7): for each batch,
// at most one platform message exists, built by coalescing a running
// agent's stderr STATUS: lines into edit-in-place updates. New package,
// grounded in the callback-injection style of the teacher's StreamCallbacks
// struct (internal/agent/lifecycle/manager.go).
package status

import (
	"context"
	"sync"
	"time"

	"github.com/hitsmaxft/nanoclaw/internal/logging"
)

// Sender is the subset of messenger.Messenger the relay needs.
type Sender interface {
	SendOrUpdateStatus(ctx context.Context, chatID, correlationID, text string, isFirst bool)
	ClearStatus(chatID, correlationID string)
}

type trackerKey struct {
	chatID        string
	correlationID string
}

type tracker struct {
	lastText string
	lastSent time.Time
	started  bool
}

// Relay debounces STATUS: lines per batch and maintains at most one
// in-flight platform status message per (chatID, correlationID).
type Relay struct {
	sender   Sender
	debounce time.Duration
	logger   *logging.Logger

	mu       sync.Mutex
	trackers map[trackerKey]*tracker
}

// New constructs a Relay. debounce is the coalescing window (default 2s
// per spec.md §4.7 if zero is passed).
func New(sender Sender, debounce time.Duration, logger *logging.Logger) *Relay {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Relay{
		sender:   sender,
		debounce: debounce,
		logger:   logger,
		trackers: make(map[trackerKey]*tracker),
	}
}

// Line handles one STATUS: line for a batch: identical lines, or lines
// arriving within the debounce window of the previous update, are
// coalesced (dropped) rather than sent.
func (r *Relay) Line(ctx context.Context, chatID, correlationID, line string) {
	key := trackerKey{chatID: chatID, correlationID: correlationID}

	r.mu.Lock()
	t, ok := r.trackers[key]
	if !ok {
		t = &tracker{}
		r.trackers[key] = t
	}
	now := time.Now()
	if t.started && t.lastText == line {
		r.mu.Unlock()
		return
	}
	if t.started && now.Sub(t.lastSent) < r.debounce {
		r.mu.Unlock()
		return
	}
	isFirst := !t.started
	t.started = true
	t.lastText = line
	t.lastSent = now
	r.mu.Unlock()

	r.sender.SendOrUpdateStatus(ctx, chatID, correlationID, "⏳ "+line, isFirst)
}

// Done marks the batch complete, either overwriting the status with a
// terminal error string (errText non-empty) or simply clearing the
// relay's tracking so the next batch starts fresh.
func (r *Relay) Done(ctx context.Context, chatID, correlationID, errText string) {
	if errText != "" {
		r.sender.SendOrUpdateStatus(ctx, chatID, correlationID, "⚠️ "+errText, false)
	}
	r.sender.ClearStatus(chatID, correlationID)

	r.mu.Lock()
	delete(r.trackers, trackerKey{chatID: chatID, correlationID: correlationID})
	r.mu.Unlock()
}
