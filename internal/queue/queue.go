// Package queue implements NanoClaw's per-chat work queue (C4): strict
// serialisation within a chat, bounded parallelism across chats, tracking
// of the active subprocess for cancellation, and capped exponential-backoff
// retry. Restructured from the teacher's global container/heap priority
// queue (internal/orchestrator/queue/queue.go, kept in-tree as
// queue_seed.go during the build phase) into a map keyed per chat_id, since
// spec.md §4.4 requires per-chat state rather than a single shared heap.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hitsmaxft/nanoclaw/internal/logging"
)

// Outcome is what the injected process function reports for a batch.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRetry
)

// ProcessFunc runs one batch for chatID. Injected after construction (see
// SetProcessFunc) to break the messenger↔router↔queue cyclic reference
// spec.md §9 calls out.
type ProcessFunc func(ctx context.Context, chatID string) Outcome

// ProcessHandle is the in-flight subprocess handle C6 registers via
// RegisterProcess so shutdown and cancellations can terminate it: SIGTERM
// first, SIGKILL if it hasn't exited by the time Terminate's context expires.
type ProcessHandle interface {
	Terminate(ctx context.Context)
}

var (
	// ErrQueueClosed is returned by Enqueue once Shutdown has started.
	ErrQueueClosed = errors.New("queue: closed")
	// ErrNoProcessFunc is returned if Enqueue is called before
	// SetProcessFunc, which would otherwise silently drop work.
	ErrNoProcessFunc = errors.New("queue: no process function registered")
)

// Config tunes retry backoff, parallelism, and shutdown behavior.
type Config struct {
	MaxConcurrentChats int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RetryLimit         int
	ShutdownDeadline   time.Duration
}

// chatState is the per-chat_id bookkeeping spec.md §4.4 describes: a
// scheduled flag, the in-flight process handle, a dirty bit, and a retry
// counter.
type chatState struct {
	scheduled     bool
	dirty         bool
	retries       int
	cancel        context.CancelFunc
	proc          ProcessHandle
	containerName string
}

// Queue is the per-chat work queue.
type Queue struct {
	cfg     Config
	logger  *logging.Logger
	sem     *semaphore.Weighted
	process ProcessFunc

	mu     sync.Mutex
	chats  map[string]*chatState
	closed bool
	wg     sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New creates a Queue. Call SetProcessFunc before the first Enqueue.
func New(cfg Config, logger *logging.Logger) *Queue {
	if cfg.MaxConcurrentChats <= 0 {
		cfg.MaxConcurrentChats = 64 // "unbounded up to a safety cap" per spec.md §4.4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:        cfg,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentChats)),
		chats:      make(map[string]*chatState),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// SetProcessFunc injects the per-batch processing callback.
func (q *Queue) SetProcessFunc(fn ProcessFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.process = fn
}

// Enqueue is idempotent: if chatID is already scheduled the call collapses
// into a dirty-bit set (consumed once the in-flight run completes) rather
// than starting a second worker for the same chat.
func (q *Queue) Enqueue(chatID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.process == nil {
		return ErrNoProcessFunc
	}

	st, ok := q.chats[chatID]
	if !ok {
		st = &chatState{}
		q.chats[chatID] = st
	}
	if st.scheduled {
		st.dirty = true
		return nil
	}
	st.scheduled = true
	q.wg.Add(1)
	go q.worker(chatID)
	return nil
}

// worker runs process(chatID) repeatedly until there is no more work and no
// retry pending, applying capped exponential backoff between retries.
func (q *Queue) worker(chatID string) {
	defer q.wg.Done()

	for {
		if err := q.sem.Acquire(q.rootCtx, 1); err != nil {
			q.finishScheduled(chatID)
			return
		}
		outcome := q.runOnce(chatID)
		q.sem.Release(1)

		q.mu.Lock()
		st := q.chats[chatID]
		switch outcome {
		case OutcomeOK:
			st.retries = 0
			if st.dirty {
				st.dirty = false
				q.mu.Unlock()
				continue // more messages arrived while running; go again immediately
			}
			st.scheduled = false
			q.mu.Unlock()
			return
		case OutcomeRetry:
			st.retries++
			if st.retries > q.cfg.RetryLimit {
				q.logger.WithChat(chatID).Error("queue: giving up after exhausting retries")
				st.retries = 0
				st.scheduled = false
				st.dirty = false
				q.mu.Unlock()
				return
			}
			delay := q.backoff(st.retries)
			q.mu.Unlock()

			select {
			case <-time.After(delay):
			case <-q.rootCtx.Done():
				return
			}
			continue
		}
	}
}

func (q *Queue) runOnce(chatID string) Outcome {
	ctx, cancel := context.WithCancel(q.rootCtx)
	q.mu.Lock()
	q.chats[chatID].cancel = cancel
	q.mu.Unlock()
	defer cancel()

	return q.process(ctx, chatID)
}

func (q *Queue) finishScheduled(chatID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.chats[chatID]; ok {
		st.scheduled = false
		st.dirty = false
	}
}

// backoff computes a deterministic capped exponential delay: base doubled
// per attempt, capped at RetryMaxDelay.
func (q *Queue) backoff(attempt int) time.Duration {
	base := q.cfg.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	cap := q.cfg.RetryMaxDelay
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > cap || d <= 0 {
		d = cap
	}
	return d
}

// RegisterProcess records the in-flight subprocess handle for chatID — the
// queue.md contract's register_process(chat_id, proc, container_name) —
// so Shutdown and future cancellations can terminate it.
func (q *Queue) RegisterProcess(chatID, containerName string, proc ProcessHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.chats[chatID]; ok {
		st.containerName = containerName
		st.proc = proc
	}
}

// IsScheduled reports whether chatID currently has a worker running or queued.
func (q *Queue) IsScheduled(chatID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.chats[chatID]
	return ok && st.scheduled
}

// Shutdown marks the queue closed, calls Terminate on every registered
// process handle (SIGTERM first, SIGKILL once deadline expires), cancels
// every in-flight run, and waits up to deadline for workers to finish.
func (q *Queue) Shutdown(deadline time.Duration) {
	termCtx, termCancel := context.WithTimeout(context.Background(), deadline)
	defer termCancel()

	q.mu.Lock()
	q.closed = true
	for _, st := range q.chats {
		if st.proc != nil {
			go st.proc.Terminate(termCtx)
		}
		if st.cancel != nil {
			st.cancel()
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		q.logger.Warn("queue: shutdown deadline exceeded, forcing cancellation")
		q.rootCancel()
		<-done
	}
}
