// Package scheduler implements NanoClaw's scheduled-task engine (C9): a
// tick loop that fires due tasks through the per-chat queue (C4), never
// bypassing it. Grounded in the Start/Stop/processLoop + sync.WaitGroup
// idiom of the teacher's internal/orchestrator/scheduler/scheduler.go,
// restructured from a generic task-queue drain into cron/interval/once
// next-run computation over *store.ScheduledTask.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hitsmaxft/nanoclaw/internal/logging"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

// Store is the subset of *store.Store the scheduler needs.
type Store interface {
	GetDueTasks(ctx context.Context, now string) ([]*store.ScheduledTask, error)
	UpdateTaskSchedule(ctx context.Context, id string, nextRun, lastRun, lastResult *string, status store.TaskStatus) error
	AppendTaskRunLog(ctx context.Context, l store.TaskRunLog) error
	InsertMessage(ctx context.Context, m store.Message) error
}

// Enqueuer is the C4 entry point the scheduler dispatches through.
type Enqueuer interface {
	Enqueue(chatID string) error
}

// Scheduler polls for due tasks on a tick and fires them through the
// per-chat queue. Isolated-mode tasks are recorded as pending so the
// lifecycle's queue.ProcessFunc can pop and dispatch them with a forced
// fresh session; group-mode tasks are inserted as an ordinary chat
// message, interleaving into the shared session exactly as if the user
// had sent it.
type Scheduler struct {
	store    Store
	queue    Enqueuer
	tick     time.Duration
	timezone string
	logger   *logging.Logger

	mu      sync.Mutex
	pending map[string][]*store.ScheduledTask

	wg      sync.WaitGroup
	stopCh  chan struct{}
	running bool
}

// New wires the scheduler against the store and the queue it dispatches
// through.
func New(st Store, q Enqueuer, tickInterval time.Duration, timezone string, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		queue:    q,
		tick:     tickInterval,
		timezone: timezone,
		pending:  make(map[string][]*store.ScheduledTask),
		logger:   logger.WithFields(zap.String("component", "scheduler")),
	}
}

// Start begins the polling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the polling loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.GetDueTasks(ctx, now.Format(time.RFC3339Nano))
	if err != nil {
		s.logger.WithError(err).Error("scheduler: failed to fetch due tasks")
		return
	}
	for _, task := range due {
		s.fire(ctx, task, now)
	}
}

// fire dispatches one due task and advances its schedule.
func (s *Scheduler) fire(ctx context.Context, task *store.ScheduledTask, now time.Time) {
	log := s.logger.WithTask(task.ID)

	nextRun, err := ComputeNextRun(task.ScheduleKind, task.ScheduleValue, s.timezone, now)
	if err != nil {
		log.WithError(err).Error("scheduler: failed to compute next run, disabling task")
		_ = s.store.UpdateTaskSchedule(ctx, task.ID, nil, strPtr(now.Format(time.RFC3339Nano)), strPtr(err.Error()), store.TaskCompleted)
		return
	}

	status := store.TaskActive
	var nextRunStr *string
	if nextRun == nil {
		status = store.TaskCompleted
	} else {
		nextRunStr = strPtr(nextRun.Format(time.RFC3339Nano))
	}
	lastRun := strPtr(now.Format(time.RFC3339Nano))

	switch task.ContextMode {
	case store.ContextIsolated:
		s.mu.Lock()
		s.pending[task.ChatID] = append(s.pending[task.ChatID], task)
		s.mu.Unlock()
	default: // store.ContextGroup
		msg := store.Message{
			MessageID:         fmt.Sprintf("task-%s-%d", task.ID, now.UnixNano()),
			ChatID:            task.ChatID,
			SenderID:          "scheduler",
			SenderDisplayName: "Scheduled task",
			Content:           task.Prompt,
			Timestamp:         now.Format(time.RFC3339Nano),
			Origin:            store.OriginOther,
		}
		if err := s.store.InsertMessage(ctx, msg); err != nil {
			log.WithError(err).Error("scheduler: failed to insert task message")
			return
		}
	}

	if err := s.queue.Enqueue(task.ChatID); err != nil {
		log.WithError(err).Warn("scheduler: failed to enqueue fired task")
	}

	if err := s.store.UpdateTaskSchedule(ctx, task.ID, nextRunStr, lastRun, nil, status); err != nil {
		log.WithError(err).Error("scheduler: failed to persist schedule advance")
	}
	if err := s.store.AppendTaskRunLog(ctx, store.TaskRunLog{
		TaskID:  task.ID,
		RunAt:   now.Format(time.RFC3339Nano),
		Outcome: "dispatched",
	}); err != nil {
		log.WithError(err).Warn("scheduler: failed to append run log")
	}
}

// TakePending pops and returns the oldest pending isolated-mode task fire
// for chatID, if any. Called by the queue's ProcessFunc ahead of normal
// batch processing.
func (s *Scheduler) TakePending(chatID string) (*store.ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.pending[chatID]
	if len(tasks) == 0 {
		return nil, false
	}
	task := tasks[0]
	rest := tasks[1:]
	if len(rest) == 0 {
		delete(s.pending, chatID)
	} else {
		s.pending[chatID] = rest
	}
	return task, true
}

func strPtr(s string) *string { return &s }
