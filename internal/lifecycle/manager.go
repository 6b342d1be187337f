// Package lifecycle implements NanoClaw's lifecycle & recovery layer
// (C10): it wires every other component together, runs the numbered
// bootstrap spec.md §4.10 describes, drives the inbound-message router,
// and owns graceful shutdown. Grounded in the bootstrap ordering and the
// StreamCallbacks-style constructor injection of the teacher's
// cmd/agent-manager/main.go and internal/agent/lifecycle/manager.go.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hitsmaxft/nanoclaw/internal/agent"
	"github.com/hitsmaxft/nanoclaw/internal/batch"
	"github.com/hitsmaxft/nanoclaw/internal/config"
	"github.com/hitsmaxft/nanoclaw/internal/ingest"
	"github.com/hitsmaxft/nanoclaw/internal/ipcwatch"
	"github.com/hitsmaxft/nanoclaw/internal/logging"
	"github.com/hitsmaxft/nanoclaw/internal/messenger"
	"github.com/hitsmaxft/nanoclaw/internal/queue"
	"github.com/hitsmaxft/nanoclaw/internal/scheduler"
	"github.com/hitsmaxft/nanoclaw/internal/status"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

// Store is the subset of *store.Store the manager itself touches directly,
// beyond what it hands to the subcomponents it wires.
type Store interface {
	ListWorkspaces(ctx context.Context) ([]*store.RegisteredWorkspace, error)
	GetWorkspaceByChat(ctx context.Context, chatID string) (*store.RegisteredWorkspace, error)
	GetWorkspaceByFolder(ctx context.Context, folder string) (*store.RegisteredWorkspace, error)
	GetMainWorkspace(ctx context.Context) (*store.RegisteredWorkspace, error)
	GetMessagesSince(ctx context.Context, chatID, cursor, botPrefix string) ([]store.Message, error)
	GetAgentCursor(ctx context.Context, chatID string) (string, error)
	GetLastTimestamp(ctx context.Context) (string, error)
	AdvanceLastTimestamp(ctx context.Context, ts string) error
	GetNewMessages(ctx context.Context, chatIDs []string, cursor, botPrefix string) ([]store.Message, string, error)
}

// Manager owns every long-running component NanoClaw needs and the
// wiring between them.
type Manager struct {
	cfg *config.Config

	store      Store
	messenger  messenger.Messenger
	ingester   *ingest.Ingester
	builder    *batch.Builder
	dispatcher *agent.Dispatcher
	relay      *status.Relay
	queue      *queue.Queue
	watcher    *ipcwatch.Watcher
	scheduler  *scheduler.Scheduler

	logger *logging.Logger
}

// New wires every C1-C9 subcomponent into a Manager. docker must already
// be reachable (see docker.Ping in main's bootstrap, step 4).
func New(
	cfg *config.Config,
	st *store.Store,
	msgr messenger.Messenger,
	docker *agent.DockerClient,
	logger *logging.Logger,
) (*Manager, error) {
	allowList, err := agent.LoadAllowList(cfg.Docker.MountAllowListPath)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load mount allow-list: %w", err)
	}

	q := queue.New(queue.Config{
		MaxConcurrentChats: cfg.Queue.MaxConcurrentChats,
		RetryBaseDelay:     time.Duration(cfg.Queue.RetryBaseDelayMS) * time.Millisecond,
		RetryMaxDelay:      time.Duration(cfg.Queue.RetryMaxDelayMS) * time.Millisecond,
		RetryLimit:         cfg.Queue.RetryLimit,
		ShutdownDeadline:   cfg.Queue.ShutdownDeadline(),
	}, logger)

	relay := status.New(msgr, cfg.Agent.StatusDebounce(), logger)

	builder := batch.New(st, batch.Config{
		BotPrefix:             cfg.Messenger.BotPrefix,
		DefaultTriggerPattern: cfg.Batch.DefaultTriggerPattern,
		MainWorkspaceFolder:   cfg.Agent.MainWorkspaceFolder,
	}, logger)

	dispatcher := agent.NewDispatcher(
		docker, st, msgr, relay, q, allowList,
		cfg.Agent, cfg.Docker, cfg.IPC.Root, cfg.Messenger.AssistantName, logger,
	)

	sched := scheduler.New(st, q, time.Duration(cfg.Scheduler.TickIntervalMS)*time.Millisecond, cfg.IPC.Timezone, logger)

	watcher := ipcwatch.New(
		cfg.IPC.Root, time.Duration(cfg.IPC.PollIntervalMS)*time.Millisecond,
		cfg.IPC.Timezone, cfg.Messenger.AssistantName, cfg.Agent.MainWorkspaceFolder, cfg.Agent.WorkspacesRoot,
		st, msgr, scheduler.ComputeNextRun, logger,
	)

	m := &Manager{
		cfg:        cfg,
		store:      st,
		messenger:  msgr,
		ingester:   ingest.New(st, logger),
		builder:    builder,
		dispatcher: dispatcher,
		relay:      relay,
		queue:      q,
		watcher:    watcher,
		scheduler:  sched,
		logger:     logger.WithFields(zap.String("component", "lifecycle")),
	}
	q.SetProcessFunc(m.processChat)
	return m, nil
}

// Start runs the numbered bootstrap spec.md §4.10 describes, steps 4
// onward (config/logging/store/docker already done by the caller): connect
// the messenger, register commands, start the IPC watcher and scheduler,
// recover any work orphaned by a prior crash, start the listener and (for
// pull-based adapters) the ingestion tail, and greet the main workspace.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.messenger.Connect(ctx); err != nil {
		return fmt.Errorf("lifecycle: connect messenger: %w", err)
	}

	if err := m.messenger.RegisterCommands(ctx, []messenger.Command{
		{Name: "help", Description: "Show available commands"},
		{Name: "new", Description: "Start a fresh session for this chat"},
		{Name: "register", Description: "Register this chat as a workspace"},
		{Name: "trigger", Description: "Set the word that wakes this workspace in a group chat"},
	}); err != nil {
		m.logger.WithError(err).Warn("lifecycle: failed to register platform commands")
	}

	if err := m.watcher.Start(ctx); err != nil {
		return fmt.Errorf("lifecycle: start ipc watcher: %w", err)
	}
	m.scheduler.Start(ctx)

	if err := m.recover(ctx); err != nil {
		m.logger.WithError(err).Error("lifecycle: recovery scan failed")
	}

	if err := m.messenger.StartListener(ctx, m.onInbound); err != nil {
		return fmt.Errorf("lifecycle: start listener: %w", err)
	}

	if m.messenger.NeedsPolling() {
		interval := time.Duration(m.messenger.PollInterval()) * time.Millisecond
		if interval <= 0 {
			interval = time.Second
		}
		go m.tailLoop(ctx, interval)
	}

	m.greetMainWorkspace(ctx)
	return nil
}

// Shutdown drains the queue (terminating any in-flight container) and
// stops the background loops.
func (m *Manager) Shutdown(_ context.Context) {
	m.scheduler.Stop()
	m.watcher.Stop()
	m.queue.Shutdown(m.cfg.Queue.ShutdownDeadline())
}

// onInbound is the router: every normalised inbound event is ingested,
// then either replied to synchronously (an in-band command on an
// unregistered chat) or handed to the per-chat queue.
func (m *Manager) onInbound(msg messenger.InboundMessage) {
	ctx := context.Background()
	registered, err := m.ingester.Ingest(ctx, msg)
	if err != nil {
		m.logger.WithChat(msg.ChatID).WithError(err).Error("lifecycle: failed to ingest inbound message")
		return
	}
	if !registered {
		reply, handled, err := m.builder.HandleUnregistered(ctx, msg)
		if err != nil {
			m.logger.WithChat(msg.ChatID).WithError(err).Error("lifecycle: failed to handle unregistered-chat command")
			return
		}
		if handled && reply != "" {
			m.messenger.Send(ctx, msg.ChatID, reply)
		}
		return
	}
	if err := m.queue.Enqueue(msg.ChatID); err != nil {
		m.logger.WithChat(msg.ChatID).WithError(err).Warn("lifecycle: failed to enqueue inbound message")
	}
}

// processChat is the queue's ProcessFunc: an isolated-mode scheduled-task
// fire takes priority over normal batch processing, since it was recorded
// out of band from the chat's own message stream.
func (m *Manager) processChat(ctx context.Context, chatID string) queue.Outcome {
	if task, ok := m.scheduler.TakePending(chatID); ok {
		return m.dispatchTask(ctx, chatID, task)
	}

	result, err := m.builder.Build(ctx, chatID)
	if err != nil {
		m.logger.WithChat(chatID).WithError(err).Error("lifecycle: batch build failed")
		return queue.OutcomeRetry
	}

	switch result.Kind {
	case batch.KindNone, batch.KindGated:
		return queue.OutcomeOK
	case batch.KindCommandHandled:
		if result.Reply != "" {
			m.messenger.Send(ctx, chatID, result.Reply)
		}
		return queue.OutcomeOK
	case batch.KindReady:
		return m.dispatcher.Run(ctx, chatID, agent.DispatchRequest{
			Workspace:     result.Workspace,
			Prompt:        result.Prompt,
			CorrelationID: result.CorrelationID,
			LastTimestamp: result.LastTimestamp,
		})
	default:
		return queue.OutcomeOK
	}
}

// dispatchTask runs one isolated-mode scheduled-task fire with a forced
// fresh session, bypassing the shared chat's agent cursor entirely — its
// own schedule advance already happened in the scheduler.
func (m *Manager) dispatchTask(ctx context.Context, chatID string, task *store.ScheduledTask) queue.Outcome {
	ws, err := m.store.GetWorkspaceByFolder(ctx, task.WorkspaceFolder)
	if err != nil {
		m.logger.WithTask(task.ID).WithError(err).Error("lifecycle: scheduled task's workspace is gone")
		return queue.OutcomeOK
	}
	return m.dispatcher.Run(ctx, chatID, agent.DispatchRequest{
		Workspace:       ws,
		Prompt:          task.Prompt,
		CorrelationID:   task.ID,
		IsScheduledTask: true,
		ForceNewSession: true,
	})
}

// recover implements spec.md §4.10's crash-recovery scan: "for each
// registered chat, if getMessagesSince returns non-empty work beyond
// last_agent_timestamp, enqueue it." This must compare against the
// per-chat agent cursor, not the global router cursor tailOnce advances.
// The global cursor advances before a chat's batch is even built (see
// tailOnce below), so a crash between that advance and the agent's
// eventual success leaves last_agent_timestamp behind while
// RouterCursor.last_timestamp has already moved past the very message
// that needs reprocessing — scanning the global cursor here would miss
// exactly the work recovery exists to catch.
func (m *Manager) recover(ctx context.Context) error {
	workspaces, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	for _, ws := range workspaces {
		cursor, err := m.store.GetAgentCursor(ctx, ws.ChatID)
		if err != nil {
			m.logger.WithChat(ws.ChatID).WithError(err).Warn("lifecycle: recovery: failed to load agent cursor")
			continue
		}
		messages, err := m.store.GetMessagesSince(ctx, ws.ChatID, cursor, m.cfg.Messenger.BotPrefix)
		if err != nil {
			m.logger.WithChat(ws.ChatID).WithError(err).Warn("lifecycle: recovery: failed to scan for unprocessed messages")
			continue
		}
		if len(messages) == 0 {
			continue
		}
		if err := m.queue.Enqueue(ws.ChatID); err != nil {
			m.logger.WithChat(ws.ChatID).WithError(err).Warn("lifecycle: recovery: failed to enqueue orphaned work")
		}
	}
	return nil
}

func (m *Manager) tailLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.tailOnce(ctx); err != nil {
				m.logger.WithError(err).Warn("lifecycle: ingestion tail failed")
			}
		}
	}
}

// tailOnce advances the global router cursor and enqueues every chat with
// messages newer than it. This is the sole writer of RouterCursor.last_timestamp
// ("before per-chat processing" in the two-cursor model spec.md §5 describes).
// It exists purely to give pull-based adapters (no push callback) a
// periodic catch-up scan; it is deliberately not reused for crash recovery
// (see recover above) since it is driven by the global cursor, not the
// per-chat last_agent_timestamp recovery must compare against.
func (m *Manager) tailOnce(ctx context.Context) error {
	workspaces, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	if len(workspaces) == 0 {
		return nil
	}
	chatIDs := make([]string, len(workspaces))
	for i, ws := range workspaces {
		chatIDs[i] = ws.ChatID
	}

	cursor, err := m.store.GetLastTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("get last timestamp: %w", err)
	}

	messages, maxTimestamp, err := m.store.GetNewMessages(ctx, chatIDs, cursor, m.cfg.Messenger.BotPrefix)
	if err != nil {
		return fmt.Errorf("get new messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	enqueued := make(map[string]bool, len(messages))
	for _, msg := range messages {
		if enqueued[msg.ChatID] {
			continue
		}
		enqueued[msg.ChatID] = true
		if err := m.queue.Enqueue(msg.ChatID); err != nil {
			m.logger.WithChat(msg.ChatID).WithError(err).Warn("lifecycle: failed to enqueue during recovery/tail")
		}
	}

	if maxTimestamp != cursor {
		if err := m.store.AdvanceLastTimestamp(ctx, maxTimestamp); err != nil {
			return fmt.Errorf("advance last timestamp: %w", err)
		}
	}
	return nil
}

// greetMainWorkspace sends a startup notice to the main session, if one
// has been elected, so the operator knows the service is back up.
func (m *Manager) greetMainWorkspace(ctx context.Context) {
	main, err := m.store.GetMainWorkspace(ctx)
	if err != nil {
		if err != store.ErrNotFound {
			m.logger.WithError(err).Warn("lifecycle: failed to look up main workspace")
		}
		return
	}
	m.messenger.Send(ctx, main.ChatID, fmt.Sprintf("%s: online.", m.cfg.Messenger.AssistantName))
}
