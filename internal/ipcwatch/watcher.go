// Package ipcwatch implements NanoClaw's IPC watcher (C8): the
// filesystem-mediated, cross-trust-boundary channel a running agent uses
// to send messages, manage scheduled tasks, and (main workspace only)
// register new workspaces or trigger group rediscovery. Grounded in the
// Start/Stop/IsRunning + typed-handler-dispatch idiom of the teacher's
// internal/orchestrator/watcher/watcher.go, restructured from event-bus
// subscription to filesystem polling with an fsnotify fast path.
package ipcwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hitsmaxft/nanoclaw/internal/agent"
	"github.com/hitsmaxft/nanoclaw/internal/logging"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

const (
	messagesDir = "messages"
	tasksDir    = "tasks"
	errorsDir   = "errors"
)

// record is the union of every recognised IPC record shape; which fields
// are required depends on Type, per spec.md §4.8's table.
type record struct {
	Type string `json:"type"`

	// message / status
	ChatJID string `json:"chat_jid"`
	Text    string `json:"text"`

	// schedule_task
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	TargetJID     string `json:"target_jid"`
	ContextMode   string `json:"context_mode"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"task_id"`

	// register_group
	JID             string                 `json:"jid"`
	Name            string                 `json:"name"`
	Folder          string                 `json:"folder"`
	Trigger         string                 `json:"trigger"`
	ContainerConfig *store.ContainerConfig `json:"container_config,omitempty"`
}

// Sender is the subset of messenger.Messenger outbound message/status
// records are delivered through.
type Sender interface {
	Send(ctx context.Context, chatID, text string)
}

// WorkspaceStore is the subset of *store.Store the watcher needs beyond
// ipcwatch's own auth.Store and the agent package's SnapshotStore.
type WorkspaceStore interface {
	Store
	agent.SnapshotStore
	CreateWorkspace(ctx context.Context, w store.RegisteredWorkspace) error
	CreateTask(ctx context.Context, t store.ScheduledTask) error
	SetTaskStatus(ctx context.Context, id string, status store.TaskStatus) error
}

// NextRunFunc computes a schedule's next fire instant; injected so this
// package doesn't need to import internal/scheduler.
type NextRunFunc func(kind store.ScheduleKind, value, timezone string, now time.Time) (*time.Time, error)

// Watcher polls the IPC directory tree and authorises/enacts each record
// it finds.
type Watcher struct {
	root           string
	pollInterval   time.Duration
	timezone       string
	assistantName  string
	mainFolder     string
	workspacesRoot string

	store   WorkspaceStore
	sender  Sender
	nextRun NextRunFunc
	logger  *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New wires the IPC watcher.
func New(
	root string,
	pollInterval time.Duration,
	timezone, assistantName, mainFolder, workspacesRoot string,
	st WorkspaceStore,
	sender Sender,
	nextRun NextRunFunc,
	logger *logging.Logger,
) *Watcher {
	return &Watcher{
		root:           root,
		pollInterval:   pollInterval,
		timezone:       timezone,
		assistantName:  assistantName,
		mainFolder:     mainFolder,
		workspacesRoot: workspacesRoot,
		store:          st,
		sender:         sender,
		nextRun:        nextRun,
		logger:         logger.WithFields(zap.String("component", "ipcwatch")),
	}
}

// Start begins the poll loop, with an fsnotify watch on root used only to
// shake loose an early poll between ticks.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(w.root, errorsDir), 0o755); err != nil {
		return fmt.Errorf("ipcwatch: create errors dir: %w", err)
	}

	fsEvents, err := w.watchFS()
	if err != nil {
		w.logger.WithError(err).Warn("ipcwatch: fsnotify unavailable, falling back to pure polling")
	}

	w.wg.Add(1)
	go w.loop(ctx, fsEvents)
	return nil
}

// Stop halts the poll loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}

// watchFS opens an fsnotify watcher on root and every existing workspace
// subdirectory, best-effort: new workspace directories created after Start
// are still picked up by the next poll tick.
func (w *Watcher) watchFS() (<-chan fsnotify.Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	_ = watcher.Add(w.root)
	entries, _ := os.ReadDir(w.root)
	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsDir {
			continue
		}
		_ = watcher.Add(filepath.Join(w.root, e.Name(), messagesDir))
		_ = watcher.Add(filepath.Join(w.root, e.Name(), tasksDir))
	}
	go func() {
		<-w.stopCh
		watcher.Close()
	}()
	return watcher.Events, nil
}

func (w *Watcher) loop(ctx context.Context, fsEvents <-chan fsnotify.Event) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		case _, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			w.pollOnce(ctx)
		}
	}
}

// pollOnce scans every workspace's messages/ and tasks/ directories once.
func (w *Watcher) pollOnce(ctx context.Context) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.logger.WithError(err).Error("ipcwatch: failed to list ipc root")
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsDir {
			continue
		}
		folder := e.Name()
		w.scanDir(ctx, folder, filepath.Join(w.root, folder, messagesDir))
		w.scanDir(ctx, folder, filepath.Join(w.root, folder, tasksDir))
	}
}

func (w *Watcher) scanDir(ctx context.Context, originFolder, dir string) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return // directory not created yet; not an error
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		path := filepath.Join(dir, f.Name())
		w.processFile(ctx, originFolder, path, f.Name())
	}
}

func (w *Watcher) processFile(ctx context.Context, originFolder, path, name string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // likely a race with the writer; retried next tick
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		w.quarantine(originFolder, path, name)
		return
	}

	isMain := originFolder == w.mainFolder
	if err := w.enact(ctx, originFolder, isMain, rec); err != nil {
		w.logger.WithFields(zap.String("workspace", originFolder), zap.String("type", rec.Type)).
			WithError(err).Warn("ipcwatch: record rejected")
		w.quarantine(originFolder, path, name)
		return
	}
	_ = os.Remove(path)
}

func (w *Watcher) quarantine(originFolder, path, name string) {
	dest := filepath.Join(w.root, errorsDir, originFolder+"-"+name)
	if err := os.Rename(path, dest); err != nil {
		w.logger.WithError(err).Error("ipcwatch: failed to quarantine file")
	}
}

// enact authorises and applies one record. A non-nil error means the
// record is rejected (malformed or unauthorised) and should be quarantined.
func (w *Watcher) enact(ctx context.Context, originFolder string, isMain bool, rec record) error {
	switch rec.Type {
	case "message", "status":
		return w.enactOutbound(ctx, originFolder, isMain, rec)
	case "schedule_task":
		return w.enactScheduleTask(ctx, originFolder, isMain, rec)
	case "pause_task":
		return w.enactTaskStatus(ctx, originFolder, isMain, rec.TaskID, store.TaskPaused)
	case "resume_task":
		return w.enactTaskStatus(ctx, originFolder, isMain, rec.TaskID, store.TaskActive)
	case "cancel_task":
		return w.enactTaskStatus(ctx, originFolder, isMain, rec.TaskID, store.TaskCompleted)
	case "refresh_groups":
		return w.enactRefreshGroups(ctx, isMain)
	case "register_group":
		return w.enactRegisterGroup(ctx, isMain, rec)
	default:
		return fmt.Errorf("ipcwatch: unrecognised record type %q", rec.Type)
	}
}

func (w *Watcher) enactOutbound(ctx context.Context, originFolder string, isMain bool, rec record) error {
	if rec.ChatJID == "" || rec.Text == "" {
		return fmt.Errorf("ipcwatch: %s record missing chat_jid/text", rec.Type)
	}
	if err := authorizeChatTarget(ctx, w.store, originFolder, isMain, rec.ChatJID); err != nil {
		return err
	}
	prefix := w.assistantName + ": "
	if rec.Type == "status" {
		prefix = "⏳ "
	}
	w.sender.Send(ctx, rec.ChatJID, prefix+rec.Text)
	return nil
}

func (w *Watcher) enactScheduleTask(ctx context.Context, originFolder string, isMain bool, rec record) error {
	if rec.Prompt == "" || rec.ScheduleType == "" || rec.ScheduleValue == "" || rec.TargetJID == "" {
		return fmt.Errorf("ipcwatch: schedule_task missing required fields")
	}
	if err := authorizeChatTarget(ctx, w.store, originFolder, isMain, rec.TargetJID); err != nil {
		return err
	}
	ws, err := w.store.GetWorkspaceByChat(ctx, rec.TargetJID)
	if err != nil {
		return fmt.Errorf("ipcwatch: resolve target workspace: %w", err)
	}

	kind := store.ScheduleKind(rec.ScheduleType)
	now := time.Now().UTC()
	next, err := w.nextRun(kind, rec.ScheduleValue, w.timezone, now)
	if err != nil {
		return fmt.Errorf("ipcwatch: invalid schedule: %w", err)
	}

	contextMode := store.ContextGroup
	if rec.ContextMode == string(store.ContextIsolated) {
		contextMode = store.ContextIsolated
	}

	var nextRunStr *string
	if next != nil {
		s := next.Format(time.RFC3339Nano)
		nextRunStr = &s
	}

	return w.store.CreateTask(ctx, store.ScheduledTask{
		ID:              uuid.New().String(),
		WorkspaceFolder: ws.Folder,
		ChatID:          rec.TargetJID,
		Prompt:          rec.Prompt,
		ScheduleKind:    kind,
		ScheduleValue:   rec.ScheduleValue,
		ContextMode:     contextMode,
		NextRun:         nextRunStr,
		Status:          store.TaskActive,
	})
}

func (w *Watcher) enactTaskStatus(ctx context.Context, originFolder string, isMain bool, taskID string, status store.TaskStatus) error {
	if taskID == "" {
		return fmt.Errorf("ipcwatch: task status change missing task_id")
	}
	task, err := authorizeTask(ctx, w.store, originFolder, isMain, taskID)
	if err != nil {
		return err
	}
	return w.store.SetTaskStatus(ctx, task.ID, status)
}

func (w *Watcher) enactRefreshGroups(ctx context.Context, isMain bool) error {
	if err := mainOnly(isMain, "refresh_groups"); err != nil {
		return err
	}
	dir := filepath.Join(w.workspacesRoot, w.mainFolder)
	return agent.WriteAvailableGroups(ctx, w.store, dir)
}

func (w *Watcher) enactRegisterGroup(ctx context.Context, isMain bool, rec record) error {
	if err := mainOnly(isMain, "register_group"); err != nil {
		return err
	}
	if rec.JID == "" || rec.Name == "" || rec.Folder == "" {
		return fmt.Errorf("ipcwatch: register_group missing required fields")
	}
	return w.store.CreateWorkspace(ctx, store.RegisteredWorkspace{
		ChatID:          rec.JID,
		DisplayName:     rec.Name,
		Folder:          rec.Folder,
		TriggerWord:     rec.Trigger,
		RequiresTrigger: rec.Trigger != "",
		IsMainSession:   false,
		AddedAt:         time.Now().UTC().Format(time.RFC3339Nano),
		ContainerConfig: rec.ContainerConfig,
	})
}
