package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hitsmaxft/nanoclaw/internal/config"
	"github.com/hitsmaxft/nanoclaw/internal/logging"
	"github.com/hitsmaxft/nanoclaw/internal/queue"
	"github.com/hitsmaxft/nanoclaw/internal/store"
	"github.com/hitsmaxft/nanoclaw/internal/tracing"
)

const dispatchTracerName = "nanoclaw-agent-dispatch"

func dispatchTracer() trace.Tracer { return tracing.Tracer(dispatchTracerName) }

// DispatchRequest is what the batch builder (C5) or the scheduler (C9)
// hands to the dispatcher for one agent run. Decoupled from batch.Result
// so this package need not import internal/batch.
type DispatchRequest struct {
	Workspace       *store.RegisteredWorkspace
	Prompt          string
	CorrelationID   string
	LastTimestamp   string // empty: don't advance the per-chat agent cursor
	IsScheduledTask bool
	ForceNewSession bool
}

// Store is the subset of *store.Store the dispatcher needs, beyond
// SnapshotStore.
type Store interface {
	SnapshotStore
	GetSession(ctx context.Context, folder string) (*store.Session, error)
	PutSession(ctx context.Context, folder, handle, updatedAt string) error
	AdvanceAgentCursor(ctx context.Context, chatID, ts string) error
}

// Sender is the outbound half of the Messenger contract the dispatcher needs.
type Sender interface {
	Send(ctx context.Context, chatID, text string)
}

// StatusRelay is the status relay (C7) contract.
type StatusRelay interface {
	Line(ctx context.Context, chatID, correlationID, line string)
	Done(ctx context.Context, chatID, correlationID, errText string)
}

// Dispatcher is the agent dispatcher (C6): it prepares the workspace
// snapshot, resolves mounts, launches the agent container, streams its
// output, and applies the post-run cursor/session update. Grounded in the
// constructor-wires-subcomponents idiom of the teacher's
// internal/agent/lifecycle/manager.go.
type Dispatcher struct {
	docker    *DockerClient
	store     Store
	sender    Sender
	relay     StatusRelay
	queue     *queue.Queue
	allowList *AllowList

	agentCfg      config.AgentConfig
	dockerCfg     config.DockerConfig
	ipcRoot       string
	assistantName string

	logger *logging.Logger
}

// NewDispatcher wires every C6 subcomponent.
func NewDispatcher(
	docker *DockerClient,
	st Store,
	sender Sender,
	relay StatusRelay,
	q *queue.Queue,
	allowList *AllowList,
	agentCfg config.AgentConfig,
	dockerCfg config.DockerConfig,
	ipcRoot string,
	assistantName string,
	logger *logging.Logger,
) *Dispatcher {
	return &Dispatcher{
		docker:        docker,
		store:         st,
		sender:        sender,
		relay:         relay,
		queue:         q,
		allowList:     allowList,
		agentCfg:      agentCfg,
		dockerCfg:     dockerCfg,
		ipcRoot:       ipcRoot,
		assistantName: assistantName,
		logger:        logger.WithFields(zap.String("component", "agent.dispatcher")),
	}
}

// Run executes one batch for chatID and reports the outcome C4 should act
// on: OutcomeOK to clear the chat's queue slot, OutcomeRetry to apply
// backoff and try again.
func (d *Dispatcher) Run(ctx context.Context, chatID string, req DispatchRequest) queue.Outcome {
	ws := req.Workspace
	log := d.logger.WithChat(chatID).WithWorkspace(ws.Folder)

	ctx, span := dispatchTracer().Start(ctx, "agent.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("chat_id", chatID),
		attribute.String("workspace_folder", ws.Folder),
		attribute.Bool("is_scheduled_task", req.IsScheduledTask),
	)
	defer span.End()

	workspaceDir := filepath.Join(d.agentCfg.WorkspacesRoot, ws.Folder)
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		log.WithError(err).Error("agent: failed to create workspace directory")
		return queue.OutcomeRetry
	}

	if err := WriteTaskSnapshot(ctx, d.store, workspaceDir, ws.Folder); err != nil {
		log.WithError(err).Warn("agent: failed to write tasks.json snapshot")
	}
	if ws.IsMainSession {
		if err := WriteAvailableGroups(ctx, d.store, workspaceDir); err != nil {
			log.WithError(err).Warn("agent: failed to write available_groups.json snapshot")
		}
	}

	sessionID := ""
	if !req.ForceNewSession {
		if sess, err := d.store.GetSession(ctx, ws.Folder); err == nil {
			sessionID = sess.SessionHandle
		} else if err != store.ErrNotFound {
			log.WithError(err).Warn("agent: failed to load session")
		}
	}

	input := Input{
		Prompt:          req.Prompt,
		SessionID:       sessionID,
		GroupFolder:     ws.Folder,
		ChatJID:         chatID,
		IsMain:          ws.IsMainSession,
		IsScheduledTask: req.IsScheduledTask,
	}
	stdin, err := MarshalInput(input)
	if err != nil {
		log.WithError(err).Error("agent: failed to marshal input")
		return queue.OutcomeRetry
	}

	ipcDir := filepath.Join(d.ipcRoot, ws.Folder)
	if err := os.MkdirAll(filepath.Join(ipcDir, "messages"), 0o755); err != nil {
		log.WithError(err).Error("agent: failed to create ipc messages directory")
		return queue.OutcomeRetry
	}
	if err := os.MkdirAll(filepath.Join(ipcDir, "tasks"), 0o755); err != nil {
		log.WithError(err).Error("agent: failed to create ipc tasks directory")
		return queue.OutcomeRetry
	}

	mounts := ResolveMounts(d.allowList, workspaceDir, ws.ContainerConfig, ws.IsMainSession)
	mounts = append(mounts, MountSpec{HostPath: ipcDir, Target: "/ipc", ReadOnly: false})
	timeout := d.agentCfg.BatchTimeout()
	if ws.ContainerConfig != nil && ws.ContainerConfig.TimeoutMS > 0 {
		timeout = time.Duration(ws.ContainerConfig.TimeoutMS) * time.Millisecond
	}

	name := fmt.Sprintf("nanoclaw-%d-%s", time.Now().Unix(), uuid.New().String()[:8])
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc, err := d.docker.Launch(runCtx, ContainerSpec{
		Name:   name,
		Image:  d.dockerCfg.AgentImage,
		Mounts: mounts,
		Stdin:  stdin,
	})
	if err != nil {
		log.WithError(err).Error("agent: failed to launch container")
		d.relay.Done(ctx, chatID, req.CorrelationID, "")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return queue.OutcomeRetry
	}
	d.queue.RegisterProcess(chatID, name, proc)

	var stdout strings.Builder
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		d.streamOutput(ctx, chatID, req.CorrelationID, log, proc, &stdout)
	}()

	exitCode, waitErr := proc.Wait(runCtx)
	<-streamDone

	timedOut := runCtx.Err() == context.DeadlineExceeded
	if timedOut {
		log.Warn("agent: batch timed out, terminating container")
		proc.Terminate(ctx)
	}

	output, hasPayload := ExtractPayload(stdout.String())

	outcome, errText := d.classify(ctx, chatID, ws, req, output, hasPayload, exitCode, waitErr, timedOut)
	d.relay.Done(ctx, chatID, req.CorrelationID, errText)
	span.SetAttributes(attribute.Int("outcome", int(outcome)))
	if errText != "" {
		span.SetStatus(codes.Error, errText)
	}
	return outcome
}

// streamOutput copies stdout into buf and classifies every stderr line,
// forwarding STATUS: lines to the relay and logging the rest.
func (d *Dispatcher) streamOutput(ctx context.Context, chatID, correlationID string, log *logging.Logger, proc *Process, buf *strings.Builder) {
	var stderrDone = make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(proc.Stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if text, isStatus := ClassifyStderrLine(line); isStatus {
				d.relay.Line(ctx, chatID, correlationID, text)
			} else {
				log.Info("agent runner log", zap.String("line", line))
			}
		}
	}()

	_, _ = io.Copy(buf, proc.Stdout)
	<-stderrDone
}

// classify applies spec.md §4.6/§7's post-run decision table and performs
// the session/cursor side effects.
func (d *Dispatcher) classify(
	ctx context.Context,
	chatID string,
	ws *store.RegisteredWorkspace,
	req DispatchRequest,
	output *Output,
	hasPayload bool,
	exitCode int64,
	waitErr error,
	timedOut bool,
) (queue.Outcome, string) {
	log := d.logger.WithChat(chatID)

	if output != nil && output.NewSessionID != "" {
		if err := d.store.PutSession(ctx, ws.Folder, output.NewSessionID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			log.WithError(err).Warn("agent: failed to persist new session id")
		}
	}

	if timedOut {
		return queue.OutcomeRetry, "the assistant timed out"
	}

	if !hasPayload {
		if waitErr != nil || exitCode != 0 {
			return queue.OutcomeRetry, ""
		}
		log.Warn("agent: exited cleanly without a result payload")
		return queue.OutcomeRetry, ""
	}

	success := output.Status == "success"
	if !success && output.Result != nil {
		// A partial result captured before the agent crashed is treated as
		// success with that result, per spec.md §7.
		success = true
	}

	if !success {
		return queue.OutcomeRetry, output.Error
	}

	if output.Result != nil && output.Result.OutputType == OutputMessage && output.Result.UserMessage != "" {
		d.sender.Send(ctx, chatID, fmt.Sprintf("%s: %s", d.assistantName, output.Result.UserMessage))
	}

	if req.LastTimestamp != "" {
		if err := d.store.AdvanceAgentCursor(ctx, chatID, req.LastTimestamp); err != nil {
			log.WithError(err).Error("agent: failed to advance agent cursor")
		}
	}

	return queue.OutcomeOK, ""
}
