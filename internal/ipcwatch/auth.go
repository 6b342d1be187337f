package ipcwatch

import (
	"context"
	"fmt"

	"github.com/hitsmaxft/nanoclaw/internal/store"
)

// Store is the subset of *store.Store the IPC authorisation checks need.
type Store interface {
	GetWorkspaceByFolder(ctx context.Context, folder string) (*store.RegisteredWorkspace, error)
	GetWorkspaceByChat(ctx context.Context, chatID string) (*store.RegisteredWorkspace, error)
	GetTask(ctx context.Context, id string) (*store.ScheduledTask, error)
}

// authorizeChatTarget implements the `message`/`status` and `schedule_task`
// authorisation rule: main may target any registered chat, a non-main
// origin may only target a chat whose registered folder equals its own.
func authorizeChatTarget(ctx context.Context, st Store, originFolder string, isMain bool, targetChatID string) error {
	if isMain {
		return nil
	}
	target, err := st.GetWorkspaceByChat(ctx, targetChatID)
	if err != nil {
		return fmt.Errorf("ipcwatch: resolve target chat: %w", err)
	}
	if target.Folder != originFolder {
		return fmt.Errorf("ipcwatch: workspace %q may not target chat owned by %q", originFolder, target.Folder)
	}
	return nil
}

// authorizeTask implements the pause_task/resume_task/cancel_task rule:
// main always; non-main only if the task's own workspace matches origin.
func authorizeTask(ctx context.Context, st Store, originFolder string, isMain bool, taskID string) (*store.ScheduledTask, error) {
	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("ipcwatch: resolve task: %w", err)
	}
	if isMain || task.WorkspaceFolder == originFolder {
		return task, nil
	}
	return nil, fmt.Errorf("ipcwatch: workspace %q may not act on task owned by %q", originFolder, task.WorkspaceFolder)
}

// mainOnly implements the refresh_groups/register_group rule.
func mainOnly(isMain bool, recordType string) error {
	if !isMain {
		return fmt.Errorf("ipcwatch: %s is restricted to the main workspace", recordType)
	}
	return nil
}
