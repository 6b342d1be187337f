package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/hitsmaxft/nanoclaw/internal/store"
)

// taskSnapshot is one entry in the agent-visible tasks.json file.
type taskSnapshot struct {
	ID            string `json:"id"`
	Prompt        string `json:"prompt"`
	ScheduleKind  string `json:"scheduleKind"`
	ScheduleValue string `json:"scheduleValue"`
	ContextMode   string `json:"contextMode"`
	NextRun       string `json:"nextRun,omitempty"`
	Status        string `json:"status"`
}

// groupSnapshot is one entry in the main-only available_groups.json file.
type groupSnapshot struct {
	ChatID     string `json:"chatId"`
	Name       string `json:"name"`
	Registered bool   `json:"registered"`
}

// SnapshotStore is the subset of *store.Store the snapshot writer needs.
type SnapshotStore interface {
	ListTasksForWorkspace(ctx context.Context, folder string) ([]*store.ScheduledTask, error)
	ListChats(ctx context.Context) ([]*store.Chat, error)
	ListWorkspaces(ctx context.Context) ([]*store.RegisteredWorkspace, error)
}

// WriteTaskSnapshot writes tasks.json into workspaceDir: the agent's
// visible task list, filtered to folder for non-main workspaces.
func WriteTaskSnapshot(ctx context.Context, s SnapshotStore, workspaceDir, folder string) error {
	tasks, err := s.ListTasksForWorkspace(ctx, folder)
	if err != nil {
		return err
	}
	out := make([]taskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		ts := taskSnapshot{
			ID:            t.ID,
			Prompt:        t.Prompt,
			ScheduleKind:  string(t.ScheduleKind),
			ScheduleValue: t.ScheduleValue,
			ContextMode:   string(t.ContextMode),
			Status:        string(t.Status),
		}
		if t.NextRun != nil {
			ts.NextRun = *t.NextRun
		}
		out = append(out, ts)
	}
	return writeJSON(filepath.Join(workspaceDir, "tasks.json"), out)
}

// WriteAvailableGroups writes available_groups.json into the main
// workspace's directory: every known chat annotated with its
// registration status.
func WriteAvailableGroups(ctx context.Context, s SnapshotStore, workspaceDir string) error {
	chats, err := s.ListChats(ctx)
	if err != nil {
		return err
	}
	workspaces, err := s.ListWorkspaces(ctx)
	if err != nil {
		return err
	}
	registered := make(map[string]bool, len(workspaces))
	for _, w := range workspaces {
		registered[w.ChatID] = true
	}

	out := make([]groupSnapshot, 0, len(chats))
	for _, c := range chats {
		out = append(out, groupSnapshot{
			ChatID:     c.ChatID,
			Name:       c.Name,
			Registered: registered[c.ChatID],
		})
	}
	return writeJSON(filepath.Join(workspaceDir, "available_groups.json"), out)
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
