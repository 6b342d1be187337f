package ipcwatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hitsmaxft/nanoclaw/internal/store"
)

type fakeAuthStore struct {
	workspacesByFolder map[string]*store.RegisteredWorkspace
	workspacesByChat   map[string]*store.RegisteredWorkspace
	tasks              map[string]*store.ScheduledTask
}

func (f *fakeAuthStore) GetWorkspaceByFolder(_ context.Context, folder string) (*store.RegisteredWorkspace, error) {
	if w, ok := f.workspacesByFolder[folder]; ok {
		return w, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeAuthStore) GetWorkspaceByChat(_ context.Context, chatID string) (*store.RegisteredWorkspace, error) {
	if w, ok := f.workspacesByChat[chatID]; ok {
		return w, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeAuthStore) GetTask(_ context.Context, id string) (*store.ScheduledTask, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func TestAuthorizeChatTargetAllowsMainUnconditionally(t *testing.T) {
	st := &fakeAuthStore{workspacesByChat: map[string]*store.RegisteredWorkspace{}}
	err := authorizeChatTarget(context.Background(), st, "main", true, "any-chat-at-all")
	require.NoError(t, err)
}

func TestAuthorizeChatTargetRejectsCrossWorkspaceTarget(t *testing.T) {
	st := &fakeAuthStore{workspacesByChat: map[string]*store.RegisteredWorkspace{
		"target-chat": {Folder: "other-folder"},
	}}
	err := authorizeChatTarget(context.Background(), st, "origin-folder", false, "target-chat")
	require.Error(t, err)
}

func TestAuthorizeChatTargetAllowsOwnChat(t *testing.T) {
	st := &fakeAuthStore{workspacesByChat: map[string]*store.RegisteredWorkspace{
		"own-chat": {Folder: "origin-folder"},
	}}
	err := authorizeChatTarget(context.Background(), st, "origin-folder", false, "own-chat")
	require.NoError(t, err)
}

func TestAuthorizeTaskAllowsMainForAnyTask(t *testing.T) {
	st := &fakeAuthStore{tasks: map[string]*store.ScheduledTask{
		"t1": {ID: "t1", WorkspaceFolder: "someone-elses"},
	}}
	task, err := authorizeTask(context.Background(), st, "main", true, "t1")
	require.NoError(t, err)
	require.Equal(t, "t1", task.ID)
}

func TestAuthorizeTaskRejectsCrossWorkspaceTask(t *testing.T) {
	st := &fakeAuthStore{tasks: map[string]*store.ScheduledTask{
		"t1": {ID: "t1", WorkspaceFolder: "owner-folder"},
	}}
	_, err := authorizeTask(context.Background(), st, "other-folder", false, "t1")
	require.Error(t, err)
}

func TestAuthorizeTaskAllowsOwnTask(t *testing.T) {
	st := &fakeAuthStore{tasks: map[string]*store.ScheduledTask{
		"t1": {ID: "t1", WorkspaceFolder: "owner-folder"},
	}}
	task, err := authorizeTask(context.Background(), st, "owner-folder", false, "t1")
	require.NoError(t, err)
	require.Equal(t, "t1", task.ID)
}

func TestMainOnlyRejectsNonMain(t *testing.T) {
	require.Error(t, mainOnly(false, "register_group"))
	require.NoError(t, mainOnly(true, "register_group"))
}
