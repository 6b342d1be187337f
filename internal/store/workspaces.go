package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// CreateWorkspace inserts a new registered workspace. If isMainSession is
// true, the insert runs in a transaction that first checks no other main
// workspace exists, enforcing spec.md §3's "at most one workspace has
// is_main_session = true" invariant atomically.
func (s *Store) CreateWorkspace(ctx context.Context, w RegisteredWorkspace) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if w.IsMainSession {
			var count int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM registered_workspaces WHERE is_main_session = 1`).Scan(&count); err != nil {
				return err
			}
			if count > 0 {
				return ErrMainWorkspaceExists
			}
		}

		allowedUsers, err := json.Marshal(w.AllowedUsers)
		if err != nil {
			return err
		}
		var containerConfig sql.NullString
		if w.ContainerConfig != nil {
			b, err := json.Marshal(w.ContainerConfig)
			if err != nil {
				return err
			}
			containerConfig = sql.NullString{String: string(b), Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO registered_workspaces
				(chat_id, display_name, folder, trigger_word, requires_trigger, is_main_session, allowed_users, added_at, container_config)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, w.ChatID, w.DisplayName, w.Folder, w.TriggerWord, boolToInt(w.RequiresTrigger), boolToInt(w.IsMainSession),
			string(allowedUsers), w.AddedAt, containerConfig)
		return err
	})
}

// GetWorkspaceByChat returns the workspace registered for chatID, or ErrNotFound.
func (s *Store) GetWorkspaceByChat(ctx context.Context, chatID string) (*RegisteredWorkspace, error) {
	row := s.db.QueryRowContext(ctx, workspaceSelect+` WHERE chat_id = ?`, chatID)
	return scanWorkspace(row)
}

// GetWorkspaceByFolder returns the workspace with the given folder name, or ErrNotFound.
func (s *Store) GetWorkspaceByFolder(ctx context.Context, folder string) (*RegisteredWorkspace, error) {
	row := s.db.QueryRowContext(ctx, workspaceSelect+` WHERE folder = ?`, folder)
	return scanWorkspace(row)
}

// GetMainWorkspace returns the single main-session workspace, or ErrNotFound
// if none has been elected yet.
func (s *Store) GetMainWorkspace(ctx context.Context) (*RegisteredWorkspace, error) {
	row := s.db.QueryRowContext(ctx, workspaceSelect+` WHERE is_main_session = 1`)
	return scanWorkspace(row)
}

// ListWorkspaces returns every registered workspace.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*RegisteredWorkspace, error) {
	rows, err := s.db.QueryContext(ctx, workspaceSelect)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var workspaces []*RegisteredWorkspace
	for rows.Next() {
		w, err := scanWorkspaceRows(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

// UpdateWorkspaceTrigger mutates the trigger word of a registered
// workspace; the /trigger command uses it.
func (s *Store) UpdateWorkspaceTrigger(ctx context.Context, chatID, trigger string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE registered_workspaces SET trigger_word = ? WHERE chat_id = ?`, trigger, chatID)
	return err
}

const workspaceSelect = `
	SELECT chat_id, display_name, folder, trigger_word, requires_trigger, is_main_session, allowed_users, added_at, container_config
	FROM registered_workspaces`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*RegisteredWorkspace, error) {
	w, err := scanWorkspaceRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

func scanWorkspaceRows(row rowScanner) (*RegisteredWorkspace, error) {
	var w RegisteredWorkspace
	var requiresTrigger, isMain int
	var allowedUsersJSON string
	var containerConfigJSON sql.NullString

	if err := row.Scan(&w.ChatID, &w.DisplayName, &w.Folder, &w.TriggerWord, &requiresTrigger, &isMain,
		&allowedUsersJSON, &w.AddedAt, &containerConfigJSON); err != nil {
		return nil, err
	}

	w.RequiresTrigger = requiresTrigger != 0
	w.IsMainSession = isMain != 0

	if err := json.Unmarshal([]byte(allowedUsersJSON), &w.AllowedUsers); err != nil {
		return nil, err
	}
	if containerConfigJSON.Valid && containerConfigJSON.String != "" {
		var cc ContainerConfig
		if err := json.Unmarshal([]byte(containerConfigJSON.String), &cc); err != nil {
			return nil, err
		}
		w.ContainerConfig = &cc
	}

	return &w, nil
}
