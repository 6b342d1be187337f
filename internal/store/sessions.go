package store

import (
	"context"
	"database/sql"
	"errors"
)

// PutSession creates or replaces the session handle for a workspace folder
// — called on every successful agent run that returns a new handle.
func (s *Store) PutSession(ctx context.Context, folder, handle, updatedAt string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (folder, session_handle, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET session_handle = excluded.session_handle, updated_at = excluded.updated_at
	`, folder, handle, updatedAt)
	return err
}

// GetSession returns the session handle for folder, or ErrNotFound if none
// has been established (or it was cleared by /new).
func (s *Store) GetSession(ctx context.Context, folder string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT folder, session_handle, updated_at FROM sessions WHERE folder = ?`, folder)
	var sess Session
	if err := row.Scan(&sess.Folder, &sess.SessionHandle, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// ClearSession drops the stored session for a workspace — the /new command.
func (s *Store) ClearSession(ctx context.Context, folder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE folder = ?`, folder)
	return err
}
