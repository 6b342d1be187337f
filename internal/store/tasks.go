package store

import (
	"context"
	"database/sql"
	"errors"
)

// CreateTask inserts a new ScheduledTask (created via IPC schedule_task).
func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, workspace_folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.WorkspaceFolder, t.ChatID, t.Prompt, string(t.ScheduleKind), t.ScheduleValue, string(t.ContextMode),
		t.NextRun, t.LastRun, t.LastResult, string(t.Status))
	return err
}

// GetTask returns the task with the given id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

// GetDueTasks implements spec.md §4.1's getDueTasks(): active tasks with a
// non-null next_run <= now, ordered by next_run.
func (s *Store) GetDueTasks(ctx context.Context, now string) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*ScheduledTask
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListTasksForWorkspace returns every task targeting folder, used to build
// the per-workspace tasks.json snapshot (C6).
func (s *Store) ListTasksForWorkspace(ctx context.Context, folder string) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE workspace_folder = ? ORDER BY next_run ASC`, folder)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*ScheduledTask
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskSchedule persists the result of a fire: last_run, last_result,
// the recomputed next_run (nil transitions a "once" task to completed),
// and status.
func (s *Store) UpdateTaskSchedule(ctx context.Context, id string, nextRun, lastRun, lastResult *string, status TaskStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET next_run = ?, last_run = ?, last_result = ?, status = ?
		WHERE id = ?
	`, nextRun, lastRun, lastResult, string(status), id)
	return err
}

// SetTaskStatus applies the IPC {pause, resume, cancel} actions.
// Cancel also deletes the task's run log atomically, matching spec.md
// §4.1's "multi-statement mutations... execute atomically" requirement.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	if status != TaskCompleted {
		_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status = ? WHERE id = ?`, string(status), id)
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE scheduled_tasks SET status = ? WHERE id = ?`, string(status), id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?`, id)
		return err
	})
}

const taskSelect = `
	SELECT id, workspace_folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status
	FROM scheduled_tasks`

func scanTask(row rowScanner) (*ScheduledTask, error) {
	t, err := scanTaskRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func scanTaskRows(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var kind, ctxMode, status string
	if err := row.Scan(&t.ID, &t.WorkspaceFolder, &t.ChatID, &t.Prompt, &kind, &t.ScheduleValue, &ctxMode,
		&t.NextRun, &t.LastRun, &t.LastResult, &status); err != nil {
		return nil, err
	}
	t.ScheduleKind = ScheduleKind(kind)
	t.ContextMode = ContextMode(ctxMode)
	t.Status = TaskStatus(status)
	return &t, nil
}
