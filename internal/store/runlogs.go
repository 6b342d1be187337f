package store

import "context"

// AppendTaskRunLog records one run of a scheduled task — append-only
// history, never updated or deleted except by SetTaskStatus's cancel path.
func (s *Store) AppendTaskRunLog(ctx context.Context, l TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, outcome, result, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.TaskID, l.RunAt, l.DurationMS, l.Outcome, l.Result, l.Error)
	return err
}

// ListTaskRunLogs returns the run history for a task, most recent first.
func (s *Store) ListTaskRunLogs(ctx context.Context, taskID string, limit int) ([]*TaskRunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_at, duration_ms, outcome, result, error
		FROM task_run_logs
		WHERE task_id = ?
		ORDER BY run_at DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []*TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.RunAt, &l.DurationMS, &l.Outcome, &l.Result, &l.Error); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
