package store

import "context"

// GetLastTimestamp returns the global router cursor's high-watermark, used
// by the polling ingestion loop (C3).
func (s *Store) GetLastTimestamp(ctx context.Context) (string, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT last_timestamp FROM router_cursor WHERE id = 1`).Scan(&ts)
	return ts, err
}

// AdvanceLastTimestamp moves the global cursor forward if ts is newer,
// preserving the monotone-cursor invariant (spec.md §8 property 2).
func (s *Store) AdvanceLastTimestamp(ctx context.Context, ts string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE router_cursor SET last_timestamp = ?
		WHERE id = 1 AND ? > last_timestamp
	`, ts, ts)
	return err
}

// GetAgentCursor returns last_agent_timestamp[chatID], or "" if the chat has
// never been delivered to an agent.
func (s *Store) GetAgentCursor(ctx context.Context, chatID string) (string, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT last_agent_timestamp FROM chat_cursors WHERE chat_id = ?`, chatID).Scan(&ts)
	if err != nil {
		return "", nil //nolint:nilerr // absent row means "never delivered"; treat as the zero cursor
	}
	return ts, nil
}

// AdvanceAgentCursor moves last_agent_timestamp[chatID] forward if ts is
// newer than what's stored, mutated only by C6 after a successful run and
// by in-band command handling per spec.md §3.
func (s *Store) AdvanceAgentCursor(ctx context.Context, chatID, ts string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_cursors (chat_id, last_agent_timestamp)
		VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET last_agent_timestamp = excluded.last_agent_timestamp
		WHERE excluded.last_agent_timestamp > chat_cursors.last_agent_timestamp
	`, chatID, ts)
	return err
}
