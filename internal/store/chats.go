package store

import (
	"context"
	"database/sql"
	"errors"
)

// UpsertChat applies spec.md §4.1's chat upsert semantics:
// name = coalesce(new, old), last_message_time = max(new, old).
func (s *Store) UpsertChat(ctx context.Context, chatID, name, lastMessageTime string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, name, last_message_time)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message_time = CASE
				WHEN excluded.last_message_time > chats.last_message_time THEN excluded.last_message_time
				ELSE chats.last_message_time
			END
	`, chatID, name, lastMessageTime)
	return err
}

// GetChat returns the chat record for chatID, or ErrNotFound.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT chat_id, name, last_message_time FROM chats WHERE chat_id = ?`, chatID)
	var c Chat
	if err := row.Scan(&c.ChatID, &c.Name, &c.LastMessageTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListChats returns every known chat, most-recently-active first.
func (s *Store) ListChats(ctx context.Context) ([]*Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, name, last_message_time FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []*Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ChatID, &c.Name, &c.LastMessageTime); err != nil {
			return nil, err
		}
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}
