package store

import (
	"context"
	"strings"
)

// InsertMessage inserts a message for a registered chat. Idempotent on the
// (message_id, chat_id) primary key: a redelivered message is a silent
// no-op, which is what gives the at-least-once ingestion path in spec.md
// §8 property 3 its idempotence.
func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(message_id, chat_id, sender_id, sender_display_name, content, timestamp, origin)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.MessageID, m.ChatID, m.SenderID, m.SenderDisplayName, m.Content, m.Timestamp, string(m.Origin))
	return err
}

// GetNewMessages implements spec.md §4.1's getNewMessages(registered_chat_ids,
// >cursor, bot_prefix): every message for the given chats with timestamp
// strictly greater than cursor, excluding bot-prefixed content, ordered by
// timestamp, plus the max observed timestamp (empty string if none).
func (s *Store) GetNewMessages(ctx context.Context, chatIDs []string, cursor, botPrefix string) ([]Message, string, error) {
	if len(chatIDs) == 0 {
		return nil, "", nil
	}

	placeholders := make([]string, len(chatIDs))
	args := make([]any, 0, len(chatIDs)+2)
	for i, id := range chatIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, cursor)

	query := `
		SELECT message_id, chat_id, sender_id, sender_display_name, content, timestamp, origin
		FROM messages
		WHERE chat_id IN (` + strings.Join(placeholders, ",") + `)
		AND timestamp > ?
	`
	if botPrefix != "" {
		query += " AND content NOT LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(botPrefix)+"%")
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	maxTimestamp := cursor
	for rows.Next() {
		var m Message
		var origin string
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.SenderID, &m.SenderDisplayName, &m.Content, &m.Timestamp, &origin); err != nil {
			return nil, "", err
		}
		m.Origin = MessageOrigin(origin)
		messages = append(messages, m)
		if m.Timestamp > maxTimestamp {
			maxTimestamp = m.Timestamp
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return messages, maxTimestamp, nil
}

// GetMessagesSince implements spec.md §4.1's getMessagesSince(chat_id,
// >cursor, bot_prefix): the single-chat specialization of GetNewMessages.
func (s *Store) GetMessagesSince(ctx context.Context, chatID, cursor, botPrefix string) ([]Message, error) {
	messages, _, err := s.GetNewMessages(ctx, []string{chatID}, cursor, botPrefix)
	return messages, err
}

// escapeLike escapes LIKE metacharacters so an arbitrary bot prefix can be
// used safely as a prefix-match pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
