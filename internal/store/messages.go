// ABOUTME: Append-only message history per session
// ABOUTME: Ordering is creation-timestamp only; no global sequence is assigned

package store

import (
	"context"
	"fmt"
	"time"
)

// SaveMessage appends a message to a session's history.
func (s *SQLiteStore) SaveMessage(ctx context.Context, m *Message) error {
	query := `
		INSERT INTO messages (id, session_id, role, content, platform_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.SessionID,
		m.Role,
		m.Content,
		m.PlatformMessageID,
		formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetSessionMessagesSince returns up to limit messages for a session
// created strictly after since, oldest first. Callers request limit+1 to
// detect whether more remain.
func (s *SQLiteStore) GetSessionMessagesSince(ctx context.Context, sessionID string, since time.Time, limit int) ([]*Message, error) {
	query := `
		SELECT id, session_id, role, content, platform_message_id, created_at
		FROM messages
		WHERE session_id = ? AND created_at > ?
		ORDER BY created_at
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var (
			m         Message
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.PlatformMessageID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
