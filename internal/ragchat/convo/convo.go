// Package convo implements the conversation store: append-only turn
// history keyed by conversation, with per-user summaries for a history list
// view.
package convo

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const maxMessageBytes = 4096
const previewLen = 120

// Message is one turn in a conversation.
type Message struct {
	ID        int64
	Role      string // "user" | "assistant"
	Content   string
	CreatedAt time.Time
}

// Summary describes one conversation for a history listing.
type Summary struct {
	ConversationID string
	CreatedAt      time.Time
	LastActivityAt time.Time
	MessageCount   int
	Preview        string
}

// Store persists conversation turns.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InitSchema creates the conversation tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS conversations (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS conversation_messages (
  id BIGSERIAL PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv ON conversation_messages(conversation_id, id);
`)
	return err
}

// Append adds one turn to a conversation, creating the conversation row if
// this is its first message. Content over maxMessageBytes is truncated.
func (s *Store) Append(ctx context.Context, userID, conversationID, role, content string) error {
	if len(content) > maxMessageBytes {
		content = truncateBytes(content, maxMessageBytes)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO conversations(id, user_id) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET last_activity_at = now()
`, conversationID, userID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO conversation_messages(conversation_id, role, content) VALUES ($1, $2, $3)
`, conversationID, role, content)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListByUser returns conversation summaries for a user, most recently active
// first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
SELECT c.id, c.created_at, c.last_activity_at,
  (SELECT count(*) FROM conversation_messages m WHERE m.conversation_id = c.id),
  COALESCE((SELECT m.content FROM conversation_messages m
    WHERE m.conversation_id = c.id AND m.role = 'user' ORDER BY m.id ASC LIMIT 1), '')
FROM conversations c
WHERE c.user_id = $1
ORDER BY c.last_activity_at DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var firstUserMsg string
		if err := rows.Scan(&sum.ConversationID, &sum.CreatedAt, &sum.LastActivityAt, &sum.MessageCount, &firstUserMsg); err != nil {
			return nil, err
		}
		sum.Preview = preview(firstUserMsg)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get returns every message in a conversation, oldest first.
func (s *Store) Get(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, role, content, created_at FROM conversation_messages
WHERE conversation_id = $1 ORDER BY id ASC
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes one conversation and its messages.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, conversationID)
	return err
}

// DeleteAll removes every conversation belonging to a user.
func (s *Store) DeleteAll(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE user_id = $1`, userID)
	return err
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "…"
}

func truncateBytes(s string, max int) string {
	b := []byte(s)
	if len(b) <= max {
		return s
	}
	b = b[:max]
	for len(b) > 0 && !isUTF8Boundary(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

func isUTF8Boundary(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	last := b[len(b)-1]
	return last&0xC0 != 0x80
}
