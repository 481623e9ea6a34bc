// Package memory implements the vector memory store: a Postgres table
// with a pgvector column for cosine-distance nearest-neighbor search, plus
// the per-user profile row.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"manifold/internal/ragchat/errkind"
)

// RecordType distinguishes the three MemoryRecord kinds.
type RecordType string

const (
	TypeConversation RecordType = "conversation"
	TypeDocument     RecordType = "document"
	TypeKnowledge    RecordType = "knowledge"
)

// Match is one search_similar hit.
type Match struct {
	Content    string
	Role       string
	Metadata   map[string]any
	Similarity float64
	CreatedAt  time.Time
}

// Profile is a UserProfile row.
type Profile struct {
	UserID            string
	Preferences       map[string]any
	Interests         []string
	ConversationCount int
	TotalMessages     int
	FirstSeen         time.Time
	LastActive        time.Time
}

// Store is the Vector Memory Store.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
	dim  int
}

// NewStore constructs a Store for embeddings of dimension dim (768 by
// default per the reference encoder).
func NewStore(pool *pgxpool.Pool, log zerolog.Logger, dim int) *Store {
	if dim <= 0 {
		dim = 768
	}
	return &Store{pool: pool, log: log, dim: dim}
}

// InitSchema creates the memory/profile tables and the pgvector extension,
// if available. Initialization is best-effort: if the extension can't be
// created, the table creation that needs its vector type is skipped with a
// warning and InitSchema returns nil, so reads and writes degrade (empty
// results, errors the caller logs) instead of stopping startup.
func (s *Store) InitSchema(ctx context.Context) error {
	_, extErr := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	if extErr != nil {
		s.log.Warn().Err(extErr).Msg("memory_pgvector_extension_unavailable_degraded_mode")
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memory_records (
  id BIGSERIAL PRIMARY KEY,
  user_id TEXT NOT NULL,
  conversation_id TEXT,
  content TEXT NOT NULL,
  role TEXT NOT NULL DEFAULT 'user',
  embedding vector(%d),
  metadata JSONB NOT NULL DEFAULT '{}',
  type TEXT NOT NULL DEFAULT 'conversation',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS user_profiles (
  user_id TEXT PRIMARY KEY,
  preferences JSONB NOT NULL DEFAULT '{}',
  interests JSONB NOT NULL DEFAULT '[]',
  conversation_count INT NOT NULL DEFAULT 0,
  total_messages INT NOT NULL DEFAULT 0,
  first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_active TIMESTAMPTZ NOT NULL DEFAULT now()
);
`, s.dim))
	if err != nil {
		if extErr != nil {
			s.log.Warn().Err(err).Msg("memory_schema_unavailable_degraded_mode")
			return nil
		}
		return err
	}
	_, err = s.pool.Exec(ctx, `
CREATE INDEX IF NOT EXISTS idx_memory_records_user ON memory_records(user_id);
`)
	if err != nil {
		s.log.Warn().Err(err).Msg("memory_ann_index_unavailable_degraded_mode")
	}
	return nil
}

// AddMemory appends a memory record; no dedup. role is the speaker role
// ("user" or "assistant") so history can later be reconstructed faithfully.
func (s *Store) AddMemory(ctx context.Context, userID, content, role string, embedding []float32, conversationID string, metadata map[string]any, recordType RecordType) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if role == "" {
		role = "user"
	}
	metaRaw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	var convID any
	if conversationID != "" {
		convID = conversationID
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO memory_records(user_id, conversation_id, content, role, embedding, metadata, type)
VALUES ($1, $2, $3, $4, $5::vector, $6, $7)
`, userID, convID, content, role, vectorLiteral(embedding), metaRaw, string(recordType))
	if err != nil && isMissingTable(err) {
		if initErr := s.InitSchema(ctx); initErr != nil {
			return errkind.NewDegraded("vector_memory_write", err)
		}
		_, err = s.pool.Exec(ctx, `
INSERT INTO memory_records(user_id, conversation_id, content, role, embedding, metadata, type)
VALUES ($1, $2, $3, $4, $5::vector, $6, $7)
`, userID, convID, content, role, vectorLiteral(embedding), metaRaw, string(recordType))
	}
	if err != nil {
		return errkind.NewDegraded("vector_memory_write", err)
	}
	return nil
}

// SearchSimilar returns the top-limit records scoring at or above threshold
// cosine similarity, descending. Degrades to an empty result (never an
// error) on any backend failure, per the memory store's best-effort
// contract.
func (s *Store) SearchSimilar(ctx context.Context, userID string, queryVec []float32, limit int, threshold float64, recordType RecordType) []Match {
	if limit <= 0 {
		limit = 10
	}
	query := `
SELECT content, role, metadata, created_at, 1 - (embedding <=> $2::vector) AS similarity
FROM memory_records
WHERE user_id = $1 AND embedding IS NOT NULL
`
	args := []any{userID, vectorLiteral(queryVec)}
	if recordType != "" {
		query += " AND type = $3"
		args = append(args, string(recordType))
	}
	query += " ORDER BY similarity DESC LIMIT " + strconv.Itoa(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.log.Warn().Err(err).Msg("memory_search_degraded")
		return nil
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var content, role string
		var metaRaw []byte
		var createdAt time.Time
		var similarity float64
		if err := rows.Scan(&content, &role, &metaRaw, &createdAt, &similarity); err != nil {
			continue
		}
		if similarity < threshold {
			continue
		}
		var meta map[string]any
		_ = json.Unmarshal(metaRaw, &meta)
		out = append(out, Match{Content: content, Role: role, Metadata: meta, Similarity: similarity, CreatedAt: createdAt})
	}
	return out
}

// GetUserProfile loads a profile row, or a zero-value profile with ok=false
// if none exists yet.
func (s *Store) GetUserProfile(ctx context.Context, userID string) (Profile, bool) {
	var p Profile
	var prefsRaw, interestsRaw []byte
	err := s.pool.QueryRow(ctx, `
SELECT user_id, preferences, interests, conversation_count, total_messages, first_seen, last_active
FROM user_profiles WHERE user_id = $1
`, userID).Scan(&p.UserID, &prefsRaw, &interestsRaw, &p.ConversationCount, &p.TotalMessages, &p.FirstSeen, &p.LastActive)
	if err != nil {
		return Profile{}, false
	}
	_ = json.Unmarshal(prefsRaw, &p.Preferences)
	_ = json.Unmarshal(interestsRaw, &p.Interests)
	return p, true
}

// UpdateUserProfile upserts and merges per the profile merge semantics:
// preferences overwrite by key, interests union, message count increments.
func (s *Store) UpdateUserProfile(ctx context.Context, userID string, preferencesDelta map[string]any, interestsDelta []string, incrementMessages int) error {
	existing, _ := s.GetUserProfile(ctx, userID)
	if existing.Preferences == nil {
		existing.Preferences = map[string]any{}
	}
	for k, v := range preferencesDelta {
		existing.Preferences[k] = v
	}
	existing.Interests = unionStrings(existing.Interests, interestsDelta)
	existing.TotalMessages += incrementMessages

	prefsRaw, err := json.Marshal(existing.Preferences)
	if err != nil {
		return err
	}
	interestsRaw, err := json.Marshal(existing.Interests)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO user_profiles(user_id, preferences, interests, total_messages, last_active)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (user_id) DO UPDATE SET
  preferences = $2, interests = $3,
  total_messages = user_profiles.total_messages + $4,
  last_active = now()
`, userID, prefsRaw, interestsRaw, incrementMessages)
	return err
}

// DeleteUserData removes all memory records and the profile for a user
// (right-to-delete).
func (s *Store) DeleteUserData(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM memory_records WHERE user_id = $1`, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM user_profiles WHERE user_id = $1`, userID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteConversation removes memory records tied to one conversation.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memory_records WHERE conversation_id = $1`, conversationID)
	return err
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := append([]string{}, a...)
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(float64(x), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not exist")
}
