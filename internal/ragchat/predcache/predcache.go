// Package predcache implements the shared prediction cache: one fetch serves
// many requests, keyed by (sport, query_type, normalized match_details), with
// a write-back path so a cache-miss analysis never blocks the request that
// produced it.
package predcache

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Source is one citation backing a prediction bundle's analysis.
type Source struct {
	Idx       int       `json:"idx"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Host      string    `json:"host"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Bundle is a PredictionBundle row.
type Bundle struct {
	ID           int64
	Sport        string
	QueryType    string
	MatchDetails string
	AnalysisText string
	Sources      []Source
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ViewCount    int64
	Active       bool
}

// EntityStats is a lightweight per-entity (player/team) aggregate sibling
// table, supplementing the core bundle table so entity lookups don't have
// to scan analysis text.
type EntityStats struct {
	Entity    string
	Sport     string
	ViewCount int64
	UpdatedAt time.Time
}

// Store persists prediction bundles.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InitSchema creates the prediction-cache tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS prediction_bundles (
  id BIGSERIAL PRIMARY KEY,
  sport TEXT NOT NULL,
  query_type TEXT NOT NULL,
  match_details TEXT NOT NULL,
  analysis_text TEXT NOT NULL,
  sources JSONB NOT NULL DEFAULT '[]',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  expires_at TIMESTAMPTZ NOT NULL,
  view_count BIGINT NOT NULL DEFAULT 0,
  active BOOLEAN NOT NULL DEFAULT true
);
CREATE INDEX IF NOT EXISTS idx_prediction_bundles_lookup
  ON prediction_bundles(sport, query_type, match_details, active, expires_at);
CREATE TABLE IF NOT EXISTS prediction_entity_stats (
  entity TEXT NOT NULL,
  sport TEXT NOT NULL,
  view_count BIGINT NOT NULL DEFAULT 0,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (entity, sport)
);
`)
	return err
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeMatchDetails lowercases and collapses whitespace, per the key
// tuple's "normalized, lowercased, whitespace-collapsed" rule.
func NormalizeMatchDetails(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return whitespaceRun.ReplaceAllString(s, " ")
}

// Get returns the newest active, non-expired bundle for the key tuple and
// atomically increments its view_count. Returns ok=false on a clean miss.
func (s *Store) Get(ctx context.Context, sport, queryType, matchDetails string) (Bundle, bool, error) {
	key := NormalizeMatchDetails(matchDetails)
	var b Bundle
	var sourcesRaw []byte
	err := s.pool.QueryRow(ctx, `
UPDATE prediction_bundles SET view_count = view_count + 1
WHERE id = (
  SELECT id FROM prediction_bundles
  WHERE sport = $1 AND query_type = $2 AND match_details = $3
    AND active AND expires_at > now()
  ORDER BY created_at DESC LIMIT 1
)
RETURNING id, sport, query_type, match_details, analysis_text, sources, created_at, expires_at, view_count, active
`, sport, queryType, key).Scan(
		&b.ID, &b.Sport, &b.QueryType, &b.MatchDetails, &b.AnalysisText, &sourcesRaw,
		&b.CreatedAt, &b.ExpiresAt, &b.ViewCount, &b.Active,
	)
	if err == pgx.ErrNoRows {
		return Bundle{}, false, nil
	}
	if err != nil {
		return Bundle{}, false, err
	}
	b.Sources = decodeSources(sourcesRaw)
	return b, true, nil
}

// Put inserts a new bundle. Older bundles for the same tuple are left in
// place; they stop being returned once they expire.
func (s *Store) Put(ctx context.Context, sport, queryType, matchDetails, analysis string, sources []Source, ttl time.Duration) error {
	key := NormalizeMatchDetails(matchDetails)
	raw := encodeSources(sources)
	_, err := s.pool.Exec(ctx, `
INSERT INTO prediction_bundles(sport, query_type, match_details, analysis_text, sources, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, sport, queryType, key, analysis, raw, time.Now().Add(ttl))
	return err
}

// Popular lists the highest-viewed active bundles, optionally filtered by
// sport.
func (s *Store) Popular(ctx context.Context, sport string, limit int) ([]Bundle, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows pgx.Rows
	var err error
	if sport == "" {
		rows, err = s.pool.Query(ctx, `
SELECT id, sport, query_type, match_details, analysis_text, sources, created_at, expires_at, view_count, active
FROM prediction_bundles WHERE active AND expires_at > now()
ORDER BY view_count DESC LIMIT $1
`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
SELECT id, sport, query_type, match_details, analysis_text, sources, created_at, expires_at, view_count, active
FROM prediction_bundles WHERE active AND expires_at > now() AND sport = $1
ORDER BY view_count DESC LIMIT $2
`, sport, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bundle
	for rows.Next() {
		var b Bundle
		var sourcesRaw []byte
		if err := rows.Scan(&b.ID, &b.Sport, &b.QueryType, &b.MatchDetails, &b.AnalysisText, &sourcesRaw,
			&b.CreatedAt, &b.ExpiresAt, &b.ViewCount, &b.Active); err != nil {
			return nil, err
		}
		b.Sources = decodeSources(sourcesRaw)
		out = append(out, b)
	}
	return out, rows.Err()
}

// BumpEntityStats increments the view counter for a player/team entity
// mentioned in a served bundle.
func (s *Store) BumpEntityStats(ctx context.Context, entity, sport string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO prediction_entity_stats(entity, sport, view_count) VALUES ($1, $2, 1)
ON CONFLICT (entity, sport) DO UPDATE SET view_count = prediction_entity_stats.view_count + 1, updated_at = now()
`, entity, sport)
	return err
}

func encodeSources(sources []Source) []byte {
	raw, err := json.Marshal(sources)
	if err != nil {
		return []byte("[]")
	}
	return raw
}

func decodeSources(raw []byte) []Source {
	var sources []Source
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil
	}
	return sources
}
