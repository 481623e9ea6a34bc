// Package quota implements quota management: identity classification,
// daily/lifetime counter increments, reset scheduling, and admission
// decisions, following the pgxpool CRUD idiom used by internal/auth's store
// (schema-init via CREATE TABLE IF NOT EXISTS, upsert-by-conflict-key row
// mutation).
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"manifold/internal/config"
	"manifold/internal/ragchat/errkind"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted bool
	Err      *errkind.AdmissionError
}

// Store persists per-principal message counters.
type Store struct {
	pool  *pgxpool.Pool
	plans map[string]config.Plan
	guest config.Plan
}

// NewStore constructs a quota Store. cfg.GuestLimit sets the
// GUEST_MESSAGE_LIMIT.
func NewStore(pool *pgxpool.Pool, cfg config.Config) *Store {
	total := cfg.GuestLimit
	return &Store{
		pool:  pool,
		plans: cfg.Plans,
		guest: config.Plan{Total: &total, WebDaily: cfg.GuestWebDaily},
	}
}

// InitSchema creates the quota ledger tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS quota_guests (
  fingerprint TEXT PRIMARY KEY,
  messages_lifetime BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS quota_users (
  user_id TEXT PRIMARY KEY,
  tier TEXT NOT NULL DEFAULT 'free',
  messages_lifetime BIGINT NOT NULL DEFAULT 0,
  messages_today BIGINT NOT NULL DEFAULT 0,
  daily_reset_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`)
	return err
}

// AdmitGuest applies the guest admission rule: atomically
// increment the fingerprint's lifetime counter and deny once it exceeds the
// guest plan's total.
func (s *Store) AdmitGuest(ctx context.Context, fingerprint string) (Decision, error) {
	limit := 3
	if s.guest.Total != nil {
		limit = *s.guest.Total
	}
	var count int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO quota_guests(fingerprint, messages_lifetime) VALUES ($1, 1)
ON CONFLICT (fingerprint) DO UPDATE SET messages_lifetime = quota_guests.messages_lifetime + 1
RETURNING messages_lifetime
`, fingerprint).Scan(&count)
	if err != nil {
		return Decision{}, err
	}
	if int(count) > limit {
		return Decision{Admitted: false, Err: &errkind.AdmissionError{
			Kind:    errkind.ErrFreeLimitExceeded,
			Message: "guest message limit reached; sign up to keep chatting",
			Used:    int(count) - 1, Limit: limit,
			Plans: s.upgradePlans("guest"),
		}}, nil
	}
	return Decision{Admitted: true}, nil
}

// AdmitUser applies the registered-user admission rule.
func (s *Store) AdmitUser(ctx context.Context, userID, tier string, now time.Time) (Decision, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Decision{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lifetime, today int64
	var resetAt time.Time
	err = tx.QueryRow(ctx, `
INSERT INTO quota_users(user_id, tier, daily_reset_at) VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET tier = EXCLUDED.tier
RETURNING messages_lifetime, messages_today, daily_reset_at
`, userID, tier, now.Add(24*time.Hour)).Scan(&lifetime, &today, &resetAt)
	if err != nil {
		return Decision{}, err
	}

	if !now.Before(resetAt) {
		today = 0
		resetAt = now.Add(24 * time.Hour)
	}

	plan, ok := s.plans[tier]
	if !ok {
		plan = s.plans["free"]
	}
	if plan.Total != nil && lifetime >= int64(*plan.Total) {
		if err := tx.Commit(ctx); err != nil {
			return Decision{}, err
		}
		reset := resetAt.Unix()
		return Decision{Admitted: false, Err: &errkind.AdmissionError{
			Kind:    errkind.ErrLifetimeLimitExceeded,
			Message: "lifetime message limit reached for your plan",
			Used:    int(lifetime), Limit: *plan.Total, ResetAt: &reset,
			Plans: s.upgradePlans(tier),
		}}, nil
	}
	if plan.Daily != nil && today >= int64(*plan.Daily) {
		if err := tx.Commit(ctx); err != nil {
			return Decision{}, err
		}
		reset := resetAt.Unix()
		return Decision{Admitted: false, Err: &errkind.AdmissionError{
			Kind:    errkind.ErrDailyLimitExceeded,
			Message: "daily message limit reached; resets at reset_at",
			Used:    int(today), Limit: *plan.Daily, ResetAt: &reset,
			Plans: s.upgradePlans(tier),
		}}, nil
	}

	_, err = tx.Exec(ctx, `
UPDATE quota_users SET messages_lifetime = messages_lifetime + 1,
  messages_today = $2, daily_reset_at = $3, updated_at = now()
WHERE user_id = $1
`, userID, today+1, resetAt)
	if err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Decision{}, err
	}
	return Decision{Admitted: true}, nil
}

// planOrder is the canonical tier ladder used to suggest upgrades; it is not
// derived from the plans map because the map has no inherent ordering.
var planOrder = []string{"free", "limited", "unlimited"}

// upgradePlans lists the tiers above currentTier that are actually
// configured, in ladder order, for the denial envelope's upgrade hint.
func (s *Store) upgradePlans(currentTier string) []string {
	var out []string
	for _, name := range planOrder {
		if name == currentTier {
			continue
		}
		if _, ok := s.plans[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// WebSearchCounter tracks the 24h web-search sub-quota, backed by the Cache
// Layer, backed by a 24-hour-TTL counter in the cache layer.
type WebSearchCounter interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// WebSearchLimit returns the per-tier daily web-search sub-quota.
func WebSearchLimit(cfg config.Config, tier string) int {
	if tier == "guest" {
		return cfg.GuestWebDaily
	}
	if plan, ok := cfg.Plans[tier]; ok {
		return plan.WebDaily
	}
	return cfg.Plans["free"].WebDaily
}

// PeekWebSearchUsed returns the current 24h web-search sub-quota usage
// without incrementing it, for gating a fan-out attempt before it's known
// whether the request will actually hit the network.
func PeekWebSearchUsed(ctx context.Context, c WebSearchCounter, principal string) int {
	raw, ok := c.Get(ctx, "wsquota:"+principal)
	if !ok {
		return 0
	}
	return decodeInt(raw)
}

// CheckAndIncrementWebSearch enforces the web-search sub-quota. Call only
// when a fresh (non-cached) search is about to be issued; cached reads are
// free and must not call this.
func CheckAndIncrementWebSearch(ctx context.Context, c WebSearchCounter, principal string, limit int) (bool, int) {
	key := "wsquota:" + principal
	var used int
	if raw, ok := c.Get(ctx, key); ok {
		used = decodeInt(raw)
	}
	if used >= limit {
		return false, used
	}
	used++
	c.Set(ctx, key, encodeInt(used), 24*time.Hour)
	return true, used
}

func encodeInt(n int) []byte {
	return []byte(pgIntString(n))
}

func decodeInt(b []byte) int {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func pgIntString(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// ErrNotFound mirrors pgx.ErrNoRows for callers that don't want a pgx import.
var ErrNotFound = errors.New("not found")
