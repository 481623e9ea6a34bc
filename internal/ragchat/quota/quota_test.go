package quota

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/config"
)

type fakeCounter struct {
	store map[string][]byte
}

func newFakeCounter() *fakeCounter { return &fakeCounter{store: make(map[string][]byte)} }

func (f *fakeCounter) Get(ctx context.Context, key string) ([]byte, bool) {
	v, ok := f.store[key]
	return v, ok
}

func (f *fakeCounter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	f.store[key] = value
}

func TestCheckAndIncrementWebSearch_AllowsUpToLimit(t *testing.T) {
	t.Parallel()

	c := newFakeCounter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, used := CheckAndIncrementWebSearch(ctx, c, "user-1", 3)
		assert.True(t, ok)
		assert.Equal(t, i+1, used)
	}

	ok, used := CheckAndIncrementWebSearch(ctx, c, "user-1", 3)
	assert.False(t, ok)
	assert.Equal(t, 3, used)
}

func TestCheckAndIncrementWebSearch_IsolatedPerPrincipal(t *testing.T) {
	t.Parallel()

	c := newFakeCounter()
	ctx := context.Background()

	ok, _ := CheckAndIncrementWebSearch(ctx, c, "user-1", 1)
	assert.True(t, ok)
	ok, _ = CheckAndIncrementWebSearch(ctx, c, "user-2", 1)
	assert.True(t, ok)
}

func TestWebSearchLimit_GuestUsesGuestWebDaily(t *testing.T) {
	t.Parallel()

	cfg := config.Config{GuestWebDaily: 5, Plans: map[string]config.Plan{"free": {WebDaily: 10}}}
	assert.Equal(t, 5, WebSearchLimit(cfg, "guest"))
}

func TestWebSearchLimit_FallsBackToFreeForUnknownTier(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Plans: map[string]config.Plan{"free": {WebDaily: 10}}}
	assert.Equal(t, 10, WebSearchLimit(cfg, "nonexistent"))
}

func TestEncodeDecodeInt_Roundtrip(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 9, 10, 42, 999999} {
		assert.Equal(t, n, decodeInt(encodeInt(n)))
	}
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	_ = godotenv.Load("../../../.env")
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestAdmitGuest_DeniesPastLifetimeLimit(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	total := 2
	store := &Store{pool: pool, guest: config.Plan{Total: &total}}
	require.NoError(t, store.InitSchema(ctx))

	fp := "fp-test-guest-limit"
	_, _ = pool.Exec(ctx, `DELETE FROM quota_guests WHERE fingerprint = $1`, fp)

	for i := 0; i < 2; i++ {
		d, err := store.AdmitGuest(ctx, fp)
		require.NoError(t, err)
		assert.True(t, d.Admitted)
	}
	d, err := store.AdmitGuest(ctx, fp)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	require.NotNil(t, d.Err)
	assert.Equal(t, 2, d.Err.Limit)
}

func TestAdmitUser_DailyResetAndLimits(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	daily := 1
	cfg := config.Config{Plans: map[string]config.Plan{"free": {Daily: &daily}}}
	store := NewStore(pool, cfg)
	require.NoError(t, store.InitSchema(ctx))

	userID := "user-test-daily-limit"
	_, _ = pool.Exec(ctx, `DELETE FROM quota_users WHERE user_id = $1`, userID)

	now := time.Now()
	d, err := store.AdmitUser(ctx, userID, "free", now)
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	d, err = store.AdmitUser(ctx, userID, "free", now)
	require.NoError(t, err)
	assert.False(t, d.Admitted)

	// After the reset window, the daily counter should allow again.
	d, err = store.AdmitUser(ctx, userID, "free", now.Add(25*time.Hour))
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}
