package predcache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackfillPool(t *testing.T) *pgxpool.Pool {
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

func TestLocalBackfiller_EnqueueEventuallyWrites(t *testing.T) {
	pool := testBackfillPool(t)
	ctx := context.Background()
	store := NewStore(pool)
	require.NoError(t, store.InitSchema(ctx))

	_, _ = pool.Exec(ctx, `DELETE FROM prediction_bundles WHERE sport = $1`, "backfill-test")

	b := NewLocalBackfiller(store, zerolog.Nop(), 1, 4)
	b.Enqueue(WriteBackJob{Sport: "backfill-test", QueryType: "prediction", MatchDetails: "x vs y", Analysis: "written async", TTL: time.Hour})
	b.Close()

	_, ok, err := store.Get(ctx, "backfill-test", "prediction", "x vs y")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalBackfiller_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	b := &localBackfiller{
		store: nil,
		log:   zerolog.Nop(),
		jobs:  make(chan WriteBackJob, 1),
		done:  make(chan struct{}),
	}
	close(b.done) // no worker draining the queue in this test

	b.Enqueue(WriteBackJob{Sport: "a"})
	// queue capacity 1, now full; this enqueue must not block
	done := make(chan struct{})
	go func() {
		b.Enqueue(WriteBackJob{Sport: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked instead of dropping when queue is full")
	}
	assert.Len(t, b.jobs, 1)
}

func TestNewLocalBackfiller_DefaultsWorkersAndQueueSize(t *testing.T) {
	t.Parallel()

	b := NewLocalBackfiller(nil, zerolog.Nop(), 0, 0).(*localBackfiller)
	assert.Equal(t, 256, cap(b.jobs))
	b.Close()
}
