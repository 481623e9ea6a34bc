package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/config"
)

func newLocalCache(t *testing.T) *Cache {
	t.Helper()
	return New(config.RedisConfig{Enabled: false}, zerolog.Nop())
}

func TestCache_SetGetRoundtrip(t *testing.T) {
	t.Parallel()

	c := newLocalCache(t)
	ctx := context.Background()
	c.Set(ctx, "k1", []byte("hello"), time.Minute)

	val, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "hello", string(val))
}

func TestCache_GetMissOnUnsetKey(t *testing.T) {
	t.Parallel()

	c := newLocalCache(t)
	_, ok := c.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	c := newLocalCache(t)
	ctx := context.Background()
	c.Set(ctx, "k", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCache_JSONRoundtrip(t *testing.T) {
	t.Parallel()

	c := newLocalCache(t)
	ctx := context.Background()
	type payload struct {
		Name string `json:"name"`
	}
	c.SetJSON(ctx, "p", payload{Name: "Ravi"}, time.Minute)

	var out payload
	require.True(t, c.GetJSON(ctx, "p", &out))
	assert.Equal(t, "Ravi", out.Name)
}

func TestCache_GetJSONFalseOnMalformedValue(t *testing.T) {
	t.Parallel()

	c := newLocalCache(t)
	ctx := context.Background()
	c.Set(ctx, "bad", []byte("not json"), time.Minute)

	var out struct{ Name string }
	assert.False(t, c.GetJSON(ctx, "bad", &out))
}

func TestCache_DeleteRemovesKey(t *testing.T) {
	t.Parallel()

	c := newLocalCache(t)
	ctx := context.Background()
	c.Set(ctx, "k", []byte("v"), time.Minute)
	c.Delete(ctx, "k")

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCache_ClearRemovesNamespace(t *testing.T) {
	t.Parallel()

	c := newLocalCache(t)
	ctx := context.Background()
	c.Set(ctx, Key("search", "a"), []byte("1"), time.Minute)
	c.Set(ctx, Key("search", "b"), []byte("2"), time.Minute)
	c.Set(ctx, Key("scrape", "c"), []byte("3"), time.Minute)

	c.Clear(ctx, "search")

	_, ok := c.Get(ctx, Key("search", "a"))
	assert.False(t, ok)
	_, ok = c.Get(ctx, Key("scrape", "c"))
	assert.True(t, ok)
}

func TestKey_IsDeterministicAndDistinguishesArgs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Key("p", "a", "b"), Key("p", "a", "b"))
	assert.NotEqual(t, Key("p", "a", "b"), Key("p", "a", "c"))
}

func TestCache_StatsCountsLocalEntries(t *testing.T) {
	t.Parallel()

	c := newLocalCache(t)
	ctx := context.Background()
	c.Set(ctx, Key("search", "a"), []byte("1"), time.Minute)
	c.Set(ctx, Key("search", "b"), []byte("2"), time.Minute)

	stats := c.Stats()
	assert.Equal(t, 2, stats["search"].Entries)
}
