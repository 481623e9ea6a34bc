package orchestrator

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/config"
	"manifold/internal/llm"
	"manifold/internal/ragchat/cache"
	"manifold/internal/ragchat/convo"
	"manifold/internal/ragchat/errkind"
	"manifold/internal/ragchat/memory"
	"manifold/internal/ragchat/predcache"
	"manifold/internal/ragchat/quota"
	"manifold/internal/ragchat/scrape"
	"manifold/internal/ragchat/search"
)

// fakeLLM returns a fixed reply without making any network call.
type fakeLLM struct {
	reply string
}

func (f *fakeLLM) Chat(ctx context.Context, msgs []llm.Message, model string, temperature float64, maxTokens int) (llm.Message, error) {
	return llm.Message{Role: "assistant", Content: f.reply}, nil
}

// fakeEmbedder deterministically embeds by string length, avoiding any HTTP call.
type fakeEmbedder struct{}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if t == "" {
			continue
		}
		out[i] = []float32{float32(len(t)), 0, 0}
	}
	return out, nil
}
func (fakeEmbedder) Name() string             { return "fake" }
func (fakeEmbedder) Dimension() int           { return 3 }
func (fakeEmbedder) Ping(ctx context.Context) error { return nil }

func testOrchestratorPool(t *testing.T) *pgxpool.Pool {
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

func newTestDeps(t *testing.T, pool *pgxpool.Pool, reply string) Deps {
	ctx := context.Background()
	cfg := config.Config{}
	cfg.GuestLimit = 1000
	cfg.TTL.ResponseCacheSec = 60
	cfg.LLM.Model = "fake-model"

	quotaStore := quota.NewStore(pool, cfg)
	require.NoError(t, quotaStore.InitSchema(ctx))
	convoStore := convo.NewStore(pool)
	require.NoError(t, convoStore.InitSchema(ctx))
	memStore := memory.NewStore(pool, zerolog.Nop(), 3)
	require.NoError(t, memStore.InitSchema(ctx))
	predStore := predcache.NewStore(pool)
	require.NoError(t, predStore.InitSchema(ctx))

	c := cache.New(config.RedisConfig{Enabled: false}, zerolog.Nop())
	searchSvc := search.New(config.SearchConfig{}, c, time.Minute, nil)
	scrapeSvc := scrape.New(config.ScrapeConfig{}, c, time.Minute, nil)
	backfiller := predcache.NewLocalBackfiller(predStore, zerolog.Nop(), 1, 4)
	t.Cleanup(backfiller.Close)

	return Deps{
		Cfg:        cfg,
		Cache:      c,
		Embedder:   fakeEmbedder{},
		Quota:      quotaStore,
		Convo:      convoStore,
		Memory:     memStore,
		PredCache:  predStore,
		Backfiller: backfiller,
		Search:     searchSvc,
		Scrape:     scrapeSvc,
		LLM:        &fakeLLM{reply: reply},
		Log:        zerolog.Nop(),
	}
}

func TestHandle_GuestTurnReturnsAssistantReply(t *testing.T) {
	pool := testOrchestratorPool(t)
	deps := newTestDeps(t, pool, "hello there")
	orch := New(deps)

	resp, err := orch.Handle(context.Background(), Request{
		GuestFingerprint: "fp-orchestrator-guest-test",
		Message:          "what's the weather like",
		Tier:             "guest",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.ResponseText)
	assert.Equal(t, "english", resp.Language)
	assert.NotEmpty(t, resp.ConversationID)
}

func TestHandle_RegisteredUserTurnPersistsConversation(t *testing.T) {
	pool := testOrchestratorPool(t)
	deps := newTestDeps(t, pool, "sure, here's an answer")
	orch := New(deps)

	ctx := context.Background()
	userID := "user-orchestrator-test"
	_, _ = pool.Exec(ctx, `DELETE FROM conversations WHERE user_id = $1`, userID)

	resp, err := orch.Handle(ctx, Request{
		PrincipalID: userID,
		Message:     "remember my name is Priya",
		Tier:        "free",
	})
	require.NoError(t, err)
	assert.Equal(t, "sure, here's an answer", resp.ResponseText)

	msgs, err := deps.Convo.Get(ctx, resp.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
}

func TestHandle_SecondIdenticalTurnHitsResponseCache(t *testing.T) {
	pool := testOrchestratorPool(t)
	deps := newTestDeps(t, pool, "first reply")
	orch := New(deps)

	ctx := context.Background()
	req := Request{
		GuestFingerprint: "fp-orchestrator-cache-test",
		ConversationID:   "conv-orchestrator-cache-test",
		Message:          "tell me a generic fact",
		Tier:             "guest",
	}

	first, err := orch.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "first reply", first.ResponseText)

	deps.LLM = &fakeLLM{reply: "second reply should not be seen"}
	orch2 := New(deps)
	second, err := orch2.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "first reply", second.ResponseText)
}

func TestHandle_GuestDeniedPastLifetimeLimit(t *testing.T) {
	pool := testOrchestratorPool(t)
	deps := newTestDeps(t, pool, "reply")
	deps.Cfg.GuestLimit = 1
	deps.Quota = quota.NewStore(pool, deps.Cfg)
	require.NoError(t, deps.Quota.InitSchema(context.Background()))

	fp := "fp-orchestrator-denied-test"
	_, _ = pool.Exec(context.Background(), `DELETE FROM quota_guests WHERE fingerprint = $1`, fp)

	orch := New(deps)
	req := Request{GuestFingerprint: fp, Message: "first message", Tier: "guest"}

	_, err := orch.Handle(context.Background(), req)
	require.NoError(t, err)

	req.ConversationID = ""
	_, err = orch.Handle(context.Background(), req)
	require.Error(t, err)
	var admErr *errkind.AdmissionError
	require.True(t, errors.As(err, &admErr))
	assert.Equal(t, 1, admErr.Limit)
}

func TestBumpEntityStats_SplitsOnVersusVariants(t *testing.T) {
	pool := testOrchestratorPool(t)
	deps := newTestDeps(t, pool, "reply")
	orch := New(deps)
	ctx := context.Background()
	_, _ = pool.Exec(ctx, `DELETE FROM prediction_entity_stats WHERE sport = 'cricket' AND entity = 'India'`)

	orch.bumpEntityStats(ctx, "India vs Australia predicted XI")
	orch.bumpEntityStats(ctx, "India versus Australia predicted XI")
	orch.bumpEntityStats(ctx, "no marker here")

	bundles, err := deps.PredCache.Popular(ctx, "cricket", 10)
	require.NoError(t, err)
	assert.Empty(t, bundles) // bumpEntityStats never touches prediction_bundles

	var count int64
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT view_count FROM prediction_entity_stats WHERE entity = $1 AND sport = 'cricket'`,
		"India").Scan(&count))
	assert.Equal(t, int64(2), count)
}
