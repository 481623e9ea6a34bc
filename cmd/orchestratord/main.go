// Command orchestratord runs the retrieval-augmented chat orchestrator as a
// standalone HTTP service: config load, logger and OTel init, a tuned HTTP
// transport, and one mux serving the chat endpoint plus optional OIDC login
// routes.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"manifold/internal/auth"
	"manifold/internal/config"
	"manifold/internal/llm/providers"
	"manifold/internal/logging"
	"manifold/internal/observability"
	"manifold/internal/ragchat/cache"
	"manifold/internal/ragchat/convo"
	"manifold/internal/ragchat/embed"
	"manifold/internal/ragchat/httpapi"
	"manifold/internal/ragchat/memory"
	"manifold/internal/ragchat/orchestrator"
	"manifold/internal/ragchat/predcache"
	"manifold/internal/ragchat/quota"
	"manifold/internal/ragchat/scrape"
	"manifold/internal/ragchat/search"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logging.Log.Info("orchestratord starting")
	defer func() {
		if r := recover(); r != nil {
			logging.Log.WithField("panic", r).Error("orchestratord panicked")
			panic(r)
		}
	}()
	if err := run(); err != nil {
		logging.Log.WithError(err).Fatal("orchestratord exited with error")
	}
	logging.Log.Info("orchestratord stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger("", cfg.LogLevel)

	baseCtx := context.Background()

	shutdown, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	pool, err := pgxpool.New(baseCtx, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()

	quotaStore := quota.NewStore(pool, cfg)
	if err := quotaStore.InitSchema(baseCtx); err != nil {
		return fmt.Errorf("init quota schema: %w", err)
	}
	convoStore := convo.NewStore(pool)
	if err := convoStore.InitSchema(baseCtx); err != nil {
		return fmt.Errorf("init conversation schema: %w", err)
	}
	memStore := memory.NewStore(pool, log.Logger, cfg.Embedding.Dimensions)
	if err := memStore.InitSchema(baseCtx); err != nil {
		return fmt.Errorf("init memory schema: %w", err)
	}
	predStore := predcache.NewStore(pool)
	if err := predStore.InitSchema(baseCtx); err != nil {
		return fmt.Errorf("init prediction cache schema: %w", err)
	}
	authStore := auth.NewStore(pool, cfg.Auth.SessionTTLHours)
	if err := authStore.InitSchema(baseCtx); err != nil {
		return fmt.Errorf("init auth schema: %w", err)
	}
	if err := authStore.EnsureDefaultRoles(baseCtx); err != nil {
		return fmt.Errorf("seed auth roles: %w", err)
	}

	redisCache := cache.New(cfg.Redis, log.Logger)

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   7 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	httpClient := observability.NewHTTPClient(&http.Client{Transport: tr})

	embedder := embed.NewClient(cfg.Embedding, cfg.Embedding.Dimensions)

	llmProvider, err := providers.Build(cfg.LLM, httpClient)
	if err != nil {
		return fmt.Errorf("init llm provider: %w", err)
	}

	paidProvider := search.NewPaidProvider(cfg.Search, httpClient)
	searchSvc := search.New(cfg.Search, redisCache, cfg.TTL.Search(), paidProvider)
	renderer := newRenderer(12 * time.Second)
	scrapeSvc := scrape.New(cfg.Scrape, redisCache, cfg.TTL.Scrape(), renderer)

	backfillWorkers := getenvInt("PREDCACHE_BACKFILL_WORKERS", 2)
	backfillQueue := getenvInt("PREDCACHE_BACKFILL_QUEUE", 64)
	backfiller := newBackfiller(cfg, predStore, log.Logger, backfillWorkers, backfillQueue)
	defer backfiller.Close()
	maybeStartBackfillConsumer(baseCtx, cfg, predStore, log.Logger)

	orch := orchestrator.New(orchestrator.Deps{
		Cfg:        cfg,
		Cache:      redisCache,
		Embedder:   embedder,
		Quota:      quotaStore,
		Convo:      convoStore,
		Memory:     memStore,
		PredCache:  predStore,
		Backfiller: backfiller,
		Search:     searchSvc,
		Scrape:     scrapeSvc,
		LLM:        llmProvider,
		Log:        log.Logger,
	})

	handler := httpapi.NewHandler(orch, predStore, log.Logger)
	mux := http.NewServeMux()
	handler.Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.Auth.Issuer != "" {
		oidcAuth, err := auth.NewOIDC(baseCtx, cfg.Auth.Issuer, cfg.Auth.ClientID, cfg.Auth.ClientSecret,
			cfg.Auth.RedirectURL, authStore, cfg.Auth.CookieName, cfg.Auth.AllowedDomains,
			cfg.Auth.StateTTLSeconds, cfg.Auth.CookieSecure)
		if err != nil {
			return fmt.Errorf("init oidc: %w", err)
		}
		mux.HandleFunc("/auth/login", oidcAuth.LoginHandler())
		mux.HandleFunc("/auth/callback", oidcAuth.CallbackHandler(cfg.Auth.CookieSecure, cfg.Auth.CookieDomain))
		mux.HandleFunc("/auth/logout", oidcAuth.LogoutHandler(cfg.Auth.CookieSecure, cfg.Auth.CookieDomain))
		mux.HandleFunc("/auth/me", oidcAuth.MeHandler())
	} else {
		log.Info().Msg("OIDC_ISSUER not set, running with guest-only identity")
	}

	addr := getenv("ORCHESTRATOR_HTTP_ADDR", ":8090")
	var root http.Handler = mux
	root = auth.Middleware(authStore, cfg.Auth.CookieName, false)(root)
	srv := &http.Server{Addr: addr, Handler: root}

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		log.Info().Str("addr", addr).Msg("orchestratord listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("orchestratord stopped")
	return nil
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out int
	if _, err := fmt.Sscanf(v, "%d", &out); err != nil {
		return def
	}
	return out
}
