//go:build !enterprise

package main

import (
	"context"

	"github.com/rs/zerolog"

	"manifold/internal/config"
	"manifold/internal/ragchat/predcache"
)

// newBackfiller returns the default in-process backfiller. Built with
// -tags enterprise, this is replaced by the Kafka-backed one in
// backfiller_enterprise.go for multi-instance deployments.
func newBackfiller(cfg config.Config, store *predcache.Store, log zerolog.Logger, workers, queueSize int) predcache.Backfiller {
	return predcache.NewLocalBackfiller(store, log, workers, queueSize)
}

// maybeStartBackfillConsumer is a no-op in the default build: the local
// backfiller applies writes in-process and there is no refresh topic to
// drain.
func maybeStartBackfillConsumer(ctx context.Context, cfg config.Config, store *predcache.Store, log zerolog.Logger) {
}
