//go:build enterprise

package main

import (
	"context"

	"github.com/rs/zerolog"

	"manifold/internal/config"
	"manifold/internal/ragchat/predcache"
)

// newBackfiller publishes write-back jobs to the configured Kafka refresh
// topic instead of running an in-process worker pool, so multiple
// orchestratord instances share one durable backfill queue. workers and
// queueSize are unused here; they only size the in-process pool of the
// default build.
func newBackfiller(cfg config.Config, store *predcache.Store, log zerolog.Logger, workers, queueSize int) predcache.Backfiller {
	return predcache.NewKafkaBackfiller(cfg.Kafka, log)
}

// maybeStartBackfillConsumer drains the refresh topic in the background for
// the lifetime of ctx, applying each job to store.
func maybeStartBackfillConsumer(ctx context.Context, cfg config.Config, store *predcache.Store, log zerolog.Logger) {
	go func() {
		if err := predcache.ConsumeBackfill(ctx, cfg.Kafka, store, log); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("predcache_backfill_consumer_stopped")
		}
	}()
}
