//go:build enterprise
// +build enterprise

package predcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"manifold/internal/config"
)

// kafkaBackfiller publishes write-back jobs to a refresh topic instead of
// writing them in-process, so multiple orchestrator instances share one
// durable backfill queue.
type kafkaBackfiller struct {
	writer *kafka.Writer
	log    zerolog.Logger
}

// NewKafkaBackfiller constructs a Backfiller that publishes to cfg.RefreshTopic.
func NewKafkaBackfiller(cfg config.KafkaConfig, log zerolog.Logger) Backfiller {
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.RefreshTopic,
		Balancer: &kafka.LeastBytes{},
	}
	return &kafkaBackfiller{writer: w, log: log}
}

func (k *kafkaBackfiller) Enqueue(job WriteBackJob) {
	raw, err := json.Marshal(job)
	if err != nil {
		k.log.Warn().Err(err).Msg("predcache_backfill_marshal_failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(job.Sport), Value: raw}); err != nil {
		k.log.Warn().Err(err).Msg("predcache_backfill_publish_failed")
	}
}

func (k *kafkaBackfiller) Close() {
	_ = k.writer.Close()
}

// ConsumeBackfill drains the refresh topic and applies each job to store.
// Intended to run as a background goroutine in the enterprise deployment.
func ConsumeBackfill(ctx context.Context, cfg config.KafkaConfig, store *Store, log zerolog.Logger) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.RefreshTopic,
		GroupID: "predcache-backfill",
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("predcache_backfill_fetch_error")
			continue
		}
		var job WriteBackJob
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			log.Warn().Err(err).Msg("predcache_backfill_decode_error")
			_ = reader.CommitMessages(ctx, msg)
			continue
		}
		if err := store.Put(ctx, job.Sport, job.QueryType, job.MatchDetails, job.Analysis, job.Sources, job.TTL); err != nil {
			log.Warn().Err(err).Msg("predcache_backfill_apply_error")
		}
		_ = reader.CommitMessages(ctx, msg)
	}
}
