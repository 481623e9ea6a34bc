// Package predcache's default backfill path: an in-process buffered worker
// pool so a sports cache-miss write-back never blocks the request that
// triggered it. The enterprise build (backfill_kafka.go) replaces this with
// a durable Kafka-backed queue for multi-instance deployments.
package predcache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WriteBackJob is one deferred Put call.
type WriteBackJob struct {
	Sport        string
	QueryType    string
	MatchDetails string
	Analysis     string
	Sources      []Source
	TTL          time.Duration
}

// Backfiller accepts write-back jobs off the request path.
type Backfiller interface {
	Enqueue(job WriteBackJob)
	Close()
}

type localBackfiller struct {
	store *Store
	log   zerolog.Logger
	jobs  chan WriteBackJob
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewLocalBackfiller starts a small worker pool draining an in-memory queue.
// Jobs are dropped (and logged) if the queue is full — a slow backfill must
// never apply backpressure to new requests.
func NewLocalBackfiller(store *Store, log zerolog.Logger, workers, queueSize int) Backfiller {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &localBackfiller{store: store, log: log, jobs: make(chan WriteBackJob, queueSize), done: make(chan struct{})}
	b.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go b.run()
	}
	go func() {
		b.wg.Wait()
		close(b.done)
	}()
	return b
}

func (b *localBackfiller) run() {
	defer b.wg.Done()
	for job := range b.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := b.store.Put(ctx, job.Sport, job.QueryType, job.MatchDetails, job.Analysis, job.Sources, job.TTL); err != nil {
			b.log.Warn().Err(err).Str("sport", job.Sport).Msg("predcache_backfill_write_failed")
		}
		cancel()
	}
}

func (b *localBackfiller) Enqueue(job WriteBackJob) {
	select {
	case b.jobs <- job:
	default:
		b.log.Warn().Str("sport", job.Sport).Msg("predcache_backfill_queue_full_dropping")
	}
}

func (b *localBackfiller) Close() {
	close(b.jobs)
	<-b.done
}
