// Package publish pushes pending flash records onto the delivery queue in
// fixed-size batches, each dispatched through a bounded worker group. A
// record's publish failure never cancels its siblings; failures are
// collected and handed back for ledgering.
package publish

import (
	"context"
	"sync"
	"time"

	"github.com/gitpancake/invaders.producer/internal/flash"
)

const (
	defaultBatchSize      = 25
	defaultConcurrency    = 10
	defaultBatchPause     = 250 * time.Millisecond
	defaultPublishTimeout = 10 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

// Queue is the delivery transport. Publish must be safe for concurrent
// use up to the configured concurrency limit.
type Queue interface {
	Publish(ctx context.Context, record flash.Record) error
	Close() error
}

type Options struct {
	BatchSize      int
	Concurrency    int
	BatchPause     time.Duration
	PublishTimeout time.Duration
	Logger         Logger
}

type Publisher struct {
	queue          Queue
	batchSize      int
	concurrency    int
	batchPause     time.Duration
	publishTimeout time.Duration
	logger         Logger
}

func New(queue Queue, opts Options) *Publisher {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	batchPause := opts.BatchPause
	if batchPause <= 0 {
		batchPause = defaultBatchPause
	}
	publishTimeout := opts.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	return &Publisher{
		queue:          queue,
		batchSize:      batchSize,
		concurrency:    concurrency,
		batchPause:     batchPause,
		publishTimeout: publishTimeout,
		logger:         opts.Logger,
	}
}

// PublishAll drives every record through the queue and returns the count
// of successful publishes plus the records that failed. On shutdown,
// in-flight publishes are allowed to finish (each carries its own timeout
// detached from the caller's cancellation) and batches not yet started are
// reported as failed so the caller can ledger them.
func (p *Publisher) PublishAll(ctx context.Context, records []flash.Record) (int, []flash.Record) {
	if len(records) == 0 {
		return 0, nil
	}

	published := 0
	var failed []flash.Record
	var mu sync.Mutex

	for start := 0; start < len(records); start += p.batchSize {
		end := start + p.batchSize
		if end > len(records) {
			end = len(records)
		}
		if ctx.Err() != nil {
			failed = append(failed, records[start:]...)
			break
		}

		sem := make(chan struct{}, p.concurrency)
		var wg sync.WaitGroup
		for _, rec := range records[start:end] {
			sem <- struct{}{}
			wg.Add(1)
			go func(rec flash.Record) {
				defer wg.Done()
				defer func() { <-sem }()

				callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.publishTimeout)
				defer cancel()
				if err := p.queue.Publish(callCtx, rec); err != nil {
					p.logf("publish flash %d failed: %v", rec.FlashID, err)
					mu.Lock()
					failed = append(failed, rec)
					mu.Unlock()
					return
				}
				mu.Lock()
				published++
				mu.Unlock()
			}(rec)
		}
		wg.Wait()

		// Brief pause between batch groups so the broker is not burst.
		if end < len(records) {
			select {
			case <-ctx.Done():
			case <-time.After(p.batchPause):
			}
		}
	}
	return published, failed
}

func (p *Publisher) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
