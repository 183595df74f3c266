package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gitpancake/invaders.producer/internal/flash"
)

type fakeQueue struct {
	mu        sync.Mutex
	published []int64
	failIDs   map[int64]bool
	inFlight  int
	maxSeen   int
	delay     time.Duration
}

func (q *fakeQueue) Publish(ctx context.Context, record flash.Record) error {
	q.mu.Lock()
	q.inFlight++
	if q.inFlight > q.maxSeen {
		q.maxSeen = q.inFlight
	}
	q.mu.Unlock()

	if q.delay > 0 {
		time.Sleep(q.delay)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
	if q.failIDs[record.FlashID] {
		return errors.New("broker rejected message")
	}
	q.published = append(q.published, record.FlashID)
	return nil
}

func (q *fakeQueue) Close() error { return nil }

func records(ids ...int64) []flash.Record {
	out := make([]flash.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, flash.Record{FlashID: id, Player: "alice"})
	}
	return out
}

func TestPublishAllDeliversEveryRecord(t *testing.T) {
	queue := &fakeQueue{}
	pub := New(queue, Options{BatchSize: 2, Concurrency: 2, BatchPause: time.Millisecond})

	published, failed := pub.PublishAll(context.Background(), records(1, 2, 3, 4, 5))
	if published != 5 {
		t.Fatalf("expected 5 published, got %d", published)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no failures, got %+v", failed)
	}
	if len(queue.published) != 5 {
		t.Fatalf("expected queue to see 5 records, got %d", len(queue.published))
	}
}

func TestPublishAllIsolatesPerRecordFailures(t *testing.T) {
	queue := &fakeQueue{failIDs: map[int64]bool{3: true}}
	pub := New(queue, Options{BatchSize: 5, Concurrency: 5, BatchPause: time.Millisecond})

	published, failed := pub.PublishAll(context.Background(), records(1, 2, 3, 4, 5))
	if published != 4 {
		t.Fatalf("expected 4 published, got %d", published)
	}
	if len(failed) != 1 || failed[0].FlashID != 3 {
		t.Fatalf("expected only flash 3 to fail, got %+v", failed)
	}
}

func TestPublishAllBoundsConcurrency(t *testing.T) {
	queue := &fakeQueue{delay: 20 * time.Millisecond}
	pub := New(queue, Options{BatchSize: 12, Concurrency: 3, BatchPause: time.Millisecond})

	published, failed := pub.PublishAll(context.Background(), records(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12))
	if published != 12 || len(failed) != 0 {
		t.Fatalf("expected all published, got published=%d failed=%d", published, len(failed))
	}
	if queue.maxSeen > 3 {
		t.Fatalf("expected at most 3 concurrent publishes, saw %d", queue.maxSeen)
	}
}

func TestPublishAllEmptyInputIsNoop(t *testing.T) {
	queue := &fakeQueue{}
	pub := New(queue, Options{})
	published, failed := pub.PublishAll(context.Background(), nil)
	if published != 0 || failed != nil {
		t.Fatalf("expected noop, got published=%d failed=%+v", published, failed)
	}
}

func TestPublishAllReportsRemainingAsFailedAfterCancel(t *testing.T) {
	queue := &fakeQueue{delay: 10 * time.Millisecond}
	pub := New(queue, Options{BatchSize: 2, Concurrency: 2, BatchPause: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Cancel while the first batch is in flight.
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	published, failed := pub.PublishAll(ctx, records(1, 2, 3, 4, 5, 6))
	// The in-flight batch finishes (publish contexts are detached from the
	// caller's cancellation); later batches are handed back for ledgering.
	if published != 2 {
		t.Fatalf("expected first batch to finish, got published=%d", published)
	}
	if len(failed) != 4 {
		t.Fatalf("expected 4 records reported failed after cancel, got %d", len(failed))
	}
}
