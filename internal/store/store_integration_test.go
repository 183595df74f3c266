package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gitpancake/invaders.producer/internal/flash"
)

var integrationTableCounter uint64

func TestIntegrationWriteManyIsIdempotent(t *testing.T) {
	dsn := integrationDSN(t)
	s := integrationStore(t, dsn, "flashes_it_idem")

	cid := "bafy-artifact-1"
	batch := []flash.Record{
		{FlashID: 1, Player: "alice", City: "Paris", ImageURL: "https://img.example/1.png", Timestamp: 1700000000, FeedFingerprint: "100"},
		{FlashID: 2, Player: "bob", City: "Lyon", ImageURL: "https://img.example/2.png", ArtifactCID: &cid, Timestamp: 1700000100, FeedFingerprint: "100"},
	}
	written, err := s.WriteMany(context.Background(), batch)
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if len(written) != 2 {
		t.Fatalf("expected 2 written, got %d", len(written))
	}

	// Same batch again: conflict on every row, no error, nothing written.
	written, err = s.WriteMany(context.Background(), batch)
	if err != nil {
		t.Fatalf("duplicate write must not error: %v", err)
	}
	if len(written) != 0 {
		t.Fatalf("expected 0 written on duplicate batch, got %d", len(written))
	}

	stored, err := s.LookupByIDs(context.Background(), []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected one row per id, got %d", len(stored))
	}
	byID := map[int64]flash.Record{}
	for _, rec := range stored {
		byID[rec.FlashID] = rec
	}
	if byID[1].ArtifactCID != nil {
		t.Fatalf("expected record 1 pending delivery, got %+v", byID[1])
	}
	if byID[2].ArtifactCID == nil || *byID[2].ArtifactCID != cid {
		t.Fatalf("expected record 2 artifact cid preserved, got %+v", byID[2])
	}
}

func TestIntegrationWriteManyPartialConflict(t *testing.T) {
	dsn := integrationDSN(t)
	s := integrationStore(t, dsn, "flashes_it_partial")

	first := []flash.Record{{FlashID: 10, Player: "alice", FeedFingerprint: "50"}}
	if _, err := s.WriteMany(context.Background(), first); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	mixed := []flash.Record{
		{FlashID: 10, Player: "alice", FeedFingerprint: "51"},
		{FlashID: 11, Player: "bob", FeedFingerprint: "51"},
	}
	written, err := s.WriteMany(context.Background(), mixed)
	if err != nil {
		t.Fatalf("mixed write failed: %v", err)
	}
	if len(written) != 1 || written[0].FlashID != 11 {
		t.Fatalf("expected only record 11 written, got %+v", written)
	}
}

func TestIntegrationLookupSinceFiltersTimeAndPlayers(t *testing.T) {
	dsn := integrationDSN(t)
	s := integrationStore(t, dsn, "flashes_it_since")

	batch := []flash.Record{
		{FlashID: 1, Player: "Alice", Timestamp: 100, FeedFingerprint: "9"},
		{FlashID: 2, Player: "bob", Timestamp: 200, FeedFingerprint: "9"},
		{FlashID: 3, Player: "alice", Timestamp: 300, FeedFingerprint: "9"},
	}
	if _, err := s.WriteMany(context.Background(), batch); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	records, err := s.LookupSince(context.Background(), 150, []string{"ALICE"})
	if err != nil {
		t.Fatalf("lookup since failed: %v", err)
	}
	if len(records) != 1 || records[0].FlashID != 3 {
		t.Fatalf("expected only flash 3, got %+v", records)
	}

	records, err = s.LookupSince(context.Background(), 0, nil)
	if err != nil {
		t.Fatalf("unfiltered lookup since failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected all rows, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].Timestamp > records[i].Timestamp {
			t.Fatalf("expected ascending observed_at order, got %+v", records)
		}
	}
}

func integrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PRODUCER_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set PRODUCER_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func integrationStore(t *testing.T, dsn, prefix string) *Store {
	t.Helper()
	s, err := New(dsn)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	n := atomic.AddUint64(&integrationTableCounter, 1)
	s.tableName = fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
	t.Cleanup(func() {
		dropIntegrationTable(t, dsn, s.tableName)
		_ = s.Close()
	})
	return s
}

func dropIntegrationTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
