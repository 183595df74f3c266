// Package store is the Postgres adapter for flash records. Writes are
// insert-or-ignore keyed on flash_id: a unique-key conflict leaves the
// existing row untouched and is not an error.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/gitpancake/invaders.producer/internal/flash"
)

const (
	defaultTableName        = "flashes"
	defaultOperationTimeout = 5 * time.Second

	// Multi-row inserts are chunked to stay well under the wire-protocol
	// parameter limit.
	insertChunkRows = 500
	insertColumns   = 8
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type Store struct {
	dsn       string
	tableName string
	timeout   time.Duration
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func New(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	return &Store{
		dsn:       dsn,
		tableName: defaultTableName,
		timeout:   defaultOperationTimeout,
		openDB:    sql.Open,
	}, nil
}

func (s *Store) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		initCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				flash_id BIGINT PRIMARY KEY,
				player TEXT NOT NULL,
				city TEXT NOT NULL DEFAULT '',
				image_url TEXT NOT NULL DEFAULT '',
				artifact_cid TEXT,
				flash_text TEXT,
				observed_at BIGINT NOT NULL DEFAULT 0,
				feed_fingerprint TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(initCtx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (observed_at)",
			quoteIdentifier(s.tableName+"_observed_at_idx"),
			quoteIdentifier(s.tableName),
		)
		if _, err := db.ExecContext(initCtx, indexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

// WriteMany bulk-inserts records and returns the subset that was actually
// written. Records whose flash_id already exists are silently skipped.
func (s *Store) WriteMany(ctx context.Context, records []flash.Record) ([]flash.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}

	written := make([]flash.Record, 0, len(records))
	for start := 0; start < len(records); start += insertChunkRows {
		end := start + insertChunkRows
		if end > len(records) {
			end = len(records)
		}
		chunkWritten, err := s.writeChunk(ctx, records[start:end])
		if err != nil {
			return written, err
		}
		written = append(written, chunkWritten...)
	}
	return written, nil
}

func (s *Store) writeChunk(ctx context.Context, records []flash.Record) ([]flash.Record, error) {
	placeholders := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*insertColumns)
	for i, rec := range records {
		base := i * insertColumns
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			rec.FlashID, rec.Player, rec.City, rec.ImageURL,
			rec.ArtifactCID, rec.Text, rec.Timestamp, rec.FeedFingerprint,
		)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (flash_id, player, city, image_url, artifact_cid, flash_text, observed_at, feed_fingerprint)
		VALUES %s
		ON CONFLICT (flash_id) DO NOTHING
		RETURNING flash_id`,
		quoteIdentifier(s.tableName), strings.Join(placeholders, ","))

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("bulk insert: %w", err)
	}
	defer rows.Close()

	writtenIDs := map[int64]struct{}{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan inserted id: %w", err)
		}
		writtenIDs[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bulk insert rows: %w", err)
	}

	written := make([]flash.Record, 0, len(writtenIDs))
	for _, rec := range records {
		if _, ok := writtenIDs[rec.FlashID]; ok {
			written = append(written, rec)
		}
	}
	return written, nil
}

// LookupByIDs returns the stored rows matching the given flash ids.
func (s *Store) LookupByIDs(ctx context.Context, ids []int64) ([]flash.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT flash_id, player, city, image_url, artifact_cid, flash_text, observed_at, feed_fingerprint
		FROM %s
		WHERE flash_id = ANY($1)`, quoteIdentifier(s.tableName))

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(opCtx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lookup by ids: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// LookupSince returns rows observed at or after the given unix timestamp,
// optionally restricted to a set of players (case-insensitive).
func (s *Store) LookupSince(ctx context.Context, since int64, players []string) ([]flash.Record, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT flash_id, player, city, image_url, artifact_cid, flash_text, observed_at, feed_fingerprint
		FROM %s
		WHERE observed_at >= $1`, quoteIdentifier(s.tableName))
	args := []any{since}
	if len(players) > 0 {
		lowered := make([]string, 0, len(players))
		for _, player := range players {
			lowered = append(lowered, strings.ToLower(strings.TrimSpace(player)))
		}
		query += " AND LOWER(player) = ANY($2)"
		args = append(args, pq.Array(lowered))
	}
	query += " ORDER BY observed_at ASC, flash_id ASC"

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup since: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]flash.Record, error) {
	var records []flash.Record
	for rows.Next() {
		var rec flash.Record
		var artifactCID, flashText sql.NullString
		if err := rows.Scan(
			&rec.FlashID, &rec.Player, &rec.City, &rec.ImageURL,
			&artifactCID, &flashText, &rec.Timestamp, &rec.FeedFingerprint,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if artifactCID.Valid {
			rec.ArtifactCID = &artifactCID.String
		}
		if flashText.Valid {
			rec.Text = &flashText.String
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return records, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
