// Package ledger implements the durable retry ledger: an append-only
// newline-delimited JSON log of failed record batches. Each append is a
// complete fsync'd unit, so a crash between two appends loses at most the
// entry that was still in flight. A partially written trailing line is
// skipped on read rather than failing the whole drain.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitpancake/invaders.producer/internal/flash"
)

const maxEntryBytes = 16 << 20

// Ledger serializes all writes behind one mutex; append is called from
// three orchestrator call sites (fetch, store and publish failures).
type Ledger struct {
	path string

	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

func New(path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty ledger path", flash.ErrLedgerIO)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create ledger dir: %v", flash.ErrLedgerIO, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open ledger: %v", flash.ErrLedgerIO, err)
	}
	return &Ledger{
		path: path,
		file: file,
		now:  time.Now,
	}, nil
}

// Persist appends one entry for the batch and syncs it to disk before
// returning.
func (l *Ledger) Persist(batch []flash.Record, reason string) error {
	if len(batch) == 0 {
		return nil
	}
	entry := flash.LedgerEntry{
		EntryID:    uuid.NewString(),
		Batch:      append([]flash.Record(nil), batch...),
		Reason:     reason,
		RecordedAt: l.now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshal entry: %v", flash.ErrLedgerIO, err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("%w: append entry: %v", flash.ErrLedgerIO, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync ledger: %v", flash.ErrLedgerIO, err)
	}
	return nil
}

// DrainForRetry returns every durable entry without removing anything.
// Removal happens only through Clear, after the caller has confirmed a
// successful replay.
func (l *Ledger) DrainForRetry() ([]flash.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open ledger for read: %v", flash.ErrLedgerIO, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntryBytes)

	var entries []flash.LedgerEntry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry flash.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn write leaves at most one undecodable trailing line.
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read ledger: %v", flash.ErrLedgerIO, err)
	}
	return entries, nil
}

// Compact atomically replaces the ledger contents with at most one entry
// holding the still-failing batch; an empty batch leaves the ledger empty.
// The replacement is written to a temporary file and renamed into place,
// so a crash mid-compaction leaves either the old contents or the new,
// never neither.
func (l *Ledger) Compact(batch []flash.Record, reason string) error {
	var data []byte
	if len(batch) > 0 {
		entry := flash.LedgerEntry{
			EntryID:    uuid.NewString(),
			Batch:      append([]flash.Record(nil), batch...),
			Reason:     reason,
			RecordedAt: l.now().UTC(),
		}
		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("%w: marshal entry: %v", flash.ErrLedgerIO, err)
		}
		data = append(encoded, '\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open compaction file: %v", flash.ErrLedgerIO, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write compaction file: %v", flash.ErrLedgerIO, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: sync compaction file: %v", flash.ErrLedgerIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close compaction file: %v", flash.ErrLedgerIO, err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("%w: swap compaction file: %v", flash.ErrLedgerIO, err)
	}

	// The old append handle points at the unlinked inode; reopen so later
	// appends land in the compacted file.
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: reopen ledger: %v", flash.ErrLedgerIO, err)
	}
	_ = l.file.Close()
	l.file = file
	return nil
}

// Clear empties the ledger.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncate ledger: %v", flash.ErrLedgerIO, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync ledger: %v", flash.ErrLedgerIO, err)
	}
	return nil
}

// Depth counts currently stored entries; persistent growth is the
// operator's signal to intervene.
func (l *Ledger) Depth() (int, error) {
	entries, err := l.DrainForRetry()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
