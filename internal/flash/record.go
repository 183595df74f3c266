// Package flash holds the domain model shared by every stage of the
// producer pipeline: the flash record observed upstream, the retry ledger
// entry wrapping a failed batch, and the error taxonomy the orchestrator
// branches on.
package flash

import (
	"errors"
	"time"
)

var (
	// ErrUpstreamUnavailable means every fetch attempt across every egress
	// path failed. Nothing was fetched, so there is nothing to ledger.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInvalidUpstreamResponse means the feed decoded but failed
	// validation (including an empty subset, which is indistinguishable
	// from a malformed response).
	ErrInvalidUpstreamResponse = errors.New("invalid upstream response")
	// ErrLedgerIO means the retry ledger itself could not be read or
	// written. Fatal for the tick, logged loudly by the orchestrator.
	ErrLedgerIO = errors.New("ledger io failure")
)

// Ledger reason tags. Free-form text may follow the tag, so callers match
// with strings.Contains rather than equality.
const (
	ReasonStoreWrite = "store-write-failure"
	ReasonPublish    = "publish-failure"
)

// Record is one observed flash event from the upstream feed.
//
// FlashID is the upstream-assigned identity key: unique in the store,
// writes are no-ops on conflict. An empty ArtifactCID marks the record as
// pending delivery regardless of whether it was just written or has been
// sitting in the store since an earlier tick.
type Record struct {
	FlashID         int64   `json:"flash_id"`
	Player          string  `json:"player"`
	City            string  `json:"city"`
	ImageURL        string  `json:"img"`
	ArtifactCID     *string `json:"artifact_cid,omitempty"`
	Text            *string `json:"text,omitempty"`
	Timestamp       int64   `json:"timestamp"`
	FeedFingerprint string  `json:"flash_count"`
}

// Delivered reports whether a downstream artifact already exists for the
// record.
func (r Record) Delivered() bool {
	return r.ArtifactCID != nil && *r.ArtifactCID != ""
}

// LedgerEntry is one failed unit of work awaiting replay.
type LedgerEntry struct {
	EntryID    string    `json:"entry_id"`
	Batch      []Record  `json:"batch"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}
