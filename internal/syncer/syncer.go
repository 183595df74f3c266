// Package syncer ties the pipeline together. Each tick drains the retry
// ledger first, then fetches the feed, compares fingerprints, applies the
// adaptive skip policy, and runs filter, store write and publish, ledgering
// anything that fails along the way.
package syncer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gitpancake/invaders.producer/internal/clock"
	"github.com/gitpancake/invaders.producer/internal/flash"
	"github.com/gitpancake/invaders.producer/internal/upstream"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Fetcher is the upstream feed client.
type Fetcher interface {
	Fetch(ctx context.Context) (upstream.Result, error)
}

// Store is the durable record store. WriteMany is insert-or-ignore and
// returns only the records actually written.
type Store interface {
	WriteMany(ctx context.Context, records []flash.Record) ([]flash.Record, error)
	LookupByIDs(ctx context.Context, ids []int64) ([]flash.Record, error)
}

// Publisher pushes records onto the delivery queue and hands back the ones
// that failed.
type Publisher interface {
	PublishAll(ctx context.Context, records []flash.Record) (published int, failed []flash.Record)
}

// RetryLedger is the durable record of failed work awaiting replay.
// Compact atomically replaces the ledger contents with the still-failing
// batch after a successful replay; an empty batch empties the ledger.
type RetryLedger interface {
	Persist(batch []flash.Record, reason string) error
	DrainForRetry() ([]flash.LedgerEntry, error)
	Compact(batch []flash.Record, reason string) error
	Depth() (int, error)
}

// Allowlist filters the gallery subset by player name.
type Allowlist interface {
	Allows(player string) bool
}

// SchedulerState is the cross-tick scheduling memory. It is owned by one
// Syncer instance and mutated only between that instance's ticks, so
// concurrent test instances never interfere.
type SchedulerState struct {
	LastFingerprint      string
	ConsecutiveUnchanged int
}

type Options struct {
	// PeakStartHour/PeakEndHour bound the high-traffic window in local
	// hours [start, end); outside it ticks are skipped with
	// OffPeakSkipProbability. A window crossing midnight is allowed.
	PeakStartHour int
	PeakEndHour   int
	// UTCOffset is a fixed offset approximation of the target region's
	// local time. Drift around daylight-saving transitions is accepted.
	UTCOffset              time.Duration
	OffPeakSkipProbability float64
	// BackoffCap and BackoffCoefficient shape the unchanged-fingerprint
	// skip probability: min(consecutiveUnchanged, cap) * coefficient.
	// Zero is honored as zero, disabling the corresponding skip; the
	// operator-facing defaults live in the config package.
	BackoffCap         int
	BackoffCoefficient float64

	// Rand drives the skip decisions; tests seed it for determinism.
	Rand   *rand.Rand
	Clock  clock.Clock
	Logger Logger
}

type Syncer struct {
	fetcher   Fetcher
	store     Store
	publisher Publisher
	ledger    RetryLedger
	allowlist Allowlist

	peakStartHour int
	peakEndHour   int
	utcOffset     time.Duration
	offPeakProb   float64
	backoffCap    int
	backoffCoef   float64

	rand   *rand.Rand
	clock  clock.Clock
	logger Logger

	// tickMu gates re-entry: no two ticks of one syncer run concurrently.
	tickMu sync.Mutex
	state  SchedulerState
}

func New(fetcher Fetcher, store Store, publisher Publisher, ledger RetryLedger, allow Allowlist, opts Options) (*Syncer, error) {
	if fetcher == nil || store == nil || publisher == nil || ledger == nil || allow == nil {
		return nil, fmt.Errorf("fetcher, store, publisher, ledger and allowlist are required")
	}
	if opts.OffPeakSkipProbability < 0 || opts.OffPeakSkipProbability > 1 {
		return nil, fmt.Errorf("off-peak skip probability %f out of range 0-1", opts.OffPeakSkipProbability)
	}
	if opts.BackoffCoefficient < 0 {
		return nil, fmt.Errorf("backoff coefficient %f must not be negative", opts.BackoffCoefficient)
	}
	if opts.BackoffCap < 0 {
		return nil, fmt.Errorf("backoff cap %d must not be negative", opts.BackoffCap)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Syncer{
		fetcher:       fetcher,
		store:         store,
		publisher:     publisher,
		ledger:        ledger,
		allowlist:     allow,
		peakStartHour: opts.PeakStartHour,
		peakEndHour:   opts.PeakEndHour,
		utcOffset:     opts.UTCOffset,
		offPeakProb:   opts.OffPeakSkipProbability,
		backoffCap:    opts.BackoffCap,
		backoffCoef:   opts.BackoffCoefficient,
		rand:          rng,
		clock:         clk,
		logger:        opts.Logger,
	}, nil
}

func (s *Syncer) Name() string { return "flash-sync" }

// State returns a copy of the cross-tick scheduling state.
func (s *Syncer) State() SchedulerState {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.state
}

// RunTick executes one full synchronization pass. Ledger replay happens
// unconditionally before any skip decision, so failed work always gets a
// retry attempt.
func (s *Syncer) RunTick(ctx context.Context) error {
	if !s.tickMu.TryLock() {
		s.logf("tick already in progress, skipping")
		return nil
	}
	defer s.tickMu.Unlock()

	s.replayLedger(ctx)

	if !s.inPeakWindow(s.clock.Now()) && s.rand.Float64() < s.offPeakProb {
		s.logf("tick skipped: off-peak")
		return nil
	}

	result, err := s.fetcher.Fetch(ctx)
	if err != nil {
		// Nothing was fetched, so there is nothing to ledger.
		s.logf("tick aborted: fetch: %v", err)
		return err
	}

	if result.Fingerprint == s.state.LastFingerprint {
		s.state.ConsecutiveUnchanged++
		if s.rand.Float64() < s.backoffSkipProbability() {
			s.logf("tick skipped: fingerprint %s unchanged for %d ticks",
				result.Fingerprint, s.state.ConsecutiveUnchanged)
			return nil
		}
	} else {
		s.state.ConsecutiveUnchanged = 0
	}

	candidates := s.mergeCandidates(result)
	outcome, err := s.runPipeline(ctx, candidates)
	if err != nil {
		if len(outcome.storeBatch) > 0 {
			s.ledgerBatch(outcome.storeBatch, fmt.Sprintf("%s: %v", flash.ReasonStoreWrite, err))
		}
		s.logf("tick aborted: %v", err)
		return err
	}
	if len(outcome.publishFailed) > 0 {
		s.ledgerBatch(outcome.publishFailed, flash.ReasonPublish)
	}

	// Cross-tick state is written only once the processing branch is done.
	s.state.LastFingerprint = result.Fingerprint
	depth, depthErr := s.ledger.Depth()
	if depthErr != nil {
		s.logf("LEDGER FAILURE: depth: %v", depthErr)
	}
	s.logf("tick complete: fingerprint=%s candidates=%d written=%d published=%d failed=%d ledger_depth=%d",
		result.Fingerprint, len(candidates), outcome.written, outcome.published, len(outcome.publishFailed), depth)
	return nil
}

// backoffSkipProbability grows additively with consecutive unchanged
// ticks and never exceeds 100%.
func (s *Syncer) backoffSkipProbability() float64 {
	n := s.state.ConsecutiveUnchanged
	if n > s.backoffCap {
		n = s.backoffCap
	}
	return float64(n) * s.backoffCoef
}

func (s *Syncer) inPeakWindow(now time.Time) bool {
	hour := now.UTC().Add(s.utcOffset).Hour()
	if s.peakStartHour == s.peakEndHour {
		// Degenerate window: treat every hour as peak.
		return true
	}
	if s.peakStartHour < s.peakEndHour {
		return hour >= s.peakStartHour && hour < s.peakEndHour
	}
	return hour >= s.peakStartHour || hour < s.peakEndHour
}

// replayLedger feeds ledgered batches back through the same
// filter-store-publish pipeline as fresh candidates, so replay honors the
// same conflict and eligibility rules as first-pass processing.
func (s *Syncer) replayLedger(ctx context.Context) {
	entries, err := s.ledger.DrainForRetry()
	if err != nil {
		s.logf("LEDGER FAILURE: drain: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	merged := mergeLedgerBatches(entries)
	s.logf("replaying ledger: %d entries, %d records", len(entries), len(merged))

	outcome, err := s.runPipeline(ctx, merged)
	if err != nil {
		// Entries stay in place for the next tick; appending again here
		// would duplicate them.
		s.logf("ledger replay aborted: %v", err)
		return
	}
	replaySucceeded := outcome.published > 0 || len(outcome.publishFailed) == 0
	if !replaySucceeded {
		s.logf("ledger replay produced no deliveries, keeping %d entries", len(entries))
		return
	}
	// One atomic swap: a crash leaves either the old entries or the
	// still-failing subset, never neither.
	if err := s.ledger.Compact(outcome.publishFailed, flash.ReasonPublish); err != nil {
		s.logf("LEDGER FAILURE: compact: %v", err)
		return
	}
	s.logf("ledger replay complete: written=%d published=%d failed=%d",
		outcome.written, outcome.published, len(outcome.publishFailed))
}

func (s *Syncer) ledgerBatch(batch []flash.Record, reason string) {
	if err := s.ledger.Persist(batch, reason); err != nil {
		// The tick accepts losing this batch rather than blocking; the
		// loud log is the operator's signal.
		s.logf("LEDGER FAILURE: persist %d records (%s): %v", len(batch), reason, err)
	}
}

type pipelineOutcome struct {
	written       int
	published     int
	publishFailed []flash.Record
	// storeBatch is the batch that was being written when the store
	// failed; the caller decides whether to ledger it.
	storeBatch []flash.Record
}

// runPipeline is the shared filter → store → publish path used by both
// fresh candidates and ledger replays. Completed stages are never rolled
// back; store writes are idempotent and safe to have applied even when a
// later stage fails.
func (s *Syncer) runPipeline(ctx context.Context, candidates []flash.Record) (pipelineOutcome, error) {
	var outcome pipelineOutcome
	if len(candidates) == 0 {
		return outcome, nil
	}

	fresh, pending, err := s.partition(ctx, candidates)
	if err != nil {
		// A failed lookup aborts without ledgering: unstored candidates
		// reappear on the next poll and stored-but-undelivered records
		// are re-selected every tick anyway.
		return outcome, fmt.Errorf("dedup lookup: %w", err)
	}

	written, err := s.store.WriteMany(ctx, fresh)
	if err != nil {
		// Publishing without a durable record would risk downstream side
		// effects with no backing row, so the batch is ledgered and the
		// publisher is never invoked.
		outcome.storeBatch = fresh
		return outcome, fmt.Errorf("store write: %w", err)
	}
	outcome.written = len(written)

	eligible := append(append([]flash.Record(nil), fresh...), pending...)
	published, failed := s.publisher.PublishAll(ctx, eligible)
	outcome.published = published
	outcome.publishFailed = failed
	return outcome, nil
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
