package syncer

import (
	"context"

	"github.com/gitpancake/invaders.producer/internal/flash"
	"github.com/gitpancake/invaders.producer/internal/upstream"
)

// mergeCandidates combines one poll's two subsets into a single candidate
// list: the friends feed unconditionally, the gallery filtered by
// allow-list. Duplicate flash ids across the subsets collapse to the first
// occurrence. An empty allow-list means the gallery contributes nothing.
func (s *Syncer) mergeCandidates(result upstream.Result) []flash.Record {
	candidates := make([]flash.Record, 0, len(result.Friends)+len(result.Gallery))
	seen := make(map[int64]struct{}, len(result.Friends)+len(result.Gallery))

	add := func(rec flash.Record) {
		if _, ok := seen[rec.FlashID]; ok {
			return
		}
		seen[rec.FlashID] = struct{}{}
		candidates = append(candidates, rec)
	}

	for _, rec := range result.Friends {
		add(rec)
	}
	for _, rec := range result.Gallery {
		if s.allowlist.Allows(rec.Player) {
			add(rec)
		}
	}
	return candidates
}

// partition splits candidates into records not yet stored and known
// records whose stored row still lacks an artifact reference. The union of
// the two is the publish-eligible set: re-surfacing stored-but-undelivered
// records every tick guarantees eventual delivery even if an earlier
// publish attempt was lost before being ledgered.
func (s *Syncer) partition(ctx context.Context, candidates []flash.Record) (fresh, pending []flash.Record, err error) {
	ids := make([]int64, 0, len(candidates))
	for _, rec := range candidates {
		ids = append(ids, rec.FlashID)
	}
	stored, err := s.store.LookupByIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	known := make(map[int64]flash.Record, len(stored))
	for _, rec := range stored {
		known[rec.FlashID] = rec
	}

	for _, rec := range candidates {
		storedRec, ok := known[rec.FlashID]
		if !ok {
			fresh = append(fresh, rec)
			continue
		}
		if !storedRec.Delivered() {
			pending = append(pending, storedRec)
		}
	}
	return fresh, pending, nil
}

// mergeLedgerBatches flattens ledger entries into one deduplicated
// candidate list, preserving entry order.
func mergeLedgerBatches(entries []flash.LedgerEntry) []flash.Record {
	var merged []flash.Record
	seen := map[int64]struct{}{}
	for _, entry := range entries {
		for _, rec := range entry.Batch {
			if _, ok := seen[rec.FlashID]; ok {
				continue
			}
			seen[rec.FlashID] = struct{}{}
			merged = append(merged, rec)
		}
	}
	return merged
}
