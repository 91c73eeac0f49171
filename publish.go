package vea

import "context"

// TxPublish makes every reservation in list durable: it flushes the
// space's now-shrunk free tables, and the hint table if hint is non-nil,
// to the host's cell store inside a single transaction. A
// crash after commit never resurrects the reserved extents as free.
// On success every reservation in list is cleared and, if hint is
// non-nil, hint's persistent record is set to its in-memory
// next_offset/sequence, whether or not hint produced any of the
// reservations in list.
func TxPublish(ctx context.Context, s *Space, hint *HintContext, list *ReservationList) error {
	s.enter("TxPublish")
	defer s.leave()

	if len(list.entries) == 0 {
		return nil
	}

	tx, err := s.engine.Begin(ctx)
	if err != nil {
		return wrapErr(KindHostTxFailure, err, "beginning publish transaction")
	}

	byOffsetID, bySizeID, err := s.persistFreeTables(tx, s.freeTransient.items())
	if err != nil {
		_ = tx.Abort()
		return wrapErr(KindHostTxFailure, err, "flushing free tables")
	}

	hintArrayID := s.hintArrayCellID
	usesHint := hint != nil
	var nextHintRecords map[uint64]hintPersisted
	if usesHint {
		nextHintRecords = cloneHintRecords(s.hintRecords)
		nextHintRecords[hint.streamKey] = hintPersisted{lastOffset: hint.nextOffset, sequence: hint.sequence}
		hashes, recs := flattenHintRecords(nextHintRecords)
		hintArrayID, err = persistTable(tx, s.store, s.hintArrayCellID, encodeHintTable(hashes, recs))
		if err != nil {
			_ = tx.Abort()
			return wrapErr(KindHostTxFailure, err, "flushing hint table")
		}
	}

	newGen := s.publishGeneration + 1
	if err := s.writeRootCell(tx, byOffsetID, bySizeID, hintArrayID, newGen); err != nil {
		_ = tx.Abort()
		return wrapErr(KindHostTxFailure, err, "writing root cell")
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(KindHostTxFailure, err, "committing publish transaction")
	}

	for _, r := range list.entries {
		s.reservedSet.remove(Extent{Offset: r.Offset, Length: r.Length})
	}
	s.byOffsetCellID = byOffsetID
	s.bySizeCellID = bySizeID
	s.hintArrayCellID = hintArrayID
	s.publishGeneration = newGen
	if usesHint {
		s.hintRecords = nextHintRecords
		hint.observedGeneration = newGen
	}
	s.metrics.blocksPublished.Add(float64(list.totalBlocks()))
	list.entries = nil
	return nil
}

// cloneHintRecords returns a shallow copy of recs, so a publish in
// progress can stage its hint update without mutating the space's
// authoritative map until the transaction actually commits.
func cloneHintRecords(recs map[uint64]hintPersisted) map[uint64]hintPersisted {
	out := make(map[uint64]hintPersisted, len(recs)+1)
	for k, v := range recs {
		out[k] = v
	}
	return out
}

// flattenHintRecords produces the parallel hash/record slices
// encodeHintTable expects. The map keys are already the persisted hash
// form (see hintKey), so they are written through unchanged.
func flattenHintRecords(recs map[uint64]hintPersisted) ([]uint64, []hintPersisted) {
	hashes := make([]uint64, 0, len(recs))
	out := make([]hintPersisted, 0, len(recs))
	for k, v := range recs {
		hashes = append(hashes, k)
		out = append(out, v)
	}
	return hashes, out
}

func sortBySizeThenOffset(es []Extent) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && lessBySize(es[j], es[j-1]); j-- {
			es[j], es[j-1] = es[j-1], es[j]
		}
	}
}

// Cancel releases every reservation in list back to the transient free
// map without touching persistent state (nothing was ever published).
// A reservation sourced from a hint rolls that hint's next_offset back
// only if no newer reservation has since been made against the same
// hint (the sequence-based cancel-revert rule).
func Cancel(s *Space, hint *HintContext, list *ReservationList) {
	s.enter("Cancel")
	defer s.leave()

	for _, r := range list.entries {
		s.giveBack(Extent{Offset: r.Offset, Length: r.Length})
		if hint != nil && r.hasHint && r.hintStream == hint.streamKey && r.hintSeq == hint.sequence {
			hint.nextOffset = r.Offset
			hint.sequence--
		}
	}
	list.entries = nil
}

// Free returns a previously-published extent to the space. It does not
// make the extent immediately reusable: it enters the aging set and only
// becomes eligible for reservation once it has sat past the aging window
// and a migration pass (triggered opportunistically by Reserve, or
// explicitly via MigrateAging) promotes it.
func Free(s *Space, e Extent) error {
	s.enter("Free")
	defer s.leave()

	if e.Length == 0 {
		return newErr(KindInvalid, "free of zero-length extent")
	}
	if e.Offset < uint64(s.headerBlocks) || e.End() > s.capacity {
		return newErr(KindInvalid, "extent [%d,%d) is outside the space's data region", e.Offset, e.End())
	}
	s.giveAged(e, s.clock.Now())
	s.metrics.blocksFreed.Add(float64(e.Length))
	return nil
}

// MigrateAging forces an aging-set sweep outside of Reserve's
// opportunistic trigger, for hosts that want to reclaim space on their
// own schedule. It fails atomically: either every eligible aged extent
// is promoted and persisted, or none is, and a HostTxFailure is
// returned.
func MigrateAging(ctx context.Context, s *Space) (int, error) {
	s.enter("MigrateAging")
	defer s.leave()
	return s.migrateAging(ctx, s.clock.Now())
}
