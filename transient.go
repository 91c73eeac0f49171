package vea

import (
	"context"
	"time"

	"github.com/daos-stack/vea/internal/velog"
)

// take removes an extent from the transient free map and moves it into
// the reserved set. The caller must already know the extent exists in
// the free map at exactly this offset/length (reservation strategies only
// ever take extents they just found via the free map's own lookups).
func (s *Space) take(e Extent) {
	s.freeTransient.remove(e)
	s.reservedSet.insert(e)
}

// giveBack moves an extent out of the reserved set and coalesces it back
// into the transient free map, used by Cancel.
func (s *Space) giveBack(e Extent) {
	s.reservedSet.remove(e)
	s.mergeInsertFree(e)
}

// giveAged removes an extent from the reserved set and stashes it in the
// aging set with the current timestamp, used by Free: freed space is not
// immediately reusable, so it isn't merged into the free map until a
// migration pass promotes it.
func (s *Space) giveAged(e Extent, now time.Time) {
	s.reservedSet.remove(e)
	s.aging = append(s.aging, agingExtent{Extent: e, At: now})
}

// mergeInsert inserts e into set, coalescing with an exactly-adjacent
// predecessor and/or successor entry so the set never holds two
// touching-but-unmerged ranges. Reports whether a coalesce happened.
func mergeInsert(set *extentSet, e Extent) bool {
	merged := false
	if prev, ok := set.floor(e.Offset); ok && prev.adjacentTo(e) {
		set.remove(prev)
		e = Extent{Offset: prev.Offset, Length: prev.Length + e.Length}
		merged = true
	}
	if next, ok := set.getByOffset(e.End()); ok {
		set.remove(next)
		e = Extent{Offset: e.Offset, Length: e.Length + next.Length}
		merged = true
	}
	set.insert(e)
	return merged
}

// mergeInsertFree inserts e into the transient free map, coalescing with
// an exactly-adjacent predecessor and/or successor extent so the free
// map never holds two touching-but-unmerged ranges.
func (s *Space) mergeInsertFree(e Extent) {
	if mergeInsert(s.freeTransient, e) {
		s.metrics.coalesceEvents.Inc()
	}
}

// migrateAging promotes every aging extent whose hold time has exceeded
// the space's aging window back into the free map, coalescing as it
// goes, and persists the result into the descriptor (A) inside a host
// transaction: either every eligible extent is promoted, both in memory
// and on the store, or the aging set and free map are left exactly as
// they were and the error propagates as HostTxFailure. UnmapFunc is
// invoked per promoted extent only after the transaction commits, so the
// host never sees a TRIM for space VEA might still abort.
// Returns the number of extents migrated.
func (s *Space) migrateAging(ctx context.Context, now time.Time) (int, error) {
	if len(s.aging) == 0 {
		return 0, nil
	}
	kept := make([]agingExtent, 0, len(s.aging))
	var eligible []agingExtent
	for _, a := range s.aging {
		if now.Sub(a.At) < s.agingWindow {
			kept = append(kept, a)
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	trial := s.freeTransient.clone()
	for _, a := range eligible {
		mergeInsert(trial, a.Extent)
	}

	tx, err := s.engine.Begin(ctx)
	if err != nil {
		return 0, wrapErr(KindHostTxFailure, err, "beginning aging migration transaction")
	}
	byOffsetID, bySizeID, err := s.persistFreeTables(tx, trial.items())
	if err != nil {
		_ = tx.Abort()
		return 0, wrapErr(KindHostTxFailure, err, "flushing free tables during aging migration")
	}
	if err := s.writeRootCell(tx, byOffsetID, bySizeID, s.hintArrayCellID, s.publishGeneration); err != nil {
		_ = tx.Abort()
		return 0, wrapErr(KindHostTxFailure, err, "writing root cell during aging migration")
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapErr(KindHostTxFailure, err, "committing aging migration transaction")
	}

	for _, a := range eligible {
		if s.unmap != nil {
			// Best-effort: an unmap failure is logged, not fatal, since the
			// extent is already durably free from VEA's own bookkeeping
			// perspective.
			if err := s.unmap(ctx, a.Offset, a.Length); err != nil {
				s.logger.Warn("vea: unmap callback failed", velog.Err(err))
			}
		}
		s.mergeInsertFree(a.Extent)
	}
	s.byOffsetCellID = byOffsetID
	s.bySizeCellID = bySizeID
	s.aging = kept
	s.metrics.agingMigrations.Add(float64(len(eligible)))
	return len(eligible), nil
}
