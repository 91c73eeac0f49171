package vea

import (
	"context"

	"github.com/google/uuid"
)

// Reservation is one extent set aside by Reserve, pending TxPublish or
// Cancel. It is never persisted on its own; a reservation only survives
// a crash once TxPublish folds it into the space's persistent free
// tables inside the host's transaction.
type Reservation struct {
	Offset uint64
	Length uint32

	hasHint    bool
	hintStream uint64 // HintContext.streamKey this came through, valid iff hasHint
	hintSeq    uint64 // hint sequence recorded at reservation time
}

// ReservationList groups the reservations a single caller intends to
// publish or cancel together, representing an I/O operation that may
// touch several extents atomically.
type ReservationList struct {
	ID      uuid.UUID
	entries []Reservation
}

// NewReservationList creates an empty, uniquely-identified reservation
// list.
func NewReservationList() *ReservationList {
	return &ReservationList{ID: uuid.New()}
}

func (l *ReservationList) Entries() []Reservation {
	out := make([]Reservation, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *ReservationList) totalBlocks() uint64 {
	var total uint64
	for _, e := range l.entries {
		total += uint64(e.Length)
	}
	return total
}

// Reserve sets aside blockCount blocks and appends the resulting
// reservation to list, trying the hint path, then whichever of the
// large-extent/best-fit-small strategies matches blockCount's size
// class, then the other as a fallback.
func Reserve(ctx context.Context, s *Space, blockCount uint32, hint *HintContext, list *ReservationList) error {
	s.enter("Reserve")
	defer s.leave()

	if blockCount == 0 {
		return newErr(KindInvalid, "reservation of zero blocks")
	}
	if blockCount > s.maxExtentBlocks {
		s.metrics.reservationsDenied.Inc()
		return newErr(KindTooLarge, "requested %d blocks exceeds max extent size %d blocks", blockCount, s.maxExtentBlocks)
	}

	if s.freeTransient.len() == 0 || s.fragmented(blockCount) {
		if _, err := s.migrateAging(ctx, s.clock.Now()); err != nil {
			return err
		}
	}
	if s.freeTransient.len() == 0 {
		s.metrics.reservationsDenied.Inc()
		return newErr(KindNoSpace, "no free extents remain")
	}

	if hint != nil && hint.valid && !hint.stale(s) {
		if e, ok := s.freeTransient.containing(hint.nextOffset, blockCount); ok {
			alloc := s.splitReserve(e, hint.nextOffset, blockCount)
			hint.sequence++
			hint.nextOffset = alloc.End()
			list.entries = append(list.entries, Reservation{
				Offset:     alloc.Offset,
				Length:     alloc.Length,
				hasHint:    true,
				hintStream: hint.streamKey,
				hintSeq:    hint.sequence,
			})
			s.metrics.reservationsByHint.Inc()
			return nil
		}
	}

	large := blockCount >= s.largeThreshold
	if large {
		if alloc, ok := s.reserveLargest(blockCount); ok {
			list.entries = append(list.entries, Reservation{Offset: alloc.Offset, Length: alloc.Length})
			s.metrics.reservationsLarge.Inc()
			return nil
		}
	}
	if alloc, ok := s.reserveBestFit(blockCount); ok {
		list.entries = append(list.entries, Reservation{Offset: alloc.Offset, Length: alloc.Length})
		s.metrics.reservationsSmall.Inc()
		return nil
	}
	if !large {
		if alloc, ok := s.reserveLargest(blockCount); ok {
			list.entries = append(list.entries, Reservation{Offset: alloc.Offset, Length: alloc.Length})
			s.metrics.reservationsLarge.Inc()
			return nil
		}
	}

	s.metrics.reservationsDenied.Inc()
	return newErr(KindNoSpace, "no free extent of at least %d blocks available", blockCount)
}

// fragmented reports whether the free map, though non-empty, has no
// single extent large enough to satisfy blockCount: the low-water-mark
// condition under which Reserve opportunistically migrates aging
// extents before trying its allocation strategies, on the chance that
// reclaiming aged space produces something big enough.
func (s *Space) fragmented(blockCount uint32) bool {
	largest, ok := s.freeTransient.largest()
	return ok && largest.Length < blockCount
}

// splitReserve removes e from the free map and takes [at, at+blockCount)
// out of it, re-inserting whatever remains before/after.
func (s *Space) splitReserve(e Extent, at uint64, blockCount uint32) Extent {
	s.freeTransient.remove(e)
	alloc := Extent{Offset: at, Length: blockCount}
	if before := at - e.Offset; before > 0 {
		s.freeTransient.insert(Extent{Offset: e.Offset, Length: uint32(before)})
	}
	if after := e.End() - alloc.End(); after > 0 {
		s.freeTransient.insert(Extent{Offset: alloc.End(), Length: uint32(after)})
	}
	s.reservedSet.insert(alloc)
	return alloc
}

// reserveLargest allocates from the single largest free extent, the
// strategy large requests use so they don't fragment many small extents.
func (s *Space) reserveLargest(blockCount uint32) (Extent, bool) {
	largest, ok := s.freeTransient.largest()
	if !ok || largest.Length < blockCount {
		return Extent{}, false
	}
	return s.splitReserve(largest, largest.Offset, blockCount), true
}

// reserveBestFit allocates from the smallest free extent that still
// fits, minimizing leftover fragmentation for small requests.
func (s *Space) reserveBestFit(blockCount uint32) (Extent, bool) {
	fit, ok := s.freeTransient.smallestFit(blockCount)
	if !ok {
		return Extent{}, false
	}
	return s.splitReserve(fit, fit.Offset, blockCount), true
}
