package vea

import "github.com/google/btree"

// Extent is a half-open interval [Offset, Offset+Length) of blocks.
type Extent struct {
	Offset uint64
	Length uint32
}

// End returns the first block past the extent.
func (e Extent) End() uint64 { return e.Offset + uint64(e.Length) }

// adjacentTo reports whether e immediately precedes other (e.End() == other.Offset).
func (e Extent) adjacentTo(other Extent) bool { return e.End() == other.Offset }

// contains reports whether [offset, offset+length) lies entirely inside e.
func (e Extent) contains(offset uint64, length uint32) bool {
	return offset >= e.Offset && offset+uint64(length) <= e.End()
}

const btreeDegree = 32

func lessByOffset(a, b Extent) bool { return a.Offset < b.Offset }

func lessBySize(a, b Extent) bool {
	if a.Length != b.Length {
		return a.Length < b.Length
	}
	return a.Offset < b.Offset
}

// extentSet is the sole mutation point for a pair of ordered indices kept
// in lock-step: by_offset (unique, keyed by Offset) and by_size (keyed by
// (Length, Offset)). The two trees always hold the same multiset, by
// construction: every insert or remove touches both.
type extentSet struct {
	byOffset *btree.BTreeG[Extent]
	bySize   *btree.BTreeG[Extent]
}

func newExtentSet() *extentSet {
	return &extentSet{
		byOffset: btree.NewG(btreeDegree, lessByOffset),
		bySize:   btree.NewG(btreeDegree, lessBySize),
	}
}

func (s *extentSet) len() int { return s.byOffset.Len() }

// insert adds e to both indices. Callers are responsible for ensuring e
// does not overlap an existing entry (extentSet does not coalesce; that
// policy lives in the free-map layer, which coalesces for free_transient
// and free_persistent but not for aging).
func (s *extentSet) insert(e Extent) {
	s.byOffset.ReplaceOrInsert(e)
	s.bySize.ReplaceOrInsert(e)
}

// remove deletes the exact entry e from both indices. Returns false if e
// (by Offset) was not present.
func (s *extentSet) remove(e Extent) bool {
	old, ok := s.byOffset.Delete(e)
	if !ok {
		return false
	}
	s.bySize.Delete(old)
	return true
}

// getByOffset returns the entry whose Offset exactly matches offset.
func (s *extentSet) getByOffset(offset uint64) (Extent, bool) {
	return s.byOffset.Get(Extent{Offset: offset})
}

// floor returns the entry with the largest Offset <= offset, if any.
func (s *extentSet) floor(offset uint64) (Extent, bool) {
	var found Extent
	ok := false
	s.byOffset.DescendLessOrEqual(Extent{Offset: offset}, func(item Extent) bool {
		found = item
		ok = true
		return false
	})
	return found, ok
}

// containing returns the free extent that entirely contains
// [offset, offset+length), if one exists.
func (s *extentSet) containing(offset uint64, length uint32) (Extent, bool) {
	e, ok := s.floor(offset)
	if !ok || !e.contains(offset, length) {
		return Extent{}, false
	}
	return e, true
}

// smallestFit returns the smallest entry with Length >= length, breaking
// ties by lowest Offset (the by_size ordering already encodes this).
func (s *extentSet) smallestFit(length uint32) (Extent, bool) {
	var found Extent
	ok := false
	s.bySize.AscendGreaterOrEqual(Extent{Length: length, Offset: 0}, func(item Extent) bool {
		found = item
		ok = true
		return false
	})
	return found, ok
}

// largest returns the entry with the greatest Length (offset tie-break is
// irrelevant here; any maximal entry works since the caller only consumes
// a prefix of it).
func (s *extentSet) largest() (Extent, bool) {
	return s.bySize.Max()
}

// items returns all entries in offset order, for dump/diagnostics and
// tests. It is O(n) and never used on a hot path.
func (s *extentSet) items() []Extent {
	out := make([]Extent, 0, s.byOffset.Len())
	s.byOffset.Ascend(func(item Extent) bool {
		out = append(out, item)
		return true
	})
	return out
}

// overlapsRange reports whether any entry in s intersects
// [offset, offset+length) without necessarily containing it entirely,
// used to distinguish "straddles a boundary" from "cleanly absent".
func (s *extentSet) overlapsRange(offset uint64, length uint32) bool {
	end := offset + uint64(length)
	if prev, ok := s.floor(offset); ok && prev.End() > offset {
		return true
	}
	overlap := false
	s.byOffset.AscendGreaterOrEqual(Extent{Offset: offset}, func(item Extent) bool {
		if item.Offset >= end {
			return false
		}
		overlap = true
		return false
	})
	return overlap
}

// clone returns a cheap copy-on-write snapshot of s: mutating the clone
// never affects s, and vice versa, until either diverges and forces a
// node copy. Used to compute a trial merged state before a transaction
// that may still be aborted.
func (s *extentSet) clone() *extentSet {
	return &extentSet{
		byOffset: s.byOffset.Clone(),
		bySize:   s.bySize.Clone(),
	}
}

func (s *extentSet) totalLength() uint64 {
	var total uint64
	s.byOffset.Ascend(func(item Extent) bool {
		total += uint64(item.Length)
		return true
	})
	return total
}
