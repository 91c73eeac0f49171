package vea

// HintContext tracks one I/O stream's allocation locality: Reserve tries
// next_offset first before falling back to the large-extent and
// best-fit-small strategies. A reservation served by the hint path
// advances next_offset to just past the reserved extent so the next
// reservation on this stream stays local, and TxPublish persists the
// in-memory next_offset/sequence. A reservation served by the
// large-extent or best-fit-small strategy leaves next_offset, sequence
// and valid unchanged, so a context that starts invalid stays invalid.
//
// sequence guards Cancel: a cancel only reverts next_offset if the
// reservation it is cancelling is the most recent one this context
// produced (its sequence matches), so cancelling an old, already-
// superseded reservation can never roll back a newer publish.
type HintContext struct {
	streamKey  uint64
	nextOffset uint64
	valid      bool
	sequence   uint64

	// observedGeneration freezes the publish generation this context last
	// saw; if this Space's publish generation has since advanced (any
	// TxPublish on the Space that was not given this context, including
	// another stream's publish, bumps it), the next Reserve on this
	// context treats its hint as stale rather than trusting a next_offset
	// that may no longer be free.
	observedGeneration uint64
}

// HintLoad attaches to (or creates) the named stream's hint context. The
// persistent hint record, if one exists from a prior publish, seeds
// next_offset; otherwise the context starts invalid and Reserve skips
// straight to the large-extent/best-fit-small strategies.
func HintLoad(s *Space, streamID string) *HintContext {
	key := hintKey(streamID)
	if rec, ok := s.hintRecords[key]; ok {
		return &HintContext{
			streamKey:          key,
			nextOffset:         rec.lastOffset,
			valid:              true,
			sequence:           rec.sequence,
			observedGeneration: s.publishGeneration,
		}
	}
	return &HintContext{streamKey: key, valid: false, observedGeneration: s.publishGeneration}
}

// HintUnload drops the in-memory reference. It never touches the
// persistent hint record: only a publish can change that.
func HintUnload(h *HintContext) {
	h.valid = false
}

func hintKey(streamID string) uint64 {
	return hashStreamID(streamID)
}

// stale reports whether the space has advanced its publish generation
// since this context last observed it, meaning next_offset may no longer
// reflect reality.
func (h *HintContext) stale(s *Space) bool {
	return h.observedGeneration != s.publishGeneration
}
