package vea

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSet is the instance-owned collection of prometheus Collectors a
// Space exposes. Collectors register into a caller-supplied registry
// rather than the global default one, so multiple Spaces in one process
// don't collide on metric names.
type metricsSet struct {
	reservationsByHint prometheus.Counter
	reservationsLarge  prometheus.Counter
	reservationsSmall  prometheus.Counter
	reservationsDenied prometheus.Counter
	blocksPublished    prometheus.Counter
	blocksFreed        prometheus.Counter
	agingMigrations    prometheus.Counter
	coalesceEvents     prometheus.Counter
}

func newMetricsSet(reg *prometheus.Registry) *metricsSet {
	m := &metricsSet{
		reservationsByHint: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vea", Subsystem: "reserve", Name: "hint_total",
			Help: "Reservations satisfied via a hint context's next_offset.",
		}),
		reservationsLarge: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vea", Subsystem: "reserve", Name: "large_total",
			Help: "Reservations satisfied via the large-extent strategy.",
		}),
		reservationsSmall: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vea", Subsystem: "reserve", Name: "small_total",
			Help: "Reservations satisfied via the best-fit-small strategy.",
		}),
		reservationsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vea", Subsystem: "reserve", Name: "denied_total",
			Help: "Reservation attempts that returned NoSpace or TooLarge.",
		}),
		blocksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vea", Subsystem: "publish", Name: "blocks_total",
			Help: "Blocks committed durable via TxPublish.",
		}),
		blocksFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vea", Subsystem: "free", Name: "blocks_total",
			Help: "Blocks returned via Free, before aging.",
		}),
		agingMigrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vea", Subsystem: "aging", Name: "migrated_total",
			Help: "Extents promoted from the aging set back into the free map.",
		}),
		coalesceEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vea", Subsystem: "free", Name: "coalesce_total",
			Help: "Adjacent-extent merges performed while returning space to the free map.",
		}),
	}
	for _, c := range m.collectors() {
		reg.MustRegister(c)
	}
	return m
}

func (m *metricsSet) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.reservationsByHint,
		m.reservationsLarge,
		m.reservationsSmall,
		m.reservationsDenied,
		m.blocksPublished,
		m.blocksFreed,
		m.agingMigrations,
		m.coalesceEvents,
	}
}

// VerifyReport is the outcome of VerifyAlloc: a structural self-check of
// the transient free-map and reserved-set invariants, intended for tests
// and host-side consistency checks, not a hot path.
type VerifyReport struct {
	FreeExtents     int
	ReservedExtents int
	AgingExtents    int
	FreeBlocks      uint64
	ReservedBlocks  uint64
	Violations      []string
}

func (r VerifyReport) OK() bool { return len(r.Violations) == 0 }

// VerifyAlloc walks the transient free map, reserved set, and aging set,
// checking that no two entries in the free map overlap or touch
// (everything that can coalesce already has), and that no extent with
// the same offset and length appears more than once across the free,
// reserved, and aging sets. Partial overlaps between entries of
// different sets are not detected.
func VerifyAlloc(s *Space) VerifyReport {
	s.enter("VerifyAlloc")
	defer s.leave()

	report := VerifyReport{
		FreeExtents:     s.freeTransient.len(),
		ReservedExtents: s.reservedSet.len(),
		AgingExtents:    len(s.aging),
		FreeBlocks:      s.freeTransient.totalLength(),
	}
	for _, e := range s.reservedSet.items() {
		report.ReservedBlocks += uint64(e.Length)
	}

	free := s.freeTransient.items()
	for i := 1; i < len(free); i++ {
		prev, cur := free[i-1], free[i]
		if prev.End() > cur.Offset {
			report.Violations = append(report.Violations, fmt.Sprintf("free extents [%d,%d) and [%d,%d) overlap", prev.Offset, prev.End(), cur.Offset, cur.End()))
		} else if prev.adjacentTo(cur) {
			report.Violations = append(report.Violations, fmt.Sprintf("free extents [%d,%d) and [%d,%d) are adjacent but uncoalesced", prev.Offset, prev.End(), cur.Offset, cur.End()))
		}
	}

	occupied := append([]Extent(nil), free...)
	occupied = append(occupied, s.reservedSet.items()...)
	for _, a := range s.aging {
		occupied = append(occupied, a.Extent)
	}
	seen := make(map[uint64]Extent, len(occupied))
	for _, e := range occupied {
		if other, dup := seen[e.Offset]; dup && other.Length == e.Length {
			report.Violations = append(report.Violations, fmt.Sprintf("extent at offset %d appears in more than one of free/reserved/aging", e.Offset))
		}
		seen[e.Offset] = e
	}

	return report
}

// AllocStatus is the result of VerifyExtent's point query against a
// space's free map.
type AllocStatus int

const (
	// AllocPresent means [offset, offset+length) lies entirely within a
	// single free extent.
	AllocPresent AllocStatus = iota
	// AllocAbsent means the range is wholly outside the free map
	// (reserved, aging, or otherwise allocated) but within the space's
	// data region.
	AllocAbsent
	// AllocInvalid means the range falls outside the data region, or
	// straddles a boundary between free and non-free space.
	AllocInvalid
)

func (a AllocStatus) String() string {
	switch a {
	case AllocPresent:
		return "present"
	case AllocAbsent:
		return "absent"
	default:
		return "invalid"
	}
}

// VerifyExtent answers whether [offset, offset+length) is currently free,
// checking a single candidate extent rather than walking the whole free
// map. A range that only partly overlaps a free extent, or that falls
// outside the header-to-capacity data region, is reported Invalid rather
// than Absent, since neither "reserve it" nor "it's already taken" is a
// meaningful answer for a query that doesn't align to extent boundaries.
func VerifyExtent(s *Space, offset uint64, length uint32) AllocStatus {
	s.enter("VerifyExtent")
	defer s.leave()

	if length == 0 || offset < uint64(s.headerBlocks) || offset+uint64(length) > s.capacity {
		return AllocInvalid
	}
	if _, ok := s.freeTransient.containing(offset, length); ok {
		return AllocPresent
	}
	if s.freeTransient.overlapsRange(offset, length) {
		return AllocInvalid
	}
	return AllocAbsent
}

// DumpEntry describes one extent for Dump's flat snapshot.
type DumpEntry struct {
	Offset uint64
	Length uint32
	State  string // "free", "reserved", or "aging"
}

// Dump returns every tracked extent across the free, reserved, and aging
// sets, for diagnostics and tests.
func Dump(s *Space) []DumpEntry {
	s.enter("Dump")
	defer s.leave()

	out := make([]DumpEntry, 0, s.freeTransient.len()+s.reservedSet.len()+len(s.aging))
	for _, e := range s.freeTransient.items() {
		out = append(out, DumpEntry{Offset: e.Offset, Length: e.Length, State: "free"})
	}
	for _, e := range s.reservedSet.items() {
		out = append(out, DumpEntry{Offset: e.Offset, Length: e.Length, State: "reserved"})
	}
	for _, a := range s.aging {
		out = append(out, DumpEntry{Offset: a.Offset, Length: a.Length, State: "aging"})
	}
	return out
}
