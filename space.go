package vea

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/daos-stack/vea/internal/velog"
	"github.com/daos-stack/vea/txn"
	"github.com/daos-stack/vea/veaclock"
)

// UnmapFunc is invoked for each extent that an aging-migration pass
// promotes back into the free map, so the host can issue a physical
// TRIM. It may be nil, in which case no TRIM is issued.
type UnmapFunc func(ctx context.Context, offsetBlocks uint64, lengthBlocks uint32) error

// LoadOptions carries the collaborators Space needs at Load time: the
// host's transaction engine and cell store (capability interfaces, not
// concrete PMEM handles), an optional unmap callback, an optional clock
// (defaults to the OS monotonic clock), and an optional logger (defaults
// to a Nop logger).
type LoadOptions struct {
	Engine txn.Engine
	Store  txn.CellStore
	Unmap  UnmapFunc
	Clock  veaclock.Clock
	Logger *velog.Logger
	// Registry receives this Space's metrics collectors. If nil, a
	// private registry is created and reachable via Space.Collectors().
	Registry *prometheus.Registry
}

// Space is one VEA instance: the transient free-map mirroring a
// persistent descriptor, plus the reservation/publish/cancel/free
// pipeline and diagnostics that operate on it. A Space is not safe for
// concurrent use by multiple goroutines without external serialization.
type Space struct {
	store  txn.CellStore
	engine txn.Engine
	rootID txn.CellID

	blockSize       uint32
	headerBlocks    uint32
	capacity        uint64
	agingWindow     time.Duration
	largeThreshold  uint32
	maxExtentBlocks uint32

	publishGeneration uint64
	byOffsetCellID    txn.CellID
	bySizeCellID      txn.CellID
	hintArrayCellID   txn.CellID
	hintRecords       map[uint64]hintPersisted

	freeTransient *extentSet
	reservedSet   *extentSet
	aging         []agingExtent

	unmap  UnmapFunc
	clock  veaclock.Clock
	logger *velog.Logger

	metrics *metricsSet

	reentrant int32 // raceGuard: 0 = idle, 1 = inside a mutating call
}

type agingExtent struct {
	Extent
	At time.Time
}

// enter/leave implement a debug reentrancy guard: it costs a CAS per
// mutating call and panics on misuse instead of silently corrupting
// state.
func (s *Space) enter(op string) {
	if !atomic.CompareAndSwapInt32(&s.reentrant, 0, 1) {
		panic(fmt.Sprintf("vea: re-entrant call to %s on a Space being used from two goroutines without external serialization", op))
	}
}

func (s *Space) leave() {
	atomic.StoreInt32(&s.reentrant, 0)
}

// Format initializes a fresh persistent space descriptor at rootID,
// replacing any prior contents only if force is set. rootID must already
// be an allocated cell of the host's choosing; the host is responsible
// for recording this root pointer wherever it keeps its own superblock.
func Format(ctx context.Context, eng txn.Engine, store txn.CellStore, rootID txn.CellID, cfg Config, force bool) error {
	cfg = cfg.withDefaults()
	if err := validateGeometry(cfg); err != nil {
		return err
	}

	existing := make([]byte, rootCellSize)
	if err := store.ReadAt(rootID, 0, existing); err != nil {
		return fmt.Errorf("vea: format: reading root cell %d: %w", rootID, err)
	}

	var oldRoot rootCell
	hadPrior := false
	if decoded, ok := decodeRootCell(existing); ok && decoded.magic == veaMagic {
		if !force {
			return newErr(KindAlreadyFormatted, "space at cell %d is already formatted (use force to reinitialise)", rootID)
		}
		oldRoot = decoded
		hadPrior = true
	}

	tx, err := eng.Begin(ctx)
	if err != nil {
		return wrapErr(KindHostTxFailure, err, "beginning format transaction")
	}

	if hadPrior {
		for _, id := range []txn.CellID{oldRoot.byOffsetRoot, oldRoot.bySizeRoot, oldRoot.hintArrayRoot} {
			if id != 0 {
				_ = tx.FreeCell(id)
			}
		}
	}

	initial := []Extent{{Offset: uint64(cfg.HeaderBlocks), Length: uint32(cfg.Capacity - uint64(cfg.HeaderBlocks))}}
	byOffsetID, err := persistTable(tx, store, 0, encodeFreeExtentTable(initial))
	if err != nil {
		_ = tx.Abort()
		return wrapErr(KindHostTxFailure, err, "writing by_offset table")
	}
	bySizeID, err := persistTable(tx, store, 0, encodeFreeExtentTable(initial))
	if err != nil {
		_ = tx.Abort()
		return wrapErr(KindHostTxFailure, err, "writing by_size table")
	}
	hintArrayID, err := persistTable(tx, store, 0, encodeHintTable(nil, nil))
	if err != nil {
		_ = tx.Abort()
		return wrapErr(KindHostTxFailure, err, "writing hint table")
	}

	root := rootCell{
		magic:          veaMagic,
		compat:         compatVersion,
		blockSize:      cfg.BlockSize,
		headerBlocks:   cfg.HeaderBlocks,
		capacityBlocks: cfg.Capacity,
		byOffsetRoot:   byOffsetID,
		bySizeRoot:     bySizeID,
		hintArrayRoot:  hintArrayID,
		publishGen:     0,
	}
	if err := tx.AddRange(rootID, 0, rootCellSize); err != nil {
		_ = tx.Abort()
		return wrapErr(KindHostTxFailure, err, "staging root cell write")
	}
	if err := store.WriteAt(rootID, 0, root.encode()); err != nil {
		_ = tx.Abort()
		return wrapErr(KindHostTxFailure, err, "writing root cell")
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(KindHostTxFailure, err, "committing format transaction")
	}

	// AgingWindow/LargeThreshold/MaxExtentBlocks are runtime policy, not
	// persistent geometry; a host that needs them to survive a restart
	// stores them alongside its own pool metadata and passes them back in
	// via Config on the next Load.
	return nil
}

// persistTable allocates a fresh cell for encoded table bytes and frees
// the previous cell (if any), via the given open transaction. Tables are
// never grown in place: on every flush we reallocate to exactly the
// needed size rather than use an amortized-growth strategy, since VEA
// only flushes a table a handful of times per publish/migration, not per
// block.
func persistTable(tx txn.Txn, store txn.CellStore, oldID txn.CellID, encoded []byte) (txn.CellID, error) {
	newID, err := tx.AllocateCell(uint32(len(encoded)))
	if err != nil {
		return 0, err
	}
	if err := tx.AddRange(newID, 0, uint32(len(encoded))); err != nil {
		return 0, err
	}
	if err := store.WriteAt(newID, 0, encoded); err != nil {
		return 0, err
	}
	if oldID != 0 {
		_ = tx.FreeCell(oldID)
	}
	return newID, nil
}

// persistFreeTables flushes items as both the by_offset and by_size
// tables inside tx, returning the two new cell IDs. Shared by TxPublish
// and migrateAging, the only two operations that ever rewrite the free
// tables.
func (s *Space) persistFreeTables(tx txn.Txn, items []Extent) (byOffsetID, bySizeID txn.CellID, err error) {
	byOffsetID, err = persistTable(tx, s.store, s.byOffsetCellID, encodeFreeExtentTable(items))
	if err != nil {
		return 0, 0, err
	}
	sorted := append([]Extent(nil), items...)
	sortBySizeThenOffset(sorted)
	bySizeID, err = persistTable(tx, s.store, s.bySizeCellID, encodeFreeExtentTable(sorted))
	if err != nil {
		return 0, 0, err
	}
	return byOffsetID, bySizeID, nil
}

// writeRootCell stages and writes a replacement root cell reflecting the
// given table locations and publish generation.
func (s *Space) writeRootCell(tx txn.Txn, byOffsetID, bySizeID, hintArrayID txn.CellID, publishGen uint64) error {
	root := rootCell{
		magic:          veaMagic,
		compat:         compatVersion,
		blockSize:      s.blockSize,
		headerBlocks:   s.headerBlocks,
		capacityBlocks: s.capacity,
		byOffsetRoot:   byOffsetID,
		bySizeRoot:     bySizeID,
		hintArrayRoot:  hintArrayID,
		publishGen:     publishGen,
	}
	if err := tx.AddRange(s.rootID, 0, rootCellSize); err != nil {
		return err
	}
	return s.store.WriteAt(s.rootID, 0, root.encode())
}

// Load reconstructs the transient free-map (B) from the persistent
// descriptor (A) at rootID, validating every persistent invariant; any
// violation is reported as Corruption and no partial Space is returned.
func Load(ctx context.Context, rootID txn.CellID, cfg Config, opts LoadOptions) (*Space, error) {
	if opts.Store == nil || opts.Engine == nil {
		return nil, newErr(KindInvalid, "Load requires both Engine and Store")
	}
	cfg = cfg.withDefaults()

	buf := make([]byte, rootCellSize)
	if err := opts.Store.ReadAt(rootID, 0, buf); err != nil {
		return nil, wrapErr(KindCorruption, err, "reading root cell %d", rootID)
	}
	root, checksumOK := decodeRootCell(buf)
	if root.magic != veaMagic {
		return nil, newErr(KindCorruption, "root cell %d has bad magic %#x", rootID, root.magic)
	}
	if root.compat != compatVersion {
		return nil, newErr(KindCorruption, "root cell %d has unknown compat version %d", rootID, root.compat)
	}
	if !checksumOK {
		return nil, newErr(KindCorruption, "root cell %d failed checksum verification", rootID)
	}

	byOffsetEntries, bySizeEntries, err := readFreeTables(opts.Store, root)
	if err != nil {
		return nil, err
	}
	if err := validatePersistentInvariants(byOffsetEntries, bySizeEntries, root); err != nil {
		return nil, err
	}

	hintRecords, err := readHintTable(opts.Store, root.hintArrayRoot)
	if err != nil {
		return nil, err
	}

	free := newExtentSet()
	for _, e := range byOffsetEntries {
		free.insert(e)
	}

	clk := opts.Clock
	if clk == nil {
		clk = veaclock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = velog.Nop()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Space{
		store:             opts.Store,
		engine:            opts.Engine,
		rootID:            rootID,
		blockSize:         root.blockSize,
		headerBlocks:      root.headerBlocks,
		capacity:          root.capacityBlocks,
		agingWindow:       cfg.AgingWindow,
		largeThreshold:    cfg.LargeThreshold,
		maxExtentBlocks:   cfg.MaxExtentBlocks,
		publishGeneration: root.publishGen,
		byOffsetCellID:    root.byOffsetRoot,
		bySizeCellID:      root.bySizeRoot,
		hintArrayCellID:   root.hintArrayRoot,
		hintRecords:       hintRecords,
		freeTransient:     free,
		reservedSet:       newExtentSet(),
		unmap:             opts.Unmap,
		clock:             clk,
		logger:            logger,
		metrics:           newMetricsSet(registry),
	}
	s.logger.Info("vea: space loaded", velog.Uint64("capacity_blocks", s.capacity), velog.Uint32("block_size", s.blockSize))
	return s, nil
}

func readFreeTables(store txn.CellStore, root rootCell) ([]Extent, []Extent, error) {
	byOffset, err := readTable(store, root.byOffsetRoot)
	if err != nil {
		return nil, nil, newErr(KindCorruption, "reading by_offset table: %v", err)
	}
	bySize, err := readTable(store, root.bySizeRoot)
	if err != nil {
		return nil, nil, newErr(KindCorruption, "reading by_size table: %v", err)
	}
	return byOffset, bySize, nil
}

func readTable(store txn.CellStore, id txn.CellID) ([]Extent, error) {
	// Tables are variable length; probe the count header first, then read
	// the full body.
	head := make([]byte, 4)
	if err := store.ReadAt(id, 0, head); err != nil {
		return nil, err
	}
	count := int(head[0]) | int(head[1])<<8 | int(head[2])<<16 | int(head[3])<<24
	full := make([]byte, 4+count*freeExtentRecSize)
	if err := store.ReadAt(id, 0, full); err != nil {
		return nil, err
	}
	entries, ok := decodeFreeExtentTable(full)
	if !ok {
		return nil, fmt.Errorf("malformed free extent table at cell %d", id)
	}
	return entries, nil
}

func readHintTable(store txn.CellStore, id txn.CellID) (map[uint64]hintPersisted, error) {
	head := make([]byte, 4)
	if err := store.ReadAt(id, 0, head); err != nil {
		return nil, newErr(KindCorruption, "reading hint table: %v", err)
	}
	count := int(head[0]) | int(head[1])<<8 | int(head[2])<<16 | int(head[3])<<24
	const slotSize = 8 + hintRecSize
	full := make([]byte, 4+count*slotSize)
	if err := store.ReadAt(id, 0, full); err != nil {
		return nil, newErr(KindCorruption, "reading hint table: %v", err)
	}
	// Hint records are keyed by a hash of the stream id (see
	// encodeHintTable); VEA keeps the hash as the lookup key since the
	// stream id string itself is not persisted.
	out := make(map[uint64]hintPersisted, count)
	for i := 0; i < count; i++ {
		rec := full[4+i*slotSize:]
		hash := u64(rec[0:8])
		lastOffset := u64(rec[8:16])
		sequence := u64(rec[16:24])
		out[hash] = hintPersisted{lastOffset: lastOffset, sequence: sequence}
	}
	return out, nil
}

func u64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// validatePersistentInvariants checks structural consistency (matching
// lengths, identical sorted multisets, no overlapping or unmerged
// adjacent ranges, no header/capacity overrun) against the two persisted
// tables.
func validatePersistentInvariants(byOffset, bySize []Extent, root rootCell) error {
	if len(byOffset) != len(bySize) {
		return newErr(KindCorruption, "by_offset has %d entries but by_size has %d", len(byOffset), len(bySize))
	}

	sortedOffset := append([]Extent(nil), byOffset...)
	sortByOffset(sortedOffset)
	sortedSize := append([]Extent(nil), bySize...)
	sortByOffset(sortedSize)
	for i := range sortedOffset {
		if sortedOffset[i] != sortedSize[i] {
			return newErr(KindCorruption, "by_offset and by_size disagree on entry %d", i)
		}
	}

	headerEnd := uint64(root.headerBlocks)
	capacity := root.capacityBlocks
	for i, e := range sortedOffset {
		if e.Length == 0 {
			return newErr(KindCorruption, "zero-length free extent at offset %d", e.Offset)
		}
		if e.Offset < headerEnd {
			return newErr(KindCorruption, "free extent at %d overlaps header region", e.Offset)
		}
		if e.End() > capacity {
			return newErr(KindCorruption, "free extent at %d extends past capacity %d", e.Offset, capacity)
		}
		if i > 0 {
			prev := sortedOffset[i-1]
			if prev.End() > e.Offset {
				return newErr(KindCorruption, "free extents at %d and %d overlap", prev.Offset, e.Offset)
			}
			if prev.adjacentTo(e) {
				return newErr(KindCorruption, "free extents at %d and %d are adjacent but not merged", prev.Offset, e.Offset)
			}
		}
	}
	return nil
}

func sortByOffset(es []Extent) {
	// insertion sort: tables are small in realistic tests and this keeps
	// this file free of an extra stdlib sort import pulled in only
	// for a diagnostic check.
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j].Offset < es[j-1].Offset; j-- {
			es[j], es[j-1] = es[j-1], es[j]
		}
	}
}

// Unload idempotently releases a Space's in-memory state. It never
// mutates the persistent descriptor.
func (s *Space) Unload() {
	s.freeTransient = nil
	s.reservedSet = nil
	s.aging = nil
	s.hintRecords = nil
}

// Collectors exposes the Space's prometheus collectors so a host can
// register them on its own registry instead of VEA's private one.
func (s *Space) Collectors() []prometheus.Collector {
	return s.metrics.collectors()
}

// BlockSize, HeaderBlocks, and Capacity expose the geometry Load recovered
// from the persistent descriptor.
func (s *Space) BlockSize() uint32     { return s.blockSize }
func (s *Space) HeaderBlocks() uint32  { return s.headerBlocks }
func (s *Space) Capacity() uint64      { return s.capacity }
func (s *Space) PublishGeneration() uint64 { return s.publishGeneration }
