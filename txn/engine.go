// Package txn defines the capability VEA expects from the host's
// persistent-memory transaction engine. VEA never talks to PMEM directly;
// it is generic over this interface, supplied at Load time, the way the
// teacher's sab.MemoryProvider is supplied to code that would otherwise
// reach for a raw mmap (kernel/threads/sab/hal.go in the retrieved
// reference repo).
package txn

import (
	"context"
	"errors"
)

// CellID identifies a persistent cell (a B-tree node, a root record, a
// free-extent or hint record) inside the host's PMEM pool.
type CellID uint64

// CellStore is the byte-addressable backing store a persistent cell lives
// in. Implementations may be a raw mmap, a copy-on-write PMEM pool, or (in
// tests) a plain in-memory buffer.
type CellStore interface {
	ReadAt(id CellID, offset uint32, dest []byte) error
	WriteAt(id CellID, offset uint32, src []byte) error
}

// Txn is one host transaction. All mutations to persistent cells during a
// VEA publish or migration pass must go through a Txn so the host can make
// them crash-consistent alongside its own metadata.
type Txn interface {
	// AddRange stages [offset, offset+length) of the given cell for the
	// write set. The actual byte mutation still goes through CellStore;
	// this only tells the host which ranges must commit atomically with
	// it.
	AddRange(id CellID, offset uint32, length uint32) error

	// AllocateCell reserves a new persistent cell of at least size bytes,
	// returning its id. Used when the descriptor's B-tree-like indices
	// need to grow.
	AllocateCell(size uint32) (CellID, error)

	// FreeCell releases a persistent cell back to the host's own pool.
	FreeCell(id CellID) error

	Commit() error
	Abort() error
}

// Engine begins host transactions. A VEA Space is handed exactly one
// Engine at Load time and never holds process-wide state about it; there
// is no package-level default engine to fall back on.
type Engine interface {
	Begin(ctx context.Context) (Txn, error)
}

// ErrAborted is returned by Commit after Abort has already been called on
// the same Txn, or by operations attempted on an aborted Txn.
var ErrAborted = errors.New("txn: transaction already aborted")

// ErrCommitted is returned by operations attempted on an already-committed
// Txn.
var ErrCommitted = errors.New("txn: transaction already committed")
