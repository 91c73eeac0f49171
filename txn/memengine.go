package txn

import (
	"context"
	"fmt"
	"sync"
)

// MemCellStore is an in-memory CellStore: a flat byte slice per cell,
// since VEA's cells are independently sized (root record, free-extent
// nodes, hint array) rather than fixed offsets into one arena.
type MemCellStore struct {
	mu    sync.RWMutex
	cells map[CellID][]byte
	next  CellID
}

// NewMemCellStore creates an empty in-memory cell store.
func NewMemCellStore() *MemCellStore {
	return &MemCellStore{cells: make(map[CellID][]byte), next: 1}
}

// Alloc creates a new cell of the given size, zero-filled, and returns its
// id. Exposed directly (not just through Txn.AllocateCell) so tests and
// the demo binary can seed cells, such as the root cell Format writes
// into, before any transaction exists.
func (m *MemCellStore) Alloc(size uint32) CellID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.cells[id] = make([]byte, size)
	return id
}

func (m *MemCellStore) Free(id CellID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cells[id]; !ok {
		return fmt.Errorf("txn: free of unknown cell %d", id)
	}
	delete(m.cells, id)
	return nil
}

func (m *MemCellStore) ReadAt(id CellID, offset uint32, dest []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.cells[id]
	if !ok {
		return fmt.Errorf("txn: read of unknown cell %d", id)
	}
	if uint64(offset)+uint64(len(dest)) > uint64(len(data)) {
		return fmt.Errorf("txn: read at %d len %d exceeds cell %d size %d", offset, len(dest), id, len(data))
	}
	copy(dest, data[offset:])
	return nil
}

func (m *MemCellStore) WriteAt(id CellID, offset uint32, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.cells[id]
	if !ok {
		return fmt.Errorf("txn: write of unknown cell %d", id)
	}
	if uint64(offset)+uint64(len(src)) > uint64(len(data)) {
		return fmt.Errorf("txn: write at %d len %d exceeds cell %d size %d", offset, len(src), id, len(data))
	}
	copy(data[offset:], src)
	return nil
}

// MemEngine is a reference Engine backed by a MemCellStore. It is meant
// for tests and for the demo binary; it never fails a commit, since it has
// no crash-consistency story of its own to violate.
type MemEngine struct {
	Store *MemCellStore
}

// NewMemEngine creates an Engine over a fresh MemCellStore.
func NewMemEngine() *MemEngine {
	return &MemEngine{Store: NewMemCellStore()}
}

func (e *MemEngine) Begin(ctx context.Context) (Txn, error) {
	return &memTxn{store: e.Store}, nil
}

type memTxnState int

const (
	memTxnOpen memTxnState = iota
	memTxnCommitted
	memTxnAborted
)

// memTxn applies writes to the store immediately (there is nothing to
// stage: the store has no undo log), and only tracks state transitions so
// misuse after Commit/Abort is caught, mirroring the discipline a real
// transaction engine enforces.
type memTxn struct {
	store *MemCellStore
	state memTxnState
}

func (t *memTxn) AddRange(id CellID, offset uint32, length uint32) error {
	switch t.state {
	case memTxnCommitted:
		return ErrCommitted
	case memTxnAborted:
		return ErrAborted
	}
	if _, err := t.store.ReadAt(id, offset, make([]byte, length)); err != nil {
		return err
	}
	return nil
}

func (t *memTxn) AllocateCell(size uint32) (CellID, error) {
	switch t.state {
	case memTxnCommitted:
		return 0, ErrCommitted
	case memTxnAborted:
		return 0, ErrAborted
	}
	return t.store.Alloc(size), nil
}

func (t *memTxn) FreeCell(id CellID) error {
	switch t.state {
	case memTxnCommitted:
		return ErrCommitted
	case memTxnAborted:
		return ErrAborted
	}
	return t.store.Free(id)
}

func (t *memTxn) Commit() error {
	if t.state == memTxnAborted {
		return ErrAborted
	}
	if t.state == memTxnCommitted {
		return ErrCommitted
	}
	t.state = memTxnCommitted
	return nil
}

func (t *memTxn) Abort() error {
	if t.state == memTxnCommitted {
		return ErrCommitted
	}
	if t.state == memTxnAborted {
		return ErrAborted
	}
	t.state = memTxnAborted
	return nil
}
