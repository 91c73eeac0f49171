package vea

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daos-stack/vea/internal/velog"
	"github.com/daos-stack/vea/txn"
)

func newTestSpace(t *testing.T, cfg Config) (*Space, *txn.MemEngine, txn.CellID) {
	t.Helper()
	engine, rootID := newFormattedEngine(t, cfg)

	space, err := Load(context.Background(), rootID, cfg, LoadOptions{
		Engine: engine,
		Store:  engine.Store,
		Logger: velog.Nop(),
	})
	require.NoError(t, err)
	return space, engine, rootID
}

// newFormattedEngine formats a fresh space and returns the engine and
// root cell id without loading it, so callers that need a specific
// clock (e.g. a mock for aging-window tests) can pass it to Load
// themselves.
func newFormattedEngine(t *testing.T, cfg Config) (*txn.MemEngine, txn.CellID) {
	t.Helper()
	engine := txn.NewMemEngine()
	rootID := engine.Store.Alloc(256)
	require.NoError(t, Format(context.Background(), engine, engine.Store, rootID, cfg, false))
	return engine, rootID
}

func TestFormatThenLoadRecoversGeometry(t *testing.T) {
	cfg := Config{BlockSize: 4096, HeaderBlocks: 2, Capacity: 1000}
	space, _, _ := newTestSpace(t, cfg)

	assert.Equal(t, uint32(4096), space.BlockSize())
	assert.Equal(t, uint32(2), space.HeaderBlocks())
	assert.Equal(t, uint64(1000), space.Capacity())
	assert.Equal(t, uint64(0), space.PublishGeneration())

	report := VerifyAlloc(space)
	assert.True(t, report.OK())
	assert.Equal(t, uint64(998), report.FreeBlocks)
}

func TestFormatRefusesToReinitializeWithoutForce(t *testing.T) {
	ctx := context.Background()
	engine := txn.NewMemEngine()
	rootID := engine.Store.Alloc(256)
	cfg := Config{BlockSize: 4096, HeaderBlocks: 1, Capacity: 100}

	require.NoError(t, Format(ctx, engine, engine.Store, rootID, cfg, false))
	err := Format(ctx, engine, engine.Store, rootID, cfg, false)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindAlreadyFormatted, verr.Kind)
}

func TestFormatWithForceReinitializes(t *testing.T) {
	ctx := context.Background()
	engine := txn.NewMemEngine()
	rootID := engine.Store.Alloc(256)
	cfg := Config{BlockSize: 4096, HeaderBlocks: 1, Capacity: 100}

	require.NoError(t, Format(ctx, engine, engine.Store, rootID, cfg, false))
	require.NoError(t, Format(ctx, engine, engine.Store, rootID, cfg, true))

	space, err := Load(ctx, rootID, cfg, LoadOptions{Engine: engine, Store: engine.Store})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), space.PublishGeneration())
}

func TestFormatRejectsBadGeometry(t *testing.T) {
	ctx := context.Background()
	engine := txn.NewMemEngine()
	rootID := engine.Store.Alloc(256)

	err := Format(ctx, engine, engine.Store, rootID, Config{BlockSize: 100, HeaderBlocks: 1, Capacity: 10}, false)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindBadGeometry, verr.Kind)
}

func TestLoadDetectsCorruptedRootCell(t *testing.T) {
	ctx := context.Background()
	engine := txn.NewMemEngine()
	rootID := engine.Store.Alloc(256)
	cfg := Config{BlockSize: 4096, HeaderBlocks: 1, Capacity: 100}
	require.NoError(t, Format(ctx, engine, engine.Store, rootID, cfg, false))

	corrupt := make([]byte, 4)
	require.NoError(t, engine.Store.ReadAt(rootID, 14, corrupt))
	corrupt[0] ^= 0xFF
	require.NoError(t, engine.Store.WriteAt(rootID, 14, corrupt))

	_, err := Load(ctx, rootID, cfg, LoadOptions{Engine: engine, Store: engine.Store})
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindCorruption, verr.Kind)
}
