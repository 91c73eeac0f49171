package vea

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daos-stack/vea/veaclock"
)

func TestTxPublishShrinksPersistentFreeTable(t *testing.T) {
	ctx := context.Background()
	space, engine, rootID := newTestSpace(t, Config{BlockSize: 4096, HeaderBlocks: 0, Capacity: 1000})

	list := NewReservationList()
	require.NoError(t, Reserve(ctx, space, 100, nil, list))
	require.NoError(t, TxPublish(ctx, space, nil, list))
	assert.Equal(t, uint64(1), space.PublishGeneration())

	reloaded, err := Load(ctx, rootID, Config{BlockSize: 4096, HeaderBlocks: 0, Capacity: 1000}, LoadOptions{Engine: engine, Store: engine.Store})
	require.NoError(t, err)
	report := VerifyAlloc(reloaded)
	assert.True(t, report.OK())
	assert.Equal(t, uint64(900), report.FreeBlocks)
}

func TestCancelReturnsExtentWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	space, engine, rootID := newTestSpace(t, Config{BlockSize: 4096, HeaderBlocks: 0, Capacity: 1000})

	list := NewReservationList()
	require.NoError(t, Reserve(ctx, space, 100, nil, list))
	Cancel(space, nil, list)

	report := VerifyAlloc(space)
	assert.Equal(t, uint64(1000), report.FreeBlocks)
	assert.Equal(t, 1, report.FreeExtents, "cancelling must coalesce the extent back into the single free range")

	reloaded, err := Load(ctx, rootID, Config{BlockSize: 4096, HeaderBlocks: 0, Capacity: 1000}, LoadOptions{Engine: engine, Store: engine.Store})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), reloaded.PublishGeneration(), "cancel must never touch the persistent descriptor")
}

func TestFreeGoesThroughAgingBeforeReuse(t *testing.T) {
	ctx := context.Background()
	mock := veaclock.NewMock()
	engine, rootID := newFormattedEngine(t, Config{BlockSize: 4096, HeaderBlocks: 0, Capacity: 1000, AgingWindow: 10})
	space, err := Load(ctx, rootID, Config{BlockSize: 4096, HeaderBlocks: 0, Capacity: 1000, AgingWindow: 10}, LoadOptions{Engine: engine, Store: engine.Store, Clock: mock})
	require.NoError(t, err)

	list := NewReservationList()
	require.NoError(t, Reserve(ctx, space, 100, nil, list))
	require.NoError(t, TxPublish(ctx, space, nil, list))

	require.NoError(t, Free(space, Extent{Offset: 0, Length: 100}))
	report := VerifyAlloc(space)
	assert.Equal(t, 1, report.AgingExtents)
	assert.Equal(t, uint64(900), report.FreeBlocks, "a freed extent is not reusable until it migrates out of aging")

	migrated, err := MigrateAging(ctx, space)
	require.NoError(t, err)
	assert.Equal(t, 0, migrated, "the aging window has not elapsed yet")

	mock.Add(11)
	migrated, err = MigrateAging(ctx, space)
	require.NoError(t, err)
	assert.Equal(t, 1, migrated)

	report = VerifyAlloc(space)
	assert.Equal(t, uint64(1000), report.FreeBlocks)
	assert.Equal(t, 1, report.FreeExtents, "the migrated extent coalesces back with its neighbour")
}

func TestReserveOpportunisticallyMigratesAgingWhenFreeMapIsEmpty(t *testing.T) {
	ctx := context.Background()
	mock := veaclock.NewMock()
	engine, rootID := newFormattedEngine(t, Config{BlockSize: 4096, HeaderBlocks: 0, Capacity: 100, AgingWindow: 5})
	space, err := Load(ctx, rootID, Config{BlockSize: 4096, HeaderBlocks: 0, Capacity: 100, AgingWindow: 5}, LoadOptions{Engine: engine, Store: engine.Store, Clock: mock})
	require.NoError(t, err)

	list := NewReservationList()
	require.NoError(t, Reserve(ctx, space, 100, nil, list))
	require.NoError(t, TxPublish(ctx, space, nil, list))
	require.NoError(t, Free(space, Extent{Offset: 0, Length: 100}))

	mock.Add(10)
	secondList := NewReservationList()
	require.NoError(t, Reserve(ctx, space, 50, nil, secondList), "Reserve must trigger its own aging migration when the free map is empty")
}

func TestFreeRejectsExtentOutsideDataRegion(t *testing.T) {
	space, _, _ := newTestSpace(t, Config{BlockSize: 4096, HeaderBlocks: 2, Capacity: 100})

	err := Free(space, Extent{Offset: 0, Length: 1})
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindInvalid, verr.Kind)
}
