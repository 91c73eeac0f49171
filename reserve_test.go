package vea

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveTooLarge(t *testing.T) {
	space, _, _ := newTestSpace(t, Config{BlockSize: 4096, HeaderBlocks: 1, Capacity: 1000, MaxExtentBlocks: 10})
	list := NewReservationList()

	err := Reserve(context.Background(), space, 11, nil, list)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindTooLarge, verr.Kind)
}

func TestReserveNoSpaceWhenExhausted(t *testing.T) {
	space, _, _ := newTestSpace(t, Config{BlockSize: 4096, HeaderBlocks: 1, Capacity: 10})
	list := NewReservationList()

	require.NoError(t, Reserve(context.Background(), space, 9, nil, list))

	err := Reserve(context.Background(), space, 1, nil, list)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindNoSpace, verr.Kind)
}

func TestReserveBestFitPicksSmallestFittingExtent(t *testing.T) {
	space, _, _ := newTestSpace(t, Config{BlockSize: 4096, HeaderBlocks: 0, Capacity: 1000, LargeThreshold: 500})
	// Manually shape the free map into two disjoint extents so best-fit has
	// a real choice: take the whole initial extent, give back two pieces.
	whole, ok := space.freeTransient.getByOffset(0)
	require.True(t, ok)
	space.take(whole)
	space.freeTransient.insert(Extent{Offset: 0, Length: 20})
	space.freeTransient.insert(Extent{Offset: 100, Length: 200})

	list := NewReservationList()
	require.NoError(t, Reserve(context.Background(), space, 10, nil, list))

	got := list.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(0), got[0].Offset, "best fit should prefer the smaller of two candidate extents")
}

func TestReserveLargeThresholdUsesLargestExtent(t *testing.T) {
	space, _, _ := newTestSpace(t, Config{BlockSize: 4096, HeaderBlocks: 0, Capacity: 1000, LargeThreshold: 50})
	whole, ok := space.freeTransient.getByOffset(0)
	require.True(t, ok)
	space.take(whole)
	space.freeTransient.insert(Extent{Offset: 0, Length: 60})
	space.freeTransient.insert(Extent{Offset: 200, Length: 500})

	list := NewReservationList()
	require.NoError(t, Reserve(context.Background(), space, 60, nil, list))

	got := list.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(200), got[0].Offset, "a large request should draw from the largest extent, not fragment the smaller one")
}

func TestReserveHintPathUsesNextOffset(t *testing.T) {
	space, _, _ := newTestSpace(t, Config{BlockSize: 4096, HeaderBlocks: 0, Capacity: 1000})
	hint := HintLoad(space, "stream-a")
	hint.valid = true
	hint.nextOffset = 50

	list := NewReservationList()
	require.NoError(t, Reserve(context.Background(), space, 10, hint, list))

	got := list.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(50), got[0].Offset)
	assert.Equal(t, uint64(60), hint.nextOffset, "a successful hint reservation advances next_offset past the allocated extent")
}

func TestReserveZeroBlocksIsInvalid(t *testing.T) {
	space, _, _ := newTestSpace(t, Config{BlockSize: 4096, HeaderBlocks: 0, Capacity: 1000})
	list := NewReservationList()

	err := Reserve(context.Background(), space, 0, nil, list)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindInvalid, verr.Kind)
}
