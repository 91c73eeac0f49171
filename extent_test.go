package vea

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtentAdjacency(t *testing.T) {
	a := Extent{Offset: 10, Length: 5}
	b := Extent{Offset: 15, Length: 3}
	assert.True(t, a.adjacentTo(b))
	assert.False(t, b.adjacentTo(a))
	assert.Equal(t, uint64(15), a.End())
}

func TestExtentContains(t *testing.T) {
	e := Extent{Offset: 100, Length: 50}
	assert.True(t, e.contains(100, 50))
	assert.True(t, e.contains(110, 10))
	assert.False(t, e.contains(140, 20))
	assert.False(t, e.contains(90, 10))
}

func TestExtentSetInsertRemoveKeepsBothTreesInSync(t *testing.T) {
	s := newExtentSet()
	s.insert(Extent{Offset: 0, Length: 10})
	s.insert(Extent{Offset: 20, Length: 5})
	s.insert(Extent{Offset: 30, Length: 100})
	require.Equal(t, 3, s.len())

	largest, ok := s.largest()
	require.True(t, ok)
	assert.Equal(t, Extent{Offset: 30, Length: 100}, largest)

	ok = s.remove(Extent{Offset: 20, Length: 5})
	require.True(t, ok)
	assert.Equal(t, 2, s.len())
	_, stillThere := s.getByOffset(20)
	assert.False(t, stillThere)
}

func TestExtentSetFloorAndContaining(t *testing.T) {
	s := newExtentSet()
	s.insert(Extent{Offset: 0, Length: 10})
	s.insert(Extent{Offset: 50, Length: 10})

	floor, ok := s.floor(55)
	require.True(t, ok)
	assert.Equal(t, uint64(50), floor.Offset)

	_, ok = s.floor(5)
	require.True(t, ok)

	e, ok := s.containing(52, 3)
	require.True(t, ok)
	assert.Equal(t, Extent{Offset: 50, Length: 10}, e)

	_, ok = s.containing(58, 5)
	assert.False(t, ok, "extent must fit entirely inside the candidate")
}

func TestExtentSetSmallestFit(t *testing.T) {
	s := newExtentSet()
	s.insert(Extent{Offset: 0, Length: 4})
	s.insert(Extent{Offset: 10, Length: 8})
	s.insert(Extent{Offset: 30, Length: 100})

	fit, ok := s.smallestFit(5)
	require.True(t, ok)
	assert.Equal(t, uint32(8), fit.Length)

	fit, ok = s.smallestFit(4)
	require.True(t, ok)
	assert.Equal(t, uint32(4), fit.Length)

	_, ok = s.smallestFit(101)
	assert.False(t, ok)
}

func TestExtentSetItemsIsOffsetOrdered(t *testing.T) {
	s := newExtentSet()
	s.insert(Extent{Offset: 30, Length: 1})
	s.insert(Extent{Offset: 0, Length: 1})
	s.insert(Extent{Offset: 15, Length: 1})

	items := s.items()
	require.Len(t, items, 3)
	assert.Equal(t, []uint64{0, 15, 30}, []uint64{items[0].Offset, items[1].Offset, items[2].Offset})
}
