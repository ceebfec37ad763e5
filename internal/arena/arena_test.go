package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroHandleInvalid(t *testing.T) {
	var h Handle
	assert.False(t, h.Valid())
}

func TestAllocGetRoundTrip(t *testing.T) {
	a := New[string]()
	h := a.Alloc("hello")
	require.True(t, h.Valid())
	assert.Equal(t, "hello", *a.Get(h))
}

func TestAllocAcrossChunkBoundary(t *testing.T) {
	a := New[int]()
	var handles []Handle
	for i := 0; i < chunkSize*3; i++ {
		handles = append(handles, a.Alloc(i))
	}
	for i, h := range handles {
		assert.Equal(t, i, *a.Get(h))
	}
	assert.Equal(t, chunkSize*3, a.Len())
}

func TestFreeReusesSlot(t *testing.T) {
	a := New[int]()
	h1 := a.Alloc(1)
	a.Free(h1)
	h2 := a.Alloc(2)
	assert.Equal(t, h1, h2)
	assert.Equal(t, 2, *a.Get(h2))
}

func TestDistinctAllocsGetDistinctHandles(t *testing.T) {
	a := New[int]()
	h1 := a.Alloc(1)
	h2 := a.Alloc(2)
	assert.NotEqual(t, h1, h2)
}
