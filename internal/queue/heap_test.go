package queue

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxHeap_KeepsSmallest(t *testing.T) {
	h := NewMaxHeap(5)
	values := []float32{1.0, 5.0, 2.0, 8.0, 3.0, 9.0, 4.0, 7.0, 6.0, 0.5}
	for i, v := range values {
		h.Offer(Candidate{ID: int32(i), Dist: v})
	}

	require.True(t, h.Full())
	top, ok := h.Peek()
	require.True(t, ok)
	assert.Equal(t, float32(4.0), top.Dist)
	assert.Equal(t, float32(4.0), h.Radius())

	sorted := h.SortedInto(nil)
	got := make([]float32, len(sorted))
	for i, c := range sorted {
		got[i] = c.Dist
	}
	assert.Equal(t, []float32{0.5, 1, 2, 3, 4}, got)
	assert.Equal(t, 5, h.Len(), "SortedInto must not drain the heap")

	// Pop comes out largest to smallest
	expected := []float32{4, 3, 2, 1, 0.5}
	for i, exp := range expected {
		c, ok := h.Pop()
		require.True(t, ok)
		assert.Equal(t, exp, c.Dist, "pop %d", i)
	}
	_, ok = h.Pop()
	assert.False(t, ok)
}

func TestMaxHeap_RadiusUntilFull(t *testing.T) {
	h := NewMaxHeap(2)
	assert.True(t, math.IsInf(float64(h.Radius()), 1))
	h.Offer(Candidate{ID: 1, Dist: 3})
	assert.True(t, math.IsInf(float64(h.Radius()), 1))
	h.Offer(Candidate{ID: 2, Dist: 1})
	assert.Equal(t, float32(3), h.Radius())

	h.Reset(3)
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 3, h.Cap())
	assert.True(t, h.Push(Candidate{}))
}

func TestMinHeap_Grows(t *testing.T) {
	h := NewMinHeap(1)
	for _, v := range []float32{9, 3, 7, 1, 5, 2} {
		h.Push(Candidate{Dist: v})
	}
	assert.Equal(t, 6, h.Len())

	top, ok := h.Peek()
	require.True(t, ok)
	assert.Equal(t, float32(1), top.Dist)

	var got []float32
	for h.Len() > 0 {
		c, _ := h.Pop()
		got = append(got, c.Dist)
	}
	assert.Equal(t, []float32{1, 2, 3, 5, 7, 9}, got)

	h.Push(Candidate{Dist: 4})
	h.Clear()
	_, ok = h.Pop()
	assert.False(t, ok)
}
