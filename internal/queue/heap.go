// Package queue holds the array-backed heaps used by nearest-neighbour
// traversal.
package queue

import (
	"math"
	"sort"
)

// Candidate is a hierarchy node or primitive with its distance to the query.
type Candidate struct {
	ID   int32
	Dist float32
}

// MinHeap keeps the smallest distance at the root. It grows on demand so it
// can hold the whole frontier of a best-first traversal.
type MinHeap struct {
	items []Candidate
	size  int
}

// NewMinHeap creates a min-heap with room for capacity candidates.
func NewMinHeap(capacity int) *MinHeap {
	return &MinHeap{items: make([]Candidate, capacity)}
}

// Push adds a candidate, growing the backing array if needed.
func (h *MinHeap) Push(c Candidate) {
	if h.size == len(h.items) {
		grown := make([]Candidate, 2*len(h.items)+1)
		copy(grown, h.items[:h.size])
		h.items = grown
	}
	h.items[h.size] = c
	h.size++
	h.bubbleUp(h.size - 1)
}

// Pop removes and returns the minimum element (smallest distance).
func (h *MinHeap) Pop() (Candidate, bool) {
	if h.size == 0 {
		return Candidate{}, false
	}
	minItem := h.items[0]
	h.size--
	if h.size > 0 {
		h.items[0] = h.items[h.size]
		h.bubbleDown(0)
	}
	return minItem, true
}

// Peek returns the minimum element without removing it.
func (h *MinHeap) Peek() (Candidate, bool) {
	if h.size == 0 {
		return Candidate{}, false
	}
	return h.items[0], true
}

func (h *MinHeap) Len() int { return h.size }

// Clear resets the heap to empty, keeping its storage.
func (h *MinHeap) Clear() { h.size = 0 }

func (h *MinHeap) bubbleUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if h.items[idx].Dist >= h.items[parent].Dist {
			break
		}
		h.items[idx], h.items[parent] = h.items[parent], h.items[idx]
		idx = parent
	}
}

func (h *MinHeap) bubbleDown(idx int) {
	for {
		left := 2*idx + 1
		right := 2*idx + 2
		smallest := idx
		if left < h.size && h.items[left].Dist < h.items[smallest].Dist {
			smallest = left
		}
		if right < h.size && h.items[right].Dist < h.items[smallest].Dist {
			smallest = right
		}
		if smallest == idx {
			break
		}
		h.items[idx], h.items[smallest] = h.items[smallest], h.items[idx]
		idx = smallest
	}
}

// MaxHeap is a fixed-capacity max-heap used to keep the k best candidates:
// the worst of them sits at the root so it can be evicted cheaply.
type MaxHeap struct {
	items []Candidate
	size  int
}

// NewMaxHeap creates a max-heap holding at most capacity candidates.
func NewMaxHeap(capacity int) *MaxHeap {
	return &MaxHeap{items: make([]Candidate, capacity)}
}

// Reset empties the heap and makes sure it can hold capacity candidates.
func (h *MaxHeap) Reset(capacity int) {
	if capacity > len(h.items) {
		h.items = make([]Candidate, capacity)
	}
	h.items = h.items[:capacity]
	h.size = 0
}

func (h *MaxHeap) Len() int    { return h.size }
func (h *MaxHeap) Cap() int    { return len(h.items) }
func (h *MaxHeap) Full() bool  { return h.size == len(h.items) }
func (h *MaxHeap) Empty() bool { return h.size == 0 }

// Push adds a candidate. Returns false if the heap is full.
func (h *MaxHeap) Push(c Candidate) bool {
	if h.size >= len(h.items) {
		return false
	}
	h.items[h.size] = c
	h.size++
	h.bubbleUp(h.size - 1)
	return true
}

// Peek returns the maximum element without removing it.
func (h *MaxHeap) Peek() (Candidate, bool) {
	if h.size == 0 {
		return Candidate{}, false
	}
	return h.items[0], true
}

// Pop removes and returns the maximum element (largest distance).
func (h *MaxHeap) Pop() (Candidate, bool) {
	if h.size == 0 {
		return Candidate{}, false
	}
	maxItem := h.items[0]
	h.size--
	if h.size > 0 {
		h.items[0] = h.items[h.size]
		h.bubbleDown(0)
	}
	return maxItem, true
}

// ReplaceTop replaces the maximum element with c and restores heap order.
func (h *MaxHeap) ReplaceTop(c Candidate) {
	if h.size == 0 {
		h.Push(c)
		return
	}
	h.items[0] = c
	h.bubbleDown(0)
}

// Offer keeps c if the heap is not full or c beats the current worst.
func (h *MaxHeap) Offer(c Candidate) {
	if h.size < len(h.items) {
		h.Push(c)
		return
	}
	if h.size > 0 && c.Dist < h.items[0].Dist {
		h.ReplaceTop(c)
	}
}

// Radius is the distance a new candidate has to beat to enter the heap.
func (h *MaxHeap) Radius() float32 {
	if h.size < len(h.items) || h.size == 0 {
		return float32(math.Inf(1))
	}
	return h.items[0].Dist
}

// SortedInto appends the heap content to dst in ascending distance order.
// The heap itself is left unchanged.
func (h *MaxHeap) SortedInto(dst []Candidate) []Candidate {
	start := len(dst)
	dst = append(dst, h.items[:h.size]...)
	tail := dst[start:]
	sort.Slice(tail, func(i, j int) bool { return tail[i].Dist < tail[j].Dist })
	return dst
}

func (h *MaxHeap) bubbleUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if h.items[idx].Dist <= h.items[parent].Dist {
			break
		}
		h.items[idx], h.items[parent] = h.items[parent], h.items[idx]
		idx = parent
	}
}

func (h *MaxHeap) bubbleDown(idx int) {
	for {
		left := 2*idx + 1
		right := 2*idx + 2
		largest := idx
		if left < h.size && h.items[left].Dist > h.items[largest].Dist {
			largest = left
		}
		if right < h.size && h.items[right].Dist > h.items[largest].Dist {
			largest = right
		}
		if largest == idx {
			break
		}
		h.items[idx], h.items[largest] = h.items[largest], h.items[idx]
		idx = largest
	}
}
