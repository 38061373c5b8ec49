// Package bvh builds linear bounding volume hierarchies over boxes.
//
// Nodes live in one flat slice: for n primitives the first n-1 entries are
// internal nodes (the root at 0) and the next n are leaves in Morton order.
// A single-primitive hierarchy is one leaf, which is also the root.
package bvh

import (
	"context"
	"sort"

	"github.com/23skdu/canopy/internal/exec"
	"github.com/23skdu/canopy/internal/geometry"
)

// NoNode is returned by Root for an empty hierarchy.
const NoNode = -1

// Hierarchy is the read-only view the query engine traverses.
type Hierarchy interface {
	// Bounds of every primitive in the hierarchy; empty when Size is 0.
	Bounds() geometry.Box
	// Size is the number of primitives.
	Size() int
	Root() int
	IsLeaf(node int) bool
	// Children of an internal node.
	Children(node int) (left, right int)
	NodeBounds(node int) geometry.Box
	// Primitive is the caller's index of the box stored in a leaf.
	Primitive(node int) int32
}

var _ Hierarchy = (*BVH)(nil)

type node struct {
	bounds      geometry.Box
	left, right int32
}

// BVH is an immutable hierarchy; it is safe for concurrent queries.
type BVH struct {
	nodes      []node
	primitives []int32 // leaf order -> caller index
	size       int
}

// Build creates a hierarchy over boxes. Primitive i of the result is boxes[i].
// Morton codes and leaf bounds are computed on space; the topology is a median
// split over the Morton order.
func Build(ctx context.Context, space *exec.Space, boxes []geometry.Box) (*BVH, error) {
	n := len(boxes)
	t := &BVH{size: n}
	if n == 0 {
		return t, nil
	}

	scene := geometry.EmptyBox()
	for _, b := range boxes {
		scene = scene.ExpandPoint(b.Centroid())
	}

	codes := make([]uint32, n)
	if err := space.ParallelFor(ctx, "bvh.morton", n, func(i int) {
		codes[i] = geometry.MortonCode(boxes[i].Centroid(), scene)
	}); err != nil {
		return nil, err
	}

	order := make([]int32, n)
	for i := range order {
		order[i] = int32(i)
	}
	sort.SliceStable(order, func(a, b int) bool { return codes[order[a]] < codes[order[b]] })
	t.primitives = order

	t.nodes = make([]node, 2*n-1)
	leafOffset := n - 1
	if err := space.ParallelFor(ctx, "bvh.leaves", n, func(i int) {
		t.nodes[leafOffset+i] = node{bounds: boxes[order[i]], left: -1, right: -1}
	}); err != nil {
		return nil, err
	}

	next := 0
	var build func(lo, hi int) int32
	build = func(lo, hi int) int32 {
		if hi-lo == 1 {
			return int32(leafOffset + lo)
		}
		id := next
		next++
		mid := lo + (hi-lo)/2
		l, r := build(lo, mid), build(mid, hi)
		t.nodes[id] = node{
			bounds: t.nodes[l].bounds.Expand(t.nodes[r].bounds),
			left:   l,
			right:  r,
		}
		return int32(id)
	}
	build(0, n)
	return t, nil
}

func (t *BVH) Size() int { return t.size }

func (t *BVH) Bounds() geometry.Box {
	if t.size == 0 {
		return geometry.EmptyBox()
	}
	return t.nodes[0].bounds
}

func (t *BVH) Root() int {
	if t.size == 0 {
		return NoNode
	}
	return 0
}

func (t *BVH) IsLeaf(n int) bool { return n >= t.size-1 }

func (t *BVH) Children(n int) (int, int) {
	nd := &t.nodes[n]
	return int(nd.left), int(nd.right)
}

func (t *BVH) NodeBounds(n int) geometry.Box { return t.nodes[n].bounds }

func (t *BVH) Primitive(n int) int32 { return t.primitives[n-(t.size-1)] }

// Depth returns the number of levels from the root to the deepest leaf.
func (t *BVH) Depth() int {
	if t.size == 0 {
		return 0
	}
	var walk func(n int) int
	walk = func(n int) int {
		if t.IsLeaf(n) {
			return 1
		}
		l, r := t.Children(n)
		return 1 + max(walk(l), walk(r))
	}
	return walk(0)
}
