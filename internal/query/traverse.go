package query

import (
	"sync"

	"github.com/23skdu/canopy/internal/bvh"
	"github.com/23skdu/canopy/internal/geometry"
	"github.com/23skdu/canopy/internal/queue"
)

// scratch is per-predicate traversal state, pooled across predicates.
type scratch struct {
	stack     []int
	distStack []float32
	best      *queue.MaxHeap
	frontier  *queue.MinHeap
	sorted    []queue.Candidate
}

var scratchPool = sync.Pool{
	New: func() any {
		return &scratch{
			stack:     make([]int, 0, 64),
			distStack: make([]float32, 0, 64),
			best:      queue.NewMaxHeap(0),
			frontier:  queue.NewMinHeap(64),
		}
	},
}

func getScratch() *scratch { return scratchPool.Get().(*scratch) }

func putScratch(s *scratch) {
	s.stack = s.stack[:0]
	s.distStack = s.distStack[:0]
	s.sorted = s.sorted[:0]
	s.frontier.Clear()
	scratchPool.Put(s)
}

// traverseSpatial calls visit with the primitive of every leaf matching pred.
// Nodes whose bounds the geometry misses are skipped with their subtree.
func traverseSpatial(tree bvh.Hierarchy, pred Spatial, s *scratch, visit func(prim int32)) {
	root := tree.Root()
	if root == bvh.NoNode {
		return
	}
	stack := append(s.stack[:0], root)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		b := tree.NodeBounds(n)
		if pred.prune(b) {
			continue
		}
		if tree.IsLeaf(n) {
			if pred.matches(b) {
				visit(tree.Primitive(n))
			}
			continue
		}
		l, r := tree.Children(n)
		stack = append(stack, r, l)
	}
	s.stack = stack
}

// nearestStack finds the k primitives closest to p with a depth-first
// branch-and-bound search. The result is in ascending distance and aliases
// s.sorted.
func nearestStack(tree bvh.Hierarchy, p geometry.Point, k int, s *scratch) []queue.Candidate {
	root := tree.Root()
	if root == bvh.NoNode || k <= 0 {
		return nil
	}
	s.best.Reset(k)
	stack := append(s.stack[:0], root)
	dists := append(s.distStack[:0], geometry.Distance(p, tree.NodeBounds(root)))

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		d := dists[len(dists)-1]
		stack = stack[:len(stack)-1]
		dists = dists[:len(dists)-1]

		if d >= s.best.Radius() {
			continue
		}
		if tree.IsLeaf(n) {
			s.best.Offer(queue.Candidate{ID: tree.Primitive(n), Dist: d})
			continue
		}

		l, r := tree.Children(n)
		dl := geometry.Distance(p, tree.NodeBounds(l))
		dr := geometry.Distance(p, tree.NodeBounds(r))
		// the closer child goes on top
		if dl > dr {
			l, r = r, l
			dl, dr = dr, dl
		}
		radius := s.best.Radius()
		if dr < radius {
			stack = append(stack, r)
			dists = append(dists, dr)
		}
		if dl < radius {
			stack = append(stack, l)
			dists = append(dists, dl)
		}
	}
	s.stack, s.distStack = stack, dists
	s.sorted = s.best.SortedInto(s.sorted[:0])
	return s.sorted
}

// nearestPriorityQueue is the best-first variant: nodes and leaves share one
// min-heap and leaves come out in ascending distance.
func nearestPriorityQueue(tree bvh.Hierarchy, p geometry.Point, k int, s *scratch) []queue.Candidate {
	root := tree.Root()
	if root == bvh.NoNode || k <= 0 {
		return nil
	}
	out := s.sorted[:0]
	h := s.frontier
	h.Clear()
	h.Push(queue.Candidate{ID: int32(root), Dist: geometry.Distance(p, tree.NodeBounds(root))})
	for len(out) < k {
		c, ok := h.Pop()
		if !ok {
			break
		}
		n := int(c.ID)
		if tree.IsLeaf(n) {
			out = append(out, queue.Candidate{ID: tree.Primitive(n), Dist: c.Dist})
			continue
		}
		l, r := tree.Children(n)
		h.Push(queue.Candidate{ID: int32(l), Dist: geometry.Distance(p, tree.NodeBounds(l))})
		h.Push(queue.Candidate{ID: int32(r), Dist: geometry.Distance(p, tree.NodeBounds(r))})
	}
	s.sorted = out
	return out
}

// nearest never asks for more neighbours than the tree holds, so the
// bounded heap is sized by what can be found rather than by K.
func nearest(tree bvh.Hierarchy, pred Nearest, algo NearestAlgorithm, s *scratch) []queue.Candidate {
	k := min(pred.K, tree.Size())
	if algo == PriorityQueueBased {
		return nearestPriorityQueue(tree, pred.Point, k, s)
	}
	return nearestStack(tree, pred.Point, k, s)
}
