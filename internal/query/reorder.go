package query

import (
	"context"
	"sort"
	"time"

	"github.com/23skdu/canopy/internal/exec"
	"github.com/23skdu/canopy/internal/geometry"
	"github.com/23skdu/canopy/internal/metrics"
)

// SortPredicates orders predicates along the Morton curve of bounds. The
// returned permutation maps a position in the sorted order to the predicate's
// index in preds. Equal keys keep their submission order.
func SortPredicates[P Predicate](ctx context.Context, space *exec.Space, bounds geometry.Box, preds []P) ([]int32, error) {
	start := time.Now()
	defer func() { metrics.PredicateSortSeconds.Observe(time.Since(start).Seconds()) }()

	codes := make([]uint32, len(preds))
	if err := space.ParallelFor(ctx, "query.morton", len(preds), func(i int) {
		codes[i] = geometry.MortonCode(preds[i].Centroid(), bounds)
	}); err != nil {
		return nil, err
	}
	perm := make([]int32, len(preds))
	for i := range perm {
		perm[i] = int32(i)
	}
	sort.SliceStable(perm, func(a, b int) bool { return codes[perm[a]] < codes[perm[b]] })
	return perm, nil
}

// ApplyPermutation returns preds in permuted order: out[p] = preds[perm[p]].
func ApplyPermutation[P any](perm []int32, preds []P) []P {
	out := make([]P, len(perm))
	for p, i := range perm {
		out[p] = preds[i]
	}
	return out
}

// permutedView translates positions in the traversal order to slots of the
// caller's table. Position len(perm) is the terminal slot and maps to itself.
// A nil permutation is the identity.
type permutedView struct {
	perm []int32
}

func (v permutedView) slot(p int) int {
	if v.perm == nil || p >= len(v.perm) {
		return p
	}
	return int(v.perm[p])
}
