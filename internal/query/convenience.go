package query

import (
	"context"

	"github.com/23skdu/canopy/internal/bvh"
	"github.com/23skdu/canopy/internal/exec"
)

// QueryIndices returns the primitive indices matched by each predicate. For
// nearest predicates they come in ascending distance.
func QueryIndices[P Predicate](ctx context.Context, space *exec.Space, tree bvh.Hierarchy, preds []P, policy TraversalPolicy) (*Results[int32], error) {
	return Query(ctx, space, tree, preds, CollectIndices[P](), policy)
}

// QueryWithDistances returns the neighbours of each nearest predicate with
// their distances, closest first.
func QueryWithDistances(ctx context.Context, space *exec.Space, tree bvh.Hierarchy, preds []Nearest, policy TraversalPolicy) (*Results[Match], error) {
	return Query(ctx, space, tree, preds, CollectMatches[Nearest](), policy)
}

// QueryIndicesAndDistances is QueryWithDistances split into parallel index and
// distance slices sharing one offsets slice.
func QueryIndicesAndDistances(ctx context.Context, space *exec.Space, tree bvh.Hierarchy, preds []Nearest, policy TraversalPolicy) (offsets []int, indices []int32, distances []float32, err error) {
	res, err := QueryWithDistances(ctx, space, tree, preds, policy)
	if err != nil {
		return nil, nil, nil, err
	}
	indices = make([]int32, len(res.Values))
	distances = make([]float32, len(res.Values))
	for i, m := range res.Values {
		indices[i] = m.Index
		distances[i] = m.Distance
	}
	return res.Offsets, indices, distances, nil
}
