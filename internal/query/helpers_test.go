package query

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/canopy/internal/bvh"
	"github.com/23skdu/canopy/internal/exec"
	"github.com/23skdu/canopy/internal/geometry"
)

func newSpace(t testing.TB) *exec.Space {
	t.Helper()
	s, err := exec.NewSpace(4, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func buildTree(t testing.TB, boxes []geometry.Box) *bvh.BVH {
	t.Helper()
	tree, err := bvh.Build(context.Background(), exec.Serial(), boxes)
	require.NoError(t, err)
	return tree
}

func pointBox(x, y, z float32) geometry.Box {
	p := geometry.Point{x, y, z}
	return geometry.Box{Min: p, Max: p}
}

// randomScene returns n small boxes scattered over [0, 10)^3.
func randomScene(rng *rand.Rand, n int) []geometry.Box {
	boxes := make([]geometry.Box, n)
	for i := range boxes {
		lo := geometry.Point{rng.Float32() * 10, rng.Float32() * 10, rng.Float32() * 10}
		ext := rng.Float32() * 0.5
		boxes[i] = geometry.Box{Min: lo, Max: lo.Add(geometry.Vector{ext, ext, ext})}
	}
	return boxes
}

// randomRegions returns n query boxes of varying size over the scene.
func randomRegions(rng *rand.Rand, n int) []Spatial {
	preds := make([]Spatial, n)
	for i := range preds {
		lo := geometry.Point{rng.Float32() * 10, rng.Float32() * 10, rng.Float32() * 10}
		ext := rng.Float32() * 3
		preds[i] = Intersects(geometry.Box{Min: lo, Max: lo.Add(geometry.Vector{ext, ext, ext})}, i)
	}
	return preds
}

// bruteSpatial evaluates preds without a hierarchy.
func bruteSpatial(boxes []geometry.Box, preds []Spatial) [][]int32 {
	rows := make([][]int32, len(preds))
	for i, p := range preds {
		rows[i] = []int32{}
		for j, b := range boxes {
			if p.matches(b) {
				rows[i] = append(rows[i], int32(j))
			}
		}
	}
	return rows
}

// sortedRows returns the rows of res with each row sorted.
func sortedRows(res *Results[int32]) [][]int32 {
	rows := res.Rows()
	for _, r := range rows {
		sort.Slice(r, func(a, b int) bool { return r[a] < r[b] })
	}
	return rows
}
