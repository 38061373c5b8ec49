package bvh

import (
	"context"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/canopy/internal/exec"
	"github.com/23skdu/canopy/internal/geometry"
)

func randomBoxes(rng *rand.Rand, n int) []geometry.Box {
	boxes := make([]geometry.Box, n)
	for i := range boxes {
		var lo geometry.Point
		for d := 0; d < 3; d++ {
			lo[d] = rng.Float32() * 100
		}
		hi := lo.Add(geometry.Vector{rng.Float32(), rng.Float32(), rng.Float32()})
		boxes[i] = geometry.Box{Min: lo, Max: hi}
	}
	return boxes
}

func TestBuildEmpty(t *testing.T) {
	tree, err := Build(context.Background(), exec.Serial(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, tree.Size())
	assert.Equal(t, NoNode, tree.Root())
	assert.True(t, tree.Bounds().IsEmpty())
	assert.Equal(t, 0, tree.Depth())
}

func TestBuildSingle(t *testing.T) {
	box := geometry.Box{Min: geometry.Point{1, 1, 1}, Max: geometry.Point{2, 2, 2}}
	tree, err := Build(context.Background(), exec.Serial(), []geometry.Box{box})
	require.NoError(t, err)
	assert.Equal(t, 0, tree.Root())
	assert.True(t, tree.IsLeaf(tree.Root()))
	assert.Equal(t, int32(0), tree.Primitive(tree.Root()))
	assert.Equal(t, box, tree.Bounds())
}

func TestBuildStructure(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, n := range []int{2, 3, 17, 256, 1001} {
		boxes := randomBoxes(rng, n)
		tree, err := Build(context.Background(), exec.Serial(), boxes)
		require.NoError(t, err)

		want := geometry.EmptyBox()
		for _, b := range boxes {
			want = want.Expand(b)
		}
		assert.Equal(t, want, tree.Bounds())

		seen := make([]bool, n)
		var walk func(node int)
		walk = func(node int) {
			if tree.IsLeaf(node) {
				p := tree.Primitive(node)
				require.False(t, seen[p], "primitive %d reached twice", p)
				seen[p] = true
				assert.Equal(t, boxes[p], tree.NodeBounds(node))
				return
			}
			l, r := tree.Children(node)
			parent := tree.NodeBounds(node)
			assert.True(t, parent.ContainsBox(tree.NodeBounds(l)))
			assert.True(t, parent.ContainsBox(tree.NodeBounds(r)))
			walk(l)
			walk(r)
		}
		walk(tree.Root())
		for i, ok := range seen {
			assert.True(t, ok, "primitive %d unreachable (n=%d)", i, n)
		}

		// median split keeps the tree balanced
		depth := 1
		for 1<<(depth-1) < n {
			depth++
		}
		assert.LessOrEqual(t, tree.Depth(), depth)
	}
}

func TestBuildParallelMatchesSerial(t *testing.T) {
	space, err := exec.NewSpace(4, zerolog.Nop())
	require.NoError(t, err)
	defer space.Close()

	boxes := randomBoxes(rand.New(rand.NewSource(11)), 500)
	a, err := Build(context.Background(), exec.Serial(), boxes)
	require.NoError(t, err)
	b, err := Build(context.Background(), space, boxes)
	require.NoError(t, err)
	assert.Equal(t, a.nodes, b.nodes)
	assert.Equal(t, a.primitives, b.primitives)
}
