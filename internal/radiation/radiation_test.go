package radiation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/canopy/internal/bvh"
	"github.com/23skdu/canopy/internal/comm"
	"github.com/23skdu/canopy/internal/distributed"
	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/exec"
	"github.com/23skdu/canopy/internal/geometry"
	"github.com/23skdu/canopy/internal/query"
	"github.com/23skdu/canopy/internal/wire"
)

func TestMakeGrid(t *testing.T) {
	boxes, err := MakeGrid(Grid{NX: 2, NY: 3, NZ: 4, LX: 2, LY: 3, LZ: 8})
	require.NoError(t, err)
	require.Len(t, boxes, 24)

	// id = i + NX*j + NX*NY*k
	assert.Equal(t, geometry.Box{Min: geometry.Point{1, 0, 0}, Max: geometry.Point{2, 1, 2}}, boxes[1])
	assert.Equal(t, geometry.Box{Min: geometry.Point{0, 1, 0}, Max: geometry.Point{1, 2, 2}}, boxes[2])
	assert.Equal(t, geometry.Box{Min: geometry.Point{1, 2, 6}, Max: geometry.Point{2, 3, 8}}, boxes[23])

	_, err = MakeGrid(Grid{NX: 0, NY: 1, NZ: 1, LX: 1, LY: 1, LZ: 1})
	assert.Equal(t, cerrors.ErrorTypeValidation, cerrors.TypeOf(err))
	_, err = MakeGrid(Grid{NX: 1, NY: 1, NZ: 1, LX: 1, LY: -1, LZ: 1})
	assert.Error(t, err)
}

func TestMakeRaysIsDeterministicPerBox(t *testing.T) {
	boxes, err := MakeGrid(Grid{NX: 2, NY: 2, NZ: 2, LX: 1, LY: 1, LZ: 1})
	require.NoError(t, err)
	space, err := exec.NewSpace(4, zerolog.Nop())
	require.NoError(t, err)
	defer space.Close()

	all, err := MakeRays(context.Background(), space, boxes, 0, 5, 42)
	require.NoError(t, err)
	require.Len(t, all, 40)
	for i, r := range all {
		assert.True(t, boxes[i/5].Contains(r.Origin), "ray %d starts in its box", i)
		assert.InDelta(t, 1, r.Direction.Norm(), 1e-5)
	}

	// the second half generated alone matches
	tail, err := MakeRays(context.Background(), exec.Serial(), boxes[4:], 4, 5, 42)
	require.NoError(t, err)
	assert.Equal(t, all[20:], tail)

	_, err = MakeRays(context.Background(), exec.Serial(), boxes, 0, -1, 42)
	assert.Error(t, err)
}

func TestTraverseCellsAttenuates(t *testing.T) {
	cells := []IntersectedCell{
		{EntryLength: 0, OpticalPathLength: 1, RayID: 3},
		{EntryLength: 1, OpticalPathLength: 2, RayID: 3},
	}
	seg := traverseCells(cells)
	assert.Equal(t, float32(0), seg.EntryLength)
	assert.Equal(t, float32(3), seg.OpticalPathLength)
	assert.Equal(t, int32(3), seg.RayID)
	want := emittedIntensity * (1 - math.Exp(-3))
	assert.InEpsilon(t, want, float64(seg.IntensityContribution), 1e-5)
}

func TestAccumulateRankIntersections(t *testing.T) {
	boxes := []geometry.Box{
		{Min: geometry.Point{2, 0, 0}, Max: geometry.Point{3, 1, 1}},
		{Min: geometry.Point{0, 0, 0}, Max: geometry.Point{1, 1, 1}},
		{Min: geometry.Point{0, 5, 5}, Max: geometry.Point{1, 6, 6}},
	}
	ray := geometry.NewRay(geometry.Point{-1, 0.5, 0.5}, geometry.Vector{1, 0, 0})
	tree, err := bvh.Build(context.Background(), exec.Serial(), boxes)
	require.NoError(t, err)

	preds := []query.Spatial{query.Intersects(ray, 0), query.Intersects(geometry.NewRay(geometry.Point{9, 9, 9}, geometry.Vector{1, 0, 0}), 1)}
	res, err := query.Query(context.Background(), exec.Serial(), tree, preds, AccumulateRankIntersections(boxes), query.DefaultPolicy())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(0))
	assert.Equal(t, 0, res.Count(1), "a ray crossing nothing produces nothing")

	seg := res.Row(0)[0]
	assert.Equal(t, float32(1), seg.EntryLength, "the nearer cell opens the segment")
	assert.InDelta(t, 2*Kappa, seg.OpticalPathLength, 1e-4)

	_, err = query.Query(context.Background(), exec.Serial(), tree,
		[]query.Spatial{query.Intersects(geometry.Point{0.5, 0.5, 0.5}, 0)},
		AccumulateRankIntersections(boxes), query.DefaultPolicy())
	assert.ErrorContains(t, err, "not a ray")
}

func TestDepositEnergyOrdersSegments(t *testing.T) {
	// the second segment is nearer and shadows the first
	segments := query.FromRows([][]IntersectedRank{{
		{EntryLength: 5, OpticalPathLength: 1, IntensityContribution: 10},
		{EntryLength: 1, OpticalPathLength: 2, IntensityContribution: 4},
	}})
	energy, err := DepositEnergy(context.Background(), exec.Serial(), segments, 1, 1, 3)
	require.NoError(t, err)
	want := (4 + math.Exp(-2)*10) * 4 * math.Pi * Kappa
	assert.Equal(t, 0.0, energy[0])
	assert.InEpsilon(t, want, energy[1], 1e-9)
	assert.Equal(t, 0.0, energy[2])

	_, err = DepositEnergy(context.Background(), exec.Serial(), segments, 2, 0, 3)
	assert.Error(t, err)
}

func TestDistributedEnergyMatchesLocal(t *testing.T) {
	grid := Grid{NX: 4, NY: 4, NZ: 4, LX: 1, LY: 1, LZ: 1}
	const raysPerBox = 6
	const seed = 5374857

	boxes, err := MakeGrid(grid)
	require.NoError(t, err)
	ctx := context.Background()
	tree, err := bvh.Build(ctx, exec.Serial(), boxes)
	require.NoError(t, err)
	rays, err := MakeRays(ctx, exec.Serial(), boxes, 0, raysPerBox, seed)
	require.NoError(t, err)
	local, err := LocalEnergy(ctx, exec.Serial(), tree, boxes, rays, raysPerBox)
	require.NoError(t, err)
	for i, e := range local {
		assert.Greater(t, e, 0.0, "cell %d absorbs energy", i)
	}

	// z slabs keep every partition convex, so encounter order across hosts
	// matches the order across cells
	for _, hosts := range []int{2, 4} {
		var total []float64
		w, err := comm.NewLocalWorld(hosts)
		require.NoError(t, err)

		runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = w.Run(runCtx, func(ctx context.Context, c comm.Communicator) error {
			lo, hi, err := distributed.PartitionRange(len(boxes), c.Size(), c.Rank())
			if err != nil {
				return err
			}
			dt, err := distributed.NewTree(ctx, c, exec.Serial(), boxes[lo:hi], zerolog.Nop())
			if err != nil {
				return err
			}
			myRays, err := MakeRays(ctx, exec.Serial(), boxes[lo:hi], lo, raysPerBox, seed)
			if err != nil {
				return err
			}
			energy, err := DistributedEnergy(ctx, dt, boxes[lo:hi], myRays, raysPerBox, lo, len(boxes), 0, wire.Options{Compress: true})
			if err != nil {
				return err
			}
			if c.Rank() == 0 {
				total = energy
			}
			return nil
		})
		cancel()
		w.Close()
		require.NoError(t, err, "%d hosts", hosts)

		require.Len(t, total, len(local))
		for i := range local {
			assert.InEpsilon(t, local[i], total[i], 1e-4, "%d hosts, cell %d", hosts, i)
		}
	}
}
