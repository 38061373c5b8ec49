package radiation

import (
	"context"
	"math"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/23skdu/canopy/internal/bvh"
	"github.com/23skdu/canopy/internal/distributed"
	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/exec"
	"github.com/23skdu/canopy/internal/geometry"
	"github.com/23skdu/canopy/internal/query"
	"github.com/23skdu/canopy/internal/wire"
)

// IntersectedCell is one ray crossing one cell.
type IntersectedCell struct {
	EntryLength       float32
	OpticalPathLength float32
	CellID            int32
	RayID             int32
}

// IntersectedRank aggregates everything one ray crosses inside one host's
// partition.
type IntersectedRank struct {
	EntryLength           float32
	OpticalPathLength     float32
	IntensityContribution float32
	RayID                 int32
}

// IntersectedRankCodec encodes IntersectedRank rows.
type IntersectedRankCodec struct{}

var intersectedRankSchema = arrow.NewSchema([]arrow.Field{
	{Name: "entry_length", Type: arrow.PrimitiveTypes.Float32},
	{Name: "optical_path_length", Type: arrow.PrimitiveTypes.Float32},
	{Name: "intensity_contribution", Type: arrow.PrimitiveTypes.Float32},
	{Name: "ray_id", Type: arrow.PrimitiveTypes.Int32},
}, nil)

func (IntersectedRankCodec) Schema() *arrow.Schema { return intersectedRankSchema }

func (IntersectedRankCodec) Append(b *array.RecordBuilder, v IntersectedRank) {
	b.Field(0).(*array.Float32Builder).Append(v.EntryLength)
	b.Field(1).(*array.Float32Builder).Append(v.OpticalPathLength)
	b.Field(2).(*array.Float32Builder).Append(v.IntensityContribution)
	b.Field(3).(*array.Int32Builder).Append(v.RayID)
}

func (IntersectedRankCodec) Decode(rec arrow.Record, dst []IntersectedRank) ([]IntersectedRank, error) {
	entry := rec.Column(0).(*array.Float32).Float32Values()
	optical := rec.Column(1).(*array.Float32).Float32Values()
	intensity := rec.Column(2).(*array.Float32).Float32Values()
	rays := rec.Column(3).(*array.Int32).Int32Values()
	for i := range entry {
		dst = append(dst, IntersectedRank{
			EntryLength:           entry[i],
			OpticalPathLength:     optical[i],
			IntensityContribution: intensity[i],
			RayID:                 rays[i],
		})
	}
	return dst, nil
}

var _ wire.Codec[IntersectedRank] = IntersectedRankCodec{}

// crossCells orders the cells a ray crosses by entry length.
func crossCells(ray geometry.Ray, rayID int32, boxes []geometry.Box, cells []query.Match) []IntersectedCell {
	out := make([]IntersectedCell, len(cells))
	for j, m := range cells {
		length, entry := geometry.OverlapDistance(ray, boxes[m.Index])
		out[j] = IntersectedCell{
			EntryLength:       entry,
			OpticalPathLength: Kappa * length,
			CellID:            m.Index,
			RayID:             rayID,
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].EntryLength < out[b].EntryLength })
	return out
}

// traverseCells accumulates cells in encounter order into one segment.
func traverseCells(cells []IntersectedCell) IntersectedRank {
	var accum, intensity float64
	for _, c := range cells {
		before := accum
		accum += float64(c.OpticalPathLength)
		intensity += emittedIntensity * (math.Exp(-before) - math.Exp(-accum))
	}
	return IntersectedRank{
		EntryLength:           cells[0].EntryLength,
		OpticalPathLength:     float32(accum),
		IntensityContribution: float32(intensity),
		RayID:                 cells[0].RayID,
	}
}

// AccumulateRankIntersections is a post callback summarizing, for every ray,
// the cells of boxes it crosses as a single IntersectedRank. Rays crossing no
// cell produce nothing.
func AccumulateRankIntersections(boxes []geometry.Box) query.Callback[query.Spatial, IntersectedRank] {
	return query.PostCallback[query.Spatial, IntersectedRank](func(preds []query.Spatial, raw *query.Results[query.Match]) (*query.Results[IntersectedRank], error) {
		rows := make([][]IntersectedRank, len(preds))
		for i, p := range preds {
			if raw.Count(i) == 0 {
				continue
			}
			ray, ok := p.Geometry.(geometry.Ray)
			if !ok {
				return nil, cerrors.NewValidationError("radiation.accumulate", "predicate geometry is not a ray")
			}
			cells := crossCells(ray, p.Origin, boxes, raw.Row(i))
			rows[i] = []IntersectedRank{traverseCells(cells)}
		}
		return query.FromRows(rows), nil
	})
}

// DepositEnergy turns per-ray segments into the energy absorbed by every
// cell. Row i holds the segments of ray i, which belongs to cell
// firstBox + i/raysPerBox; segments are applied by entry length, each one
// attenuated by the optical depth of those before it. The result has one
// entry per cell of the whole grid.
func DepositEnergy(ctx context.Context, space *exec.Space, segments *query.Results[IntersectedRank], raysPerBox, firstBox, totalBoxes int) ([]float64, error) {
	if raysPerBox <= 0 {
		return make([]float64, totalBoxes), nil
	}
	nrays := segments.NumQueries()
	if nrays%raysPerBox != 0 || firstBox+nrays/raysPerBox > totalBoxes {
		return nil, cerrors.NewValidationError("radiation.deposit", "ray count does not match the owned cells")
	}
	energy := make([]float64, totalBoxes)
	err := space.ParallelFor(ctx, "radiation.deposit", nrays/raysPerBox, func(b int) {
		var sum float64
		for i := b * raysPerBox; i < (b+1)*raysPerBox; i++ {
			row := append([]IntersectedRank(nil), segments.Row(i)...)
			sort.SliceStable(row, func(x, y int) bool { return row[x].EntryLength < row[y].EntryLength })
			var accum, intensity float64
			for _, s := range row {
				intensity += math.Exp(-accum) * float64(s.IntensityContribution)
				accum += float64(s.OpticalPathLength)
			}
			sum += intensity
		}
		energy[firstBox+b] = sum * 4 * math.Pi * Kappa / float64(raysPerBox)
	})
	if err != nil {
		return nil, err
	}
	return energy, nil
}

func rayPredicates(rays []geometry.Ray) []query.Spatial {
	preds := make([]query.Spatial, len(rays))
	for i, r := range rays {
		preds[i] = query.Intersects(r, i)
	}
	return preds
}

// LocalEnergy computes the absorbed energy of every cell on a single host by
// collecting all ray and cell intersections first.
func LocalEnergy(ctx context.Context, space *exec.Space, tree bvh.Hierarchy, boxes []geometry.Box, rays []geometry.Ray, raysPerBox int) ([]float64, error) {
	segments, err := query.Query(ctx, space, tree, rayPredicates(rays), AccumulateRankIntersections(boxes), query.DefaultPolicy())
	if err != nil {
		return nil, err
	}
	return DepositEnergy(ctx, space, segments, raysPerBox, 0, len(boxes))
}

// DistributedEnergy traces the rays of this host's cells through every
// partition and reduces the absorbed energies onto root. localBoxes are the
// cells owned by this host starting at global id firstBox; rays are the rays
// of those cells. The returned slice holds the total only on root.
func DistributedEnergy(ctx context.Context, tree *distributed.Tree, localBoxes []geometry.Box, rays []geometry.Ray, raysPerBox, firstBox, totalBoxes, root int, wireOpts wire.Options) ([]float64, error) {
	segments, err := distributed.Query(ctx, tree, rayPredicates(rays), AccumulateRankIntersections(localBoxes), IntersectedRankCodec{},
		distributed.WithWireOptions[IntersectedRank](wireOpts),
		distributed.WithRelabel(func(s IntersectedRank, origin int) IntersectedRank {
			s.RayID = int32(origin)
			return s
		}),
		distributed.WithOrderKey(func(s IntersectedRank) float32 { return s.EntryLength }),
	)
	if err != nil {
		return nil, err
	}
	energy, err := DepositEnergy(ctx, tree.Space(), segments, raysPerBox, firstBox, totalBoxes)
	if err != nil {
		return nil, err
	}
	if err := tree.Comm().ReduceSum(ctx, root, energy); err != nil {
		return nil, cerrors.WrapNetworkError(err, "radiation.reduce", "failed to reduce energies")
	}
	return energy, nil
}
