// Package radiation deposits radiative energy on a grid of cells with reverse
// Monte Carlo raytracing: rays start inside every cell, collect the intensity
// emitted by the cells they cross and deposit it on the cell they came from.
// Cells closer along the ray shadow those behind them, so contributions must
// be accumulated in encounter order.
package radiation

import (
	"context"
	"math"
	"math/rand"

	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/exec"
	"github.com/23skdu/canopy/internal/geometry"
)

const (
	// Temperature of the medium in Kelvin.
	Temperature = 2000.0
	// Kappa is the absorption coefficient in 1/m.
	Kappa = 10.0
	// Sigma is the Stefan-Boltzmann constant.
	Sigma = 5.67e-8
)

// emittedIntensity is the black body intensity sigma*T^4/pi.
var emittedIntensity = Sigma * math.Pow(Temperature, 4) / math.Pi

// Grid is an NX x NY x NZ lattice of cells spanning [0,LX]x[0,LY]x[0,LZ].
type Grid struct {
	NX, NY, NZ int
	LX, LY, LZ float32
}

func (g Grid) Validate() error {
	const op = "radiation.grid"
	if g.NX < 1 || g.NY < 1 || g.NZ < 1 {
		return cerrors.NewValidationError(op, "every axis needs at least one cell")
	}
	if g.LX <= 0 || g.LY <= 0 || g.LZ <= 0 {
		return cerrors.NewValidationError(op, "grid lengths must be positive")
	}
	return nil
}

// Cells is the number of cells.
func (g Grid) Cells() int { return g.NX * g.NY * g.NZ }

// CellSize is the extent of one cell along each axis.
func (g Grid) CellSize() geometry.Vector {
	return geometry.Vector{g.LX / float32(g.NX), g.LY / float32(g.NY), g.LZ / float32(g.NZ)}
}

// MakeGrid returns the cell boxes; cell (i, j, k) has id i + NX*j + NX*NY*k.
func MakeGrid(g Grid) ([]geometry.Box, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	d := g.CellSize()
	boxes := make([]geometry.Box, g.Cells())
	for k := 0; k < g.NZ; k++ {
		for j := 0; j < g.NY; j++ {
			for i := 0; i < g.NX; i++ {
				boxes[i+g.NX*j+g.NX*g.NY*k] = geometry.Box{
					Min: geometry.Point{float32(i) * d[0], float32(j) * d[1], float32(k) * d[2]},
					Max: geometry.Point{float32(i+1) * d[0], float32(j+1) * d[1], float32(k+1) * d[2]},
				}
			}
		}
	}
	return boxes, nil
}

// MakeRays shoots raysPerBox rays from every box: origins are uniform inside
// the box and directions uniform on the sphere. Ray j of box i has index
// i*raysPerBox + j. Each box draws from its own source seeded with seed+i, so
// the rays of a box do not depend on how boxes are partitioned.
func MakeRays(ctx context.Context, space *exec.Space, boxes []geometry.Box, firstBox, raysPerBox int, seed int64) ([]geometry.Ray, error) {
	if raysPerBox < 0 {
		return nil, cerrors.NewValidationError("radiation.rays", "negative ray count")
	}
	rays := make([]geometry.Ray, len(boxes)*raysPerBox)
	err := space.ParallelFor(ctx, "radiation.rays", len(boxes), func(i int) {
		rng := rand.New(rand.NewSource(seed + int64(firstBox+i)))
		b := boxes[i]
		extent := b.Max.Sub(b.Min)
		for j := 0; j < raysPerBox; j++ {
			origin := b.Min.Add(geometry.Vector{
				rng.Float32() * extent[0],
				rng.Float32() * extent[1],
				rng.Float32() * extent[2],
			})
			upsilon := rng.Float64() * 2 * math.Pi
			theta := math.Acos(1 - 2*rng.Float64())
			dir := geometry.Vector{
				float32(math.Cos(upsilon) * math.Sin(theta)),
				float32(math.Sin(upsilon) * math.Sin(theta)),
				float32(math.Cos(theta)),
			}
			rays[i*raysPerBox+j] = geometry.NewRay(origin, dir)
		}
	})
	if err != nil {
		return nil, err
	}
	return rays, nil
}
