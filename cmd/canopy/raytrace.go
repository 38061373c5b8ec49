package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/canopy/internal/comm"
	"github.com/23skdu/canopy/internal/distributed"
	"github.com/23skdu/canopy/internal/geometry"
	"github.com/23skdu/canopy/internal/radiation"
)

type raytraceOptions struct {
	grid       radiation.Grid
	raysPerBox int
	seed       int64
	root       int
	out        string
	table      bool
}

func newRaytraceCmd(a *app) *cobra.Command {
	opts := raytraceOptions{}
	cmd := &cobra.Command{
		Use:   "raytrace",
		Short: "Deposit radiative energy on a grid with distributed reverse raytracing",
		Long: `Split a grid of cells across the hosts, shoot rays from every cell and
reduce the energy each cell absorbs onto the root rank.

Examples:
  canopy raytrace --nx 16 --ny 16 --nz 16 --rays 20 --hosts 4
  canopy raytrace --out energy.parquet
  canopy raytrace --transport flight --rank 1 --listen :3001 --peers host0:3000,host1:3001`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := runRaytrace(cmd.Context(), a, opts)
			if err != nil {
				return err
			}
			if res == nil {
				return nil
			}
			out := cmd.OutOrStdout()
			if opts.table {
				for i, e := range res.energy {
					fmt.Fprintf(out, "%d\t%.9g\n", i, e)
				}
			}
			summarize(res.energy).write(out, "energy")
			fmt.Fprintf(out, "elapsed: %s\n", res.elapsed.Round(time.Microsecond))
			if opts.out != "" {
				if err := writeEnergyFile(opts.out, res.boxes, res.energy); err != nil {
					return err
				}
				a.logger.Info().Str("path", opts.out).Int("cells", len(res.boxes)).Msg("energy table written")
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.grid.NX, "nx", 8, "cells along x")
	flags.IntVar(&opts.grid.NY, "ny", 8, "cells along y")
	flags.IntVar(&opts.grid.NZ, "nz", 8, "cells along z")
	flags.Float32Var(&opts.grid.LX, "lx", 1, "grid length along x in metres")
	flags.Float32Var(&opts.grid.LY, "ly", 1, "grid length along y in metres")
	flags.Float32Var(&opts.grid.LZ, "lz", 1, "grid length along z in metres")
	flags.IntVar(&opts.raysPerBox, "rays", 10, "rays shot from every cell")
	flags.Int64Var(&opts.seed, "seed", 5374857, "random seed")
	flags.IntVar(&opts.root, "root", 0, "rank the energies are reduced onto")
	flags.StringVar(&opts.out, "out", "", "write the energy table to this Parquet file")
	flags.BoolVar(&opts.table, "table", false, "print the energy of every cell")
	return cmd
}

type raytraceResult struct {
	boxes   []geometry.Box
	energy  []float64
	elapsed time.Duration
}

// runRaytrace returns the reduced energies when this process holds the root
// rank, nil otherwise.
func runRaytrace(ctx context.Context, a *app, opts raytraceOptions) (*raytraceResult, error) {
	boxes, err := radiation.MakeGrid(opts.grid)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		res *raytraceResult
	)
	start := time.Now()
	err = a.runHosts(ctx, func(ctx context.Context, c comm.Communicator) error {
		lo, hi, err := a.partition(c, len(boxes))
		if err != nil {
			return err
		}
		local := boxes[lo:hi]

		tree, err := distributed.NewTree(ctx, c, a.space, local, a.logger)
		if err != nil {
			return err
		}
		rays, err := radiation.MakeRays(ctx, a.space, local, lo, opts.raysPerBox, opts.seed)
		if err != nil {
			return err
		}
		energy, err := radiation.DistributedEnergy(ctx, tree, local, rays, opts.raysPerBox, lo, len(boxes), opts.root, a.cfg.WireOptions())
		if err != nil {
			return err
		}

		a.logger.Debug().
			Int("rank", c.Rank()).
			Int("cells", len(local)).
			Int("rays", len(rays)).
			Msg("host finished")
		if c.Rank() == opts.root {
			mu.Lock()
			res = &raytraceResult{boxes: boxes, energy: energy}
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res != nil {
		res.elapsed = time.Since(start)
	}
	return res, nil
}
