package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/canopy/internal/bvh"
	"github.com/23skdu/canopy/internal/comm"
	"github.com/23skdu/canopy/internal/distributed"
	"github.com/23skdu/canopy/internal/geometry"
	"github.com/23skdu/canopy/internal/query"
)

type knnOptions struct {
	points      int
	queries     int
	k           int
	seed        int64
	distributed bool
}

func newKnnCmd(a *app) *cobra.Command {
	opts := knnOptions{}
	cmd := &cobra.Command{
		Use:   "knn",
		Short: "Benchmark k-nearest queries over random points",
		Long: `Build a hierarchy over random points in the unit cube and find the k nearest
points of a batch of random query points.

Examples:
  canopy knn --points 100000 --queries 10000 --k 8
  canopy knn --nearest-algorithm priority_queue
  canopy knn --distributed --hosts 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := runKnn(cmd.Context(), a, opts)
			if err != nil {
				return err
			}
			if res == nil {
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queries: %d, matches: %d\n", res.queries, res.matches)
			summarize(res.kth).write(out, "kth distance")
			fmt.Fprintf(out, "elapsed: %s\n", res.elapsed.Round(time.Microsecond))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.points, "points", 10000, "number of indexed points")
	flags.IntVar(&opts.queries, "queries", 1000, "number of query points")
	flags.IntVar(&opts.k, "k", 8, "neighbours per query")
	flags.Int64Var(&opts.seed, "seed", 42, "random seed")
	flags.BoolVar(&opts.distributed, "distributed", false, "split points and queries across the hosts")
	return cmd
}

type knnResult struct {
	queries int
	matches int
	// kth holds the distance of the farthest neighbour of every query
	// with at least one.
	kth     []float64
	elapsed time.Duration
}

func (r *knnResult) add(row []float32) {
	r.queries++
	r.matches += len(row)
	if len(row) > 0 {
		r.kth = append(r.kth, float64(row[len(row)-1]))
	}
}

func randomPoints(rng *rand.Rand, n int) []geometry.Point {
	pts := make([]geometry.Point, n)
	for i := range pts {
		pts[i] = geometry.Point{rng.Float32(), rng.Float32(), rng.Float32()}
	}
	return pts
}

func pointBoxes(pts []geometry.Point) []geometry.Box {
	boxes := make([]geometry.Box, len(pts))
	for i, p := range pts {
		boxes[i] = geometry.Box{Min: p, Max: p}
	}
	return boxes
}

func nearestPredicates(pts []geometry.Point, k int) []query.Nearest {
	preds := make([]query.Nearest, len(pts))
	for i, p := range pts {
		preds[i] = query.NearestTo(p, k, i)
	}
	return preds
}

// runKnn returns the statistics of the batch. Distributed runs report on the
// process holding rank 0 and return nil elsewhere.
func runKnn(ctx context.Context, a *app, opts knnOptions) (*knnResult, error) {
	if opts.points < 0 || opts.queries < 0 || opts.k < 0 {
		return nil, fmt.Errorf("points, queries and k must be non-negative")
	}
	rng := rand.New(rand.NewSource(opts.seed))
	points := randomPoints(rng, opts.points)
	targets := randomPoints(rng, opts.queries)

	if !opts.distributed {
		return knnLocal(ctx, a, points, targets, opts.k)
	}
	return knnDistributed(ctx, a, points, targets, opts.k)
}

func knnLocal(ctx context.Context, a *app, points, targets []geometry.Point, k int) (*knnResult, error) {
	start := time.Now()
	tree, err := bvh.Build(ctx, a.space, pointBoxes(points))
	if err != nil {
		return nil, err
	}
	built := time.Since(start)

	res, err := query.QueryWithDistances(ctx, a.space, tree, nearestPredicates(targets, k), a.cfg.Policy())
	if err != nil {
		return nil, err
	}
	out := &knnResult{elapsed: time.Since(start)}
	for i := 0; i < res.NumQueries(); i++ {
		row := res.Row(i)
		dists := make([]float32, len(row))
		for j, m := range row {
			dists[j] = m.Distance
		}
		out.add(dists)
	}
	a.logger.Info().
		Int("points", len(points)).
		Int("depth", tree.Depth()).
		Dur("build", built).
		Dur("total", out.elapsed).
		Str("algorithm", a.cfg.Policy().Algorithm.String()).
		Msg("knn complete")
	return out, nil
}

func knnDistributed(ctx context.Context, a *app, points, targets []geometry.Point, k int) (*knnResult, error) {
	var (
		mu  sync.Mutex
		out *knnResult
	)
	start := time.Now()
	err := a.runHosts(ctx, func(ctx context.Context, c comm.Communicator) error {
		lo, hi, err := a.partition(c, len(points))
		if err != nil {
			return err
		}
		tree, err := distributed.NewTree(ctx, c, a.space, pointBoxes(points[lo:hi]), a.logger)
		if err != nil {
			return err
		}

		qlo, qhi, err := a.partition(c, len(targets))
		if err != nil {
			return err
		}
		res, err := distributed.QueryNearest(ctx, tree, nearestPredicates(targets[qlo:qhi], k),
			distributed.WithPolicy[distributed.RankedMatch](a.cfg.Policy()),
			distributed.WithWireOptions[distributed.RankedMatch](a.cfg.WireOptions()),
		)
		if err != nil {
			return err
		}

		local := &knnResult{}
		for i := 0; i < res.NumQueries(); i++ {
			row := res.Row(i)
			dists := make([]float32, len(row))
			for j, m := range row {
				dists[j] = m.Distance
			}
			local.add(dists)
		}

		// counts cover every host, distances only rank 0's batch
		counts := []float64{float64(local.queries), float64(local.matches)}
		if err := c.AllReduceSum(ctx, counts); err != nil {
			return err
		}
		if c.Rank() == 0 {
			local.queries, local.matches = int(counts[0]), int(counts[1])
			mu.Lock()
			out = local
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		out.elapsed = time.Since(start)
	}
	return out, nil
}
