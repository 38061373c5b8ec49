package distributed

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/metrics"
	"github.com/23skdu/canopy/internal/query"
	"github.com/23skdu/canopy/internal/tracing"
	"github.com/23skdu/canopy/internal/wire"
)

const (
	tagQueries = 1
	tagResults = 2
)

// round describes one Exchange-Queries / Local-Answer / Return-Results cycle.
type round[P, T any] struct {
	tree   *Tree
	routes routingTable
	preds  []P

	predCodec   wire.Codec[P]
	resultCodec wire.Codec[T]
	wire        wire.Options

	// relabel gives a received predicate its position in the foreign batch.
	relabel func(P, int) P
	// answer runs the local dispatcher over the foreign batch.
	answer func(ctx context.Context, foreign []P) (*query.Results[T], error)
}

// partials are the results one host returned for the queries routed to it:
// group j belongs to local query ids[j].
type partials[T any] struct {
	rank int
	ids  []uint32
	res  *query.Results[T]
}

// run executes the cycle; every host must call it with the same codecs.
func (r *round[P, T]) run(ctx context.Context) ([]partials[T], error) {
	foreign, sources, err := r.exchangeQueries(ctx)
	if err != nil {
		return nil, err
	}
	answers, err := r.localAnswer(ctx, foreign)
	if err != nil {
		return nil, err
	}
	return r.returnResults(ctx, answers, sources)
}

func (r *round[P, T]) exchangeQueries(ctx context.Context) ([]P, []int, error) {
	const stage = "exchange_queries"
	ctx, span := tracing.CreateSpan(ctx, "distributed."+stage)
	defer span.End()
	start := time.Now()
	defer observeStage(stage, start)

	c := r.tree.comm
	n := c.Size()
	batches := make([][]P, n)
	for dst := 0; dst < n; dst++ {
		ids := r.routes[dst].ids()
		batch := make([]P, len(ids))
		for j, id := range ids {
			batch[j] = r.preds[id]
		}
		batches[dst] = batch
	}

	g, gctx := errgroup.WithContext(ctx)
	for dst := 0; dst < n; dst++ {
		if dst == c.Rank() {
			continue
		}
		g.Go(func() error {
			data, err := wire.EncodeBatch(r.predCodec, wire.Batch[P]{Rows: batches[dst]}, r.wire)
			if err != nil {
				return err
			}
			metrics.DistributedBytesTotal.WithLabelValues("sent").Add(float64(len(data)))
			if err := c.Send(gctx, dst, tagQueries, data); err != nil {
				return cerrors.WrapNetworkError(err, "distributed."+stage, fmt.Sprintf("failed to send queries to rank %d", dst))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.SetError(err)
		return nil, nil, err
	}

	// sources[s]..sources[s+1] is the slice of foreign queries sent by rank s
	sources := make([]int, n+1)
	var foreign []P
	for src := 0; src < n; src++ {
		sources[src] = len(foreign)
		var batch []P
		if src == c.Rank() {
			batch = batches[src]
		} else {
			data, err := c.Recv(ctx, src, tagQueries)
			if err != nil {
				span.SetError(err)
				return nil, nil, cerrors.WrapNetworkError(err, "distributed."+stage, fmt.Sprintf("failed to receive queries from rank %d", src))
			}
			metrics.DistributedBytesTotal.WithLabelValues("received").Add(float64(len(data)))
			b, err := wire.DecodeBatch(r.predCodec, data, r.wire)
			if err != nil {
				span.SetError(err)
				return nil, nil, err
			}
			batch = b.Rows
		}
		foreign = append(foreign, batch...)
	}
	sources[n] = len(foreign)

	for i := range foreign {
		foreign[i] = r.relabel(foreign[i], i)
	}
	span.SetAttributes(attribute.Int("foreign_queries", len(foreign)))
	return foreign, sources, nil
}

func (r *round[P, T]) localAnswer(ctx context.Context, foreign []P) (*query.Results[T], error) {
	const stage = "local_answer"
	ctx, span := tracing.CreateSpan(ctx, "distributed."+stage, attribute.Int("queries", len(foreign)))
	defer span.End()
	start := time.Now()
	defer observeStage(stage, start)

	res, err := r.answer(ctx, foreign)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if res.NumQueries() != len(foreign) {
		err := cerrors.New(cerrors.ErrorTypeComputation, "distributed."+stage,
			fmt.Sprintf("answered %d of %d queries", res.NumQueries(), len(foreign)))
		span.SetError(err)
		return nil, err
	}
	return res, nil
}

func (r *round[P, T]) returnResults(ctx context.Context, answers *query.Results[T], sources []int) ([]partials[T], error) {
	const stage = "return_results"
	ctx, span := tracing.CreateSpan(ctx, "distributed."+stage)
	defer span.End()
	start := time.Now()
	defer observeStage(stage, start)

	c := r.tree.comm
	n := c.Size()
	slice := func(src int) wire.Batch[T] {
		lo, hi := sources[src], sources[src+1]
		counts := make([]int, hi-lo)
		for q := lo; q < hi; q++ {
			counts[q-lo] = answers.Count(q)
		}
		return wire.Batch[T]{
			Counts: counts,
			Rows:   answers.Values[answers.Offsets[lo]:answers.Offsets[hi]],
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for src := 0; src < n; src++ {
		if src == c.Rank() {
			continue
		}
		g.Go(func() error {
			data, err := wire.EncodeBatch(r.resultCodec, slice(src), r.wire)
			if err != nil {
				return err
			}
			metrics.DistributedBytesTotal.WithLabelValues("sent").Add(float64(len(data)))
			if err := c.Send(gctx, src, tagResults, data); err != nil {
				return cerrors.WrapNetworkError(err, "distributed."+stage, fmt.Sprintf("failed to return results to rank %d", src))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.SetError(err)
		return nil, err
	}

	out := make([]partials[T], 0, n)
	for dst := 0; dst < n; dst++ {
		var b wire.Batch[T]
		if dst == c.Rank() {
			b = slice(dst)
		} else {
			data, err := c.Recv(ctx, dst, tagResults)
			if err != nil {
				span.SetError(err)
				return nil, cerrors.WrapNetworkError(err, "distributed."+stage, fmt.Sprintf("failed to receive results from rank %d", dst))
			}
			metrics.DistributedBytesTotal.WithLabelValues("received").Add(float64(len(data)))
			if b, err = wire.DecodeBatch(r.resultCodec, data, r.wire); err != nil {
				span.SetError(err)
				return nil, err
			}
		}

		ids := r.routes[dst].ids()
		if len(b.Counts) != len(ids) {
			err := cerrors.NewValidationError("distributed."+stage,
				fmt.Sprintf("rank %d answered %d queries, %d were routed there", dst, len(b.Counts), len(ids)))
			span.SetError(err)
			return nil, err
		}
		res := query.NewResults[T](b.Counts)
		copy(res.Values, b.Rows)
		out = append(out, partials[T]{rank: dst, ids: ids, res: res})
	}
	return out, nil
}

func observeStage(stage string, start time.Time) {
	metrics.DistributedStageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
