package distributed

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/canopy/internal/metrics"
	"github.com/23skdu/canopy/internal/query"
	"github.com/23skdu/canopy/internal/tracing"
	"github.com/23skdu/canopy/internal/wire"
)

type options[T any] struct {
	policy   query.TraversalPolicy
	wire     wire.Options
	relabel  func(T, int) T
	orderKey func(T) float32
}

// Option customizes a distributed query returning T.
type Option[T any] func(*options[T])

// WithPolicy sets the traversal policy of the local dispatches.
func WithPolicy[T any](p query.TraversalPolicy) Option[T] {
	return func(o *options[T]) { o.policy = p }
}

// WithWireOptions sets how batches are encoded between hosts.
func WithWireOptions[T any](w wire.Options) Option[T] {
	return func(o *options[T]) { o.wire = w }
}

// WithRelabel restores the issuing host's identity on every merged value:
// fn receives the value and the position of its query in the caller's batch.
// Remote hosts only know a query by its position in the batch they received.
func WithRelabel[T any](fn func(v T, origin int) T) Option[T] {
	return func(o *options[T]) { o.relabel = fn }
}

// WithOrderKey orders each query's merged values by fn ascending. Equal keys
// keep rank order.
func WithOrderKey[T any](fn func(v T) float32) Option[T] {
	return func(o *options[T]) { o.orderKey = fn }
}

func buildOptions[T any](opts []Option[T]) options[T] {
	o := options[T]{policy: query.DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Query answers spatial predicates against the distributed tree and returns
// one row per predicate on the host that issued it. Every host calls Query
// with its own batch; the call returns once all hosts have completed every
// stage. cb runs on the host owning the matched primitives and sees the
// foreign batch, so Origin is the position in that batch.
func Query[T any](ctx context.Context, t *Tree, preds []query.Spatial, cb query.Callback[query.Spatial, T], codec wire.Codec[T], opts ...Option[T]) (*query.Results[T], error) {
	if err := cb.Validate(); err != nil {
		return nil, err
	}
	for i := range preds {
		if err := preds[i].Validate(); err != nil {
			return nil, err
		}
	}
	o := buildOptions(opts)

	ctx, span := tracing.CreateSpan(ctx, "distributed.query",
		attribute.Int("rank", t.comm.Rank()),
		attribute.Int("queries", len(preds)),
		attribute.String("callback", cb.Kind.String()),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.DistributedStageSeconds.WithLabelValues("total").Observe(time.Since(start).Seconds())
	}()

	routes, err := t.route(ctx, preds, o.policy)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	defer routes.release()

	r := &round[query.Spatial, T]{
		tree:        t,
		routes:      routes,
		preds:       preds,
		predCodec:   wire.SpatialCodec{},
		resultCodec: codec,
		wire:        o.wire,
		relabel: func(p query.Spatial, i int) query.Spatial {
			p.Origin = int32(i)
			return p
		},
		answer: func(ctx context.Context, foreign []query.Spatial) (*query.Results[T], error) {
			return query.Query(ctx, t.space, t.bottom, foreign, cb, o.policy)
		},
	}
	parts, err := r.run(ctx)
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	res := merge(ctx, len(preds), parts, o)
	t.logger.Debug().
		Int("queries", len(preds)).
		Int("routed", routes.routed()).
		Int("results", len(res.Values)).
		Msg("distributed query complete")
	return res, nil
}

// route runs Local-Route: each predicate is traversed against the top tree
// and recorded for every rank whose partition bounds it reaches. A rank
// whose bounds are only partly covered may still own matches of a within
// test, so routing always intersects.
func (t *Tree) route(ctx context.Context, preds []query.Spatial, policy query.TraversalPolicy) (routingTable, error) {
	const stage = "route"
	ctx, span := tracing.CreateSpan(ctx, "distributed."+stage)
	defer span.End()
	start := time.Now()
	defer observeStage(stage, start)

	coarse := make([]query.Spatial, len(preds))
	for i, p := range preds {
		coarse[i] = p.Coarse()
	}
	hits, err := query.Query(ctx, t.space, t.top, coarse,
		query.InlineCallback[query.Spatial, int32](func(_ query.Spatial, m query.Match, emit func(int32)) {
			emit(int32(t.topRanks[m.Index]))
		}), query.DefaultPolicy().WithPredicateSorting(policy.SortPredicates))
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	routes := newRoutingTable(t.comm.Size())
	for i := range preds {
		for _, rank := range hits.Row(i) {
			routes[rank].add(i)
		}
	}
	routed := routes.routed()
	metrics.DistributedRoutedQueriesTotal.Add(float64(routed))
	span.SetAttributes(attribute.Int("routed", routed))
	return routes, nil
}

// merge gathers every host's partial results per local query, relabels them
// and orders them by key. parts arrive in rank order from returnResults, so
// the stable sort breaks key ties by rank whatever order the messages
// arrived in.
func merge[T any](ctx context.Context, n int, parts []partials[T], o options[T]) *query.Results[T] {
	const stage = "merge"
	_, span := tracing.CreateSpan(ctx, "distributed."+stage)
	defer span.End()
	start := time.Now()
	defer observeStage(stage, start)

	rows := make([][]T, n)
	for _, p := range parts {
		for j, id := range p.ids {
			rows[id] = append(rows[id], p.res.Row(j)...)
		}
	}
	for i, row := range rows {
		if o.relabel != nil {
			for j := range row {
				row[j] = o.relabel(row[j], i)
			}
		}
		if o.orderKey != nil {
			sort.SliceStable(row, func(a, b int) bool { return o.orderKey(row[a]) < o.orderKey(row[b]) })
		}
	}
	return query.FromRows(rows)
}
