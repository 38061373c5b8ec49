package distributed

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"go.opentelemetry.io/otel/attribute"

	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/geometry"
	"github.com/23skdu/canopy/internal/metrics"
	"github.com/23skdu/canopy/internal/query"
	"github.com/23skdu/canopy/internal/tracing"
	"github.com/23skdu/canopy/internal/wire"
)

// RankedMatch is a nearest neighbour owned by Rank.
type RankedMatch struct {
	Rank     int32
	Index    int32
	Distance float32
}

func rankedLess(a, b RankedMatch) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	return a.Index < b.Index
}

// RankedMatchCodec encodes RankedMatch rows.
type RankedMatchCodec struct{}

var rankedMatchSchema = arrow.NewSchema([]arrow.Field{
	{Name: "rank", Type: arrow.PrimitiveTypes.Int32},
	{Name: "index", Type: arrow.PrimitiveTypes.Int32},
	{Name: "distance", Type: arrow.PrimitiveTypes.Float32},
}, nil)

func (RankedMatchCodec) Schema() *arrow.Schema { return rankedMatchSchema }

func (RankedMatchCodec) Append(b *array.RecordBuilder, m RankedMatch) {
	b.Field(0).(*array.Int32Builder).Append(m.Rank)
	b.Field(1).(*array.Int32Builder).Append(m.Index)
	b.Field(2).(*array.Float32Builder).Append(m.Distance)
}

func (RankedMatchCodec) Decode(rec arrow.Record, dst []RankedMatch) ([]RankedMatch, error) {
	ranks := rec.Column(0).(*array.Int32).Int32Values()
	idx := rec.Column(1).(*array.Int32).Int32Values()
	dist := rec.Column(2).(*array.Float32).Float32Values()
	for i := range ranks {
		dst = append(dst, RankedMatch{Rank: ranks[i], Index: idx[i], Distance: dist[i]})
	}
	return dst, nil
}

var _ wire.Codec[RankedMatch] = RankedMatchCodec{}

// QueryNearest finds the K nearest primitives of every predicate across all
// partitions. The first round asks the ranks closest to each point until
// their primitive counts cover K; the second asks every other rank whose
// bounds are closer than the K-th distance found so far. Rows are sorted by
// distance.
func QueryNearest(ctx context.Context, t *Tree, preds []query.Nearest, opts ...Option[RankedMatch]) (*query.Results[RankedMatch], error) {
	for i := range preds {
		if preds[i].K < 0 {
			return nil, cerrors.NewValidationError("distributed.nearest", "negative neighbour count").
				WithContext("origin", preds[i].Origin)
		}
	}
	o := buildOptions(opts)

	ctx, span := tracing.CreateSpan(ctx, "distributed.nearest",
		attribute.Int("rank", t.comm.Rank()),
		attribute.Int("queries", len(preds)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.DistributedStageSeconds.WithLabelValues("nearest_total").Observe(time.Since(start).Seconds())
	}()

	rank := int32(t.comm.Rank())
	newRound := func(routes routingTable) *round[query.Nearest, RankedMatch] {
		return &round[query.Nearest, RankedMatch]{
			tree:        t,
			routes:      routes,
			preds:       preds,
			predCodec:   wire.NearestCodec{},
			resultCodec: RankedMatchCodec{},
			wire:        o.wire,
			relabel: func(p query.Nearest, i int) query.Nearest {
				p.Origin = int32(i)
				return p
			},
			answer: func(ctx context.Context, foreign []query.Nearest) (*query.Results[RankedMatch], error) {
				return query.Query(ctx, t.space, t.bottom, foreign,
					query.InlineCallback[query.Nearest, RankedMatch](func(_ query.Nearest, m query.Match, emit func(RankedMatch)) {
						emit(RankedMatch{Rank: rank, Index: m.Index, Distance: m.Distance})
					}), o.policy)
			},
		}
	}

	best := make([][]RankedMatch, len(preds))

	first := t.closestRanks(preds)
	defer first.release()
	parts, err := newRound(first).run(ctx)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	keepNearest(best, preds, parts)

	second := t.rangeRanks(preds, best, first)
	defer second.release()
	parts, err = newRound(second).run(ctx)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	keepNearest(best, preds, parts)

	span.SetAttributes(
		attribute.Int("first_round_routes", first.routed()),
		attribute.Int("second_round_routes", second.routed()),
	)
	return query.FromRows(best), nil
}

// closestRanks routes each predicate to the ranks nearest its point until
// their primitive counts reach K.
func (t *Tree) closestRanks(preds []query.Nearest) routingTable {
	routes := newRoutingTable(t.comm.Size())
	order := make([]int, 0, len(t.topRanks))
	dist := make([]float32, t.comm.Size())
	for i, p := range preds {
		order = append(order[:0], t.topRanks...)
		for _, r := range order {
			dist[r] = geometry.Distance(p.Point, t.rankBounds[r])
		}
		sort.SliceStable(order, func(a, b int) bool { return dist[order[a]] < dist[order[b]] })

		covered := 0
		for _, r := range order {
			if covered >= p.K {
				break
			}
			routes[r].add(i)
			covered += t.rankSizes[r]
		}
	}
	metrics.DistributedRoutedQueriesTotal.Add(float64(routes.routed()))
	return routes
}

// rangeRanks routes each predicate to the ranks not yet visited whose bounds
// lie closer than its current K-th distance.
func (t *Tree) rangeRanks(preds []query.Nearest, best [][]RankedMatch, visited routingTable) routingTable {
	routes := newRoutingTable(t.comm.Size())
	for i, p := range preds {
		if p.K == 0 {
			continue
		}
		radius := float32(math.Inf(1))
		if len(best[i]) == p.K {
			radius = best[i][p.K-1].Distance
		}
		for _, r := range t.topRanks {
			if visited[r].contains(i) {
				continue
			}
			if geometry.Distance(p.Point, t.rankBounds[r]) < radius {
				routes[r].add(i)
			}
		}
	}
	metrics.DistributedRoutedQueriesTotal.Add(float64(routes.routed()))
	return routes
}

// keepNearest folds the returned neighbours into best, keeping the K closest
// of every query sorted.
func keepNearest(best [][]RankedMatch, preds []query.Nearest, parts []partials[RankedMatch]) {
	for _, part := range parts {
		for j, id := range part.ids {
			best[id] = append(best[id], part.res.Row(j)...)
		}
	}
	for i, row := range best {
		sort.Slice(row, func(a, b int) bool { return rankedLess(row[a], row[b]) })
		if len(row) > preds[i].K {
			best[i] = row[:preds[i].K]
		}
	}
}
