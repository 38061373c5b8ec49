package query

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/canopy/internal/bvh"
	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/exec"
	"github.com/23skdu/canopy/internal/metrics"
	"github.com/23skdu/canopy/internal/tracing"
)

// Buffer outcomes, as recorded in canopy_buffer_outcomes_total.
const (
	outcomeExact         = "exact"
	outcomeUnderflow     = "underflow"
	outcomeOverflowRetry = "overflow_retry"
	outcomeOverflowError = "overflow_error"
	outcomeTwoPass       = "two_pass"
)

// Query evaluates every predicate of preds against tree and returns the
// callback's output as a CSR table indexed like preds.
//
// The callback is checked before any traversal. Spatial predicates go through
// the buffer policy of policy.BufferSize; nearest predicates reserve K slots
// each and are compacted when the tree holds fewer primitives. An inline
// callback that emits more values than its nearest predicate has slots, or a
// negative BufferSize that proves too small, fails with ErrCapacityExceeded
// and no table.
func Query[P Predicate, T any](ctx context.Context, space *exec.Space, tree bvh.Hierarchy, preds []P, cb Callback[P, T], policy TraversalPolicy) (*Results[T], error) {
	if err := cb.Validate(); err != nil {
		return nil, err
	}

	kind := Kind[P]()
	ctx, span := tracing.CreateSpan(ctx, "query.dispatch",
		attribute.String("kind", kind),
		attribute.String("callback", cb.Kind.String()),
		attribute.Int("predicates", len(preds)),
	)
	defer span.End()

	start := time.Now()
	metrics.QueriesTotal.WithLabelValues(kind, cb.Kind.String()).Add(float64(len(preds)))

	var (
		res     *Results[T]
		outcome string
		err     error
	)
	switch ps := any(preds).(type) {
	case []Spatial:
		res, outcome, err = querySpatial(ctx, space, tree, ps, any(cb).(Callback[Spatial, T]), policy)
	case []Nearest:
		res, outcome, err = queryNearest(ctx, space, tree, ps, any(cb).(Callback[Nearest, T]), policy)
	}

	metrics.QueryDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if outcome != "" {
		metrics.BufferOutcomesTotal.WithLabelValues(outcome).Inc()
	}
	logger := space.Logger()
	if err != nil {
		span.SetError(err)
		logger.Debug().Err(err).
			Str("kind", kind).
			Str("outcome", outcome).
			Int("predicates", len(preds)).
			Msg("query failed")
		return nil, err
	}
	logger.Debug().
		Str("kind", kind).
		Str("callback", cb.Kind.String()).
		Str("outcome", outcome).
		Int("predicates", len(preds)).
		Int("values", len(res.Values)).
		Dur("elapsed", time.Since(start)).
		Msg("query done")
	return res, nil
}

func querySpatial[T any](ctx context.Context, space *exec.Space, tree bvh.Hierarchy, preds []Spatial, cb Callback[Spatial, T], policy TraversalPolicy) (*Results[T], string, error) {
	for i := range preds {
		if err := preds[i].Validate(); err != nil {
			return nil, "", err
		}
	}
	if cb.Kind == CallbackPost {
		raw, outcome, err := spatialInline(ctx, space, tree, preds, CollectMatches[Spatial]().Inline, policy)
		if err != nil {
			return nil, outcome, err
		}
		res, err := runPost(preds, raw, cb.Post)
		return res, outcome, err
	}
	return spatialInline(ctx, space, tree, preds, cb.Inline, policy)
}

func queryNearest[T any](ctx context.Context, space *exec.Space, tree bvh.Hierarchy, preds []Nearest, cb Callback[Nearest, T], policy TraversalPolicy) (*Results[T], string, error) {
	for i := range preds {
		if err := preds[i].Validate(); err != nil {
			return nil, "", err
		}
	}
	if cb.Kind == CallbackPost {
		raw, outcome, err := nearestInline(ctx, space, tree, preds, CollectMatches[Nearest]().Inline, policy)
		if err != nil {
			return nil, outcome, err
		}
		res, err := runPost(preds, raw, cb.Post)
		return res, outcome, err
	}
	return nearestInline(ctx, space, tree, preds, cb.Inline, policy)
}

// runPost hands the raw table to a post callback and checks what comes back.
func runPost[P Predicate, T any](preds []P, raw *Results[Match], fn PostFunc[P, T]) (*Results[T], error) {
	const op = "query.post"
	out, err := fn(preds, raw)
	if err != nil {
		return nil, cerrors.WrapComputationError(err, op, "post callback failed")
	}
	if out == nil {
		return nil, cerrors.NewInvalidCallback(op, "post callback returned no table")
	}
	if err := out.Validate(); err != nil {
		return nil, cerrors.WrapComputationError(err, op, "post callback returned a malformed table")
	}
	return out, nil
}

// reorder applies the Morton ordering when the policy asks for it.
func reorder[P Predicate](ctx context.Context, space *exec.Space, tree bvh.Hierarchy, preds []P, policy TraversalPolicy) ([]P, permutedView, error) {
	if !policy.SortPredicates || len(preds) < 2 || tree.Size() == 0 {
		return preds, permutedView{}, nil
	}
	perm, err := SortPredicates(ctx, space, tree.Bounds(), preds)
	if err != nil {
		return nil, permutedView{}, err
	}
	return ApplyPermutation(perm, preds), permutedView{perm: perm}, nil
}

// bufferState is a step of the spatial write protocol.
type bufferState uint8

const (
	stateAttemptOptimistic bufferState = iota + 1
	stateRecount
	stateWrite
	stateCompact
	stateDone
)

// spatialRun carries one spatial batch through the buffer states. counts and
// the table are indexed by submission order; traversal runs in ordered order
// and goes through view to find its slot.
type spatialRun[T any] struct {
	space   *exec.Space
	tree    bvh.Hierarchy
	ordered []Spatial
	view    permutedView
	fn      InlineFunc[Spatial, T]

	counts  []int
	counted bool
	res     *Results[T]
}

func spatialInline[T any](ctx context.Context, space *exec.Space, tree bvh.Hierarchy, preds []Spatial, fn InlineFunc[Spatial, T], policy TraversalPolicy) (*Results[T], string, error) {
	n := len(preds)
	if n == 0 {
		return &Results[T]{Offsets: []int{0}}, outcomeExact, nil
	}
	ordered, view, err := reorder(ctx, space, tree, preds, policy)
	if err != nil {
		return nil, "", err
	}
	run := &spatialRun[T]{
		space:   space,
		tree:    tree,
		ordered: ordered,
		view:    view,
		fn:      fn,
		counts:  make([]int, n),
	}

	k := policy.capacity()
	state := stateRecount
	outcome := outcomeTwoPass
	if k > 0 {
		state = stateAttemptOptimistic
	}

	for state != stateDone {
		if err := ctx.Err(); err != nil {
			return nil, outcome, err
		}
		switch state {
		case stateAttemptOptimistic:
			overflow, worst, err := run.attempt(ctx, k)
			if err != nil {
				return nil, outcome, err
			}
			switch {
			case overflow && policy.BufferSize < 0:
				return nil, outcomeOverflowError, cerrors.NewCapacityExceeded("query.spatial", k, worst)
			case overflow:
				outcome = outcomeOverflowRetry
				state = stateRecount
			case run.full(k):
				outcome = outcomeExact
				state = stateDone
			default:
				outcome = outcomeUnderflow
				state = stateCompact
			}
		case stateRecount:
			// an overflowed attempt already counted every emit
			if !run.counted {
				if err := run.count(ctx); err != nil {
					return nil, outcome, err
				}
			}
			run.res = NewResults[T](run.counts)
			state = stateWrite
		case stateWrite:
			if err := run.write(ctx); err != nil {
				return nil, outcome, err
			}
			state = stateDone
		case stateCompact:
			if err := run.compact(ctx, k); err != nil {
				return nil, outcome, err
			}
			state = stateDone
		}
	}
	return run.res, outcome, nil
}

// attempt writes up to k values per predicate into slots laid out as i*k and
// counts every emit. It reports whether any predicate emitted more than k and
// the largest count seen.
func (r *spatialRun[T]) attempt(ctx context.Context, k int) (bool, int, error) {
	n := len(r.ordered)
	offsets := make([]int, n+1)
	for i := range offsets {
		offsets[i] = i * k
	}
	r.res = &Results[T]{Offsets: offsets, Values: make([]T, n*k)}
	values := r.res.Values

	err := r.space.ParallelFor(ctx, "query.spatial.attempt", n, func(p int) {
		q := r.view.slot(p)
		base := q * k
		pred := r.ordered[p]
		c := 0
		emit := func(v T) {
			if c < k {
				values[base+c] = v
			}
			c++
		}
		s := getScratch()
		traverseSpatial(r.tree, pred, s, func(prim int32) {
			r.fn(pred, Match{Index: prim}, emit)
		})
		putScratch(s)
		r.counts[q] = c
	})
	if err != nil {
		return false, 0, err
	}
	r.counted = true

	worst := 0
	for _, c := range r.counts {
		if c > worst {
			worst = c
		}
	}
	return worst > k, worst, nil
}

func (r *spatialRun[T]) full(k int) bool {
	for _, c := range r.counts {
		if c != k {
			return false
		}
	}
	return true
}

// count runs the callback with an emitter that only counts.
func (r *spatialRun[T]) count(ctx context.Context) error {
	err := r.space.ParallelFor(ctx, "query.spatial.count", len(r.ordered), func(p int) {
		pred := r.ordered[p]
		c := 0
		emit := func(T) { c++ }
		s := getScratch()
		traverseSpatial(r.tree, pred, s, func(prim int32) {
			r.fn(pred, Match{Index: prim}, emit)
		})
		putScratch(s)
		r.counts[r.view.slot(p)] = c
	})
	if err != nil {
		return err
	}
	r.counted = true
	return nil
}

// write fills the exact table laid out from counts.
func (r *spatialRun[T]) write(ctx context.Context) error {
	offsets, values := r.res.Offsets, r.res.Values
	return r.space.ParallelForErr(ctx, "query.spatial.write", len(r.ordered), func(p int) error {
		q := r.view.slot(p)
		lo, hi := offsets[q], offsets[q+1]
		pred := r.ordered[p]
		c := lo
		emit := func(v T) {
			if c < hi {
				values[c] = v
			}
			c++
		}
		s := getScratch()
		traverseSpatial(r.tree, pred, s, func(prim int32) {
			r.fn(pred, Match{Index: prim}, emit)
		})
		putScratch(s)
		if c != hi {
			return cerrors.New(cerrors.ErrorTypeComputation, "query.spatial",
				"callback emitted a different number of values on the write pass").
				WithContext("predicate", q).
				WithContext("counted", hi-lo).
				WithContext("written", c-lo)
		}
		return nil
	})
}

// compact moves the attempt's i*k layout into an exact table.
func (r *spatialRun[T]) compact(ctx context.Context, k int) error {
	src := r.res.Values
	dst := NewResults[T](r.counts)
	err := r.space.ParallelFor(ctx, "query.spatial.compact", len(r.counts), func(i int) {
		copy(dst.Values[dst.Offsets[i]:dst.Offsets[i+1]], src[i*k:i*k+r.counts[i]])
	})
	if err != nil {
		return err
	}
	r.res = dst
	return nil
}

// nearestInline reserves min(K, tree size) slots per predicate, runs one
// traversal and compacts when fewer neighbours than that were written.
func nearestInline[T any](ctx context.Context, space *exec.Space, tree bvh.Hierarchy, preds []Nearest, fn InlineFunc[Nearest, T], policy TraversalPolicy) (*Results[T], string, error) {
	n := len(preds)
	if n == 0 {
		return &Results[T]{Offsets: []int{0}}, outcomeExact, nil
	}
	ordered, view, err := reorder(ctx, space, tree, preds, policy)
	if err != nil {
		return nil, "", err
	}

	requested := make([]int, n)
	for i, p := range preds {
		requested[i] = min(p.K, tree.Size())
	}
	res := NewResults[T](requested)
	written := make([]int, n)
	var overflow atomic.Bool

	err = space.ParallelFor(ctx, "query.nearest", n, func(p int) {
		q := view.slot(p)
		pred := ordered[p]
		lo, hi := res.Offsets[q], res.Offsets[q+1]
		c := lo
		emit := func(v T) {
			if c < hi {
				res.Values[c] = v
			} else {
				overflow.Store(true)
			}
			c++
		}
		s := getScratch()
		for _, cand := range nearest(tree, pred, policy.Algorithm, s) {
			fn(pred, Match{Index: cand.ID, Distance: cand.Dist}, emit)
		}
		putScratch(s)
		written[q] = c - lo
	})
	if err != nil {
		return nil, "", err
	}

	if overflow.Load() {
		worst, capacity := 0, 0
		for i, w := range written {
			if w > requested[i] && w-requested[i] > worst-capacity {
				worst, capacity = w, requested[i]
			}
		}
		return nil, outcomeOverflowError, cerrors.NewCapacityExceeded("query.nearest", capacity, worst)
	}

	short := false
	for i, w := range written {
		if w < requested[i] {
			short = true
			break
		}
	}
	if !short {
		return res, outcomeExact, nil
	}

	dst := NewResults[T](written)
	err = space.ParallelFor(ctx, "query.nearest.compact", n, func(i int) {
		copy(dst.Values[dst.Offsets[i]:dst.Offsets[i+1]], res.Values[res.Offsets[i]:res.Offsets[i]+written[i]])
	})
	if err != nil {
		return nil, "", err
	}
	return dst, outcomeUnderflow, nil
}
