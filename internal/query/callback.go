package query

import (
	"fmt"

	cerrors "github.com/23skdu/canopy/internal/errors"
)

// Match is one (predicate, primitive) hit. Distance is zero for spatial
// predicates.
type Match struct {
	Index    int32
	Distance float32
}

// CallbackKind tags how a callback receives matches.
type CallbackKind uint8

const (
	// CallbackInline is invoked once per match and emits values as it goes.
	CallbackInline CallbackKind = iota + 1
	// CallbackPost is invoked once with the complete match table.
	CallbackPost
)

func (k CallbackKind) String() string {
	switch k {
	case CallbackInline:
		return "inline"
	case CallbackPost:
		return "post"
	default:
		return fmt.Sprintf("callback(%d)", uint8(k))
	}
}

// InlineFunc handles one match of pred. Values passed to emit become the
// predicate's results, in emission order.
type InlineFunc[P Predicate, T any] func(pred P, m Match, emit func(T))

// PostFunc receives every predicate in submission order together with the raw
// match table and returns the final table. It may aggregate, so the number of
// values per predicate is free.
type PostFunc[P Predicate, T any] func(preds []P, raw *Results[Match]) (*Results[T], error)

// Callback is the user code a query delivers matches to. Exactly one of Inline
// and Post is set, the one named by Kind.
type Callback[P Predicate, T any] struct {
	Kind   CallbackKind
	Inline InlineFunc[P, T]
	Post   PostFunc[P, T]
}

// InlineCallback wraps fn as an inline callback.
func InlineCallback[P Predicate, T any](fn InlineFunc[P, T]) Callback[P, T] {
	return Callback[P, T]{Kind: CallbackInline, Inline: fn}
}

// PostCallback wraps fn as a post callback.
func PostCallback[P Predicate, T any](fn PostFunc[P, T]) Callback[P, T] {
	return Callback[P, T]{Kind: CallbackPost, Post: fn}
}

// CollectIndices emits the primitive index of every match.
func CollectIndices[P Predicate]() Callback[P, int32] {
	return InlineCallback[P, int32](func(_ P, m Match, emit func(int32)) { emit(m.Index) })
}

// CollectMatches emits every match as is.
func CollectMatches[P Predicate]() Callback[P, Match] {
	return InlineCallback[P, Match](func(_ P, m Match, emit func(Match)) { emit(m) })
}

// Validate reports an InvalidCallback error when c cannot be dispatched.
func (c Callback[P, T]) Validate() error {
	const op = "query.callback"
	switch c.Kind {
	case CallbackInline:
		if c.Inline == nil {
			return cerrors.NewInvalidCallback(op, "inline callback without an inline function")
		}
		if c.Post != nil {
			return cerrors.NewInvalidCallback(op, "inline callback carries a post function")
		}
	case CallbackPost:
		if c.Post == nil {
			return cerrors.NewInvalidCallback(op, "post callback without a post function")
		}
		if c.Inline != nil {
			return cerrors.NewInvalidCallback(op, "post callback carries an inline function")
		}
	default:
		return cerrors.NewInvalidCallback(op, "unknown tag "+c.Kind.String())
	}
	return nil
}
