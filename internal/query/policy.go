package query

import (
	"fmt"
	"strings"
)

// NearestAlgorithm selects the k-nearest search strategy.
type NearestAlgorithm uint8

const (
	// StackBased is a depth-first branch-and-bound search that prunes
	// subtrees farther than the current k-th distance.
	StackBased NearestAlgorithm = iota
	// PriorityQueueBased is a best-first search over a min-heap of nodes.
	//
	// Deprecated: kept for comparison with older results; StackBased is
	// faster. Ties between equidistant primitives may resolve differently.
	PriorityQueueBased
)

func (a NearestAlgorithm) String() string {
	switch a {
	case StackBased:
		return "stack"
	case PriorityQueueBased:
		return "priority_queue"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// ParseNearestAlgorithm accepts the String forms plus a few aliases.
func ParseNearestAlgorithm(s string) (NearestAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stack", "stack_based", "stack-based":
		return StackBased, nil
	case "pq", "priority_queue", "priority-queue", "priority_queue_based":
		return PriorityQueueBased, nil
	default:
		return StackBased, fmt.Errorf("unknown nearest algorithm %q", s)
	}
}

// TraversalPolicy tunes how a batch is dispatched.
//
// BufferSize is the assumed number of results per spatial predicate. Zero
// always counts matches before writing them. A positive size writes in one
// pass and silently falls back to counting when a predicate overflows; a
// negative size fails with ErrCapacityExceeded instead.
type TraversalPolicy struct {
	BufferSize     int
	SortPredicates bool
	Algorithm      NearestAlgorithm
}

// DefaultPolicy counts first, sorts predicates and uses the stack-based
// nearest search.
func DefaultPolicy() TraversalPolicy {
	return TraversalPolicy{BufferSize: 0, SortPredicates: true, Algorithm: StackBased}
}

func (p TraversalPolicy) WithBufferSize(size int) TraversalPolicy {
	p.BufferSize = size
	return p
}

func (p TraversalPolicy) WithPredicateSorting(on bool) TraversalPolicy {
	p.SortPredicates = on
	return p
}

func (p TraversalPolicy) WithAlgorithm(a NearestAlgorithm) TraversalPolicy {
	p.Algorithm = a
	return p
}

// capacity is the per-predicate buffer magnitude.
func (p TraversalPolicy) capacity() int {
	if p.BufferSize < 0 {
		return -p.BufferSize
	}
	return p.BufferSize
}
