package query

import (
	"fmt"

	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/exec"
)

// Results is a CSR table: Values[Offsets[i]:Offsets[i+1]] are the results of
// query i.
type Results[T any] struct {
	Offsets []int
	Values  []T
}

// NewResults lays out a table for the given per-query counts. Values is
// allocated with the exact total and left zeroed.
func NewResults[T any](counts []int) *Results[T] {
	offsets := make([]int, len(counts)+1)
	copy(offsets, counts)
	total := exec.ExclusivePrefixSum(offsets)
	return &Results[T]{Offsets: offsets, Values: make([]T, total)}
}

// FromRows flattens per-query rows into a table.
func FromRows[T any](rows [][]T) *Results[T] {
	counts := make([]int, len(rows))
	for i, r := range rows {
		counts[i] = len(r)
	}
	res := NewResults[T](counts)
	for i, r := range rows {
		copy(res.Values[res.Offsets[i]:], r)
	}
	return res
}

// NumQueries is the number of rows of the table.
func (r *Results[T]) NumQueries() int {
	if len(r.Offsets) == 0 {
		return 0
	}
	return len(r.Offsets) - 1
}

// Row returns the values of query i. The slice aliases the table.
func (r *Results[T]) Row(i int) []T {
	return r.Values[r.Offsets[i]:r.Offsets[i+1]]
}

// Count is the number of values of query i.
func (r *Results[T]) Count(i int) int {
	return r.Offsets[i+1] - r.Offsets[i]
}

// Rows copies the table into one slice per query.
func (r *Results[T]) Rows() [][]T {
	rows := make([][]T, r.NumQueries())
	for i := range rows {
		rows[i] = append(make([]T, 0, r.Count(i)), r.Row(i)...)
	}
	return rows
}

// Validate checks the CSR invariants: Offsets starts at zero, never
// decreases and ends at len(Values).
func (r *Results[T]) Validate() error {
	const op = "query.results"
	if len(r.Offsets) == 0 {
		return cerrors.NewValidationError(op, "empty offsets")
	}
	if r.Offsets[0] != 0 {
		return cerrors.NewValidationError(op, fmt.Sprintf("offsets start at %d", r.Offsets[0]))
	}
	for i := 1; i < len(r.Offsets); i++ {
		if r.Offsets[i] < r.Offsets[i-1] {
			return cerrors.NewValidationError(op, fmt.Sprintf("offsets decrease at row %d", i-1))
		}
	}
	if last := r.Offsets[len(r.Offsets)-1]; last != len(r.Values) {
		return cerrors.NewValidationError(op,
			fmt.Sprintf("offsets end at %d for %d values", last, len(r.Values)))
	}
	return nil
}
