package distributed

import (
	"fmt"

	cerrors "github.com/23skdu/canopy/internal/errors"
)

// PartitionRange returns the half-open range [lo, hi) of total items owned by
// rank when they are split across size hosts. The remainder of an uneven
// split goes to the leading ranks, one item each, and an advisory
// ErrPartitionImbalance is returned alongside the valid range.
func PartitionRange(total, size, rank int) (lo, hi int, err error) {
	const op = "distributed.partition"
	if size < 1 {
		return 0, 0, cerrors.NewValidationError(op, "at least one host is required")
	}
	if rank < 0 || rank >= size {
		return 0, 0, cerrors.NewValidationError(op, fmt.Sprintf("rank %d outside [0, %d)", rank, size))
	}
	if total < 0 {
		return 0, 0, cerrors.NewValidationError(op, "negative item count")
	}

	base, rem := total/size, total%size
	lo = rank*base + min(rank, rem)
	hi = lo + base
	if rank < rem {
		hi++
	}
	if rem != 0 {
		err = cerrors.NewPartitionImbalance(op, total, size)
	}
	return lo, hi, err
}
