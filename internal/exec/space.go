// Package exec is the data-parallel substrate queries run on: a bounded worker
// pool with a blocking parallel-for and the prefix sums used to lay out CSR
// tables.
package exec

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/metrics"
)

// chunksPerWorker oversubscribes the pool so uneven per-query work still
// balances.
const chunksPerWorker = 4

// cancelCheckInterval is how many iterations a chunk runs between context
// checks.
const cancelCheckInterval = 256

// Space runs loops over a fixed set of workers. A Space is safe for use by
// several goroutines, but a loop body must never start another loop on the
// same Space: the outer chunk would hold a worker while waiting for inner
// chunks that need one.
type Space struct {
	pool    *ants.Pool
	workers int
	logger  zerolog.Logger
}

// NewSpace creates a Space backed by an ants pool of the given size. A
// non-positive size uses GOMAXPROCS.
func NewSpace(workers int, logger zerolog.Logger) (*Space, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	s := &Space{workers: workers, logger: logger.With().Str("component", "exec").Logger()}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
		s.logger.Error().Interface("panic", v).Msg("worker panic escaped parallel region")
	}))
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrorTypeConfiguration, "exec.NewSpace", "failed to create worker pool")
	}
	s.pool = pool
	return s, nil
}

// Serial returns a Space that runs every loop on the calling goroutine, in
// index order.
func Serial() *Space {
	return &Space{workers: 1, logger: zerolog.Nop()}
}

// Concurrency is the number of loop bodies that may run at the same time.
func (s *Space) Concurrency() int {
	return s.workers
}

// Logger is the logger components running on this Space report through.
func (s *Space) Logger() zerolog.Logger {
	return s.logger
}

// Close releases the worker pool. Loops started after Close fail.
func (s *Space) Close() {
	if s.pool != nil {
		s.pool.Release()
	}
}

// ParallelFor calls fn(i) for every i in [0, n) and returns once all calls
// have finished. A panicking body and a cancelled context are both reported
// as errors; remaining iterations are skipped.
func (s *Space) ParallelFor(ctx context.Context, region string, n int, fn func(i int)) error {
	return s.ParallelForErr(ctx, region, n, func(i int) error {
		fn(i)
		return nil
	})
}

// ParallelForErr is ParallelFor with a fallible body. The first error stops
// the loop and is returned.
func (s *Space) ParallelForErr(ctx context.Context, region string, n int, fn func(i int) error) error {
	if n <= 0 {
		return ctx.Err()
	}
	start := time.Now()
	defer func() {
		metrics.ParallelRegionSeconds.WithLabelValues(region).Observe(time.Since(start).Seconds())
	}()

	if s.pool == nil || s.workers == 1 || n == 1 {
		return runChunk(ctx, region, 0, n, fn, nil)
	}

	chunks := s.workers * chunksPerWorker
	if chunks > n {
		chunks = n
	}
	size := (n + chunks - 1) / chunks

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
		stopped  = make(chan struct{})
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			close(stopped)
		})
	}

	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		lo := lo
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			if err := runChunk(ctx, region, lo, hi, fn, stopped); err != nil {
				fail(err)
			}
		})
		if err != nil {
			wg.Done()
			fail(cerrors.Wrap(err, cerrors.ErrorTypeComputation, region, "failed to submit chunk"))
			break
		}
	}
	wg.Wait()
	return firstErr
}

// runChunk executes [lo, hi) and turns a panic into an error.
func runChunk(ctx context.Context, region string, lo, hi int, fn func(int) error, stopped <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cerrors.New(cerrors.ErrorTypeComputation, region, fmt.Sprintf("panic in loop body: %v", r)).
				WithContext("index_range", [2]int{lo, hi})
		}
	}()
	for i := lo; i < hi; i++ {
		if (i-lo)%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if stopped != nil {
				select {
				case <-stopped:
					return nil
				default:
				}
			}
		}
		if err := fn(i); err != nil {
			return err
		}
	}
	return nil
}

// ExclusivePrefixSum replaces v[i] with the sum of v[0:i] and returns the sum
// of the whole input. Given per-query counts in v[0:n] and v[n] == 0, the
// result is a valid CSR offsets slice with v[n] as the total.
func ExclusivePrefixSum(v []int) int {
	total := 0
	for i, c := range v {
		v[i] = total
		total += c
	}
	return total
}
