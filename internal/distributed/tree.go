// Package distributed answers predicate batches over primitives partitioned
// across hosts. Every host holds a hierarchy over its own partition and a
// small top tree over the bounds of every non-empty partition; queries are
// routed through the top tree, answered where they land and merged back on
// the host that issued them.
package distributed

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/23skdu/canopy/internal/bvh"
	"github.com/23skdu/canopy/internal/comm"
	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/exec"
	"github.com/23skdu/canopy/internal/geometry"
	"github.com/23skdu/canopy/internal/metrics"
)

// slotWidth is the per-rank summary: bounds min, bounds max, primitive count.
const slotWidth = 7

// Tree is one host's view of a distributed hierarchy. It is read-only after
// NewTree and is used by a single goroutine per host.
type Tree struct {
	comm   comm.Communicator
	space  *exec.Space
	logger zerolog.Logger

	bottom *bvh.BVH
	// top indexes the bounds of non-empty partitions; topRanks maps its
	// primitives back to ranks.
	top      *bvh.BVH
	topRanks []int

	rankBounds []geometry.Box
	rankSizes  []int
	size       int
}

// NewTree builds the local hierarchy over boxes and exchanges partition
// summaries with every other host. It is a collective call.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func NewTree(ctx context.Context, c comm.Communicator, space *exec.Space, boxes []geometry.Box, logger zerolog.Logger) (*Tree, error) {
	start := time.Now()
	defer func() {
		metrics.DistributedStageSeconds.WithLabelValues("build").Observe(time.Since(start).Seconds())
	}()

	bottom, err := bvh.Build(ctx, space, boxes)
	if err != nil {
		return nil, err
	}

	n := c.Size()
	summary := make([]float64, slotWidth*n)
	if bottom.Size() > 0 {
		b := bottom.Bounds()
		slot := summary[slotWidth*c.Rank():]
		for d := 0; d < 3; d++ {
			slot[d] = float64(b.Min[d])
			slot[3+d] = float64(b.Max[d])
		}
		slot[6] = float64(bottom.Size())
	}
	if err := c.AllReduceSum(ctx, summary); err != nil {
		return nil, cerrors.WrapNetworkError(err, "distributed.new_tree", "failed to exchange partition bounds")
	}

	t := &Tree{
		comm:       c,
		space:      space,
		logger:     logger.With().Int("rank", c.Rank()).Logger(),
		bottom:     bottom,
		rankBounds: make([]geometry.Box, n),
		rankSizes:  make([]int, n),
	}
	var topBoxes []geometry.Box
	for r := 0; r < n; r++ {
		slot := summary[slotWidth*r : slotWidth*(r+1)]
		t.rankSizes[r] = int(slot[6])
		t.size += t.rankSizes[r]
		if t.rankSizes[r] == 0 {
			t.rankBounds[r] = geometry.EmptyBox()
			continue
		}
		var b geometry.Box
		for d := 0; d < 3; d++ {
			b.Min[d] = float32(slot[d])
			b.Max[d] = float32(slot[3+d])
		}
		t.rankBounds[r] = b
		topBoxes = append(topBoxes, b)
		t.topRanks = append(t.topRanks, r)
	}

	if t.top, err = bvh.Build(ctx, space, topBoxes); err != nil {
		return nil, err
	}
	t.logger.Debug().
		Int("local", bottom.Size()).
		Int("global", t.size).
		Int("partitions", len(topBoxes)).
		Msg("distributed tree built")
	return t, nil
}

// Size is the global number of primitives.
func (t *Tree) Size() int { return t.size }

// LocalSize is the number of primitives owned by this host.
func (t *Tree) LocalSize() int { return t.bottom.Size() }

// Bounds encloses every partition.
func (t *Tree) Bounds() geometry.Box {
	if t.top.Size() == 0 {
		return geometry.EmptyBox()
	}
	return t.top.Bounds()
}

// RankBounds returns the bounds of rank r's partition, empty when it owns nothing.
func (t *Tree) RankBounds(r int) geometry.Box { return t.rankBounds[r] }

// Local is the hierarchy over this host's partition.
func (t *Tree) Local() *bvh.BVH { return t.bottom }

func (t *Tree) Comm() comm.Communicator { return t.comm }
func (t *Tree) Space() *exec.Space      { return t.space }
