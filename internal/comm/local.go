package comm

import (
	"context"

	"golang.org/x/sync/errgroup"

	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/metrics"
)

// World is a group of in-process hosts exchanging messages through mailboxes.
type World struct {
	hosts []*Local
}

// NewLocalWorld creates n connected in-process hosts.
func NewLocalWorld(n int) (*World, error) {
	if n < 1 {
		return nil, cerrors.NewValidationError("comm.local_world", "a world needs at least one host")
	}
	w := &World{hosts: make([]*Local, n)}
	for r := range w.hosts {
		w.hosts[r] = &Local{rank: r, world: w, box: newMailbox()}
	}
	return w, nil
}

func (w *World) Size() int { return len(w.hosts) }

// Host returns the endpoint of rank r.
func (w *World) Host(r int) *Local { return w.hosts[r] }

// Run calls fn once per host, each on its own goroutine, and waits for all of
// them. The first error cancels the context seen by the others, which unblocks
// their receives.
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, c Communicator) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range w.hosts {
		g.Go(func() error { return fn(gctx, h) })
	}
	return g.Wait()
}

// Close closes every host.
func (w *World) Close() {
	for _, h := range w.hosts {
		_ = h.Close()
	}
}

// Local is one host of a World.
type Local struct {
	rank  int
	world *World
	box   *mailbox
}

var _ Communicator = (*Local)(nil)

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return len(l.world.hosts) }

func (l *Local) Send(ctx context.Context, dst, tag int, data []byte) error {
	if err := checkTag("comm.send", tag); err != nil {
		return err
	}
	return l.send(ctx, dst, tag, data)
}

func (l *Local) send(ctx context.Context, dst, tag int, data []byte) error {
	const op = "comm.send"
	if err := checkPeer(op, l.Size(), dst); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// the receiver owns its copy
	msg := append([]byte(nil), data...)
	if err := l.world.hosts[dst].box.put(l.rank, tag, msg); err != nil {
		return cerrors.WrapNetworkError(err, op, "destination closed")
	}
	metrics.TransportMessagesTotal.WithLabelValues("local", "sent").Inc()
	return nil
}

func (l *Local) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	const op = "comm.recv"
	if err := checkPeer(op, l.Size(), src); err != nil {
		return nil, err
	}
	data, err := l.box.take(ctx, src, tag)
	if err != nil {
		if err == ErrClosed {
			return nil, cerrors.WrapNetworkError(err, op, "receive on closed host")
		}
		return nil, err
	}
	metrics.TransportMessagesTotal.WithLabelValues("local", "received").Inc()
	return data, nil
}

func (l *Local) ReduceSum(ctx context.Context, root int, buf []float64) error {
	return reduceSum(ctx, l, root, buf)
}

func (l *Local) Broadcast(ctx context.Context, root int, buf []float64) error {
	return broadcast(ctx, l, root, buf)
}

func (l *Local) AllReduceSum(ctx context.Context, buf []float64) error {
	return allReduceSum(ctx, l, buf)
}

func (l *Local) Close() error {
	l.box.close()
	return nil
}
