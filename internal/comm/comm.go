// Package comm moves byte batches between hosts. Point-to-point sends are
// buffered and never wait for the matching receive; receives block until a
// message from the given source with the given tag arrives. Messages between
// one (source, tag) pair are delivered in send order.
package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	cerrors "github.com/23skdu/canopy/internal/errors"
)

// Reserved tags used by the collectives. User tags must be non-negative.
const (
	tagReduce    = -1
	tagBroadcast = -2
)

// ErrClosed is returned by operations on a closed communicator.
var ErrClosed = errors.New("communicator closed")

// Communicator is one host's endpoint in a fixed group of hosts.
type Communicator interface {
	// Rank is this host's position in [0, Size).
	Rank() int
	Size() int
	Send(ctx context.Context, dst, tag int, data []byte) error
	Recv(ctx context.Context, src, tag int) ([]byte, error)
	// ReduceSum adds buf element-wise across hosts; the sum lands in root's buf.
	ReduceSum(ctx context.Context, root int, buf []float64) error
	// Broadcast copies root's buf into every host's buf.
	Broadcast(ctx context.Context, root int, buf []float64) error
	// AllReduceSum leaves the element-wise sum in every host's buf.
	AllReduceSum(ctx context.Context, buf []float64) error
	Close() error
}

// pointToPoint is what the collectives are built from.
type pointToPoint interface {
	Rank() int
	Size() int
	send(ctx context.Context, dst, tag int, data []byte) error
	Recv(ctx context.Context, src, tag int) ([]byte, error)
}

func checkPeer(op string, size, peer int) error {
	if peer < 0 || peer >= size {
		return cerrors.NewValidationError(op, fmt.Sprintf("rank %d outside [0, %d)", peer, size))
	}
	return nil
}

func checkTag(op string, tag int) error {
	if tag < 0 {
		return cerrors.NewValidationError(op, fmt.Sprintf("tag %d is reserved", tag))
	}
	return nil
}

func reduceSum(ctx context.Context, c pointToPoint, root int, buf []float64) error {
	const op = "comm.reduce_sum"
	if err := checkPeer(op, c.Size(), root); err != nil {
		return err
	}
	if c.Rank() != root {
		return c.send(ctx, root, tagReduce, encodeFloats(buf))
	}
	// receive in rank order so the sum does not depend on arrival order
	for src := 0; src < c.Size(); src++ {
		if src == root {
			continue
		}
		data, err := c.Recv(ctx, src, tagReduce)
		if err != nil {
			return err
		}
		part, err := decodeFloats(data, len(buf))
		if err != nil {
			return cerrors.WrapValidationError(err, op, fmt.Sprintf("bad contribution from rank %d", src))
		}
		for i, v := range part {
			buf[i] += v
		}
	}
	return nil
}

func broadcast(ctx context.Context, c pointToPoint, root int, buf []float64) error {
	const op = "comm.broadcast"
	if err := checkPeer(op, c.Size(), root); err != nil {
		return err
	}
	if c.Rank() == root {
		data := encodeFloats(buf)
		for dst := 0; dst < c.Size(); dst++ {
			if dst == root {
				continue
			}
			if err := c.send(ctx, dst, tagBroadcast, data); err != nil {
				return err
			}
		}
		return nil
	}
	data, err := c.Recv(ctx, root, tagBroadcast)
	if err != nil {
		return err
	}
	vals, err := decodeFloats(data, len(buf))
	if err != nil {
		return cerrors.WrapValidationError(err, op, "bad broadcast payload")
	}
	copy(buf, vals)
	return nil
}

func allReduceSum(ctx context.Context, c pointToPoint, buf []float64) error {
	if err := reduceSum(ctx, c, 0, buf); err != nil {
		return err
	}
	return broadcast(ctx, c, 0, buf)
}

// encodeFloats lays values out as little-endian IEEE 754 words.
func encodeFloats(v []float64) []byte {
	out := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(f))
	}
	return out
}

func decodeFloats(data []byte, n int) ([]float64, error) {
	if len(data) != 8*n {
		return nil, fmt.Errorf("expected %d values, got %d bytes", n, len(data))
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return out, nil
}
