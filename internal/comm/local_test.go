package comm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	cerrors "github.com/23skdu/canopy/internal/errors"
)

func TestLocalSendIsBuffered(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := NewLocalWorld(2)
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	a, b := w.Host(0), w.Host(1)

	// neither send waits for a receive
	require.NoError(t, a.Send(ctx, 1, 7, []byte("first")))
	require.NoError(t, a.Send(ctx, 1, 7, []byte("second")))
	require.NoError(t, a.Send(ctx, 1, 8, []byte("other tag")))

	got, err := b.Recv(ctx, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, "other tag", string(got))

	got, err = b.Recv(ctx, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
	got, err = b.Recv(ctx, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestLocalSendCopiesPayload(t *testing.T) {
	w, err := NewLocalWorld(1)
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	buf := []byte{1, 2, 3}
	require.NoError(t, w.Host(0).Send(ctx, 0, 0, buf))
	buf[0] = 9

	got, err := w.Host(0).Recv(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestLocalRecvBlocksUntilSend(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := NewLocalWorld(2)
	require.NoError(t, err)
	defer w.Close()

	done := make(chan []byte)
	go func() {
		data, _ := w.Host(1).Recv(context.Background(), 0, 1)
		done <- data
	}()

	select {
	case <-done:
		t.Fatal("receive returned before any send")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, w.Host(0).Send(context.Background(), 1, 1, []byte("x")))
	assert.Equal(t, []byte("x"), <-done)
}

func TestLocalRecvHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := NewLocalWorld(2)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = w.Host(0).Recv(ctx, 1, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalCloseWakesReceivers(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := NewLocalWorld(2)
	require.NoError(t, err)

	errs := make(chan error)
	go func() {
		_, err := w.Host(0).Recv(context.Background(), 1, 0)
		errs <- err
	}()
	time.Sleep(5 * time.Millisecond)
	w.Close()

	err = <-errs
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, cerrors.ErrorTypeNetwork, cerrors.TypeOf(err))
	assert.Error(t, w.Host(1).Send(context.Background(), 0, 0, nil))
}

func TestLocalValidation(t *testing.T) {
	_, err := NewLocalWorld(0)
	assert.Error(t, err)

	w, err := NewLocalWorld(2)
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	assert.Equal(t, cerrors.ErrorTypeValidation, cerrors.TypeOf(w.Host(0).Send(ctx, 2, 0, nil)))
	assert.Equal(t, cerrors.ErrorTypeValidation, cerrors.TypeOf(w.Host(0).Send(ctx, 1, tagReduce, nil)))
	_, err = w.Host(0).Recv(ctx, -1, 0)
	assert.Equal(t, cerrors.ErrorTypeValidation, cerrors.TypeOf(err))
}

func TestLocalCollectives(t *testing.T) {
	defer goleak.VerifyNone(t)

	const hosts = 4
	w, err := NewLocalWorld(hosts)
	require.NoError(t, err)
	defer w.Close()

	sums := make([][]float64, hosts)
	bcast := make([][]float64, hosts)
	reduced := make([]float64, 2)

	err = w.Run(context.Background(), func(ctx context.Context, c Communicator) error {
		r := c.Rank()
		buf := []float64{float64(r), 1}
		if err := c.AllReduceSum(ctx, buf); err != nil {
			return err
		}
		sums[r] = buf

		b := []float64{0, 0, 0}
		if r == 2 {
			b = []float64{3, 1, 4}
		}
		if err := c.Broadcast(ctx, 2, b); err != nil {
			return err
		}
		bcast[r] = b

		red := []float64{1, float64(r)}
		if err := c.ReduceSum(ctx, 3, red); err != nil {
			return err
		}
		if r == 3 {
			copy(reduced, red)
		}
		return nil
	})
	require.NoError(t, err)

	for r := 0; r < hosts; r++ {
		assert.Equal(t, []float64{6, 4}, sums[r], "rank %d", r)
		assert.Equal(t, []float64{3, 1, 4}, bcast[r], "rank %d", r)
	}
	assert.Equal(t, []float64{4, 6}, reduced)
}

func TestWorldRunStopsOnFirstError(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := NewLocalWorld(3)
	require.NoError(t, err)
	defer w.Close()

	boom := errors.New("boom")
	err = w.Run(context.Background(), func(ctx context.Context, c Communicator) error {
		if c.Rank() == 1 {
			return boom
		}
		// waits for a message that never comes
		_, err := c.Recv(ctx, 1, 0)
		return err
	})
	assert.ErrorIs(t, err, boom)
}

func TestDecodeFloatsRejectsLength(t *testing.T) {
	_, err := decodeFloats(make([]byte, 12), 2)
	assert.Error(t, err)

	vals, err := decodeFloats(encodeFloats([]float64{1.5, -2}), 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2}, vals)
}
