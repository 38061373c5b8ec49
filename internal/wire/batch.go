// Package wire encodes batches exchanged between hosts: a fixed header with
// per-group row counts followed by an Arrow IPC stream, snappy-compressed
// when that makes it smaller.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/golang/snappy"

	cerrors "github.com/23skdu/canopy/internal/errors"
	"github.com/23skdu/canopy/internal/metrics"
)

const (
	// Magic prefixes every batch.
	Magic uint32 = 0x43504e59 // "CPNY"
	// Version of the batch layout.
	Version uint8 = 1

	// HeaderSize: Magic(4) + Version(1) + Flags(1) + Reserved(2) + Rows(4) + Groups(4)
	HeaderSize = 16

	// FlagSnappy marks a snappy-compressed payload.
	FlagSnappy uint8 = 1 << 0
)

// Codec maps values of T to rows of an Arrow record.
type Codec[T any] interface {
	Schema() *arrow.Schema
	// Append adds v as one row; b was built from Schema.
	Append(b *array.RecordBuilder, v T)
	// Decode appends every row of rec to dst.
	Decode(rec arrow.Record, dst []T) ([]T, error)
}

// Options tune encoding.
type Options struct {
	// Compress enables snappy when it shrinks the payload.
	Compress bool
	// Allocator for Arrow buffers; memory.DefaultAllocator when nil.
	Allocator memory.Allocator
}

func (o Options) allocator() memory.Allocator {
	if o.Allocator == nil {
		return memory.DefaultAllocator
	}
	return o.Allocator
}

// Batch is a grouped list of rows: Rows[sum(Counts[:g]):sum(Counts[:g+1])]
// belong to group g. A nil Counts means a single ungrouped list.
type Batch[T any] struct {
	Counts []int
	Rows   []T
}

// EncodeBatch serializes b with codec.
func EncodeBatch[T any](codec Codec[T], b Batch[T], opts Options) ([]byte, error) {
	const op = "wire.encode"
	total := 0
	for _, c := range b.Counts {
		total += c
	}
	if b.Counts != nil && total != len(b.Rows) {
		return nil, cerrors.NewValidationError(op,
			fmt.Sprintf("group counts sum to %d for %d rows", total, len(b.Rows)))
	}

	payload, err := encodeRecord(codec, b.Rows, opts.allocator())
	if err != nil {
		return nil, cerrors.WrapComputationError(err, op, "failed to write arrow stream")
	}

	var flags uint8
	if opts.Compress {
		if compressed := CompressPayload(payload); len(compressed) < len(payload) {
			metrics.WireCompressionRatio.Observe(float64(len(compressed)) / float64(len(payload)))
			payload = compressed
			flags |= FlagSnappy
		}
	}

	out := make([]byte, HeaderSize+4*len(b.Counts)+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	out[4] = Version
	out[5] = flags
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(b.Rows)))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(b.Counts)))
	pos := HeaderSize
	for _, c := range b.Counts {
		binary.LittleEndian.PutUint32(out[pos:pos+4], uint32(c))
		pos += 4
	}
	copy(out[pos:], payload)
	return out, nil
}

// DecodeBatch parses data produced by EncodeBatch with the same codec.
func DecodeBatch[T any](codec Codec[T], data []byte, opts Options) (Batch[T], error) {
	const op = "wire.decode"
	if len(data) < HeaderSize {
		return Batch[T]{}, cerrors.NewValidationError(op, "batch too short")
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return Batch[T]{}, cerrors.NewValidationError(op, "bad magic")
	}
	if v := data[4]; v != Version {
		return Batch[T]{}, cerrors.NewValidationError(op, fmt.Sprintf("unsupported version %d", v))
	}
	flags := data[5]
	rows := int(binary.LittleEndian.Uint32(data[8:12]))
	groups := int(binary.LittleEndian.Uint32(data[12:16]))
	pos := HeaderSize
	if len(data) < pos+4*groups {
		return Batch[T]{}, cerrors.NewValidationError(op, "truncated group counts")
	}

	var b Batch[T]
	if groups > 0 {
		b.Counts = make([]int, groups)
		for g := range b.Counts {
			b.Counts[g] = int(binary.LittleEndian.Uint32(data[pos : pos+4]))
			pos += 4
		}
	}

	payload := data[pos:]
	if flags&FlagSnappy != 0 {
		raw, err := DecompressPayload(payload)
		if err != nil {
			return Batch[T]{}, cerrors.WrapValidationError(err, op, "corrupt snappy payload")
		}
		payload = raw
	}

	out, err := decodeRecords(codec, payload, opts.allocator(), rows)
	if err != nil {
		return Batch[T]{}, cerrors.WrapValidationError(err, op, "failed to read arrow stream")
	}
	if len(out) != rows {
		return Batch[T]{}, cerrors.NewValidationError(op,
			fmt.Sprintf("header announces %d rows, stream holds %d", rows, len(out)))
	}
	b.Rows = out
	return b, nil
}

func encodeRecord[T any](codec Codec[T], rows []T, mem memory.Allocator) ([]byte, error) {
	schema := codec.Schema()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for _, v := range rows {
		codec.Append(b, v)
	}
	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecords[T any](codec Codec[T], payload []byte, mem memory.Allocator, hint int) ([]T, error) {
	r, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(mem), ipc.WithSchema(codec.Schema()))
	if err != nil {
		return nil, err
	}
	defer r.Release()

	out := make([]T, 0, hint)
	for r.Next() {
		out, err = codec.Decode(r.Record(), out)
		if err != nil {
			return nil, err
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CompressPayload compresses bytes using Snappy.
// Returns the original slice if compression doesn't save space.
func CompressPayload(data []byte) []byte {
	if len(data) == 0 {
		return data
	}

	compressed := snappy.Encode(nil, data)
	if len(compressed) >= len(data) {
		return data
	}
	return compressed
}

// DecompressPayload decompresses Snappy compressed bytes.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	return snappy.Decode(nil, data)
}
