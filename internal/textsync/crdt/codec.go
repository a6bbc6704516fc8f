package crdt

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/tinylib/msgp/msgp"
)

var ErrMalformedUpdate = errors.New("crdt: malformed update")

const opFields = 6

// MaxSnapshotSize caps the decompressed size of a snapshot.
const MaxSnapshotSize = 16 << 20

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(MaxSnapshotSize),
	)
)

// EncodeUpdate packs ops as a msgpack array of
// [kind, clock, client, refClock, refClient, value] tuples.
func EncodeUpdate(ops []Op) []byte {
	b := msgp.AppendArrayHeader(nil, uint32(len(ops)))
	for _, op := range ops {
		b = msgp.AppendArrayHeader(b, opFields)
		b = msgp.AppendUint8(b, uint8(op.Kind))
		b = msgp.AppendUint64(b, op.ID.Clock)
		b = msgp.AppendString(b, op.ID.Client)
		b = msgp.AppendUint64(b, op.Ref.Clock)
		b = msgp.AppendString(b, op.Ref.Client)
		b = msgp.AppendInt32(b, op.Value)
	}
	return b
}

func DecodeUpdate(b []byte) ([]Op, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	// Each op needs at least a handful of bytes; reject absurd headers
	// before allocating.
	if int(n) > len(b) {
		return nil, fmt.Errorf("%w: %d ops in %d bytes", ErrMalformedUpdate, n, len(b))
	}
	ops := make([]Op, 0, n)
	for i := uint32(0); i < n; i++ {
		var op Op
		if op, b, err = decodeOp(b); err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, i, err)
		}
		ops = append(ops, op)
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, len(b))
	}
	return ops, nil
}

func decodeOp(b []byte) (Op, []byte, error) {
	var op Op
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return op, b, err
	}
	if sz != opFields {
		return op, b, fmt.Errorf("want %d fields, got %d", opFields, sz)
	}
	var kind uint8
	if kind, b, err = msgp.ReadUint8Bytes(b); err != nil {
		return op, b, err
	}
	op.Kind = OpKind(kind)
	if op.Kind != OpInsert && op.Kind != OpDelete {
		return op, b, fmt.Errorf("unknown op kind %d", kind)
	}
	if op.ID.Clock, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return op, b, err
	}
	if op.ID.Client, b, err = msgp.ReadStringBytes(b); err != nil {
		return op, b, err
	}
	if op.Ref.Clock, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return op, b, err
	}
	if op.Ref.Client, b, err = msgp.ReadStringBytes(b); err != nil {
		return op, b, err
	}
	if op.Value, b, err = msgp.ReadInt32Bytes(b); err != nil {
		return op, b, err
	}
	return op, b, nil
}

// EncodeSnapshot is a compressed update holding the whole log.
func EncodeSnapshot(d *Doc) []byte {
	return encoder.EncodeAll(EncodeUpdate(d.Snapshot()), nil)
}

func DecodeSnapshot(b []byte) ([]Op, error) {
	raw, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return DecodeUpdate(raw)
}
