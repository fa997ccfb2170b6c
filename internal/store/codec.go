package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/LavishGent/tilepipe/internal/types"
)

const headerSize = 8

// BinaryCodec frames a blob as an 8 byte big endian expiry (unix
// milliseconds, zero for never) followed by the encoded image.
type BinaryCodec struct{}

// NewBinaryCodec creates a new binary codec.
func NewBinaryCodec() *BinaryCodec {
	return &BinaryCodec{}
}

// Marshal encodes the blob.
func (c *BinaryCodec) Marshal(b types.Blob) ([]byte, error) {
	out := make([]byte, headerSize+len(b.Data))
	binary.BigEndian.PutUint64(out, uint64(expiryMillis(b.Expires)))
	copy(out[headerSize:], b.Data)
	return out, nil
}

// Unmarshal decodes a blob. The returned data does not alias the input.
func (c *BinaryCodec) Unmarshal(data []byte) (types.Blob, error) {
	if len(data) < headerSize {
		return types.Blob{}, fmt.Errorf("store: short blob of %d bytes", len(data))
	}
	ms := int64(binary.BigEndian.Uint64(data))
	payload := make([]byte, len(data)-headerSize)
	copy(payload, data[headerSize:])
	return types.Blob{Data: payload, Expires: fromMillis(ms)}, nil
}

func expiryMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var _ types.Codec = (*BinaryCodec)(nil)
