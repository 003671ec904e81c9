package memcachedb

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec round-trips an in-memory value to the byte payload stored in
// memcachedb. The client treats payloads as opaque except in raw mode,
// which bypasses the codec entirely.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, target any) error
}

// MsgpackCodec is the default codec. Msgpack is self-describing, so values
// stored through it can be decoded back without out-of-band type info.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackCodec) Unmarshal(b []byte, target any) error {
	return msgpack.Unmarshal(b, target)
}

const (
	noCompression = 0x0
	s2Compression = 0x1
)

// CompressingCodec wraps another codec and s2-compresses payloads at or
// above Threshold bytes. A trailing marker byte records whether the payload
// is compressed, so payloads stay self-framed and the protocol flags field
// stays zero.
type CompressingCodec struct {
	Inner Codec
	// Threshold is the minimum serialized size that triggers compression.
	// Zero means DefaultCompressionThreshold.
	Threshold int
}

// DefaultCompressionThreshold is the compression cutoff used when
// CompressingCodec.Threshold is zero.
const DefaultCompressionThreshold = 1024

func (c CompressingCodec) inner() Codec {
	if c.Inner != nil {
		return c.Inner
	}
	return MsgpackCodec{}
}

func (c CompressingCodec) threshold() int {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultCompressionThreshold
}

func (c CompressingCodec) Marshal(v any) ([]byte, error) {
	b, err := c.inner().Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) < c.threshold() {
		return append(b, noCompression), nil
	}
	out := s2.Encode(nil, b)
	return append(out, s2Compression), nil
}

func (c CompressingCodec) Unmarshal(b []byte, target any) error {
	if len(b) == 0 {
		return c.inner().Unmarshal(b, target)
	}
	payload, marker := b[:len(b)-1], b[len(b)-1]
	switch marker {
	case noCompression:
	case s2Compression:
		var err error
		payload, err = s2.Decode(nil, payload)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("memcachedb: unknown compression marker %#x", marker)
	}
	return c.inner().Unmarshal(payload, target)
}
