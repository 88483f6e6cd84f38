package shard

import (
	"encoding/binary"
	"math"
)

// Codec converts values of T to and from fixed-size byte records
type Codec[T any] interface {
	// Size returns the record size in bytes; it must not change
	Size() int
	// Encode writes v into dst, which is exactly Size() bytes long
	Encode(dst []byte, v T)
	// Decode reads a value from src, which is exactly Size() bytes long
	Decode(src []byte) T
}

// Float64Codec stores a float64 as 8 little-endian bytes
type Float64Codec struct{}

func (Float64Codec) Size() int { return 8 }

func (Float64Codec) Encode(dst []byte, v float64) {
	binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
}

func (Float64Codec) Decode(src []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(src))
}

// Int64Codec stores an int64 as 8 little-endian bytes
type Int64Codec struct{}

func (Int64Codec) Size() int { return 8 }

func (Int64Codec) Encode(dst []byte, v int64) {
	binary.LittleEndian.PutUint64(dst, uint64(v))
}

func (Int64Codec) Decode(src []byte) int64 {
	return int64(binary.LittleEndian.Uint64(src))
}

// VectorCodec stores N float64 components per element, e.g. the state
// vector of a cell. Encode ignores components beyond N and zero-fills
// missing ones.
type VectorCodec struct {
	N int
}

func (c VectorCodec) Size() int { return 8 * c.N }

func (c VectorCodec) Encode(dst []byte, v []float64) {
	for i := 0; i < c.N; i++ {
		var x float64
		if i < len(v) {
			x = v[i]
		}
		binary.LittleEndian.PutUint64(dst[8*i:], math.Float64bits(x))
	}
}

func (c VectorCodec) Decode(src []byte) []float64 {
	out := make([]float64, c.N)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[8*i:]))
	}
	return out
}
