// Package btree implements a thread-safe on-disk B+ tree over fixed-width
// keys mapping to record identifiers, with latch-crabbing concurrency and
// forward range iteration.
package btree

import (
	"cmp"
	"encoding/binary"
)

// Order is a total-order comparator over keys: negative when a < b, zero
// when equal, positive when a > b.
type Order[K any] func(a, b K) int

// KeyCodec is a fixed-width binary codec for keys. Width must not depend
// on the value being encoded.
type KeyCodec[K any] interface {
	// Width is the encoded size in bytes.
	Width() int
	// Encode writes the key into buf, which is exactly Width bytes.
	Encode(key K, buf []byte)
	// Decode reads a key back from buf.
	Decode(buf []byte) K
}

// DefaultOrder compares any ordered primitive key type.
func DefaultOrder[K cmp.Ordered](a, b K) int {
	return cmp.Compare(a, b)
}

// Int64Codec encodes int64 keys as 8 little-endian bytes. Comparisons
// always go through the Order, never through the encoded bytes, so the
// byte order need not match the numeric order.
type Int64Codec struct{}

// Width returns the encoded size of an int64 key.
func (Int64Codec) Width() int { return 8 }

// Encode writes the key into buf.
func (Int64Codec) Encode(key int64, buf []byte) {
	binary.LittleEndian.PutUint64(buf, uint64(key))
}

// Decode reads a key back from buf.
func (Int64Codec) Decode(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf))
}
