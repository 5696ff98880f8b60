// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"bytes"
	"encoding/binary"
)

// Separator delimits the segments of composite keys. Matrix
// identifiers (user IDs, room IDs, event IDs, server names) are
// guaranteed never to contain 0xFF, which is what makes the separator
// unambiguous. Fixed-width binary segments such as big-endian counts
// may contain 0xFF and are therefore appended raw, without a
// separator, and sliced positionally by the reader.
const Separator byte = 0xFF

// JoinKey concatenates key segments with the 0xFF separator. Segments
// must not contain the separator themselves; use raw append for
// fixed-width binary segments.
func JoinKey(segments ...[]byte) []byte {
	size := 0
	for _, segment := range segments {
		size += len(segment) + 1
	}
	if size == 0 {
		return nil
	}
	key := make([]byte, 0, size-1)
	for i, segment := range segments {
		if i > 0 {
			key = append(key, Separator)
		}
		key = append(key, segment...)
	}
	return key
}

// CounterValue decodes an 8-byte big-endian counter value. Anything
// but exactly eight bytes (including a missing value) decodes to zero,
// which is what lets Increment treat absent and damaged counters
// uniformly.
func CounterValue(value []byte) uint64 {
	if len(value) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(value)
}

// EncodeCounter encodes a counter value as 8 big-endian bytes.
func EncodeCounter(value uint64) []byte {
	encoded := make([]byte, 8)
	binary.BigEndian.PutUint64(encoded, value)
	return encoded
}

// SplitKey splits a composite key at each 0xFF separator. A key with
// no separator yields a single segment. Only valid for keys whose
// segments are all identifier-like; keys with raw binary segments must
// be sliced positionally instead.
func SplitKey(key []byte) [][]byte {
	return bytes.Split(key, []byte{Separator})
}

// prefixUpperBound returns the smallest key greater than every key
// that starts with prefix, for use as an exclusive scan bound. Returns
// nil when no such key exists (the prefix is empty or all 0xFF).
func prefixUpperBound(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xFF {
			upper := make([]byte, i+1)
			copy(upper, prefix[:i+1])
			upper[i]++
			return upper
		}
	}
	return nil
}
