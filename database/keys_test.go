// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"bytes"
	"testing"
)

func TestJoinKeySplitKey(t *testing.T) {
	cases := []struct {
		name     string
		segments [][]byte
		want     []byte
	}{
		{
			name:     "two segments",
			segments: [][]byte{[]byte("@a:test"), []byte("!r:test")},
			want:     []byte("@a:test\xff!r:test"),
		},
		{
			name:     "single segment",
			segments: [][]byte{[]byte("@a:test")},
			want:     []byte("@a:test"),
		},
		{
			name:     "trailing empty segment makes a prefix",
			segments: [][]byte{[]byte("@a:test"), nil},
			want:     []byte("@a:test\xff"),
		},
		{
			name:     "empty middle segment",
			segments: [][]byte{[]byte("a"), {}, []byte("b")},
			want:     []byte("a\xff\xffb"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key := JoinKey(tc.segments...)
			if !bytes.Equal(key, tc.want) {
				t.Fatalf("JoinKey = %q, want %q", key, tc.want)
			}
			split := SplitKey(key)
			if len(split) != len(tc.segments) {
				t.Fatalf("SplitKey yields %d segments, want %d", len(split), len(tc.segments))
			}
			for i := range split {
				if !bytes.Equal(split[i], tc.segments[i]) {
					t.Errorf("segment[%d] = %q, want %q", i, split[i], tc.segments[i])
				}
			}
		})
	}

	if key := JoinKey(); key != nil {
		t.Errorf("JoinKey() = %v, want nil", key)
	}
}

func TestCounterRoundTrip(t *testing.T) {
	for _, value := range []uint64{0, 1, 255, 1 << 32, ^uint64(0)} {
		encoded := EncodeCounter(value)
		if len(encoded) != 8 {
			t.Fatalf("EncodeCounter(%d) is %d bytes", value, len(encoded))
		}
		if got := CounterValue(encoded); got != value {
			t.Errorf("CounterValue(EncodeCounter(%d)) = %d", value, got)
		}
	}
}

func TestCounterValueRejectsWrongWidth(t *testing.T) {
	for _, value := range [][]byte{nil, {}, {1, 2, 3}, bytes.Repeat([]byte{1}, 9)} {
		if got := CounterValue(value); got != 0 {
			t.Errorf("CounterValue(%d bytes) = %d, want 0", len(value), got)
		}
	}
}

func TestPrefixUpperBound(t *testing.T) {
	cases := []struct {
		prefix []byte
		want   []byte
	}{
		{prefix: []byte{0x61}, want: []byte{0x62}},
		{prefix: []byte{0x61, 0x62}, want: []byte{0x61, 0x63}},
		{prefix: []byte{0x61, 0xFE}, want: []byte{0x61, 0xFF}},
		{prefix: []byte{0x61, 0xFF}, want: []byte{0x62}},
		{prefix: []byte{0xFF, 0xFF}, want: nil},
		{prefix: nil, want: nil},
	}
	for _, tc := range cases {
		got := prefixUpperBound(tc.prefix)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", tc.prefix, got, tc.want)
		}
	}
}

func TestPrefixUpperBoundDoesNotMutate(t *testing.T) {
	prefix := []byte{0x61, 0x62}
	prefixUpperBound(prefix)
	if !bytes.Equal(prefix, []byte{0x61, 0x62}) {
		t.Errorf("prefix mutated to %x", prefix)
	}
}
