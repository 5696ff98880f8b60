// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"bytes"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	inputs := map[string][]byte{
		"empty":          {},
		"short":          []byte("ok"),
		"compressible":   bytes.Repeat([]byte(`{"membership":"join","displayname":"Alice"}`), 50),
		"incompressible": {0x8f, 0x1a, 0xd2, 0x07, 0x99, 0x4c, 0x5e, 0xe3, 0x31, 0xb8},
	}
	for _, codec := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			for name, input := range inputs {
				stored := encodeValue(codec, input)
				if len(stored) == 0 {
					t.Fatalf("%s: encodeValue produced an empty frame", name)
				}
				decoded, err := decodeValue(stored)
				if err != nil {
					t.Fatalf("%s: decodeValue: %v", name, err)
				}
				if !bytes.Equal(decoded, input) {
					t.Errorf("%s: round-trip mismatch: got %d bytes, want %d", name, len(decoded), len(input))
				}
			}
		})
	}
}

func TestCodecFallsBackWhenNotSmaller(t *testing.T) {
	// Tiny and high-entropy inputs do not shrink, so the frame keeps
	// them verbatim under the none tag regardless of the map codec.
	for _, codec := range []Compression{CompressionLZ4, CompressionZstd} {
		for _, input := range [][]byte{
			[]byte("x"),
			{0x1b, 0xe4, 0x92, 0x77, 0x0a, 0xc5, 0x3d, 0xf1},
		} {
			stored := encodeValue(codec, input)
			if stored[0] != byte(CompressionNone) {
				t.Errorf("%s frame for %d incompressible bytes carries tag 0x%02x, want none",
					codec, len(input), stored[0])
			}
		}
	}
}

func TestCodecCompressesWhenWorthwhile(t *testing.T) {
	input := bytes.Repeat([]byte("the same line over and over "), 100)
	for _, codec := range []Compression{CompressionLZ4, CompressionZstd} {
		stored := encodeValue(codec, input)
		if stored[0] != byte(codec) {
			t.Errorf("%s frame carries tag 0x%02x, want 0x%02x", codec, stored[0], byte(codec))
		}
		if len(stored) >= 1+len(input) {
			t.Errorf("%s frame is %d bytes for %d input bytes, expected smaller", codec, len(stored), len(input))
		}
	}
}

func TestDecodeValueRejectsBadFrames(t *testing.T) {
	cases := map[string][]byte{
		"empty":                {},
		"unknown tag":          {0x7f, 0x00},
		"lz4 truncated header": {byte(CompressionLZ4), 0x00, 0x00},
		"lz4 corrupt block":    {byte(CompressionLZ4), 0x00, 0x00, 0x00, 0x10, 0xff, 0xff, 0xff},
		"zstd junk":            {byte(CompressionZstd), 0x01, 0x02, 0x03},
	}
	for name, stored := range cases {
		if _, err := decodeValue(stored); err == nil {
			t.Errorf("%s: decodeValue accepted a bad frame", name)
		}
	}
}

func TestDecodeValueMayAliasNoneFrames(t *testing.T) {
	stored := encodeValue(CompressionNone, []byte("abc"))
	decoded, err := decodeValue(stored)
	if err != nil {
		t.Fatalf("decodeValue: %v", err)
	}
	if !bytes.Equal(decoded, []byte("abc")) {
		t.Fatalf("decoded = %q", decoded)
	}
}

func TestParseCompression(t *testing.T) {
	cases := map[string]Compression{
		"":     CompressionNone,
		"none": CompressionNone,
		"lz4":  CompressionLZ4,
		"zstd": CompressionZstd,
	}
	for name, want := range cases {
		got, err := ParseCompression(name)
		if err != nil {
			t.Errorf("ParseCompression(%q): %v", name, err)
			continue
		}
		if got != want {
			t.Errorf("ParseCompression(%q) = %v, want %v", name, got, want)
		}
	}

	if _, err := ParseCompression("snappy"); err == nil {
		t.Error("ParseCompression accepted an unknown algorithm")
	}
}

func TestCompressionString(t *testing.T) {
	cases := map[Compression]string{
		CompressionNone: "none",
		CompressionLZ4:  "lz4",
		CompressionZstd: "zstd",
		Compression(9):  "unknown(9)",
	}
	for codec, want := range cases {
		if got := codec.String(); got != want {
			t.Errorf("Compression(%d).String() = %q, want %q", codec, got, want)
		}
	}
}
