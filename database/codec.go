// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the codec applied to a stored value. The
// value doubles as the one-byte frame tag written ahead of every
// payload — these are storage format constants, changing them breaks
// existing databases.
type Compression uint8

const (
	// CompressionNone stores values uncompressed. The right choice
	// for index maps whose values are empty or a handful of bytes.
	CompressionNone Compression = 0

	// CompressionLZ4 applies LZ4 block compression with the original
	// length stored as 4 big-endian bytes after the tag. Fast with
	// modest ratios; suited to write-heavy maps.
	CompressionLZ4 Compression = 1

	// CompressionZstd applies zstd at the default level. Best ratios
	// for the JSON-heavy maps (PDUs, state, account data).
	CompressionZstd Compression = 2
)

// String returns the configuration name of the codec.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a codec from its configuration name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression codec %q", name)
	}
}

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("database: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("database: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeValue frames value for storage under the given codec. When the
// compressed form is not smaller than the input (or the input exceeds
// the lz4 length header range), the value is stored under the none tag
// instead, so the codec setting is a ceiling, not a promise.
func encodeValue(codec Compression, value []byte) []byte {
	switch codec {
	case CompressionLZ4:
		if len(value) > math.MaxUint32 {
			break
		}
		bound := lz4.CompressBlockBound(len(value))
		framed := make([]byte, 5+bound)
		framed[0] = byte(CompressionLZ4)
		binary.BigEndian.PutUint32(framed[1:5], uint32(len(value)))
		written, err := lz4.CompressBlock(value, framed[5:], nil)
		// CompressBlock returns 0 when the data is incompressible.
		if err == nil && written > 0 && 5+written < 1+len(value) {
			return framed[:5+written]
		}

	case CompressionZstd:
		framed := make([]byte, 1, 1+len(value))
		framed[0] = byte(CompressionZstd)
		framed = zstdEncoder.EncodeAll(value, framed)
		if len(framed) < 1+len(value) {
			return framed
		}
	}

	framed := make([]byte, 1+len(value))
	framed[0] = byte(CompressionNone)
	copy(framed[1:], value)
	return framed
}

// decodeValue strips the frame tag and decompresses the payload. The
// returned slice may alias stored for the none tag.
func decodeValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("value missing frame tag")
	}
	switch Compression(stored[0]) {
	case CompressionNone:
		return stored[1:], nil

	case CompressionLZ4:
		if len(stored) < 5 {
			return nil, fmt.Errorf("lz4 frame shorter than length header")
		}
		size := binary.BigEndian.Uint32(stored[1:5])
		decoded := make([]byte, size)
		read, err := lz4.UncompressBlock(stored[5:], decoded)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		if read != int(size) {
			return nil, fmt.Errorf("lz4: got %d bytes, expected %d", read, size)
		}
		return decoded, nil

	case CompressionZstd:
		decoded, err := zstdDecoder.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return decoded, nil

	default:
		return nil, fmt.Errorf("unknown value frame tag 0x%02x", stored[0])
	}
}
