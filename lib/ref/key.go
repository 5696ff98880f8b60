// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// KeyID identifies a server signing key: "algorithm:version", e.g.
// "ed25519:a_1bC2". The version is restricted to [A-Za-z0-9_] per the
// signing key grammar.
//
// KeyID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type KeyID struct {
	id string
}

// ParseKeyID validates and wraps a raw signing key ID string.
func ParseKeyID(raw string) (KeyID, error) {
	colon := strings.IndexByte(raw, ':')
	if colon <= 0 || colon == len(raw)-1 {
		return KeyID{}, fmt.Errorf("ref: key ID must be \"algorithm:version\": %q", raw)
	}
	version := raw[colon+1:]
	for i := 0; i < len(version); i++ {
		c := version[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return KeyID{}, fmt.Errorf("ref: key ID version %q: invalid character %q", version, c)
		}
	}
	return KeyID{id: raw}, nil
}

// MustParseKeyID is like ParseKeyID but panics on error. Use in tests
// and static initialization where the input is known-valid.
func MustParseKeyID(raw string) KeyID {
	k, err := ParseKeyID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseKeyID(%q): %v", raw, err))
	}
	return k
}

// NewKeyID builds a key ID from an algorithm and version.
func NewKeyID(algorithm, version string) (KeyID, error) {
	return ParseKeyID(algorithm + ":" + version)
}

// String returns the full key ID string.
func (k KeyID) String() string { return k.id }

// IsZero reports whether the KeyID is the zero value.
func (k KeyID) IsZero() bool { return k.id == "" }

// Algorithm returns the algorithm portion (before the ':'). Panics on
// a zero value.
func (k KeyID) Algorithm() string {
	if k.id == "" {
		panic("KeyID.Algorithm called on zero value")
	}
	return k.id[:strings.IndexByte(k.id, ':')]
}

// Version returns the version portion (after the ':'). Panics on a
// zero value.
func (k KeyID) Version() string {
	if k.id == "" {
		panic("KeyID.Version called on zero value")
	}
	return k.id[strings.IndexByte(k.id, ':')+1:]
}

// MarshalText implements encoding.TextMarshaler.
func (k KeyID) MarshalText() ([]byte, error) {
	if k.id == "" {
		return []byte{}, nil
	}
	return []byte(k.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (k *KeyID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = KeyID{}
		return nil
	}
	parsed, err := ParseKeyID(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
