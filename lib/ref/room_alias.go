// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// RoomAlias is a validated Matrix room alias (e.g., "#admins:server").
//
// RoomAlias is an immutable value type. The zero value is not valid;
// use IsZero to check.
type RoomAlias struct {
	alias string
}

// ParseRoomAlias validates and wraps a raw Matrix room alias string.
func ParseRoomAlias(raw string) (RoomAlias, error) {
	if _, _, err := splitSigil(raw, '#', "room alias"); err != nil {
		return RoomAlias{}, err
	}
	return RoomAlias{alias: raw}, nil
}

// MustParseRoomAlias is like ParseRoomAlias but panics on error. Use
// in tests and static initialization where the input is known-valid.
func MustParseRoomAlias(raw string) RoomAlias {
	a, err := ParseRoomAlias(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseRoomAlias(%q): %v", raw, err))
	}
	return a
}

// NewRoomAlias builds a room alias from a localpart and server name.
func NewRoomAlias(localpart string, server ServerName) (RoomAlias, error) {
	if server.IsZero() {
		return RoomAlias{}, fmt.Errorf("ref: NewRoomAlias: zero server name")
	}
	return ParseRoomAlias("#" + localpart + ":" + server.String())
}

// String returns the full room alias string.
func (a RoomAlias) String() string { return a.alias }

// IsZero reports whether the RoomAlias is the zero value.
func (a RoomAlias) IsZero() bool { return a.alias == "" }

// Localpart returns the alias localpart (between '#' and ':server').
// Panics on a zero value.
func (a RoomAlias) Localpart() string {
	if a.alias == "" {
		panic("RoomAlias.Localpart called on zero value")
	}
	localpart, _, err := splitSigil(a.alias, '#', "room alias")
	if err != nil {
		// RoomAlias was validated at construction — this is unreachable.
		panic(fmt.Sprintf("RoomAlias.Localpart: internal error parsing %q: %v", a.alias, err))
	}
	return localpart
}

// Server returns the server name portion of the alias. Panics on a
// zero value.
func (a RoomAlias) Server() ServerName {
	if a.alias == "" {
		panic("RoomAlias.Server called on zero value")
	}
	_, server, err := splitSigil(a.alias, '#', "room alias")
	if err != nil {
		// RoomAlias was validated at construction — this is unreachable.
		panic(fmt.Sprintf("RoomAlias.Server: internal error parsing %q: %v", a.alias, err))
	}
	return ServerName{name: server}
}

// MarshalText implements encoding.TextMarshaler.
func (a RoomAlias) MarshalText() ([]byte, error) {
	if a.alias == "" {
		return []byte{}, nil
	}
	return []byte(a.alias), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// alias format. An empty input produces the zero value.
func (a *RoomAlias) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*a = RoomAlias{}
		return nil
	}
	parsed, err := ParseRoomAlias(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
