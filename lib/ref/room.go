// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// RoomID is a validated Matrix room ID.
//
// Two forms exist. In room versions up to 11 a room ID is
// "!opaque:server" — an opaque local part plus the server that created
// the room. From room version 12 (and the org.matrix.hydra.11
// prototype) the room ID is derived from the create event and has no
// server component: "!base64hash". Serverless room IDs convert to and
// from their create event ID via CreateEventID and
// EventID.AsCreateRoomID.
//
// RoomID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type RoomID struct {
	id string
}

// ParseRoomID validates and wraps a raw Matrix room ID string,
// accepting both the domained and the serverless form.
func ParseRoomID(raw string) (RoomID, error) {
	if raw == "" {
		return RoomID{}, fmt.Errorf("ref: empty room ID")
	}
	if raw[0] != '!' {
		return RoomID{}, fmt.Errorf("ref: room ID must start with '!': %q", raw)
	}
	if hasColon(raw[1:]) {
		if _, _, err := splitSigil(raw, '!', "room ID"); err != nil {
			return RoomID{}, err
		}
		return RoomID{id: raw}, nil
	}
	if err := validateOpaque(raw[1:], "room ID"); err != nil {
		return RoomID{}, err
	}
	return RoomID{id: raw}, nil
}

// MustParseRoomID is like ParseRoomID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseRoomID(raw string) RoomID {
	r, err := ParseRoomID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseRoomID(%q): %v", raw, err))
	}
	return r
}

// String returns the full room ID string.
func (r RoomID) String() string { return r.id }

// IsZero reports whether the RoomID is the zero value (uninitialized).
func (r RoomID) IsZero() bool { return r.id == "" }

// Serverless reports whether the room ID has no server component
// (room version 12 / hydra form).
func (r RoomID) Serverless() bool {
	if r.id == "" {
		panic("RoomID.Serverless called on zero value")
	}
	return !hasColon(r.id[1:])
}

// Server returns the server name of a domained room ID and ok=true,
// or a zero ServerName and ok=false for the serverless form. Panics
// on a zero-value RoomID.
func (r RoomID) Server() (ServerName, bool) {
	if r.id == "" {
		panic("RoomID.Server called on zero value")
	}
	if r.Serverless() {
		return ServerName{}, false
	}
	_, server, err := splitSigil(r.id, '!', "room ID")
	if err != nil {
		// RoomID was validated at construction — this is unreachable.
		panic(fmt.Sprintf("RoomID.Server: internal error parsing %q: %v", r.id, err))
	}
	return ServerName{name: server}, true
}

// CreateEventID returns the create event ID a serverless room ID is
// derived from ("$" + the room ID's opaque part) and ok=true, or a
// zero EventID and ok=false for domained room IDs.
func (r RoomID) CreateEventID() (EventID, bool) {
	if r.id == "" {
		panic("RoomID.CreateEventID called on zero value")
	}
	if !r.Serverless() {
		return EventID{}, false
	}
	return EventID{id: "$" + r.id[1:]}, true
}

// MarshalText implements encoding.TextMarshaler.
func (r RoomID) MarshalText() ([]byte, error) {
	if r.id == "" {
		return []byte{}, nil
	}
	return []byte(r.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// room ID format. An empty input produces the zero value.
func (r *RoomID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*r = RoomID{}
		return nil
	}
	parsed, err := ParseRoomID(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func hasColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
