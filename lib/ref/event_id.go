// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// EventID is a validated Matrix event ID.
//
// In room versions 1 and 2 event IDs are "$opaque:server"; from
// version 3 they are "$base64" — the unpadded base64 of the event's
// reference hash, with no server suffix. Both forms parse; the
// identifier is otherwise treated as opaque.
//
// EventID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type EventID struct {
	id string
}

// ParseEventID validates and wraps a raw Matrix event ID string.
func ParseEventID(raw string) (EventID, error) {
	if raw == "" {
		return EventID{}, fmt.Errorf("ref: empty event ID")
	}
	if raw[0] != '$' {
		return EventID{}, fmt.Errorf("ref: event ID must start with '$': %q", raw)
	}
	if err := validateOpaque(raw[1:], "event ID"); err != nil {
		return EventID{}, err
	}
	return EventID{id: raw}, nil
}

// MustParseEventID is like ParseEventID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseEventID(raw string) EventID {
	e, err := ParseEventID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseEventID(%q): %v", raw, err))
	}
	return e
}

// String returns the full event ID string.
func (e EventID) String() string { return e.id }

// IsZero reports whether the EventID is the zero value (uninitialized).
func (e EventID) IsZero() bool { return e.id == "" }

// Server returns the server name of a v1/v2-format event ID and
// ok=true, or ok=false for hash-format IDs. Panics on a zero value.
func (e EventID) Server() (ServerName, bool) {
	if e.id == "" {
		panic("EventID.Server called on zero value")
	}
	if !hasColon(e.id[1:]) {
		return ServerName{}, false
	}
	_, server, err := splitSigil(e.id, '$', "event ID")
	if err != nil {
		return ServerName{}, false
	}
	return ServerName{name: server}, true
}

// AsCreateRoomID returns the serverless room ID derived from this
// event ID ("!" + the opaque part). Only meaningful for the create
// event of a room version 12 / hydra room; the caller decides whether
// that applies. Panics on a zero value.
func (e EventID) AsCreateRoomID() RoomID {
	if e.id == "" {
		panic("EventID.AsCreateRoomID called on zero value")
	}
	return RoomID{id: "!" + e.id[1:]}
}

// MarshalText implements encoding.TextMarshaler.
func (e EventID) MarshalText() ([]byte, error) {
	if e.id == "" {
		return []byte{}, nil
	}
	return []byte(e.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// event ID format. An empty input produces the zero value.
func (e *EventID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*e = EventID{}
		return nil
	}
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
