// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// DeviceID is an opaque Matrix device identifier. Clients may supply
// their own on login; the server generates one otherwise. No structure
// beyond non-emptiness, the size limit, and printability is enforced.
//
// DeviceID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type DeviceID struct {
	id string
}

// ParseDeviceID validates and wraps a raw device ID string.
func ParseDeviceID(raw string) (DeviceID, error) {
	if err := validateOpaque(raw, "device ID"); err != nil {
		return DeviceID{}, err
	}
	return DeviceID{id: raw}, nil
}

// MustParseDeviceID is like ParseDeviceID but panics on error. Use in
// tests where the input is known-valid.
func MustParseDeviceID(raw string) DeviceID {
	d, err := ParseDeviceID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseDeviceID(%q): %v", raw, err))
	}
	return d
}

// String returns the device ID string.
func (d DeviceID) String() string { return d.id }

// IsZero reports whether the DeviceID is the zero value.
func (d DeviceID) IsZero() bool { return d.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (d DeviceID) MarshalText() ([]byte, error) {
	if d.id == "" {
		return []byte{}, nil
	}
	return []byte(d.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (d *DeviceID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = DeviceID{}
		return nil
	}
	parsed, err := ParseDeviceID(string(data))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
