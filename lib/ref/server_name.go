// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// ServerName is a validated Matrix server name: a DNS name, IPv4
// literal, or bracketed IPv6 literal, optionally with a port (e.g.,
// "example.com", "matrix.local:8448", "[::1]:8448").
//
// ServerName is an immutable value type. The zero value is not valid;
// use IsZero to check.
type ServerName struct {
	name string
}

// ParseServerName validates and wraps a raw server name string.
func ParseServerName(raw string) (ServerName, error) {
	if err := validateServerName(raw); err != nil {
		return ServerName{}, fmt.Errorf("ref: server name: %w", err)
	}
	return ServerName{name: raw}, nil
}

// MustParseServerName is like ParseServerName but panics on error.
// Use in tests and static initialization where the input is
// known-valid.
func MustParseServerName(raw string) ServerName {
	s, err := ParseServerName(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseServerName(%q): %v", raw, err))
	}
	return s
}

// String returns the full server name string.
func (s ServerName) String() string { return s.name }

// IsZero reports whether the ServerName is the zero value.
func (s ServerName) IsZero() bool { return s.name == "" }

// Host returns the host portion of the server name without any port.
// IPv6 literals keep their brackets. Panics on a zero value.
func (s ServerName) Host() string {
	host, _ := s.hostPort()
	return host
}

// Port returns the explicit port of the server name, or 0 when none is
// present. Panics on a zero value.
func (s ServerName) Port() int {
	_, port := s.hostPort()
	return port
}

func (s ServerName) hostPort() (string, int) {
	if s.name == "" {
		panic("ServerName.hostPort called on zero value")
	}
	if s.name[0] == '[' {
		end := strings.IndexByte(s.name, ']')
		rest := s.name[end+1:]
		if rest == "" {
			return s.name, 0
		}
		return s.name[:end+1], parsePort(rest[1:])
	}
	colon := strings.LastIndexByte(s.name, ':')
	if colon < 0 {
		return s.name, 0
	}
	return s.name[:colon], parsePort(s.name[colon+1:])
}

func parsePort(s string) int {
	port := 0
	for i := 0; i < len(s); i++ {
		port = port*10 + int(s[i]-'0')
	}
	return port
}

// MarshalText implements encoding.TextMarshaler.
func (s ServerName) MarshalText() ([]byte, error) {
	if s.name == "" {
		return []byte{}, nil
	}
	return []byte(s.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// server name format. An empty input produces the zero value.
func (s *ServerName) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = ServerName{}
		return nil
	}
	parsed, err := ParseServerName(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
