// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strconv"
	"strings"
)

// maxIDLength is the maximum length in bytes of a complete Matrix
// identifier, per the common identifier grammar.
const maxIDLength = 255

// localpartChars is the set of characters permitted in newly created
// user localparts (the strict grammar: a-z, 0-9, and . _ = - / +).
var localpartChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		localpartChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		localpartChars[c] = true
	}
	localpartChars['.'] = true
	localpartChars['_'] = true
	localpartChars['='] = true
	localpartChars['-'] = true
	localpartChars['/'] = true
	localpartChars['+'] = true
}

// ValidateUserLocalpart enforces the strict localpart grammar used when
// this server creates an account. Remote and historical user IDs are
// not held to this grammar; ParseUserID accepts them.
func ValidateUserLocalpart(localpart string) error {
	if localpart == "" {
		return fmt.Errorf("ref: localpart is empty")
	}
	// Sigil and server suffix also count against the identifier limit.
	if len(localpart) > maxIDLength-2 {
		return fmt.Errorf("ref: localpart is %d bytes, exceeds identifier limit", len(localpart))
	}
	for i := 0; i < len(localpart); i++ {
		if !localpartChars[localpart[i]] {
			return fmt.Errorf("ref: localpart %q: invalid character %q at position %d", localpart, localpart[i], i)
		}
	}
	return nil
}

// splitSigil validates the leading sigil and splits the rest of a
// user/alias style identifier into localpart and server name. The
// localpart is checked only for emptiness and control characters; the
// server name is fully validated.
func splitSigil(raw string, sigil byte, kind string) (localpart, server string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("ref: empty %s", kind)
	}
	if len(raw) > maxIDLength {
		return "", "", fmt.Errorf("ref: %s is %d bytes, exceeds %d byte limit", kind, len(raw), maxIDLength)
	}
	if raw[0] != sigil {
		return "", "", fmt.Errorf("ref: %s must start with %q: %q", kind, string(sigil), raw)
	}

	colon := strings.IndexByte(raw[1:], ':')
	if colon < 0 {
		return "", "", fmt.Errorf("ref: %s missing ':server' suffix: %q", kind, raw)
	}
	localpart = raw[1 : 1+colon]
	server = raw[1+colon+1:]

	if localpart == "" {
		return "", "", fmt.Errorf("ref: %s has empty localpart: %q", kind, raw)
	}
	for i := 0; i < len(localpart); i++ {
		if localpart[i] < 0x21 || localpart[i] == 0x7F {
			return "", "", fmt.Errorf("ref: %s localpart contains control character at position %d", kind, i+1)
		}
	}
	if err := validateServerName(server); err != nil {
		return "", "", fmt.Errorf("ref: %s %q: %w", kind, raw, err)
	}
	return localpart, server, nil
}

// validateServerName checks the Matrix server name grammar: a DNS name,
// IPv4 literal, or bracketed IPv6 literal, optionally followed by a
// port.
func validateServerName(server string) error {
	if server == "" {
		return fmt.Errorf("empty server name")
	}
	if len(server) > maxIDLength {
		return fmt.Errorf("server name exceeds %d bytes", maxIDLength)
	}

	host := server
	if server[0] == '[' {
		// IPv6 literal: everything up to the closing bracket, with an
		// optional :port after it.
		end := strings.IndexByte(server, ']')
		if end < 0 {
			return fmt.Errorf("unterminated IPv6 literal in server name %q", server)
		}
		for i := 1; i < end; i++ {
			c := server[i]
			if !isHexDigit(c) && c != ':' && c != '.' {
				return fmt.Errorf("invalid character %q in IPv6 literal %q", c, server)
			}
		}
		if end == 1 {
			return fmt.Errorf("empty IPv6 literal in server name %q", server)
		}
		rest := server[end+1:]
		if rest == "" {
			return nil
		}
		if rest[0] != ':' {
			return fmt.Errorf("unexpected %q after IPv6 literal in server name %q", rest[0], server)
		}
		return validatePort(rest[1:], server)
	}

	if colon := strings.LastIndexByte(server, ':'); colon >= 0 {
		host = server[:colon]
		if err := validatePort(server[colon+1:], server); err != nil {
			return err
		}
	}
	if host == "" {
		return fmt.Errorf("empty hostname in server name %q", server)
	}
	for i := 0; i < len(host); i++ {
		c := host[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.':
		default:
			return fmt.Errorf("invalid character %q in server name %q", c, server)
		}
	}
	return nil
}

func validatePort(port, server string) error {
	if port == "" {
		return fmt.Errorf("empty port in server name %q", server)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q in server name %q", port, server)
	}
	return nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// validateOpaque checks an opaque identifier body (event ID hash, room
// ID local part, device ID): non-empty, within the size limit, no
// whitespace or control characters.
func validateOpaque(raw, kind string) error {
	if raw == "" {
		return fmt.Errorf("ref: empty %s", kind)
	}
	if len(raw) > maxIDLength {
		return fmt.Errorf("ref: %s is %d bytes, exceeds %d byte limit", kind, len(raw), maxIDLength)
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] <= ' ' || raw[i] == 0x7F {
			return fmt.Errorf("ref: %s contains whitespace or control character at position %d", kind, i)
		}
	}
	return nil
}
