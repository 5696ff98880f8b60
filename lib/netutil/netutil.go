// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds HTTP response body reads from remote servers.
//
// Federation talks to untrusted peers, so every JSON response body is
// read through a size limit to keep a hostile or broken remote from
// exhausting memory. Binary downloads (media) are streamed with their
// own limits and do not go through this package.
package netutil

import "io"

// MaxResponseSize bounds JSON response body reads from remote servers:
// 64 MB. Room state responses for very large rooms are the sizing
// driver; normal responses are orders of magnitude smaller.
const MaxResponseSize int64 = 64 << 20

// ReadResponse reads a JSON response body up to MaxResponseSize bytes.
// Use instead of io.ReadAll on remote response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// ErrorBody reads an error response body for inclusion in a diagnostic
// message. Read errors are ignored; a partial or empty body is still
// useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
