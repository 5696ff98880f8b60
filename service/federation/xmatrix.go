// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"fmt"
	"strings"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
)

// XMatrix is a parsed X-Matrix Authorization header.
type XMatrix struct {
	// Origin is the server that signed the request.
	Origin ref.ServerName

	// Destination is the server the request is addressed to. Zero
	// when the sender omitted it (permitted before spec v1.3).
	Destination ref.ServerName

	// Key identifies the origin's signing key, e.g. "ed25519:abc123".
	Key ref.KeyID

	// Sig is the unpadded base64 signature.
	Sig string
}

// HeaderValue formats the header value, scheme included.
func (x XMatrix) HeaderValue() string {
	return fmt.Sprintf(`X-Matrix origin=%q,destination=%q,key=%q,sig=%q`,
		x.Origin, x.Destination, x.Key, x.Sig)
}

// ParseXMatrix parses an Authorization header value of the X-Matrix
// scheme. Parameter values may be quoted or bare; the grammar's
// values (server names, key identifiers, base64) never contain commas
// so parameters split on them directly.
func ParseXMatrix(header string) (*XMatrix, error) {
	scheme, params, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "X-Matrix") {
		return nil, fmt.Errorf("federation: authorization scheme %q is not X-Matrix", scheme)
	}

	var x XMatrix
	for _, param := range strings.Split(params, ",") {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}
		name, value, ok := strings.Cut(param, "=")
		if !ok {
			return nil, fmt.Errorf("federation: malformed X-Matrix parameter %q", param)
		}
		value = strings.Trim(value, `"`)

		var err error
		switch strings.ToLower(name) {
		case "origin":
			x.Origin, err = ref.ParseServerName(value)
			if err != nil {
				return nil, fmt.Errorf("federation: invalid X-Matrix origin: %w", err)
			}
		case "destination":
			x.Destination, err = ref.ParseServerName(value)
			if err != nil {
				return nil, fmt.Errorf("federation: invalid X-Matrix destination: %w", err)
			}
		case "key":
			x.Key, err = ref.ParseKeyID(value)
			if err != nil {
				return nil, fmt.Errorf("federation: invalid X-Matrix key: %w", err)
			}
		case "sig":
			x.Sig = value
		default:
			// Unknown parameters are ignored for forward compatibility.
		}
	}

	if x.Origin.IsZero() {
		return nil, fmt.Errorf("federation: X-Matrix header is missing origin")
	}
	if x.Key.IsZero() {
		return nil, fmt.Errorf("federation: X-Matrix header is missing key")
	}
	if x.Sig == "" {
		return nil, fmt.Errorf("federation: X-Matrix header is missing sig")
	}
	return &x, nil
}

// RequestObject rebuilds the canonical JSON object whose signature the
// X-Matrix header carries, as the verifying server constructs it: the
// method and uri of the received request, the claimed origin and our
// own name, and the request content when a body is present.
func (x *XMatrix) RequestObject(method, uri string, destination ref.ServerName, content any) canonicaljson.Object {
	object := canonicaljson.Object{
		"method":      method,
		"uri":         uri,
		"origin":      x.Origin.String(),
		"destination": destination.String(),
		"signatures": canonicaljson.Object{
			x.Origin.String(): canonicaljson.Object{
				x.Key.String(): x.Sig,
			},
		},
	}
	if content != nil {
		object["content"] = content
	}
	return object
}
