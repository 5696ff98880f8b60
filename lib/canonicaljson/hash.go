// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package canonicaljson

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Base64 is the unpadded standard encoding Matrix uses for hashes,
// signatures, and keys.
var Base64 = base64.StdEncoding.WithPadding(base64.NoPadding)

// Base64URL is the unpadded URL-safe encoding used for event IDs in
// room version 4 and later.
var Base64URL = base64.RawURLEncoding

// ContentHash computes the SHA-256 content hash of an event: the
// event minus its unsigned, signatures, and hashes keys, canonically
// serialized.
func ContentHash(event Object) ([32]byte, error) {
	stripped := make(Object, len(event))
	for k, v := range event {
		switch k {
		case "unsigned", "signatures", "hashes":
		default:
			stripped[k] = v
		}
	}
	b, err := Encode(stripped)
	if err != nil {
		return [32]byte{}, fmt.Errorf("canonicaljson: content hash: %w", err)
	}
	return sha256.Sum256(b), nil
}

// CheckContentHash verifies the hashes.sha256 key of an event against
// the computed content hash.
func CheckContentHash(event Object) error {
	claimed := String(Child(event, "hashes"), "sha256")
	if claimed == "" {
		return fmt.Errorf("canonicaljson: event has no sha256 content hash")
	}
	decoded, err := Base64.DecodeString(claimed)
	if err != nil {
		return fmt.Errorf("canonicaljson: content hash is not valid base64: %w", err)
	}
	computed, err := ContentHash(event)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(decoded, computed[:]) != 1 {
		return fmt.Errorf("canonicaljson: content hash mismatch")
	}
	return nil
}

// ReferenceBytes returns the canonical serialization the reference
// hash and event signatures are computed over: the event redacted
// under rules, minus signatures and unsigned.
func ReferenceBytes(event Object, rules RedactionRules) ([]byte, error) {
	redacted := Redact(event, rules)
	delete(redacted, "signatures")
	delete(redacted, "unsigned")
	delete(redacted, "age_ts")
	b, err := Encode(redacted)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: reference bytes: %w", err)
	}
	return b, nil
}

// ReferenceHash computes the SHA-256 reference hash of an event.
func ReferenceHash(event Object, rules RedactionRules) ([32]byte, error) {
	b, err := ReferenceBytes(event, rules)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// EventIDFromHash formats a reference hash as an event ID. Room
// version 3 used unpadded standard base64; version 4 and later use
// the URL-safe alphabet.
func EventIDFromHash(hash [32]byte, urlSafe bool) string {
	if urlSafe {
		return "$" + Base64URL.EncodeToString(hash[:])
	}
	return "$" + Base64.EncodeToString(hash[:])
}
