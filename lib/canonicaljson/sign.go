// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package canonicaljson

import (
	"crypto/ed25519"
	"fmt"
)

// SigningBytes returns the bytes an ed25519 signature of obj covers:
// the object minus its signatures and unsigned keys, canonically
// serialized.
func SigningBytes(obj Object) ([]byte, error) {
	stripped := make(Object, len(obj))
	for k, v := range obj {
		switch k {
		case "signatures", "unsigned":
		default:
			stripped[k] = v
		}
	}
	b, err := Encode(stripped)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: signing bytes: %w", err)
	}
	return b, nil
}

// Sign signs obj with the given key and merges the signature into
// obj["signatures"][entity][keyID]. Existing signatures from other
// entities and keys are preserved.
func Sign(obj Object, entity, keyID string, key ed25519.PrivateKey) error {
	b, err := SigningBytes(obj)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(key, b)

	signatures, _ := obj["signatures"].(Object)
	if signatures == nil {
		signatures = make(Object, 1)
		obj["signatures"] = signatures
	}
	byKey, _ := signatures[entity].(Object)
	if byKey == nil {
		byKey = make(Object, 1)
		signatures[entity] = byKey
	}
	byKey[keyID] = Base64.EncodeToString(sig)
	return nil
}

// Signature returns the base64 signature stored under
// obj["signatures"][entity][keyID], or "" when absent.
func Signature(obj Object, entity, keyID string) string {
	return String(Child(Child(obj, "signatures"), entity), keyID)
}

// Verify checks the signature stored under
// obj["signatures"][entity][keyID] against the given public key.
func Verify(obj Object, entity, keyID string, key ed25519.PublicKey) error {
	encoded := Signature(obj, entity, keyID)
	if encoded == "" {
		return fmt.Errorf("canonicaljson: no signature from %s with key %s", entity, keyID)
	}
	sig, err := Base64.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("canonicaljson: signature from %s is not valid base64: %w", entity, err)
	}
	b, err := SigningBytes(obj)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, b, sig) {
		return fmt.Errorf("canonicaljson: signature from %s with key %s does not match", entity, keyID)
	}
	return nil
}
