// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package globals

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
)

var keypairKey = []byte("keypair")

// SigningKey is the server's long-term ed25519 event and request
// signing key.
type SigningKey struct {
	ID      ref.KeyID
	Private ed25519.PrivateKey
}

// Public returns the verify key half.
func (k SigningKey) Public() ed25519.PublicKey {
	return k.Private.Public().(ed25519.PublicKey)
}

// loadOrGenerateKey returns the persisted signing key, generating and
// storing one on first start. The stored value is the key version,
// the key separator, and the 32-byte ed25519 seed.
func loadOrGenerateKey(ctx context.Context, global *database.Map) (SigningKey, error) {
	raw, err := global.Get(ctx, keypairKey)
	if err != nil {
		return SigningKey{}, fmt.Errorf("globals: reading signing key: %w", err)
	}
	if raw == nil {
		return generateKey(ctx, global)
	}

	version, seed, found := bytes.Cut(raw, []byte{database.Separator})
	if !found || len(seed) != ed25519.SeedSize {
		return SigningKey{}, fmt.Errorf("globals: stored signing key is malformed")
	}
	id, err := ref.NewKeyID("ed25519", string(version))
	if err != nil {
		return SigningKey{}, fmt.Errorf("globals: stored signing key: %w", err)
	}
	return SigningKey{ID: id, Private: ed25519.NewKeyFromSeed(seed)}, nil
}

func generateKey(ctx context.Context, global *database.Map) (SigningKey, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKey{}, fmt.Errorf("globals: generating signing key: %w", err)
	}
	version, err := randomKeyVersion()
	if err != nil {
		return SigningKey{}, err
	}

	value := database.JoinKey([]byte(version), private.Seed())
	if err := global.Put(ctx, keypairKey, value); err != nil {
		return SigningKey{}, fmt.Errorf("globals: storing signing key: %w", err)
	}
	id, err := ref.NewKeyID("ed25519", version)
	if err != nil {
		return SigningKey{}, fmt.Errorf("globals: signing key version: %w", err)
	}
	return SigningKey{ID: id, Private: private}, nil
}

// randomKeyVersion returns an eight character key version from the
// set allowed in Matrix key identifiers.
func randomKeyVersion() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("globals: generating key version: %w", err)
	}
	for i, b := range raw {
		raw[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(raw), nil
}
