// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package serverkeys

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
)

// KeyDocument is a remote server's key/v2/server document as cached
// in the database.
type KeyDocument struct {
	ServerName    string                  `json:"server_name"`
	ValidUntilTS  int64                   `json:"valid_until_ts"`
	VerifyKeys    map[string]VerifyKey    `json:"verify_keys"`
	OldVerifyKeys map[string]OldVerifyKey `json:"old_verify_keys,omitempty"`
}

// VerifyKey is one current signing key.
type VerifyKey struct {
	Key string `json:"key"`
}

// OldVerifyKey is a retired signing key, kept for verifying old
// events.
type OldVerifyKey struct {
	Key       string `json:"key"`
	ExpiredTS int64  `json:"expired_ts,omitempty"`
}

// key resolves a key ID to its public key, consulting current and
// retired keys.
func (d *KeyDocument) key(keyID ref.KeyID) (ed25519.PublicKey, bool) {
	encoded := ""
	if k, ok := d.VerifyKeys[keyID.String()]; ok {
		encoded = k.Key
	} else if k, ok := d.OldVerifyKeys[keyID.String()]; ok {
		encoded = k.Key
	}
	if encoded == "" {
		return nil, false
	}
	raw, err := canonicaljson.Base64.DecodeString(encoded)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(raw), true
}

// VerifyKey returns the public key a server signs with under the
// given key ID, fetching the server's key document when it is not
// cached.
func (s *Service) VerifyKey(ctx context.Context, server ref.ServerName, keyID ref.KeyID) (ed25519.PublicKey, error) {
	return s.verifyKeyAt(ctx, server, keyID, 0, false)
}

// verifyKeyAt is VerifyKey with key validity enforcement: when
// enforce is set, a cached current key whose document expired before
// atTS triggers a refetch. Refetch failure falls back to the stale
// key so verification keeps working while the origin is unreachable.
func (s *Service) verifyKeyAt(ctx context.Context, server ref.ServerName, keyID ref.KeyID, atTS int64, enforce bool) (ed25519.PublicKey, error) {
	own := s.globals.SigningKey()
	if server == s.globals.ServerName() && keyID == own.ID {
		return own.Public(), nil
	}

	cached, err := s.cachedDocument(ctx, server)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		if _, retired := cached.OldVerifyKeys[keyID.String()]; retired || !enforce || cached.ValidUntilTS >= atTS {
			if pub, ok := cached.key(keyID); ok {
				return pub, nil
			}
		}
	}

	doc, err := s.fetchDocument(ctx, server)
	if err != nil {
		if cached != nil {
			if pub, ok := cached.key(keyID); ok {
				return pub, nil
			}
		}
		return nil, fmt.Errorf("serverkeys: fetching keys for %s: %w", server, err)
	}
	doc, err = s.storeDocument(ctx, server, doc)
	if err != nil {
		return nil, err
	}
	if pub, ok := doc.key(keyID); ok {
		return pub, nil
	}
	return nil, fmt.Errorf("serverkeys: %s has no key %s", server, keyID)
}

// fetchDocument obtains a server's key document, asking the
// configured trusted servers first and the origin directly as a last
// resort.
func (s *Service) fetchDocument(ctx context.Context, server ref.ServerName) (*KeyDocument, error) {
	for _, notary := range s.trusted {
		if notary == server {
			continue
		}
		doc, err := s.queryNotary(ctx, notary, server)
		if err != nil {
			s.logger.Debug("notary key query failed",
				"notary", notary.String(), "server", server.String(), "error", err)
			continue
		}
		if doc != nil {
			return doc, nil
		}
	}
	return s.queryDirect(ctx, server)
}

// queryDirect fetches the key document from the origin itself. Key
// endpoints are served without authentication so that keys can be
// fetched before any key is known.
func (s *Service) queryDirect(ctx context.Context, server ref.ServerName) (*KeyDocument, error) {
	var raw json.RawMessage
	err := s.federation.DoUnsigned(ctx, server, http.MethodGet, "/_matrix/key/v2/server", nil, &raw)
	if err != nil {
		return nil, err
	}
	return parseKeyDocument(raw, server)
}

// queryNotary asks a trusted server for the target's keys via the
// batch query endpoint. A nil document with nil error means the
// notary had nothing usable.
func (s *Service) queryNotary(ctx context.Context, notary, server ref.ServerName) (*KeyDocument, error) {
	request := map[string]any{
		"server_keys": map[string]any{
			server.String(): map[string]any{},
		},
	}
	var response struct {
		ServerKeys []json.RawMessage `json:"server_keys"`
	}
	err := s.federation.DoUnsigned(ctx, notary, http.MethodPost, "/_matrix/key/v2/query", request, &response)
	if err != nil {
		return nil, err
	}
	for _, raw := range response.ServerKeys {
		doc, err := parseKeyDocument(raw, server)
		if err != nil {
			s.logger.Debug("notary returned unusable key document",
				"notary", notary.String(), "server", server.String(), "error", err)
			continue
		}
		return doc, nil
	}
	return nil, nil
}

// parseKeyDocument validates a fetched key document: the server name
// must match, a validity timestamp must be present, and the document
// must carry a valid self-signature from one of its own current keys.
func parseKeyDocument(raw []byte, server ref.ServerName) (*KeyDocument, error) {
	obj, err := canonicaljson.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("serverkeys: key document is not canonical JSON: %w", err)
	}
	if got := canonicaljson.String(obj, "server_name"); got != server.String() {
		return nil, fmt.Errorf("serverkeys: key document is for %q, want %q", got, server)
	}
	if canonicaljson.Int(obj, "valid_until_ts") <= 0 {
		return nil, fmt.Errorf("serverkeys: key document for %s has no valid_until_ts", server)
	}

	var doc KeyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("serverkeys: decoding key document: %w", err)
	}

	selfVerified := false
	for rawKeyID := range doc.VerifyKeys {
		keyID, err := ref.ParseKeyID(rawKeyID)
		if err != nil || keyID.Algorithm() != "ed25519" {
			continue
		}
		pub, ok := doc.key(keyID)
		if !ok {
			continue
		}
		if err := canonicaljson.Verify(obj, server.String(), keyID.String(), pub); err == nil {
			selfVerified = true
			break
		}
	}
	if !selfVerified {
		return nil, fmt.Errorf("serverkeys: key document for %s has no valid self-signature", server)
	}
	return &doc, nil
}

// storeDocument merges a freshly fetched document with the cached one
// and persists it. Keys the server no longer advertises stay known:
// old events still reference them.
func (s *Service) storeDocument(ctx context.Context, server ref.ServerName, doc *KeyDocument) (*KeyDocument, error) {
	if doc.VerifyKeys == nil {
		doc.VerifyKeys = make(map[string]VerifyKey)
	}
	if doc.OldVerifyKeys == nil {
		doc.OldVerifyKeys = make(map[string]OldVerifyKey)
	}
	if limit := s.clock.Now().Add(fetchedValidityCap).UnixMilli(); doc.ValidUntilTS > limit {
		doc.ValidUntilTS = limit
	}

	existing, err := s.cachedDocument(ctx, server)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		for id, key := range existing.VerifyKeys {
			if _, ok := doc.VerifyKeys[id]; !ok {
				doc.VerifyKeys[id] = key
			}
		}
		for id, key := range existing.OldVerifyKeys {
			if _, ok := doc.OldVerifyKeys[id]; !ok {
				doc.OldVerifyKeys[id] = key
			}
		}
	}

	value, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("serverkeys: encoding key document: %w", err)
	}
	if err := s.store.Put(ctx, []byte(server.String()), value); err != nil {
		return nil, fmt.Errorf("serverkeys: storing keys for %s: %w", server, err)
	}
	s.logger.Debug("cached server signing keys",
		"server", server.String(), "keys", len(doc.VerifyKeys), "valid_until", doc.ValidUntilTS)
	return doc, nil
}

// cachedDocument loads the stored key document for a server, or nil
// when none is cached.
func (s *Service) cachedDocument(ctx context.Context, server ref.ServerName) (*KeyDocument, error) {
	raw, err := s.store.Get(ctx, []byte(server.String()))
	if err != nil {
		return nil, fmt.Errorf("serverkeys: loading keys for %s: %w", server, err)
	}
	if raw == nil {
		return nil, nil
	}
	var doc KeyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("serverkeys: decoding cached keys for %s: %w", server, err)
	}
	return &doc, nil
}
