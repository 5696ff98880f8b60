// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package serverkeys_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/resolver"
	"github.com/tototomate123/tuwunel/service/serverkeys"
)

type fixture struct {
	globals *globals.Service
	service *serverkeys.Service
}

// newFixture assembles the service against a test database. Trusted
// servers and TLS roots for any test federation servers come from the
// arguments; the default config would otherwise reach for real
// notaries.
func newFixture(t *testing.T, trusted []string, servers ...*httptest.Server) *fixture {
	t.Helper()

	engine, err := database.Open(context.Background(), database.Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: 4,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := engine.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	cfg := config.Default()
	cfg.ServerName = "test.example"
	cfg.TrustedServers = trusted
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	globalsService, err := globals.New(context.Background(), globals.Config{
		DB:     engine,
		Server: cfg,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("globals.New: %v", err)
	}

	roots := x509.NewCertPool()
	for _, server := range servers {
		roots.AddCert(server.Certificate())
	}
	federationClient := federation.New(federation.Config{
		Server:   cfg,
		Globals:  globalsService,
		Resolver: resolver.New(resolver.Config{DB: engine, Logger: logger}),
		Logger:   logger,
		TLS:      &tls.Config{RootCAs: roots},
	})

	service, err := serverkeys.New(serverkeys.Config{
		DB:         engine,
		Server:     cfg,
		Globals:    globalsService,
		Federation: federationClient,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("serverkeys.New: %v", err)
	}
	return &fixture{globals: globalsService, service: service}
}

// remote simulates a federating homeserver that serves its own key
// document. Its server name is the listener's IP:port, so resolution
// short-circuits without DNS.
type remote struct {
	t      *testing.T
	server *httptest.Server
	name   ref.ServerName
	hits   atomic.Int32

	mu    sync.Mutex
	keyID ref.KeyID
	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey
}

func newRemote(t *testing.T) *remote {
	t.Helper()
	r := &remote{t: t}
	r.keyID, r.pub, r.priv = generateKey(t, "rk1")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/key/v2/server", func(w http.ResponseWriter, req *http.Request) {
		r.hits.Add(1)
		writeObject(t, w, r.document())
	})
	r.server = httptest.NewTLSServer(mux)
	t.Cleanup(r.server.Close)

	name, err := ref.ParseServerName(r.server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("ParseServerName: %v", err)
	}
	r.name = name
	return r
}

func generateKey(t *testing.T, version string) (ref.KeyID, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	keyID, err := ref.NewKeyID("ed25519", version)
	if err != nil {
		t.Fatalf("NewKeyID: %v", err)
	}
	return keyID, pub, priv
}

// rotate replaces the remote's signing key, as a server rotating keys
// would. The new document no longer lists the old key.
func (r *remote) rotate(version string) {
	keyID, pub, priv := generateKey(r.t, version)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyID, r.pub, r.priv = keyID, pub, priv
}

func (r *remote) current() (ref.KeyID, ed25519.PublicKey, ed25519.PrivateKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keyID, r.pub, r.priv
}

// document builds the remote's signed key/v2/server document for its
// current key.
func (r *remote) document() canonicaljson.Object {
	keyID, pub, priv := r.current()
	doc := canonicaljson.Object{
		"server_name":     r.name.String(),
		"valid_until_ts":  time.Now().Add(time.Hour).UnixMilli(),
		"verify_keys":     canonicaljson.Object{keyID.String(): canonicaljson.Object{"key": canonicaljson.Base64.EncodeToString(pub)}},
		"old_verify_keys": canonicaljson.Object{},
	}
	if err := canonicaljson.Sign(doc, r.name.String(), keyID.String(), priv); err != nil {
		r.t.Errorf("Sign: %v", err)
	}
	return doc
}

func writeObject(t *testing.T, w http.ResponseWriter, obj canonicaljson.Object) {
	t.Helper()
	raw, err := canonicaljson.Encode(obj)
	if err != nil {
		t.Errorf("Encode: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(raw); err != nil {
		t.Errorf("writing response: %v", err)
	}
}

// signEventAs hashes the event and adds entity's signature over the
// redacted form, the way the signing server would before sending.
func signEventAs(t *testing.T, event canonicaljson.Object, entity string, keyID ref.KeyID, priv ed25519.PrivateKey, rules matrix.Rules) {
	t.Helper()
	hash, err := canonicaljson.ContentHash(event)
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	event["hashes"] = canonicaljson.Object{"sha256": canonicaljson.Base64.EncodeToString(hash[:])}

	redacted := canonicaljson.Redact(event, rules.Redaction)
	if err := canonicaljson.Sign(redacted, entity, keyID.String(), priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	event["signatures"] = redacted["signatures"]
}

func testEvent(sender, eventType string, content canonicaljson.Object) canonicaljson.Object {
	return canonicaljson.Object{
		"type":             eventType,
		"sender":           sender,
		"room_id":          "!room:test.example",
		"content":          content,
		"origin_server_ts": int64(1700000000000),
		"prev_events":      []any{},
		"auth_events":      []any{},
		"depth":            int64(1),
	}
}

func rules(t *testing.T, version matrix.RoomVersion) matrix.Rules {
	t.Helper()
	r, err := matrix.RulesFor(version)
	if err != nil {
		t.Fatalf("RulesFor(%s): %v", version, err)
	}
	return r
}

func TestOwnDocument(t *testing.T) {
	fix := newFixture(t, nil)

	doc, err := fix.service.OwnDocument()
	if err != nil {
		t.Fatalf("OwnDocument: %v", err)
	}
	if got := canonicaljson.String(doc, "server_name"); got != "test.example" {
		t.Errorf("server_name = %q", got)
	}

	validUntil := canonicaljson.Int(doc, "valid_until_ts")
	wantAround := time.Now().Add(24 * time.Hour).UnixMilli()
	if validUntil < wantAround-int64(time.Minute/time.Millisecond) || validUntil > wantAround+int64(time.Minute/time.Millisecond) {
		t.Errorf("valid_until_ts = %d, want about %d", validUntil, wantAround)
	}

	key := fix.globals.SigningKey()
	keys := canonicaljson.Child(doc, "verify_keys")
	if canonicaljson.String(canonicaljson.Child(keys, key.ID.String()), "key") == "" {
		t.Errorf("verify_keys missing %s: %v", key.ID, keys)
	}
	if err := canonicaljson.Verify(doc, "test.example", key.ID.String(), key.Public()); err != nil {
		t.Errorf("document does not self-verify: %v", err)
	}
}

func TestSignAndVerifyJSON(t *testing.T) {
	fix := newFixture(t, nil)
	ctx := context.Background()

	obj := canonicaljson.Object{"hello": "world"}
	if err := fix.service.SignJSON(obj); err != nil {
		t.Fatalf("SignJSON: %v", err)
	}
	if err := fix.service.VerifyJSON(ctx, obj, fix.globals.ServerName()); err != nil {
		t.Errorf("VerifyJSON: %v", err)
	}

	obj["hello"] = "tampered"
	if err := fix.service.VerifyJSON(ctx, obj, fix.globals.ServerName()); err == nil {
		t.Error("VerifyJSON accepted a tampered object")
	}
}

func TestHashSignAndVerifyOwnEvent(t *testing.T) {
	fix := newFixture(t, nil)
	ctx := context.Background()
	v11 := rules(t, matrix.RoomV11)

	event := testEvent("@conduit:test.example", matrix.TypeMessage,
		canonicaljson.Object{"msgtype": "m.text", "body": "hi"})
	if err := fix.service.HashAndSignEvent(event, v11); err != nil {
		t.Fatalf("HashAndSignEvent: %v", err)
	}

	verified, err := fix.service.VerifyEvent(ctx, event, v11)
	if err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}
	if verified != serverkeys.VerifiedAll {
		t.Errorf("verified = %v, want VerifiedAll", verified)
	}
}

func TestGenerateEventID(t *testing.T) {
	fix := newFixture(t, nil)
	v11 := rules(t, matrix.RoomV11)

	event := testEvent("@conduit:test.example", matrix.TypeMessage,
		canonicaljson.Object{"msgtype": "m.text", "body": "hi"})
	eventID, err := fix.service.GenerateEventIDHashAndSign(event, v11)
	if err != nil {
		t.Fatalf("GenerateEventIDHashAndSign: %v", err)
	}
	if canonicaljson.String(event, "event_id") != eventID.String() {
		t.Errorf("event_id = %q, want %q", event["event_id"], eventID)
	}

	// The ID is the reference hash of the signed event; recomputing
	// over the object minus event_id must agree.
	recomputed, err := matrix.GenerateEventID(event, v11)
	if err != nil {
		t.Fatalf("GenerateEventID: %v", err)
	}
	if recomputed != eventID {
		t.Errorf("recomputed id %s != %s", recomputed, eventID)
	}
}

func TestVerifyRemoteEventCachesKeys(t *testing.T) {
	r := newRemote(t)
	fix := newFixture(t, nil, r.server)
	ctx := context.Background()
	v11 := rules(t, matrix.RoomV11)

	keyID, _, priv := r.current()
	event := testEvent("@alice:"+r.name.String(), matrix.TypeMessage,
		canonicaljson.Object{"msgtype": "m.text", "body": "from afar"})
	signEventAs(t, event, r.name.String(), keyID, priv, v11)

	for i := 0; i < 2; i++ {
		verified, err := fix.service.VerifyEvent(ctx, event, v11)
		if err != nil {
			t.Fatalf("VerifyEvent #%d: %v", i+1, err)
		}
		if verified != serverkeys.VerifiedAll {
			t.Errorf("verified = %v, want VerifiedAll", verified)
		}
	}
	if hits := r.hits.Load(); hits != 1 {
		t.Errorf("key document fetched %d times, want 1", hits)
	}
}

func TestVerifyEventHashMismatchDowngrades(t *testing.T) {
	r := newRemote(t)
	fix := newFixture(t, nil, r.server)
	ctx := context.Background()
	v11 := rules(t, matrix.RoomV11)

	keyID, _, priv := r.current()
	event := testEvent("@alice:"+r.name.String(), matrix.TypeMessage,
		canonicaljson.Object{"msgtype": "m.text", "body": "original"})
	signEventAs(t, event, r.name.String(), keyID, priv, v11)

	// Message content is redacted away before signing, so changing it
	// breaks only the content hash, not the signature.
	canonicaljson.Child(event, "content")["body"] = "tampered"

	verified, err := fix.service.VerifyEvent(ctx, event, v11)
	if err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}
	if verified != serverkeys.VerifiedSignatures {
		t.Errorf("verified = %v, want VerifiedSignatures", verified)
	}
}

func TestVerifyEventRejectsForgery(t *testing.T) {
	r := newRemote(t)
	fix := newFixture(t, nil, r.server)
	ctx := context.Background()
	v11 := rules(t, matrix.RoomV11)

	keyID, _, priv := r.current()
	event := testEvent("@alice:"+r.name.String(), matrix.TypeMessage,
		canonicaljson.Object{"msgtype": "m.text", "body": "hi"})
	signEventAs(t, event, r.name.String(), keyID, priv, v11)

	// A state field covered by the signature changes.
	event["sender"] = "@mallory:" + r.name.String()

	if _, err := fix.service.VerifyEvent(ctx, event, v11); err == nil {
		t.Error("VerifyEvent accepted a forged event")
	}
}

func TestVerifyEventRequiresAuthorizingServer(t *testing.T) {
	r := newRemote(t)
	fix := newFixture(t, nil, r.server)
	ctx := context.Background()
	v10 := rules(t, matrix.RoomV10)

	// A restricted-room join: our server signs as origin, the remote
	// signs as the server whose user authorized the join.
	event := testEvent("@conduit:test.example", matrix.TypeMember,
		canonicaljson.Object{
			"membership":                       "join",
			"join_authorised_via_users_server": "@admin:" + r.name.String(),
		})
	event["state_key"] = "@conduit:test.example"

	if err := fix.service.HashAndSignEvent(event, v10); err != nil {
		t.Fatalf("HashAndSignEvent: %v", err)
	}
	if _, err := fix.service.VerifyEvent(ctx, event, v10); err == nil {
		t.Fatal("VerifyEvent passed without the authorizing server's signature")
	}

	keyID, _, priv := r.current()
	signEventAs(t, event, r.name.String(), keyID, priv, v10)
	verified, err := fix.service.VerifyEvent(ctx, event, v10)
	if err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}
	if verified != serverkeys.VerifiedAll {
		t.Errorf("verified = %v, want VerifiedAll", verified)
	}
}

func TestNotaryFetch(t *testing.T) {
	targetKeyID, targetPub, targetPriv := generateKey(t, "tk1")
	target := ref.MustParseServerName("target.example")

	doc := canonicaljson.Object{
		"server_name":    target.String(),
		"valid_until_ts": time.Now().Add(time.Hour).UnixMilli(),
		"verify_keys": canonicaljson.Object{
			targetKeyID.String(): canonicaljson.Object{"key": canonicaljson.Base64.EncodeToString(targetPub)},
		},
		"old_verify_keys": canonicaljson.Object{},
	}
	if err := canonicaljson.Sign(doc, target.String(), targetKeyID.String(), targetPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /_matrix/key/v2/query", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		if !strings.Contains(string(body), target.String()) {
			t.Errorf("query body %s does not name the target", body)
		}
		writeObject(t, w, canonicaljson.Object{"server_keys": []any{doc}})
	})
	notary := httptest.NewTLSServer(mux)
	t.Cleanup(notary.Close)
	notaryName := ref.MustParseServerName(notary.Listener.Addr().String())

	fix := newFixture(t, []string{notaryName.String()}, notary)

	pub, err := fix.service.VerifyKey(context.Background(), target, targetKeyID)
	if err != nil {
		t.Fatalf("VerifyKey: %v", err)
	}
	if !pub.Equal(targetPub) {
		t.Error("notary returned a different key")
	}
}

func TestKeyRotationKeepsOldKeys(t *testing.T) {
	r := newRemote(t)
	fix := newFixture(t, nil, r.server)
	ctx := context.Background()

	oldKeyID, oldPub, _ := r.current()
	pub, err := fix.service.VerifyKey(ctx, r.name, oldKeyID)
	if err != nil {
		t.Fatalf("VerifyKey(old): %v", err)
	}
	if !pub.Equal(oldPub) {
		t.Error("wrong key for old id")
	}

	r.rotate("rk2")
	newKeyID, newPub, _ := r.current()
	pub, err = fix.service.VerifyKey(ctx, r.name, newKeyID)
	if err != nil {
		t.Fatalf("VerifyKey(new): %v", err)
	}
	if !pub.Equal(newPub) {
		t.Error("wrong key for new id")
	}

	// The rotated-away key survives the refetch merge without
	// another request.
	hits := r.hits.Load()
	pub, err = fix.service.VerifyKey(ctx, r.name, oldKeyID)
	if err != nil {
		t.Fatalf("VerifyKey(old, after rotation): %v", err)
	}
	if !pub.Equal(oldPub) {
		t.Error("old key lost after rotation")
	}
	if r.hits.Load() != hits {
		t.Error("old key lookup refetched the document")
	}
}
