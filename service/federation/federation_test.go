// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package federation_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/lib/testutil"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/resolver"
)

type capturedRequest struct {
	method        string
	uri           string
	host          string
	authorization string
	body          []byte
}

type fixture struct {
	globals  *globals.Service
	client   *federation.Client
	dest     ref.ServerName
	captured chan capturedRequest
}

// newFixture starts a TLS test server running handler and builds a
// federation client whose destination is the test server's address.
// The address is an IP literal, so resolution short-circuits without
// touching DNS.
func newFixture(t *testing.T, handler http.HandlerFunc) *fixture {
	t.Helper()

	captured := make(chan capturedRequest, 8)
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("reading request body: %v", err)
		}
		captured <- capturedRequest{
			method:        r.Method,
			uri:           r.URL.RequestURI(),
			host:          r.Host,
			authorization: r.Header.Get("Authorization"),
			body:          body,
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	roots := x509.NewCertPool()
	roots.AddCert(server.Certificate())

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
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	globalsService, err := globals.New(context.Background(), globals.Config{
		DB:     engine,
		Server: cfg,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("globals.New: %v", err)
	}

	resolverService := resolver.New(resolver.Config{
		DB:     engine,
		Logger: logger,
	})

	client := federation.New(federation.Config{
		Server:   cfg,
		Globals:  globalsService,
		Resolver: resolverService,
		Logger:   logger,
		TLS:      &tls.Config{RootCAs: roots},
	})

	dest, err := ref.ParseServerName(server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("ParseServerName: %v", err)
	}

	return &fixture{
		globals:  globalsService,
		client:   client,
		dest:     dest,
		captured: captured,
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		t.Errorf("writing response: %v", err)
	}
}

func TestSignedRequest(t *testing.T) {
	fix := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, `{"ok":true}`)
	})

	var out struct {
		OK bool `json:"ok"`
	}
	err := fix.client.Do(context.Background(), fix.dest, http.MethodPut,
		"/_matrix/federation/v1/send/txn1?count=1",
		map[string]any{"pdus": []any{}}, &out)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !out.OK {
		t.Error("response not decoded")
	}

	request := testutil.RequireReceive(t, fix.captured, 5*time.Second, "captured request")
	if request.method != http.MethodPut {
		t.Errorf("method = %q", request.method)
	}
	if request.uri != "/_matrix/federation/v1/send/txn1?count=1" {
		t.Errorf("uri = %q", request.uri)
	}
	if request.host != fix.dest.String() {
		t.Errorf("host = %q, want %q", request.host, fix.dest)
	}

	auth, err := federation.ParseXMatrix(request.authorization)
	if err != nil {
		t.Fatalf("ParseXMatrix(%q): %v", request.authorization, err)
	}
	if auth.Origin.String() != "test.example" {
		t.Errorf("origin = %q", auth.Origin)
	}
	if auth.Destination != fix.dest {
		t.Errorf("destination = %q, want %q", auth.Destination, fix.dest)
	}

	// Verify the signature the way the remote server would: rebuild
	// the request object from what arrived on the wire.
	content, err := canonicaljson.DecodeValue(request.body)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	object := auth.RequestObject(request.method, request.uri, fix.dest, content)
	key := fix.globals.SigningKey()
	if err := canonicaljson.Verify(object, "test.example", key.ID.String(), key.Public()); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestSignedRequestWithoutBody(t *testing.T) {
	fix := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, `{}`)
	})

	err := fix.client.Get(context.Background(), fix.dest,
		"/_matrix/federation/v1/event/$abc", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	request := testutil.RequireReceive(t, fix.captured, 5*time.Second, "captured request")
	auth, err := federation.ParseXMatrix(request.authorization)
	if err != nil {
		t.Fatalf("ParseXMatrix: %v", err)
	}

	// No body means the signed object has no content key.
	object := auth.RequestObject(request.method, request.uri, fix.dest, nil)
	key := fix.globals.SigningKey()
	if err := canonicaljson.Verify(object, "test.example", key.ID.String(), key.Public()); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestUnsignedRequest(t *testing.T) {
	fix := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, `{"server_name":"remote"}`)
	})

	var out map[string]any
	err := fix.client.DoUnsigned(context.Background(), fix.dest, http.MethodGet,
		"/_matrix/key/v2/server", nil, &out)
	if err != nil {
		t.Fatalf("DoUnsigned: %v", err)
	}

	request := testutil.RequireReceive(t, fix.captured, 5*time.Second, "captured request")
	if request.authorization != "" {
		t.Errorf("unsigned request carried Authorization %q", request.authorization)
	}
}

func TestMatrixErrorResponse(t *testing.T) {
	fix := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, `{"errcode":"M_NOT_FOUND","error":"event not found"}`)
	})

	err := fix.client.Get(context.Background(), fix.dest, "/_matrix/federation/v1/event/$gone", nil)
	if !matrix.IsError(err, matrix.ErrCodeNotFound) {
		t.Fatalf("err = %v, want M_NOT_FOUND", err)
	}
	var matrixErr *matrix.Error
	if !errors.As(err, &matrixErr) {
		t.Fatal("error is not *matrix.Error")
	}
	if matrixErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d", matrixErr.StatusCode)
	}
	if matrixErr.Message != "event not found" {
		t.Errorf("Message = %q", matrixErr.Message)
	}
}

func TestNonMatrixErrorResponse(t *testing.T) {
	fix := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		if _, err := w.Write([]byte("upstream exploded")); err != nil {
			t.Errorf("writing response: %v", err)
		}
	})

	err := fix.client.Get(context.Background(), fix.dest, "/_matrix/federation/v1/version", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	var matrixErr *matrix.Error
	if errors.As(err, &matrixErr) {
		t.Errorf("plain-text error mapped to *matrix.Error: %v", err)
	}
}

func TestFederationDisabled(t *testing.T) {
	fix := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with federation disabled")
	})
	fix.client = federationWithDisabledConfig(t, fix)

	err := fix.client.Get(context.Background(), fix.dest, "/_matrix/federation/v1/version", nil)
	if !errors.Is(err, federation.ErrFederationDisabled) {
		t.Errorf("err = %v, want ErrFederationDisabled", err)
	}
}

// federationWithDisabledConfig rebuilds the fixture's client with
// allow_federation switched off.
func federationWithDisabledConfig(t *testing.T, fix *fixture) *federation.Client {
	t.Helper()
	cfg := config.Default()
	cfg.ServerName = "test.example"
	cfg.AllowFederation = false
	return federation.New(federation.Config{
		Server:   cfg,
		Globals:  fix.globals,
		Resolver: resolver.New(resolver.Config{
			DB:     openFixtureDB(t),
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func openFixtureDB(t *testing.T) *database.Engine {
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
	return engine
}
