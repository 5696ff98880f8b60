// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation is the outbound federation HTTP client. It
// resolves destination homeservers, signs requests with this server's
// ed25519 key per the X-Matrix authorization scheme, and maps Matrix
// error responses to typed errors. Higher layers (server key fetching,
// event backfill, the sender) build their endpoint calls on top of it.
package federation

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/netutil"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/lib/version"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/resolver"
)

// ErrFederationDisabled is returned by every request method when the
// server is configured with allow_federation: false.
var ErrFederationDisabled = errors.New("federation: federation is disabled")

// Config holds the dependencies for a federation Client.
type Config struct {
	// Server is the server configuration. Required.
	Server *config.Config

	// Globals provides the server identity and signing key. Required.
	Globals *globals.Service

	// Resolver maps server names to dial destinations. Required.
	Resolver *resolver.Service

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// TLS is the base TLS configuration cloned for each destination.
	// Nil means system roots and default verification.
	TLS *tls.Config
}

// Client performs signed HTTP requests to remote homeservers.
//
// Each destination gets its own http.Transport so that the TLS server
// name can differ from the dialed address: SRV records point the
// connection at a backend host while the certificate must still match
// the delegated server name.
type Client struct {
	server   *config.Config
	globals  *globals.Service
	resolver *resolver.Service
	logger   *slog.Logger
	tlsBase  *tls.Config
	timeout  time.Duration

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// New creates a federation client.
func New(cfg Config) *Client {
	if cfg.Server == nil {
		panic("federation: Config.Server is required")
	}
	if cfg.Globals == nil {
		panic("federation: Config.Globals is required")
	}
	if cfg.Resolver == nil {
		panic("federation: Config.Resolver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tlsBase := cfg.TLS
	if tlsBase == nil {
		tlsBase = &tls.Config{}
	}
	return &Client{
		server:     cfg.Server,
		globals:    cfg.Globals,
		resolver:   cfg.Resolver,
		logger:     logger,
		tlsBase:    tlsBase,
		timeout:    time.Duration(cfg.Server.Federation.RequestTimeout) * time.Second,
		transports: make(map[string]*http.Transport),
	}
}

// Do sends a signed federation request and decodes the JSON response
// into out. The path must be the already-encoded path and query, body
// may be nil for requests without content, and out may be nil when the
// response body is irrelevant. Matrix error responses come back as
// *matrix.Error.
func (c *Client) Do(ctx context.Context, dest ref.ServerName, method, path string, body, out any) error {
	return c.send(ctx, dest, method, path, body, out, true)
}

// Get is shorthand for a signed GET request.
func (c *Client) Get(ctx context.Context, dest ref.ServerName, path string, out any) error {
	return c.send(ctx, dest, http.MethodGet, path, nil, out, true)
}

// DoUnsigned sends a federation request without X-Matrix
// authorization. Server key endpoints are specified to be fetchable
// without authentication so that keys can be fetched before any key
// is known.
func (c *Client) DoUnsigned(ctx context.Context, dest ref.ServerName, method, path string, body, out any) error {
	return c.send(ctx, dest, method, path, body, out, false)
}

// DoRaw sends a signed GET request and returns the raw response for
// streaming bodies (media downloads). The caller must close the
// response body. Unlike Do, only the caller's context bounds the
// request duration.
func (c *Client) DoRaw(ctx context.Context, dest ref.ServerName, path string) (*http.Response, error) {
	if !c.server.AllowFederation {
		return nil, ErrFederationDisabled
	}
	destination, err := c.resolver.Resolve(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("federation: resolving %s: %w", dest, err)
	}

	request, err := c.newRequest(ctx, destination, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if err := c.sign(request, dest, nil); err != nil {
		return nil, err
	}

	client := &http.Client{
		Transport:     c.transport(destination),
		CheckRedirect: noRedirects,
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("federation: %s %s to %s: %w", http.MethodGet, path, dest, err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		defer response.Body.Close()
		return nil, responseError(response.StatusCode, dest, http.MethodGet, path, netutil.ErrorBody(response.Body))
	}
	return response, nil
}

func (c *Client) send(ctx context.Context, dest ref.ServerName, method, path string, body, out any, signed bool) error {
	if !c.server.AllowFederation {
		return ErrFederationDisabled
	}
	destination, err := c.resolver.Resolve(ctx, dest)
	if err != nil {
		return fmt.Errorf("federation: resolving %s: %w", dest, err)
	}

	var content []byte
	if body != nil {
		content, err = encodeBody(body)
		if err != nil {
			return fmt.Errorf("federation: encoding request body: %w", err)
		}
	}

	request, err := c.newRequest(ctx, destination, method, path, content)
	if err != nil {
		return err
	}
	if signed {
		if err := c.sign(request, dest, content); err != nil {
			return err
		}
	}

	client := &http.Client{
		Transport:     c.transport(destination),
		Timeout:       c.timeout,
		CheckRedirect: noRedirects,
	}
	start := time.Now()
	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("federation: %s %s to %s: %w", method, path, dest, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return fmt.Errorf("federation: reading response from %s: %w", dest, err)
	}

	c.logger.Debug("federation request",
		"destination", dest.String(),
		"method", method,
		"path", request.URL.Path,
		"status", response.StatusCode,
		"duration", time.Since(start))

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return responseError(response.StatusCode, dest, method, path, string(responseBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("federation: decoding response from %s %s: %w", method, path, err)
	}
	return nil
}

// newRequest builds the HTTP request against the resolved destination.
// The URL authority is the destination's server name so that the Host
// header matches what the remote expects; the transport dials the
// resolved address instead.
func (c *Client) newRequest(ctx context.Context, destination *resolver.Destination, method, path string, content []byte) (*http.Request, error) {
	var bodyReader io.Reader
	if content != nil {
		bodyReader = bytes.NewReader(content)
	}
	request, err := http.NewRequestWithContext(ctx, method, "https://"+destination.Name+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("federation: creating request: %w", err)
	}
	if content != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("User-Agent", "Tuwunel/"+version.Version)
	return request, nil
}

// sign computes the X-Matrix authorization header. The signature
// covers the canonical JSON of method, uri (path and query), origin,
// destination, and the request content when present.
func (c *Client) sign(request *http.Request, dest ref.ServerName, content []byte) error {
	origin := c.globals.ServerName()
	object := canonicaljson.Object{
		"method":      request.Method,
		"uri":         request.URL.RequestURI(),
		"origin":      origin.String(),
		"destination": dest.String(),
	}
	if content != nil {
		value, err := canonicaljson.DecodeValue(content)
		if err != nil {
			return fmt.Errorf("federation: request body is not canonical JSON: %w", err)
		}
		object["content"] = value
	}

	key := c.globals.SigningKey()
	if err := canonicaljson.Sign(object, origin.String(), key.ID.String(), key.Private); err != nil {
		return fmt.Errorf("federation: signing request: %w", err)
	}

	auth := XMatrix{
		Origin:      origin,
		Destination: dest,
		Key:         key.ID,
		Sig:         canonicaljson.Signature(object, origin.String(), key.ID.String()),
	}
	request.Header.Set("Authorization", auth.HeaderValue())
	return nil
}

// transport returns the cached per-destination transport, creating it
// on first use. The TLS server name is the destination's host so that
// certificate verification matches the delegated name even when SRV
// records point the connection elsewhere.
func (c *Client) transport(destination *resolver.Destination) *http.Transport {
	key := destination.Addr + "|" + destination.Name

	c.mu.Lock()
	defer c.mu.Unlock()
	if transport, ok := c.transports[key]; ok {
		return transport
	}

	tlsConfig := c.tlsBase.Clone()
	tlsConfig.ServerName = destination.TLSName()

	addr := destination.Addr
	transport := &http.Transport{
		TLSClientConfig: tlsConfig,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	c.transports[key] = transport
	return transport
}

// CloseIdleConnections drops pooled connections across every
// destination transport.
func (c *Client) CloseIdleConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, transport := range c.transports {
		transport.CloseIdleConnections()
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	return json.Marshal(body)
}

func noRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// responseError maps a non-2xx response to *matrix.Error when the
// body carries the standard errcode shape, or to a plain error with
// the raw body otherwise.
func responseError(statusCode int, dest ref.ServerName, method, path, body string) error {
	var matrixErr matrix.Error
	if err := json.Unmarshal([]byte(body), &matrixErr); err != nil || matrixErr.Code == "" {
		return fmt.Errorf("federation: unexpected %d response from %s %s to %s: %s",
			statusCode, method, path, dest, body)
	}
	matrixErr.StatusCode = statusCode
	return &matrixErr
}
