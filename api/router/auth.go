// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/appservice"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/serverkeys"
	"github.com/tototomate123/tuwunel/service/users"
)

// AuthConfig configures the authenticator.
type AuthConfig struct {
	// Server is the server configuration. Required.
	Server *config.Config

	// Globals provides the server name federation requests must be
	// addressed to. Required.
	Globals *globals.Service

	// Users resolves access tokens. Required.
	Users *users.Service

	// Appservices resolves as_token identities. Required.
	Appservices *appservice.Service

	// Keys verifies X-Matrix request signatures. Required.
	Keys *serverkeys.Service

	// Logger receives auth failures at debug level. Required.
	Logger *slog.Logger
}

// Auth authenticates requests for both halves of the API: access
// tokens (users and appservices) on the client side, X-Matrix request
// signatures on the federation side. Its middleware attach the
// resulting Identity to the request context.
type Auth struct {
	server      *config.Config
	globals     *globals.Service
	users       *users.Service
	appservices *appservice.Service
	keys        *serverkeys.Service
	logger      *slog.Logger
}

// NewAuth wires the authenticator.
func NewAuth(cfg AuthConfig) *Auth {
	if cfg.Server == nil {
		panic("router: AuthConfig.Server is required")
	}
	if cfg.Globals == nil {
		panic("router: AuthConfig.Globals is required")
	}
	if cfg.Users == nil {
		panic("router: AuthConfig.Users is required")
	}
	if cfg.Appservices == nil {
		panic("router: AuthConfig.Appservices is required")
	}
	if cfg.Keys == nil {
		panic("router: AuthConfig.Keys is required")
	}
	if cfg.Logger == nil {
		panic("router: AuthConfig.Logger is required")
	}
	return &Auth{
		server:      cfg.Server,
		globals:     cfg.Globals,
		users:       cfg.Users,
		appservices: cfg.Appservices,
		keys:        cfg.Keys,
		logger:      cfg.Logger.With("component", "auth"),
	}
}

// accessToken extracts the client access token: the Authorization
// Bearer header first, the legacy access_token query parameter as a
// fallback.
func accessToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}

// RequireUser authenticates the request with an access token. A user
// token yields the token's user and device. An as_token yields the
// appservice, acting as the user_id query parameter when given (held
// to the registration's namespaces) and as the sender_localpart user
// otherwise.
func (a *Auth) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.authenticateToken(r)
		if err != nil {
			a.logger.Debug("token auth failed", "path", r.URL.Path, "error", err)
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (a *Auth) authenticateToken(r *http.Request) (Identity, error) {
	token := accessToken(r)
	if token == "" {
		return Identity{}, matrix.NewError(http.StatusUnauthorized, matrix.ErrCodeMissingToken, "Missing access token.")
	}

	if info, ok := a.appservices.ByASToken(token); ok {
		user := info.Sender
		if raw := r.URL.Query().Get("user_id"); raw != "" {
			parsed, err := ref.ParseUserID(raw)
			if err != nil {
				return Identity{}, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeInvalidUsername, "Username is invalid.")
			}
			user = parsed
		}
		if !info.MatchesUser(user) {
			return Identity{}, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeExclusive, "User is not in namespace.")
		}
		return Identity{User: user, Appservice: info}, nil
	}

	user, device, err := a.users.FindFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, users.ErrUnknownToken) {
			return Identity{}, matrix.NewError(http.StatusUnauthorized, matrix.ErrCodeUnknownToken, "Unknown access token.")
		}
		return Identity{}, err
	}
	return Identity{User: user, Device: device}, nil
}

// RequireOrigin authenticates the request with an X-Matrix signature
// from a remote server. The signed request object is rebuilt from the
// method, the request URI, the claimed origin, our server name, and
// the body when one is present; the body is restored for the handler.
func (a *Auth) RequireOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin, body, err := a.authenticateServer(r)
		if err != nil {
			a.logger.Debug("federation auth failed", "path", r.URL.Path, "error", err)
			WriteError(w, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Identity{Origin: origin})))
	})
}

func (a *Auth) authenticateServer(r *http.Request) (ref.ServerName, []byte, error) {
	if !a.server.AllowFederation {
		return ref.ServerName{}, nil, matrix.Forbidden("Federation is disabled.")
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return ref.ServerName{}, nil, matrix.NewError(http.StatusUnauthorized, matrix.ErrCodeUnauthorized, "Missing Authorization header.")
	}
	x, err := federation.ParseXMatrix(header)
	if err != nil {
		return ref.ServerName{}, nil, matrix.NewError(http.StatusUnauthorized, matrix.ErrCodeUnauthorized, "Invalid X-Matrix header: %s", err)
	}
	if !x.Destination.IsZero() && x.Destination != a.globals.ServerName() {
		return ref.ServerName{}, nil, matrix.Forbidden("Invalid destination.")
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ref.ServerName{}, nil, matrix.NewError(http.StatusRequestEntityTooLarge, matrix.ErrCodeTooLarge,
				"request body exceeds %d bytes", tooLarge.Limit)
		}
		return ref.ServerName{}, nil, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeUnknown, "reading request body: %s", err)
	}

	// The signature covers the content only when a body was sent.
	var content any
	if len(bytes.TrimSpace(body)) > 0 {
		content, err = canonicaljson.DecodeValue(body)
		if err != nil {
			return ref.ServerName{}, nil, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeNotJSON, "request body is not valid JSON")
		}
	}

	object := x.RequestObject(r.Method, r.URL.RequestURI(), a.globals.ServerName(), content)
	if err := a.keys.VerifyJSON(r.Context(), object, x.Origin); err != nil {
		a.logger.Debug("X-Matrix signature rejected", "origin", x.Origin, "path", r.URL.Path, "error", err)
		return ref.ServerName{}, nil, matrix.Forbidden("Failed to verify X-Matrix signatures.")
	}
	return x.Origin, body, nil
}
