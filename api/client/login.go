// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/uiaa"
	"github.com/tototomate123/tuwunel/service/users"
)

// Login types advertised by GET /login.
const (
	loginPassword   = "m.login.password"
	loginToken      = "m.login.token"
	loginAppservice = "m.login.application_service"
)

// loginTokenTTL bounds how long a token from /login/get_token stays
// redeemable.
const loginTokenTTL = 2 * time.Minute

// loginTokens hands out one-time tokens for m.login.token logins.
// They live in memory only: a restart drops them and the requesting
// client asks for a fresh one.
type loginTokens struct {
	clock clock.Clock

	mu     sync.Mutex
	grants map[string]loginGrant
}

type loginGrant struct {
	user    ref.UserID
	expires time.Time
}

func newLoginTokens(clk clock.Clock) *loginTokens {
	return &loginTokens{clock: clk, grants: make(map[string]loginGrant)}
}

// Mint issues a fresh token for user. Expired grants are pruned on
// the way.
func (l *loginTokens) Mint(user ref.UserID) (string, error) {
	token, err := users.NewToken()
	if err != nil {
		return "", err
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for t, grant := range l.grants {
		if now.After(grant.expires) {
			delete(l.grants, t)
		}
	}
	l.grants[token] = loginGrant{user: user, expires: now.Add(loginTokenTTL)}
	return token, nil
}

// Redeem consumes a token, returning the user it was minted for. A
// token redeems at most once.
func (l *loginTokens) Redeem(token string) (ref.UserID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	grant, ok := l.grants[token]
	if !ok {
		return ref.UserID{}, false
	}
	delete(l.grants, token)
	if l.clock.Now().After(grant.expires) {
		return ref.UserID{}, false
	}
	return grant.user, true
}

type loginRequest struct {
	Type                     string          `json:"type"`
	Identifier               uiaa.Identifier `json:"identifier"`
	User                     string          `json:"user"`
	Password                 string          `json:"password"`
	Token                    string          `json:"token"`
	DeviceID                 string          `json:"device_id"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name"`
}

type loginResponse struct {
	UserID      ref.UserID      `json:"user_id"`
	AccessToken string          `json:"access_token"`
	DeviceID    ref.DeviceID    `json:"device_id"`
	HomeServer  ref.ServerName  `json:"home_server"`
	WellKnown   *loginWellKnown `json:"well_known,omitempty"`
}

type loginWellKnown struct {
	Homeserver loginHomeserver `json:"m.homeserver"`
}

type loginHomeserver struct {
	BaseURL string `json:"base_url"`
}

// GET /_matrix/client/v3/login
func (h *Handlers) loginTypes(w http.ResponseWriter, r *http.Request) {
	router.WriteJSON(w, http.StatusOK, map[string]any{
		"flows": []map[string]any{
			{"type": loginPassword},
			{"type": loginAppservice},
			{"type": loginToken, "get_login_token": true},
		},
	})
}

// POST /_matrix/client/v3/login
func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}

	var user ref.UserID
	switch req.Type {
	case loginPassword:
		parsed, err := h.loginUser(req.Identifier, req.User)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		if err := h.users.VerifyPassword(r.Context(), parsed, req.Password); err != nil {
			h.logger.Debug("password login rejected", "user", parsed, "error", err)
			router.WriteError(w, matrix.Forbidden("Wrong username or password."))
			return
		}
		user = parsed

	case loginToken:
		parsed, ok := h.tokens.Redeem(req.Token)
		if !ok {
			router.WriteError(w, matrix.Forbidden("Invalid login token."))
			return
		}
		user = parsed

	case loginAppservice:
		parsed, err := h.appserviceLogin(r, req)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		user = parsed

	default:
		router.WriteError(w, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeUnknown,
			"Unsupported login type %q.", req.Type))
		return
	}

	token, err := users.NewToken()
	if err != nil {
		router.WriteError(w, err)
		return
	}

	// Reusing a known device id rotates its token; anything else is a
	// fresh device.
	var device ref.DeviceID
	if req.DeviceID != "" {
		device, err = ref.ParseDeviceID(req.DeviceID)
		if err != nil {
			router.WriteError(w, matrix.InvalidParam("invalid device id: %s", err))
			return
		}
	} else {
		device, err = users.NewDeviceID()
		if err != nil {
			router.WriteError(w, err)
			return
		}
	}

	existing, err := h.users.Device(r.Context(), user, device)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if existing != nil {
		if err := h.users.SetToken(r.Context(), user, device, token); err != nil {
			router.WriteError(w, err)
			return
		}
	} else {
		if err := h.users.CreateDevice(r.Context(), user, device, token, req.InitialDeviceDisplayName); err != nil {
			router.WriteError(w, err)
			return
		}
	}

	h.logger.Info("user logged in", "user", user, "device", device, "type", req.Type)

	response := loginResponse{
		UserID:      user,
		AccessToken: token,
		DeviceID:    device,
		HomeServer:  h.globals.ServerName(),
	}
	if base := h.server.WellKnown.Client; base != "" {
		response.WellKnown = &loginWellKnown{Homeserver: loginHomeserver{BaseURL: base}}
	}
	router.WriteJSON(w, http.StatusOK, response)
}

// loginUser resolves the account a password login names: the m.id.user
// identifier first, the legacy top-level user field as fallback. Bare
// localparts attach to this server; full ids must be ours.
func (h *Handlers) loginUser(identifier uiaa.Identifier, legacy string) (ref.UserID, error) {
	raw := legacy
	switch identifier.Type {
	case "":
	case "m.id.user":
		raw = identifier.User
	default:
		return ref.UserID{}, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeUnknown,
			"Unsupported identifier type %q.", identifier.Type)
	}
	if raw == "" {
		return ref.UserID{}, matrix.BadJSON("No user identifier supplied.")
	}

	raw = strings.ToLower(raw)
	var user ref.UserID
	var err error
	if strings.HasPrefix(raw, "@") {
		user, err = ref.ParseUserID(raw)
	} else {
		user, err = ref.NewUserID(raw, h.globals.ServerName())
	}
	if err != nil {
		return ref.UserID{}, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeInvalidUsername, "Username is invalid.")
	}
	if !h.globals.UserIsLocal(user) {
		return ref.UserID{}, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeInvalidUsername,
			"User ID belongs to another homeserver.")
	}
	return user, nil
}

// appserviceLogin authenticates an m.login.application_service
// request: the as_token in the Authorization header names the
// appservice and the identified user must sit in its namespace. The
// emergency password waives the namespace check so a locked-out
// operator can recover puppet accounts.
func (h *Handlers) appserviceLogin(r *http.Request, req loginRequest) (ref.UserID, error) {
	header := r.Header.Get("Authorization")
	token, _ := strings.CutPrefix(header, "Bearer ")
	info, ok := h.appservices.ByASToken(strings.TrimSpace(token))
	if !ok {
		return ref.UserID{}, matrix.NewError(http.StatusUnauthorized, matrix.ErrCodeMissingToken,
			"Missing appservice token.")
	}
	user, err := h.loginUser(req.Identifier, req.User)
	if err != nil {
		return ref.UserID{}, err
	}
	if !info.MatchesUser(user) && h.server.EmergencyPassword == "" {
		return ref.UserID{}, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeExclusive,
			"User is not in namespace.")
	}
	return user, nil
}

// POST /_matrix/client/v1/login/get_token
//
// Mints a short-lived token an existing session hands to a new client
// for m.login.token. Re-auth with the account password is required.
func (h *Handlers) createLoginToken(w http.ResponseWriter, r *http.Request) {
	id := router.IdentityFrom(r.Context())

	body, err := router.ReadBody(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var req struct {
		Auth *uiaa.Auth `json:"auth"`
	}
	if err := router.DecodeJSON(body, &req); err != nil {
		router.WriteError(w, err)
		return
	}

	flows := []uiaa.Flow{{Stages: []string{uiaa.TypePassword}}}
	if !h.completeUIAA(w, r, id.User, id.Device, flows, body, req.Auth) {
		return
	}

	token, err := h.tokens.Mint(id.User)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]any{
		"login_token": token,
		"expires_in":  loginTokenTTL.Milliseconds(),
	})
}

// POST /_matrix/client/v3/logout
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	id := router.IdentityFrom(r.Context())
	if id.Device.IsZero() {
		// Appservice sessions hold no device to remove.
		router.WriteJSON(w, http.StatusOK, struct{}{})
		return
	}
	if err := h.users.RemoveDevice(r.Context(), id.User, id.Device); err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// POST /_matrix/client/v3/logout/all
func (h *Handlers) logoutAll(w http.ResponseWriter, r *http.Request) {
	id := router.IdentityFrom(r.Context())
	devices, err := h.users.Devices(r.Context(), id.User)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	for _, device := range devices {
		if err := h.users.RemoveDevice(r.Context(), id.User, device.ID); err != nil {
			router.WriteError(w, err)
			return
		}
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}
