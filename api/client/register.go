// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"net/http"
	"strings"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/uiaa"
	"github.com/tototomate123/tuwunel/service/users"
)

type registerRequest struct {
	Username                 string     `json:"username"`
	Password                 string     `json:"password"`
	DeviceID                 string     `json:"device_id"`
	InitialDeviceDisplayName string     `json:"initial_device_display_name"`
	InhibitLogin             bool       `json:"inhibit_login"`
	Kind                     string     `json:"kind"`
	Type                     string     `json:"type"`
	Auth                     *uiaa.Auth `json:"auth"`
}

type registerResponse struct {
	UserID      ref.UserID     `json:"user_id"`
	AccessToken string         `json:"access_token,omitempty"`
	DeviceID    *ref.DeviceID  `json:"device_id,omitempty"`
	HomeServer  ref.ServerName `json:"home_server"`
}

// POST /_matrix/client/v3/register
func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	body, err := router.ReadBody(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var req registerRequest
	if err := router.DecodeJSON(body, &req); err != nil {
		router.WriteError(w, err)
		return
	}

	if req.Kind == "guest" {
		router.WriteError(w, matrix.NewError(http.StatusForbidden, matrix.ErrCodeGuestAccessForbidden,
			"Guest registration is disabled."))
		return
	}

	// An appservice registers its namespace users with the as_token
	// alone, open registration or not.
	appservice := req.Type == loginAppservice
	if appservice {
		h.registerAppserviceUser(w, r, req)
		return
	}

	if !h.server.AllowRegistration {
		router.WriteError(w, matrix.Forbidden("Registration has been disabled."))
		return
	}

	var user ref.UserID
	if req.Username != "" {
		user, err = h.newLocalUser(r, req.Username)
		if err != nil {
			router.WriteError(w, err)
			return
		}
	} else {
		user, err = h.randomLocalUser(r)
		if err != nil {
			router.WriteError(w, err)
			return
		}
	}

	flows := []uiaa.Flow{{Stages: []string{uiaa.TypeDummy}}}
	if h.globals.RegistrationToken() != "" {
		flows = []uiaa.Flow{{Stages: []string{uiaa.TypeRegistrationToken}}}
	}
	if !h.completeUIAA(w, r, ref.UserID{}, ref.DeviceID{}, flows, body, req.Auth) {
		return
	}

	// The username could have been taken while interactive auth was in
	// flight.
	if taken, err := h.users.Exists(r.Context(), user); err != nil {
		router.WriteError(w, err)
		return
	} else if taken {
		router.WriteError(w, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeUserInUse,
			"Desired user ID is already taken."))
		return
	}

	h.finishRegistration(w, r, user, req)
}

// registerAppserviceUser creates an account inside an appservice's
// namespace. No interactive auth: the as_token is the authority.
func (h *Handlers) registerAppserviceUser(w http.ResponseWriter, r *http.Request, req registerRequest) {
	header := r.Header.Get("Authorization")
	token, _ := strings.CutPrefix(header, "Bearer ")
	info, ok := h.appservices.ByASToken(strings.TrimSpace(token))
	if !ok {
		router.WriteError(w, matrix.NewError(http.StatusUnauthorized, matrix.ErrCodeMissingToken,
			"Missing appservice token."))
		return
	}
	if req.Username == "" {
		router.WriteError(w, matrix.BadJSON("Appservice registration requires a username."))
		return
	}

	user, err := ref.NewUserID(strings.ToLower(req.Username), h.globals.ServerName())
	if err != nil {
		router.WriteError(w, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeInvalidUsername, "Username is invalid."))
		return
	}
	if !info.MatchesUser(user) {
		router.WriteError(w, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeExclusive,
			"User is not in namespace."))
		return
	}
	if taken, err := h.users.Exists(r.Context(), user); err != nil {
		router.WriteError(w, err)
		return
	} else if taken {
		router.WriteError(w, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeUserInUse,
			"Desired user ID is already taken."))
		return
	}

	h.finishRegistration(w, r, user, req)
}

// finishRegistration creates the account and its first device, seeds
// profile and push rules, auto-joins the configured rooms, and makes
// the first registered user a server admin.
func (h *Handlers) finishRegistration(w http.ResponseWriter, r *http.Request, user ref.UserID, req registerRequest) {
	ctx := r.Context()

	if err := h.users.Create(ctx, user, req.Password); err != nil {
		router.WriteError(w, err)
		return
	}

	displayname := user.Localpart()
	if suffix := h.server.NewUserDisplaynameSuffix; suffix != "" {
		displayname += " " + suffix
	}
	if err := h.users.SetDisplayname(ctx, user, displayname); err != nil {
		router.WriteError(w, err)
		return
	}
	if err := h.users.SetAccountData(ctx, ref.RoomID{}, user, "m.push_rules", users.DefaultPushRules(user)); err != nil {
		router.WriteError(w, err)
		return
	}

	h.logger.Info("new user registered", "user", user)

	h.bootstrapFirstAdmin(r, user)
	for _, target := range h.server.AutoJoinRooms {
		if _, err := h.joinRoom(ctx, user, target, "", nil); err != nil {
			h.logger.Warn("auto-join failed", "user", user, "room", target, "error", err)
		}
	}

	response := registerResponse{UserID: user, HomeServer: h.globals.ServerName()}
	if req.InhibitLogin {
		router.WriteJSON(w, http.StatusOK, response)
		return
	}

	token, err := users.NewToken()
	if err != nil {
		router.WriteError(w, err)
		return
	}
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
	if err := h.users.CreateDevice(ctx, user, device, token, req.InitialDeviceDisplayName); err != nil {
		router.WriteError(w, err)
		return
	}

	response.AccessToken = token
	response.DeviceID = &device
	router.WriteJSON(w, http.StatusOK, response)
}

// bootstrapFirstAdmin grants admin rights when the admin room still
// has only the server user in it, which is true exactly once: for the
// first account registered on a fresh server.
func (h *Handlers) bootstrapFirstAdmin(r *http.Request, user ref.UserID) {
	ctx := r.Context()
	room, ok, err := h.admin.AdminRoom(ctx)
	if err != nil || !ok {
		return
	}
	joined, err := h.rooms.JoinedCount(ctx, room)
	if err != nil || joined != 1 {
		return
	}
	if err := h.admin.MakeAdmin(ctx, user); err != nil {
		h.logger.Error("granting first-user admin privileges", "user", user, "error", err)
		return
	}
	h.logger.Warn("granted admin privileges to the first registered user", "user", user)
}

// newLocalUser validates a requested username.
func (h *Handlers) newLocalUser(r *http.Request, username string) (ref.UserID, error) {
	user, err := ref.NewUserID(strings.ToLower(username), h.globals.ServerName())
	if err != nil {
		return ref.UserID{}, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeInvalidUsername, "Username is invalid.")
	}
	if h.globals.ForbiddenUsername(user.Localpart()) {
		return ref.UserID{}, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeUnknown, "Username is forbidden.")
	}
	taken, err := h.users.Exists(r.Context(), user)
	if err != nil {
		return ref.UserID{}, err
	}
	if taken {
		return ref.UserID{}, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeUserInUse,
			"Desired user ID is already taken.")
	}
	return user, nil
}

// randomLocalUser picks an unused random localpart.
func (h *Handlers) randomLocalUser(r *http.Request) (ref.UserID, error) {
	for {
		localpart, err := users.NewToken()
		if err != nil {
			return ref.UserID{}, err
		}
		user, err := ref.NewUserID(strings.ToLower(localpart[:12]), h.globals.ServerName())
		if err != nil {
			return ref.UserID{}, err
		}
		taken, err := h.users.Exists(r.Context(), user)
		if err != nil {
			return ref.UserID{}, err
		}
		if !taken {
			return user, nil
		}
	}
}

// GET /_matrix/client/v3/register/available
func (h *Handlers) registerAvailable(w http.ResponseWriter, r *http.Request) {
	if !h.server.AllowRegistration {
		router.WriteError(w, matrix.Forbidden("Registration has been disabled."))
		return
	}
	if _, err := h.newLocalUser(r, r.URL.Query().Get("username")); err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]bool{"available": true})
}
