// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"net/http"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/uiaa"
)

// passwordFlows is the interactive-auth requirement for account
// changes: re-prove the password.
var passwordFlows = []uiaa.Flow{{Stages: []string{uiaa.TypePassword}}}

// POST /_matrix/client/v3/account/password
func (h *Handlers) changePassword(w http.ResponseWriter, r *http.Request) {
	id := router.IdentityFrom(r.Context())

	body, err := router.ReadBody(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	req := struct {
		NewPassword   string     `json:"new_password"`
		LogoutDevices *bool      `json:"logout_devices"`
		Auth          *uiaa.Auth `json:"auth"`
	}{}
	if err := router.DecodeJSON(body, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	if !h.completeUIAA(w, r, id.User, id.Device, passwordFlows, body, req.Auth) {
		return
	}
	if req.NewPassword == "" {
		router.WriteError(w, matrix.BadJSON("Missing new_password."))
		return
	}

	if err := h.users.SetPassword(r.Context(), id.User, req.NewPassword); err != nil {
		router.WriteError(w, err)
		return
	}

	// Other sessions are signed out unless the client opts out.
	if req.LogoutDevices == nil || *req.LogoutDevices {
		devices, err := h.users.Devices(r.Context(), id.User)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		for _, device := range devices {
			if device.ID == id.Device {
				continue
			}
			if err := h.users.RemoveDevice(r.Context(), id.User, device.ID); err != nil {
				router.WriteError(w, err)
				return
			}
		}
	}

	h.logger.Info("password changed", "user", id.User)
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// POST /_matrix/client/v3/account/deactivate
func (h *Handlers) deactivate(w http.ResponseWriter, r *http.Request) {
	id := router.IdentityFrom(r.Context())

	body, err := router.ReadBody(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	req := struct {
		Auth *uiaa.Auth `json:"auth"`
	}{}
	if err := router.DecodeJSON(body, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	if !h.completeUIAA(w, r, id.User, id.Device, passwordFlows, body, req.Auth) {
		return
	}

	ctx := r.Context()
	h.leaveAllRooms(ctx, id.User)
	if err := h.users.SetDisplayname(ctx, id.User, ""); err != nil {
		router.WriteError(w, err)
		return
	}
	if err := h.users.SetAvatarURL(ctx, id.User, ""); err != nil {
		router.WriteError(w, err)
		return
	}
	if err := h.users.Deactivate(ctx, id.User); err != nil {
		router.WriteError(w, err)
		return
	}

	router.WriteJSON(w, http.StatusOK, map[string]string{"id_server_unbind_result": "no-support"})
}

// accountDataTarget parses the shared path parameters of the account
// data routes and checks the identity against them. The room is zero
// for the global variant.
func (h *Handlers) accountDataTarget(r *http.Request) (ref.UserID, ref.RoomID, string, error) {
	user, err := userParam(r)
	if err != nil {
		return ref.UserID{}, ref.RoomID{}, "", err
	}
	id := router.IdentityFrom(r.Context())
	if id.User != user {
		return ref.UserID{}, ref.RoomID{}, "", matrix.Forbidden("You cannot access account data of other users.")
	}
	var room ref.RoomID
	if raw := r.PathValue("roomId"); raw != "" {
		room, err = ref.ParseRoomID(raw)
		if err != nil {
			return ref.UserID{}, ref.RoomID{}, "", matrix.InvalidParam("invalid room id: %s", err)
		}
	}
	return user, room, r.PathValue("type"), nil
}

// PUT /_matrix/client/v3/user/{userId}/account_data/{type}
// PUT /_matrix/client/v3/user/{userId}/rooms/{roomId}/account_data/{type}
func (h *Handlers) setAccountData(w http.ResponseWriter, r *http.Request) {
	user, room, eventType, err := h.accountDataTarget(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	body, err := router.ReadBody(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var content map[string]json.RawMessage
	if err := router.DecodeJSON(body, &content); err != nil {
		router.WriteError(w, err)
		return
	}
	if err := h.users.SetAccountData(r.Context(), room, user, eventType, body); err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// GET /_matrix/client/v3/user/{userId}/account_data/{type}
// GET /_matrix/client/v3/user/{userId}/rooms/{roomId}/account_data/{type}
func (h *Handlers) accountData(w http.ResponseWriter, r *http.Request) {
	user, room, eventType, err := h.accountDataTarget(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	content, err := h.users.AccountData(r.Context(), room, user, eventType)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if content == nil {
		router.WriteError(w, matrix.NotFound("Account data was not found."))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(content)
}

// POST /_matrix/client/v3/user/{userId}/filter
func (h *Handlers) createFilter(w http.ResponseWriter, r *http.Request) {
	user, err := userParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	id := router.IdentityFrom(r.Context())
	if id.User != user {
		router.WriteError(w, matrix.Forbidden("You cannot create filters for other users."))
		return
	}
	body, err := router.ReadBody(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var filter map[string]json.RawMessage
	if err := router.DecodeJSON(body, &filter); err != nil {
		router.WriteError(w, err)
		return
	}
	filterID, err := h.users.CreateFilter(r.Context(), user, body)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]string{"filter_id": filterID})
}

// GET /_matrix/client/v3/user/{userId}/filter/{filterId}
func (h *Handlers) filter(w http.ResponseWriter, r *http.Request) {
	user, err := userParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	id := router.IdentityFrom(r.Context())
	if id.User != user {
		router.WriteError(w, matrix.Forbidden("You cannot access filters of other users."))
		return
	}
	filter, err := h.users.Filter(r.Context(), user, r.PathValue("filterId"))
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if filter == nil {
		router.WriteError(w, matrix.NotFound("Filter was not found."))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(filter)
}
