// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// queryProfile serves a local user's profile to other servers.
func (h *Handlers) queryProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := ref.ParseUserID(r.URL.Query().Get("user_id"))
	if err != nil {
		router.WriteError(w, matrix.InvalidParam("invalid user id: %s", err))
		return
	}
	if !h.globals.UserIsLocal(user) {
		router.WriteError(w, matrix.InvalidParam("User does not belong to this server."))
		return
	}
	exists, err := h.users.Exists(ctx, user)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if !exists {
		router.WriteError(w, matrix.NotFound("Profile was not found."))
		return
	}

	var resp struct {
		Displayname string `json:"displayname,omitempty"`
		AvatarURL   string `json:"avatar_url,omitempty"`
	}
	field := r.URL.Query().Get("field")
	if field == "" || field == "displayname" {
		resp.Displayname, err = h.users.Displayname(ctx, user)
		if err != nil {
			router.WriteError(w, err)
			return
		}
	}
	if field == "" || field == "avatar_url" {
		resp.AvatarURL, err = h.users.AvatarURL(ctx, user)
		if err != nil {
			router.WriteError(w, err)
			return
		}
	}
	router.WriteJSON(w, http.StatusOK, resp)
}

// queryDirectory resolves one of our room aliases for another server.
func (h *Handlers) queryDirectory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alias, err := ref.ParseRoomAlias(r.URL.Query().Get("room_alias"))
	if err != nil {
		router.WriteError(w, matrix.InvalidParam("invalid room alias: %s", err))
		return
	}
	if alias.Server() != h.globals.ServerName() {
		router.WriteError(w, matrix.InvalidParam("Room alias does not belong to this server."))
		return
	}

	room, ok, err := h.rooms.ResolveLocalAlias(ctx, alias)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if !ok {
		router.WriteError(w, matrix.NotFound("Room alias not found."))
		return
	}

	servers, err := h.rooms.RoomServers(ctx, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if len(servers) == 0 {
		servers = []ref.ServerName{h.globals.ServerName()}
	}
	router.WriteJSON(w, http.StatusOK, struct {
		RoomID  ref.RoomID       `json:"room_id"`
		Servers []ref.ServerName `json:"servers"`
	}{room, servers})
}
