// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"net/http"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// GET /_matrix/client/v3/directory/room/{roomAlias}
func (h *Handlers) resolveAlias(w http.ResponseWriter, r *http.Request) {
	alias, err := aliasParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	ctx := r.Context()
	room, servers, err := h.rooms.ResolveAlias(ctx, alias)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	// For rooms this server participates in, the member servers make
	// better join candidates than the bare alias server.
	if known, err := h.rooms.RoomServers(ctx, room); err == nil && len(known) > 0 {
		servers = known
	}
	router.WriteJSON(w, http.StatusOK, map[string]any{
		"room_id": room,
		"servers": servers,
	})
}

// PUT /_matrix/client/v3/directory/room/{roomAlias}
func (h *Handlers) createAlias(w http.ResponseWriter, r *http.Request) {
	alias, err := aliasParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var req struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	if req.RoomID.IsZero() {
		router.WriteError(w, matrix.BadJSON("Missing room_id."))
		return
	}

	ctx := r.Context()
	id := router.IdentityFrom(ctx)
	if !h.globals.ServerIsOurs(alias.Server()) {
		router.WriteError(w, matrix.Forbidden("Alias is not on this server."))
		return
	}
	if h.globals.ForbiddenAlias(alias.Localpart()) && !h.admin.IsAdmin(ctx, id.User) {
		router.WriteError(w, matrix.Forbidden("Room alias is forbidden."))
		return
	}
	if exists, err := h.rooms.RoomExists(ctx, req.RoomID); err != nil {
		router.WriteError(w, err)
		return
	} else if !exists {
		router.WriteError(w, matrix.NotFound("Room not found."))
		return
	}
	if err := h.rooms.SetAlias(ctx, alias, req.RoomID); err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// DELETE /_matrix/client/v3/directory/room/{roomAlias}
func (h *Handlers) deleteAlias(w http.ResponseWriter, r *http.Request) {
	alias, err := aliasParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	ctx := r.Context()
	id := router.IdentityFrom(ctx)
	if !h.globals.ServerIsOurs(alias.Server()) {
		router.WriteError(w, matrix.Forbidden("Alias is not on this server."))
		return
	}
	force := h.admin.IsAdmin(ctx, id.User)
	if err := h.rooms.RemoveAlias(ctx, alias, id.User, force); err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// GET /_matrix/client/v3/directory/list/room/{roomId}
func (h *Handlers) visibility(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	ctx := r.Context()
	if exists, err := h.rooms.RoomExists(ctx, room); err != nil {
		router.WriteError(w, err)
		return
	} else if !exists {
		router.WriteError(w, matrix.NotFound("Room not found."))
		return
	}
	public, err := h.rooms.IsPublic(ctx, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	visibility := "private"
	if public {
		visibility = "public"
	}
	router.WriteJSON(w, http.StatusOK, map[string]string{"visibility": visibility})
}

// PUT /_matrix/client/v3/directory/list/room/{roomId}
func (h *Handlers) setVisibility(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var req struct {
		Visibility string `json:"visibility"`
	}
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	var public bool
	switch req.Visibility {
	case "public":
		public = true
	case "private", "":
	default:
		router.WriteError(w, matrix.InvalidParam("visibility must be public or private"))
		return
	}

	ctx := r.Context()
	id, err := h.requireJoined(r, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	// Listing a room takes the same power as naming it.
	level, err := h.rooms.UserPowerLevel(ctx, room, id.User)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	pl, err := h.rooms.RoomPowerLevels(ctx, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if level < pl.StateDefault && !h.admin.IsAdmin(ctx, id.User) {
		router.WriteError(w, matrix.Forbidden("You are not allowed to change this room's directory visibility."))
		return
	}
	if err := h.rooms.SetPublic(ctx, room, public); err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}
