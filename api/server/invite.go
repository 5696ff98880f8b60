// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/serverkeys"
)

// inviteRequest is the body of PUT /invite: the invite event, the room
// version it was built under, and a stripped summary of the room for
// the invited user's clients.
type inviteRequest struct {
	Event           json.RawMessage    `json:"event"`
	InviteRoomState []json.RawMessage  `json:"invite_room_state"`
	RoomVersion     matrix.RoomVersion `json:"room_version"`
}

// invite accepts an invite for a local user: the event is verified,
// countersigned, stored as an outlier, and surfaced to the invited
// user through sync. The countersigned event goes back to the inviting
// server, which sends it into the room on our behalf.
func (h *Handlers) invite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	eventID, err := eventParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	var req inviteRequest
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	rules, ok := req.RoomVersion.Rules()
	if !ok || !h.globals.SupportsRoomVersion(req.RoomVersion) {
		verr := matrix.NewError(http.StatusBadRequest, matrix.ErrCodeIncompatibleRoomVersion,
			"Server does not support this room version.")
		verr.RoomVersion = string(req.RoomVersion)
		router.WriteError(w, verr)
		return
	}
	if err := h.checkRoomACL(r, room); err != nil {
		router.WriteError(w, err)
		return
	}

	obj, err := canonicaljson.Decode(req.Event)
	if err != nil {
		router.WriteError(w, matrix.BadJSON("Invite event is invalid."))
		return
	}
	computed, err := matrix.GenerateEventID(obj, rules)
	if err != nil {
		router.WriteError(w, matrix.BadJSON("%s", err))
		return
	}
	if computed != eventID {
		router.WriteError(w, matrix.BadJSON("Event ID does not match the event."))
		return
	}
	if got := canonicaljson.String(obj, "room_id"); got != room.String() {
		router.WriteError(w, matrix.BadJSON("Event room_id does not match the request path."))
		return
	}
	if got := canonicaljson.String(obj, "type"); got != matrix.TypeMember {
		router.WriteError(w, matrix.BadJSON("Event is not a membership event."))
		return
	}
	content := canonicaljson.Child(obj, "content")
	if got := canonicaljson.String(content, "membership"); got != matrix.MembershipInvite {
		router.WriteError(w, matrix.BadJSON("Event membership is not %q.", matrix.MembershipInvite))
		return
	}

	origin := router.IdentityFrom(ctx).Origin
	sender, err := ref.ParseUserID(canonicaljson.String(obj, "sender"))
	if err != nil {
		router.WriteError(w, matrix.BadJSON("Event sender is not a user ID: %s", err))
		return
	}
	if sender.Server() != origin {
		router.WriteError(w, matrix.Forbidden("Not allowed to invite on behalf of another server."))
		return
	}
	target, err := ref.ParseUserID(canonicaljson.String(obj, "state_key"))
	if err != nil {
		router.WriteError(w, matrix.BadJSON("Event state_key is not a user ID: %s", err))
		return
	}
	if !h.globals.UserIsLocal(target) {
		router.WriteError(w, matrix.BadJSON("User does not belong to this server."))
		return
	}
	exists, err := h.users.Exists(ctx, target)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if !exists {
		router.WriteError(w, matrix.NotFound("Invited user does not exist."))
		return
	}

	verified, err := h.keys.VerifyEvent(ctx, obj, rules)
	if err != nil {
		router.WriteError(w, matrix.Forbidden("Invite event signature check failed: %s", err))
		return
	}
	if verified == serverkeys.VerifiedSignatures {
		obj = canonicaljson.Redact(obj, rules.Redaction)
	}
	if err := h.keys.HashAndSignEvent(obj, rules); err != nil {
		router.WriteError(w, err)
		return
	}

	// Snapshot the countersigned event before ingest reshapes the
	// object in place.
	signed, err := canonicaljson.Encode(obj)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	pdu, err := matrix.FromIncomingFederation(eventID, obj, rules)
	if err != nil {
		router.WriteError(w, matrix.BadJSON("%s", err))
		return
	}
	if err := h.rooms.AddOutlier(ctx, pdu); err != nil {
		router.WriteError(w, err)
		return
	}

	// When no local user is in the room yet the invite will never
	// arrive as a transaction PDU, so mark the membership from here.
	inRoom, err := h.rooms.ServerInRoom(ctx, h.globals.ServerName(), room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if !inRoom {
		stripped := req.InviteRoomState
		own, err := json.Marshal(struct {
			Content  json.RawMessage `json:"content"`
			Sender   ref.UserID      `json:"sender"`
			StateKey string          `json:"state_key"`
			Type     string          `json:"type"`
		}{pdu.Content, pdu.Sender, pdu.StateKeyValue(), pdu.Type})
		if err != nil {
			router.WriteError(w, err)
			return
		}
		stripped = append(stripped, own)
		if err := h.rooms.UpdateMembership(ctx, room, target, matrix.MembershipInvite, sender, stripped, false); err != nil {
			router.WriteError(w, err)
			return
		}
	}

	router.WriteJSON(w, http.StatusOK, struct {
		Event json.RawMessage `json:"event"`
	}{signed})
}
