// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/rooms"
)

type membershipRequest struct {
	UserID ref.UserID `json:"user_id"`
	Reason string     `json:"reason"`
}

// POST /_matrix/client/v3/rooms/{roomId}/join
func (h *Handlers) joinByID(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	h.handleJoin(w, r, room.String())
}

// POST /_matrix/client/v3/join/{roomIdOrAlias}
func (h *Handlers) joinByIDOrAlias(w http.ResponseWriter, r *http.Request) {
	h.handleJoin(w, r, r.PathValue("roomIdOrAlias"))
}

func (h *Handlers) handleJoin(w http.ResponseWriter, r *http.Request, target string) {
	id := router.IdentityFrom(r.Context())

	var req struct {
		Reason string `json:"reason"`
	}
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}

	via := make([]ref.ServerName, 0, 2)
	query := r.URL.Query()
	for _, raw := range append(query["server_name"], query["via"]...) {
		server, err := ref.ParseServerName(raw)
		if err != nil {
			router.WriteError(w, matrix.InvalidParam("invalid server name: %s", err))
			return
		}
		via = append(via, server)
	}

	room, err := h.joinRoom(r.Context(), id.User, target, req.Reason, via)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]ref.RoomID{"room_id": room})
}

// joinRoom resolves a room ID or alias and joins the user, going over
// federation when this server is not yet in the room.
func (h *Handlers) joinRoom(ctx context.Context, user ref.UserID, target, reason string, via []ref.ServerName) (ref.RoomID, error) {
	var room ref.RoomID
	switch {
	case strings.HasPrefix(target, "#"):
		alias, err := ref.ParseRoomAlias(target)
		if err != nil {
			return ref.RoomID{}, matrix.InvalidParam("invalid room alias: %s", err)
		}
		var servers []ref.ServerName
		room, servers, err = h.rooms.ResolveAlias(ctx, alias)
		if err != nil {
			return ref.RoomID{}, err
		}
		via = append(via, servers...)
	default:
		var err error
		room, err = ref.ParseRoomID(target)
		if err != nil {
			return ref.RoomID{}, matrix.InvalidParam("invalid room id: %s", err)
		}
	}
	if err := h.performJoin(ctx, user, room, reason, via); err != nil {
		return ref.RoomID{}, err
	}
	return room, nil
}

func (h *Handlers) performJoin(ctx context.Context, user ref.UserID, room ref.RoomID, reason string, via []ref.ServerName) error {
	if banned, err := h.rooms.IsBanned(ctx, room); err != nil {
		return err
	} else if banned {
		return matrix.Forbidden("This room is banned on this server.")
	}
	if joined, err := h.rooms.IsJoined(ctx, user, room); err != nil {
		return err
	} else if joined {
		return nil
	}

	local, err := h.rooms.ServerInRoom(ctx, h.globals.ServerName(), room)
	if err != nil {
		return err
	}
	if local {
		displayname, _ := h.users.Displayname(ctx, user)
		avatar, _ := h.users.AvatarURL(ctx, user)
		content, err := json.Marshal(matrix.MemberContent{
			Membership:  matrix.MembershipJoin,
			DisplayName: displayname,
			AvatarURL:   avatar,
			Reason:      reason,
		})
		if err != nil {
			return err
		}
		stateKey := user.String()
		_, err = h.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
			Type:     matrix.TypeMember,
			StateKey: &stateKey,
			Content:  content,
		}, user, room)
		return err
	}

	displayname, _ := h.users.Displayname(ctx, user)
	avatar, _ := h.users.AvatarURL(ctx, user)
	profile := matrix.MemberContent{
		DisplayName: displayname,
		AvatarURL:   avatar,
		Reason:      reason,
	}
	return h.rooms.RemoteJoin(ctx, user, room, profile, h.joinCandidates(ctx, user, room, via))
}

// joinCandidates collects servers that may be able to admit us to the
// room: the caller's via list, the room ID's server part, and the
// sender of any pending invite.
func (h *Handlers) joinCandidates(ctx context.Context, user ref.UserID, room ref.RoomID, via []ref.ServerName) []ref.ServerName {
	candidates := make([]ref.ServerName, 0, len(via)+2)
	seen := map[ref.ServerName]bool{h.globals.ServerName(): true}
	add := func(server ref.ServerName) {
		if !seen[server] {
			seen[server] = true
			candidates = append(candidates, server)
		}
	}
	for _, server := range via {
		add(server)
	}
	if server, ok := room.Server(); ok {
		add(server)
	}
	if stripped, ok, err := h.rooms.InviteState(ctx, user, room); err == nil && ok {
		for _, raw := range stripped {
			var event struct {
				Sender ref.UserID `json:"sender"`
			}
			if json.Unmarshal(raw, &event) == nil && !event.Sender.IsZero() {
				add(event.Sender.Server())
			}
		}
	}
	return candidates
}

// POST /_matrix/client/v3/rooms/{roomId}/leave
func (h *Handlers) leave(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	id := router.IdentityFrom(r.Context())
	if err := h.leaveRoom(r.Context(), id.User, room, req.Reason); err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

func (h *Handlers) leaveRoom(ctx context.Context, user ref.UserID, room ref.RoomID, reason string) error {
	joined, err := h.rooms.IsJoined(ctx, user, room)
	if err != nil {
		return err
	}
	invited, err := h.rooms.IsInvited(ctx, user, room)
	if err != nil {
		return err
	}
	knocked, err := h.rooms.IsKnocked(ctx, user, room)
	if err != nil {
		return err
	}
	if !joined && !invited && !knocked {
		return matrix.NewError(http.StatusBadRequest, matrix.ErrCodeBadState,
			"You are not joined, invited or knocking in this room.")
	}

	local, err := h.rooms.ServerInRoom(ctx, h.globals.ServerName(), room)
	if err != nil {
		return err
	}
	if local {
		content, err := json.Marshal(matrix.MemberContent{
			Membership: matrix.MembershipLeave,
			Reason:     reason,
		})
		if err != nil {
			return err
		}
		stateKey := user.String()
		if _, err := h.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
			Type:     matrix.TypeMember,
			StateKey: &stateKey,
			Content:  content,
		}, user, room); err != nil {
			return err
		}
	} else {
		// Rejecting over federation can fail when the inviting server
		// is down. The local membership flips to leave regardless so
		// the invite does not stick around forever.
		if err := h.rooms.RemoteLeave(ctx, user, room); err != nil {
			h.logger.Warn("remote leave failed, recording leave locally",
				"room", room, "user", user, "error", err)
		}
		if err := h.rooms.UpdateMembership(ctx, room, user, matrix.MembershipLeave, user, nil, false); err != nil {
			return err
		}
	}

	if h.server.Federation.ForgetForcedUponLeave {
		return h.rooms.ForgetRoom(ctx, user, room)
	}
	return nil
}

// leaveAllRooms leaves every joined room and rejects every pending
// invite and knock. Failures are logged and skipped so one broken room
// cannot block account deactivation.
func (h *Handlers) leaveAllRooms(ctx context.Context, user ref.UserID) {
	joined, err := h.rooms.RoomsJoined(ctx, user)
	if err != nil {
		h.logger.Warn("listing joined rooms failed", "user", user, "error", err)
	}
	targets := joined
	invited, err := h.rooms.RoomsInvited(ctx, user)
	if err != nil {
		h.logger.Warn("listing invited rooms failed", "user", user, "error", err)
	}
	for _, record := range invited {
		targets = append(targets, record.Room)
	}
	knocked, err := h.rooms.RoomsKnocked(ctx, user)
	if err != nil {
		h.logger.Warn("listing knocked rooms failed", "user", user, "error", err)
	}
	for _, record := range knocked {
		targets = append(targets, record.Room)
	}
	for _, room := range targets {
		if err := h.leaveRoom(ctx, user, room, "Account deactivated."); err != nil {
			h.logger.Warn("leaving room during deactivation failed",
				"room", room, "user", user, "error", err)
		}
	}
}

// POST /_matrix/client/v3/rooms/{roomId}/forget
func (h *Handlers) forget(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	ctx := r.Context()
	id := router.IdentityFrom(ctx)
	joined, err := h.rooms.IsJoined(ctx, id.User, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if joined {
		router.WriteError(w, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeUnknown,
			"You must leave the room before forgetting it."))
		return
	}
	if err := h.rooms.ForgetRoom(ctx, id.User, room); err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// POST /_matrix/client/v3/rooms/{roomId}/invite
func (h *Handlers) invite(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var req membershipRequest
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	if req.UserID.IsZero() {
		router.WriteError(w, matrix.BadJSON("Missing user_id."))
		return
	}
	id, err := h.requireJoined(r, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if err := h.performInvite(r.Context(), id.User, req.UserID, room, false, req.Reason); err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// performInvite issues an invite membership event. Invites to users on
// other servers are built locally, countersigned by the invitee's
// server, and only then admitted to the room.
func (h *Handlers) performInvite(ctx context.Context, sender, target ref.UserID, room ref.RoomID, isDirect bool, reason string) error {
	content := matrix.MemberContent{
		Membership: matrix.MembershipInvite,
		IsDirect:   isDirect,
		Reason:     reason,
	}
	if h.globals.UserIsLocal(target) {
		content.DisplayName, _ = h.users.Displayname(ctx, target)
		content.AvatarURL, _ = h.users.AvatarURL(ctx, target)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	stateKey := target.String()
	builder := rooms.PDUBuilder{
		Type:     matrix.TypeMember,
		StateKey: &stateKey,
		Content:  raw,
	}

	if h.globals.UserIsLocal(target) {
		_, err := h.rooms.BuildAndAppend(ctx, builder, sender, room)
		return err
	}

	pdu, obj, err := h.rooms.BuildPDU(ctx, builder, sender, room)
	if err != nil {
		return err
	}
	stripped, err := h.rooms.StrippedState(ctx, room, pdu)
	if err != nil {
		return err
	}
	version, err := h.rooms.RoomVersion(ctx, room)
	if err != nil {
		return err
	}

	var response struct {
		Event json.RawMessage `json:"event"`
	}
	path := "/_matrix/federation/v2/invite/" + url.PathEscape(room.String()) + "/" + url.PathEscape(pdu.EventID.String())
	err = h.federation.Do(ctx, target.Server(), http.MethodPut, path, map[string]any{
		"event":             matrix.ToOutgoingFederation(obj, version),
		"invite_room_state": stripped,
		"room_version":      version,
	}, &response)
	if err != nil {
		return matrix.NewError(http.StatusInternalServerError, matrix.ErrCodeUnknown,
			"The remote server did not accept the invite: %v", err)
	}
	signed, err := canonicaljson.Decode(response.Event)
	if err != nil {
		return matrix.BadJSON("remote invite response: %v", err)
	}
	return h.rooms.HandleIncomingPDU(ctx, target.Server(), room, pdu.EventID, signed)
}

// POST /_matrix/client/v3/rooms/{roomId}/kick
func (h *Handlers) kick(w http.ResponseWriter, r *http.Request) {
	h.membershipChange(w, r, matrix.MembershipLeave, "kick")
}

// POST /_matrix/client/v3/rooms/{roomId}/ban
func (h *Handlers) ban(w http.ResponseWriter, r *http.Request) {
	h.membershipChange(w, r, matrix.MembershipBan, "ban")
}

// POST /_matrix/client/v3/rooms/{roomId}/unban
func (h *Handlers) unban(w http.ResponseWriter, r *http.Request) {
	h.membershipChange(w, r, matrix.MembershipLeave, "unban")
}

func (h *Handlers) membershipChange(w http.ResponseWriter, r *http.Request, membership, action string) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var req membershipRequest
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	if req.UserID.IsZero() {
		router.WriteError(w, matrix.BadJSON("Missing user_id."))
		return
	}
	ctx := r.Context()
	id, err := h.requireJoined(r, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	current := ""
	if existing, err := h.rooms.RoomStateGet(ctx, room, matrix.TypeMember, req.UserID.String()); err != nil {
		router.WriteError(w, err)
		return
	} else if existing != nil {
		current = existing.Membership()
	}
	switch action {
	case "kick":
		if current != matrix.MembershipJoin && current != matrix.MembershipInvite && current != matrix.MembershipKnock {
			router.WriteError(w, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeBadState,
				"Cannot kick a user who is not in the room."))
			return
		}
	case "unban":
		if current != matrix.MembershipBan {
			router.WriteError(w, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeBadState,
				"Cannot unban a user who is not banned."))
			return
		}
	}

	content, err := json.Marshal(matrix.MemberContent{
		Membership: membership,
		Reason:     req.Reason,
	})
	if err != nil {
		router.WriteError(w, err)
		return
	}
	stateKey := req.UserID.String()
	if _, err := h.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
		Type:     matrix.TypeMember,
		StateKey: &stateKey,
		Content:  content,
	}, id.User, room); err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// GET /_matrix/client/v3/joined_rooms
func (h *Handlers) joinedRooms(w http.ResponseWriter, r *http.Request) {
	id := router.IdentityFrom(r.Context())
	joined, err := h.rooms.RoomsJoined(r.Context(), id.User)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if joined == nil {
		joined = []ref.RoomID{}
	}
	router.WriteJSON(w, http.StatusOK, map[string][]ref.RoomID{"joined_rooms": joined})
}

// GET /_matrix/client/v3/rooms/{roomId}/members
func (h *Handlers) members(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	ctx := r.Context()
	id := router.IdentityFrom(ctx)
	allowed, err := h.rooms.UserCanSeeState(ctx, id.User, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if !allowed {
		router.WriteError(w, matrix.Forbidden("You are not allowed to see the members of this room."))
		return
	}

	wantMembership := r.URL.Query().Get("membership")
	notMembership := r.URL.Query().Get("not_membership")
	state, err := h.rooms.RoomStateFull(ctx, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	chunk := []*matrix.ClientEvent{}
	for tuple, pdu := range state {
		if tuple.Type != matrix.TypeMember {
			continue
		}
		membership := pdu.Membership()
		if wantMembership != "" && membership != wantMembership {
			continue
		}
		if notMembership != "" && membership == notMembership {
			continue
		}
		chunk = append(chunk, matrix.NewClientEvent(pdu))
	}
	router.WriteJSON(w, http.StatusOK, map[string][]*matrix.ClientEvent{"chunk": chunk})
}

type joinedMember struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// GET /_matrix/client/v3/rooms/{roomId}/joined_members
func (h *Handlers) joinedMembers(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if _, err := h.requireJoined(r, room); err != nil {
		router.WriteError(w, err)
		return
	}
	state, err := h.rooms.RoomStateFull(r.Context(), room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	joined := map[string]joinedMember{}
	for tuple, pdu := range state {
		if tuple.Type != matrix.TypeMember || pdu.Membership() != matrix.MembershipJoin {
			continue
		}
		var content matrix.MemberContent
		if err := json.Unmarshal(pdu.Content, &content); err != nil {
			continue
		}
		joined[tuple.StateKey] = joinedMember{
			DisplayName: content.DisplayName,
			AvatarURL:   content.AvatarURL,
		}
	}
	router.WriteJSON(w, http.StatusOK, map[string]map[string]joinedMember{"joined": joined})
}
