// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/rooms"
)

// makeLeave hands the leaving server a membership template.
func (h *Handlers) makeLeave(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	user, err := userParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	exists, err := h.rooms.RoomExists(ctx, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if !exists {
		router.WriteError(w, matrix.NotFound("Room is unknown to this server."))
		return
	}

	origin := router.IdentityFrom(ctx).Origin
	if user.Server() != origin {
		router.WriteError(w, matrix.Forbidden("Not allowed to leave on behalf of another server/user."))
		return
	}
	if err := h.checkRoomACL(r, room); err != nil {
		router.WriteError(w, err)
		return
	}

	version, err := h.rooms.RoomVersion(ctx, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	rawContent, err := json.Marshal(matrix.MemberContent{Membership: matrix.MembershipLeave})
	if err != nil {
		router.WriteError(w, err)
		return
	}
	stateKey := user.String()
	_, obj, err := h.rooms.BuildPDU(ctx, rooms.PDUBuilder{
		Type:     matrix.TypeMember,
		Content:  rawContent,
		StateKey: &stateKey,
	}, user, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	event, err := canonicaljson.Encode(matrix.ToOutgoingFederation(obj, version))
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, makeMembershipResponse{
		RoomVersion: version,
		Event:       event,
	})
}

// sendLeave accepts the completed leave event and runs it through the
// incoming event pipeline. The response body is an empty object.
func (h *Handlers) sendLeave(w http.ResponseWriter, r *http.Request) {
	if err := h.acceptLeave(r); err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// sendLeaveV1 is the deprecated variant whose response body is wrapped
// in a [200, body] tuple.
func (h *Handlers) sendLeaveV1(w http.ResponseWriter, r *http.Request) {
	if err := h.acceptLeave(r); err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, []any{http.StatusOK, struct{}{}})
}

func (h *Handlers) acceptLeave(r *http.Request) error {
	ctx := r.Context()
	room, err := roomParam(r)
	if err != nil {
		return err
	}
	eventID, err := eventParam(r)
	if err != nil {
		return err
	}

	exists, err := h.rooms.RoomExists(ctx, room)
	if err != nil {
		return err
	}
	if !exists {
		return matrix.NotFound("Room is unknown to this server.")
	}
	if err := h.checkRoomACL(r, room); err != nil {
		return err
	}

	rules, err := h.rooms.RoomRules(ctx, room)
	if err != nil {
		return err
	}
	obj, err := readEventBody(r, rules, eventID)
	if err != nil {
		return err
	}

	origin := router.IdentityFrom(ctx).Origin
	if err := checkMembershipEvent(obj, room, origin, matrix.MembershipLeave); err != nil {
		return err
	}
	return h.rooms.HandleIncomingPDU(ctx, origin, room, eventID, obj)
}
