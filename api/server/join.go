// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/rooms"
)

// makeMembershipResponse is the body of make_join and make_leave: the
// room's version and an unsigned template event for the requesting
// server to complete.
type makeMembershipResponse struct {
	RoomVersion matrix.RoomVersion `json:"room_version"`
	Event       json.RawMessage    `json:"event"`
}

// roomStateResponse is the body of send_join: the room state and its
// auth chain at the point the event entered the room, plus the event
// as we stored it.
type roomStateResponse struct {
	Origin    ref.ServerName    `json:"origin"`
	AuthChain []json.RawMessage `json:"auth_chain"`
	State     []json.RawMessage `json:"state"`
	Event     json.RawMessage   `json:"event,omitempty"`
}

// makeJoin hands the joining server a membership template. The room
// version must be among the versions the caller advertised, and for
// restricted rooms the template names a local user able to authorize
// the join.
func (h *Handlers) makeJoin(w http.ResponseWriter, r *http.Request) {
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
		router.WriteError(w, matrix.BadJSON("Not allowed to join on behalf of another server/user."))
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
	// Callers that send no ver list only speak room version 1.
	accepted := r.URL.Query()["ver"]
	if len(accepted) == 0 {
		accepted = []string{"1"}
	}
	if !slices.Contains(accepted, string(version)) {
		verr := matrix.NewError(http.StatusBadRequest, matrix.ErrCodeIncompatibleRoomVersion,
			"Room version not supported.")
		verr.RoomVersion = string(version)
		router.WriteError(w, verr)
		return
	}

	content := matrix.MemberContent{Membership: matrix.MembershipJoin}
	authorizer, needed, err := h.rooms.JoinAuthorizer(ctx, room, user)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if needed {
		content.JoinAuthorisedViaUsersServer = authorizer.String()
	}
	rawContent, err := json.Marshal(content)
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

// sendJoin accepts the completed join event, runs it through the
// incoming event pipeline, and returns the room state from before the
// join along with its auth chain.
func (h *Handlers) sendJoin(w http.ResponseWriter, r *http.Request) {
	resp, err := h.acceptJoin(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, resp)
}

// sendJoinV1 is the deprecated variant whose response body is wrapped
// in a [200, body] tuple.
func (h *Handlers) sendJoinV1(w http.ResponseWriter, r *http.Request) {
	resp, err := h.acceptJoin(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, []any{http.StatusOK, resp})
}

func (h *Handlers) acceptJoin(r *http.Request) (*roomStateResponse, error) {
	ctx := r.Context()
	room, err := roomParam(r)
	if err != nil {
		return nil, err
	}
	eventID, err := eventParam(r)
	if err != nil {
		return nil, err
	}

	exists, err := h.rooms.RoomExists(ctx, room)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, matrix.NotFound("Room is unknown to this server.")
	}
	if err := h.checkRoomACL(r, room); err != nil {
		return nil, err
	}

	version, err := h.rooms.RoomVersion(ctx, room)
	if err != nil {
		return nil, err
	}
	rules, err := h.rooms.RoomRules(ctx, room)
	if err != nil {
		return nil, err
	}

	obj, err := readEventBody(r, rules, eventID)
	if err != nil {
		return nil, err
	}

	origin := router.IdentityFrom(ctx).Origin
	if err := checkMembershipEvent(obj, room, origin, matrix.MembershipJoin); err != nil {
		return nil, err
	}

	// A restricted join arrives signed against a template authorizer;
	// replace that with a live signature of ours before verification.
	var member matrix.MemberContent
	content := canonicaljson.Child(obj, "content")
	raw, err := canonicaljson.Encode(content)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &member); err != nil {
		return nil, matrix.BadJSON("event content is not a membership content")
	}
	if member.JoinAuthorisedViaUsersServer != "" {
		authorizer, err := ref.ParseUserID(member.JoinAuthorisedViaUsersServer)
		if err != nil {
			return nil, matrix.BadJSON("join_authorised_via_users_server is not a user ID: %s", err)
		}
		if h.globals.UserIsLocal(authorizer) {
			if err := h.keys.HashAndSignEvent(obj, rules); err != nil {
				return nil, err
			}
		}
	}

	// Snapshot the event before ingest reshapes the object in place.
	signed, err := canonicaljson.Encode(obj)
	if err != nil {
		return nil, err
	}

	if err := h.rooms.HandleIncomingPDU(ctx, origin, room, eventID, obj); err != nil {
		return nil, err
	}

	state, chain, err := h.stateBeforeEvent(ctx, room, version, eventID)
	if err != nil {
		return nil, err
	}
	return &roomStateResponse{
		Origin:    h.globals.ServerName(),
		AuthChain: chain,
		State:     state,
		Event:     signed,
	}, nil
}

// readEventBody decodes the request body as a federation-format event
// and checks that it hashes to the event ID in the request path.
func readEventBody(r *http.Request, rules matrix.Rules, eventID ref.EventID) (canonicaljson.Object, error) {
	body, err := router.ReadBody(r)
	if err != nil {
		return nil, err
	}
	obj, err := canonicaljson.Decode(body)
	if err != nil {
		return nil, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeNotJSON, "request body is not valid JSON")
	}
	computed, err := matrix.GenerateEventID(obj, rules)
	if err != nil {
		return nil, matrix.BadJSON("%s", err)
	}
	if computed != eventID {
		return nil, matrix.BadJSON("Event ID does not match the event.")
	}
	return obj, nil
}

// checkMembershipEvent validates the shape of an event submitted to a
// membership endpoint: a member state event about the sender, with the
// expected membership, for the room in the request path, sent by a
// user of the requesting server.
func checkMembershipEvent(obj canonicaljson.Object, room ref.RoomID, origin ref.ServerName, membership string) error {
	if got := canonicaljson.String(obj, "room_id"); got != room.String() {
		return matrix.BadJSON("Event room_id does not match the request path.")
	}
	if got := canonicaljson.String(obj, "type"); got != matrix.TypeMember {
		return matrix.BadJSON("Event is not a membership event.")
	}
	sender, err := ref.ParseUserID(canonicaljson.String(obj, "sender"))
	if err != nil {
		return matrix.BadJSON("Event sender is not a user ID: %s", err)
	}
	if sender.Server() != origin {
		return matrix.Forbidden("Not allowed to send membership events on behalf of another server.")
	}
	if got := canonicaljson.String(obj, "state_key"); got != sender.String() {
		return matrix.BadJSON("Event state_key does not match the sender.")
	}
	content := canonicaljson.Child(obj, "content")
	if got := canonicaljson.String(content, "membership"); got != membership {
		return matrix.BadJSON("Event membership is not %q.", membership)
	}
	return nil
}

// stateBeforeEvent renders the room state snapshot from just before
// the event, and the auth chain of that snapshot, in wire form.
func (h *Handlers) stateBeforeEvent(ctx context.Context, room ref.RoomID, version matrix.RoomVersion, event ref.EventID) (state, authChain []json.RawMessage, err error) {
	hash, ok, err := h.rooms.EventStateHash(ctx, event)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, matrix.NewError(http.StatusInternalServerError, matrix.ErrCodeUnknown,
			"state at event %s is not known", event)
	}
	stateMap, err := h.rooms.StateMapAt(ctx, hash)
	if err != nil {
		return nil, nil, err
	}

	stateIDs := make([]ref.EventID, 0, len(stateMap))
	for _, id := range stateMap {
		stateIDs = append(stateIDs, id)
	}
	chainSet, err := h.rooms.AuthChain(ctx, room, stateIDs)
	if err != nil {
		return nil, nil, err
	}
	chainIDs := make([]ref.EventID, 0, len(chainSet))
	for id := range chainSet {
		chainIDs = append(chainIDs, id)
	}

	state, err = h.wirePDUs(ctx, version, stateIDs)
	if err != nil {
		return nil, nil, err
	}
	authChain, err = h.wirePDUs(ctx, version, chainIDs)
	if err != nil {
		return nil, nil, err
	}
	return state, authChain, nil
}
