// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/matrix/eventauth"
)

// maxPrevEvents caps how many forward extremities a new event
// references.
const maxPrevEvents = 20

// PDUBuilder carries the caller-supplied parts of a new event. The
// remaining fields (prev events, auth events, depth, hashes,
// signatures, event ID) are computed during BuildAndAppend.
type PDUBuilder struct {
	Type      string
	Content   json.RawMessage
	Unsigned  json.RawMessage
	StateKey  *string
	Redacts   *ref.EventID
	Timestamp int64
}

// BuildAndAppend builds a complete event from the builder, checks it
// against the room's current state, and appends it to the timeline.
// For state events the room state advances to include the event.
func (s *Service) BuildAndAppend(ctx context.Context, builder PDUBuilder, sender ref.UserID, room ref.RoomID) (*matrix.PDU, error) {
	mutex := s.roomMutex(room)
	mutex.Lock()

	pdu, err := s.buildAndAppendLocked(ctx, builder, sender, room)
	mutex.Unlock()
	if err != nil {
		return nil, err
	}

	s.fireAppendHooks(ctx, pdu)
	return pdu, nil
}

func (s *Service) buildAndAppendLocked(ctx context.Context, builder PDUBuilder, sender ref.UserID, room ref.RoomID) (*matrix.PDU, error) {
	signed, _, err := s.buildLocked(ctx, builder, sender, room)
	if err != nil {
		return nil, err
	}

	stateHash, err := s.AppendToState(ctx, signed)
	if err != nil {
		return nil, err
	}
	if _, err := s.AppendPDU(ctx, signed, []ref.EventID{signed.EventID}); err != nil {
		return nil, err
	}
	if err := s.SetRoomState(ctx, room, stateHash); err != nil {
		return nil, err
	}
	return signed, nil
}

// BuildPDU builds and signs an event against the room's current state
// without appending it. Callers that need another server's signature
// before the event enters the room, such as invites to remote users,
// build here and later admit the countersigned object through
// HandleIncomingPDU.
func (s *Service) BuildPDU(ctx context.Context, builder PDUBuilder, sender ref.UserID, room ref.RoomID) (*matrix.PDU, canonicaljson.Object, error) {
	mutex := s.roomMutex(room)
	mutex.Lock()
	defer mutex.Unlock()
	return s.buildLocked(ctx, builder, sender, room)
}

func (s *Service) buildLocked(ctx context.Context, builder PDUBuilder, sender ref.UserID, room ref.RoomID) (*matrix.PDU, canonicaljson.Object, error) {
	prevs, err := s.ForwardExtremities(ctx, room)
	if err != nil {
		return nil, nil, err
	}
	if len(prevs) > maxPrevEvents {
		prevs = prevs[:maxPrevEvents]
	}

	rules, err := s.buildRules(ctx, builder, room, prevs)
	if err != nil {
		return nil, nil, err
	}

	// The create event has no auth events; everything after draws
	// them from the current state.
	authState := map[eventauth.StateKeyTuple]*matrix.PDU{}
	if builder.Type != matrix.TypeCreate || builder.StateKey == nil || *builder.StateKey != "" {
		authState, err = s.AuthEventSelection(ctx, room, builder.Type, sender, builder.StateKey, builder.Content)
		if err != nil {
			return nil, nil, err
		}
	}

	depth := int64(1)
	for _, prev := range prevs {
		pdu, err := s.PDUByID(ctx, prev)
		if err != nil {
			return nil, nil, err
		}
		if pdu != nil && pdu.Depth >= depth {
			depth = pdu.Depth + 1
		}
	}

	authEvents := make([]ref.EventID, 0, len(authState))
	for _, pdu := range authState {
		authEvents = append(authEvents, pdu.EventID)
	}

	timestamp := builder.Timestamp
	if timestamp == 0 {
		timestamp = s.clock.Now().UnixMilli()
	}

	pdu := &matrix.PDU{
		RoomID:         room,
		Sender:         sender,
		OriginServerTS: timestamp,
		Type:           builder.Type,
		Content:        builder.Content,
		StateKey:       builder.StateKey,
		PrevEvents:     prevs,
		Depth:          depth,
		AuthEvents:     authEvents,
		Redacts:        builder.Redacts,
		Unsigned:       builder.Unsigned,
	}
	if rules.EventFormat.RequireEventID {
		// Domained event IDs carry the origin as their server part.
		origin := s.globals.ServerName()
		pdu.Origin = &origin
	}

	if err := s.runBuildChecks(ctx, pdu); err != nil {
		return nil, nil, err
	}

	if err := s.checkBuiltEvent(ctx, rules, pdu, authState, room); err != nil {
		return nil, nil, err
	}

	obj, err := pdu.Canonical()
	if err != nil {
		return nil, nil, err
	}
	delete(obj, "unsigned")
	eventID, err := s.keys.GenerateEventIDHashAndSign(obj, rules)
	if err != nil {
		return nil, nil, err
	}

	signed, err := matrix.PDUFromCanonical(eventID, obj)
	if err != nil {
		return nil, nil, err
	}
	signed.Unsigned = pdu.Unsigned
	return signed, obj, nil
}

// buildRules resolves the room version rules for the event under
// construction. The create event bootstraps: its version comes from
// its own content, and it must be first in the room.
func (s *Service) buildRules(ctx context.Context, builder PDUBuilder, room ref.RoomID, prevs []ref.EventID) (matrix.Rules, error) {
	if builder.Type == matrix.TypeCreate && builder.StateKey != nil && *builder.StateKey == "" {
		if len(prevs) > 0 {
			return matrix.Rules{}, matrix.Forbidden("room %s already has a create event", room)
		}
		var content struct {
			RoomVersion matrix.RoomVersion `json:"room_version"`
		}
		if err := json.Unmarshal(builder.Content, &content); err != nil {
			return matrix.Rules{}, matrix.BadJSON("create content: %v", err)
		}
		if content.RoomVersion == "" {
			content.RoomVersion = matrix.RoomV1
		}
		rules, ok := content.RoomVersion.Rules()
		if !ok {
			return matrix.Rules{}, matrix.NewError(400, matrix.ErrCodeUnsupportedRoomVersion, "room version %q is not supported", string(content.RoomVersion))
		}
		return rules, nil
	}
	if len(prevs) == 0 {
		return matrix.Rules{}, matrix.NotFound("room %s is unknown to this server", room)
	}
	return s.RoomRules(ctx, room)
}

// checkBuiltEvent runs the authorization rules against the selected
// auth events plus event-specific local policy.
func (s *Service) checkBuiltEvent(ctx context.Context, rules matrix.Rules, pdu *matrix.PDU, authState map[eventauth.StateKeyTuple]*matrix.PDU, room ref.RoomID) error {
	byID := make(map[ref.EventID]*matrix.PDU, len(authState))
	for _, auth := range authState {
		byID[auth.EventID] = auth
	}
	events := eventauth.EventSourceFunc(func(ctx context.Context, eventID ref.EventID) (*matrix.PDU, error) {
		if pdu, ok := byID[eventID]; ok {
			return pdu, nil
		}
		return s.PDUByID(ctx, eventID)
	})
	state := s.selectionStateSource(room, authState)
	if err := eventauth.Check(ctx, rules, pdu, events, state); err != nil {
		return matrix.Forbidden("event not authorized: %v", err)
	}

	if pdu.Type == matrix.TypeRedaction {
		if target, ok := pdu.RedactsID(rules); ok {
			allowed, err := s.UserCanRedact(ctx, target, pdu.Sender, room, false)
			if err != nil {
				return err
			}
			if !allowed {
				return matrix.Forbidden("%s cannot redact %s", pdu.Sender, target)
			}
		}
	}

	if pdu.Type == matrix.TypeMember {
		if err := s.checkJoinAuthorization(ctx, pdu, room); err != nil {
			return err
		}
	}
	return nil
}

// checkJoinAuthorization validates join_authorised_via_users_server
// on restricted joins built locally: the authorizing user must be one
// of ours, joined, and able to invite.
func (s *Service) checkJoinAuthorization(ctx context.Context, pdu *matrix.PDU, room ref.RoomID) error {
	var content struct {
		Membership   string `json:"membership"`
		AuthorisedBy string `json:"join_authorised_via_users_server"`
	}
	if err := json.Unmarshal(pdu.Content, &content); err != nil || content.AuthorisedBy == "" {
		return nil
	}
	if content.Membership != matrix.MembershipJoin {
		return nil
	}
	authorizer, err := ref.ParseUserID(content.AuthorisedBy)
	if err != nil {
		return matrix.InvalidParam("join_authorised_via_users_server: %v", err)
	}
	if !s.globals.UserIsLocal(authorizer) {
		return matrix.NewError(400, matrix.ErrCodeUnableToAuthorizeJoin, "authorizing user %s is not local", authorizer)
	}
	joined, err := s.IsJoined(ctx, authorizer, room)
	if err != nil {
		return err
	}
	if !joined {
		return matrix.NewError(400, matrix.ErrCodeUnableToAuthorizeJoin, "authorizing user %s is not in the room", authorizer)
	}
	canInvite, err := s.UserCanInvite(ctx, room, authorizer)
	if err != nil {
		return err
	}
	if !canInvite {
		return matrix.NewError(400, matrix.ErrCodeUnableToAuthorizeJoin, "authorizing user %s cannot invite", authorizer)
	}
	return nil
}

// JoinAuthorizer picks a local user able to vouch for a restricted
// join: the joiner must qualify under the room's allow rules (or hold
// an invite), and the authorizing user must be joined here with the
// power to invite. Reports false when the room's join rule does not
// call for an authorized join.
func (s *Service) JoinAuthorizer(ctx context.Context, room ref.RoomID, joiner ref.UserID) (ref.UserID, bool, error) {
	rules, err := s.RoomRules(ctx, room)
	if err != nil {
		return ref.UserID{}, false, err
	}
	if !rules.Authorization.RestrictedJoins {
		return ref.UserID{}, false, nil
	}
	if joined, err := s.IsJoined(ctx, joiner, room); err != nil || joined {
		return ref.UserID{}, false, err
	}

	invited, err := s.IsInvited(ctx, joiner, room)
	if err != nil {
		return ref.UserID{}, false, err
	}
	if !invited {
		joinRules, err := s.RoomStateGet(ctx, room, matrix.TypeJoinRules, "")
		if err != nil || joinRules == nil {
			return ref.UserID{}, false, err
		}
		var content matrix.JoinRulesContent
		if err := json.Unmarshal(joinRules.Content, &content); err != nil {
			return ref.UserID{}, false, nil
		}
		if content.JoinRule != matrix.JoinRuleRestricted && content.JoinRule != matrix.JoinRuleKnockRestricted {
			return ref.UserID{}, false, nil
		}
		allowed := content.RestrictedRoomIDs()
		if len(allowed) == 0 {
			return ref.UserID{}, false, nil
		}
		qualifies := false
		for _, allowRoom := range allowed {
			member, err := s.IsJoined(ctx, joiner, allowRoom)
			if err != nil {
				return ref.UserID{}, false, err
			}
			if member {
				qualifies = true
				break
			}
		}
		if !qualifies {
			return ref.UserID{}, false, matrix.NewError(400, matrix.ErrCodeUnableToAuthorizeJoin,
				"Joining user is not known to be in any required room.")
		}
	}

	locals, err := s.ActiveLocalMembers(ctx, room)
	if err != nil {
		return ref.UserID{}, false, err
	}
	for _, local := range locals {
		canInvite, err := s.UserCanInvite(ctx, room, local)
		if err != nil {
			return ref.UserID{}, false, err
		}
		if canInvite {
			return local, true, nil
		}
	}
	return ref.UserID{}, false, matrix.NewError(400, matrix.ErrCodeUnableToGrantJoin,
		"No user on this server is able to assist in joining.")
}

// CreateRoom builds and appends a room's create event and returns the
// new room's ID. Versions up to 11 mint a local room ID first; from
// version 12 the room ID is derived from the signed create event, so
// the event is completed before the room exists.
func (s *Service) CreateRoom(ctx context.Context, sender ref.UserID, version matrix.RoomVersion, content json.RawMessage) (ref.RoomID, *matrix.PDU, error) {
	rules, ok := version.Rules()
	if !ok {
		return ref.RoomID{}, nil, matrix.NewError(400, matrix.ErrCodeUnsupportedRoomVersion, "room version %q is not supported", string(version))
	}

	contentObj := canonicaljson.Object{}
	if len(content) > 0 {
		decoded, err := canonicaljson.Decode(content)
		if err != nil {
			return ref.RoomID{}, nil, matrix.BadJSON("create content: %v", err)
		}
		contentObj = decoded
	}
	contentObj["room_version"] = string(version)
	if !rules.Authorization.ImplicitRoomCreator {
		contentObj["creator"] = sender.String()
	}
	merged, err := canonicaljson.Encode(contentObj)
	if err != nil {
		return ref.RoomID{}, nil, err
	}

	stateKey := ""
	if !rules.Authorization.RoomIDIsCreateEventID {
		opaque, err := randomOpaque(18)
		if err != nil {
			return ref.RoomID{}, nil, err
		}
		room, err := ref.ParseRoomID("!" + opaque + ":" + s.globals.ServerName().String())
		if err != nil {
			return ref.RoomID{}, nil, err
		}
		pdu, err := s.BuildAndAppend(ctx, PDUBuilder{
			Type:     matrix.TypeCreate,
			Content:  merged,
			StateKey: &stateKey,
		}, sender, room)
		if err != nil {
			return ref.RoomID{}, nil, err
		}
		return room, pdu, nil
	}

	// Serverless room IDs: the room ID is the create event's ID, so
	// the signed object cannot carry room_id.
	obj := canonicaljson.Object{
		"type":             matrix.TypeCreate,
		"sender":           sender.String(),
		"origin_server_ts": s.clock.Now().UnixMilli(),
		"content":          contentObj,
		"state_key":        stateKey,
		"prev_events":      []any{},
		"auth_events":      []any{},
		"depth":            int64(1),
	}
	eventID, err := s.keys.GenerateEventIDHashAndSign(obj, rules)
	if err != nil {
		return ref.RoomID{}, nil, err
	}
	room := eventID.AsCreateRoomID()
	obj["room_id"] = room.String()
	pdu, err := matrix.PDUFromCanonical(eventID, obj)
	if err != nil {
		return ref.RoomID{}, nil, err
	}

	mutex := s.roomMutex(room)
	mutex.Lock()
	stateHash, err := s.AppendToState(ctx, pdu)
	if err == nil {
		_, err = s.AppendPDU(ctx, pdu, []ref.EventID{eventID})
	}
	if err == nil {
		err = s.SetRoomState(ctx, room, stateHash)
	}
	mutex.Unlock()
	if err != nil {
		return ref.RoomID{}, nil, err
	}

	s.fireAppendHooks(ctx, pdu)
	return room, pdu, nil
}

func randomOpaque(n int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("rooms: generating room id: %w", err)
	}
	for i, b := range raw {
		raw[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(raw), nil
}

// SignAndFinish completes an externally templated event, such as a
// join built from a make_join response: it signs, assigns the event
// ID, and returns both forms.
func (s *Service) SignAndFinish(obj canonicaljson.Object, rules matrix.Rules) (*matrix.PDU, canonicaljson.Object, error) {
	eventID, err := s.keys.GenerateEventIDHashAndSign(obj, rules)
	if err != nil {
		return nil, nil, err
	}
	pdu, err := matrix.PDUFromCanonical(eventID, obj)
	if err != nil {
		return nil, nil, err
	}
	return pdu, obj, nil
}
