// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/matrix/eventauth"
	"github.com/tototomate123/tuwunel/matrix/stateres"
)

// StateMapAt returns the (type, state_key) -> event ID map of a
// snapshot.
func (s *Service) StateMapAt(ctx context.Context, hash uint64) (stateres.StateMap, error) {
	full, err := s.loadStateIDs(ctx, hash)
	if err != nil {
		return nil, err
	}
	state := make(stateres.StateMap, len(full))
	for key, event := range full {
		eventType, stateKey, err := s.stateKeyFromShort(ctx, key)
		if err != nil {
			return nil, err
		}
		eventID, err := s.eventIDFromShort(ctx, event)
		if err != nil {
			return nil, err
		}
		state[eventauth.StateKeyTuple{Type: eventType, StateKey: stateKey}] = eventID
	}
	return state, nil
}

// StateFull returns the full state of a snapshot with events loaded.
// Events that are no longer retrievable are skipped.
func (s *Service) StateFull(ctx context.Context, hash uint64) (map[eventauth.StateKeyTuple]*matrix.PDU, error) {
	state, err := s.StateMapAt(ctx, hash)
	if err != nil {
		return nil, err
	}
	full := make(map[eventauth.StateKeyTuple]*matrix.PDU, len(state))
	for tuple, eventID := range state {
		pdu, err := s.PDUByID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if pdu == nil {
			continue
		}
		full[tuple] = pdu
	}
	return full, nil
}

// StateGetID resolves one state entry of a snapshot to its event ID.
func (s *Service) StateGetID(ctx context.Context, hash uint64, eventType, stateKey string) (ref.EventID, bool, error) {
	key, ok, err := s.lookupShortStateKey(ctx, eventType, stateKey)
	if err != nil || !ok {
		return ref.EventID{}, false, err
	}
	full, err := s.loadStateIDs(ctx, hash)
	if err != nil {
		return ref.EventID{}, false, err
	}
	event, ok := full[key]
	if !ok {
		return ref.EventID{}, false, nil
	}
	eventID, err := s.eventIDFromShort(ctx, event)
	if err != nil {
		return ref.EventID{}, false, err
	}
	return eventID, true, nil
}

// StateGet resolves one state entry of a snapshot to its event, or nil
// when the snapshot has no such entry.
func (s *Service) StateGet(ctx context.Context, hash uint64, eventType, stateKey string) (*matrix.PDU, error) {
	eventID, ok, err := s.StateGetID(ctx, hash, eventType, stateKey)
	if err != nil || !ok {
		return nil, err
	}
	return s.PDUByID(ctx, eventID)
}

// RoomStateGetID resolves one entry of the room's current state.
func (s *Service) RoomStateGetID(ctx context.Context, room ref.RoomID, eventType, stateKey string) (ref.EventID, bool, error) {
	hash, ok, err := s.RoomStateHash(ctx, room)
	if err != nil || !ok {
		return ref.EventID{}, false, err
	}
	return s.StateGetID(ctx, hash, eventType, stateKey)
}

// RoomStateGet resolves one entry of the room's current state, or nil.
func (s *Service) RoomStateGet(ctx context.Context, room ref.RoomID, eventType, stateKey string) (*matrix.PDU, error) {
	hash, ok, err := s.RoomStateHash(ctx, room)
	if err != nil || !ok {
		return nil, err
	}
	return s.StateGet(ctx, hash, eventType, stateKey)
}

// RoomStateMap returns the room's current (type, state_key) -> event
// ID map. Rooms without state return an empty map.
func (s *Service) RoomStateMap(ctx context.Context, room ref.RoomID) (stateres.StateMap, error) {
	hash, ok, err := s.RoomStateHash(ctx, room)
	if err != nil {
		return nil, err
	}
	if !ok {
		return stateres.StateMap{}, nil
	}
	return s.StateMapAt(ctx, hash)
}

// RoomStateFull returns the room's current state with events loaded.
func (s *Service) RoomStateFull(ctx context.Context, room ref.RoomID) (map[eventauth.StateKeyTuple]*matrix.PDU, error) {
	hash, ok, err := s.RoomStateHash(ctx, room)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[eventauth.StateKeyTuple]*matrix.PDU{}, nil
	}
	return s.StateFull(ctx, hash)
}

// AuthEventSelection picks the auth events for a new event from the
// room's current state.
func (s *Service) AuthEventSelection(ctx context.Context, room ref.RoomID, eventType string, sender ref.UserID, stateKey *string, content json.RawMessage) (map[eventauth.StateKeyTuple]*matrix.PDU, error) {
	rules, err := s.RoomRules(ctx, room)
	if err != nil {
		return nil, err
	}
	tuples, err := eventauth.AuthTypesForEvent(eventType, sender, stateKey, content, rules.Authorization, false)
	if err != nil {
		return nil, err
	}
	hash, ok, err := s.RoomStateHash(ctx, room)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[eventauth.StateKeyTuple]*matrix.PDU{}, nil
	}
	full, err := s.loadStateIDs(ctx, hash)
	if err != nil {
		return nil, err
	}
	selected := make(map[eventauth.StateKeyTuple]*matrix.PDU, len(tuples))
	for _, tuple := range tuples {
		key, ok, err := s.lookupShortStateKey(ctx, tuple.Type, tuple.StateKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		event, ok := full[key]
		if !ok {
			continue
		}
		eventID, err := s.eventIDFromShort(ctx, event)
		if err != nil {
			return nil, err
		}
		pdu, err := s.PDUByID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if pdu == nil {
			return nil, fmt.Errorf("rooms: auth event %s in state but not stored", eventID)
		}
		selected[tuple] = pdu
	}
	return selected, nil
}

// selectionStateSource adapts an auth event selection into a state
// source, resolving the create event through the room for versions
// that reference it by room ID instead of selecting it.
func (s *Service) selectionStateSource(room ref.RoomID, selection map[eventauth.StateKeyTuple]*matrix.PDU) eventauth.StateSourceFunc {
	return func(ctx context.Context, eventType, stateKey string) (*matrix.PDU, error) {
		if pdu, ok := selection[eventauth.StateKeyTuple{Type: eventType, StateKey: stateKey}]; ok {
			return pdu, nil
		}
		if eventType == matrix.TypeCreate && stateKey == "" {
			return s.CreateEvent(ctx, room)
		}
		return nil, nil
	}
}

// RoomPowerLevels returns the room's parsed power levels, with the
// defaults applied when the room has no power_levels event.
func (s *Service) RoomPowerLevels(ctx context.Context, room ref.RoomID) (*matrix.PowerLevels, error) {
	rules, err := s.RoomRules(ctx, room)
	if err != nil {
		return nil, err
	}
	pl, err := s.RoomStateGet(ctx, room, matrix.TypePowerLevels, "")
	if err != nil {
		return nil, err
	}
	if pl == nil {
		return matrix.DefaultPowerLevels(), nil
	}
	return matrix.ParsePowerLevels(pl.Content, rules.Authorization)
}

// UserPowerLevel returns the user's power level in the room, honoring
// creator privileges in room versions that have them.
func (s *Service) UserPowerLevel(ctx context.Context, room ref.RoomID, user ref.UserID) (int64, error) {
	rules, err := s.RoomRules(ctx, room)
	if err != nil {
		return 0, err
	}
	create, err := s.CreateEvent(ctx, room)
	if err != nil {
		return 0, err
	}
	if create == nil {
		return 0, matrix.NotFound("room %s is unknown to this server", room)
	}
	creators, err := matrix.RoomCreators(create, rules.Authorization)
	if err != nil {
		return 0, err
	}
	pl, err := s.RoomStateGet(ctx, room, matrix.TypePowerLevels, "")
	if err != nil {
		return 0, err
	}
	return eventauth.SenderPowerLevel(pl, user, creators, rules.Authorization)
}

// UserCanInvite reports whether the user's power level allows sending
// invites in the room.
func (s *Service) UserCanInvite(ctx context.Context, room ref.RoomID, user ref.UserID) (bool, error) {
	level, err := s.UserPowerLevel(ctx, room, user)
	if err != nil {
		return false, err
	}
	pl, err := s.RoomPowerLevels(ctx, room)
	if err != nil {
		return false, err
	}
	return level >= pl.Invite, nil
}

// UserCanRedact reports whether sender may redact the target event:
// either their power level reaches the room's redact level or the
// target is their own event. Over federation an unknown target is
// allowed through; the ingest pipeline soft-fails what it cannot
// verify.
func (s *Service) UserCanRedact(ctx context.Context, redacts ref.EventID, sender ref.UserID, room ref.RoomID, federation bool) (bool, error) {
	level, err := s.UserPowerLevel(ctx, room, sender)
	if err != nil {
		return false, err
	}
	pl, err := s.RoomPowerLevels(ctx, room)
	if err != nil {
		return false, err
	}
	if level >= pl.Redact {
		return true, nil
	}
	target, err := s.PDUByID(ctx, redacts)
	if err != nil {
		return false, err
	}
	if target == nil {
		return federation, nil
	}
	return target.Sender == sender, nil
}

// historyVisibilityAt returns the room's history visibility in a
// snapshot, defaulting to shared.
func (s *Service) historyVisibilityAt(ctx context.Context, hash uint64) (string, error) {
	pdu, err := s.StateGet(ctx, hash, matrix.TypeHistoryVisibility, "")
	if err != nil || pdu == nil {
		return matrix.VisibilityShared, err
	}
	var content matrix.HistoryVisibilityContent
	if err := pdu.ContentAs(&content); err != nil {
		return matrix.VisibilityShared, nil
	}
	if content.HistoryVisibility == "" {
		return matrix.VisibilityShared, nil
	}
	return content.HistoryVisibility, nil
}

// membershipAt returns the user's membership in a snapshot, defaulting
// to leave.
func (s *Service) membershipAt(ctx context.Context, hash uint64, user ref.UserID) (string, error) {
	pdu, err := s.StateGet(ctx, hash, matrix.TypeMember, user.String())
	if err != nil || pdu == nil {
		return matrix.MembershipLeave, err
	}
	return pdu.Membership(), nil
}

// UserCanSeeEvent applies the room's history visibility at the event
// to one user.
func (s *Service) UserCanSeeEvent(ctx context.Context, user ref.UserID, room ref.RoomID, event ref.EventID) (bool, error) {
	hash, ok, err := s.EventStateHash(ctx, event)
	if err != nil {
		return false, err
	}
	joined, err := s.IsJoined(ctx, user, room)
	if err != nil {
		return false, err
	}
	if !ok {
		// No recorded state at the event; visible only to current
		// members.
		return joined, nil
	}
	visibility, err := s.historyVisibilityAt(ctx, hash)
	if err != nil {
		return false, err
	}
	membership, err := s.membershipAt(ctx, hash, user)
	if err != nil {
		return false, err
	}
	switch visibility {
	case matrix.VisibilityWorldReadable:
		return true, nil
	case matrix.VisibilityInvited:
		return membership == matrix.MembershipInvite || membership == matrix.MembershipJoin, nil
	case matrix.VisibilityJoined:
		return membership == matrix.MembershipJoin, nil
	default:
		// Shared: anyone who is in the room now or was then.
		return joined || membership == matrix.MembershipJoin, nil
	}
}

// ServerCanSeeEvent applies history visibility at the event to a whole
// server: the server sees the event if any of its users could.
func (s *Service) ServerCanSeeEvent(ctx context.Context, server ref.ServerName, room ref.RoomID, event ref.EventID) (bool, error) {
	hash, ok, err := s.EventStateHash(ctx, event)
	if err != nil {
		return false, err
	}
	if !ok {
		return s.ServerInRoom(ctx, server, room)
	}
	visibility, err := s.historyVisibilityAt(ctx, hash)
	if err != nil {
		return false, err
	}
	switch visibility {
	case matrix.VisibilityWorldReadable, matrix.VisibilityShared:
		return true, nil
	}

	state, err := s.StateFull(ctx, hash)
	if err != nil {
		return false, err
	}
	for tuple, pdu := range state {
		if tuple.Type != matrix.TypeMember {
			continue
		}
		member, err := ref.ParseUserID(tuple.StateKey)
		if err != nil || member.Server() != server {
			continue
		}
		switch pdu.Membership() {
		case matrix.MembershipJoin:
			return true, nil
		case matrix.MembershipInvite:
			if visibility == matrix.VisibilityInvited {
				return true, nil
			}
		}
	}
	return false, nil
}

// UserCanSeeState reports whether the user may read the room's current
// state: members always, everyone if the room is world readable.
func (s *Service) UserCanSeeState(ctx context.Context, user ref.UserID, room ref.RoomID) (bool, error) {
	joined, err := s.IsJoined(ctx, user, room)
	if err != nil {
		return false, err
	}
	if joined {
		return true, nil
	}
	hash, ok, err := s.RoomStateHash(ctx, room)
	if err != nil || !ok {
		return false, err
	}
	visibility, err := s.historyVisibilityAt(ctx, hash)
	if err != nil {
		return false, err
	}
	return visibility == matrix.VisibilityWorldReadable, nil
}

// strippedStateTypes are the state entries summarized for users who
// are not in the room yet.
var strippedStateTypes = []eventauth.StateKeyTuple{
	{Type: matrix.TypeCreate},
	{Type: matrix.TypeJoinRules},
	{Type: matrix.TypeCanonicalAlias},
	{Type: matrix.TypeName},
	{Type: matrix.TypeAvatar},
	{Type: matrix.TypeEncryption},
	{Type: matrix.TypeTopic},
}

type strippedStateEvent struct {
	Content  json.RawMessage `json:"content"`
	Sender   ref.UserID      `json:"sender"`
	StateKey string          `json:"state_key"`
	Type     string          `json:"type"`
}

func stripPDU(pdu *matrix.PDU) (json.RawMessage, error) {
	return json.Marshal(strippedStateEvent{
		Content:  pdu.Content,
		Sender:   pdu.Sender,
		StateKey: pdu.StateKeyValue(),
		Type:     pdu.Type,
	})
}

// StrippedState summarizes the room for invite and knock recipients:
// the identity-bearing state entries, the sender's member event, and
// the membership event itself.
func (s *Service) StrippedState(ctx context.Context, room ref.RoomID, event *matrix.PDU) ([]json.RawMessage, error) {
	var stripped []json.RawMessage
	for _, tuple := range strippedStateTypes {
		pdu, err := s.RoomStateGet(ctx, room, tuple.Type, tuple.StateKey)
		if err != nil {
			return nil, err
		}
		if pdu == nil {
			continue
		}
		raw, err := stripPDU(pdu)
		if err != nil {
			return nil, err
		}
		stripped = append(stripped, raw)
	}
	if sender, err := s.RoomStateGet(ctx, room, matrix.TypeMember, event.Sender.String()); err != nil {
		return nil, err
	} else if sender != nil {
		raw, err := stripPDU(sender)
		if err != nil {
			return nil, err
		}
		stripped = append(stripped, raw)
	}
	raw, err := stripPDU(event)
	if err != nil {
		return nil, err
	}
	return append(stripped, raw), nil
}

// ServerACLAllows checks the room's m.room.server_acl against an
// origin server. Rooms without an ACL allow everyone.
func (s *Service) ServerACLAllows(ctx context.Context, room ref.RoomID, origin ref.ServerName) (bool, error) {
	acl, err := s.RoomStateGet(ctx, room, matrix.TypeServerACL, "")
	if err != nil || acl == nil {
		return true, err
	}
	var content struct {
		Allow           []string `json:"allow"`
		Deny            []string `json:"deny"`
		AllowIPLiterals bool     `json:"allow_ip_literals"`
	}
	if err := acl.ContentAs(&content); err != nil {
		return true, nil
	}
	host := origin.Host()
	if !content.AllowIPLiterals && isIPLiteral(host) {
		return false, nil
	}
	for _, pattern := range content.Deny {
		if aclMatch(pattern, host) {
			return false, nil
		}
	}
	for _, pattern := range content.Allow {
		if aclMatch(pattern, host) {
			return true, nil
		}
	}
	return false, nil
}

// aclMatch implements the server ACL glob: * matches any sequence, ?
// any single character.
func aclMatch(pattern, host string) bool {
	return globMatch(pattern, host)
}

func globMatch(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for pattern = pattern[1:]; len(pattern) > 0 && pattern[0] == '*'; pattern = pattern[1:] {
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatch(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		default:
			if len(s) == 0 || pattern[0] != s[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
	return len(s) == 0
}

func isIPLiteral(host string) bool {
	if len(host) == 0 {
		return false
	}
	if host[0] == '[' {
		return true
	}
	digitsAndDots := true
	for i := 0; i < len(host); i++ {
		if host[i] != '.' && (host[i] < '0' || host[i] > '9') {
			digitsAndDots = false
			break
		}
	}
	return digitsAndDots
}
