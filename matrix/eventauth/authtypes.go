// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package eventauth

import (
	"encoding/json"
	"fmt"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// StateKeyTuple identifies one piece of room state.
type StateKeyTuple struct {
	Type     string
	StateKey string
}

func containsTuple(tuples []StateKeyTuple, key StateKeyTuple) bool {
	for _, t := range tuples {
		if t == key {
			return true
		}
	}
	return false
}

// AuthTypesForEvent returns the state pairs the auth events selection
// algorithm requires for an event: the create event (where the room
// version still references it), the power levels, the sender's
// membership, and for membership events the target, join rules, third
// party invite, and authorising user as applicable.
//
// alwaysCreate forces the create event into the selection even for
// versions that reference it through the room ID.
func AuthTypesForEvent(eventType string, sender ref.UserID, stateKey *string, content json.RawMessage, rules matrix.AuthRules, alwaysCreate bool) ([]StateKeyTuple, error) {
	var authTypes []StateKeyTuple
	if eventType != matrix.TypeCreate {
		if !rules.RoomIDIsCreateEventID || alwaysCreate {
			authTypes = append(authTypes, StateKeyTuple{Type: matrix.TypeCreate})
		}
		authTypes = append(authTypes,
			StateKeyTuple{Type: matrix.TypePowerLevels},
			StateKeyTuple{Type: matrix.TypeMember, StateKey: sender.String()},
		)
	}

	if eventType == matrix.TypeMember {
		var err error
		authTypes, err = appendMemberAuthTypes(authTypes, stateKey, content, rules)
		if err != nil {
			return nil, err
		}
	}
	return authTypes, nil
}

func appendMemberAuthTypes(authTypes []StateKeyTuple, stateKey *string, content json.RawMessage, rules matrix.AuthRules) ([]StateKeyTuple, error) {
	if stateKey == nil {
		return nil, fmt.Errorf("eventauth: missing state_key field for m.room.member event")
	}

	push := func(key StateKeyTuple) {
		if !containsTuple(authTypes, key) {
			authTypes = append(authTypes, key)
		}
	}
	push(StateKeyTuple{Type: matrix.TypeMember, StateKey: *stateKey})

	var member matrix.MemberContent
	if err := json.Unmarshal(content, &member); err != nil {
		return nil, fmt.Errorf("eventauth: m.room.member content: %w", err)
	}
	if member.Membership == "" {
		return nil, fmt.Errorf("eventauth: missing membership field in m.room.member event")
	}

	switch member.Membership {
	case matrix.MembershipJoin, matrix.MembershipInvite, matrix.MembershipKnock:
		push(StateKeyTuple{Type: matrix.TypeJoinRules})
	}

	if member.Membership == matrix.MembershipInvite && member.ThirdPartyInvite != nil {
		token, err := thirdPartyInviteToken(member.ThirdPartyInvite.Signed)
		if err != nil {
			return nil, err
		}
		push(StateKeyTuple{Type: matrix.TypeThirdPartyInvite, StateKey: token})
	}

	if member.Membership == matrix.MembershipJoin && rules.RestrictedJoins &&
		member.JoinAuthorisedViaUsersServer != "" {
		push(StateKeyTuple{Type: matrix.TypeMember, StateKey: member.JoinAuthorisedViaUsersServer})
	}

	return authTypes, nil
}

func thirdPartyInviteToken(signed json.RawMessage) (string, error) {
	var s struct {
		Token *string `json:"token"`
	}
	if err := json.Unmarshal(signed, &s); err != nil {
		return "", fmt.Errorf("eventauth: third_party_invite.signed of m.room.member event: %w", err)
	}
	if s.Token == nil || *s.Token == "" {
		return "", fmt.Errorf("eventauth: missing token field in third_party_invite.signed of m.room.member event")
	}
	return *s.Token, nil
}
