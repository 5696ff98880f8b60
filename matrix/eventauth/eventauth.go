// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventauth implements the Matrix event authorization rules
// across all supported room versions.
//
// The checks are split the way they are applied: the state-independent
// rules run once when an event is first received and validate the
// event against its own auth_events; the state-dependent rules run
// against a state snapshot and are evaluated several times per event
// during state resolution and federation handling.
package eventauth

import (
	"context"
	"fmt"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// EventSource fetches events by ID. A (nil, nil) return means the
// event is unknown.
type EventSource interface {
	EventByID(ctx context.Context, eventID ref.EventID) (*matrix.PDU, error)
}

// EventSourceFunc adapts a function to EventSource.
type EventSourceFunc func(ctx context.Context, eventID ref.EventID) (*matrix.PDU, error)

// EventByID implements EventSource.
func (f EventSourceFunc) EventByID(ctx context.Context, eventID ref.EventID) (*matrix.PDU, error) {
	return f(ctx, eventID)
}

// StateSource fetches state events from one state snapshot. A
// (nil, nil) return means the state pair is absent.
type StateSource interface {
	StateEvent(ctx context.Context, eventType, stateKey string) (*matrix.PDU, error)
}

// StateSourceFunc adapts a function to StateSource.
type StateSourceFunc func(ctx context.Context, eventType, stateKey string) (*matrix.PDU, error)

// StateEvent implements StateSource.
func (f StateSourceFunc) StateEvent(ctx context.Context, eventType, stateKey string) (*matrix.PDU, error) {
	return f(ctx, eventType, stateKey)
}

// Check runs the full authorization check: the state-independent
// rules against the event's auth_events and the state-dependent rules
// against the given state snapshot.
func Check(ctx context.Context, rules matrix.Rules, event *matrix.PDU, events EventSource, state StateSource) error {
	if err := CheckStateIndependent(ctx, rules, event, events); err != nil {
		return err
	}
	return CheckStateDependent(ctx, rules, event, state)
}

// CheckStateIndependent validates an incoming m.room.create event, or
// the auth_events list of any other event: every entry must exist, be
// accepted, belong to the same room, and match the auth events
// selection algorithm with no duplicates.
func CheckStateIndependent(ctx context.Context, rules matrix.Rules, event *matrix.PDU, events EventSource) error {
	if event.Type == matrix.TypeCreate {
		return checkRoomCreate(event, rules.Authorization)
	}

	expected, err := AuthTypesForEvent(event.Type, event.Sender, event.StateKey, event.Content, rules.Authorization, false)
	if err != nil {
		return err
	}

	seen := make(map[StateKeyTuple]bool, len(expected))
	for _, authEventID := range event.AuthEvents {
		authEvent, err := events.EventByID(ctx, authEventID)
		if err != nil {
			return fmt.Errorf("eventauth: fetching auth event %s: %w", authEventID, err)
		}
		if authEvent == nil {
			return fmt.Errorf("eventauth: auth event %s not found", authEventID)
		}
		if authEvent.RoomID != event.RoomID {
			return fmt.Errorf("eventauth: auth event %s not in the same room", authEventID)
		}
		if !authEvent.IsState() {
			return fmt.Errorf("eventauth: auth event %s has no state_key", authEventID)
		}

		key := StateKeyTuple{Type: authEvent.Type, StateKey: authEvent.StateKeyValue()}
		if seen[key] {
			return fmt.Errorf("eventauth: duplicate auth event %s for (%s, %q)",
				authEventID, key.Type, key.StateKey)
		}
		if !containsTuple(expected, key) {
			return fmt.Errorf("eventauth: unexpected auth event %s with (%s, %q)",
				authEventID, key.Type, key.StateKey)
		}
		if authEvent.Rejected {
			return fmt.Errorf("eventauth: rejected auth event %s", authEventID)
		}
		seen[key] = true
	}

	if !rules.Authorization.RoomIDIsCreateEventID {
		if !seen[StateKeyTuple{Type: matrix.TypeCreate}] {
			return fmt.Errorf("eventauth: no m.room.create event in auth events")
		}
		return nil
	}

	// With room IDs derived from the create event, the create event is
	// referenced through the room ID instead of auth_events, so it is
	// resolved and checked here.
	createEventID, ok := event.RoomID.CreateEventID()
	if !ok {
		return fmt.Errorf("eventauth: room ID %s cannot name an m.room.create event", event.RoomID)
	}
	createEvent, err := events.EventByID(ctx, createEventID)
	if err != nil {
		return fmt.Errorf("eventauth: fetching m.room.create event %s: %w", createEventID, err)
	}
	if createEvent == nil {
		return fmt.Errorf("eventauth: failed to find m.room.create event %s", createEventID)
	}
	if createEvent.Rejected {
		return fmt.Errorf("eventauth: rejected m.room.create event %s", createEventID)
	}
	return nil
}

func checkRoomCreate(event *matrix.PDU, rules matrix.AuthRules) error {
	if len(event.PrevEvents) != 0 {
		return fmt.Errorf("eventauth: m.room.create event cannot have previous events")
	}

	if rules.RoomIDIsCreateEventID {
		createEventID, ok := event.RoomID.CreateEventID()
		if !ok {
			return fmt.Errorf("eventauth: m.room.create room ID %s is not in the serverless form", event.RoomID)
		}
		if createEventID != event.EventID {
			return fmt.Errorf("eventauth: m.room.create has mismatching room ID and event ID")
		}
	} else {
		roomServer, ok := event.RoomID.Server()
		if !ok {
			return fmt.Errorf("eventauth: m.room.create room ID %s has no server name", event.RoomID)
		}
		if roomServer != event.Sender.Server() {
			return fmt.Errorf("eventauth: m.room.create room ID domain does not match the sender domain")
		}
	}

	// An unrecognized content.room_version is rejected before this
	// point, when the rules for the version are looked up.

	if !rules.ImplicitRoomCreator {
		var content struct {
			Creator *string `json:"creator"`
		}
		if err := event.ContentAs(&content); err != nil {
			return err
		}
		if content.Creator == nil {
			return fmt.Errorf("eventauth: missing creator field in m.room.create event")
		}
	}
	return nil
}

// CheckStateDependent validates an event against a state snapshot:
// federation admission, sender membership, power levels, and the
// per-type rules.
func CheckStateDependent(ctx context.Context, rules matrix.Rules, event *matrix.PDU, state StateSource) error {
	// Create events have no state-dependent rules.
	if event.Type == matrix.TypeCreate {
		return nil
	}

	createEvent, err := state.StateEvent(ctx, matrix.TypeCreate, "")
	if err != nil {
		return err
	}
	if createEvent == nil {
		return fmt.Errorf("eventauth: no m.room.create event in current state")
	}

	var createContent matrix.CreateContent
	if err := createEvent.ContentAs(&createContent); err != nil {
		return err
	}
	if !createContent.Federatable() && createEvent.Sender.Server() != event.Sender.Server() {
		return fmt.Errorf("eventauth: room is not federated and the sender is remote")
	}

	if rules.Authorization.SpecialCaseAliases && event.Type == matrix.TypeAliases {
		if event.StateKey == nil || *event.StateKey != event.Sender.Server().String() {
			return fmt.Errorf("eventauth: m.room.aliases state_key does not match the sender's server name")
		}
		return nil
	}

	if event.Type == matrix.TypeMember {
		return checkRoomMember(ctx, event, rules, createEvent, state)
	}

	senderMembership, err := userMembership(ctx, state, event.Sender)
	if err != nil {
		return err
	}
	if senderMembership != matrix.MembershipJoin {
		return fmt.Errorf("eventauth: sender's membership %q is not join", senderMembership)
	}

	creators, err := matrix.RoomCreators(createEvent, rules.Authorization)
	if err != nil {
		return err
	}
	currentPL, err := statePowerLevels(ctx, state, rules.Authorization)
	if err != nil {
		return err
	}
	senderLevel := userPowerLevel(currentPL, event.Sender, creators, rules.Authorization)

	if event.Type == matrix.TypeThirdPartyInvite {
		inviteLevel := intFieldOrDefault(currentPL, fieldInvite)
		if senderLevel < inviteLevel {
			return fmt.Errorf("eventauth: sender power %d below the invite level %d",
				senderLevel, inviteLevel)
		}
		return nil
	}

	typeLevel := eventPowerLevel(currentPL, event.Type, event.IsState())
	if senderLevel < typeLevel {
		return fmt.Errorf("eventauth: sender power %d below the level %d required for %s",
			senderLevel, typeLevel, event.Type)
	}

	if event.StateKey != nil && len(*event.StateKey) > 0 && (*event.StateKey)[0] == '@' &&
		*event.StateKey != event.Sender.String() {
		return fmt.Errorf("eventauth: state_key names another user")
	}

	if event.Type == matrix.TypePowerLevels {
		return checkRoomPowerLevels(event, currentPL, rules.Authorization, senderLevel, creators)
	}

	if rules.Authorization.RedactionDomainCheck && event.Type == matrix.TypeRedaction {
		return checkRoomRedaction(event, currentPL, senderLevel)
	}

	return nil
}

// checkRoomRedaction applies the room version 1 and 2 redaction rule:
// enough power, or the redaction and its target share an event ID
// domain.
func checkRoomRedaction(event *matrix.PDU, currentPL *powerLevelsContent, senderLevel int64) error {
	redactLevel := intFieldOrDefault(currentPL, fieldRedact)
	if senderLevel >= redactLevel {
		return nil
	}

	if event.Redacts != nil && !event.Redacts.IsZero() && !event.EventID.IsZero() {
		senderDomain, ok1 := event.EventID.Server()
		targetDomain, ok2 := event.Redacts.Server()
		if ok1 && ok2 && senderDomain == targetDomain {
			return nil
		}
	}
	return fmt.Errorf("eventauth: m.room.redaction event did not pass any of the allow rules")
}

// userMembership returns the membership of a user in the snapshot,
// defaulting to leave without an m.room.member event.
func userMembership(ctx context.Context, state StateSource, user ref.UserID) (string, error) {
	memberEvent, err := state.StateEvent(ctx, matrix.TypeMember, user.String())
	if err != nil {
		return "", err
	}
	if memberEvent == nil {
		return matrix.MembershipLeave, nil
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if err := memberEvent.ContentAs(&content); err != nil {
		return "", err
	}
	if content.Membership == "" {
		return "", fmt.Errorf("eventauth: missing membership field in m.room.member event %s",
			memberEvent.EventID)
	}
	return content.Membership, nil
}

// statePowerLevels parses the snapshot's m.room.power_levels event,
// or returns nil when the room has none.
func statePowerLevels(ctx context.Context, state StateSource, rules matrix.AuthRules) (*powerLevelsContent, error) {
	plEvent, err := state.StateEvent(ctx, matrix.TypePowerLevels, "")
	if err != nil {
		return nil, err
	}
	if plEvent == nil {
		return nil, nil
	}
	return parsePowerLevelsContent(plEvent.Content, rules)
}
