// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"context"
	"fmt"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/matrix/eventauth"
)

// iterativeAuthCheck applies the state-dependent auth rules to the
// sorted events one by one, accumulating the partial state. Each event
// is checked against the auth state assembled from its own auth events
// overridden by whatever the partial state has already resolved for
// the relevant pairs. Events failing the check are dropped silently.
func iterativeAuthCheck(ctx context.Context, rules matrix.Rules, sorted []ref.EventID, initialState StateMap, events eventauth.EventSource) (StateMap, error) {
	state := make(StateMap, len(initialState)+len(sorted))
	for key, id := range initialState {
		state[key] = id
	}

	for _, id := range sorted {
		event, err := events.EventByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("stateres: fetching %s for auth check: %w", id, err)
		}
		if event == nil {
			return nil, fmt.Errorf("stateres: event %s not found", id)
		}
		if !event.IsState() {
			return nil, fmt.Errorf("stateres: event %s has no state_key", id)
		}

		authTypes, err := eventauth.AuthTypesForEvent(
			event.Type, event.Sender, event.StateKey, event.Content, rules.Authorization, true)
		if err != nil {
			continue
		}

		authState, err := eventAuthState(ctx, rules, event, authTypes, state, events)
		if err != nil {
			return nil, err
		}

		source := eventauth.StateSourceFunc(func(ctx context.Context, eventType, stateKey string) (*matrix.PDU, error) {
			return authState[eventauth.StateKeyTuple{Type: eventType, StateKey: stateKey}], nil
		})
		if err := eventauth.CheckStateDependent(ctx, rules, event, source); err != nil {
			continue
		}
		state[eventauth.StateKeyTuple{Type: event.Type, StateKey: *event.StateKey}] = id
	}
	return state, nil
}

// eventAuthState assembles the auth state for one event: the event's
// own auth events as the baseline, overridden by the events the
// partial state resolved for the needed pairs. Rejected events are
// left out in both layers.
func eventAuthState(ctx context.Context, rules matrix.Rules, event *matrix.PDU, authTypes []eventauth.StateKeyTuple, state StateMap, events eventauth.EventSource) (map[eventauth.StateKeyTuple]*matrix.PDU, error) {
	authIDs := event.AuthEvents
	if rules.Authorization.RoomIDIsCreateEventID && event.Type != matrix.TypeCreate {
		if createID, ok := event.RoomID.CreateEventID(); ok {
			authIDs = append(append([]ref.EventID(nil), authIDs...), createID)
		}
	}

	authState := make(map[eventauth.StateKeyTuple]*matrix.PDU, len(authIDs))
	for _, authID := range authIDs {
		authEvent, err := events.EventByID(ctx, authID)
		if err != nil || authEvent == nil {
			continue
		}
		if !authEvent.IsState() {
			return nil, fmt.Errorf("stateres: auth event %s of %s has no state_key", authID, event.EventID)
		}
		if authEvent.Rejected {
			continue
		}
		authState[eventauth.StateKeyTuple{Type: authEvent.Type, StateKey: *authEvent.StateKey}] = authEvent
	}

	for _, key := range authTypes {
		id, ok := state[key]
		if !ok {
			continue
		}
		authEvent, err := events.EventByID(ctx, id)
		if err != nil || authEvent == nil || authEvent.Rejected {
			continue
		}
		authState[key] = authEvent
	}
	return authState, nil
}
