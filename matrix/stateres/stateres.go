// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package stateres implements the state resolution algorithm
// introduced in room version 2, including the conflicted state
// subgraph extension used from org.matrix.hydra.11 onwards.
//
// Resolution is a pure function over event data: callers supply the
// forked state maps, the full recursive auth chains of each fork, and
// providers to load events. Nothing here touches storage directly.
package stateres

import (
	"context"
	"fmt"
	"sort"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/matrix/eventauth"
)

// StateMap maps (event type, state key) pairs to the event ID holding
// that piece of state.
type StateMap = map[eventauth.StateKeyTuple]ref.EventID

// EventIDSet is a set of event IDs, usually a full recursive auth
// chain.
type EventIDSet = map[ref.EventID]bool

// ExistsFunc reports whether the event with the given ID is known.
// Events that do not exist are not honored during resolution.
type ExistsFunc func(ctx context.Context, eventID ref.EventID) bool

// Resolve applies state resolution to the given forks of a room's
// state and returns the resolved state map.
//
// stateSets holds one StateMap per fork. authSets holds the full
// recursive auth chain of each fork, in matching order. All events
// must belong to the same room. backportCSS forces the conflicted
// state subgraph step on room versions that predate it.
func Resolve(ctx context.Context, rules matrix.Rules, stateSets []StateMap, authSets []EventIDSet, events eventauth.EventSource, exists ExistsFunc, backportCSS bool) (StateMap, error) {
	unconflicted, conflicted := splitConflictedState(stateSets)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	// 0. The full conflicted set is the union of the conflicted state
	//    set and the auth difference. Events that do not exist are
	//    dropped. From org.matrix.hydra.11, the conflicted state
	//    subgraph joins the set as well.
	fullConflicted := make(EventIDSet)
	for _, id := range authDifference(authSets) {
		if exists(ctx, id) {
			fullConflicted[id] = true
		}
	}
	conflictedIDs := make(EventIDSet)
	for _, ids := range conflicted {
		for _, id := range ids {
			conflictedIDs[id] = true
			if exists(ctx, id) {
				fullConflicted[id] = true
			}
		}
	}
	if rules.StateRes == matrix.StateResV2_1 || backportCSS {
		subgraph, err := conflictedSubgraph(ctx, conflictedIDs, events)
		if err != nil {
			return nil, err
		}
		for id := range subgraph {
			fullConflicted[id] = true
		}
	}

	// 1. Select the power events in the full conflicted set, enlarge
	//    the selection with their auth chains inside the set, and sort
	//    by reverse topological power ordering.
	sortedPower, err := powerSort(ctx, rules, fullConflicted, events)
	if err != nil {
		return nil, err
	}

	// 2. Apply the iterative auth checks to the sorted power events.
	//    The hydra rules start from an empty state map instead of the
	//    unconflicted state.
	initialState := make(StateMap)
	if rules.StateRes != matrix.StateResV2_1 {
		for key, id := range unconflicted {
			initialState[key] = id
		}
	}
	partiallyResolved, err := iterativeAuthCheck(ctx, rules, sortedPower, initialState, events)
	if err != nil {
		return nil, err
	}

	// 3. Order the events not picked in step 1 by the mainline of the
	//    partially resolved power levels event.
	inPowerList := make(EventIDSet, len(sortedPower))
	for _, id := range sortedPower {
		inPowerList[id] = true
	}
	var remaining []ref.EventID
	for id := range fullConflicted {
		if !inPowerList[id] {
			remaining = append(remaining, id)
		}
	}

	var powerEventID *ref.EventID
	if id, ok := partiallyResolved[eventauth.StateKeyTuple{Type: matrix.TypePowerLevels, StateKey: ""}]; ok {
		powerEventID = &id
	}
	sortedRemaining, err := mainlineSort(ctx, powerEventID, remaining, events)
	if err != nil {
		return nil, err
	}

	// 4. Apply the iterative auth checks to the remaining events on
	//    top of the partially resolved state.
	resolved, err := iterativeAuthCheck(ctx, rules, sortedRemaining, partiallyResolved, events)
	if err != nil {
		return nil, err
	}

	// 5. The unconflicted state always wins.
	for key, id := range unconflicted {
		resolved[key] = id
	}
	return resolved, nil
}

// splitConflictedState separates the incoming forks into the
// unconflicted state map, holding the keys every fork agrees on, and
// the conflicted state set of everything else.
func splitConflictedState(stateSets []StateMap) (StateMap, map[eventauth.StateKeyTuple][]ref.EventID) {
	type occurrence map[ref.EventID]int
	occurrences := make(map[eventauth.StateKeyTuple]occurrence)
	for _, stateSet := range stateSets {
		for key, id := range stateSet {
			if occurrences[key] == nil {
				occurrences[key] = make(occurrence)
			}
			occurrences[key][id]++
		}
	}

	unconflicted := make(StateMap)
	conflicted := make(map[eventauth.StateKeyTuple][]ref.EventID)
	for key, ids := range occurrences {
		for id, count := range ids {
			if count == len(stateSets) {
				unconflicted[key] = id
			} else {
				conflicted[key] = append(conflicted[key], id)
			}
		}
	}
	return unconflicted, conflicted
}

// authDifference returns the event IDs that are not present in every
// auth chain.
func authDifference(authSets []EventIDSet) []ref.EventID {
	counts := make(map[ref.EventID]int)
	for _, set := range authSets {
		for id := range set {
			counts[id]++
		}
	}

	var difference []ref.EventID
	for id, count := range counts {
		if count != len(authSets) {
			difference = append(difference, id)
		}
	}
	return difference
}

// conflictedSubgraph collects every event lying on a path through the
// auth DAG between two conflicted events, the conflicted events
// themselves included.
func conflictedSubgraph(ctx context.Context, conflictedIDs EventIDSet, events eventauth.EventSource) (EventIDSet, error) {
	subgraph := make(EventIDSet)
	seen := make(EventIDSet)

	roots := make([]ref.EventID, 0, len(conflictedIDs))
	for id := range conflictedIDs {
		roots = append(roots, id)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].String() < roots[j].String() })

	for _, root := range roots {
		if err := subgraphDescent(ctx, root, conflictedIDs, subgraph, seen, events); err != nil {
			return nil, err
		}
	}
	return subgraph, nil
}

// subgraphDescent runs a depth-first walk down the auth chain of one
// conflicted event. Whenever the path reaches a conflicted event or
// rejoins the known subgraph, the whole path belongs to the subgraph.
// Each stack frame above the first owns one path entry.
func subgraphDescent(ctx context.Context, root ref.EventID, conflictedIDs, subgraph, seen EventIDSet, events eventauth.EventSource) error {
	var path []ref.EventID
	stack := [][]ref.EventID{{root}}

	for len(stack) > 0 {
		top := len(stack) - 1
		if len(stack[top]) == 0 {
			stack = stack[:top]
			if len(path) > 0 {
				path = path[:len(path)-1]
			}
			continue
		}

		eventID := stack[top][len(stack[top])-1]
		stack[top] = stack[top][:len(stack[top])-1]
		path = append(path, eventID)

		if subgraph[eventID] {
			for _, id := range path {
				subgraph[id] = true
			}
			path = path[:len(path)-1]
			continue
		}
		if seen[eventID] {
			path = path[:len(path)-1]
			continue
		}
		seen[eventID] = true

		if conflictedIDs[eventID] {
			for _, id := range path {
				subgraph[id] = true
			}
		}

		event, err := events.EventByID(ctx, eventID)
		if err != nil {
			return fmt.Errorf("stateres: fetching %s for conflicted subgraph: %w", eventID, err)
		}
		if event == nil {
			path = path[:len(path)-1]
			continue
		}
		stack = append(stack, append([]ref.EventID(nil), event.AuthEvents...))
	}
	return nil
}
