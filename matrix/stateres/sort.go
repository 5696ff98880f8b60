// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"container/heap"
	"context"
	"fmt"
	"sort"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/matrix/eventauth"
)

// isPowerEvent reports whether the event can change somebody's
// ability to do something in the room: power_levels, join_rules and
// create state events, and kicks and bans.
func isPowerEvent(event *matrix.PDU) bool {
	switch event.Type {
	case matrix.TypePowerLevels, matrix.TypeJoinRules, matrix.TypeCreate:
		return event.StateKey != nil && *event.StateKey == ""
	case matrix.TypeMember:
		switch event.Membership() {
		case matrix.MembershipLeave, matrix.MembershipBan:
			return event.StateKey == nil || *event.StateKey != event.Sender.String()
		}
	}
	return false
}

// powerSort selects the power events in the full conflicted set,
// enlarges the selection with the parts of their auth chains inside
// the set, and sorts the result by reverse topological power
// ordering, earliest first.
func powerSort(ctx context.Context, rules matrix.Rules, fullConflicted EventIDSet, events eventauth.EventSource) ([]ref.EventID, error) {
	// The graph maps each event to its auth events within the full
	// conflicted set.
	graph := make(map[ref.EventID]EventIDSet)
	for id := range fullConflicted {
		event, err := events.EventByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("stateres: fetching %s for power sort: %w", id, err)
		}
		if event == nil || !isPowerEvent(event) {
			continue
		}
		if err := addEventAuthChain(ctx, graph, fullConflicted, id, events); err != nil {
			return nil, err
		}
	}

	levels := make(map[ref.EventID]int64, len(graph))
	for id := range graph {
		level, err := powerLevelForSender(ctx, id, rules, events)
		if err != nil {
			return nil, fmt.Errorf("stateres: power level for sender of %s: %w", id, err)
		}
		levels[id] = level
	}

	return TopologicalSort(graph, func(id ref.EventID) (int64, int64, error) {
		level, ok := levels[id]
		if !ok {
			return 0, 0, fmt.Errorf("stateres: no power level for %s", id)
		}
		event, err := events.EventByID(ctx, id)
		if err != nil {
			return 0, 0, err
		}
		if event == nil {
			return 0, 0, fmt.Errorf("stateres: event %s not found", id)
		}
		return level, event.OriginServerTS, nil
	})
}

// addEventAuthChain adds the event and the part of its auth chain
// lying in the full conflicted set to the graph.
func addEventAuthChain(ctx context.Context, graph map[ref.EventID]EventIDSet, fullConflicted EventIDSet, eventID ref.EventID, events eventauth.EventSource) error {
	stack := []ref.EventID{eventID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		event, err := events.EventByID(ctx, id)
		if err != nil {
			return fmt.Errorf("stateres: fetching %s for auth chain: %w", id, err)
		}
		if graph[id] == nil {
			graph[id] = make(EventIDSet)
		}
		if event == nil {
			continue
		}

		for _, authID := range event.AuthEvents {
			if !fullConflicted[authID] {
				continue
			}
			if _, known := graph[authID]; !known {
				stack = append(stack, authID)
			}
			graph[id][authID] = true
		}
	}
	return nil
}

// powerLevelForSender finds the power level of the event's sender at
// the time of the event, from the power_levels and create events among
// its own auth events.
func powerLevelForSender(ctx context.Context, eventID ref.EventID, rules matrix.Rules, events eventauth.EventSource) (int64, error) {
	event, err := events.EventByID(ctx, eventID)
	if err != nil {
		return 0, err
	}

	var createEvent, plEvent *matrix.PDU
	if event != nil && rules.Authorization.RoomIDIsCreateEventID {
		createID, ok := event.RoomID.CreateEventID()
		if !ok {
			return 0, fmt.Errorf("stateres: room ID %s cannot name an m.room.create event", event.RoomID)
		}
		createEvent, err = events.EventByID(ctx, createID)
		if err != nil {
			return 0, err
		}
		if createEvent == nil {
			return 0, fmt.Errorf("stateres: m.room.create event %s not found", createID)
		}
	}

	if event != nil {
		for _, authID := range event.AuthEvents {
			authEvent, err := events.EventByID(ctx, authID)
			if err != nil || authEvent == nil {
				continue
			}
			switch {
			case authEvent.Type == matrix.TypePowerLevels && authEvent.IsState() && *authEvent.StateKey == "":
				plEvent = authEvent
			case !rules.Authorization.RoomIDIsCreateEventID &&
				authEvent.Type == matrix.TypeCreate && authEvent.IsState() && *authEvent.StateKey == "":
				createEvent = authEvent
			}
			if plEvent != nil && createEvent != nil {
				break
			}
		}
	}

	var creators []ref.UserID
	if createEvent != nil {
		if c, err := matrix.RoomCreators(createEvent, rules.Authorization); err == nil {
			creators = c
		}
	}

	if event != nil && creators != nil {
		return eventauth.SenderPowerLevel(plEvent, event.Sender, creators, rules.Authorization)
	}
	if plEvent == nil {
		return matrix.DefaultPowerLevels().UsersDefault, nil
	}
	pl, err := matrix.ParsePowerLevels(plEvent.Content, rules.Authorization)
	if err != nil {
		return 0, err
	}
	return pl.UsersDefault, nil
}

// tieBreaker orders candidate events during the topological sort:
// higher sender power first, then earlier origin_server_ts, then
// lexicographically smaller event ID.
type tieBreaker struct {
	eventID        ref.EventID
	powerLevel     int64
	originServerTS int64
}

func (a tieBreaker) before(b tieBreaker) bool {
	if a.powerLevel != b.powerLevel {
		return a.powerLevel > b.powerLevel
	}
	if a.originServerTS != b.originServerTS {
		return a.originServerTS < b.originServerTS
	}
	return a.eventID.String() < b.eventID.String()
}

type tieBreakerHeap []tieBreaker

func (h tieBreakerHeap) Len() int           { return len(h) }
func (h tieBreakerHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h tieBreakerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *tieBreakerHeap) Push(x any)        { *h = append(*h, x.(tieBreaker)) }
func (h *tieBreakerHeap) Pop() any {
	old := *h
	item := old[len(old)-1]
	*h = old[:len(old)-1]
	return item
}

// TopologicalSort sorts the given event graph by reverse topological
// power ordering, from earliest to latest. The graph maps each event
// to its auth events; query supplies the sender power level and
// origin_server_ts used to break ties between candidates.
//
// This is Kahn's algorithm with the candidate set kept in a heap so
// that each step selects the candidate with the highest sender power.
func TopologicalSort(graph map[ref.EventID]EventIDSet, query func(ref.EventID) (int64, int64, error)) ([]ref.EventID, error) {
	// The DAG points from most recent events to the oldest. Events
	// whose auth edges all leave the graph are the oldest and seed the
	// candidate heap.
	outgoing := make(map[ref.EventID]EventIDSet, len(graph))
	incoming := make(map[ref.EventID]EventIDSet, len(graph))
	candidates := &tieBreakerHeap{}
	for id, authEdges := range graph {
		remaining := make(EventIDSet, len(authEdges))
		for authID := range authEdges {
			remaining[authID] = true
		}
		outgoing[id] = remaining

		if incoming[id] == nil {
			incoming[id] = make(EventIDSet)
		}
		for authID := range authEdges {
			if incoming[authID] == nil {
				incoming[authID] = make(EventIDSet)
			}
			incoming[authID][id] = true
		}

		if len(authEdges) == 0 {
			power, ts, err := query(id)
			if err != nil {
				return nil, err
			}
			heap.Push(candidates, tieBreaker{eventID: id, powerLevel: power, originServerTS: ts})
		}
	}

	sorted := make([]ref.EventID, 0, len(graph))
	for candidates.Len() > 0 {
		item := heap.Pop(candidates).(tieBreaker)
		for parentID := range incoming[item.eventID] {
			edges := outgoing[parentID]
			delete(edges, item.eventID)
			if len(edges) > 0 {
				continue
			}
			power, ts, err := query(parentID)
			if err != nil {
				return nil, err
			}
			heap.Push(candidates, tieBreaker{eventID: parentID, powerLevel: power, originServerTS: ts})
		}
		sorted = append(sorted, item.eventID)
	}
	return sorted, nil
}

// mainlineSort orders the remaining events by the mainline of the
// given power levels event: for each event, walk up its auth chain to
// the closest mainline position, then order by position, timestamp
// and event ID.
func mainlineSort(ctx context.Context, powerEventID *ref.EventID, remaining []ref.EventID, events eventauth.EventSource) ([]ref.EventID, error) {
	if len(remaining) == 0 {
		return nil, nil
	}

	// Walk the power levels event's own chain of power levels events.
	// The oldest mainline entry gets position zero.
	var mainline []ref.EventID
	for next := powerEventID; next != nil; {
		event, err := events.EventByID(ctx, *next)
		if err != nil {
			return nil, fmt.Errorf("stateres: fetching mainline event %s: %w", *next, err)
		}
		if event == nil {
			return nil, fmt.Errorf("stateres: mainline event %s not found", *next)
		}
		mainline = append(mainline, event.EventID)
		parent, err := powerLevelsAuthEvent(ctx, event, events)
		if err != nil {
			return nil, err
		}
		next = nil
		if parent != nil {
			next = &parent.EventID
		}
	}
	mainlinePositions := make(map[ref.EventID]int, len(mainline))
	for i, id := range mainline {
		mainlinePositions[id] = len(mainline) - 1 - i
	}

	type mainlineOrder struct {
		eventID        ref.EventID
		position       int
		originServerTS int64
	}
	order := make([]mainlineOrder, 0, len(remaining))
	for _, id := range remaining {
		event, err := events.EventByID(ctx, id)
		if err != nil || event == nil {
			continue
		}
		position, err := mainlinePosition(ctx, event, mainlinePositions, events)
		if err != nil {
			continue
		}
		order = append(order, mainlineOrder{
			eventID:        id,
			position:       position,
			originServerTS: event.OriginServerTS,
		})
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].position != order[j].position {
			return order[i].position < order[j].position
		}
		if order[i].originServerTS != order[j].originServerTS {
			return order[i].originServerTS < order[j].originServerTS
		}
		return order[i].eventID.String() < order[j].eventID.String()
	})

	sorted := make([]ref.EventID, len(order))
	for i, item := range order {
		sorted[i] = item.eventID
	}
	return sorted, nil
}

// mainlinePosition walks up the event's chain of power levels auth
// events until one lies on the mainline. Events based on no mainline
// entry sort as position zero.
func mainlinePosition(ctx context.Context, event *matrix.PDU, mainlinePositions map[ref.EventID]int, events eventauth.EventSource) (int, error) {
	for current := event; current != nil; {
		if position, ok := mainlinePositions[current.EventID]; ok {
			return position, nil
		}
		parent, err := powerLevelsAuthEvent(ctx, current, events)
		if err != nil {
			return 0, err
		}
		current = parent
	}
	return 0, nil
}

// powerLevelsAuthEvent returns the m.room.power_levels event among
// the event's auth events, or nil.
func powerLevelsAuthEvent(ctx context.Context, event *matrix.PDU, events eventauth.EventSource) (*matrix.PDU, error) {
	for _, authID := range event.AuthEvents {
		authEvent, err := events.EventByID(ctx, authID)
		if err != nil {
			return nil, err
		}
		if authEvent == nil {
			return nil, fmt.Errorf("stateres: auth event %s not found", authID)
		}
		if authEvent.Type == matrix.TypePowerLevels && authEvent.IsState() && *authEvent.StateKey == "" {
			return authEvent, nil
		}
	}
	return nil, nil
}
