// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

const (
	maxBackfillLimit      = 100
	defaultMissingLimit   = 10
	maxMissingEventsLimit = 100
)

// wirePDUs loads events and renders them in the federation wire form
// for the room version. Unknown IDs are skipped.
func (h *Handlers) wirePDUs(ctx context.Context, version matrix.RoomVersion, ids []ref.EventID) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		pdu, err := h.rooms.PDUByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if pdu == nil {
			continue
		}
		raw, err := wirePDU(pdu, version)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func wirePDU(pdu *matrix.PDU, version matrix.RoomVersion) (json.RawMessage, error) {
	obj, err := pdu.Canonical()
	if err != nil {
		return nil, err
	}
	return canonicaljson.Encode(matrix.ToOutgoingFederation(obj, version))
}

// event serves a single event to a server in its room.
func (h *Handlers) event(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID, err := eventParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	pdu, err := h.rooms.PDUByID(ctx, eventID)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if pdu == nil {
		router.WriteError(w, matrix.NotFound("Event not found."))
		return
	}
	room := pdu.RoomID
	if err := h.requireRoomParticipant(r, room); err != nil {
		router.WriteError(w, err)
		return
	}

	origin := router.IdentityFrom(ctx).Origin
	visible, err := h.rooms.ServerCanSeeEvent(ctx, origin, room, eventID)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if !visible {
		router.WriteError(w, matrix.Forbidden("Server is not allowed to see event."))
		return
	}

	version, err := h.rooms.RoomVersion(ctx, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	raw, err := wirePDU(pdu, version)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	h.writeTransactionPDUs(w, []json.RawMessage{raw})
}

// writeTransactionPDUs renders the transaction-shaped response of the
// event and backfill endpoints.
func (h *Handlers) writeTransactionPDUs(w http.ResponseWriter, pdus []json.RawMessage) {
	router.WriteJSON(w, http.StatusOK, struct {
		Origin         ref.ServerName    `json:"origin"`
		OriginServerTS int64             `json:"origin_server_ts"`
		PDUs           []json.RawMessage `json:"pdus"`
	}{h.globals.ServerName(), h.clock.Now().UnixMilli(), pdus})
}

// stateSnapshot resolves the room state before the given event for the
// state and state_ids endpoints.
func (h *Handlers) stateSnapshot(r *http.Request) (room ref.RoomID, state []ref.EventID, chain []ref.EventID, err error) {
	ctx := r.Context()
	room, err = roomParam(r)
	if err != nil {
		return room, nil, nil, err
	}
	rawEvent := r.URL.Query().Get("event_id")
	if rawEvent == "" {
		return room, nil, nil, matrix.InvalidParam("event_id query parameter is required")
	}
	event, err := ref.ParseEventID(rawEvent)
	if err != nil {
		return room, nil, nil, matrix.InvalidParam("invalid event id: %s", err)
	}

	if err := h.requireRoomParticipant(r, room); err != nil {
		return room, nil, nil, err
	}

	pdu, err := h.rooms.PDUByID(ctx, event)
	if err != nil {
		return room, nil, nil, err
	}
	if pdu == nil || pdu.RoomID != room {
		return room, nil, nil, matrix.NotFound("Event not found in room.")
	}

	hash, ok, err := h.rooms.EventStateHash(ctx, event)
	if err != nil {
		return room, nil, nil, err
	}
	if !ok {
		return room, nil, nil, matrix.NotFound("State at event is not known.")
	}
	stateMap, err := h.rooms.StateMapAt(ctx, hash)
	if err != nil {
		return room, nil, nil, err
	}

	state = make([]ref.EventID, 0, len(stateMap))
	for _, id := range stateMap {
		state = append(state, id)
	}
	chainSet, err := h.rooms.AuthChain(ctx, room, state)
	if err != nil {
		return room, nil, nil, err
	}
	chain = make([]ref.EventID, 0, len(chainSet))
	for id := range chainSet {
		chain = append(chain, id)
	}
	return room, state, chain, nil
}

// state serves the full room state from before an event.
func (h *Handlers) state(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	room, stateIDs, chainIDs, err := h.stateSnapshot(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	version, err := h.rooms.RoomVersion(ctx, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	state, err := h.wirePDUs(ctx, version, stateIDs)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	chain, err := h.wirePDUs(ctx, version, chainIDs)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct {
		AuthChain []json.RawMessage `json:"auth_chain"`
		PDUs      []json.RawMessage `json:"pdus"`
	}{chain, state})
}

// stateIDs serves the same snapshot as state, as event IDs only.
func (h *Handlers) stateIDs(w http.ResponseWriter, r *http.Request) {
	_, stateIDs, chainIDs, err := h.stateSnapshot(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	ids := func(events []ref.EventID) []string {
		out := make([]string, 0, len(events))
		for _, id := range events {
			out = append(out, id.String())
		}
		return out
	}
	router.WriteJSON(w, http.StatusOK, struct {
		AuthChainIDs []string `json:"auth_chain_ids"`
		PDUIDs       []string `json:"pdu_ids"`
	}{ids(chainIDs), ids(stateIDs)})
}

// backfill serves history before the given events, newest first. Only
// events the requesting server may see are included.
func (h *Handlers) backfill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if err := h.requireRoomParticipant(r, room); err != nil {
		router.WriteError(w, err)
		return
	}

	limit := maxBackfillLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			router.WriteError(w, matrix.InvalidParam("invalid limit"))
			return
		}
		limit = min(limit, maxBackfillLimit)
	}

	// Backfill starts from the newest referenced event.
	var from uint64
	for _, raw := range r.URL.Query()["v"] {
		event, err := ref.ParseEventID(raw)
		if err != nil {
			router.WriteError(w, matrix.InvalidParam("invalid event id: %s", err))
			return
		}
		count, ok, err := h.rooms.PDUCount(ctx, event)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		if ok && count > from {
			from = count
		}
	}

	version, err := h.rooms.RoomVersion(ctx, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	entries, err := h.rooms.PdusBefore(ctx, room, from+1, limit)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	origin := router.IdentityFrom(ctx).Origin
	pdus := make([]json.RawMessage, 0, len(entries))
	for _, entry := range entries {
		visible, err := h.rooms.ServerCanSeeEvent(ctx, origin, room, entry.PDU.EventID)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		if !visible {
			continue
		}
		raw, err := wirePDU(entry.PDU, version)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		pdus = append(pdus, raw)
	}
	h.writeTransactionPDUs(w, pdus)
}

// missingEventsRequest is the body of POST /get_missing_events.
type missingEventsRequest struct {
	EarliestEvents []ref.EventID `json:"earliest_events"`
	LatestEvents   []ref.EventID `json:"latest_events"`
	Limit          int           `json:"limit"`
	MinDepth       int64         `json:"min_depth"`
}

// missingEvents walks the room graph backwards from the caller's
// latest events until it reaches their earliest events, returning the
// gap. Events the caller may not see are withheld but still walked
// through.
func (h *Handlers) missingEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if err := h.requireRoomParticipant(r, room); err != nil {
		router.WriteError(w, err)
		return
	}

	var req missingEventsRequest
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultMissingLimit
	}
	limit = min(limit, maxMissingEventsLimit)

	version, err := h.rooms.RoomVersion(ctx, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	stop := make(map[ref.EventID]bool, len(req.EarliestEvents))
	for _, id := range req.EarliestEvents {
		stop[id] = true
	}

	var queue []ref.EventID
	for _, id := range req.LatestEvents {
		pdu, err := h.rooms.PDUByID(ctx, id)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		if pdu == nil || pdu.RoomID != room {
			continue
		}
		queue = append(queue, pdu.PrevEvents...)
	}

	origin := router.IdentityFrom(ctx).Origin
	seen := make(map[ref.EventID]bool)
	events := make([]json.RawMessage, 0, limit)
	for len(queue) > 0 && len(events) < limit {
		id := queue[0]
		queue = queue[1:]
		if seen[id] || stop[id] {
			continue
		}
		seen[id] = true

		pdu, err := h.rooms.PDUByID(ctx, id)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		if pdu == nil || pdu.RoomID != room {
			continue
		}
		queue = append(queue, pdu.PrevEvents...)

		visible, err := h.rooms.ServerCanSeeEvent(ctx, origin, room, id)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		if !visible {
			continue
		}
		raw, err := wirePDU(pdu, version)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		events = append(events, raw)
	}

	router.WriteJSON(w, http.StatusOK, struct {
		Events []json.RawMessage `json:"events"`
	}{events})
}
