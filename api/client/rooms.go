// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/rooms"
)

// GET /_matrix/client/v3/rooms/{roomId}/state
func (h *Handlers) stateFull(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	ctx := r.Context()
	id := router.IdentityFrom(ctx)
	allowed, err := h.rooms.UserCanSeeState(ctx, id.User, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if !allowed {
		router.WriteError(w, matrix.Forbidden("You are not allowed to see the state of this room."))
		return
	}
	state, err := h.rooms.RoomStateFull(ctx, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	events := make([]*matrix.ClientEvent, 0, len(state))
	for _, pdu := range state {
		events = append(events, matrix.NewClientEvent(pdu))
	}
	router.WriteJSON(w, http.StatusOK, events)
}

// GET /_matrix/client/v3/rooms/{roomId}/state/{eventType}/{stateKey...}
func (h *Handlers) stateEvent(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	ctx := r.Context()
	id := router.IdentityFrom(ctx)
	allowed, err := h.rooms.UserCanSeeState(ctx, id.User, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if !allowed {
		router.WriteError(w, matrix.Forbidden("You are not allowed to see the state of this room."))
		return
	}
	pdu, err := h.rooms.RoomStateGet(ctx, room, r.PathValue("eventType"), r.PathValue("stateKey"))
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if pdu == nil {
		router.WriteError(w, matrix.NotFound("State event not found."))
		return
	}
	if r.URL.Query().Get("format") == "event" {
		router.WriteJSON(w, http.StatusOK, matrix.NewClientEvent(pdu))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(pdu.Content)
}

// PUT /_matrix/client/v3/rooms/{roomId}/state/{eventType}/{stateKey...}
func (h *Handlers) sendState(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	id, err := h.requireJoined(r, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	body, err := router.ReadBody(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var content map[string]json.RawMessage
	if err := router.DecodeJSON(body, &content); err != nil {
		router.WriteError(w, err)
		return
	}

	ctx := r.Context()
	eventType := r.PathValue("eventType")
	stateKey := r.PathValue("stateKey")

	// Alias state must match the alias directory: every listed alias
	// has to point at this room.
	if eventType == matrix.TypeCanonicalAlias {
		if err := h.checkCanonicalAliases(ctx, room, body); err != nil {
			router.WriteError(w, err)
			return
		}
	}

	pdu, err := h.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
		Type:     eventType,
		StateKey: &stateKey,
		Content:  body,
	}, id.User, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]ref.EventID{"event_id": pdu.EventID})
}

func (h *Handlers) checkCanonicalAliases(ctx context.Context, room ref.RoomID, content json.RawMessage) error {
	var aliases struct {
		Alias      string   `json:"alias"`
		AltAliases []string `json:"alt_aliases"`
	}
	if err := json.Unmarshal(content, &aliases); err != nil {
		return matrix.BadJSON("m.room.canonical_alias content: %v", err)
	}
	check := aliases.AltAliases
	if aliases.Alias != "" {
		check = append(check, aliases.Alias)
	}
	for _, raw := range check {
		alias, err := ref.ParseRoomAlias(raw)
		if err != nil {
			return matrix.InvalidParam("invalid alias %q: %s", raw, err)
		}
		if !h.globals.ServerIsOurs(alias.Server()) {
			continue
		}
		target, ok, err := h.rooms.ResolveLocalAlias(ctx, alias)
		if err != nil {
			return err
		}
		if !ok || target != room {
			return matrix.BadJSON("Alias %s does not point to this room.", alias)
		}
	}
	return nil
}

const (
	defaultMessagesLimit = 10
	maxMessagesLimit     = 100
)

// GET /_matrix/client/v3/rooms/{roomId}/messages
func (h *Handlers) messages(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	ctx := r.Context()
	id := router.IdentityFrom(ctx)
	allowed, err := h.rooms.UserCanSeeState(ctx, id.User, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if !allowed {
		router.WriteError(w, matrix.Forbidden("You are not allowed to see the history of this room."))
		return
	}

	query := r.URL.Query()
	backwards := true
	switch query.Get("dir") {
	case "b", "":
	case "f":
		backwards = false
	default:
		router.WriteError(w, matrix.InvalidParam("dir must be b or f"))
		return
	}
	from, err := parseToken(query.Get("from"))
	if err != nil {
		router.WriteError(w, err)
		return
	}
	to, err := parseToken(query.Get("to"))
	if err != nil {
		router.WriteError(w, err)
		return
	}
	limit := defaultMessagesLimit
	if raw := query.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			router.WriteError(w, matrix.InvalidParam("invalid limit %q", raw))
			return
		}
		limit = min(limit, maxMessagesLimit)
	}

	var entries []rooms.TimelineEntry
	if backwards {
		entries, err = h.rooms.PdusBefore(ctx, room, from, limit)
	} else {
		entries, err = h.rooms.PdusAfter(ctx, room, from, limit)
	}
	if err != nil {
		router.WriteError(w, err)
		return
	}

	start := query.Get("from")
	if start == "" {
		if backwards {
			latest, err := h.rooms.LatestCount(ctx, room)
			if err != nil {
				router.WriteError(w, err)
				return
			}
			start = strconv.FormatUint(latest+1, 10)
		} else {
			start = "0"
		}
	}

	chunk := []*matrix.ClientEvent{}
	end := start
	for _, entry := range entries {
		if to != 0 {
			if backwards && entry.Count <= to {
				break
			}
			if !backwards && entry.Count >= to {
				break
			}
		}
		end = strconv.FormatUint(entry.Count, 10)
		visible, err := h.rooms.UserCanSeeEvent(ctx, id.User, room, entry.PDU.EventID)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		if !visible {
			continue
		}
		chunk = append(chunk, matrix.NewClientEvent(entry.PDU))
	}

	router.WriteJSON(w, http.StatusOK, map[string]any{
		"start": start,
		"end":   end,
		"chunk": chunk,
	})
}

// parseToken parses a pagination token as produced by sync and
// messages responses: a plain decimal count.
func parseToken(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	count, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, matrix.InvalidParam("invalid pagination token %q", raw)
	}
	return count, nil
}

// GET /_matrix/client/v3/rooms/{roomId}/event/{eventId}
func (h *Handlers) event(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	eventID, err := eventParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	ctx := r.Context()
	id := router.IdentityFrom(ctx)
	pdu, err := h.rooms.PDUByID(ctx, eventID)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if pdu == nil || pdu.RoomID != room {
		router.WriteError(w, matrix.NotFound("Event not found."))
		return
	}
	visible, err := h.rooms.UserCanSeeEvent(ctx, id.User, room, eventID)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if !visible {
		router.WriteError(w, matrix.NotFound("Event not found."))
		return
	}
	router.WriteJSON(w, http.StatusOK, matrix.NewClientEvent(pdu))
}

// PUT /_matrix/client/v3/rooms/{roomId}/send/{eventType}/{txnId}
func (h *Handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	id, err := h.requireJoined(r, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	body, err := router.ReadBody(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var content map[string]json.RawMessage
	if err := router.DecodeJSON(body, &content); err != nil {
		router.WriteError(w, err)
		return
	}

	ctx := r.Context()
	txnID := r.PathValue("txnId")
	if stored := h.replayTransaction(ctx, w, id, txnID); stored {
		return
	}

	unsigned, err := json.Marshal(map[string]string{"transaction_id": txnID})
	if err != nil {
		router.WriteError(w, err)
		return
	}
	pdu, err := h.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
		Type:     r.PathValue("eventType"),
		Content:  body,
		Unsigned: unsigned,
	}, id.User, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	h.finishTransaction(ctx, w, id, txnID, pdu.EventID)
}

// PUT /_matrix/client/v3/rooms/{roomId}/redact/{eventId}/{txnId}
func (h *Handlers) redact(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	target, err := eventParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	id, err := h.requireJoined(r, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}

	ctx := r.Context()
	txnID := r.PathValue("txnId")
	if stored := h.replayTransaction(ctx, w, id, txnID); stored {
		return
	}

	rules, err := h.rooms.RoomRules(ctx, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	content := map[string]string{}
	if req.Reason != "" {
		content["reason"] = req.Reason
	}
	// Room versions from 11 carry the target in content; the top-level
	// key rides along for older clients either way.
	if rules.Redaction.KeepRedactionRedacts {
		content["redacts"] = target.String()
	}
	raw, err := json.Marshal(content)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	pdu, err := h.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
		Type:    matrix.TypeRedaction,
		Content: raw,
		Redacts: &target,
	}, id.User, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	h.finishTransaction(ctx, w, id, txnID, pdu.EventID)
}

// replayTransaction writes the stored response for a transaction the
// device already completed and reports whether it did.
func (h *Handlers) replayTransaction(ctx context.Context, w http.ResponseWriter, id router.Identity, txnID string) bool {
	stored, err := h.users.TransactionResponse(ctx, id.User, id.Device, txnID)
	if err != nil || stored == nil {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(stored)
	return true
}

// finishTransaction responds with the new event ID and records it for
// replays of the same transaction.
func (h *Handlers) finishTransaction(ctx context.Context, w http.ResponseWriter, id router.Identity, txnID string, event ref.EventID) {
	response, err := json.Marshal(map[string]ref.EventID{"event_id": event})
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if err := h.users.SetTransactionResponse(ctx, id.User, id.Device, txnID, response); err != nil {
		h.logger.Warn("storing transaction response failed",
			"user", id.User, "txn_id", txnID, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(response)
}
