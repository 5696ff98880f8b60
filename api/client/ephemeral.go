// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

const (
	receiptRead        = "m.read"
	receiptReadPrivate = "m.read.private"
	receiptFullyRead   = "m.fully_read"
)

// defaultTypingTimeout caps how long a typing notification lives when
// the client sends none.
const defaultTypingTimeout = 30 * time.Second

// PUT /_matrix/client/v3/rooms/{roomId}/typing/{userId}
func (h *Handlers) typing(w http.ResponseWriter, r *http.Request) {
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
	id, err := h.requireJoined(r, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	if user != id.User {
		router.WriteError(w, matrix.Forbidden("You cannot send typing notifications for other users."))
		return
	}
	var req struct {
		Typing  bool  `json:"typing"`
		Timeout int64 `json:"timeout"`
	}
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}

	ctx := r.Context()
	if req.Typing {
		timeout := defaultTypingTimeout
		if req.Timeout > 0 {
			timeout = min(time.Duration(req.Timeout)*time.Millisecond, defaultTypingTimeout)
		}
		err = h.rooms.TypingAdd(ctx, user, room, timeout)
	} else {
		err = h.rooms.TypingRemove(ctx, user, room)
	}
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// POST /_matrix/client/v3/rooms/{roomId}/receipt/{receiptType}/{eventId}
func (h *Handlers) receipt(w http.ResponseWriter, r *http.Request) {
	room, err := roomParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	event, err := eventParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	id, err := h.requireJoined(r, room)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	ctx := r.Context()
	switch r.PathValue("receiptType") {
	case receiptRead:
		err = h.rooms.UpdateReadReceipt(ctx, room, id.User, event, h.clock.Now().UnixMilli())
	case receiptReadPrivate:
		err = h.setPrivateMarker(ctx, room, id.User, event)
	case receiptFullyRead:
		err = h.setFullyRead(ctx, room, id.User, event)
	default:
		err = matrix.InvalidParam("unknown receipt type %q", r.PathValue("receiptType"))
	}
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// POST /_matrix/client/v3/rooms/{roomId}/read_markers
func (h *Handlers) readMarkers(w http.ResponseWriter, r *http.Request) {
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
	var req struct {
		FullyRead   ref.EventID `json:"m.fully_read"`
		Read        ref.EventID `json:"m.read"`
		ReadPrivate ref.EventID `json:"m.read.private"`
	}
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}

	ctx := r.Context()
	if !req.FullyRead.IsZero() {
		if err := h.setFullyRead(ctx, room, id.User, req.FullyRead); err != nil {
			router.WriteError(w, err)
			return
		}
	}
	if !req.Read.IsZero() {
		if err := h.rooms.UpdateReadReceipt(ctx, room, id.User, req.Read, h.clock.Now().UnixMilli()); err != nil {
			router.WriteError(w, err)
			return
		}
	}
	if !req.ReadPrivate.IsZero() {
		if err := h.setPrivateMarker(ctx, room, id.User, req.ReadPrivate); err != nil {
			router.WriteError(w, err)
			return
		}
	}
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// setPrivateMarker moves the private read marker to the event's
// timeline position and clears the notification counters it covers.
func (h *Handlers) setPrivateMarker(ctx context.Context, room ref.RoomID, user ref.UserID, event ref.EventID) error {
	count, ok, err := h.rooms.PDUCount(ctx, event)
	if err != nil {
		return err
	}
	if !ok {
		return matrix.NotFound("Event not found.")
	}
	if err := h.rooms.SetPrivateReadMarker(ctx, room, user, count); err != nil {
		return err
	}
	return h.rooms.ResetNotificationCounts(ctx, user, room)
}

// setFullyRead stores the fully-read marker as per-room account data,
// where sync picks it up.
func (h *Handlers) setFullyRead(ctx context.Context, room ref.RoomID, user ref.UserID, event ref.EventID) error {
	content, err := json.Marshal(map[string]string{"event_id": event.String()})
	if err != nil {
		return err
	}
	return h.users.SetAccountData(ctx, room, user, receiptFullyRead, content)
}
