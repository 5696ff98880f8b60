// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

const (
	maxTransactionPDUs = 50
	maxTransactionEDUs = 100

	// remoteTypingTimeout bounds typing notifications from servers
	// that never send the stop.
	remoteTypingTimeout = 30 * time.Second
)

// transactionRequest is the body of PUT /send.
type transactionRequest struct {
	PDUs []json.RawMessage `json:"pdus"`
	EDUs []json.RawMessage `json:"edus"`
}

// pduResult is one entry of the transaction response's pdus map: empty
// for a processed event, the error text for a rejected one.
type pduResult struct {
	Error string `json:"error,omitempty"`
}

// edu is the envelope of one ephemeral data unit.
type edu struct {
	Type    string          `json:"edu_type"`
	Content json.RawMessage `json:"content"`
}

// sendTransaction ingests a federation transaction. PDUs run through
// the incoming event pipeline in order, so events for the same room
// apply in the order the origin sent them; each named event gets a
// result entry. Events that cannot even be keyed are dropped quietly,
// EDU failures never fail the transaction.
func (h *Handlers) sendTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	origin := router.IdentityFrom(ctx).Origin
	txnID := r.PathValue("txnId")

	var req transactionRequest
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	if len(req.PDUs) > maxTransactionPDUs {
		router.WriteError(w, matrix.Forbidden("Not allowed to send more than %d PDUs in one transaction.", maxTransactionPDUs))
		return
	}
	if len(req.EDUs) > maxTransactionEDUs {
		router.WriteError(w, matrix.Forbidden("Not allowed to send more than %d EDUs in one transaction.", maxTransactionEDUs))
		return
	}

	results := make(map[string]pduResult, len(req.PDUs))
	for _, raw := range req.PDUs {
		eventID, err := h.ingestPDU(ctx, origin, raw)
		if eventID.IsZero() {
			if err != nil {
				h.logger.Debug("dropping transaction event", "origin", origin, "txn", txnID, "error", err)
			}
			continue
		}
		if err != nil {
			h.logger.Debug("transaction event rejected", "origin", origin, "event", eventID, "error", err)
			results[eventID.String()] = pduResult{Error: err.Error()}
			continue
		}
		results[eventID.String()] = pduResult{}
	}

	for _, raw := range req.EDUs {
		if err := h.handleEDU(ctx, origin, raw); err != nil {
			h.logger.Debug("dropping transaction edu", "origin", origin, "txn", txnID, "error", err)
		}
	}

	router.WriteJSON(w, http.StatusOK, struct {
		PDUs map[string]pduResult `json:"pdus"`
	}{results})
}

// ingestPDU keys one transaction event and hands it to the incoming
// event pipeline. A zero event ID means the event could not be keyed
// at all and has no result entry.
func (h *Handlers) ingestPDU(ctx context.Context, origin ref.ServerName, raw json.RawMessage) (ref.EventID, error) {
	var head struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ref.EventID{}, fmt.Errorf("parsing event: %w", err)
	}
	room, err := ref.ParseRoomID(head.RoomID)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("parsing event room id: %w", err)
	}

	// Events for rooms we know nothing about cannot be keyed: without
	// the room version there is no event ID to report back.
	exists, err := h.rooms.RoomExists(ctx, room)
	if err != nil {
		return ref.EventID{}, err
	}
	if !exists {
		return ref.EventID{}, fmt.Errorf("event for unknown room %s", room)
	}

	rules, err := h.rooms.RoomRules(ctx, room)
	if err != nil {
		return ref.EventID{}, err
	}
	obj, err := canonicaljson.Decode(raw)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("parsing event: %w", err)
	}
	eventID, err := matrix.GenerateEventID(obj, rules)
	if err != nil {
		return ref.EventID{}, err
	}
	return eventID, h.rooms.HandleIncomingPDU(ctx, origin, room, eventID, obj)
}

// handleEDU dispatches one ephemeral data unit. Unhandled types are
// dropped.
func (h *Handlers) handleEDU(ctx context.Context, origin ref.ServerName, raw json.RawMessage) error {
	var envelope edu
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parsing edu: %w", err)
	}
	switch envelope.Type {
	case "m.receipt":
		return h.handleReceiptEDU(ctx, origin, envelope.Content)
	case "m.typing":
		return h.handleTypingEDU(ctx, origin, envelope.Content)
	default:
		h.logger.Debug("ignoring edu", "origin", origin, "type", envelope.Type)
		return nil
	}
}

// handleReceiptEDU applies remote read receipts. Only receipts about
// the origin's own joined users count.
func (h *Handlers) handleReceiptEDU(ctx context.Context, origin ref.ServerName, content json.RawMessage) error {
	var byRoom map[string]map[string]map[string]struct {
		EventIDs []ref.EventID `json:"event_ids"`
		Data     struct {
			TS int64 `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(content, &byRoom); err != nil {
		return fmt.Errorf("parsing receipt edu: %w", err)
	}

	for rawRoom, byType := range byRoom {
		room, err := ref.ParseRoomID(rawRoom)
		if err != nil {
			continue
		}
		for rawUser, receipt := range byType["m.read"] {
			user, err := ref.ParseUserID(rawUser)
			if err != nil || user.Server() != origin || len(receipt.EventIDs) == 0 {
				continue
			}
			joined, err := h.rooms.IsJoined(ctx, user, room)
			if err != nil {
				return err
			}
			if !joined {
				continue
			}
			if err := h.rooms.UpdateReadReceipt(ctx, room, user, receipt.EventIDs[0], receipt.Data.TS); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleTypingEDU applies a remote typing notification for one of the
// origin's joined users.
func (h *Handlers) handleTypingEDU(ctx context.Context, origin ref.ServerName, content json.RawMessage) error {
	var typing struct {
		RoomID ref.RoomID `json:"room_id"`
		UserID ref.UserID `json:"user_id"`
		Typing bool       `json:"typing"`
	}
	if err := json.Unmarshal(content, &typing); err != nil {
		return fmt.Errorf("parsing typing edu: %w", err)
	}
	if typing.UserID.Server() != origin {
		return nil
	}
	joined, err := h.rooms.IsJoined(ctx, typing.UserID, typing.RoomID)
	if err != nil || !joined {
		return err
	}
	if typing.Typing {
		return h.rooms.TypingAdd(ctx, typing.UserID, typing.RoomID, remoteTypingTimeout)
	}
	return h.rooms.TypingRemove(ctx, typing.UserID, typing.RoomID)
}
