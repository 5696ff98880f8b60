// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"encoding/json"

	"github.com/tototomate123/tuwunel/lib/ref"
)

// ClientEvent is the client-facing JSON form of an event: the
// federation bookkeeping (prev_events, auth_events, depth, hashes,
// signatures) is stripped. Appservice transactions and the client API
// serve this shape.
type ClientEvent struct {
	EventID        ref.EventID     `json:"event_id"`
	RoomID         ref.RoomID      `json:"room_id"`
	Sender         ref.UserID      `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	StateKey       *string         `json:"state_key,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	Redacts        *ref.EventID    `json:"redacts,omitempty"`
}

// NewClientEvent strips a PDU down to its client form.
func NewClientEvent(p *PDU) *ClientEvent {
	return &ClientEvent{
		EventID:        p.EventID,
		RoomID:         p.RoomID,
		Sender:         p.Sender,
		OriginServerTS: p.OriginServerTS,
		Type:           p.Type,
		Content:        p.Content,
		StateKey:       p.StateKey,
		Unsigned:       p.Unsigned,
		Redacts:        p.Redacts,
	}
}
