// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"encoding/json"
	"fmt"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
)

// ToOutgoingFederation converts a stored event object into the
// federation wire format for its room version: the transaction ID is
// stripped, computed event IDs are dropped, create events lose their
// room_id where the version derives it, and room version 1/2 event
// references become [event_id, hash] pairs. The input is not
// modified.
func ToOutgoingFederation(obj canonicaljson.Object, version RoomVersion) canonicaljson.Object {
	out := canonicaljson.CopyObject(obj)
	if unsigned := canonicaljson.Child(out, "unsigned"); unsigned != nil {
		delete(unsigned, "transaction_id")
	}

	rules, ok := version.Rules()
	if !ok {
		delete(out, "event_id")
		return out
	}

	if !rules.EventFormat.RequireEventID {
		delete(out, "event_id")
	}
	if !rules.EventFormat.RequireRoomCreateRoomID &&
		canonicaljson.String(out, "type") == TypeCreate {
		delete(out, "room_id")
	}
	if rules.EventFormat.ReferenceTuples {
		wrapReferences(out, "auth_events")
		wrapReferences(out, "prev_events")
	}
	return out
}

func wrapReferences(obj canonicaljson.Object, key string) {
	refs := canonicaljson.Array(obj, key)
	for i, v := range refs {
		if id, ok := v.(string); ok {
			refs[i] = []any{id, canonicaljson.Object{"": ""}}
		}
	}
}

func unwrapReferences(obj canonicaljson.Object, key string) {
	refs := canonicaljson.Array(obj, key)
	for i, v := range refs {
		tuple, ok := v.([]any)
		if !ok || len(tuple) == 0 {
			continue
		}
		id, _ := tuple[0].(string)
		refs[i] = id
	}
}

// FromIncomingFederation converts a federation-format event object
// into a PDU under the given event ID. Room version 1/2 reference
// tuples are flattened, and create events of versions with serverless
// room IDs regain the room_id derived from the event ID. The object
// is modified in place to the stored format.
func FromIncomingFederation(eventID ref.EventID, obj canonicaljson.Object, rules Rules) (*PDU, error) {
	if rules.EventFormat.ReferenceTuples {
		unwrapReferences(obj, "auth_events")
		unwrapReferences(obj, "prev_events")
	}
	if rules.Authorization.RoomIDIsCreateEventID &&
		canonicaljson.String(obj, "type") == TypeCreate &&
		canonicaljson.String(obj, "room_id") == "" {
		obj["room_id"] = eventID.AsCreateRoomID().String()
	}
	obj["event_id"] = eventID.String()

	raw, err := canonicaljson.Encode(obj)
	if err != nil {
		return nil, err
	}
	var pdu PDU
	if err := json.Unmarshal(raw, &pdu); err != nil {
		return nil, fmt.Errorf("matrix: event is not a valid PDU: %w", err)
	}
	return &pdu, nil
}

// GenerateEventID computes the event ID for an event object. For room
// versions 1 and 2 an existing event_id passes through; absent one,
// the reference hash is formatted with the origin as server part. For
// version 3 and later the ID is the reference hash alone.
func GenerateEventID(obj canonicaljson.Object, rules Rules) (ref.EventID, error) {
	if rules.EventFormat.RequireEventID {
		if raw := canonicaljson.String(obj, "event_id"); raw != "" {
			return ref.ParseEventID(raw)
		}
	}

	hash, err := canonicaljson.ReferenceHash(obj, rules.Redaction)
	if err != nil {
		return ref.EventID{}, err
	}
	id := canonicaljson.EventIDFromHash(hash, rules.EventFormat.URLSafeEventID)
	if rules.EventFormat.RequireEventID {
		origin := canonicaljson.String(obj, "origin")
		if origin == "" {
			return ref.EventID{}, fmt.Errorf("matrix: cannot form a domained event ID without an origin")
		}
		id = id + ":" + origin
	}
	return ref.ParseEventID(id)
}

// ParseIncomingPDU decodes a raw federation event, computes its event
// ID, and produces both the PDU and the canonical object in stored
// form.
func ParseIncomingPDU(raw []byte, rules Rules) (*PDU, canonicaljson.Object, error) {
	obj, err := canonicaljson.Decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("matrix: parsing canonical event: %w", err)
	}
	eventID, err := GenerateEventID(obj, rules)
	if err != nil {
		return nil, nil, err
	}
	pdu, err := FromIncomingFederation(eventID, obj, rules)
	if err != nil {
		return nil, nil, err
	}
	return pdu, obj, nil
}
