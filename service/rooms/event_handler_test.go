// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// remoteEvent builds and signs an event outside the room's timeline,
// the way another homeserver would, so the ingest pipeline can be fed
// without a network.
func (f *fixture) remoteEvent(t *testing.T, room ref.RoomID, fields map[string]any) (*matrix.PDU, canonicaljson.Object) {
	t.Helper()
	rules, err := f.rooms.RoomRules(context.Background(), room)
	if err != nil {
		t.Fatalf("RoomRules: %v", err)
	}
	fields["room_id"] = room.String()
	if _, ok := fields["origin_server_ts"]; !ok {
		fields["origin_server_ts"] = f.clock.Now().UnixMilli()
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	obj, err := canonicaljson.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	pdu, signed, err := f.rooms.SignAndFinish(obj, rules)
	if err != nil {
		t.Fatalf("SignAndFinish: %v", err)
	}
	return pdu, signed
}

func eventIDs(pdus ...*matrix.PDU) []string {
	ids := make([]string, len(pdus))
	for i, pdu := range pdus {
		ids[i] = pdu.EventID.String()
	}
	return ids
}

func TestIncomingPDU(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.globals.ServerName()
	alice := f.account(t, "@alice:test.example")

	room, create, err := f.rooms.CreateRoom(ctx, alice, matrix.RoomV11, nil)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	join := f.join(t, room, alice)
	tip := f.message(t, room, alice, "local tip")

	pdu, signed := f.remoteEvent(t, room, map[string]any{
		"type":        matrix.TypeMessage,
		"sender":      alice.String(),
		"content":     map[string]string{"msgtype": "m.text", "body": "from the wire"},
		"prev_events": eventIDs(tip),
		"auth_events": eventIDs(create, join),
		"depth":       tip.Depth + 1,
	})

	if err := f.rooms.HandleIncomingPDU(ctx, origin, room, pdu.EventID, signed); err != nil {
		t.Fatalf("HandleIncomingPDU: %v", err)
	}

	inTimeline, err := f.rooms.InTimeline(ctx, pdu.EventID)
	if err != nil || !inTimeline {
		t.Fatalf("InTimeline = %v, %v", inTimeline, err)
	}
	leaves, err := f.rooms.ForwardExtremities(ctx, room)
	if err != nil {
		t.Fatalf("ForwardExtremities: %v", err)
	}
	if len(leaves) != 1 || leaves[0] != pdu.EventID {
		t.Errorf("extremities = %v, want [%s]", leaves, pdu.EventID)
	}
	stored, err := f.rooms.PDUByID(ctx, pdu.EventID)
	if err != nil || stored == nil {
		t.Fatalf("PDUByID = %v, %v", stored, err)
	}
	if body := string(stored.Content); body == "" {
		t.Error("stored event lost its content")
	}
	if _, ok, err := f.rooms.EventStateHash(ctx, pdu.EventID); err != nil || !ok {
		t.Errorf("EventStateHash = %v, %v", ok, err)
	}

	// Redelivery is a no-op.
	if err := f.rooms.HandleIncomingPDU(ctx, origin, room, pdu.EventID, signed); err != nil {
		t.Errorf("HandleIncomingPDU(redelivery): %v", err)
	}
}

func TestIncomingStateEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.globals.ServerName()
	alice := f.account(t, "@alice:test.example")

	room, create, err := f.rooms.CreateRoom(ctx, alice, matrix.RoomV11, nil)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	join := f.join(t, room, alice)
	tip := f.message(t, room, alice, "before the topic")

	topic, signed := f.remoteEvent(t, room, map[string]any{
		"type":        matrix.TypeTopic,
		"state_key":   "",
		"sender":      alice.String(),
		"content":     map[string]string{"topic": "set remotely"},
		"prev_events": eventIDs(tip),
		"auth_events": eventIDs(create, join),
		"depth":       tip.Depth + 1,
	})

	if err := f.rooms.HandleIncomingPDU(ctx, origin, room, topic.EventID, signed); err != nil {
		t.Fatalf("HandleIncomingPDU: %v", err)
	}

	// State resolution moved the room state to include the event.
	id, ok, err := f.rooms.RoomStateGetID(ctx, room, matrix.TypeTopic, "")
	if err != nil || !ok {
		t.Fatalf("RoomStateGetID = %v, %v", ok, err)
	}
	if id != topic.EventID {
		t.Errorf("topic = %s, want %s", id, topic.EventID)
	}
	state, err := f.rooms.RoomStateMap(ctx, room)
	if err != nil {
		t.Fatalf("RoomStateMap: %v", err)
	}
	if len(state) != 3 {
		t.Errorf("state has %d entries, want 3", len(state))
	}
}

func TestIncomingSoftFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.globals.ServerName()
	alice := f.account(t, "@alice:test.example")
	bob := f.account(t, "@bob:test.example")

	room, create, err := f.rooms.CreateRoom(ctx, alice, matrix.RoomV11, nil)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	f.join(t, room, alice)
	f.setMembership(t, room, alice, bob, matrix.MembershipInvite)
	bobJoin := f.join(t, room, bob)
	anchor := f.message(t, room, bob, "still here")
	leave := f.setMembership(t, room, bob, bob, matrix.MembershipLeave)

	// An event branching off before the leave: valid at its own
	// position, no longer valid against the current state.
	straggler, signed := f.remoteEvent(t, room, map[string]any{
		"type":        matrix.TypeMessage,
		"sender":      bob.String(),
		"content":     map[string]string{"msgtype": "m.text", "body": "one more thing"},
		"prev_events": eventIDs(anchor),
		"auth_events": eventIDs(create, bobJoin),
		"depth":       anchor.Depth + 1,
	})

	err = f.rooms.HandleIncomingPDU(ctx, origin, room, straggler.EventID, signed)
	errCode(t, err, matrix.ErrCodeForbidden)

	soft, err := f.rooms.IsSoftFailed(ctx, straggler.EventID)
	if err != nil || !soft {
		t.Fatalf("IsSoftFailed = %v, %v", soft, err)
	}
	if inTimeline, _ := f.rooms.InTimeline(ctx, straggler.EventID); inTimeline {
		t.Error("soft-failed event reached the timeline")
	}
	// The event is kept as an outlier so the DAG around it stays
	// connected.
	known, err := f.rooms.IsKnown(ctx, straggler.EventID)
	if err != nil || !known {
		t.Errorf("IsKnown = %v, %v", known, err)
	}
	leaves, err := f.rooms.ForwardExtremities(ctx, room)
	if err != nil {
		t.Fatalf("ForwardExtremities: %v", err)
	}
	if len(leaves) != 1 || leaves[0] != leave.EventID {
		t.Errorf("extremities = %v, want [%s]", leaves, leave.EventID)
	}

	// Redelivery short-circuits on the soft-fail marker.
	err = f.rooms.HandleIncomingPDU(ctx, origin, room, straggler.EventID, signed)
	errCode(t, err, matrix.ErrCodeForbidden)
}

func TestIncomingRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.globals.ServerName()
	alice := f.account(t, "@alice:test.example")
	mallory := f.account(t, "@mallory:test.example")

	room, create, err := f.rooms.CreateRoom(ctx, alice, matrix.RoomV11, nil)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	f.join(t, room, alice)
	tip := f.message(t, room, alice, "members only")

	// Mallory was never in the room, and the auth events she cites
	// cannot justify her message.
	intruder, signed := f.remoteEvent(t, room, map[string]any{
		"type":        matrix.TypeMessage,
		"sender":      mallory.String(),
		"content":     map[string]string{"msgtype": "m.text", "body": "hello"},
		"prev_events": eventIDs(tip),
		"auth_events": eventIDs(create),
		"depth":       tip.Depth + 1,
	})

	err = f.rooms.HandleIncomingPDU(ctx, origin, room, intruder.EventID, signed)
	errCode(t, err, matrix.ErrCodeForbidden)

	// Rejected events are not stored at all.
	known, err := f.rooms.IsKnown(ctx, intruder.EventID)
	if err != nil || known {
		t.Errorf("IsKnown = %v, %v, want false", known, err)
	}
}

func TestIncomingContentHashMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.globals.ServerName()
	alice := f.account(t, "@alice:test.example")

	room, create, err := f.rooms.CreateRoom(ctx, alice, matrix.RoomV11, nil)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	join := f.join(t, room, alice)
	tip := f.message(t, room, alice, "tip")

	pdu, signed := f.remoteEvent(t, room, map[string]any{
		"type":        matrix.TypeMessage,
		"sender":      alice.String(),
		"content":     map[string]string{"msgtype": "m.text", "body": "original"},
		"prev_events": eventIDs(tip),
		"auth_events": eventIDs(create, join),
		"depth":       tip.Depth + 1,
	})

	// Tampering with the content after signing breaks the content
	// hash but not the signature, which covers the redacted form. The
	// event is admitted redacted.
	signed["content"] = canonicaljson.Object{"msgtype": "m.text", "body": "tampered"}

	if err := f.rooms.HandleIncomingPDU(ctx, origin, room, pdu.EventID, signed); err != nil {
		t.Fatalf("HandleIncomingPDU: %v", err)
	}
	stored, err := f.rooms.PDUByID(ctx, pdu.EventID)
	if err != nil || stored == nil {
		t.Fatalf("PDUByID = %v, %v", stored, err)
	}
	var content map[string]any
	if err := json.Unmarshal(stored.Content, &content); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(content) != 0 {
		t.Errorf("tampered event stored with content %v, want it redacted", content)
	}
}

func TestIncomingBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.globals.ServerName()
	alice := f.account(t, "@alice:test.example")

	room, create, err := f.rooms.CreateRoom(ctx, alice, matrix.RoomV11, nil)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	join := f.join(t, room, alice)
	tip := f.message(t, room, alice, "tip")

	pdu, signed := f.remoteEvent(t, room, map[string]any{
		"type":        matrix.TypeMessage,
		"sender":      alice.String(),
		"content":     map[string]string{"msgtype": "m.text", "body": "fine"},
		"prev_events": eventIDs(tip),
		"auth_events": eventIDs(create, join),
		"depth":       tip.Depth + 1,
	})

	// Depth survives redaction, so changing it invalidates the
	// signature itself.
	signed["depth"] = tip.Depth + 2

	err = f.rooms.HandleIncomingPDU(ctx, origin, room, pdu.EventID, signed)
	errCode(t, err, matrix.ErrCodeForbidden)
	if known, _ := f.rooms.IsKnown(ctx, pdu.EventID); known {
		t.Error("event with a bad signature was stored")
	}
}

func TestIncomingGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	origin := f.globals.ServerName()
	alice := f.account(t, "@alice:test.example")

	t.Run("UnknownRoom", func(t *testing.T) {
		room, err := ref.ParseRoomID("!elsewhere:remote.example")
		if err != nil {
			t.Fatalf("ParseRoomID: %v", err)
		}
		eventID := ref.MustParseEventID("$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
		err = f.rooms.HandleIncomingPDU(ctx, origin, room, eventID, nil)
		errCode(t, err, matrix.ErrCodeNotFound)
	})

	room := f.createRoom(t, alice, matrix.RoomV11)
	f.join(t, room, alice)

	t.Run("DisabledRoom", func(t *testing.T) {
		if err := f.rooms.DisableRoom(ctx, room, true); err != nil {
			t.Fatalf("DisableRoom: %v", err)
		}
		defer func() {
			if err := f.rooms.DisableRoom(ctx, room, false); err != nil {
				t.Fatalf("DisableRoom(false): %v", err)
			}
		}()
		eventID := ref.MustParseEventID("$BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
		err := f.rooms.HandleIncomingPDU(ctx, origin, room, eventID, nil)
		errCode(t, err, matrix.ErrCodeForbidden)
	})

	t.Run("WrongRoom", func(t *testing.T) {
		other := f.createRoom(t, alice, matrix.RoomV11)
		join := f.join(t, other, alice)
		otherCreate, err := f.rooms.CreateEvent(ctx, other)
		if err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}
		pdu, signed := f.remoteEvent(t, other, map[string]any{
			"type":        matrix.TypeMessage,
			"sender":      alice.String(),
			"content":     map[string]string{"msgtype": "m.text", "body": "lost"},
			"prev_events": eventIDs(join),
			"auth_events": eventIDs(otherCreate, join),
			"depth":       join.Depth + 1,
		})
		// Delivered for the wrong room.
		err = f.rooms.HandleIncomingPDU(ctx, origin, room, pdu.EventID, signed)
		errCode(t, err, matrix.ErrCodeInvalidParam)
	})
}
