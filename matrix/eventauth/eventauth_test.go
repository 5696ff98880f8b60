// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package eventauth

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

const (
	alice   = "@alice:example.org"
	bob     = "@bob:example.org"
	charlie = "@charlie:example.org"
	zara    = "@zara:remote.example"
)

func sk(s string) *string { return &s }

func membership(m string) map[string]any {
	return map[string]any{"membership": m}
}

// authFixture holds an in-memory room: its resolved state keyed by
// (type, state_key) and an event store keyed by event ID.
type authFixture struct {
	rules  matrix.Rules
	roomID ref.RoomID
	state  map[StateKeyTuple]*matrix.PDU
	events map[ref.EventID]*matrix.PDU
	ts     int64
}

func newAuthFixture(t *testing.T, version matrix.RoomVersion, roomID string) *authFixture {
	t.Helper()
	rules, err := matrix.RulesFor(version)
	if err != nil {
		t.Fatalf("RulesFor(%s): %v", version, err)
	}
	return &authFixture{
		rules:  rules,
		roomID: ref.MustParseRoomID(roomID),
		state:  make(map[StateKeyTuple]*matrix.PDU),
		events: make(map[ref.EventID]*matrix.PDU),
	}
}

func (f *authFixture) build(t *testing.T, id, sender, typ string, stateKey *string, content any) *matrix.PDU {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal %s content: %v", typ, err)
	}
	f.ts++
	return &matrix.PDU{
		EventID:        ref.MustParseEventID(id),
		RoomID:         f.roomID,
		Sender:         ref.MustParseUserID(sender),
		OriginServerTS: f.ts,
		Type:           typ,
		Content:        raw,
		StateKey:       stateKey,
	}
}

// add builds an event, stores it, and makes it current state when it
// carries a state key.
func (f *authFixture) add(t *testing.T, id, sender, typ string, stateKey *string, content any) *matrix.PDU {
	t.Helper()
	pdu := f.build(t, id, sender, typ, stateKey, content)
	f.events[pdu.EventID] = pdu
	if stateKey != nil {
		f.state[StateKeyTuple{Type: typ, StateKey: *stateKey}] = pdu
	}
	return pdu
}

func (f *authFixture) stateSource() StateSource {
	return StateSourceFunc(func(ctx context.Context, eventType, stateKey string) (*matrix.PDU, error) {
		return f.state[StateKeyTuple{Type: eventType, StateKey: stateKey}], nil
	})
}

func (f *authFixture) eventSource() EventSource {
	return EventSourceFunc(func(ctx context.Context, id ref.EventID) (*matrix.PDU, error) {
		return f.events[id], nil
	})
}

func (f *authFixture) dependent(t *testing.T, event *matrix.PDU) error {
	t.Helper()
	return CheckStateDependent(context.Background(), f.rules, event, f.stateSource())
}

// setupRoom builds a public room on example.org: alice created it and
// holds power 100, bob is joined with power 50.
func setupRoom(t *testing.T, version matrix.RoomVersion) *authFixture {
	t.Helper()
	f := newAuthFixture(t, version, "!room:example.org")
	f.add(t, "$create:example.org", alice, matrix.TypeCreate, sk(""), map[string]any{
		"creator":      alice,
		"room_version": string(version),
	})
	f.add(t, "$alice-join:example.org", alice, matrix.TypeMember, sk(alice), membership("join"))
	f.add(t, "$power:example.org", alice, matrix.TypePowerLevels, sk(""), map[string]any{
		"users": map[string]any{alice: 100, bob: 50},
	})
	f.add(t, "$join-rules:example.org", alice, matrix.TypeJoinRules, sk(""), map[string]any{
		"join_rule": matrix.JoinRulePublic,
	})
	f.add(t, "$bob-join:example.org", bob, matrix.TypeMember, sk(bob), membership("join"))
	return f
}

func (f *authFixture) setJoinRule(t *testing.T, rule string, extra map[string]any) {
	t.Helper()
	content := map[string]any{"join_rule": rule}
	for k, v := range extra {
		content[k] = v
	}
	f.add(t, "$join-rules-next:example.org", alice, matrix.TypeJoinRules, sk(""), content)
}

func wantAllowed(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("expected event to be allowed: %v", err)
	}
}

func wantRejected(t *testing.T, err error, fragment string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected rejection containing %q, event was allowed", fragment)
	}
	if !strings.Contains(err.Error(), fragment) {
		t.Fatalf("rejection %q does not mention %q", err, fragment)
	}
}

func TestCheckRoomCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("Valid", func(t *testing.T) {
		f := newAuthFixture(t, matrix.RoomV10, "!room:example.org")
		create := f.build(t, "$create:example.org", alice, matrix.TypeCreate, sk(""), map[string]any{
			"creator": alice, "room_version": "10",
		})
		wantAllowed(t, CheckStateIndependent(ctx, f.rules, create, f.eventSource()))
		wantAllowed(t, f.dependent(t, create))
	})

	t.Run("PrevEventsRejected", func(t *testing.T) {
		f := newAuthFixture(t, matrix.RoomV10, "!room:example.org")
		create := f.build(t, "$create:example.org", alice, matrix.TypeCreate, sk(""), map[string]any{
			"creator": alice,
		})
		create.PrevEvents = []ref.EventID{ref.MustParseEventID("$prior:example.org")}
		wantRejected(t, CheckStateIndependent(ctx, f.rules, create, f.eventSource()), "previous events")
	})

	t.Run("DomainMismatch", func(t *testing.T) {
		f := newAuthFixture(t, matrix.RoomV10, "!room:other.example")
		create := f.build(t, "$create:example.org", alice, matrix.TypeCreate, sk(""), map[string]any{
			"creator": alice,
		})
		wantRejected(t, CheckStateIndependent(ctx, f.rules, create, f.eventSource()), "domain")
	})

	t.Run("MissingCreatorBeforeV11", func(t *testing.T) {
		f := newAuthFixture(t, matrix.RoomV10, "!room:example.org")
		create := f.build(t, "$create:example.org", alice, matrix.TypeCreate, sk(""), map[string]any{})
		wantRejected(t, CheckStateIndependent(ctx, f.rules, create, f.eventSource()), "creator")
	})

	t.Run("ImplicitCreatorV11", func(t *testing.T) {
		f := newAuthFixture(t, matrix.RoomV11, "!room:example.org")
		create := f.build(t, "$create:example.org", alice, matrix.TypeCreate, sk(""), map[string]any{
			"room_version": "11",
		})
		wantAllowed(t, CheckStateIndependent(ctx, f.rules, create, f.eventSource()))
	})

	t.Run("V12RoomIDDerivedFromEventID", func(t *testing.T) {
		f := newAuthFixture(t, matrix.RoomV12, "!deadbeefcafe")
		create := f.build(t, "$deadbeefcafe", alice, matrix.TypeCreate, sk(""), map[string]any{
			"room_version": "12",
		})
		wantAllowed(t, CheckStateIndependent(ctx, f.rules, create, f.eventSource()))

		wrong := f.build(t, "$wronghash", alice, matrix.TypeCreate, sk(""), map[string]any{
			"room_version": "12",
		})
		wantRejected(t, CheckStateIndependent(ctx, f.rules, wrong, f.eventSource()), "room ID")
	})
}

func TestCheckStateIndependentAuthEvents(t *testing.T) {
	ctx := context.Background()
	f := setupRoom(t, matrix.RoomV10)
	create := f.state[StateKeyTuple{Type: matrix.TypeCreate, StateKey: ""}]
	power := f.state[StateKeyTuple{Type: matrix.TypePowerLevels, StateKey: ""}]
	bobJoin := f.state[StateKeyTuple{Type: matrix.TypeMember, StateKey: bob}]

	message := func(authEvents ...ref.EventID) *matrix.PDU {
		pdu := f.build(t, "$msg:example.org", bob, matrix.TypeMessage, nil, map[string]any{
			"msgtype": "m.text", "body": "hi",
		})
		pdu.AuthEvents = authEvents
		return pdu
	}

	t.Run("Valid", func(t *testing.T) {
		pdu := message(create.EventID, power.EventID, bobJoin.EventID)
		wantAllowed(t, CheckStateIndependent(ctx, f.rules, pdu, f.eventSource()))
	})

	t.Run("UnknownAuthEvent", func(t *testing.T) {
		pdu := message(create.EventID, ref.MustParseEventID("$missing:example.org"))
		wantRejected(t, CheckStateIndependent(ctx, f.rules, pdu, f.eventSource()), "not found")
	})

	t.Run("WrongRoom", func(t *testing.T) {
		other := newAuthFixture(t, matrix.RoomV10, "!other:example.org")
		stray := other.build(t, "$stray:example.org", alice, matrix.TypeCreate, sk(""), map[string]any{
			"creator": alice,
		})
		f.events[stray.EventID] = stray
		pdu := message(create.EventID, stray.EventID)
		wantRejected(t, CheckStateIndependent(ctx, f.rules, pdu, f.eventSource()), "same room")
	})

	t.Run("DuplicateTuple", func(t *testing.T) {
		older := f.add(t, "$power-old:example.org", alice, matrix.TypePowerLevels, sk(""), map[string]any{
			"users": map[string]any{alice: 100},
		})
		pdu := message(create.EventID, power.EventID, older.EventID, bobJoin.EventID)
		wantRejected(t, CheckStateIndependent(ctx, f.rules, pdu, f.eventSource()), "duplicate")
	})

	t.Run("UnexpectedType", func(t *testing.T) {
		topic := f.add(t, "$topic:example.org", alice, matrix.TypeTopic, sk(""), map[string]any{
			"topic": "irrelevant",
		})
		pdu := message(create.EventID, topic.EventID, bobJoin.EventID)
		wantRejected(t, CheckStateIndependent(ctx, f.rules, pdu, f.eventSource()), "unexpected auth event")
	})

	t.Run("RejectedAuthEvent", func(t *testing.T) {
		rejected := f.build(t, "$rejected-power:example.org", alice, matrix.TypePowerLevels, sk(""), map[string]any{})
		rejected.Rejected = true
		f.events[rejected.EventID] = rejected
		pdu := message(create.EventID, rejected.EventID, bobJoin.EventID)
		wantRejected(t, CheckStateIndependent(ctx, f.rules, pdu, f.eventSource()), "rejected")
	})

	t.Run("MissingCreate", func(t *testing.T) {
		pdu := message(power.EventID, bobJoin.EventID)
		wantRejected(t, CheckStateIndependent(ctx, f.rules, pdu, f.eventSource()), "m.room.create")
	})
}

func TestCheckStateIndependentV12Create(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t, matrix.RoomV12, "!createhash12")
	create := f.add(t, "$createhash12", alice, matrix.TypeCreate, sk(""), map[string]any{
		"room_version": "12",
	})
	aliceJoin := f.add(t, "$alicejoin12", alice, matrix.TypeMember, sk(alice), membership("join"))

	pdu := f.build(t, "$message12", alice, matrix.TypeMessage, nil, map[string]any{
		"msgtype": "m.text", "body": "hi",
	})
	pdu.AuthEvents = []ref.EventID{aliceJoin.EventID}

	// The create event is referenced through the room ID, not listed
	// in auth_events.
	wantAllowed(t, CheckStateIndependent(ctx, f.rules, pdu, f.eventSource()))

	withCreate := f.build(t, "$message12b", alice, matrix.TypeMessage, nil, map[string]any{
		"msgtype": "m.text", "body": "hi",
	})
	withCreate.AuthEvents = []ref.EventID{create.EventID, aliceJoin.EventID}
	wantRejected(t, CheckStateIndependent(ctx, f.rules, withCreate, f.eventSource()), "unexpected auth event")

	create.Rejected = true
	wantRejected(t, CheckStateIndependent(ctx, f.rules, pdu, f.eventSource()), "rejected")
	create.Rejected = false

	delete(f.events, create.EventID)
	wantRejected(t, CheckStateIndependent(ctx, f.rules, pdu, f.eventSource()), "create")
}

func TestMemberJoin(t *testing.T) {
	t.Run("PublicRoom", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		join := f.build(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		wantAllowed(t, f.dependent(t, join))
	})

	t.Run("OnBehalfOfOther", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		join := f.build(t, "$c-join:example.org", bob, matrix.TypeMember, sk(charlie), membership("join"))
		wantRejected(t, f.dependent(t, join), "on behalf")
	})

	t.Run("BannedUser", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.add(t, "$c-ban:example.org", alice, matrix.TypeMember, sk(charlie), membership("ban"))
		join := f.build(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		wantRejected(t, f.dependent(t, join), "banned")
	})

	t.Run("InviteOnlyWithoutInvite", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.setJoinRule(t, matrix.JoinRuleInvite, nil)
		join := f.build(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		wantRejected(t, f.dependent(t, join), "requires an invite")
	})

	t.Run("InviteOnlyWithInvite", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.setJoinRule(t, matrix.JoinRuleInvite, nil)
		f.add(t, "$c-invite:example.org", alice, matrix.TypeMember, sk(charlie), membership("invite"))
		join := f.build(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		wantAllowed(t, f.dependent(t, join))
	})

	t.Run("MissingJoinRulesDefaultsToInvite", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		delete(f.state, StateKeyTuple{Type: matrix.TypeJoinRules, StateKey: ""})
		join := f.build(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		wantRejected(t, f.dependent(t, join), "requires an invite")
	})

	t.Run("CreatorFirstJoin", func(t *testing.T) {
		f := newAuthFixture(t, matrix.RoomV10, "!room:example.org")
		create := f.add(t, "$create:example.org", alice, matrix.TypeCreate, sk(""), map[string]any{
			"creator": alice, "room_version": "10",
		})
		join := f.build(t, "$alice-join:example.org", alice, matrix.TypeMember, sk(alice), membership("join"))
		join.PrevEvents = []ref.EventID{create.EventID}
		wantAllowed(t, f.dependent(t, join))
	})

	t.Run("KnockRuleNeedsInviteForJoin", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV7)
		f.setJoinRule(t, matrix.JoinRuleKnock, nil)
		join := f.build(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		wantRejected(t, f.dependent(t, join), "requires an invite")

		f.add(t, "$c-invite:example.org", alice, matrix.TypeMember, sk(charlie), membership("invite"))
		wantAllowed(t, f.dependent(t, join))
	})
}

func TestMemberRestrictedJoin(t *testing.T) {
	setup := func(t *testing.T) *authFixture {
		f := setupRoom(t, matrix.RoomV10)
		f.setJoinRule(t, matrix.JoinRuleRestricted, map[string]any{
			"allow": []map[string]any{{"type": "m.room_membership", "room_id": "!space:example.org"}},
		})
		return f
	}

	t.Run("AuthorisedByJoinedInviter", func(t *testing.T) {
		f := setup(t)
		join := f.build(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), map[string]any{
			"membership":                       "join",
			"join_authorised_via_users_server": bob,
		})
		wantAllowed(t, f.dependent(t, join))
	})

	t.Run("NoAuthorisingUser", func(t *testing.T) {
		f := setup(t)
		join := f.build(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		wantRejected(t, f.dependent(t, join), "no authorising user")
	})

	t.Run("AuthorisingUserNotInRoom", func(t *testing.T) {
		f := setup(t)
		join := f.build(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), map[string]any{
			"membership":                       "join",
			"join_authorised_via_users_server": zara,
		})
		wantRejected(t, f.dependent(t, join), "not in the room")
	})

	t.Run("AuthorisingUserCannotInvite", func(t *testing.T) {
		f := setup(t)
		f.add(t, "$power-strict:example.org", alice, matrix.TypePowerLevels, sk(""), map[string]any{
			"users":  map[string]any{alice: 100, bob: 50},
			"invite": 60,
		})
		join := f.build(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), map[string]any{
			"membership":                       "join",
			"join_authorised_via_users_server": bob,
		})
		wantRejected(t, f.dependent(t, join), "cannot invite")
	})

	t.Run("InvitedSkipsAuthorisation", func(t *testing.T) {
		f := setup(t)
		f.add(t, "$c-invite:example.org", alice, matrix.TypeMember, sk(charlie), membership("invite"))
		join := f.build(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		wantAllowed(t, f.dependent(t, join))
	})

	t.Run("RestrictedBeforeV8", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV7)
		f.setJoinRule(t, matrix.JoinRuleRestricted, nil)
		join := f.build(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), map[string]any{
			"membership":                       "join",
			"join_authorised_via_users_server": bob,
		})
		wantRejected(t, f.dependent(t, join), "does not permit joining")
	})
}

func TestMemberInvite(t *testing.T) {
	t.Run("FromJoinedSender", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		invite := f.build(t, "$c-invite:example.org", bob, matrix.TypeMember, sk(charlie), membership("invite"))
		wantAllowed(t, f.dependent(t, invite))
	})

	t.Run("SenderNotJoined", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		invite := f.build(t, "$c-invite:example.org", charlie, matrix.TypeMember, sk(bob), membership("invite"))
		wantRejected(t, f.dependent(t, invite), "without being in the room")
	})

	t.Run("TargetAlreadyJoined", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		invite := f.build(t, "$b-invite:example.org", alice, matrix.TypeMember, sk(bob), membership("invite"))
		wantRejected(t, f.dependent(t, invite), "who is join")
	})

	t.Run("BelowInviteLevel", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.add(t, "$power-strict:example.org", alice, matrix.TypePowerLevels, sk(""), map[string]any{
			"users":  map[string]any{alice: 100, bob: 50},
			"invite": 60,
		})
		invite := f.build(t, "$c-invite:example.org", bob, matrix.TypeMember, sk(charlie), membership("invite"))
		wantRejected(t, f.dependent(t, invite), "invite level")
	})
}

func TestMemberLeaveAndKick(t *testing.T) {
	t.Run("LeaveAfterInvite", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.add(t, "$c-invite:example.org", alice, matrix.TypeMember, sk(charlie), membership("invite"))
		leave := f.build(t, "$c-leave:example.org", charlie, matrix.TypeMember, sk(charlie), membership("leave"))
		wantAllowed(t, f.dependent(t, leave))
	})

	t.Run("LeaveWithoutMembership", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		leave := f.build(t, "$c-leave:example.org", charlie, matrix.TypeMember, sk(charlie), membership("leave"))
		wantRejected(t, f.dependent(t, leave), "without being invited")
	})

	t.Run("RetractKnock", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV7)
		f.add(t, "$c-knock:example.org", charlie, matrix.TypeMember, sk(charlie), membership("knock"))
		leave := f.build(t, "$c-leave:example.org", charlie, matrix.TypeMember, sk(charlie), membership("leave"))
		wantAllowed(t, f.dependent(t, leave))
	})

	t.Run("KickByModerator", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.add(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		kick := f.build(t, "$c-kick:example.org", bob, matrix.TypeMember, sk(charlie), membership("leave"))
		wantAllowed(t, f.dependent(t, kick))
	})

	t.Run("KickEqualPower", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.add(t, "$power-peer:example.org", alice, matrix.TypePowerLevels, sk(""), map[string]any{
			"users": map[string]any{alice: 100, bob: 50, charlie: 50},
		})
		f.add(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		kick := f.build(t, "$c-kick:example.org", bob, matrix.TypeMember, sk(charlie), membership("leave"))
		wantRejected(t, f.dependent(t, kick), "cannot kick")
	})

	t.Run("UnbanRequiresBanLevel", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.add(t, "$power-strict:example.org", alice, matrix.TypePowerLevels, sk(""), map[string]any{
			"users": map[string]any{alice: 100, bob: 50},
			"ban":   100,
			"kick":  0,
		})
		f.add(t, "$c-ban:example.org", alice, matrix.TypeMember, sk(charlie), membership("ban"))
		unban := f.build(t, "$c-unban:example.org", bob, matrix.TypeMember, sk(charlie), membership("leave"))
		wantRejected(t, f.dependent(t, unban), "unban")

		unbanByAlice := f.build(t, "$c-unban2:example.org", alice, matrix.TypeMember, sk(charlie), membership("leave"))
		wantAllowed(t, f.dependent(t, unbanByAlice))
	})
}

func TestMemberBan(t *testing.T) {
	t.Run("ByModerator", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		ban := f.build(t, "$c-ban:example.org", bob, matrix.TypeMember, sk(charlie), membership("ban"))
		wantAllowed(t, f.dependent(t, ban))
	})

	t.Run("AgainstHigherPower", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		ban := f.build(t, "$a-ban:example.org", bob, matrix.TypeMember, sk(alice), membership("ban"))
		wantRejected(t, f.dependent(t, ban), "cannot ban")
	})

	t.Run("SenderNotJoined", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		ban := f.build(t, "$c-ban:example.org", charlie, matrix.TypeMember, sk(bob), membership("ban"))
		wantRejected(t, f.dependent(t, ban), "without being in the room")
	})
}

func TestMemberKnock(t *testing.T) {
	t.Run("VersionWithoutKnocking", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV6)
		f.setJoinRule(t, matrix.JoinRuleKnock, nil)
		knock := f.build(t, "$c-knock:example.org", charlie, matrix.TypeMember, sk(charlie), membership("knock"))
		wantRejected(t, f.dependent(t, knock), "not supported")
	})

	t.Run("Allowed", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV7)
		f.setJoinRule(t, matrix.JoinRuleKnock, nil)
		knock := f.build(t, "$c-knock:example.org", charlie, matrix.TypeMember, sk(charlie), membership("knock"))
		wantAllowed(t, f.dependent(t, knock))
	})

	t.Run("WrongJoinRule", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV7)
		knock := f.build(t, "$c-knock:example.org", charlie, matrix.TypeMember, sk(charlie), membership("knock"))
		wantRejected(t, f.dependent(t, knock), "does not permit knocking")
	})

	t.Run("KnockRestrictedBeforeV10", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV9)
		f.setJoinRule(t, matrix.JoinRuleKnockRestricted, nil)
		knock := f.build(t, "$c-knock:example.org", charlie, matrix.TypeMember, sk(charlie), membership("knock"))
		wantRejected(t, f.dependent(t, knock), "does not permit knocking")
	})

	t.Run("KnockRestrictedV10", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.setJoinRule(t, matrix.JoinRuleKnockRestricted, nil)
		knock := f.build(t, "$c-knock:example.org", charlie, matrix.TypeMember, sk(charlie), membership("knock"))
		wantAllowed(t, f.dependent(t, knock))
	})

	t.Run("AlreadyJoined", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV7)
		f.setJoinRule(t, matrix.JoinRuleKnock, nil)
		knock := f.build(t, "$b-knock:example.org", bob, matrix.TypeMember, sk(bob), membership("knock"))
		wantRejected(t, f.dependent(t, knock), "while join")
	})
}

func TestThirdPartyInvite(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubB64 := canonicaljson.Base64.EncodeToString(pub)

	signedBlock := func(t *testing.T, mxid, token string) json.RawMessage {
		t.Helper()
		payload := canonicaljson.Object{"mxid": mxid, "token": token}
		message, err := canonicaljson.Encode(payload)
		if err != nil {
			t.Fatalf("encode signed block: %v", err)
		}
		sig := ed25519.Sign(priv, message)
		payload["signatures"] = map[string]any{
			"identity.example.org": map[string]any{
				"ed25519:0": canonicaljson.Base64.EncodeToString(sig),
			},
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal signed block: %v", err)
		}
		return raw
	}

	setup := func(t *testing.T, inviteContent map[string]any) *authFixture {
		f := setupRoom(t, matrix.RoomV10)
		f.add(t, "$tpi:example.org", bob, matrix.TypeThirdPartyInvite, sk("tok123"), inviteContent)
		return f
	}

	t.Run("Valid", func(t *testing.T) {
		f := setup(t, map[string]any{"public_key": pubB64})
		invite := f.build(t, "$c-invite:example.org", bob, matrix.TypeMember, sk(charlie), map[string]any{
			"membership":         "invite",
			"third_party_invite": map[string]any{"display_name": "c...@example.com", "signed": signedBlock(t, charlie, "tok123")},
		})
		wantAllowed(t, f.dependent(t, invite))
	})

	t.Run("PublicKeysList", func(t *testing.T) {
		f := setup(t, map[string]any{
			"public_keys": []map[string]any{{"public_key": pubB64}},
		})
		invite := f.build(t, "$c-invite:example.org", bob, matrix.TypeMember, sk(charlie), map[string]any{
			"membership":         "invite",
			"third_party_invite": map[string]any{"signed": signedBlock(t, charlie, "tok123")},
		})
		wantAllowed(t, f.dependent(t, invite))
	})

	t.Run("MXIDMismatch", func(t *testing.T) {
		f := setup(t, map[string]any{"public_key": pubB64})
		invite := f.build(t, "$c-invite:example.org", bob, matrix.TypeMember, sk(charlie), map[string]any{
			"membership":         "invite",
			"third_party_invite": map[string]any{"signed": signedBlock(t, zara, "tok123")},
		})
		wantRejected(t, f.dependent(t, invite), "mxid")
	})

	t.Run("UnknownToken", func(t *testing.T) {
		f := setup(t, map[string]any{"public_key": pubB64})
		invite := f.build(t, "$c-invite:example.org", bob, matrix.TypeMember, sk(charlie), map[string]any{
			"membership":         "invite",
			"third_party_invite": map[string]any{"signed": signedBlock(t, charlie, "other")},
		})
		wantRejected(t, f.dependent(t, invite), "no m.room.third_party_invite")
	})

	t.Run("SenderMismatch", func(t *testing.T) {
		f := setup(t, map[string]any{"public_key": pubB64})
		invite := f.build(t, "$c-invite:example.org", alice, matrix.TypeMember, sk(charlie), map[string]any{
			"membership":         "invite",
			"third_party_invite": map[string]any{"signed": signedBlock(t, charlie, "tok123")},
		})
		wantRejected(t, f.dependent(t, invite), "different sender")
	})

	t.Run("WrongKey", func(t *testing.T) {
		otherPub, _, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		f := setup(t, map[string]any{
			"public_key": canonicaljson.Base64.EncodeToString(otherPub),
		})
		invite := f.build(t, "$c-invite:example.org", bob, matrix.TypeMember, sk(charlie), map[string]any{
			"membership":         "invite",
			"third_party_invite": map[string]any{"signed": signedBlock(t, charlie, "tok123")},
		})
		wantRejected(t, f.dependent(t, invite), "no third_party_invite signature")
	})

	t.Run("BannedTarget", func(t *testing.T) {
		f := setup(t, map[string]any{"public_key": pubB64})
		f.add(t, "$c-ban:example.org", alice, matrix.TypeMember, sk(charlie), membership("ban"))
		invite := f.build(t, "$c-invite:example.org", bob, matrix.TypeMember, sk(charlie), map[string]any{
			"membership":         "invite",
			"third_party_invite": map[string]any{"signed": signedBlock(t, charlie, "tok123")},
		})
		wantRejected(t, f.dependent(t, invite), "banned")
	})
}

func TestPowerLevelChanges(t *testing.T) {
	t.Run("SelfDemotion", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		change := f.build(t, "$pl:example.org", bob, matrix.TypePowerLevels, sk(""), map[string]any{
			"users": map[string]any{alice: 100, bob: 25},
		})
		wantAllowed(t, f.dependent(t, change))
	})

	t.Run("DemoteAboveOwnLevel", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		change := f.build(t, "$pl:example.org", bob, matrix.TypePowerLevels, sk(""), map[string]any{
			"users": map[string]any{alice: 0, bob: 50},
		})
		wantRejected(t, f.dependent(t, change), "@alice:example.org")
	})

	t.Run("PromoteAboveOwnLevel", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		change := f.build(t, "$pl:example.org", bob, matrix.TypePowerLevels, sk(""), map[string]any{
			"users": map[string]any{alice: 100, bob: 50, charlie: 75},
		})
		wantRejected(t, f.dependent(t, change), "@charlie:example.org")
	})

	t.Run("RaiseScalarAboveOwnLevel", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		change := f.build(t, "$pl:example.org", bob, matrix.TypePowerLevels, sk(""), map[string]any{
			"users": map[string]any{alice: 100, bob: 50},
			"ban":   75,
		})
		wantRejected(t, f.dependent(t, change), "ban")
	})

	t.Run("RemoveFieldAboveOwnLevel", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.add(t, "$power-high:example.org", alice, matrix.TypePowerLevels, sk(""), map[string]any{
			"users": map[string]any{alice: 100, bob: 50},
			"ban":   75,
		})
		// Removing "ban" would reset it to the default 50, a change to
		// a value above bob's level.
		change := f.build(t, "$pl:example.org", bob, matrix.TypePowerLevels, sk(""), map[string]any{
			"users": map[string]any{alice: 100, bob: 50},
		})
		wantRejected(t, f.dependent(t, change), "ban")
	})

	t.Run("EventsMap", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		allowed := f.build(t, "$pl-ok:example.org", bob, matrix.TypePowerLevels, sk(""), map[string]any{
			"users":  map[string]any{alice: 100, bob: 50},
			"events": map[string]any{"m.room.topic": 25},
		})
		wantAllowed(t, f.dependent(t, allowed))

		tooHigh := f.build(t, "$pl-high:example.org", bob, matrix.TypePowerLevels, sk(""), map[string]any{
			"users":  map[string]any{alice: 100, bob: 50},
			"events": map[string]any{"m.room.topic": 80},
		})
		wantRejected(t, f.dependent(t, tooHigh), "m.room.topic")
	})

	t.Run("FirstPowerLevelsEvent", func(t *testing.T) {
		f := newAuthFixture(t, matrix.RoomV10, "!room:example.org")
		f.add(t, "$create:example.org", alice, matrix.TypeCreate, sk(""), map[string]any{
			"creator": alice, "room_version": "10",
		})
		f.add(t, "$alice-join:example.org", alice, matrix.TypeMember, sk(alice), membership("join"))
		first := f.build(t, "$pl:example.org", alice, matrix.TypePowerLevels, sk(""), map[string]any{
			"users": map[string]any{alice: 100, bob: 1000},
		})
		wantAllowed(t, f.dependent(t, first))
	})

	t.Run("CreatorInUsersV12", func(t *testing.T) {
		f := newAuthFixture(t, matrix.RoomV12, "!createhashpl")
		f.add(t, "$createhashpl", alice, matrix.TypeCreate, sk(""), map[string]any{
			"room_version": "12",
		})
		f.add(t, "$alicejoinpl", alice, matrix.TypeMember, sk(alice), membership("join"))
		change := f.build(t, "$plv12", alice, matrix.TypePowerLevels, sk(""), map[string]any{
			"users": map[string]any{alice: 100},
		})
		wantRejected(t, f.dependent(t, change), "creator")
	})

	t.Run("CreatorOutranksEveryoneV12", func(t *testing.T) {
		f := newAuthFixture(t, matrix.RoomV12, "!createhashcr")
		f.add(t, "$createhashcr", alice, matrix.TypeCreate, sk(""), map[string]any{
			"room_version": "12",
		})
		f.add(t, "$alicejoincr", alice, matrix.TypeMember, sk(alice), membership("join"))
		f.add(t, "$powercr", alice, matrix.TypePowerLevels, sk(""), map[string]any{
			"users": map[string]any{bob: 100},
		})
		f.add(t, "$bobjoincr", bob, matrix.TypeMember, sk(bob), membership("join"))
		ban := f.build(t, "$a-ban", bob, matrix.TypeMember, sk(alice), membership("ban"))
		wantRejected(t, f.dependent(t, ban), "cannot ban")
	})
}

func TestStateDependentGates(t *testing.T) {
	t.Run("MessageRequiresJoin", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		msg := f.build(t, "$msg:example.org", charlie, matrix.TypeMessage, nil, map[string]any{
			"msgtype": "m.text", "body": "hi",
		})
		wantRejected(t, f.dependent(t, msg), "is not join")
	})

	t.Run("FederationDisabled", func(t *testing.T) {
		f := newAuthFixture(t, matrix.RoomV10, "!room:example.org")
		f.add(t, "$create:example.org", alice, matrix.TypeCreate, sk(""), map[string]any{
			"creator": alice, "room_version": "10", "m.federate": false,
		})
		f.add(t, "$alice-join:example.org", alice, matrix.TypeMember, sk(alice), membership("join"))
		f.add(t, "$join-rules:example.org", alice, matrix.TypeJoinRules, sk(""), map[string]any{
			"join_rule": matrix.JoinRulePublic,
		})
		join := f.build(t, "$z-join:example.org", zara, matrix.TypeMember, sk(zara), membership("join"))
		wantRejected(t, f.dependent(t, join), "federat")
	})

	t.Run("EventLevelGate", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.add(t, "$power-gate:example.org", alice, matrix.TypePowerLevels, sk(""), map[string]any{
			"users":  map[string]any{alice: 100, bob: 50},
			"events": map[string]any{"m.room.name": 75},
		})
		name := f.build(t, "$name:example.org", bob, matrix.TypeName, sk(""), map[string]any{
			"name": "new name",
		})
		wantRejected(t, f.dependent(t, name), "power")
	})

	t.Run("StateDefaultGate", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.add(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		// charlie has the default power 0, state_default is 50.
		topic := f.build(t, "$topic:example.org", charlie, matrix.TypeTopic, sk(""), map[string]any{
			"topic": "hi",
		})
		wantRejected(t, f.dependent(t, topic), "power")
	})

	t.Run("UserStateKeyMismatch", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		widget := f.build(t, "$widget:example.org", bob, "im.example.widget", sk(alice), map[string]any{})
		wantRejected(t, f.dependent(t, widget), "state_key")
	})

	t.Run("ThirdPartyInviteLevel", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		f.add(t, "$power-strict:example.org", alice, matrix.TypePowerLevels, sk(""), map[string]any{
			"users":  map[string]any{alice: 100, bob: 50},
			"invite": 60,
		})
		tpi := f.build(t, "$tpi:example.org", bob, matrix.TypeThirdPartyInvite, sk("tok"), map[string]any{
			"public_key": "abc",
		})
		wantRejected(t, f.dependent(t, tpi), "invite level")
	})
}

func TestRedactionDomainCheck(t *testing.T) {
	t.Run("SameDomainV1", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV1)
		f.add(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		// charlie has power 0, below the redact level, but shares the
		// target's domain.
		target := ref.MustParseEventID("$target:example.org")
		redaction := f.build(t, "$redact:example.org", charlie, matrix.TypeRedaction, nil, map[string]any{
			"reason": "spam",
		})
		redaction.Redacts = &target
		wantAllowed(t, f.dependent(t, redaction))
	})

	t.Run("CrossDomainBelowLevel", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV1)
		f.add(t, "$c-join:example.org", charlie, matrix.TypeMember, sk(charlie), membership("join"))
		target := ref.MustParseEventID("$target:remote.example")
		redaction := f.build(t, "$redact:example.org", charlie, matrix.TypeRedaction, nil, map[string]any{})
		redaction.Redacts = &target
		wantRejected(t, f.dependent(t, redaction), "redact")
	})

	t.Run("CrossDomainWithLevel", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV1)
		target := ref.MustParseEventID("$target:remote.example")
		redaction := f.build(t, "$redact:example.org", alice, matrix.TypeRedaction, nil, map[string]any{})
		redaction.Redacts = &target
		wantAllowed(t, f.dependent(t, redaction))
	})

	t.Run("ModernVersionsSkipDomainCheck", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV10)
		target := ref.MustParseEventID("$target:remote.example")
		redaction := f.build(t, "$redact:example.org", bob, matrix.TypeRedaction, nil, map[string]any{})
		redaction.Redacts = &target
		// Power suffices in v3+; the send-side domain check is gone.
		wantAllowed(t, f.dependent(t, redaction))
	})
}

func TestAliasesSpecialCase(t *testing.T) {
	t.Run("V1OwnDomain", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV1)
		aliases := f.build(t, "$aliases:example.org", charlie, matrix.TypeAliases, sk("example.org"), map[string]any{
			"aliases": []string{"#room:example.org"},
		})
		// Sender is not even in the room; the v1 special case only
		// checks the state key domain.
		wantAllowed(t, f.dependent(t, aliases))
	})

	t.Run("V1ForeignDomain", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV1)
		aliases := f.build(t, "$aliases:example.org", bob, matrix.TypeAliases, sk("remote.example"), map[string]any{
			"aliases": []string{},
		})
		wantRejected(t, f.dependent(t, aliases), "server name")
	})

	t.Run("V6RegularAuth", func(t *testing.T) {
		f := setupRoom(t, matrix.RoomV6)
		aliases := f.build(t, "$aliases:example.org", charlie, matrix.TypeAliases, sk("example.org"), map[string]any{
			"aliases": []string{},
		})
		wantRejected(t, f.dependent(t, aliases), "is not join")
	})
}

func TestAuthTypesForEvent(t *testing.T) {
	sender := ref.MustParseUserID(bob)
	rules10, err := matrix.RulesFor(matrix.RoomV10)
	if err != nil {
		t.Fatal(err)
	}
	rules12, err := matrix.RulesFor(matrix.RoomV12)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("CreateHasNone", func(t *testing.T) {
		types, err := AuthTypesForEvent(matrix.TypeCreate, sender, sk(""), nil, rules10.Authorization, false)
		if err != nil {
			t.Fatal(err)
		}
		if len(types) != 0 {
			t.Fatalf("create event should need no auth events, got %v", types)
		}
	})

	t.Run("Message", func(t *testing.T) {
		types, err := AuthTypesForEvent(matrix.TypeMessage, sender, nil, nil, rules10.Authorization, false)
		if err != nil {
			t.Fatal(err)
		}
		want := []StateKeyTuple{
			{Type: matrix.TypeCreate, StateKey: ""},
			{Type: matrix.TypePowerLevels, StateKey: ""},
			{Type: matrix.TypeMember, StateKey: bob},
		}
		if len(types) != len(want) {
			t.Fatalf("got %v, want %v", types, want)
		}
		for i := range want {
			if types[i] != want[i] {
				t.Fatalf("tuple %d: got %v, want %v", i, types[i], want[i])
			}
		}
	})

	t.Run("MessageV12OmitsCreate", func(t *testing.T) {
		types, err := AuthTypesForEvent(matrix.TypeMessage, sender, nil, nil, rules12.Authorization, false)
		if err != nil {
			t.Fatal(err)
		}
		for _, tuple := range types {
			if tuple.Type == matrix.TypeCreate {
				t.Fatalf("v12 selection should omit the create event, got %v", types)
			}
		}
	})

	t.Run("MessageV12AlwaysCreate", func(t *testing.T) {
		types, err := AuthTypesForEvent(matrix.TypeMessage, sender, nil, nil, rules12.Authorization, true)
		if err != nil {
			t.Fatal(err)
		}
		if len(types) == 0 || types[0] != (StateKeyTuple{Type: matrix.TypeCreate, StateKey: ""}) {
			t.Fatalf("alwaysCreate selection should start with the create event, got %v", types)
		}
	})

	t.Run("InviteMember", func(t *testing.T) {
		content, _ := json.Marshal(membership("invite"))
		types, err := AuthTypesForEvent(matrix.TypeMember, sender, sk(charlie), content, rules10.Authorization, false)
		if err != nil {
			t.Fatal(err)
		}
		if !containsTuple(types, StateKeyTuple{Type: matrix.TypeMember, StateKey: charlie}) {
			t.Fatalf("missing target member tuple: %v", types)
		}
		if !containsTuple(types, StateKeyTuple{Type: matrix.TypeJoinRules, StateKey: ""}) {
			t.Fatalf("missing join rules tuple: %v", types)
		}
	})

	t.Run("ThirdPartyInviteMember", func(t *testing.T) {
		content, _ := json.Marshal(map[string]any{
			"membership": "invite",
			"third_party_invite": map[string]any{
				"signed": map[string]any{"mxid": charlie, "token": "tok42"},
			},
		})
		types, err := AuthTypesForEvent(matrix.TypeMember, sender, sk(charlie), content, rules10.Authorization, false)
		if err != nil {
			t.Fatal(err)
		}
		if !containsTuple(types, StateKeyTuple{Type: matrix.TypeThirdPartyInvite, StateKey: "tok42"}) {
			t.Fatalf("missing third party invite tuple: %v", types)
		}
	})

	t.Run("RestrictedJoinMember", func(t *testing.T) {
		content, _ := json.Marshal(map[string]any{
			"membership":                       "join",
			"join_authorised_via_users_server": alice,
		})
		types, err := AuthTypesForEvent(matrix.TypeMember, sender, sk(bob), content, rules10.Authorization, false)
		if err != nil {
			t.Fatal(err)
		}
		if !containsTuple(types, StateKeyTuple{Type: matrix.TypeMember, StateKey: alice}) {
			t.Fatalf("missing authorising user tuple: %v", types)
		}
	})

	t.Run("MemberWithoutStateKey", func(t *testing.T) {
		content, _ := json.Marshal(membership("join"))
		if _, err := AuthTypesForEvent(matrix.TypeMember, sender, nil, content, rules10.Authorization, false); err == nil {
			t.Fatal("member event without state_key should fail")
		}
	})
}

func TestSenderMustMatchRoomDomainBeforeFederation(t *testing.T) {
	// Regression guard: the full Check runs both phases.
	f := setupRoom(t, matrix.RoomV10)
	create := f.state[StateKeyTuple{Type: matrix.TypeCreate, StateKey: ""}]
	bobJoin := f.state[StateKeyTuple{Type: matrix.TypeMember, StateKey: bob}]
	power := f.state[StateKeyTuple{Type: matrix.TypePowerLevels, StateKey: ""}]

	msg := f.build(t, "$msg:example.org", bob, matrix.TypeMessage, nil, map[string]any{
		"msgtype": "m.text", "body": "hello",
	})
	msg.AuthEvents = []ref.EventID{create.EventID, power.EventID, bobJoin.EventID}
	wantAllowed(t, Check(context.Background(), f.rules, msg, f.eventSource(), f.stateSource()))
}
