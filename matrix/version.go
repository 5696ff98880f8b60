// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"fmt"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
)

// RoomVersion identifies the set of rules a room operates under.
type RoomVersion string

// Room versions with defined rules.
const (
	RoomV1  RoomVersion = "1"
	RoomV2  RoomVersion = "2"
	RoomV3  RoomVersion = "3"
	RoomV4  RoomVersion = "4"
	RoomV5  RoomVersion = "5"
	RoomV6  RoomVersion = "6"
	RoomV7  RoomVersion = "7"
	RoomV8  RoomVersion = "8"
	RoomV9  RoomVersion = "9"
	RoomV10 RoomVersion = "10"
	RoomV11 RoomVersion = "11"
	RoomV12 RoomVersion = "12"

	// RoomHydra is the unstable identifier for the rules that became
	// room version 12.
	RoomHydra RoomVersion = "org.matrix.hydra.11"
)

// StableRoomVersions are supported and advertised as stable.
var StableRoomVersions = []RoomVersion{
	RoomV6, RoomV7, RoomV8, RoomV9, RoomV10, RoomV11, RoomV12,
}

// UnstableRoomVersions are partially supported, non-compliant
// versions kept for old rooms.
var UnstableRoomVersions = []RoomVersion{
	RoomV1, RoomV2, RoomV3, RoomV4, RoomV5,
}

// ExperimentalRoomVersions are prototype versions under development.
var ExperimentalRoomVersions = []RoomVersion{}

// VersionStability is reported through the client capabilities API.
type VersionStability string

const (
	StabilityStable   VersionStability = "stable"
	StabilityUnstable VersionStability = "unstable"
)

// AvailableRoomVersions lists every advertised version with its
// stability.
func AvailableRoomVersions() map[RoomVersion]VersionStability {
	out := make(map[RoomVersion]VersionStability, len(StableRoomVersions)+len(UnstableRoomVersions))
	for _, v := range StableRoomVersions {
		out[v] = StabilityStable
	}
	for _, v := range UnstableRoomVersions {
		out[v] = StabilityUnstable
	}
	return out
}

// StateResVersion selects the state resolution algorithm.
type StateResVersion int

const (
	// StateResV1 is the original algorithm used by room version 1.
	StateResV1 StateResVersion = iota + 1
	// StateResV2 is state resolution version 2.
	StateResV2
	// StateResV2_1 is version 2 extended with the conflicted state
	// subgraph, introduced by org.matrix.hydra.11.
	StateResV2_1
)

// EventFormatRules describes how events are identified and referenced
// on the wire.
type EventFormatRules struct {
	// RequireEventID: the wire format carries an event_id key
	// (room versions 1 and 2).
	RequireEventID bool

	// URLSafeEventID: computed event IDs use the URL-safe base64
	// alphabet (room version 4 and later).
	URLSafeEventID bool

	// ReferenceTuples: prev_events and auth_events entries are
	// [event_id, hash] pairs (room versions 1 and 2).
	ReferenceTuples bool

	// RequireRoomCreateRoomID: m.room.create events carry a room_id
	// (every version before 12).
	RequireRoomCreateRoomID bool
}

// AuthRules flags the event authorization differences between room
// versions.
type AuthRules struct {
	// SpecialCaseAliases applies the dedicated m.room.aliases rule
	// (room versions 1 through 5).
	SpecialCaseAliases bool

	// RedactionDomainCheck accepts redactions whose sender domain
	// matches the domain of the redacted event ID (room versions 1
	// and 2, where event IDs carry a domain).
	RedactionDomainCheck bool

	// LimitNotificationsPowerLevels authorizes changes to
	// notifications.room like other power level keys (version 6+).
	LimitNotificationsPowerLevels bool

	// Knocking allows the knock membership (version 7+).
	Knocking bool

	// RestrictedJoins allows the restricted join rule (version 8+).
	RestrictedJoins bool

	// KnockRestricted allows the knock_restricted join rule
	// (version 10+).
	KnockRestricted bool

	// IntegerPowerLevels rejects string power levels (version 10+).
	IntegerPowerLevels bool

	// ImplicitRoomCreator takes the creator from the create event
	// sender instead of content.creator (version 11+).
	ImplicitRoomCreator bool

	// ExplicitlyPrivilegeCreators gives room creators infinite power
	// and forbids listing them in power_levels.users (version 12+).
	ExplicitlyPrivilegeCreators bool

	// AdditionalCreators honors content.additional_creators on the
	// create event (version 12+).
	AdditionalCreators bool

	// RoomIDIsCreateEventID: the room ID is the create event's
	// reference hash and create events are omitted from auth_events
	// (version 12+).
	RoomIDIsCreateEventID bool
}

// Rules aggregates every behavior that varies across room versions.
type Rules struct {
	Version       RoomVersion
	EventFormat   EventFormatRules
	Redaction     canonicaljson.RedactionRules
	Authorization AuthRules
	StateRes      StateResVersion

	// EnforceKeyValidity requires signature keys to be valid at the
	// event's origin_server_ts (version 5+).
	EnforceKeyValidity bool

	// StrictCanonicalJSON rejects events with non-canonical integers
	// (version 6+).
	StrictCanonicalJSON bool
}

// Rules returns the rule set for the version, or false when the
// version is unknown.
func (v RoomVersion) Rules() (Rules, bool) {
	r, ok := versionRules[v]
	return r, ok
}

// RulesFor is Rules with an error for API surfaces.
func RulesFor(v RoomVersion) (Rules, error) {
	r, ok := v.Rules()
	if !ok {
		return Rules{}, fmt.Errorf("matrix: unknown or unsupported room version %q", string(v))
	}
	return r, nil
}

var versionRules = buildVersionRules()

func buildVersionRules() map[RoomVersion]Rules {
	v1 := Rules{
		Version: RoomV1,
		EventFormat: EventFormatRules{
			RequireEventID:          true,
			ReferenceTuples:         true,
			RequireRoomCreateRoomID: true,
		},
		Redaction: canonicaljson.RedactionRules{
			KeepOriginalEventFields: true,
			KeepAliases:             true,
		},
		Authorization: AuthRules{
			SpecialCaseAliases:   true,
			RedactionDomainCheck: true,
		},
		StateRes: StateResV1,
	}

	v2 := v1
	v2.Version = RoomV2
	v2.StateRes = StateResV2

	v3 := v2
	v3.Version = RoomV3
	v3.EventFormat.RequireEventID = false
	v3.EventFormat.ReferenceTuples = false
	v3.Authorization.RedactionDomainCheck = false

	v4 := v3
	v4.Version = RoomV4
	v4.EventFormat.URLSafeEventID = true

	v5 := v4
	v5.Version = RoomV5
	v5.EnforceKeyValidity = true

	v6 := v5
	v6.Version = RoomV6
	v6.StrictCanonicalJSON = true
	v6.Redaction.KeepAliases = false
	v6.Authorization.SpecialCaseAliases = false
	v6.Authorization.LimitNotificationsPowerLevels = true

	v7 := v6
	v7.Version = RoomV7
	v7.Authorization.Knocking = true

	v8 := v7
	v8.Version = RoomV8
	v8.Redaction.KeepJoinRulesAllow = true
	v8.Authorization.RestrictedJoins = true

	v9 := v8
	v9.Version = RoomV9
	v9.Redaction.KeepMemberJoinAuthorised = true

	v10 := v9
	v10.Version = RoomV10
	v10.Authorization.KnockRestricted = true
	v10.Authorization.IntegerPowerLevels = true

	v11 := v10
	v11.Version = RoomV11
	v11.Redaction.KeepOriginalEventFields = false
	v11.Redaction.KeepCreateContent = true
	v11.Redaction.KeepRedactionRedacts = true
	v11.Redaction.KeepPowerLevelsInvite = true
	v11.Redaction.KeepMemberSignedInvite = true
	v11.Authorization.ImplicitRoomCreator = true

	v12 := v11
	v12.Version = RoomV12
	v12.EventFormat.RequireRoomCreateRoomID = false
	v12.Authorization.ExplicitlyPrivilegeCreators = true
	v12.Authorization.AdditionalCreators = true
	v12.Authorization.RoomIDIsCreateEventID = true
	v12.StateRes = StateResV2_1

	hydra := v12
	hydra.Version = RoomHydra

	return map[RoomVersion]Rules{
		RoomV1:    v1,
		RoomV2:    v2,
		RoomV3:    v3,
		RoomV4:    v4,
		RoomV5:    v5,
		RoomV6:    v6,
		RoomV7:    v7,
		RoomV8:    v8,
		RoomV9:    v9,
		RoomV10:   v10,
		RoomV11:   v11,
		RoomV12:   v12,
		RoomHydra: hydra,
	}
}
