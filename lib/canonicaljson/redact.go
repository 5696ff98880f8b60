// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package canonicaljson

// RedactionRules describes how the redaction algorithm varies across
// room versions. The zero value matches room versions 1 through 5; the
// flags enable the relaxations later versions introduced.
type RedactionRules struct {
	// KeepOriginalEventFields keeps the pre-v11 extra top-level keys:
	// origin, membership, and prev_state, plus event_id for the
	// versions whose wire format carries one.
	KeepOriginalEventFields bool

	// KeepAliases keeps content.aliases on m.room.aliases events
	// (room versions 1 through 5).
	KeepAliases bool

	// KeepJoinRulesAllow keeps content.allow on m.room.join_rules
	// (restricted rooms, room version 8 and later).
	KeepJoinRulesAllow bool

	// KeepMemberJoinAuthorised keeps
	// content.join_authorised_via_users_server on m.room.member
	// (room version 9 and later).
	KeepMemberJoinAuthorised bool

	// KeepCreateContent keeps the whole content of m.room.create
	// (room version 11 and later).
	KeepCreateContent bool

	// KeepRedactionRedacts keeps content.redacts on m.room.redaction
	// (room version 11 and later).
	KeepRedactionRedacts bool

	// KeepPowerLevelsInvite keeps content.invite on
	// m.room.power_levels (room version 11 and later).
	KeepPowerLevelsInvite bool

	// KeepMemberSignedInvite keeps content.third_party_invite.signed
	// on m.room.member (room version 11 and later).
	KeepMemberSignedInvite bool
}

// redactionKeptKeys are the top-level event keys every room version
// preserves through redaction.
var redactionKeptKeys = []string{
	"type",
	"room_id",
	"sender",
	"state_key",
	"content",
	"hashes",
	"signatures",
	"depth",
	"prev_events",
	"auth_events",
	"origin_server_ts",
}

// redactionLegacyKeys are additionally preserved when
// KeepOriginalEventFields is set.
var redactionLegacyKeys = []string{
	"event_id",
	"origin",
	"membership",
	"prev_state",
}

// Redact applies the redaction algorithm to an event in canonical
// tree form, returning a new object. The input is not modified.
func Redact(event Object, rules RedactionRules) Object {
	out := make(Object, len(redactionKeptKeys))
	for _, k := range redactionKeptKeys {
		if v, ok := event[k]; ok {
			out[k] = copyValue(v)
		}
	}
	if rules.KeepOriginalEventFields {
		for _, k := range redactionLegacyKeys {
			if v, ok := event[k]; ok {
				out[k] = copyValue(v)
			}
		}
	}

	content := Child(out, "content")
	if content == nil {
		content = Object{}
	}
	out["content"] = redactContent(String(event, "type"), content, rules)
	return out
}

func redactContent(eventType string, content Object, rules RedactionRules) Object {
	keep := func(keys ...string) Object {
		out := make(Object, len(keys))
		for _, k := range keys {
			if v, ok := content[k]; ok {
				out[k] = v
			}
		}
		return out
	}

	switch eventType {
	case "m.room.create":
		if rules.KeepCreateContent {
			return content
		}
		return keep("creator")
	case "m.room.member":
		out := keep("membership")
		if rules.KeepMemberJoinAuthorised {
			if v, ok := content["join_authorised_via_users_server"]; ok {
				out["join_authorised_via_users_server"] = v
			}
		}
		if rules.KeepMemberSignedInvite {
			if tpi := Child(content, "third_party_invite"); tpi != nil {
				if signed, ok := tpi["signed"]; ok {
					out["third_party_invite"] = Object{"signed": signed}
				}
			}
		}
		return out
	case "m.room.join_rules":
		if rules.KeepJoinRulesAllow {
			return keep("join_rule", "allow")
		}
		return keep("join_rule")
	case "m.room.power_levels":
		kept := []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		}
		if rules.KeepPowerLevelsInvite {
			kept = append(kept, "invite")
		}
		return keep(kept...)
	case "m.room.history_visibility":
		return keep("history_visibility")
	case "m.room.redaction":
		if rules.KeepRedactionRedacts {
			return keep("redacts")
		}
		return Object{}
	case "m.room.aliases":
		if rules.KeepAliases {
			return keep("aliases")
		}
		return Object{}
	default:
		return Object{}
	}
}
