// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tototomate123/tuwunel/lib/ref"
)

// State and timeline event types this server handles specially.
const (
	TypeCreate            = "m.room.create"
	TypeMember            = "m.room.member"
	TypePowerLevels       = "m.room.power_levels"
	TypeJoinRules         = "m.room.join_rules"
	TypeHistoryVisibility = "m.room.history_visibility"
	TypeGuestAccess       = "m.room.guest_access"
	TypeRedaction         = "m.room.redaction"
	TypeAliases           = "m.room.aliases"
	TypeCanonicalAlias    = "m.room.canonical_alias"
	TypeName              = "m.room.name"
	TypeTopic             = "m.room.topic"
	TypeAvatar            = "m.room.avatar"
	TypeMessage           = "m.room.message"
	TypeEncrypted         = "m.room.encrypted"
	TypeEncryption        = "m.room.encryption"
	TypeServerACL         = "m.room.server_acl"
	TypeTombstone         = "m.room.tombstone"
	TypePinnedEvents      = "m.room.pinned_events"
	TypeThirdPartyInvite  = "m.room.third_party_invite"
	TypeSpaceChild        = "m.space.child"
	TypeSpaceParent       = "m.space.parent"
)

// Membership states.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rules.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRulePrivate         = "private"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
)

// History visibility settings.
const (
	VisibilityWorldReadable = "world_readable"
	VisibilityShared        = "shared"
	VisibilityInvited       = "invited"
	VisibilityJoined        = "joined"
)

// CreateContent is the content of m.room.create.
type CreateContent struct {
	// Creator is only present before room version 11; later versions
	// take the creator from the event sender.
	Creator            string        `json:"creator,omitempty"`
	RoomVersion        RoomVersion   `json:"room_version,omitempty"`
	Federate           *bool         `json:"m.federate,omitempty"`
	RoomType           string        `json:"type,omitempty"`
	Predecessor        *RoomLocation `json:"predecessor,omitempty"`
	AdditionalCreators []string      `json:"additional_creators,omitempty"`
}

// RoomLocation points at an event in another room.
type RoomLocation struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id,omitempty"`
}

// Federatable reports whether the room admits other servers.
func (c *CreateContent) Federatable() bool {
	return c.Federate == nil || *c.Federate
}

// Version returns the room version, defaulting to 1 as the original
// unnumbered rooms require.
func (c *CreateContent) Version() RoomVersion {
	if c.RoomVersion == "" {
		return RoomV1
	}
	return c.RoomVersion
}

// RoomVersionFromCreate extracts the room version from a create
// event.
func RoomVersionFromCreate(create *PDU) (RoomVersion, error) {
	var content CreateContent
	if err := create.ContentAs(&content); err != nil {
		return "", err
	}
	return content.Version(), nil
}

// RoomCreators lists the users the create event privileges: the
// explicit content.creator before version 11, the sender from 11, and
// additionally content.additional_creators from version 12. Invalid
// entries in additional_creators are reported as an error since
// version 12 auth rejects such create events.
func RoomCreators(create *PDU, rules AuthRules) ([]ref.UserID, error) {
	if !rules.ImplicitRoomCreator {
		var content CreateContent
		if err := create.ContentAs(&content); err != nil {
			return nil, err
		}
		creator, err := ref.ParseUserID(content.Creator)
		if err != nil {
			return nil, fmt.Errorf("matrix: create event creator: %w", err)
		}
		return []ref.UserID{creator}, nil
	}

	creators := []ref.UserID{create.Sender}
	if !rules.AdditionalCreators {
		return creators, nil
	}
	var content CreateContent
	if err := create.ContentAs(&content); err != nil {
		return nil, err
	}
	for _, raw := range content.AdditionalCreators {
		id, err := ref.ParseUserID(raw)
		if err != nil {
			return nil, fmt.Errorf("matrix: additional_creators entry %q: %w", raw, err)
		}
		creators = append(creators, id)
	}
	return creators, nil
}

// IsCreator reports whether user is among the create event's
// creators under the given rules.
func IsCreator(create *PDU, rules AuthRules, user ref.UserID) bool {
	creators, err := RoomCreators(create, rules)
	if err != nil {
		return false
	}
	for _, c := range creators {
		if c == user {
			return true
		}
	}
	return false
}

// MemberContent is the content of m.room.member.
type MemberContent struct {
	Membership                   string            `json:"membership"`
	DisplayName                  string            `json:"displayname,omitempty"`
	AvatarURL                    string            `json:"avatar_url,omitempty"`
	Reason                       string            `json:"reason,omitempty"`
	IsDirect                     bool              `json:"is_direct,omitempty"`
	JoinAuthorisedViaUsersServer string            `json:"join_authorised_via_users_server,omitempty"`
	ThirdPartyInvite             *ThirdPartySigned `json:"third_party_invite,omitempty"`
}

// ThirdPartySigned is the signed block of a third-party invite claim.
type ThirdPartySigned struct {
	DisplayName string          `json:"display_name,omitempty"`
	Signed      json.RawMessage `json:"signed,omitempty"`
}

// JoinRulesContent is the content of m.room.join_rules.
type JoinRulesContent struct {
	JoinRule string      `json:"join_rule"`
	Allow    []AllowRule `json:"allow,omitempty"`
}

// AllowRule is one entry of a restricted join rule's allow list.
type AllowRule struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
}

// RestrictedRoomIDs returns the rooms membership of which satisfies a
// restricted join rule.
func (c *JoinRulesContent) RestrictedRoomIDs() []ref.RoomID {
	var out []ref.RoomID
	for _, rule := range c.Allow {
		if rule.Type != "m.room_membership" {
			continue
		}
		id, err := ref.ParseRoomID(rule.RoomID)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// HistoryVisibilityContent is the content of m.room.history_visibility.
type HistoryVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}

// GuestAccessContent is the content of m.room.guest_access.
type GuestAccessContent struct {
	GuestAccess string `json:"guest_access"`
}

// CreatorPowerLevel is the effective power of a room creator under
// the rules that explicitly privilege creators.
const CreatorPowerLevel = int64(math.MaxInt64)

// PowerLevels is the parsed content of m.room.power_levels with
// defaults applied.
type PowerLevels struct {
	Ban           int64
	Invite        int64
	Kick          int64
	Redact        int64
	EventsDefault int64
	StateDefault  int64
	UsersDefault  int64
	Events        map[string]int64
	Users         map[ref.UserID]int64
	Notifications map[string]int64
}

// DefaultPowerLevels are the values that apply when a room has a
// power_levels event with the respective keys absent.
func DefaultPowerLevels() *PowerLevels {
	return &PowerLevels{
		Ban:           50,
		Invite:        0,
		Kick:          50,
		Redact:        50,
		EventsDefault: 0,
		StateDefault:  50,
		UsersDefault:  0,
		Events:        map[string]int64{},
		Users:         map[ref.UserID]int64{},
		Notifications: map[string]int64{},
	}
}

// ParsePowerLevels parses m.room.power_levels content. Before room
// version 10 the ecosystem tolerated power levels encoded as decimal
// strings; IntegerPowerLevels rejects those.
func ParsePowerLevels(content json.RawMessage, rules AuthRules) (*PowerLevels, error) {
	var raw struct {
		Ban           json.RawMessage            `json:"ban"`
		Invite        json.RawMessage            `json:"invite"`
		Kick          json.RawMessage            `json:"kick"`
		Redact        json.RawMessage            `json:"redact"`
		EventsDefault json.RawMessage            `json:"events_default"`
		StateDefault  json.RawMessage            `json:"state_default"`
		UsersDefault  json.RawMessage            `json:"users_default"`
		Events        map[string]json.RawMessage `json:"events"`
		Users         map[string]json.RawMessage `json:"users"`
		Notifications map[string]json.RawMessage `json:"notifications"`
	}
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("matrix: power_levels content: %w", err)
	}

	pl := DefaultPowerLevels()
	strict := rules.IntegerPowerLevels
	scalars := []struct {
		name string
		raw  json.RawMessage
		dst  *int64
	}{
		{"ban", raw.Ban, &pl.Ban},
		{"invite", raw.Invite, &pl.Invite},
		{"kick", raw.Kick, &pl.Kick},
		{"redact", raw.Redact, &pl.Redact},
		{"events_default", raw.EventsDefault, &pl.EventsDefault},
		{"state_default", raw.StateDefault, &pl.StateDefault},
		{"users_default", raw.UsersDefault, &pl.UsersDefault},
	}
	for _, s := range scalars {
		if s.raw == nil {
			continue
		}
		v, err := parsePowerLevel(s.raw, strict)
		if err != nil {
			return nil, fmt.Errorf("matrix: power_levels %s: %w", s.name, err)
		}
		*s.dst = v
	}
	for typ, rawLevel := range raw.Events {
		v, err := parsePowerLevel(rawLevel, strict)
		if err != nil {
			return nil, fmt.Errorf("matrix: power_levels events[%s]: %w", typ, err)
		}
		pl.Events[typ] = v
	}
	for user, rawLevel := range raw.Users {
		id, err := ref.ParseUserID(user)
		if err != nil {
			return nil, fmt.Errorf("matrix: power_levels users key: %w", err)
		}
		v, err := parsePowerLevel(rawLevel, strict)
		if err != nil {
			return nil, fmt.Errorf("matrix: power_levels users[%s]: %w", user, err)
		}
		pl.Users[id] = v
	}
	for key, rawLevel := range raw.Notifications {
		v, err := parsePowerLevel(rawLevel, strict)
		if err != nil {
			return nil, fmt.Errorf("matrix: power_levels notifications[%s]: %w", key, err)
		}
		pl.Notifications[key] = v
	}
	return pl, nil
}

func parsePowerLevel(raw json.RawMessage, strict bool) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	if strict {
		return 0, fmt.Errorf("value %s is not an integer", s)
	}
	// Lenient handling of historical string levels.
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		i, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("string value %q is not an integer", str)
		}
		return i, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil && f == math.Trunc(f) {
		return int64(f), nil
	}
	return 0, fmt.Errorf("value %s is not a power level", s)
}

// UserLevel returns the effective power level of a user.
func (pl *PowerLevels) UserLevel(user ref.UserID) int64 {
	if level, ok := pl.Users[user]; ok {
		return level
	}
	return pl.UsersDefault
}

// EventLevel returns the level required to send an event of the given
// type.
func (pl *PowerLevels) EventLevel(eventType string, isState bool) int64 {
	if level, ok := pl.Events[eventType]; ok {
		return level
	}
	if isState {
		return pl.StateDefault
	}
	return pl.EventsDefault
}
