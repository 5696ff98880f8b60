// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package eventauth

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// Integer fields in m.room.power_levels content.
type plField string

const (
	fieldUsersDefault  plField = "users_default"
	fieldEventsDefault plField = "events_default"
	fieldStateDefault  plField = "state_default"
	fieldBan           plField = "ban"
	fieldRedact        plField = "redact"
	fieldKick          plField = "kick"
	fieldInvite        plField = "invite"
)

var plFields = []plField{
	fieldUsersDefault, fieldEventsDefault, fieldStateDefault,
	fieldBan, fieldRedact, fieldKick, fieldInvite,
}

func (f plField) defaultValue() int64 {
	switch f {
	case fieldUsersDefault, fieldEventsDefault, fieldInvite:
		return 0
	default:
		return 50
	}
}

// powerLevelsContent is m.room.power_levels content with field
// presence preserved. The authorization rules distinguish an absent
// field from one set to its default, so the defaults are only applied
// at lookup time.
type powerLevelsContent struct {
	scalars       map[plField]int64
	events        map[string]int64
	notifications map[string]int64
	users         map[ref.UserID]int64

	hasEvents        bool
	hasNotifications bool
	hasUsers         bool
}

func parsePowerLevelsContent(content json.RawMessage, rules matrix.AuthRules) (*powerLevelsContent, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("eventauth: malformed m.room.power_levels content: %w", err)
	}

	pl := &powerLevelsContent{scalars: make(map[plField]int64)}
	for _, field := range plFields {
		value, ok := raw[string(field)]
		if !ok {
			continue
		}
		level, err := parseLevel(value, rules.IntegerPowerLevels)
		if err != nil {
			return nil, fmt.Errorf("eventauth: m.room.power_levels %s: %w", field, err)
		}
		pl.scalars[field] = level
	}

	var err error
	if value, ok := raw["events"]; ok {
		pl.hasEvents = true
		pl.events, err = parseLevelMap(value, rules.IntegerPowerLevels)
		if err != nil {
			return nil, fmt.Errorf("eventauth: m.room.power_levels events: %w", err)
		}
	}
	if value, ok := raw["notifications"]; ok {
		pl.hasNotifications = true
		pl.notifications, err = parseLevelMap(value, rules.IntegerPowerLevels)
		if err != nil {
			return nil, fmt.Errorf("eventauth: m.room.power_levels notifications: %w", err)
		}
	}
	if value, ok := raw["users"]; ok {
		pl.hasUsers = true
		users, err := parseLevelMap(value, rules.IntegerPowerLevels)
		if err != nil {
			return nil, fmt.Errorf("eventauth: m.room.power_levels users: %w", err)
		}
		pl.users = make(map[ref.UserID]int64, len(users))
		for rawUser, level := range users {
			user, err := ref.ParseUserID(rawUser)
			if err != nil {
				return nil, fmt.Errorf("eventauth: m.room.power_levels users key: %w", err)
			}
			pl.users[user] = level
		}
	}
	return pl, nil
}

func parseLevelMap(raw json.RawMessage, strict bool) (map[string]int64, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("not a map: %w", err)
	}
	out := make(map[string]int64, len(entries))
	for key, value := range entries {
		level, err := parseLevel(value, strict)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", key, err)
		}
		out[key] = level
	}
	return out, nil
}

// parseLevel parses one power level. Room versions before 10 tolerate
// levels encoded as decimal strings or floats.
func parseLevel(raw json.RawMessage, strict bool) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	if strict {
		return 0, fmt.Errorf("value %s is not an integer", s)
	}
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

// userPowerLevel computes a user's effective power. Room creators are
// infinitely powerful under the rules that explicitly privilege them,
// and default to 100 when the room has no power_levels event.
func userPowerLevel(pl *powerLevelsContent, user ref.UserID, creators []ref.UserID, rules matrix.AuthRules) int64 {
	isCreator := false
	for _, c := range creators {
		if c == user {
			isCreator = true
			break
		}
	}
	if rules.ExplicitlyPrivilegeCreators && isCreator {
		return matrix.CreatorPowerLevel
	}
	if pl != nil {
		if level, ok := pl.users[user]; ok {
			return level
		}
		return intFieldOrDefault(pl, fieldUsersDefault)
	}
	if isCreator {
		return 100
	}
	return fieldUsersDefault.defaultValue()
}

// SenderPowerLevel computes the effective power of a user from the
// room's m.room.power_levels event, which may be nil, and its creators.
// State resolution uses it for the reverse topological power ordering.
func SenderPowerLevel(plEvent *matrix.PDU, user ref.UserID, creators []ref.UserID, rules matrix.AuthRules) (int64, error) {
	var pl *powerLevelsContent
	if plEvent != nil {
		parsed, err := parsePowerLevelsContent(plEvent.Content, rules)
		if err != nil {
			return 0, err
		}
		pl = parsed
	}
	return userPowerLevel(pl, user, creators, rules), nil
}

func intFieldOrDefault(pl *powerLevelsContent, field plField) int64 {
	if pl != nil {
		if level, ok := pl.scalars[field]; ok {
			return level
		}
	}
	return field.defaultValue()
}

func eventPowerLevel(pl *powerLevelsContent, eventType string, isState bool) int64 {
	if pl != nil {
		if level, ok := pl.events[eventType]; ok {
			return level
		}
	}
	if isState {
		return intFieldOrDefault(pl, fieldStateDefault)
	}
	return intFieldOrDefault(pl, fieldEventsDefault)
}

// checkRoomPowerLevels applies the m.room.power_levels authorization
// rules: content validation, the creator listing prohibition, and the
// per-alteration power comparisons against the current levels.
func checkRoomPowerLevels(event *matrix.PDU, current *powerLevelsContent, rules matrix.AuthRules, senderLevel int64, creators []ref.UserID) error {
	proposed, err := parsePowerLevelsContent(event.Content, rules)
	if err != nil {
		return err
	}

	if rules.ExplicitlyPrivilegeCreators && proposed.hasUsers {
		for _, creator := range creators {
			if _, ok := proposed.users[creator]; ok {
				return fmt.Errorf("eventauth: creator user IDs are not allowed in the users field")
			}
		}
	}

	// The first power_levels event in a room is unconstrained.
	if current == nil {
		return nil
	}

	for _, field := range plFields {
		currentLevel, currentSet := current.scalars[field]
		newLevel, newSet := proposed.scalars[field]
		if currentSet == newSet && currentLevel == newLevel {
			continue
		}
		if !currentSet {
			currentLevel = field.defaultValue()
		}
		if !newSet {
			newLevel = field.defaultValue()
		}
		if currentLevel > senderLevel || newLevel > senderLevel {
			return fmt.Errorf("eventauth: sender cannot change the power level of %s", field)
		}
	}

	stringKey := func(k string) string { return k }
	if err := checkLevelMapChanges(
		mapIf(current.hasEvents, current.events), mapIf(proposed.hasEvents, proposed.events),
		senderLevel,
		func(_ string, currentLevel int64) bool { return currentLevel > senderLevel },
		stringKey, "event type",
	); err != nil {
		return err
	}

	if rules.LimitNotificationsPowerLevels {
		if err := checkLevelMapChanges(
			mapIf(current.hasNotifications, current.notifications),
			mapIf(proposed.hasNotifications, proposed.notifications),
			senderLevel,
			func(_ string, currentLevel int64) bool { return currentLevel > senderLevel },
			stringKey, "notification",
		); err != nil {
			return err
		}
	}

	return checkLevelMapChanges(
		userMapIf(current.hasUsers, current.users), userMapIf(proposed.hasUsers, proposed.users),
		senderLevel,
		func(user ref.UserID, currentLevel int64) bool {
			// Users may always change their own level downwards.
			return user != event.Sender && currentLevel >= senderLevel
		},
		func(k ref.UserID) string { return k.String() }, "user",
	)
}

func mapIf(present bool, m map[string]int64) map[string]int64 {
	if !present {
		return nil
	}
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func userMapIf(present bool, m map[ref.UserID]int64) map[ref.UserID]int64 {
	if !present {
		return nil
	}
	if m == nil {
		return map[ref.UserID]int64{}
	}
	return m
}

// checkLevelMapChanges compares the current and proposed versions of
// one power level map. Additions and increases are limited by the
// sender's level; changes and removals are additionally limited by
// rejectCurrent, which sees the entry's current value.
func checkLevelMapChanges[K comparable](current, proposed map[K]int64, senderLevel int64, rejectCurrent func(K, int64) bool, describe func(K) string, what string) error {
	keys := make(map[K]bool, len(current)+len(proposed))
	for k := range current {
		keys[k] = true
	}
	for k := range proposed {
		keys[k] = true
	}

	for key := range keys {
		currentLevel, currentSet := current[key]
		newLevel, newSet := proposed[key]
		if currentSet == newSet && currentLevel == newLevel {
			continue
		}
		if currentSet && rejectCurrent(key, currentLevel) {
			return fmt.Errorf("eventauth: sender cannot change the power level of %s %s",
				what, describe(key))
		}
		if newSet && newLevel > senderLevel {
			return fmt.Errorf("eventauth: sender cannot change the power level of %s %s",
				what, describe(key))
		}
	}
	return nil
}
