// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"encoding/json"

	"github.com/tototomate123/tuwunel/lib/ref"
)

// DefaultPushRules returns the m.push_rules account data content for
// a fresh account. The content rule highlights messages mentioning
// the user's localpart, matching what the notification counters
// treat as a highlight.
func DefaultPushRules(user ref.UserID) json.RawMessage {
	rule := func(id string, fields map[string]any) map[string]any {
		out := map[string]any{
			"rule_id": id,
			"default": true,
			"enabled": true,
		}
		for k, v := range fields {
			out[k] = v
		}
		return out
	}
	notify := []any{"notify", map[string]any{"set_tweak": "sound", "value": "default"}}
	highlight := append(append([]any{}, notify...), map[string]any{"set_tweak": "highlight"})

	ruleset := map[string]any{
		"global": map[string]any{
			"override": []any{
				rule(".m.rule.master", map[string]any{
					"enabled":    false,
					"conditions": []any{},
					"actions":    []any{},
				}),
				rule(".m.rule.suppress_notices", map[string]any{
					"conditions": []any{map[string]any{
						"kind":    "event_match",
						"key":     "content.msgtype",
						"pattern": "m.notice",
					}},
					"actions": []any{},
				}),
				rule(".m.rule.invite_for_me", map[string]any{
					"conditions": []any{
						map[string]any{"kind": "event_match", "key": "type", "pattern": "m.room.member"},
						map[string]any{"kind": "event_match", "key": "content.membership", "pattern": "invite"},
						map[string]any{"kind": "event_match", "key": "state_key", "pattern": user.String()},
					},
					"actions": notify,
				}),
				rule(".m.rule.roomnotif", map[string]any{
					"conditions": []any{
						map[string]any{"kind": "event_match", "key": "content.body", "pattern": "@room"},
						map[string]any{"kind": "sender_notification_permission", "key": "room"},
					},
					"actions": []any{"notify", map[string]any{"set_tweak": "highlight"}},
				}),
			},
			"content": []any{
				rule(".m.rule.contains_user_name", map[string]any{
					"pattern": user.Localpart(),
					"actions": highlight,
				}),
			},
			"room":   []any{},
			"sender": []any{},
			"underride": []any{
				rule(".m.rule.message", map[string]any{
					"conditions": []any{map[string]any{
						"kind":    "event_match",
						"key":     "type",
						"pattern": "m.room.message",
					}},
					"actions": notify,
				}),
				rule(".m.rule.encrypted", map[string]any{
					"conditions": []any{map[string]any{
						"kind":    "event_match",
						"key":     "type",
						"pattern": "m.room.encrypted",
					}},
					"actions": notify,
				}),
			},
		},
	}

	raw, err := json.Marshal(ruleset)
	if err != nil {
		// The ruleset is built from plain maps and strings; this
		// cannot fail at runtime.
		panic("users: encoding default push rules: " + err.Error())
	}
	return raw
}
