// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
)

// PDU is a persistent data unit: one event in a room's DAG. The JSON
// form is the internally stored representation, which always carries
// the event ID; federation transfer goes through ToOutgoingFederation
// and FromIncomingFederation to apply the per-version wire format.
type PDU struct {
	EventID        ref.EventID     `json:"event_id"`
	RoomID         ref.RoomID      `json:"room_id"`
	Sender         ref.UserID      `json:"sender"`
	Origin         *ref.ServerName `json:"origin,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	StateKey       *string         `json:"state_key,omitempty"`
	PrevEvents     []ref.EventID   `json:"prev_events"`
	Depth          int64           `json:"depth"`
	AuthEvents     []ref.EventID   `json:"auth_events"`
	Redacts        *ref.EventID    `json:"redacts,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	Hashes         EventHashes     `json:"hashes"`
	Signatures     json.RawMessage `json:"signatures,omitempty"`

	// Rejected marks events that failed the authorization checks.
	// Rejected events participate in the DAG but contribute no state.
	Rejected bool `json:"-"`
}

// EventHashes holds the content hashes of a PDU.
type EventHashes struct {
	SHA256 string `json:"sha256"`
}

// IsState reports whether the event is a state event.
func (p *PDU) IsState() bool { return p.StateKey != nil }

// StateKeyValue returns the state key, or "" for timeline events.
func (p *PDU) StateKeyValue() string {
	if p.StateKey == nil {
		return ""
	}
	return *p.StateKey
}

// ContentAs unmarshals the event content into v.
func (p *PDU) ContentAs(v any) error {
	if err := json.Unmarshal(p.Content, v); err != nil {
		return fmt.Errorf("matrix: %s content: %w", p.Type, err)
	}
	return nil
}

// RedactsID returns the event this redaction targets. Rules matter:
// from room version 11 the target lives in content.redacts, before
// that in the top-level redacts key.
func (p *PDU) RedactsID(rules Rules) (ref.EventID, bool) {
	if rules.Redaction.KeepRedactionRedacts {
		var content struct {
			Redacts ref.EventID `json:"redacts"`
		}
		if err := p.ContentAs(&content); err == nil && !content.Redacts.IsZero() {
			return content.Redacts, true
		}
		// Fall through for senders still using the old position.
	}
	if p.Redacts != nil && !p.Redacts.IsZero() {
		return *p.Redacts, true
	}
	return ref.EventID{}, false
}

// Membership returns content.membership for m.room.member events,
// or "" otherwise.
func (p *PDU) Membership() string {
	if p.Type != TypeMember {
		return ""
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if json.Unmarshal(p.Content, &content) != nil {
		return ""
	}
	return content.Membership
}

// Redact strips the event down to what the redaction algorithm
// preserves and records the redaction event under
// unsigned.redacted_because.
func (p *PDU) Redact(rules Rules, because *PDU) error {
	content, err := canonicaljson.Decode(p.Content)
	if err != nil {
		return fmt.Errorf("matrix: redact %s: %w", p.EventID, err)
	}
	shell := canonicaljson.Object{
		"type":    p.Type,
		"content": content,
	}
	redacted := canonicaljson.Redact(shell, rules.Redaction)
	newContent, err := canonicaljson.Encode(redacted["content"])
	if err != nil {
		return fmt.Errorf("matrix: redact %s: %w", p.EventID, err)
	}
	p.Content = newContent

	p.Unsigned = nil
	if because != nil {
		reason, err := json.Marshal(because)
		if err != nil {
			return fmt.Errorf("matrix: redact %s: %w", p.EventID, err)
		}
		unsigned, err := json.Marshal(map[string]json.RawMessage{
			"redacted_because": reason,
		})
		if err != nil {
			return fmt.Errorf("matrix: redact %s: %w", p.EventID, err)
		}
		p.Unsigned = unsigned
	}
	return nil
}

// RemoveTransactionID drops unsigned.transaction_id, which must not
// leak to other users or servers.
func (p *PDU) RemoveTransactionID() error {
	if len(p.Unsigned) == 0 {
		return nil
	}
	var unsigned map[string]json.RawMessage
	if err := json.Unmarshal(p.Unsigned, &unsigned); err != nil {
		return fmt.Errorf("matrix: invalid unsigned in %s: %w", p.EventID, err)
	}
	delete(unsigned, "transaction_id")
	out, err := json.Marshal(unsigned)
	if err != nil {
		return err
	}
	p.Unsigned = out
	return nil
}

// AddAge sets unsigned.age relative to now. Negative ages are
// possible with skewed origin clocks and are passed through.
func (p *PDU) AddAge(now time.Time) error {
	unsigned := map[string]json.RawMessage{}
	if len(p.Unsigned) > 0 {
		if err := json.Unmarshal(p.Unsigned, &unsigned); err != nil {
			return fmt.Errorf("matrix: invalid unsigned in %s: %w", p.EventID, err)
		}
	}
	age := now.UnixMilli() - p.OriginServerTS
	raw, err := json.Marshal(age)
	if err != nil {
		return err
	}
	unsigned["age"] = raw
	out, err := json.Marshal(unsigned)
	if err != nil {
		return err
	}
	p.Unsigned = out
	return nil
}

// Canonical returns the stored JSON form as a canonical tree.
func (p *PDU) Canonical() (canonicaljson.Object, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("matrix: serialize %s: %w", p.EventID, err)
	}
	return canonicaljson.Decode(raw)
}

// PDUFromCanonical attaches an event ID to a canonical event object
// and parses it into a PDU.
func PDUFromCanonical(eventID ref.EventID, obj canonicaljson.Object) (*PDU, error) {
	obj = canonicaljson.CopyObject(obj)
	obj["event_id"] = eventID.String()
	raw, err := canonicaljson.Encode(obj)
	if err != nil {
		return nil, err
	}
	var pdu PDU
	if err := json.Unmarshal(raw, &pdu); err != nil {
		return nil, fmt.Errorf("matrix: event %s is not a valid PDU: %w", eventID, err)
	}
	return &pdu, nil
}
