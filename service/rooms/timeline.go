// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// Timeline keys are shortroomid and count, both big endian, so a
// room's events are contiguous and ordered by the global counter.

const pduKeySize = 16

func pduKey(shortRoom, count uint64) []byte {
	key := make([]byte, pduKeySize)
	binary.BigEndian.PutUint64(key[0:8], shortRoom)
	binary.BigEndian.PutUint64(key[8:16], count)
	return key
}

func pduKeyCount(key []byte) uint64 {
	if len(key) != pduKeySize {
		return 0
	}
	return binary.BigEndian.Uint64(key[8:16])
}

func decodePDU(value []byte) (*matrix.PDU, error) {
	var pdu matrix.PDU
	if err := json.Unmarshal(value, &pdu); err != nil {
		return nil, fmt.Errorf("rooms: stored pdu: %w", err)
	}
	return &pdu, nil
}

// PDUByID returns the event from the timeline, falling back to the
// outlier store. Returns nil when the event is unknown.
func (s *Service) PDUByID(ctx context.Context, event ref.EventID) (*matrix.PDU, error) {
	pduid, err := s.eventPDUID.Get(ctx, []byte(event.String()))
	if err != nil {
		return nil, err
	}
	if pduid != nil {
		value, err := s.pduByID.Get(ctx, pduid)
		if err != nil {
			return nil, err
		}
		if value == nil {
			return nil, fmt.Errorf("rooms: event %s has a timeline position but no pdu", event)
		}
		return decodePDU(value)
	}
	value, err := s.outlierPDU.Get(ctx, []byte(event.String()))
	if err != nil || value == nil {
		return nil, err
	}
	return decodePDU(value)
}

// IsKnown reports whether the event is stored, as a timeline event or
// an outlier.
func (s *Service) IsKnown(ctx context.Context, event ref.EventID) (bool, error) {
	ok, err := s.eventPDUID.Has(ctx, []byte(event.String()))
	if err != nil || ok {
		return ok, err
	}
	return s.outlierPDU.Has(ctx, []byte(event.String()))
}

// InTimeline reports whether the event has been admitted to a room
// timeline, as opposed to being only an outlier.
func (s *Service) InTimeline(ctx context.Context, event ref.EventID) (bool, error) {
	return s.eventPDUID.Has(ctx, []byte(event.String()))
}

// PDUCount returns the timeline count of an event.
func (s *Service) PDUCount(ctx context.Context, event ref.EventID) (uint64, bool, error) {
	pduid, err := s.eventPDUID.Get(ctx, []byte(event.String()))
	if err != nil || pduid == nil {
		return 0, false, err
	}
	return pduKeyCount(pduid), true, nil
}

// AddOutlier stores an event outside any timeline. Outliers have
// passed signature and auth checks but their position in the room is
// not yet established.
func (s *Service) AddOutlier(ctx context.Context, pdu *matrix.PDU) error {
	value, err := json.Marshal(pdu)
	if err != nil {
		return fmt.Errorf("rooms: marshaling outlier: %w", err)
	}
	return s.outlierPDU.Put(ctx, []byte(pdu.EventID.String()), value)
}

// TimelineEntry is one timeline event with its count.
type TimelineEntry struct {
	Count uint64
	PDU   *matrix.PDU
}

// AppendPDU admits an event into the room timeline: it takes the next
// count, stores the event, replaces the forward extremities with
// leaves, and runs the bookkeeping the event implies (membership,
// notification counts, redactions, the search index, relations). The
// caller must hold the room mutex and fires the append hooks after
// releasing it.
func (s *Service) AppendPDU(ctx context.Context, pdu *matrix.PDU, leaves []ref.EventID) (uint64, error) {
	shortRoom, err := s.shortRoomID(ctx, pdu.RoomID)
	if err != nil {
		return 0, err
	}

	for _, prev := range pdu.PrevEvents {
		if err := s.MarkReferenced(ctx, pdu.RoomID, prev); err != nil {
			return 0, err
		}
	}
	if err := s.ReplaceForwardExtremities(ctx, pdu.RoomID, leaves); err != nil {
		return 0, err
	}

	// The sender has read everything up to their own event.
	if s.globals.UserIsLocal(pdu.Sender) {
		count1, err := s.nextCount(ctx)
		if err != nil {
			return 0, err
		}
		if err := s.SetPrivateReadMarker(ctx, pdu.RoomID, pdu.Sender, count1); err != nil {
			return 0, err
		}
		if err := s.ResetNotificationCounts(ctx, pdu.Sender, pdu.RoomID); err != nil {
			return 0, err
		}
	}

	permit, err := s.globals.Next(ctx)
	if err != nil {
		return 0, err
	}
	defer permit.Release()
	count := permit.ID()

	if pdu.IsState() {
		if err := s.enrichReplacedState(ctx, pdu); err != nil {
			return 0, err
		}
	}

	value, err := json.Marshal(pdu)
	if err != nil {
		return 0, fmt.Errorf("rooms: marshaling pdu: %w", err)
	}
	key := pduKey(shortRoom, count)
	batch := s.db.NewBatch()
	batch.Put(s.pduByID, key, value)
	batch.Put(s.eventPDUID, []byte(pdu.EventID.String()), key)
	batch.Del(s.outlierPDU, []byte(pdu.EventID.String()))
	if err := batch.Commit(ctx); err != nil {
		return 0, err
	}

	if err := s.bumpNotificationCounts(ctx, pdu); err != nil {
		return 0, err
	}

	switch pdu.Type {
	case matrix.TypeRedaction:
		if err := s.applyRedactionEvent(ctx, pdu); err != nil {
			return 0, err
		}
	case matrix.TypeMember:
		if err := s.applyMemberEvent(ctx, pdu); err != nil {
			return 0, err
		}
	case matrix.TypeMessage:
		if body := messageBody(pdu.Content); body != "" {
			if err := s.IndexPDU(ctx, shortRoom, count, body); err != nil {
				return 0, err
			}
		}
	}

	if err := s.recordRelations(ctx, pdu, count); err != nil {
		return 0, err
	}
	return count, nil
}

// enrichReplacedState copies the replaced state entry into unsigned so
// clients can render membership and profile changes without another
// lookup. The room still points at the pre-event snapshot here.
func (s *Service) enrichReplacedState(ctx context.Context, pdu *matrix.PDU) error {
	replaced, err := s.RoomStateGet(ctx, pdu.RoomID, pdu.Type, pdu.StateKeyValue())
	if err != nil {
		return err
	}
	if replaced == nil {
		return nil
	}
	return setUnsignedFields(pdu, map[string]any{
		"prev_content":   json.RawMessage(replaced.Content),
		"prev_sender":    replaced.Sender.String(),
		"replaces_state": replaced.EventID.String(),
	})
}

func setUnsignedFields(pdu *matrix.PDU, fields map[string]any) error {
	unsigned := map[string]any{}
	if len(pdu.Unsigned) > 0 {
		if err := json.Unmarshal(pdu.Unsigned, &unsigned); err != nil {
			unsigned = map[string]any{}
		}
	}
	for k, v := range fields {
		unsigned[k] = v
	}
	raw, err := json.Marshal(unsigned)
	if err != nil {
		return fmt.Errorf("rooms: unsigned: %w", err)
	}
	pdu.Unsigned = raw
	return nil
}

// bumpNotificationCounts increments unread counters for local members.
// Messages notify everyone except the sender and anyone ignoring them;
// a mention of the member's localpart in the body also highlights.
func (s *Service) bumpNotificationCounts(ctx context.Context, pdu *matrix.PDU) error {
	if pdu.Type != matrix.TypeMessage && pdu.Type != matrix.TypeEncrypted {
		return nil
	}
	members, err := s.ActiveLocalMembers(ctx, pdu.RoomID)
	if err != nil {
		return err
	}
	body := strings.ToLower(messageBody(pdu.Content))
	for _, member := range members {
		if member == pdu.Sender {
			continue
		}
		ignored, err := s.userIgnores(ctx, member, pdu.Sender)
		if err != nil {
			return err
		}
		if ignored {
			continue
		}
		if _, err := s.notificationCount.Increment(ctx, userRoomKey(member, pdu.RoomID)); err != nil {
			return err
		}
		if body != "" && strings.Contains(body, strings.ToLower(member.Localpart())) {
			if _, err := s.highlightCount.Increment(ctx, userRoomKey(member, pdu.RoomID)); err != nil {
				return err
			}
		}
	}
	return nil
}

func messageBody(content json.RawMessage) string {
	var parsed struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(content, &parsed); err != nil {
		return ""
	}
	return parsed.Body
}

func (s *Service) applyRedactionEvent(ctx context.Context, pdu *matrix.PDU) error {
	rules, err := s.RoomRules(ctx, pdu.RoomID)
	if err != nil {
		return err
	}
	target, ok := pdu.RedactsID(rules)
	if !ok {
		return nil
	}
	allowed, err := s.UserCanRedact(ctx, target, pdu.Sender, pdu.RoomID, false)
	if err != nil {
		return err
	}
	if !allowed {
		s.logger.Debug("not applying redaction, sender may not redact target",
			"room_id", pdu.RoomID, "event_id", pdu.EventID, "redacts", target)
		return nil
	}
	return s.RedactPDU(ctx, target, pdu)
}

func (s *Service) applyMemberEvent(ctx context.Context, pdu *matrix.PDU) error {
	target, err := ref.ParseUserID(pdu.StateKeyValue())
	if err != nil {
		s.logger.Warn("member event with invalid state key",
			"event_id", pdu.EventID, "state_key", pdu.StateKeyValue())
		return nil
	}
	membership := pdu.Membership()
	var stripped []json.RawMessage
	if membership == matrix.MembershipInvite || membership == matrix.MembershipKnock {
		stripped, err = s.StrippedState(ctx, pdu.RoomID, pdu)
		if err != nil {
			return err
		}
	}
	return s.UpdateMembership(ctx, pdu.RoomID, target, membership, pdu.Sender, stripped, true)
}

// RedactPDU strips the target event's content per the room version's
// redaction rules and removes it from the search index.
func (s *Service) RedactPDU(ctx context.Context, target ref.EventID, because *matrix.PDU) error {
	rules, err := s.RoomRules(ctx, because.RoomID)
	if err != nil {
		return err
	}
	pduid, err := s.eventPDUID.Get(ctx, []byte(target.String()))
	if err != nil {
		return err
	}
	if pduid == nil {
		value, err := s.outlierPDU.Get(ctx, []byte(target.String()))
		if err != nil || value == nil {
			return err
		}
		pdu, err := decodePDU(value)
		if err != nil {
			return err
		}
		if err := pdu.Redact(rules, because); err != nil {
			return err
		}
		redacted, err := json.Marshal(pdu)
		if err != nil {
			return fmt.Errorf("rooms: marshaling redacted outlier: %w", err)
		}
		return s.outlierPDU.Put(ctx, []byte(target.String()), redacted)
	}

	value, err := s.pduByID.Get(ctx, pduid)
	if err != nil || value == nil {
		return err
	}
	pdu, err := decodePDU(value)
	if err != nil {
		return err
	}
	if pdu.Type == matrix.TypeMessage {
		if body := messageBody(pdu.Content); body != "" {
			shortRoom, ok, err := s.lookupShortRoomID(ctx, pdu.RoomID)
			if err != nil {
				return err
			}
			if ok {
				if err := s.DeindexPDU(ctx, shortRoom, pduKeyCount(pduid), body); err != nil {
					return err
				}
			}
		}
	}
	if err := pdu.Redact(rules, because); err != nil {
		return err
	}
	redacted, err := json.Marshal(pdu)
	if err != nil {
		return fmt.Errorf("rooms: marshaling redacted pdu: %w", err)
	}
	return s.pduByID.Put(ctx, pduid, redacted)
}

// recordRelations stores count pairs for m.relates_to and rich reply
// references so related events can be walked later.
func (s *Service) recordRelations(ctx context.Context, pdu *matrix.PDU, count uint64) error {
	var content struct {
		RelatesTo struct {
			EventID   string `json:"event_id"`
			InReplyTo struct {
				EventID string `json:"event_id"`
			} `json:"m.in_reply_to"`
		} `json:"m.relates_to"`
	}
	if err := json.Unmarshal(pdu.Content, &content); err != nil {
		return nil
	}
	for _, raw := range []string{content.RelatesTo.EventID, content.RelatesTo.InReplyTo.EventID} {
		if raw == "" {
			continue
		}
		target, err := ref.ParseEventID(raw)
		if err != nil {
			continue
		}
		targetCount, ok, err := s.PDUCount(ctx, target)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.AddRelation(ctx, targetCount, count); err != nil {
			return err
		}
	}
	return nil
}

// PdusAfter returns up to limit timeline events with counts strictly
// greater than from, oldest first.
func (s *Service) PdusAfter(ctx context.Context, room ref.RoomID, from uint64, limit int) ([]TimelineEntry, error) {
	shortRoom, ok, err := s.lookupShortRoomID(ctx, room)
	if err != nil || !ok {
		return nil, err
	}
	prefix := database.EncodeCounter(shortRoom)
	opts := database.ScanOptions{
		Prefix: prefix,
		From:   pduKey(shortRoom, from+1),
		Limit:  limit,
	}
	return s.scanTimeline(ctx, opts)
}

// PdusBefore returns up to limit timeline events with counts strictly
// less than from, newest first. A from of zero starts at the room's
// end.
func (s *Service) PdusBefore(ctx context.Context, room ref.RoomID, from uint64, limit int) ([]TimelineEntry, error) {
	shortRoom, ok, err := s.lookupShortRoomID(ctx, room)
	if err != nil || !ok {
		return nil, err
	}
	upper := uint64(math.MaxUint64)
	if from > 0 {
		if from == 1 {
			return nil, nil
		}
		upper = from - 1
	}
	prefix := database.EncodeCounter(shortRoom)
	opts := database.ScanOptions{
		Prefix:     prefix,
		From:       pduKey(shortRoom, upper),
		Descending: true,
		Limit:      limit,
	}
	return s.scanTimeline(ctx, opts)
}

func (s *Service) scanTimeline(ctx context.Context, opts database.ScanOptions) ([]TimelineEntry, error) {
	var entries []TimelineEntry
	err := s.pduByID.Scan(ctx, opts, func(key, value []byte) error {
		pdu, err := decodePDU(value)
		if err != nil {
			return err
		}
		entries = append(entries, TimelineEntry{Count: pduKeyCount(key), PDU: pdu})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// LatestCount returns the count of the room's newest timeline event,
// zero for rooms without one.
func (s *Service) LatestCount(ctx context.Context, room ref.RoomID) (uint64, error) {
	shortRoom, ok, err := s.lookupShortRoomID(ctx, room)
	if err != nil || !ok {
		return 0, err
	}
	var latest uint64
	opts := database.ScanOptions{
		Prefix:     database.EncodeCounter(shortRoom),
		From:       pduKey(shortRoom, math.MaxUint64),
		Descending: true,
		Limit:      1,
	}
	err = s.pduByID.Scan(ctx, opts, func(key, _ []byte) error {
		latest = pduKeyCount(key)
		return database.ErrStop
	})
	if err != nil {
		return 0, err
	}
	return latest, nil
}

// FirstPDU returns the room's oldest timeline event, normally the
// create event, or the earliest event backfill has reached.
func (s *Service) FirstPDU(ctx context.Context, room ref.RoomID) (*TimelineEntry, error) {
	entries, err := s.PdusAfter(ctx, room, 0, 1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// PDUAt returns the timeline event at the given count, nil when the
// room has no event there.
func (s *Service) PDUAt(ctx context.Context, room ref.RoomID, count uint64) (*matrix.PDU, error) {
	shortRoom, ok, err := s.lookupShortRoomID(ctx, room)
	if err != nil || !ok {
		return nil, err
	}
	value, err := s.pduByID.Get(ctx, pduKey(shortRoom, count))
	if err != nil || value == nil {
		return nil, err
	}
	return decodePDU(value)
}

// TimelineWatchPrefix returns the pduid prefix for the room, the key
// range sync watches for new timeline events. Reports false for rooms
// with no timeline yet.
func (s *Service) TimelineWatchPrefix(ctx context.Context, room ref.RoomID) ([]byte, bool, error) {
	shortRoom, ok, err := s.lookupShortRoomID(ctx, room)
	if err != nil || !ok {
		return nil, false, err
	}
	return database.EncodeCounter(shortRoom), true, nil
}
