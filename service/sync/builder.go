// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/matrix/stateres"
	"github.com/tototomate123/tuwunel/service/rooms"
)

// Response is a /sync response body.
type Response struct {
	NextBatch   string      `json:"next_batch"`
	Rooms       Rooms       `json:"rooms"`
	Presence    Events      `json:"presence"`
	AccountData Events      `json:"account_data"`
	ToDevice    RawEvents   `json:"to_device"`
	DeviceLists DeviceLists `json:"device_lists"`
}

// Rooms groups the per-room sections by membership.
type Rooms struct {
	Join   map[string]JoinedRoom  `json:"join"`
	Invite map[string]InvitedRoom `json:"invite"`
	Leave  map[string]LeftRoom    `json:"leave"`
}

// JoinedRoom is the sync section for one joined room.
type JoinedRoom struct {
	Summary             RoomSummary         `json:"summary"`
	State               ClientEvents        `json:"state"`
	Timeline            Timeline            `json:"timeline"`
	Ephemeral           Events              `json:"ephemeral"`
	AccountData         Events              `json:"account_data"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
}

// InvitedRoom is the sync section for one pending invite.
type InvitedRoom struct {
	InviteState RawEvents `json:"invite_state"`
}

// LeftRoom is the sync section for one room the user left.
type LeftRoom struct {
	State    ClientEvents `json:"state"`
	Timeline Timeline     `json:"timeline"`
}

// Timeline is a window over a room's newest events, oldest first.
type Timeline struct {
	Events    []*matrix.ClientEvent `json:"events"`
	Limited   bool                  `json:"limited"`
	PrevBatch string                `json:"prev_batch,omitempty"`
}

// ClientEvents is a list of full client events.
type ClientEvents struct {
	Events []*matrix.ClientEvent `json:"events"`
}

// Event is the bare type+content shape the account data and ephemeral
// sections carry.
type Event struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Events is a list of bare events.
type Events struct {
	Events []Event `json:"events"`
}

// RawEvents is a list of preserialized events, used for to-device
// messages and stripped invite state.
type RawEvents struct {
	Events []json.RawMessage `json:"events"`
}

// RoomSummary carries member counts for client-side room naming.
type RoomSummary struct {
	JoinedMemberCount  uint64 `json:"m.joined_member_count"`
	InvitedMemberCount uint64 `json:"m.invited_member_count"`
}

// UnreadNotifications counts the user's unread events in one room.
type UnreadNotifications struct {
	NotificationCount uint64 `json:"notification_count"`
	HighlightCount    uint64 `json:"highlight_count"`
}

// DeviceLists is always empty: device tracking for end to end
// encryption is not implemented.
type DeviceLists struct {
	Changed []string `json:"changed"`
	Left    []string `json:"left"`
}

// Empty reports whether the response carries nothing, so a long poll
// should keep waiting.
func (r *Response) Empty() bool {
	return len(r.Rooms.Join) == 0 &&
		len(r.Rooms.Invite) == 0 &&
		len(r.Rooms.Leave) == 0 &&
		len(r.AccountData.Events) == 0 &&
		len(r.ToDevice.Events) == 0
}

// build assembles the response at the counter's retired watermark.
// Writes landing during the build have higher counts and fall into the
// next batch.
func (s *Service) build(ctx context.Context, req Request, limit int) (*Response, error) {
	now, err := s.globals.WaitPending(ctx)
	if err != nil {
		return nil, err
	}
	since := min(req.Since, now)
	initial := since == 0

	resp := &Response{
		NextBatch: strconv.FormatUint(now, 10),
		Rooms: Rooms{
			Join:   map[string]JoinedRoom{},
			Invite: map[string]InvitedRoom{},
			Leave:  map[string]LeftRoom{},
		},
		Presence:    Events{Events: []Event{}},
		AccountData: Events{Events: []Event{}},
		ToDevice:    RawEvents{Events: []json.RawMessage{}},
		DeviceLists: DeviceLists{Changed: []string{}, Left: []string{}},
	}

	joined, err := s.rooms.RoomsJoined(ctx, req.User)
	if err != nil {
		return nil, err
	}
	for _, room := range joined {
		section, updated, err := s.joinedRoom(ctx, req, room, since, now, limit)
		if err != nil {
			return nil, err
		}
		if updated || initial || req.FullState {
			resp.Rooms.Join[room.String()] = *section
		}
	}

	invites, err := s.rooms.RoomsInvited(ctx, req.User)
	if err != nil {
		return nil, err
	}
	for _, record := range invites {
		if !initial && (record.Count <= since || record.Count > now) {
			continue
		}
		state := record.State
		if state == nil {
			state = []json.RawMessage{}
		}
		resp.Rooms.Invite[record.Room.String()] = InvitedRoom{
			InviteState: RawEvents{Events: state},
		}
	}

	// Left rooms only show up on the incremental sync that crosses
	// the leave; initial syncs skip them entirely.
	left, err := s.rooms.RoomsLeft(ctx, req.User)
	if err != nil {
		return nil, err
	}
	for _, record := range left {
		if initial || record.Count <= since || record.Count > now {
			continue
		}
		section, err := s.leftRoom(ctx, req.User, record.Room, since)
		if err != nil {
			return nil, err
		}
		resp.Rooms.Leave[record.Room.String()] = *section
	}

	global, err := s.accountDataSection(ctx, ref.RoomID{}, req.User, since)
	if err != nil {
		return nil, err
	}
	resp.AccountData.Events = global

	// The client presenting since acknowledges everything up to it;
	// drop those to-device messages and return the rest.
	if since > 0 {
		if err := s.users.RemoveToDeviceEvents(ctx, req.User, req.Device, since); err != nil {
			return nil, err
		}
	}
	toDevice, err := s.users.ToDeviceEvents(ctx, req.User, req.Device, since)
	if err != nil {
		return nil, err
	}
	if toDevice != nil {
		resp.ToDevice.Events = toDevice
	}

	s.logger.Debug("sync built",
		"user_id", req.User,
		"since", since,
		"next_batch", now,
		"joined", len(resp.Rooms.Join),
		"invited", len(resp.Rooms.Invite),
		"left", len(resp.Rooms.Leave))
	return resp, nil
}

// joinedRoom builds one joined room's section and reports whether it
// carries anything the client has not seen.
func (s *Service) joinedRoom(ctx context.Context, req Request, room ref.RoomID, since, now uint64, limit int) (*JoinedRoom, bool, error) {
	window, limited, err := s.timelineWindow(ctx, room, since, now, limit)
	if err != nil {
		return nil, false, err
	}
	timeline := Timeline{Events: make([]*matrix.ClientEvent, 0, len(window)), Limited: limited}
	if len(window) > 0 {
		timeline.PrevBatch = strconv.FormatUint(window[0].Count, 10)
	}
	for _, entry := range window {
		timeline.Events = append(timeline.Events, matrix.NewClientEvent(entry.PDU))
	}

	state, err := s.stateSection(ctx, room, since, window, req.FullState || since == 0)
	if err != nil {
		return nil, false, err
	}

	ephemeral, err := s.ephemeralSection(ctx, room, req.User, since, now)
	if err != nil {
		return nil, false, err
	}

	accountData, err := s.accountDataSection(ctx, room, req.User, since)
	if err != nil {
		return nil, false, err
	}

	joinedCount, err := s.rooms.JoinedCount(ctx, room)
	if err != nil {
		return nil, false, err
	}
	invitedCount, err := s.rooms.InvitedCount(ctx, room)
	if err != nil {
		return nil, false, err
	}
	notifications, err := s.rooms.NotificationCount(ctx, req.User, room)
	if err != nil {
		return nil, false, err
	}
	highlights, err := s.rooms.HighlightCount(ctx, req.User, room)
	if err != nil {
		return nil, false, err
	}

	section := &JoinedRoom{
		Summary:     RoomSummary{JoinedMemberCount: joinedCount, InvitedMemberCount: invitedCount},
		State:       ClientEvents{Events: state},
		Timeline:    timeline,
		Ephemeral:   Events{Events: ephemeral},
		AccountData: Events{Events: accountData},
		UnreadNotifications: UnreadNotifications{
			NotificationCount: notifications,
			HighlightCount:    highlights,
		},
	}
	updated := len(window) > 0 || len(state) > 0 || len(ephemeral) > 0 || len(accountData) > 0
	return section, updated, nil
}

// timelineWindow returns the newest timeline events in (since, now],
// oldest first, and whether older events in the range were cut off.
func (s *Service) timelineWindow(ctx context.Context, room ref.RoomID, since, now uint64, limit int) ([]rooms.TimelineEntry, bool, error) {
	raw, err := s.rooms.PdusBefore(ctx, room, now+1, limit+1)
	if err != nil {
		return nil, false, err
	}
	var window []rooms.TimelineEntry
	for _, entry := range raw {
		if entry.Count <= since {
			break
		}
		window = append(window, entry)
	}
	limited := false
	if len(window) > limit {
		limited = true
		window = window[:limit]
	}
	slices.Reverse(window)
	return window, limited, nil
}

// stateSection returns the state events the client is missing: the
// difference between the snapshot at since and the snapshot at the
// start of the timeline window. Initial and full_state syncs get the
// whole window-start snapshot. Events already in the window stay in
// the timeline.
func (s *Service) stateSection(ctx context.Context, room ref.RoomID, since uint64, window []rooms.TimelineEntry, full bool) ([]*matrix.ClientEvent, error) {
	target, err := s.stateAtWindowStart(ctx, room, window)
	if err != nil {
		return nil, err
	}

	inWindow := make(map[ref.EventID]bool, len(window))
	for _, entry := range window {
		inWindow[entry.PDU.EventID] = true
	}

	var sinceState stateres.StateMap
	if !full {
		sinceState, err = s.stateAtCount(ctx, room, since)
		if err != nil {
			return nil, err
		}
		if sinceState == nil {
			full = true
		}
	}

	events := []*matrix.ClientEvent{}
	for tuple, eventID := range target {
		if !full {
			if prev, ok := sinceState[tuple]; ok && prev == eventID {
				continue
			}
		}
		if inWindow[eventID] {
			continue
		}
		pdu, err := s.rooms.PDUByID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if pdu == nil {
			continue
		}
		events = append(events, matrix.NewClientEvent(pdu))
	}
	return events, nil
}

// stateAtWindowStart resolves the room state at the start of the
// timeline window: before its first event, or the current state when
// the window is empty.
func (s *Service) stateAtWindowStart(ctx context.Context, room ref.RoomID, window []rooms.TimelineEntry) (stateres.StateMap, error) {
	if len(window) > 0 {
		hash, ok, err := s.rooms.EventStateHash(ctx, window[0].PDU.EventID)
		if err != nil {
			return nil, err
		}
		if ok {
			return s.rooms.StateMapAt(ctx, hash)
		}
	}
	return s.rooms.RoomStateMap(ctx, room)
}

// stateAtCount resolves the room state as of a counter position: the
// snapshot before the first timeline event after it, or the current
// state when nothing was appended since. Nil when the anchoring event
// has no recorded snapshot.
func (s *Service) stateAtCount(ctx context.Context, room ref.RoomID, count uint64) (stateres.StateMap, error) {
	after, err := s.rooms.PdusAfter(ctx, room, count, 1)
	if err != nil {
		return nil, err
	}
	if len(after) == 0 {
		return s.rooms.RoomStateMap(ctx, room)
	}
	hash, ok, err := s.rooms.EventStateHash(ctx, after[0].PDU.EventID)
	if err != nil || !ok {
		return nil, err
	}
	return s.rooms.StateMapAt(ctx, hash)
}

// ephemeralSection gathers typing and read receipts for one room.
func (s *Service) ephemeralSection(ctx context.Context, room ref.RoomID, user ref.UserID, since, now uint64) ([]Event, error) {
	events := []Event{}

	// An empty user_ids list is still sent when typing changed, so
	// clients clear their indicators.
	if s.rooms.TypingLastChange(room) > since {
		typing, err := s.rooms.TypingUsers(ctx, room)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(typing))
		for _, u := range typing {
			ids = append(ids, u.String())
		}
		content, err := json.Marshal(map[string][]string{"user_ids": ids})
		if err != nil {
			return nil, fmt.Errorf("sync: typing content: %w", err)
		}
		events = append(events, Event{Type: "m.typing", Content: content})
	}

	receipts, err := s.receiptContent(ctx, room, user, since, now)
	if err != nil {
		return nil, err
	}
	if len(receipts) > 0 {
		content, err := json.Marshal(receipts)
		if err != nil {
			return nil, fmt.Errorf("sync: receipt content: %w", err)
		}
		events = append(events, Event{Type: "m.receipt", Content: content})
	}
	return events, nil
}

// receiptContent gathers public receipts in (since, now] plus the
// user's own private read marker when it moved, keyed event id, then
// receipt type, then user.
func (s *Service) receiptContent(ctx context.Context, room ref.RoomID, user ref.UserID, since, now uint64) (map[string]map[string]map[string]json.RawMessage, error) {
	content := map[string]map[string]map[string]json.RawMessage{}
	add := func(event, receiptType, userID string, data json.RawMessage) {
		byType, ok := content[event]
		if !ok {
			byType = map[string]map[string]json.RawMessage{}
			content[event] = byType
		}
		byUser, ok := byType[receiptType]
		if !ok {
			byUser = map[string]json.RawMessage{}
			byType[receiptType] = byUser
		}
		byUser[userID] = data
	}

	receipts, err := s.rooms.ReceiptsAfter(ctx, room, since)
	if err != nil {
		return nil, err
	}
	for _, receipt := range receipts {
		if receipt.Count > now {
			continue
		}
		stamp, err := json.Marshal(map[string]int64{"ts": receipt.TS})
		if err != nil {
			return nil, fmt.Errorf("sync: receipt stamp: %w", err)
		}
		add(receipt.EventID.String(), "m.read", receipt.User.String(), stamp)
	}

	lastPrivate, err := s.rooms.LastPrivateReadUpdate(ctx, room, user)
	if err != nil {
		return nil, err
	}
	if lastPrivate > since && lastPrivate <= now {
		marker, ok, err := s.rooms.PrivateReadMarker(ctx, room, user)
		if err != nil {
			return nil, err
		}
		if ok {
			// The marker is a counter position; the receipt points at
			// the newest event at or before it.
			at, err := s.rooms.PdusBefore(ctx, room, marker+1, 1)
			if err != nil {
				return nil, err
			}
			if len(at) > 0 {
				add(at[0].PDU.EventID.String(), "m.read.private", user.String(), json.RawMessage(`{}`))
			}
		}
	}
	return content, nil
}

// accountDataSection returns the account data entries written after
// since, for one room or globally with a zero room.
func (s *Service) accountDataSection(ctx context.Context, room ref.RoomID, user ref.UserID, since uint64) ([]Event, error) {
	changes, err := s.users.AccountDataChanges(ctx, room, user, since)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(changes))
	for _, change := range changes {
		events = append(events, Event{Type: change.Type, Content: change.Content})
	}
	return events, nil
}

// leftRoom builds the parting view of a room: the state the user
// missed up to their leave and the leave event itself. The timeline
// stays empty; history after the leave is not theirs to see.
func (s *Service) leftRoom(ctx context.Context, user ref.UserID, room ref.RoomID, since uint64) (*LeftRoom, error) {
	section := &LeftRoom{
		State:    ClientEvents{Events: []*matrix.ClientEvent{}},
		Timeline: Timeline{Events: []*matrix.ClientEvent{}},
	}

	leave, err := s.rooms.RoomStateGet(ctx, room, matrix.TypeMember, user.String())
	if err != nil {
		return nil, err
	}
	if leave == nil {
		return section, nil
	}

	hash, ok, err := s.rooms.EventStateHash(ctx, leave.EventID)
	if err != nil {
		return nil, err
	}
	if ok {
		atLeave, err := s.rooms.StateMapAt(ctx, hash)
		if err != nil {
			return nil, err
		}
		sinceState, err := s.stateAtCount(ctx, room, since)
		if err != nil {
			return nil, err
		}
		for tuple, eventID := range atLeave {
			if sinceState != nil {
				if prev, ok := sinceState[tuple]; ok && prev == eventID {
					continue
				}
			}
			if eventID == leave.EventID {
				continue
			}
			pdu, err := s.rooms.PDUByID(ctx, eventID)
			if err != nil {
				return nil, err
			}
			if pdu == nil {
				continue
			}
			section.State.Events = append(section.State.Events, matrix.NewClientEvent(pdu))
		}
	}
	section.State.Events = append(section.State.Events, matrix.NewClientEvent(leave))
	return section, nil
}
