// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// Membership bookkeeping keeps per-user room lists in both directions
// so sync never walks room state: userroomid_* maps answer "which
// rooms is this user in", roomuserid_* maps answer "who is in this
// room". Invite, leave, and knock entries carry the count at which
// they happened so incremental sync can tell new transitions from old
// ones.

// UpdateMembership applies a membership transition to the bookkeeping
// maps. lastState carries the stripped state stored for invites and
// knocks; it may be nil. Remote users are created as deactivated
// accounts so profile and membership storage has a subject.
func (s *Service) UpdateMembership(ctx context.Context, room ref.RoomID, target ref.UserID, membership string, sender ref.UserID, lastState []json.RawMessage, updateJoinedCount bool) error {
	if !s.globals.UserIsLocal(target) {
		exists, err := s.users.Exists(ctx, target)
		if err != nil {
			return err
		}
		if !exists {
			if err := s.users.Create(ctx, target, ""); err != nil {
				return err
			}
		}
	}

	switch membership {
	case matrix.MembershipJoin:
		if err := s.markJoined(ctx, target, room); err != nil {
			return err
		}
	case matrix.MembershipInvite:
		ignored, err := s.userIgnores(ctx, target, sender)
		if err != nil {
			return err
		}
		if ignored {
			s.logger.Debug("suppressing invite from ignored user",
				"room_id", room, "target", target, "sender", sender)
		} else if err := s.markInvited(ctx, target, room, lastState); err != nil {
			return err
		}
	case matrix.MembershipLeave, matrix.MembershipBan:
		if err := s.markLeft(ctx, target, room, lastState); err != nil {
			return err
		}
		if s.globals.UserIsLocal(target) && s.server.Federation.ForgetForcedUponLeave {
			if err := s.ForgetRoom(ctx, target, room); err != nil {
				return err
			}
		}
	case matrix.MembershipKnock:
		if err := s.markKnocked(ctx, target, room, lastState); err != nil {
			return err
		}
	default:
		return nil
	}

	if updateJoinedCount {
		return s.UpdateJoinedCount(ctx, room)
	}
	return nil
}

// clearMembership removes every membership marker except the one being
// set; the marks below re-add theirs.
func (s *Service) clearMembership(batch *database.Batch, user ref.UserID, room ref.RoomID) {
	ur := userRoomKey(user, room)
	ru := roomUserKey(room, user)
	batch.Del(s.userRoomJoined, ur)
	batch.Del(s.roomUserJoined, ru)
	batch.Del(s.userRoomInvite, ur)
	batch.Del(s.roomUserInviteCount, ru)
	batch.Del(s.userRoomLeft, ur)
	batch.Del(s.roomUserLeftCount, ru)
	batch.Del(s.userRoomKnocked, ur)
	batch.Del(s.roomUserKnockCount, ru)
}

func (s *Service) markJoined(ctx context.Context, user ref.UserID, room ref.RoomID) error {
	batch := s.db.NewBatch()
	s.clearMembership(batch, user, room)
	batch.Put(s.userRoomJoined, userRoomKey(user, room), nil)
	batch.Put(s.roomUserJoined, roomUserKey(room, user), nil)
	batch.Put(s.onceJoined, roomUserKey(room, user), nil)
	return batch.Commit(ctx)
}

func (s *Service) markInvited(ctx context.Context, user ref.UserID, room ref.RoomID, lastState []json.RawMessage) error {
	count, err := s.nextCount(ctx)
	if err != nil {
		return err
	}
	state, err := marshalStrippedState(lastState)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	s.clearMembership(batch, user, room)
	batch.Put(s.userRoomInvite, userRoomKey(user, room), state)
	batch.Put(s.roomUserInviteCount, roomUserKey(room, user), database.EncodeCounter(count))
	return batch.Commit(ctx)
}

func (s *Service) markLeft(ctx context.Context, user ref.UserID, room ref.RoomID, lastState []json.RawMessage) error {
	count, err := s.nextCount(ctx)
	if err != nil {
		return err
	}
	state, err := marshalStrippedState(lastState)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	s.clearMembership(batch, user, room)
	batch.Put(s.userRoomLeft, userRoomKey(user, room), state)
	batch.Put(s.roomUserLeftCount, roomUserKey(room, user), database.EncodeCounter(count))
	return batch.Commit(ctx)
}

func (s *Service) markKnocked(ctx context.Context, user ref.UserID, room ref.RoomID, lastState []json.RawMessage) error {
	count, err := s.nextCount(ctx)
	if err != nil {
		return err
	}
	state, err := marshalStrippedState(lastState)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	s.clearMembership(batch, user, room)
	batch.Put(s.userRoomKnocked, userRoomKey(user, room), state)
	batch.Put(s.roomUserKnockCount, roomUserKey(room, user), database.EncodeCounter(count))
	return batch.Commit(ctx)
}

func marshalStrippedState(lastState []json.RawMessage) ([]byte, error) {
	if lastState == nil {
		lastState = []json.RawMessage{}
	}
	state, err := json.Marshal(lastState)
	if err != nil {
		return nil, fmt.Errorf("rooms: stripped state: %w", err)
	}
	return state, nil
}

// ForgetRoom drops the user's leave record for the room. The room no
// longer appears in their sync at all.
func (s *Service) ForgetRoom(ctx context.Context, user ref.UserID, room ref.RoomID) error {
	batch := s.db.NewBatch()
	batch.Del(s.userRoomLeft, userRoomKey(user, room))
	batch.Del(s.roomUserLeftCount, roomUserKey(room, user))
	return batch.Commit(ctx)
}

// UpdateJoinedCount recomputes the room's member counts and
// resynchronizes the room <-> server maps that federation fan-out
// reads.
func (s *Service) UpdateJoinedCount(ctx context.Context, room ref.RoomID) error {
	var joined, invited uint64
	servers := map[ref.ServerName]bool{}

	roomPrefix := append([]byte(room.String()), database.Separator)
	err := s.roomUserJoined.ScanPrefix(ctx, roomPrefix, func(key, _ []byte) error {
		user, err := ref.ParseUserID(string(key[len(roomPrefix):]))
		if err != nil {
			return fmt.Errorf("rooms: joined member key: %w", err)
		}
		joined++
		servers[user.Server()] = true
		return nil
	})
	if err != nil {
		return err
	}
	err = s.roomUserInviteCount.ScanPrefix(ctx, roomPrefix, func(_, _ []byte) error {
		invited++
		return nil
	})
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	batch.Put(s.joinedCount, []byte(room.String()), database.EncodeCounter(joined))
	batch.Put(s.invitedCount, []byte(room.String()), database.EncodeCounter(invited))

	// Diff the server set rather than rewriting it so concurrent
	// readers see no gap.
	stale := map[ref.ServerName]bool{}
	err = s.roomServers.ScanPrefix(ctx, roomPrefix, func(key, _ []byte) error {
		server, err := ref.ParseServerName(string(key[len(roomPrefix):]))
		if err != nil {
			return fmt.Errorf("rooms: room server key: %w", err)
		}
		if !servers[server] {
			stale[server] = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	for server := range stale {
		batch.Del(s.roomServers, database.JoinKey([]byte(room.String()), []byte(server.String())))
		batch.Del(s.serverRooms, database.JoinKey([]byte(server.String()), []byte(room.String())))
	}
	for server := range servers {
		batch.Put(s.roomServers, database.JoinKey([]byte(room.String()), []byte(server.String())), nil)
		batch.Put(s.serverRooms, database.JoinKey([]byte(server.String()), []byte(room.String())), nil)
	}
	return batch.Commit(ctx)
}

// userIgnores reports whether user has sender on their ignore list.
func (s *Service) userIgnores(ctx context.Context, user, sender ref.UserID) (bool, error) {
	if !s.globals.UserIsLocal(user) {
		return false, nil
	}
	raw, err := s.users.AccountData(ctx, ref.RoomID{}, user, "m.ignored_user_list")
	if err != nil || raw == nil {
		return false, err
	}
	var content struct {
		IgnoredUsers map[string]json.RawMessage `json:"ignored_users"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return false, nil
	}
	_, ignored := content.IgnoredUsers[sender.String()]
	return ignored, nil
}

// IsJoined reports whether the user is currently joined to the room.
func (s *Service) IsJoined(ctx context.Context, user ref.UserID, room ref.RoomID) (bool, error) {
	return s.userRoomJoined.Has(ctx, userRoomKey(user, room))
}

// IsInvited reports whether the user has a pending invite to the room.
func (s *Service) IsInvited(ctx context.Context, user ref.UserID, room ref.RoomID) (bool, error) {
	return s.userRoomInvite.Has(ctx, userRoomKey(user, room))
}

// IsKnocked reports whether the user has a pending knock on the room.
func (s *Service) IsKnocked(ctx context.Context, user ref.UserID, room ref.RoomID) (bool, error) {
	return s.userRoomKnocked.Has(ctx, userRoomKey(user, room))
}

// IsLeft reports whether the user has left the room and not forgotten
// it.
func (s *Service) IsLeft(ctx context.Context, user ref.UserID, room ref.RoomID) (bool, error) {
	return s.userRoomLeft.Has(ctx, userRoomKey(user, room))
}

// OnceJoined reports whether the user was ever joined to the room.
func (s *Service) OnceJoined(ctx context.Context, user ref.UserID, room ref.RoomID) (bool, error) {
	return s.onceJoined.Has(ctx, roomUserKey(room, user))
}

// RoomsJoined lists the rooms the user is joined to.
func (s *Service) RoomsJoined(ctx context.Context, user ref.UserID) ([]ref.RoomID, error) {
	return s.userRoomList(ctx, s.userRoomJoined, user)
}

// MembershipRecord is one invite, knock, or leave entry with the
// stripped state stored at the transition and the count it happened
// at.
type MembershipRecord struct {
	Room  ref.RoomID
	State []json.RawMessage
	Count uint64
}

// RoomsInvited lists the user's pending invites.
func (s *Service) RoomsInvited(ctx context.Context, user ref.UserID) ([]MembershipRecord, error) {
	return s.membershipRecords(ctx, s.userRoomInvite, s.roomUserInviteCount, user)
}

// RoomsKnocked lists the user's pending knocks.
func (s *Service) RoomsKnocked(ctx context.Context, user ref.UserID) ([]MembershipRecord, error) {
	return s.membershipRecords(ctx, s.userRoomKnocked, s.roomUserKnockCount, user)
}

// RoomsLeft lists the rooms the user has left or been banned from.
func (s *Service) RoomsLeft(ctx context.Context, user ref.UserID) ([]MembershipRecord, error) {
	return s.membershipRecords(ctx, s.userRoomLeft, s.roomUserLeftCount, user)
}

func (s *Service) userRoomList(ctx context.Context, m *database.Map, user ref.UserID) ([]ref.RoomID, error) {
	prefix := append([]byte(user.String()), database.Separator)
	var rooms []ref.RoomID
	err := m.ScanPrefix(ctx, prefix, func(key, _ []byte) error {
		room, err := ref.ParseRoomID(string(key[len(prefix):]))
		if err != nil {
			return fmt.Errorf("rooms: user room key: %w", err)
		}
		rooms = append(rooms, room)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (s *Service) membershipRecords(ctx context.Context, stateMap, countMap *database.Map, user ref.UserID) ([]MembershipRecord, error) {
	prefix := append([]byte(user.String()), database.Separator)
	var records []MembershipRecord
	err := stateMap.ScanPrefix(ctx, prefix, func(key, value []byte) error {
		room, err := ref.ParseRoomID(string(key[len(prefix):]))
		if err != nil {
			return fmt.Errorf("rooms: user room key: %w", err)
		}
		record := MembershipRecord{Room: room}
		if len(value) > 0 {
			if err := json.Unmarshal(value, &record.State); err != nil {
				return fmt.Errorf("rooms: stripped state for %s: %w", room, err)
			}
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range records {
		value, err := countMap.Get(ctx, roomUserKey(records[i].Room, user))
		if err != nil {
			return nil, err
		}
		records[i].Count = database.CounterValue(value)
	}
	return records, nil
}

// InviteState returns the stripped state stored with the user's invite.
func (s *Service) InviteState(ctx context.Context, user ref.UserID, room ref.RoomID) ([]json.RawMessage, bool, error) {
	return s.storedStrippedState(ctx, s.userRoomInvite, user, room)
}

// LeftState returns the stripped state stored when the user left.
func (s *Service) LeftState(ctx context.Context, user ref.UserID, room ref.RoomID) ([]json.RawMessage, bool, error) {
	return s.storedStrippedState(ctx, s.userRoomLeft, user, room)
}

func (s *Service) storedStrippedState(ctx context.Context, m *database.Map, user ref.UserID, room ref.RoomID) ([]json.RawMessage, bool, error) {
	value, err := m.Get(ctx, userRoomKey(user, room))
	if err != nil || value == nil {
		return nil, false, err
	}
	var state []json.RawMessage
	if len(value) > 0 {
		if err := json.Unmarshal(value, &state); err != nil {
			return nil, false, fmt.Errorf("rooms: stripped state for %s: %w", room, err)
		}
	}
	return state, true, nil
}

// InviteCount returns the count at which the user's invite landed.
func (s *Service) InviteCount(ctx context.Context, room ref.RoomID, user ref.UserID) (uint64, error) {
	value, err := s.roomUserInviteCount.Get(ctx, roomUserKey(room, user))
	if err != nil {
		return 0, err
	}
	return database.CounterValue(value), nil
}

// LeftCount returns the count at which the user's leave landed.
func (s *Service) LeftCount(ctx context.Context, room ref.RoomID, user ref.UserID) (uint64, error) {
	value, err := s.roomUserLeftCount.Get(ctx, roomUserKey(room, user))
	if err != nil {
		return 0, err
	}
	return database.CounterValue(value), nil
}

// KnockCount returns the count at which the user's knock landed.
func (s *Service) KnockCount(ctx context.Context, room ref.RoomID, user ref.UserID) (uint64, error) {
	value, err := s.roomUserKnockCount.Get(ctx, roomUserKey(room, user))
	if err != nil {
		return 0, err
	}
	return database.CounterValue(value), nil
}

// RoomMembers lists the users joined to the room.
func (s *Service) RoomMembers(ctx context.Context, room ref.RoomID) ([]ref.UserID, error) {
	prefix := append([]byte(room.String()), database.Separator)
	var users []ref.UserID
	err := s.roomUserJoined.ScanPrefix(ctx, prefix, func(key, _ []byte) error {
		user, err := ref.ParseUserID(string(key[len(prefix):]))
		if err != nil {
			return fmt.Errorf("rooms: room member key: %w", err)
		}
		users = append(users, user)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// LocalMembers lists the local users joined to the room.
func (s *Service) LocalMembers(ctx context.Context, room ref.RoomID) ([]ref.UserID, error) {
	members, err := s.RoomMembers(ctx, room)
	if err != nil {
		return nil, err
	}
	local := members[:0]
	for _, user := range members {
		if s.globals.UserIsLocal(user) {
			local = append(local, user)
		}
	}
	return local, nil
}

// ActiveLocalMembers lists the local, non-deactivated users joined to
// the room.
func (s *Service) ActiveLocalMembers(ctx context.Context, room ref.RoomID) ([]ref.UserID, error) {
	members, err := s.LocalMembers(ctx, room)
	if err != nil {
		return nil, err
	}
	active := members[:0]
	for _, user := range members {
		if s.users.IsActiveLocal(ctx, user) {
			active = append(active, user)
		}
	}
	return active, nil
}

// JoinedCount returns the room's cached joined member count.
func (s *Service) JoinedCount(ctx context.Context, room ref.RoomID) (uint64, error) {
	value, err := s.joinedCount.Get(ctx, []byte(room.String()))
	if err != nil {
		return 0, err
	}
	return database.CounterValue(value), nil
}

// InvitedCount returns the room's cached invited member count.
func (s *Service) InvitedCount(ctx context.Context, room ref.RoomID) (uint64, error) {
	value, err := s.invitedCount.Get(ctx, []byte(room.String()))
	if err != nil {
		return 0, err
	}
	return database.CounterValue(value), nil
}

// RoomServers lists the servers with at least one member in the room.
func (s *Service) RoomServers(ctx context.Context, room ref.RoomID) ([]ref.ServerName, error) {
	prefix := append([]byte(room.String()), database.Separator)
	var servers []ref.ServerName
	err := s.roomServers.ScanPrefix(ctx, prefix, func(key, _ []byte) error {
		server, err := ref.ParseServerName(string(key[len(prefix):]))
		if err != nil {
			return fmt.Errorf("rooms: room server key: %w", err)
		}
		servers = append(servers, server)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return servers, nil
}

// ServerRooms lists the rooms a server shares with us.
func (s *Service) ServerRooms(ctx context.Context, server ref.ServerName) ([]ref.RoomID, error) {
	prefix := append([]byte(server.String()), database.Separator)
	var rooms []ref.RoomID
	err := s.serverRooms.ScanPrefix(ctx, prefix, func(key, _ []byte) error {
		room, err := ref.ParseRoomID(string(key[len(prefix):]))
		if err != nil {
			return fmt.Errorf("rooms: server room key: %w", err)
		}
		rooms = append(rooms, room)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// ServerInRoom reports whether the server has any member in the room.
func (s *Service) ServerInRoom(ctx context.Context, server ref.ServerName, room ref.RoomID) (bool, error) {
	return s.serverRooms.Has(ctx, database.JoinKey([]byte(server.String()), []byte(room.String())))
}

// ResetNotificationCounts zeroes the user's unread counters for the
// room. Called when the user sends a message or moves their read
// marker.
func (s *Service) ResetNotificationCounts(ctx context.Context, user ref.UserID, room ref.RoomID) error {
	batch := s.db.NewBatch()
	batch.Put(s.notificationCount, userRoomKey(user, room), database.EncodeCounter(0))
	batch.Put(s.highlightCount, userRoomKey(user, room), database.EncodeCounter(0))
	return batch.Commit(ctx)
}

// NotificationCount returns the user's unread notification count for
// the room.
func (s *Service) NotificationCount(ctx context.Context, user ref.UserID, room ref.RoomID) (uint64, error) {
	value, err := s.notificationCount.Get(ctx, userRoomKey(user, room))
	if err != nil {
		return 0, err
	}
	return database.CounterValue(value), nil
}

// HighlightCount returns the user's unread highlight count for the
// room.
func (s *Service) HighlightCount(ctx context.Context, user ref.UserID, room ref.RoomID) (uint64, error) {
	value, err := s.highlightCount.Get(ctx, userRoomKey(user, room))
	if err != nil {
		return 0, err
	}
	return database.CounterValue(value), nil
}
