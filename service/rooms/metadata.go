// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"fmt"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// RoomExists reports whether the server holds state for the room. A
// room exists once its first state snapshot lands, which happens on
// creation for local rooms and on join for remote ones.
func (s *Service) RoomExists(ctx context.Context, room ref.RoomID) (bool, error) {
	ok, err := s.roomStateHash.Has(ctx, []byte(room.String()))
	if err != nil {
		return false, fmt.Errorf("rooms: room exists: %w", err)
	}
	return ok, nil
}

// CreateEvent returns the room's m.room.create event, or nil when the
// room is unknown.
func (s *Service) CreateEvent(ctx context.Context, room ref.RoomID) (*matrix.PDU, error) {
	return s.RoomStateGet(ctx, room, matrix.TypeCreate, "")
}

// RoomVersion returns the room's version from its create event.
func (s *Service) RoomVersion(ctx context.Context, room ref.RoomID) (matrix.RoomVersion, error) {
	create, err := s.CreateEvent(ctx, room)
	if err != nil {
		return "", err
	}
	if create == nil {
		return "", matrix.NotFound("room %s is unknown to this server", room)
	}
	return matrix.RoomVersionFromCreate(create)
}

// RoomRules returns the rule tables for the room's version.
func (s *Service) RoomRules(ctx context.Context, room ref.RoomID) (matrix.Rules, error) {
	version, err := s.RoomVersion(ctx, room)
	if err != nil {
		return matrix.Rules{}, err
	}
	return matrix.RulesFor(version)
}

// DisableRoom stops federation for the room: incoming events are
// rejected and nothing is sent out for it.
func (s *Service) DisableRoom(ctx context.Context, room ref.RoomID, disabled bool) error {
	if disabled {
		return s.disabledRooms.Put(ctx, []byte(room.String()), nil)
	}
	return s.disabledRooms.Del(ctx, []byte(room.String()))
}

// IsDisabled reports whether federation is disabled for the room.
func (s *Service) IsDisabled(ctx context.Context, room ref.RoomID) (bool, error) {
	return s.disabledRooms.Has(ctx, []byte(room.String()))
}

// BanRoom marks the room banned. Local users cannot join a banned
// room and remote events for it are dropped.
func (s *Service) BanRoom(ctx context.Context, room ref.RoomID, banned bool) error {
	if banned {
		return s.bannedRooms.Put(ctx, []byte(room.String()), nil)
	}
	return s.bannedRooms.Del(ctx, []byte(room.String()))
}

// IsBanned reports whether the room is banned.
func (s *Service) IsBanned(ctx context.Context, room ref.RoomID) (bool, error) {
	return s.bannedRooms.Has(ctx, []byte(room.String()))
}

// BannedRooms lists all banned rooms.
func (s *Service) BannedRooms(ctx context.Context) ([]ref.RoomID, error) {
	var rooms []ref.RoomID
	err := s.bannedRooms.ScanPrefix(ctx, nil, func(key, _ []byte) error {
		room, err := ref.ParseRoomID(string(key))
		if err != nil {
			return fmt.Errorf("rooms: banned room key: %w", err)
		}
		rooms = append(rooms, room)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// AllRooms lists every room the server has allocated storage for,
// which is every room it ever held an event in.
func (s *Service) AllRooms(ctx context.Context) ([]ref.RoomID, error) {
	var rooms []ref.RoomID
	err := s.roomIDShort.ScanPrefix(ctx, nil, func(key, _ []byte) error {
		room, err := ref.ParseRoomID(string(key))
		if err != nil {
			return fmt.Errorf("rooms: room id key: %w", err)
		}
		rooms = append(rooms, room)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// SetPublic publishes or unpublishes the room in the room directory.
func (s *Service) SetPublic(ctx context.Context, room ref.RoomID, public bool) error {
	if public {
		return s.publicRooms.Put(ctx, []byte(room.String()), nil)
	}
	return s.publicRooms.Del(ctx, []byte(room.String()))
}

// IsPublic reports whether the room is in the public directory.
func (s *Service) IsPublic(ctx context.Context, room ref.RoomID) (bool, error) {
	return s.publicRooms.Has(ctx, []byte(room.String()))
}

// PublicRooms lists the rooms published in the directory.
func (s *Service) PublicRooms(ctx context.Context) ([]ref.RoomID, error) {
	var rooms []ref.RoomID
	err := s.publicRooms.ScanPrefix(ctx, nil, func(key, _ []byte) error {
		room, err := ref.ParseRoomID(string(key))
		if err != nil {
			return fmt.Errorf("rooms: public room key: %w", err)
		}
		rooms = append(rooms, room)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}
