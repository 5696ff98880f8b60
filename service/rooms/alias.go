// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// SetAlias points a local alias at a room. An alias already pointing
// at a different room is a conflict.
func (s *Service) SetAlias(ctx context.Context, alias ref.RoomAlias, room ref.RoomID) error {
	if !s.globals.ServerIsOurs(alias.Server()) {
		return matrix.InvalidParam("alias %s does not belong to this server", alias)
	}
	existing, err := s.aliasRoom.Get(ctx, []byte(alias.String()))
	if err != nil {
		return err
	}
	if existing != nil {
		if string(existing) == room.String() {
			return nil
		}
		return matrix.NewError(http.StatusConflict, matrix.ErrCodeRoomInUse, "alias %s is taken", alias)
	}
	count, err := s.nextCount(ctx)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Put(s.aliasRoom, []byte(alias.String()), []byte(room.String()))
	batch.Put(s.aliasIndex, database.JoinKey([]byte(room.String()), database.EncodeCounter(count)), []byte(alias.String()))
	return batch.Commit(ctx)
}

// RemoveAlias deletes a local alias after checking that the user may:
// removal takes the power to send m.room.canonical_alias in the room
// the alias points at. force skips the check for admin use.
func (s *Service) RemoveAlias(ctx context.Context, alias ref.RoomAlias, user ref.UserID, force bool) error {
	room, ok, err := s.ResolveLocalAlias(ctx, alias)
	if err != nil {
		return err
	}
	if !ok {
		return matrix.NotFound("alias %s is not set", alias)
	}
	if !force {
		level, err := s.UserPowerLevel(ctx, room, user)
		if err != nil {
			return err
		}
		pl, err := s.RoomPowerLevels(ctx, room)
		if err != nil {
			return err
		}
		required := pl.StateDefault
		if override, ok := pl.Events[matrix.TypeCanonicalAlias]; ok {
			required = override
		}
		if level < required {
			return matrix.Forbidden("user %s may not remove alias %s", user, alias)
		}
	}

	batch := s.db.NewBatch()
	batch.Del(s.aliasRoom, []byte(alias.String()))
	prefix := append([]byte(room.String()), database.Separator)
	err = s.aliasIndex.ScanPrefix(ctx, prefix, func(key, value []byte) error {
		if string(value) == alias.String() {
			batch.Del(s.aliasIndex, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return batch.Commit(ctx)
}

// ResolveLocalAlias looks up an alias served by this server.
func (s *Service) ResolveLocalAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, bool, error) {
	value, err := s.aliasRoom.Get(ctx, []byte(alias.String()))
	if err != nil || value == nil {
		return ref.RoomID{}, false, err
	}
	room, err := ref.ParseRoomID(string(value))
	if err != nil {
		return ref.RoomID{}, false, fmt.Errorf("rooms: stored alias target: %w", err)
	}
	return room, true, nil
}

// LocalAliasesForRoom lists this server's aliases for the room.
func (s *Service) LocalAliasesForRoom(ctx context.Context, room ref.RoomID) ([]ref.RoomAlias, error) {
	prefix := append([]byte(room.String()), database.Separator)
	var aliases []ref.RoomAlias
	err := s.aliasIndex.ScanPrefix(ctx, prefix, func(_, value []byte) error {
		alias, err := ref.ParseRoomAlias(string(value))
		if err != nil {
			return fmt.Errorf("rooms: stored alias: %w", err)
		}
		aliases = append(aliases, alias)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return aliases, nil
}

// ResolveAlias resolves an alias to a room, asking the alias's server
// over federation when it is not ours. The returned servers are
// candidates for joining the room through.
func (s *Service) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, []ref.ServerName, error) {
	if s.globals.ServerIsOurs(alias.Server()) {
		room, ok, err := s.ResolveLocalAlias(ctx, alias)
		if err != nil {
			return ref.RoomID{}, nil, err
		}
		if !ok {
			return ref.RoomID{}, nil, matrix.NotFound("alias %s not found", alias)
		}
		return room, []ref.ServerName{s.globals.ServerName()}, nil
	}

	var response struct {
		RoomID  ref.RoomID       `json:"room_id"`
		Servers []ref.ServerName `json:"servers"`
	}
	path := "/_matrix/federation/v1/query/directory?room_alias=" + url.QueryEscape(alias.String())
	if err := s.fed.Get(ctx, alias.Server(), path, &response); err != nil {
		return ref.RoomID{}, nil, fmt.Errorf("rooms: resolving %s: %w", alias, err)
	}
	if response.RoomID.IsZero() {
		return ref.RoomID{}, nil, matrix.NotFound("alias %s not found", alias)
	}
	servers := response.Servers
	if len(servers) == 0 {
		servers = []ref.ServerName{alias.Server()}
	}
	return response.RoomID, servers, nil
}
