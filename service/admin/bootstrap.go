// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/rooms"
)

// serverUserLevel keeps the server user above every admin it appoints,
// so no admin can demote or evict it through ordinary room moderation.
const serverUserLevel = 69420

// adminLevel is the power level granted to appointed admins.
const adminLevel = 100

// EnsureAdminRoom creates the server user account and the admin room
// on first run. Later runs find the alias already registered and do
// nothing. Call it before serving traffic and before --execute
// commands run.
func (s *Service) EnsureAdminRoom(ctx context.Context) error {
	_, ok, err := s.rooms.ResolveLocalAlias(ctx, s.globals.AdminAlias())
	if err != nil {
		return fmt.Errorf("admin: resolving admin alias: %w", err)
	}
	if ok {
		return nil
	}

	serverUser := s.globals.ServerUser()
	exists, err := s.users.Exists(ctx, serverUser)
	if err != nil {
		return err
	}
	if !exists {
		// The empty password stores a deactivated account: nobody can
		// log in as the server user unless EmergencyPassword reopens
		// it.
		if err := s.users.Create(ctx, serverUser, ""); err != nil {
			return fmt.Errorf("admin: creating server user: %w", err)
		}
	}

	room, _, err := s.rooms.CreateRoom(ctx, serverUser, s.globals.DefaultRoomVersion(), nil)
	if err != nil {
		return fmt.Errorf("admin: creating admin room: %w", err)
	}

	name := s.globals.ServerName().String()
	topic := fmt.Sprintf("Manage %s | Run commands prefixed with `%s` | Run `%s --help` for help",
		name, s.server.AdminCommandPrefix, s.server.AdminCommandPrefix)

	powerLevels, err := json.Marshal(map[string]any{
		"users": map[string]int{serverUser.String(): serverUserLevel},
	})
	if err != nil {
		return err
	}
	nameContent, err := json.Marshal(map[string]string{"name": name + " Admin Room"})
	if err != nil {
		return err
	}
	topicContent, err := json.Marshal(map[string]string{"topic": topic})
	if err != nil {
		return err
	}
	aliasContent, err := json.Marshal(map[string]string{"alias": s.globals.AdminAlias().String()})
	if err != nil {
		return err
	}

	serverKey := serverUser.String()
	emptyKey := ""
	steps := []rooms.PDUBuilder{
		{Type: matrix.TypeMember, StateKey: &serverKey, Content: json.RawMessage(`{"membership":"join"}`)},
		{Type: matrix.TypePowerLevels, StateKey: &emptyKey, Content: powerLevels},
		{Type: matrix.TypeJoinRules, StateKey: &emptyKey, Content: json.RawMessage(`{"join_rule":"invite"}`)},
		{Type: matrix.TypeHistoryVisibility, StateKey: &emptyKey, Content: json.RawMessage(`{"history_visibility":"shared"}`)},
		{Type: matrix.TypeGuestAccess, StateKey: &emptyKey, Content: json.RawMessage(`{"guest_access":"forbidden"}`)},
		{Type: matrix.TypeName, StateKey: &emptyKey, Content: nameContent},
		{Type: matrix.TypeTopic, StateKey: &emptyKey, Content: topicContent},
		{Type: matrix.TypeCanonicalAlias, StateKey: &emptyKey, Content: aliasContent},
		{Type: "org.matrix.room.preview_urls", StateKey: &emptyKey, Content: json.RawMessage(`{"disabled":true}`)},
	}
	for _, builder := range steps {
		if _, err := s.rooms.BuildAndAppend(ctx, builder, serverUser, room); err != nil {
			return fmt.Errorf("admin: furnishing admin room (%s): %w", builder.Type, err)
		}
	}

	if err := s.rooms.SetAlias(ctx, s.globals.AdminAlias(), room); err != nil {
		return fmt.Errorf("admin: registering admin alias: %w", err)
	}

	s.logger.Info("admin room created", "room", room.String())
	return nil
}

// MakeAdmin brings the user into the admin room, which is what grants
// server admin rights. Local users are joined immediately; remote
// users are left with the invite. The new admin's power level rises
// above the room defaults but stays below the server user's.
func (s *Service) MakeAdmin(ctx context.Context, user ref.UserID) error {
	room, ok, err := s.AdminRoom(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("admin: no admin room exists")
	}

	joined, err := s.rooms.IsJoined(ctx, user, room)
	if err != nil {
		return err
	}
	if joined {
		return fmt.Errorf("admin: %s is already an admin", user)
	}
	invited, err := s.rooms.IsInvited(ctx, user, room)
	if err != nil {
		return err
	}
	if invited {
		return fmt.Errorf("admin: %s already has a pending admin invite", user)
	}

	serverUser := s.globals.ServerUser()
	targetKey := user.String()
	_, err = s.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
		Type:     matrix.TypeMember,
		StateKey: &targetKey,
		Content:  json.RawMessage(`{"membership":"invite"}`),
	}, serverUser, room)
	if err != nil {
		return fmt.Errorf("admin: inviting %s: %w", user, err)
	}

	if s.globals.UserIsLocal(user) {
		_, err = s.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
			Type:     matrix.TypeMember,
			StateKey: &targetKey,
			Content:  json.RawMessage(`{"membership":"join"}`),
		}, user, room)
		if err != nil {
			return fmt.Errorf("admin: joining %s: %w", user, err)
		}
	}

	if err := s.raiseLevel(ctx, room, user); err != nil {
		return err
	}

	notice := fmt.Sprintf("Granted %s server admin privileges.\n\n"+
		"For a list of available commands, send `%s --help` in this room.",
		user, s.server.AdminCommandPrefix)
	if err := s.Notice(ctx, notice); err != nil {
		s.logger.Error("posting admin grant notice", "user", user.String(), "error", err)
	}

	s.logger.Info("granted admin privileges", "user", user.String())
	return nil
}

// raiseLevel rewrites the admin room's power levels with the user at
// adminLevel. The current content is edited in place so unrelated
// keys survive.
func (s *Service) raiseLevel(ctx context.Context, room ref.RoomID, user ref.UserID) error {
	current, err := s.rooms.RoomStateGet(ctx, room, matrix.TypePowerLevels, "")
	if err != nil {
		return err
	}
	content := map[string]any{}
	if current != nil {
		if err := json.Unmarshal(current.Content, &content); err != nil {
			return fmt.Errorf("admin: decoding power levels: %w", err)
		}
	}
	levels, _ := content["users"].(map[string]any)
	if levels == nil {
		levels = map[string]any{}
	}
	levels[user.String()] = adminLevel
	content["users"] = levels

	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	emptyKey := ""
	_, err = s.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
		Type:     matrix.TypePowerLevels,
		StateKey: &emptyKey,
		Content:  raw,
	}, s.globals.ServerUser(), room)
	if err != nil {
		return fmt.Errorf("admin: raising power level for %s: %w", user, err)
	}
	return nil
}

// protectAdminRoom is the build check guarding the server user's seat
// in the admin room: no admin can remove it or demote it, because a
// server without a working admin room cannot be administrated.
func (s *Service) protectAdminRoom(ctx context.Context, pdu *matrix.PDU) error {
	room, ok, err := s.AdminRoom(ctx)
	if err != nil || !ok || pdu.RoomID != room {
		return nil
	}
	serverUser := s.globals.ServerUser()
	if pdu.Sender == serverUser {
		return nil
	}

	switch pdu.Type {
	case matrix.TypeMember:
		if pdu.StateKeyValue() != serverUser.String() {
			return nil
		}
		return matrix.Forbidden("the server user cannot be removed from the admin room")

	case matrix.TypePowerLevels:
		rules, err := s.rooms.RoomRules(ctx, room)
		if err != nil {
			return err
		}
		levels, err := matrix.ParsePowerLevels(pdu.Content, rules.Authorization)
		if err != nil {
			return matrix.BadJSON("power levels: %v", err)
		}
		proposed, ok := levels.Users[serverUser]
		if !ok {
			proposed = levels.UsersDefault
		}
		current, err := s.rooms.UserPowerLevel(ctx, room, serverUser)
		if err != nil {
			return err
		}
		if proposed < current {
			return matrix.Forbidden("the server user cannot be demoted in the admin room")
		}
	}
	return nil
}
