// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// roomListPageSize bounds one page of "room list" output. Replies are
// Matrix events and events have a size ceiling.
const roomListPageSize = 100

func (s *Service) roomCommand() *Command {
	return &Command{
		Name:    "room",
		Summary: "inspect and moderate rooms",
		Subcommands: []*Command{
			{
				Name:    "list",
				Summary: "list rooms by member count",
				Usage:   "room list [page]",
				Run:     s.cmdRoomList,
			},
			{
				Name:    "info",
				Summary: "show a room's metadata",
				Usage:   "room info <room_id_or_alias>",
				Run:     s.cmdRoomInfo,
			},
			{
				Name:    "disable",
				Summary: "stop federating a room",
				Usage:   "room disable <room_id_or_alias>",
				Run:     s.cmdRoomDisable,
			},
			{
				Name:    "enable",
				Summary: "resume federating a room",
				Usage:   "room enable <room_id_or_alias>",
				Run:     s.cmdRoomEnable,
			},
			{
				Name:    "ban",
				Summary: "ban a room: local joins blocked, remote events dropped",
				Usage:   "room ban <room_id_or_alias>",
				Run:     s.cmdRoomBan,
			},
			{
				Name:    "unban",
				Summary: "lift a room ban",
				Usage:   "room unban <room_id_or_alias>",
				Run:     s.cmdRoomUnban,
			},
			{
				Name:    "banned",
				Summary: "list banned rooms",
				Run:     s.cmdRoomBanned,
			},
			{
				Name:    "alias",
				Summary: "manage local room aliases",
				Subcommands: []*Command{
					{
						Name:    "set",
						Summary: "point a local alias at a room",
						Usage:   "room alias set <alias> <room_id>",
						Run:     s.cmdAliasSet,
					},
					{
						Name:    "remove",
						Summary: "delete a local alias",
						Usage:   "room alias remove <alias>",
						Run:     s.cmdAliasRemove,
					},
				},
			},
		},
	}
}

// roomArg resolves a room id or a local alias.
func (s *Service) roomArg(cctx *Context, arg string) (ref.RoomID, error) {
	if strings.HasPrefix(arg, "#") {
		alias, err := ref.ParseRoomAlias(arg)
		if err != nil {
			return ref.RoomID{}, fmt.Errorf("invalid alias %q: %v", arg, err)
		}
		room, ok, err := s.rooms.ResolveLocalAlias(cctx, alias)
		if err != nil {
			return ref.RoomID{}, err
		}
		if !ok {
			return ref.RoomID{}, fmt.Errorf("alias %s is not set on this server", alias)
		}
		return room, nil
	}
	room, err := ref.ParseRoomID(arg)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("invalid room id %q: %v", arg, err)
	}
	return room, nil
}

// roomName returns the room's m.room.name, or "" when unset.
func (s *Service) roomName(cctx *Context, room ref.RoomID) string {
	event, err := s.rooms.RoomStateGet(cctx, room, matrix.TypeName, "")
	if err != nil || event == nil {
		return ""
	}
	var content struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return ""
	}
	return content.Name
}

func (s *Service) cmdRoomList(cctx *Context, args []string) error {
	page := 1
	if len(args) == 1 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed < 1 {
			return fmt.Errorf("invalid page %q", args[0])
		}
		page = parsed
	} else if len(args) > 1 {
		return fmt.Errorf("usage: room list [page]")
	}

	all, err := s.rooms.AllRooms(cctx)
	if err != nil {
		return err
	}

	type entry struct {
		room    ref.RoomID
		members uint64
		name    string
	}
	entries := make([]entry, 0, len(all))
	for _, room := range all {
		members, err := s.rooms.JoinedCount(cctx, room)
		if err != nil {
			return err
		}
		entries = append(entries, entry{room: room, members: members, name: s.roomName(cctx, room)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].members > entries[j].members })

	start := (page - 1) * roomListPageSize
	if start >= len(entries) {
		return fmt.Errorf("no more rooms")
	}
	end := min(start+roomListPageSize, len(entries))
	pageEntries := entries[start:end]

	cctx.Printf("Rooms (%d):\n```\n", len(pageEntries))
	for _, e := range pageEntries {
		cctx.Printf("%s\tMembers: %d\tName: %s\n", e.room, e.members, e.name)
	}
	cctx.Printf("```\n")
	return nil
}

func (s *Service) cmdRoomInfo(cctx *Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: room info <room_id_or_alias>")
	}
	room, err := s.roomArg(cctx, args[0])
	if err != nil {
		return err
	}
	exists, err := s.rooms.RoomExists(cctx, room)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("room %s is unknown to this server", room)
	}

	version, err := s.rooms.RoomVersion(cctx, room)
	if err != nil {
		return err
	}
	joined, err := s.rooms.JoinedCount(cctx, room)
	if err != nil {
		return err
	}
	invited, err := s.rooms.InvitedCount(cctx, room)
	if err != nil {
		return err
	}
	locals, err := s.rooms.LocalMembers(cctx, room)
	if err != nil {
		return err
	}
	servers, err := s.rooms.RoomServers(cctx, room)
	if err != nil {
		return err
	}
	aliases, err := s.rooms.LocalAliasesForRoom(cctx, room)
	if err != nil {
		return err
	}
	disabled, err := s.rooms.IsDisabled(cctx, room)
	if err != nil {
		return err
	}
	banned, err := s.rooms.IsBanned(cctx, room)
	if err != nil {
		return err
	}
	public, err := s.rooms.IsPublic(cctx, room)
	if err != nil {
		return err
	}

	aliasStrs := make([]string, len(aliases))
	for i, alias := range aliases {
		aliasStrs[i] = alias.String()
	}

	cctx.Printf("Room %s:\n```\n", room)
	cctx.Printf("Name:            %s\n", s.roomName(cctx, room))
	cctx.Printf("Version:         %s\n", version)
	cctx.Printf("Joined members:  %d (%d local)\n", joined, len(locals))
	cctx.Printf("Invited members: %d\n", invited)
	cctx.Printf("Servers:         %d\n", len(servers))
	cctx.Printf("Aliases:         %s\n", strings.Join(aliasStrs, " "))
	cctx.Printf("Public:          %t\n", public)
	cctx.Printf("Disabled:        %t\n", disabled)
	cctx.Printf("Banned:          %t\n", banned)
	cctx.Printf("```\n")
	return nil
}

func (s *Service) cmdRoomDisable(cctx *Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: room disable <room_id_or_alias>")
	}
	room, err := s.roomArg(cctx, args[0])
	if err != nil {
		return err
	}
	if err := s.rooms.DisableRoom(cctx, room, true); err != nil {
		return err
	}
	cctx.Printf("Room disabled.\n")
	return nil
}

func (s *Service) cmdRoomEnable(cctx *Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: room enable <room_id_or_alias>")
	}
	room, err := s.roomArg(cctx, args[0])
	if err != nil {
		return err
	}
	if err := s.rooms.DisableRoom(cctx, room, false); err != nil {
		return err
	}
	cctx.Printf("Room enabled.\n")
	return nil
}

func (s *Service) cmdRoomBan(cctx *Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: room ban <room_id_or_alias>")
	}
	room, err := s.roomArg(cctx, args[0])
	if err != nil {
		return err
	}
	if err := s.rooms.BanRoom(cctx, room, true); err != nil {
		return err
	}
	cctx.Printf("Room banned.\n")
	return nil
}

func (s *Service) cmdRoomUnban(cctx *Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: room unban <room_id_or_alias>")
	}
	room, err := s.roomArg(cctx, args[0])
	if err != nil {
		return err
	}
	if err := s.rooms.BanRoom(cctx, room, false); err != nil {
		return err
	}
	cctx.Printf("Room unbanned.\n")
	return nil
}

func (s *Service) cmdRoomBanned(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: room banned")
	}
	banned, err := s.rooms.BannedRooms(cctx)
	if err != nil {
		return err
	}
	cctx.Printf("Banned rooms (%d):\n```\n", len(banned))
	for _, room := range banned {
		cctx.Printf("%s\n", room)
	}
	cctx.Printf("```\n")
	return nil
}

func (s *Service) cmdAliasSet(cctx *Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: room alias set <alias> <room_id>")
	}
	alias, err := ref.ParseRoomAlias(args[0])
	if err != nil {
		return fmt.Errorf("invalid alias %q: %v", args[0], err)
	}
	room, err := ref.ParseRoomID(args[1])
	if err != nil {
		return fmt.Errorf("invalid room id %q: %v", args[1], err)
	}
	if err := s.rooms.SetAlias(cctx, alias, room); err != nil {
		return err
	}
	cctx.Printf("Successfully set alias.\n")
	return nil
}

func (s *Service) cmdAliasRemove(cctx *Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: room alias remove <alias>")
	}
	alias, err := ref.ParseRoomAlias(args[0])
	if err != nil {
		return fmt.Errorf("invalid alias %q: %v", args[0], err)
	}
	room, ok, err := s.rooms.ResolveLocalAlias(cctx, alias)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("alias isn't in use")
	}
	if err := s.rooms.RemoveAlias(cctx, alias, s.globals.ServerUser(), true); err != nil {
		return err
	}
	cctx.Printf("Removed alias from %s\n", room)
	return nil
}
