// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/rooms"
	"github.com/tototomate123/tuwunel/service/users"
)

func (s *Service) userCommand() *Command {
	return &Command{
		Name:    "user",
		Summary: "manage local user accounts",
		Subcommands: []*Command{
			{
				Name:    "create",
				Summary: "register a new local account",
				Usage:   "user create <localpart> [password]",
				Examples: []Example{
					{Description: "Create a user with a generated password", Command: "user create alice"},
				},
				Run: s.cmdUserCreate,
			},
			{
				Name:    "deactivate",
				Summary: "deactivate an account and log out its devices",
				Usage:   "user deactivate [--no-leave-rooms] <user_id>",
				Flags: func() *pflag.FlagSet {
					fs := pflag.NewFlagSet("deactivate", pflag.ContinueOnError)
					fs.Bool("no-leave-rooms", false, "keep the account's room memberships")
					return fs
				},
				Run: s.cmdUserDeactivate,
			},
			{
				Name:    "reset-password",
				Summary: "set or generate a new password for an account",
				Usage:   "user reset-password <user_id> [password]",
				Run:     s.cmdUserResetPassword,
			},
			{
				Name:    "list",
				Summary: "list all local accounts",
				Run:     s.cmdUserList,
			},
			{
				Name:    "admins",
				Summary: "list server admins, or grant admin to a user",
				Usage:   "user admins [user_id]",
				Description: "Without arguments, lists the members of the admin room.\n" +
					"With a user id, invites that user into the admin room, which\n" +
					"grants them server admin rights.",
				Run: s.cmdUserAdmins,
			},
		},
	}
}

// localUser resolves a bare localpart or a full user id to a local
// user.
func (s *Service) localUser(arg string) (ref.UserID, error) {
	raw := arg
	if !strings.HasPrefix(raw, "@") {
		raw = "@" + raw + ":" + s.globals.ServerName().String()
	}
	user, err := ref.ParseUserID(raw)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("invalid user id %q: %v", arg, err)
	}
	if !s.globals.UserIsLocal(user) {
		return ref.UserID{}, fmt.Errorf("%s is not a user on this server", user)
	}
	return user, nil
}

func (s *Service) cmdUserCreate(cctx *Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: user create <localpart> [password]")
	}
	user, err := s.localUser(args[0])
	if err != nil {
		return err
	}
	if s.globals.ForbiddenUsername(user.Localpart()) {
		return fmt.Errorf("username %q is not allowed on this server", user.Localpart())
	}
	exists, err := s.users.Exists(cctx, user)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("user %s already exists", user)
	}

	password := ""
	if len(args) == 2 {
		password = args[1]
	} else {
		password, err = users.NewToken()
		if err != nil {
			return err
		}
	}

	if err := s.users.Create(cctx, user, password); err != nil {
		return err
	}
	if err := s.users.SetDisplayname(cctx, user, user.Localpart()); err != nil {
		return err
	}
	if err := s.users.SetAccountData(cctx, ref.RoomID{}, user, "m.push_rules",
		users.DefaultPushRules(user)); err != nil {
		return err
	}

	// The first account on the server becomes an admin.
	if room, ok, err := s.AdminRoom(cctx); err == nil && ok {
		count, err := s.rooms.JoinedCount(cctx, room)
		if err == nil && count == 1 {
			if err := s.MakeAdmin(cctx, user); err != nil {
				s.logger.Error("granting first user admin", "user", user.String(), "error", err)
			}
		}
	}

	cctx.Printf("Created user with user_id: %s and password: `%s`\n", user, password)
	return nil
}

func (s *Service) cmdUserDeactivate(cctx *Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: user deactivate [--no-leave-rooms] <user_id>")
	}
	user, err := s.localUser(args[0])
	if err != nil {
		return err
	}
	if user == s.globals.ServerUser() {
		return fmt.Errorf("not allowed to deactivate the server service account")
	}
	if err := s.users.Deactivate(cctx, user); err != nil {
		return err
	}

	// Without the flag, deactivation leaves every joined room so the
	// account stops counting toward member totals.
	keepRooms, _ := cctx.Flags.GetBool("no-leave-rooms")
	if !keepRooms {
		if err := s.leaveAllRooms(cctx, user); err != nil {
			s.logger.Error("leaving rooms on deactivation", "user", user.String(), "error", err)
		}
	}

	cctx.Printf("User %s has been deactivated\n", user)
	return nil
}

// leaveAllRooms builds a leave event in every room the user is joined
// to. Rooms where the leave fails are skipped; the deactivation
// itself already succeeded.
func (s *Service) leaveAllRooms(cctx *Context, user ref.UserID) error {
	joined, err := s.rooms.RoomsJoined(cctx, user)
	if err != nil {
		return err
	}
	stateKey := user.String()
	for _, room := range joined {
		_, err := s.rooms.BuildAndAppend(cctx, rooms.PDUBuilder{
			Type:     matrix.TypeMember,
			StateKey: &stateKey,
			Content:  json.RawMessage(`{"membership":"leave"}`),
		}, user, room)
		if err != nil {
			s.logger.Warn("leave on deactivation failed",
				"user", user.String(), "room", room.String(), "error", err)
		}
	}
	return nil
}

func (s *Service) cmdUserResetPassword(cctx *Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: user reset-password <user_id> [password]")
	}
	user, err := s.localUser(args[0])
	if err != nil {
		return err
	}
	if user == s.globals.ServerUser() {
		return fmt.Errorf("not allowed to set the password for the server account; use the emergency_password config option")
	}

	password := ""
	if len(args) == 2 {
		password = args[1]
	} else {
		password, err = users.NewToken()
		if err != nil {
			return err
		}
	}
	if err := s.users.SetPassword(cctx, user, password); err != nil {
		return fmt.Errorf("could not reset the password for %s: %w", user, err)
	}
	cctx.Printf("Successfully reset the password for user %s: `%s`\n", user, password)
	return nil
}

func (s *Service) cmdUserList(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: user list")
	}
	list, err := s.users.ListLocal(cctx)
	if err != nil {
		return err
	}
	cctx.Printf("Found %d local user account(s):\n```\n", len(list))
	for _, user := range list {
		cctx.Printf("%s\n", user)
	}
	cctx.Printf("```\n")
	return nil
}

func (s *Service) cmdUserAdmins(cctx *Context, args []string) error {
	switch len(args) {
	case 0:
		room, ok, err := s.AdminRoom(cctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no admin room exists")
		}
		members, err := s.rooms.RoomMembers(cctx, room)
		if err != nil {
			return err
		}
		cctx.Printf("Server admins (%d):\n```\n", len(members))
		for _, member := range members {
			cctx.Printf("%s\n", member)
		}
		cctx.Printf("```\n")
		return nil

	case 1:
		user, err := ref.ParseUserID(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id %q: %v", args[0], err)
		}
		if err := s.MakeAdmin(cctx, user); err != nil {
			return err
		}
		cctx.Printf("Granted %s server admin privileges.\n", user)
		return nil

	default:
		return fmt.Errorf("usage: user admins [user_id]")
	}
}
