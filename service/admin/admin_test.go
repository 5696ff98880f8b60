// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package admin_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/admin"
	"github.com/tototomate123/tuwunel/service/appservice"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/resolver"
	"github.com/tototomate123/tuwunel/service/rooms"
	"github.com/tototomate123/tuwunel/service/serverkeys"
	"github.com/tototomate123/tuwunel/service/users"
)

type fixture struct {
	admin      *admin.Service
	rooms      *rooms.Service
	users      *users.Service
	globals    *globals.Service
	keys       *serverkeys.Service
	appservice *appservice.Service
	server     *config.Config
	clock      *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	engine, err := database.Open(context.Background(), database.Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: 4,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := engine.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	cfg := config.Default()
	cfg.ServerName = "test.example"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := clock.Fake(time.Unix(1_700_000_000, 0))

	g, err := globals.New(context.Background(), globals.Config{
		DB:     engine,
		Server: cfg,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("globals.New: %v", err)
	}
	u := users.New(users.Config{DB: engine, Globals: g, Logger: logger})
	res := resolver.New(resolver.Config{DB: engine, Logger: logger})
	fed := federation.New(federation.Config{
		Server:   cfg,
		Globals:  g,
		Resolver: res,
		Logger:   logger,
	})
	keys, err := serverkeys.New(serverkeys.Config{
		DB:         engine,
		Server:     cfg,
		Globals:    g,
		Federation: fed,
		Logger:     logger,
		Clock:      fake,
	})
	if err != nil {
		t.Fatalf("serverkeys.New: %v", err)
	}
	r := rooms.New(rooms.Config{
		DB:         engine,
		Server:     cfg,
		Globals:    g,
		Users:      u,
		Keys:       keys,
		Federation: fed,
		Logger:     logger,
		Clock:      fake,
	})
	asvc := appservice.New(appservice.Config{
		DB:      engine,
		Server:  cfg,
		Globals: g,
		Logger:  logger,
	})
	a := admin.New(admin.Config{
		DB:         engine,
		Server:     cfg,
		Globals:    g,
		Users:      u,
		Rooms:      r,
		Appservice: asvc,
		Keys:       keys,
		Federation: fed,
		Logger:     logger,
		Clock:      fake,
	})

	return &fixture{
		admin:      a,
		rooms:      r,
		users:      u,
		globals:    g,
		keys:       keys,
		appservice: asvc,
		server:     cfg,
		clock:      fake,
	}
}

func user(t *testing.T, id string) ref.UserID {
	t.Helper()
	u, err := ref.ParseUserID(id)
	if err != nil {
		t.Fatalf("ParseUserID(%q): %v", id, err)
	}
	return u
}

// bootstrap creates the admin room and registers the first account,
// which becomes a server admin automatically.
func (f *fixture) bootstrap(t *testing.T) ref.UserID {
	t.Helper()
	if err := f.admin.EnsureAdminRoom(context.Background()); err != nil {
		t.Fatalf("EnsureAdminRoom: %v", err)
	}
	reply := f.admin.Process(context.Background(), "user create alice")
	if !strings.Contains(reply, "Created user") {
		t.Fatalf("user create alice: %q", reply)
	}
	return user(t, "@alice:test.example")
}

// adminRoom resolves the admin room, failing the test when it does not
// exist.
func (f *fixture) adminRoom(t *testing.T) ref.RoomID {
	t.Helper()
	room, ok, err := f.admin.AdminRoom(context.Background())
	if err != nil {
		t.Fatalf("AdminRoom: %v", err)
	}
	if !ok {
		t.Fatal("AdminRoom: no admin room")
	}
	return room
}

func (f *fixture) joinRoom(t *testing.T, room ref.RoomID, u ref.UserID) {
	t.Helper()
	sk := u.String()
	_, err := f.rooms.BuildAndAppend(context.Background(), rooms.PDUBuilder{
		Type:     matrix.TypeMember,
		StateKey: &sk,
		Content:  json.RawMessage(`{"membership":"join"}`),
	}, u, room)
	if err != nil {
		t.Fatalf("join %s -> %s: %v", u, room, err)
	}
}

// run processes an admin command and fails the test when the reply
// reports an error.
func (f *fixture) run(t *testing.T, command string) string {
	t.Helper()
	reply := f.admin.Process(context.Background(), command)
	if strings.Contains(reply, "Error:") {
		t.Fatalf("%s: %q", command, reply)
	}
	return reply
}

func wantContains(t *testing.T, reply string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(reply, want) {
			t.Errorf("reply does not mention %q:\n%s", want, reply)
		}
	}
}

func TestEnsureAdminRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.admin.EnsureAdminRoom(ctx); err != nil {
		t.Fatalf("EnsureAdminRoom: %v", err)
	}
	room := f.adminRoom(t)

	serverUser := f.globals.ServerUser()
	joined, err := f.rooms.IsJoined(ctx, serverUser, room)
	if err != nil {
		t.Fatalf("IsJoined: %v", err)
	}
	if !joined {
		t.Error("server user is not joined to the admin room")
	}

	joinRules, err := f.rooms.RoomStateGet(ctx, room, matrix.TypeJoinRules, "")
	if err != nil || joinRules == nil {
		t.Fatalf("join rules state: %v (pdu %v)", err, joinRules)
	}
	var jr struct {
		JoinRule string `json:"join_rule"`
	}
	if err := json.Unmarshal(joinRules.Content, &jr); err != nil {
		t.Fatalf("join rules content: %v", err)
	}
	if jr.JoinRule != "invite" {
		t.Errorf("join rule = %q, want invite", jr.JoinRule)
	}

	name, err := f.rooms.RoomStateGet(ctx, room, matrix.TypeName, "")
	if err != nil || name == nil {
		t.Fatalf("name state: %v (pdu %v)", err, name)
	}
	var nm struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(name.Content, &nm); err != nil {
		t.Fatalf("name content: %v", err)
	}
	if nm.Name != "test.example Admin Room" {
		t.Errorf("room name = %q", nm.Name)
	}

	level, err := f.rooms.UserPowerLevel(ctx, room, serverUser)
	if err != nil {
		t.Fatalf("UserPowerLevel: %v", err)
	}
	if level != 69420 {
		t.Errorf("server user power level = %d, want 69420", level)
	}

	// A second call finds the alias registered and changes nothing.
	if err := f.admin.EnsureAdminRoom(ctx); err != nil {
		t.Fatalf("EnsureAdminRoom (again): %v", err)
	}
	again := f.adminRoom(t)
	if again != room {
		t.Errorf("admin room changed across restarts: %s then %s", room, again)
	}
}

func TestFirstUserBecomesAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.bootstrap(t)
	room := f.adminRoom(t)

	if !f.admin.IsAdmin(ctx, alice) {
		t.Error("first registered user is not an admin")
	}
	joined, err := f.rooms.JoinedCount(ctx, room)
	if err != nil {
		t.Fatalf("JoinedCount: %v", err)
	}
	if joined != 2 {
		t.Errorf("admin room joined count = %d, want 2", joined)
	}
	level, err := f.rooms.UserPowerLevel(ctx, room, alice)
	if err != nil {
		t.Fatalf("UserPowerLevel: %v", err)
	}
	if level != 100 {
		t.Errorf("first admin power level = %d, want 100", level)
	}

	// The second account stays an ordinary user.
	f.run(t, "user create bob")
	if f.admin.IsAdmin(ctx, user(t, "@bob:test.example")) {
		t.Error("second registered user became an admin")
	}
}

func TestUserCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap(t)

	t.Run("CreateWithPassword", func(t *testing.T) {
		reply := f.run(t, "user create bob hunter2")
		wantContains(t, reply, "Created user with user_id: @bob:test.example", "`hunter2`")
		if err := f.users.VerifyPassword(ctx, user(t, "@bob:test.example"), "hunter2"); err != nil {
			t.Errorf("VerifyPassword: %v", err)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		reply := f.admin.Process(ctx, "user create bob")
		wantContains(t, reply, "Error:", "user @bob:test.example already exists")
	})

	t.Run("List", func(t *testing.T) {
		reply := f.run(t, "!admin user list")
		wantContains(t, reply, "local user account(s):", "@alice:test.example", "@bob:test.example")
	})

	t.Run("ResetPassword", func(t *testing.T) {
		reply := f.run(t, "user reset-password bob swordfish")
		wantContains(t, reply, "Successfully reset the password for user @bob:test.example", "`swordfish`")
		if err := f.users.VerifyPassword(ctx, user(t, "@bob:test.example"), "swordfish"); err != nil {
			t.Errorf("VerifyPassword after reset: %v", err)
		}
	})

	t.Run("Deactivate", func(t *testing.T) {
		bob := user(t, "@bob:test.example")
		room, _, err := f.rooms.CreateRoom(ctx, bob, f.globals.DefaultRoomVersion(), nil)
		if err != nil {
			t.Fatalf("CreateRoom: %v", err)
		}
		f.joinRoom(t, room, bob)

		reply := f.run(t, "user deactivate bob")
		wantContains(t, reply, "User @bob:test.example has been deactivated")

		deactivated, err := f.users.IsDeactivated(ctx, bob)
		if err != nil {
			t.Fatalf("IsDeactivated: %v", err)
		}
		if !deactivated {
			t.Error("bob is still active")
		}
		joined, err := f.rooms.IsJoined(ctx, bob, room)
		if err != nil {
			t.Fatalf("IsJoined: %v", err)
		}
		if joined {
			t.Error("deactivation did not leave bob's room")
		}
	})

	t.Run("DeactivateKeepRooms", func(t *testing.T) {
		f.run(t, "user create carol")
		carol := user(t, "@carol:test.example")
		room, _, err := f.rooms.CreateRoom(ctx, carol, f.globals.DefaultRoomVersion(), nil)
		if err != nil {
			t.Fatalf("CreateRoom: %v", err)
		}
		f.joinRoom(t, room, carol)

		f.run(t, "user deactivate --no-leave-rooms carol")
		joined, err := f.rooms.IsJoined(ctx, carol, room)
		if err != nil {
			t.Fatalf("IsJoined: %v", err)
		}
		if !joined {
			t.Error("--no-leave-rooms still left carol's room")
		}
	})

	t.Run("ServerUserGuards", func(t *testing.T) {
		reply := f.admin.Process(ctx, "user deactivate conduit")
		wantContains(t, reply, "Error:", "server service account")

		reply = f.admin.Process(ctx, "user reset-password conduit")
		wantContains(t, reply, "Error:", "emergency_password")
	})

	t.Run("Admins", func(t *testing.T) {
		reply := f.run(t, "user admins")
		wantContains(t, reply, "Server admins (2):", "@alice:test.example", "@conduit:test.example")

		f.run(t, "user create dave")
		reply = f.run(t, "user admins @dave:test.example")
		wantContains(t, reply, "Granted @dave:test.example server admin privileges.")
		if !f.admin.IsAdmin(ctx, user(t, "@dave:test.example")) {
			t.Error("dave was not made an admin")
		}
	})
}

func TestRoomCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.bootstrap(t)

	room, _, err := f.rooms.CreateRoom(ctx, alice, f.globals.DefaultRoomVersion(), nil)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	f.joinRoom(t, room, alice)

	t.Run("List", func(t *testing.T) {
		reply := f.run(t, "room list")
		wantContains(t, reply, "Rooms (2):", room.String())
	})

	t.Run("ListPastEnd", func(t *testing.T) {
		reply := f.admin.Process(ctx, "room list 2")
		wantContains(t, reply, "Error: no more rooms")
	})

	t.Run("Info", func(t *testing.T) {
		reply := f.run(t, "room info "+room.String())
		wantContains(t, reply, "Room "+room.String(), "Version:", "Joined members:  1 (1 local)")
	})

	t.Run("InfoUnknown", func(t *testing.T) {
		reply := f.admin.Process(ctx, "room info !missing:test.example")
		wantContains(t, reply, "Error:", "unknown to this server")
	})

	t.Run("DisableEnable", func(t *testing.T) {
		reply := f.run(t, "room disable "+room.String())
		wantContains(t, reply, "Room disabled.")
		disabled, err := f.rooms.IsDisabled(ctx, room)
		if err != nil || !disabled {
			t.Errorf("IsDisabled = %t, %v", disabled, err)
		}

		reply = f.run(t, "room enable "+room.String())
		wantContains(t, reply, "Room enabled.")
		disabled, err = f.rooms.IsDisabled(ctx, room)
		if err != nil || disabled {
			t.Errorf("IsDisabled after enable = %t, %v", disabled, err)
		}
	})

	t.Run("BanUnban", func(t *testing.T) {
		reply := f.run(t, "room ban "+room.String())
		wantContains(t, reply, "Room banned.")

		reply = f.run(t, "room banned")
		wantContains(t, reply, "Banned rooms (1):", room.String())

		reply = f.run(t, "room unban "+room.String())
		wantContains(t, reply, "Room unbanned.")

		reply = f.run(t, "room banned")
		wantContains(t, reply, "Banned rooms (0):")
	})

	t.Run("Alias", func(t *testing.T) {
		reply := f.run(t, "room alias set #myroom:test.example "+room.String())
		wantContains(t, reply, "Successfully set alias.")

		// Aliases resolve anywhere a room argument is accepted.
		reply = f.run(t, "room info #myroom:test.example")
		wantContains(t, reply, "#myroom:test.example")

		reply = f.run(t, "room alias remove #myroom:test.example")
		wantContains(t, reply, "Removed alias from "+room.String())

		reply = f.admin.Process(ctx, "room alias remove #myroom:test.example")
		wantContains(t, reply, "Error:", "alias isn't in use")
	})
}

func TestAdminRoomCommandHook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.bootstrap(t)
	room := f.adminRoom(t)

	message := func(body string) {
		t.Helper()
		content, err := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
		if err != nil {
			t.Fatalf("marshal message: %v", err)
		}
		if _, err := f.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
			Type:    matrix.TypeMessage,
			Content: content,
		}, alice, room); err != nil {
			t.Fatalf("BuildAndAppend message: %v", err)
		}
	}
	latest := func() *matrix.PDU {
		t.Helper()
		entries, err := f.rooms.PdusBefore(ctx, room, 0, 1)
		if err != nil || len(entries) == 0 {
			t.Fatalf("PdusBefore: %v (%d entries)", err, len(entries))
		}
		return entries[0].PDU
	}

	t.Run("CommandGetsReply", func(t *testing.T) {
		message("!admin server version")

		reply := latest()
		if reply.Sender != f.globals.ServerUser() {
			t.Fatalf("reply sender = %s, want server user", reply.Sender)
		}
		if reply.Type != matrix.TypeMessage {
			t.Fatalf("reply type = %s", reply.Type)
		}
		var content struct {
			MsgType       string `json:"msgtype"`
			Body          string `json:"body"`
			Format        string `json:"format"`
			FormattedBody string `json:"formatted_body"`
		}
		if err := json.Unmarshal(reply.Content, &content); err != nil {
			t.Fatalf("reply content: %v", err)
		}
		if content.MsgType != "m.notice" {
			t.Errorf("reply msgtype = %q, want m.notice", content.MsgType)
		}
		if !strings.Contains(content.Body, "0.1.0-dev") {
			t.Errorf("reply body does not carry the version:\n%s", content.Body)
		}
		if content.Format != "org.matrix.custom.html" || content.FormattedBody == "" {
			t.Errorf("reply carries no HTML rendering: format %q", content.Format)
		}
	})

	t.Run("PlainChatterIgnored", func(t *testing.T) {
		before, err := f.rooms.LatestCount(ctx, room)
		if err != nil {
			t.Fatalf("LatestCount: %v", err)
		}
		message("good morning admins")
		after, err := f.rooms.LatestCount(ctx, room)
		if err != nil {
			t.Fatalf("LatestCount: %v", err)
		}
		if after != before+1 {
			t.Errorf("non-command message advanced the timeline by %d events, want 1", after-before)
		}
	})

	t.Run("CommandErrorIsReplied", func(t *testing.T) {
		message("!admin user create")

		var content struct {
			Body string `json:"body"`
		}
		if err := json.Unmarshal(latest().Content, &content); err != nil {
			t.Fatalf("reply content: %v", err)
		}
		if !strings.Contains(content.Body, "Error:") {
			t.Errorf("failed command produced no error reply:\n%s", content.Body)
		}
	})
}

func TestProtectAdminRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.bootstrap(t)
	room := f.adminRoom(t)
	serverUser := f.globals.ServerUser()

	t.Run("CannotEvictServerUser", func(t *testing.T) {
		sk := serverUser.String()
		_, err := f.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
			Type:     matrix.TypeMember,
			StateKey: &sk,
			Content:  json.RawMessage(`{"membership":"leave"}`),
		}, alice, room)
		if err == nil || !strings.Contains(err.Error(), "cannot be removed") {
			t.Errorf("evicting the server user: %v", err)
		}
	})

	t.Run("CannotDemoteServerUser", func(t *testing.T) {
		content, err := json.Marshal(map[string]any{
			"users": map[string]int{
				serverUser.String(): 0,
				alice.String():      100,
			},
		})
		if err != nil {
			t.Fatalf("marshal power levels: %v", err)
		}
		sk := ""
		_, err = f.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
			Type:     matrix.TypePowerLevels,
			StateKey: &sk,
			Content:  content,
		}, alice, room)
		if err == nil || !strings.Contains(err.Error(), "cannot be demoted") {
			t.Errorf("demoting the server user: %v", err)
		}
	})

	t.Run("ServerUserExempt", func(t *testing.T) {
		// The server user administrates its own room freely; MakeAdmin
		// depends on that for invites and power level grants.
		f.run(t, "user create erin")
		erin := user(t, "@erin:test.example")
		if f.admin.IsAdmin(ctx, erin) {
			t.Fatal("erin is an admin before being granted")
		}
		reply := f.run(t, "user admins @erin:test.example")
		wantContains(t, reply, "Granted @erin:test.example server admin privileges.")
		if !f.admin.IsAdmin(ctx, erin) {
			t.Error("grant through the server user failed")
		}
	})
}

func TestHelpAndSuggestions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap(t)

	t.Run("RootHelp", func(t *testing.T) {
		reply := f.admin.Process(ctx, "!admin")
		wantContains(t, reply, "Administrate the homeserver", "Commands:", "user", "room", "database")
	})

	t.Run("GroupHelp", func(t *testing.T) {
		reply := f.admin.Process(ctx, "user --help")
		wantContains(t, reply, "create", "deactivate", "reset-password")
	})

	t.Run("CommandSuggestion", func(t *testing.T) {
		reply := f.admin.Process(ctx, "usr list")
		wantContains(t, reply, "Error:", `unknown command "usr"`, `did you mean "user"`)
	})

	t.Run("FlagSuggestion", func(t *testing.T) {
		reply := f.admin.Process(ctx, "user deactivate --no-leav-rooms bob")
		wantContains(t, reply, "Error:", "unknown flag", "--no-leave-rooms")
	})

	t.Run("EmptyReply", func(t *testing.T) {
		// Help requests go through Execute without output on groups
		// that only print help; a fully empty reply is replaced.
		reply := f.admin.Process(ctx, "room")
		if reply == "" {
			t.Error("group without subcommand returned an empty reply")
		}
		wantContains(t, reply, "Commands:")
	})
}

func TestFederationSignJSON(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap(t)

	input := strings.Join([]string{
		"federation sign-json",
		"```",
		`{"hello": "world"}`,
		"```",
	}, "\n")
	reply := f.admin.Process(ctx, input)
	wantContains(t, reply, `"signatures"`, "test.example", `"hello"`, "ed25519:")
}

func TestDebugCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.bootstrap(t)

	_, createPDU, err := f.rooms.CreateRoom(ctx, alice, f.globals.DefaultRoomVersion(), nil)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	t.Run("GetPDU", func(t *testing.T) {
		reply := f.run(t, "debug get-pdu "+createPDU.EventID.String())
		wantContains(t, reply, "Found PDU (timeline event)", "m.room.create")
	})

	t.Run("GetPDUUnknown", func(t *testing.T) {
		reply := f.admin.Process(ctx, "debug get-pdu $doesnotexist")
		wantContains(t, reply, "Error:", "not known to this server")
	})

	t.Run("ParsePDU", func(t *testing.T) {
		raw, err := json.Marshal(createPDU)
		if err != nil {
			t.Fatalf("marshal create event: %v", err)
		}
		input := strings.Join([]string{
			"debug parse-pdu",
			"```",
			string(raw),
			"```",
		}, "\n")
		reply := f.run(t, input)
		wantContains(t, reply, "Event ID: `"+createPDU.EventID.String()+"`")
	})

	t.Run("VerifyJSON", func(t *testing.T) {
		obj := canonicaljson.Object{"purpose": "verification"}
		if err := f.keys.SignJSON(obj); err != nil {
			t.Fatalf("SignJSON: %v", err)
		}
		raw, err := canonicaljson.Encode(obj)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		input := strings.Join([]string{
			"debug verify-json test.example",
			"```",
			string(raw),
			"```",
		}, "\n")
		reply := f.run(t, input)
		wantContains(t, reply, "Signature verification succeeded.")
	})

	t.Run("VerifyJSONUnsigned", func(t *testing.T) {
		input := strings.Join([]string{
			"debug verify-json test.example",
			"```",
			`{"purpose": "verification"}`,
			"```",
		}, "\n")
		reply := f.admin.Process(ctx, input)
		wantContains(t, reply, "Error:", "no signature from test.example")
	})
}

func TestAppserviceCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap(t)

	registration := strings.Join([]string{
		"appservice register",
		"```",
		"id: bridge",
		"url: http://localhost:9123",
		"as_token: as_secret_token",
		"hs_token: hs_secret_token",
		"sender_localpart: bridgebot",
		"namespaces:",
		"  users:",
		"    - exclusive: true",
		`      regex: "@bridge_.*:test.example"`,
		"```",
	}, "\n")

	t.Run("Register", func(t *testing.T) {
		reply := f.run(t, registration)
		wantContains(t, reply, "Appservice registered with ID: bridge")
	})

	t.Run("RegisterDuplicate", func(t *testing.T) {
		reply := f.admin.Process(ctx, registration)
		wantContains(t, reply, "Error:", "already exists")
	})

	t.Run("List", func(t *testing.T) {
		reply := f.run(t, "appservice list")
		wantContains(t, reply, "Appservices (1): bridge")
	})

	t.Run("Show", func(t *testing.T) {
		reply := f.run(t, "appservice show bridge")
		wantContains(t, reply, "Config for bridge:", "as_token: as_secret_token", "sender_localpart: bridgebot")
	})

	t.Run("Unregister", func(t *testing.T) {
		reply := f.run(t, "appservice unregister bridge")
		wantContains(t, reply, "Appservice unregistered.")

		reply = f.run(t, "appservice list")
		wantContains(t, reply, "Appservices (0):")
	})
}

func TestDatabaseCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap(t)

	t.Run("Counter", func(t *testing.T) {
		reply := f.run(t, "database counter")
		wantContains(t, reply, "Global event counter:")
	})

	t.Run("Check", func(t *testing.T) {
		reply := f.run(t, "database check")
		wantContains(t, reply, "Integrity check passed.")
	})

	t.Run("Vacuum", func(t *testing.T) {
		reply := f.run(t, "database vacuum")
		wantContains(t, reply, "Vacuum complete:")
	})

	t.Run("Backup", func(t *testing.T) {
		dir := t.TempDir()
		f.server.Database.Backup.Directory = dir

		reply := f.run(t, "database backup")
		wantContains(t, reply, "Backup written:", "Payload:", "Digest:")

		files, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		if len(files) < 2 {
			t.Errorf("backup directory holds %d files, want payload and manifest", len(files))
		}
	})

	t.Run("BackupUnconfigured", func(t *testing.T) {
		f.server.Database.Backup.Directory = ""
		reply := f.admin.Process(ctx, "database backup")
		wantContains(t, reply, "Error:", "Directory is required")
	})
}

func TestServerCommands(t *testing.T) {
	f := newFixture(t)
	f.bootstrap(t)

	t.Run("Status", func(t *testing.T) {
		reply := f.run(t, "server status")
		wantContains(t, reply, "Server test.example:", "Accounts:", "Rooms:", "Database size:", "Federation:")
	})

	t.Run("Version", func(t *testing.T) {
		reply := f.run(t, "server version")
		wantContains(t, reply, "0.1.0-dev")
	})

	t.Run("MemoryUsage", func(t *testing.T) {
		reply := f.run(t, "server memory-usage")
		wantContains(t, reply, "Heap in use:", "Goroutines:")
	})

	t.Run("ClearCaches", func(t *testing.T) {
		reply := f.run(t, "server clear-caches")
		wantContains(t, reply, "Cleared", "cached destinations")
	})
}
