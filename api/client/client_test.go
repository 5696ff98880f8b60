// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tototomate123/tuwunel/api/client"
	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/service/admin"
	"github.com/tototomate123/tuwunel/service/appservice"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/media"
	"github.com/tototomate123/tuwunel/service/resolver"
	"github.com/tototomate123/tuwunel/service/rooms"
	"github.com/tototomate123/tuwunel/service/serverkeys"
	"github.com/tototomate123/tuwunel/service/sync"
	"github.com/tototomate123/tuwunel/service/uiaa"
	"github.com/tototomate123/tuwunel/service/users"
)

type fixture struct {
	mux     *http.ServeMux
	server  *config.Config
	globals *globals.Service
	rooms   *rooms.Service
	users   *users.Service
	clock   *clock.FakeClock
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
	cfg.AllowRegistration = true
	cfg.Media.Path = t.TempDir()
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
	adm := admin.New(admin.Config{
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
	ui := uiaa.New(uiaa.Config{Users: u, Globals: g, Logger: logger})
	sy := sync.New(sync.Config{
		DB:      engine,
		Globals: g,
		Rooms:   r,
		Users:   u,
		Logger:  logger,
		Clock:   fake,
	})
	med := media.New(media.Config{
		DB:         engine,
		Server:     cfg,
		Globals:    g,
		Federation: fed,
		Logger:     logger,
		Clock:      fake,
	})

	handlers := client.New(client.Config{
		Server:      cfg,
		Globals:     g,
		Users:       u,
		UIAA:        ui,
		Rooms:       r,
		Sync:        sy,
		Media:       med,
		Admin:       adm,
		Appservices: asvc,
		Federation:  fed,
		Keys:        keys,
		Logger:      logger,
		Clock:       fake,
	})
	auth := router.NewAuth(router.AuthConfig{
		Server:      cfg,
		Globals:     g,
		Users:       u,
		Appservices: asvc,
		Keys:        keys,
		Logger:      logger,
	})
	mux := http.NewServeMux()
	handlers.Register(mux, auth)

	return &fixture{
		mux:     mux,
		server:  cfg,
		globals: g,
		rooms:   r,
		users:   u,
		clock:   fake,
	}
}

// do serves one request against the client API. A nil body sends no
// payload, a string or []byte is sent raw, anything else is marshaled
// as JSON.
func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decoding response %s: %v", rec.Body.String(), err)
	}
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d: %s", rec.Code, want, rec.Body.String())
	}
}

func wantErrCode(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()
	var body struct {
		ErrCode string `json:"errcode"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error response %s: %v", rec.Body.String(), err)
	}
	if body.ErrCode != want {
		t.Errorf("errcode = %q, want %q: %s", body.ErrCode, want, rec.Body.String())
	}
}

// register drives the two-round dummy-auth registration and returns
// the new account with a working access token.
func (f *fixture) register(t *testing.T, username string) (ref.UserID, string) {
	t.Helper()
	body := map[string]any{"username": username, "password": "open sesame"}
	rec := f.do(t, "POST", "/_matrix/client/v3/register", "", body)
	wantStatus(t, rec, http.StatusUnauthorized)
	var challenge struct {
		Session string `json:"session"`
	}
	f.decode(t, rec, &challenge)
	if challenge.Session == "" {
		t.Fatal("register challenge carries no session")
	}

	body["auth"] = map[string]string{"type": "m.login.dummy", "session": challenge.Session}
	rec = f.do(t, "POST", "/_matrix/client/v3/register", "", body)
	wantStatus(t, rec, http.StatusOK)
	var resp struct {
		UserID      ref.UserID `json:"user_id"`
		AccessToken string     `json:"access_token"`
	}
	f.decode(t, rec, &resp)
	if resp.AccessToken == "" {
		t.Fatal("register returned no access token")
	}
	return resp.UserID, resp.AccessToken
}

// createRoom creates a room through the API and returns its ID.
func (f *fixture) createRoom(t *testing.T, token string, body map[string]any) ref.RoomID {
	t.Helper()
	rec := f.do(t, "POST", "/_matrix/client/v3/createRoom", token, body)
	wantStatus(t, rec, http.StatusOK)
	var resp struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	f.decode(t, rec, &resp)
	return resp.RoomID
}

func TestRegisterAndWhoami(t *testing.T) {
	f := newFixture(t)
	user, token := f.register(t, "alice")

	rec := f.do(t, "GET", "/_matrix/client/v3/account/whoami", token, nil)
	wantStatus(t, rec, http.StatusOK)
	var resp struct {
		UserID ref.UserID `json:"user_id"`
	}
	f.decode(t, rec, &resp)
	if resp.UserID != user {
		t.Errorf("whoami = %s, want %s", resp.UserID, user)
	}

	rec = f.do(t, "GET", "/_matrix/client/v3/account/whoami", "not-a-token", nil)
	wantStatus(t, rec, http.StatusUnauthorized)
	wantErrCode(t, rec, "M_UNKNOWN_TOKEN")
}

func TestRegisterTakenUsername(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")

	rec := f.do(t, "POST", "/_matrix/client/v3/register", "",
		map[string]any{"username": "alice", "password": "pw"})
	wantStatus(t, rec, http.StatusBadRequest)
	wantErrCode(t, rec, "M_USER_IN_USE")
}

func TestLoginPassword(t *testing.T) {
	f := newFixture(t)
	user, _ := f.register(t, "alice")

	rec := f.do(t, "POST", "/_matrix/client/v3/login", "", map[string]any{
		"type":       "m.login.password",
		"identifier": map[string]string{"type": "m.id.user", "user": "alice"},
		"password":   "open sesame",
	})
	wantStatus(t, rec, http.StatusOK)
	var resp struct {
		UserID      ref.UserID `json:"user_id"`
		AccessToken string     `json:"access_token"`
	}
	f.decode(t, rec, &resp)
	if resp.UserID != user || resp.AccessToken == "" {
		t.Fatalf("login response: %s", rec.Body.String())
	}

	rec = f.do(t, "POST", "/_matrix/client/v3/login", "", map[string]any{
		"type":       "m.login.password",
		"identifier": map[string]string{"type": "m.id.user", "user": "alice"},
		"password":   "wrong",
	})
	wantStatus(t, rec, http.StatusForbidden)
}

func TestCreateRoomDefaults(t *testing.T) {
	f := newFixture(t)
	user, token := f.register(t, "alice")
	room := f.createRoom(t, token, map[string]any{
		"name":  "Test Room",
		"topic": "all about testing",
	})

	ctx := context.Background()
	joined, err := f.rooms.IsJoined(ctx, user, room)
	if err != nil || !joined {
		t.Fatalf("creator not joined: %v", err)
	}

	rec := f.do(t, "GET", "/_matrix/client/v3/rooms/"+room.String()+"/state/m.room.name", token, nil)
	wantStatus(t, rec, http.StatusOK)
	var name struct {
		Name string `json:"name"`
	}
	f.decode(t, rec, &name)
	if name.Name != "Test Room" {
		t.Errorf("room name = %q", name.Name)
	}

	// Without a public visibility the preset defaults to private_chat.
	rec = f.do(t, "GET", "/_matrix/client/v3/rooms/"+room.String()+"/state/m.room.join_rules", token, nil)
	wantStatus(t, rec, http.StatusOK)
	var jr struct {
		JoinRule string `json:"join_rule"`
	}
	f.decode(t, rec, &jr)
	if jr.JoinRule != "invite" {
		t.Errorf("join rule = %q, want invite", jr.JoinRule)
	}
}

func TestCreateRoomUnsupportedVersion(t *testing.T) {
	f := newFixture(t)
	_, token := f.register(t, "alice")

	rec := f.do(t, "POST", "/_matrix/client/v3/createRoom", token,
		map[string]any{"room_version": "0"})
	wantStatus(t, rec, http.StatusBadRequest)
	wantErrCode(t, rec, "M_UNSUPPORTED_ROOM_VERSION")
}

func TestSendMessageAndMessages(t *testing.T) {
	f := newFixture(t)
	_, token := f.register(t, "alice")
	room := f.createRoom(t, token, map[string]any{})

	send := func(txn, text string) string {
		rec := f.do(t, "PUT",
			"/_matrix/client/v3/rooms/"+room.String()+"/send/m.room.message/"+txn,
			token, map[string]string{"msgtype": "m.text", "body": text})
		wantStatus(t, rec, http.StatusOK)
		var resp struct {
			EventID string `json:"event_id"`
		}
		f.decode(t, rec, &resp)
		return resp.EventID
	}

	first := send("txn1", "hello world")
	if first == "" {
		t.Fatal("send returned no event id")
	}
	// The same transaction replays the stored response instead of
	// appending a second event.
	if again := send("txn1", "hello world"); again != first {
		t.Errorf("txn replay returned %s, want %s", again, first)
	}
	second := send("txn2", "second message")

	rec := f.do(t, "GET",
		"/_matrix/client/v3/rooms/"+room.String()+"/messages?dir=b&limit=10", token, nil)
	wantStatus(t, rec, http.StatusOK)
	var page struct {
		Start string `json:"start"`
		End   string `json:"end"`
		Chunk []struct {
			EventID string `json:"event_id"`
			Type    string `json:"type"`
		} `json:"chunk"`
	}
	f.decode(t, rec, &page)
	if len(page.Chunk) == 0 {
		t.Fatal("messages returned an empty chunk")
	}
	if page.Chunk[0].EventID != second {
		t.Errorf("newest message = %s, want %s", page.Chunk[0].EventID, second)
	}
	var sawFirst bool
	for _, ev := range page.Chunk {
		if ev.EventID == first {
			sawFirst = true
		}
	}
	if !sawFirst {
		t.Error("messages chunk does not contain the first message")
	}
}

func TestEventByID(t *testing.T) {
	f := newFixture(t)
	_, token := f.register(t, "alice")
	room := f.createRoom(t, token, map[string]any{})

	rec := f.do(t, "PUT",
		"/_matrix/client/v3/rooms/"+room.String()+"/send/m.room.message/t1",
		token, map[string]string{"msgtype": "m.text", "body": "findable"})
	wantStatus(t, rec, http.StatusOK)
	var sent struct {
		EventID string `json:"event_id"`
	}
	f.decode(t, rec, &sent)

	rec = f.do(t, "GET",
		"/_matrix/client/v3/rooms/"+room.String()+"/event/"+sent.EventID, token, nil)
	wantStatus(t, rec, http.StatusOK)
	var ev struct {
		EventID string          `json:"event_id"`
		Content json.RawMessage `json:"content"`
	}
	f.decode(t, rec, &ev)
	if ev.EventID != sent.EventID {
		t.Errorf("event id = %s, want %s", ev.EventID, sent.EventID)
	}

	rec = f.do(t, "GET",
		"/_matrix/client/v3/rooms/"+room.String()+"/event/$missing:test.example", token, nil)
	wantStatus(t, rec, http.StatusNotFound)
}

func TestRedact(t *testing.T) {
	f := newFixture(t)
	_, token := f.register(t, "alice")
	room := f.createRoom(t, token, map[string]any{})

	rec := f.do(t, "PUT",
		"/_matrix/client/v3/rooms/"+room.String()+"/send/m.room.message/t1",
		token, map[string]string{"msgtype": "m.text", "body": "take this back"})
	wantStatus(t, rec, http.StatusOK)
	var sent struct {
		EventID string `json:"event_id"`
	}
	f.decode(t, rec, &sent)

	rec = f.do(t, "PUT",
		"/_matrix/client/v3/rooms/"+room.String()+"/redact/"+sent.EventID+"/t2",
		token, map[string]string{"reason": "mistake"})
	wantStatus(t, rec, http.StatusOK)

	rec = f.do(t, "GET",
		"/_matrix/client/v3/rooms/"+room.String()+"/event/"+sent.EventID, token, nil)
	wantStatus(t, rec, http.StatusOK)
	var ev struct {
		Content map[string]any `json:"content"`
	}
	f.decode(t, rec, &ev)
	if len(ev.Content) != 0 {
		t.Errorf("redacted content = %v, want empty", ev.Content)
	}
}

func TestInviteJoinKickBan(t *testing.T) {
	f := newFixture(t)
	_, aliceToken := f.register(t, "alice")
	bob, bobToken := f.register(t, "bob")
	room := f.createRoom(t, aliceToken, map[string]any{})

	rec := f.do(t, "POST", "/_matrix/client/v3/rooms/"+room.String()+"/invite",
		aliceToken, map[string]string{"user_id": bob.String()})
	wantStatus(t, rec, http.StatusOK)

	rec = f.do(t, "POST", "/_matrix/client/v3/rooms/"+room.String()+"/join",
		bobToken, map[string]string{})
	wantStatus(t, rec, http.StatusOK)

	rec = f.do(t, "GET", "/_matrix/client/v3/rooms/"+room.String()+"/joined_members",
		aliceToken, nil)
	wantStatus(t, rec, http.StatusOK)
	var members struct {
		Joined map[string]json.RawMessage `json:"joined"`
	}
	f.decode(t, rec, &members)
	if len(members.Joined) != 2 {
		t.Fatalf("joined members = %d, want 2", len(members.Joined))
	}

	rec = f.do(t, "POST", "/_matrix/client/v3/rooms/"+room.String()+"/kick",
		aliceToken, map[string]string{"user_id": bob.String(), "reason": "testing"})
	wantStatus(t, rec, http.StatusOK)
	joined, err := f.rooms.IsJoined(context.Background(), bob, room)
	if err != nil || joined {
		t.Fatalf("bob still joined after kick (err %v)", err)
	}

	rec = f.do(t, "POST", "/_matrix/client/v3/rooms/"+room.String()+"/ban",
		aliceToken, map[string]string{"user_id": bob.String()})
	wantStatus(t, rec, http.StatusOK)

	// A banned user cannot rejoin until unbanned.
	rec = f.do(t, "POST", "/_matrix/client/v3/rooms/"+room.String()+"/join",
		bobToken, map[string]string{})
	wantStatus(t, rec, http.StatusForbidden)

	rec = f.do(t, "POST", "/_matrix/client/v3/rooms/"+room.String()+"/unban",
		aliceToken, map[string]string{"user_id": bob.String()})
	wantStatus(t, rec, http.StatusOK)
}

func TestKickNotInRoom(t *testing.T) {
	f := newFixture(t)
	_, aliceToken := f.register(t, "alice")
	bob, _ := f.register(t, "bob")
	room := f.createRoom(t, aliceToken, map[string]any{})

	rec := f.do(t, "POST", "/_matrix/client/v3/rooms/"+room.String()+"/kick",
		aliceToken, map[string]string{"user_id": bob.String()})
	wantStatus(t, rec, http.StatusBadRequest)
	wantErrCode(t, rec, "M_BAD_STATE")
}

func TestLeaveAndForget(t *testing.T) {
	f := newFixture(t)
	_, aliceToken := f.register(t, "alice")
	bob, bobToken := f.register(t, "bob")
	room := f.createRoom(t, aliceToken, map[string]any{
		"invite": []string{bob.String()},
	})

	rec := f.do(t, "POST", "/_matrix/client/v3/rooms/"+room.String()+"/join",
		bobToken, map[string]string{})
	wantStatus(t, rec, http.StatusOK)

	// Forgetting a joined room is rejected.
	rec = f.do(t, "POST", "/_matrix/client/v3/rooms/"+room.String()+"/forget",
		bobToken, map[string]string{})
	wantStatus(t, rec, http.StatusBadRequest)

	rec = f.do(t, "POST", "/_matrix/client/v3/rooms/"+room.String()+"/leave",
		bobToken, map[string]string{"reason": "done here"})
	wantStatus(t, rec, http.StatusOK)

	rec = f.do(t, "POST", "/_matrix/client/v3/rooms/"+room.String()+"/forget",
		bobToken, map[string]string{})
	wantStatus(t, rec, http.StatusOK)

	rec = f.do(t, "GET", "/_matrix/client/v3/joined_rooms", bobToken, nil)
	wantStatus(t, rec, http.StatusOK)
	var joined struct {
		JoinedRooms []string `json:"joined_rooms"`
	}
	f.decode(t, rec, &joined)
	for _, r := range joined.JoinedRooms {
		if r == room.String() {
			t.Error("left room still listed in joined_rooms")
		}
	}
}

func TestRoomAliases(t *testing.T) {
	f := newFixture(t)
	_, token := f.register(t, "alice")
	room := f.createRoom(t, token, map[string]any{
		"room_alias_name": "myroom",
	})

	rec := f.do(t, "GET", "/_matrix/client/v3/directory/room/%23myroom:test.example", "", nil)
	wantStatus(t, rec, http.StatusOK)
	var resolved struct {
		RoomID  ref.RoomID `json:"room_id"`
		Servers []string   `json:"servers"`
	}
	f.decode(t, rec, &resolved)
	if resolved.RoomID != room {
		t.Errorf("alias resolves to %s, want %s", resolved.RoomID, room)
	}
	if len(resolved.Servers) == 0 {
		t.Error("alias resolution returned no servers")
	}

	// A second alias for the same room, then remove it.
	rec = f.do(t, "PUT", "/_matrix/client/v3/directory/room/%23other:test.example",
		token, map[string]string{"room_id": room.String()})
	wantStatus(t, rec, http.StatusOK)

	rec = f.do(t, "PUT", "/_matrix/client/v3/directory/room/%23other:test.example",
		token, map[string]string{"room_id": room.String()})
	wantStatus(t, rec, http.StatusOK) // idempotent for the same room

	rec = f.do(t, "DELETE", "/_matrix/client/v3/directory/room/%23other:test.example",
		token, nil)
	wantStatus(t, rec, http.StatusOK)

	rec = f.do(t, "GET", "/_matrix/client/v3/directory/room/%23other:test.example", "", nil)
	wantStatus(t, rec, http.StatusNotFound)
}

func TestAliasConflict(t *testing.T) {
	f := newFixture(t)
	_, token := f.register(t, "alice")
	first := f.createRoom(t, token, map[string]any{"room_alias_name": "claimed"})
	_ = first

	rec := f.do(t, "POST", "/_matrix/client/v3/createRoom", token,
		map[string]any{"room_alias_name": "claimed"})
	wantStatus(t, rec, http.StatusBadRequest)
	wantErrCode(t, rec, "M_ROOM_IN_USE")
}

func TestDirectoryVisibility(t *testing.T) {
	f := newFixture(t)
	_, token := f.register(t, "alice")
	room := f.createRoom(t, token, map[string]any{})

	rec := f.do(t, "GET", "/_matrix/client/v3/directory/list/room/"+room.String(), "", nil)
	wantStatus(t, rec, http.StatusOK)
	var vis struct {
		Visibility string `json:"visibility"`
	}
	f.decode(t, rec, &vis)
	if vis.Visibility != "private" {
		t.Errorf("visibility = %q, want private", vis.Visibility)
	}

	rec = f.do(t, "PUT", "/_matrix/client/v3/directory/list/room/"+room.String(),
		token, map[string]string{"visibility": "public"})
	wantStatus(t, rec, http.StatusOK)

	rec = f.do(t, "GET", "/_matrix/client/v3/directory/list/room/"+room.String(), "", nil)
	wantStatus(t, rec, http.StatusOK)
	f.decode(t, rec, &vis)
	if vis.Visibility != "public" {
		t.Errorf("visibility = %q, want public", vis.Visibility)
	}
}

func TestInitialSync(t *testing.T) {
	f := newFixture(t)
	_, token := f.register(t, "alice")
	room := f.createRoom(t, token, map[string]any{})

	rec := f.do(t, "PUT",
		"/_matrix/client/v3/rooms/"+room.String()+"/send/m.room.message/t1",
		token, map[string]string{"msgtype": "m.text", "body": "sync me"})
	wantStatus(t, rec, http.StatusOK)

	rec = f.do(t, "GET", "/_matrix/client/v3/sync", token, nil)
	wantStatus(t, rec, http.StatusOK)
	var resp struct {
		NextBatch string `json:"next_batch"`
		Rooms     struct {
			Join map[string]struct {
				Timeline struct {
					Events []struct {
						Type string `json:"type"`
					} `json:"events"`
				} `json:"timeline"`
			} `json:"join"`
		} `json:"rooms"`
	}
	f.decode(t, rec, &resp)
	if resp.NextBatch == "" {
		t.Fatal("sync returned no next_batch")
	}
	joined, ok := resp.Rooms.Join[room.String()]
	if !ok {
		t.Fatalf("sync does not list room %s", room)
	}
	var sawMessage bool
	for _, ev := range joined.Timeline.Events {
		if ev.Type == "m.room.message" {
			sawMessage = true
		}
	}
	if !sawMessage {
		t.Error("sync timeline does not contain the message")
	}
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	_, token := f.register(t, "alice")
	room := f.createRoom(t, token, map[string]any{})

	rec := f.do(t, "PUT",
		"/_matrix/client/v3/rooms/"+room.String()+"/send/m.room.message/t1",
		token, map[string]string{"msgtype": "m.text", "body": "the quick brown fox"})
	wantStatus(t, rec, http.StatusOK)
	var sent struct {
		EventID string `json:"event_id"`
	}
	f.decode(t, rec, &sent)

	rec = f.do(t, "PUT",
		"/_matrix/client/v3/rooms/"+room.String()+"/send/m.room.message/t2",
		token, map[string]string{"msgtype": "m.text", "body": "nothing to see"})
	wantStatus(t, rec, http.StatusOK)

	rec = f.do(t, "POST", "/_matrix/client/v3/search", token, map[string]any{
		"search_categories": map[string]any{
			"room_events": map[string]any{"search_term": "brown fox"},
		},
	})
	wantStatus(t, rec, http.StatusOK)
	var resp struct {
		SearchCategories struct {
			RoomEvents struct {
				Count   int `json:"count"`
				Results []struct {
					Result struct {
						EventID string `json:"event_id"`
					} `json:"result"`
				} `json:"results"`
			} `json:"room_events"`
		} `json:"search_categories"`
	}
	f.decode(t, rec, &resp)
	events := resp.SearchCategories.RoomEvents
	if events.Count != 1 || len(events.Results) != 1 {
		t.Fatalf("search found %d results: %s", events.Count, rec.Body.String())
	}
	if events.Results[0].Result.EventID != sent.EventID {
		t.Errorf("search hit = %s, want %s", events.Results[0].Result.EventID, sent.EventID)
	}
}

func TestMediaUploadDownload(t *testing.T) {
	f := newFixture(t)
	_, token := f.register(t, "alice")

	payload := []byte("hello media payload")
	req := httptest.NewRequest("POST", "/_matrix/media/v3/upload?filename=hello.txt",
		bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	wantStatus(t, rec, http.StatusOK)
	var uploaded struct {
		ContentURI string `json:"content_uri"`
	}
	f.decode(t, rec, &uploaded)
	const prefix = "mxc://test.example/"
	if !strings.HasPrefix(uploaded.ContentURI, prefix) {
		t.Fatalf("content_uri = %q", uploaded.ContentURI)
	}
	mediaID := strings.TrimPrefix(uploaded.ContentURI, prefix)

	// Authenticated read.
	rec = f.do(t, "GET", "/_matrix/client/v1/media/download/test.example/"+mediaID, token, nil)
	wantStatus(t, rec, http.StatusOK)
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Error("downloaded payload differs from upload")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "inline") {
		t.Errorf("Content-Disposition = %q, want inline", cd)
	}

	// Legacy read needs no token.
	rec = f.do(t, "GET", "/_matrix/media/v3/download/test.example/"+mediaID, "", nil)
	wantStatus(t, rec, http.StatusOK)
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Error("legacy download differs from upload")
	}

	rec = f.do(t, "GET", "/_matrix/media/v3/config", "", nil)
	wantStatus(t, rec, http.StatusOK)
	var cfg struct {
		UploadSize int64 `json:"m.upload.size"`
	}
	f.decode(t, rec, &cfg)
	if cfg.UploadSize != f.server.MaxRequestSize {
		t.Errorf("m.upload.size = %d, want %d", cfg.UploadSize, f.server.MaxRequestSize)
	}
}

func TestTurnServer(t *testing.T) {
	f := newFixture(t)
	user, token := f.register(t, "alice")

	f.server.Turn.URIs = []string{"turn:turn.test.example?transport=udp"}
	f.server.Turn.Username = "static-user"
	f.server.Turn.Password = "static-pass"

	rec := f.do(t, "GET", "/_matrix/client/v3/voip/turnServer", token, nil)
	wantStatus(t, rec, http.StatusOK)
	var resp struct {
		Username string   `json:"username"`
		Password string   `json:"password"`
		URIs     []string `json:"uris"`
		TTL      int      `json:"ttl"`
	}
	f.decode(t, rec, &resp)
	if resp.Username != "static-user" || resp.Password != "static-pass" {
		t.Errorf("static credentials not served: %+v", resp)
	}
	if len(resp.URIs) != 1 {
		t.Errorf("uris = %v", resp.URIs)
	}

	// A shared secret switches to ephemeral HMAC credentials.
	f.server.Turn.Secret = "s3cret"
	rec = f.do(t, "GET", "/_matrix/client/v3/voip/turnServer", token, nil)
	wantStatus(t, rec, http.StatusOK)
	f.decode(t, rec, &resp)

	expires := f.clock.Now().Unix() + int64(f.server.Turn.TTL)
	wantUser := fmt.Sprintf("%d:%s", expires, user)
	if resp.Username != wantUser {
		t.Errorf("username = %q, want %q", resp.Username, wantUser)
	}
	mac := hmac.New(sha1.New, []byte("s3cret"))
	mac.Write([]byte(wantUser))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); resp.Password != want {
		t.Errorf("password = %q, want %q", resp.Password, want)
	}
}

func TestTypingAndReceipts(t *testing.T) {
	f := newFixture(t)
	user, token := f.register(t, "alice")
	room := f.createRoom(t, token, map[string]any{})

	rec := f.do(t, "PUT",
		"/_matrix/client/v3/rooms/"+room.String()+"/typing/"+user.String(),
		token, map[string]any{"typing": true, "timeout": 5000})
	wantStatus(t, rec, http.StatusOK)

	// Typing for someone else is rejected.
	rec = f.do(t, "PUT",
		"/_matrix/client/v3/rooms/"+room.String()+"/typing/@bob:test.example",
		token, map[string]any{"typing": true})
	wantStatus(t, rec, http.StatusForbidden)

	rec = f.do(t, "PUT",
		"/_matrix/client/v3/rooms/"+room.String()+"/send/m.room.message/t1",
		token, map[string]string{"msgtype": "m.text", "body": "read me"})
	wantStatus(t, rec, http.StatusOK)
	var sent struct {
		EventID string `json:"event_id"`
	}
	f.decode(t, rec, &sent)

	rec = f.do(t, "POST",
		"/_matrix/client/v3/rooms/"+room.String()+"/receipt/m.read/"+sent.EventID,
		token, map[string]any{})
	wantStatus(t, rec, http.StatusOK)

	rec = f.do(t, "POST",
		"/_matrix/client/v3/rooms/"+room.String()+"/read_markers",
		token, map[string]string{"m.fully_read": sent.EventID})
	wantStatus(t, rec, http.StatusOK)
}

func TestStateForOutsider(t *testing.T) {
	f := newFixture(t)
	_, aliceToken := f.register(t, "alice")
	_, bobToken := f.register(t, "bob")
	room := f.createRoom(t, aliceToken, map[string]any{})

	rec := f.do(t, "GET", "/_matrix/client/v3/rooms/"+room.String()+"/state", bobToken, nil)
	wantStatus(t, rec, http.StatusForbidden)
}

func TestProfile(t *testing.T) {
	f := newFixture(t)
	user, token := f.register(t, "alice")

	rec := f.do(t, "PUT", "/_matrix/client/v3/profile/"+user.String()+"/displayname",
		token, map[string]string{"displayname": "Alice Lidell"})
	wantStatus(t, rec, http.StatusOK)

	rec = f.do(t, "GET", "/_matrix/client/v3/profile/"+user.String(), "", nil)
	wantStatus(t, rec, http.StatusOK)
	var resp struct {
		Displayname string `json:"displayname"`
	}
	f.decode(t, rec, &resp)
	if resp.Displayname != "Alice Lidell" {
		t.Errorf("displayname = %q", resp.Displayname)
	}
}

func TestVersionsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/_matrix/client/versions", "", nil)
	wantStatus(t, rec, http.StatusOK)
	var resp struct {
		Versions []string `json:"versions"`
	}
	f.decode(t, rec, &resp)
	if len(resp.Versions) == 0 {
		t.Error("versions list is empty")
	}
}
