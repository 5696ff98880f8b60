// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package sending_test

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/appservice"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/resolver"
	"github.com/tototomate123/tuwunel/service/rooms"
	"github.com/tototomate123/tuwunel/service/sending"
	"github.com/tototomate123/tuwunel/service/serverkeys"
	"github.com/tototomate123/tuwunel/service/users"
)

type fixture struct {
	engine     *database.Engine
	rooms      *rooms.Service
	users      *users.Service
	globals    *globals.Service
	appservice *appservice.Service
	sending    *sending.Service
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
		// Tests stand in remote servers with self-signed certificates.
		TLS: &tls.Config{InsecureSkipVerify: true},
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
	as := appservice.New(appservice.Config{
		DB:      engine,
		Server:  cfg,
		Globals: g,
		Logger:  logger,
	})
	snd := sending.New(sending.Config{
		DB:         engine,
		Server:     cfg,
		Globals:    g,
		Rooms:      r,
		Appservice: as,
		Federation: fed,
		Logger:     logger,
	})
	return &fixture{
		engine:     engine,
		rooms:      r,
		users:      u,
		globals:    g,
		appservice: as,
		sending:    snd,
		clock:      fake,
	}
}

// start brings up the appservice and sending services and arranges for
// an orderly shutdown when the test finishes.
func (f *fixture) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.appservice.Start(ctx); err != nil {
		t.Fatalf("appservice.Start: %v", err)
	}
	if err := f.sending.Start(ctx); err != nil {
		t.Fatalf("sending.Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		f.sending.Stop()
	})
	return ctx
}

// seedDestination plants a resolver cache entry so that federation
// requests for server dial addr without touching the network.
func (f *fixture) seedDestination(t *testing.T, server, addr string) {
	t.Helper()
	value, err := json.Marshal(resolver.Destination{
		Addr:      addr,
		Name:      server,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	err = f.engine.Map("servername_destination").Put(context.Background(), []byte(server), value)
	if err != nil {
		t.Fatalf("seeding destination for %s: %v", server, err)
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

func (f *fixture) account(t *testing.T, id string) ref.UserID {
	t.Helper()
	u := user(t, id)
	if err := f.users.Create(context.Background(), u, "sekrit"); err != nil {
		t.Fatalf("users.Create(%s): %v", u, err)
	}
	return u
}

func (f *fixture) createRoom(t *testing.T, creator ref.UserID) ref.RoomID {
	t.Helper()
	room, _, err := f.rooms.CreateRoom(context.Background(), creator, matrix.RoomV11, nil)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return room
}

func (f *fixture) setMembership(t *testing.T, room ref.RoomID, sender, target ref.UserID, membership string) *matrix.PDU {
	t.Helper()
	sk := target.String()
	pdu, err := f.rooms.BuildAndAppend(context.Background(), rooms.PDUBuilder{
		Type:     matrix.TypeMember,
		Content:  json.RawMessage(`{"membership":"` + membership + `"}`),
		StateKey: &sk,
	}, sender, room)
	if err != nil {
		t.Fatalf("BuildAndAppend(%s %s -> %s): %v", membership, sender, target, err)
	}
	return pdu
}

func (f *fixture) join(t *testing.T, room ref.RoomID, u ref.UserID) *matrix.PDU {
	t.Helper()
	return f.setMembership(t, room, u, u, matrix.MembershipJoin)
}

func (f *fixture) message(t *testing.T, room ref.RoomID, sender ref.UserID, body string) *matrix.PDU {
	t.Helper()
	content, err := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	pdu, err := f.rooms.BuildAndAppend(context.Background(), rooms.PDUBuilder{
		Type:    matrix.TypeMessage,
		Content: content,
	}, sender, room)
	if err != nil {
		t.Fatalf("BuildAndAppend(message): %v", err)
	}
	return pdu
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// appserviceRecorder plays an application service HTTP endpoint and
// records every transaction pushed at it.
type appserviceRecorder struct {
	// status is the response code for every push, 200 when zero. Set
	// before the server starts serving.
	status int

	mu     sync.Mutex
	pushes []appservicePush
}

type appservicePush struct {
	path   string
	query  url.Values
	auth   string
	events []json.RawMessage
}

func (rec *appserviceRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, _ := io.ReadAll(r.Body)
	var body struct {
		Events []json.RawMessage `json:"events"`
	}
	_ = json.Unmarshal(raw, &body)

	rec.mu.Lock()
	rec.pushes = append(rec.pushes, appservicePush{
		path:   r.URL.Path,
		query:  r.URL.Query(),
		auth:   r.Header.Get("Authorization"),
		events: body.Events,
	})
	rec.mu.Unlock()

	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, "{}")
}

func (rec *appserviceRecorder) pushCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.pushes)
}

// findEvent returns the push that carried the event and the raw event
// JSON.
func (rec *appserviceRecorder) findEvent(id string) (appservicePush, json.RawMessage, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, push := range rec.pushes {
		for _, raw := range push.events {
			var envelope struct {
				EventID string `json:"event_id"`
			}
			if json.Unmarshal(raw, &envelope) == nil && envelope.EventID == id {
				return push, raw, true
			}
		}
	}
	return appservicePush{}, nil, false
}

func (rec *appserviceRecorder) sawEvent(id string) bool {
	_, _, ok := rec.findEvent(id)
	return ok
}

// federationRecorder plays a remote homeserver's transaction endpoint.
type federationRecorder struct {
	mu   sync.Mutex
	txns []federationTxn
}

type federationTxn struct {
	id     string
	origin string
	pdus   []json.RawMessage
	edus   []json.RawMessage
}

func (rec *federationRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	const sendPrefix = "/_matrix/federation/v1/send/"
	if r.Method != http.MethodPut || !strings.HasPrefix(r.URL.Path, sendPrefix) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"errcode":"M_UNRECOGNIZED","error":"unknown endpoint"}`)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	var body struct {
		Origin string            `json:"origin"`
		PDUs   []json.RawMessage `json:"pdus"`
		EDUs   []json.RawMessage `json:"edus"`
	}
	_ = json.Unmarshal(raw, &body)

	rec.mu.Lock()
	rec.txns = append(rec.txns, federationTxn{
		id:     strings.TrimPrefix(r.URL.Path, sendPrefix),
		origin: body.Origin,
		pdus:   body.PDUs,
		edus:   body.EDUs,
	})
	rec.mu.Unlock()

	io.WriteString(w, `{"pdus":{}}`)
}

func (rec *federationRecorder) txnCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.txns)
}

// messagePDU returns the first m.room.message PDU whose body matches.
func (rec *federationRecorder) messagePDU(body string) (json.RawMessage, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, txn := range rec.txns {
		for _, raw := range txn.pdus {
			var pdu struct {
				Type    string `json:"type"`
				Content struct {
					Body string `json:"body"`
				} `json:"content"`
			}
			if json.Unmarshal(raw, &pdu) != nil {
				continue
			}
			if pdu.Type == matrix.TypeMessage && pdu.Content.Body == body {
				return raw, true
			}
		}
	}
	return nil, false
}

// sawReceipt reports whether any transaction carried an m.receipt EDU
// acknowledging event by user in room.
func (rec *federationRecorder) sawReceipt(room, user, event string) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, txn := range rec.txns {
		for _, raw := range txn.edus {
			var edu struct {
				EDUType string `json:"edu_type"`
				Content map[string]map[string]map[string]struct {
					EventIDs []string `json:"event_ids"`
				} `json:"content"`
			}
			if json.Unmarshal(raw, &edu) != nil || edu.EDUType != "m.receipt" {
				continue
			}
			for _, id := range edu.Content[room]["m.read"][user].EventIDs {
				if id == event {
					return true
				}
			}
		}
	}
	return false
}

func TestAppservicePush(t *testing.T) {
	f := newFixture(t)
	rec := &appserviceRecorder{}
	ts := httptest.NewServer(rec)
	defer ts.Close()

	ctx := f.start(t)
	registration := fmt.Sprintf(`id: bridge
url: %s
as_token: as-bridge-token
hs_token: hs-bridge-token
sender_localpart: bridgebot
namespaces:
  rooms:
    - exclusive: false
      regex: "!.*"
`, ts.URL)
	if _, err := f.appservice.Register(ctx, []byte(registration)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	alice := f.account(t, "@alice:test.example")
	room := f.createRoom(t, alice)
	f.join(t, room, alice)
	msg := f.message(t, room, alice, "bridge this")

	waitFor(t, 5*time.Second, "appservice push", func() bool {
		return rec.sawEvent(msg.EventID.String())
	})

	push, raw, _ := rec.findEvent(msg.EventID.String())
	if !strings.HasPrefix(push.path, "/_matrix/app/v1/transactions/") {
		t.Errorf("push path = %s", push.path)
	}
	if got := push.query.Get("access_token"); got != "hs-bridge-token" {
		t.Errorf("access_token = %q", got)
	}
	if push.auth != "Bearer hs-bridge-token" {
		t.Errorf("Authorization = %q", push.auth)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("Unmarshal pushed event: %v", err)
	}
	for _, internal := range []string{"signatures", "hashes", "depth", "prev_events", "auth_events"} {
		if _, ok := fields[internal]; ok {
			t.Errorf("pushed event retains %s", internal)
		}
	}
	if string(fields["room_id"]) != `"`+room.String()+`"` {
		t.Errorf("room_id = %s", fields["room_id"])
	}
	if string(fields["sender"]) != `"`+alice.String()+`"` {
		t.Errorf("sender = %s", fields["sender"])
	}
}

func TestFederationTransaction(t *testing.T) {
	f := newFixture(t)
	rec := &federationRecorder{}
	ts := httptest.NewTLSServer(rec)
	defer ts.Close()
	f.seedDestination(t, "remote.example", ts.Listener.Addr().String())

	ctx := f.start(t)
	alice := f.account(t, "@alice:test.example")
	room := f.createRoom(t, alice)
	f.join(t, room, alice)

	// A remote member makes remote.example a fan-out target. The
	// membership is planted directly in the state cache the way a
	// federated join would leave it.
	bob := user(t, "@bob:remote.example")
	err := f.rooms.UpdateMembership(ctx, room, bob, matrix.MembershipJoin, bob, nil, true)
	if err != nil {
		t.Fatalf("UpdateMembership: %v", err)
	}

	msg := f.message(t, room, alice, "over the wire")
	waitFor(t, 5*time.Second, "federation transaction", func() bool {
		_, ok := rec.messagePDU("over the wire")
		return ok
	})

	raw, _ := rec.messagePDU("over the wire")
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("Unmarshal PDU: %v", err)
	}
	if _, ok := fields["event_id"]; ok {
		t.Error("room v11 PDU carries an event_id on the wire")
	}
	if _, ok := fields["signatures"]; !ok {
		t.Error("outgoing PDU is unsigned")
	}
	if _, ok := fields["depth"]; !ok {
		t.Error("outgoing PDU lost its depth")
	}

	t.Run("ReceiptEDU", func(t *testing.T) {
		err := f.rooms.UpdateReadReceipt(ctx, room, alice, msg.EventID, f.clock.Now().UnixMilli())
		if err != nil {
			t.Fatalf("UpdateReadReceipt: %v", err)
		}
		if err := f.sending.FlushRoom(ctx, room); err != nil {
			t.Fatalf("FlushRoom: %v", err)
		}
		waitFor(t, 5*time.Second, "receipt EDU", func() bool {
			return rec.sawReceipt(room.String(), alice.String(), msg.EventID.String())
		})
	})
}

func TestStartupResume(t *testing.T) {
	f := newFixture(t)
	rec := &federationRecorder{}
	ts := httptest.NewTLSServer(rec)
	defer ts.Close()
	f.seedDestination(t, "remote.example", ts.Listener.Addr().String())

	ctx := context.Background()
	alice := f.account(t, "@alice:test.example")
	room := f.createRoom(t, alice)
	f.join(t, room, alice)
	bob := user(t, "@bob:remote.example")
	if err := f.rooms.UpdateMembership(ctx, room, bob, matrix.MembershipJoin, bob, nil, true); err != nil {
		t.Fatalf("UpdateMembership: %v", err)
	}

	// Events appended before the service starts are queued durably
	// but cannot be delivered yet.
	f.message(t, room, alice, "queued while down")
	if n := rec.txnCount(); n != 0 {
		t.Fatalf("%d transactions delivered before Start", n)
	}

	f.start(t)
	waitFor(t, 5*time.Second, "queued event after restart", func() bool {
		_, ok := rec.messagePDU("queued while down")
		return ok
	})
}

func TestUnregisterCleansQueue(t *testing.T) {
	f := newFixture(t)
	rec := &appserviceRecorder{status: http.StatusInternalServerError}
	ts := httptest.NewServer(rec)
	defer ts.Close()

	ctx := f.start(t)
	registration := fmt.Sprintf(`id: flaky
url: %s
as_token: as-flaky-token
hs_token: hs-flaky-token
sender_localpart: flakybot
namespaces:
  rooms:
    - exclusive: false
      regex: "!.*"
`, ts.URL)
	if _, err := f.appservice.Register(ctx, []byte(registration)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	alice := f.account(t, "@alice:test.example")
	room := f.createRoom(t, alice)
	f.join(t, room, alice)
	f.message(t, room, alice, "never arrives")

	// The destination keeps failing, so at least one push attempt
	// proves entries reached the in-flight queue.
	waitFor(t, 5*time.Second, "failed push attempt", func() bool {
		return rec.pushCount() > 0
	})
	if rows := f.appserviceRows(t, "flaky"); rows == 0 {
		t.Fatal("no queue rows for the failing destination")
	}

	if err := f.appservice.Unregister(ctx, "flaky"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	// Cleanup racing a concurrent promotion can strand an in-flight
	// row until the worker's next attempt notices the registration is
	// gone, so allow a retry interval.
	waitFor(t, 15*time.Second, "queue cleanup", func() bool {
		return f.appserviceRows(t, "flaky") == 0
	})
}

// appserviceRows counts durable queue state held for an appservice
// destination across the queued, in-flight, and EDU watermark maps.
func (f *fixture) appserviceRows(t *testing.T, id string) int {
	t.Helper()
	ctx := context.Background()
	destKey := []byte("+" + id)
	prefix := append(append([]byte{}, destKey...), database.Separator)
	rows := 0
	for _, name := range []string{"servernameevent_data", "servercurrentevent_data"} {
		err := f.engine.Map(name).ScanPrefix(ctx, prefix, func(key, value []byte) error {
			rows++
			return nil
		})
		if err != nil {
			t.Fatalf("ScanPrefix(%s): %v", name, err)
		}
	}
	has, err := f.engine.Map("servername_educount").Has(ctx, destKey)
	if err != nil {
		t.Fatalf("Has(educount): %v", err)
	}
	if has {
		rows++
	}
	return rows
}

func TestInterestRequiresMatch(t *testing.T) {
	f := newFixture(t)
	rec := &appserviceRecorder{}
	ts := httptest.NewServer(rec)
	defer ts.Close()

	ctx := f.start(t)
	registration := fmt.Sprintf(`id: tg
url: %s
as_token: as-tg-token
hs_token: hs-tg-token
sender_localpart: tgbot
namespaces:
  users:
    - exclusive: true
      regex: "@_tg_.*:test\\.example"
`, ts.URL)
	if _, err := f.appservice.Register(ctx, []byte(registration)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	alice := f.account(t, "@alice:test.example")
	room := f.createRoom(t, alice)
	f.join(t, room, alice)
	before := f.message(t, room, alice, "before the puppet")

	puppet := f.account(t, "@_tg_1:test.example")
	f.setMembership(t, room, alice, puppet, matrix.MembershipInvite)
	f.join(t, room, puppet)
	after := f.message(t, room, alice, "after the puppet")

	waitFor(t, 5*time.Second, "push for the matched room", func() bool {
		return rec.sawEvent(after.EventID.String())
	})
	if rec.sawEvent(before.EventID.String()) {
		t.Error("event from before any namespace match was pushed")
	}
}

func TestInterestViaAlias(t *testing.T) {
	f := newFixture(t)
	rec := &appserviceRecorder{}
	ts := httptest.NewServer(rec)
	defer ts.Close()

	ctx := f.start(t)
	registration := fmt.Sprintf(`id: directory
url: %s
as_token: as-directory-token
hs_token: hs-directory-token
sender_localpart: dirbot
namespaces:
  aliases:
    - exclusive: false
      regex: "#bridge_.*:test\\.example"
`, ts.URL)
	if _, err := f.appservice.Register(ctx, []byte(registration)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	alice := f.account(t, "@alice:test.example")
	room := f.createRoom(t, alice)
	f.join(t, room, alice)
	plain := f.message(t, room, alice, "unaliased")

	alias, err := ref.ParseRoomAlias("#bridge_general:test.example")
	if err != nil {
		t.Fatalf("ParseRoomAlias: %v", err)
	}
	if err := f.rooms.SetAlias(ctx, alias, room); err != nil {
		t.Fatalf("SetAlias: %v", err)
	}
	aliased := f.message(t, room, alice, "aliased")

	waitFor(t, 5*time.Second, "push after alias match", func() bool {
		return rec.sawEvent(aliased.EventID.String())
	})
	if rec.sawEvent(plain.EventID.String()) {
		t.Error("event from before the alias existed was pushed")
	}
}
