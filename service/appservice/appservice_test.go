// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package appservice_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/service/appservice"
	"github.com/tototomate123/tuwunel/service/globals"
)

type fixture struct {
	appservice *appservice.Service
	engine     *database.Engine
	cfg        *config.Config
	globals    *globals.Service
	logger     *slog.Logger
}

// newFixture builds an appservice service. With registrationDir set,
// YAML files in it are loaded by Start.
func newFixture(t *testing.T, registrationDir string) *fixture {
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
	cfg.Appservice.RegistrationDir = registrationDir
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	g, err := globals.New(context.Background(), globals.Config{
		DB:     engine,
		Server: cfg,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("globals.New: %v", err)
	}

	return &fixture{
		appservice: appservice.New(appservice.Config{
			DB:      engine,
			Server:  cfg,
			Globals: g,
			Logger:  logger,
		}),
		engine:  engine,
		cfg:     cfg,
		globals: g,
		logger:  logger,
	}
}

const bridgeRegistration = `
id: telegram
url: http://localhost:8009
as_token: as_secret_telegram
hs_token: hs_secret_telegram
sender_localpart: _telegram_bot
namespaces:
  users:
    - exclusive: true
      regex: "@_telegram_.*:test\\.example"
  aliases:
    - exclusive: false
      regex: "#telegram_.*:test\\.example"
  rooms: []
`

const ircRegistration = `
id: irc
url: http://localhost:8010
as_token: as_secret_irc
hs_token: hs_secret_irc
sender_localpart: _irc_bot
namespaces:
  users:
    - exclusive: true
      regex: "@_irc_.*:test\\.example"
  rooms:
    - exclusive: true
      regex: "!internal_irc_.*"
`

func TestRegisterAndLookup(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	if err := f.appservice.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	info, err := f.appservice.Register(ctx, []byte(bridgeRegistration))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if info.ID != "telegram" {
		t.Fatalf("registered id = %q, want telegram", info.ID)
	}
	if got := info.Sender.String(); got != "@_telegram_bot:test.example" {
		t.Fatalf("sender = %q", got)
	}

	if _, ok := f.appservice.Get("telegram"); !ok {
		t.Fatal("Get(telegram) = false after Register")
	}
	if _, ok := f.appservice.ByASToken("as_secret_telegram"); !ok {
		t.Fatal("ByASToken missed the registered token")
	}
	if _, ok := f.appservice.ByASToken("wrong"); ok {
		t.Fatal("ByASToken matched an unknown token")
	}
	if n := f.appservice.Count(); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}

	t.Run("DuplicateID", func(t *testing.T) {
		if _, err := f.appservice.Register(ctx, []byte(bridgeRegistration)); err == nil {
			t.Fatal("re-registering the same id succeeded")
		}
	})

	t.Run("DuplicateToken", func(t *testing.T) {
		clash := `
id: other
url: http://localhost:9000
as_token: as_secret_telegram
hs_token: hs_other
sender_localpart: _other_bot
`
		if _, err := f.appservice.Register(ctx, []byte(clash)); err == nil {
			t.Fatal("registering a second appservice with the same as_token succeeded")
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		if _, err := f.appservice.Register(ctx, []byte("id: broken\n")); err == nil {
			t.Fatal("registration without tokens succeeded")
		}
	})

	t.Run("SurvivesRestart", func(t *testing.T) {
		// A second service over the same database stands in for a
		// server restart.
		restarted := appservice.New(appservice.Config{
			DB:      f.engine,
			Server:  f.cfg,
			Globals: f.globals,
			Logger:  f.logger,
		})
		if err := restarted.Start(ctx); err != nil {
			t.Fatalf("Start after restart: %v", err)
		}
		if _, ok := restarted.Get("telegram"); !ok {
			t.Fatal("stored registration lost across restart")
		}
		if _, ok := restarted.ByASToken("as_secret_telegram"); !ok {
			t.Fatal("stored as_token lost across restart")
		}
	})
}

func TestNamespaceMatching(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	if err := f.appservice.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	info, err := f.appservice.Register(ctx, []byte(bridgeRegistration))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	puppet := ref.MustParseUserID("@_telegram_12345:test.example")
	outsider := ref.MustParseUserID("@alice:test.example")

	if !info.MatchesUser(info.Sender) {
		t.Error("sender user does not match its own appservice")
	}
	if !info.MatchesUser(puppet) {
		t.Error("namespaced user does not match")
	}
	if info.MatchesUser(outsider) {
		t.Error("unrelated user matches")
	}
	if !info.MatchesUserExclusively(puppet) {
		t.Error("exclusive users namespace not honored")
	}

	alias := ref.MustParseRoomAlias("#telegram_general:test.example")
	if !info.MatchesAlias(alias) {
		t.Error("namespaced alias does not match")
	}
	if info.MatchesAliasExclusively(alias) {
		t.Error("non-exclusive alias namespace reported exclusive")
	}

	if !f.appservice.IsExclusiveUser(puppet) {
		t.Error("IsExclusiveUser missed the puppet range")
	}
	if f.appservice.IsExclusiveUser(outsider) {
		t.Error("IsExclusiveUser claimed an unrelated user")
	}
	if f.appservice.IsExclusiveAlias(alias) {
		t.Error("IsExclusiveAlias claimed a non-exclusive alias")
	}

	irc, err := f.appservice.Register(ctx, []byte(ircRegistration))
	if err != nil {
		t.Fatalf("Register(irc): %v", err)
	}
	room := ref.MustParseRoomID("!internal_irc_42:test.example")
	if !irc.MatchesRoomExclusively(room) {
		t.Error("exclusive rooms namespace not honored")
	}
	if !f.appservice.IsExclusiveRoom(room) {
		t.Error("IsExclusiveRoom missed the reserved range")
	}
}

func TestUnregister(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	var removed []string
	f.appservice.RegisterRemovalHook(func(_ context.Context, id string) {
		removed = append(removed, id)
	})
	if err := f.appservice.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.appservice.Register(ctx, []byte(bridgeRegistration)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := f.appservice.Unregister(ctx, "telegram"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := f.appservice.Get("telegram"); ok {
		t.Fatal("registration still present after Unregister")
	}
	if len(removed) != 1 || removed[0] != "telegram" {
		t.Fatalf("removal hooks saw %v, want [telegram]", removed)
	}
	if err := f.appservice.Unregister(ctx, "telegram"); err == nil {
		t.Fatal("unregistering twice succeeded")
	}
}

func TestRegistrationDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "telegram.yaml"), bridgeRegistration)
	writeFile(t, filepath.Join(dir, "irc.yml"), ircRegistration)
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a registration")
	// A broken file is skipped without sinking the rest.
	writeFile(t, filepath.Join(dir, "broken.yaml"), "id: broken\nas_token: x\nhs_token: y\nsender_localpart: bot\nnamespaces:\n  users:\n    - exclusive: true\n      regex: \"([\"\n")

	f := newFixture(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.appservice.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if n := f.appservice.Count(); n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
	if _, ok := f.appservice.Get("telegram"); !ok {
		t.Fatal("telegram registration not loaded from directory")
	}
	if _, ok := f.appservice.Get("irc"); !ok {
		t.Fatal("irc registration not loaded from directory")
	}
	if _, ok := f.appservice.Get("broken"); ok {
		t.Fatal("broken registration loaded")
	}

	if err := f.appservice.Unregister(ctx, "telegram"); err == nil {
		t.Fatal("unregistering a file-managed registration succeeded")
	}
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.appservice.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := f.appservice.Count(); n != 0 {
		t.Fatalf("Count = %d before any files, want 0", n)
	}

	writeFile(t, filepath.Join(dir, "telegram.yaml"), bridgeRegistration)
	waitFor(t, func() bool {
		_, ok := f.appservice.Get("telegram")
		return ok
	}, "registration file picked up")

	if err := os.Remove(filepath.Join(dir, "telegram.yaml")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := f.appservice.Get("telegram")
		return !ok
	}, "registration removal picked up")
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

// waitFor polls until the condition holds. Directory watch delivery
// is asynchronous, so assertions after a file change go through here.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
