// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package uiaa_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/uiaa"
	"github.com/tototomate123/tuwunel/service/users"
)

func newFixture(t *testing.T, registrationToken string) (*uiaa.Service, *users.Service) {
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
	cfg.RegistrationToken = registrationToken
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	g, err := globals.New(context.Background(), globals.Config{DB: engine, Server: cfg, Logger: logger})
	if err != nil {
		t.Fatalf("globals.New: %v", err)
	}
	u := users.New(users.Config{DB: engine, Globals: g, Logger: logger})

	return uiaa.New(uiaa.Config{Users: u, Globals: g, Logger: logger}), u
}

func TestDummyFlow(t *testing.T) {
	svc, _ := newFixture(t, "")
	ctx := context.Background()
	flows := []uiaa.Flow{{Stages: []string{uiaa.TypeDummy}}}
	request := json.RawMessage(`{"username":"alice"}`)

	info, err := svc.Create(ref.UserID{}, ref.DeviceID{}, flows, request)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Session == "" || len(info.Flows) != 1 {
		t.Fatalf("info = %+v", info)
	}

	done, _, err := svc.TryAuth(ctx, ref.UserID{}, ref.DeviceID{}, uiaa.Auth{
		Type:    uiaa.TypeDummy,
		Session: info.Session,
	})
	if err != nil {
		t.Fatalf("TryAuth: %v", err)
	}
	if !done {
		t.Error("dummy stage did not complete the flow")
	}

	// The session is gone once completed.
	if _, _, err := svc.TryAuth(ctx, ref.UserID{}, ref.DeviceID{}, uiaa.Auth{
		Type:    uiaa.TypeDummy,
		Session: info.Session,
	}); !errors.Is(err, uiaa.ErrUnknownSession) {
		t.Errorf("completed session still alive: %v", err)
	}
}

func TestRegistrationTokenFlow(t *testing.T) {
	svc, _ := newFixture(t, "let-me-in")
	ctx := context.Background()
	flows := []uiaa.Flow{{Stages: []string{uiaa.TypeRegistrationToken}}}

	info, err := svc.Create(ref.UserID{}, ref.DeviceID{}, flows, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, _, err = svc.TryAuth(ctx, ref.UserID{}, ref.DeviceID{}, uiaa.Auth{
		Type:    uiaa.TypeRegistrationToken,
		Session: info.Session,
		Token:   "wrong",
	})
	if !errors.Is(err, uiaa.ErrAuthFailed) {
		t.Fatalf("wrong token = %v, want ErrAuthFailed", err)
	}

	done, _, err := svc.TryAuth(ctx, ref.UserID{}, ref.DeviceID{}, uiaa.Auth{
		Type:    uiaa.TypeRegistrationToken,
		Session: info.Session,
		Token:   "let-me-in",
	})
	if err != nil || !done {
		t.Fatalf("right token: done=%v err=%v", done, err)
	}
}

func TestPasswordFlow(t *testing.T) {
	svc, u := newFixture(t, "")
	ctx := context.Background()

	alice, err := ref.ParseUserID("@alice:test.example")
	if err != nil {
		t.Fatalf("ParseUserID: %v", err)
	}
	if err := u.Create(ctx, alice, "sekrit"); err != nil {
		t.Fatalf("users.Create: %v", err)
	}

	device, err := ref.ParseDeviceID("PHONE")
	if err != nil {
		t.Fatalf("ParseDeviceID: %v", err)
	}
	flows := []uiaa.Flow{{Stages: []string{uiaa.TypePassword}}}
	info, err := svc.Create(alice, device, flows, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, _, err = svc.TryAuth(ctx, alice, device, uiaa.Auth{
		Type:     uiaa.TypePassword,
		Session:  info.Session,
		Password: "wrong",
	})
	if !errors.Is(err, uiaa.ErrAuthFailed) {
		t.Fatalf("wrong password = %v, want ErrAuthFailed", err)
	}

	// The identifier may name the account by bare localpart.
	done, _, err := svc.TryAuth(ctx, alice, device, uiaa.Auth{
		Type:       uiaa.TypePassword,
		Session:    info.Session,
		Password:   "sekrit",
		Identifier: uiaa.Identifier{Type: "m.id.user", User: "alice"},
	})
	if err != nil || !done {
		t.Fatalf("right password: done=%v err=%v", done, err)
	}
}

func TestMultiStageFlow(t *testing.T) {
	svc, _ := newFixture(t, "tok")
	ctx := context.Background()
	flows := []uiaa.Flow{{Stages: []string{uiaa.TypeRegistrationToken, uiaa.TypeDummy}}}

	info, err := svc.Create(ref.UserID{}, ref.DeviceID{}, flows, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done, next, err := svc.TryAuth(ctx, ref.UserID{}, ref.DeviceID{}, uiaa.Auth{
		Type:    uiaa.TypeRegistrationToken,
		Session: info.Session,
		Token:   "tok",
	})
	if err != nil {
		t.Fatalf("first stage: %v", err)
	}
	if done {
		t.Fatal("flow complete after one of two stages")
	}
	if len(next.Completed) != 1 || next.Completed[0] != uiaa.TypeRegistrationToken {
		t.Errorf("completed = %v", next.Completed)
	}

	done, _, err = svc.TryAuth(ctx, ref.UserID{}, ref.DeviceID{}, uiaa.Auth{
		Type:    uiaa.TypeDummy,
		Session: info.Session,
	})
	if err != nil || !done {
		t.Fatalf("second stage: done=%v err=%v", done, err)
	}
}

func TestUnknownSession(t *testing.T) {
	svc, _ := newFixture(t, "")

	_, _, err := svc.TryAuth(context.Background(), ref.UserID{}, ref.DeviceID{}, uiaa.Auth{
		Type:    uiaa.TypeDummy,
		Session: "nope",
	})
	if !errors.Is(err, uiaa.ErrUnknownSession) {
		t.Errorf("err = %v, want ErrUnknownSession", err)
	}
}

func TestSessionRetainsRequest(t *testing.T) {
	svc, _ := newFixture(t, "")
	request := json.RawMessage(`{"username":"alice","password":"pw"}`)

	info, err := svc.Create(ref.UserID{}, ref.DeviceID{}, []uiaa.Flow{{Stages: []string{uiaa.TypeDummy}}}, request)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got := svc.Request(ref.UserID{}, ref.DeviceID{}, info.Session)
	if string(got) != string(request) {
		t.Errorf("stored request = %s", got)
	}
	if svc.Request(ref.UserID{}, ref.DeviceID{}, "other") != nil {
		t.Error("unknown session returned a request")
	}
}
