// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package uiaa runs user-interactive authentication flows for the
// endpoints that require them, register and device deletion. Sessions
// live in memory and do not survive a restart.
package uiaa

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/users"
)

// Auth stage types.
const (
	TypePassword          = "m.login.password"
	TypeRegistrationToken = "m.login.registration_token"
	TypeDummy             = "m.login.dummy"
)

// ErrAuthFailed is returned when a submitted stage does not check out.
var ErrAuthFailed = errors.New("uiaa: authentication failed")

// ErrUnknownSession is returned when the client names a session the
// server does not hold.
var ErrUnknownSession = errors.New("uiaa: unknown session")

// Flow is an ordered list of stages that together complete auth.
type Flow struct {
	Stages []string `json:"stages"`
}

// Info is the interactive-auth state returned to clients with a 401.
type Info struct {
	Flows     []Flow                     `json:"flows"`
	Completed []string                   `json:"completed,omitempty"`
	Params    map[string]json.RawMessage `json:"params"`
	Session   string                     `json:"session,omitempty"`
}

// Auth is the "auth" object clients submit to advance a session.
type Auth struct {
	Type       string     `json:"type"`
	Session    string     `json:"session"`
	Password   string     `json:"password"`
	Token      string     `json:"token"`
	Identifier Identifier `json:"identifier"`
}

// Identifier names the account in an m.login.password stage.
type Identifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// Config configures the uiaa service.
type Config struct {
	// Users verifies password stages. Required.
	Users *users.Service

	// Globals supplies the registration token and server name.
	// Required.
	Globals *globals.Service

	// Logger receives service logs. Required.
	Logger *slog.Logger
}

// Service is the uiaa service.
type Service struct {
	users   *users.Service
	globals *globals.Service
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

type sessionKey struct {
	user    string
	device  string
	session string
}

type session struct {
	flows     []Flow
	completed []string
	request   json.RawMessage
}

// New builds the uiaa service.
func New(cfg Config) *Service {
	if cfg.Users == nil {
		panic("uiaa: Config.Users is required")
	}
	if cfg.Globals == nil {
		panic("uiaa: Config.Globals is required")
	}
	if cfg.Logger == nil {
		panic("uiaa: Config.Logger is required")
	}
	return &Service{
		users:    cfg.Users,
		globals:  cfg.Globals,
		logger:   cfg.Logger,
		sessions: make(map[sessionKey]*session),
	}
}

// Create opens a session for the given flows and returns the Info to
// send with the first 401. The request body is retained so a later
// completion can be checked against it. User and device are zero
// during registration.
func (s *Service) Create(user ref.UserID, device ref.DeviceID, flows []Flow, request json.RawMessage) (*Info, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionKey{user.String(), device.String(), id}] = &session{
		flows:   flows,
		request: append(json.RawMessage(nil), request...),
	}

	return &Info{
		Flows:   flows,
		Params:  map[string]json.RawMessage{},
		Session: id,
	}, nil
}

// TryAuth advances a session with a submitted auth object. It returns
// true when a full flow is complete; otherwise the returned Info is
// sent with another 401. Failed stages return ErrAuthFailed and
// unknown sessions ErrUnknownSession.
func (s *Service) TryAuth(ctx context.Context, user ref.UserID, device ref.DeviceID, auth Auth) (bool, *Info, error) {
	if auth.Session == "" {
		return false, nil, ErrUnknownSession
	}
	key := sessionKey{user.String(), device.String(), auth.Session}

	s.mu.Lock()
	sess, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return false, nil, ErrUnknownSession
	}

	if err := s.checkStage(ctx, user, auth); err != nil {
		return false, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !completedContains(sess.completed, auth.Type) {
		sess.completed = append(sess.completed, auth.Type)
	}

	if flowSatisfied(sess.flows, sess.completed) {
		delete(s.sessions, key)
		return true, nil, nil
	}
	return false, &Info{
		Flows:     sess.flows,
		Completed: append([]string(nil), sess.completed...),
		Params:    map[string]json.RawMessage{},
		Session:   auth.Session,
	}, nil
}

// Request returns the original request body a session was opened
// with, nil for unknown sessions.
func (s *Service) Request(user ref.UserID, device ref.DeviceID, sessionID string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionKey{user.String(), device.String(), sessionID}]; ok {
		return sess.request
	}
	return nil
}

func (s *Service) checkStage(ctx context.Context, user ref.UserID, auth Auth) error {
	switch auth.Type {
	case TypeDummy:
		return nil

	case TypeRegistrationToken:
		token := s.globals.RegistrationToken()
		if token == "" || auth.Token != token {
			return fmt.Errorf("%w: bad registration token", ErrAuthFailed)
		}
		return nil

	case TypePassword:
		target := user
		if auth.Identifier.Type == "m.id.user" && auth.Identifier.User != "" {
			parsed, err := s.parseUser(auth.Identifier.User)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			target = parsed
		}
		if target.IsZero() {
			return fmt.Errorf("%w: no account identified", ErrAuthFailed)
		}
		if err := s.users.VerifyPassword(ctx, target, auth.Password); err != nil {
			return fmt.Errorf("%w: bad password", ErrAuthFailed)
		}
		return nil

	default:
		return fmt.Errorf("%w: unsupported stage %q", ErrAuthFailed, auth.Type)
	}
}

// parseUser accepts a full user id or a bare localpart.
func (s *Service) parseUser(raw string) (ref.UserID, error) {
	if raw != "" && raw[0] == '@' {
		return ref.ParseUserID(raw)
	}
	return ref.NewUserID(raw, s.globals.ServerName())
}

func flowSatisfied(flows []Flow, completed []string) bool {
	for _, flow := range flows {
		done := true
		for _, stage := range flow.Stages {
			if !completedContains(completed, stage) {
				done = false
				break
			}
		}
		if done {
			return true
		}
	}
	return false
}

func completedContains(completed []string, stage string) bool {
	for _, s := range completed {
		if s == stage {
			return true
		}
	}
	return false
}

func newSessionID() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("uiaa: generating session id: %w", err)
	}
	for i, b := range raw {
		raw[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(raw), nil
}
