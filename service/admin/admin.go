// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package admin processes server administration commands.
//
// Commands arrive from three places: --execute arguments handled
// after startup, the interactive console, and m.room.message events
// in the admin room addressed to the configured command prefix. All
// three feed the same command tree and produce a markdown reply;
// admin room replies additionally carry an HTML rendering and are
// posted as the server user.
//
// Membership in the admin room is what makes a user a server admin.
// The room is created on first run with the server user as its only
// member, and the first registered account is invited into it.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/appservice"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/rooms"
	"github.com/tototomate123/tuwunel/service/serverkeys"
	"github.com/tototomate123/tuwunel/service/users"
)

// Config carries the dependencies for New.
type Config struct {
	// DB is the opened database engine. Required.
	DB *database.Engine

	// Server is the server configuration. Required.
	Server *config.Config

	// Globals provides the server identity and counter. Required.
	Globals *globals.Service

	// Users is the account service. Required.
	Users *users.Service

	// Rooms is the rooms service. The admin service registers a
	// timeline hook and a build check on it. Required.
	Rooms *rooms.Service

	// Appservice holds appservice registrations. Required.
	Appservice *appservice.Service

	// Keys signs and verifies federation JSON. Required.
	Keys *serverkeys.Service

	// Federation performs outgoing federation requests. Required.
	Federation *federation.Client

	// Logger receives service logs. Required.
	Logger *slog.Logger

	// Clock supplies time. Defaults to the real clock.
	Clock clock.Clock
}

// Service is the admin command processor.
type Service struct {
	logger     *slog.Logger
	server     *config.Config
	db         *database.Engine
	globals    *globals.Service
	users      *users.Service
	rooms      *rooms.Service
	appservice *appservice.Service
	keys       *serverkeys.Service
	federation *federation.Client
	clock      clock.Clock

	root      *Command
	markdown  goldmark.Markdown
	startedAt time.Time
}

// New builds the admin service and registers its timeline hook and
// build check with the rooms service. Construct it before serving
// traffic.
func New(cfg Config) *Service {
	if cfg.DB == nil {
		panic("admin: Config.DB is required")
	}
	if cfg.Server == nil {
		panic("admin: Config.Server is required")
	}
	if cfg.Globals == nil {
		panic("admin: Config.Globals is required")
	}
	if cfg.Users == nil {
		panic("admin: Config.Users is required")
	}
	if cfg.Rooms == nil {
		panic("admin: Config.Rooms is required")
	}
	if cfg.Appservice == nil {
		panic("admin: Config.Appservice is required")
	}
	if cfg.Keys == nil {
		panic("admin: Config.Keys is required")
	}
	if cfg.Federation == nil {
		panic("admin: Config.Federation is required")
	}
	if cfg.Logger == nil {
		panic("admin: Config.Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	s := &Service{
		logger:     cfg.Logger.With("component", "admin"),
		server:     cfg.Server,
		db:         cfg.DB,
		globals:    cfg.Globals,
		users:      cfg.Users,
		rooms:      cfg.Rooms,
		appservice: cfg.Appservice,
		keys:       cfg.Keys,
		federation: cfg.Federation,
		clock:      cfg.Clock,
		markdown:   goldmark.New(goldmark.WithExtensions(extension.GFM)),
		startedAt:  cfg.Clock.Now(),
	}
	s.root = s.commandTree()

	cfg.Rooms.RegisterAppendHook(s.handleMessage)
	cfg.Rooms.RegisterBuildCheck(s.protectAdminRoom)
	return s
}

// commandTree assembles the root of the admin command tree. The root
// is named after the configured prefix so help output shows command
// lines the way they are typed in the admin room.
func (s *Service) commandTree() *Command {
	return &Command{
		Name:    s.server.AdminCommandPrefix,
		Summary: "server administration commands",
		Description: "Administrate the homeserver. Commands can be sent as messages\n" +
			"in the admin room, typed into the server console, or passed on\n" +
			"the command line with --execute.",
		Subcommands: []*Command{
			s.userCommand(),
			s.roomCommand(),
			s.federationCommand(),
			s.serverCommand(),
			s.databaseCommand(),
			s.debugCommand(),
			s.appserviceCommand(),
		},
	}
}

// Process runs one admin command and returns the markdown reply. The
// first input line is the command; later lines become the body that
// commands like "appservice register" read their code block from.
// The configured command prefix is stripped when present, so admin
// room messages ("!admin user list") and console input ("user list")
// both work.
func (s *Service) Process(ctx context.Context, input string) string {
	lines := strings.Split(input, "\n")
	command := strings.TrimSpace(lines[0])
	if rest, ok := strings.CutPrefix(command, s.server.AdminCommandPrefix); ok {
		command = strings.TrimSpace(rest)
	}

	var out strings.Builder
	cctx := &Context{Context: ctx, Out: &out, Body: lines[1:]}

	args := strings.Fields(command)
	if len(args) == 0 {
		s.root.PrintHelp(&out)
		return strings.TrimRight(out.String(), "\n")
	}

	start := s.clock.Now()
	err := s.root.Execute(cctx, args)
	s.logger.Debug("admin command processed",
		"command", command,
		"duration", s.clock.Now().Sub(start),
		"error", err != nil)

	if err != nil {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		fmt.Fprintf(&out, "Error: %s", err)
	}
	reply := strings.TrimRight(out.String(), "\n")
	if reply == "" {
		reply = "Done."
	}
	return reply
}

// handleMessage is the timeline hook watching the admin room. It runs
// after every append, filters for prefixed messages from local admins,
// and posts the command's reply. Replies come from the server user, so
// skipping that sender keeps the hook from feeding on its own output.
func (s *Service) handleMessage(ctx context.Context, pdu *matrix.PDU) {
	if pdu.Type != matrix.TypeMessage || pdu.StateKey != nil {
		return
	}
	serverUser := s.globals.ServerUser()
	if pdu.Sender == serverUser && s.server.EmergencyPassword == "" {
		return
	}
	if !s.globals.UserIsLocal(pdu.Sender) {
		return
	}
	room, ok, err := s.AdminRoom(ctx)
	if err != nil || !ok || pdu.RoomID != room {
		return
	}

	var content struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(pdu.Content, &content); err != nil {
		return
	}
	body := strings.TrimSpace(content.Body)
	if !strings.HasPrefix(body, s.server.AdminCommandPrefix) {
		return
	}

	reply := s.Process(ctx, body)
	if err := s.Notice(ctx, reply); err != nil {
		s.logger.Error("posting admin reply", "error", err)
	}
}

// Notice posts a markdown message to the admin room as the server
// user.
func (s *Service) Notice(ctx context.Context, body string) error {
	room, ok, err := s.AdminRoom(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("admin: no admin room to post to")
	}
	content, err := s.messageContent(body)
	if err != nil {
		return err
	}
	_, err = s.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
		Type:    matrix.TypeMessage,
		Content: content,
	}, s.globals.ServerUser(), room)
	if err != nil {
		return fmt.Errorf("admin: posting notice: %w", err)
	}
	return nil
}

// messageContent builds m.notice content carrying the markdown source
// and its HTML rendering.
func (s *Service) messageContent(markdown string) (json.RawMessage, error) {
	content := map[string]any{
		"msgtype": "m.notice",
		"body":    markdown,
	}
	var html bytes.Buffer
	if err := s.markdown.Convert([]byte(markdown), &html); err == nil {
		content["format"] = "org.matrix.custom.html"
		content["formatted_body"] = strings.TrimSpace(html.String())
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("admin: encoding notice: %w", err)
	}
	return raw, nil
}

// AdminRoom resolves the admin room through its alias. ok is false
// when the room was never created or the server user is no longer in
// it.
func (s *Service) AdminRoom(ctx context.Context) (ref.RoomID, bool, error) {
	room, ok, err := s.rooms.ResolveLocalAlias(ctx, s.globals.AdminAlias())
	if err != nil || !ok {
		return ref.RoomID{}, false, err
	}
	joined, err := s.rooms.IsJoined(ctx, s.globals.ServerUser(), room)
	if err != nil || !joined {
		return ref.RoomID{}, false, err
	}
	return room, true, nil
}

// IsAdmin reports whether the user is joined to the admin room.
func (s *Service) IsAdmin(ctx context.Context, user ref.UserID) bool {
	room, ok, err := s.AdminRoom(ctx)
	if err != nil || !ok {
		return false
	}
	joined, err := s.rooms.IsJoined(ctx, user, room)
	return err == nil && joined
}
