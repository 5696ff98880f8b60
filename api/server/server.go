// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package server implements the Matrix server-server API under
// /_matrix/federation and /_matrix/key: the join, leave, and invite
// handshakes, transaction ingest, event and state retrieval, backfill,
// and the query endpoints, plus the discovery documents other servers
// and clients probe for. Every federation route past the version and
// key documents requires an X-Matrix signed request; handlers receive
// the verified origin through the request identity.
package server

import (
	"log/slog"
	"net/http"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/rooms"
	"github.com/tototomate123/tuwunel/service/serverkeys"
	"github.com/tototomate123/tuwunel/service/users"
)

// Config carries the dependencies for New.
type Config struct {
	// Server is the server configuration. Required.
	Server *config.Config

	// Globals provides the server identity. Required.
	Globals *globals.Service

	// Users answers profile queries. Required.
	Users *users.Service

	// Rooms is the rooms service. Required.
	Rooms *rooms.Service

	// Keys signs our half of the federation handshakes. Required.
	Keys *serverkeys.Service

	// Logger receives handler logs. Required.
	Logger *slog.Logger

	// Clock supplies time. Defaults to the real clock.
	Clock clock.Clock
}

// Handlers is the set of federation API endpoint handlers.
type Handlers struct {
	logger  *slog.Logger
	server  *config.Config
	globals *globals.Service
	users   *users.Service
	rooms   *rooms.Service
	keys    *serverkeys.Service
	clock   clock.Clock
}

// New wires the federation API handlers.
func New(cfg Config) *Handlers {
	if cfg.Server == nil {
		panic("server: Config.Server is required")
	}
	if cfg.Globals == nil {
		panic("server: Config.Globals is required")
	}
	if cfg.Users == nil {
		panic("server: Config.Users is required")
	}
	if cfg.Rooms == nil {
		panic("server: Config.Rooms is required")
	}
	if cfg.Keys == nil {
		panic("server: Config.Keys is required")
	}
	if cfg.Logger == nil {
		panic("server: Config.Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Handlers{
		logger:  cfg.Logger.With("component", "server-api"),
		server:  cfg.Server,
		globals: cfg.Globals,
		users:   cfg.Users,
		rooms:   cfg.Rooms,
		keys:    cfg.Keys,
		clock:   cfg.Clock,
	}
}

// Register installs the federation API on mux. The version and key
// documents, the well-known documents, and the root greeting are open;
// everything else is wrapped in X-Matrix authentication. Register also
// claims the fallback route, so it must run on the same mux as the
// client API.
func (h *Handlers) Register(mux *http.ServeMux, auth *router.Auth) {
	authed := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth.RequireOrigin(fn))
	}

	mux.HandleFunc("GET /_matrix/federation/v1/version", h.version)
	mux.HandleFunc("GET /_matrix/key/v2/server", h.serverKeys)
	mux.HandleFunc("GET /_matrix/key/v2/server/{keyId...}", h.serverKeys)
	mux.HandleFunc("GET /.well-known/matrix/server", h.wellKnownServer)
	mux.HandleFunc("GET /.well-known/matrix/client", h.wellKnownClient)
	mux.HandleFunc("GET /{$}", h.greeting)
	mux.HandleFunc("/", router.NotFound)

	authed("PUT /_matrix/federation/v1/send/{txnId}", h.sendTransaction)

	authed("GET /_matrix/federation/v1/event/{eventId}", h.event)
	authed("GET /_matrix/federation/v1/state/{roomId}", h.state)
	authed("GET /_matrix/federation/v1/state_ids/{roomId}", h.stateIDs)
	authed("GET /_matrix/federation/v1/backfill/{roomId}", h.backfill)
	authed("POST /_matrix/federation/v1/get_missing_events/{roomId}", h.missingEvents)

	authed("GET /_matrix/federation/v1/make_join/{roomId}/{userId}", h.makeJoin)
	authed("PUT /_matrix/federation/v1/send_join/{roomId}/{eventId}", h.sendJoinV1)
	authed("PUT /_matrix/federation/v2/send_join/{roomId}/{eventId}", h.sendJoin)
	authed("GET /_matrix/federation/v1/make_leave/{roomId}/{userId}", h.makeLeave)
	authed("PUT /_matrix/federation/v1/send_leave/{roomId}/{eventId}", h.sendLeaveV1)
	authed("PUT /_matrix/federation/v2/send_leave/{roomId}/{eventId}", h.sendLeave)
	authed("PUT /_matrix/federation/v2/invite/{roomId}/{eventId}", h.invite)

	authed("GET /_matrix/federation/v1/query/profile", h.queryProfile)
	authed("GET /_matrix/federation/v1/query/directory", h.queryDirectory)
}

// roomParam parses the roomId path segment.
func roomParam(r *http.Request) (ref.RoomID, error) {
	room, err := ref.ParseRoomID(r.PathValue("roomId"))
	if err != nil {
		return ref.RoomID{}, matrix.InvalidParam("invalid room id: %s", err)
	}
	return room, nil
}

// userParam parses the userId path segment.
func userParam(r *http.Request) (ref.UserID, error) {
	user, err := ref.ParseUserID(r.PathValue("userId"))
	if err != nil {
		return ref.UserID{}, matrix.InvalidParam("invalid user id: %s", err)
	}
	return user, nil
}

// eventParam parses the eventId path segment.
func eventParam(r *http.Request) (ref.EventID, error) {
	event, err := ref.ParseEventID(r.PathValue("eventId"))
	if err != nil {
		return ref.EventID{}, matrix.InvalidParam("invalid event id: %s", err)
	}
	return event, nil
}

// checkRoomACL applies the room's server ACL to the requesting origin.
func (h *Handlers) checkRoomACL(r *http.Request, room ref.RoomID) error {
	origin := router.IdentityFrom(r.Context()).Origin
	allowed, err := h.rooms.ServerACLAllows(r.Context(), room, origin)
	if err != nil {
		return err
	}
	if !allowed {
		return matrix.Forbidden("server %s is banned from room %s", origin, room)
	}
	return nil
}

// requireRoomParticipant gates retrieval endpoints: the origin must
// have a user in the room and pass the room's server ACL.
func (h *Handlers) requireRoomParticipant(r *http.Request, room ref.RoomID) error {
	if err := h.checkRoomACL(r, room); err != nil {
		return err
	}
	origin := router.IdentityFrom(r.Context()).Origin
	inRoom, err := h.rooms.ServerInRoom(r.Context(), origin, room)
	if err != nil {
		return err
	}
	if !inRoom {
		return matrix.Forbidden("server %s is not in room %s", origin, room)
	}
	return nil
}
