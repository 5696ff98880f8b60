// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package client implements the Matrix client-server API under
// /_matrix/client: registration and login, profiles, account data,
// room creation and membership, the room timeline, sync, search, and
// media. Handlers translate requests into service calls and render
// Matrix error JSON; the only state they hold is the store of
// one-time login tokens.
package client

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/admin"
	"github.com/tototomate123/tuwunel/service/appservice"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/media"
	"github.com/tototomate123/tuwunel/service/rooms"
	"github.com/tototomate123/tuwunel/service/serverkeys"
	"github.com/tototomate123/tuwunel/service/sync"
	"github.com/tototomate123/tuwunel/service/uiaa"
	"github.com/tototomate123/tuwunel/service/users"
)

// Config carries the dependencies for New.
type Config struct {
	// Server is the server configuration. Required.
	Server *config.Config

	// Globals provides the server identity. Required.
	Globals *globals.Service

	// Users is the account service. Required.
	Users *users.Service

	// UIAA runs interactive-auth sessions. Required.
	UIAA *uiaa.Service

	// Rooms is the rooms service. Required.
	Rooms *rooms.Service

	// Sync builds /sync responses. Required.
	Sync *sync.Service

	// Media is the media store. Required.
	Media *media.Service

	// Admin bootstraps the admin room for first registrations.
	// Required.
	Admin *admin.Service

	// Appservices holds appservice registrations. Required.
	Appservices *appservice.Service

	// Federation performs remote joins, invites, and media fetches.
	// Required.
	Federation *federation.Client

	// Keys signs events built for other servers. Required.
	Keys *serverkeys.Service

	// Logger receives handler logs. Required.
	Logger *slog.Logger

	// Clock supplies time. Defaults to the real clock.
	Clock clock.Clock
}

// Handlers is the set of client API endpoint handlers.
type Handlers struct {
	logger      *slog.Logger
	server      *config.Config
	globals     *globals.Service
	users       *users.Service
	uiaa        *uiaa.Service
	rooms       *rooms.Service
	sync        *sync.Service
	media       *media.Service
	admin       *admin.Service
	appservices *appservice.Service
	federation  *federation.Client
	keys        *serverkeys.Service
	clock       clock.Clock

	tokens *loginTokens
}

// New wires the client API handlers.
func New(cfg Config) *Handlers {
	if cfg.Server == nil {
		panic("client: Config.Server is required")
	}
	if cfg.Globals == nil {
		panic("client: Config.Globals is required")
	}
	if cfg.Users == nil {
		panic("client: Config.Users is required")
	}
	if cfg.UIAA == nil {
		panic("client: Config.UIAA is required")
	}
	if cfg.Rooms == nil {
		panic("client: Config.Rooms is required")
	}
	if cfg.Sync == nil {
		panic("client: Config.Sync is required")
	}
	if cfg.Media == nil {
		panic("client: Config.Media is required")
	}
	if cfg.Admin == nil {
		panic("client: Config.Admin is required")
	}
	if cfg.Appservices == nil {
		panic("client: Config.Appservices is required")
	}
	if cfg.Federation == nil {
		panic("client: Config.Federation is required")
	}
	if cfg.Keys == nil {
		panic("client: Config.Keys is required")
	}
	if cfg.Logger == nil {
		panic("client: Config.Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Handlers{
		logger:      cfg.Logger.With("component", "client-api"),
		server:      cfg.Server,
		globals:     cfg.Globals,
		users:       cfg.Users,
		uiaa:        cfg.UIAA,
		rooms:       cfg.Rooms,
		sync:        cfg.Sync,
		media:       cfg.Media,
		admin:       cfg.Admin,
		appservices: cfg.Appservices,
		federation:  cfg.Federation,
		keys:        cfg.Keys,
		clock:       cfg.Clock,
		tokens:      newLoginTokens(cfg.Clock),
	}
}

// Register installs the client API on mux. Routes under the versioned
// prefix are served at both /_matrix/client/v3 and /_matrix/client/r0
// for older clients. auth wraps everything except discovery, login,
// registration, and the legacy media reads.
func (h *Handlers) Register(mux *http.ServeMux, auth *router.Auth) {
	open := func(pattern string, fn http.HandlerFunc) {
		registerVersioned(mux, pattern, fn)
	}
	authed := func(pattern string, fn http.HandlerFunc) {
		registerVersioned(mux, pattern, auth.RequireUser(fn))
	}

	mux.HandleFunc("GET /_matrix/client/versions", h.versions)

	authed("GET /capabilities", h.capabilities)
	authed("GET /account/whoami", h.whoami)

	open("POST /register", h.register)
	open("GET /register/available", h.registerAvailable)

	open("GET /login", h.loginTypes)
	open("POST /login", h.login)
	mux.Handle("POST /_matrix/client/v1/login/get_token", auth.RequireUser(http.HandlerFunc(h.createLoginToken)))
	authed("POST /logout", h.logout)
	authed("POST /logout/all", h.logoutAll)

	authed("POST /account/password", h.changePassword)
	authed("POST /account/deactivate", h.deactivate)

	open("GET /profile/{userId}", h.profile)
	open("GET /profile/{userId}/displayname", h.displayname)
	authed("PUT /profile/{userId}/displayname", h.setDisplayname)
	open("GET /profile/{userId}/avatar_url", h.avatarURL)
	authed("PUT /profile/{userId}/avatar_url", h.setAvatarURL)

	authed("PUT /user/{userId}/account_data/{type}", h.setAccountData)
	authed("GET /user/{userId}/account_data/{type}", h.accountData)
	authed("PUT /user/{userId}/rooms/{roomId}/account_data/{type}", h.setAccountData)
	authed("GET /user/{userId}/rooms/{roomId}/account_data/{type}", h.accountData)
	authed("POST /user/{userId}/filter", h.createFilter)
	authed("GET /user/{userId}/filter/{filterId}", h.filter)

	authed("POST /createRoom", h.createRoom)

	authed("POST /rooms/{roomId}/join", h.joinByID)
	authed("POST /join/{roomIdOrAlias}", h.joinByIDOrAlias)
	authed("POST /rooms/{roomId}/leave", h.leave)
	authed("POST /rooms/{roomId}/forget", h.forget)
	authed("POST /rooms/{roomId}/invite", h.invite)
	authed("POST /rooms/{roomId}/kick", h.kick)
	authed("POST /rooms/{roomId}/ban", h.ban)
	authed("POST /rooms/{roomId}/unban", h.unban)
	authed("GET /joined_rooms", h.joinedRooms)
	authed("GET /rooms/{roomId}/members", h.members)
	authed("GET /rooms/{roomId}/joined_members", h.joinedMembers)

	authed("GET /rooms/{roomId}/state", h.stateFull)
	authed("GET /rooms/{roomId}/state/{eventType}", h.stateEvent)
	authed("GET /rooms/{roomId}/state/{eventType}/{stateKey...}", h.stateEvent)
	authed("PUT /rooms/{roomId}/state/{eventType}", h.sendState)
	authed("PUT /rooms/{roomId}/state/{eventType}/{stateKey...}", h.sendState)

	authed("GET /rooms/{roomId}/messages", h.messages)
	authed("GET /rooms/{roomId}/event/{eventId}", h.event)
	authed("PUT /rooms/{roomId}/send/{eventType}/{txnId}", h.sendMessage)
	authed("PUT /rooms/{roomId}/redact/{eventId}/{txnId}", h.redact)

	authed("PUT /rooms/{roomId}/typing/{userId}", h.typing)
	authed("POST /rooms/{roomId}/receipt/{receiptType}/{eventId}", h.receipt)
	authed("POST /rooms/{roomId}/read_markers", h.readMarkers)

	open("GET /directory/room/{roomAlias}", h.resolveAlias)
	authed("PUT /directory/room/{roomAlias}", h.createAlias)
	authed("DELETE /directory/room/{roomAlias}", h.deleteAlias)
	open("GET /directory/list/room/{roomId}", h.visibility)
	authed("PUT /directory/list/room/{roomId}", h.setVisibility)

	authed("GET /sync", h.syncRequest)
	authed("POST /search", h.search)
	authed("GET /voip/turnServer", h.turnServer)

	h.registerMedia(mux, auth)
}

// registerVersioned installs handler under both versioned client API
// prefixes. The pattern is "METHOD /path" with the prefix omitted.
func registerVersioned(mux *http.ServeMux, pattern string, handler http.Handler) {
	method, path, ok := strings.Cut(pattern, " ")
	if !ok {
		panic("client: route pattern missing method: " + pattern)
	}
	mux.Handle(method+" /_matrix/client/v3"+path, handler)
	mux.Handle(method+" /_matrix/client/r0"+path, handler)
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

// aliasParam parses the roomAlias path segment.
func aliasParam(r *http.Request) (ref.RoomAlias, error) {
	alias, err := ref.ParseRoomAlias(r.PathValue("roomAlias"))
	if err != nil {
		return ref.RoomAlias{}, matrix.InvalidParam("invalid room alias: %s", err)
	}
	return alias, nil
}

// requireJoined loads the identity's membership gate for a room:
// the user must currently be joined to read from it.
func (h *Handlers) requireJoined(r *http.Request, room ref.RoomID) (router.Identity, error) {
	id := router.IdentityFrom(r.Context())
	joined, err := h.rooms.IsJoined(r.Context(), id.User, room)
	if err != nil {
		return id, err
	}
	if !joined {
		return id, matrix.Forbidden("You are not in the room.")
	}
	return id, nil
}
