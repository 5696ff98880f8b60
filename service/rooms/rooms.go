// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package rooms is the room core: it stores events and room state,
// tracks membership, authorizes new events against the room version's
// rules, and runs the federation ingest pipeline that admits remote
// events into the timeline.
//
// The service keeps one flat API across several concerns. Interning
// (short.go) maps identifiers to fixed-width integers so state
// snapshots and timeline keys stay compact. State snapshots (state.go)
// are stored as deltas against a parent snapshot. The timeline
// (timeline.go) orders events by the global counter. Membership
// bookkeeping (state_cache.go) maintains the per-user room lists the
// sync API reads. The ingest pipeline (event_handler.go) validates
// remote events, resolves the room state they saw, and appends them.
package rooms

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/serverkeys"
	"github.com/tototomate123/tuwunel/service/users"
)

// Config configures the rooms service.
type Config struct {
	// DB is the opened database engine. Required.
	DB *database.Engine

	// Server is the server configuration. Required.
	Server *config.Config

	// Globals provides the server identity and the global event
	// counter. Required.
	Globals *globals.Service

	// Users provides account existence checks and per-user account
	// data such as ignore lists. Required.
	Users *users.Service

	// Keys signs locally built events and verifies remote ones.
	// Required.
	Keys *serverkeys.Service

	// Federation fetches missing events and state from other
	// servers. Required.
	Federation *federation.Client

	// Logger receives service logs. Required.
	Logger *slog.Logger

	// Clock is the time source. Defaults to the real clock.
	Clock clock.Clock
}

// AppendHook runs after an event lands in the timeline. Hooks run on
// the appending goroutine with the room lock released; they must not
// block for long. The sending service registers one to enqueue
// outbound federation and appservice traffic, the admin service one to
// watch for commands.
type AppendHook func(ctx context.Context, pdu *matrix.PDU)

// BuildCheck runs before a locally built event is signed and
// appended. Returning an error aborts the build. The admin service
// registers one to protect the admin room.
type BuildCheck func(ctx context.Context, pdu *matrix.PDU) error

// Service is the rooms service.
type Service struct {
	logger  *slog.Logger
	server  *config.Config
	db      *database.Engine
	globals *globals.Service
	users   *users.Service
	keys    *serverkeys.Service
	fed     *federation.Client
	clock   clock.Clock

	// Interning tables.
	eventIDShort    *database.Map
	eventIDByShort  *database.Map
	stateKeyShort   *database.Map
	stateKeyByShort *database.Map
	roomIDShort     *database.Map
	stateHashID     *database.Map

	// State snapshots.
	roomStateHash  *database.Map
	stateDiff      *database.Map
	eventStateHash *database.Map
	pduLeaves      *database.Map

	// Room metadata and directory.
	disabledRooms *database.Map
	bannedRooms   *database.Map
	publicRooms   *database.Map
	aliasRoom     *database.Map
	aliasIndex    *database.Map

	// Membership bookkeeping.
	userRoomJoined      *database.Map
	roomUserJoined      *database.Map
	userRoomInvite      *database.Map
	roomUserInviteCount *database.Map
	userRoomLeft        *database.Map
	roomUserLeftCount   *database.Map
	userRoomKnocked     *database.Map
	roomUserKnockCount  *database.Map
	onceJoined          *database.Map
	joinedCount         *database.Map
	invitedCount        *database.Map
	roomServers         *database.Map
	serverRooms         *database.Map
	notificationCount   *database.Map
	highlightCount      *database.Map

	// Timeline.
	pduByID    *database.Map
	eventPDUID *database.Map
	outlierPDU *database.Map

	// Event relationships and admission record.
	referenced *database.Map
	softFailed *database.Map
	relations  *database.Map
	authChain  *database.Map

	// Receipts and search.
	readReceipt       *database.Map
	privateRead       *database.Map
	privateReadUpdate *database.Map
	searchTokens      *database.Map

	shorts     *internTable
	stateCache *snapshotCache
	chainCache *chainCache

	// roomLocks serializes state transitions per room. fedMutexs
	// additionally serializes the whole federation ingest of a room so
	// concurrent transactions do not fetch the same missing events.
	roomLocks  sync.Mutex
	roomMutexs map[string]*sync.Mutex
	fedMutexs  map[string]*sync.Mutex

	// backoff records federation fetches that recently failed so the
	// ingest pipeline does not hammer unreachable origins.
	backoff *backoffCache

	typing *typingState

	hookMu      sync.RWMutex
	appendHooks []AppendHook
	buildChecks []BuildCheck
}

// New wires the rooms service to its maps.
func New(cfg Config) *Service {
	if cfg.DB == nil {
		panic("rooms: Config.DB is required")
	}
	if cfg.Server == nil {
		panic("rooms: Config.Server is required")
	}
	if cfg.Globals == nil {
		panic("rooms: Config.Globals is required")
	}
	if cfg.Users == nil {
		panic("rooms: Config.Users is required")
	}
	if cfg.Keys == nil {
		panic("rooms: Config.Keys is required")
	}
	if cfg.Federation == nil {
		panic("rooms: Config.Federation is required")
	}
	if cfg.Logger == nil {
		panic("rooms: Config.Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Service{
		logger:  cfg.Logger,
		server:  cfg.Server,
		db:      cfg.DB,
		globals: cfg.Globals,
		users:   cfg.Users,
		keys:    cfg.Keys,
		fed:     cfg.Federation,
		clock:   cfg.Clock,

		eventIDShort:    cfg.DB.Map("eventid_shorteventid"),
		eventIDByShort:  cfg.DB.Map("shorteventid_eventid"),
		stateKeyShort:   cfg.DB.Map("statekey_shortstatekey"),
		stateKeyByShort: cfg.DB.Map("shortstatekey_statekey"),
		roomIDShort:     cfg.DB.Map("roomid_shortroomid"),
		stateHashID:     cfg.DB.Map("statehash_shortstatehash"),

		roomStateHash:  cfg.DB.Map("roomid_shortstatehash"),
		stateDiff:      cfg.DB.Map("shortstatehash_statediff"),
		eventStateHash: cfg.DB.Map("shorteventid_shortstatehash"),
		pduLeaves:      cfg.DB.Map("roomid_pduleaves"),

		disabledRooms: cfg.DB.Map("disabledroomids"),
		bannedRooms:   cfg.DB.Map("bannedroomids"),
		publicRooms:   cfg.DB.Map("publicroomids"),
		aliasRoom:     cfg.DB.Map("alias_roomid"),
		aliasIndex:    cfg.DB.Map("aliasid_alias"),

		userRoomJoined:      cfg.DB.Map("userroomid_joined"),
		roomUserJoined:      cfg.DB.Map("roomuserid_joined"),
		userRoomInvite:      cfg.DB.Map("userroomid_invitestate"),
		roomUserInviteCount: cfg.DB.Map("roomuserid_invitecount"),
		userRoomLeft:        cfg.DB.Map("userroomid_leftstate"),
		roomUserLeftCount:   cfg.DB.Map("roomuserid_leftcount"),
		userRoomKnocked:     cfg.DB.Map("userroomid_knockedstate"),
		roomUserKnockCount:  cfg.DB.Map("roomuserid_knockedcount"),
		onceJoined:          cfg.DB.Map("roomuseroncejoinedids"),
		joinedCount:         cfg.DB.Map("roomid_joinedcount"),
		invitedCount:        cfg.DB.Map("roomid_invitedcount"),
		roomServers:         cfg.DB.Map("roomserverids"),
		serverRooms:         cfg.DB.Map("serverroomids"),
		notificationCount:   cfg.DB.Map("userroomid_notificationcount"),
		highlightCount:      cfg.DB.Map("userroomid_highlightcount"),

		pduByID:    cfg.DB.Map("pduid_pdu"),
		eventPDUID: cfg.DB.Map("eventid_pduid"),
		outlierPDU: cfg.DB.Map("eventid_outlierpdu"),

		referenced: cfg.DB.Map("referencedevents"),
		softFailed: cfg.DB.Map("softfailedeventids"),
		relations:  cfg.DB.Map("tofrom_relation"),
		authChain:  cfg.DB.Map("shorteventid_authchain"),

		readReceipt:       cfg.DB.Map("readreceiptid_readreceipt"),
		privateRead:       cfg.DB.Map("roomuserid_privateread"),
		privateReadUpdate: cfg.DB.Map("roomuserid_lastprivatereadupdate"),
		searchTokens:      cfg.DB.Map("tokenids"),

		shorts:     newInternTable(),
		stateCache: newSnapshotCache(),
		chainCache: newChainCache(),
		roomMutexs: make(map[string]*sync.Mutex),
		fedMutexs:  make(map[string]*sync.Mutex),
		backoff:    newBackoffCache(cfg.Clock),
		typing:     newTypingState(),
	}
}

// RegisterAppendHook adds a hook that observes every timeline append.
// Registration is not concurrency-safe with appends; wire hooks before
// serving traffic.
func (s *Service) RegisterAppendHook(hook AppendHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.appendHooks = append(s.appendHooks, hook)
}

// RegisterBuildCheck adds a veto over locally built events.
func (s *Service) RegisterBuildCheck(check BuildCheck) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.buildChecks = append(s.buildChecks, check)
}

func (s *Service) fireAppendHooks(ctx context.Context, pdu *matrix.PDU) {
	s.hookMu.RLock()
	hooks := s.appendHooks
	s.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, pdu)
	}
}

func (s *Service) runBuildChecks(ctx context.Context, pdu *matrix.PDU) error {
	s.hookMu.RLock()
	checks := s.buildChecks
	s.hookMu.RUnlock()
	for _, check := range checks {
		if err := check(ctx, pdu); err != nil {
			return err
		}
	}
	return nil
}

// roomMutex returns the mutex serializing state transitions for a
// room. Mutexes are never discarded; a server holds a bounded number
// of rooms.
func (s *Service) roomMutex(room ref.RoomID) *sync.Mutex {
	s.roomLocks.Lock()
	defer s.roomLocks.Unlock()
	mu, ok := s.roomMutexs[room.String()]
	if !ok {
		mu = &sync.Mutex{}
		s.roomMutexs[room.String()] = mu
	}
	return mu
}

// fedMutex returns the mutex serializing federation ingest for a
// room.
func (s *Service) fedMutex(room ref.RoomID) *sync.Mutex {
	s.roomLocks.Lock()
	defer s.roomLocks.Unlock()
	mu, ok := s.fedMutexs[room.String()]
	if !ok {
		mu = &sync.Mutex{}
		s.fedMutexs[room.String()] = mu
	}
	return mu
}

// userRoomKey builds a userroomid_* key.
func userRoomKey(user ref.UserID, room ref.RoomID) []byte {
	return database.JoinKey([]byte(user.String()), []byte(room.String()))
}

// roomUserKey builds a roomuserid_* key.
func roomUserKey(room ref.RoomID, user ref.UserID) []byte {
	return database.JoinKey([]byte(room.String()), []byte(user.String()))
}
