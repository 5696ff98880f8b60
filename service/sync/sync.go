// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package sync answers client /sync requests: an incremental view of
// everything that happened to one user since their previous request.
//
// Stream positions are retired counts of the global event counter. A
// response is built at the retired watermark, so it only reflects
// writes that are fully committed; writes still in flight surface in a
// later batch. Long polling registers database watches on every key
// range that can matter to the user before the first build, so a write
// landing mid-request wakes the poll instead of being missed.
package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/rooms"
	"github.com/tototomate123/tuwunel/service/users"
)

const (
	// maxTimeout caps how long one long poll is held open.
	maxTimeout = 30 * time.Second

	defaultTimelineLimit = 10
	maxTimelineLimit     = 100
)

// Config carries the dependencies for New.
type Config struct {
	// DB is the opened database engine. Required.
	DB *database.Engine

	// Globals provides the global event counter. Required.
	Globals *globals.Service

	// Rooms provides timelines, state snapshots, membership, and
	// ephemeral data. Required.
	Rooms *rooms.Service

	// Users provides account data, to-device queues, and filters.
	// Required.
	Users *users.Service

	// Logger receives structured logs. Required.
	Logger *slog.Logger

	// Clock drives the long-poll timeout. Optional, defaults to the
	// real clock.
	Clock clock.Clock
}

// Service builds sync responses and wakes long polls.
type Service struct {
	logger  *slog.Logger
	globals *globals.Service
	rooms   *rooms.Service
	users   *users.Service
	clock   clock.Clock

	// Watched maps. These are the same instances the owning
	// services write through, so watchers fire on their commits.
	toDevice          *database.Map
	userRoomJoined    *database.Map
	userRoomInvite    *database.Map
	userRoomLeft      *database.Map
	notificationCount *database.Map
	highlightCount    *database.Map
	pduByID           *database.Map
	readReceipt       *database.Map
	accountDataIndex  *database.Map
}

// New wires a sync service. It panics when a required dependency is
// missing.
func New(cfg Config) *Service {
	if cfg.DB == nil {
		panic("sync: Config.DB is required")
	}
	if cfg.Globals == nil {
		panic("sync: Config.Globals is required")
	}
	if cfg.Rooms == nil {
		panic("sync: Config.Rooms is required")
	}
	if cfg.Users == nil {
		panic("sync: Config.Users is required")
	}
	if cfg.Logger == nil {
		panic("sync: Config.Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	return &Service{
		logger:  cfg.Logger.With("component", "sync"),
		globals: cfg.Globals,
		rooms:   cfg.Rooms,
		users:   cfg.Users,
		clock:   cfg.Clock,

		toDevice:          cfg.DB.Map("todeviceid_events"),
		userRoomJoined:    cfg.DB.Map("userroomid_joined"),
		userRoomInvite:    cfg.DB.Map("userroomid_invitestate"),
		userRoomLeft:      cfg.DB.Map("userroomid_leftstate"),
		notificationCount: cfg.DB.Map("userroomid_notificationcount"),
		highlightCount:    cfg.DB.Map("userroomid_highlightcount"),
		pduByID:           cfg.DB.Map("pduid_pdu"),
		readReceipt:       cfg.DB.Map("readreceiptid_readreceipt"),
		accountDataIndex:  cfg.DB.Map("roomusertype_roomuserdataid"),
	}
}

// Request is one parsed /sync request.
type Request struct {
	// User and Device identify the syncing session.
	User   ref.UserID
	Device ref.DeviceID

	// Since is the next_batch of the previous response, zero for an
	// initial sync.
	Since uint64

	// FullState forces the full room state into the response even
	// when since is recent.
	FullState bool

	// Timeout is how long to long-poll before returning an empty
	// response. Zero returns immediately.
	Timeout time.Duration

	// Filter is the raw filter parameter, inline JSON or a stored
	// filter id. Only the room timeline limit is honored.
	Filter string
}

// Sync builds the response for one request, long-polling when the
// incremental response would be empty. The watches are registered
// before the first build so nothing written in between is missed.
func (s *Service) Sync(ctx context.Context, req Request) (*Response, error) {
	limit, err := s.timelineLimit(ctx, req)
	if err != nil {
		return nil, err
	}

	var wake <-chan struct{}
	if req.Since > 0 && req.Timeout > 0 {
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		wake, err = s.watch(wctx, req.User, req.Device)
		if err != nil {
			return nil, err
		}
	}

	resp, err := s.build(ctx, req, limit)
	if err != nil {
		return nil, err
	}
	if wake == nil || !resp.Empty() {
		return resp, nil
	}

	timeout := min(req.Timeout, maxTimeout)
	select {
	case <-wake:
	case <-s.clock.After(timeout):
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.build(ctx, req, limit)
}

// Watch blocks until something that could change the user's sync
// response is written, or ctx is done.
func (s *Service) Watch(ctx context.Context, user ref.UserID, device ref.DeviceID) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wake, err := s.watch(wctx, user, device)
	if err != nil {
		return err
	}
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watch registers one-shot watchers on every key range that feeds the
// user's sync response and merges them into a single wake channel: the
// to-device queue, the user's membership and notification rows, their
// global account data, and per joined room the timeline, typing,
// receipts, and room account data. Rooms joined during the wait are
// not watched individually; the join itself lands under the membership
// prefix and wakes the poll.
func (s *Service) watch(ctx context.Context, user ref.UserID, device ref.DeviceID) (<-chan struct{}, error) {
	userPrefix := append([]byte(user.String()), database.Separator)

	channels := []<-chan struct{}{
		s.toDevice.Watch(database.JoinKey([]byte(user.String()), []byte(device.String()), nil)),
		s.userRoomJoined.Watch(userPrefix),
		s.userRoomInvite.Watch(userPrefix),
		s.userRoomLeft.Watch(userPrefix),
		s.notificationCount.Watch(userPrefix),
		s.highlightCount.Watch(userPrefix),
		s.accountDataIndex.Watch(database.JoinKey(nil, []byte(user.String()), nil)),
	}

	joined, err := s.rooms.RoomsJoined(ctx, user)
	if err != nil {
		return nil, err
	}
	for _, room := range joined {
		prefix, ok, err := s.rooms.TimelineWatchPrefix(ctx, room)
		if err != nil {
			return nil, err
		}
		if ok {
			channels = append(channels, s.pduByID.Watch(prefix))
		}
		channels = append(channels,
			s.rooms.TypingWatch(room),
			s.readReceipt.Watch(append([]byte(room.String()), database.Separator)),
			s.accountDataIndex.Watch(database.JoinKey([]byte(room.String()), []byte(user.String()), nil)),
		)
	}

	wake := make(chan struct{}, 1)
	for _, ch := range channels {
		go func() {
			select {
			case <-ch:
				select {
				case wake <- struct{}{}:
				default:
				}
			case <-ctx.Done():
			}
		}()
	}
	return wake, nil
}

// timelineLimit resolves the request's filter to a timeline limit.
// Unknown stored filter ids fall back to the default rather than
// failing the sync.
func (s *Service) timelineLimit(ctx context.Context, req Request) (int, error) {
	var raw json.RawMessage
	switch {
	case req.Filter == "":
		return defaultTimelineLimit, nil
	case strings.HasPrefix(req.Filter, "{"):
		raw = json.RawMessage(req.Filter)
	default:
		stored, err := s.users.Filter(ctx, req.User, req.Filter)
		if err != nil {
			return 0, err
		}
		if stored == nil {
			return defaultTimelineLimit, nil
		}
		raw = stored
	}

	var filter struct {
		Room struct {
			Timeline struct {
				Limit int `json:"limit"`
			} `json:"timeline"`
		} `json:"room"`
	}
	if err := json.Unmarshal(raw, &filter); err != nil {
		return defaultTimelineLimit, nil
	}
	limit := filter.Room.Timeline.Limit
	if limit <= 0 {
		return defaultTimelineLimit, nil
	}
	return min(limit, maxTimelineLimit), nil
}
