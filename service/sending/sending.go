// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package sending delivers events to the outside world: federation
// transactions to remote homeservers and appservice transactions to
// registered application services.
//
// Every destination has its own durable queue and its own goroutine.
// Queue entries survive restarts; a worker drains its queue in
// batches, retries with exponential backoff while the destination is
// down, and goes idle when the queue is empty. Read receipts are not
// queued: each federation transaction carries the receipts that
// accrued since the destination's last acknowledged watermark.
package sending

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/appservice"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/rooms"
)

// Destination identifies one outbound queue: either a remote
// homeserver or a local appservice registration. Exactly one field is
// set.
type Destination struct {
	Server     ref.ServerName
	Appservice string
}

// IsAppservice reports whether the destination is an appservice.
func (d Destination) IsAppservice() bool { return d.Appservice != "" }

// String renders the destination for logs.
func (d Destination) String() string {
	if d.IsAppservice() {
		return "appservice:" + d.Appservice
	}
	return d.Server.String()
}

// appservicePrefix marks appservice destinations in queue keys, so
// the two destination kinds share the queue maps without colliding:
// '+' cannot start a server name.
const appservicePrefix = '+'

// Key returns the destination's queue key prefix.
func (d Destination) Key() []byte {
	if d.IsAppservice() {
		return append([]byte{appservicePrefix}, d.Appservice...)
	}
	return []byte(d.Server.String())
}

// parseDestinationKey inverts Destination.Key.
func parseDestinationKey(key []byte) (Destination, error) {
	if len(key) == 0 {
		return Destination{}, fmt.Errorf("sending: empty destination key")
	}
	if key[0] == appservicePrefix {
		return Destination{Appservice: string(key[1:])}, nil
	}
	server, err := ref.ParseServerName(string(key))
	if err != nil {
		return Destination{}, fmt.Errorf("sending: destination key: %w", err)
	}
	return Destination{Server: server}, nil
}

// Config configures the sending service.
type Config struct {
	// DB is the opened database engine. Required.
	DB *database.Engine

	// Server is the server configuration. Required.
	Server *config.Config

	// Globals provides identity and the sequence counter. Required.
	Globals *globals.Service

	// Rooms provides events, membership, and receipts. Required.
	Rooms *rooms.Service

	// Appservice provides registrations for appservice delivery.
	// Required.
	Appservice *appservice.Service

	// Federation performs the signed transaction requests. Required.
	Federation *federation.Client

	// Logger receives service logs. Required.
	Logger *slog.Logger

	// Clock drives retry timers. Defaults to the real clock.
	Clock clock.Clock
}

// Service owns the outbound queues.
type Service struct {
	logger     *slog.Logger
	server     *config.Config
	globals    *globals.Service
	rooms      *rooms.Service
	appservice *appservice.Service
	federation *federation.Client
	clock      clock.Clock
	db         *database.Engine

	// appserviceClient performs the plain HTTP pushes to appservice
	// URLs; those carry a bearer token, not an X-Matrix signature.
	appserviceClient *http.Client

	queued   *database.Map
	inflight *database.Map
	eduCount *database.Map

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]*worker
	wg      sync.WaitGroup

	// Cumulative delivery counters, read through Stats.
	delivered atomic.Uint64
	failures  atomic.Uint64
}

type worker struct {
	dest Destination

	// notify has capacity one: a wake-up while the worker is busy
	// coalesces with any other pending wake-up.
	notify chan struct{}
}

// New wires the sending service. It registers itself on the rooms
// append path and on appservice removal; workers only run after
// Start.
func New(cfg Config) *Service {
	if cfg.DB == nil {
		panic("sending: Config.DB is required")
	}
	if cfg.Server == nil {
		panic("sending: Config.Server is required")
	}
	if cfg.Globals == nil {
		panic("sending: Config.Globals is required")
	}
	if cfg.Rooms == nil {
		panic("sending: Config.Rooms is required")
	}
	if cfg.Appservice == nil {
		panic("sending: Config.Appservice is required")
	}
	if cfg.Federation == nil {
		panic("sending: Config.Federation is required")
	}
	if cfg.Logger == nil {
		panic("sending: Config.Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	s := &Service{
		logger:     cfg.Logger,
		server:     cfg.Server,
		globals:    cfg.Globals,
		rooms:      cfg.Rooms,
		appservice: cfg.Appservice,
		federation: cfg.Federation,
		clock:      cfg.Clock,
		db:         cfg.DB,

		appserviceClient: &http.Client{
			Timeout: time.Duration(cfg.Server.Federation.RequestTimeout) * time.Second,
		},

		queued:   cfg.DB.Map("servernameevent_data"),
		inflight: cfg.DB.Map("servercurrentevent_data"),
		eduCount: cfg.DB.Map("servername_educount"),

		workers: make(map[string]*worker),
	}
	cfg.Rooms.RegisterAppendHook(s.handleAppend)
	cfg.Appservice.RegisterRemovalHook(s.handleAppserviceRemoval)
	return s
}

// Start resumes delivery for every destination with queued or
// in-flight entries left over from the previous run. Workers stop
// when ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	dests, err := s.pendingDestinations(ctx)
	if err != nil {
		return err
	}
	for _, dest := range dests {
		s.wake(dest)
	}
	if len(dests) > 0 {
		s.logger.Info("resuming outbound delivery", "destinations", len(dests))
	}
	return nil
}

// Stop cancels all workers and waits for them to exit. The queues are
// durable; anything unsent resumes on the next Start.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Stats reports cumulative transaction deliveries and delivery
// failures since construction, and the number of live destination
// workers.
func (s *Service) Stats() (delivered, failures uint64, workers int) {
	s.mu.Lock()
	workers = len(s.workers)
	s.mu.Unlock()
	return s.delivered.Load(), s.failures.Load(), workers
}

// wake ensures a worker exists for the destination and signals it.
// Before Start the signal is dropped; Start's queue scan catches up.
func (s *Service) wake(dest Destination) {
	s.mu.Lock()
	if s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	key := string(dest.Key())
	w, ok := s.workers[key]
	if !ok {
		w = &worker{dest: dest, notify: make(chan struct{}, 1)}
		s.workers[key] = w
		s.wg.Add(1)
		go s.runWorker(w)
	}
	s.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// handleAppend fans a freshly appended event out to its destinations:
// remote servers in the room when the sender is local, and every
// appservice with an interest in the room.
func (s *Service) handleAppend(ctx context.Context, pdu *matrix.PDU) {
	dests, err := s.fanOut(ctx, pdu)
	if err != nil {
		s.logger.Error("computing event fan-out",
			"event", pdu.EventID.String(), "error", err)
		return
	}
	if len(dests) == 0 {
		return
	}

	count, err := s.nextCount(ctx)
	if err != nil {
		s.logger.Error("queueing event for delivery",
			"event", pdu.EventID.String(), "error", err)
		return
	}
	value, err := encodeQueueEntry(queueEntry{EventID: pdu.EventID.String()})
	if err != nil {
		s.logger.Error("queueing event for delivery",
			"event", pdu.EventID.String(), "error", err)
		return
	}

	batch := s.db.NewBatch()
	for _, dest := range dests {
		batch.Put(s.queued, queueKey(dest, count), value)
	}
	if err := batch.Commit(ctx); err != nil {
		s.logger.Error("queueing event for delivery",
			"event", pdu.EventID.String(), "error", err)
		return
	}
	for _, dest := range dests {
		s.wake(dest)
	}
}

func (s *Service) fanOut(ctx context.Context, pdu *matrix.PDU) ([]Destination, error) {
	var dests []Destination

	if s.server.AllowFederation && s.globals.UserIsLocal(pdu.Sender) {
		servers, err := s.rooms.RoomServers(ctx, pdu.RoomID)
		if err != nil {
			return nil, err
		}
		for _, server := range servers {
			if s.globals.ServerIsOurs(server) {
				continue
			}
			dests = append(dests, Destination{Server: server})
		}
	}

	for _, reg := range s.appservice.All() {
		if reg.URL == "" {
			continue
		}
		interested, err := s.appserviceInRoom(ctx, pdu.RoomID, reg)
		if err != nil {
			return nil, err
		}
		if interested {
			dests = append(dests, Destination{Appservice: reg.ID})
		}
	}
	return dests, nil
}

// appserviceInRoom reports whether the appservice should see the
// room's events: the room ID or one of its aliases falls in a
// namespace, the appservice's sender user is joined, or any member
// matches the users namespace.
func (s *Service) appserviceInRoom(ctx context.Context, room ref.RoomID, reg *appservice.Info) (bool, error) {
	if reg.MatchesRoom(room) {
		return true, nil
	}
	aliases, err := s.rooms.LocalAliasesForRoom(ctx, room)
	if err != nil {
		return false, err
	}
	for _, alias := range aliases {
		if reg.MatchesAlias(alias) {
			return true, nil
		}
	}
	joined, err := s.rooms.IsJoined(ctx, reg.Sender, room)
	if err != nil {
		return false, err
	}
	if joined {
		return true, nil
	}
	members, err := s.rooms.RoomMembers(ctx, room)
	if err != nil {
		return false, err
	}
	for _, member := range members {
		if reg.MatchesUser(member) {
			return true, nil
		}
	}
	return false, nil
}

// FlushRoom wakes the queues of every remote server in the room.
// Receipts ride along with the next transaction; this forces one out
// when only ephemeral state changed.
func (s *Service) FlushRoom(ctx context.Context, room ref.RoomID) error {
	if !s.server.AllowFederation {
		return nil
	}
	servers, err := s.rooms.RoomServers(ctx, room)
	if err != nil {
		return err
	}
	for _, server := range servers {
		if s.globals.ServerIsOurs(server) {
			continue
		}
		s.wake(Destination{Server: server})
	}
	return nil
}

func (s *Service) handleAppserviceRemoval(ctx context.Context, id string) {
	if err := s.CleanupDestination(ctx, Destination{Appservice: id}); err != nil {
		s.logger.Error("cleaning up appservice queue", "id", id, "error", err)
	}
}

// CleanupDestination drops everything queued for a destination,
// including its receipt watermark.
func (s *Service) CleanupDestination(ctx context.Context, dest Destination) error {
	prefix := append(dest.Key(), database.Separator)
	batch := s.db.NewBatch()
	for _, m := range []*database.Map{s.queued, s.inflight} {
		err := m.ScanPrefix(ctx, prefix, func(key, _ []byte) error {
			batch.Del(m, key)
			return nil
		})
		if err != nil {
			return err
		}
	}
	batch.Del(s.eduCount, dest.Key())
	return batch.Commit(ctx)
}

// nextCount draws a value from the global counter and retires it
// immediately. Queue entries need uniqueness and ordering, not the
// watermark hold.
func (s *Service) nextCount(ctx context.Context) (uint64, error) {
	permit, err := s.globals.Next(ctx)
	if err != nil {
		return 0, err
	}
	id := permit.ID()
	permit.Release()
	return id, nil
}
