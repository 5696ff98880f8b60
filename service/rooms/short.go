// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"fmt"
	"sync"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
)

// Short IDs intern event IDs, state keys, and room IDs as uint64s so
// state snapshots and timeline keys carry 8 fixed bytes instead of a
// full identifier. New shorts are allocated from the global counter;
// the permit is released immediately since shorts only need
// uniqueness, not the counter's watermark.

// biCache is a bidirectional string/uint64 cache. It is cleared
// wholesale when full; interning tables have no natural eviction order
// and recent entries rebuild quickly.
type biCache struct {
	mu    sync.RWMutex
	limit int
	fwd   map[string]uint64
	rev   map[uint64]string
}

func newBiCache(limit int) *biCache {
	return &biCache{
		limit: limit,
		fwd:   make(map[string]uint64),
		rev:   make(map[uint64]string),
	}
}

func (c *biCache) byString(s string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.fwd[s]
	return id, ok
}

func (c *biCache) byID(id uint64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.rev[id]
	return s, ok
}

func (c *biCache) put(s string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fwd) >= c.limit {
		c.fwd = make(map[string]uint64)
		c.rev = make(map[uint64]string)
	}
	c.fwd[s] = id
	c.rev[id] = s
}

type internTable struct {
	// createMu serializes short allocation so two writers cannot
	// intern the same identifier twice.
	createMu sync.Mutex

	events    *biCache
	stateKeys *biCache
	rooms     *biCache
}

func newInternTable() *internTable {
	return &internTable{
		events:    newBiCache(65536),
		stateKeys: newBiCache(65536),
		rooms:     newBiCache(8192),
	}
}

// shortEventID interns an event ID, allocating a short on first use.
func (s *Service) shortEventID(ctx context.Context, event ref.EventID) (uint64, error) {
	if short, ok := s.shorts.events.byString(event.String()); ok {
		return short, nil
	}
	s.shorts.createMu.Lock()
	defer s.shorts.createMu.Unlock()
	value, err := s.eventIDShort.Get(ctx, []byte(event.String()))
	if err != nil {
		return 0, err
	}
	if value != nil {
		short := database.CounterValue(value)
		s.shorts.events.put(event.String(), short)
		return short, nil
	}
	short, err := s.nextCount(ctx)
	if err != nil {
		return 0, err
	}
	encoded := database.EncodeCounter(short)
	if err := s.eventIDShort.Put(ctx, []byte(event.String()), encoded); err != nil {
		return 0, err
	}
	if err := s.eventIDByShort.Put(ctx, encoded, []byte(event.String())); err != nil {
		return 0, err
	}
	s.shorts.events.put(event.String(), short)
	return short, nil
}

// lookupShortEventID resolves an event ID without interning it.
func (s *Service) lookupShortEventID(ctx context.Context, event ref.EventID) (uint64, bool, error) {
	if short, ok := s.shorts.events.byString(event.String()); ok {
		return short, true, nil
	}
	value, err := s.eventIDShort.Get(ctx, []byte(event.String()))
	if err != nil || value == nil {
		return 0, false, err
	}
	short := database.CounterValue(value)
	s.shorts.events.put(event.String(), short)
	return short, true, nil
}

func (s *Service) eventIDFromShort(ctx context.Context, short uint64) (ref.EventID, error) {
	if raw, ok := s.shorts.events.byID(short); ok {
		return ref.ParseEventID(raw)
	}
	value, err := s.eventIDByShort.Get(ctx, database.EncodeCounter(short))
	if err != nil {
		return ref.EventID{}, err
	}
	if value == nil {
		return ref.EventID{}, fmt.Errorf("rooms: no event ID for short %d", short)
	}
	event, err := ref.ParseEventID(string(value))
	if err != nil {
		return ref.EventID{}, err
	}
	s.shorts.events.put(event.String(), short)
	return event, nil
}

func stateKeyPair(eventType, stateKey string) []byte {
	return database.JoinKey([]byte(eventType), []byte(stateKey))
}

// shortStateKey interns a (type, state_key) pair.
func (s *Service) shortStateKey(ctx context.Context, eventType, stateKey string) (uint64, error) {
	pair := stateKeyPair(eventType, stateKey)
	if short, ok := s.shorts.stateKeys.byString(string(pair)); ok {
		return short, nil
	}
	s.shorts.createMu.Lock()
	defer s.shorts.createMu.Unlock()
	value, err := s.stateKeyShort.Get(ctx, pair)
	if err != nil {
		return 0, err
	}
	if value != nil {
		short := database.CounterValue(value)
		s.shorts.stateKeys.put(string(pair), short)
		return short, nil
	}
	short, err := s.nextCount(ctx)
	if err != nil {
		return 0, err
	}
	encoded := database.EncodeCounter(short)
	if err := s.stateKeyShort.Put(ctx, pair, encoded); err != nil {
		return 0, err
	}
	if err := s.stateKeyByShort.Put(ctx, encoded, pair); err != nil {
		return 0, err
	}
	s.shorts.stateKeys.put(string(pair), short)
	return short, nil
}

// lookupShortStateKey resolves a (type, state_key) pair without
// interning it. State lookups use this: a pair that was never interned
// cannot be present in any snapshot.
func (s *Service) lookupShortStateKey(ctx context.Context, eventType, stateKey string) (uint64, bool, error) {
	pair := stateKeyPair(eventType, stateKey)
	if short, ok := s.shorts.stateKeys.byString(string(pair)); ok {
		return short, true, nil
	}
	value, err := s.stateKeyShort.Get(ctx, pair)
	if err != nil || value == nil {
		return 0, false, err
	}
	short := database.CounterValue(value)
	s.shorts.stateKeys.put(string(pair), short)
	return short, true, nil
}

func (s *Service) stateKeyFromShort(ctx context.Context, short uint64) (eventType, stateKey string, err error) {
	raw, ok := s.shorts.stateKeys.byID(short)
	if !ok {
		value, err := s.stateKeyByShort.Get(ctx, database.EncodeCounter(short))
		if err != nil {
			return "", "", err
		}
		if value == nil {
			return "", "", fmt.Errorf("rooms: no state key for short %d", short)
		}
		raw = string(value)
		s.shorts.stateKeys.put(raw, short)
	}
	segments := database.SplitKey([]byte(raw))
	if len(segments) != 2 {
		return "", "", fmt.Errorf("rooms: malformed state key pair for short %d", short)
	}
	return string(segments[0]), string(segments[1]), nil
}

// shortRoomID interns a room ID.
func (s *Service) shortRoomID(ctx context.Context, room ref.RoomID) (uint64, error) {
	if short, ok := s.shorts.rooms.byString(room.String()); ok {
		return short, nil
	}
	s.shorts.createMu.Lock()
	defer s.shorts.createMu.Unlock()
	value, err := s.roomIDShort.Get(ctx, []byte(room.String()))
	if err != nil {
		return 0, err
	}
	if value != nil {
		short := database.CounterValue(value)
		s.shorts.rooms.put(room.String(), short)
		return short, nil
	}
	short, err := s.nextCount(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.roomIDShort.Put(ctx, []byte(room.String()), database.EncodeCounter(short)); err != nil {
		return 0, err
	}
	s.shorts.rooms.put(room.String(), short)
	return short, nil
}

// lookupShortRoomID resolves a room ID without interning it. A room
// with no short has never stored a timeline event.
func (s *Service) lookupShortRoomID(ctx context.Context, room ref.RoomID) (uint64, bool, error) {
	if short, ok := s.shorts.rooms.byString(room.String()); ok {
		return short, true, nil
	}
	value, err := s.roomIDShort.Get(ctx, []byte(room.String()))
	if err != nil || value == nil {
		return 0, false, err
	}
	short := database.CounterValue(value)
	s.shorts.rooms.put(room.String(), short)
	return short, true, nil
}

// shortStateHash interns a state digest and reports whether this call
// created it. A created hash has no stored delta yet.
func (s *Service) shortStateHash(ctx context.Context, digest []byte) (short uint64, created bool, err error) {
	s.shorts.createMu.Lock()
	defer s.shorts.createMu.Unlock()
	value, err := s.stateHashID.Get(ctx, digest)
	if err != nil {
		return 0, false, err
	}
	if value != nil {
		return database.CounterValue(value), false, nil
	}
	short, err = s.nextCount(ctx)
	if err != nil {
		return 0, false, err
	}
	if err := s.stateHashID.Put(ctx, digest, database.EncodeCounter(short)); err != nil {
		return 0, false, err
	}
	return short, true, nil
}

// nextCount draws the next value from the global counter and retires
// it immediately. Shorts and membership markers only need uniqueness
// and ordering, not the watermark hold.
func (s *Service) nextCount(ctx context.Context) (uint64, error) {
	permit, err := s.globals.Next(ctx)
	if err != nil {
		return 0, err
	}
	id := permit.ID()
	permit.Release()
	return id, nil
}
