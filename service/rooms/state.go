// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/matrix/stateres"
)

// State snapshots are stored as deltas. A snapshot is the full map of
// (shortstatekey -> shorteventid) pairs; on disk it is a statediff
// against a parent snapshot, usually the room's previous state. Chains
// are capped: after maxDeltaChain links a full snapshot is written so
// loading stays bounded.

// maxDeltaChain caps the number of delta links walked to assemble a
// snapshot.
const maxDeltaChain = 100

// statePair is one entry of a state snapshot.
type statePair struct {
	key   uint64
	event uint64
}

// stateDelta is the stored form of a snapshot.
type stateDelta struct {
	// parent is the snapshot this delta applies to, 0 for a full
	// snapshot.
	parent uint64

	// chain is the number of links from the root snapshot.
	chain uint16

	added   []statePair
	removed []statePair
}

const statePairSize = 16

func encodeStateDelta(d stateDelta) []byte {
	buf := make([]byte, 14, 14+(len(d.added)+len(d.removed))*statePairSize)
	binary.BigEndian.PutUint64(buf[0:8], d.parent)
	binary.BigEndian.PutUint16(buf[8:10], d.chain)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(d.added)))
	for _, p := range d.added {
		buf = binary.BigEndian.AppendUint64(buf, p.key)
		buf = binary.BigEndian.AppendUint64(buf, p.event)
	}
	for _, p := range d.removed {
		buf = binary.BigEndian.AppendUint64(buf, p.key)
		buf = binary.BigEndian.AppendUint64(buf, p.event)
	}
	return buf
}

func decodeStateDelta(raw []byte) (stateDelta, error) {
	if len(raw) < 14 || (len(raw)-14)%statePairSize != 0 {
		return stateDelta{}, fmt.Errorf("rooms: malformed state delta of %d bytes", len(raw))
	}
	d := stateDelta{
		parent: binary.BigEndian.Uint64(raw[0:8]),
		chain:  binary.BigEndian.Uint16(raw[8:10]),
	}
	addedCount := int(binary.BigEndian.Uint32(raw[10:14]))
	total := (len(raw) - 14) / statePairSize
	if addedCount > total {
		return stateDelta{}, fmt.Errorf("rooms: state delta claims %d added of %d entries", addedCount, total)
	}
	rest := raw[14:]
	for i := 0; i < total; i++ {
		p := statePair{
			key:   binary.BigEndian.Uint64(rest[i*statePairSize:]),
			event: binary.BigEndian.Uint64(rest[i*statePairSize+8:]),
		}
		if i < addedCount {
			d.added = append(d.added, p)
		} else {
			d.removed = append(d.removed, p)
		}
	}
	return d, nil
}

// snapshotCache holds assembled snapshots. Like the intern caches it
// is cleared wholesale when full.
type snapshotCache struct {
	mu    sync.RWMutex
	limit int
	full  map[uint64]map[uint64]uint64
}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{limit: 1024, full: make(map[uint64]map[uint64]uint64)}
}

func (c *snapshotCache) get(hash uint64) (map[uint64]uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	full, ok := c.full[hash]
	return full, ok
}

func (c *snapshotCache) put(hash uint64, full map[uint64]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.full) >= c.limit {
		c.full = make(map[uint64]map[uint64]uint64)
	}
	c.full[hash] = full
}

// loadStateIDs assembles the full snapshot for a state hash. The
// returned map is shared with the cache; callers must not modify it.
func (s *Service) loadStateIDs(ctx context.Context, hash uint64) (map[uint64]uint64, error) {
	if hash == 0 {
		return map[uint64]uint64{}, nil
	}
	if full, ok := s.stateCache.get(hash); ok {
		return full, nil
	}

	// Walk the delta chain to its root, then apply forward.
	var chain []stateDelta
	cursor := hash
	for cursor != 0 {
		if len(chain) > maxDeltaChain {
			return nil, fmt.Errorf("rooms: state delta chain exceeds %d links at hash %d", maxDeltaChain, hash)
		}
		raw, err := s.stateDiff.Get(ctx, database.EncodeCounter(cursor))
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, fmt.Errorf("rooms: missing state delta for hash %d", cursor)
		}
		delta, err := decodeStateDelta(raw)
		if err != nil {
			return nil, err
		}
		chain = append(chain, delta)
		cursor = delta.parent
	}

	full := make(map[uint64]uint64)
	for i := len(chain) - 1; i >= 0; i-- {
		for _, p := range chain[i].removed {
			delete(full, p.key)
		}
		for _, p := range chain[i].added {
			full[p.key] = p.event
		}
	}
	s.stateCache.put(hash, full)
	return full, nil
}

// deltaHeader reads a snapshot's parent and chain length without
// decoding its entries.
func (s *Service) deltaHeader(ctx context.Context, hash uint64) (parent uint64, chain uint16, err error) {
	raw, err := s.stateDiff.Get(ctx, database.EncodeCounter(hash))
	if err != nil {
		return 0, 0, err
	}
	if raw == nil || len(raw) < 10 {
		return 0, 0, fmt.Errorf("rooms: missing state delta for hash %d", hash)
	}
	return binary.BigEndian.Uint64(raw[0:8]), binary.BigEndian.Uint16(raw[8:10]), nil
}

// stateDigest hashes a snapshot's sorted entries. The digest interns
// identical snapshots to one shortstatehash regardless of how they
// were reached.
func stateDigest(full map[uint64]uint64) []byte {
	keys := slices.Sorted(maps.Keys(full))
	h := sha256.New()
	var buf [statePairSize]byte
	for _, k := range keys {
		binary.BigEndian.PutUint64(buf[0:8], k)
		binary.BigEndian.PutUint64(buf[8:16], full[k])
		h.Write(buf[:])
	}
	return h.Sum(nil)
}

// persistSnapshot stores a newly interned snapshot as a delta against
// parent, or as a full snapshot when the chain would grow too long.
func (s *Service) persistSnapshot(ctx context.Context, hash, parent uint64, full map[uint64]uint64, added, removed []statePair) error {
	delta := stateDelta{parent: parent, added: added, removed: removed}
	if parent != 0 {
		_, parentChain, err := s.deltaHeader(ctx, parent)
		if err != nil {
			return err
		}
		delta.chain = parentChain + 1
	}
	if delta.parent == 0 || delta.chain >= maxDeltaChain {
		delta = stateDelta{added: make([]statePair, 0, len(full))}
		for k, e := range full {
			delta.added = append(delta.added, statePair{key: k, event: e})
		}
	}
	if err := s.stateDiff.Put(ctx, database.EncodeCounter(hash), encodeStateDelta(delta)); err != nil {
		return err
	}
	s.stateCache.put(hash, full)
	return nil
}

// internStateMap interns every pair of a resolved state map.
func (s *Service) internStateMap(ctx context.Context, state stateres.StateMap) (map[uint64]uint64, error) {
	full := make(map[uint64]uint64, len(state))
	for tuple, eventID := range state {
		key, err := s.shortStateKey(ctx, tuple.Type, tuple.StateKey)
		if err != nil {
			return nil, err
		}
		event, err := s.shortEventID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		full[key] = event
	}
	return full, nil
}

// diffSnapshots returns the pairs to add and remove to turn old into new.
func diffSnapshots(old, new map[uint64]uint64) (added, removed []statePair) {
	for k, e := range new {
		if oldEvent, ok := old[k]; !ok || oldEvent != e {
			added = append(added, statePair{key: k, event: e})
		}
	}
	for k, e := range old {
		if newEvent, ok := new[k]; !ok || newEvent != e {
			removed = append(removed, statePair{key: k, event: e})
		}
	}
	return added, removed
}

// snapshotFromMap interns a full state map as a snapshot, storing its
// delta against the room's current snapshot when newly created.
func (s *Service) snapshotFromMap(ctx context.Context, room ref.RoomID, state stateres.StateMap) (uint64, error) {
	full, err := s.internStateMap(ctx, state)
	if err != nil {
		return 0, err
	}
	return s.snapshotFromShorts(ctx, room, full)
}

// snapshotFromShorts is snapshotFromMap for state already interned.
func (s *Service) snapshotFromShorts(ctx context.Context, room ref.RoomID, full map[uint64]uint64) (uint64, error) {
	hash, created, err := s.shortStateHash(ctx, stateDigest(full))
	if err != nil {
		return 0, err
	}
	if !created {
		return hash, nil
	}
	parent, _, err := s.RoomStateHash(ctx, room)
	if err != nil {
		return 0, err
	}
	var added, removed []statePair
	if parent != 0 {
		parentFull, err := s.loadStateIDs(ctx, parent)
		if err != nil {
			return 0, err
		}
		added, removed = diffSnapshots(parentFull, full)
	} else {
		for k, e := range full {
			added = append(added, statePair{key: k, event: e})
		}
	}
	if err := s.persistSnapshot(ctx, hash, parent, full, added, removed); err != nil {
		return 0, err
	}
	return hash, nil
}

// SetEventState records the room state before an event, interning the
// given full state map as a snapshot. The federation ingest pipeline
// uses it for events whose state was resolved or fetched rather than
// derived from the room's own timeline.
func (s *Service) SetEventState(ctx context.Context, event ref.EventID, room ref.RoomID, state stateres.StateMap) (uint64, error) {
	shortEvent, err := s.shortEventID(ctx, event)
	if err != nil {
		return 0, err
	}
	hash, err := s.snapshotFromMap(ctx, room, state)
	if err != nil {
		return 0, err
	}
	if err := s.eventStateHash.Put(ctx, database.EncodeCounter(shortEvent), database.EncodeCounter(hash)); err != nil {
		return 0, err
	}
	return hash, nil
}

// AppendToState records the state before the event and returns the
// snapshot the room is in after it. For timeline events that is the
// unchanged current snapshot; for state events a new snapshot with the
// event's pair replacing its predecessor.
func (s *Service) AppendToState(ctx context.Context, pdu *matrix.PDU) (uint64, error) {
	shortEvent, err := s.shortEventID(ctx, pdu.EventID)
	if err != nil {
		return 0, err
	}
	previous, _, err := s.RoomStateHash(ctx, pdu.RoomID)
	if err != nil {
		return 0, err
	}
	if previous != 0 {
		if err := s.eventStateHash.Put(ctx, database.EncodeCounter(shortEvent), database.EncodeCounter(previous)); err != nil {
			return 0, err
		}
	}
	if !pdu.IsState() {
		return previous, nil
	}

	key, err := s.shortStateKey(ctx, pdu.Type, pdu.StateKeyValue())
	if err != nil {
		return 0, err
	}
	prevFull, err := s.loadStateIDs(ctx, previous)
	if err != nil {
		return 0, err
	}
	if prevFull[key] == shortEvent {
		return previous, nil
	}

	full := maps.Clone(prevFull)
	full[key] = shortEvent
	hash, created, err := s.shortStateHash(ctx, stateDigest(full))
	if err != nil {
		return 0, err
	}
	if !created {
		return hash, nil
	}
	added := []statePair{{key: key, event: shortEvent}}
	var removed []statePair
	if replaced, ok := prevFull[key]; ok {
		removed = append(removed, statePair{key: key, event: replaced})
	}
	if err := s.persistSnapshot(ctx, hash, previous, full, added, removed); err != nil {
		return 0, err
	}
	return hash, nil
}

// SetRoomState points the room at a snapshot. The caller must hold the
// room mutex.
func (s *Service) SetRoomState(ctx context.Context, room ref.RoomID, hash uint64) error {
	return s.roomStateHash.Put(ctx, []byte(room.String()), database.EncodeCounter(hash))
}

// RoomStateHash returns the room's current snapshot, reporting false
// for rooms with no state yet.
func (s *Service) RoomStateHash(ctx context.Context, room ref.RoomID) (uint64, bool, error) {
	value, err := s.roomStateHash.Get(ctx, []byte(room.String()))
	if err != nil || value == nil {
		return 0, false, err
	}
	return database.CounterValue(value), true, nil
}

// EventStateHash returns the snapshot of the room state before the
// event was applied.
func (s *Service) EventStateHash(ctx context.Context, event ref.EventID) (uint64, bool, error) {
	short, ok, err := s.lookupShortEventID(ctx, event)
	if err != nil || !ok {
		return 0, false, err
	}
	value, err := s.eventStateHash.Get(ctx, database.EncodeCounter(short))
	if err != nil || value == nil {
		return 0, false, err
	}
	return database.CounterValue(value), true, nil
}

// ForceState makes a snapshot the room's current state and replays
// membership bookkeeping for every state event the transition adds.
// The federation pipeline calls it after state resolution changed more
// than the appended event. The caller must hold the room mutex.
func (s *Service) ForceState(ctx context.Context, room ref.RoomID, hash uint64) error {
	previous, _, err := s.RoomStateHash(ctx, room)
	if err != nil {
		return err
	}
	if previous == hash {
		return nil
	}
	oldFull, err := s.loadStateIDs(ctx, previous)
	if err != nil {
		return err
	}
	newFull, err := s.loadStateIDs(ctx, hash)
	if err != nil {
		return err
	}
	added, _ := diffSnapshots(oldFull, newFull)

	for _, pair := range added {
		eventType, stateKey, err := s.stateKeyFromShort(ctx, pair.key)
		if err != nil {
			return err
		}
		if eventType != matrix.TypeMember {
			continue
		}
		eventID, err := s.eventIDFromShort(ctx, pair.event)
		if err != nil {
			return err
		}
		pdu, err := s.PDUByID(ctx, eventID)
		if err != nil {
			return err
		}
		if pdu == nil {
			continue
		}
		target, err := ref.ParseUserID(stateKey)
		if err != nil {
			s.logger.Warn("skipping member event with invalid state key",
				"event_id", eventID, "state_key", stateKey)
			continue
		}
		if err := s.UpdateMembership(ctx, room, target, pdu.Membership(), pdu.Sender, nil, false); err != nil {
			return err
		}
	}
	if err := s.UpdateJoinedCount(ctx, room); err != nil {
		return err
	}
	return s.SetRoomState(ctx, room, hash)
}

// ForwardExtremities lists the room's current forward extremities,
// the DAG leaves new local events build on.
func (s *Service) ForwardExtremities(ctx context.Context, room ref.RoomID) ([]ref.EventID, error) {
	prefix := append([]byte(room.String()), database.Separator)
	var events []ref.EventID
	err := s.pduLeaves.ScanPrefix(ctx, prefix, func(key, _ []byte) error {
		event, err := ref.ParseEventID(string(key[len(prefix):]))
		if err != nil {
			return fmt.Errorf("rooms: extremity key: %w", err)
		}
		events = append(events, event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ReplaceForwardExtremities swaps the room's extremity set. The caller
// must hold the room mutex.
func (s *Service) ReplaceForwardExtremities(ctx context.Context, room ref.RoomID, events []ref.EventID) error {
	prefix := append([]byte(room.String()), database.Separator)
	batch := s.db.NewBatch()
	err := s.pduLeaves.ScanPrefix(ctx, prefix, func(key, _ []byte) error {
		batch.Del(s.pduLeaves, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, event := range events {
		batch.Put(s.pduLeaves, database.JoinKey([]byte(room.String()), []byte(event.String())), nil)
	}
	return batch.Commit(ctx)
}
