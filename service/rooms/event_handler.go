// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/matrix/eventauth"
	"github.com/tototomate123/tuwunel/matrix/stateres"
	"github.com/tototomate123/tuwunel/service/serverkeys"
)

// fetchParallelism bounds concurrent /event fetches while walking a
// remote auth chain.
const fetchParallelism = 5

// HandleIncomingPDU runs the full federation admission pipeline for
// one event: verification, outlier persistence, recursive fetch of
// missing auth and prev events, auth against the state at the event,
// soft-fail evaluation against the current state, state resolution,
// and the timeline append. Ingest for a room is serialized; the
// append itself additionally takes the room's state mutex.
//
// A soft-failed event is stored but kept out of the timeline, and
// reported as an error so transaction responses carry it.
func (s *Service) HandleIncomingPDU(ctx context.Context, origin ref.ServerName, room ref.RoomID, eventID ref.EventID, obj canonicaljson.Object) error {
	exists, err := s.RoomExists(ctx, room)
	if err != nil {
		return err
	}
	if !exists {
		return matrix.NotFound("room %s is unknown to this server", room)
	}
	disabled, err := s.IsDisabled(ctx, room)
	if err != nil {
		return err
	}
	if disabled {
		return matrix.Forbidden("federation is disabled for room %s", room)
	}
	allowed, err := s.ServerACLAllows(ctx, room, origin)
	if err != nil {
		return err
	}
	if !allowed {
		return matrix.Forbidden("server %s is banned from room %s", origin, room)
	}

	inTimeline, err := s.InTimeline(ctx, eventID)
	if err != nil || inTimeline {
		return err
	}

	rules, err := s.RoomRules(ctx, room)
	if err != nil {
		return err
	}

	mutex := s.fedMutex(room)
	mutex.Lock()
	defer mutex.Unlock()

	// Another transaction may have admitted the event while this one
	// waited for the room.
	inTimeline, err = s.InTimeline(ctx, eventID)
	if err != nil || inTimeline {
		return err
	}

	pdu, err := s.handleOutlierPDU(ctx, origin, room, rules, eventID, obj)
	if err != nil {
		return err
	}

	if err := s.fetchMissingPrevs(ctx, origin, room, rules, pdu); err != nil {
		return err
	}
	return s.upgradeOutlier(ctx, origin, room, rules, pdu)
}

// handleOutlierPDU verifies an event and persists it as an outlier:
// signature and hash checks, the state-independent auth rules, a
// recursive fetch of its auth events, and the state-dependent rules
// against its claimed auth events. Returns the stored event
// unchanged when it is already known.
func (s *Service) handleOutlierPDU(ctx context.Context, origin ref.ServerName, room ref.RoomID, rules matrix.Rules, eventID ref.EventID, obj canonicaljson.Object) (*matrix.PDU, error) {
	if existing, err := s.PDUByID(ctx, eventID); err != nil || existing != nil {
		return existing, err
	}

	verified, err := s.keys.VerifyEvent(ctx, obj, rules)
	if err != nil {
		return nil, matrix.Forbidden("event %s failed signature verification: %v", eventID, err)
	}
	if verified == serverkeys.VerifiedSignatures {
		s.logger.Warn("event content hash mismatch, redacting",
			"event_id", eventID, "room_id", room, "origin", origin)
		obj = canonicaljson.Redact(obj, rules.Redaction)
	}

	pdu, err := matrix.FromIncomingFederation(eventID, obj, rules)
	if err != nil {
		return nil, matrix.InvalidParam("event %s: %v", eventID, err)
	}
	if pdu.RoomID != room {
		return nil, matrix.InvalidParam("event %s does not belong to room %s", eventID, room)
	}

	// The auth events must exist before their claims can be checked.
	s.fetchAndHandleOutliers(ctx, origin, room, rules, pdu.AuthEvents)

	events := s.eventSource()
	if err := eventauth.CheckStateIndependent(ctx, rules, pdu, events); err != nil {
		return nil, matrix.Forbidden("event %s: %v", eventID, err)
	}

	claim, err := s.authClaimState(ctx, room, rules, pdu)
	if err != nil {
		return nil, err
	}
	state := eventauth.StateSourceFunc(func(_ context.Context, eventType, stateKey string) (*matrix.PDU, error) {
		return claim[eventauth.StateKeyTuple{Type: eventType, StateKey: stateKey}], nil
	})
	if err := eventauth.CheckStateDependent(ctx, rules, pdu, state); err != nil {
		return nil, matrix.Forbidden("event %s rejected by its auth events: %v", eventID, err)
	}

	if err := s.AddOutlier(ctx, pdu); err != nil {
		return nil, err
	}
	s.logger.Debug("added pdu as outlier", "event_id", eventID, "room_id", room)
	return pdu, nil
}

// authClaimState assembles the state snapshot an event claims through
// its auth_events list. The claimed create event must be the room's
// create event; rooms that derive their ID from the create event get
// it injected since their events cannot reference it.
func (s *Service) authClaimState(ctx context.Context, room ref.RoomID, rules matrix.Rules, pdu *matrix.PDU) (map[eventauth.StateKeyTuple]*matrix.PDU, error) {
	claim := make(map[eventauth.StateKeyTuple]*matrix.PDU, len(pdu.AuthEvents))
	for _, id := range pdu.AuthEvents {
		auth, err := s.PDUByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if auth == nil {
			return nil, matrix.Forbidden("auth event %s of %s could not be found", id, pdu.EventID)
		}
		if !auth.IsState() {
			continue
		}
		claim[eventauth.StateKeyTuple{Type: auth.Type, StateKey: auth.StateKeyValue()}] = auth
	}

	createTuple := eventauth.StateKeyTuple{Type: matrix.TypeCreate}
	create, err := s.CreateEvent(ctx, room)
	if err != nil {
		return nil, err
	}
	if claimed, ok := claim[createTuple]; ok {
		if create != nil && create.EventID != claimed.EventID {
			return nil, matrix.Forbidden("event %s refers to the wrong create event", pdu.EventID)
		}
	} else if rules.Authorization.RoomIDIsCreateEventID && create != nil {
		claim[createTuple] = create
	}
	return claim, nil
}

func (s *Service) eventSource() eventauth.EventSourceFunc {
	return func(ctx context.Context, id ref.EventID) (*matrix.PDU, error) {
		return s.PDUByID(ctx, id)
	}
}

type fetchedEvent struct {
	eventID ref.EventID
	obj     canonicaljson.Object
}

// fetchAndHandleOutliers walks the auth ancestry of the given events,
// fetching every unknown one from the origin and admitting them as
// outliers, ancestors first. Fetch failures are recorded in the
// backoff cache and skipped; missing events surface later as auth
// failures on their descendants.
func (s *Service) fetchAndHandleOutliers(ctx context.Context, origin ref.ServerName, room ref.RoomID, rules matrix.Rules, ids []ref.EventID) {
	seen := make(map[ref.EventID]bool, len(ids))
	var fetched []fetchedEvent

	level := slices.Clone(ids)
	for len(level) > 0 {
		type result struct {
			eventID ref.EventID
			obj     canonicaljson.Object
			parents []ref.EventID
		}
		var mu sync.Mutex
		var results []result

		group, gctx := errgroup.WithContext(ctx)
		group.SetLimit(fetchParallelism)
		for _, id := range level {
			if seen[id] {
				continue
			}
			seen[id] = true
			known, err := s.IsKnown(ctx, id)
			if err != nil || known {
				continue
			}
			if !s.backoff.Allowed("auth:"+id.String(), authFetchBackoffMin, authFetchBackoffMax) {
				continue
			}
			group.Go(func() error {
				obj, err := s.fetchEvent(gctx, origin, id)
				if err != nil {
					s.backoff.Failure("auth:" + id.String())
					s.logger.Warn("failed to fetch event over federation",
						"event_id", id, "origin", origin, "error", err)
					return nil
				}
				realID, err := matrix.GenerateEventID(obj, rules)
				if err != nil {
					s.backoff.Failure("auth:" + id.String())
					return nil
				}
				if realID != id {
					s.logger.Warn("origin returned an event with a different ID",
						"requested", id, "received", realID, "origin", origin)
				}
				var parents []ref.EventID
				for _, v := range canonicaljson.Array(obj, "auth_events") {
					raw, ok := v.(string)
					if !ok {
						if tuple, isTuple := v.([]any); isTuple && len(tuple) > 0 {
							raw, _ = tuple[0].(string)
						}
					}
					if parent, err := ref.ParseEventID(raw); err == nil {
						parents = append(parents, parent)
					}
				}
				mu.Lock()
				results = append(results, result{eventID: realID, obj: obj, parents: parents})
				mu.Unlock()
				return nil
			})
		}
		// Goroutines record their own failures in the backoff cache.
		_ = group.Wait()

		level = level[:0]
		for _, res := range results {
			fetched = append(fetched, fetchedEvent{eventID: res.eventID, obj: res.obj})
			level = append(level, res.parents...)
		}
	}

	// The walk visited children before parents; admit in reverse so
	// every auth event exists before its dependents are checked.
	for i := len(fetched) - 1; i >= 0; i-- {
		f := fetched[i]
		if _, err := s.handleOutlierPDU(ctx, origin, room, rules, f.eventID, f.obj); err != nil {
			s.backoff.Failure("auth:" + f.eventID.String())
			s.logger.Warn("rejecting fetched event", "event_id", f.eventID, "error", err)
			continue
		}
		s.backoff.Reset("auth:" + f.eventID.String())
	}
}

// fetchEvent retrieves a single event over the federation /event
// endpoint.
func (s *Service) fetchEvent(ctx context.Context, origin ref.ServerName, eventID ref.EventID) (canonicaljson.Object, error) {
	var res struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	path := "/_matrix/federation/v1/event/" + url.PathEscape(eventID.String())
	if err := s.fed.Get(ctx, origin, path, &res); err != nil {
		return nil, err
	}
	if len(res.PDUs) == 0 {
		return nil, fmt.Errorf("rooms: origin returned no event for %s", eventID)
	}
	obj, err := canonicaljson.Decode(res.PDUs[0])
	if err != nil {
		return nil, fmt.Errorf("rooms: event %s: %w", eventID, err)
	}
	return obj, nil
}

// fetchMissingPrevs walks the prev_events graph of an incoming event,
// fetches unknown ancestors up to the configured limit, and replays
// them through the timeline pipeline oldest first. Individual
// failures are backed off and skipped; the incoming event is still
// admitted with whatever ancestry could be recovered.
func (s *Service) fetchMissingPrevs(ctx context.Context, origin ref.ServerName, room ref.RoomID, rules matrix.Rules, pdu *matrix.PDU) error {
	first, err := s.FirstPDU(ctx, room)
	if err != nil {
		return err
	}

	limit := s.server.Federation.MaxFetchPrevEvents
	fetched := 0
	replay := make(map[ref.EventID]*matrix.PDU)
	visited := make(map[ref.EventID]bool, len(pdu.PrevEvents))
	stack := slices.Clone(pdu.PrevEvents)

	for len(stack) > 0 {
		id := stack[0]
		stack = stack[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		inTimeline, err := s.InTimeline(ctx, id)
		if err != nil {
			return err
		}
		if inTimeline {
			continue
		}
		if !s.backoff.Allowed("prev:"+id.String(), prevFetchBackoffMin, prevFetchBackoffMax) {
			continue
		}

		prev, err := s.PDUByID(ctx, id)
		if err != nil {
			return err
		}
		if prev == nil {
			s.fetchAndHandleOutliers(ctx, origin, room, rules, []ref.EventID{id})
			if prev, err = s.PDUByID(ctx, id); err != nil {
				return err
			}
			if prev == nil {
				s.backoff.Failure("prev:" + id.String())
				continue
			}
		}
		replay[id] = prev

		// Do not walk past the configured depth or past the start of
		// our copy of the room.
		if fetched >= limit {
			s.logger.Debug("prev event fetch limit reached", "room_id", room, "limit", limit)
			continue
		}
		if first != nil && prev.OriginServerTS <= first.PDU.OriginServerTS {
			continue
		}
		fetched++
		stack = append(stack, prev.PrevEvents...)
	}

	order := make([]*matrix.PDU, 0, len(replay))
	for _, prev := range replay {
		order = append(order, prev)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].Depth != order[j].Depth {
			return order[i].Depth < order[j].Depth
		}
		if order[i].OriginServerTS != order[j].OriginServerTS {
			return order[i].OriginServerTS < order[j].OriginServerTS
		}
		return order[i].EventID.String() < order[j].EventID.String()
	})

	for _, prev := range order {
		soft, err := s.IsSoftFailed(ctx, prev.EventID)
		if err != nil {
			return err
		}
		if soft {
			continue
		}
		if err := s.upgradeOutlier(ctx, origin, room, rules, prev); err != nil {
			s.backoff.Failure("prev:" + prev.EventID.String())
			s.logger.Warn("failed to replay prev event",
				"event_id", prev.EventID, "room_id", room, "error", err)
			continue
		}
		s.backoff.Reset("prev:" + prev.EventID.String())
	}
	return nil
}

// upgradeOutlier admits a stored outlier into the room timeline. The
// state at the event is derived from its prev events, or resolved
// across forks, or fetched from the origin; the event must pass auth
// at that state. Failing auth against the current state only
// soft-fails the event.
func (s *Service) upgradeOutlier(ctx context.Context, origin ref.ServerName, room ref.RoomID, rules matrix.Rules, pdu *matrix.PDU) error {
	inTimeline, err := s.InTimeline(ctx, pdu.EventID)
	if err != nil || inTimeline {
		return err
	}
	soft, err := s.IsSoftFailed(ctx, pdu.EventID)
	if err != nil {
		return err
	}
	if soft {
		return matrix.Forbidden("event %s has been soft failed", pdu.EventID)
	}

	stateAt, err := s.stateAtIncoming(ctx, origin, room, rules, pdu)
	if err != nil {
		return err
	}

	stateSource := eventauth.StateSourceFunc(func(ctx context.Context, eventType, stateKey string) (*matrix.PDU, error) {
		key, ok, err := s.lookupShortStateKey(ctx, eventType, stateKey)
		if err != nil || !ok {
			return nil, err
		}
		short, ok := stateAt[key]
		if !ok {
			return nil, nil
		}
		eventID, err := s.eventIDFromShort(ctx, short)
		if err != nil {
			return nil, err
		}
		return s.PDUByID(ctx, eventID)
	})
	if err := eventauth.CheckStateDependent(ctx, rules, pdu, stateSource); err != nil {
		return matrix.Forbidden("event %s failed auth at its own state: %v", pdu.EventID, err)
	}

	softFail, err := s.evaluateSoftFail(ctx, room, rules, pdu)
	if err != nil {
		return err
	}

	mutex := s.roomMutex(room)
	mutex.Lock()
	appended, err := s.admitLocked(ctx, room, rules, pdu, stateAt, softFail)
	mutex.Unlock()
	if err != nil {
		return err
	}

	if softFail {
		return matrix.Forbidden("event %s has been soft failed", pdu.EventID)
	}
	if appended {
		s.fireAppendHooks(ctx, pdu)
	}
	return nil
}

// evaluateSoftFail checks the event against the room's current state.
// Events valid at their own position but no longer valid now are kept
// out of the timeline without rejecting the DAG around them.
func (s *Service) evaluateSoftFail(ctx context.Context, room ref.RoomID, rules matrix.Rules, pdu *matrix.PDU) (bool, error) {
	current, err := s.AuthEventSelection(ctx, room, pdu.Type, pdu.Sender, pdu.StateKey, pdu.Content)
	if err != nil {
		return false, err
	}
	state := s.selectionStateSource(room, current)
	if err := eventauth.CheckStateDependent(ctx, rules, pdu, state); err != nil {
		s.logger.Debug("event fails auth against current state",
			"event_id", pdu.EventID, "room_id", room, "error", err)
		return true, nil
	}

	if pdu.Type == matrix.TypeRedaction {
		if target, ok := pdu.RedactsID(rules); ok {
			allowed, err := s.UserCanRedact(ctx, target, pdu.Sender, room, true)
			if err != nil {
				return false, err
			}
			if !allowed {
				return true, nil
			}
		}
	}
	return false, nil
}

// admitLocked performs the state transition for an incoming event
// under the room mutex: extremity bookkeeping, the event's state
// record, state resolution for state events, and the timeline append
// unless the event soft-failed.
func (s *Service) admitLocked(ctx context.Context, room ref.RoomID, rules matrix.Rules, pdu *matrix.PDU, stateAt map[uint64]uint64, softFail bool) (bool, error) {
	current, err := s.ForwardExtremities(ctx, room)
	if err != nil {
		return false, err
	}
	leaves := make([]ref.EventID, 0, len(current)+1)
	for _, leaf := range current {
		if slices.Contains(pdu.PrevEvents, leaf) {
			continue
		}
		referenced, err := s.IsReferenced(ctx, room, leaf)
		if err != nil {
			return false, err
		}
		if !referenced {
			leaves = append(leaves, leaf)
		}
	}

	stateHash, err := s.snapshotFromShorts(ctx, room, stateAt)
	if err != nil {
		return false, err
	}
	shortEvent, err := s.shortEventID(ctx, pdu.EventID)
	if err != nil {
		return false, err
	}
	if err := s.eventStateHash.Put(ctx, database.EncodeCounter(shortEvent), database.EncodeCounter(stateHash)); err != nil {
		return false, err
	}

	// State events move the room state to the resolution of the
	// event's fork with the current state. Resolution runs even for
	// soft-failed events: it replays the auth rules itself and
	// decides whether the event's pair survives.
	var resolvedHash uint64
	if pdu.IsState() {
		key, err := s.shortStateKey(ctx, pdu.Type, pdu.StateKeyValue())
		if err != nil {
			return false, err
		}
		stateAfter := maps.Clone(stateAt)
		stateAfter[key] = shortEvent

		fork, err := s.stateMapFromShorts(ctx, stateAfter)
		if err != nil {
			return false, err
		}
		resolved, err := s.resolveWithCurrent(ctx, room, rules, fork)
		if err != nil {
			return false, err
		}
		resolvedHash, err = s.snapshotFromMap(ctx, room, resolved)
		if err != nil {
			return false, err
		}
	}

	if softFail {
		for _, prev := range pdu.PrevEvents {
			if err := s.MarkReferenced(ctx, room, prev); err != nil {
				return false, err
			}
		}
		if len(leaves) > 0 {
			if err := s.ReplaceForwardExtremities(ctx, room, leaves); err != nil {
				return false, err
			}
		}
		if pdu.IsState() {
			if err := s.ForceState(ctx, room, resolvedHash); err != nil {
				return false, err
			}
		}
		if err := s.MarkSoftFailed(ctx, pdu.EventID); err != nil {
			return false, err
		}
		s.logger.Warn("event was soft failed", "event_id", pdu.EventID, "room_id", room)
		return false, nil
	}

	leaves = append(leaves, pdu.EventID)
	// Append before moving the state so the replaced-state lookup
	// still sees the predecessor.
	if _, err := s.AppendPDU(ctx, pdu, leaves); err != nil {
		return false, err
	}
	if pdu.IsState() {
		if err := s.ForceState(ctx, room, resolvedHash); err != nil {
			return false, err
		}
	}
	return true, nil
}

// stateAtIncoming derives the room state just before an incoming
// event. With one prev event whose state we hold, the state after it
// is the answer; with several, the forks are resolved; with nothing
// usable locally, the origin is asked for the state at the event.
func (s *Service) stateAtIncoming(ctx context.Context, origin ref.ServerName, room ref.RoomID, rules matrix.Rules, pdu *matrix.PDU) (map[uint64]uint64, error) {
	if len(pdu.PrevEvents) == 0 {
		return map[uint64]uint64{}, nil
	}

	if len(pdu.PrevEvents) == 1 {
		state, ok, err := s.stateAfterEvent(ctx, pdu.PrevEvents[0])
		if err != nil {
			return nil, err
		}
		if ok {
			return state, nil
		}
		return s.fetchStateAt(ctx, origin, room, rules, pdu.EventID)
	}

	forks := make([]stateres.StateMap, 0, len(pdu.PrevEvents))
	for _, prev := range pdu.PrevEvents {
		shorts, ok, err := s.stateAfterEvent(ctx, prev)
		if err != nil {
			return nil, err
		}
		if !ok {
			return s.fetchStateAt(ctx, origin, room, rules, pdu.EventID)
		}
		fork, err := s.stateMapFromShorts(ctx, shorts)
		if err != nil {
			return nil, err
		}
		forks = append(forks, fork)
	}

	resolved, err := s.resolveForks(ctx, room, rules, forks)
	if err != nil {
		return nil, err
	}
	return s.internStateMap(ctx, resolved)
}

// stateAfterEvent returns the interned state after the event: its
// recorded state plus, for state events, the event itself. ok is
// false when the event or its state record is missing locally.
func (s *Service) stateAfterEvent(ctx context.Context, event ref.EventID) (map[uint64]uint64, bool, error) {
	pdu, err := s.PDUByID(ctx, event)
	if err != nil || pdu == nil {
		return nil, false, err
	}

	var before map[uint64]uint64
	hash, ok, err := s.EventStateHash(ctx, event)
	if err != nil {
		return nil, false, err
	}
	switch {
	case ok:
		before, err = s.loadStateIDs(ctx, hash)
		if err != nil {
			return nil, false, err
		}
	case len(pdu.PrevEvents) == 0:
		before = map[uint64]uint64{}
	default:
		return nil, false, nil
	}

	if !pdu.IsState() {
		return before, true, nil
	}
	key, err := s.shortStateKey(ctx, pdu.Type, pdu.StateKeyValue())
	if err != nil {
		return nil, false, err
	}
	short, err := s.shortEventID(ctx, event)
	if err != nil {
		return nil, false, err
	}
	full := maps.Clone(before)
	full[key] = short
	return full, true, nil
}

// stateMapFromShorts resolves an interned snapshot back to event IDs.
func (s *Service) stateMapFromShorts(ctx context.Context, shorts map[uint64]uint64) (stateres.StateMap, error) {
	state := make(stateres.StateMap, len(shorts))
	for key, short := range shorts {
		eventType, stateKey, err := s.stateKeyFromShort(ctx, key)
		if err != nil {
			return nil, err
		}
		eventID, err := s.eventIDFromShort(ctx, short)
		if err != nil {
			return nil, err
		}
		state[eventauth.StateKeyTuple{Type: eventType, StateKey: stateKey}] = eventID
	}
	return state, nil
}

// resolveForks runs state resolution over the given forks with their
// full auth chains.
func (s *Service) resolveForks(ctx context.Context, room ref.RoomID, rules matrix.Rules, forks []stateres.StateMap) (stateres.StateMap, error) {
	authSets := make([]stateres.EventIDSet, 0, len(forks))
	for _, fork := range forks {
		ids := make([]ref.EventID, 0, len(fork))
		for _, id := range fork {
			ids = append(ids, id)
		}
		chain, err := s.AuthChain(ctx, room, ids)
		if err != nil {
			return nil, err
		}
		authSets = append(authSets, chain)
	}

	exists := func(ctx context.Context, id ref.EventID) bool {
		known, err := s.IsKnown(ctx, id)
		return err == nil && known
	}
	resolved, err := stateres.Resolve(ctx, rules, forks, authSets, s.eventSource(), exists, false)
	if err != nil {
		return nil, fmt.Errorf("rooms: state resolution in %s: %w", room, err)
	}
	return resolved, nil
}

// resolveWithCurrent resolves a fork of the room's state against the
// current state.
func (s *Service) resolveWithCurrent(ctx context.Context, room ref.RoomID, rules matrix.Rules, fork stateres.StateMap) (stateres.StateMap, error) {
	current, err := s.RoomStateMap(ctx, room)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return fork, nil
	}
	return s.resolveForks(ctx, room, rules, []stateres.StateMap{current, fork})
}

// fetchStateAt asks the origin for the full room state at an event
// and admits every member as an outlier.
func (s *Service) fetchStateAt(ctx context.Context, origin ref.ServerName, room ref.RoomID, rules matrix.Rules, event ref.EventID) (map[uint64]uint64, error) {
	s.logger.Info("fetching room state at event over federation",
		"room_id", room, "event_id", event, "origin", origin)

	var res struct {
		AuthChainIDs []ref.EventID `json:"auth_chain_ids"`
		PDUIDs       []ref.EventID `json:"pdu_ids"`
	}
	path := fmt.Sprintf("/_matrix/federation/v1/state_ids/%s?event_id=%s",
		url.PathEscape(room.String()), url.QueryEscape(event.String()))
	if err := s.fed.Get(ctx, origin, path, &res); err != nil {
		return nil, fmt.Errorf("rooms: fetching state at %s: %w", event, err)
	}

	ids := make([]ref.EventID, 0, len(res.AuthChainIDs)+len(res.PDUIDs))
	ids = append(ids, res.AuthChainIDs...)
	ids = append(ids, res.PDUIDs...)
	s.fetchAndHandleOutliers(ctx, origin, room, rules, ids)

	state := make(map[uint64]uint64, len(res.PDUIDs))
	for _, id := range res.PDUIDs {
		pdu, err := s.PDUByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if pdu == nil {
			return nil, fmt.Errorf("rooms: state event %s at %s could not be fetched", id, event)
		}
		if !pdu.IsState() {
			return nil, fmt.Errorf("rooms: origin returned non-state event %s in state at %s", id, event)
		}
		key, err := s.shortStateKey(ctx, pdu.Type, pdu.StateKeyValue())
		if err != nil {
			return nil, err
		}
		short, err := s.shortEventID(ctx, id)
		if err != nil {
			return nil, err
		}
		if prior, dup := state[key]; dup && prior != short {
			return nil, fmt.Errorf("rooms: origin returned two state events for one key at %s", event)
		}
		state[key] = short
	}

	// The fetched state must agree on the room's origin.
	create, err := s.CreateEvent(ctx, room)
	if err != nil {
		return nil, err
	}
	if create != nil {
		createKey, ok, err := s.lookupShortStateKey(ctx, matrix.TypeCreate, "")
		if err != nil {
			return nil, err
		}
		if ok {
			if short, present := state[createKey]; present {
				fetchedCreate, err := s.eventIDFromShort(ctx, short)
				if err != nil {
					return nil, err
				}
				if fetchedCreate != create.EventID {
					return nil, fmt.Errorf("rooms: fetched state at %s has the wrong create event", event)
				}
			}
		}
	}
	return state, nil
}
