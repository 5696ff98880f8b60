// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/matrix/eventauth"
	"github.com/tototomate123/tuwunel/matrix/stateres"
	"github.com/tototomate123/tuwunel/service/serverkeys"
)

// makeTemplate is the make_join and make_leave response shape: an
// unsigned event template plus the room version it must be finished
// under.
type makeTemplate struct {
	RoomVersion matrix.RoomVersion `json:"room_version"`
	Event       json.RawMessage    `json:"event"`
}

// RemoteJoin joins a local user to a room this server has no state
// for, by handshaking with one of the candidate servers: make_join for
// a template, send_join with the signed event, then the returned state
// and auth chain become the room's initial state.
func (s *Service) RemoteJoin(ctx context.Context, user ref.UserID, room ref.RoomID, profile matrix.MemberContent, servers []ref.ServerName) error {
	attempted := false
	var lastErr error
	for _, server := range servers {
		if s.globals.ServerIsOurs(server) {
			continue
		}
		attempted = true
		err := s.remoteJoinVia(ctx, server, user, room, profile)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("remote join attempt failed",
			"room_id", room, "user_id", user, "server", server, "error", err)
	}
	if !attempted {
		return matrix.NotFound("no known servers to join room %s through", room)
	}
	return lastErr
}

func (s *Service) remoteJoinVia(ctx context.Context, server ref.ServerName, user ref.UserID, room ref.RoomID, profile matrix.MemberContent) error {
	var template makeTemplate
	path := "/_matrix/federation/v1/make_join/" + url.PathEscape(room.String()) +
		"/" + url.PathEscape(user.String()) + s.versionQuery()
	if err := s.fed.Get(ctx, server, path, &template); err != nil {
		return fmt.Errorf("rooms: make_join via %s: %w", server, err)
	}

	version := template.RoomVersion
	if version == "" {
		// Servers predating room versioning only speak version 1.
		version = matrix.RoomV1
	}
	if !s.globals.SupportsRoomVersion(version) {
		return matrix.NewError(http.StatusBadRequest, matrix.ErrCodeIncompatibleRoomVersion,
			"The room is version %s, which this server does not support.", version)
	}
	rules, err := matrix.RulesFor(version)
	if err != nil {
		return err
	}

	obj, err := canonicaljson.Decode(template.Event)
	if err != nil {
		return fmt.Errorf("rooms: make_join template via %s: %w", server, err)
	}
	obj["origin"] = s.globals.ServerName().String()
	obj["origin_server_ts"] = s.clock.Now().UnixMilli()
	content := canonicaljson.Child(obj, "content")
	if content == nil {
		content = canonicaljson.Object{}
	}
	content["membership"] = matrix.MembershipJoin
	if profile.DisplayName != "" {
		content["displayname"] = profile.DisplayName
	}
	if profile.AvatarURL != "" {
		content["avatar_url"] = profile.AvatarURL
	}
	if profile.Reason != "" {
		content["reason"] = profile.Reason
	}
	obj["content"] = content

	eventID, err := s.keys.GenerateEventIDHashAndSign(obj, rules)
	if err != nil {
		return err
	}

	var response struct {
		AuthChain []json.RawMessage `json:"auth_chain"`
		State     []json.RawMessage `json:"state"`
		Event     json.RawMessage   `json:"event"`
	}
	sendPath := "/_matrix/federation/v2/send_join/" + url.PathEscape(room.String()) +
		"/" + url.PathEscape(eventID.String())
	if err := s.fed.Do(ctx, server, http.MethodPut, sendPath,
		matrix.ToOutgoingFederation(obj, version), &response); err != nil {
		return fmt.Errorf("rooms: send_join via %s: %w", server, err)
	}

	// Restricted joins come back countersigned by the resident server;
	// that copy replaces ours so the extra signature is stored.
	if len(response.Event) > 0 {
		signed, err := canonicaljson.Decode(response.Event)
		if err == nil {
			if signedID, err := matrix.GenerateEventID(signed, rules); err == nil && signedID == eventID {
				obj = signed
			}
		}
	}
	joinPDU, err := matrix.FromIncomingFederation(eventID, obj, rules)
	if err != nil {
		return fmt.Errorf("rooms: finished join event: %w", err)
	}

	graph, state := s.admitJoinGraph(ctx, server, rules, response.AuthChain, response.State)
	if _, ok := state[eventauth.StateKeyTuple{Type: matrix.TypeCreate}]; !ok {
		return matrix.Forbidden("send_join response from %s has no create event in the room state", server)
	}

	mutex := s.roomMutex(room)
	mutex.Lock()
	err = s.installJoin(ctx, room, joinPDU, graph, state)
	mutex.Unlock()
	if err != nil {
		return err
	}
	s.fireAppendHooks(ctx, joinPDU)
	s.logger.Info("joined remote room",
		"room_id", room, "user_id", user, "server", server, "version", version)
	return nil
}

// admitJoinGraph verifies and stores the events of a send_join
// response as outliers, ancestors first, and assembles the state map.
// Events that fail verification are dropped; their absence surfaces
// later as auth failures on whatever depends on them.
func (s *Service) admitJoinGraph(ctx context.Context, origin ref.ServerName, rules matrix.Rules, authChain, state []json.RawMessage) ([]*matrix.PDU, stateres.StateMap) {
	combined := make([]json.RawMessage, 0, len(authChain)+len(state))
	combined = append(combined, authChain...)
	stateFrom := len(authChain)
	combined = append(combined, state...)

	type incoming struct {
		pdu     *matrix.PDU
		inState bool
	}
	events := make([]incoming, 0, len(combined))
	seen := map[ref.EventID]bool{}
	for i, raw := range combined {
		obj, err := canonicaljson.Decode(raw)
		if err != nil {
			s.logger.Warn("dropping unparsable event from send_join response", "origin", origin, "error", err)
			continue
		}
		verified, err := s.keys.VerifyEvent(ctx, obj, rules)
		if err != nil {
			s.logger.Warn("dropping unverifiable event from send_join response", "origin", origin, "error", err)
			continue
		}
		if verified == serverkeys.VerifiedSignatures {
			obj = canonicaljson.Redact(obj, rules.Redaction)
		}
		eventID, err := matrix.GenerateEventID(obj, rules)
		if err != nil {
			s.logger.Warn("dropping unidentifiable event from send_join response", "origin", origin, "error", err)
			continue
		}
		pdu, err := matrix.FromIncomingFederation(eventID, obj, rules)
		if err != nil {
			s.logger.Warn("dropping malformed event from send_join response",
				"origin", origin, "event_id", eventID, "error", err)
			continue
		}
		if seen[eventID] && i < stateFrom {
			continue
		}
		seen[eventID] = true
		events = append(events, incoming{pdu: pdu, inState: i >= stateFrom})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].pdu.Depth < events[j].pdu.Depth
	})

	stateMap := stateres.StateMap{}
	stored := make([]*matrix.PDU, 0, len(events))
	source := s.eventSource()
	for _, event := range events {
		if err := eventauth.CheckStateIndependent(ctx, rules, event.pdu, source); err != nil {
			s.logger.Warn("dropping event rejected by format checks from send_join response",
				"origin", origin, "event_id", event.pdu.EventID, "error", err)
			continue
		}
		if err := s.AddOutlier(ctx, event.pdu); err != nil {
			s.logger.Warn("storing send_join event failed", "event_id", event.pdu.EventID, "error", err)
			continue
		}
		stored = append(stored, event.pdu)
		if event.inState && event.pdu.IsState() {
			stateMap[eventauth.StateKeyTuple{
				Type:     event.pdu.Type,
				StateKey: event.pdu.StateKeyValue(),
			}] = event.pdu.EventID
		}
	}
	return stored, stateMap
}

// installJoin makes the fetched state the room's current state and
// appends the join event on top of it. The caller must hold the room
// mutex.
func (s *Service) installJoin(ctx context.Context, room ref.RoomID, join *matrix.PDU, graph []*matrix.PDU, state stateres.StateMap) error {
	before, err := s.SetEventState(ctx, join.EventID, room, state)
	if err != nil {
		return err
	}
	if err := s.ForceState(ctx, room, before); err != nil {
		return err
	}
	after, err := s.AppendToState(ctx, join)
	if err != nil {
		return err
	}
	if _, err := s.AppendPDU(ctx, join, []ref.EventID{join.EventID}); err != nil {
		return err
	}
	return s.SetRoomState(ctx, room, after)
}

// versionQuery formats the ver= parameters advertising every room
// version this server can speak.
func (s *Service) versionQuery() string {
	var b strings.Builder
	for i, version := range s.globals.SupportedRoomVersions() {
		if i == 0 {
			b.WriteString("?ver=")
		} else {
			b.WriteString("&ver=")
		}
		b.WriteString(url.QueryEscape(string(version)))
	}
	return b.String()
}

// RemoteLeave rejects an invite or knock in a room this server has no
// state for, going through the server that sent the invite.
func (s *Service) RemoteLeave(ctx context.Context, user ref.UserID, room ref.RoomID) error {
	servers := s.leaveCandidates(ctx, user, room)
	if len(servers) == 0 {
		return matrix.NotFound("no known servers to leave room %s through", room)
	}
	var lastErr error
	for _, server := range servers {
		err := s.remoteLeaveVia(ctx, server, user, room)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("remote leave attempt failed",
			"room_id", room, "user_id", user, "server", server, "error", err)
	}
	return lastErr
}

func (s *Service) leaveCandidates(ctx context.Context, user ref.UserID, room ref.RoomID) []ref.ServerName {
	var servers []ref.ServerName
	seen := map[ref.ServerName]bool{s.globals.ServerName(): true}
	add := func(server ref.ServerName) {
		if !seen[server] {
			seen[server] = true
			servers = append(servers, server)
		}
	}
	if stripped, ok, err := s.InviteState(ctx, user, room); err == nil && ok {
		for _, raw := range stripped {
			var event struct {
				Sender ref.UserID `json:"sender"`
			}
			if json.Unmarshal(raw, &event) == nil && !event.Sender.IsZero() {
				add(event.Sender.Server())
			}
		}
	}
	if server, ok := room.Server(); ok {
		add(server)
	}
	return servers
}

func (s *Service) remoteLeaveVia(ctx context.Context, server ref.ServerName, user ref.UserID, room ref.RoomID) error {
	var template makeTemplate
	path := "/_matrix/federation/v1/make_leave/" + url.PathEscape(room.String()) +
		"/" + url.PathEscape(user.String())
	if err := s.fed.Get(ctx, server, path, &template); err != nil {
		return fmt.Errorf("rooms: make_leave via %s: %w", server, err)
	}

	version := template.RoomVersion
	if version == "" {
		version = matrix.RoomV1
	}
	rules, err := matrix.RulesFor(version)
	if err != nil {
		return err
	}
	obj, err := canonicaljson.Decode(template.Event)
	if err != nil {
		return fmt.Errorf("rooms: make_leave template via %s: %w", server, err)
	}
	obj["origin"] = s.globals.ServerName().String()
	obj["origin_server_ts"] = s.clock.Now().UnixMilli()

	eventID, err := s.keys.GenerateEventIDHashAndSign(obj, rules)
	if err != nil {
		return err
	}
	sendPath := "/_matrix/federation/v2/send_leave/" + url.PathEscape(room.String()) +
		"/" + url.PathEscape(eventID.String())
	var response struct{}
	if err := s.fed.Do(ctx, server, http.MethodPut, sendPath,
		matrix.ToOutgoingFederation(obj, version), &response); err != nil {
		return fmt.Errorf("rooms: send_leave via %s: %w", server, err)
	}
	return nil
}
