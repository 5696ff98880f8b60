// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"net/http"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/rooms"
)

// Room creation presets.
const (
	presetPrivateChat        = "private_chat"
	presetTrustedPrivateChat = "trusted_private_chat"
	presetPublicChat         = "public_chat"
)

type createRoomRequest struct {
	CreationContent           json.RawMessage   `json:"creation_content"`
	InitialState              []stateEventInput `json:"initial_state"`
	Invite                    []string          `json:"invite"`
	IsDirect                  bool              `json:"is_direct"`
	Name                      string            `json:"name"`
	PowerLevelContentOverride json.RawMessage   `json:"power_level_content_override"`
	Preset                    string            `json:"preset"`
	RoomAliasName             string            `json:"room_alias_name"`
	RoomVersion               string            `json:"room_version"`
	Topic                     string            `json:"topic"`
	Visibility                string            `json:"visibility"`
}

type stateEventInput struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Content  json.RawMessage `json:"content"`
}

// POST /_matrix/client/v3/createRoom
func (h *Handlers) createRoom(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := router.IdentityFrom(ctx)
	sender := id.User

	if !h.server.AllowRoomCreation && id.Appservice == nil && !h.admin.IsAdmin(ctx, sender) {
		router.WriteError(w, matrix.Forbidden("Room creation has been disabled."))
		return
	}

	var req createRoomRequest
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}

	version := h.globals.DefaultRoomVersion()
	if req.RoomVersion != "" {
		version = matrix.RoomVersion(req.RoomVersion)
		if !h.globals.SupportsRoomVersion(version) {
			router.WriteError(w, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeUnsupportedRoomVersion,
				"This server does not support room version %q.", req.RoomVersion))
			return
		}
	}
	rules, err := matrix.RulesFor(version)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	// The alias is claimed before any event is built so a clash leaves
	// nothing behind.
	var alias ref.RoomAlias
	if req.RoomAliasName != "" {
		alias, err = h.claimAlias(r, req.RoomAliasName)
		if err != nil {
			router.WriteError(w, err)
			return
		}
	}

	room, _, err := h.rooms.CreateRoom(ctx, sender, version, req.CreationContent)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	displayname, _ := h.users.Displayname(ctx, sender)
	avatar, _ := h.users.AvatarURL(ctx, sender)
	joinContent, err := json.Marshal(matrix.MemberContent{
		Membership:  matrix.MembershipJoin,
		DisplayName: displayname,
		AvatarURL:   avatar,
	})
	if err != nil {
		router.WriteError(w, err)
		return
	}

	invites := make([]ref.UserID, 0, len(req.Invite))
	for _, raw := range req.Invite {
		invitee, err := ref.ParseUserID(raw)
		if err != nil {
			h.logger.Warn("skipping invalid invitee", "room", room, "invitee", raw, "error", err)
			continue
		}
		invites = append(invites, invitee)
	}

	power, err := h.creationPowerLevels(sender, rules, req, invites)
	if err != nil {
		router.WriteError(w, err)
		return
	}

	joinRule := matrix.JoinRuleInvite
	guestAccess := "can_join"
	preset := req.Preset
	if preset == "" {
		preset = presetPrivateChat
		if req.Visibility == "public" {
			preset = presetPublicChat
		}
	}
	switch preset {
	case presetPublicChat:
		joinRule = matrix.JoinRulePublic
		guestAccess = "forbidden"
	case presetPrivateChat, presetTrustedPrivateChat:
	default:
		router.WriteError(w, matrix.InvalidParam("invalid preset %q", preset))
		return
	}

	emptyKey := ""
	senderKey := sender.String()
	steps := []rooms.PDUBuilder{
		{Type: matrix.TypeMember, StateKey: &senderKey, Content: joinContent},
		{Type: matrix.TypePowerLevels, StateKey: &emptyKey, Content: power},
	}
	if !alias.IsZero() {
		aliasContent, err := json.Marshal(map[string]string{"alias": alias.String()})
		if err != nil {
			router.WriteError(w, err)
			return
		}
		steps = append(steps, rooms.PDUBuilder{Type: matrix.TypeCanonicalAlias, StateKey: &emptyKey, Content: aliasContent})
	}
	joinRulesContent, err := json.Marshal(matrix.JoinRulesContent{JoinRule: joinRule})
	if err != nil {
		router.WriteError(w, err)
		return
	}
	steps = append(steps,
		rooms.PDUBuilder{Type: matrix.TypeJoinRules, StateKey: &emptyKey, Content: joinRulesContent},
		rooms.PDUBuilder{Type: matrix.TypeHistoryVisibility, StateKey: &emptyKey,
			Content: json.RawMessage(`{"history_visibility":"shared"}`)},
		rooms.PDUBuilder{Type: matrix.TypeGuestAccess, StateKey: &emptyKey,
			Content: json.RawMessage(`{"guest_access":"` + guestAccess + `"}`)},
	)
	for _, builder := range steps {
		if _, err := h.rooms.BuildAndAppend(ctx, builder, sender, room); err != nil {
			router.WriteError(w, err)
			return
		}
	}

	// Requested initial state lands after the preset so it can
	// override the defaults.
	for _, event := range req.InitialState {
		stateKey := event.StateKey
		_, err := h.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
			Type:     event.Type,
			StateKey: &stateKey,
			Content:  event.Content,
		}, sender, room)
		if err != nil {
			router.WriteError(w, err)
			return
		}
	}

	if req.Name != "" {
		content, err := json.Marshal(map[string]string{"name": req.Name})
		if err == nil {
			_, err = h.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
				Type: matrix.TypeName, StateKey: &emptyKey, Content: content,
			}, sender, room)
		}
		if err != nil {
			router.WriteError(w, err)
			return
		}
	}
	if req.Topic != "" {
		content, err := json.Marshal(map[string]string{"topic": req.Topic})
		if err == nil {
			_, err = h.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
				Type: matrix.TypeTopic, StateKey: &emptyKey, Content: content,
			}, sender, room)
		}
		if err != nil {
			router.WriteError(w, err)
			return
		}
	}

	for _, invitee := range invites {
		if err := h.performInvite(ctx, sender, invitee, room, req.IsDirect, ""); err != nil {
			h.logger.Warn("invite during room creation failed",
				"room", room, "invitee", invitee, "error", err)
		}
	}

	if !alias.IsZero() {
		if err := h.rooms.SetAlias(ctx, alias, room); err != nil {
			router.WriteError(w, err)
			return
		}
	}
	if req.Visibility == "public" {
		if err := h.rooms.SetPublic(ctx, room, true); err != nil {
			router.WriteError(w, err)
			return
		}
	}

	h.logger.Info("room created", "room", room, "creator", sender, "version", version)
	router.WriteJSON(w, http.StatusOK, map[string]ref.RoomID{"room_id": room})
}

// creationPowerLevels builds the first power_levels content: the
// creator at 100 where the room version does not already privilege
// creators, every invitee at 100 for trusted private chats, and the
// client's power_level_content_override merged over the top.
func (h *Handlers) creationPowerLevels(sender ref.UserID, rules matrix.Rules, req createRoomRequest, invites []ref.UserID) (json.RawMessage, error) {
	levels := map[string]int64{}
	if !rules.Authorization.ExplicitlyPrivilegeCreators {
		levels[sender.String()] = 100
	}
	if req.Preset == presetTrustedPrivateChat {
		for _, invitee := range invites {
			levels[invitee.String()] = 100
		}
	}

	power := map[string]any{
		"ban":            50,
		"events":         map[string]any{},
		"events_default": 0,
		"invite":         0,
		"kick":           50,
		"redact":         50,
		"state_default":  50,
		"users":          levels,
		"users_default":  0,
		"notifications":  map[string]any{"room": 50},
	}
	if len(req.PowerLevelContentOverride) > 0 {
		var override map[string]json.RawMessage
		if err := json.Unmarshal(req.PowerLevelContentOverride, &override); err != nil {
			return nil, matrix.BadJSON("power_level_content_override: %v", err)
		}
		for key, value := range override {
			power[key] = value
		}
	}
	return json.Marshal(power)
}

// claimAlias validates and reserves a requested room alias localpart.
func (h *Handlers) claimAlias(r *http.Request, localpart string) (ref.RoomAlias, error) {
	alias, err := ref.NewRoomAlias(localpart, h.globals.ServerName())
	if err != nil {
		return ref.RoomAlias{}, matrix.InvalidParam("invalid alias name: %s", err)
	}
	if h.globals.ForbiddenAlias(alias.Localpart()) {
		return ref.RoomAlias{}, matrix.Forbidden("Room alias is forbidden.")
	}
	if _, taken, err := h.rooms.ResolveLocalAlias(r.Context(), alias); err != nil {
		return ref.RoomAlias{}, err
	} else if taken {
		return ref.RoomAlias{}, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeRoomInUse, "Room alias already exists.")
	}
	return alias, nil
}
