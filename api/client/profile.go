// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/rooms"
)

type profileResponse struct {
	Displayname string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// GET /_matrix/client/v3/profile/{userId}
func (h *Handlers) profile(w http.ResponseWriter, r *http.Request) {
	user, err := userParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	profile, err := h.loadProfile(r.Context(), user)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, profile)
}

// GET /_matrix/client/v3/profile/{userId}/displayname
func (h *Handlers) displayname(w http.ResponseWriter, r *http.Request) {
	user, err := userParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	profile, err := h.loadProfile(r.Context(), user)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]string{"displayname": profile.Displayname})
}

// GET /_matrix/client/v3/profile/{userId}/avatar_url
func (h *Handlers) avatarURL(w http.ResponseWriter, r *http.Request) {
	user, err := userParam(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	profile, err := h.loadProfile(r.Context(), user)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]string{"avatar_url": profile.AvatarURL})
}

// loadProfile reads a local profile, or asks the user's homeserver
// over federation for a remote one.
func (h *Handlers) loadProfile(ctx context.Context, user ref.UserID) (*profileResponse, error) {
	if !h.globals.UserIsLocal(user) {
		var out profileResponse
		path := "/_matrix/federation/v1/query/profile?user_id=" + url.QueryEscape(user.String())
		if err := h.federation.Get(ctx, user.Server(), path, &out); err != nil {
			h.logger.Debug("remote profile fetch failed", "user", user, "error", err)
			return nil, matrix.NotFound("Profile was not found.")
		}
		return &out, nil
	}

	exists, err := h.users.Exists(ctx, user)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, matrix.NotFound("Profile was not found.")
	}
	displayname, err := h.users.Displayname(ctx, user)
	if err != nil {
		return nil, err
	}
	avatar, err := h.users.AvatarURL(ctx, user)
	if err != nil {
		return nil, err
	}
	return &profileResponse{Displayname: displayname, AvatarURL: avatar}, nil
}

// PUT /_matrix/client/v3/profile/{userId}/displayname
func (h *Handlers) setDisplayname(w http.ResponseWriter, r *http.Request) {
	user, err := h.ownProfileTarget(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var req struct {
		Displayname string `json:"displayname"`
	}
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	if err := h.users.SetDisplayname(r.Context(), user, req.Displayname); err != nil {
		router.WriteError(w, err)
		return
	}
	h.propagateProfile(r.Context(), user)
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

// PUT /_matrix/client/v3/profile/{userId}/avatar_url
func (h *Handlers) setAvatarURL(w http.ResponseWriter, r *http.Request) {
	user, err := h.ownProfileTarget(r)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	var req struct {
		AvatarURL string `json:"avatar_url"`
	}
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	if err := h.users.SetAvatarURL(r.Context(), user, req.AvatarURL); err != nil {
		router.WriteError(w, err)
		return
	}
	h.propagateProfile(r.Context(), user)
	router.WriteJSON(w, http.StatusOK, struct{}{})
}

func (h *Handlers) ownProfileTarget(r *http.Request) (ref.UserID, error) {
	user, err := userParam(r)
	if err != nil {
		return ref.UserID{}, err
	}
	id := router.IdentityFrom(r.Context())
	if id.User != user {
		return ref.UserID{}, matrix.Forbidden("You cannot change the profile of other users.")
	}
	return user, nil
}

// propagateProfile rewrites the user's membership event in every
// joined room so the new name and avatar reach room members. Rooms
// that refuse the update are skipped, not fatal.
func (h *Handlers) propagateProfile(ctx context.Context, user ref.UserID) {
	joined, err := h.rooms.RoomsJoined(ctx, user)
	if err != nil {
		h.logger.Warn("listing rooms for profile update", "user", user, "error", err)
		return
	}
	displayname, err := h.users.Displayname(ctx, user)
	if err != nil {
		h.logger.Warn("reading displayname for profile update", "user", user, "error", err)
		return
	}
	avatar, err := h.users.AvatarURL(ctx, user)
	if err != nil {
		h.logger.Warn("reading avatar for profile update", "user", user, "error", err)
		return
	}

	content, err := json.Marshal(matrix.MemberContent{
		Membership:  matrix.MembershipJoin,
		DisplayName: displayname,
		AvatarURL:   avatar,
	})
	if err != nil {
		return
	}
	stateKey := user.String()
	for _, room := range joined {
		_, err := h.rooms.BuildAndAppend(ctx, rooms.PDUBuilder{
			Type:     matrix.TypeMember,
			StateKey: &stateKey,
			Content:  content,
		}, user, room)
		if err != nil {
			h.logger.Warn("profile update not applied", "user", user, "room", room, "error", err)
		}
	}
}
