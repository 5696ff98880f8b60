// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/tototomate123/tuwunel/api/router"
)

const defaultTurnTTL = 86400

// GET /_matrix/client/v3/voip/turnServer
func (h *Handlers) turnServer(w http.ResponseWriter, r *http.Request) {
	id := router.IdentityFrom(r.Context())

	ttl := h.server.Turn.TTL
	if ttl <= 0 {
		ttl = defaultTurnTTL
	}

	username := h.server.Turn.Username
	password := h.server.Turn.Password
	if secret := h.globals.TurnSecret(); secret != "" {
		// Ephemeral credentials per the coturn REST API: the username
		// carries the expiry, the password is an HMAC over it.
		expires := h.clock.Now().Unix() + int64(ttl)
		username = fmt.Sprintf("%d:%s", expires, id.User)
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write([]byte(username))
		password = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	}

	uris := h.server.Turn.URIs
	if uris == nil {
		uris = []string{}
	}
	router.WriteJSON(w, http.StatusOK, map[string]any{
		"username": username,
		"password": password,
		"uris":     uris,
		"ttl":      ttl,
	})
}
