// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"net/http"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/matrix"
)

// supportedVersions is what GET /versions advertises. The r0 entries
// keep pre-v1.1 clients connecting.
var supportedVersions = []string{
	"r0.5.0",
	"r0.6.0",
	"r0.6.1",
	"v1.1",
	"v1.2",
	"v1.3",
	"v1.4",
	"v1.5",
	"v1.6",
	"v1.7",
	"v1.8",
	"v1.9",
	"v1.10",
	"v1.11",
}

// GET /_matrix/client/versions
func (h *Handlers) versions(w http.ResponseWriter, r *http.Request) {
	router.WriteJSON(w, http.StatusOK, map[string]any{
		"versions": supportedVersions,
		"unstable_features": map[string]bool{
			// Authenticated media (MSC3916) landed in v1.11; the
			// unstable name is still probed by transitional clients.
			"org.matrix.msc3916.stable": true,
		},
	})
}

// GET /_matrix/client/v3/capabilities
func (h *Handlers) capabilities(w http.ResponseWriter, r *http.Request) {
	available := make(map[matrix.RoomVersion]matrix.VersionStability)
	for v, stability := range matrix.AvailableRoomVersions() {
		if h.globals.SupportsRoomVersion(v) {
			available[v] = stability
		}
	}

	router.WriteJSON(w, http.StatusOK, map[string]any{
		"capabilities": map[string]any{
			"m.change_password": map[string]bool{"enabled": true},
			"m.room_versions": map[string]any{
				"default":   h.globals.DefaultRoomVersion(),
				"available": available,
			},
		},
	})
}

// GET /_matrix/client/v3/account/whoami
func (h *Handlers) whoami(w http.ResponseWriter, r *http.Request) {
	id := router.IdentityFrom(r.Context())
	response := map[string]any{
		"user_id":  id.User,
		"is_guest": false,
	}
	if !id.Device.IsZero() {
		response["device_id"] = id.Device
	}
	router.WriteJSON(w, http.StatusOK, response)
}
