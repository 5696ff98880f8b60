// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/sync"
)

// GET /_matrix/client/v3/sync
func (h *Handlers) syncRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := router.IdentityFrom(ctx)
	q := r.URL.Query()

	req := sync.Request{
		User:      id.User,
		Device:    id.Device,
		FullState: q.Get("full_state") == "true",
		Filter:    q.Get("filter"),
	}
	if since := q.Get("since"); since != "" {
		n, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			router.WriteError(w, matrix.InvalidParam("invalid since token %q", since))
			return
		}
		req.Since = n
	}
	if timeout := q.Get("timeout"); timeout != "" {
		ms, err := strconv.ParseInt(timeout, 10, 64)
		if err != nil || ms < 0 {
			router.WriteError(w, matrix.InvalidParam("invalid timeout %q", timeout))
			return
		}
		req.Timeout = time.Duration(ms) * time.Millisecond
	}
	// set_presence is accepted and ignored.

	resp, err := h.sync.Sync(ctx, req)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, resp)
}
