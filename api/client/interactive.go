// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/uiaa"
)

// uiaaResponse is the 401 body of a failed interactive-auth stage:
// the session state with the failure attached.
type uiaaResponse struct {
	*uiaa.Info
	ErrCode string `json:"errcode,omitempty"`
	Err     string `json:"error,omitempty"`
}

// completeUIAA drives one round of interactive auth. It returns true
// once a flow is complete; otherwise the 401 carrying the session
// state has already been written. Unknown sessions restart with a
// fresh one rather than erroring, so interrupted clients recover by
// resubmitting.
func (h *Handlers) completeUIAA(w http.ResponseWriter, r *http.Request, user ref.UserID, device ref.DeviceID, flows []uiaa.Flow, body json.RawMessage, auth *uiaa.Auth) bool {
	if auth == nil {
		h.startUIAA(w, user, device, flows, body)
		return false
	}

	done, info, err := h.uiaa.TryAuth(r.Context(), user, device, *auth)
	switch {
	case errors.Is(err, uiaa.ErrUnknownSession):
		h.startUIAA(w, user, device, flows, body)
		return false
	case errors.Is(err, uiaa.ErrAuthFailed):
		router.WriteJSON(w, http.StatusUnauthorized, uiaaResponse{
			Info: &uiaa.Info{
				Flows:   flows,
				Params:  map[string]json.RawMessage{},
				Session: auth.Session,
			},
			ErrCode: matrix.ErrCodeForbidden,
			Err:     "Authentication failed.",
		})
		return false
	case err != nil:
		router.WriteError(w, err)
		return false
	case !done:
		router.WriteJSON(w, http.StatusUnauthorized, info)
		return false
	}
	return true
}

func (h *Handlers) startUIAA(w http.ResponseWriter, user ref.UserID, device ref.DeviceID, flows []uiaa.Flow, body json.RawMessage) {
	info, err := h.uiaa.Create(user, device, flows, body)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusUnauthorized, info)
}
