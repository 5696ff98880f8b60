// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/version"
)

// version reports the server implementation name and version.
func (h *Handlers) version(w http.ResponseWriter, r *http.Request) {
	type server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	router.WriteJSON(w, http.StatusOK, struct {
		Server server `json:"server"`
	}{server{Name: "tuwunel", Version: version.Info()}})
}

// serverKeys serves our signed key document. The key ID path variant
// is deprecated; every caller gets the full document.
func (h *Handlers) serverKeys(w http.ResponseWriter, r *http.Request) {
	doc, err := h.keys.OwnDocument()
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, doc)
}

// wellKnownServer serves the federation delegation document.
func (h *Handlers) wellKnownServer(w http.ResponseWriter, r *http.Request) {
	if h.server.WellKnown.Server == "" {
		router.NotFound(w, r)
		return
	}
	router.WriteJSON(w, http.StatusOK, struct {
		Server string `json:"m.server"`
	}{h.server.WellKnown.Server})
}

// wellKnownClient serves the client homeserver discovery document.
func (h *Handlers) wellKnownClient(w http.ResponseWriter, r *http.Request) {
	if h.server.WellKnown.Client == "" {
		router.NotFound(w, r)
		return
	}
	type homeserver struct {
		BaseURL string `json:"base_url"`
	}
	router.WriteJSON(w, http.StatusOK, struct {
		Homeserver homeserver `json:"m.homeserver"`
	}{homeserver{h.server.WellKnown.Client}})
}

// greeting answers the bare root path for anyone poking the server
// with a browser.
func (h *Handlers) greeting(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("hewwo from tuwunel woof!\n"))
}
