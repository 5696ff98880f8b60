// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"io"
	"net/http"
	"strconv"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/media"
)

// registerMedia installs the media endpoints. Uploads and the
// authenticated reads added in Matrix 1.11 live under the client
// prefix; the legacy /_matrix/media reads stay open for older clients
// and remote servers that have not moved to federation media.
func (h *Handlers) registerMedia(mux *http.ServeMux, auth *router.Auth) {
	authed := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth.RequireUser(fn))
	}

	authed("POST /_matrix/media/v3/upload", h.uploadMedia)
	authed("POST /_matrix/media/r0/upload", h.uploadMedia)

	authed("GET /_matrix/client/v1/media/download/{serverName}/{mediaId}", h.downloadMedia)
	authed("GET /_matrix/client/v1/media/download/{serverName}/{mediaId}/{fileName}", h.downloadMedia)
	authed("GET /_matrix/client/v1/media/thumbnail/{serverName}/{mediaId}", h.thumbnailMedia)
	authed("GET /_matrix/client/v1/media/config", h.mediaConfig)

	for _, prefix := range []string{"/_matrix/media/v3", "/_matrix/media/r0"} {
		mux.HandleFunc("GET "+prefix+"/download/{serverName}/{mediaId}", h.downloadMedia)
		mux.HandleFunc("GET "+prefix+"/download/{serverName}/{mediaId}/{fileName}", h.downloadMedia)
		mux.HandleFunc("GET "+prefix+"/thumbnail/{serverName}/{mediaId}", h.thumbnailMedia)
		mux.HandleFunc("GET "+prefix+"/config", h.mediaConfig)
	}
}

// POST /_matrix/media/v3/upload
func (h *Handlers) uploadMedia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := router.IdentityFrom(ctx)

	mediaID, err := h.media.Upload(ctx, id.User,
		r.Header.Get("Content-Type"),
		r.URL.Query().Get("filename"),
		r.Body)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	router.WriteJSON(w, http.StatusOK, map[string]string{
		"content_uri": "mxc://" + h.globals.ServerName().String() + "/" + mediaID,
	})
}

// GET /_matrix/client/v1/media/download/{serverName}/{mediaId}
func (h *Handlers) downloadMedia(w http.ResponseWriter, r *http.Request) {
	server, err := ref.ParseServerName(r.PathValue("serverName"))
	if err != nil {
		router.WriteError(w, matrix.InvalidParam("invalid server name: %s", err))
		return
	}
	content, err := h.media.Download(r.Context(), server, r.PathValue("mediaId"))
	if err != nil {
		router.WriteError(w, err)
		return
	}
	defer content.File.Close()

	meta := content.Meta
	if name := r.PathValue("fileName"); name != "" {
		meta.Filename = name
	}
	serveMedia(w, r, &meta, content.File)
}

// GET /_matrix/client/v1/media/thumbnail/{serverName}/{mediaId}
func (h *Handlers) thumbnailMedia(w http.ResponseWriter, r *http.Request) {
	server, err := ref.ParseServerName(r.PathValue("serverName"))
	if err != nil {
		router.WriteError(w, matrix.InvalidParam("invalid server name: %s", err))
		return
	}
	q := r.URL.Query()
	width, _ := strconv.Atoi(q.Get("width"))
	height, _ := strconv.Atoi(q.Get("height"))

	content, err := h.media.Thumbnail(r.Context(), server, r.PathValue("mediaId"), width, height)
	if err != nil {
		router.WriteError(w, err)
		return
	}
	defer content.File.Close()
	serveMedia(w, r, &content.Meta, content.File)
}

// GET /_matrix/client/v1/media/config
func (h *Handlers) mediaConfig(w http.ResponseWriter, r *http.Request) {
	router.WriteJSON(w, http.StatusOK, map[string]int64{
		"m.upload.size": h.server.MaxRequestSize,
	})
}

// serveMedia writes a media payload with the headers that keep
// uploads from becoming a script vector on our origin.
func serveMedia(w http.ResponseWriter, r *http.Request, meta *media.Meta, file io.Reader) {
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Content-Disposition", meta.ContentDisposition())
	w.Header().Set("Content-Security-Policy", "sandbox; default-src 'none'; script-src 'none';")
	w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if r.Method == http.MethodHead {
		return
	}
	io.Copy(w, file)
}
