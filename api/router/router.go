// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package router holds the shared plumbing of the Matrix HTTP API:
// request identities, token and X-Matrix authentication, Matrix error
// rendering, middleware, and the listener server. The endpoint
// handlers themselves live in api/client and api/server.
package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tototomate123/tuwunel/matrix"
)

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN","error":"response encoding failed"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError renders err as a Matrix error body. Structured
// *matrix.Error values keep their status and errcode; anything else
// becomes a 500 M_UNKNOWN carrying the error text.
func WriteError(w http.ResponseWriter, err error) {
	var matrixErr *matrix.Error
	if !errors.As(err, &matrixErr) {
		matrixErr = matrix.NewError(http.StatusInternalServerError, matrix.ErrCodeUnknown, "%s", err)
	}
	status := matrixErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, matrixErr)
}

// ReadJSON decodes the request body into v. An empty body decodes as
// an empty object, which many client endpoints send. Errors map to
// the Matrix error taxonomy: unparseable bodies are M_NOT_JSON,
// type mismatches are M_BAD_JSON, and bodies over the request size
// limit are M_TOO_LARGE.
func ReadJSON(r *http.Request, v any) error {
	body, err := ReadBody(r)
	if err != nil {
		return err
	}
	return DecodeJSON(body, v)
}

// ReadBody reads the request body whole, mapping read failures to the
// Matrix error taxonomy. An empty body reads as an empty object.
// Endpoints that replay the body through interactive auth read it
// once with ReadBody and decode with DecodeJSON.
func ReadBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, matrix.NewError(http.StatusRequestEntityTooLarge, matrix.ErrCodeTooLarge,
				"request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, matrix.NewError(http.StatusBadRequest, matrix.ErrCodeNotJSON, "reading request body: %s", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	return body, nil
}

// DecodeJSON unmarshals body into v with ReadJSON's error mapping.
func DecodeJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return matrix.BadJSON("field %q: expected %s", typeErr.Field, typeErr.Type)
		}
		return matrix.NewError(http.StatusBadRequest, matrix.ErrCodeNotJSON, "request body is not valid JSON")
	}
	return nil
}

// NotFound is the fallback handler for unmatched routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, matrix.NewError(http.StatusNotFound, matrix.ErrCodeUnrecognized, "Not Found"))
}

// Unrecognized is the handler for intentionally unimplemented
// endpoints that clients probe for.
func Unrecognized(w http.ResponseWriter, r *http.Request) {
	WriteError(w, matrix.NewError(http.StatusNotFound, matrix.ErrCodeUnrecognized, "Unrecognized request"))
}

// Chain wraps h in the given middleware, outermost first.
func Chain(h http.Handler, middleware ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
