// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	metrics := NewMetrics(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{roomId}/state", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := metrics.Middleware(mux)

	for range 3 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/rooms/!r:s/state", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	}

	// The route label is the matched pattern, not the raw path.
	count := testutil.ToFloat64(metrics.requests.WithLabelValues(
		"GET /_matrix/client/v3/rooms/{roomId}/state", "GET", "200"))
	if count != 3 {
		t.Errorf("requests_total = %v, want 3", count)
	}
}

func TestMetricsMiddlewareUnmatched(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	metrics := NewMetrics(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/known", func(w http.ResponseWriter, r *http.Request) {})
	handler := metrics.Middleware(mux)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unknown", nil))

	count := testutil.ToFloat64(metrics.requests.WithLabelValues("unmatched", "GET", "404"))
	if count != 1 {
		t.Errorf("unmatched requests_total = %v, want 1", count)
	}
}
