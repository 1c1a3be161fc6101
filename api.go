// Copyright 2023 Sauce Labs Inc. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kpax/ntlmforwarder/internal/version"
)

// APIHandler serves the ops HTTP surface of C12: liveness, readiness, metrics
// and version, adapted from the teacher's APIHandler with the PAC script and the
// wide-open pprof debug surface dropped, since neither has a place in a proxy
// that has exactly one upstream authority and no browser-facing config delivery.
type APIHandler struct {
	mux   *http.ServeMux
	ready func() bool
}

// NewAPIHandler wires /healthz, /readyz, /metrics and /version, per SPEC_FULL.md
// §4.12. ready reports whether the dependency context (credentials store,
// connection pool) has finished initializing, per spec.md §9's bootstrap
// ordering: readiness must be false until that's true, even if the process is
// alive and answering healthz.
func NewAPIHandler(r prometheus.Gatherer, ready func() bool) *APIHandler {
	m := http.NewServeMux()
	a := &APIHandler{mux: m, ready: ready}

	m.HandleFunc("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}).ServeHTTP)
	m.HandleFunc("/healthz", a.healthz)
	m.HandleFunc("/readyz", a.readyz)
	m.HandleFunc("/version", a.version)

	return a
}

func (h *APIHandler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *APIHandler) readyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if h.ready != nil && h.ready() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("Service Unavailable"))
}

func (h *APIHandler) version(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(version.Get()) //nolint // ignore error
}

func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Run binds addr and serves h until ctx is canceled, then shuts down gracefully
// within drainTimeout, for use as a runctx.Group member alongside Server.Serve.
func (h *APIHandler) Run(ctx context.Context, addr string, drainTimeout time.Duration) error {
	srv := &http.Server{Addr: addr, Handler: h}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := drainContext(drainTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
