// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics implements C11, grounded on http_proxy_metrics.go's
// promauto.With(registry)-scoped CounterVec idiom, extended with the
// histograms/gauges SPEC_FULL.md §4.11 names. Registered on a dedicated
// registry by NewMetrics, never mixed into the default global registry so the
// ops HTTP surface (C12) is the only thing that can observe it.
type metrics struct {
	tunnels         *prometheus.CounterVec
	relayedRequests *prometheus.CounterVec
	poolConnections *prometheus.GaugeVec
	ntlmRounds      *prometheus.CounterVec
	tunnelDuration  prometheus.Histogram
}

const metricsNamespace = "ntlmforwarder"

func newMetrics(r prometheus.Registerer) *metrics {
	if r == nil {
		r = prometheus.NewRegistry() // discarded; keeps callers from needing a nil check.
	}
	f := promauto.With(r)

	return &metrics{
		tunnels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tunnels_total",
			Help:      "Number of CONNECT tunnels attempted, by result.",
		}, []string{"result"}),
		relayedRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relayed_requests_total",
			Help:      "Number of non-CONNECT requests relayed, by result.",
		}, []string{"result"}),
		poolConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pool_connections",
			Help:      "Number of idle pooled upstream connections, by route.",
		}, []string{"route"}),
		ntlmRounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ntlm_rounds_total",
			Help:      "Number of NTLM challenge-response rounds, by result.",
		}, []string{"result"}),
		tunnelDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tunnel_duration_seconds",
			Help:      "Time to establish a CONNECT tunnel, including NTLM rounds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *metrics) observeTunnel(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.tunnels.WithLabelValues(result).Inc()
	m.tunnelDuration.Observe(d.Seconds())
}

func (m *metrics) observeRelay(result string) {
	if m == nil {
		return
	}
	m.relayedRequests.WithLabelValues(result).Inc()
}

func (m *metrics) observeNTLMRound(result string) {
	if m == nil {
		return
	}
	m.ntlmRounds.WithLabelValues(result).Inc()
}

func (m *metrics) setPoolConnections(route string, n int) {
	if m == nil {
		return
	}
	m.poolConnections.WithLabelValues(route).Set(float64(n))
}
