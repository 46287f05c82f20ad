// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes the server's Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's instrumentation. A nil *Metrics is a valid
// no-op recorder so tests can skip wiring it.
type Metrics struct {
	registry *prometheus.Registry

	tokensIssued       *prometheus.CounterVec
	authFailures       *prometheus.CounterVec
	federationRequests *prometheus.CounterVec
	tokenDuration      prometheus.Histogram
}

// NewMetrics builds the metric set on a fresh registry, so each server
// instance (and each test) gets isolated counters.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		tokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_tokens_issued_total",
			Help: "Tokens issued by the token endpoint, by grant type.",
		}, []string{"grant_type"}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_auth_failures_total",
			Help: "Authentication and authorization failures, by reason.",
		}, []string{"reason"}),
		federationRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_federation_requests_total",
			Help: "Federated login attempts, by provider and result.",
		}, []string{"provider", "result"}),
		tokenDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "signet_token_request_duration_seconds",
			Help:    "Token endpoint request latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the metrics over HTTP for the admin mux.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TokenIssued counts a successful token issuance.
func (m *Metrics) TokenIssued(grantType string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(grantType).Inc()
}

// AuthFailure counts a failed authentication or authorization.
func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

// FederationRequest counts one federated login attempt.
func (m *Metrics) FederationRequest(provider, result string) {
	if m == nil {
		return
	}
	m.federationRequests.WithLabelValues(provider, result).Inc()
}

// ObserveTokenRequest records token endpoint latency.
func (m *Metrics) ObserveTokenRequest(d time.Duration) {
	if m == nil {
		return
	}
	m.tokenDuration.Observe(d.Seconds())
}
