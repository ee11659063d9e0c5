// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grounding

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian"
	metricsSubsystem = "grounding"
)

// Metrics holds the HTTP-level Prometheus metrics.
//
// # Description
//
// Search and verification internals record OTel instruments; these are the
// request-level counters and histograms a dashboard needs without an OTel
// collector.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// RequestsTotal labels: route, status (HTTP code).
	RequestsTotal *prometheus.CounterVec

	// RequestDuration labels: route.
	RequestDuration *prometheus.HistogramVec

	// SearchesTotal labels: endpoint (search, fused), mode.
	SearchesTotal *prometheus.CounterVec

	// VerificationsTotal labels: level, valid.
	VerificationsTotal *prometheus.CounterVec

	// RateLimitedTotal labels: route.
	RateLimitedTotal *prometheus.CounterVec

	// EmbeddingFailuresTotal counts searches that ran without a query vector
	// because embedding failed.
	EmbeddingFailuresTotal prometheus.Counter
}

// NewMetrics registers the metrics with reg. Use prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"route"}),
		SearchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "searches_total",
			Help:      "Searches by endpoint and the stage that produced results",
		}, []string{"endpoint", "mode"}),
		VerificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "verifications_total",
			Help:      "Verifications by level and outcome",
		}, []string{"level", "valid"}),
		RateLimitedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"route"}),
		EmbeddingFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "query_embedding_failures_total",
			Help:      "Searches that fell back to text-only because the query could not be embedded",
		}),
	}
}

func (m *Metrics) observeRequest(route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(took.Seconds())
}

func (m *Metrics) observeSearch(endpoint, mode string) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(endpoint, mode).Inc()
}

func (m *Metrics) observeVerification(level string, valid bool) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(level, strconv.FormatBool(valid)).Inc()
}

func (m *Metrics) observeRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(route).Inc()
}

func (m *Metrics) observeEmbeddingFailure() {
	if m == nil {
		return
	}
	m.EmbeddingFailuresTotal.Inc()
}
