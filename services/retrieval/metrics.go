// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.retrieval")
	meter  = otel.Meter("aleutian.retrieval")
)

var (
	searchTotal      metric.Int64Counter
	searchLatency    metric.Float64Histogram
	downgradeTotal   metric.Int64Counter
	negotiationTotal metric.Int64Counter
	fusionWeightHist metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		searchTotal, err = meter.Int64Counter(
			"retrieval_search_total",
			metric.WithDescription("Hybrid searches by final mode"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		searchLatency, err = meter.Float64Histogram(
			"retrieval_search_duration_seconds",
			metric.WithDescription("Duration of hybrid searches including fallbacks"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		downgradeTotal, err = meter.Int64Counter(
			"retrieval_capability_downgrades_total",
			metric.WithDescription("Capability flags cleared after a call-time rejection"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		negotiationTotal, err = meter.Int64Counter(
			"retrieval_negotiations_total",
			metric.WithDescription("Capability negotiation runs by resulting stability"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fusionWeightHist, err = meter.Float64Histogram(
			"retrieval_fusion_weight",
			metric.WithDescription("Fusion weight applied to hybrid queries"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSearch(ctx context.Context, mode SearchMode, took time.Duration, weight float64) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", string(mode)))
	searchTotal.Add(ctx, 1, attrs)
	searchLatency.Record(ctx, took.Seconds(), attrs)
	fusionWeightHist.Record(ctx, weight)
}

func recordDowngrade(ctx context.Context, feature Feature) {
	if err := initMetrics(); err != nil {
		return
	}
	downgradeTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("feature", feature.String())))
}

func recordNegotiation(ctx context.Context, p CapabilityProfile) {
	if err := initMetrics(); err != nil {
		return
	}
	negotiationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stability", string(p.Stability)),
		attribute.Int("dimension", p.Dimension),
	))
}
