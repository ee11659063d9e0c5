// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardrails

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.guardrails")
	meter  = otel.Meter("aleutian.guardrails")
)

var (
	verificationTotal metric.Int64Counter
	checkDuration     metric.Float64Histogram
	checkFailures     metric.Int64Counter
	confidenceHist    metric.Float64Histogram
	cacheOps          metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		verificationTotal, err = meter.Int64Counter(
			"guardrails_verifications_total",
			metric.WithDescription("Verifications by level, validity and source"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		checkDuration, err = meter.Float64Histogram(
			"guardrails_check_duration_seconds",
			metric.WithDescription("Duration of individual guardrail checks"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		checkFailures, err = meter.Int64Counter(
			"guardrails_check_failures_total",
			metric.WithDescription("Checks replaced by their safe default"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		confidenceHist, err = meter.Float64Histogram(
			"guardrails_confidence",
			metric.WithDescription("Distribution of verification confidence"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheOps, err = meter.Int64Counter(
			"guardrails_cache_operations_total",
			metric.WithDescription("Guardrail cache operations by type (hit/miss/eviction/bypass)"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordVerification(ctx context.Context, r *VerificationResult, source string) {
	if initMetrics() != nil {
		return
	}
	verificationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", string(r.Metadata.VerificationLevel)),
		attribute.Bool("valid", r.IsValid),
		attribute.String("source", source),
	))
	confidenceHist.Record(ctx, r.Confidence)
}

func recordCheck(ctx context.Context, check string, took time.Duration, failed bool) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("check", check))
	checkDuration.Record(ctx, took.Seconds(), attrs)
	if failed {
		checkFailures.Add(ctx, 1, attrs)
	}
}

func recordCacheOp(ctx context.Context, op string, n int) {
	if n <= 0 || initMetrics() != nil {
		return
	}
	cacheOps.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
}

// addStateEvent marks a verification state transition on the span.
func addStateEvent(span trace.Span, state string) {
	span.AddEvent("state", trace.WithAttributes(attribute.String("guardrails.state", state)))
}
