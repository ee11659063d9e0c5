// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.embedding")
	meter  = otel.Meter("aleutian.embedding")
)

var (
	lookupTotal metric.Int64Counter
	batchSize   metric.Int64Histogram
	errorTotal  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		lookupTotal, err = meter.Int64Counter(
			"embedding_cache_lookups_total",
			metric.WithDescription("Embedding cache lookups by result (hit/miss)"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		batchSize, err = meter.Int64Histogram(
			"embedding_service_batch_size",
			metric.WithDescription("Texts sent per embedding service call"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		errorTotal, err = meter.Int64Counter(
			"embedding_errors_total",
			metric.WithDescription("Embedding failures by stage (store_get, store_set, service)"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordLookups(ctx context.Context, hits, misses int) {
	if initMetrics() != nil {
		return
	}
	if hits > 0 {
		lookupTotal.Add(ctx, int64(hits), metric.WithAttributes(attribute.String("result", "hit")))
	}
	if misses > 0 {
		lookupTotal.Add(ctx, int64(misses), metric.WithAttributes(attribute.String("result", "miss")))
	}
}

func recordBatch(ctx context.Context, n int) {
	if initMetrics() != nil {
		return
	}
	batchSize.Record(ctx, int64(n))
}

func recordError(ctx context.Context, stage string) {
	if initMetrics() != nil {
		return
	}
	errorTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
