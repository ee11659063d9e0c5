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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// fakeBackend is an in-memory VectorBackend whose rejections are switched
// on per test.
type fakeBackend struct {
	mu  sync.Mutex
	cfg fakeConfig

	hybridCalls []HybridQuery
	nearCalls   []NearVectorQuery
}

type fakeConfig struct {
	dimension     int
	rejectVector  bool
	rejectFilter  bool
	rejectExplain bool
	hybridErr     error
	nearErr       error
	nilResponse   bool
	delay         time.Duration
	hits          []BackendHit
}

func newFakeBackend(cfg fakeConfig) *fakeBackend {
	return &fakeBackend{cfg: cfg}
}

func (f *fakeBackend) set(fn func(c *fakeConfig)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.cfg)
}

func (f *fakeBackend) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hybridCalls = nil
	f.nearCalls = nil
}

func (f *fakeBackend) hybridLog() []HybridQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]HybridQuery(nil), f.hybridCalls...)
}

func (f *fakeBackend) nearLog() []NearVectorQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NearVectorQuery(nil), f.nearCalls...)
}

func (f *fakeBackend) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (f *fakeBackend) Hybrid(ctx context.Context, q HybridQuery) (*BackendResponse, error) {
	f.mu.Lock()
	f.hybridCalls = append(f.hybridCalls, q)
	cfg := f.cfg
	f.mu.Unlock()

	if err := f.wait(ctx, cfg.delay); err != nil {
		return nil, err
	}
	if q.Filter != nil {
		if err := q.Filter.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.hybridErr != nil {
		return nil, cfg.hybridErr
	}
	if q.Vector != nil {
		if cfg.rejectVector {
			return nil, errors.New(`Unknown argument "vector" on field "hybrid"`)
		}
		if cfg.dimension > 0 && len(q.Vector) != cfg.dimension {
			return nil, fmt.Errorf("vector lengths don't match: %d vs %d", len(q.Vector), cfg.dimension)
		}
	}
	if q.Filter != nil && cfg.rejectFilter {
		return nil, errors.New(`Unknown argument "where" on field "Get.Document"`)
	}
	if q.ExplainScore && cfg.rejectExplain {
		return nil, errors.New(`Cannot query field "explainScore" on type "DocumentAdditional"`)
	}
	if cfg.nilResponse {
		return nil, nil
	}
	return &BackendResponse{Hits: cfg.hits}, nil
}

func (f *fakeBackend) NearVector(ctx context.Context, q NearVectorQuery) (*BackendResponse, error) {
	f.mu.Lock()
	f.nearCalls = append(f.nearCalls, q)
	cfg := f.cfg
	f.mu.Unlock()

	if err := f.wait(ctx, cfg.delay); err != nil {
		return nil, err
	}
	if q.Filter != nil {
		if err := q.Filter.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.nearErr != nil {
		return nil, cfg.nearErr
	}
	if cfg.dimension > 0 && len(q.Vector) != cfg.dimension {
		return nil, fmt.Errorf("vector lengths don't match: %d vs %d", len(q.Vector), cfg.dimension)
	}
	if q.Filter != nil && cfg.rejectFilter {
		return nil, errors.New(`Unknown argument "where" on field "Get.Document"`)
	}
	return &BackendResponse{Hits: cfg.hits}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleHits() []BackendHit {
	score := func(v float64) *float64 { return &v }
	return []BackendHit{
		{Properties: map[string]any{"content": "Ross 308 reaches 2.1 kg at 35 days.", "id": "a", "title": "Ross 308 objectives"}, Score: score(0.92)},
		{Properties: map[string]any{"content": "Lighting programs affect leg health.", "id": "b", "title": "Lighting"}, Score: score(0.71)},
		{Properties: map[string]any{"content": "Coccidiosis causes bloody droppings.", "id": "c", "title": "Disease"}, Score: score(0.55)},
	}
}

func newTestNegotiator(b VectorBackend) *Negotiator {
	return NewNegotiator(b, NegotiatorConfig{
		ProbeTimeout: time.Second,
		Logger:       discardLogger(),
	})
}

func newTestExecutor(b VectorBackend) (*Executor, *Negotiator) {
	neg := newTestNegotiator(b)
	exec := NewExecutor(b, neg, ExecutorConfig{
		QueryTimeout:     time.Second,
		RenegotiateAfter: -1,
		Logger:           discardLogger(),
	})
	return exec, neg
}

func queryVector(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i%7) / 7
	}
	v[0] = 1
	return v
}
