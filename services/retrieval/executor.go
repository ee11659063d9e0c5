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
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Configuration
// =============================================================================

// ExecutorConfig configures hybrid search.
type ExecutorConfig struct {
	// DefaultTopK is used when a request has no positive TopK. Default: 5.
	DefaultTopK int

	// QueryTimeout bounds every backend call. Default: 10s.
	QueryTimeout time.Duration

	// RenegotiateAfter triggers background re-negotiation after this many
	// consecutive searches ended empty because of backend errors.
	// Default: 5. Negative disables.
	RenegotiateAfter int

	// IntentBoosts overrides DefaultIntentBoosts.
	IntentBoosts map[Intent]float64

	// Logger for search events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultExecutorConfig returns production defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTopK:      5,
		QueryTimeout:     10 * time.Second,
		RenegotiateAfter: 5,
		IntentBoosts:     DefaultIntentBoosts(),
		Logger:           slog.Default(),
	}
}

func (c *ExecutorConfig) applyDefaults() {
	d := DefaultExecutorConfig()
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = d.DefaultTopK
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.RenegotiateAfter == 0 {
		c.RenegotiateAfter = d.RenegotiateAfter
	}
	if c.IntentBoosts == nil {
		c.IntentBoosts = d.IntentBoosts
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// =============================================================================
// Executor
// =============================================================================

// Executor runs hybrid searches against a VectorBackend.
//
// # Description
//
// Each search walks a strictly sequential chain, moving to the next stage
// only after the previous one has failed:
//
//  1. Hybrid query shaped by the CapabilityProfile.
//  2. On a capability rejection: downgrade the feature, strip that field
//     and retry once.
//  3. Lexical-only query (text and limit).
//  4. Nearest-vector query with the resized vector.
//  5. Empty result.
//
// Errors never reach the caller; SearchResult.Mode and Stages say what
// happened.
//
// # Thread Safety
//
// Safe for concurrent use.
type Executor struct {
	backend    VectorBackend
	negotiator *Negotiator
	config     ExecutorConfig
	logger     *slog.Logger

	consecutiveFailures atomic.Int32
	renegotiating       atomic.Bool
}

// NewExecutor creates an executor. The negotiator must wrap the same backend.
func NewExecutor(backend VectorBackend, negotiator *Negotiator, config ExecutorConfig) *Executor {
	config.applyDefaults()
	return &Executor{
		backend:    backend,
		negotiator: negotiator,
		config:     config,
		logger:     config.Logger.With(slog.String("component", "hybrid_search")),
	}
}

// Negotiator returns the negotiator backing this executor.
func (e *Executor) Negotiator() *Negotiator {
	return e.negotiator
}

// HybridSearch runs one hybrid search.
//
// # Inputs
//
//   - ctx: Cancellation. Each backend call is additionally bounded by
//     QueryTimeout; a timeout is handled like any other backend error.
//   - req: Query vector, text, limit, optional filter, weight and intent.
//
// # Outputs
//
//   - *SearchResult: Never nil. Documents is empty, not nil, on failure.
func (e *Executor) HybridSearch(ctx context.Context, req SearchRequest) *SearchResult {
	ctx, span := tracer.Start(ctx, "Executor.HybridSearch",
		trace.WithAttributes(
			attribute.String("intent", req.Intent.String()),
			attribute.Int("top_k", req.TopK),
		),
	)
	defer span.End()
	start := time.Now()

	profile := e.negotiator.Ensure(ctx)

	topK := req.TopK
	if topK <= 0 {
		topK = e.config.DefaultTopK
	}

	var weight float64
	if req.Weight != nil {
		weight = ClampFusionWeight(*req.Weight)
	} else {
		weight = ComputeFusionWeight(req.Text, req.Intent, e.config.IntentBoosts)
	}

	hasVector := len(req.Vector) > 0 && !isZeroVector(req.Vector)
	vec := ResizeVector(req.Vector, profile.Dimension)

	result := &SearchResult{
		Documents:    []RetrievedDocument{},
		FusionWeight: weight,
		Dimension:    profile.Dimension,
	}

	query := buildHybridQuery(req.Text, vec, hasVector, weight, req.Filter, topK, profile)
	docs, mode, ok := e.hybridChain(ctx, query, result)
	if !ok {
		docs, ok = e.vectorSearchFallback(ctx, vec, hasVector, req.Filter, topK, result)
		mode = ModeVectorFallback
	}
	if !ok {
		docs = []RetrievedDocument{}
		mode = ModeEmpty
	}

	result.Documents = docs
	result.Mode = mode
	result.Degraded = mode != ModeHybrid
	e.trackOutcome(ctx, ok)

	took := time.Since(start)
	span.SetAttributes(
		attribute.String("mode", string(mode)),
		attribute.Int("documents", len(docs)),
		attribute.Float64("fusion_weight", weight),
	)
	if !ok {
		span.SetStatus(codes.Error, "all retrieval stages failed")
	}
	recordSearch(ctx, mode, took, weight)

	level := slog.LevelDebug
	if result.Degraded {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "hybrid search complete",
		slog.String("mode", string(mode)),
		slog.Int("documents", len(docs)),
		slog.Float64("fusion_weight", weight),
		slog.Int("stages", len(result.Stages)),
		slog.Duration("took", took))
	return result
}

// buildHybridQuery includes only the fields the profile supports.
func buildHybridQuery(text string, vec []float32, hasVector bool, weight float64, filter *Filter, topK int, profile CapabilityProfile) HybridQuery {
	alpha := weight
	q := HybridQuery{
		Text:  text,
		Alpha: &alpha,
		Limit: topK,
	}
	if hasVector && profile.HybridWithVector {
		q.Vector = vec
	}
	if filter != nil && profile.HybridWithFilter {
		q.Filter = filter
	}
	q.ExplainScore = profile.ExplainScore
	return q
}

// hybridChain runs stages 1-3. The boolean is false when the caller should
// fall back to nearest-vector search.
func (e *Executor) hybridChain(ctx context.Context, query HybridQuery, result *SearchResult) ([]RetrievedDocument, SearchMode, bool) {
	resp, err := e.callHybrid(ctx, "hybrid", query, result)
	if err == nil {
		return toDocuments(resp), ModeHybrid, true
	}

	class := ClassifyBackendError(err)
	feature := class.Feature
	switch class.Category {
	case CategoryCapability:
	case CategoryDimension:
		// The index disagrees with the negotiated size; drop the vector
		// for this call and let consecutive failures trigger a rerun.
		feature = FeatureHybridVector
	case CategoryInvalidRequest:
		// The caller's filter cannot be expressed. Drop it for this call
		// only; the backend's filter support is unaffected.
		feature = FeatureFilter
	default:
		return nil, "", false
	}
	if reduced, stripped := query.Without(feature); stripped {
		if class.Category == CategoryCapability {
			e.negotiator.Downgrade(ctx, feature)
		}
		resp, err = e.callHybrid(ctx, "hybrid_reduced", reduced, result)
		if err == nil {
			return toDocuments(resp), ModeHybridReduced, true
		}
		if next := ClassifyBackendError(err); next.Category == CategoryCapability && next.Feature != feature {
			e.negotiator.Downgrade(ctx, next.Feature)
		}
	}

	resp, err = e.callHybrid(ctx, "lexical_only", query.Minimal(), result)
	if err == nil {
		return toDocuments(resp), ModeLexicalOnly, true
	}
	return nil, "", false
}

// vectorSearchFallback runs stage 4. Filters follow the same profile flag
// and strip-and-retry rule as hybrid queries.
func (e *Executor) vectorSearchFallback(ctx context.Context, vec []float32, hasVector bool, filter *Filter, topK int, result *SearchResult) ([]RetrievedDocument, bool) {
	if !hasVector {
		result.Stages = append(result.Stages, StageOutcome{Stage: "vector_fallback", Error: "no query vector"})
		return nil, false
	}

	profile := e.negotiator.Ensure(ctx)
	q := NearVectorQuery{Vector: vec, Limit: topK}
	if filter != nil && profile.HybridWithFilter {
		q.Filter = filter
	}

	resp, err := e.callNearVector(ctx, "vector_fallback", q, result)
	if err == nil {
		return toDocuments(resp), true
	}

	class := ClassifyBackendError(err)
	if q.Filter == nil {
		return nil, false
	}
	switch class.Category {
	case CategoryInvalidRequest:
	case CategoryCapability:
		if class.Feature != FeatureFilter && class.Feature != FeatureUnknown {
			return nil, false
		}
		if class.Feature == FeatureFilter {
			e.negotiator.Downgrade(ctx, FeatureFilter)
		}
	default:
		return nil, false
	}
	q.Filter = nil
	resp, err = e.callNearVector(ctx, "vector_fallback_reduced", q, result)
	if err == nil {
		return toDocuments(resp), true
	}
	return nil, false
}

func (e *Executor) callHybrid(ctx context.Context, stage string, q HybridQuery, result *SearchResult) (*BackendResponse, error) {
	return e.call(ctx, stage, result, func(ctx context.Context) (*BackendResponse, error) {
		return e.backend.Hybrid(ctx, q)
	})
}

func (e *Executor) callNearVector(ctx context.Context, stage string, q NearVectorQuery, result *SearchResult) (*BackendResponse, error) {
	return e.call(ctx, stage, result, func(ctx context.Context) (*BackendResponse, error) {
		return e.backend.NearVector(ctx, q)
	})
}

// call runs one bounded backend call and records its outcome. A nil
// response without error is reported as ErrNoUsableResponse.
func (e *Executor) call(ctx context.Context, stage string, result *SearchResult, fn func(context.Context) (*BackendResponse, error)) (*BackendResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.QueryTimeout)
	defer cancel()

	start := time.Now()
	resp, err := fn(callCtx)
	if err == nil && resp == nil {
		err = ErrNoUsableResponse
	}
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}

	outcome := StageOutcome{Stage: stage, Duration: time.Since(start)}
	if err != nil {
		class := ClassifyBackendError(err)
		outcome.Error = err.Error()
		outcome.Category = class.Category.String()
		e.logger.Debug("retrieval stage failed",
			slog.String("stage", stage),
			slog.String("category", outcome.Category),
			slog.String("error", err.Error()))
	}
	result.Stages = append(result.Stages, outcome)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// trackOutcome counts consecutive failed searches and starts a background
// re-negotiation when the threshold is reached.
func (e *Executor) trackOutcome(ctx context.Context, ok bool) {
	if ok {
		e.consecutiveFailures.Store(0)
		return
	}
	if e.config.RenegotiateAfter < 0 {
		return
	}
	if int(e.consecutiveFailures.Add(1)) < e.config.RenegotiateAfter {
		return
	}
	if !e.renegotiating.CompareAndSwap(false, true) {
		return
	}
	e.consecutiveFailures.Store(0)
	e.logger.Warn("persistent retrieval failures, re-negotiating capabilities",
		slog.Int("threshold", e.config.RenegotiateAfter))
	go func() {
		defer e.renegotiating.Store(false)
		e.negotiator.Renegotiate(context.WithoutCancel(ctx))
	}()
}

