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
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianGrounding/services/retrieval"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Check Interfaces
// =============================================================================

// EvidenceScorer scores how well documents support a response.
type EvidenceScorer interface {
	CheckEvidence(ctx context.Context, response string, docs []retrieval.RetrievedDocument) (EvidenceResult, error)
}

// RiskDetector estimates the hallucination risk of a response.
type RiskDetector interface {
	DetectRisk(ctx context.Context, response string, docs []retrieval.RetrievedDocument) (HallucinationResult, error)
}

// RelevanceJudge decides whether a response addresses a query.
type RelevanceJudge interface {
	CheckRelevance(ctx context.Context, query, response string) (RelevanceResult, error)
}

// Safe defaults substituted for a failed check.
const (
	defaultEvidence      = 0.5
	defaultHallucination = 0.5

	// failOpenConfidence is reported when no check could run.
	failOpenConfidence = 0.3
)

// =============================================================================
// Orchestrator
// =============================================================================

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	// DefaultLevel applies when a request names no valid level.
	DefaultLevel VerificationLevel

	// CheckTimeout bounds each check. Zero means 15s.
	CheckTimeout time.Duration

	Logger *slog.Logger
}

// VerifyRequest is one verification.
type VerifyRequest struct {
	Query     string                        `json:"query"`
	Response  string                        `json:"response"`
	Documents []retrieval.RetrievedDocument `json:"documents"`

	// Level; empty means the orchestrator's default level.
	Level VerificationLevel `json:"verification_level,omitempty"`

	// BypassCache skips both lookup and store.
	BypassCache bool `json:"bypass_cache,omitempty"`
}

// Orchestrator runs the verification pipeline.
//
// # Description
//
// A verification moves through these states:
//
//	start -> cache_lookup -> cache_hit -> done
//	                      -> verifying -> aggregating -> cache_store -> done
//
// In verifying, the evidence, hallucination and relevance checks run
// concurrently, each under its own timeout. A check that errors, times out
// or panics is replaced by its safe default and named in
// Metadata.CheckErrors; the other checks are unaffected. Results that
// needed a default are not cached.
//
// # Thread Safety
//
// Safe for concurrent use. SetDefaultLevel may be called at any time.
type Orchestrator struct {
	evidence      EvidenceScorer
	hallucination RiskDetector
	relevance     RelevanceJudge
	cache         *Cache

	defaultLevel atomic.Pointer[VerificationLevel]
	checkTimeout time.Duration
	logger       *slog.Logger
}

// NewOrchestrator wires the checks and the cache. Nil checks get the
// package implementations; a nil relevance judge uses the lexical
// judgment. A nil cache disables caching.
func NewOrchestrator(evidence EvidenceScorer, hallucination RiskDetector, relevance RelevanceJudge, cache *Cache, cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if evidence == nil {
		evidence = NewEvidenceChecker()
	}
	if hallucination == nil {
		hallucination = NewHallucinationDetector()
	}
	if relevance == nil {
		relevance = NewRelevanceChecker(nil, logger)
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 15 * time.Second
	}
	o := &Orchestrator{
		evidence:      evidence,
		hallucination: hallucination,
		relevance:     relevance,
		cache:         cache,
		checkTimeout:  cfg.CheckTimeout,
		logger:        logger.With(slog.String("component", "guardrails")),
	}
	level := cfg.DefaultLevel
	if !level.Valid() {
		level = LevelStandard
	}
	o.defaultLevel.Store(&level)
	return o
}

// SetDefaultLevel changes the level used by requests that name none.
func (o *Orchestrator) SetDefaultLevel(level VerificationLevel) error {
	if !level.Valid() {
		return fmt.Errorf("unknown verification level %q", level)
	}
	prev := o.defaultLevel.Swap(&level)
	if *prev != level {
		o.logger.Info("default verification level changed",
			slog.String("from", string(*prev)), slog.String("to", string(level)))
	}
	return nil
}

// DefaultLevel returns the current default level.
func (o *Orchestrator) DefaultLevel() VerificationLevel {
	return *o.defaultLevel.Load()
}

// CacheStats returns cache statistics, or false when caching is disabled.
func (o *Orchestrator) CacheStats() (CacheStats, bool) {
	if o.cache == nil {
		return CacheStats{}, false
	}
	return o.cache.Stats(), true
}

// VerifyResponse verifies req.Response against req.Query and req.Documents.
//
// # Outputs
//
//   - *VerificationResult: Never nil. Failures appear as defaults, warnings
//     and metadata, never as an error.
//
// # Thread Safety
//
// Safe for concurrent use.
func (o *Orchestrator) VerifyResponse(ctx context.Context, req VerifyRequest) *VerificationResult {
	start := time.Now()
	level := req.Level
	if !level.Valid() {
		if level != "" {
			o.logger.Warn("unknown verification level, using default", slog.String("level", string(level)))
		}
		level = o.DefaultLevel()
	}
	thresholds := ThresholdsFor(level)

	ctx, span := tracer.Start(ctx, "guardrails.Orchestrator.VerifyResponse")
	defer span.End()
	span.SetAttributes(
		attribute.String("guardrails.level", string(level)),
		attribute.Int("guardrails.documents", len(req.Documents)),
		attribute.Int("guardrails.response_length", len(req.Response)),
	)

	// cache_lookup
	var (
		key       uint64
		keyErr    string
		cacheable bool
	)
	if o.cache != nil && !req.BypassCache {
		addStateEvent(span, "cache_lookup")
		k, err := o.cache.Key(req.Query, req.Response, len(req.Documents), level)
		if err != nil {
			keyErr = err.Error()
			recordCacheOp(ctx, "bypass", 1)
			o.logger.Warn("cache key generation failed, verifying uncached", slog.String("error", keyErr))
		} else {
			key, cacheable = k, true
			if cached, ok := o.cache.Get(key); ok {
				addStateEvent(span, "cache_hit")
				recordCacheOp(ctx, "hit", 1)
				recordVerification(ctx, cached, "cache")
				span.SetAttributes(attribute.Bool("guardrails.cache_hit", true))
				return cached
			}
			recordCacheOp(ctx, "miss", 1)
		}
	}

	addStateEvent(span, "verifying")
	out := o.runChecks(ctx, req)

	addStateEvent(span, "aggregating")
	var result *VerificationResult
	if len(out.errs) == 3 {
		result = failOpenResult()
		o.logger.Warn("all guardrail checks failed, failing open")
	} else {
		result = aggregate(out.evidence.Score, out.hallucination.Risk,
			out.relevance.Relevant, out.relevance.Score, thresholds)
	}
	result.Evidence = &out.evidence.Details
	result.Hallucination = &out.hallucination.Details
	result.Relevance = &out.relevance.Details
	result.Metadata = ResultMetadata{
		RequestID:         uuid.NewString(),
		VerificationLevel: level,
		Thresholds:        thresholds,
		CacheKeyError:     keyErr,
		Duration:          time.Since(start),
	}
	if len(out.errs) > 0 {
		result.Metadata.CheckErrors = make(map[string]string, len(out.errs))
		for name, err := range out.errs {
			result.Metadata.CheckErrors[name] = err.Error()
		}
	}

	if cacheable && len(out.errs) == 0 {
		addStateEvent(span, "cache_store")
		recordCacheOp(ctx, "eviction", o.cache.Put(key, result))
	}

	span.SetAttributes(
		attribute.Bool("guardrails.valid", result.IsValid),
		attribute.Float64("guardrails.confidence", result.Confidence),
		attribute.Int("guardrails.violations", len(result.Violations)),
		attribute.Int("guardrails.check_errors", len(out.errs)),
	)
	recordVerification(ctx, result, "computed")
	return result
}

// checkOutcome collects the three check results, defaults substituted.
type checkOutcome struct {
	evidence      EvidenceResult
	hallucination HallucinationResult
	relevance     RelevanceResult
	errs          map[string]error
}

func (o *Orchestrator) runChecks(ctx context.Context, req VerifyRequest) checkOutcome {
	var (
		g                     errgroup.Group
		ev                    EvidenceResult
		hal                   HallucinationResult
		rel                   RelevanceResult
		evErr, halErr, relErr error
	)
	g.Go(func() error {
		ev, evErr = runCheck(ctx, o.checkTimeout, CheckEvidence, func(ctx context.Context) (EvidenceResult, error) {
			return o.evidence.CheckEvidence(ctx, req.Response, req.Documents)
		})
		return nil
	})
	g.Go(func() error {
		hal, halErr = runCheck(ctx, o.checkTimeout, CheckHallucination, func(ctx context.Context) (HallucinationResult, error) {
			return o.hallucination.DetectRisk(ctx, req.Response, req.Documents)
		})
		return nil
	})
	g.Go(func() error {
		rel, relErr = runCheck(ctx, o.checkTimeout, CheckRelevance, func(ctx context.Context) (RelevanceResult, error) {
			return o.relevance.CheckRelevance(ctx, req.Query, req.Response)
		})
		return nil
	})
	_ = g.Wait()

	out := checkOutcome{evidence: ev, hallucination: hal, relevance: rel, errs: make(map[string]error)}
	if evErr != nil {
		out.errs[CheckEvidence] = evErr
		out.evidence = EvidenceResult{Score: defaultEvidence, Details: EvidenceDetails{Reason: "check failed, default applied"}}
	}
	if halErr != nil {
		out.errs[CheckHallucination] = halErr
		out.hallucination = HallucinationResult{Risk: defaultHallucination}
	}
	if relErr != nil {
		out.errs[CheckRelevance] = relErr
		method := rel.Details.Method
		if method == "" {
			method = "unknown"
		}
		out.relevance = failOpen(method, relErr)
	}
	for name, err := range out.errs {
		o.logger.Warn("guardrail check failed, default applied",
			slog.String("check", name), slog.String("error", err.Error()))
	}
	return out
}

// runCheck runs fn under timeout, converting a panic into an error. A
// check that ignores its context is abandoned at the deadline; its late
// result is discarded.
func runCheck[T any](ctx context.Context, timeout time.Duration, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%s check panicked: %v", name, r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		recordCheck(ctx, name, time.Since(start), r.err != nil)
		if r.err != nil {
			return zero, r.err
		}
		return r.v, nil
	case <-ctx.Done():
		recordCheck(context.WithoutCancel(ctx), name, time.Since(start), true)
		return zero, fmt.Errorf("%s check: %w", name, ctx.Err())
	}
}

// aggregate turns scores into a decision.
func aggregate(evidence, hallucination float64, relevant bool, relevance float64, th Thresholds) *VerificationResult {
	r := &VerificationResult{
		EvidenceSupport:   evidence,
		HallucinationRisk: hallucination,
		IsRelevant:        relevant,
		RelevanceScore:    relevance,
		Violations:        []string{},
		Warnings:          []string{},
		Corrections:       []string{},
	}

	// an off-topic answer is invalid whatever the other scores are
	onTopic := relevant && relevance >= RelevanceThreshold
	switch {
	case !onTopic:
		r.Violations = append(r.Violations, ViolationOffTopic)
		r.Corrections = append(r.Corrections, CorrectionRegenerate)
	case relevance < RelevanceThreshold+BorderlineMargin:
		r.Warnings = append(r.Warnings, WarningBorderlineRelevance)
	}

	switch {
	case evidence < th.EvidenceMin:
		r.Violations = append(r.Violations, ViolationLowEvidence)
		r.Corrections = append(r.Corrections, CorrectionAddSources)
	case evidence < th.EvidenceMin+BorderlineMargin:
		r.Warnings = append(r.Warnings, WarningBorderlineEvidence)
	}

	switch {
	case hallucination > th.HallucinationMax:
		r.Violations = append(r.Violations, ViolationHallucination)
		r.Corrections = append(r.Corrections, CorrectionRemoveSpeculation)
	case hallucination > th.HallucinationMax-BorderlineMargin:
		r.Warnings = append(r.Warnings, WarningBorderlineHallucination)
	}

	r.Confidence = clamp01(evidence*0.4 + (1-hallucination)*0.3 + relevance*0.3 -
		0.15*float64(len(r.Violations)) - 0.05*float64(len(r.Warnings)))

	r.IsValid = onTopic &&
		evidence >= th.EvidenceMin &&
		hallucination <= th.HallucinationMax &&
		len(r.Violations) <= th.MaxViolations &&
		len(r.Warnings) <= th.MaxWarnings
	return r
}

// failOpenResult lets the response through when nothing could be checked.
func failOpenResult() *VerificationResult {
	return &VerificationResult{
		IsValid:           true,
		Confidence:        failOpenConfidence,
		EvidenceSupport:   defaultEvidence,
		HallucinationRisk: defaultHallucination,
		IsRelevant:        defaultRelevant,
		RelevanceScore:    defaultRelevanceScore,
		Violations:        []string{},
		Warnings:          []string{WarningUnavailable},
		Corrections:       []string{},
	}
}
