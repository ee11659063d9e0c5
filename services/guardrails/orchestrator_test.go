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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianGrounding/services/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCheck stands in for any of the three checks.
type fakeCheck struct {
	score    float64
	relevant bool
	err      error
	panicMsg string
	sleep    time.Duration // ignores the context
	calls    atomic.Int32
}

func (f *fakeCheck) run() error {
	f.calls.Add(1)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	return f.err
}

func (f *fakeCheck) CheckEvidence(context.Context, string, []retrieval.RetrievedDocument) (EvidenceResult, error) {
	if err := f.run(); err != nil {
		return EvidenceResult{}, err
	}
	return EvidenceResult{Score: f.score}, nil
}

func (f *fakeCheck) DetectRisk(context.Context, string, []retrieval.RetrievedDocument) (HallucinationResult, error) {
	if err := f.run(); err != nil {
		return HallucinationResult{}, err
	}
	return HallucinationResult{Risk: f.score}, nil
}

func (f *fakeCheck) CheckRelevance(context.Context, string, string) (RelevanceResult, error) {
	if err := f.run(); err != nil {
		return RelevanceResult{}, err
	}
	return RelevanceResult{Relevant: f.relevant, Score: f.score, Details: RelevanceDetails{Method: "fake"}}, nil
}

type fakes struct {
	evidence, hallucination, relevance *fakeCheck
}

func goodChecks() fakes {
	return fakes{
		evidence:      &fakeCheck{score: 0.9},
		hallucination: &fakeCheck{score: 0.1},
		relevance:     &fakeCheck{score: 0.9, relevant: true},
	}
}

func newTestOrchestrator(f fakes, cache *Cache) *Orchestrator {
	return NewOrchestrator(f.evidence, f.hallucination, f.relevance, cache, OrchestratorConfig{
		Logger:       quietLogger(),
		CheckTimeout: 100 * time.Millisecond,
	})
}

func request() VerifyRequest {
	return VerifyRequest{
		Query:     "broiler weight at six weeks",
		Response:  "Ross 308 broilers weigh 2.4 kg at 42 days.",
		Documents: docs(growthDoc),
	}
}

func TestOrchestrator_VerifyResponse(t *testing.T) {
	ctx := context.Background()

	t.Run("well supported response", func(t *testing.T) {
		res := newTestOrchestrator(goodChecks(), nil).VerifyResponse(ctx, request())
		assert.True(t, res.IsValid)
		assert.InDelta(t, 0.9, res.Confidence, 1e-9)
		assert.Empty(t, res.Violations)
		assert.Empty(t, res.Warnings)
		assert.Empty(t, res.Corrections)
		assert.Empty(t, res.Metadata.CheckErrors)
		assert.Equal(t, LevelStandard, res.Metadata.VerificationLevel)
		assert.Equal(t, ThresholdsFor(LevelStandard), res.Metadata.Thresholds)
		assert.NotEmpty(t, res.Metadata.RequestID)
	})

	t.Run("off-topic response is invalid", func(t *testing.T) {
		f := goodChecks()
		f.relevance = &fakeCheck{score: 0.2, relevant: false}
		res := newTestOrchestrator(f, nil).VerifyResponse(ctx, request())
		assert.False(t, res.IsValid)
		assert.False(t, res.IsRelevant)
		assert.Contains(t, res.Violations, ViolationOffTopic)
		assert.Contains(t, res.Corrections, CorrectionRegenerate)
		assert.InDelta(t, 0.54, res.Confidence, 1e-9)
	})

	t.Run("relevant verdict with a low score is off-topic", func(t *testing.T) {
		f := goodChecks()
		f.relevance = &fakeCheck{score: 0.4, relevant: true}
		res := newTestOrchestrator(f, nil).VerifyResponse(ctx, request())
		assert.False(t, res.IsValid)
		assert.Contains(t, res.Violations, ViolationOffTopic)
	})

	t.Run("low evidence", func(t *testing.T) {
		f := goodChecks()
		f.evidence = &fakeCheck{score: 0.2}
		res := newTestOrchestrator(f, nil).VerifyResponse(ctx, request())
		assert.False(t, res.IsValid)
		assert.Equal(t, []string{ViolationLowEvidence}, res.Violations)
		assert.Equal(t, []string{CorrectionAddSources}, res.Corrections)
	})

	t.Run("high hallucination risk", func(t *testing.T) {
		f := goodChecks()
		f.hallucination = &fakeCheck{score: 0.7}
		res := newTestOrchestrator(f, nil).VerifyResponse(ctx, request())
		assert.False(t, res.IsValid)
		assert.Equal(t, []string{ViolationHallucination}, res.Violations)
		assert.Equal(t, []string{CorrectionRemoveSpeculation}, res.Corrections)
	})

	t.Run("borderline scores warn but pass", func(t *testing.T) {
		f := fakes{
			evidence:      &fakeCheck{score: 0.45},
			hallucination: &fakeCheck{score: 0.55},
			relevance:     &fakeCheck{score: 0.55, relevant: true},
		}
		o := newTestOrchestrator(f, nil)

		res := o.VerifyResponse(ctx, request())
		assert.True(t, res.IsValid)
		assert.Empty(t, res.Violations)
		assert.ElementsMatch(t, []string{
			WarningBorderlineEvidence, WarningBorderlineHallucination, WarningBorderlineRelevance,
		}, res.Warnings)

		req := request()
		req.Level = LevelCritical
		assert.False(t, o.VerifyResponse(ctx, req).IsValid)
	})
}

func TestOrchestrator_FailOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("one failing check gets its default", func(t *testing.T) {
		f := goodChecks()
		f.evidence = &fakeCheck{err: errors.New("index offline")}
		cache := NewCache(CacheConfig{})
		res := newTestOrchestrator(f, cache).VerifyResponse(ctx, request())

		assert.InDelta(t, defaultEvidence, res.EvidenceSupport, 1e-9)
		assert.InDelta(t, 0.1, res.HallucinationRisk, 1e-9)
		assert.InDelta(t, 0.9, res.RelevanceScore, 1e-9)
		require.Contains(t, res.Metadata.CheckErrors, CheckEvidence)
		assert.Contains(t, res.Metadata.CheckErrors[CheckEvidence], "index offline")
		assert.Len(t, res.Metadata.CheckErrors, 1)
		assert.Zero(t, cache.Stats().Entries, "degraded results are not cached")
	})

	t.Run("failing relevance judge is relevant", func(t *testing.T) {
		f := goodChecks()
		f.relevance = &fakeCheck{err: errors.New("llm down")}
		res := newTestOrchestrator(f, nil).VerifyResponse(ctx, request())
		assert.True(t, res.IsRelevant)
		assert.InDelta(t, defaultRelevanceScore, res.RelevanceScore, 1e-9)
		assert.True(t, res.IsValid)
	})

	t.Run("all checks failing", func(t *testing.T) {
		boom := errors.New("boom")
		f := fakes{
			evidence:      &fakeCheck{err: boom},
			hallucination: &fakeCheck{err: boom},
			relevance:     &fakeCheck{err: boom},
		}
		res := newTestOrchestrator(f, nil).VerifyResponse(ctx, request())
		assert.True(t, res.IsValid)
		assert.InDelta(t, failOpenConfidence, res.Confidence, 1e-9)
		assert.Equal(t, []string{WarningUnavailable}, res.Warnings)
		assert.Empty(t, res.Violations)
		assert.Len(t, res.Metadata.CheckErrors, 3)
	})

	t.Run("panicking check", func(t *testing.T) {
		f := goodChecks()
		f.hallucination = &fakeCheck{panicMsg: "nil map"}
		res := newTestOrchestrator(f, nil).VerifyResponse(ctx, request())
		require.Contains(t, res.Metadata.CheckErrors, CheckHallucination)
		assert.Contains(t, res.Metadata.CheckErrors[CheckHallucination], "panicked")
		assert.InDelta(t, defaultHallucination, res.HallucinationRisk, 1e-9)
		assert.InDelta(t, 0.9, res.EvidenceSupport, 1e-9)
	})

	t.Run("check ignoring its deadline is abandoned", func(t *testing.T) {
		f := goodChecks()
		f.relevance = &fakeCheck{score: 0.1, relevant: false, sleep: time.Second}
		res := newTestOrchestrator(f, nil).VerifyResponse(ctx, request())
		require.Contains(t, res.Metadata.CheckErrors, CheckRelevance)
		assert.Contains(t, res.Metadata.CheckErrors[CheckRelevance], "deadline exceeded")
		assert.True(t, res.IsRelevant)
		assert.Less(t, res.Metadata.Duration, 900*time.Millisecond)
	})
}

func TestOrchestrator_Cache(t *testing.T) {
	ctx := context.Background()

	t.Run("hit returns the stored result", func(t *testing.T) {
		f := goodChecks()
		cache := NewCache(CacheConfig{})
		o := newTestOrchestrator(f, cache)

		first := o.VerifyResponse(ctx, request())
		second := o.VerifyResponse(ctx, request())
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), f.evidence.calls.Load())
		assert.Equal(t, int64(1), cache.Stats().Hits)

		stats, ok := o.CacheStats()
		require.True(t, ok)
		assert.Equal(t, 1, stats.Entries)
	})

	t.Run("level is part of the key", func(t *testing.T) {
		f := goodChecks()
		o := newTestOrchestrator(f, NewCache(CacheConfig{}))
		o.VerifyResponse(ctx, request())
		req := request()
		req.Level = LevelStrict
		o.VerifyResponse(ctx, req)
		assert.Equal(t, int32(2), f.evidence.calls.Load())
	})

	t.Run("bypass", func(t *testing.T) {
		f := goodChecks()
		cache := NewCache(CacheConfig{})
		o := newTestOrchestrator(f, cache)
		req := request()
		req.BypassCache = true
		o.VerifyResponse(ctx, req)
		o.VerifyResponse(ctx, req)
		assert.Equal(t, int32(2), f.evidence.calls.Load())
		assert.Zero(t, cache.Stats().Entries)
	})

	t.Run("key failure verifies uncached", func(t *testing.T) {
		f := goodChecks()
		o := newTestOrchestrator(f, NewCache(CacheConfig{HashKey: []byte("bad")}))
		res := o.VerifyResponse(ctx, request())
		assert.NotEmpty(t, res.Metadata.CacheKeyError)
		assert.True(t, res.IsValid)
	})

	t.Run("disabled", func(t *testing.T) {
		_, ok := newTestOrchestrator(goodChecks(), nil).CacheStats()
		assert.False(t, ok)
	})
}

func TestOrchestrator_Levels(t *testing.T) {
	o := newTestOrchestrator(goodChecks(), nil)
	assert.Equal(t, LevelStandard, o.DefaultLevel())

	require.NoError(t, o.SetDefaultLevel(LevelStrict))
	res := o.VerifyResponse(context.Background(), request())
	assert.Equal(t, LevelStrict, res.Metadata.VerificationLevel)

	assert.Error(t, o.SetDefaultLevel("paranoid"))
	assert.Equal(t, LevelStrict, o.DefaultLevel())

	req := request()
	req.Level = "paranoid"
	res = o.VerifyResponse(context.Background(), req)
	assert.Equal(t, LevelStrict, res.Metadata.VerificationLevel)
}

func TestOrchestrator_RealChecks(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, nil, OrchestratorConfig{Logger: quietLogger()})
	res := o.VerifyResponse(context.Background(), VerifyRequest{
		Query:     "how much do Ross 308 broilers weigh at 42 days",
		Response:  "Ross 308 broilers weigh 2.4 kg at 42 days.",
		Documents: docs("Ross 308 broilers weigh 2.4 kg at 42 days of age."),
	})
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Metadata.CheckErrors)
	assert.Greater(t, res.EvidenceSupport, 0.7)
	assert.Less(t, res.HallucinationRisk, 0.1)
	require.NotNil(t, res.Relevance)
	assert.Equal(t, "lexical", res.Relevance.Method)
}

func TestAggregate_LevelMonotonicity(t *testing.T) {
	steps := []float64{0, 0.1, 0.2, 0.25, 0.3, 0.4, 0.45, 0.5, 0.55, 0.6, 0.7, 0.75, 0.8, 0.9, 1}
	for _, ev := range steps {
		for _, hal := range steps {
			for _, rel := range steps {
				var prev *VerificationResult
				for i := len(Levels) - 1; i >= 0; i-- {
					r := aggregate(ev, hal, true, rel, ThresholdsFor(Levels[i]))
					assert.GreaterOrEqual(t, r.Confidence, 0.0)
					assert.LessOrEqual(t, r.Confidence, 1.0)
					if prev != nil && prev.IsValid {
						assert.True(t, r.IsValid, "ev=%v hal=%v rel=%v valid at a stricter level but not at %s", ev, hal, rel, Levels[i])
					}
					prev = r
				}
			}
		}
	}
}

func TestQuickVerify(t *testing.T) {
	response := "Ross 308 broilers weigh 2.4 kg at 42 days."
	assert.True(t, QuickVerify(response, docs(growthDoc)))
	assert.False(t, QuickVerify(response, docs("Newcastle vaccination schedule for layers.")))
	assert.False(t, QuickVerify(response, nil))
	assert.False(t, QuickVerify("", docs(growthDoc)))
}
