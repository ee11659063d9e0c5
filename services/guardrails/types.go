// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guardrails verifies that a generated answer is grounded in the
// documents it was generated from before the answer is trusted.
//
// Three checks run concurrently for every verification: evidence support,
// hallucination risk and topical relevance. Their scores are aggregated
// against a threshold table selected by VerificationLevel. Any check that
// fails is replaced by a safe default; if every check fails the result
// fails open. Verification never returns an error to the caller.
package guardrails

import (
	"fmt"
	"strings"
	"time"
)

// VerificationLevel selects how strict aggregation is.
type VerificationLevel string

const (
	LevelMinimal  VerificationLevel = "minimal"
	LevelStandard VerificationLevel = "standard"
	LevelStrict   VerificationLevel = "strict"
	LevelCritical VerificationLevel = "critical"
)

// Levels lists every level from least to most strict.
var Levels = []VerificationLevel{LevelMinimal, LevelStandard, LevelStrict, LevelCritical}

// ParseVerificationLevel parses a level name, case-insensitively.
func ParseVerificationLevel(s string) (VerificationLevel, error) {
	l := VerificationLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := thresholdTable[l]; !ok {
		return "", fmt.Errorf("unknown verification level %q", s)
	}
	return l, nil
}

// Valid reports whether l is a known level.
func (l VerificationLevel) Valid() bool {
	_, ok := thresholdTable[l]
	return ok
}

// Thresholds are the aggregation limits for one level.
type Thresholds struct {
	EvidenceMin      float64 `json:"evidence_min"`
	HallucinationMax float64 `json:"hallucination_max"`
	MaxViolations    int     `json:"max_violations"`
	MaxWarnings      int     `json:"max_warnings"`
}

// Stricter levels raise EvidenceMin and lower everything else.
var thresholdTable = map[VerificationLevel]Thresholds{
	LevelMinimal:  {EvidenceMin: 0.2, HallucinationMax: 0.8, MaxViolations: 2, MaxWarnings: 8},
	LevelStandard: {EvidenceMin: 0.4, HallucinationMax: 0.6, MaxViolations: 1, MaxWarnings: 5},
	LevelStrict:   {EvidenceMin: 0.6, HallucinationMax: 0.4, MaxViolations: 0, MaxWarnings: 3},
	LevelCritical: {EvidenceMin: 0.75, HallucinationMax: 0.25, MaxViolations: 0, MaxWarnings: 1},
}

// ThresholdsFor returns the thresholds for level. Unknown levels get the
// standard thresholds.
func ThresholdsFor(level VerificationLevel) Thresholds {
	if t, ok := thresholdTable[level]; ok {
		return t
	}
	return thresholdTable[LevelStandard]
}

const (
	// RelevanceThreshold is the minimum relevance score for an on-topic answer.
	RelevanceThreshold = 0.5

	// BorderlineMargin is how close to a threshold a passing score must be
	// to draw a warning.
	BorderlineMargin = 0.1
)

// Fixed messages used in results.
const (
	ViolationOffTopic      = "off-topic response"
	ViolationLowEvidence   = "insufficient evidence support"
	ViolationHallucination = "high hallucination risk"

	CorrectionRegenerate        = "regenerate the response so it answers the question"
	CorrectionAddSources        = "add explicit source references"
	CorrectionRemoveSpeculation = "remove speculative language"

	WarningBorderlineEvidence      = "evidence support is borderline"
	WarningBorderlineHallucination = "hallucination risk is borderline"
	WarningBorderlineRelevance     = "relevance is borderline"
	WarningUnavailable             = "guardrails verification unavailable"
)

// Check names, used in metadata and metrics.
const (
	CheckEvidence      = "evidence"
	CheckHallucination = "hallucination"
	CheckRelevance     = "relevance"
)

// VerificationResult is the outcome of one verification.
type VerificationResult struct {
	IsValid           bool     `json:"is_valid"`
	Confidence        float64  `json:"confidence"`
	EvidenceSupport   float64  `json:"evidence_support"`
	HallucinationRisk float64  `json:"hallucination_risk"`
	IsRelevant        bool     `json:"is_relevant"`
	RelevanceScore    float64  `json:"relevance_score"`
	Violations        []string `json:"violations"`
	Warnings          []string `json:"warnings"`
	Corrections       []string `json:"corrections"`

	Evidence      *EvidenceDetails      `json:"evidence_details,omitempty"`
	Hallucination *HallucinationDetails `json:"hallucination_details,omitempty"`
	Relevance     *RelevanceDetails     `json:"relevance_details,omitempty"`

	Metadata ResultMetadata `json:"metadata"`
}

// ResultMetadata reports how a result was produced.
type ResultMetadata struct {
	RequestID         string            `json:"request_id"`
	VerificationLevel VerificationLevel `json:"verification_level"`
	Thresholds        Thresholds        `json:"thresholds"`

	// CheckErrors maps a failed check's name to its error.
	CheckErrors map[string]string `json:"check_errors,omitempty"`

	// CacheKeyError is set when the cache was bypassed because no key
	// could be derived.
	CacheKeyError string `json:"cache_key_error,omitempty"`

	Duration time.Duration `json:"duration_ns"`
}

// clone returns a deep copy, so cached results cannot be mutated through
// a returned value.
func (r *VerificationResult) clone() *VerificationResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Violations = cloneStrings(r.Violations)
	out.Warnings = cloneStrings(r.Warnings)
	out.Corrections = cloneStrings(r.Corrections)
	if r.Evidence != nil {
		ev := *r.Evidence
		if r.Evidence.Claims != nil {
			ev.Claims = append(make([]ClaimSupport, 0, len(r.Evidence.Claims)), r.Evidence.Claims...)
		}
		out.Evidence = &ev
	}
	if r.Hallucination != nil {
		h := *r.Hallucination
		h.PhraseMatches = cloneStrings(r.Hallucination.PhraseMatches)
		h.UnmatchedNumbers = cloneStrings(r.Hallucination.UnmatchedNumbers)
		h.Contradictions = cloneStrings(r.Hallucination.Contradictions)
		out.Hallucination = &h
	}
	if r.Relevance != nil {
		rel := *r.Relevance
		out.Relevance = &rel
	}
	if r.Metadata.CheckErrors != nil {
		out.Metadata.CheckErrors = make(map[string]string, len(r.Metadata.CheckErrors))
		for k, v := range r.Metadata.CheckErrors {
			out.Metadata.CheckErrors[k] = v
		}
	}
	return &out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}
