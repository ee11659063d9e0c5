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
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianGrounding/services/retrieval"
)

// =============================================================================
// Claim Extraction
// =============================================================================

// MinClaimLength drops fragments too short to carry a factual claim.
const MinClaimLength = 15

var (
	metricAssertionPattern = regexp.MustCompile(
		`(?i)\b(?:is|are|was|were|reach(?:es|ed)?|average[sd]?|measur(?:es|ed)|equals?|totals?|of|at)\s+(?:about\s+|around\s+|approximately\s+|roughly\s+|up to\s+|at least\s+)?\d`)

	recommendationPattern = regexp.MustCompile(
		`(?i)\b(?:should|must|recommend(?:s|ed|ation)?|advis(?:e|ed|able)|ensure|avoid|best practice|it is important to|il faut|se recomienda)\b`)

	entityPattern = regexp.MustCompile(
		`(?i)\b(?:ross\s?\d{3}|cobb\s?\d{3}|hubbard(?:\s\w+)?|arbor acres|aviagen|newcastle disease|marek'?s(?: disease)?|gumboro|infectious bronchitis|coccidiosis|salmonella|e\.\s?coli|campylobacter|avian influenza)\b`)

	indicatorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\baccording to\b`),
		regexp.MustCompile(`(?i)\bthe (?:data|records|report|document|source)s? (?:show|shows|indicate|indicates|state|states)\b`),
		regexp.MustCompile(`(?i)\b(?:table|figure|fig\.)\s?\d+`),
		regexp.MustCompile(`(?i)\bmeasured at\b`),
		regexp.MustCompile(`(?i)\bas reported (?:in|by)\b`),
		regexp.MustCompile(`(?i)\bbased on the (?:data|records|documents?|guide|manual)\b`),
		regexp.MustCompile(`(?i)\b(?:selon|d'après) les données\b`),
		regexp.MustCompile(`(?i)\bseg[uú]n los datos\b`),
	}
)

// Claim is a sentence that asserts something checkable.
type Claim struct {
	Text string
	// Keys are the literal elements (quantities, entity names) that a
	// supporting document would be expected to contain.
	Keys []string
}

// extractClaims returns the sentences of response that carry a number
// with a unit, a metric assertion, a recommendation or a named entity.
func extractClaims(response string) []Claim {
	var claims []Claim
	for _, s := range splitSentences(response) {
		if utf8.RuneCountInString(s) < MinClaimLength {
			continue
		}
		qs := extractQuantities(s)
		entities := entityPattern.FindAllString(s, -1)
		if len(qs) == 0 && len(entities) == 0 &&
			!metricAssertionPattern.MatchString(s) &&
			!recommendationPattern.MatchString(s) {
			continue
		}
		c := Claim{Text: s}
		for _, q := range qs {
			c.Keys = append(c.Keys, compact(q.Text))
		}
		for _, e := range entities {
			c.Keys = append(c.Keys, compact(e))
		}
		claims = append(claims, c)
	}
	return claims
}

func countIndicators(response string) int {
	n := 0
	for _, p := range indicatorPatterns {
		n += len(p.FindAllStringIndex(response, -1))
	}
	return n
}

// =============================================================================
// Claim Support
// =============================================================================

const (
	strongSupport   = 0.7
	moderateSupport = 0.4

	keyElementBonus = 0.3
	fuzzyMatchScore = 0.9
	fuzzyMatchRatio = 0.6
)

// docIndex holds the normalized forms of one document.
type docIndex struct {
	words   map[string]bool
	compact string
}

func indexDocuments(docs []retrieval.RetrievedDocument) []docIndex {
	out := make([]docIndex, 0, len(docs))
	for _, d := range docs {
		out = append(out, docIndex{words: wordSet(d.Content), compact: compact(d.Content)})
	}
	return out
}

// supportScore is the best support any document gives claim.
func supportScore(c Claim, docs []docIndex) float64 {
	claimWords := wordSet(c.Text)
	segments := significantWords(c.Text)
	best := 0.0
	for _, d := range docs {
		score := overlapRatio(claimWords, d.words)
		if len(c.Keys) > 0 {
			found := 0
			for _, k := range c.Keys {
				if strings.Contains(d.compact, k) {
					found++
				}
			}
			score += keyElementBonus * float64(found) / float64(len(c.Keys))
		}
		score = min(score, 1)

		if len(segments) > 0 {
			hit := 0
			for _, s := range segments {
				if d.words[s] {
					hit++
				}
			}
			if float64(hit)/float64(len(segments)) > fuzzyMatchRatio {
				score = max(score, fuzzyMatchScore)
			}
		}
		best = max(best, score)
	}
	return best
}

func supportStrength(score float64) string {
	switch {
	case score > strongSupport:
		return "strong"
	case score >= moderateSupport:
		return "moderate"
	default:
		return "weak"
	}
}

func supportWeight(score float64) float64 {
	switch {
	case score > strongSupport:
		return 1.0
	case score >= moderateSupport:
		return 0.6
	default:
		return 0.2
	}
}

// =============================================================================
// EvidenceChecker
// =============================================================================

// ClaimSupport is the support found for one claim.
type ClaimSupport struct {
	Claim    string  `json:"claim"`
	Score    float64 `json:"score"`
	Strength string  `json:"strength"`
}

// EvidenceDetails explains an evidence score.
type EvidenceDetails struct {
	Claims     []ClaimSupport `json:"claims,omitempty"`
	Indicators int            `json:"indicators"`
	Reason     string         `json:"reason,omitempty"`
}

// EvidenceResult is the output of EvidenceChecker.
type EvidenceResult struct {
	Score   float64
	Details EvidenceDetails
}

// EvidenceChecker scores how well the claims in a response are supported
// by the supplied documents.
//
// # Description
//
// Each claim is scored against every document by word overlap plus a
// bonus for key elements (quantities, entity names) found literally, or
// by a fixed high score when most of its significant words appear. The
// response score is a support-weighted average of claim scores, raised
// by explicit evidence phrasing ("according to", "table 3").
//
// A response without claims scores 0.5. No documents scores 0.1.
//
// # Thread Safety
//
// Stateless; safe for concurrent use.
type EvidenceChecker struct{}

// NewEvidenceChecker creates an EvidenceChecker.
func NewEvidenceChecker() *EvidenceChecker {
	return &EvidenceChecker{}
}

// CheckEvidence scores response against docs. It fails only when ctx is done.
func (c *EvidenceChecker) CheckEvidence(ctx context.Context, response string, docs []retrieval.RetrievedDocument) (EvidenceResult, error) {
	if err := ctx.Err(); err != nil {
		return EvidenceResult{}, err
	}
	if len(docs) == 0 {
		return EvidenceResult{Score: 0.1, Details: EvidenceDetails{Reason: "no documents supplied"}}, nil
	}
	claims := extractClaims(response)
	if len(claims) == 0 {
		return EvidenceResult{Score: 0.5, Details: EvidenceDetails{Reason: "no factual claims found"}}, nil
	}

	index := indexDocuments(docs)
	details := EvidenceDetails{Claims: make([]ClaimSupport, 0, len(claims))}
	var weighted, weights float64
	for _, cl := range claims {
		if err := ctx.Err(); err != nil {
			return EvidenceResult{}, err
		}
		s := supportScore(cl, index)
		w := supportWeight(s)
		weighted += s * w
		weights += w
		details.Claims = append(details.Claims, ClaimSupport{Claim: cl.Text, Score: s, Strength: supportStrength(s)})
	}

	details.Indicators = countIndicators(response)
	score := weighted/weights + 0.1*float64(details.Indicators)
	return EvidenceResult{Score: clamp01(score), Details: details}, nil
}
