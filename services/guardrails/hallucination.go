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
	"regexp"

	"github.com/AleutianAI/AleutianGrounding/services/retrieval"
)

// phraseRule is a speculative-language pattern and the risk each match adds.
type phraseRule struct {
	kind    string
	pattern *regexp.Regexp
	weight  float64
}

// First-person opinion weighs more than hedging, which weighs more than
// vague generalization.
var phraseRules = []phraseRule{
	{"opinion", regexp.MustCompile(`(?i)\bi (?:think|believe|feel|guess|suppose|assume)\b`), 0.15},
	{"opinion", regexp.MustCompile(`(?i)\bin my (?:opinion|view|experience)\b`), 0.15},
	{"opinion", regexp.MustCompile(`(?i)\bpersonally\b`), 0.15},
	{"opinion", regexp.MustCompile(`(?i)\b(?:je pense|je crois)\b|à mon avis`), 0.15},
	{"opinion", regexp.MustCompile(`(?i)\b(?:creo que|en mi opini[oó]n|ich glaube|meiner meinung nach)`), 0.15},
	{"hedge", regexp.MustCompile(`(?i)\b(?:probably|possibly|perhaps|maybe|presumably|it seems|might be|could be)\b`), 0.1},
	{"hedge", regexp.MustCompile(`(?i)\b(?:peut-être|probablement|quiz[aá]s|tal vez|vielleicht|wahrscheinlich)`), 0.1},
	{"vague", regexp.MustCompile(`(?i)\b(?:generally|usually|typically|often|various|several|in most cases|many experts)\b`), 0.05},
	{"vague", regexp.MustCompile(`(?i)\b(?:généralement|souvent|generalmente|normalmente|normalerweise)`), 0.05},
}

// contradictionPairs holds a positive qualifier and its negative pair.
var contradictionPairs = [][2]*regexp.Regexp{
	{regexp.MustCompile(`(?i)\brecommend(?:s|ed)?\b`), regexp.MustCompile(`(?i)\b(?:avoid(?:s|ed)?|not recommended)\b`)},
	{regexp.MustCompile(`(?i)\bincreas(?:e|es|ed|ing)\b`), regexp.MustCompile(`(?i)\bdecreas(?:e|es|ed|ing)\b`)},
	{regexp.MustCompile(`(?i)\bbest\b`), regexp.MustCompile(`(?i)\bworst\b`)},
}

// negatedTail matches text ending in a negation, so that "not recommended"
// is not read as a recommendation.
var negatedTail = regexp.MustCompile(`(?i)(?:\bnot|\bnever|n't|\bno longer)\s+$`)

// affirmedMatch returns the first match of re in s that is not negated.
func affirmedMatch(re *regexp.Regexp, s string) string {
	for _, loc := range re.FindAllStringIndex(s, -1) {
		if negatedTail.MatchString(s[:loc[0]]) {
			continue
		}
		return s[loc[0]:loc[1]]
	}
	return ""
}

const (
	phraseRiskCap       = 0.5
	weakSentencePenalty = 0.1
	weakSentenceCap     = 0.4
	weakSupport         = 0.3
	numericTolerance    = 0.15
	numericRiskWeight   = 0.4
	contradictionRisk   = 0.15
)

// HallucinationDetails explains a risk score.
type HallucinationDetails struct {
	PhraseRisk        float64  `json:"phrase_risk"`
	PhraseMatches     []string `json:"phrase_matches,omitempty"`
	WeakSentences     int      `json:"weak_sentences"`
	NumericClaims     int      `json:"numeric_claims"`
	UnmatchedNumbers  []string `json:"unmatched_numbers,omitempty"`
	Contradictions    []string `json:"contradictions,omitempty"`
	ContradictionRisk float64  `json:"contradiction_risk"`
}

// HallucinationResult is the output of HallucinationDetector.
type HallucinationResult struct {
	Risk    float64
	Details HallucinationDetails
}

// HallucinationDetector estimates how much of a response is speculative
// or unsupported.
//
// Risk accumulates from speculative phrasing, weakly supported claims,
// quantities that no document confirms within 15%, and sentences that
// contradict an earlier one. The total is clamped to [0, 1].
type HallucinationDetector struct{}

func NewHallucinationDetector() *HallucinationDetector {
	return &HallucinationDetector{}
}

// DetectRisk scores response against docs. It fails only when ctx is done.
func (d *HallucinationDetector) DetectRisk(ctx context.Context, response string, docs []retrieval.RetrievedDocument) (HallucinationResult, error) {
	if err := ctx.Err(); err != nil {
		return HallucinationResult{}, err
	}
	var det HallucinationDetails

	// speculative phrasing
	for _, r := range phraseRules {
		for _, m := range r.pattern.FindAllString(response, -1) {
			det.PhraseRisk += r.weight
			det.PhraseMatches = append(det.PhraseMatches, r.kind+": "+m)
		}
	}
	det.PhraseRisk = min(det.PhraseRisk, phraseRiskCap)

	// weakly supported claims
	index := indexDocuments(docs)
	for _, c := range extractClaims(response) {
		if supportScore(c, index) < weakSupport {
			det.WeakSentences++
		}
	}
	weakRisk := min(float64(det.WeakSentences)*weakSentencePenalty, weakSentenceCap)

	if err := ctx.Err(); err != nil {
		return HallucinationResult{}, err
	}

	// quantities no document confirms
	claimed := extractQuantities(response)
	det.NumericClaims = len(claimed)
	var numericRisk float64
	if len(claimed) > 0 {
		var known []quantity
		for _, doc := range docs {
			known = append(known, extractQuantities(doc.Content)...)
		}
		for _, q := range claimed {
			if !quantityConfirmed(q, known) {
				det.UnmatchedNumbers = append(det.UnmatchedNumbers, q.Text)
			}
		}
		numericRisk = float64(len(det.UnmatchedNumbers)) / float64(len(claimed)) * numericRiskWeight
	}

	// internal contradictions
	sentences := splitSentences(response)
	for _, pair := range contradictionPairs {
		for i, s := range sentences {
			pos := affirmedMatch(pair[0], s)
			if pos == "" {
				continue
			}
			for _, later := range sentences[i+1:] {
				if neg := pair[1].FindString(later); neg != "" {
					det.Contradictions = append(det.Contradictions, fmt.Sprintf("%q vs %q", pos, neg))
					det.ContradictionRisk += contradictionRisk
				}
			}
		}
	}

	risk := det.PhraseRisk + weakRisk + numericRisk + det.ContradictionRisk
	return HallucinationResult{Risk: clamp01(risk), Details: det}, nil
}

func quantityConfirmed(q quantity, known []quantity) bool {
	for _, k := range known {
		if k.Unit == q.Unit && withinTolerance(q.Value, k.Value, numericTolerance) {
			return true
		}
	}
	return false
}
