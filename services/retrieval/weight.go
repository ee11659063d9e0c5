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
	"regexp"
	"strings"
)

// Fusion weight bounds. 0 is pure lexical, 1 is pure vector.
const (
	MinFusionWeight = 0.05
	MaxFusionWeight = 0.95
)

// QueryShape is the structural category of a query used for weighting.
type QueryShape int

const (
	ShapeNone QueryShape = iota
	ShapeFactual
	ShapeTemporal
	ShapeDiagnostic
	ShapeExplanatory
)

// String returns the shape name.
func (s QueryShape) String() string {
	switch s {
	case ShapeFactual:
		return "factual"
	case ShapeTemporal:
		return "temporal"
	case ShapeDiagnostic:
		return "diagnostic"
	case ShapeExplanatory:
		return "explanatory"
	default:
		return "none"
	}
}

// shapeRule pairs a shape with its detectors and base weight. Rules are
// evaluated in order and the first match wins.
type shapeRule struct {
	shape    QueryShape
	base     float64
	patterns []*regexp.Regexp
}

var shapeRules = []shapeRule{
	{
		shape: ShapeFactual,
		base:  0.3,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(how much|how many|which|what number|what is the (value|weight|rate|target|percentage)|combien|quel(le)?s? (est|sont))\b`),
			regexp.MustCompile(`\d+(?:[.,]\d+)?\s*(?:kg|g|grams?|grammes?|lbs?|%|°c|kcal|mj|ppm|mg|ml|litres?|liters?)(?:\b|\s|$)`),
		},
	},
	{
		shape: ShapeTemporal,
		base:  0.4,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b\d+\s*(?:days?|jours?|weeks?|semaines?|months?|mois|hours?|heures?|j)\b`),
			regexp.MustCompile(`\b(how long|at what age|day \d+|jour \d+|during the first|pendant les premi)`),
		},
	},
	{
		shape: ShapeDiagnostic,
		base:  0.6,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(symptom|disease|sick|mortality|lesion|infection|coccidiosis|ascites|diarrh|lameness|respiratory|diagnos|maladie|malade|symptôme|mortalité|boiterie|infectio)`),
		},
	},
	{
		shape: ShapeExplanatory,
		base:  0.8,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(how|why|explain|improve|compare|difference|versus|vs|better|optimi[sz]e|comment|pourquoi|expliqu|amélior|compar|différence|meilleur)`),
		},
	},
}

// noMatchWeight is the base when no rule matches.
const noMatchWeight = 0.7

// DefaultIntentBoosts returns the multiplier applied per intent. Intents
// absent from the map use 1.0.
func DefaultIntentBoosts() map[Intent]float64 {
	return map[Intent]float64{
		IntentMetricLookup: 0.85,
		IntentDiagnosis:    1.1,
		IntentProtocol:     0.95,
		IntentEconomics:    0.9,
		IntentGeneral:      1.1,
	}
}

// ClassifyQueryShape returns the first matching shape for query.
func ClassifyQueryShape(query string) QueryShape {
	shape, _ := classifyShape(query)
	return shape
}

func classifyShape(query string) (QueryShape, float64) {
	q := strings.ToLower(query)
	for _, rule := range shapeRules {
		for _, p := range rule.patterns {
			if p.MatchString(q) {
				return rule.shape, rule.base
			}
		}
	}
	return ShapeNone, noMatchWeight
}

// ComputeFusionWeight derives the hybrid fusion weight for one query.
//
// # Description
//
// The base weight comes from the query shape (factual queries favour
// lexical matching, explanatory ones favour vectors), is multiplied by the
// intent boost and clamped to [MinFusionWeight, MaxFusionWeight].
//
// # Inputs
//
//   - query: Raw query text.
//   - intent: Upstream intent; IntentUnknown applies no boost.
//   - boosts: Per-intent multipliers. Nil uses DefaultIntentBoosts.
//
// # Outputs
//
//   - float64: Weight in [0.05, 0.95].
func ComputeFusionWeight(query string, intent Intent, boosts map[Intent]float64) float64 {
	if boosts == nil {
		boosts = DefaultIntentBoosts()
	}
	_, base := classifyShape(query)
	boost, ok := boosts[intent]
	if !ok || boost <= 0 {
		boost = 1.0
	}
	return ClampFusionWeight(base * boost)
}

// ClampFusionWeight forces w into the allowed range.
func ClampFusionWeight(w float64) float64 {
	return clamp(w, MinFusionWeight, MaxFusionWeight)
}
