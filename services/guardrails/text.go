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
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// =============================================================================
// Sentences and Words
// =============================================================================

// sentenceEnd matches terminal punctuation followed by whitespace. Decimal
// points ("2.4 kg") are not followed by whitespace and stay inside.
var sentenceEnd = regexp.MustCompile(`[.!?;]+\s+|\n+`)

// splitSentences splits text into trimmed, non-empty sentences.
func splitSentences(text string) []string {
	parts := sentenceEnd.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(p), ".!?;"))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// tokenize lowercases text and splits it into letter/digit runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "have": true,
	"has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "must": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "it": true, "its": true, "they": true,
	"them": true, "their": true, "we": true, "you": true, "your": true,
	"i": true, "my": true, "what": true, "which": true, "who": true,
	"when": true, "where": true, "why": true, "how": true, "and": true,
	"or": true, "but": true, "if": true, "then": true, "so": true,
	"for": true, "of": true, "to": true, "in": true, "on": true, "at": true,
	"by": true, "from": true, "with": true, "about": true, "as": true,
	"into": true, "than": true, "too": true, "very": true, "not": true,
	"no": true, "also": true, "there": true, "here": true, "any": true,
	"all": true, "some": true, "more": true, "most": true, "such": true,
	"le": true, "la": true, "les": true, "de": true, "des": true, "du": true,
	"et": true, "un": true, "une": true, "el": true, "los": true, "las": true,
	"y": true, "der": true, "die": true, "das": true, "und": true,
}

// wordSet returns the distinct non-stop-word tokens of text.
func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range tokenize(text) {
		if !stopWords[w] {
			set[w] = true
		}
	}
	return set
}

// overlapRatio is the fraction of a's words that also occur in b.
func overlapRatio(a, b map[string]bool) float64 {
	if len(a) == 0 {
		return 0
	}
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return float64(n) / float64(len(a))
}

// significantWords returns the words of text longer than three characters.
func significantWords(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, w := range tokenize(text) {
		if len([]rune(w)) > 3 && !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// compact lowercases s and drops whitespace, so "2.4 kg" and "2.4kg"
// compare equal.
func compact(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}

// =============================================================================
// Numbers With Units
// =============================================================================

// quantityPattern captures a number and the unit that follows it.
var quantityPattern = regexp.MustCompile(
	`(?i)(\d+(?:[.,]\d+)?)\s?(%|percent|°\s?[cf]\b|degrees?\b|kgs?\b|kilograms?\b|grams?\b|g\b|mg\b|lbs?\b|pounds?\b|days?\b|weeks?\b|wks?\b|hours?\b|hrs?\b|months?\b|years?\b|ml\b|litres?\b|liters?\b|l\b|ppm\b|cm\b|kcal\b|jours?\b|semaines?\b|días?\b|semanas?\b)`)

// quantity is a value in a base unit.
type quantity struct {
	Text  string
	Value float64
	Unit  string
}

type unitConv struct {
	base   string
	factor float64
}

var unitTable = map[string]unitConv{
	"%": {"%", 1}, "percent": {"%", 1},
	"°c": {"c", 1}, "degree": {"c", 1}, "degrees": {"c", 1},
	"kg": {"kg", 1}, "kgs": {"kg", 1}, "kilogram": {"kg", 1}, "kilograms": {"kg", 1},
	"g": {"kg", 0.001}, "gram": {"kg", 0.001}, "grams": {"kg", 0.001},
	"mg": {"kg", 1e-6},
	"lb": {"kg", 0.45359237}, "lbs": {"kg", 0.45359237},
	"pound": {"kg", 0.45359237}, "pounds": {"kg", 0.45359237},
	"day": {"day", 1}, "days": {"day", 1}, "jour": {"day", 1}, "jours": {"day", 1},
	"día": {"day", 1}, "días": {"day", 1},
	"week": {"day", 7}, "weeks": {"day", 7}, "wk": {"day", 7}, "wks": {"day", 7},
	"semaine": {"day", 7}, "semaines": {"day", 7}, "semana": {"day", 7}, "semanas": {"day", 7},
	"hour": {"day", 1.0 / 24}, "hours": {"day", 1.0 / 24}, "hr": {"day", 1.0 / 24}, "hrs": {"day", 1.0 / 24},
	"month": {"day", 30}, "months": {"day", 30},
	"year": {"day", 365}, "years": {"day", 365},
	"ml": {"l", 0.001}, "l": {"l", 1}, "litre": {"l", 1}, "litres": {"l", 1},
	"liter": {"l", 1}, "liters": {"l", 1},
	"ppm": {"ppm", 1}, "cm": {"m", 0.01}, "kcal": {"kcal", 1},
}

// parseNumber reads "2.4", "2,4" (decimal comma) and "1,500" (thousands).
func parseNumber(s string) (float64, bool) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		if len(s)-i-1 == 3 {
			s = strings.Replace(s, ",", "", 1)
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

// extractQuantities returns every number-with-unit in text, converted to
// its base unit.
func extractQuantities(text string) []quantity {
	var out []quantity
	for _, m := range quantityPattern.FindAllStringSubmatch(text, -1) {
		v, ok := parseNumber(m[1])
		if !ok {
			continue
		}
		unit := strings.ToLower(strings.ReplaceAll(m[2], " ", ""))
		if unit == "°f" {
			out = append(out, quantity{Text: m[0], Value: (v - 32) * 5 / 9, Unit: "c"})
			continue
		}
		conv, ok := unitTable[unit]
		if !ok {
			continue
		}
		out = append(out, quantity{Text: m[0], Value: v * conv.factor, Unit: conv.base})
	}
	return out
}

// withinTolerance reports whether got is within tol (relative) of want.
func withinTolerance(want, got, tol float64) bool {
	if want == 0 {
		return got == 0
	}
	return math.Abs(got-want) <= tol*math.Abs(want)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
