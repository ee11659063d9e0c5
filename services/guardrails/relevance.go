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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianGrounding/services/llm"
)

// Relevance fail-open defaults.
const (
	defaultRelevant       = true
	defaultRelevanceScore = 0.8
)

// ErrMalformedJudgment is returned when the completion does not contain
// a usable JSON judgment.
var ErrMalformedJudgment = errors.New("malformed relevance judgment")

// RelevanceDetails explains a relevance decision.
type RelevanceDetails struct {
	// Method is "llm" or "lexical".
	Method string `json:"method"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RelevanceResult is the output of RelevanceChecker.
type RelevanceResult struct {
	Relevant bool
	Score    float64
	Details  RelevanceDetails
}

// failOpen is the result used whenever the judgment cannot be obtained.
func failOpen(method string, err error) RelevanceResult {
	return RelevanceResult{
		Relevant: defaultRelevant,
		Score:    defaultRelevanceScore,
		Details:  RelevanceDetails{Method: method, Error: err.Error()},
	}
}

const relevancePrompt = `You judge whether an answer addresses a question.

Question:
%s

Answer:
%s

Reply with only a JSON object of the form
{"relevant": true or false, "score": number between 0 and 1, "reason": "short explanation"}`

// jsonObject finds the first flat JSON object in a completion.
var jsonObject = regexp.MustCompile(`(?s)\{[^{}]*\}`)

type judgment struct {
	Relevant *bool    `json:"relevant"`
	Score    *float64 `json:"score"`
	Reason   string   `json:"reason"`
}

// RelevanceChecker decides whether a response addresses the query.
//
// # Description
//
// With a completion client, the judgment is delegated to the model and
// parsed from the first JSON object in its reply. Without one, a lexical
// judgment from query keyword coverage is used.
//
// Any failure of the model call or of parsing returns the fail-open
// result (relevant, 0.8) together with the error, so the caller can
// report it.
//
// # Thread Safety
//
// Safe for concurrent use if the client is.
type RelevanceChecker struct {
	client llm.LLMClient
	logger *slog.Logger
}

// NewRelevanceChecker creates a checker. client may be nil.
func NewRelevanceChecker(client llm.LLMClient, logger *slog.Logger) *RelevanceChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelevanceChecker{client: client, logger: logger.With(slog.String("component", "relevance_checker"))}
}

// CheckRelevance judges response against query.
func (c *RelevanceChecker) CheckRelevance(ctx context.Context, query, response string) (RelevanceResult, error) {
	if c.client == nil {
		return lexicalRelevance(query, response), nil
	}

	temp := float32(0)
	maxTokens := 200
	out, err := c.client.Generate(ctx, fmt.Sprintf(relevancePrompt, query, response), llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		c.logger.Warn("relevance judgment failed, failing open", slog.String("error", err.Error()))
		return failOpen("llm", err), fmt.Errorf("relevance completion: %w", err)
	}

	j, err := parseJudgment(out)
	if err != nil {
		c.logger.Warn("unparseable relevance judgment, failing open", slog.String("error", err.Error()))
		return failOpen("llm", err), err
	}
	return RelevanceResult{
		Relevant: *j.Relevant,
		Score:    clamp01(*j.Score),
		Details:  RelevanceDetails{Method: "llm", Reason: j.Reason},
	}, nil
}

func parseJudgment(out string) (judgment, error) {
	raw := jsonObject.FindString(out)
	if raw == "" {
		return judgment{}, fmt.Errorf("%w: no JSON object in %q", ErrMalformedJudgment, truncate(out, 80))
	}
	var j judgment
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return judgment{}, fmt.Errorf("%w: %v", ErrMalformedJudgment, err)
	}
	if j.Relevant == nil {
		return judgment{}, fmt.Errorf("%w: missing relevant", ErrMalformedJudgment)
	}
	if j.Score == nil {
		// the boolean alone is still a judgment
		s := 0.0
		if *j.Relevant {
			s = 1.0
		}
		j.Score = &s
	}
	return j, nil
}

// lexicalPrefix is how many leading runes two words must share to count
// as the same term ("slaughter" / "slaughtered").
const lexicalPrefix = 5

// lexicalRelevance scores the share of query keywords the response covers.
// The score is 0.3 + 0.7*coverage, so an answer sharing no terms lands
// below RelevanceThreshold and full coverage scores 1.
func lexicalRelevance(query, response string) RelevanceResult {
	q := wordSet(query)
	if len(q) == 0 {
		return RelevanceResult{Relevant: true, Score: defaultRelevanceScore,
			Details: RelevanceDetails{Method: "lexical", Reason: "query has no keywords"}}
	}
	stems := make(map[string]bool)
	for w := range wordSet(response) {
		stems[stem(w)] = true
	}
	hit := 0
	for w := range q {
		if stems[stem(w)] {
			hit++
		}
	}
	coverage := float64(hit) / float64(len(q))
	score := 0.3 + 0.7*coverage
	return RelevanceResult{
		Relevant: score >= RelevanceThreshold,
		Score:    score,
		Details: RelevanceDetails{
			Method: "lexical",
			Reason: fmt.Sprintf("%d of %d query keywords covered", hit, len(q)),
		},
	}
}

func stem(w string) string {
	r := []rune(w)
	if len(r) > lexicalPrefix {
		return string(r[:lexicalPrefix])
	}
	return w
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
