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
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianGrounding/services/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	out     string
	err     error
	prompts []string
}

func (f *fakeLLM) Generate(_ context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.out, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRelevanceChecker_LLM(t *testing.T) {
	ctx := context.Background()

	t.Run("judgment inside prose", func(t *testing.T) {
		f := &fakeLLM{out: `Sure: {"relevant": true, "score": 0.92, "reason": "answers it"} done`}
		res, err := NewRelevanceChecker(f, quietLogger()).CheckRelevance(ctx, "broiler weight", "2.4 kg")
		require.NoError(t, err)
		assert.True(t, res.Relevant)
		assert.InDelta(t, 0.92, res.Score, 1e-9)
		assert.Equal(t, "llm", res.Details.Method)
		assert.Equal(t, "answers it", res.Details.Reason)
		require.Len(t, f.prompts, 1)
		assert.Contains(t, f.prompts[0], "broiler weight")
	})

	t.Run("missing score follows the boolean", func(t *testing.T) {
		f := &fakeLLM{out: `{"relevant": false}`}
		res, err := NewRelevanceChecker(f, quietLogger()).CheckRelevance(ctx, "q", "a")
		require.NoError(t, err)
		assert.False(t, res.Relevant)
		assert.Zero(t, res.Score)
	})

	t.Run("score is clamped", func(t *testing.T) {
		f := &fakeLLM{out: `{"relevant": true, "score": 1.7}`}
		res, err := NewRelevanceChecker(f, quietLogger()).CheckRelevance(ctx, "q", "a")
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.Score)
	})

	t.Run("malformed output fails open", func(t *testing.T) {
		f := &fakeLLM{out: "I cannot judge that"}
		res, err := NewRelevanceChecker(f, quietLogger()).CheckRelevance(ctx, "q", "a")
		assert.ErrorIs(t, err, ErrMalformedJudgment)
		assert.True(t, res.Relevant)
		assert.InDelta(t, defaultRelevanceScore, res.Score, 1e-9)
		assert.NotEmpty(t, res.Details.Error)
	})

	t.Run("missing verdict fails open", func(t *testing.T) {
		f := &fakeLLM{out: `{"score": 0.1}`}
		res, err := NewRelevanceChecker(f, quietLogger()).CheckRelevance(ctx, "q", "a")
		assert.ErrorIs(t, err, ErrMalformedJudgment)
		assert.True(t, res.Relevant)
	})

	t.Run("client error fails open", func(t *testing.T) {
		boom := errors.New("connection refused")
		f := &fakeLLM{err: boom}
		res, err := NewRelevanceChecker(f, quietLogger()).CheckRelevance(ctx, "q", "a")
		assert.ErrorIs(t, err, boom)
		assert.True(t, res.Relevant)
		assert.InDelta(t, defaultRelevanceScore, res.Score, 1e-9)
	})
}

func TestRelevanceChecker_Lexical(t *testing.T) {
	checker := NewRelevanceChecker(nil, quietLogger())
	ctx := context.Background()

	res, err := checker.CheckRelevance(ctx, "broiler weight at six weeks", "Broilers weigh about 2.4 kg at six weeks.")
	require.NoError(t, err)
	assert.True(t, res.Relevant)
	assert.InDelta(t, 1.0, res.Score, 1e-9)
	assert.Equal(t, "lexical", res.Details.Method)

	res, err = checker.CheckRelevance(ctx, "broiler weight at six weeks", "Paris is the capital of France.")
	require.NoError(t, err)
	assert.False(t, res.Relevant)
	assert.InDelta(t, 0.3, res.Score, 1e-9)

	res, err = checker.CheckRelevance(ctx, "what is it", "anything")
	require.NoError(t, err)
	assert.True(t, res.Relevant)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	out := truncate("  "+strings.Repeat("é", 10)+"  ", 5)
	assert.Equal(t, "ééééé...", out)
	assert.True(t, utf8.ValidString(out))

	assert.Equal(t, "réponse", truncate("réponse", 7))
	assert.Equal(t, "ré...", truncate("réponse", 2))
}
