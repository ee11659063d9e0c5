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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHallucinationDetector_DetectRisk(t *testing.T) {
	d := NewHallucinationDetector()
	ctx := context.Background()

	t.Run("numbers confirmed by a document", func(t *testing.T) {
		res, err := d.DetectRisk(ctx, "Broilers reach 2.4 kg at 42 days.",
			docs("Broilers reach 2.4 kg at 42 days of age."))
		require.NoError(t, err)
		assert.Less(t, res.Risk, 0.1)
		assert.Equal(t, 2, res.Details.NumericClaims)
		assert.Empty(t, res.Details.UnmatchedNumbers)
	})

	t.Run("numbers no document confirms", func(t *testing.T) {
		res, err := d.DetectRisk(ctx, "Broilers reach 2.4 kg at 42 days.",
			docs("Layers need 16 hours of light."))
		require.NoError(t, err)
		assert.Len(t, res.Details.UnmatchedNumbers, 2)
		assert.Equal(t, 1, res.Details.WeakSentences)
		assert.InDelta(t, 0.5, res.Risk, 1e-9)
	})

	t.Run("unit conversion confirms", func(t *testing.T) {
		res, err := d.DetectRisk(ctx, "Broilers reach 2400 g at 6 weeks.",
			docs("Broilers reach 2.4 kg at 42 days of age."))
		require.NoError(t, err)
		assert.Empty(t, res.Details.UnmatchedNumbers)
	})

	t.Run("speculative phrasing", func(t *testing.T) {
		res, err := d.DetectRisk(ctx, "I think it is probably fine", nil)
		require.NoError(t, err)
		assert.InDelta(t, 0.25, res.Details.PhraseRisk, 1e-9)
		assert.InDelta(t, 0.25, res.Risk, 1e-9)
		assert.Len(t, res.Details.PhraseMatches, 2)
	})

	t.Run("phrase risk is capped", func(t *testing.T) {
		res, err := d.DetectRisk(ctx, "maybe maybe maybe maybe maybe maybe", nil)
		require.NoError(t, err)
		assert.InDelta(t, phraseRiskCap, res.Details.PhraseRisk, 1e-9)
	})

	t.Run("internal contradiction", func(t *testing.T) {
		res, err := d.DetectRisk(ctx, "We recommend vaccination. Avoid vaccination in hot weather.", nil)
		require.NoError(t, err)
		assert.Len(t, res.Details.Contradictions, 1)
		assert.InDelta(t, contradictionRisk, res.Details.ContradictionRisk, 1e-9)
	})

	t.Run("consistent negative advice", func(t *testing.T) {
		response := "Wet litter is not recommended for broilers. Avoid high ammonia levels in the house."
		res, err := d.DetectRisk(ctx, response, docs(response))
		require.NoError(t, err)
		assert.Empty(t, res.Details.Contradictions)
		assert.Zero(t, res.Details.ContradictionRisk)
		assert.InDelta(t, 0.0, res.Risk, 1e-9)
	})

	t.Run("negated recommendation still contradicts an affirmed one", func(t *testing.T) {
		res, err := d.DetectRisk(ctx, "Litter turning is not recommended daily, but we recommend it weekly. Avoid turning wet litter.", nil)
		require.NoError(t, err)
		require.Len(t, res.Details.Contradictions, 1)
		assert.Contains(t, res.Details.Contradictions[0], `"recommend"`)
	})

	t.Run("risk stays in range", func(t *testing.T) {
		res, err := d.DetectRisk(ctx,
			"I think broilers probably reach 9 kg at 3 days. In my opinion you should avoid water. "+
				"We recommend heat. Maybe it is 70% humidity and 12 ppm ammonia.", nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Risk, 0.0)
		assert.LessOrEqual(t, res.Risk, 1.0)
	})
}
