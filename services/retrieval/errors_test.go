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
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyBackendError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category ErrorCategory
		feature  Feature
	}{
		{"nil", nil, CategoryUnknown, FeatureUnknown},
		{"typed capability", &CapabilityError{Feature: FeatureExplainScore}, CategoryCapability, FeatureExplainScore},
		{"wrapped typed capability", fmt.Errorf("query: %w", &CapabilityError{Feature: FeatureFilter}), CategoryCapability, FeatureFilter},
		{"unknown where argument", errors.New(`Unknown argument "where" on field "Get"`), CategoryCapability, FeatureFilter},
		{"explain score field", errors.New(`Cannot query field "explainScore" on type "DocumentAdditional"`), CategoryCapability, FeatureExplainScore},
		{"vector argument", errors.New(`unexpected keyword argument 'vector'`), CategoryCapability, FeatureHybridVector},
		{"unattributable", errors.New("argument not supported"), CategoryCapability, FeatureUnknown},
		{"dimension mismatch", errors.New("vector lengths don't match: 384 vs 1536"), CategoryDimension, FeatureUnknown},
		{"deadline", context.DeadlineExceeded, CategoryConnectivity, FeatureUnknown},
		{"unavailable sentinel", fmt.Errorf("open circuit: %w", ErrBackendUnavailable), CategoryConnectivity, FeatureUnknown},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, CategoryConnectivity, FeatureUnknown},
		{"refused text", errors.New("dial tcp: connection refused"), CategoryConnectivity, FeatureUnknown},
		{"other", errors.New("internal server error"), CategoryUnknown, FeatureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyBackendError(tt.err)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.feature, got.Feature)
		})
	}
}

func TestIsDimensionError(t *testing.T) {
	assert.True(t, IsDimensionError(errors.New("Vector lengths don't match")))
	assert.False(t, IsDimensionError(errors.New("timeout")))
}

func TestCapabilityError(t *testing.T) {
	inner := errors.New("bad field")
	err := &CapabilityError{Feature: FeatureFilter, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "hybrid_filter")
}
