// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianGrounding/services/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDegradationMode_String(t *testing.T) {
	assert.Equal(t, "normal", ModeNormal.String())
	assert.Equal(t, "degraded", ModeDegraded.String())
	assert.Equal(t, "disabled", ModeDisabled.String())
	assert.Equal(t, "unknown", DegradationMode(42).String())
}

func TestBaseDegradationHandler(t *testing.T) {
	h := NewBaseDegradationHandler("test", quietLogger())
	assert.Equal(t, ModeNormal, h.GetMode())
	assert.True(t, h.Since().IsZero())

	h.OnDegraded("connection refused")
	assert.Equal(t, ModeDegraded, h.GetMode())
	assert.False(t, h.Since().IsZero())

	h.OnRecovered()
	assert.Equal(t, ModeNormal, h.GetMode())

	h.SetDisabled()
	assert.Equal(t, ModeDisabled, h.GetMode())
}

type countingRenegotiator struct {
	calls atomic.Int32
}

func (c *countingRenegotiator) Renegotiate(context.Context) retrieval.CapabilityProfile {
	c.calls.Add(1)
	return retrieval.CapabilityProfile{Dimension: 1536, Stability: retrieval.StabilityStable}
}

func TestCapabilityRefresher_RenegotiatesOnRecovery(t *testing.T) {
	neg := &countingRenegotiator{}
	h := NewCapabilityRefresher(neg, time.Second, quietLogger())

	rc := testClient(ClientConfig{})
	rc.RegisterHandler(h)

	rc.transitionState(StateDegraded)
	assert.Equal(t, ModeDegraded, h.GetMode())
	assert.Equal(t, int32(0), neg.calls.Load())

	rc.transitionState(StateConnected)
	require.Eventually(t, func() bool { return h.Refreshes() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), neg.calls.Load())
	assert.Equal(t, ModeNormal, h.GetMode())
}
