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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T, c *Cache, query, response string, n int, level VerificationLevel) uint64 {
	t.Helper()
	k, err := c.Key(query, response, n, level)
	require.NoError(t, err)
	return k
}

func TestCache_Key(t *testing.T) {
	c := NewCache(CacheConfig{})

	base := mustKey(t, c, "q", "r", 2, LevelStandard)
	assert.Equal(t, base, mustKey(t, c, "q", "r", 2, LevelStandard))
	assert.NotEqual(t, base, mustKey(t, c, "q", "r", 3, LevelStandard))
	assert.NotEqual(t, base, mustKey(t, c, "q", "r", 2, LevelStrict))
	assert.NotEqual(t, mustKey(t, c, "ab", "c", 1, LevelStandard), mustKey(t, c, "a", "bc", 1, LevelStandard))

	other := NewCache(CacheConfig{HashKey: []byte("another-32-byte-guardrails-key!!")})
	assert.NotEqual(t, base, mustKey(t, other, "q", "r", 2, LevelStandard))
}

func TestCache_KeyRejectsBadHashKey(t *testing.T) {
	c := NewCache(CacheConfig{HashKey: []byte("short")})
	_, err := c.Key("q", "r", 1, LevelStandard)
	assert.Error(t, err)
}

func TestCache_GetPut(t *testing.T) {
	c := NewCache(CacheConfig{Capacity: 10})

	_, ok := c.Get(1)
	assert.False(t, ok)

	stored := &VerificationResult{IsValid: true, Confidence: 0.8, Violations: []string{}, Warnings: []string{"w"}}
	assert.Zero(t, c.Put(1, stored))

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, stored, got)

	// callers cannot reach the cached copy
	got.Warnings[0] = "changed"
	stored.Warnings[0] = "changed too"
	again, _ := c.Get(1)
	assert.Equal(t, []string{"w"}, again.Warnings)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.InDelta(t, 0.1, stats.Utilization, 1e-9)
}

func TestCache_Eviction(t *testing.T) {
	t.Run("evicts one fifth of the oldest", func(t *testing.T) {
		c := NewCache(CacheConfig{Capacity: 10})
		for k := uint64(1); k <= 10; k++ {
			assert.Zero(t, c.Put(k, &VerificationResult{}))
		}
		assert.Equal(t, 2, c.Put(11, &VerificationResult{}))

		for _, k := range []uint64{1, 2} {
			_, ok := c.Get(k)
			assert.False(t, ok, "key %d should be evicted", k)
		}
		for _, k := range []uint64{3, 11} {
			_, ok := c.Get(k)
			assert.True(t, ok, "key %d should remain", k)
		}
		assert.Equal(t, int64(2), c.Stats().Evictions)
		assert.Equal(t, 9, c.Stats().Entries)
	})

	t.Run("always evicts at least one", func(t *testing.T) {
		c := NewCache(CacheConfig{Capacity: 2})
		c.Put(1, &VerificationResult{})
		c.Put(2, &VerificationResult{})
		assert.Equal(t, 1, c.Put(3, &VerificationResult{}))
		assert.Equal(t, 2, c.Stats().Entries)
	})

	t.Run("replacing a key does not evict", func(t *testing.T) {
		c := NewCache(CacheConfig{Capacity: 1})
		c.Put(1, &VerificationResult{Confidence: 0.1})
		assert.Zero(t, c.Put(1, &VerificationResult{Confidence: 0.2}))
		got, ok := c.Get(1)
		require.True(t, ok)
		assert.InDelta(t, 0.2, got.Confidence, 1e-9)
	})
}

func TestCache_Clear(t *testing.T) {
	c := NewCache(CacheConfig{})
	c.Put(1, &VerificationResult{})
	c.Clear()
	_, ok := c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, DefaultCacheCapacity, c.Stats().Capacity)
}
