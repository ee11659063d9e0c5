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
	"encoding/binary"
	"fmt"
	"hash"
	"sync"

	"github.com/minio/highwayhash"
)

// DefaultCacheCapacity is used when CacheConfig.Capacity is not positive.
const DefaultCacheCapacity = 1000

// evictFraction is the share of entries dropped when the cache is full.
const evictFraction = 0.2

// defaultHashKey seeds cache keys. highwayhash requires exactly 32 bytes.
var defaultHashKey = []byte("aleutian-guardrails-cache-key-01")

// CacheConfig configures a Cache.
type CacheConfig struct {
	Capacity int
	// HashKey seeds key derivation; nil uses a built-in key. A key of the
	// wrong length makes every lookup bypass the cache.
	HashKey []byte
}

// CacheStats is a snapshot of cache state.
type CacheStats struct {
	Entries     int     `json:"entries"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
}

// Cache stores verification results by content hash.
//
// # Description
//
// Keys hash the query, the response, the number of documents and the
// verification level. When an insert finds the cache full, the oldest
// ~20% of entries by insertion time are evicted (at least one). This is
// FIFO, not LRU: a hit does not refresh an entry. The cache only
// guarantees that it never grows past Capacity.
//
// # Thread Safety
//
// Safe for concurrent use. Values are copied in and out.
type Cache struct {
	mu       sync.Mutex
	capacity int
	hashKey  []byte
	entries  map[uint64]*VerificationResult
	order    []uint64 // insertion order, oldest first

	hits      int64
	misses    int64
	evictions int64
}

// NewCache creates an empty cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCacheCapacity
	}
	if cfg.HashKey == nil {
		cfg.HashKey = defaultHashKey
	}
	return &Cache{
		capacity: cfg.Capacity,
		hashKey:  cfg.HashKey,
		entries:  make(map[uint64]*VerificationResult, cfg.Capacity),
	}
}

// Key derives the cache key for a verification. Each field is length
// prefixed so field boundaries cannot be shifted to forge a collision.
func (c *Cache) Key(query, response string, docCount int, level VerificationLevel) (uint64, error) {
	h, err := highwayhash.New64(c.hashKey)
	if err != nil {
		return 0, fmt.Errorf("init cache key hash: %w", err)
	}
	writeField(h, query)
	writeField(h, response)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(docCount))
	_, _ = h.Write(n[:])
	writeField(h, string(level))
	return h.Sum64(), nil
}

func writeField(h hash.Hash64, s string) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}

// Get returns a copy of the cached result for key.
func (c *Cache) Get(key uint64) (*VerificationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return r.clone(), true
}

// Put stores a copy of r under key. It returns how many entries were
// evicted to make room.
func (c *Cache) Put(key uint64, r *VerificationResult) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		c.entries[key] = r.clone()
		return 0
	}
	evicted := 0
	if len(c.entries) >= c.capacity {
		evicted = c.evictOldest()
	}
	c.entries[key] = r.clone()
	c.order = append(c.order, key)
	return evicted
}

// evictOldest drops the oldest evictFraction of entries. Caller holds mu.
func (c *Cache) evictOldest() int {
	n := max(int(float64(len(c.entries))*evictFraction), 1)
	n = min(n, len(c.order))
	for _, k := range c.order[:n] {
		delete(c.entries, k)
	}
	c.order = append(c.order[:0:0], c.order[n:]...)
	c.evictions += int64(n)
	return n
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*VerificationResult, c.capacity)
	c.order = nil
}

// Stats returns current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:     len(c.entries),
		Capacity:    c.capacity,
		Utilization: float64(len(c.entries)) / float64(c.capacity),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
	}
}
