// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// RistrettoStore is a bounded in-memory Store. Admission and eviction
// follow ristretto's TinyLFU policy, so a Set may be dropped under load;
// callers treat that as a later miss.
type RistrettoStore struct {
	cache *ristretto.Cache[string, []float32]
}

// NewRistrettoStore creates a store holding at most maxBytes of vector
// data. maxBytes <= 0 means 256 MiB.
func NewRistrettoStore(maxBytes int64) (*RistrettoStore, error) {
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}
	// ten counters per expected item; assume ~6 KiB per 1536-dim vector.
	counters := max(maxBytes/6144*10, 1000)
	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &RistrettoStore{cache: cache}, nil
}

func (s *RistrettoStore) Get(_ context.Context, key string) ([]float32, bool, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

// Set stores a copy of vector and waits until it is visible to Get.
func (s *RistrettoStore) Set(_ context.Context, key string, vector []float32) error {
	cp := make([]float32, len(vector))
	copy(cp, vector)
	s.cache.Set(key, cp, int64(4*len(cp)))
	s.cache.Wait()
	return nil
}

func (s *RistrettoStore) Close() error {
	s.cache.Close()
	return nil
}
