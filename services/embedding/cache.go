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
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds one call to the embedding service.
const DefaultTimeout = 30 * time.Second

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Namespace scopes keys, normally the embedding model name.
	Namespace string

	// Timeout bounds each embedding service call. Zero means DefaultTimeout.
	Timeout time.Duration

	// Logger; nil means slog.Default().
	Logger *slog.Logger
}

// CacheStats is a snapshot of lookup counters.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Cache is a read-through embedding cache.
//
// # Description
//
// Embed and EmbedMany consult the Store by exact text first and only
// call the Embedder for misses. EmbedMany sends every distinct miss in
// one batch and reassembles results in input order. Concurrent Embed
// calls for the same text share one service call.
//
// Store failures never fail a request: a failed read is a miss and a
// failed write is logged.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	embedder  Embedder
	store     Store
	namespace string
	timeout   time.Duration
	logger    *slog.Logger

	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache wires embedder behind store.
func NewCache(embedder Embedder, store Store, cfg CacheConfig) *Cache {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		embedder:  embedder,
		store:     store,
		namespace: cfg.Namespace,
		timeout:   cfg.Timeout,
		logger:    logger.With(slog.String("component", "embedding_cache")),
	}
}

// Embed returns the embedding of text.
//
// # Outputs
//
//   - []float32: The vector. The caller owns it.
//   - error: ErrEmptyInput, or the embedding service error on a miss.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	ctx, span := tracer.Start(ctx, "embedding.Cache.Embed")
	defer span.End()

	key := Key(c.namespace, text)
	if v, ok := c.lookup(ctx, key); ok {
		c.hits.Add(1)
		recordLookups(ctx, 1, 0)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return v, nil
	}
	c.misses.Add(1)
	recordLookups(ctx, 0, 1)
	span.SetAttributes(attribute.Bool("cache.hit", false))

	// The shared call outlives any one caller; each caller stops waiting
	// when its own ctx is done.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(flightCtx, c.timeout)
		defer cancel()
		recordBatch(flightCtx, 1)
		v, err := c.embedder.EmbedQuery(callCtx, text)
		if err != nil {
			return nil, err
		}
		c.save(flightCtx, key, v)
		return v, nil
	})

	var (
		res any
		err error
	)
	select {
	case r := <-ch:
		res, err = r.Val, r.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		recordError(ctx, "service")
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		return nil, fmt.Errorf("embed text: %w", err)
	}
	return clone(res.([]float32)), nil
}

// EmbedMany returns one embedding per text, in input order.
//
// # Description
//
// Cached texts are served from the store. The remaining distinct texts
// go to the embedding service in a single batch. Duplicate texts in the
// input are embedded once.
//
// # Outputs
//
//   - [][]float32: len(texts) vectors. Empty input yields an empty slice.
//   - error: ErrEmptyInput for an empty text, ErrCountMismatch for a
//     malformed service answer, or the service error.
func (c *Cache) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}
	ctx, span := tracer.Start(ctx, "embedding.Cache.EmbedMany")
	defer span.End()

	var (
		pending   = make(map[string][]int)
		missOrder []string
		hits      int
	)
	for i, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("%w at index %d", ErrEmptyInput, i)
		}
		if idx, seen := pending[t]; seen {
			pending[t] = append(idx, i)
			continue
		}
		if v, ok := c.lookup(ctx, Key(c.namespace, t)); ok {
			out[i] = v
			hits++
			continue
		}
		pending[t] = []int{i}
		missOrder = append(missOrder, t)
	}

	misses := len(texts) - hits
	c.hits.Add(int64(hits))
	c.misses.Add(int64(misses))
	recordLookups(ctx, hits, misses)
	span.SetAttributes(
		attribute.Int("texts", len(texts)),
		attribute.Int("cache.misses", misses),
		attribute.Int("service.batch", len(missOrder)),
	)
	if len(missOrder) == 0 {
		return out, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	recordBatch(ctx, len(missOrder))
	vectors, err := c.embedder.EmbedDocuments(callCtx, missOrder)
	if err != nil {
		recordError(ctx, "service")
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch embed failed")
		return nil, fmt.Errorf("embed %d texts: %w", len(missOrder), err)
	}
	if len(vectors) != len(missOrder) {
		recordError(ctx, "service")
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrCountMismatch, len(missOrder), len(vectors))
	}

	for j, t := range missOrder {
		c.save(ctx, Key(c.namespace, t), vectors[j])
		for n, i := range pending[t] {
			if n == 0 {
				out[i] = vectors[j]
			} else {
				out[i] = clone(vectors[j])
			}
		}
	}
	return out, nil
}

// Stats returns the lookup counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) lookup(ctx context.Context, key string) ([]float32, bool) {
	v, ok, err := c.store.Get(ctx, key)
	if err != nil {
		recordError(ctx, "store_get")
		c.logger.Warn("embedding store read failed, treating as miss", slog.String("error", err.Error()))
		return nil, false
	}
	return v, ok
}

func (c *Cache) save(ctx context.Context, key string, v []float32) {
	if err := c.store.Set(ctx, key, v); err != nil {
		recordError(ctx, "store_set")
		c.logger.Warn("embedding store write failed", slog.String("error", err.Error()))
	}
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
