// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding turns text into vectors and caches the results.
//
// The Cache fronts any Embedder with a Store. Lookups are by exact text:
// two strings that differ by one byte are different entries. Batch calls
// send only the cache misses to the embedding service, in one request.
package embedding

import (
	"context"
	"errors"
)

// Embedder computes embeddings. The method set matches langchaingo's
// embeddings.Embedder, so those embedders plug in without adapters.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

var (
	// ErrEmptyInput is returned for an empty text.
	ErrEmptyInput = errors.New("embedding: empty input")

	// ErrCountMismatch is returned when the service answers a batch with
	// a different number of vectors than texts sent.
	ErrCountMismatch = errors.New("embedding: vector count does not match input count")
)
