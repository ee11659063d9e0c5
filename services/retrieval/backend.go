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
	"sort"
)

// VectorBackend is the remote vector search service.
//
// # Description
//
// Implementations translate the backend-neutral queries below into their
// wire format. They must not interpret capability errors themselves beyond
// optionally returning *CapabilityError; the Executor owns the degradation
// chain.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type VectorBackend interface {
	// Hybrid issues a combined lexical and vector query.
	Hybrid(ctx context.Context, q HybridQuery) (*BackendResponse, error)

	// NearVector issues a pure nearest-neighbour query.
	NearVector(ctx context.Context, q NearVectorQuery) (*BackendResponse, error)
}

// HybridQuery is a backend-neutral hybrid request. Nil or zero fields are
// omitted from the wire request.
type HybridQuery struct {
	Text string
	// Vector is omitted when nil.
	Vector []float32
	// Alpha is the fusion weight; 0 is lexical only, 1 is vector only.
	// Omitted when nil.
	Alpha        *float64
	Filter       *Filter
	ExplainScore bool
	Limit        int
}

// Without returns a copy of q with the field belonging to feature removed.
// The second result is false when q did not carry that field.
func (q HybridQuery) Without(feature Feature) (HybridQuery, bool) {
	switch feature {
	case FeatureHybridVector:
		if q.Vector == nil {
			return q, false
		}
		q.Vector = nil
	case FeatureFilter:
		if q.Filter == nil {
			return q, false
		}
		q.Filter = nil
	case FeatureExplainScore:
		if !q.ExplainScore {
			return q, false
		}
		q.ExplainScore = false
	default:
		return q, false
	}
	return q, true
}

// Minimal returns the lexical-only form of q: text and limit.
func (q HybridQuery) Minimal() HybridQuery {
	return HybridQuery{Text: q.Text, Limit: q.Limit}
}

// NearVectorQuery is a backend-neutral nearest-vector request.
type NearVectorQuery struct {
	Vector []float32
	Filter *Filter
	Limit  int
}

// BackendResponse is the raw result of a backend call.
type BackendResponse struct {
	Hits []BackendHit
}

// BackendHit is one ranked item returned by the backend.
type BackendHit struct {
	// Properties is the opaque property map of the stored object.
	Properties map[string]any
	// Score is the backend relevance score, when reported.
	Score *float64
	// Distance is the vector distance, when reported.
	Distance *float64
	// Certainty is the normalized similarity in [0,1], when reported.
	Certainty *float64
	// ExplainScore is the backend's score explanation, when requested.
	ExplainScore string
}

// contentProperty is the property holding document text.
const contentProperty = "content"

// toDocuments converts backend hits into documents.
//
// Score is taken from, in order: Certainty, Score, 1 - Distance/2 (cosine
// distance in [0,2]), and finally a rank-based value. The result is clamped
// to [0,1]. Properties other than content become metadata sorted by key so
// conversion is deterministic.
func toDocuments(resp *BackendResponse) []RetrievedDocument {
	if resp == nil {
		return []RetrievedDocument{}
	}
	docs := make([]RetrievedDocument, 0, len(resp.Hits))
	n := len(resp.Hits)
	for rank, hit := range resp.Hits {
		content, _ := hit.Properties[contentProperty].(string)

		keys := make([]string, 0, len(hit.Properties))
		for k := range hit.Properties {
			if k != contentProperty {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		meta := make(Metadata, 0, len(keys)+1)
		for _, k := range keys {
			meta = append(meta, MetadataField{Key: k, Value: hit.Properties[k]})
		}
		if hit.ExplainScore != "" {
			meta = append(meta, MetadataField{Key: "explain_score", Value: hit.ExplainScore})
		}

		var score float64
		switch {
		case hit.Certainty != nil:
			score = *hit.Certainty
		case hit.Score != nil:
			score = *hit.Score
		case hit.Distance != nil:
			score = 1 - *hit.Distance/2
		default:
			score = 1 - float64(rank)/float64(n)
		}

		doc := RetrievedDocument{
			Content:  content,
			Metadata: meta,
			Score:    clamp01(score),
		}
		if hit.Distance != nil {
			d := *hit.Distance
			doc.OriginDistance = &d
		}
		docs = append(docs, doc)
	}
	return docs
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v != v {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
