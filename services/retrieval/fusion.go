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

import "sort"

// DefaultRRFK is the conventional reciprocal rank fusion constant.
const DefaultRRFK = 60

type fusedEntry struct {
	doc      RetrievedDocument
	score    float64
	bestRank int
	order    int
}

// Fuse merges ranked lists with Reciprocal Rank Fusion.
//
// # Description
//
// A document at 1-indexed rank r in a list contributes 1/(k+r). Identity is
// RetrievedDocument.ID; only the first occurrence within each list counts.
// The output is sorted by fused score descending, then by best rank across
// lists, then by first appearance in the input. The representative copy of
// a document is its first appearance.
//
// Score is normalized to [0,1] by dividing by the maximum attainable value
// (rank 1 in every list). The raw sum is kept in metadata as "rrf_score".
//
// # Inputs
//
//   - lists: Ranked lists, best first. Nil or empty lists are allowed.
//   - k: Rank constant. k <= 0 uses DefaultRRFK.
//
// # Outputs
//
//   - []RetrievedDocument: Fused list, never nil. Inputs are not modified.
func Fuse(lists [][]RetrievedDocument, k int) []RetrievedDocument {
	if k <= 0 {
		k = DefaultRRFK
	}

	entries := make(map[string]*fusedEntry)
	var ordered []*fusedEntry
	nonEmpty := 0

	for _, list := range lists {
		if len(list) > 0 {
			nonEmpty++
		}
		seen := make(map[string]struct{}, len(list))
		for i, doc := range list {
			id := doc.ID()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			rank := i + 1
			e, ok := entries[id]
			if !ok {
				e = &fusedEntry{doc: doc, bestRank: rank, order: len(ordered)}
				entries[id] = e
				ordered = append(ordered, e)
			}
			e.score += 1.0 / float64(k+rank)
			if rank < e.bestRank {
				e.bestRank = rank
			}
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.bestRank != b.bestRank {
			return a.bestRank < b.bestRank
		}
		return a.order < b.order
	})

	maxScore := float64(nonEmpty) / float64(k+1)
	out := make([]RetrievedDocument, 0, len(ordered))
	for _, e := range ordered {
		doc := e.doc
		doc.Metadata = doc.Metadata.With("rrf_score", e.score)
		if maxScore > 0 {
			doc.Score = clamp01(e.score / maxScore)
		}
		out = append(out, doc)
	}
	return out
}
