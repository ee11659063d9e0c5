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

import "github.com/AleutianAI/AleutianGrounding/services/retrieval"

// QuickOverlapThreshold is the mean word overlap QuickVerify requires.
const QuickOverlapThreshold = 0.3

// QuickVerify is a cheap pre-check for gating before the full pipeline.
// It reports whether the response's words overlap the documents by more
// than QuickOverlapThreshold on average. No documents means false.
func QuickVerify(response string, docs []retrieval.RetrievedDocument) bool {
	if len(docs) == 0 {
		return false
	}
	words := wordSet(response)
	if len(words) == 0 {
		return false
	}
	var total float64
	for _, d := range docs {
		total += overlapRatio(words, wordSet(d.Content))
	}
	return total/float64(len(docs)) > QuickOverlapThreshold
}
