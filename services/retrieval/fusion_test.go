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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docs(ids ...string) []RetrievedDocument {
	out := make([]RetrievedDocument, len(ids))
	for i, id := range ids {
		out[i] = RetrievedDocument{
			Content:  "content of " + id,
			Metadata: Metadata{{Key: "id", Value: id}},
			Score:    0.5,
		}
	}
	return out
}

func ids(list []RetrievedDocument) []string {
	out := make([]string, len(list))
	for i, d := range list {
		out[i] = d.ID()
	}
	return out
}

func TestFuse_Ordering(t *testing.T) {
	vector := docs("a", "b", "c")
	lexical := docs("c", "d", "a")

	fused := Fuse([][]RetrievedDocument{vector, lexical}, 60)

	// a: 1/61 + 1/63, c: 1/63 + 1/61, tie broken by best rank (both 1)
	// then first appearance (a first). b: 1/62, d: 1/62, b appears first.
	assert.Equal(t, []string{"a", "c", "b", "d"}, ids(fused))

	raw, ok := fused[0].Metadata.Get("rrf_score")
	require.True(t, ok)
	assert.InDelta(t, 1.0/61+1.0/63, raw.(float64), 1e-12)
	assert.InDelta(t, (1.0/61+1.0/63)/(2.0/61), fused[0].Score, 1e-12)
}

func TestFuse_Deterministic(t *testing.T) {
	lists := [][]RetrievedDocument{
		docs("a", "b", "c", "d", "e"),
		docs("e", "d", "c", "b", "a"),
		docs("c", "x", "a"),
	}
	first := ids(Fuse(lists, 60))
	for range 10 {
		assert.Equal(t, first, ids(Fuse(lists, 60)))
	}
}

func TestFuse_DuplicatedListKeepsOrder(t *testing.T) {
	list := docs("p", "q", "r", "s", "t")
	fused := Fuse([][]RetrievedDocument{list, list}, 60)
	assert.Equal(t, ids(list), ids(fused))
	assert.InDelta(t, 1.0, fused[0].Score, 1e-12, "rank 1 in every list normalizes to 1")
}

func TestFuse_DefaultK(t *testing.T) {
	list := docs("a")
	fused := Fuse([][]RetrievedDocument{list}, 0)
	raw, _ := fused[0].Metadata.Get("rrf_score")
	assert.InDelta(t, 1.0/61, raw.(float64), 1e-12)
}

func TestFuse_DuplicatesWithinListCountOnce(t *testing.T) {
	list := docs("a", "a", "b")
	fused := Fuse([][]RetrievedDocument{list}, 60)
	require.Len(t, fused, 2)
	raw, _ := fused[0].Metadata.Get("rrf_score")
	assert.InDelta(t, 1.0/61, raw.(float64), 1e-12)
}

func TestFuse_IdentityFallsBackToContent(t *testing.T) {
	a := []RetrievedDocument{{Content: "same text"}, {Content: "other"}}
	b := []RetrievedDocument{{Content: "same text", Metadata: Metadata{{Key: "title", Value: "t"}}}}

	fused := Fuse([][]RetrievedDocument{a, b}, 60)

	require.Len(t, fused, 2)
	assert.Equal(t, "same text", fused[0].Content)
	_, hasTitle := fused[0].Metadata.Get("title")
	assert.False(t, hasTitle, "first appearance is the representative")
}

func TestFuse_DoesNotModifyInput(t *testing.T) {
	list := docs("a", "b")
	Fuse([][]RetrievedDocument{list}, 60)
	_, ok := list[0].Metadata.Get("rrf_score")
	assert.False(t, ok)
	assert.Equal(t, 0.5, list[0].Score)
}

func TestFuse_Empty(t *testing.T) {
	assert.NotNil(t, Fuse(nil, 60))
	assert.Empty(t, Fuse([][]RetrievedDocument{nil, {}}, 60))
}
