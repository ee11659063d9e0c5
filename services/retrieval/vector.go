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

// placeholderValue fills probe vectors. Any non-zero constant works; a zero
// vector has no direction and some backends reject it for cosine distance.
const placeholderValue = 0.1

// ResizeVector returns a copy of v with length exactly dim: truncated when
// longer, zero-padded when shorter. dim <= 0 yields an empty vector.
func ResizeVector(v []float32, dim int) []float32 {
	if dim <= 0 {
		return []float32{}
	}
	out := make([]float32, dim)
	copy(out, v)
	return out
}

// PlaceholderVector returns an all-equal vector of the given size.
func PlaceholderVector(size int) []float32 {
	v := make([]float32, size)
	for i := range v {
		v[i] = placeholderValue
	}
	return v
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
