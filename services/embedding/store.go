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
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/minio/highwayhash"
)

// Store persists vectors by key. Implementations must be safe for
// concurrent use. A miss is (nil, false, nil).
type Store interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vector []float32) error
	Close() error
}

var keySeed = []byte("aleutian-grounding-embedding-key")

// Key derives the store key for text under namespace. The namespace
// separates models so a model change never serves stale vectors.
func Key(namespace, text string) string {
	buf := make([]byte, 0, len(namespace)+1+len(text))
	buf = append(buf, namespace...)
	buf = append(buf, 0)
	buf = append(buf, text...)
	sum := highwayhash.Sum(buf, keySeed)
	return hex.EncodeToString(sum[:])
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector: %d bytes", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
