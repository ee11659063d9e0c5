// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"sync"
	"sync/atomic"
	"time"
)

// circuitBreaker counts transport failures in a sliding window.
//
// Description:
//
//	Failure timestamps live in a ring buffer sized to the threshold, so the
//	window check is "are all of the last N failures younger than the
//	window". When the circuit is open, one probe request is allowed through
//	after the cooldown (half-open); its outcome closes or re-opens it.
//
// Thread Safety: Safe for concurrent use.
type circuitBreaker struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	failures []time.Time
	next     int
	openedAt time.Time

	probing atomic.Bool
}

func newCircuitBreaker(threshold int, window, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
		failures:  make([]time.Time, threshold),
	}
}

// record adds a failure and reports whether the threshold is now reached.
func (b *circuitBreaker) record() (tripped bool, recent int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures[b.next] = now
	b.next = (b.next + 1) % len(b.failures)

	cutoff := now.Add(-b.window)
	for _, t := range b.failures {
		if !t.IsZero() && t.After(cutoff) {
			recent++
		}
	}
	if recent >= b.threshold {
		b.openedAt = now
		return true, recent
	}
	return false, recent
}

// reset clears the failure history.
func (b *circuitBreaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.failures)
	b.next = 0
}

// cooledDown reports whether an open circuit may move to half-open.
func (b *circuitBreaker) cooledDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Sub(b.openedAt) >= b.cooldown
}

// acquireProbe claims the single half-open probe slot.
func (b *circuitBreaker) acquireProbe() bool {
	return b.probing.CompareAndSwap(false, true)
}

func (b *circuitBreaker) releaseProbe() {
	b.probing.Store(false)
}
