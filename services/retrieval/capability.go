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
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Features and Stability
// =============================================================================

// Feature is an optional part of a backend query.
type Feature int

const (
	// FeatureUnknown is a rejected field that could not be identified.
	FeatureUnknown Feature = iota
	// FeatureHybridVector is the vector argument of a hybrid query.
	FeatureHybridVector
	// FeatureFilter is a property filter on any query.
	FeatureFilter
	// FeatureExplainScore is the per-result score explanation.
	FeatureExplainScore
)

// String returns the feature name.
func (f Feature) String() string {
	switch f {
	case FeatureHybridVector:
		return "hybrid_vector"
	case FeatureFilter:
		return "hybrid_filter"
	case FeatureExplainScore:
		return "explain_score"
	default:
		return "unknown"
	}
}

// Stability summarizes how much of the backend is usable.
type Stability string

const (
	// StabilityStable means every probe succeeded.
	StabilityStable Stability = "stable"
	// StabilityPartial means the dimension is known but at least one
	// optional feature is unsupported.
	StabilityPartial Stability = "partial"
	// StabilityDegraded means no candidate dimension worked and the default
	// is in use.
	StabilityDegraded Stability = "degraded"
)

// CapabilityProfile is the negotiated view of the vector backend.
//
// Profiles are immutable snapshots. The Negotiator replaces the current
// snapshot on downgrade or re-negotiation; holders of an older snapshot are
// never affected.
type CapabilityProfile struct {
	Dimension        int       `json:"dimension"`
	HybridWithVector bool      `json:"hybrid_with_vector"`
	HybridWithFilter bool      `json:"hybrid_with_filter"`
	ExplainScore     bool      `json:"explain_score"`
	Stability        Stability `json:"stability"`
	NegotiatedAt     time.Time `json:"negotiated_at"`
	// Downgrades lists features disabled after negotiation, in order.
	Downgrades []string `json:"downgrades,omitempty"`
}

// Supports reports whether feature is enabled in p.
func (p CapabilityProfile) Supports(feature Feature) bool {
	switch feature {
	case FeatureHybridVector:
		return p.HybridWithVector
	case FeatureFilter:
		return p.HybridWithFilter
	case FeatureExplainScore:
		return p.ExplainScore
	default:
		return false
	}
}

func (p CapabilityProfile) without(feature Feature) CapabilityProfile {
	switch feature {
	case FeatureHybridVector:
		p.HybridWithVector = false
	case FeatureFilter:
		p.HybridWithFilter = false
	case FeatureExplainScore:
		p.ExplainScore = false
	}
	p.Downgrades = append(append([]string(nil), p.Downgrades...), feature.String())
	if p.Stability == StabilityStable {
		p.Stability = StabilityPartial
	}
	return p
}

// =============================================================================
// Negotiator
// =============================================================================

// NegotiatorConfig configures capability detection.
type NegotiatorConfig struct {
	// Candidates are probed in order. Default: 1536, 3072, 384.
	Candidates []int
	// DefaultDimension is used when no candidate works. Default: 1536.
	DefaultDimension int
	// ProbeTimeout bounds each probe call. Default: 10s.
	ProbeTimeout time.Duration
	// Logger for negotiation events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultNegotiatorConfig returns production defaults.
func DefaultNegotiatorConfig() NegotiatorConfig {
	return NegotiatorConfig{
		Candidates:       []int{1536, 3072, 384},
		DefaultDimension: 1536,
		ProbeTimeout:     10 * time.Second,
		Logger:           slog.Default(),
	}
}

func (c *NegotiatorConfig) applyDefaults() {
	d := DefaultNegotiatorConfig()
	if len(c.Candidates) == 0 {
		c.Candidates = d.Candidates
	}
	if c.DefaultDimension <= 0 {
		c.DefaultDimension = d.DefaultDimension
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Negotiator detects and owns the process-wide CapabilityProfile.
//
// # Description
//
// Detection runs at most once concurrently. The first caller of Ensure (or
// Start) triggers it; concurrent callers wait for the same result. After
// that, Ensure is a single atomic load.
//
// # Thread Safety
//
// Safe for concurrent use.
type Negotiator struct {
	backend VectorBackend
	config  NegotiatorConfig
	logger  *slog.Logger

	profile atomic.Pointer[CapabilityProfile]
	flight  singleflight.Group
	runs    atomic.Int64
}

// NewNegotiator creates a negotiator for backend.
func NewNegotiator(backend VectorBackend, config NegotiatorConfig) *Negotiator {
	config.applyDefaults()
	return &Negotiator{
		backend: backend,
		config:  config,
		logger:  config.Logger.With(slog.String("component", "capability_negotiator")),
	}
}

// Start runs detection in the background so the first search does not pay
// for it. Safe to call more than once.
func (n *Negotiator) Start(ctx context.Context) {
	go n.Ensure(context.WithoutCancel(ctx))
}

// Ensure returns the current profile, negotiating first if needed.
//
// # Description
//
// Never fails. A backend that rejects every probe yields a degraded profile
// with the default dimension.
//
// # Inputs
//
//   - ctx: Used for tracing only. Probes are detached from its cancellation
//     so an abandoned request cannot leave a half-negotiated profile behind;
//     each probe is bounded by ProbeTimeout instead.
//
// # Outputs
//
//   - CapabilityProfile: Snapshot in effect after this call.
func (n *Negotiator) Ensure(ctx context.Context) CapabilityProfile {
	if p := n.profile.Load(); p != nil {
		return *p
	}
	v, _, _ := n.flight.Do("negotiate", func() (any, error) {
		if p := n.profile.Load(); p != nil {
			return *p, nil
		}
		p := n.negotiate(context.WithoutCancel(ctx))
		n.profile.Store(&p)
		return p, nil
	})
	return v.(CapabilityProfile)
}

// Renegotiate discards the current profile and runs detection again.
// Concurrent calls share one run.
func (n *Negotiator) Renegotiate(ctx context.Context) CapabilityProfile {
	v, _, _ := n.flight.Do("negotiate", func() (any, error) {
		p := n.negotiate(context.WithoutCancel(ctx))
		n.profile.Store(&p)
		return p, nil
	})
	return v.(CapabilityProfile)
}

// Profile returns the current profile and whether negotiation has completed.
func (n *Negotiator) Profile() (CapabilityProfile, bool) {
	p := n.profile.Load()
	if p == nil {
		return CapabilityProfile{}, false
	}
	return *p, true
}

// Runs returns how many times detection has executed.
func (n *Negotiator) Runs() int64 {
	return n.runs.Load()
}

// Downgrade disables feature in the current profile.
//
// # Description
//
// Called by the Executor when the backend rejects a field that the profile
// claimed was supported. The change is visible to every subsequent call.
// Unknown features and features already disabled leave the profile as is.
//
// # Outputs
//
//   - CapabilityProfile: The profile after the downgrade.
func (n *Negotiator) Downgrade(ctx context.Context, feature Feature) CapabilityProfile {
	for {
		cur := n.profile.Load()
		if cur == nil {
			n.Ensure(ctx)
			continue
		}
		if feature == FeatureUnknown || !cur.Supports(feature) {
			return *cur
		}
		next := cur.without(feature)
		if n.profile.CompareAndSwap(cur, &next) {
			n.logger.Warn("capability downgraded",
				slog.String("feature", feature.String()),
				slog.String("stability", string(next.Stability)))
			recordDowngrade(ctx, feature)
			return next
		}
	}
}

// -----------------------------------------------------------------------------
// Detection
// -----------------------------------------------------------------------------

func (n *Negotiator) negotiate(ctx context.Context) CapabilityProfile {
	ctx, span := tracer.Start(ctx, "Negotiator.negotiate")
	defer span.End()

	n.runs.Add(1)
	start := time.Now()

	dim, found := n.DetectDimension(ctx)
	profile := CapabilityProfile{
		Dimension:    dim,
		NegotiatedAt: time.Now(),
	}
	profile.HybridWithVector, profile.HybridWithFilter, profile.ExplainScore = n.TestFeatures(ctx, dim)

	switch {
	case !found:
		profile.Stability = StabilityDegraded
	case profile.HybridWithVector && profile.HybridWithFilter && profile.ExplainScore:
		profile.Stability = StabilityStable
	default:
		profile.Stability = StabilityPartial
	}

	n.logger.Info("capabilities negotiated",
		slog.Int("dimension", profile.Dimension),
		slog.Bool("hybrid_with_vector", profile.HybridWithVector),
		slog.Bool("hybrid_with_filter", profile.HybridWithFilter),
		slog.Bool("explain_score", profile.ExplainScore),
		slog.String("stability", string(profile.Stability)),
		slog.Duration("took", time.Since(start)))
	recordNegotiation(ctx, profile)
	return profile
}

// DetectDimension probes candidate sizes in order and returns the first one
// the backend accepts. The second result is false when every candidate
// failed and the default dimension was returned.
func (n *Negotiator) DetectDimension(ctx context.Context) (int, bool) {
	for _, size := range n.config.Candidates {
		if size <= 0 {
			continue
		}
		_, err := n.probe(ctx, func(ctx context.Context) (*BackendResponse, error) {
			return n.backend.NearVector(ctx, NearVectorQuery{Vector: PlaceholderVector(size), Limit: 1})
		})
		if err == nil {
			return size, true
		}
		n.logger.Debug("dimension candidate rejected",
			slog.Int("dimension", size),
			slog.String("category", ClassifyBackendError(err).Category.String()),
			slog.String("error", err.Error()))
	}
	n.logger.Warn("no candidate dimension accepted, using default",
		slog.Int("dimension", n.config.DefaultDimension))
	return n.config.DefaultDimension, false
}

// TestFeatures probes each optional hybrid feature with a minimal query.
//
// A probe rejected with a capability error clears its flag. Any other
// failure (timeout, unreachable backend) leaves the flag set; the Executor
// will downgrade it later if the backend rejects the field for real.
func (n *Negotiator) TestFeatures(ctx context.Context, dim int) (hybridVector, hybridFilter, explainScore bool) {
	alpha := 0.5
	probes := []struct {
		feature Feature
		query   HybridQuery
	}{
		{FeatureHybridVector, HybridQuery{Text: "test", Vector: PlaceholderVector(dim), Alpha: &alpha, Limit: 1}},
		{FeatureFilter, HybridQuery{Text: "test", Filter: &Filter{Path: contentProperty, Operator: OpLike, Value: "*"}, Limit: 1}},
		{FeatureExplainScore, HybridQuery{Text: "test", ExplainScore: true, Limit: 1}},
	}

	supported := map[Feature]bool{}
	for _, p := range probes {
		q := p.query
		_, err := n.probe(ctx, func(ctx context.Context) (*BackendResponse, error) {
			return n.backend.Hybrid(ctx, q)
		})
		supported[p.feature] = true
		if err == nil {
			continue
		}
		class := ClassifyBackendError(err)
		if class.Category == CategoryCapability {
			supported[p.feature] = false
		}
		n.logger.Debug("feature probe failed",
			slog.String("feature", p.feature.String()),
			slog.String("category", class.Category.String()),
			slog.String("error", err.Error()))
	}
	return supported[FeatureHybridVector], supported[FeatureFilter], supported[FeatureExplainScore]
}

func (n *Negotiator) probe(ctx context.Context, call func(context.Context) (*BackendResponse, error)) (resp *BackendResponse, err error) {
	ctx, cancel := context.WithTimeout(ctx, n.config.ProbeTimeout)
	defer cancel()
	return call(ctx)
}
