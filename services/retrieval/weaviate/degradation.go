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
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianGrounding/services/retrieval"
)

// DegradationMode is the operational mode of a Weaviate-dependent component.
type DegradationMode int32

const (
	ModeNormal DegradationMode = iota
	ModeDegraded
	ModeDisabled
)

// String returns the mode name.
func (m DegradationMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDegraded:
		return "degraded"
	case ModeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// DegradationHandler is notified when Weaviate availability changes.
//
// Thread Safety: Implementations must be safe for concurrent use.
type DegradationHandler interface {
	// OnDegraded is called when Weaviate becomes unavailable.
	OnDegraded(reason string)

	// OnRecovered is called when Weaviate becomes available again.
	OnRecovered()

	// GetMode returns the current mode.
	GetMode() DegradationMode
}

// BaseDegradationHandler tracks mode and logs transitions. Embed it in
// component-specific handlers.
//
// Thread Safety: Safe for concurrent use.
type BaseDegradationHandler struct {
	name   string
	mode   atomic.Int32
	since  atomic.Int64
	logger *slog.Logger
}

// NewBaseDegradationHandler creates a handler named for logging.
func NewBaseDegradationHandler(name string, logger *slog.Logger) *BaseDegradationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseDegradationHandler{
		name:   name,
		logger: logger.With(slog.String("component", name)),
	}
}

// OnDegraded marks the handler degraded.
func (h *BaseDegradationHandler) OnDegraded(reason string) {
	h.mode.Store(int32(ModeDegraded))
	h.since.Store(time.Now().UnixNano())
	h.logger.Warn("vector backend unavailable", slog.String("reason", reason))
}

// OnRecovered marks the handler normal.
func (h *BaseDegradationHandler) OnRecovered() {
	h.mode.Store(int32(ModeNormal))
	h.since.Store(time.Now().UnixNano())
	h.logger.Info("vector backend available")
}

// GetMode returns the current mode.
func (h *BaseDegradationHandler) GetMode() DegradationMode {
	return DegradationMode(h.mode.Load())
}

// Since returns when the mode last changed, or the zero time.
func (h *BaseDegradationHandler) Since() time.Time {
	ns := h.since.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SetDisabled disables the component regardless of availability.
func (h *BaseDegradationHandler) SetDisabled() {
	h.mode.Store(int32(ModeDisabled))
	h.logger.Warn("component explicitly disabled")
}

// -----------------------------------------------------------------------------

// Renegotiator re-runs capability detection.
type Renegotiator interface {
	Renegotiate(ctx context.Context) retrieval.CapabilityProfile
}

// CapabilityRefresher re-negotiates backend capabilities whenever Weaviate
// comes back after an outage. A restarted server may run a different
// version or index, so the old profile cannot be trusted.
type CapabilityRefresher struct {
	*BaseDegradationHandler
	negotiator Renegotiator
	timeout    time.Duration
	refreshes  atomic.Int64
}

// NewCapabilityRefresher creates a refresher. timeout bounds the whole
// re-negotiation; zero means 30s.
func NewCapabilityRefresher(negotiator Renegotiator, timeout time.Duration, logger *slog.Logger) *CapabilityRefresher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CapabilityRefresher{
		BaseDegradationHandler: NewBaseDegradationHandler("capability_refresher", logger),
		negotiator:             negotiator,
		timeout:                timeout,
	}
}

// OnRecovered marks the handler normal and re-negotiates in the background.
func (h *CapabilityRefresher) OnRecovered() {
	h.BaseDegradationHandler.OnRecovered()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		p := h.negotiator.Renegotiate(ctx)
		h.refreshes.Add(1)
		h.logger.Info("capabilities refreshed after recovery",
			slog.Int("dimension", p.Dimension),
			slog.String("stability", string(p.Stability)))
	}()
}

// Refreshes returns how many post-recovery re-negotiations completed.
func (h *CapabilityRefresher) Refreshes() int64 {
	return h.refreshes.Load()
}
