// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviate connects the retrieval engine to a Weaviate vector index.
//
// It provides a ResilientClient (retry with jittered backoff, a sliding
// window circuit breaker, background health checks and degradation
// notifications) and a Backend that implements retrieval.VectorBackend on
// top of it using GraphQL Get queries.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianGrounding/services/retrieval"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.retrieval.weaviate")

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotReady is returned when the readiness probe reports not ready.
	ErrNotReady = fmt.Errorf("weaviate is not ready: %w", retrieval.ErrBackendUnavailable)

	// ErrCircuitOpen is returned while the circuit breaker blocks requests.
	ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", retrieval.ErrBackendUnavailable)

	// ErrConnectionTimeout wraps timeouts from the transport.
	ErrConnectionTimeout = errors.New("weaviate connection timeout")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("weaviate client is closed")
)

// -----------------------------------------------------------------------------
// Connection State
// -----------------------------------------------------------------------------

// ConnectionState is the client's view of Weaviate availability.
type ConnectionState int32

const (
	StateConnected ConnectionState = iota
	StateDegraded
	StateCircuitOpen
	StateHalfOpen
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s ConnectionState) degraded() bool {
	return s == StateDegraded || s == StateCircuitOpen
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// ClientConfig configures the resilient client.
type ClientConfig struct {
	// URL of the Weaviate server, e.g. "http://localhost:8080". A missing
	// scheme means http.
	URL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// RetryAttempts after the first try. Default: 2.
	RetryAttempts int

	// RetryBackoff is the base of the exponential backoff. Default: 100ms.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the backoff. Default: 2s.
	MaxRetryBackoff time.Duration

	// RetryJitter is the +/- fraction applied to each backoff. Default: 0.25.
	RetryJitter float64

	// CircuitThreshold failures within CircuitWindow open the circuit. Default: 5.
	CircuitThreshold int

	// CircuitWindow. Default: 30s.
	CircuitWindow time.Duration

	// CircuitCooldown before a half-open probe. Default: 30s.
	CircuitCooldown time.Duration

	// HealthCheckInterval while connected. Default: 10s.
	HealthCheckInterval time.Duration

	// DegradedCheckInterval while degraded. Default: 5s.
	DegradedCheckInterval time.Duration

	// HealthCheckTimeout bounds one readiness probe. Default: 5s.
	HealthCheckTimeout time.Duration

	// AllowStartDegraded starts even when Weaviate is down.
	AllowStartDegraded bool

	// Logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultClientConfig returns production defaults without a URL.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RetryAttempts:         2,
		RetryBackoff:          100 * time.Millisecond,
		MaxRetryBackoff:       2 * time.Second,
		RetryJitter:           0.25,
		CircuitThreshold:      5,
		CircuitWindow:         30 * time.Second,
		CircuitCooldown:       30 * time.Second,
		HealthCheckInterval:   10 * time.Second,
		DegradedCheckInterval: 5 * time.Second,
		HealthCheckTimeout:    5 * time.Second,
		Logger:                slog.Default(),
	}
}

// Validate checks the configuration.
func (c *ClientConfig) Validate() error {
	if c.URL == "" {
		return errors.New("url must not be empty")
	}
	if c.RetryAttempts < 0 {
		return errors.New("retry_attempts must be non-negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry_jitter must be between 0 and 1")
	}
	if c.CircuitThreshold < 1 {
		return errors.New("circuit_threshold must be at least 1")
	}
	if c.CircuitWindow <= 0 {
		return errors.New("circuit_window must be positive")
	}
	if c.HealthCheckTimeout <= 0 {
		return errors.New("health_check_timeout must be positive")
	}
	return nil
}

func (c *ClientConfig) applyDefaults() {
	d := DefaultClientConfig()
	if c.RetryAttempts == 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = d.MaxRetryBackoff
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = d.RetryJitter
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.CircuitWindow == 0 {
		c.CircuitWindow = d.CircuitWindow
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = d.CircuitCooldown
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.DegradedCheckInterval == 0 {
		c.DegradedCheckInterval = d.DegradedCheckInterval
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// weaviateConfig converts the URL into the client library's host/scheme pair.
func (c *ClientConfig) weaviateConfig() (weaviate.Config, error) {
	raw := c.URL
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("http://" + raw)
		if err != nil {
			return weaviate.Config{}, fmt.Errorf("parse url %q: %w", raw, err)
		}
	}
	cfg := weaviate.Config{Host: u.Host, Scheme: u.Scheme}
	if c.APIKey != "" {
		cfg.Headers = map[string]string{"Authorization": "Bearer " + c.APIKey}
	}
	return cfg, nil
}

// -----------------------------------------------------------------------------
// Resilient Client
// -----------------------------------------------------------------------------

// ResilientClient wraps the Weaviate client with retries, a circuit breaker
// and health tracking.
//
// Thread Safety: Safe for concurrent use from multiple goroutines.
type ResilientClient struct {
	client  *weaviate.Client
	config  ClientConfig
	logger  *slog.Logger
	breaker *circuitBreaker

	state  atomic.Int32
	closed atomic.Bool

	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup

	handlers   []DegradationHandler
	handlersMu sync.RWMutex
}

// NewResilientClient connects to Weaviate.
//
// Inputs:
//
//	config - Client configuration. URL is required.
//
// Outputs:
//
//	*ResilientClient - Ready client with its health checker running.
//	error - Invalid config, or Weaviate unreachable with AllowStartDegraded off.
func NewResilientClient(config ClientConfig) (*ResilientClient, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	wcfg, err := config.weaviateConfig()
	if err != nil {
		return nil, err
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	rc := newResilientClient(client, config)

	if err := rc.checkHealth(context.Background()); err != nil {
		if !config.AllowStartDegraded {
			rc.healthCancel()
			return nil, fmt.Errorf("weaviate not available: %w", err)
		}
		rc.logger.Warn("weaviate unavailable at startup, starting degraded",
			slog.String("url", config.URL),
			slog.String("error", err.Error()))
	} else {
		rc.transitionState(StateConnected)
	}

	rc.healthWg.Add(1)
	go rc.runHealthChecker()

	rc.logger.Info("weaviate client initialized",
		slog.String("url", config.URL),
		slog.String("state", rc.GetState().String()))
	return rc, nil
}

func newResilientClient(client *weaviate.Client, config ClientConfig) *ResilientClient {
	healthCtx, healthCancel := context.WithCancel(context.Background())
	rc := &ResilientClient{
		client:       client,
		config:       config,
		logger:       config.Logger.With(slog.String("component", "weaviate_client")),
		breaker:      newCircuitBreaker(config.CircuitThreshold, config.CircuitWindow, config.CircuitCooldown),
		healthCtx:    healthCtx,
		healthCancel: healthCancel,
	}
	rc.state.Store(int32(StateDegraded))
	return rc
}

// Client returns the underlying Weaviate client.
func (c *ResilientClient) Client() *weaviate.Client {
	return c.client
}

// IsAvailable reports whether requests are currently let through.
func (c *ResilientClient) IsAvailable() bool {
	s := c.GetState()
	return s == StateConnected || s == StateHalfOpen
}

// IsDegraded reports whether Weaviate is considered down.
func (c *ResilientClient) IsDegraded() bool {
	return c.GetState().degraded()
}

// GetState returns the current connection state.
func (c *ResilientClient) GetState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// RegisterHandler adds a degradation handler. A handler registered while
// degraded is notified immediately.
func (c *ResilientClient) RegisterHandler(handler DegradationHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, handler)
	c.handlersMu.Unlock()

	if c.IsDegraded() {
		handler.OnDegraded("initial state: weaviate unavailable")
	}
}

// Execute runs fn with retry and circuit breaker protection.
//
// Description:
//
//	Only transport failures (timeouts, refused connections) are retried and
//	counted against the circuit. Application errors such as a GraphQL
//	rejection of an argument are returned on the first attempt and leave
//	the breaker untouched, since they say nothing about availability.
//
// Inputs:
//
//	ctx - Cancellation; passed to fn.
//	op - Operation name for the trace span.
//	fn - The Weaviate call.
//
// Outputs:
//
//	error - Last error from fn, ErrCircuitOpen, or ErrClientClosed.
//
// Thread Safety: Safe for concurrent use.
func (c *ResilientClient) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	ctx, span := tracer.Start(ctx, "weaviate."+op,
		trace.WithAttributes(attribute.String("state", c.GetState().String())),
	)
	defer span.End()

	switch c.GetState() {
	case StateCircuitOpen:
		if !c.breaker.cooledDown() {
			span.SetStatus(codes.Error, "circuit open")
			return ErrCircuitOpen
		}
		c.transitionState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if !c.breaker.acquireProbe() {
			span.SetStatus(codes.Error, "circuit half-open, probe in flight")
			return ErrCircuitOpen
		}
		defer c.breaker.releaseProbe()
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.Int64("backoff_ms", backoff.Milliseconds()),
			))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			c.recordSuccess()
			span.SetStatus(codes.Ok, "")
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
	}

	span.RecordError(lastErr)
	if isTransportError(lastErr) {
		c.recordFailure()
		span.SetStatus(codes.Error, "transport failure")
		return WrapWeaviateError(lastErr)
	}
	// Application error: the server answered, so it is reachable.
	c.recordSuccess()
	span.SetStatus(codes.Error, "request rejected")
	return lastErr
}

// Ready runs one readiness probe.
func (c *ResilientClient) Ready(ctx context.Context) error {
	return c.checkHealth(ctx)
}

// Close stops the health checker. Idempotent.
func (c *ResilientClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info("closing weaviate client")
	c.healthCancel()
	c.healthWg.Wait()
	return nil
}

// -----------------------------------------------------------------------------
// Internal Methods
// -----------------------------------------------------------------------------

func (c *ResilientClient) transitionState(next ConnectionState) {
	prev := ConnectionState(c.state.Swap(int32(next)))
	if prev == next {
		return
	}

	c.logger.Info("weaviate state transition",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))

	c.handlersMu.RLock()
	handlers := append([]DegradationHandler(nil), c.handlers...)
	c.handlersMu.RUnlock()

	switch {
	case !prev.degraded() && next.degraded():
		for _, h := range handlers {
			h.OnDegraded("state changed to " + next.String())
		}
	case prev.degraded() && !next.degraded():
		for _, h := range handlers {
			h.OnRecovered()
		}
	}
}

func (c *ResilientClient) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.HealthCheckTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "weaviate.health_check")
	defer span.End()

	ready, err := c.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "health check failed")
		return fmt.Errorf("health check failed: %w", err)
	}
	if !ready {
		span.SetStatus(codes.Error, "not ready")
		return ErrNotReady
	}
	return nil
}

func (c *ResilientClient) runHealthChecker() {
	defer c.healthWg.Done()
	for {
		interval := c.config.HealthCheckInterval
		if c.IsDegraded() {
			interval = c.config.DegradedCheckInterval
		}
		select {
		case <-c.healthCtx.Done():
			return
		case <-time.After(interval):
			c.performHealthCheck()
		}
	}
}

func (c *ResilientClient) performHealthCheck() {
	err := c.checkHealth(c.healthCtx)
	state := c.GetState()

	if err != nil {
		if state == StateConnected {
			c.transitionState(StateDegraded)
		}
		return
	}
	switch state {
	case StateDegraded, StateHalfOpen:
		c.breaker.reset()
		c.transitionState(StateConnected)
	case StateCircuitOpen:
		// Recovery from open goes through a half-open request.
		if c.breaker.cooledDown() {
			c.transitionState(StateHalfOpen)
		}
	}
}

func (c *ResilientClient) recordSuccess() {
	if c.GetState() == StateHalfOpen {
		c.breaker.reset()
		c.transitionState(StateConnected)
	}
}

func (c *ResilientClient) recordFailure() {
	tripped, recent := c.breaker.record()
	state := c.GetState()
	switch {
	case tripped && state != StateCircuitOpen:
		c.transitionState(StateCircuitOpen)
		c.logger.Warn("circuit breaker opened",
			slog.Int("failures", recent),
			slog.Duration("window", c.config.CircuitWindow))
	case state == StateHalfOpen:
		c.transitionState(StateCircuitOpen)
	case state == StateConnected:
		c.transitionState(StateDegraded)
	}
}

// calculateBackoff returns base * 2^attempt, capped and jittered.
func (c *ResilientClient) calculateBackoff(attempt int) time.Duration {
	backoff := c.config.RetryBackoff << attempt
	if backoff <= 0 || backoff > c.config.MaxRetryBackoff {
		backoff = c.config.MaxRetryBackoff
	}
	jitter := (rand.Float64()*2 - 1) * float64(backoff) * c.config.RetryJitter
	backoff = time.Duration(float64(backoff) + jitter)
	if backoff < 0 {
		return c.config.RetryBackoff
	}
	return backoff
}

// isTransportError reports failures that say the server is unreachable.
// The client library flattens transport errors into strings, so this
// defers to the retrieval classifier rather than relying on errors.As.
func isTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return retrieval.ClassifyBackendError(err).Category == retrieval.CategoryConnectivity
}

// isRetryable reports transport failures worth another attempt.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// WrapWeaviateError marks transport errors so callers can classify them.
func WrapWeaviateError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
	}
	if isTransportError(err) && !errors.Is(err, retrieval.ErrBackendUnavailable) {
		return fmt.Errorf("%w: %w", retrieval.ErrBackendUnavailable, err)
	}
	return fmt.Errorf("weaviate error: %w", err)
}
