// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grounding

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianGrounding/pkg/auth"
	"github.com/AleutianAI/AleutianGrounding/services/retrieval"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

// Deps are the components the HTTP layer serves.
type Deps struct {
	// Executor runs searches. Nil disables search and capability routes.
	Executor *retrieval.Executor

	// Embedder fills in query vectors. Nil means callers must send vectors
	// or accept text-only search.
	Embedder QueryEmbedder

	// Sources are fused into /v1/search/fused results.
	Sources []retrieval.DocumentSource

	// Verifier is required.
	Verifier Verifier

	// RRFK is the default fusion constant.
	RRFK int

	// VerifyLimiter limits the verification routes. Nil means unlimited.
	VerifyLimiter *rate.Limiter

	Metrics        *Metrics
	MetricsHandler http.Handler

	// Auth authenticates /v1 callers. Nil admits everyone.
	Auth auth.Provider

	// Health adds fields to /health.
	Health func() map[string]any

	ServiceName string
	Logger      *slog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.ServiceName == "" {
		d.ServiceName = "aleutian-grounding"
	}
	h := &handlers{
		executor: d.Executor,
		embedder: d.Embedder,
		sources:  d.Sources,
		verifier: d.Verifier,
		rrfK:     d.RRFK,
		metrics:  d.Metrics,
		health:   d.Health,
		logger:   logger.With(slog.String("component", "http")),
	}

	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(d.ServiceName), requestMetrics(d.Metrics))

	router.GET("/health", h.healthCheck)
	if d.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(d.MetricsHandler))
	}

	v1 := router.Group("/v1", Authenticate(d.Auth, h.logger))
	{
		v1.POST("/search", h.search)
		v1.POST("/search/fused", h.fusedSearch)

		verify := v1.Group("/verify", RateLimit(d.VerifyLimiter, d.Metrics))
		{
			verify.POST("", h.verify)
			verify.POST("/quick", h.quickVerify)
		}

		v1.GET("/capabilities", h.capabilities)
		v1.POST("/capabilities/renegotiate", RequireRole(auth.RoleAdmin), h.renegotiate)
		v1.GET("/guardrails/cache", RequireRole(auth.RoleAdmin), h.cacheStats)
	}
	return router
}

func requestMetrics(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.observeRequest(route, c.Writer.Status(), time.Since(start))
	}
}
