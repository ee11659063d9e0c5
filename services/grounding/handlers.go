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
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianGrounding/services/guardrails"
	"github.com/AleutianAI/AleutianGrounding/services/retrieval"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// QueryEmbedder turns search text into a query vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Verifier runs guardrail verification.
type Verifier interface {
	VerifyResponse(ctx context.Context, req guardrails.VerifyRequest) *guardrails.VerificationResult
	CacheStats() (guardrails.CacheStats, bool)
}

var errSearchDisabled = errors.New("search is disabled: no vector backend configured")

// handlers holds the dependencies shared by every route.
type handlers struct {
	executor *retrieval.Executor
	embedder QueryEmbedder
	sources  []retrieval.DocumentSource
	verifier Verifier
	rrfK     int
	metrics  *Metrics
	health   func() map[string]any
	logger   *slog.Logger
}

// -----------------------------------------------------------------------------
// Search
// -----------------------------------------------------------------------------

type searchRequest struct {
	Text   string            `json:"text" binding:"required"`
	Vector []float32         `json:"vector"`
	TopK   int               `json:"top_k" binding:"gte=0,lte=100"`
	Filter *retrieval.Filter `json:"filter"`
	Weight *float64          `json:"weight"`
	Intent retrieval.Intent  `json:"intent"`

	// K is the RRF constant for /v1/search/fused. Zero uses the configured value.
	K int `json:"k" binding:"gte=0"`
}

type searchResponse struct {
	RequestID string `json:"request_id"`
	*retrieval.SearchResult
}

// toSearchRequest fills in the query vector when the caller sent none. An
// embedding failure leaves the vector empty; the executor then searches by
// text alone.
func (h *handlers) toSearchRequest(ctx context.Context, body searchRequest) retrieval.SearchRequest {
	req := retrieval.SearchRequest{
		Vector: body.Vector,
		Text:   body.Text,
		TopK:   body.TopK,
		Filter: body.Filter,
		Weight: body.Weight,
		Intent: body.Intent,
	}
	if len(req.Vector) == 0 && h.embedder != nil {
		vec, err := h.embedder.Embed(ctx, body.Text)
		if err != nil {
			h.metrics.observeEmbeddingFailure()
			h.logger.Warn("query embedding failed, searching by text only", slog.String("error", err.Error()))
		} else {
			req.Vector = vec
		}
	}
	return req
}

// bindSearchRequest decodes the body and rejects filters that cannot be
// expressed as a backend query. It writes the 400 response itself.
func bindSearchRequest(c *gin.Context, body *searchRequest) bool {
	if err := c.ShouldBindJSON(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	if body.Filter != nil {
		if err := body.Filter.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return false
		}
	}
	return true
}

func (h *handlers) search(c *gin.Context) {
	if h.executor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errSearchDisabled.Error()})
		return
	}
	var body searchRequest
	if !bindSearchRequest(c, &body) {
		return
	}
	ctx := c.Request.Context()
	result := h.executor.HybridSearch(ctx, h.toSearchRequest(ctx, body))
	h.metrics.observeSearch("search", string(result.Mode))
	c.JSON(http.StatusOK, searchResponse{RequestID: uuid.NewString(), SearchResult: result})
}

func (h *handlers) fusedSearch(c *gin.Context) {
	if h.executor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errSearchDisabled.Error()})
		return
	}
	var body searchRequest
	if !bindSearchRequest(c, &body) {
		return
	}
	k := body.K
	if k == 0 {
		k = h.rrfK
	}
	ctx := c.Request.Context()
	result := h.executor.MultiPassSearch(ctx, h.toSearchRequest(ctx, body), k, h.sources...)
	h.metrics.observeSearch("fused", string(result.Mode))
	c.JSON(http.StatusOK, searchResponse{RequestID: uuid.NewString(), SearchResult: result})
}

// -----------------------------------------------------------------------------
// Verification
// -----------------------------------------------------------------------------

type verifyRequest struct {
	Query       string                        `json:"query"`
	Response    string                        `json:"response" binding:"required"`
	Documents   []retrieval.RetrievedDocument `json:"documents"`
	Level       string                        `json:"verification_level"`
	BypassCache bool                          `json:"bypass_cache"`
}

func (h *handlers) verify(c *gin.Context) {
	var body verifyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var level guardrails.VerificationLevel
	if body.Level != "" {
		var err error
		if level, err = guardrails.ParseVerificationLevel(body.Level); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	result := h.verifier.VerifyResponse(c.Request.Context(), guardrails.VerifyRequest{
		Query:       body.Query,
		Response:    body.Response,
		Documents:   body.Documents,
		Level:       level,
		BypassCache: body.BypassCache,
	})
	h.metrics.observeVerification(string(result.Metadata.VerificationLevel), result.IsValid)
	c.JSON(http.StatusOK, result)
}

type quickVerifyRequest struct {
	Response  string                        `json:"response" binding:"required"`
	Documents []retrieval.RetrievedDocument `json:"documents"`
}

func (h *handlers) quickVerify(c *gin.Context) {
	var body quickVerifyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"passed":    guardrails.QuickVerify(body.Response, body.Documents),
		"threshold": guardrails.QuickOverlapThreshold,
	})
}

func (h *handlers) cacheStats(c *gin.Context) {
	stats, ok := h.verifier.CacheStats()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "guardrails cache is disabled"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// -----------------------------------------------------------------------------
// Capabilities and health
// -----------------------------------------------------------------------------

func (h *handlers) capabilities(c *gin.Context) {
	if h.executor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errSearchDisabled.Error()})
		return
	}
	n := h.executor.Negotiator()
	profile := n.Ensure(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"profile": profile, "negotiations": n.Runs()})
}

func (h *handlers) renegotiate(c *gin.Context) {
	if h.executor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errSearchDisabled.Error()})
		return
	}
	n := h.executor.Negotiator()
	profile := n.Renegotiate(c.Request.Context())
	h.logger.Info("capabilities renegotiated on request",
		slog.Int("dimension", profile.Dimension),
		slog.String("stability", string(profile.Stability)))
	c.JSON(http.StatusOK, gin.H{"profile": profile, "negotiations": n.Runs()})
}

func (h *handlers) healthCheck(c *gin.Context) {
	body := gin.H{"status": "ok", "search_enabled": h.executor != nil}
	if h.health != nil {
		for k, v := range h.health() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}
