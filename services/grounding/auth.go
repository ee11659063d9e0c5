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
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianGrounding/pkg/auth"
	"github.com/gin-gonic/gin"
)

const principalKey = "grounding.principal"

// Authenticate resolves the caller from "Authorization: Bearer <key>" or
// "X-API-Key" and stores it on the context. A nil provider admits everyone.
func Authenticate(provider auth.Provider, logger *slog.Logger) gin.HandlerFunc {
	if provider == nil {
		provider = auth.NopProvider{}
	}
	return func(c *gin.Context) {
		token := c.GetHeader("X-API-Key")
		if h := c.GetHeader("Authorization"); token == "" && h != "" {
			scheme, rest, ok := strings.Cut(h, " ")
			if ok && strings.EqualFold(scheme, "Bearer") {
				token = rest
			}
		}
		p, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, auth.ErrUnauthorized) {
				status = http.StatusUnauthorized
			}
			logger.Debug("request rejected", slog.String("route", c.FullPath()), slog.String("error", err.Error()))
			c.AbortWithStatusJSON(status, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// RequireRole rejects callers without role with 403. It must run after
// Authenticate.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, _ := c.Get(principalKey)
		p, _ := v.(*auth.Principal)
		if !p.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "requires role " + role})
			return
		}
		c.Next()
	}
}
