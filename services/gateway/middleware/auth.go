// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/graphite/pkg/extensions"
)

const authInfoKey = "graphite_auth_info"

// SetAuthInfo stores the caller identity for downstream handlers.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the identity set by Auth, or nil.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if v, ok := c.Get(authInfoKey); ok {
		if info, ok := v.(*extensions.AuthInfo); ok {
			return info
		}
	}
	return nil
}

// Auth validates the bearer token with provider and stores the caller's
// AuthInfo. Failures answer 401 before the handler runs.
func Auth(provider extensions.AuthProvider, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		info, err := provider.Validate(c.Request.Context(), bearerToken(c))
		if err != nil {
			msg := "authentication failed"
			if errors.Is(err, extensions.ErrUnauthorized) {
				msg = "unauthorized"
			} else {
				logger.Error("Auth provider failed", "request_id", GetRequestID(c), "error", err)
			}
			c.Header("WWW-Authenticate", `Bearer realm="graphite"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":      msg,
				"request_id": GetRequestID(c),
			})
			return
		}
		SetAuthInfo(c, info)
		c.Next()
	}
}

// bearerToken extracts <token> from "Authorization: Bearer <token>".
func bearerToken(c *gin.Context) string {
	scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
