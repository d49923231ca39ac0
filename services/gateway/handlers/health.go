// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/graphite/pkg/archive"
	"github.com/AleutianAI/graphite/services/gateway/datatypes"
	"github.com/AleutianAI/graphite/services/gateway/provider"
)

// pinger is implemented by archives that can check their connection.
type pinger interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// HealthHandler serves /health and /ready.
type HealthHandler struct {
	Version     string
	Providers   *provider.Set
	ArchiveName string

	// Archive is pinged by /ready when it supports Ping.
	Archive archive.Archive
}

// Health reports liveness only.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.HealthResponse{Status: "healthy", Version: h.Version})
}

// Ready reports the configured providers and fails with 503 when there are
// none or the archive is unreachable.
func (h *HealthHandler) Ready(c *gin.Context) {
	resp := datatypes.HealthResponse{Status: "ready", Version: h.Version, Archive: h.ArchiveName}
	if h.Providers != nil {
		resp.Providers = h.Providers.Names()
	}
	if len(resp.Providers) == 0 {
		resp.Status = "no providers configured"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	if p, ok := h.Archive.(pinger); ok {
		if err := p.Ping(c.Request.Context(), 2*time.Second); err != nil {
			resp.Status = "archive unavailable"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}
