// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/graphite/pkg/extensions"
	"github.com/AleutianAI/graphite/services/gateway/handlers"
	"github.com/AleutianAI/graphite/services/gateway/middleware"
	"github.com/AleutianAI/graphite/services/gateway/observability"
)

// Deps are the handlers and middleware settings the router needs.
type Deps struct {
	ServiceName string
	Stream      *handlers.ChatStreamHandler
	Health      *handlers.HealthHandler
	Gatherer    prometheus.Gatherer
	Metrics     *observability.StreamingMetrics
	Limiter     *middleware.RateLimiter
	CORSOrigin  string
	Logger      *slog.Logger

	// Auth guards /api. Nil leaves it open.
	Auth extensions.AuthProvider
}

func SetupRoutes(router *gin.Engine, d Deps) {
	router.Use(middleware.RequestID())
	if d.ServiceName != "" {
		router.Use(otelgin.Middleware(d.ServiceName))
	}
	router.Use(middleware.CORS(d.CORSOrigin))

	router.GET("/health", d.Health.Health)
	router.GET("/ready", d.Health.Ready)
	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	var onLimited func()
	if d.Metrics != nil {
		onLimited = d.Metrics.RateLimited
	}
	api := router.Group("/api")
	api.Use(middleware.RateLimit(d.Limiter, d.Logger, onLimited))
	if d.Auth != nil {
		api.Use(middleware.Auth(d.Auth, d.Logger))
	}
	{
		api.POST("/chat/stream", d.Stream.HandleChatStream)
	}
}
