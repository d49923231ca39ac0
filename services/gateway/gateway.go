// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway assembles the reference streaming server: providers,
// optional session persistence, metrics, tracing and the gin router.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/graphite/pkg/archive"
	"github.com/AleutianAI/graphite/pkg/config"
	"github.com/AleutianAI/graphite/pkg/extensions"
	"github.com/AleutianAI/graphite/services/gateway/handlers"
	"github.com/AleutianAI/graphite/services/gateway/middleware"
	"github.com/AleutianAI/graphite/services/gateway/observability"
	"github.com/AleutianAI/graphite/services/gateway/provider"
	"github.com/AleutianAI/graphite/services/gateway/routes"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
	limiterIdle     = 10 * time.Minute
)

// Gateway is a configured, not yet listening server.
type Gateway struct {
	server   *http.Server
	router   *gin.Engine
	archive  archive.Archive
	limiter  *middleware.RateLimiter
	registry *prometheus.Registry
	logger   *slog.Logger
}

// Options carries what New cannot read from config.
type Options struct {
	Version string
	Logger  *slog.Logger

	// Providers replaces the providers built from config. Tests use it.
	Providers *provider.Set

	// Archive replaces the archive opened from config when Persist is set.
	Archive archive.Archive

	// Extensions replaces the hooks built from config. Nil hooks fall back
	// to the config ones.
	Extensions extensions.Options
}

// New builds the gateway from cfg.
func New(ctx context.Context, cfg config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gw := cfg.Gateway

	providers := opts.Providers
	if providers == nil {
		var err error
		providers, err = BuildProviders(gw, logger)
		if err != nil {
			return nil, err
		}
	}

	var store archive.Archive
	archiveName := "none"
	if gw.Persist {
		archiveName = cfg.Archive.Backend
		store = opts.Archive
		if store == nil {
			var err error
			store, err = archive.Open(ctx, cfg.Archive, logger)
			if err != nil {
				return nil, fmt.Errorf("open archive: %w", err)
			}
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewStreamingMetrics(registry)

	keepAlive := gw.KeepAlive
	if keepAlive == 0 {
		keepAlive = -1
	}
	ext := mergeExtensions(opts.Extensions, BuildExtensions(gw, logger))
	stream, err := handlers.NewChatStreamHandler(handlers.ChatStreamConfig{
		Providers:  providers,
		Archive:    store,
		Metrics:    metrics,
		Logger:     logger,
		Tracer:     otel.Tracer("graphite.gateway"),
		KeepAlive:  keepAlive,
		Extensions: ext,
	})
	if err != nil {
		return nil, err
	}

	limiter := middleware.NewRateLimiter(gw.RateLimitRPS, gw.RateLimitBurst, limiterIdle)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, routes.Deps{
		ServiceName: cfg.Tracing.ServiceName,
		Stream:      stream,
		Health: &handlers.HealthHandler{
			Version:     opts.Version,
			Providers:   providers,
			ArchiveName: archiveName,
			Archive:     store,
		},
		Gatherer:   registry,
		Metrics:    metrics,
		Limiter:    limiter,
		CORSOrigin: gw.CORSOrigin,
		Logger:     logger,
		Auth:       ext.Auth,
	})

	return &Gateway{
		server: &http.Server{
			Addr:              gw.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		router:   router,
		archive:  store,
		limiter:  limiter,
		registry: registry,
		logger:   logger,
	}, nil
}

// BuildProviders creates echo, plus openai when a key is configured, and
// selects cfg.Provider as the default.
func BuildProviders(cfg config.GatewayConfig, logger *slog.Logger) (*provider.Set, error) {
	set := provider.NewSet(&provider.Echo{})
	if cfg.OpenAIAPIKey != "" {
		p, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			DefaultModel: cfg.DefaultModel,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		set.Add(p)
	}
	if cfg.Provider != "" {
		if err := set.SetDefault(cfg.Provider); err != nil {
			return nil, fmt.Errorf("default provider %q: %w (is OPENAI_API_KEY set?)", cfg.Provider, err)
		}
	}
	logger.Info("Providers configured", "providers", set.Names(), "default", cfg.Provider)
	return set, nil
}

// BuildExtensions turns the gateway config into policy hooks: bearer tokens
// when APITokens is set, PII redaction when RedactInput is set and an audit
// log when Audit is set.
func BuildExtensions(cfg config.GatewayConfig, logger *slog.Logger) extensions.Options {
	opts := extensions.DefaultOptions()
	if tokens := extensions.NewStaticTokens(cfg.APITokens...); tokens.Len() > 0 {
		opts = opts.WithAuth(tokens)
	}
	if cfg.RedactInput {
		opts = opts.WithFilter(extensions.NewRedactFilter())
	}
	if cfg.Audit {
		opts = opts.WithAudit(extensions.NewSlogAuditLogger(logger.With("component", "audit")))
	}
	logger.Info("Policy hooks configured",
		"auth", fmt.Sprintf("%T", opts.Auth),
		"redact_input", cfg.RedactInput,
		"audit", cfg.Audit,
	)
	return opts
}

// mergeExtensions prefers the hooks set in override.
func mergeExtensions(override, base extensions.Options) extensions.Options {
	if override.Auth != nil {
		base.Auth = override.Auth
	}
	if override.Filter != nil {
		base.Filter = override.Filter
	}
	if override.Audit != nil {
		base.Audit = override.Audit
	}
	return base
}

// Handler returns the router. Tests serve it with httptest.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Registry returns the metrics registry.
func (g *Gateway) Registry() *prometheus.Registry {
	return g.registry
}

// Run serves until ctx is cancelled, then shuts down gracefully and closes
// the archive.
func (g *Gateway) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.logger.Info("Gateway listening", "addr", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				g.logger.Debug("Rate limiter swept", "clients", g.limiter.Sweep())
			}
		}
	})

	group.Go(func() error {
		<-ctx.Done()
		g.logger.Info("Gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	if g.archive != nil {
		if cerr := g.archive.Close(); cerr != nil {
			g.logger.Error("Failed to close archive", "error", cerr)
		}
	}
	return err
}
