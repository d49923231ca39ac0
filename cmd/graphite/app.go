// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/graphite/pkg/archive"
	"github.com/AleutianAI/graphite/pkg/chat"
	"github.com/AleutianAI/graphite/pkg/config"
	"github.com/AleutianAI/graphite/pkg/logging"
	"github.com/AleutianAI/graphite/pkg/streaming"
	"github.com/AleutianAI/graphite/pkg/telemetry"
	"github.com/AleutianAI/graphite/pkg/ux"

	_ "github.com/AleutianAI/graphite/pkg/archive/badgerstore"
	_ "github.com/AleutianAI/graphite/pkg/archive/pgstore"
)

// app is everything a command needs, built once per invocation.
type app struct {
	cfg      config.Config
	logger   *logging.Logger
	level    ux.Personality
	out      io.Writer
	renderer *ux.Renderer
	archive  archive.Archive
	tracing  telemetry.Shutdown
}

// newApp loads configuration and applies the persistent flags on top.
func newApp(ctx context.Context, out io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if personalityLevel != "" {
		cfg.UI.Personality = personalityLevel
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	// The terminal belongs to the conversation; logs go to the file unless
	// debugging.
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "graphite",
		JSON:    cfg.Log.JSON,
		Quiet:   level != logging.LevelDebug,
	})

	personality := ux.ParsePersonality(cfg.UI.Personality)
	if f, ok := out.(*os.File); ok {
		personality = ux.Detect(personality, f)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		level:    personality,
		out:      out,
		renderer: ux.NewRenderer(out, personality),
		tracing:  func(context.Context) {},
	}

	switch {
	case traceFile != "":
		a.tracing, err = telemetry.InitFile(ctx, traceFile, cfg.Tracing.ServiceName)
	case cfg.Tracing.Enabled:
		a.tracing, err = telemetry.InitOTLP(ctx, cfg.Tracing)
	}
	if err != nil {
		logger.Close()
		return nil, err
	}
	return a, nil
}

// openArchive opens the configured archive on first use.
func (a *app) openArchive(ctx context.Context) (archive.Archive, error) {
	if a.archive != nil {
		return a.archive, nil
	}
	store, err := archive.Open(ctx, a.cfg.Archive, a.logger.Slog())
	if err != nil {
		return nil, err
	}
	a.archive = store
	return store, nil
}

// orchestrator builds the stream orchestrator for store, recording finished
// turns in the archive.
func (a *app) orchestrator(ctx context.Context, store *chat.Store) (*streaming.Orchestrator, error) {
	recorder, err := a.openArchive(ctx)
	if err != nil {
		return nil, err
	}
	client := a.cfg.Client
	var headers map[string]string
	if client.APIToken != "" {
		headers = map[string]string{"Authorization": "Bearer " + client.APIToken}
	}
	return streaming.New(store, streaming.Config{
		Endpoint:      client.Endpoint,
		Headers:       headers,
		Provider:      client.Provider,
		Model:         client.Model,
		Temperature:   client.Temperature,
		Logger:        a.logger.Slog(),
		Recorder:      recorder,
		RecordTimeout: client.RecordTimeout,
	})
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.tracing(ctx)
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn("Failed to close archive", "error", err)
		}
	}
	a.logger.Close()
}

// withApp adapts a command body to cobra, building and closing the app.
func withApp(run func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, cmd.OutOrStdout())
		if err != nil {
			return fmt.Errorf("startup: %w", err)
		}
		defer a.Close()
		return run(ctx, a, cmd, args)
	}
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }
