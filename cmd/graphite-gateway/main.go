// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/graphite/pkg/config"
	"github.com/AleutianAI/graphite/pkg/logging"
	"github.com/AleutianAI/graphite/pkg/telemetry"
	"github.com/AleutianAI/graphite/services/gateway"

	_ "github.com/AleutianAI/graphite/pkg/archive/badgerstore"
	_ "github.com/AleutianAI/graphite/pkg/archive/pgstore"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.graphite/config.yaml)")
	addr := flag.String("addr", "", "listen address, overrides gateway.addr")
	flag.Parse()

	cfg, err := config.Init(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Gateway.Addr = *addr
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "graphite-gateway",
		JSON:    true,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.ServiceName == "graphite" {
		cfg.Tracing.ServiceName = "graphite-gateway"
	}
	shutdown, err := telemetry.InitOTLP(ctx, cfg.Tracing)
	if err != nil {
		logger.Error("Tracing disabled", "error", err)
	} else {
		defer shutdown(context.Background())
	}

	gw, err := gateway.New(ctx, cfg, gateway.Options{Version: version, Logger: logger.Slog()})
	if err != nil {
		logger.Error("Failed to start gateway", "error", err)
		os.Exit(1)
	}
	if err := gw.Run(ctx); err != nil {
		logger.Error("Gateway stopped", "error", err)
		os.Exit(1)
	}
}
