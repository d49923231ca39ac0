// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"time"
)

// Config is the full Graphite configuration shared by the CLI and gateway.
type Config struct {
	// Client: where and how the CLI streams turns
	Client ClientConfig `yaml:"client"`

	// Log: level, directory, and format
	Log LogConfig `yaml:"log"`

	// Archive: where sessions are saved between runs
	Archive ArchiveConfig `yaml:"archive"`

	// UI: terminal rendering
	UI UIConfig `yaml:"ui"`

	// Tracing: OpenTelemetry export
	Tracing TracingConfig `yaml:"tracing"`

	// Export: transcript destinations
	Export ExportConfig `yaml:"export"`

	// Gateway: the reference streaming server
	Gateway GatewayConfig `yaml:"gateway"`
}

type ClientConfig struct {
	Endpoint      string        `yaml:"endpoint" env:"GRAPHITE_ENDPOINT" validate:"required,url"`
	Provider      string        `yaml:"provider,omitempty" env:"GRAPHITE_PROVIDER"`
	Model         string        `yaml:"model,omitempty" env:"GRAPHITE_MODEL"`
	Temperature   float64       `yaml:"temperature" env:"GRAPHITE_TEMPERATURE" validate:"gte=0,lte=2"`
	RecordTimeout time.Duration `yaml:"record_timeout" validate:"gte=0"`

	// APIToken is sent as a bearer token when set.
	APIToken string `yaml:"-" env:"GRAPHITE_API_TOKEN"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"GRAPHITE_LOG_LEVEL" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty" env:"GRAPHITE_LOG_DIR"`
	JSON  bool   `yaml:"json"`
}

type ArchiveConfig struct {
	// Backend is one of "none", "badger", "postgres".
	Backend     string `yaml:"backend" env:"GRAPHITE_ARCHIVE" validate:"oneof=none badger postgres"`
	Path        string `yaml:"path,omitempty" env:"GRAPHITE_ARCHIVE_PATH" validate:"required_if=Backend badger"`
	DatabaseURL string `yaml:"database_url,omitempty" env:"DATABASE_URL" validate:"required_if=Backend postgres"`
}

type UIConfig struct {
	Personality string `yaml:"personality" env:"GRAPHITE_PERSONALITY" validate:"oneof=full standard minimal machine"`
}

type TracingConfig struct {
	Enabled      bool   `yaml:"enabled" env:"GRAPHITE_TRACING"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name" validate:"required"`
}

type ExportConfig struct {
	Bucket          string `yaml:"bucket,omitempty" env:"GRAPHITE_EXPORT_BUCKET"`
	Prefix          string `yaml:"prefix,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	Dir             string `yaml:"dir" validate:"required"`
}

type GatewayConfig struct {
	Addr          string `yaml:"addr" env:"GRAPHITE_GATEWAY_ADDR" validate:"required"`
	Provider      string `yaml:"provider" env:"GRAPHITE_GATEWAY_PROVIDER" validate:"oneof=openai echo"`
	OpenAIAPIKey  string `yaml:"-" env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `yaml:"openai_base_url,omitempty" env:"OPENAI_BASE_URL" validate:"omitempty,url"`
	DefaultModel  string `yaml:"default_model" env:"GRAPHITE_GATEWAY_MODEL"`
	CORSOrigin    string `yaml:"cors_origin,omitempty" env:"GRAPHITE_CORS_ORIGIN"`

	// APITokens enables bearer auth on /api when non-empty.
	APITokens   []string `yaml:"-" env:"GRAPHITE_API_TOKENS" envSeparator:","`
	RedactInput bool     `yaml:"redact_input" env:"GRAPHITE_REDACT_INPUT"`
	Audit       bool     `yaml:"audit" env:"GRAPHITE_AUDIT"`

	// RateLimitRPS of zero disables rate limiting.
	RateLimitRPS   float64       `yaml:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int           `yaml:"rate_limit_burst" validate:"gte=0"`
	KeepAlive      time.Duration `yaml:"keepalive" validate:"gte=0"`
	Persist        bool          `yaml:"persist"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		Client: ClientConfig{
			Endpoint:      "http://localhost:12210/api/chat/stream",
			Provider:      "echo",
			Temperature:   0.2,
			RecordTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			Dir:   "~/.graphite/logs",
		},
		Archive: ArchiveConfig{
			Backend: "badger",
			Path:    "~/.graphite/sessions",
		},
		UI: UIConfig{Personality: "standard"},
		Tracing: TracingConfig{
			ServiceName: "graphite",
			Insecure:    true,
		},
		Export: ExportConfig{
			Prefix: "transcripts",
			Dir:    "~/.graphite/exports",
		},
		Gateway: GatewayConfig{
			Addr:           ":12210",
			Provider:       "echo",
			DefaultModel:   "gpt-4o-mini",
			RateLimitRPS:   5,
			RateLimitBurst: 10,
			KeepAlive:      15 * time.Second,
		},
	}
}
