// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent records one finished gateway stream.
type AuditEvent struct {
	Time      time.Time
	Subject   string
	RequestID string
	SessionID string
	Provider  string
	Model     string

	// Outcome is one of the gateway's stream outcomes: complete, error,
	// disconnected or rejected.
	Outcome string

	Redactions map[string]int
	Duration   time.Duration
}

// AuditLogger receives audit events. Log must not block the stream for
// long; failures are logged by the caller and otherwise ignored.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards events.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// SlogAuditLogger writes events as structured log records under the
// "audit" group.
type SlogAuditLogger struct {
	logger *slog.Logger
}

func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

func (l *SlogAuditLogger) Log(ctx context.Context, e AuditEvent) error {
	attrs := []any{
		slog.Time("time", e.Time),
		slog.String("subject", e.Subject),
		slog.String("request_id", e.RequestID),
		slog.String("session_id", e.SessionID),
		slog.String("provider", e.Provider),
		slog.String("model", e.Model),
		slog.String("outcome", e.Outcome),
		slog.Duration("duration", e.Duration),
	}
	if len(e.Redactions) > 0 {
		attrs = append(attrs, slog.Any("redactions", e.Redactions))
	}
	l.logger.InfoContext(ctx, "Stream audited", slog.Group("audit", attrs...))
	return nil
}
