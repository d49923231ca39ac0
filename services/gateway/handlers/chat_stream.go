// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the gateway's HTTP endpoints.
//
// # Stream Contract
//
// POST /api/chat/stream answers with an event stream:
//
//	message_start    {id, role:"assistant"}
//	message_delta    {id, delta}            one per provider chunk
//	message_complete {id, content, usage?}
//	done             {session_id}
//
// A provider failure replaces message_complete with error{error, type}; done
// is always the last frame. Rejected requests get a 400 JSON body instead of
// a stream.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/graphite/pkg/archive"
	"github.com/AleutianAI/graphite/pkg/chat"
	"github.com/AleutianAI/graphite/pkg/extensions"
	"github.com/AleutianAI/graphite/services/gateway/datatypes"
	"github.com/AleutianAI/graphite/services/gateway/middleware"
	"github.com/AleutianAI/graphite/services/gateway/observability"
	"github.com/AleutianAI/graphite/services/gateway/provider"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultKeepAlive is the interval between ": ping" comments.
	DefaultKeepAlive = 15 * time.Second

	// defaultPersistTimeout bounds one archive write after a stream.
	defaultPersistTimeout = 5 * time.Second

	// Error types carried in error frames.
	ErrorTypeProvider       = "provider"
	ErrorTypeInvalidRequest = "invalid_request"
)

// =============================================================================
// Handler
// =============================================================================

// ChatStreamConfig configures a ChatStreamHandler.
type ChatStreamConfig struct {
	Providers *provider.Set

	// Archive receives one session record per request. Nil disables
	// persistence.
	Archive archive.Archive

	Metrics *observability.StreamingMetrics
	Logger  *slog.Logger
	Tracer  trace.Tracer

	// KeepAlive defaults to DefaultKeepAlive. Negative disables pings.
	KeepAlive time.Duration

	PersistTimeout time.Duration

	// Extensions supplies the input filter and audit logger. Nil hooks
	// are no-ops.
	Extensions extensions.Options
}

// ChatStreamHandler serves POST /api/chat/stream.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction and each request
// records its turn in its own chat.Store.
type ChatStreamHandler struct {
	providers      *provider.Set
	archive        archive.Archive
	metrics        *observability.StreamingMetrics
	logger         *slog.Logger
	tracer         trace.Tracer
	keepAlive      time.Duration
	persistTimeout time.Duration
	filter         extensions.MessageFilter
	audit          extensions.AuditLogger
	newID          func() string
}

// NewChatStreamHandler builds the handler. Providers is required.
func NewChatStreamHandler(cfg ChatStreamConfig) (*ChatStreamHandler, error) {
	if cfg.Providers == nil {
		return nil, errors.New("handlers: providers are required")
	}
	h := &ChatStreamHandler{
		providers:      cfg.Providers,
		archive:        cfg.Archive,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		tracer:         cfg.Tracer,
		keepAlive:      cfg.KeepAlive,
		persistTimeout: cfg.PersistTimeout,
		newID:          uuid.NewString,
	}
	ext := cfg.Extensions.WithDefaults()
	h.filter = ext.Filter
	h.audit = ext.Audit
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.tracer == nil {
		h.tracer = otel.Tracer("graphite.gateway")
	}
	if h.keepAlive == 0 {
		h.keepAlive = DefaultKeepAlive
	}
	if h.persistTimeout <= 0 {
		h.persistTimeout = defaultPersistTimeout
	}
	return h, nil
}

// HandleChatStream streams one assistant reply for the posted history.
func (h *ChatStreamHandler) HandleChatStream(c *gin.Context) {
	requestID := middleware.GetRequestID(c)
	logger := h.logger.With("request_id", requestID)

	ctx, span := h.tracer.Start(c.Request.Context(), "gateway.HandleChatStream")
	defer span.End()

	event := extensions.AuditEvent{
		Time:      time.Now().UTC(),
		RequestID: requestID,
	}
	if info := middleware.GetAuthInfo(c); info != nil {
		event.Subject = info.Subject
	}

	var req datatypes.ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.reject(c, span, logger, &event, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	event.Provider, event.Model = req.Provider, req.Model
	if err := req.Validate(); err != nil {
		h.reject(c, span, logger, &event, http.StatusBadRequest, err)
		return
	}
	redactions, err := h.filterInput(ctx, &req)
	if err != nil {
		h.reject(c, span, logger, &event, http.StatusInternalServerError, fmt.Errorf("input filter failed: %w", err))
		return
	}
	event.Redactions = redactions
	if len(redactions) > 0 {
		logger.Info("Redacted request content", "redactions", redactions)
	}

	p, providerErr := h.providers.Get(req.Provider)

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	w, err := NewSSEWriter(c.Writer)
	if err != nil {
		logger.Error("Streaming not supported", "error", err)
		span.SetStatus(codes.Error, "no flusher")
		return
	}

	turn, sessionID := h.newTurn(&req)
	logger = logger.With("session_id", sessionID)
	event.SessionID = sessionID

	if providerErr != nil {
		h.metrics.Rejected(req.Provider)
		logger.Warn("Unknown provider", "provider", req.Provider)
		span.SetStatus(codes.Error, "unknown provider")
		h.writeFailure(w, turn, sessionID, fmt.Sprintf("unknown provider %q", req.Provider), ErrorTypeInvalidRequest, logger)
		h.persist(ctx, turn, sessionID, logger)
		event.Outcome = observability.OutcomeRejected
		h.record(ctx, event, logger)
		return
	}

	name := p.Name()
	event.Provider = name
	span.SetAttributes(
		attribute.String("provider", name),
		attribute.String("session_id", sessionID),
		attribute.Int("history_messages", len(req.Messages)),
	)
	finish := h.metrics.StreamStarted(name)
	logger.Info("Stream started", "provider", name, "model", req.Model, "messages", len(req.Messages))

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopPings := h.startKeepAlive(streamCtx, cancel, w)

	messageID := h.newID()
	start := time.Now()
	var content strings.Builder
	var deltas int

	usage, streamErr := func() (*chat.Usage, error) {
		if err := w.WriteStart(messageID); err != nil {
			return nil, err
		}
		_, _ = turn.Apply(sessionID, chat.Action{Kind: chat.ActionStart, MessageID: messageID})
		return p.Stream(streamCtx, provider.Request{
			Model:       req.Model,
			Temperature: req.EffectiveTemperature(),
			Messages:    req.History(),
		}, func(delta string) error {
			if deltas == 0 {
				h.metrics.FirstDelta(name, time.Since(start))
			}
			deltas++
			content.WriteString(delta)
			_, _ = turn.Apply(sessionID, chat.Action{Kind: chat.ActionDelta, Delta: delta})
			return w.WriteDelta(messageID, delta)
		})
	}()
	stopPings()

	outcome := observability.OutcomeComplete
	switch {
	case errors.Is(streamErr, ErrWriterClosed), errors.Is(streamErr, context.Canceled), c.Request.Context().Err() != nil:
		outcome = observability.OutcomeDisconnected
		_, _ = turn.Apply(sessionID, chat.Action{Kind: chat.ActionFinalize})
		logger.Info("Client disconnected", "deltas", deltas)
		span.SetStatus(codes.Error, "client disconnected")

	case streamErr != nil:
		outcome = observability.OutcomeError
		logger.Error("Provider stream failed", "provider", name, "deltas", deltas, "error", streamErr)
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "provider failed")
		h.writeFailure(w, turn, sessionID, "provider stream failed", ErrorTypeProvider, logger)

	default:
		final := content.String()
		h.metrics.Tokens(name, usage)
		_, _ = turn.Apply(sessionID, chat.Action{Kind: chat.ActionComplete, Content: &final, Usage: usage})
		if err := w.WriteComplete(messageID, final, usage); err != nil {
			outcome = observability.OutcomeDisconnected
			logger.Info("Client disconnected before completion", "error", err)
			break
		}
		_, _ = turn.Apply(sessionID, chat.Action{Kind: chat.ActionDone, RemoteSessionID: sessionID})
		if err := w.WriteDone(sessionID); err != nil {
			logger.Debug("Done frame not delivered", "error", err)
		}
		logger.Info("Stream complete", "deltas", deltas, "duration", time.Since(start))
	}
	finish(outcome)

	h.persist(ctx, turn, sessionID, logger)
	event.Outcome = outcome
	event.Duration = time.Since(start)
	h.record(ctx, event, logger)
}

// reject answers a request that never reaches a provider.
func (h *ChatStreamHandler) reject(c *gin.Context, span trace.Span, logger *slog.Logger, event *extensions.AuditEvent, status int, err error) {
	h.metrics.Rejected(event.Provider)
	logger.Warn("Rejected chat stream request", "status", status, "error", err)
	span.SetStatus(codes.Error, "rejected")
	c.JSON(status, datatypes.ErrorResponse{
		Error:     err.Error(),
		RequestID: middleware.GetRequestID(c),
	})
	event.Outcome = observability.OutcomeRejected
	h.record(c.Request.Context(), *event, logger)
}

// filterInput rewrites user messages in place and totals the redactions.
func (h *ChatStreamHandler) filterInput(ctx context.Context, req *datatypes.ChatStreamRequest) (map[string]int, error) {
	var total map[string]int
	for i, m := range req.Messages {
		if m.Role != string(chat.RoleUser) {
			continue
		}
		res, err := h.filter.FilterInput(ctx, m.Content)
		if err != nil {
			return nil, err
		}
		req.Messages[i].Content = res.Content
		for name, n := range res.Redactions {
			if total == nil {
				total = make(map[string]int)
			}
			total[name] += n
		}
	}
	return total, nil
}

// record hands event to the audit logger.
func (h *ChatStreamHandler) record(ctx context.Context, event extensions.AuditEvent, logger *slog.Logger) {
	if err := h.audit.Log(context.WithoutCancel(ctx), event); err != nil {
		logger.Warn("Audit log failed", "error", err)
	}
}

// writeFailure sends error then done, recording the failure on the turn.
func (h *ChatStreamHandler) writeFailure(w SSEWriter, turn *chat.Store, sessionID, text, errType string, logger *slog.Logger) {
	_, _ = turn.Apply(sessionID, chat.Action{Kind: chat.ActionFail, Reason: text, ErrorType: errType})
	if err := w.WriteError(text, errType); err != nil {
		logger.Debug("Error frame not delivered", "error", err)
		return
	}
	_, _ = turn.Apply(sessionID, chat.Action{Kind: chat.ActionDone, RemoteSessionID: sessionID})
	if err := w.WriteDone(sessionID); err != nil {
		logger.Debug("Done frame not delivered", "error", err)
	}
}

// newTurn records the request history in a fresh store. The returned id is
// the session id sent in the done frame.
func (h *ChatStreamHandler) newTurn(req *datatypes.ChatStreamRequest) (*chat.Store, string) {
	store := chat.NewStore(chat.WithIDGenerator(h.newID), chat.WithStoreLogger(h.logger))
	now := time.Now()
	session := chat.Session{
		ID:        h.newID(),
		Title:     chat.DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, m := range req.Messages {
		if m.Role == string(chat.RoleUser) && session.Title == chat.DefaultTitle {
			session.Title = chat.DeriveTitle(m.Content)
		}
		session.Messages = append(session.Messages, chat.Message{
			ID:        fmt.Sprintf("h%d", i),
			Role:      chat.Role(m.Role),
			Content:   m.Content,
			Status:    chat.StatusComplete,
			CreatedAt: now,
		})
	}
	// Import only fails for an empty or duplicate id, neither possible here.
	_ = store.Import(session)
	return store, session.ID
}

// persist saves the turn to the archive. The request context may already be
// cancelled, so the write gets its own deadline.
func (h *ChatStreamHandler) persist(ctx context.Context, turn *chat.Store, sessionID string, logger *slog.Logger) {
	if h.archive == nil {
		return
	}
	session, err := turn.Session(sessionID)
	if err != nil {
		logger.Error("Turn record missing", "error", err)
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.persistTimeout)
	defer cancel()
	if err := h.archive.SaveSession(saveCtx, session); err != nil {
		logger.Error("Failed to persist session", "error", err)
		return
	}
	logger.Debug("Session persisted", "messages", len(session.Messages))
}

// startKeepAlive pings until ctx ends or a write fails, which cancels the
// stream. The returned function stops the pinger and waits for it.
func (h *ChatStreamHandler) startKeepAlive(ctx context.Context, cancel context.CancelFunc, w SSEWriter) func() {
	if h.keepAlive < 0 {
		return func() {}
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := w.WriteKeepAlive(); err != nil {
					cancel()
					return
				}
				h.metrics.KeepAlive()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
}
