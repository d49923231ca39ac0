// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/AleutianAI/graphite/pkg/chat"
)

// maxErrorBody bounds how much of a failed response is kept for logging.
const maxErrorBody = 4 << 10

var (
	// ErrNoBody is returned when a 2xx response has nothing to read.
	ErrNoBody = errors.New("streaming: response has no body")
)

// HTTPClient is the transport used to issue stream requests.
//
// *http.Client satisfies it. Tests substitute scripted clients.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

// defaultHTTPClient has no overall timeout: a stream lives as long as the
// server keeps writing. Callers bound it through the context.
func defaultHTTPClient() *http.Client {
	return &http.Client{Transport: http.DefaultTransport}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("streaming: server error (%d)", e.Code)
	}
	return fmt.Sprintf("streaming: server error (%d): %s", e.Code, e.Body)
}

// ServerError is the content of an error frame.
type ServerError struct {
	Type    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("streaming: server reported %s error: %s", e.Type, e.Message)
}

// buildRequest encodes the turn's history into a POST request.
func (o *Orchestrator) buildRequest(ctx context.Context, requestID string, session chat.Session) (*http.Request, error) {
	body := chat.StreamRequest{
		Messages:    chat.HistoryFor(session),
		Provider:    o.cfg.Provider,
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Request-ID", requestID)
	for k, v := range o.cfg.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// validateResponse checks status and body. On failure it drains and closes
// the body.
func validateResponse(logger *slog.Logger, resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body []byte
		if resp.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
		}
		logger.Error("Stream request rejected",
			"status_code", resp.StatusCode,
			"response_body", string(body),
		)
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return ErrNoBody
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err != nil || mediaType != "text/event-stream" {
			logger.Warn("Unexpected content type for stream", "content_type", ct)
		}
	}
	return nil
}
