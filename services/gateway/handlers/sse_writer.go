// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/graphite/pkg/chat"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes stream frames to an HTTP response.
//
// # Description
//
// Each frame is written as one "event: <tag>" line, one "data: <json>" line
// and a blank line, then flushed. Keep-alives are ": ping" comments.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The keep-alive ticker
// writes from its own goroutine.
type SSEWriter interface {
	// WriteFrame writes one frame with payload marshaled as JSON.
	WriteFrame(event string, payload any) error

	WriteStart(messageID string) error
	WriteDelta(messageID, delta string) error
	WriteComplete(messageID, content string, usage *chat.Usage) error
	WriteError(errMsg, errType string) error
	WriteDone(sessionID string) error

	// WriteKeepAlive writes a comment frame. Clients ignore it.
	WriteKeepAlive() error

	// Frames returns how many frames have been written, keep-alives excluded.
	Frames() int
}

// ErrWriterClosed is wrapped by the first failed write and returned by every
// write after it. The client is gone.
var ErrWriterClosed = errors.New("sse: writer closed")

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	frames  int
	broken  bool
}

// NewSSEWriter wraps w. Set headers with SetSSEHeaders first.
//
// # Outputs
//
//   - SSEWriter: Ready to write frames.
//   - error: Non-nil if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteFrame(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return ErrWriterClosed
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		w.broken = true
		return fmt.Errorf("write %s frame: %w: %w", event, ErrWriterClosed, err)
	}
	w.flusher.Flush()
	w.frames++
	return nil
}

func (w *sseWriter) WriteStart(messageID string) error {
	return w.WriteFrame(chat.EventMessageStart, chat.StartPayload{ID: messageID, Role: chat.RoleAssistant})
}

func (w *sseWriter) WriteDelta(messageID, delta string) error {
	return w.WriteFrame(chat.EventMessageDelta, chat.DeltaPayload{ID: messageID, Delta: delta})
}

func (w *sseWriter) WriteComplete(messageID, content string, usage *chat.Usage) error {
	return w.WriteFrame(chat.EventMessageComplete, chat.CompletePayload{ID: messageID, Content: &content, Usage: usage})
}

func (w *sseWriter) WriteError(errMsg, errType string) error {
	return w.WriteFrame(chat.EventError, chat.ErrorPayload{Error: errMsg, Type: errType})
}

func (w *sseWriter) WriteDone(sessionID string) error {
	return w.WriteFrame(chat.EventDone, chat.DonePayload{SessionID: sessionID})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return ErrWriterClosed
	}
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		w.broken = true
		return fmt.Errorf("write keepalive: %w: %w", ErrWriterClosed, err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders sets the headers of an event stream response. Call before
// the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
