// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphite/pkg/archive"
	"github.com/AleutianAI/graphite/pkg/archive/badgerstore"
	"github.com/AleutianAI/graphite/pkg/chat"
	"github.com/AleutianAI/graphite/pkg/extensions"
	"github.com/AleutianAI/graphite/pkg/sse"
	"github.com/AleutianAI/graphite/services/gateway/datatypes"
	"github.com/AleutianAI/graphite/services/gateway/middleware"
	"github.com/AleutianAI/graphite/services/gateway/observability"
	"github.com/AleutianAI/graphite/services/gateway/provider"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router  *gin.Engine
	metrics *observability.StreamingMetrics
	store   *badgerstore.Store
}

func newTestEnv(t *testing.T, keepAlive time.Duration, providers ...provider.Provider) *testEnv {
	t.Helper()
	if len(providers) == 0 {
		providers = []provider.Provider{&provider.Echo{}}
	}
	store, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics := observability.NewStreamingMetrics(prometheus.NewRegistry())
	h, err := NewChatStreamHandler(ChatStreamConfig{
		Providers: provider.NewSet(providers...),
		Archive:   store,
		Metrics:   metrics,
		KeepAlive: keepAlive,
	})
	require.NoError(t, err)

	router := gin.New()
	router.Use(middleware.RequestID())
	router.POST("/api/chat/stream", h.HandleChatStream)
	return &testEnv{router: router, metrics: metrics, store: store}
}

func (e *testEnv) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func readFrames(t *testing.T, body string) []sse.Frame {
	t.Helper()
	var frames []sse.Frame
	for f, err := range sse.NewReader(strings.NewReader(body)).All() {
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

func events(frames []sse.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

// slowProvider emits one chunk and then blocks until cancelled.
type slowProvider struct {
	started chan struct{}
}

func (p *slowProvider) Name() string { return "slow" }

func (p *slowProvider) Stream(ctx context.Context, _ provider.Request, emit func(string) error) (*chat.Usage, error) {
	if err := emit("partial"); err != nil {
		return nil, err
	}
	close(p.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

// =============================================================================
// Success Tests
// =============================================================================

func TestHandleChatStream_Success(t *testing.T) {
	env := newTestEnv(t, -1)

	w := env.post(t, `{"messages":[{"role":"user","content":"hello world"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	frames := readFrames(t, w.Body.String())
	assert.Equal(t, []string{
		chat.EventMessageStart,
		chat.EventMessageDelta, chat.EventMessageDelta, chat.EventMessageDelta, chat.EventMessageDelta,
		chat.EventMessageComplete,
		chat.EventDone,
	}, events(frames))

	var start chat.StartPayload
	require.NoError(t, frames[0].Decode(&start))
	assert.Equal(t, chat.RoleAssistant, start.Role)
	require.NotEmpty(t, start.ID)

	var complete chat.CompletePayload
	require.NoError(t, frames[5].Decode(&complete))
	assert.Equal(t, start.ID, complete.ID)
	require.NotNil(t, complete.Content)
	assert.Equal(t, "You said: hello world", *complete.Content)
	require.NotNil(t, complete.Usage)

	var done chat.DonePayload
	require.NoError(t, frames[6].Decode(&done))
	require.NotEmpty(t, done.SessionID)

	saved, err := env.store.LoadSession(context.Background(), done.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", saved.Title)
	assert.Equal(t, done.SessionID, saved.RemoteID)
	require.Len(t, saved.Messages, 2)
	assert.Equal(t, chat.StatusComplete, saved.Messages[1].Status)
	assert.Equal(t, "You said: hello world", saved.Messages[1].Content)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RequestsTotal.WithLabelValues("echo", observability.OutcomeComplete)))
}

func TestHandleChatStream_ClientInterpretsFrames(t *testing.T) {
	env := newTestEnv(t, -1)
	w := env.post(t, `{"messages":[{"role":"user","content":"ping"}],"temperature":0}`)

	store := chat.NewStore()
	id := store.CreateSession()
	for _, f := range readFrames(t, w.Body.String()) {
		action, err := chat.Interpret(f)
		require.NoError(t, err)
		_, err = store.Apply(id, action)
		require.NoError(t, err)
	}

	s, err := store.Session(id)
	require.NoError(t, err)
	last, ok := s.LastAssistant()
	require.True(t, ok)
	assert.Equal(t, chat.StatusComplete, last.Status)
	assert.Equal(t, "You said: ping", last.Content)
	assert.NotEmpty(t, s.RemoteID)
}

// =============================================================================
// Failure Tests
// =============================================================================

func TestHandleChatStream_InvalidRequests(t *testing.T) {
	env := newTestEnv(t, -1)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed json", `{"messages":`, "invalid request body"},
		{"no messages", `{"messages":[]}`, "Messages"},
		{"bad role", `{"messages":[{"role":"system","content":"x"}]}`, "Role"},
		{"temperature", `{"messages":[{"role":"user","content":"x"}],"temperature":3}`, "Temperature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.post(t, tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

			var resp datatypes.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Contains(t, resp.Error, tt.want)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestHandleChatStream_UnknownProvider(t *testing.T) {
	env := newTestEnv(t, -1)

	w := env.post(t, `{"messages":[{"role":"user","content":"hi"}],"provider":"nope"}`)
	require.Equal(t, http.StatusOK, w.Code)

	frames := readFrames(t, w.Body.String())
	assert.Equal(t, []string{chat.EventError, chat.EventDone}, events(frames))

	var payload chat.ErrorPayload
	require.NoError(t, frames[0].Decode(&payload))
	assert.Equal(t, ErrorTypeInvalidRequest, payload.Type)
	assert.Contains(t, payload.Error, "nope")
}

func TestHandleChatStream_ProviderFailure(t *testing.T) {
	env := newTestEnv(t, -1)

	w := env.post(t, `{"messages":[{"role":"user","content":"/fail now"}]}`)
	frames := readFrames(t, w.Body.String())
	assert.Equal(t, []string{chat.EventMessageStart, chat.EventMessageDelta, chat.EventError, chat.EventDone}, events(frames))

	var payload chat.ErrorPayload
	require.NoError(t, frames[2].Decode(&payload))
	assert.Equal(t, ErrorTypeProvider, payload.Type)

	var done chat.DonePayload
	require.NoError(t, frames[3].Decode(&done))
	saved, err := env.store.LoadSession(context.Background(), done.SessionID)
	require.NoError(t, err)
	last, ok := saved.LastAssistant()
	require.True(t, ok)
	assert.Equal(t, chat.StatusErrored, last.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RequestsTotal.WithLabelValues("echo", observability.OutcomeError)))
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestHandleChatStream_KeepAlive(t *testing.T) {
	slow := &slowProvider{started: make(chan struct{})}
	env := newTestEnv(t, 10*time.Millisecond, slow)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/chat/stream",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	sawPing := false
	for scanner.Scan() {
		if scanner.Text() == ": ping" {
			sawPing = true
			break
		}
	}
	assert.True(t, sawPing)
}

func TestHandleChatStream_ClientDisconnect(t *testing.T) {
	slow := &slowProvider{started: make(chan struct{})}
	env := newTestEnv(t, -1, slow)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/chat/stream",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	<-slow.started
	cancel()
	resp.Body.Close()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.RequestsTotal.WithLabelValues("slow", observability.OutcomeDisconnected)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var list []archive.Summary
	assert.Eventually(t, func() bool {
		list, err = env.store.ListSessions(context.Background())
		return err == nil && len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)
	saved, err := env.store.LoadSession(context.Background(), list[0].ID)
	require.NoError(t, err)
	last, _ := saved.LastAssistant()
	assert.Equal(t, "partial", last.Content)
	assert.Equal(t, chat.StatusComplete, last.Status)
}

// brokenPipeWriter accepts limit writes and fails every write after them.
type brokenPipeWriter struct {
	*httptest.ResponseRecorder
	limit int
	calls int
}

func (w *brokenPipeWriter) Write(b []byte) (int, error) {
	w.calls++
	if w.calls > w.limit {
		return 0, syscall.EPIPE
	}
	return w.ResponseRecorder.Write(b)
}

func TestHandleChatStream_WriteFailureIsDisconnect(t *testing.T) {
	env := newTestEnv(t, -1)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream",
		strings.NewReader(`{"messages":[{"role":"user","content":"one two three four"}]}`))
	req.Header.Set("Content-Type", "application/json")
	w := &brokenPipeWriter{ResponseRecorder: httptest.NewRecorder(), limit: 2}
	env.router.ServeHTTP(w, req)
	require.NoError(t, req.Context().Err())

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RequestsTotal.WithLabelValues("echo", observability.OutcomeDisconnected)))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.RequestsTotal.WithLabelValues("echo", observability.OutcomeError)))
	assert.Equal(t, 3, w.calls, "nothing is written after the first failure")
	assert.Equal(t, []string{chat.EventMessageStart, chat.EventMessageDelta}, events(readFrames(t, w.Body.String())))

	list, err := env.store.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	saved, err := env.store.LoadSession(context.Background(), list[0].ID)
	require.NoError(t, err)
	last, ok := saved.LastAssistant()
	require.True(t, ok)
	assert.Equal(t, "You said: ", last.Content)
	assert.Equal(t, chat.StatusComplete, last.Status)
}

func TestSSEWriter_FirstFailureWrapsErrWriterClosed(t *testing.T) {
	w, err := NewSSEWriter(&brokenPipeWriter{ResponseRecorder: httptest.NewRecorder()})
	require.NoError(t, err)

	err = w.WriteDelta("m1", "hi")
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.ErrorIs(t, err, syscall.EPIPE)
	assert.ErrorIs(t, w.WriteKeepAlive(), ErrWriterClosed)
	assert.Zero(t, w.Frames())

	w, err = NewSSEWriter(&brokenPipeWriter{ResponseRecorder: httptest.NewRecorder()})
	require.NoError(t, err)
	err = w.WriteKeepAlive()
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.ErrorIs(t, err, syscall.EPIPE)
}

func TestNewChatStreamHandler_RequiresProviders(t *testing.T) {
	_, err := NewChatStreamHandler(ChatStreamConfig{})
	assert.Error(t, err)
}

// =============================================================================
// Policy Hook Tests
// =============================================================================

type recordingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, e extensions.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) all() []extensions.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]extensions.AuditEvent(nil), r.events...)
}

func TestHandleChatStream_RedactsAndAudits(t *testing.T) {
	store, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	audit := &recordingAudit{}
	h, err := NewChatStreamHandler(ChatStreamConfig{
		Providers: provider.NewSet(&provider.Echo{}),
		Archive:   store,
		KeepAlive: -1,
		Extensions: extensions.Options{
			Filter: extensions.NewRedactFilter(),
			Audit:  audit,
		},
	})
	require.NoError(t, err)

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Auth(extensions.NewStaticTokens("secret"), nil))
	router.POST("/api/chat/stream", h.HandleChatStream)

	send := func(token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := send("", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, audit.all(), "unauthenticated requests never reach the handler")

	w = send("secret", `{"messages":[{"role":"user","content":"mail ada@example.com"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	frames := readFrames(t, w.Body.String())
	var complete chat.CompletePayload
	require.NoError(t, frames[len(frames)-2].Decode(&complete))
	require.NotNil(t, complete.Content)
	assert.Equal(t, "You said: mail [REDACTED:email]", *complete.Content)

	var done chat.DonePayload
	require.NoError(t, frames[len(frames)-1].Decode(&done))
	saved, err := store.LoadSession(context.Background(), done.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "mail [REDACTED:email]", saved.Messages[0].Content)

	w = send("secret", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	logged := audit.all()
	require.Len(t, logged, 2)
	assert.Equal(t, "token-1", logged[0].Subject)
	assert.Equal(t, "echo", logged[0].Provider)
	assert.Equal(t, done.SessionID, logged[0].SessionID)
	assert.Equal(t, observability.OutcomeComplete, logged[0].Outcome)
	assert.Equal(t, map[string]int{"email": 1}, logged[0].Redactions)
	assert.NotEmpty(t, logged[0].RequestID)

	assert.Equal(t, observability.OutcomeRejected, logged[1].Outcome)
	assert.Empty(t, logged[1].SessionID)
}
