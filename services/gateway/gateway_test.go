// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphite/pkg/archive/badgerstore"
	"github.com/AleutianAI/graphite/pkg/chat"
	"github.com/AleutianAI/graphite/pkg/config"
	"github.com/AleutianAI/graphite/pkg/extensions"
	"github.com/AleutianAI/graphite/pkg/streaming"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Gateway.Addr = "127.0.0.1:0"
	cfg.Gateway.Provider = "echo"
	cfg.Gateway.OpenAIAPIKey = ""
	cfg.Gateway.KeepAlive = 0
	cfg.Gateway.RateLimitRPS = 0
	cfg.Tracing.ServiceName = ""
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildProviders(t *testing.T) {
	set, err := BuildProviders(config.GatewayConfig{Provider: "echo"}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, set.Names())

	set, err = BuildProviders(config.GatewayConfig{Provider: "openai", OpenAIAPIKey: "sk-test"}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "openai"}, set.Names())
	p, err := set.Get("")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = BuildProviders(config.GatewayConfig{Provider: "openai"}, discardLogger())
	assert.Error(t, err)
}

func TestGateway_Endpoints(t *testing.T) {
	gw, err := New(context.Background(), testConfig(), Options{Version: "test", Logger: discardLogger()})
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"), path)
		if path == "/metrics" {
			assert.Contains(t, string(body), "graphite_gateway_active_streams")
		}
	}
}

func TestGateway_EndToEndWithOrchestrator(t *testing.T) {
	store, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	cfg := testConfig()
	cfg.Gateway.Persist = true
	gw, err := New(context.Background(), cfg, Options{Logger: discardLogger(), Archive: store})
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	sessions := chat.NewStore()
	orch, err := streaming.New(sessions, streaming.Config{
		Endpoint: srv.URL + "/api/chat/stream",
		Provider: "echo",
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	defer orch.Close()

	id := sessions.CreateSession()
	result, err := orch.Send(context.Background(), id, "round trip")
	require.NoError(t, err)
	require.Equal(t, streaming.StateCompleted, result.State, "err: %v", result.Err)

	s, err := sessions.Session(id)
	require.NoError(t, err)
	last, ok := s.LastAssistant()
	require.True(t, ok)
	assert.Equal(t, "You said: round trip", last.Content)
	require.NotEmpty(t, s.RemoteID)

	saved, err := store.LoadSession(context.Background(), s.RemoteID)
	require.NoError(t, err)
	assert.Equal(t, "round trip", saved.Title)

	result, err = orch.Send(context.Background(), id, "/fail again")
	require.NoError(t, err)
	assert.Equal(t, streaming.StateErrored, result.State)
	s, _ = sessions.Session(id)
	last, _ = s.LastAssistant()
	assert.Equal(t, chat.FallbackText, last.Content)
}

func TestGateway_RunAndShutdown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cfg := testConfig()
	cfg.Gateway.Addr = addr
	gw, err := New(context.Background(), cfg, Options{Logger: discardLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestBuildExtensions(t *testing.T) {
	opts := BuildExtensions(config.GatewayConfig{}, discardLogger())
	assert.IsType(t, extensions.NopAuthProvider{}, opts.Auth)
	assert.IsType(t, extensions.NopMessageFilter{}, opts.Filter)
	assert.IsType(t, extensions.NopAuditLogger{}, opts.Audit)

	opts = BuildExtensions(config.GatewayConfig{
		APITokens:   []string{"t1"},
		RedactInput: true,
		Audit:       true,
	}, discardLogger())
	assert.IsType(t, &extensions.StaticTokens{}, opts.Auth)
	assert.IsType(t, &extensions.RedactFilter{}, opts.Filter)
	assert.IsType(t, &extensions.SlogAuditLogger{}, opts.Audit)
}

func TestGateway_BearerAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.APITokens = []string{"let-me-in"}
	gw, err := New(context.Background(), cfg, Options{Logger: discardLogger()})
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	send := func(headers map[string]string) streaming.Result {
		sessions := chat.NewStore()
		orch, err := streaming.New(sessions, streaming.Config{
			Endpoint: srv.URL + "/api/chat/stream",
			Headers:  headers,
			Logger:   discardLogger(),
		})
		require.NoError(t, err)
		defer orch.Close()
		result, err := orch.Send(context.Background(), sessions.CreateSession(), "hello")
		require.NoError(t, err)
		return result
	}

	result := send(nil)
	assert.Equal(t, streaming.StateErrored, result.State)
	var status *streaming.StatusError
	require.ErrorAs(t, result.Err, &status)
	assert.Equal(t, http.StatusUnauthorized, status.Code)

	result = send(map[string]string{"Authorization": "Bearer let-me-in"})
	assert.Equal(t, streaming.StateCompleted, result.State, "err: %v", result.Err)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays open")
}
