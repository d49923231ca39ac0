// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Defaults(t *testing.T) {
	opts := Options{}.WithDefaults()
	assert.IsType(t, NopAuthProvider{}, opts.Auth)
	assert.IsType(t, NopMessageFilter{}, opts.Filter)
	assert.IsType(t, NopAuditLogger{}, opts.Audit)

	tokens := NewStaticTokens("a")
	opts = DefaultOptions().WithAuth(tokens)
	assert.Same(t, tokens, opts.Auth)
	assert.IsType(t, NopMessageFilter{}, opts.Filter)
}

func TestNopAuthProvider(t *testing.T) {
	info, err := NopAuthProvider{}.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, LocalSubject, info.Subject)
}

func TestStaticTokens(t *testing.T) {
	p := NewStaticTokens("alpha", "", "beta")
	assert.Equal(t, 2, p.Len())
	ctx := context.Background()

	info, err := p.Validate(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, "token-2", info.Subject)

	for _, token := range []string{"", "gamma", "alph"} {
		_, err := p.Validate(ctx, token)
		assert.ErrorIs(t, err, ErrUnauthorized, token)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Validate(cancelled, "alpha")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedactFilter(t *testing.T) {
	f := NewRedactFilter()
	tests := []struct {
		name  string
		input string
		want  string
		found map[string]int
	}{
		{
			name:  "clean",
			input: "what is the capital of France?",
			want:  "what is the capital of France?",
		},
		{
			name:  "email",
			input: "mail ada@example.com or bob@example.org",
			want:  "mail [REDACTED:email] or [REDACTED:email]",
			found: map[string]int{"email": 2},
		},
		{
			name:  "api key",
			input: "my key is sk-abcdefghijklmnop1234",
			want:  "my key is [REDACTED:api_key]",
			found: map[string]int{"api_key": 1},
		},
		{
			name:  "card",
			input: "card 4111 1111 1111 1111 expires soon",
			want:  "card [REDACTED:card_number] expires soon",
			found: map[string]int{"card_number": 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.FilterInput(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Content)
			assert.Equal(t, tt.found, got.Redactions)
			assert.Equal(t, tt.found != nil, got.Redacted())
		})
	}
}

func TestRedactFilter_CustomDetector(t *testing.T) {
	f := NewRedactFilter(Detector{Name: "project", Pattern: regexp.MustCompile(`(?i)project-x`)})
	got, err := f.FilterInput(context.Background(), "Project-X ships with ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED:project] ships with ada@example.com", got.Content)
}

func TestSlogAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := l.Log(context.Background(), AuditEvent{
		Time:       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Subject:    "token-1",
		RequestID:  "req-1",
		SessionID:  "s-1",
		Provider:   "echo",
		Outcome:    "complete",
		Redactions: map[string]int{"email": 1},
		Duration:   time.Second,
	})
	require.NoError(t, err)

	var record struct {
		Msg   string `json:"msg"`
		Audit struct {
			Subject    string         `json:"subject"`
			Outcome    string         `json:"outcome"`
			Redactions map[string]int `json:"redactions"`
		} `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Stream audited", record.Msg)
	assert.Equal(t, "token-1", record.Audit.Subject)
	assert.Equal(t, "complete", record.Audit.Outcome)
	assert.Equal(t, 1, record.Audit.Redactions["email"])
}
