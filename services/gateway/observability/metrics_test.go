// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/graphite/pkg/chat"
)

func TestStreamStarted_TracksActiveAndOutcome(t *testing.T) {
	m := NewStreamingMetrics(prometheus.NewRegistry())

	done := m.StreamStarted("echo")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams))

	done(OutcomeComplete)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("echo", OutcomeComplete)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StreamDurationSeconds))
}

func TestTokens(t *testing.T) {
	m := NewStreamingMetrics(prometheus.NewRegistry())

	m.Tokens("openai", &chat.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10})
	m.Tokens("openai", nil)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("prompt", "openai")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("completion", "openai")))
}

func TestCounters(t *testing.T) {
	m := NewStreamingMetrics(prometheus.NewRegistry())

	m.Rejected("bogus")
	m.KeepAlive()
	m.KeepAlive()
	m.RateLimited()
	m.FirstDelta("echo", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("bogus", OutcomeRejected)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.KeepAlivesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitedTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TimeToFirstDeltaSeconds))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *StreamingMetrics
	assert.NotPanics(t, func() {
		m.StreamStarted("echo")(OutcomeError)
		m.FirstDelta("echo", time.Second)
		m.Tokens("echo", &chat.Usage{})
		m.Rejected("echo")
		m.KeepAlive()
		m.RateLimited()
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewStreamingMetrics(reg)
	assert.Panics(t, func() { NewStreamingMetrics(reg) })
}
