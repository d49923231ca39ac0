// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the gateway's Prometheus metrics.
//
// # Description
//
// Metrics cover the streaming endpoint:
//   - requests by provider and outcome
//   - tokens by direction and provider
//   - time to first delta and total stream duration
//   - active streams, keep-alives and client disconnects
//
// They are exposed on /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/graphite/pkg/chat"
)

const (
	metricsNamespace   = "graphite"
	streamingSubsystem = "gateway"
)

// Outcome labels for RequestsTotal and StreamDurationSeconds.
const (
	OutcomeComplete     = "complete"
	OutcomeError        = "error"
	OutcomeDisconnected = "disconnected"
	OutcomeRejected     = "rejected"
)

// StreamingMetrics holds the gateway's streaming metrics.
type StreamingMetrics struct {
	// RequestsTotal counts streaming requests.
	// Labels: provider, outcome
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens reported by providers.
	// Labels: direction (prompt, completion), provider
	TokensTotal *prometheus.CounterVec

	// TimeToFirstDeltaSeconds measures request start to first delta.
	// Labels: provider
	TimeToFirstDeltaSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures the whole stream.
	// Labels: provider, outcome
	StreamDurationSeconds *prometheus.HistogramVec

	ActiveStreams prometheus.Gauge

	// KeepAlivesTotal counts ": ping" comments sent.
	KeepAlivesTotal prometheus.Counter

	// RateLimitedTotal counts requests rejected with 429.
	RateLimitedTotal prometheus.Counter
}

// NewStreamingMetrics creates the metrics and registers them with reg.
// Registering twice with the same registry panics.
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Streaming requests by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tokens_total",
				Help:      "Tokens reported by providers by direction",
			},
			[]string{"direction", "provider"},
		),
		TimeToFirstDeltaSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_delta_seconds",
				Help:      "Time from request to first delta in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"provider"},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "outcome"},
		),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "active_streams",
			Help:      "Streams currently open",
		}),
		KeepAlivesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "keepalives_total",
			Help:      "Keep-alive comments sent",
		}),
		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}),
	}
}

// StreamStarted marks a stream open and returns the function that closes
// it with an outcome.
func (m *StreamingMetrics) StreamStarted(provider string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.ActiveStreams.Inc()
	return func(outcome string) {
		m.ActiveStreams.Dec()
		m.RequestsTotal.WithLabelValues(provider, outcome).Inc()
		m.StreamDurationSeconds.WithLabelValues(provider, outcome).Observe(time.Since(start).Seconds())
	}
}

// FirstDelta records the latency of the first delta.
func (m *StreamingMetrics) FirstDelta(provider string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstDeltaSeconds.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// Tokens records provider usage.
func (m *StreamingMetrics) Tokens(provider string, u *chat.Usage) {
	if m == nil || u == nil {
		return
	}
	m.TokensTotal.WithLabelValues("prompt", provider).Add(float64(u.PromptTokens))
	m.TokensTotal.WithLabelValues("completion", provider).Add(float64(u.CompletionTokens))
}

// Rejected counts a request refused before streaming.
func (m *StreamingMetrics) Rejected(provider string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(provider, OutcomeRejected).Inc()
}

func (m *StreamingMetrics) KeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

func (m *StreamingMetrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}
