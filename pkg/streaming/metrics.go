// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streaming

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "graphite"
	clientSubsystem  = "client"
)

// Metrics instruments the client side of streams.
//
// # Description
//
// Register once per registry. A nil *Metrics is valid and records nothing,
// so callers that do not care about metrics pass nothing.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// StreamsTotal counts finished streams by terminal state.
	StreamsTotal *prometheus.CounterVec

	// FramesTotal counts frames by event tag and outcome (applied, dropped).
	FramesTotal *prometheus.CounterVec

	// DiscardedBlocksTotal counts malformed blocks the parser threw away.
	DiscardedBlocksTotal prometheus.Counter

	// TimeToFirstDeltaSeconds measures send to first message_delta.
	TimeToFirstDeltaSeconds prometheus.Histogram

	// StreamDurationSeconds measures send to terminal state.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams is the number of non-terminal streams.
	ActiveStreams prometheus.Gauge

	// BytesTotal counts body bytes read.
	BytesTotal prometheus.Counter
}

// NewMetrics creates the client metrics on reg. A nil reg uses the default
// Prometheus registerer.
//
// # Limitations
//
//   - Panics on duplicate registration in the same registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		StreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "streams_total",
				Help:      "Finished streams by terminal state",
			},
			[]string{"state"},
		),

		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "frames_total",
				Help:      "Frames received by event tag and outcome",
			},
			[]string{"event", "outcome"},
		),

		DiscardedBlocksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "discarded_blocks_total",
				Help:      "Malformed event blocks dropped by the frame parser",
			},
		),

		TimeToFirstDeltaSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "time_to_first_delta_seconds",
				Help:      "Time from send to the first message_delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Time from send to terminal state in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"state"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "active_streams",
				Help:      "Streams currently requesting or streaming",
			},
		),

		BytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "body_bytes_total",
				Help:      "Response body bytes read",
			},
		),
	}
}

func (m *Metrics) streamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) streamFinished(state State, elapsed time.Duration, bytesRead int64, discarded int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamsTotal.WithLabelValues(state.String()).Inc()
	m.StreamDurationSeconds.WithLabelValues(state.String()).Observe(elapsed.Seconds())
	m.BytesTotal.Add(float64(bytesRead))
	m.DiscardedBlocksTotal.Add(float64(discarded))
}

func (m *Metrics) frame(event, outcome string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) firstDelta(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstDeltaSeconds.Observe(elapsed.Seconds())
}
