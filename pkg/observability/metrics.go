// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat client and
// the development backend.
//
// # Description
//
// Metrics cover the stream consumer (frames by type, rejected frames, stream
// outcomes and durations, refinement timeouts), the cache (store writes that
// changed state vs. writes suppressed as no-ops) and history fetches.
//
// Every constructor takes a prometheus.Registerer so tests and embedders use
// isolated registries. All record methods are safe on a nil receiver, which
// lets components run without metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "ragchat"

const (
	clientSubsystem = "client"
	cacheSubsystem  = "cache"
	serverSubsystem = "devserver"
)

// Outcome labels a finished stream.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeErrored   Outcome = "errored"
	OutcomeAborted   Outcome = "aborted"
	OutcomeTransport Outcome = "transport_error"
)

// FrameRejection labels why a frame was skipped.
type FrameRejection string

const (
	RejectInvalid FrameRejection = "invalid"
	RejectUnknown FrameRejection = "unknown_type"
)

// =============================================================================
// Client Metrics
// =============================================================================

// Metrics holds the client-side metrics.
//
// # Fields
//
//   - FramesTotal: Decoded frames by event kind.
//   - FrameRejectionsTotal: Skipped frames by reason.
//   - StreamsTotal: Finished streams by outcome.
//   - ActiveStreams: Streams currently being consumed.
//   - StreamDurationSeconds: Stream duration by outcome.
//   - TimeToFirstChunkSeconds: Latency from open to first chunk.
//   - RefinementTimeoutsTotal: Streams whose refinement did not arrive in time.
//   - StoreWritesTotal: Store write attempts by result (changed, suppressed).
//   - HistoryFetchSeconds: History fetch latency by status.
type Metrics struct {
	FramesTotal             *prometheus.CounterVec
	FrameRejectionsTotal    *prometheus.CounterVec
	StreamsTotal            *prometheus.CounterVec
	ActiveStreams           prometheus.Gauge
	StreamDurationSeconds   *prometheus.HistogramVec
	TimeToFirstChunkSeconds prometheus.Histogram
	RefinementTimeoutsTotal prometheus.Counter
	StoreWritesTotal        *prometheus.CounterVec
	HistoryFetchSeconds     *prometheus.HistogramVec
}

// NewMetrics creates and registers the client metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Use prometheus.NewRegistry() in tests.
//
// # Outputs
//
//   - *Metrics: Ready to use.
//
// # Limitations
//
//   - Panics if the metrics are already registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "frames_total",
				Help:      "Stream frames decoded, by event kind",
			},
			[]string{"kind"},
		),
		FrameRejectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "frame_rejections_total",
				Help:      "Stream frames skipped, by reason",
			},
			[]string{"reason"},
		),
		StreamsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "streams_total",
				Help:      "Streams finished, by outcome",
			},
			[]string{"outcome"},
		),
		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "active_streams",
				Help:      "Streams currently being consumed",
			},
		),
		StreamDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		TimeToFirstChunkSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from stream open to first answer chunk in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
		RefinementTimeoutsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "refinement_timeouts_total",
				Help:      "Streams whose refinement frame did not arrive before the timeout",
			},
		),
		StoreWritesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "store_writes_total",
				Help:      "Cache write attempts, by result (changed, suppressed)",
			},
			[]string{"result"},
		),
		HistoryFetchSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "history_fetch_seconds",
				Help:      "History fetch latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
	}
}

// RecordFrame counts a decoded frame.
func (m *Metrics) RecordFrame(kind string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(kind).Inc()
}

// RecordFrameRejected counts a skipped frame.
func (m *Metrics) RecordFrameRejected(reason FrameRejection) {
	if m == nil {
		return
	}
	m.FrameRejectionsTotal.WithLabelValues(string(reason)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge and records the outcome.
//
// # Inputs
//
//   - outcome: How the stream finished.
//   - seconds: Total duration in seconds.
func (m *Metrics) StreamEnded(outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamsTotal.WithLabelValues(string(outcome)).Inc()
	m.StreamDurationSeconds.WithLabelValues(string(outcome)).Observe(seconds)
}

// RecordTimeToFirstChunk records first-chunk latency.
func (m *Metrics) RecordTimeToFirstChunk(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstChunkSeconds.Observe(seconds)
}

// RecordRefinementTimeout counts a refinement timeout.
func (m *Metrics) RecordRefinementTimeout() {
	if m == nil {
		return
	}
	m.RefinementTimeoutsTotal.Inc()
}

// ObserveStoreWrite implements chatcache.WriteObserver.
func (m *Metrics) ObserveStoreWrite(changed bool) {
	if m == nil {
		return
	}
	result := "suppressed"
	if changed {
		result = "changed"
	}
	m.StoreWritesTotal.WithLabelValues(result).Inc()
}

// RecordHistoryFetch records a history fetch.
func (m *Metrics) RecordHistoryFetch(seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.HistoryFetchSeconds.WithLabelValues(status).Observe(seconds)
}

// =============================================================================
// Dev Backend Metrics
// =============================================================================

// ServerMetrics holds the development backend metrics.
type ServerMetrics struct {
	// RequestsTotal counts requests by endpoint and status.
	RequestsTotal *prometheus.CounterVec

	// FramesSentTotal counts frames written by type.
	FramesSentTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts streams the client abandoned.
	ClientDisconnectsTotal prometheus.Counter
}

// NewServerMetrics creates and registers the backend metrics on reg.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	f := promauto.With(reg)
	return &ServerMetrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "requests_total",
				Help:      "Requests handled, by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		FramesSentTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "frames_sent_total",
				Help:      "Stream frames written, by type",
			},
			[]string{"type"},
		),
		ClientDisconnectsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Streams abandoned by the client",
			},
		),
	}
}

// RecordRequest counts a handled request.
func (m *ServerMetrics) RecordRequest(endpoint string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// RecordFrameSent counts a written frame.
func (m *ServerMetrics) RecordFrameSent(frameType string) {
	if m == nil {
		return
	}
	m.FramesSentTotal.WithLabelValues(frameType).Inc()
}

// RecordClientDisconnect counts an abandoned stream.
func (m *ServerMetrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}

// Handler serves the metrics registered on g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
