// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring conversational
// turns. Metrics include:
//   - Turn counters (by endpoint, status, error kind)
//   - Token usage (input/output tokens by model)
//   - Latency histograms (time to first token, total turn duration)
//   - Active stream gauges
//   - Retrieval behavior (fallback ladder stages, adaptive reformulations,
//     confidence escalations, critic iterations)
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for orchestrator metrics
const orchestratorSubsystem = "orchestrator"

// TurnMetrics holds all Prometheus metrics for conversational turn processing.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring turn latency,
// retrieval behavior, and resource usage. Initialize once at startup via
// InitMetrics().
//
// # Fields
//
//   - TurnsTotal: Counter of turns by endpoint and final status
//   - TokensTotal: Counter of tokens processed (input/output by model)
//   - TimeToFirstTokenSeconds: Histogram of time to first streamed token
//   - TurnDurationSeconds: Histogram of total turn duration
//   - ActiveStreams: Gauge of currently active streaming connections
//   - ErrorsTotal: Counter of errors by endpoint and kind
//   - RetrievalFallbacksTotal: Counter of fallback ladder activations by stage
//   - AdaptiveAttemptsTotal: Counter of adaptive reformulation attempts
//   - ConfidenceEscalationsTotal: Counter of low-confidence dual-path runs
//   - CriticIterationsTotal: Counter of critic loop iterations by verdict
//   - RefusalsTotal: Counter of refused answers by reason
//
// # Thread Safety
//
// All operations are thread-safe.
type TurnMetrics struct {
	// TurnsTotal counts completed turns by endpoint and status.
	// Labels: endpoint (chat, chat_stream, chat_ws), status (complete,
	// refused, error, cancelled)
	TurnsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first streamed token.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// TurnDurationSeconds measures total turn duration.
	// Labels: endpoint, status
	TurnDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint (chat_stream, chat_ws)
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by endpoint and kind.
	// Labels: endpoint, kind (timeout, retrieval_exhausted, upstream_5xx, etc.)
	ErrorsTotal *prometheus.CounterVec

	// RetrievalFallbacksTotal counts fallback ladder activations.
	// Labels: stage (relaxed_threshold, vector_only, web)
	RetrievalFallbacksTotal *prometheus.CounterVec

	// AdaptiveAttemptsTotal counts adaptive retrieval reformulation attempts.
	// Labels: outcome (improved, unchanged)
	AdaptiveAttemptsTotal *prometheus.CounterVec

	// ConfidenceEscalationsTotal counts turns escalated to the dual path.
	ConfidenceEscalationsTotal prometheus.Counter

	// CriticIterationsTotal counts critic loop iterations by verdict.
	// Labels: verdict (accept, revise)
	CriticIterationsTotal *prometheus.CounterVec

	// RefusalsTotal counts refused answers by reason.
	// Labels: reason (no_citations, citation_invalid, insufficient_grounding,
	// internal)
	RefusalsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of TurnMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *TurnMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup, after the Prometheus registry is available.
//
// # Outputs
//
//   - *TurnMetrics: The initialized metrics instance.
//
// # Examples
//
//	func main() {
//	    observability.InitMetrics()
//	    // ... start server ...
//	}
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
//
// # Assumptions
//
//   - Prometheus default registry is available.
func InitMetrics() *TurnMetrics {
	DefaultMetrics = &TurnMetrics{
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "turns_total",
				Help:      "Total number of turns by endpoint and final status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first streamed token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		TurnDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by endpoint and kind",
			},
			[]string{"endpoint", "kind"},
		),

		RetrievalFallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "retrieval_fallbacks_total",
				Help:      "Total fallback ladder activations by stage",
			},
			[]string{"stage"},
		),

		AdaptiveAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "adaptive_attempts_total",
				Help:      "Total adaptive retrieval reformulation attempts by outcome",
			},
			[]string{"outcome"},
		),

		ConfidenceEscalationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "confidence_escalations_total",
				Help:      "Total turns escalated to the dual retrieval path",
			},
		),

		CriticIterationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "critic_iterations_total",
				Help:      "Total critic loop iterations by verdict",
			},
			[]string{"verdict"},
		),

		RefusalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "refusals_total",
				Help:      "Total refused answers by reason",
			},
			[]string{"reason"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a serving endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointChat is the synchronous chat endpoint.
	EndpointChat Endpoint = "chat"

	// EndpointChatStream is the SSE streaming chat endpoint.
	EndpointChatStream Endpoint = "chat_stream"

	// EndpointChatWS is the WebSocket streaming chat endpoint.
	EndpointChatWS Endpoint = "chat_ws"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a completed turn.
//
// # Inputs
//
//   - endpoint: The endpoint that handled the turn.
//   - status: The final turn status (complete, refused, error, cancelled).
//   - seconds: Total turn duration in seconds.
func (m *TurnMetrics) RecordTurn(endpoint Endpoint, status string, seconds float64) {
	m.TurnsTotal.WithLabelValues(string(endpoint), status).Inc()
	m.TurnDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordError records a turn error.
//
// # Inputs
//
//   - endpoint: The endpoint where the error occurred.
//   - kind: The error kind string.
func (m *TurnMetrics) RecordError(endpoint Endpoint, kind string) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), kind).Inc()
}

// RecordTokens records token usage.
//
// # Inputs
//
//   - inputTokens: Number of input tokens.
//   - outputTokens: Number of output tokens.
//   - model: The model used.
func (m *TurnMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *TurnMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *TurnMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the time to first token latency.
//
// # Inputs
//
//   - endpoint: The endpoint handling the stream.
//   - seconds: Time to first token in seconds.
func (m *TurnMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordRetrievalFallback records a fallback ladder activation.
//
// # Inputs
//
//   - stage: The ladder stage that activated (relaxed_threshold,
//     vector_only, web).
func (m *TurnMetrics) RecordRetrievalFallback(stage string) {
	m.RetrievalFallbacksTotal.WithLabelValues(stage).Inc()
}

// RecordAdaptiveAttempt records an adaptive reformulation attempt.
//
// # Inputs
//
//   - improved: Whether the reformulation improved the quality vector.
func (m *TurnMetrics) RecordAdaptiveAttempt(improved bool) {
	outcome := "improved"
	if !improved {
		outcome = "unchanged"
	}
	m.AdaptiveAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordConfidenceEscalation records a low-confidence dual-path escalation.
func (m *TurnMetrics) RecordConfidenceEscalation() {
	m.ConfidenceEscalationsTotal.Inc()
}

// RecordCriticIteration records one critic loop iteration.
//
// # Inputs
//
//   - verdict: The critic's verdict for the iteration (accept, revise).
func (m *TurnMetrics) RecordCriticIteration(verdict string) {
	m.CriticIterationsTotal.WithLabelValues(verdict).Inc()
}

// RecordRefusal records a refused answer.
//
// # Inputs
//
//   - reason: Why the answer was refused (no_citations, citation_invalid,
//     insufficient_grounding, internal).
func (m *TurnMetrics) RecordRefusal(reason string) {
	m.RefusalsTotal.WithLabelValues(reason).Inc()
}
