// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the coach
// service.
//
// # Description
//
// Metrics cover the turn pipeline end to end:
//   - Turn counters by route and status
//   - Turn latency histograms by session type
//   - Inference failure counters by stage
//   - Weekly session lifecycle counters and the open-session gauge
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "coach"

// TurnMetrics holds all Prometheus metrics for the turn pipeline.
//
// Initialize once at startup via InitMetrics().
type TurnMetrics struct {
	// TurnsTotal counts processed turns.
	// Labels: route (CONTINUE_WEEKLY, RESTART_WEEKLY, ROLLBACK_WEEKLY,
	// ADVANCE_WEEKLY, GENERAL), status (success, fallback, error)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures full turn latency.
	// Labels: session_type (WEEKLY, GENERAL)
	TurnDurationSeconds *prometheus.HistogramVec

	// InferenceFailuresTotal counts model call failures by stage.
	// Labels: stage (counsel, selector, gate, general)
	InferenceFailuresTotal *prometheus.CounterVec

	// SessionsCompletedTotal counts weekly sessions completed, by week.
	SessionsCompletedTotal *prometheus.CounterVec

	// OffTopicTurnsTotal counts turns redirected by the topic gate.
	OffTopicTurnsTotal prometheus.Counter

	// ForcedExitsTotal counts sessions ended by turn exhaustion.
	ForcedExitsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of TurnMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *TurnMetrics

var initOnce sync.Once

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics against the default
// registry. Safe to call more than once; registration happens only on
// the first call.
//
// # Outputs
//
//   - *TurnMetrics: The initialized metrics instance.
func InitMetrics() *TurnMetrics {
	initOnce.Do(func() {
		DefaultMetrics = &TurnMetrics{
			TurnsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Name:      "turns_total",
					Help:      "Total turns processed by route and status",
				},
				[]string{"route", "status"},
			),

			TurnDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Name:      "turn_duration_seconds",
					Help:      "Full turn latency in seconds",
					Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
				},
				[]string{"session_type"},
			),

			InferenceFailuresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Name:      "inference_failures_total",
					Help:      "Model call failures by pipeline stage",
				},
				[]string{"stage"},
			),

			SessionsCompletedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Name:      "sessions_completed_total",
					Help:      "Weekly sessions completed, by week",
				},
				[]string{"week"},
			),

			OffTopicTurnsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Name:      "off_topic_turns_total",
					Help:      "Turns redirected by the topic gate",
				},
			),

			ForcedExitsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Name:      "forced_exits_total",
					Help:      "Sessions ended by turn exhaustion",
				},
			),
		}
	})
	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// All helpers are nil-safe so callers can run without metrics wired,
// as tests do.

// RecordTurn records one completed turn.
func (m *TurnMetrics) RecordTurn(route, status string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(route, status).Inc()
}

// RecordTurnDuration records the full turn latency.
func (m *TurnMetrics) RecordTurnDuration(sessionType string, seconds float64) {
	if m == nil {
		return
	}
	m.TurnDurationSeconds.WithLabelValues(sessionType).Observe(seconds)
}

// RecordInferenceFailure records a model call failure.
func (m *TurnMetrics) RecordInferenceFailure(stage string) {
	if m == nil {
		return
	}
	m.InferenceFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordSessionCompleted records a finished weekly session.
func (m *TurnMetrics) RecordSessionCompleted(week string) {
	if m == nil {
		return
	}
	m.SessionsCompletedTotal.WithLabelValues(week).Inc()
}

// RecordOffTopicTurn records a gate redirect.
func (m *TurnMetrics) RecordOffTopicTurn() {
	if m == nil {
		return
	}
	m.OffTopicTurnsTotal.Inc()
}

// RecordForcedExit records a turn-exhaustion exit.
func (m *TurnMetrics) RecordForcedExit() {
	if m == nil {
		return
	}
	m.ForcedExitsTotal.Inc()
}
