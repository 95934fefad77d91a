// Copyright (C) 2025 pod-healer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AgentMetrics holds all Prometheus metrics for the remediation agent
type AgentMetrics struct {
	// Incident processing metrics
	IncidentsProcessedTotal *prometheus.CounterVec
	RemediationsTotal       *prometheus.CounterVec
	RetriesExhaustedTotal   *prometheus.CounterVec
	EscalationsTotal        *prometheus.CounterVec

	// Execution metrics
	CommandsExecutedTotal *prometheus.CounterVec
	CommandsBlockedTotal  *prometheus.CounterVec
	RollbacksTotal        *prometheus.CounterVec
	ExecutionDuration     *prometheus.HistogramVec

	// LLM metrics
	LLMCallsTotal   *prometheus.CounterVec
	LLMCallDuration *prometheus.HistogramVec

	// Learning metrics
	ReflectionsTotal     *prometheus.CounterVec
	ReflectionQuality    prometheus.Histogram
	InsightsTotal        *prometheus.CounterVec
	StrategiesCreated    prometheus.Counter
	StrategiesModified   prometheus.Counter
	StrategyConfidence   *prometheus.GaugeVec
	EpisodesStoredTotal  prometheus.Counter
	PatternsDetected     *prometheus.CounterVec
	LearningVelocity     prometheus.Gauge
	OverallSuccessRate   prometheus.Gauge
	SelfAwarenessScore   prometheus.Gauge

	// Watcher metrics
	PodsWatchedTotal      prometheus.Counter
	IncidentsDetected     *prometheus.CounterVec
	IncidentsSkippedTotal *prometheus.CounterVec

	// Store metrics
	StoreOperationDuration *prometheus.HistogramVec
	StoreErrors            *prometheus.CounterVec

	// Retry and error metrics
	RetryAttemptsTotal  *prometheus.CounterVec
	RetrySuccessTotal   *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	// Audit metrics
	AuditEventsDropped prometheus.Counter

	// Loop metrics
	LoopDuration       *prometheus.HistogramVec
	LoopIterations     prometheus.Histogram
	ObservationQuality prometheus.Histogram
}

var (
	agentMetricsInstance *AgentMetrics
	agentMetricsOnce     sync.Once
)

// NewAgentMetrics creates and registers all Prometheus metrics.
// Uses singleton pattern to prevent duplicate registration.
func NewAgentMetrics() *AgentMetrics {
	agentMetricsOnce.Do(func() {
		agentMetricsInstance = createAgentMetrics()
	})
	return agentMetricsInstance
}

// createAgentMetrics creates and registers all Prometheus metrics (internal)
func createAgentMetrics() *AgentMetrics {
	metrics := &AgentMetrics{
		IncidentsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_incidents_processed_total",
				Help: "Total number of pod incidents processed by the agent",
			},
			[]string{"namespace", "error_class"},
		),

		RemediationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_remediations_total",
				Help: "Total number of remediation loops completed, by outcome",
			},
			[]string{"error_class", "outcome"},
		),

		RetriesExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_retries_exhausted_total",
				Help: "Total number of incidents that hit the retry cap",
			},
			[]string{"error_class"},
		),

		EscalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_escalations_total",
				Help: "Total number of incidents escalated for human review",
			},
			[]string{"error_class", "reason"},
		),

		CommandsExecutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_commands_executed_total",
				Help: "Total number of kubectl commands executed, by phase and result",
			},
			[]string{"phase", "risk_level", "result"},
		),

		CommandsBlockedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_commands_blocked_total",
				Help: "Total number of commands rejected by the safety validator",
			},
			[]string{"reason"},
		),

		RollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_rollbacks_total",
				Help: "Total number of rollback sequences triggered after failed fixes",
			},
			[]string{"error_class"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "podhealer_execution_duration_seconds",
				Help:    "Duration of command execution phases",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"phase"},
		),

		LLMCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_llm_calls_total",
				Help: "Total number of LLM completions requested, by purpose and result",
			},
			[]string{"purpose", "result"},
		),

		LLMCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "podhealer_llm_call_duration_seconds",
				Help:    "Duration of LLM completion calls",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"purpose"},
		),

		ReflectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_reflections_total",
				Help: "Total number of reflections generated, by depth and source",
			},
			[]string{"depth", "source"},
		),

		ReflectionQuality: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "podhealer_reflection_quality",
			Help:    "Distribution of reflection quality scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		InsightsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_insights_total",
				Help: "Total number of insights extracted from reflections, by type",
			},
			[]string{"insight_type", "actionable"},
		),

		StrategiesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podhealer_strategies_created_total",
			Help: "Total number of new strategies synthesised from insights",
		}),

		StrategiesModified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podhealer_strategies_modified_total",
			Help: "Total number of strategy modifications applied",
		}),

		StrategyConfidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "podhealer_strategy_confidence",
				Help: "Current confidence score per strategy",
			},
			[]string{"strategy_id", "error_class"},
		),

		EpisodesStoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podhealer_episodes_stored_total",
			Help: "Total number of episodes written to episodic memory",
		}),

		PatternsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_patterns_detected_total",
				Help: "Total number of memory patterns detected, by pattern type",
			},
			[]string{"pattern_type"},
		),

		LearningVelocity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "podhealer_learning_velocity",
			Help: "Current learning velocity derived from the improvement trajectory",
		}),

		OverallSuccessRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "podhealer_overall_success_rate",
			Help: "Overall remediation success rate across all recorded attempts",
		}),

		SelfAwarenessScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "podhealer_self_awareness_score",
			Help: "Current self-awareness score of the reflection subsystem",
		}),

		PodsWatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podhealer_pods_watched_total",
			Help: "Total number of pod events seen by the watcher",
		}),

		IncidentsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_incidents_detected_total",
				Help: "Total number of incidents the watcher turned into remediation work",
			},
			[]string{"namespace", "error_class"},
		),

		IncidentsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_incidents_skipped_total",
				Help: "Total number of pod events skipped by the watcher",
			},
			[]string{"namespace", "reason"},
		),

		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "podhealer_store_operation_duration_seconds",
				Help:    "Duration of persistent store operations",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"store", "operation"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_store_errors_total",
				Help: "Total number of persistent store errors",
			},
			[]string{"store", "operation"},
		),

		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_retry_attempts_total",
				Help: "Total number of retry attempts, by operation and attempt number",
			},
			[]string{"operation", "attempt"},
		),

		RetrySuccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podhealer_retry_success_total",
				Help: "Total number of operations that succeeded after retrying",
			},
			[]string{"operation"},
		),

		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "podhealer_circuit_breaker_state",
				Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
			},
			[]string{"breaker"},
		),

		AuditEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podhealer_audit_events_dropped_total",
			Help: "Total number of audit events dropped because the buffer was full",
		}),

		LoopDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "podhealer_loop_duration_seconds",
				Help:    "End-to-end duration of remediation loops",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"error_class"},
		),

		LoopIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "podhealer_loop_iterations",
			Help:    "Number of strategy attempts per remediation loop",
			Buckets: prometheus.LinearBuckets(1, 1, 6),
		}),

		ObservationQuality: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "podhealer_observation_quality",
			Help:    "Distribution of observation quality scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
	}

	// Register all metrics with error handling for duplicates
	safeRegister(
		metrics.IncidentsProcessedTotal,
		metrics.RemediationsTotal,
		metrics.RetriesExhaustedTotal,
		metrics.EscalationsTotal,
		metrics.CommandsExecutedTotal,
		metrics.CommandsBlockedTotal,
		metrics.RollbacksTotal,
		metrics.ExecutionDuration,
		metrics.LLMCallsTotal,
		metrics.LLMCallDuration,
		metrics.ReflectionsTotal,
		metrics.ReflectionQuality,
		metrics.InsightsTotal,
		metrics.StrategiesCreated,
		metrics.StrategiesModified,
		metrics.StrategyConfidence,
		metrics.EpisodesStoredTotal,
		metrics.PatternsDetected,
		metrics.LearningVelocity,
		metrics.OverallSuccessRate,
		metrics.SelfAwarenessScore,
		metrics.PodsWatchedTotal,
		metrics.IncidentsDetected,
		metrics.IncidentsSkippedTotal,
		metrics.StoreOperationDuration,
		metrics.StoreErrors,
		metrics.RetryAttemptsTotal,
		metrics.RetrySuccessTotal,
		metrics.CircuitBreakerState,
		metrics.AuditEventsDropped,
		metrics.LoopDuration,
		metrics.LoopIterations,
		metrics.ObservationQuality,
	)

	return metrics
}

// safeRegister registers Prometheus collectors, ignoring AlreadyRegisteredError
func safeRegister(collectors ...prometheus.Collector) {
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				// Not a duplicate registration. Skip rather than panic so a
				// metric name clash cannot take the agent down.
				continue
			}
		}
	}
}

// RecordIncidentProcessed records that an incident entered the loop
func (m *AgentMetrics) RecordIncidentProcessed(namespace, errorClass string) {
	m.IncidentsProcessedTotal.WithLabelValues(namespace, errorClass).Inc()
}

// RecordRemediation records a completed remediation loop
func (m *AgentMetrics) RecordRemediation(errorClass, outcome string, duration time.Duration, iterations int) {
	m.RemediationsTotal.WithLabelValues(errorClass, outcome).Inc()
	m.LoopDuration.WithLabelValues(errorClass).Observe(duration.Seconds())
	m.LoopIterations.Observe(float64(iterations))
}

// RecordRetriesExhausted records an incident that hit the retry cap
func (m *AgentMetrics) RecordRetriesExhausted(errorClass string) {
	m.RetriesExhaustedTotal.WithLabelValues(errorClass).Inc()
}

// RecordEscalation records a human escalation
func (m *AgentMetrics) RecordEscalation(errorClass, reason string) {
	m.EscalationsTotal.WithLabelValues(errorClass, reason).Inc()
}

// RecordCommandExecuted records a single command execution
func (m *AgentMetrics) RecordCommandExecuted(phase, riskLevel, result string) {
	m.CommandsExecutedTotal.WithLabelValues(phase, riskLevel, result).Inc()
}

// RecordCommandBlocked records a command rejected by the validator
func (m *AgentMetrics) RecordCommandBlocked(reason string) {
	m.CommandsBlockedTotal.WithLabelValues(reason).Inc()
}

// RecordRollback records a rollback sequence
func (m *AgentMetrics) RecordRollback(errorClass string) {
	m.RollbacksTotal.WithLabelValues(errorClass).Inc()
}

// RecordExecutionDuration records the duration of an execution phase
func (m *AgentMetrics) RecordExecutionDuration(phase string, duration time.Duration) {
	m.ExecutionDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordLLMCall records an LLM completion call
func (m *AgentMetrics) RecordLLMCall(purpose, result string, duration time.Duration) {
	m.LLMCallsTotal.WithLabelValues(purpose, result).Inc()
	m.LLMCallDuration.WithLabelValues(purpose).Observe(duration.Seconds())
}

// RecordReflection records a generated reflection and its quality score
func (m *AgentMetrics) RecordReflection(depth, source string, quality float64) {
	m.ReflectionsTotal.WithLabelValues(depth, source).Inc()
	m.ReflectionQuality.Observe(quality)
}

// RecordInsight records an extracted insight
func (m *AgentMetrics) RecordInsight(insightType string, actionable bool) {
	m.InsightsTotal.WithLabelValues(insightType, strconv.FormatBool(actionable)).Inc()
}

// RecordStrategyCreated records a newly synthesised strategy
func (m *AgentMetrics) RecordStrategyCreated() {
	m.StrategiesCreated.Inc()
}

// RecordStrategyModified records a strategy modification
func (m *AgentMetrics) RecordStrategyModified() {
	m.StrategiesModified.Inc()
}

// UpdateStrategyConfidence updates the confidence gauge for a strategy
func (m *AgentMetrics) UpdateStrategyConfidence(strategyID, errorClass string, confidence float64) {
	m.StrategyConfidence.WithLabelValues(strategyID, errorClass).Set(confidence)
}

// RecordEpisodeStored records an episode write
func (m *AgentMetrics) RecordEpisodeStored() {
	m.EpisodesStoredTotal.Inc()
}

// RecordPatternDetected records a detected memory pattern
func (m *AgentMetrics) RecordPatternDetected(patternType string) {
	m.PatternsDetected.WithLabelValues(patternType).Inc()
}

// UpdateLearningVelocity updates the learning velocity gauge
func (m *AgentMetrics) UpdateLearningVelocity(velocity float64) {
	m.LearningVelocity.Set(velocity)
}

// UpdateOverallSuccessRate updates the overall success rate gauge
func (m *AgentMetrics) UpdateOverallSuccessRate(rate float64) {
	m.OverallSuccessRate.Set(rate)
}

// UpdateSelfAwareness updates the self-awareness gauge
func (m *AgentMetrics) UpdateSelfAwareness(score float64) {
	m.SelfAwarenessScore.Set(score)
}

// RecordPodWatched records a pod event seen by the watcher
func (m *AgentMetrics) RecordPodWatched() {
	m.PodsWatchedTotal.Inc()
}

// RecordIncidentDetected records an incident raised by the watcher
func (m *AgentMetrics) RecordIncidentDetected(namespace, errorClass string) {
	m.IncidentsDetected.WithLabelValues(namespace, errorClass).Inc()
}

// RecordIncidentSkipped records a pod event the watcher skipped
func (m *AgentMetrics) RecordIncidentSkipped(namespace, reason string) {
	m.IncidentsSkippedTotal.WithLabelValues(namespace, reason).Inc()
}

// RecordStoreOperation records the duration of a store operation
func (m *AgentMetrics) RecordStoreOperation(store, operation string, duration time.Duration) {
	m.StoreOperationDuration.WithLabelValues(store, operation).Observe(duration.Seconds())
}

// RecordStoreError records a store error
func (m *AgentMetrics) RecordStoreError(store, operation string) {
	m.StoreErrors.WithLabelValues(store, operation).Inc()
}

// RecordRetryAttempt records a retry attempt
func (m *AgentMetrics) RecordRetryAttempt(operation string, attemptNumber int) {
	m.RetryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attemptNumber)).Inc()
}

// RecordRetrySuccess records a successful retry
func (m *AgentMetrics) RecordRetrySuccess(operation string) {
	m.RetrySuccessTotal.WithLabelValues(operation).Inc()
}

// UpdateCircuitBreakerState records a breaker state change
func (m *AgentMetrics) UpdateCircuitBreakerState(breaker string, state int) {
	m.CircuitBreakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordAuditEventDropped records an audit event lost to a full buffer
func (m *AgentMetrics) RecordAuditEventDropped() {
	m.AuditEventsDropped.Inc()
}

// RecordObservationQuality records an observation quality score
func (m *AgentMetrics) RecordObservationQuality(quality float64) {
	m.ObservationQuality.Observe(quality)
}

// StartMetricsServer starts the Prometheus metrics HTTP server
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/metrics/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("metrics server healthy"))
	})

	return http.ListenAndServe(":"+strconv.Itoa(port), mux)
}

// Timer is a helper for measuring operation durations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed duration since the timer was created
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration observes the duration in the given histogram
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}
