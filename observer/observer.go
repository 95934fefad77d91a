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

// Package observer turns the outcome of a remediation attempt into a
// multi-axis Observation: success state, performance, environmental context,
// comparison against past attempts, and anomaly flags. With a clientset it
// reads live pod state (and resource usage through metrics-server); without
// one it falls back to the incident's snapshot. Either way the reflector
// receives the same Observation shape.
package observer

import (
	"context"
	"time"

	"k8s.io/client-go/kubernetes"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"pod-healer/events"
	"pod-healer/incident"
	"pod-healer/logger"
	"pod-healer/metrics"
)

// Axis weights for the observation quality score. An axis that produced no
// data forfeits its weight.
const (
	weightSuccess     = 0.3
	weightPerformance = 0.2
	weightContext     = 0.2
	weightComparative = 0.2
	weightAnomaly     = 0.1

	fallbackQuality = 0.3
)

// Attempt is the condensed record of one earlier remediation attempt, used
// for the comparative axis and the learner's confidence sweep.
type Attempt struct {
	ErrorClass     string  `json:"error_class"`
	Namespace      string  `json:"namespace"`
	StrategyID     string  `json:"strategy_id"`
	StrategyType   string  `json:"strategy_type"`
	Success        bool    `json:"success"`
	ResolutionTime float64 `json:"resolution_time"`
}

// Outcome is what the loop hands the observer after executing a plan.
type Outcome struct {
	Incident       *incident.Incident
	StrategyType   string
	Success        bool
	RetryCount     int
	ResolutionTime float64 // seconds from plan synthesis to outcome
	PastAttempts   []Attempt
}

// SuccessMetrics captures whether the pod actually recovered.
type SuccessMetrics struct {
	PodPhase        string     `json:"pod_phase"`
	ContainersReady bool       `json:"containers_ready"`
	RestartCount    int        `json:"restart_count"`
	ReadyTime       *time.Time `json:"ready_time,omitempty"`
	ErrorResolved   bool       `json:"error_resolved"`
	StabilityScore  float64    `json:"stability_score"`
	Source          string     `json:"source"` // "live" or "snapshot"
}

// PerformanceMetrics captures how expensive the remediation was.
type PerformanceMetrics struct {
	TimeToResolution float64 `json:"time_to_resolution"`
	CPUImpact        float64 `json:"cpu_impact"`
	MemoryImpact     float64 `json:"memory_impact"`
	EfficiencyScore  float64 `json:"efficiency_score"`
}

// ContextFactors captures the environment the remediation ran in.
type ContextFactors struct {
	Timestamp            time.Time `json:"timestamp"`
	HourOfDay            int       `json:"hour_of_day"`
	DayOfWeek            int       `json:"day_of_week"` // Sunday = 0
	NamespaceCriticality string    `json:"namespace_criticality"`
	NamespacePodCount    int       `json:"namespace_pod_count,omitempty"`
	NamespaceFailedPods  int       `json:"namespace_failed_pods,omitempty"`
	RecentEvents         []string  `json:"recent_events,omitempty"`
}

// PreviousComparison relates this attempt to the one right before it.
type PreviousComparison struct {
	StrategySimilarity float64 `json:"strategy_similarity"`
	ContextSimilarity  float64 `json:"context_similarity"`
	OutcomeComparison  string  `json:"outcome_comparison"` // "improved" or "similar"
}

// SimilarComparison relates this attempt to past attempts on the same error
// class.
type SimilarComparison struct {
	HistoricalSuccessRate   float64 `json:"historical_success_rate"`
	AvgHistoricalResolution float64 `json:"avg_historical_resolution"`
	PerformanceVsHistorical string  `json:"performance_vs_historical"` // "better" or "worse"
}

// ComparativeAnalysis is the history axis.
type ComparativeAnalysis struct {
	VsPrevious            *PreviousComparison `json:"vs_previous,omitempty"`
	VsSimilar             *SimilarComparison  `json:"vs_similar,omitempty"`
	ImprovementTrajectory []float64           `json:"improvement_trajectory,omitempty"`
	PatternConsistency    float64             `json:"pattern_consistency"`
}

// AnomalyDetection flags outcomes that deserve a closer look.
type AnomalyDetection struct {
	UnexpectedSuccess   bool    `json:"unexpected_success"`
	UnusualTiming       bool    `json:"unusual_timing"`
	ResourceAnomaly     bool    `json:"resource_anomaly"`
	PatternViolation    bool    `json:"pattern_violation"`
	AnomalyScore        float64 `json:"anomaly_score"`
	InvestigationNeeded bool    `json:"investigation_needed"`
}

// Observation is the full multi-axis outcome record. A nil axis means the
// observer could not produce data for it, and the quality score reflects
// that.
type Observation struct {
	SuccessMetrics      *SuccessMetrics      `json:"success_metrics,omitempty"`
	PerformanceMetrics  *PerformanceMetrics  `json:"performance_metrics,omitempty"`
	ContextFactors      *ContextFactors      `json:"context_factors,omitempty"`
	ComparativeAnalysis *ComparativeAnalysis `json:"comparative_analysis,omitempty"`
	AnomalyDetection    *AnomalyDetection    `json:"anomaly_detection,omitempty"`
	Quality             float64              `json:"quality"`
	FallbackUsed        bool                 `json:"fallback_used,omitempty"`
	CollectedAt         time.Time            `json:"collected_at"`
}

// Observer collects observations. clientset and metricsClient are optional;
// without them the observer works from snapshots and fixed impact estimates.
type Observer struct {
	clientset     kubernetes.Interface
	metricsClient metricsclient.Interface
	metrics       *metrics.AgentMetrics
	bus           *events.EventBus
	now           func() time.Time
}

// New builds an Observer. Any dependency may be nil.
func New(clientset kubernetes.Interface, metricsClient metricsclient.Interface, agentMetrics *metrics.AgentMetrics, bus *events.EventBus) *Observer {
	return &Observer{
		clientset:     clientset,
		metricsClient: metricsClient,
		metrics:       agentMetrics,
		bus:           bus,
		now:           time.Now,
	}
}

// Observe builds the observation for one attempt. It never fails: axes that
// cannot be collected are left nil and the quality score shrinks, and a
// missing incident degrades to a minimal fallback observation.
func (o *Observer) Observe(ctx context.Context, out Outcome) *Observation {
	collectedAt := o.now()

	if out.Incident == nil {
		logger.Warn("⚠️ Observation requested without an incident, recording fallback")
		obs := &Observation{
			Quality:      fallbackQuality,
			FallbackUsed: true,
			CollectedAt:  collectedAt,
		}
		o.recordQuality(obs, "", "", "")
		return obs
	}

	obs := &Observation{
		SuccessMetrics:      o.collectSuccess(ctx, out),
		PerformanceMetrics:  o.collectPerformance(ctx, out),
		ContextFactors:      o.collectContext(ctx, out, collectedAt),
		ComparativeAnalysis: compare(out),
		AnomalyDetection:    detectAnomalies(out),
		CollectedAt:         collectedAt,
	}
	obs.Quality = assessQuality(obs)

	logger.Info("📊 Observation for %s/%s: quality=%.2f stability=%.2f anomaly=%.2f",
		out.Incident.Namespace, out.Incident.PodName, obs.Quality,
		stabilityOf(obs), anomalyOf(obs))
	o.recordQuality(obs, out.Incident.Namespace, out.Incident.PodName, out.Incident.ThreadID)
	return obs
}

func (o *Observer) recordQuality(obs *Observation, ns, pod, workflowID string) {
	if o.metrics != nil {
		o.metrics.RecordObservationQuality(obs.Quality)
	}
	if o.bus != nil {
		details := map[string]interface{}{
			"quality":       obs.Quality,
			"fallback_used": obs.FallbackUsed,
		}
		if obs.AnomalyDetection != nil {
			details["anomaly_score"] = obs.AnomalyDetection.AnomalyScore
		}
		o.bus.Publish(events.NewEvent(events.EventObservationRecorded, ns, pod,
			events.SeverityInfo, "Observation recorded").
			WithWorkflowID(workflowID).
			WithDetails(details))
	}
}

// assessQuality sums the weights of the axes that produced data.
func assessQuality(obs *Observation) float64 {
	quality := 0.0
	if obs.SuccessMetrics != nil {
		quality += weightSuccess
	}
	if obs.PerformanceMetrics != nil {
		quality += weightPerformance
	}
	if obs.ContextFactors != nil {
		quality += weightContext
	}
	if obs.ComparativeAnalysis != nil {
		quality += weightComparative
	}
	if obs.AnomalyDetection != nil {
		quality += weightAnomaly
	}
	return quality
}

func stabilityOf(obs *Observation) float64 {
	if obs.SuccessMetrics == nil {
		return 0
	}
	return obs.SuccessMetrics.StabilityScore
}

func anomalyOf(obs *Observation) float64 {
	if obs.AnomalyDetection == nil {
		return 0
	}
	return obs.AnomalyDetection.AnomalyScore
}
