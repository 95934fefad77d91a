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

package agent

import (
	"time"

	"pod-healer/executor"
	"pod-healer/incident"
	"pod-healer/observer"
	"pod-healer/planner"
	"pod-healer/reflection"
	"pod-healer/store"
)

// Graph nodes. One remediation traversal walks these until a route function
// returns a terminal decision.
const (
	nodeAnalyze      = "analyze_error"
	nodeSelection    = "strategy_selection"
	nodeDecide       = "decide_strategy"
	nodeExecute      = "execute_fix"
	nodeObserve      = "observe_outcome"
	nodeReflect      = "reflect_on_action"
	nodeLearn        = "learn_and_evolve"
	nodeMetaReflect  = "meta_reflection"
	nodeDeepAnalysis = "deep_analysis"
	nodeEscalate     = "human_escalation"
	nodeEnd          = "end"
)

// Decision is a tagged routing verdict. Route functions return these instead
// of raw node names so the transition table stays auditable in one place.
type Decision string

const (
	DecideSuccess           Decision = "success"
	DecideRetry             Decision = "retry"
	DecideMetaReflect       Decision = "meta_reflection"
	DecideDeepAnalysis      Decision = "deep_analysis"
	DecideEscalate          Decision = "human_escalation"
	DecideRetryWithInsights Decision = "retry_with_insights"
	DecideEnd               Decision = "end"
)

// Escalation reasons.
const (
	reasonResolutionFailed = "automated_resolution_failed"
	reasonRetryCapReached  = "retry_cap_reached"
	reasonRecursionLimit   = "recursion_limit_reached"
)

// Analysis is the triage verdict for one incident. Confidence reaches 0.95
// when a cluster snapshot backs the diagnosis instead of heuristics alone.
type Analysis struct {
	ErrorClass      string   `json:"error_class"`
	Confidence      float64  `json:"confidence"`
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations,omitempty"`
	UsedClusterData bool     `json:"used_cluster_data"`
	Depth           string   `json:"depth"`
}

// State is the full traversal state. Nodes take it by value and return the
// updated copy, so every transition is explicit and replayable.
type State struct {
	Incident   *incident.Incident
	WorkflowID string
	StartedAt  time.Time

	Analysis        *Analysis
	Strategy        *store.Strategy
	SelectionReason string
	Reasoning       string
	Plan            *planner.Plan
	Report          *executor.Report
	Observation     *observer.Observation
	Reflection      *reflection.Entry
	Meta            *reflection.MetaReflection

	History      []reflection.Entry
	PastAttempts []observer.Attempt
	Trajectory   []float64

	RetryCount        int
	Success           bool
	ResolutionTime    float64
	SelfAwareness     float64
	LearningVelocity  float64
	StrategiesKnown   int
	StrategiesLearned int
	LastError         string
	ConfidenceBefore  float64
	ConfidenceAfter   float64

	DeepAnalysisPerformed bool
	EscalationReason      string
	Escalation            *EscalationContext
	RequiresHuman         bool

	selectionVisits int
}

// EscalationContext is handed to humans when the agent gives up.
type EscalationContext struct {
	Reason          string           `json:"reason"`
	AttemptsMade    int              `json:"attempts_made"`
	StrategiesTried []string         `json:"strategies_tried"`
	LastError       string           `json:"last_error,omitempty"`
	Summary         ReflexionSummary `json:"reflexion_summary"`
}

// ReflexionSummary condenses the learning side of a traversal.
type ReflexionSummary struct {
	ReflectionsPerformed int     `json:"reflections_performed"`
	StrategiesLearned    int     `json:"strategies_learned"`
	SelfAwarenessLevel   float64 `json:"self_awareness_level"`
	LearningVelocity     float64 `json:"learning_velocity"`
	UsedRealClusterData  bool    `json:"used_real_cluster_data"`
}

// Result is what Process hands back for one incident.
type Result struct {
	WorkflowID                string             `json:"workflow_id"`
	Success                   bool               `json:"success"`
	PodName                   string             `json:"pod_name"`
	Namespace                 string             `json:"namespace"`
	ErrorClass                string             `json:"error_class"`
	FinalStrategy             *store.Strategy    `json:"final_strategy,omitempty"`
	SelectionReason           string             `json:"selection_reason,omitempty"`
	RetryCount                int                `json:"retry_count"`
	ResolutionTime            float64            `json:"resolution_time_seconds"`
	RequiresHumanIntervention bool               `json:"requires_human_intervention"`
	Escalation                *EscalationContext `json:"escalation,omitempty"`
	Summary                   ReflexionSummary   `json:"reflexion_summary"`
}

// routeAfterLearning decides where a traversal goes once the learning cycle
// has run. Order matters: success wins, then bounded retries, then the
// self-critical paths, and escalation is the floor.
func routeAfterLearning(s State) Decision {
	if s.Success {
		return DecideSuccess
	}
	if s.RetryCount < 3 {
		if s.SelfAwareness > 0.7 && s.StrategiesKnown > 0 {
			return DecideRetry
		}
		if s.RetryCount < 2 {
			return DecideRetry
		}
	}
	if s.RetryCount >= 2 && s.SelfAwareness < 0.6 {
		return DecideMetaReflect
	}
	if !s.Incident.ErrorClass.Known() && !s.DeepAnalysisPerformed {
		return DecideDeepAnalysis
	}
	return DecideEscalate
}

// routeAfterMeta decides what to do with a meta-reflection verdict.
func routeAfterMeta(s State) Decision {
	if s.Meta != nil && s.Meta.ActionableInsights {
		return DecideRetryWithInsights
	}
	if s.RetryCount >= 3 {
		return DecideEscalate
	}
	return DecideEnd
}

// result folds the final state into the caller-facing shape.
func (s State) result() *Result {
	return &Result{
		WorkflowID:                s.WorkflowID,
		Success:                   s.Success,
		PodName:                   s.Incident.PodName,
		Namespace:                 s.Incident.Namespace,
		ErrorClass:                s.Incident.ErrorClass.String(),
		FinalStrategy:             s.Strategy,
		SelectionReason:           s.SelectionReason,
		RetryCount:                s.RetryCount,
		ResolutionTime:            s.ResolutionTime,
		RequiresHumanIntervention: s.RequiresHuman,
		Escalation:                s.Escalation,
		Summary:                   s.summary(),
	}
}

func (s State) summary() ReflexionSummary {
	return ReflexionSummary{
		ReflectionsPerformed: len(s.History),
		StrategiesLearned:    s.StrategiesLearned,
		SelfAwarenessLevel:   s.SelfAwareness,
		LearningVelocity:     s.LearningVelocity,
		UsedRealClusterData:  s.Analysis != nil && s.Analysis.UsedClusterData,
	}
}

// strategiesTried lists the distinct strategy types applied so far, oldest
// first, for the escalation hand-off.
func (s State) strategiesTried() []string {
	seen := make(map[string]bool, len(s.PastAttempts))
	var tried []string
	for _, attempt := range s.PastAttempts {
		label := attempt.StrategyType
		if label == "" {
			label = attempt.StrategyID
		}
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		tried = append(tried, label)
	}
	return tried
}
