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

// Package reflection runs the agent's self-analysis after a remediation
// attempt: it prompts the model to critique the decision that was made,
// extracts insights and proposed strategy modifications from the answer,
// scores the reflection's quality, and tracks the agent's self-awareness
// across reflections. A failed model call degrades to a cheap fallback entry
// instead of stopping the loop.
package reflection

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"pod-healer/config"
	"pod-healer/events"
	"pod-healer/incident"
	"pod-healer/llm"
	"pod-healer/logger"
	"pod-healer/metrics"
	"pod-healer/observer"
)

// slowResolutionThreshold marks resolutions worth reflecting on even when
// they succeeded.
const slowResolutionThreshold = 60.0 // seconds

// selfAwarenessWindow bounds how many recent reflections feed the
// self-awareness average.
const selfAwarenessWindow = 5

// metaWindow bounds how many reflections the meta-reflection examines.
const metaWindow = 3

// Entry is one reflection record.
type Entry struct {
	Timestamp             time.Time              `json:"timestamp"`
	TriggerAction         string                 `json:"trigger_action"` // JSON of the strategy that was applied
	ReflectionText        string                 `json:"reflection_text"`
	Insights              []string               `json:"insights"`
	StrategyModifications map[string]interface{} `json:"strategy_modifications,omitempty"`
	ConfidenceUpdates     map[string]float64     `json:"confidence_updates,omitempty"`
	Confidence            float64                `json:"confidence"`
	QualityScore          float64                `json:"quality_score"`
	FallbackUsed          bool                   `json:"fallback_used,omitempty"`
}

// StrategySummary condenses the strategy store for the prompt.
type StrategySummary struct {
	Total int      `json:"total_strategies"`
	Types []string `json:"strategy_types,omitempty"`
}

// Input carries everything one reflection needs to see.
type Input struct {
	Incident        *incident.Incident
	StrategyJSON    string // the applied strategy, serialised
	Observation     *observer.Observation
	PastAttempts    []observer.Attempt
	RetryCount      int
	Success         bool
	ResolutionTime  float64 // seconds
	History         []Entry
	Trajectory      []float64 // improvement trajectory, for the trend line
	StrategySummary StrategySummary
}

// MetaReflection is the verdict on the reflection process itself.
type MetaReflection struct {
	QualityTrend          string  `json:"quality_trend"` // "improving" or "stable"
	AverageQuality        float64 `json:"average_quality"`
	InsightsPerReflection float64 `json:"insights_per_reflection"`
	ActionableInsights    bool    `json:"actionable_insights"`
	MetaInsight           string  `json:"meta_insight"`
}

// Reflector generates and scores reflections.
type Reflector struct {
	cfg     *config.Config
	llm     llm.Client
	metrics *metrics.AgentMetrics
	bus     *events.EventBus
	rand    func() float64
	now     func() time.Time
}

// New builds a Reflector. agentMetrics and bus may be nil.
func New(cfg *config.Config, client llm.Client, agentMetrics *metrics.AgentMetrics, bus *events.EventBus) *Reflector {
	return &Reflector{
		cfg:     cfg,
		llm:     client,
		metrics: agentMetrics,
		bus:     bus,
		rand:    rand.Float64,
		now:     time.Now,
	}
}

// ShouldReflect decides whether this attempt deserves a reflection: every
// failure and retry, the first attempt of a loop, slow resolutions, and a
// configurable share of ordinary successes.
func (r *Reflector) ShouldReflect(in Input) bool {
	switch {
	case !in.Success:
		return true
	case in.RetryCount > 0:
		return true
	case len(in.History) == 0:
		return true
	case in.ResolutionTime > slowResolutionThreshold:
		return true
	}
	return r.rand() < r.cfg.ReflectOnSuccessProbability
}

// Reflect asks the model for a self-analysis and distils it into an Entry.
// Model failures produce a fallback entry rather than an error.
func (r *Reflector) Reflect(ctx context.Context, in Input) *Entry {
	depth := r.cfg.ReflectionDepth
	logger.Info("🧠 Reflecting on %s/%s (depth=%s, retry=%d, success=%t)",
		in.Incident.Namespace, in.Incident.PodName, depth, in.RetryCount, in.Success)

	text, err := r.llm.Chat(ctx, "reflection", reflectionSystemPrompt, r.prompt(in))
	if err != nil {
		logger.Warn("⚠️ Reflection model call failed, recording fallback: %v", err)
		entry := r.fallbackEntry(in)
		r.record(in, entry, "fallback")
		return entry
	}

	entry := r.processResponse(text, in)
	r.record(in, entry, "llm")
	return entry
}

// processResponse turns raw reflection text into a structured Entry:
// a lenient JSON block parse for the structured fields plus marker-based
// insight extraction from the prose.
func (r *Reflector) processResponse(text string, in Input) *Entry {
	structured := parseStructured(text)

	confidence := 0.7
	if structured.overallConfidence != nil {
		confidence = *structured.overallConfidence
	}

	return &Entry{
		Timestamp:             r.now(),
		TriggerAction:         in.StrategyJSON,
		ReflectionText:        text,
		Insights:              extractInsights(text),
		StrategyModifications: structured.strategyModifications,
		ConfidenceUpdates:     structured.confidenceUpdates,
		Confidence:            confidence,
		QualityScore:          assessQuality(text, structured),
	}
}

// fallbackEntry is the cheap stand-in recorded when the model is
// unreachable. The caller additionally docks self-awareness by 0.1.
func (r *Reflector) fallbackEntry(in Input) *Entry {
	return &Entry{
		Timestamp:      r.now(),
		TriggerAction:  in.StrategyJSON,
		ReflectionText: "Fallback reflection: model analysis unavailable. Basic outcome recorded.",
		Insights: []string{
			"Reflection system needs improvement",
			"Fallback mechanism activated",
		},
		Confidence:   0.3,
		QualityScore: 0.2,
		FallbackUsed: true,
	}
}

func (r *Reflector) record(in Input, entry *Entry, source string) {
	if r.metrics != nil {
		r.metrics.RecordReflection(r.cfg.ReflectionDepth, source, entry.QualityScore)
	}
	if r.bus != nil {
		r.bus.Publish(events.NewEvent(events.EventReflectionGenerated,
			in.Incident.Namespace, in.Incident.PodName, events.SeverityInfo,
			"Reflection generated").
			WithWorkflowID(in.Incident.ThreadID).
			WithErrorClass(in.Incident.ErrorClass.String()).
			WithDetails(map[string]interface{}{
				"quality":    entry.QualityScore,
				"confidence": entry.Confidence,
				"insights":   len(entry.Insights),
				"source":     source,
			}))
	}
	logger.Info("🧠 Reflection recorded: quality=%.2f confidence=%.2f insights=%d",
		entry.QualityScore, entry.Confidence, len(entry.Insights))
}

// SelfAwareness combines recent reflection quality, insight depth, and the
// current reflection's confidence. history should already include current.
func SelfAwareness(current *Entry, history []Entry) float64 {
	if len(history) == 0 {
		return current.QualityScore
	}

	recent := history
	if len(recent) > selfAwarenessWindow {
		recent = recent[len(recent)-selfAwarenessWindow:]
	}

	var qualitySum float64
	var insightSum int
	for _, e := range recent {
		qualitySum += e.QualityScore
		insightSum += len(e.Insights)
	}
	avgQuality := qualitySum / float64(len(recent))
	insightDepth := float64(insightSum) / float64(len(recent)) / 3.0
	if insightDepth > 1 {
		insightDepth = 1
	}

	awareness := avgQuality*0.4 + insightDepth*0.3 + current.Confidence*0.3
	if awareness > 1 {
		return 1
	}
	return awareness
}

// AverageQuality is the mean quality over the whole reflection history.
func AverageQuality(history []Entry) float64 {
	if len(history) == 0 {
		return 0
	}
	var sum float64
	for _, e := range history {
		sum += e.QualityScore
	}
	return sum / float64(len(history))
}

// MetaReflect examines whether reflecting is still paying off. With fewer
// than two reflections there is nothing to judge.
func MetaReflect(history []Entry) *MetaReflection {
	if len(history) < 2 {
		return &MetaReflection{
			MetaInsight:        "Insufficient reflection history for meta-analysis",
			ActionableInsights: false,
		}
	}

	recent := history
	if len(recent) > metaWindow {
		recent = recent[len(recent)-metaWindow:]
	}

	var qualitySum float64
	var insightSum int
	for _, e := range recent {
		qualitySum += e.QualityScore
		insightSum += len(e.Insights)
	}
	avg := qualitySum / float64(len(recent))

	trend := "stable"
	if len(recent) > 1 && recent[len(recent)-1].QualityScore > recent[0].QualityScore {
		trend = "improving"
	}

	insight := "Reflection process is effective"
	if avg < 0.5 {
		insight = "Reflection quality needs improvement"
	}

	return &MetaReflection{
		QualityTrend:          trend,
		AverageQuality:        avg,
		InsightsPerReflection: float64(insightSum) / float64(len(recent)),
		ActionableInsights:    avg > 0.6,
		MetaInsight:           insight,
	}
}

// PerformanceTrend classifies the tail of the improvement trajectory.
func PerformanceTrend(trajectory []float64) string {
	if len(trajectory) < 2 {
		return "insufficient_data"
	}
	last := trajectory[len(trajectory)-1]
	prev := trajectory[len(trajectory)-2]
	switch {
	case last > prev:
		return "improving"
	case last < prev:
		return "declining"
	default:
		return "stable"
	}
}

// jsonValue marshals v for prompt embedding, degrading to "{}" on failure.
func jsonValue(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
