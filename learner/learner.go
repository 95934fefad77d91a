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

// Package learner closes the loop: it turns each traversal's reflection into
// durable knowledge. Insights are scored for actionability and materialised
// as strategies, model-proposed modifications evolve existing strategies,
// recent attempts sweep strategy confidence, the traversal is archived as an
// episode, recurring structures are mined into memory patterns, and the
// improvement trajectory yields a learning velocity. Store failures degrade
// to skipped writes; learning never aborts the remediation loop.
package learner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"pod-healer/events"
	"pod-healer/incident"
	"pod-healer/logger"
	"pod-healer/metrics"
	"pod-healer/observer"
	"pod-healer/reflection"
	"pod-healer/store"
)

const (
	// sweepWindow bounds how many recent attempts feed the confidence sweep.
	sweepWindow = 10
	// sweepSampleTarget is the sample count granting full sweep weight.
	sweepSampleTarget = 5
	// velocityWindow bounds how many trajectory points feed the velocity slope.
	velocityWindow = 5
	// episodeLessonLimit caps how many insights an episode archives as lessons.
	episodeLessonLimit = 3
)

// Learner integrates reflection output into the three stores.
type Learner struct {
	strategies  store.StrategyStore
	episodes    store.EpisodeStore
	performance store.PerformanceStore
	metrics     *metrics.AgentMetrics
	bus         *events.EventBus
	now         func() time.Time
}

// New builds a Learner. agentMetrics and bus may be nil.
func New(strategies store.StrategyStore, episodes store.EpisodeStore, performance store.PerformanceStore,
	agentMetrics *metrics.AgentMetrics, bus *events.EventBus) *Learner {
	return &Learner{
		strategies:  strategies,
		episodes:    episodes,
		performance: performance,
		metrics:     agentMetrics,
		bus:         bus,
		now:         time.Now,
	}
}

// Input carries one finished traversal into the learning cycle. PastAttempts
// must already include the current attempt; the trajectory must not, since
// the cycle appends this traversal's point itself.
type Input struct {
	Incident         *incident.Incident
	Strategy         *store.Strategy
	Reflection       *reflection.Entry // nil when reflection was skipped
	Observation      *observer.Observation
	PastAttempts     []observer.Attempt
	RetryCount       int
	Success          bool
	ResolutionTime   float64
	ConfidenceBefore float64
	ConfidenceAfter  float64
	Trajectory       []float64
}

// Result summarises what one learning cycle changed.
type Result struct {
	InsightsProcessed  int               `json:"insights_processed"`
	ActionableInsights []InsightAnalysis `json:"actionable_insights,omitempty"`
	StrategiesEvolved  int               `json:"strategies_evolved"`
	StrategiesCreated  int               `json:"strategies_created"`
	PatternsDetected   int               `json:"patterns_detected"`
	EpisodeID          string            `json:"episode_id,omitempty"`
	OverallSuccessRate float64           `json:"overall_success_rate"`
	LearningVelocity   float64           `json:"learning_velocity"`
	Trajectory         []float64         `json:"improvement_trajectory"`
}

// LearnAndEvolve runs the full learning cycle for one traversal.
func (l *Learner) LearnAndEvolve(ctx context.Context, in Input) *Result {
	logger.Info("📚 Learning from %s/%s (success=%t, retry=%d)",
		in.Incident.Namespace, in.Incident.PodName, in.Success, in.RetryCount)

	result := &Result{}

	l.processInsights(in, result)
	l.evolveStrategies(ctx, in, result)
	l.convertInsights(ctx, in, result)
	l.sweepConfidence(ctx, in)
	l.storeEpisode(ctx, in, result)
	result.PatternsDetected = l.detectPatterns(ctx, in)
	l.updateVelocity(ctx, in, result)

	logger.Info("📚 Learning completed for %s/%s: %d insights (%d actionable), %d evolved, %d created, %d patterns, velocity=%.3f",
		in.Incident.Namespace, in.Incident.PodName,
		result.InsightsProcessed, len(result.ActionableInsights),
		result.StrategiesEvolved, result.StrategiesCreated,
		result.PatternsDetected, result.LearningVelocity)
	return result
}

// processInsights scores every reflection insight and keeps the actionable ones.
func (l *Learner) processInsights(in Input, result *Result) {
	if in.Reflection == nil {
		return
	}
	for _, insight := range in.Reflection.Insights {
		analysis := AnalyzeInsight(insight)
		result.InsightsProcessed++
		if l.metrics != nil {
			l.metrics.RecordInsight(analysis.Type, analysis.Actionable)
		}
		if analysis.Actionable {
			result.ActionableInsights = append(result.ActionableInsights, analysis)
		}
	}
}

// evolveStrategies applies the reflection's validated strategy modifications:
// named strategies evolve in place, unknown ids become new strategies.
func (l *Learner) evolveStrategies(ctx context.Context, in Input, result *Result) {
	if in.Reflection == nil || l.strategies == nil {
		return
	}
	validated := validateModifications(in.Reflection.StrategyModifications)
	if len(validated) == 0 {
		return
	}

	ids := make([]string, 0, len(validated))
	for id := range validated {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	trigger := fmt.Sprintf("reflection_insight_%s", in.Incident.ThreadID)
	for _, id := range ids {
		mods := validated[id]

		existing, err := l.strategies.Get(ctx, id)
		switch {
		case err == nil:
			applied := applyModifications(existing, mods)
			description := fmt.Sprintf("Applied modifications: %v", applied)
			if err := l.strategies.Update(ctx, existing, store.ChangeModified, description, trigger); err != nil {
				logger.Warn("Strategy evolution skipped for %s: %v", id, err)
				continue
			}
			result.StrategiesEvolved++
			l.recordStrategyChange(in, existing, events.EventStrategyModified, description)
		case errors.Is(err, store.ErrNotFound):
			created := newStrategyFromModifications(id, in.Incident, mods)
			if err := l.strategies.Add(ctx, created); err != nil {
				logger.Warn("Strategy creation skipped for %s: %v", id, err)
				continue
			}
			result.StrategiesCreated++
			l.recordStrategyChange(in, created, events.EventStrategyCreated, "New strategy created from reflection insights")
		default:
			logger.Warn("Strategy lookup failed for %s: %v", id, err)
		}
	}
}

// convertInsights materialises high and medium priority actionable insights
// as new strategies. An insight whose derived id already exists has been
// learned before and is left alone; the confidence sweep keeps it honest.
func (l *Learner) convertInsights(ctx context.Context, in Input, result *Result) {
	if l.strategies == nil {
		return
	}
	for _, analysis := range result.ActionableInsights {
		if analysis.Priority == PriorityLow {
			continue
		}
		created := strategyFromInsight(analysis, in.Incident)
		if created == nil {
			continue
		}

		err := l.strategies.Add(ctx, created)
		if errors.Is(err, store.ErrConflict) {
			logger.Debug("Insight strategy %s already exists, skipping", created.ID)
			continue
		}
		if err != nil {
			logger.Warn("Insight strategy creation skipped for %s: %v", created.ID, err)
			continue
		}
		result.StrategiesCreated++
		l.recordStrategyChange(in, created, events.EventStrategyCreated,
			fmt.Sprintf("Strategy from %s insight", analysis.Type))
	}
}

func (l *Learner) recordStrategyChange(in Input, strat *store.Strategy, eventType events.EventType, message string) {
	if l.metrics != nil {
		if eventType == events.EventStrategyCreated {
			l.metrics.RecordStrategyCreated()
		} else {
			l.metrics.RecordStrategyModified()
		}
	}
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.NewEvent(eventType, in.Incident.Namespace, in.Incident.PodName,
		events.SeverityInfo, message).
		WithWorkflowID(in.Incident.ThreadID).
		WithErrorClass(in.Incident.ErrorClass.String()).
		WithDetails(map[string]interface{}{
			"strategy_id": strat.ID,
			"confidence":  strat.Confidence,
		}))
}

// sweepConfidence folds recent per-strategy success rates into stored
// confidence: new = 0.7*old + 0.3*rate*min(1, samples/5).
func (l *Learner) sweepConfidence(ctx context.Context, in Input) {
	if l.strategies == nil {
		return
	}

	attempts := in.PastAttempts
	if len(attempts) > sweepWindow {
		attempts = attempts[len(attempts)-sweepWindow:]
	}

	type tally struct {
		total     int
		successes int
	}
	byStrategy := map[string]*tally{}
	for _, attempt := range attempts {
		if attempt.StrategyID == "" {
			continue
		}
		t := byStrategy[attempt.StrategyID]
		if t == nil {
			t = &tally{}
			byStrategy[attempt.StrategyID] = t
		}
		t.total++
		if attempt.Success {
			t.successes++
		}
	}
	if len(byStrategy) == 0 {
		return
	}

	ids := make([]string, 0, len(byStrategy))
	for id := range byStrategy {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	trigger := fmt.Sprintf("performance_sweep_%s", in.Incident.ThreadID)
	for _, id := range ids {
		strat, err := l.strategies.Get(ctx, id)
		if err != nil {
			continue
		}
		t := byStrategy[id]
		rate := float64(t.successes) / float64(t.total)
		weight := math.Min(1, float64(t.total)/sweepSampleTarget)
		updated := round3(strat.Confidence*0.7 + rate*weight*0.3)

		if err := l.strategies.UpdateConfidence(ctx, id, updated, trigger); err != nil {
			logger.Warn("Confidence sweep skipped for %s: %v", id, err)
			continue
		}
		if l.metrics != nil {
			l.metrics.UpdateStrategyConfidence(id, strat.ErrorType, updated)
		}
		logger.Debug("Confidence sweep %s: %.3f -> %.3f (rate=%.2f over %d)",
			id, strat.Confidence, updated, rate, t.total)
	}
}

// storeEpisode archives the traversal. The id embeds the retry count so each
// traversal of a retrying workflow gets its own episode.
func (l *Learner) storeEpisode(ctx context.Context, in Input, result *Result) {
	if l.episodes == nil {
		return
	}

	episode := l.buildEpisode(in)
	if err := l.episodes.Store(ctx, episode); err != nil {
		logger.Warn("Episode write skipped for %s: %v", episode.ID, err)
		return
	}
	result.EpisodeID = episode.ID

	if l.metrics != nil {
		l.metrics.RecordEpisodeStored()
	}
	if l.bus != nil {
		l.bus.Publish(events.NewEvent(events.EventEpisodeStored, in.Incident.Namespace,
			in.Incident.PodName, events.SeverityInfo, "Episode stored").
			WithWorkflowID(in.Incident.ThreadID).
			WithErrorClass(in.Incident.ErrorClass.String()).
			WithDetails(map[string]interface{}{
				"episode_id": episode.ID,
				"lessons":    len(episode.LessonsLearned),
			}))
	}
}

func (l *Learner) buildEpisode(in Input) *store.Episode {
	// The episode context shares the incident's key vocabulary so stored
	// episodes stay comparable with retrieval-time contexts.
	ectx := in.Incident.Context()
	ectx["retry_count"] = strconv.Itoa(in.RetryCount)

	outcome := map[string]interface{}{
		"success":         in.Success,
		"resolution_time": in.ResolutionTime,
	}
	if in.Observation != nil {
		outcome["observation_quality"] = in.Observation.Quality
		if cf := in.Observation.ContextFactors; cf != nil {
			ectx["namespace_criticality"] = cf.NamespaceCriticality
		}
	}

	var lessons []string
	var quality float64
	var insights int
	if in.Reflection != nil {
		lessons = in.Reflection.Insights
		if len(lessons) > episodeLessonLimit {
			lessons = lessons[:episodeLessonLimit]
		}
		quality = in.Reflection.QualityScore
		insights = len(in.Reflection.Insights)
	}

	var actions []map[string]interface{}
	if in.Strategy != nil {
		actions = in.Strategy.Actions
	}

	return &store.Episode{
		ID:                fmt.Sprintf("%s_%s_%d", in.Incident.ThreadID, in.Incident.PodName, in.RetryCount),
		PodName:           in.Incident.PodName,
		Namespace:         in.Incident.Namespace,
		ErrorType:         in.Incident.ErrorClass.String(),
		Context:           ectx,
		ActionsTaken:      actions,
		Outcome:           outcome,
		LessonsLearned:    lessons,
		ConfidenceBefore:  in.ConfidenceBefore,
		ConfidenceAfter:   in.ConfidenceAfter,
		ResolutionTime:    in.ResolutionTime,
		Timestamp:         l.now().UTC(),
		ReflectionQuality: quality,
		InsightsGenerated: insights,
	}
}

// updateVelocity appends this traversal's cumulative success rate to the
// improvement trajectory and derives the learning velocity from its tail.
func (l *Learner) updateVelocity(ctx context.Context, in Input, result *Result) {
	rate := overallSuccessRate(in)

	trajectory := make([]float64, 0, len(in.Trajectory)+1)
	trajectory = append(trajectory, in.Trajectory...)
	trajectory = append(trajectory, rate)

	result.OverallSuccessRate = rate
	result.Trajectory = trajectory
	result.LearningVelocity = learningVelocity(trajectory)

	if l.metrics != nil {
		l.metrics.UpdateOverallSuccessRate(rate)
		l.metrics.UpdateLearningVelocity(result.LearningVelocity)
	}
	if l.performance != nil {
		if err := l.performance.UpdateLearningVelocity(ctx, result.LearningVelocity); err != nil {
			logger.Warn("Learning velocity write skipped: %v", err)
		}
	}
}

func overallSuccessRate(in Input) float64 {
	if len(in.PastAttempts) == 0 {
		if in.Success {
			return 1
		}
		return 0
	}
	successes := 0
	for _, attempt := range in.PastAttempts {
		if attempt.Success {
			successes++
		}
	}
	return float64(successes) / float64(len(in.PastAttempts))
}

// learningVelocity is the least-squares slope over the trajectory tail,
// shifted and clamped into [0,1] so 0.5 means holding steady.
func learningVelocity(trajectory []float64) float64 {
	if len(trajectory) < 3 {
		return 0
	}

	recent := trajectory
	if len(recent) > velocityWindow {
		recent = recent[len(recent)-velocityWindow:]
	}

	n := float64(len(recent))
	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range recent {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}

	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (n*sumXY - sumX*sumY) / denom

	return round3(math.Max(0, math.Min(1, slope+0.5)))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
