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

// Package agent runs the remediation loop. One incident is walked through
// analysis, strategy selection, plan execution, observation, reflection and
// learning, then routed: retry while the budget allows, meta-reflect when
// self-awareness drops, deepen the analysis for unknown error classes, and
// escalate to humans as the floor. The loop is bounded by a hard retry cap
// and a transition limit, and every component failure degrades into a
// recorded unsuccessful attempt rather than an error to the caller.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"pod-healer/audit"
	"pod-healer/config"
	agenterrors "pod-healer/errors"
	"pod-healer/events"
	"pod-healer/executor"
	"pod-healer/incident"
	"pod-healer/learner"
	"pod-healer/llm"
	"pod-healer/logger"
	"pod-healer/metrics"
	"pod-healer/observer"
	"pod-healer/planner"
	"pod-healer/reflection"
	"pod-healer/store"
)

// initialSelfAwareness seeds every traversal; reflections move it from there.
const initialSelfAwareness = 0.5

// PlanExecutor runs a synthesised plan against the cluster. *executor.Executor
// satisfies it.
type PlanExecutor interface {
	Execute(ctx context.Context, target executor.Target, plan *planner.Plan) (*executor.Report, error)
}

// Deps are the leaves the agent is wired from. Stores and the model client
// are required; everything else may be nil and degrades accordingly (no
// cluster reads without a clientset, no command execution telemetry without
// metrics, and so on). Executor overrides the default command executor.
type Deps struct {
	Strategies    store.StrategyStore
	Episodes      store.EpisodeStore
	Performance   store.PerformanceStore
	LLM           llm.Client
	Clientset     kubernetes.Interface
	MetricsClient metricsclient.Interface
	Executor      PlanExecutor
	Metrics       *metrics.AgentMetrics
	Audit         *audit.AuditLogger
	Bus           *events.EventBus
}

// Agent owns one remediation loop and the stores behind it. All methods are
// safe for concurrent use; resets exclude in-flight traversals.
type Agent struct {
	cfg *config.Config

	mu          sync.RWMutex
	strategies  store.StrategyStore
	episodes    store.EpisodeStore
	performance store.PerformanceStore
	planner     *planner.Planner
	exec        PlanExecutor
	observer    *observer.Observer
	reflector   *reflection.Reflector
	learner     *learner.Learner

	llm           llm.Client
	clientset     kubernetes.Interface
	metricsClient metricsclient.Interface
	metrics       *metrics.AgentMetrics
	audit         *audit.AuditLogger
	bus           *events.EventBus

	randFloat func() float64
	randIntn  func(int) int
	now       func() time.Time
}

// New wires an agent from its dependencies.
func New(cfg *config.Config, d Deps) *Agent {
	a := &Agent{
		cfg:           cfg,
		strategies:    d.Strategies,
		episodes:      d.Episodes,
		performance:   d.Performance,
		exec:          d.Executor,
		llm:           d.LLM,
		clientset:     d.Clientset,
		metricsClient: d.MetricsClient,
		metrics:       d.Metrics,
		audit:         d.Audit,
		bus:           d.Bus,
		randFloat:     rand.Float64,
		randIntn:      rand.Intn,
		now:           time.Now,
	}
	a.rebuild()
	return a
}

// Open builds an agent with stores opened at the configured paths. The
// caller owns Close.
func Open(cfg *config.Config, d Deps) (*Agent, error) {
	var err error
	if d.Strategies == nil {
		d.Strategies, err = store.NewStrategyStore(cfg.StrategyDBPath, d.Metrics)
		if err != nil {
			return nil, err
		}
	}
	if d.Episodes == nil {
		d.Episodes, err = store.NewEpisodeStore(cfg.EpisodicDBPath, d.Metrics)
		if err != nil {
			return nil, err
		}
	}
	if d.Performance == nil {
		d.Performance, err = store.NewPerformanceStore(cfg.PerformanceDBPath, d.Metrics)
		if err != nil {
			return nil, err
		}
	}
	return New(cfg, d), nil
}

// rebuild wires the loop components from the agent's current stores. Runs at
// construction and again after a nuclear reset swaps the stores out. The
// executor is kept: it holds no store references.
func (a *Agent) rebuild() {
	a.planner = planner.New(a.cfg, a.llm, a.episodes, a.clientset, a.bus)
	a.observer = observer.New(a.clientset, a.metricsClient, a.metrics, a.bus)
	a.reflector = reflection.New(a.cfg, a.llm, a.metrics, a.bus)
	a.learner = learner.New(a.strategies, a.episodes, a.performance, a.metrics, a.bus)
	if a.exec == nil {
		a.exec = executor.New(a.cfg, a.metrics, a.audit, a.bus)
	}
}

// Close releases the stores.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeStores()
}

func (a *Agent) closeStores() error {
	var errs []error
	for _, c := range []interface{ Close() error }{a.strategies, a.episodes, a.performance} {
		if c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Process runs the remediation loop for one incident until it terminates.
// The returned error is limited to input validation; every downstream
// failure is absorbed into the Result, escalating to humans when the loop
// cannot converge.
func (a *Agent) Process(ctx context.Context, in *incident.Incident) (*Result, error) {
	if in == nil {
		return nil, agenterrors.ValidationError("agent.process", "incident is required")
	}
	if in.PodName == "" || in.Namespace == "" {
		return nil, agenterrors.ValidationError("agent.process", "pod name and namespace are required")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	s := a.newState(in)
	logger.Info("🚀 Workflow %s started for %s/%s (%s)",
		s.WorkflowID, in.Namespace, in.PodName, in.ErrorClass)
	if a.metrics != nil {
		a.metrics.RecordIncidentProcessed(in.Namespace, in.ErrorClass.String())
	}
	a.publish(events.NewEvent(events.EventLoopStarted, in.Namespace, in.PodName,
		events.SeverityInfo, fmt.Sprintf("Remediation loop started for %s", in.ErrorClass)).
		WithWorkflowID(s.WorkflowID).
		WithErrorClass(in.ErrorClass.String()))

	node := nodeAnalyze
	for transitions := 0; node != nodeEnd; transitions++ {
		if transitions >= a.cfg.RecursionLimit {
			logger.Error("Workflow %s hit the recursion limit (%d transitions)",
				s.WorkflowID, a.cfg.RecursionLimit)
			s.EscalationReason = reasonRecursionLimit
			s = a.escalate(s)
			break
		}
		s, node = a.step(ctx, s, node)
	}

	a.finish(s)
	return s.result(), nil
}

// step executes one node and names the next. Strategy selection is the
// canonical retry increment site; the hard cap is enforced there so no
// routing path can exceed it.
func (a *Agent) step(ctx context.Context, s State, node string) (State, string) {
	switch node {
	case nodeAnalyze:
		return a.analyze(ctx, s), nodeSelection

	case nodeSelection:
		if s.selectionVisits > 0 {
			s.RetryCount++
		}
		s.selectionVisits++
		if s.RetryCount >= a.cfg.HardRetryCap {
			logger.Warn("⛔ Workflow %s reached the retry cap (%d)", s.WorkflowID, a.cfg.HardRetryCap)
			if a.metrics != nil {
				a.metrics.RecordRetriesExhausted(s.Incident.ErrorClass.String())
			}
			s.EscalationReason = reasonRetryCapReached
			return s, nodeEscalate
		}
		return a.selectStrategy(ctx, s), nodeDecide

	case nodeDecide:
		return a.decideStrategy(s), nodeExecute

	case nodeExecute:
		return a.executeFix(ctx, s), nodeObserve

	case nodeObserve:
		return a.observeOutcome(ctx, s), nodeReflect

	case nodeReflect:
		return a.reflectOnAction(ctx, s), nodeLearn

	case nodeLearn:
		s = a.learnAndEvolve(ctx, s)
		return a.route(s)

	case nodeMetaReflect:
		s = a.metaReflect(s)
		switch routeAfterMeta(s) {
		case DecideRetryWithInsights:
			logger.Info("🔁 Meta-reflection found actionable insights, retrying workflow %s", s.WorkflowID)
			return s, nodeSelection
		case DecideEscalate:
			s.EscalationReason = reasonResolutionFailed
			return s, nodeEscalate
		}
		return s, nodeEnd

	case nodeDeepAnalysis:
		return a.deepAnalysis(s), nodeSelection

	case nodeEscalate:
		return a.escalate(s), nodeEnd
	}
	return s, nodeEnd
}

// route applies the post-learning transition table.
func (a *Agent) route(s State) (State, string) {
	switch routeAfterLearning(s) {
	case DecideSuccess:
		return s, nodeEnd
	case DecideRetry:
		logger.Info("🔁 Workflow %s retrying after failed attempt %d", s.WorkflowID, s.RetryCount+1)
		return s, nodeSelection
	case DecideMetaReflect:
		return s, nodeMetaReflect
	case DecideDeepAnalysis:
		return s, nodeDeepAnalysis
	}
	s.EscalationReason = reasonResolutionFailed
	return s, nodeEscalate
}

func (a *Agent) newState(in *incident.Incident) State {
	if in.ThreadID == "" {
		in.ThreadID = newWorkflowID(a.now(), in.PodName)
	}
	return State{
		Incident:      in,
		WorkflowID:    in.ThreadID,
		StartedAt:     a.now(),
		SelfAwareness: initialSelfAwareness,
	}
}

// analyze triages the incident. A cluster snapshot, provided by the caller
// or collected live, lifts diagnostic confidence to 0.95; without one the
// verdict rests on the reported reason alone.
func (a *Agent) analyze(ctx context.Context, s State) State {
	if s.Incident.Snapshot == nil && a.clientset != nil {
		snapshot, err := incident.Collect(ctx, a.clientset, s.Incident.PodName, s.Incident.Namespace)
		if err != nil {
			logger.Debug("Snapshot collection for %s/%s failed: %v",
				s.Incident.Namespace, s.Incident.PodName, err)
		} else {
			s.Incident.Snapshot = snapshot
		}
	}

	class := s.Incident.ErrorClass
	analysis := &Analysis{ErrorClass: class.String(), Depth: "standard"}
	switch {
	case s.Incident.Snapshot != nil:
		analysis.Confidence = 0.95
		analysis.UsedClusterData = true
		analysis.Summary = fmt.Sprintf("Diagnosed %s from live cluster state (phase %s, %d events)",
			class, s.Incident.Snapshot.Phase, len(s.Incident.Snapshot.Events))
	case class.Known():
		analysis.Confidence = 0.8
		analysis.Summary = fmt.Sprintf("Classified failure as %s from the reported reason", class)
	default:
		analysis.Confidence = 0.5
		analysis.Summary = "Unrecognised failure reason, proceeding with generic remediation"
	}
	analysis.Recommendations = recommendationsFor(class)
	s.Analysis = analysis

	logger.Info("🔍 %s (confidence %.2f)", analysis.Summary, analysis.Confidence)
	return s
}

func recommendationsFor(class incident.ErrorClass) []string {
	switch class {
	case incident.ClassImagePullBackOff, incident.ClassErrImagePull:
		return []string{"Check image name and tag", "Verify registry credentials"}
	case incident.ClassCrashLoopBackOff:
		return []string{"Inspect container logs", "Review probes and resource limits"}
	case incident.ClassOOMKilled:
		return []string{"Increase memory limits", "Profile the workload for leaks"}
	case incident.ClassCreateContainerConfigError:
		return []string{"Check referenced ConfigMaps and Secrets", "Validate environment configuration"}
	}
	return []string{"Collect pod events and logs for manual review"}
}

// executeFix synthesises a plan for the chosen strategy and runs it. Any
// failure along the way, including a plan with nothing to run, lands as an
// unsuccessful attempt; the loop decides what to do with it.
func (a *Agent) executeFix(ctx context.Context, s State) State {
	var lessons []string
	if a.episodes != nil {
		var err error
		lessons, err = a.episodes.LessonsFor(ctx, s.Incident.ErrorClass.String(), relevantLimit)
		if err != nil {
			logger.Debug("Lesson retrieval failed: %v", err)
			lessons = nil
		}
	}

	plan, err := a.planner.Synthesise(ctx, s.Incident, s.Strategy, lessons)
	if err != nil {
		logger.Error("Plan synthesis failed for %s/%s: %v",
			s.Incident.Namespace, s.Incident.PodName, err)
		s.Plan, s.Report = nil, nil
		s.Success = false
		s.LastError = err.Error()
		s.ResolutionTime = a.now().Sub(s.StartedAt).Seconds()
		return s
	}
	s.Plan = plan

	target := executor.Target{
		WorkflowID: s.WorkflowID,
		Namespace:  s.Incident.Namespace,
		PodName:    s.Incident.PodName,
		ErrorClass: s.Incident.ErrorClass.String(),
		StrategyID: s.Strategy.ID,
	}
	report, err := a.exec.Execute(ctx, target, plan)
	if err != nil {
		logger.Error("Plan execution failed for %s/%s: %v",
			s.Incident.Namespace, s.Incident.PodName, err)
		s.Report = nil
		s.Success = false
		s.LastError = err.Error()
		s.ResolutionTime = a.now().Sub(s.StartedAt).Seconds()
		return s
	}

	s.Report = report
	s.Success = report.OverallSuccess && report.TotalCommands > 0
	if !s.Success {
		s.LastError = lastError(report)
	}
	s.ResolutionTime = a.now().Sub(s.StartedAt).Seconds()
	return s
}

// lastError condenses a failed report into one line for escalations.
func lastError(r *executor.Report) string {
	if r == nil {
		return ""
	}
	if len(r.Errors) == 0 {
		if r.TotalCommands == 0 {
			return "plan contained no commands"
		}
		return ""
	}
	e := r.Errors[len(r.Errors)-1]
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Stderr)
	}
	return fmt.Sprintf("%s exited %d", e.Command, e.ExitCode)
}

// observeOutcome grades the attempt and appends it to the attempt history so
// reflection and learning see it.
func (a *Agent) observeOutcome(ctx context.Context, s State) State {
	s.Observation = a.observer.Observe(ctx, observer.Outcome{
		Incident:       s.Incident,
		StrategyType:   strategyType(s.Strategy),
		Success:        s.Success,
		RetryCount:     s.RetryCount,
		ResolutionTime: s.ResolutionTime,
		PastAttempts:   s.PastAttempts,
	})
	s.PastAttempts = append(s.PastAttempts, observer.Attempt{
		ErrorClass:     s.Incident.ErrorClass.String(),
		Namespace:      s.Incident.Namespace,
		StrategyID:     s.Strategy.ID,
		StrategyType:   strategyType(s.Strategy),
		Success:        s.Success,
		ResolutionTime: s.ResolutionTime,
	})
	return s
}

// reflectOnAction runs the reflection gate and, when it opens, folds the new
// entry into the history and the self-awareness score. A fallback reflection
// docks self-awareness instead of feeding the blend.
func (a *Agent) reflectOnAction(ctx context.Context, s State) State {
	in := reflection.Input{
		Incident:       s.Incident,
		StrategyJSON:   marshalStrategy(s.Strategy),
		Observation:    s.Observation,
		PastAttempts:   s.PastAttempts,
		RetryCount:     s.RetryCount,
		Success:        s.Success,
		ResolutionTime: s.ResolutionTime,
		History:        s.History,
		Trajectory:     s.Trajectory,
		StrategySummary: reflection.StrategySummary{
			Total: s.StrategiesKnown,
			Types: s.strategiesTried(),
		},
	}

	if !a.reflector.ShouldReflect(in) {
		logger.Debug("Reflection skipped for workflow %s (success=%t)", s.WorkflowID, s.Success)
		s.Reflection = nil
		return s
	}

	entry := a.reflector.Reflect(ctx, in)
	s.Reflection = entry
	s.History = append(s.History, *entry)
	if entry.FallbackUsed {
		s.SelfAwareness = math.Max(0, s.SelfAwareness-0.1)
	} else {
		s.SelfAwareness = reflection.SelfAwareness(entry, s.History)
	}
	if a.metrics != nil {
		a.metrics.UpdateSelfAwareness(s.SelfAwareness)
	}
	return s
}

// learnAndEvolve records the attempt's outcome against the strategy and runs
// the learning cycle.
func (a *Agent) learnAndEvolve(ctx context.Context, s State) State {
	s = a.recordStrategyOutcome(ctx, s)

	result := a.learner.LearnAndEvolve(ctx, learner.Input{
		Incident:         s.Incident,
		Strategy:         s.Strategy,
		Reflection:       s.Reflection,
		Observation:      s.Observation,
		PastAttempts:     s.PastAttempts,
		RetryCount:       s.RetryCount,
		Success:          s.Success,
		ResolutionTime:   s.ResolutionTime,
		ConfidenceBefore: s.ConfidenceBefore,
		ConfidenceAfter:  s.ConfidenceAfter,
		Trajectory:       s.Trajectory,
	})

	s.Trajectory = result.Trajectory
	s.LearningVelocity = result.LearningVelocity
	s.StrategiesLearned += result.StrategiesCreated + result.StrategiesEvolved
	s.StrategiesKnown += result.StrategiesCreated
	return s
}

// recordStrategyOutcome writes the per-attempt performance sample and hands
// the tracker's fresh dynamic confidence into the strategy's usage record.
// Default strategies live outside the store, so a missing row is expected.
func (a *Agent) recordStrategyOutcome(ctx context.Context, s State) State {
	s.ConfidenceBefore = s.Strategy.Confidence
	s.ConfidenceAfter = s.Strategy.Confidence

	if a.performance != nil {
		newConfidence, err := a.performance.Record(ctx, s.Strategy.ID, s.Success,
			s.ResolutionTime, s.Strategy.Confidence, s.Incident.Context())
		if err != nil {
			logger.Warn("Performance sample for %s not recorded: %v", s.Strategy.ID, err)
		} else {
			s.ConfidenceAfter = newConfidence
			if _, err := a.performance.UpdateStrategyMetrics(ctx, s.Strategy.ID,
				s.Incident.ErrorClass.String()); err != nil {
				logger.Debug("Strategy metrics for %s not refreshed: %v", s.Strategy.ID, err)
			}
		}
	}

	if a.strategies != nil {
		err := a.strategies.RecordOutcome(ctx, s.Strategy.ID, store.Outcome{
			Success:       s.Success,
			ExecutionTime: s.ResolutionTime,
			PodName:       s.Incident.PodName,
			Namespace:     s.Incident.Namespace,
			Feedback:      s.SelectionReason,
			NewConfidence: s.ConfidenceAfter,
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("Usage record for %s not written: %v", s.Strategy.ID, err)
		}
	}
	return s
}

// metaReflect judges whether reflecting is still paying off.
func (a *Agent) metaReflect(s State) State {
	s.Meta = reflection.MetaReflect(s.History)
	logger.Info("🧠 Meta-reflection for workflow %s: %s (trend=%s, avg quality=%.2f)",
		s.WorkflowID, s.Meta.MetaInsight, s.Meta.QualityTrend, s.Meta.AverageQuality)

	a.publish(events.NewEvent(events.EventMetaReflection, s.Incident.Namespace,
		s.Incident.PodName, events.SeverityInfo, s.Meta.MetaInsight).
		WithWorkflowID(s.WorkflowID).
		WithErrorClass(s.Incident.ErrorClass.String()).
		WithDetails(map[string]interface{}{
			"quality_trend":       s.Meta.QualityTrend,
			"average_quality":     s.Meta.AverageQuality,
			"actionable_insights": s.Meta.ActionableInsights,
		}))
	return s
}

// deepAnalysis marks the traversal for enhanced analysis of an unrecognised
// error class and sends it back through strategy selection.
func (a *Agent) deepAnalysis(s State) State {
	s.DeepAnalysisPerformed = true
	if s.Analysis != nil {
		s.Analysis.Depth = "enhanced"
	}
	logger.Info("🔬 Deep analysis engaged for %s/%s after %d attempts",
		s.Incident.Namespace, s.Incident.PodName, s.RetryCount+1)
	return s
}

// escalate builds the human hand-off context and marks the traversal.
func (a *Agent) escalate(s State) State {
	reason := s.EscalationReason
	if reason == "" {
		reason = reasonResolutionFailed
	}
	s.Escalation = &EscalationContext{
		Reason:          reason,
		AttemptsMade:    s.RetryCount + 1,
		StrategiesTried: s.strategiesTried(),
		LastError:       s.LastError,
		Summary:         s.summary(),
	}
	s.RequiresHuman = true

	logger.Warn("🚨 Workflow %s escalated to humans: %s after %d attempts",
		s.WorkflowID, reason, s.Escalation.AttemptsMade)
	if a.metrics != nil {
		a.metrics.RecordEscalation(s.Incident.ErrorClass.String(), reason)
	}
	a.publish(events.NewEvent(events.EventRemediationEscalated, s.Incident.Namespace,
		s.Incident.PodName, events.SeverityCritical,
		fmt.Sprintf("Remediation escalated after %d attempts: %s", s.Escalation.AttemptsMade, reason)).
		WithWorkflowID(s.WorkflowID).
		WithErrorClass(s.Incident.ErrorClass.String()).
		WithDetails(map[string]interface{}{
			"reason":           reason,
			"attempts_made":    s.Escalation.AttemptsMade,
			"strategies_tried": s.Escalation.StrategiesTried,
			"last_error":       s.LastError,
		}))
	return s
}

// finish records the terminal outcome.
func (a *Agent) finish(s State) {
	duration := time.Duration(s.ResolutionTime * float64(time.Second))
	outcome := "failed"
	switch {
	case s.Success:
		outcome = "success"
	case s.RequiresHuman:
		outcome = "escalated"
	}
	if a.metrics != nil {
		a.metrics.RecordRemediation(s.Incident.ErrorClass.String(), outcome, duration, s.RetryCount+1)
	}

	switch {
	case s.Success:
		logger.Info("✅ Workflow %s resolved %s/%s in %.1fs (%d attempts)",
			s.WorkflowID, s.Incident.Namespace, s.Incident.PodName,
			s.ResolutionTime, s.RetryCount+1)
		a.publish(events.NewEvent(events.EventRemediationSucceeded, s.Incident.Namespace,
			s.Incident.PodName, events.SeverityInfo,
			fmt.Sprintf("Remediation succeeded with strategy %s", s.Strategy.ID)).
			WithWorkflowID(s.WorkflowID).
			WithErrorClass(s.Incident.ErrorClass.String()).
			WithDetails(map[string]interface{}{
				"strategy_id":     s.Strategy.ID,
				"attempts":        s.RetryCount + 1,
				"resolution_time": s.ResolutionTime,
			}))
	case !s.RequiresHuman:
		logger.Warn("❌ Workflow %s gave up on %s/%s after %d attempts",
			s.WorkflowID, s.Incident.Namespace, s.Incident.PodName, s.RetryCount+1)
		a.publish(events.NewEvent(events.EventRemediationFailed, s.Incident.Namespace,
			s.Incident.PodName, events.SeverityWarning,
			fmt.Sprintf("Remediation failed after %d attempts", s.RetryCount+1)).
			WithWorkflowID(s.WorkflowID).
			WithErrorClass(s.Incident.ErrorClass.String()).
			WithDetails(map[string]interface{}{
				"attempts":   s.RetryCount + 1,
				"last_error": s.LastError,
			}))
	}
}

func (a *Agent) publish(e *events.Event) {
	if a.bus != nil {
		a.bus.Publish(e)
	}
}

func newWorkflowID(ts time.Time, pod string) string {
	h := fnv.New32a()
	h.Write([]byte(pod))
	return fmt.Sprintf("reflexive_%s_%03d", ts.UTC().Format("20060102_150405"), h.Sum32()%1000)
}

func marshalStrategy(strat *store.Strategy) string {
	b, err := json.Marshal(strat)
	if err != nil {
		return "{}"
	}
	return string(b)
}
