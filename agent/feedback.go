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
	"context"
	"errors"
	"fmt"

	agenterrors "pod-healer/errors"
	"pod-healer/events"
	"pod-healer/logger"
	"pod-healer/store"
)

// ExecutionFeedback reports what actually happened when a synthesised plan
// was executed outside the agent, by an operator or an external pipeline.
// It closes the learning loop for remediations the agent only planned.
type ExecutionFeedback struct {
	WorkflowID string           `json:"workflow_id"`
	PodName    string           `json:"pod_name"`
	Namespace  string           `json:"namespace"`
	ErrorClass string           `json:"error_class"`
	Strategy   FeedbackStrategy `json:"strategy_used"`
	Execution  ExecutionResult  `json:"execution_result"`
}

// FeedbackStrategy identifies the strategy the caller applied.
type FeedbackStrategy struct {
	ID         string  `json:"id"`
	Type       string  `json:"type,omitempty"`
	Confidence float64 `json:"confidence"`
}

// ExecutionResult is the caller's account of the run.
type ExecutionResult struct {
	Success          bool              `json:"success"`
	PartialSuccess   bool              `json:"partial_success,omitempty"`
	SuccessCount     int               `json:"success_count"`
	TotalCommands    int               `json:"total_commands"`
	ExecutedCommands []ExecutedCommand `json:"executed_commands,omitempty"`
}

// ExecutedCommand is one command from the caller's run.
type ExecutedCommand struct {
	Command  string  `json:"command"`
	Success  bool    `json:"success"`
	Duration float64 `json:"duration,omitempty"`
}

// LearningSummary condenses what the feedback changed.
type LearningSummary struct {
	StrategyID              string  `json:"strategy_id"`
	OriginalConfidence      float64 `json:"original_confidence"`
	ExecutionSuccessRate    float64 `json:"execution_success_rate"`
	CommandsExecuted        int     `json:"commands_executed"`
	CommandsSucceeded       int     `json:"commands_succeeded"`
	LearningOutcome         string  `json:"learning_outcome"`
	ReflexionCycleCompleted bool    `json:"reflexion_cycle_completed"`
}

// FeedbackResult is the response to one feedback submission.
type FeedbackResult struct {
	WorkflowID                string          `json:"workflow_id"`
	FeedbackProcessed         bool            `json:"feedback_processed"`
	ReflexionUpdated          bool            `json:"reflexion_updated"`
	StrategyConfidenceUpdated bool            `json:"strategy_confidence_updated"`
	LearningSummary           LearningSummary `json:"learning_summary"`
	Message                   string          `json:"message"`
}

// Feedback folds an external execution outcome back into the knowledge
// stores: a performance sample and usage record for the strategy, plus an
// episode whose lessons carry the observed success rate. Missing strategies
// are tolerated; the episode is still written.
func (a *Agent) Feedback(ctx context.Context, fb ExecutionFeedback) (*FeedbackResult, error) {
	if fb.WorkflowID == "" {
		return nil, agenterrors.ValidationError("agent.feedback", "workflow_id is required")
	}
	if fb.Strategy.ID == "" {
		return nil, agenterrors.ValidationError("agent.feedback", "strategy_used.id is required")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	successRate := 0.0
	if fb.Execution.TotalCommands > 0 {
		successRate = float64(fb.Execution.SuccessCount) / float64(fb.Execution.TotalCommands)
	}
	executionTime := 0.0
	for _, cmd := range fb.Execution.ExecutedCommands {
		executionTime += cmd.Duration
	}
	success := fb.Execution.Success || fb.Execution.PartialSuccess

	logger.Info("🔄 Feedback for workflow %s: %d/%d commands succeeded (%.1f%%)",
		fb.WorkflowID, fb.Execution.SuccessCount, fb.Execution.TotalCommands, successRate*100)

	newConfidence := fb.Strategy.Confidence
	if a.performance != nil {
		recorded, err := a.performance.Record(ctx, fb.Strategy.ID, success, executionTime,
			fb.Strategy.Confidence, map[string]string{
				"workflow_id": fb.WorkflowID,
				"namespace":   fb.Namespace,
				"error_class": fb.ErrorClass,
			})
		if err != nil {
			logger.Warn("Feedback performance sample for %s not recorded: %v", fb.Strategy.ID, err)
		} else {
			newConfidence = recorded
			if _, err := a.performance.UpdateStrategyMetrics(ctx, fb.Strategy.ID, fb.ErrorClass); err != nil {
				logger.Debug("Strategy metrics for %s not refreshed: %v", fb.Strategy.ID, err)
			}
		}
	}

	confidenceUpdated := false
	if a.strategies != nil {
		err := a.strategies.RecordOutcome(ctx, fb.Strategy.ID, store.Outcome{
			Success:       success,
			ExecutionTime: executionTime,
			PodName:       fb.PodName,
			Namespace:     fb.Namespace,
			Feedback: fmt.Sprintf("Real execution: %d/%d commands succeeded",
				fb.Execution.SuccessCount, fb.Execution.TotalCommands),
			NewConfidence: newConfidence,
		})
		switch {
		case err == nil:
			confidenceUpdated = true
			if a.metrics != nil {
				a.metrics.UpdateStrategyConfidence(fb.Strategy.ID, fb.ErrorClass, newConfidence)
			}
		case errors.Is(err, store.ErrNotFound):
			logger.Debug("Feedback for unknown strategy %s, episode only", fb.Strategy.ID)
		default:
			logger.Warn("Feedback usage record for %s not written: %v", fb.Strategy.ID, err)
		}
	}

	// A dead run still teaches something, so the confidence factor floors
	// at one half instead of zeroing the strategy out.
	factor := successRate
	if factor == 0 {
		factor = 0.5
	}
	episode := &store.Episode{
		ID:        fmt.Sprintf("execution_feedback_%s_%d", fb.WorkflowID, a.now().Unix()),
		PodName:   fb.PodName,
		Namespace: fb.Namespace,
		ErrorType: fb.ErrorClass,
		Context: map[string]string{
			"workflow_id": fb.WorkflowID,
			"namespace":   fb.Namespace,
			"error_class": fb.ErrorClass,
			"source":      "execution_feedback",
		},
		ActionsTaken: []map[string]interface{}{{
			"id":         fb.Strategy.ID,
			"type":       fb.Strategy.Type,
			"confidence": fb.Strategy.Confidence,
		}},
		Outcome: map[string]interface{}{
			"success":         success,
			"partial_success": fb.Execution.PartialSuccess,
			"success_rate":    successRate,
		},
		LessonsLearned: []string{
			fmt.Sprintf("Strategy %s achieved %.1f%% success rate", fb.Strategy.ID, successRate*100),
			fmt.Sprintf("Execution pattern: %d/%d commands succeeded",
				fb.Execution.SuccessCount, fb.Execution.TotalCommands),
		},
		ConfidenceBefore:  fb.Strategy.Confidence,
		ConfidenceAfter:   fb.Strategy.Confidence * factor,
		ResolutionTime:    executionTime,
		Timestamp:         a.now(),
		ReflectionQuality: 0.8,
		InsightsGenerated: 2,
	}

	reflexionUpdated := false
	if a.episodes != nil {
		if err := a.episodes.Store(ctx, episode); err != nil {
			logger.Warn("Feedback episode %s not stored: %v", episode.ID, err)
		} else {
			reflexionUpdated = true
			if a.metrics != nil {
				a.metrics.RecordEpisodeStored()
			}
		}
	}

	outcome := "failure"
	switch {
	case fb.Execution.Success:
		outcome = "success"
	case fb.Execution.PartialSuccess:
		outcome = "partial"
	}

	result := &FeedbackResult{
		WorkflowID:                fb.WorkflowID,
		FeedbackProcessed:         true,
		ReflexionUpdated:          reflexionUpdated,
		StrategyConfidenceUpdated: confidenceUpdated,
		LearningSummary: LearningSummary{
			StrategyID:              fb.Strategy.ID,
			OriginalConfidence:      fb.Strategy.Confidence,
			ExecutionSuccessRate:    successRate,
			CommandsExecuted:        fb.Execution.TotalCommands,
			CommandsSucceeded:       fb.Execution.SuccessCount,
			LearningOutcome:         outcome,
			ReflexionCycleCompleted: reflexionUpdated,
		},
		Message: fmt.Sprintf("Reflexion learning completed for %s with %.1f%% success rate",
			fb.PodName, successRate*100),
	}

	a.publish(events.NewEvent(events.EventFeedbackProcessed, fb.Namespace, fb.PodName,
		events.SeverityInfo, result.Message).
		WithWorkflowID(fb.WorkflowID).
		WithErrorClass(fb.ErrorClass).
		WithDetails(map[string]interface{}{
			"strategy_id":      fb.Strategy.ID,
			"success_rate":     successRate,
			"learning_outcome": outcome,
		}))

	return result, nil
}
