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
	"fmt"
	"strconv"
	"time"

	"pod-healer/events"
	"pod-healer/incident"
	"pod-healer/logger"
	"pod-healer/store"
)

// Selection reasons, recorded on the state and in strategy usage history.
const (
	ReasonHighConfidence = "high_confidence_persistent"
	ReasonExploration    = "exploration_persistent"
	ReasonDefault        = "default_fallback"
	ReasonNoStrategy     = "no_strategy_available"
)

// relevantLimit caps how many persistent strategies compete per selection.
const relevantLimit = 3

// selectStrategy picks the strategy for this attempt. Persistent knowledge
// wins when it exists: the highest-confidence match with probability
// prefer_persistent_probability, a random match otherwise so lower-ranked
// strategies keep collecting evidence. Without persistent knowledge the
// per-class default applies.
func (a *Agent) selectStrategy(ctx context.Context, s State) State {
	var found []*store.Strategy
	if a.strategies != nil {
		var err error
		found, err = a.strategies.FindForError(ctx, s.Incident.ErrorClass.String(), s.Incident.Context())
		if err != nil {
			logger.Warn("Strategy lookup failed for %s: %v, using defaults", s.Incident.ErrorClass, err)
			found = nil
		}
	}
	if len(found) > relevantLimit {
		found = found[:relevantLimit]
	}
	s.StrategiesKnown = len(found)

	if len(found) > 0 {
		pick := 0
		reason := ReasonHighConfidence
		if a.randFloat() >= a.cfg.PreferPersistentProbability {
			pick = a.randIntn(len(found))
			reason = ReasonExploration
		}
		s.Strategy = found[pick]
		s.SelectionReason = reason
	} else {
		s.Strategy, s.SelectionReason = a.defaultStrategy(s.Incident.ErrorClass)
	}

	logger.Info("🎯 Strategy %s selected for %s/%s (reason=%s, confidence=%.2f, retry=%d)",
		s.Strategy.ID, s.Incident.Namespace, s.Incident.PodName,
		s.SelectionReason, s.Strategy.Confidence, s.RetryCount)

	a.publish(events.NewEvent(events.EventStrategySelected, s.Incident.Namespace,
		s.Incident.PodName, events.SeverityInfo,
		fmt.Sprintf("Strategy %s selected (%s)", s.Strategy.ID, s.SelectionReason)).
		WithWorkflowID(s.WorkflowID).
		WithErrorClass(s.Incident.ErrorClass.String()).
		WithDetails(map[string]interface{}{
			"strategy_id":      s.Strategy.ID,
			"selection_reason": s.SelectionReason,
			"confidence":       s.Strategy.Confidence,
			"candidates":       len(found),
			"retry_count":      s.RetryCount,
		}))
	return s
}

// defaultStrategy returns the built-in recipe for an error class. Image pull
// failures and crash loops have concrete defaults; everything else gets the
// low-confidence generic strategy that plans an investigation rather than a
// fix.
func (a *Agent) defaultStrategy(class incident.ErrorClass) (*store.Strategy, string) {
	now := a.now()
	switch class {
	case incident.ClassImagePullBackOff, incident.ClassErrImagePull:
		return &store.Strategy{
			ID:        "default_image_fix",
			ErrorType: class.String(),
			Actions: []map[string]interface{}{{
				"type":       "image_tag_replacement",
				"action":     "replace_with_latest",
				"parameters": map[string]interface{}{"new_tag": "latest"},
			}},
			Confidence: 0.8,
			Source:     store.SourceManual,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, ReasonDefault
	case incident.ClassCrashLoopBackOff:
		return &store.Strategy{
			ID:        "default_crash_fix",
			ErrorType: class.String(),
			Actions: []map[string]interface{}{{
				"type":       "resource_adjustment",
				"action":     "increase_resources",
				"parameters": map[string]interface{}{"memory_increase": "256Mi"},
			}},
			Confidence: 0.7,
			Source:     store.SourceManual,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, ReasonDefault
	}
	return &store.Strategy{
		ID:        "generic_default",
		ErrorType: class.String(),
		Actions: []map[string]interface{}{{
			"type":   "generic_fix",
			"action": "manual_investigation_required",
		}},
		Confidence: 0.3,
		Source:     store.SourceManual,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, ReasonNoStrategy
}

// decideStrategy stamps the chosen strategy with the incident context and
// records why it was chosen, so the decision survives into episodes and
// escalation hand-offs.
func (a *Agent) decideStrategy(s State) State {
	if s.Strategy.Context == nil {
		s.Strategy.Context = make(map[string]string)
	}
	for k, v := range s.Incident.Context() {
		s.Strategy.Context[k] = v
	}
	s.Strategy.Context["retry_count"] = strconv.Itoa(s.RetryCount)
	s.Strategy.Context["decided_at"] = a.now().UTC().Format(time.RFC3339)

	s.Reasoning = decisionReasoning(s)
	logger.Info("🤔 %s", s.Reasoning)
	return s
}

func decisionReasoning(s State) string {
	switch s.SelectionReason {
	case ReasonHighConfidence:
		return fmt.Sprintf("Selected strategy based on learned knowledge with %.2f confidence from %d previous uses.",
			s.Strategy.Confidence, s.Strategy.UsageCount)
	case ReasonExploration:
		return fmt.Sprintf("Exploring learned strategy %s with %.2f confidence to broaden the evidence base.",
			s.Strategy.ID, s.Strategy.Confidence)
	case ReasonDefault:
		return fmt.Sprintf("Using default strategy for %s as no learned strategies are available yet.",
			s.Incident.ErrorClass)
	case ReasonNoStrategy:
		return "No specific strategy available - requires human investigation."
	}
	return "Strategy selection reasoning not available."
}

// strategyType is the first action's type, the label used for attempts,
// observations and escalation summaries.
func strategyType(strat *store.Strategy) string {
	if strat == nil {
		return ""
	}
	for _, action := range strat.Actions {
		if t, ok := action["type"].(string); ok && t != "" {
			return t
		}
	}
	return strat.ID
}
