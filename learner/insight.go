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

package learner

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"pod-healer/incident"
	"pod-healer/store"
)

// Insight types.
const (
	InsightTemporal = "temporal"
	InsightResource = "resource_management"
	InsightContext  = "context_awareness"
	InsightStrategy = "strategy_optimization"
	InsightPattern  = "pattern_recognition"
	InsightGeneral  = "general"
)

// Implementation priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// actionVerbs signal an insight that prescribes a change of behaviour.
var actionVerbs = []string{
	"should", "need to", "must", "will", "better to",
	"instead of", "rather than", "improve by", "optimize",
}

// strategyNouns signal an insight that names a tunable mechanism.
var strategyNouns = []string{
	"strategy", "approach", "method", "technique", "algorithm",
	"timeout", "retry", "threshold", "parameter",
}

// contextCues signal an insight conditioned on the environment.
var contextCues = []string{
	"when", "if", "during", "in case of", "depends on",
	"environment", "namespace", "cluster", "time",
}

// validModificationKeys is the whitelist for model-proposed strategy edits.
var validModificationKeys = map[string]bool{
	"timeout":              true,
	"retry_count":          true,
	"confidence_threshold": true,
	"parameters":           true,
	"conditions":           true,
	"type":                 true,
	"description":          true,
}

// Seed confidence per insight-derived strategy type.
var insightSeedConfidence = map[string]float64{
	InsightTemporal: 0.6,
	InsightResource: 0.7,
	InsightContext:  0.65,
	InsightStrategy: 0.5,
}

// InsightAnalysis is the actionability verdict on one reflection insight.
type InsightAnalysis struct {
	Insight    string  `json:"insight"`
	Actionable bool    `json:"actionable"`
	Score      float64 `json:"actionability_score"`
	Type       string  `json:"insight_type"`
	Priority   string  `json:"implementation_priority"`
}

// AnalyzeInsight scores an insight for actionability: imperative verbs +0.4,
// strategy nouns +0.3, context conditionals +0.3. Anything above 0.5 is
// actionable; above 0.8 lands in the high-priority bucket.
func AnalyzeInsight(insight string) InsightAnalysis {
	lowered := strings.ToLower(insight)

	score := 0.0
	if containsAny(lowered, actionVerbs) {
		score += 0.4
	}
	if containsAny(lowered, strategyNouns) {
		score += 0.3
	}
	if containsAny(lowered, contextCues) {
		score += 0.3
	}

	priority := PriorityLow
	switch {
	case score > 0.8:
		priority = PriorityHigh
	case score > 0.5:
		priority = PriorityMedium
	}

	return InsightAnalysis{
		Insight:    insight,
		Actionable: score > 0.5,
		Score:      score,
		Type:       classifyInsight(lowered),
		Priority:   priority,
	}
}

// classifyInsight buckets an already-lowercased insight. The first matching
// bucket wins, so timing words trump the context cues they overlap with.
func classifyInsight(lowered string) string {
	switch {
	case containsAny(lowered, []string{"timing", "time", "delay", "duration"}):
		return InsightTemporal
	case containsAny(lowered, []string{"resource", "memory", "cpu", "limit"}):
		return InsightResource
	case containsAny(lowered, []string{"context", "environment", "namespace", "cluster"}):
		return InsightContext
	case containsAny(lowered, []string{"strategy", "approach", "algorithm"}):
		return InsightStrategy
	case containsAny(lowered, []string{"pattern", "correlation", "relationship"}):
		return InsightPattern
	default:
		return InsightGeneral
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// insightStrategyID derives a stable id from the insight text, so the same
// lesson relearned maps back onto the same strategy.
func insightStrategyID(insightType, insight string) string {
	h := fnv.New32a()
	h.Write([]byte(insight))
	return fmt.Sprintf("%s_%d", insightType, h.Sum32()%10000)
}

// strategyFromInsight materialises an actionable insight as a new strategy.
// Pattern-recognition and general insights stay informational and return nil.
func strategyFromInsight(analysis InsightAnalysis, in *incident.Incident) *store.Strategy {
	id := insightStrategyID(analysis.Type, analysis.Insight)

	var action map[string]interface{}
	var conditions []string

	switch analysis.Type {
	case InsightTemporal:
		action = map[string]interface{}{
			"type": "temporal_optimization",
			"parameters": map[string]interface{}{
				"timing_consideration": analysis.Insight,
				"context_dependent":    true,
			},
		}
		conditions = []string{fmt.Sprintf("error_type == '%s'", in.ErrorClass)}
	case InsightResource:
		action = map[string]interface{}{
			"type": "resource_optimization",
			"parameters": map[string]interface{}{
				"resource_consideration": analysis.Insight,
				"adaptive_sizing":        true,
			},
		}
		conditions = []string{fmt.Sprintf("namespace == '%s'", in.Namespace)}
	case InsightContext:
		action = map[string]interface{}{
			"type": "context_adaptive",
			"parameters": map[string]interface{}{
				"context_insight":       analysis.Insight,
				"environment_sensitive": true,
			},
		}
	case InsightStrategy:
		action = map[string]interface{}{
			"type": "strategy_optimization",
			"parameters": map[string]interface{}{
				"optimization_insight": analysis.Insight,
				"adaptive_learning":    true,
			},
		}
	default:
		return nil
	}

	return &store.Strategy{
		ID:         id,
		ErrorType:  in.ErrorClass.String(),
		Conditions: conditions,
		Actions:    []map[string]interface{}{action},
		Confidence: insightSeedConfidence[analysis.Type],
		Source:     store.SourceLearned,
	}
}

// validateModifications keeps only whitelisted, non-nil modification fields,
// and drops strategies whose proposal isn't an object at all.
func validateModifications(mods map[string]interface{}) map[string]map[string]interface{} {
	validated := make(map[string]map[string]interface{})
	for strategyID, raw := range mods {
		fields, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		kept := make(map[string]interface{})
		for k, v := range fields {
			if validModificationKeys[k] && v != nil {
				kept[k] = v
			}
		}
		if len(kept) > 0 {
			validated[strategyID] = kept
		}
	}
	return validated
}

// applyModifications folds validated modification fields into a strategy and
// returns the sorted list of applied keys. Scalar tuning knobs and parameter
// maps land on the primary action; conditions extend the match predicates.
func applyModifications(s *store.Strategy, mods map[string]interface{}) []string {
	applied := make([]string, 0, len(mods))
	for k := range mods {
		applied = append(applied, k)
	}
	sort.Strings(applied)

	action := primaryAction(s)
	for _, key := range applied {
		value := mods[key]
		switch key {
		case "timeout", "retry_count", "confidence_threshold":
			actionParameters(action)[key] = value
		case "parameters":
			if m, ok := value.(map[string]interface{}); ok {
				params := actionParameters(action)
				for pk, pv := range m {
					params[pk] = pv
				}
			}
		case "conditions":
			s.Conditions = append(s.Conditions, conditionList(value)...)
		case "type":
			if t, ok := value.(string); ok && t != "" {
				action["type"] = t
			}
		case "description":
			if d, ok := value.(string); ok && d != "" {
				action["description"] = d
			}
		}
	}
	return applied
}

// newStrategyFromModifications builds a strategy the reflection named but the
// store has never seen. New strategies start at medium confidence.
func newStrategyFromModifications(id string, in *incident.Incident, mods map[string]interface{}) *store.Strategy {
	action := map[string]interface{}{
		"type":        "generic",
		"description": "Strategy created from reflection insights",
	}
	if t, ok := mods["type"].(string); ok && t != "" {
		action["type"] = t
	}
	if d, ok := mods["description"].(string); ok && d != "" {
		action["description"] = d
	}
	if params, ok := mods["parameters"].(map[string]interface{}); ok && len(params) > 0 {
		action["parameters"] = params
	}

	return &store.Strategy{
		ID:         id,
		ErrorType:  in.ErrorClass.String(),
		Conditions: conditionList(mods["conditions"]),
		Actions:    []map[string]interface{}{action},
		Confidence: 0.5,
		Source:     store.SourceLearned,
	}
}

// primaryAction returns the strategy's first action, creating one when the
// strategy has none yet.
func primaryAction(s *store.Strategy) map[string]interface{} {
	if len(s.Actions) == 0 {
		s.Actions = []map[string]interface{}{{}}
	}
	if s.Actions[0] == nil {
		s.Actions[0] = map[string]interface{}{}
	}
	return s.Actions[0]
}

func actionParameters(action map[string]interface{}) map[string]interface{} {
	if params, ok := action["parameters"].(map[string]interface{}); ok {
		return params
	}
	params := map[string]interface{}{}
	action["parameters"] = params
	return params
}

// conditionList coerces a model-proposed conditions value, which arrives as
// either a single string or a list.
func conditionList(v interface{}) []string {
	switch value := v.(type) {
	case string:
		if value == "" {
			return nil
		}
		return []string{value}
	case []interface{}:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return value
	default:
		return nil
	}
}
