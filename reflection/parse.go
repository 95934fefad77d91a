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

package reflection

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxInsights = 5

// insightMarkers announce a sentence worth keeping.
var insightMarkers = []string{
	"I learned that",
	"I realized that",
	"The key insight is",
	"This reveals that",
	"I should have",
	"In the future, I will",
	"A better approach would be",
}

// qualityIndicators are discourse markers of genuine analysis.
var qualityIndicators = []string{
	"because", "however", "alternatively", "in hindsight",
	"pattern", "insight", "improvement", "better approach",
}

// structuredReflection holds whatever usable fields the optional JSON block
// carried. Reflections are frequently prose-only; every field is optional.
type structuredReflection struct {
	decisionQuality       *float64
	mainInsights          []string
	strategyModifications map[string]interface{}
	confidenceUpdates     map[string]float64
	overallConfidence     *float64
}

// parseStructured scans for a JSON object between the first '{' and the last
// '}' and lifts the known fields out of it. Anything unparseable simply
// yields an empty result.
func parseStructured(text string) structuredReflection {
	var out structuredReflection

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return out
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return out
	}

	out.decisionQuality = floatField(raw, "decision_quality_score")
	out.mainInsights = stringListField(raw, "main_insights")
	out.strategyModifications = mapField(raw, "strategy_modifications")
	out.confidenceUpdates = floatMapField(raw, "confidence_updates")
	out.overallConfidence = floatField(raw, "overall_reflection_confidence")
	return out
}

func floatField(raw map[string]interface{}, key string) *float64 {
	if v, ok := raw[key].(float64); ok {
		return &v
	}
	return nil
}

func stringListField(raw map[string]interface{}, key string) []string {
	list, ok := raw[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				out = append(out, s)
			}
		case nil:
		default:
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	return out
}

func mapField(raw map[string]interface{}, key string) map[string]interface{} {
	if m, ok := raw[key].(map[string]interface{}); ok && len(m) > 0 {
		return m
	}
	return nil
}

func floatMapField(raw map[string]interface{}, key string) map[string]float64 {
	m, ok := raw[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// extractInsights pulls marker-introduced sentences out of the prose, keeps
// the ones with actual content, and caps the haul.
func extractInsights(text string) []string {
	var insights []string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		lowered := strings.ToLower(line)
		for _, marker := range insightMarkers {
			idx := strings.Index(lowered, strings.ToLower(marker))
			if idx < 0 {
				continue
			}
			insight := strings.TrimSpace(line[idx+len(marker):])
			if len(insight) > 10 {
				insights = append(insights, insight)
			}
			break
		}
		if len(insights) == maxInsights {
			return insights
		}
	}

	if len(insights) == 0 && strings.Contains(text, "main_insights") {
		return []string{"General reflection completed - see full text for details"}
	}
	return insights
}

// assessQuality scores a reflection on length, structured completeness, and
// discourse markers. Maxes out at 1.0.
func assessQuality(text string, structured structuredReflection) float64 {
	score := 0.0

	if len(text) > 500 {
		score += 0.2
	}
	if len(text) > 1000 {
		score += 0.1
	}

	if structured.decisionQuality != nil {
		score += 0.2
	}
	if len(structured.mainInsights) > 0 {
		score += 0.2
	}
	if len(structured.strategyModifications) > 0 {
		score += 0.2
	}

	lowered := strings.ToLower(text)
	indicators := 0.0
	for _, indicator := range qualityIndicators {
		if strings.Contains(lowered, indicator) {
			indicators += 0.05
		}
	}
	if indicators > 0.3 {
		indicators = 0.3
	}
	score += indicators

	if score > 1 {
		return 1
	}
	return score
}
