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
	"fmt"
	"strings"

	"pod-healer/config"
	"pod-healer/incident"
)

const reflectionSystemPrompt = `You are an advanced AI system capable of deep self-reflection and meta-cognition.
Your task is to analyze your own decision-making process in Kubernetes error resolution.

Key principles for reflection:
1. Be brutally honest about mistakes and limitations
2. Look for patterns and meta-patterns in your thinking
3. Consider alternative approaches you didn't try
4. Identify cognitive biases or blind spots
5. Focus on actionable insights for improvement
6. Maintain scientific skepticism about your own conclusions

Provide structured, analytical reflection that demonstrates genuine self-awareness and learning.`

const reflectionTemplate = `SELF-REFLECTION ON KUBERNETES FIX ATTEMPT

Context: %s
Action Taken: %s
Outcome: %s
Past Similar Attempts: %s
Current Strategy Database: %s

DEEP SELF-ANALYSIS:
1. Decision Quality Assessment:
   - Was my strategy selection optimal given the available context?
   - What contextual factors did I consider vs. miss?
   - How did my past experiences influence this decision?

2. Execution Analysis:
   - Was the timing of my action appropriate?
   - Did I adequately assess potential risks and side effects?
   - How could the execution have been improved?

3. Learning Integration:
   - How effectively did I apply lessons from past attempts?
   - What patterns am I starting to recognize?
   - Are there gaps in my knowledge that became apparent?

4. Outcome Evaluation:
   - Was the outcome aligned with my prediction?
   - What unexpected factors emerged?
   - How does this outcome fit into broader patterns?

5. Strategy Evolution:
   - What modifications should I make to my strategy database?
   - What new heuristics or rules should I develop?
   - How should I adjust my confidence levels?

6. Meta-Cognitive Assessment:
   - How is my reflection process itself evolving?
   - Am I asking the right questions?
   - What blind spots might I still have?

STRUCTURED REFLECTION OUTPUT:
{
    "decision_quality_score": <0.0-1.0>,
    "execution_quality_score": <0.0-1.0>,
    "learning_integration_score": <0.0-1.0>,
    "main_insights": [<list of key insights>],
    "strategy_modifications": {<specific changes to make>},
    "new_patterns_discovered": [<list of patterns>],
    "confidence_updates": {<strategy_id: new_confidence>},
    "knowledge_gaps_identified": [<list of gaps>],
    "meta_reflection_quality": <0.0-1.0>,
    "overall_reflection_confidence": <0.0-1.0>
}`

var depthModifiers = map[string]string{
	config.DepthShallow: "Focus on immediate factors and obvious patterns.",
	config.DepthMedium:  "Include second-order effects and cross-domain analogies.",
	config.DepthDeep:    "Examine fundamental assumptions and paradigm-level insights.",
}

var domainQuestions = map[incident.ErrorClass]string{
	incident.ClassImagePullBackOff: `- How well did I assess image availability and registry accessibility?
- Did I consider alternative image sources or versions?
- What does this teach me about image tag management strategies?
- How might container registry performance patterns affect my decisions?`,
	incident.ClassCrashLoopBackOff: `- How effectively did I analyze the crash patterns and exit codes?
- Did I consider resource constraints, initialization timing, and dependencies?
- What insights about application lifecycle management can I extract?
- How might I better predict and prevent crash scenarios?`,
	incident.ClassOOMKilled: `- How accurate was my resource requirement assessment?
- Did I consider memory usage patterns and peak demands?
- What can I learn about resource optimization strategies?
- How might I better balance performance and resource efficiency?`,
}

func init() {
	// The pull failure twins share one failure family.
	domainQuestions[incident.ClassErrImagePull] = domainQuestions[incident.ClassImagePullBackOff]
}

// prompt assembles the full reflection prompt from the template, the depth
// modifier, per-class focus questions, and the historical context.
func (r *Reflector) prompt(in Input) string {
	situation := map[string]interface{}{
		"pod_name":    in.Incident.PodName,
		"error_type":  in.Incident.ErrorClass,
		"namespace":   in.Incident.Namespace,
		"retry_count": in.RetryCount,
		"success":     in.Success,
	}

	attempts := in.PastAttempts
	if len(attempts) > 3 {
		attempts = attempts[len(attempts)-3:]
	}

	action := in.StrategyJSON
	if action == "" {
		action = "{}"
	}

	base := fmt.Sprintf(reflectionTemplate,
		jsonValue(situation),
		action,
		jsonValue(in.Observation),
		jsonValue(attempts),
		jsonValue(in.StrategySummary),
	)

	depth := r.cfg.ReflectionDepth
	questions, ok := domainQuestions[in.Incident.ErrorClass]
	if !ok {
		questions = "Focus on general patterns and improvement opportunities."
	}

	var environment string
	if in.Observation != nil && in.Observation.ContextFactors != nil {
		environment = jsonValue(in.Observation.ContextFactors)
	} else {
		environment = "{}"
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nREFLECTION DEPTH: ")
	b.WriteString(strings.ToUpper(depth))
	b.WriteString("\n")
	b.WriteString(depthModifiers[depth])
	b.WriteString("\n\nDOMAIN-SPECIFIC ANALYSIS:\n")
	b.WriteString(questions)
	b.WriteString("\n\nHISTORICAL CONTEXT:\nPerformance Trend: ")
	b.WriteString(PerformanceTrend(in.Trajectory))
	b.WriteString("\nEnvironmental Factors: ")
	b.WriteString(environment)
	b.WriteString("\n\nPlease provide a thorough, honest self-reflection that will genuinely improve my future performance.\n")
	b.WriteString(`
IMPORTANT: Format your key insights using one of these patterns:
- "I learned that..."
- "I realized that..."
- "The key insight is..."
- "In the future, I will..."

Include at least 3 specific insights from this experience.`)

	return b.String()
}
