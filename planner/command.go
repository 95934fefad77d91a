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

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pod-healer/incident"
	"pod-healer/logger"
	"pod-healer/store"
)

// Snapshot windows for the prompt: the tail of the event list and log tail
// considered for error extraction.
const (
	eventWindow = 5
	logWindow   = 10
)

// commandSystemPrompt constrains the model to commands the executor can run
// verbatim. Commands are executed directly without a shell, so pipes and
// redirections would arrive as literal arguments and break kubectl.
const commandSystemPrompt = `You are a Kubernetes expert specializing in error resolution.
Generate kubectl commands to fix pod errors safely and effectively.

CRITICAL PORTABILITY RULES:
1. NEVER use pipe commands (|) - commands run without a shell and pipes fail
2. NEVER use shell redirections (>) - they are passed to kubectl as literal arguments
3. Use only direct kubectl commands without shell operators

ERROR-SPECIFIC STRATEGIES:

For ImagePullBackOff:
- Root Cause: Invalid/nonexistent image tag
- NEVER use "kubectl set image" for pods with --restart=Never (they are immutable)
- ALWAYS use delete+recreate strategy
- Working Fix: ["kubectl delete pod {pod} -n {namespace}", "kubectl run {pod} --image=nginx:latest --restart=Never -n {namespace}"]

For CrashLoopBackOff:
- Root Cause: Container exits with error
- If pod is managed by a Deployment: use "kubectl patch deployment" or "kubectl scale"
- For standalone pods: use kubectl delete+recreate
- NEVER create new pods with the same name as deployment-managed pods

For OOMKilled:
- Root Cause: Memory limit too low
- Raise the memory limit 2x-5x via patch, then recreate the pod

WORKING COMMAND EXAMPLES:
✅ kubectl get pod podname -n namespace
✅ kubectl delete pod podname -n namespace
✅ kubectl run newpodname --image=nginx:latest --restart=Never -n namespace
✅ kubectl scale deployment deploymentname --replicas=0 -n namespace
✅ kubectl scale deployment deploymentname --replicas=1 -n namespace
✅ kubectl describe pod podname -n namespace
❌ kubectl describe pod podname | grep "Image"  (pipe fails)
❌ kubectl get pod podname -o yaml > backup.yaml  (redirection fails)
❌ kubectl run existing-pod-name  (pod already exists error)

Output format (use ONLY working commands):
{
    "backup_commands": ["kubectl get pod {pod} -n {namespace} -o yaml"],
    "fix_commands": ["simple_working_fix_command"],
    "validation_commands": ["kubectl get pod {pod} -n {namespace}", "kubectl describe pod {pod} -n {namespace}"],
    "rollback_commands": ["kubectl delete pod {pod} -n {namespace}"]
}`

// synthesiseCommands builds the constrained prompt, asks the model and
// parses its answer into a CommandPlan. Any model or parse failure degrades
// to the deterministic per-class plan; the bool reports that degradation.
func (p *Planner) synthesiseCommands(ctx context.Context, in *incident.Incident, strat *store.Strategy, lessons []string, podType string) (*CommandPlan, bool) {
	prompt := p.commandPrompt(in, strat, lessons, podType)

	raw, err := p.llm.Chat(ctx, "command_plan", commandSystemPrompt, prompt)
	if err != nil {
		logger.Warn("⚠️ Command synthesis failed for %s/%s, using fallback plan: %v", in.Namespace, in.PodName, err)
		return p.fallbackCommands(in.ErrorClass, in.PodName, in.Namespace), true
	}

	plan, err := parseCommandPlan(raw)
	if err != nil {
		logger.Warn("⚠️ Unparseable command plan for %s/%s, using fallback plan: %v", in.Namespace, in.PodName, err)
		return p.fallbackCommands(in.ErrorClass, in.PodName, in.Namespace), true
	}
	return plan, false
}

// commandPrompt renders the incident into the human prompt. Snapshot data is
// optional throughout; missing sections render as empty JSON lists so the
// model sees a stable shape.
func (p *Planner) commandPrompt(in *incident.Incident, strat *store.Strategy, lessons []string, podType string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Generate kubectl commands to fix this Kubernetes error:\n\n")
	fmt.Fprintf(&b, "ERROR TYPE: %s\n", in.ErrorClass)
	fmt.Fprintf(&b, "POD NAME: %s\n", in.PodName)
	fmt.Fprintf(&b, "NAMESPACE: %s\n", in.Namespace)
	fmt.Fprintf(&b, "POD PHASE: %s\n\n", snapshotPhase(in.Snapshot))

	if podType == PodTypeDeploymentManaged {
		b.WriteString(`IMPORTANT: This pod is managed by a Deployment (controller-owned).
DO NOT create new pods with the same name - they will conflict!
Use deployment-level fixes: kubectl scale, kubectl patch deployment, etc.
`)
	} else {
		b.WriteString(`IMPORTANT: This is a standalone Pod (no owning controller).
Use pod-level fixes: kubectl delete pod, kubectl run, etc.
`)
	}

	fmt.Fprintf(&b, "\nSTRATEGY: %s (confidence: %.2f)\n", strategyLabel(strat), strat.Confidence)

	fmt.Fprintf(&b, "\nCONTAINERS:\n%s\n", jsonBlock(containersFromSnapshot(in.Snapshot)))
	fmt.Fprintf(&b, "\nERROR MESSAGES:\n%s\n", jsonBlock(warningMessages(in.Snapshot)))
	fmt.Fprintf(&b, "\nLOG ERRORS:\n%s\n", jsonBlock(errorLogLines(in.Snapshot)))

	if len(lessons) > 0 {
		b.WriteString("\nLESSONS LEARNED FROM PAST EPISODES:\n")
		for _, lesson := range lessons {
			fmt.Fprintf(&b, "- %s\n", lesson)
		}
	}

	b.WriteString("\nGenerate safe, effective kubectl commands following the specified JSON format.")
	return b.String()
}

// containerInfo is the per-container slice of the pod spec shown to the model.
type containerInfo struct {
	Name      string                 `json:"name"`
	Image     string                 `json:"image"`
	Resources map[string]interface{} `json:"resources,omitempty"`
}

func containersFromSnapshot(snap *incident.ClusterSnapshot) []containerInfo {
	if snap == nil || snap.PodSpec == "" {
		return nil
	}
	var spec struct {
		Containers []containerInfo `json:"containers"`
	}
	if err := json.Unmarshal([]byte(snap.PodSpec), &spec); err != nil {
		logger.Debug("Undecodable pod spec in snapshot: %v", err)
		return nil
	}
	return spec.Containers
}

// warningMessages returns the Warning messages among the last few events.
func warningMessages(snap *incident.ClusterSnapshot) []string {
	if snap == nil {
		return nil
	}
	evs := snap.Events
	if len(evs) > eventWindow {
		evs = evs[len(evs)-eventWindow:]
	}
	var out []string
	for _, e := range evs {
		if e.Type == "Warning" {
			out = append(out, e.Message)
		}
	}
	return out
}

// errorLogLines filters the last few log lines down to those that look like
// failures.
func errorLogLines(snap *incident.ClusterSnapshot) []string {
	if snap == nil {
		return nil
	}
	lines := snap.LogLines
	if len(lines) > logWindow {
		lines = lines[len(lines)-logWindow:]
	}
	var out []string
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") || strings.Contains(lower, "exit") {
			out = append(out, line)
		}
	}
	return out
}

func snapshotPhase(snap *incident.ClusterSnapshot) string {
	if snap == nil || snap.Phase == "" {
		return "Unknown"
	}
	return snap.Phase
}

// jsonBlock renders a value as indented JSON for prompt embedding. Nil
// slices render as [] so every prompt section keeps its shape.
func jsonBlock(v interface{}) string {
	if v == nil {
		return "[]"
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "[]"
	}
	out := string(raw)
	if out == "null" {
		return "[]"
	}
	return out
}

// parseCommandPlan accepts strict JSON first and falls back to scanning for
// the outermost object when the model wrapped its answer in prose.
func parseCommandPlan(raw string) (*CommandPlan, error) {
	var loose map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		extracted, ok := extractJSONObject(raw)
		if !ok {
			return nil, fmt.Errorf("no JSON object in response: %w", err)
		}
		if err := json.Unmarshal([]byte(extracted), &loose); err != nil {
			return nil, fmt.Errorf("extracted block is not valid JSON: %w", err)
		}
	}
	return &CommandPlan{
		Backup:     stringList(loose["backup_commands"]),
		Fix:        stringList(loose["fix_commands"]),
		Validation: stringList(loose["validation_commands"]),
		Rollback:   stringList(loose["rollback_commands"]),
	}, nil
}

// extractJSONObject returns the text between the first '{' and the last '}'.
func extractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

// stringList coerces a phase value into a command list: lists keep their
// string entries, a bare string becomes a single-command list, anything else
// is stringified. Missing or empty values become empty phases.
func stringList(v interface{}) []string {
	switch t := v.(type) {
	case nil:
		return []string{}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			switch s := item.(type) {
			case string:
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			case nil:
			default:
				out = append(out, fmt.Sprintf("%v", s))
			}
		}
		return out
	case string:
		if t = strings.TrimSpace(t); t == "" {
			return []string{}
		}
		return []string{t}
	default:
		return []string{fmt.Sprintf("%v", t)}
	}
}

// fallbackCommands is the deterministic per-class plan used when the model
// path fails. Unknown classes get an empty plan, which the executor treats
// as nothing to do and the loop routes onward as a failed attempt.
func (p *Planner) fallbackCommands(class incident.ErrorClass, podName, namespace string) *CommandPlan {
	cli := p.cfg.ClusterCLI
	logger.Info("📋 Using fallback command plan for %s (%s/%s)", class, namespace, podName)

	switch class {
	case incident.ClassImagePullBackOff, incident.ClassErrImagePull:
		return &CommandPlan{
			Backup: []string{
				fmt.Sprintf("%s get pod %s -n %s -o yaml", cli, podName, namespace),
			},
			Fix: []string{
				fmt.Sprintf("%s delete pod %s -n %s", cli, podName, namespace),
				fmt.Sprintf("%s run %s --image=nginx:latest --restart=Never -n %s", cli, podName, namespace),
			},
			Validation: []string{
				fmt.Sprintf("%s get pod %s -n %s", cli, podName, namespace),
				fmt.Sprintf("%s describe pod %s -n %s", cli, podName, namespace),
			},
			Rollback: []string{
				fmt.Sprintf("%s delete pod %s -n %s", cli, podName, namespace),
			},
		}
	case incident.ClassCrashLoopBackOff, incident.ClassOOMKilled:
		// Raise the memory ceiling before bouncing the pod; OOM and crash
		// loops share the resource-pressure fix.
		return &CommandPlan{
			Backup: []string{
				fmt.Sprintf("%s get pod %s -n %s -o yaml", cli, podName, namespace),
			},
			Fix: []string{
				fmt.Sprintf(`%s patch pod %s -n %s -p '{"spec":{"containers":[{"name":"main","resources":{"limits":{"memory":"512Mi"}}}]}}'`, cli, podName, namespace),
				fmt.Sprintf("%s delete pod %s -n %s", cli, podName, namespace),
			},
			Validation: []string{
				fmt.Sprintf("%s get pod %s -n %s", cli, podName, namespace),
				fmt.Sprintf("%s wait --for=condition=Ready pod/%s -n %s --timeout=60s", cli, podName, namespace),
			},
			Rollback: []string{
				fmt.Sprintf("%s delete pod %s -n %s --ignore-not-found=true", cli, podName, namespace),
			},
		}
	}
	return &CommandPlan{Backup: []string{}, Fix: []string{}, Validation: []string{}, Rollback: []string{}}
}
