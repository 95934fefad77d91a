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
	"time"

	"sigs.k8s.io/yaml"

	"pod-healer/incident"
	"pod-healer/logger"
	"pod-healer/store"
)

// manifestSystemPrompt asks for a complete replacement document rather than
// a patch. Labels and annotations belong under metadata only; documents that
// put them under spec are rejected and replaced by the fallback.
const manifestSystemPrompt = `You are a Kubernetes expert specializing in manifest generation.
Generate complete, valid YAML manifests to fix Kubernetes pod errors.

ERROR-SPECIFIC FIX STRATEGIES:

1. ImagePullBackOff:
   - Change image to a valid one (nginx:latest, busybox:latest, alpine:latest)
   - Keep all other specifications intact
   - Preserve existing labels, annotations, volumes, etc.

2. OOMKilled:
   - Increase memory limits significantly (2x-5x original)
   - If no limits exist, add reasonable ones (memory: 256Mi, cpu: 200m)
   - Keep resource requests lower than limits
   - Preserve all other pod configurations

3. CrashLoopBackOff:
   - Fix command/args if they're causing crashes
   - Increase resource limits if needed
   - Add proper health checks
   - Consider changing restart policy if appropriate

4. CreateContainerConfigError:
   - Fix volume mounts (ensure paths exist)
   - Fix environment variables
   - Fix security contexts
   - Fix config/secret references

5. ErrImagePull:
   - Use public images that don't require authentication
   - Or add proper imagePullSecrets if needed

MANIFEST GENERATION RULES:
1. Generate COMPLETE pod manifests, not patches
2. Include apiVersion, kind, metadata, and spec
3. Labels and annotations go under metadata ONLY, never under spec
4. Preserve existing good configurations
5. Fix ONLY the problematic parts
6. Ensure all YAML is valid and properly indented

OUTPUT FORMAT:
Return ONLY the YAML manifest without any additional text or markdown code blocks.
The output should be directly usable with kubectl apply -f.`

// synthesiseManifest asks the model for a replacement document and validates
// it. Parse failures and misplaced labels/annotations degrade to the
// deterministic per-class manifest; the bool reports that degradation.
func (p *Planner) synthesiseManifest(ctx context.Context, in *incident.Incident, strat *store.Strategy, lessons []string, podType string) (*ManifestPlan, bool) {
	prompt := p.manifestPrompt(in, strat, lessons, podType)

	raw, err := p.llm.Chat(ctx, "manifest_plan", manifestSystemPrompt, prompt)
	if err != nil {
		logger.Warn("⚠️ Manifest synthesis failed for %s/%s, using fallback manifest: %v", in.Namespace, in.PodName, err)
		return p.fallbackManifestPlan(in), true
	}

	doc := stripCodeFences(raw)
	if err := validateManifest(doc); err != nil {
		logger.Warn("⚠️ Rejected generated manifest for %s/%s: %v", in.Namespace, in.PodName, err)
		return p.fallbackManifestPlan(in), true
	}

	return &ManifestPlan{
		Manifest:    doc,
		PreDelete:   p.preDeleteCommand(in.PodName, in.Namespace),
		Validations: p.manifestValidations(in.PodName, in.Namespace, true),
	}, false
}

// manifestPrompt renders the incident for manifest generation: current
// configuration extracted from the snapshot, error details, lessons and the
// chosen strategy.
func (p *Planner) manifestPrompt(in *incident.Incident, strat *store.Strategy, lessons []string, podType string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Generate a complete Kubernetes manifest to fix this error:\n\n")
	fmt.Fprintf(&b, "ERROR TYPE: %s\n", in.ErrorClass)
	fmt.Fprintf(&b, "POD NAME: %s\n", in.PodName)
	fmt.Fprintf(&b, "NAMESPACE: %s\n", in.Namespace)

	if podType == PodTypeDeploymentManaged {
		b.WriteString("\nNOTE: This pod is controller-managed. Consider a Deployment manifest instead of a bare Pod for durable remediation.\n")
	}

	fmt.Fprintf(&b, "\nCURRENT POD CONFIGURATION:\n%s\n", jsonBlock(podConfiguration(in.Snapshot)))

	fmt.Fprintf(&b, "\nERROR DETAILS:\n")
	fmt.Fprintf(&b, "- Error Messages: %s\n", jsonBlock(warningMessages(in.Snapshot)))
	fmt.Fprintf(&b, "- Container Status: %s\n", jsonBlock(snapshotStatuses(in.Snapshot)))

	b.WriteString("\nLESSONS LEARNED FROM PAST EPISODES:\n")
	if len(lessons) == 0 {
		b.WriteString("None\n")
	} else {
		for _, lesson := range lessons {
			fmt.Fprintf(&b, "- %s\n", lesson)
		}
	}

	fmt.Fprintf(&b, "\nSELECTED STRATEGY: %s (confidence: %.2f)\n", strategyLabel(strat), strat.Confidence)
	fmt.Fprintf(&b, "\nGenerate a complete, fixed pod manifest that resolves the %s error.", in.ErrorClass)
	return b.String()
}

// podConfiguration pulls the reusable parts of the pod spec for the prompt.
func podConfiguration(snap *incident.ClusterSnapshot) map[string]interface{} {
	cfg := map[string]interface{}{
		"containers": []interface{}{},
		"volumes":    []interface{}{},
	}
	if snap == nil || snap.PodSpec == "" {
		return cfg
	}
	var spec struct {
		Containers []interface{} `json:"containers"`
		Volumes    []interface{} `json:"volumes"`
	}
	if err := json.Unmarshal([]byte(snap.PodSpec), &spec); err != nil {
		logger.Debug("Undecodable pod spec in snapshot: %v", err)
		return cfg
	}
	if spec.Containers != nil {
		cfg["containers"] = spec.Containers
	}
	if spec.Volumes != nil {
		cfg["volumes"] = spec.Volumes
	}
	return cfg
}

func snapshotStatuses(snap *incident.ClusterSnapshot) []incident.ContainerStatus {
	if snap == nil {
		return nil
	}
	return snap.ContainerStatuses
}

// stripCodeFences unwraps a fenced block when the model ignored the
// plain-output instruction.
func stripCodeFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```yaml")
	out = strings.TrimPrefix(out, "```yml")
	out = strings.TrimPrefix(out, "```")
	if idx := strings.LastIndex(out, "```"); idx >= 0 {
		out = out[:idx]
	}
	return strings.TrimSpace(out)
}

// validateManifest checks the document parses, names a complete object and
// keeps labels/annotations under metadata. Workload documents nest a pod
// template whose spec must be clean too.
func validateManifest(doc string) error {
	if strings.TrimSpace(doc) == "" {
		return fmt.Errorf("empty document")
	}
	var m map[string]interface{}
	if err := yaml.Unmarshal([]byte(doc), &m); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	if s, _ := m["apiVersion"].(string); s == "" {
		return fmt.Errorf("missing apiVersion")
	}
	if s, _ := m["kind"].(string); s == "" {
		return fmt.Errorf("missing kind")
	}
	meta, ok := m["metadata"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("missing metadata")
	}
	if s, _ := meta["name"].(string); s == "" {
		return fmt.Errorf("missing metadata.name")
	}

	spec, ok := m["spec"].(map[string]interface{})
	if !ok {
		return nil
	}
	if err := rejectMetadataFields(spec, "spec"); err != nil {
		return err
	}
	if tmpl, ok := spec["template"].(map[string]interface{}); ok {
		if err := rejectMetadataFields(tmpl, "spec.template"); err != nil {
			return err
		}
		if podSpec, ok := tmpl["spec"].(map[string]interface{}); ok {
			if err := rejectMetadataFields(podSpec, "spec.template.spec"); err != nil {
				return err
			}
		}
	}
	return nil
}

func rejectMetadataFields(section map[string]interface{}, path string) error {
	if _, bad := section["labels"]; bad {
		return fmt.Errorf("labels under %s, must live under metadata", path)
	}
	if _, bad := section["annotations"]; bad {
		return fmt.Errorf("annotations under %s, must live under metadata", path)
	}
	return nil
}

func (p *Planner) preDeleteCommand(podName, namespace string) string {
	return fmt.Sprintf("%s delete pod %s -n %s --ignore-not-found=true", p.cfg.ClusterCLI, podName, namespace)
}

func (p *Planner) manifestValidations(podName, namespace string, withLogs bool) []string {
	cli := p.cfg.ClusterCLI
	out := []string{
		fmt.Sprintf("%s get pod %s -n %s", cli, podName, namespace),
		fmt.Sprintf("%s describe pod %s -n %s", cli, podName, namespace),
	}
	if withLogs {
		out = append(out, fmt.Sprintf("%s logs %s -n %s --tail=50", cli, podName, namespace))
	}
	return out
}

// fallbackManifestPlan builds the deterministic replacement document:
// nginx:latest with conservative resources, doubled memory for OOM kills.
func (p *Planner) fallbackManifestPlan(in *incident.Incident) *ManifestPlan {
	logger.Info("📋 Using fallback manifest for %s (%s/%s)", in.ErrorClass, in.Namespace, in.PodName)
	return &ManifestPlan{
		Manifest:    fallbackManifest(in.ErrorClass, in.PodName, in.Namespace),
		PreDelete:   p.preDeleteCommand(in.PodName, in.Namespace),
		Validations: p.manifestValidations(in.PodName, in.Namespace, false),
	}
}

func fallbackManifest(class incident.ErrorClass, podName, namespace string) string {
	memLimit, memRequest := "256Mi", "128Mi"
	if class == incident.ClassOOMKilled {
		memLimit, memRequest = "512Mi", "256Mi"
	}

	doc := map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]interface{}{
			"name":      podName,
			"namespace": namespace,
			"labels": map[string]interface{}{
				"app":           podName,
				"fixed-by":      "pod-healer",
				"fix-timestamp": time.Now().UTC().Format("20060102-150405"),
			},
		},
		"spec": map[string]interface{}{
			"containers": []interface{}{
				map[string]interface{}{
					"name":  podName,
					"image": "nginx:latest",
					"resources": map[string]interface{}{
						"limits": map[string]interface{}{
							"memory": memLimit,
							"cpu":    "200m",
						},
						"requests": map[string]interface{}{
							"memory": memRequest,
							"cpu":    "100m",
						},
					},
				},
			},
			"restartPolicy": "Always",
		},
	}

	raw, err := yaml.Marshal(doc)
	if err != nil {
		// Marshal of a literal map cannot realistically fail; keep a
		// minimal document as the last line of defence.
		return fmt.Sprintf("apiVersion: v1\nkind: Pod\nmetadata:\n  name: %s\n  namespace: %s\nspec:\n  containers:\n  - name: %s\n    image: nginx:latest\n", podName, namespace, podName)
	}
	return string(raw)
}
