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

// Package planner turns an incident plus a chosen strategy into an execution
// plan. Command mode asks the model for a four-phase kubectl recipe under
// strict portability constraints; manifest mode asks for a complete
// replacement document. Both modes degrade to deterministic per-class
// fallbacks when the model is unavailable or its output cannot be parsed.
// The planner only produces plans; it never touches the cluster.
package planner

import (
	"context"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"pod-healer/config"
	"pod-healer/errors"
	"pod-healer/events"
	"pod-healer/incident"
	"pod-healer/llm"
	"pod-healer/logger"
	"pod-healer/store"
)

// Pod types steering which fix family the prompt allows.
const (
	PodTypeDeploymentManaged = "deployment-managed"
	PodTypeStandalone        = "standalone"
)

// lessonLimit caps how many lessons are threaded into a prompt, matching the
// episodic memory's top-k association width.
const lessonLimit = 5

// CommandPlan is the four-phase command recipe consumed by the executor.
// Phases run backup, fix, validation in order; rollback runs only when the
// fix phase fails. The JSON tags are the model's output contract.
type CommandPlan struct {
	Backup     []string `json:"backup_commands"`
	Fix        []string `json:"fix_commands"`
	Validation []string `json:"validation_commands"`
	Rollback   []string `json:"rollback_commands"`
}

// Total counts the forward-phase commands (rollback excluded).
func (p *CommandPlan) Total() int {
	return len(p.Backup) + len(p.Fix) + len(p.Validation)
}

// Empty reports whether the plan carries no forward commands at all.
func (p *CommandPlan) Empty() bool {
	return p.Total() == 0
}

// ManifestPlan replaces the failing pod with a complete document: delete the
// old pod, apply the manifest, then validate.
type ManifestPlan struct {
	Manifest    string   `json:"manifest"`
	PreDelete   string   `json:"pre_delete"`
	Validations []string `json:"validations"`
}

// Plan is the synthesiser's output. Exactly one variant is populated,
// selected by the configured execution mode.
type Plan struct {
	Mode         string        `json:"mode"`
	Command      *CommandPlan  `json:"command,omitempty"`
	Manifest     *ManifestPlan `json:"manifest,omitempty"`
	PodType      string        `json:"pod_type"`
	FallbackUsed bool          `json:"fallback_used"`
}

// Planner synthesises execution plans from incidents, strategies and lessons
// learned. The clientset is optional: without it pod-type detection falls
// back to the naming heuristic. The episode store is optional too and only
// serves the emergency lesson retrieval.
type Planner struct {
	cfg       *config.Config
	llm       llm.Client
	episodes  store.EpisodeStore
	clientset kubernetes.Interface
	bus       *events.EventBus
}

// New builds a planner. episodes, clientset and bus may be nil.
func New(cfg *config.Config, client llm.Client, episodes store.EpisodeStore, clientset kubernetes.Interface, bus *events.EventBus) *Planner {
	return &Planner{
		cfg:       cfg,
		llm:       client,
		episodes:  episodes,
		clientset: clientset,
		bus:       bus,
	}
}

// Synthesise produces a plan for the incident in the configured execution
// mode. Lessons passed by the caller are threaded into the prompt; when none
// arrive an emergency retrieval goes straight to episodic memory so a
// plumbing gap upstream cannot silence hard-won experience.
func (p *Planner) Synthesise(ctx context.Context, in *incident.Incident, strat *store.Strategy, lessons []string) (*Plan, error) {
	if in == nil || in.PodName == "" || in.Namespace == "" {
		return nil, errors.ValidationError("planner.synthesise", "incident with pod name and namespace required")
	}
	if strat == nil {
		return nil, errors.ValidationError("planner.synthesise", "strategy required")
	}

	if len(lessons) == 0 && p.episodes != nil {
		recovered, err := p.episodes.LessonsFor(ctx, in.ErrorClass.String(), lessonLimit)
		if err != nil {
			logger.Warn("Emergency lesson retrieval failed for %s: %v", in.ErrorClass, err)
		} else if len(recovered) > 0 {
			logger.Warn("⚠️ No lessons handed to planner, recovered %d from episodic memory", len(recovered))
			lessons = recovered
		}
	}
	if len(lessons) > lessonLimit {
		lessons = lessons[:lessonLimit]
	}

	podType := p.podType(ctx, in.PodName, in.Namespace)

	plan := &Plan{Mode: p.cfg.ExecutionMode, PodType: podType}
	switch p.cfg.ExecutionMode {
	case config.ModeManifest:
		plan.Manifest, plan.FallbackUsed = p.synthesiseManifest(ctx, in, strat, lessons, podType)
	default:
		plan.Command, plan.FallbackUsed = p.synthesiseCommands(ctx, in, strat, lessons, podType)
	}

	p.publishPlan(in, strat, plan)
	return plan, nil
}

// podType prefers the authoritative ownerReferences answer from the cluster
// and only falls back to the naming heuristic when no driver is wired or the
// pod cannot be fetched.
func (p *Planner) podType(ctx context.Context, podName, namespace string) string {
	if p.clientset != nil {
		pod, err := p.clientset.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
		if err == nil {
			for _, ref := range pod.OwnerReferences {
				if ref.Controller != nil && *ref.Controller {
					return PodTypeDeploymentManaged
				}
			}
			return PodTypeStandalone
		}
		logger.Debug("Pod-type lookup failed for %s/%s, using name heuristic: %v", namespace, podName, err)
	}
	if nameLooksManaged(podName) {
		return PodTypeDeploymentManaged
	}
	return PodTypeStandalone
}

// nameLooksManaged mirrors controller naming: at least three hyphen-separated
// parts whose last two tokens are hash-like (five or more alphanumerics).
// Plain names like broken-image-pod stay standalone.
func nameLooksManaged(name string) bool {
	parts := strings.Split(name, "-")
	if len(parts) < 3 {
		return false
	}
	for _, part := range parts[len(parts)-2:] {
		if len(part) < 5 || !isAlnum(part) {
			return false
		}
	}
	return true
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// strategyLabel names the strategy for prompts: the declared action type when
// present, otherwise the strategy id.
func strategyLabel(s *store.Strategy) string {
	for _, action := range s.Actions {
		if t, ok := action["type"].(string); ok && t != "" {
			return t
		}
	}
	return s.ID
}

func (p *Planner) publishPlan(in *incident.Incident, strat *store.Strategy, plan *Plan) {
	details := map[string]interface{}{
		"mode":          plan.Mode,
		"pod_type":      plan.PodType,
		"strategy_id":   strat.ID,
		"fallback_used": plan.FallbackUsed,
	}
	if plan.Command != nil {
		details["total_commands"] = plan.Command.Total()
		details["rollback_commands"] = len(plan.Command.Rollback)
		logger.Info("📋 Command plan for %s/%s: %d commands (%d fix), fallback=%t",
			in.Namespace, in.PodName, plan.Command.Total(), len(plan.Command.Fix), plan.FallbackUsed)
	}
	if plan.Manifest != nil {
		details["manifest_bytes"] = len(plan.Manifest.Manifest)
		details["validations"] = len(plan.Manifest.Validations)
		logger.Info("📋 Manifest plan for %s/%s: %d bytes, %d validations, fallback=%t",
			in.Namespace, in.PodName, len(plan.Manifest.Manifest), len(plan.Manifest.Validations), plan.FallbackUsed)
	}

	if p.bus == nil {
		return
	}
	severity := events.SeverityInfo
	if plan.FallbackUsed {
		severity = events.SeverityWarning
	}
	p.bus.Publish(events.NewEvent(events.EventPlanSynthesised, in.Namespace, in.PodName, severity,
		"Execution plan synthesised in "+plan.Mode+" mode").
		WithErrorClass(in.ErrorClass.String()).
		WithWorkflowID(in.ThreadID).
		WithDetails(details))
}
