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

// Package incident defines the domain model shared across the remediation
// loop: failure classes, the incident handed to the agent and the cluster
// snapshot that grounds analysis in real pod state.
package incident

import "strings"

// ErrorClass identifies a pod failure mode the agent knows how to reason about.
type ErrorClass string

// Known failure classes. Anything else parses as ClassOther and routes
// through deep analysis before a strategy is selected.
const (
	ClassImagePullBackOff           ErrorClass = "ImagePullBackOff"
	ClassErrImagePull               ErrorClass = "ErrImagePull"
	ClassCrashLoopBackOff           ErrorClass = "CrashLoopBackOff"
	ClassOOMKilled                  ErrorClass = "OOMKilled"
	ClassCreateContainerConfigError ErrorClass = "CreateContainerConfigError"
	ClassOther                      ErrorClass = "Other"
)

// ParseErrorClass normalises a free-form failure reason into an ErrorClass.
func ParseErrorClass(s string) ErrorClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "imagepullbackoff":
		return ClassImagePullBackOff
	case "errimagepull":
		return ClassErrImagePull
	case "crashloopbackoff":
		return ClassCrashLoopBackOff
	case "oomkilled", "oom_killed", "oom":
		return ClassOOMKilled
	case "createcontainerconfigerror":
		return ClassCreateContainerConfigError
	default:
		return ClassOther
	}
}

// Known reports whether the class is one the agent has dedicated handling
// for. Unknown classes trigger deep analysis instead of strategy selection.
func (c ErrorClass) Known() bool {
	switch c {
	case ClassImagePullBackOff, ClassErrImagePull, ClassCrashLoopBackOff,
		ClassOOMKilled, ClassCreateContainerConfigError:
		return true
	}
	return false
}

// String returns the class name.
func (c ErrorClass) String() string { return string(c) }

// Incident is a single pod failure submitted for remediation.
type Incident struct {
	PodName    string           `json:"pod_name"`
	Namespace  string           `json:"namespace"`
	ErrorClass ErrorClass       `json:"error_class"`
	Snapshot   *ClusterSnapshot `json:"cluster_snapshot,omitempty"`
	// ThreadID groups repeated submissions of the same incident. Empty
	// means a fresh workflow id is minted.
	ThreadID string `json:"thread_id,omitempty"`
}

// ClusterSnapshot carries observed pod state captured either by the caller
// or live from the cluster. Its presence lifts analysis confidence to 0.95
// since the diagnosis no longer rests on the reported class alone.
type ClusterSnapshot struct {
	PodSpec           string            `json:"pod_spec,omitempty"` // raw JSON of the pod spec
	Phase             string            `json:"phase,omitempty"`
	ContainerStatuses []ContainerStatus `json:"container_statuses,omitempty"`
	Events            []Event           `json:"events,omitempty"`
	LogLines          []string          `json:"log_lines,omitempty"`
	CollectedAt       string            `json:"collected_at,omitempty"`
	Source            string            `json:"source,omitempty"` // "live" or "caller"
}

// ContainerStatus is the subset of a pod container status the planner and
// observer care about.
type ContainerStatus struct {
	Name         string `json:"name"`
	Image        string `json:"image,omitempty"`
	Ready        bool   `json:"ready"`
	RestartCount int32  `json:"restart_count"`
	State        string `json:"state,omitempty"`  // waiting reason, "running" or "terminated"
	ExitCode     int32  `json:"exit_code,omitempty"`
}

// Event is a cluster event related to the failing pod.
type Event struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Context flattens the incident into the string map used for episode
// similarity and strategy condition matching.
func (in *Incident) Context() map[string]string {
	ctx := map[string]string{
		"error_class": in.ErrorClass.String(),
		"namespace":   in.Namespace,
		"pod_prefix":  podPrefix(in.PodName),
	}
	if in.Snapshot != nil {
		ctx["has_cluster_data"] = "true"
		if in.Snapshot.Phase != "" {
			ctx["phase"] = in.Snapshot.Phase
		}
	}
	return ctx
}

// podPrefix strips trailing hash-like segments so replicas of one workload
// share a context key.
func podPrefix(name string) string {
	parts := strings.Split(name, "-")
	if len(parts) <= 1 {
		return name
	}
	trimmed := parts
	for len(trimmed) > 1 && looksGenerated(trimmed[len(trimmed)-1]) {
		trimmed = trimmed[:len(trimmed)-1]
	}
	return strings.Join(trimmed, "-")
}

// looksGenerated reports whether a name segment resembles a controller
// generated suffix (replicaset hash or pod suffix).
func looksGenerated(segment string) bool {
	if len(segment) < 5 {
		return false
	}
	hasDigit := false
	for _, r := range segment {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r >= 'a' && r <= 'z':
		default:
			return false
		}
	}
	if hasDigit {
		return true
	}
	// Pod suffixes minted by replicasets are five lowercase consonants.
	return len(segment) == 5 && !strings.ContainsAny(segment, "aeiou")
}
