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

package observer

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"pod-healer/logger"
)

// Fixed impact estimates for when no metrics-server data is reachable: a pod
// replacement costs roughly a tenth of a core and a twentieth of its memory.
const (
	estimatedCPUImpact    = 0.1
	estimatedMemoryImpact = 0.05
)

const (
	timeEfficiencyBaseline = 300.0 // seconds; slower than this scores zero
	recentEventWindow      = 5
)

// collectSuccess prefers live pod state and falls back to the incident's
// snapshot. Returns nil when neither source has data.
func (o *Observer) collectSuccess(ctx context.Context, out Outcome) *SuccessMetrics {
	in := out.Incident

	if o.clientset != nil {
		pod, err := o.clientset.CoreV1().Pods(in.Namespace).Get(ctx, in.PodName, metav1.GetOptions{})
		if err == nil {
			return liveSuccessMetrics(pod)
		}
		logger.Debug("Live pod read failed for %s/%s, trying snapshot: %v", in.Namespace, in.PodName, err)
	}

	snap := in.Snapshot
	if snap == nil || snap.Phase == "" {
		return nil
	}

	restarts := 0
	ready := len(snap.ContainerStatuses) > 0
	for _, cs := range snap.ContainerStatuses {
		restarts += int(cs.RestartCount)
		if !cs.Ready {
			ready = false
		}
	}
	return &SuccessMetrics{
		PodPhase:        snap.Phase,
		ContainersReady: ready,
		RestartCount:    restarts,
		ErrorResolved:   snap.Phase == string(corev1.PodRunning),
		StabilityScore:  stabilityScore(snap.Phase, restarts),
		Source:          "snapshot",
	}
}

func liveSuccessMetrics(pod *corev1.Pod) *SuccessMetrics {
	restarts := 0
	ready := len(pod.Status.ContainerStatuses) > 0
	for _, cs := range pod.Status.ContainerStatuses {
		restarts += int(cs.RestartCount)
		if !cs.Ready {
			ready = false
		}
	}

	var readyTime *time.Time
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			t := cond.LastTransitionTime.Time
			readyTime = &t
			break
		}
	}

	phase := string(pod.Status.Phase)
	return &SuccessMetrics{
		PodPhase:        phase,
		ContainersReady: ready,
		RestartCount:    restarts,
		ReadyTime:       readyTime,
		ErrorResolved:   phase == string(corev1.PodRunning),
		StabilityScore:  stabilityScore(phase, restarts),
		Source:          "live",
	}
}

// stabilityScore rewards a running pod and docks a tenth per restart. A pod
// that is not running has no stability to speak of.
func stabilityScore(phase string, restarts int) float64 {
	if phase != string(corev1.PodRunning) {
		return 0
	}
	score := 1.0 - 0.1*float64(restarts)
	if score < 0 {
		return 0
	}
	return score
}

// collectPerformance combines resolution time with the resource cost of the
// healed pod. Usage comes from metrics-server when available, otherwise the
// fixed estimates apply.
func (o *Observer) collectPerformance(ctx context.Context, out Outcome) *PerformanceMetrics {
	cpuImpact, memImpact := o.resourceImpact(ctx, out)

	timeEfficiency := 1.0 - out.ResolutionTime/timeEfficiencyBaseline
	if timeEfficiency < 0 {
		timeEfficiency = 0
	}
	resourceEfficiency := 1.0 - (cpuImpact + memImpact)

	return &PerformanceMetrics{
		TimeToResolution: out.ResolutionTime,
		CPUImpact:        cpuImpact,
		MemoryImpact:     memImpact,
		EfficiencyScore:  (timeEfficiency + resourceEfficiency) / 2.0,
	}
}

// resourceImpact reports pod usage as a fraction of its limits (or of one
// core / one GiB when no limit is set), clamped to [0, 1] per resource.
func (o *Observer) resourceImpact(ctx context.Context, out Outcome) (cpu, memory float64) {
	if o.metricsClient == nil || o.clientset == nil {
		return estimatedCPUImpact, estimatedMemoryImpact
	}
	in := out.Incident

	podMetrics, err := o.metricsClient.MetricsV1beta1().PodMetricses(in.Namespace).Get(ctx, in.PodName, metav1.GetOptions{})
	if err != nil {
		logger.Debug("Pod metrics unavailable for %s/%s: %v", in.Namespace, in.PodName, err)
		return estimatedCPUImpact, estimatedMemoryImpact
	}
	pod, err := o.clientset.CoreV1().Pods(in.Namespace).Get(ctx, in.PodName, metav1.GetOptions{})
	if err != nil {
		return estimatedCPUImpact, estimatedMemoryImpact
	}

	var cpuUsage, cpuLimit, memUsage, memLimit float64
	for _, cm := range podMetrics.Containers {
		u := cm.Usage[corev1.ResourceCPU]
		cpuUsage += float64(u.MilliValue())
		m := cm.Usage[corev1.ResourceMemory]
		memUsage += float64(m.Value())
	}
	for _, c := range pod.Spec.Containers {
		if limit, ok := c.Resources.Limits[corev1.ResourceCPU]; ok {
			cpuLimit += float64(limit.MilliValue())
		}
		if limit, ok := c.Resources.Limits[corev1.ResourceMemory]; ok {
			memLimit += float64(limit.Value())
		}
	}
	if cpuLimit == 0 {
		cpuLimit = 1000 // one core
	}
	if memLimit == 0 {
		memLimit = 1 << 30 // one GiB
	}
	return clamp01(cpuUsage / cpuLimit), clamp01(memUsage / memLimit)
}

// collectContext gathers environmental factors. Namespace pod counts need a
// clientset; the recent-event window comes from the incident snapshot.
func (o *Observer) collectContext(ctx context.Context, out Outcome, at time.Time) *ContextFactors {
	in := out.Incident

	cf := &ContextFactors{
		Timestamp:            at,
		HourOfDay:            at.Hour(),
		DayOfWeek:            int(at.Weekday()),
		NamespaceCriticality: namespaceCriticality(in.Namespace),
	}

	if o.clientset != nil {
		pods, err := o.clientset.CoreV1().Pods(in.Namespace).List(ctx, metav1.ListOptions{})
		if err == nil {
			cf.NamespacePodCount = len(pods.Items)
			for _, p := range pods.Items {
				if p.Status.Phase == corev1.PodFailed {
					cf.NamespaceFailedPods++
				}
			}
		} else {
			logger.Debug("Namespace pod listing failed for %s: %v", in.Namespace, err)
		}
	}

	if in.Snapshot != nil {
		evs := in.Snapshot.Events
		if len(evs) > recentEventWindow {
			evs = evs[len(evs)-recentEventWindow:]
		}
		for _, ev := range evs {
			cf.RecentEvents = append(cf.RecentEvents, fmt.Sprintf("%s/%s: %s", ev.Type, ev.Reason, ev.Message))
		}
	}
	return cf
}

// namespaceCriticality maps well-known namespace names to blast-radius
// tiers.
func namespaceCriticality(namespace string) string {
	switch namespace {
	case "production", "prod", "live":
		return "critical"
	case "staging", "stage":
		return "medium"
	default:
		return "low"
	}
}

// detectAnomalies flags outcomes that defy expectations: a success after two
// or more retries, or resolution times outside the plausible band.
func detectAnomalies(out Outcome) *AnomalyDetection {
	ad := &AnomalyDetection{
		UnexpectedSuccess: out.Success && out.RetryCount >= 2,
		UnusualTiming:     out.ResolutionTime < 5 || out.ResolutionTime > 300,
	}

	detected := 0
	for _, flag := range []bool{ad.UnexpectedSuccess, ad.UnusualTiming, ad.ResourceAnomaly, ad.PatternViolation} {
		if flag {
			detected++
		}
	}
	ad.AnomalyScore = float64(detected) / 4.0
	ad.InvestigationNeeded = detected > 0
	return ad
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
