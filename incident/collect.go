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

package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"pod-healer/errors"
	"pod-healer/logger"
)

const logTailLines = 50

// Collect builds a live ClusterSnapshot for a pod: spec, container statuses,
// related events and a log tail. Partial data is returned when individual
// sources fail; only a missing pod is an error.
func Collect(ctx context.Context, clientset kubernetes.Interface, podName, namespace string) (*ClusterSnapshot, error) {
	pod, err := clientset.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return nil, errors.ClusterErrorf("collectSnapshot", err, "pod %s/%s not found", namespace, podName)
	}

	snapshot := &ClusterSnapshot{
		Phase:       string(pod.Status.Phase),
		CollectedAt: time.Now().UTC().Format(time.RFC3339),
		Source:      "live",
	}

	if specJSON, err := json.Marshal(pod.Spec); err == nil {
		snapshot.PodSpec = string(specJSON)
	}

	for _, cs := range pod.Status.ContainerStatuses {
		snapshot.ContainerStatuses = append(snapshot.ContainerStatuses, containerStatus(cs))
	}

	events, err := collectEvents(ctx, clientset, namespace, podName)
	if err != nil {
		logger.Warn("Failed to collect events for %s/%s: %v", namespace, podName, err)
	} else {
		snapshot.Events = events
	}

	lines, err := collectLogTail(ctx, clientset, namespace, podName)
	if err != nil {
		logger.Debug("No logs available for %s/%s: %v", namespace, podName, err)
	} else {
		snapshot.LogLines = lines
	}

	return snapshot, nil
}

// ClassifyPod derives the failure class from live pod status. Waiting
// reasons win over termination reasons since they describe the current
// blocker.
func ClassifyPod(pod *corev1.Pod) ErrorClass {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil {
			if class := ParseErrorClass(cs.State.Waiting.Reason); class.Known() {
				return class
			}
		}
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil && cs.State.Terminated.Reason == "OOMKilled" {
			return ClassOOMKilled
		}
		if cs.LastTerminationState.Terminated != nil && cs.LastTerminationState.Terminated.Reason == "OOMKilled" {
			return ClassOOMKilled
		}
	}
	return ClassOther
}

func containerStatus(cs corev1.ContainerStatus) ContainerStatus {
	out := ContainerStatus{
		Name:         cs.Name,
		Image:        cs.Image,
		Ready:        cs.Ready,
		RestartCount: cs.RestartCount,
	}
	switch {
	case cs.State.Waiting != nil:
		out.State = cs.State.Waiting.Reason
	case cs.State.Terminated != nil:
		out.State = cs.State.Terminated.Reason
		out.ExitCode = cs.State.Terminated.ExitCode
	case cs.State.Running != nil:
		out.State = "Running"
	}
	return out
}

func collectEvents(ctx context.Context, clientset kubernetes.Interface, namespace, podName string) ([]Event, error) {
	list, err := clientset.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("involvedObject.name=%s,involvedObject.kind=Pod", podName),
	})
	if err != nil {
		return nil, err
	}

	var results []Event
	for _, e := range list.Items {
		results = append(results, Event{
			Type:      e.Type,
			Reason:    e.Reason,
			Message:   e.Message,
			Timestamp: e.LastTimestamp.Time.UTC().Format(time.RFC3339),
		})
	}
	return results, nil
}

func collectLogTail(ctx context.Context, clientset kubernetes.Interface, namespace, podName string) ([]string, error) {
	opts := &corev1.PodLogOptions{
		TailLines: int64Ptr(logTailLines),
	}

	req := clientset.CoreV1().Pods(namespace).GetLogs(podName, opts)
	stream, err := req.Stream(ctx)
	if err != nil {
		// Crash-looping containers often only have previous logs
		opts.Previous = true
		req = clientset.CoreV1().Pods(namespace).GetLogs(podName, opts)
		stream, err = req.Stream(ctx)
		if err != nil {
			return nil, err
		}
	}
	defer stream.Close()

	buf := new(strings.Builder)
	if _, err := io.Copy(buf, stream); err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func int64Ptr(i int64) *int64 {
	return &i
}
