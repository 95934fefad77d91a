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

// Package watcher turns pod status changes into remediation work. It watches
// the configured namespaces, classifies failing pods into known error
// classes, debounces per pod, and hands incidents to the agent through a
// bounded worker pool.
package watcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"pod-healer/agent"
	"pod-healer/config"
	agenterrors "pod-healer/errors"
	"pod-healer/events"
	"pod-healer/incident"
	"pod-healer/logger"
	"pod-healer/metrics"
)

// watchRetryDelay is the pause before re-establishing a broken pod watch.
const watchRetryDelay = 5 * time.Second

// queueSize bounds the backlog of incidents waiting for a worker. Beyond
// this the watcher drops new detections and relies on the next status
// update to pick the pod up again.
const queueSize = 100

// Skip reasons reported when a failing pod is observed but not enqueued.
const (
	SkipCooldown  = "cooldown"
	SkipInFlight  = "in_flight"
	SkipQueueFull = "queue_full"
)

// Processor consumes incidents produced by the watcher. *agent.Agent is the
// production implementation.
type Processor interface {
	Process(ctx context.Context, in *incident.Incident) (*agent.Result, error)
}

// Watcher streams pod events from the API server and feeds failing pods to
// the processor. One Watcher drives one watch per namespace plus a fixed
// pool of remediation workers.
type Watcher struct {
	clientset   kubernetes.Interface
	processor   Processor
	metrics     *metrics.AgentMetrics
	bus         *events.EventBus
	namespaces  []string
	concurrency int
	cooldown    time.Duration

	queue    chan *incident.Incident
	inFlight sync.Map // "namespace/pod" -> true while a worker owns it

	mu   sync.Mutex
	seen map[string]time.Time // last enqueue per pod, pruned on write

	wg  sync.WaitGroup
	now func() time.Time
}

// New builds a watcher from configuration. Metrics and bus may be nil.
func New(cfg *config.Config, clientset kubernetes.Interface, processor Processor, m *metrics.AgentMetrics, bus *events.EventBus) *Watcher {
	concurrency := cfg.WatcherConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Watcher{
		clientset:   clientset,
		processor:   processor,
		metrics:     m,
		bus:         bus,
		namespaces:  cfg.WatchNamespaces,
		concurrency: concurrency,
		cooldown:    cfg.RemediationCooldown,
		queue:       make(chan *incident.Incident, queueSize),
		seen:        make(map[string]time.Time),
		now:         time.Now,
	}
}

// Run starts the workers and watch loops and blocks until ctx is cancelled.
// Watches that drop are re-established after watchRetryDelay.
func (w *Watcher) Run(ctx context.Context) error {
	if w.clientset == nil {
		return agenterrors.New(agenterrors.CategoryConfiguration, "watcher.run", "kubernetes clientset is required")
	}
	if w.processor == nil {
		return agenterrors.New(agenterrors.CategoryConfiguration, "watcher.run", "incident processor is required")
	}

	namespaces := w.namespaces
	if len(namespaces) == 0 {
		namespaces = []string{metav1.NamespaceAll}
	}
	logger.Info("👀 Pod watcher started (namespaces: %s, workers: %d, cooldown: %s)",
		namespaceLabel(namespaces), w.concurrency, w.cooldown)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.worker(ctx)
	}
	for _, ns := range namespaces {
		w.wg.Add(1)
		go w.watchLoop(ctx, ns)
	}

	<-ctx.Done()
	w.wg.Wait()
	logger.Info("📴 Pod watcher stopped")
	return nil
}

// Stats reports the current backlog for the statistics endpoint.
func (w *Watcher) Stats() (queued, inFlight, coolingDown int) {
	queued = len(w.queue)
	w.inFlight.Range(func(_, _ interface{}) bool {
		inFlight++
		return true
	})
	w.mu.Lock()
	now := w.now()
	for _, last := range w.seen {
		if w.cooldown > 0 && now.Sub(last) < w.cooldown {
			coolingDown++
		}
	}
	w.mu.Unlock()
	return queued, inFlight, coolingDown
}

func (w *Watcher) watchLoop(ctx context.Context, namespace string) {
	defer w.wg.Done()
	for ctx.Err() == nil {
		stream, err := w.clientset.CoreV1().Pods(namespace).Watch(ctx, metav1.ListOptions{})
		if err != nil {
			logger.Warn("Pod watch for %q failed: %v (retrying in %s)", namespace, err, watchRetryDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRetryDelay):
			}
			continue
		}
		w.consume(ctx, stream)
	}
}

// consume drains one watch stream until it closes or ctx is cancelled.
func (w *Watcher) consume(ctx context.Context, stream watch.Interface) {
	defer stream.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.ResultChan():
			if !ok {
				return
			}
			if ev.Type != watch.Added && ev.Type != watch.Modified {
				continue
			}
			pod, ok := ev.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			w.inspect(pod)
		}
	}
}

// inspect classifies one pod update and enqueues an incident when the pod is
// failing with a known class and is neither cooling down nor already being
// remediated.
func (w *Watcher) inspect(pod *corev1.Pod) {
	if w.metrics != nil {
		w.metrics.RecordPodWatched()
	}
	if pod.DeletionTimestamp != nil {
		return
	}
	class := incident.ClassifyPod(pod)
	if !class.Known() {
		return
	}
	key := podKey(pod.Namespace, pod.Name)
	if _, busy := w.inFlight.Load(key); busy {
		w.skip(pod, class, SkipInFlight)
		return
	}
	if !w.markSeen(key) {
		w.skip(pod, class, SkipCooldown)
		return
	}

	in := &incident.Incident{
		PodName:    pod.Name,
		Namespace:  pod.Namespace,
		ErrorClass: class,
	}
	select {
	case w.queue <- in:
	default:
		w.forget(key)
		w.skip(pod, class, SkipQueueFull)
		logger.Warn("⚠️ Remediation queue full, dropping %s (%s)", key, class)
		return
	}

	logger.Info("🚨 Incident detected: %s (%s)", key, class)
	if w.metrics != nil {
		w.metrics.RecordIncidentDetected(pod.Namespace, class.String())
	}
	w.publish(events.NewEvent(events.EventIncidentDetected, pod.Namespace, pod.Name,
		events.SeverityWarning, fmt.Sprintf("Pod failure detected: %s", class)).
		WithErrorClass(class.String()))
}

func (w *Watcher) skip(pod *corev1.Pod, class incident.ErrorClass, reason string) {
	logger.Debug("Skipping failing pod %s/%s (%s): %s", pod.Namespace, pod.Name, class, reason)
	if w.metrics != nil {
		w.metrics.RecordIncidentSkipped(pod.Namespace, reason)
	}
	w.publish(events.NewEvent(events.EventIncidentSkipped, pod.Namespace, pod.Name,
		events.SeverityInfo, fmt.Sprintf("Pod failure ignored (%s)", reason)).
		WithErrorClass(class.String()))
}

func (w *Watcher) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-w.queue:
			w.remediate(ctx, in)
		}
	}
}

func (w *Watcher) remediate(ctx context.Context, in *incident.Incident) {
	key := podKey(in.Namespace, in.PodName)
	w.inFlight.Store(key, true)
	defer w.inFlight.Delete(key)

	result, err := w.processor.Process(ctx, in)
	if err != nil {
		logger.Error("Remediation of %s did not complete: %v", key, err)
		return
	}
	switch {
	case result.Success:
		logger.Info("✅ Remediation of %s succeeded in %.1fs (%d retries)",
			key, result.ResolutionTime, result.RetryCount)
	case result.RequiresHumanIntervention:
		logger.Warn("🚨 Remediation of %s escalated to a human operator", key)
	default:
		logger.Warn("❌ Remediation of %s failed after %d retries", key, result.RetryCount)
	}
}

// markSeen stamps the pod and reports whether it may be enqueued. Entries
// past the cooldown are pruned here so the map tracks only live debounces.
func (w *Watcher) markSeen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if last, ok := w.seen[key]; ok && w.cooldown > 0 && now.Sub(last) < w.cooldown {
		return false
	}
	for k, last := range w.seen {
		if now.Sub(last) >= w.cooldown {
			delete(w.seen, k)
		}
	}
	w.seen[key] = now
	return true
}

// forget rolls back a markSeen stamp so a dropped incident is retried on the
// pod's next status update.
func (w *Watcher) forget(key string) {
	w.mu.Lock()
	delete(w.seen, key)
	w.mu.Unlock()
}

func (w *Watcher) publish(event *events.Event) {
	if w.bus != nil {
		w.bus.Publish(event)
	}
}

func podKey(namespace, name string) string {
	return namespace + "/" + name
}

func namespaceLabel(namespaces []string) string {
	if len(namespaces) == 1 && namespaces[0] == metav1.NamespaceAll {
		return "all"
	}
	return strings.Join(namespaces, ",")
}
