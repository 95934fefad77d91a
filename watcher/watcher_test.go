package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"pod-healer/agent"
	"pod-healer/config"
	agenterrors "pod-healer/errors"
	"pod-healer/events"
	"pod-healer/incident"
)

func watcherConfig() *config.Config {
	return &config.Config{
		WatcherConcurrency:  2,
		RemediationCooldown: 5 * time.Minute,
	}
}

type stubProcessor struct {
	mu    sync.Mutex
	calls []*incident.Incident
	fn    func(ctx context.Context, in *incident.Incident) (*agent.Result, error)
}

func (p *stubProcessor) Process(ctx context.Context, in *incident.Incident) (*agent.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, in)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(ctx, in)
	}
	return &agent.Result{Success: true}, nil
}

func failingPod(name, reason string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Status: corev1.PodStatus{
			Phase: corev1.PodPending,
			ContainerStatuses: []corev1.ContainerStatus{
				{
					Name: "main",
					State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{Reason: reason, Message: "simulated failure"},
					},
				},
			},
		},
	}
}

func oomKilledPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{
				{
					Name:  "main",
					State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
					LastTerminationState: corev1.ContainerState{
						Terminated: &corev1.ContainerStateTerminated{Reason: "OOMKilled", ExitCode: 137},
					},
				},
			},
		},
	}
}

func healthyPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{
				{Name: "main", Ready: true, State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}},
			},
		},
	}
}

func newTestWatcher(t *testing.T) (*Watcher, *stubProcessor) {
	t.Helper()
	proc := &stubProcessor{}
	return New(watcherConfig(), k8sfake.NewSimpleClientset(), proc, nil, nil), proc
}

func drainOne(t *testing.T, w *Watcher) *incident.Incident {
	t.Helper()
	select {
	case in := <-w.queue:
		return in
	default:
		t.Fatal("expected a queued incident")
		return nil
	}
}

func recvEvent(t *testing.T, ch chan *events.Event) *events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a bus event")
		return nil
	}
}

func TestWatcher_InspectEnqueuesKnownFailures(t *testing.T) {
	tests := []struct {
		name string
		pod  *corev1.Pod
		want incident.ErrorClass
	}{
		{"image pull backoff", failingPod("broken-image-pod", "ImagePullBackOff"), incident.ClassImagePullBackOff},
		{"err image pull", failingPod("bad-tag-pod", "ErrImagePull"), incident.ClassErrImagePull},
		{"crash loop", failingPod("crashing-pod", "CrashLoopBackOff"), incident.ClassCrashLoopBackOff},
		{"config error", failingPod("misconfigured-pod", "CreateContainerConfigError"), incident.ClassCreateContainerConfigError},
		{"oom killed", oomKilledPod("hungry-pod"), incident.ClassOOMKilled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newTestWatcher(t)

			w.inspect(tt.pod)

			in := drainOne(t, w)
			assert.Equal(t, tt.pod.Name, in.PodName)
			assert.Equal(t, "default", in.Namespace)
			assert.Equal(t, tt.want, in.ErrorClass)
			assert.Len(t, w.queue, 0)
		})
	}
}

func TestWatcher_InspectIgnoresHealthyAndUnknownPods(t *testing.T) {
	w, _ := newTestWatcher(t)

	w.inspect(healthyPod("steady-pod"))

	creating := failingPod("starting-pod", "ContainerCreating")
	w.inspect(creating)

	crashed := healthyPod("crashed-pod")
	crashed.Status.ContainerStatuses[0].State = corev1.ContainerState{
		Terminated: &corev1.ContainerStateTerminated{Reason: "Error", ExitCode: 1},
	}
	w.inspect(crashed)

	deleting := failingPod("doomed-pod", "ImagePullBackOff")
	now := metav1.Now()
	deleting.DeletionTimestamp = &now
	w.inspect(deleting)

	assert.Len(t, w.queue, 0)
	queued, inFlight, cooling := w.Stats()
	assert.Zero(t, queued)
	assert.Zero(t, inFlight)
	assert.Zero(t, cooling, "ignored pods never stamp the cooldown")
}

func TestWatcher_InspectDebouncesWithCooldown(t *testing.T) {
	w, _ := newTestWatcher(t)
	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	current := base
	w.now = func() time.Time { return current }

	w.inspect(failingPod("broken-image-pod", "ImagePullBackOff"))
	require.Len(t, w.queue, 1)

	w.inspect(failingPod("broken-image-pod", "ImagePullBackOff"))
	assert.Len(t, w.queue, 1, "repeat sighting within the cooldown is suppressed")

	w.inspect(failingPod("other-pod", "ImagePullBackOff"))
	assert.Len(t, w.queue, 2, "the cooldown is tracked per pod")

	_, _, cooling := w.Stats()
	assert.Equal(t, 2, cooling)

	current = base.Add(6 * time.Minute)
	w.inspect(failingPod("broken-image-pod", "ImagePullBackOff"))
	assert.Len(t, w.queue, 3, "cooldown expiry readmits the pod")
}

func TestWatcher_InspectSkipsPodsUnderRemediation(t *testing.T) {
	w, _ := newTestWatcher(t)
	w.inFlight.Store("default/broken-image-pod", true)

	w.inspect(failingPod("broken-image-pod", "ImagePullBackOff"))

	assert.Len(t, w.queue, 0)
	_, inFlight, cooling := w.Stats()
	assert.Equal(t, 1, inFlight)
	assert.Zero(t, cooling, "an in-flight skip does not stamp the cooldown")
}

func TestWatcher_InspectDropsWhenQueueFull(t *testing.T) {
	w, _ := newTestWatcher(t)
	w.queue = make(chan *incident.Incident)

	w.inspect(failingPod("broken-image-pod", "ImagePullBackOff"))

	_, _, cooling := w.Stats()
	assert.Zero(t, cooling, "a dropped incident releases its cooldown stamp")

	w.queue = make(chan *incident.Incident, 4)
	w.inspect(failingPod("broken-image-pod", "ImagePullBackOff"))
	assert.Len(t, w.queue, 1, "the pod is readmitted on its next status update")
}

func TestWatcher_PublishesDetectionAndSkipEvents(t *testing.T) {
	bus := events.NewEventBus(16)
	t.Cleanup(bus.Stop)

	ch := make(chan *events.Event, 16)
	bus.SubscribeChannel(&events.EventFilter{EventTypes: []events.EventType{
		events.EventIncidentDetected,
		events.EventIncidentSkipped,
	}}, ch)

	w := New(watcherConfig(), k8sfake.NewSimpleClientset(), &stubProcessor{}, nil, bus)
	w.inspect(failingPod("broken-image-pod", "ImagePullBackOff"))
	w.inspect(failingPod("broken-image-pod", "ImagePullBackOff"))

	detected := recvEvent(t, ch)
	assert.Equal(t, events.EventIncidentDetected, detected.Type)
	assert.Equal(t, events.SeverityWarning, detected.Severity)
	assert.Equal(t, "default", detected.Namespace)
	assert.Equal(t, "broken-image-pod", detected.Resource)
	assert.Equal(t, "ImagePullBackOff", detected.ErrorClass)

	skipped := recvEvent(t, ch)
	assert.Equal(t, events.EventIncidentSkipped, skipped.Type)
	assert.Equal(t, events.SeverityInfo, skipped.Severity)
	assert.Contains(t, skipped.Message, SkipCooldown)
}

func TestWatcher_RemediateTracksInFlight(t *testing.T) {
	w, proc := newTestWatcher(t)

	var busyDuringProcess bool
	proc.fn = func(ctx context.Context, in *incident.Incident) (*agent.Result, error) {
		_, busyDuringProcess = w.inFlight.Load("default/broken-image-pod")
		return &agent.Result{Success: true, ResolutionTime: 12.5}, nil
	}

	in := &incident.Incident{PodName: "broken-image-pod", Namespace: "default", ErrorClass: incident.ClassImagePullBackOff}
	w.remediate(context.Background(), in)

	assert.True(t, busyDuringProcess, "the pod is marked in-flight while the agent runs")
	_, stillBusy := w.inFlight.Load("default/broken-image-pod")
	assert.False(t, stillBusy)

	proc.fn = func(ctx context.Context, in *incident.Incident) (*agent.Result, error) {
		return nil, errors.New("model unavailable")
	}
	w.remediate(context.Background(), in)
	_, stillBusy = w.inFlight.Load("default/broken-image-pod")
	assert.False(t, stillBusy, "the in-flight flag is released on processor errors")
}

func TestWatcher_RunRemediatesWatchedPods(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset()
	stream := watch.NewFake()
	clientset.PrependWatchReactor("pods", k8stesting.DefaultWatchReactor(stream, nil))

	processed := make(chan *incident.Incident, 1)
	proc := &stubProcessor{fn: func(ctx context.Context, in *incident.Incident) (*agent.Result, error) {
		processed <- in
		return &agent.Result{Success: true}, nil
	}}

	w := New(watcherConfig(), clientset, proc, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	go func() {
		stream.Add(healthyPod("steady-pod"))
		stream.Add(failingPod("broken-image-pod", "ImagePullBackOff"))
	}()

	select {
	case in := <-processed:
		assert.Equal(t, "broken-image-pod", in.PodName)
		assert.Equal(t, "default", in.Namespace)
		assert.Equal(t, incident.ClassImagePullBackOff, in.ErrorClass)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the watcher to hand the incident to the processor")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancellation")
	}
}

func TestWatcher_RunValidatesDependencies(t *testing.T) {
	ctx := context.Background()

	w := New(watcherConfig(), nil, &stubProcessor{}, nil, nil)
	err := w.Run(ctx)
	require.Error(t, err)
	assert.True(t, agenterrors.IsCategory(err, agenterrors.CategoryConfiguration))

	w = New(watcherConfig(), k8sfake.NewSimpleClientset(), nil, nil, nil)
	err = w.Run(ctx)
	require.Error(t, err)
	assert.True(t, agenterrors.IsCategory(err, agenterrors.CategoryConfiguration))
}

func TestWatcher_Stats(t *testing.T) {
	w, _ := newTestWatcher(t)
	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	w.queue <- &incident.Incident{PodName: "queued-pod", Namespace: "default"}
	w.inFlight.Store("default/busy-pod", true)
	w.mu.Lock()
	w.seen["default/fresh-pod"] = base.Add(-time.Minute)
	w.seen["default/stale-pod"] = base.Add(-time.Hour)
	w.mu.Unlock()

	queued, inFlight, cooling := w.Stats()
	assert.Equal(t, 1, queued)
	assert.Equal(t, 1, inFlight)
	assert.Equal(t, 1, cooling, "entries past the cooldown no longer count")
}

func TestWatcher_NewNormalisesConcurrency(t *testing.T) {
	cfg := watcherConfig()
	cfg.WatcherConcurrency = 0
	w := New(cfg, k8sfake.NewSimpleClientset(), &stubProcessor{}, nil, nil)
	assert.Equal(t, 1, w.concurrency)
}
