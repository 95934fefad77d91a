package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pod-healer/config"
	agenterrors "pod-healer/errors"
	"pod-healer/events"
	"pod-healer/incident"
	"pod-healer/planner"
	"pod-healer/retry"
)

type step struct {
	stdout string
	stderr string
	exit   int
	err    error
	block  bool // keep running until the context deadline fires
}

// fakeRunner hands out scripted steps in call order, repeating the last one
// when the script runs dry.
type fakeRunner struct {
	mu    sync.Mutex
	steps []step
	calls [][]string
	onRun func(argv []string)
}

func (f *fakeRunner) Run(ctx context.Context, argv []string) (string, string, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, argv)
	var s step
	if len(f.steps) > 0 {
		s = f.steps[0]
		if len(f.steps) > 1 {
			f.steps = f.steps[1:]
		}
	}
	hook := f.onRun
	f.mu.Unlock()

	if hook != nil {
		hook(argv)
	}
	if s.block {
		<-ctx.Done()
		return "", "", -1, ctx.Err()
	}
	return s.stdout, s.stderr, s.exit, s.err
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, argv := range f.calls {
		out = append(out, strings.Join(argv, " "))
	}
	return out
}

func testExecConfig() *config.Config {
	return &config.Config{
		ExecutionMode:  config.ModeCommand,
		ClusterCLI:     "kubectl",
		MaxRetries:     2,
		CommandTimeout: time.Second,
	}
}

func newTestExecutor(cfg *config.Config, runner Runner) *Executor {
	e := New(cfg, nil, nil, nil)
	e.runner = runner
	e.retryer = retry.New(retry.Config{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2.0,
	}, nil)
	e.interCommandDelay = 0
	e.settleDelay = 0
	e.sleep = func(time.Duration) {}
	return e
}

var execTarget = Target{
	WorkflowID: "wf-exec-1",
	Namespace:  "default",
	PodName:    "broken-image-pod",
	ErrorClass: incident.ClassImagePullBackOff.String(),
	StrategyID: "default_image_fix",
}

func TestExecutor_ExecuteCommand_Blocked(t *testing.T) {
	runner := &fakeRunner{}
	e := newTestExecutor(testExecConfig(), runner)

	res := e.ExecuteCommand(context.Background(), execTarget, PhaseFix, "kubectl delete namespace default")

	assert.False(t, res.Success)
	assert.Equal(t, ExitBlocked, res.ExitCode)
	assert.Contains(t, res.Stderr, "Command blocked:")
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, runner.calls, "blocked commands must never reach the runner")
}

func TestExecutor_ExecuteCommand_DryRun(t *testing.T) {
	cfg := testExecConfig()
	cfg.DryRun = true
	runner := &fakeRunner{}
	e := newTestExecutor(cfg, runner)

	cmd := "kubectl delete pod broken-image-pod -n default"
	res := e.ExecuteCommand(context.Background(), execTarget, PhaseFix, cmd)

	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "[DRY RUN] Would execute: "+cmd, res.Stdout)
	assert.InDelta(t, 0.1, res.Duration, 1e-9)
	assert.Equal(t, RiskMedium, res.RiskLevel, "validation still classifies in dry-run")
	assert.Empty(t, runner.calls)
}

func TestExecutor_ExecuteCommand_Success(t *testing.T) {
	runner := &fakeRunner{steps: []step{{stdout: "pod/web created"}}}
	e := newTestExecutor(testExecConfig(), runner)

	res := e.ExecuteCommand(context.Background(), execTarget, PhaseFix,
		"kubectl run web --image=nginx:latest --restart=Never")

	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "pod/web created", res.Stdout)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"kubectl", "run", "web", "--image=nginx:latest", "--restart=Never"}, runner.calls[0])
}

func TestExecutor_ExecuteCommand_QuotedArgumentsStayIntact(t *testing.T) {
	runner := &fakeRunner{steps: []step{{stdout: "patched"}}}
	e := newTestExecutor(testExecConfig(), runner)

	res := e.ExecuteCommand(context.Background(), execTarget, PhaseFix,
		`kubectl patch pod web -n default -p '{"spec":{"containers":[]}}'`)

	assert.True(t, res.Success)
	require.Len(t, runner.calls, 1)
	assert.Contains(t, runner.calls[0], `{"spec":{"containers":[]}}`,
		"quoted JSON must survive as one argv element")
}

func TestExecutor_ExecuteCommand_RetriesNonZeroExit(t *testing.T) {
	runner := &fakeRunner{steps: []step{
		{exit: 1, stderr: "error: pod not found"},
		{exit: 0, stdout: "pod deleted"},
	}}
	e := newTestExecutor(testExecConfig(), runner)

	res := e.ExecuteCommand(context.Background(), execTarget, PhaseFix,
		"kubectl delete pod broken-image-pod -n default")

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecutor_ExecuteCommand_RetriesExhausted(t *testing.T) {
	runner := &fakeRunner{steps: []step{{exit: 1, stderr: "permission denied"}}}
	e := newTestExecutor(testExecConfig(), runner) // MaxRetries 2

	res := e.ExecuteCommand(context.Background(), execTarget, PhaseFix,
		"kubectl delete pod broken-image-pod -n default")

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "permission denied", res.Stderr)
}

func TestExecutor_ExecuteCommand_TimeoutDoesNotRetry(t *testing.T) {
	cfg := testExecConfig()
	cfg.CommandTimeout = 20 * time.Millisecond
	runner := &fakeRunner{steps: []step{{block: true}}}
	e := newTestExecutor(cfg, runner)

	res := e.ExecuteCommand(context.Background(), execTarget, PhaseValidation,
		"kubectl wait --for=condition=Ready pod/web --timeout=60s")

	assert.False(t, res.Success)
	assert.Equal(t, ExitTimeout, res.ExitCode)
	assert.Equal(t, 1, res.Attempts, "timeouts must not retry")
	assert.Contains(t, res.Stderr, "timed out")
	assert.InDelta(t, cfg.CommandTimeout.Seconds(), res.Duration, 1e-9)
}

func TestExecutor_ExecuteCommand_SpawnErrorRetries(t *testing.T) {
	runner := &fakeRunner{steps: []step{{err: errors.New(`exec: "kubectl": executable file not found in $PATH`)}}}
	e := newTestExecutor(testExecConfig(), runner)

	res := e.ExecuteCommand(context.Background(), execTarget, PhaseFix,
		"kubectl delete pod broken-image-pod -n default")

	assert.False(t, res.Success)
	assert.Equal(t, ExitSpawn, res.ExitCode)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Stderr, "Execution error:")
}

func TestExecutor_ExecuteCommand_UnparseableCommand(t *testing.T) {
	runner := &fakeRunner{}
	e := newTestExecutor(testExecConfig(), runner)

	res := e.ExecuteCommand(context.Background(), execTarget, PhaseFix, `kubectl get "unterminated`)

	assert.False(t, res.Success)
	assert.Equal(t, ExitSpawn, res.ExitCode)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Stderr, "Execution error:")
	assert.Empty(t, runner.calls)
}

func TestExecutor_ExecuteCommandPlan_AllPhasesSucceed(t *testing.T) {
	cfg := testExecConfig()
	cfg.MaxRetries = 0
	runner := &fakeRunner{steps: []step{{exit: 0}}}
	e := newTestExecutor(cfg, runner)

	plan := &planner.CommandPlan{
		Backup: []string{"kubectl get pod broken-image-pod -n default -o yaml"},
		Fix: []string{
			"kubectl delete pod broken-image-pod -n default",
			"kubectl run broken-image-pod --image=nginx:latest --restart=Never -n default",
		},
		Validation: []string{"kubectl get pod broken-image-pod -n default"},
		Rollback:   []string{"kubectl delete pod broken-image-pod -n default --ignore-not-found=true"},
	}

	report, err := e.ExecuteCommandPlan(context.Background(), execTarget, plan)
	require.NoError(t, err)

	assert.True(t, report.OverallSuccess)
	assert.True(t, report.FixSuccess)
	assert.True(t, report.ValidationSuccess)
	assert.False(t, report.RollbackPerformed)
	assert.Equal(t, 4, report.TotalCommands, "rollback commands never count on success")
	assert.Equal(t, 4, report.SuccessfulCommands)
	assert.Equal(t, 1.0, report.SuccessRate)
	assert.Empty(t, report.Errors)
	assert.Equal(t, config.ModeCommand, report.Mode)

	require.Len(t, report.Phases, 3)
	assert.Equal(t, PhaseBackup, report.Phases[0].Phase)
	assert.Equal(t, PhaseFix, report.Phases[1].Phase)
	assert.Equal(t, PhaseValidation, report.Phases[2].Phase)
	assert.NotContains(t, runner.commands(), plan.Rollback[0])
}

func TestExecutor_ExecuteCommandPlan_RollbackOnFixFailure(t *testing.T) {
	cfg := testExecConfig()
	cfg.MaxRetries = 0
	runner := &fakeRunner{steps: []step{
		{exit: 0},                                 // backup
		{exit: 1, stderr: "error: image invalid"}, // fix command 1 fails
		{exit: 0},                                 // rollback
	}}
	e := newTestExecutor(cfg, runner)

	plan := &planner.CommandPlan{
		Backup: []string{"kubectl get pod broken-image-pod -n default -o yaml"},
		Fix: []string{
			"kubectl delete pod broken-image-pod -n default",
			"kubectl run broken-image-pod --image=nginx:latest --restart=Never -n default",
		},
		Validation: []string{"kubectl get pod broken-image-pod -n default"},
		Rollback:   []string{"kubectl delete pod broken-image-pod -n default --ignore-not-found=true"},
	}

	report, err := e.ExecuteCommandPlan(context.Background(), execTarget, plan)
	require.NoError(t, err)

	assert.False(t, report.OverallSuccess)
	assert.False(t, report.FixSuccess)
	assert.True(t, report.ValidationSuccess, "validation never ran, so it stays vacuously true")
	assert.True(t, report.RollbackPerformed)

	fix := report.phase(PhaseFix)
	require.NotNil(t, fix)
	assert.True(t, fix.Stopped)
	assert.Len(t, fix.Commands, 1, "second fix command must not run after the first failed")

	assert.Nil(t, report.phase(PhaseValidation), "rollback skips validation")
	require.NotNil(t, report.phase(PhaseRollback))

	assert.Equal(t, 3, report.TotalCommands)
	assert.Equal(t, 2, report.SuccessfulCommands)
	assert.InDelta(t, 2.0/3.0, report.SuccessRate, 1e-9)

	require.Len(t, report.Errors, 1)
	assert.Equal(t, PhaseFix, report.Errors[0].Phase)
	assert.Equal(t, 1, report.Errors[0].ExitCode)
	assert.Equal(t, "error: image invalid", report.Errors[0].Stderr)
}

func TestExecutor_ExecuteCommandPlan_FixFailureWithoutRollbackStillValidates(t *testing.T) {
	cfg := testExecConfig()
	cfg.MaxRetries = 0
	runner := &fakeRunner{steps: []step{
		{exit: 1, stderr: "error: forbidden"},
		{exit: 1, stderr: "pod not ready"},
	}}
	e := newTestExecutor(cfg, runner)

	plan := &planner.CommandPlan{
		Fix:        []string{"kubectl delete pod broken-image-pod -n default"},
		Validation: []string{"kubectl get pod broken-image-pod -n default"},
	}

	report, err := e.ExecuteCommandPlan(context.Background(), execTarget, plan)
	require.NoError(t, err)

	assert.False(t, report.FixSuccess)
	assert.False(t, report.ValidationSuccess)
	assert.False(t, report.RollbackPerformed)
	assert.Len(t, runner.calls, 2, "validation still runs when no rollback exists")
}

func TestExecutor_ExecuteCommandPlan_BackupFailureDoesNotAbort(t *testing.T) {
	cfg := testExecConfig()
	cfg.MaxRetries = 0
	runner := &fakeRunner{steps: []step{
		{exit: 1, stderr: "error: forbidden"}, // backup fails
		{exit: 0},                             // fix
		{exit: 0},                             // validation
	}}
	e := newTestExecutor(cfg, runner)

	plan := &planner.CommandPlan{
		Backup:     []string{"kubectl get pod broken-image-pod -n default -o yaml"},
		Fix:        []string{"kubectl delete pod broken-image-pod -n default"},
		Validation: []string{"kubectl get pod broken-image-pod -n default"},
	}

	report, err := e.ExecuteCommandPlan(context.Background(), execTarget, plan)
	require.NoError(t, err)

	assert.True(t, report.OverallSuccess, "a failed backup must not sink the remediation")
	assert.Equal(t, 3, report.TotalCommands)
	assert.Equal(t, 2, report.SuccessfulCommands)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, PhaseBackup, report.Errors[0].Phase)
}

func TestExecutor_ExecuteCommandPlan_EmptyPlanIsVacuouslySuccessful(t *testing.T) {
	e := newTestExecutor(testExecConfig(), &fakeRunner{})

	report, err := e.ExecuteCommandPlan(context.Background(), execTarget, &planner.CommandPlan{})
	require.NoError(t, err)

	assert.True(t, report.OverallSuccess, "callers must check TotalCommands before trusting this")
	assert.Equal(t, 0, report.TotalCommands)
	assert.Equal(t, 0.0, report.SuccessRate)
	assert.Empty(t, report.Phases)
}

func TestExecutor_ExecuteCommandPlan_NilPlan(t *testing.T) {
	e := newTestExecutor(testExecConfig(), &fakeRunner{})

	report, err := e.ExecuteCommandPlan(context.Background(), execTarget, nil)
	assert.Nil(t, report)
	require.Error(t, err)
	assert.Equal(t, agenterrors.CategoryValidation, agenterrors.GetCategory(err))
}

func TestExecutor_Execute_DispatchesOnMode(t *testing.T) {
	cfg := testExecConfig()
	cfg.MaxRetries = 0
	runner := &fakeRunner{steps: []step{{exit: 0}}}
	e := newTestExecutor(cfg, runner)

	report, err := e.Execute(context.Background(), execTarget, &planner.Plan{
		Mode:    config.ModeCommand,
		Command: &planner.CommandPlan{Fix: []string{"kubectl delete pod broken-image-pod -n default"}},
	})
	require.NoError(t, err)
	assert.Equal(t, config.ModeCommand, report.Mode)

	report, err = e.Execute(context.Background(), execTarget, &planner.Plan{
		Mode:     config.ModeManifest,
		Manifest: &planner.ManifestPlan{Manifest: "apiVersion: v1\nkind: Pod\nmetadata:\n  name: web\n"},
	})
	require.NoError(t, err)
	assert.Equal(t, config.ModeManifest, report.Mode)

	_, err = e.Execute(context.Background(), execTarget, nil)
	require.Error(t, err)
}

func TestExecutor_ExecuteCommandPlan_PublishesLifecycleEvents(t *testing.T) {
	cfg := testExecConfig()
	cfg.MaxRetries = 0
	runner := &fakeRunner{steps: []step{
		{exit: 1, stderr: "error: image invalid"}, // fix fails
		{exit: 0},                                 // rollback
	}}
	e := newTestExecutor(cfg, runner)

	bus := events.NewEventBus(32)
	defer bus.Stop()
	ch := make(chan *events.Event, 32)
	bus.SubscribeChannel(nil, ch)
	e.bus = bus

	plan := &planner.CommandPlan{
		Fix:      []string{"kubectl delete pod broken-image-pod -n default"},
		Rollback: []string{"kubectl delete pod broken-image-pod -n default --ignore-not-found=true"},
	}
	_, err := e.ExecuteCommandPlan(context.Background(), execTarget, plan)
	require.NoError(t, err)

	seen := map[events.EventType]*events.Event{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case ev := <-ch:
			seen[ev.Type] = ev
		case <-deadline:
			t.Fatalf("timed out waiting for lifecycle events, saw %d", len(seen))
		}
	}

	require.Contains(t, seen, events.EventExecutionStarted)
	require.Contains(t, seen, events.EventRollbackTriggered)
	require.Contains(t, seen, events.EventExecutionFailed)
	assert.Equal(t, "wf-exec-1", seen[events.EventExecutionFailed].WorkflowID)
	assert.Equal(t, incident.ClassImagePullBackOff.String(), seen[events.EventRollbackTriggered].ErrorClass)
}

const testManifest = `apiVersion: v1
kind: Pod
metadata:
  name: broken-image-pod
  namespace: default
spec:
  containers:
    - name: broken-image-pod
      image: nginx:latest
`

func TestExecutor_ExecuteManifestPlan_AppliesManifest(t *testing.T) {
	cfg := testExecConfig()
	cfg.MaxRetries = 0
	runner := &fakeRunner{steps: []step{{exit: 0}}}
	e := newTestExecutor(cfg, runner)

	var slept []time.Duration
	e.settleDelay = 2 * time.Second
	e.sleep = func(d time.Duration) { slept = append(slept, d) }

	var appliedPath, appliedContent string
	runner.onRun = func(argv []string) {
		if len(argv) == 4 && argv[1] == "apply" {
			appliedPath = argv[3]
			data, err := os.ReadFile(argv[3])
			require.NoError(t, err)
			appliedContent = string(data)
		}
	}

	plan := &planner.ManifestPlan{
		Manifest:    testManifest,
		PreDelete:   "kubectl delete pod broken-image-pod -n default --ignore-not-found=true",
		Validations: []string{"kubectl get pod broken-image-pod -n default"},
	}
	report, err := e.ExecuteManifestPlan(context.Background(), execTarget, plan)
	require.NoError(t, err)

	assert.True(t, report.OverallSuccess)
	assert.Equal(t, config.ModeManifest, report.Mode)
	assert.Equal(t, 3, report.TotalCommands)

	calls := runner.commands()
	require.Len(t, calls, 3)
	assert.Contains(t, calls[0], "delete pod broken-image-pod")
	assert.True(t, strings.HasPrefix(calls[1], "kubectl apply -f "))
	assert.Contains(t, appliedPath, "k8s-manifest-")
	assert.Contains(t, filepath.Base(appliedPath), "broken-image-pod-fixed-")
	assert.True(t, strings.HasSuffix(appliedPath, ".yaml"))
	assert.Equal(t, testManifest, appliedContent, "the file on disk must hold the manifest during apply")

	assert.Contains(t, slept, 2*time.Second, "a successful pre-delete settles before apply")

	_, statErr := os.Stat(filepath.Dir(appliedPath))
	assert.True(t, os.IsNotExist(statErr), "temp manifest directory must be cleaned up")
}

func TestExecutor_ExecuteManifestPlan_PreDeleteFailureContinues(t *testing.T) {
	cfg := testExecConfig()
	cfg.MaxRetries = 0
	runner := &fakeRunner{steps: []step{
		{exit: 1, stderr: "connection refused"}, // pre-delete
		{exit: 0},                               // apply
		{exit: 0},                               // validation
	}}
	e := newTestExecutor(cfg, runner)

	var slept []time.Duration
	e.settleDelay = 2 * time.Second
	e.sleep = func(d time.Duration) { slept = append(slept, d) }

	plan := &planner.ManifestPlan{
		Manifest:    testManifest,
		PreDelete:   "kubectl delete pod broken-image-pod -n default --ignore-not-found=true",
		Validations: []string{"kubectl get pod broken-image-pod -n default"},
	}
	report, err := e.ExecuteManifestPlan(context.Background(), execTarget, plan)
	require.NoError(t, err)

	assert.True(t, report.OverallSuccess, "apply and validation decide the outcome, not pre-delete")
	assert.Len(t, runner.calls, 3)
	assert.NotContains(t, slept, 2*time.Second, "no settle pause after a failed pre-delete")
	require.Len(t, report.Errors, 1)
	assert.Equal(t, PhasePreDelete, report.Errors[0].Phase)
}

func TestExecutor_ExecuteManifestPlan_ApplyFailureSkipsValidations(t *testing.T) {
	cfg := testExecConfig()
	cfg.MaxRetries = 0
	runner := &fakeRunner{steps: []step{
		{exit: 0},                                     // pre-delete
		{exit: 1, stderr: "error validating manifest"}, // apply
	}}
	e := newTestExecutor(cfg, runner)

	plan := &planner.ManifestPlan{
		Manifest:    testManifest,
		PreDelete:   "kubectl delete pod broken-image-pod -n default --ignore-not-found=true",
		Validations: []string{"kubectl get pod broken-image-pod -n default"},
	}
	report, err := e.ExecuteManifestPlan(context.Background(), execTarget, plan)
	require.NoError(t, err)

	assert.False(t, report.OverallSuccess)
	assert.False(t, report.FixSuccess)
	assert.True(t, report.ValidationSuccess, "validations never ran")
	assert.Len(t, runner.calls, 2)
	assert.Nil(t, report.phase(PhaseValidation))
}

func TestExecutor_ExecuteManifestPlan_Validation(t *testing.T) {
	e := newTestExecutor(testExecConfig(), &fakeRunner{})

	_, err := e.ExecuteManifestPlan(context.Background(), execTarget, nil)
	require.Error(t, err)
	assert.Equal(t, agenterrors.CategoryValidation, agenterrors.GetCategory(err))

	_, err = e.ExecuteManifestPlan(context.Background(), execTarget, &planner.ManifestPlan{})
	require.Error(t, err)
}
