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

// Package executor runs remediation plans against the cluster. Commands are
// validated and risk-classified before anything is spawned, executed without
// a shell under a per-command timeout, retried on non-zero exits, and rolled
// back when a fix phase fails. Every command lands in the audit trail and
// the metrics registry, and plan lifecycle events go out on the event bus.
package executor

import (
	"bytes"
	"context"
	goerrors "errors"
	"fmt"
	"os/exec"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"pod-healer/audit"
	"pod-healer/config"
	agenterrors "pod-healer/errors"
	"pod-healer/events"
	"pod-healer/logger"
	"pod-healer/metrics"
	"pod-healer/planner"
	"pod-healer/retry"
)

const (
	// Pause between commands of a phase, so the API server sees writes in
	// the order the plan intended.
	defaultInterCommandDelay = 500 * time.Millisecond
	// Pause after a successful pre-delete before applying a replacement
	// manifest, giving the old pod time to terminate.
	defaultSettleDelay = 2 * time.Second
)

// Target identifies the remediation a command runs on behalf of. It feeds
// the audit trail, metrics labels, and bus events.
type Target struct {
	WorkflowID string
	Namespace  string
	PodName    string
	ErrorClass string
	StrategyID string
}

// Runner spawns one argv and reports its outcome. err is reserved for
// failures to run at all (binary missing, context killed); a process that
// started and exited returns its exit code with a nil err.
type Runner interface {
	Run(ctx context.Context, argv []string) (stdout, stderr string, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, argv []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}
	var exitErr *exec.ExitError
	if goerrors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	return stdout.String(), stderr.String(), 0, err
}

// Executor validates and runs remediation commands and manifests.
type Executor struct {
	cfg     *config.Config
	runner  Runner
	retryer *retry.Retryer
	metrics *metrics.AgentMetrics
	audit   *audit.AuditLogger
	bus     *events.EventBus

	interCommandDelay time.Duration
	settleDelay       time.Duration
	sleep             func(time.Duration)
	now               func() time.Time
}

// New builds an Executor. agentMetrics, auditLogger and bus may be nil; the
// executor then runs without the corresponding side channel.
func New(cfg *config.Config, agentMetrics *metrics.AgentMetrics, auditLogger *audit.AuditLogger, bus *events.EventBus) *Executor {
	return &Executor{
		cfg:               cfg,
		runner:            execRunner{},
		retryer:           retry.New(retry.CommandConfig(cfg.MaxRetries), agentMetrics),
		metrics:           agentMetrics,
		audit:             auditLogger,
		bus:               bus,
		interCommandDelay: defaultInterCommandDelay,
		settleDelay:       defaultSettleDelay,
		sleep:             time.Sleep,
		now:               time.Now,
	}
}

// ExecuteCommand validates and runs a single command. Blocked commands never
// reach the runner; dry-run mode synthesises success. Non-zero exits retry
// with exponential backoff, timeouts do not. The returned result is the final
// attempt with the total attempt count.
func (e *Executor) ExecuteCommand(ctx context.Context, target Target, phase, command string) CommandResult {
	verdict := Validate(command, e.cfg.ClusterCLI)

	if !verdict.Safe {
		logger.Warn("🛡️ Blocked [%s] command for %s/%s: %s", phase, target.Namespace, target.PodName, verdict.BlockedReason)
		if e.metrics != nil {
			e.metrics.RecordCommandBlocked(verdict.BlockedReason)
		}
		if e.audit != nil {
			e.audit.LogCommandBlocked(target.WorkflowID, target.Namespace, target.PodName, command, verdict.BlockedReason)
		}
		e.publish(events.NewEvent(events.EventCommandBlocked, target.Namespace, target.PodName,
			events.SeverityCritical, verdict.BlockedReason).
			WithWorkflowID(target.WorkflowID).
			WithErrorClass(target.ErrorClass).
			WithDetails(map[string]interface{}{"command": command, "phase": phase}))
		return CommandResult{
			Command:   command,
			ExitCode:  ExitBlocked,
			Stderr:    "Command blocked: " + verdict.BlockedReason,
			Attempts:  1,
			Started:   e.now(),
			RiskLevel: verdict.RiskLevel,
		}
	}

	for _, warning := range verdict.Warnings {
		logger.Warn("⚠️ %s", warning)
	}
	switch verdict.RiskLevel {
	case RiskHigh:
		logger.Warn("⚠️ High-risk [%s] command: %s", phase, command)
	case RiskMedium:
		logger.Info("Medium-risk [%s] command: %s", phase, command)
	}

	var result CommandResult
	if e.cfg.DryRun {
		result = CommandResult{
			Command:   command,
			Success:   true,
			Stdout:    "[DRY RUN] Would execute: " + command,
			Duration:  0.1,
			Attempts:  1,
			Started:   e.now(),
			RiskLevel: verdict.RiskLevel,
		}
		logger.Info("✅ [DRY RUN] Would execute: %s", command)
	} else {
		result = e.run(ctx, command, verdict.RiskLevel)
	}

	e.record(target, phase, result)
	return result
}

// run executes a validated command through the retryer. The closure keeps
// overwriting result so the caller always sees the final attempt.
func (e *Executor) run(ctx context.Context, command string, riskLevel string) CommandResult {
	argv, err := shellwords.Parse(command)
	if err != nil || len(argv) == 0 {
		if err == nil {
			err = goerrors.New("no arguments after parsing")
		}
		logger.Error("❌ Cannot parse command %q: %v", command, err)
		return CommandResult{
			Command:   command,
			ExitCode:  ExitSpawn,
			Stderr:    fmt.Sprintf("Execution error: %v", err),
			Attempts:  1,
			Started:   e.now(),
			RiskLevel: riskLevel,
		}
	}

	result := CommandResult{Command: command, RiskLevel: riskLevel}
	attempts := 0

	err = e.retryer.DoWithContext(ctx, "command_execution", func(ctx context.Context) error {
		attempts++
		started := e.now()
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
		stdout, stderr, exitCode, runErr := e.runner.Run(cctx, argv)
		timedOut := cctx.Err() == context.DeadlineExceeded
		cancel()

		result.Started = started
		result.Stdout = stdout
		result.Stderr = stderr
		result.Duration = e.now().Sub(started).Seconds()

		switch {
		case timedOut:
			result.Success = false
			result.ExitCode = ExitTimeout
			result.Stderr = fmt.Sprintf("Command timed out after %.0fs", e.cfg.CommandTimeout.Seconds())
			result.Duration = e.cfg.CommandTimeout.Seconds()
			return retry.NewRetryableError(fmt.Errorf("command timed out after %s", e.cfg.CommandTimeout), false)
		case runErr != nil:
			result.Success = false
			result.ExitCode = ExitSpawn
			result.Stderr = fmt.Sprintf("Execution error: %v", runErr)
			return retry.NewRetryableError(runErr, true)
		case exitCode != 0:
			result.Success = false
			result.ExitCode = exitCode
			return retry.NewRetryableError(fmt.Errorf("exit code %d: %s", exitCode, stderr), true)
		default:
			result.Success = true
			result.ExitCode = 0
			return nil
		}
	})

	// The retryer runs the closure at least once, so result always holds the
	// final attempt.
	if err != nil {
		logger.Debug("Command gave up after %d attempt(s): %v", attempts, err)
	}
	result.Attempts = attempts
	return result
}

// record logs the outcome and feeds metrics plus the audit trail.
func (e *Executor) record(target Target, phase string, result CommandResult) {
	status := "success"
	var cmdErr error
	if !result.Success {
		status = "failure"
		cmdErr = goerrors.New(result.Stderr)
		logger.Error("❌ [%s] %s failed (exit %d, %d attempt(s)): %s",
			phase, result.Command, result.ExitCode, result.Attempts, result.Stderr)
	} else {
		logger.Info("✅ [%s] %s (%.2fs, %d attempt(s))", phase, result.Command, result.Duration, result.Attempts)
	}

	if e.metrics != nil {
		e.metrics.RecordCommandExecuted(phase, result.RiskLevel, status)
	}
	if e.audit != nil {
		e.audit.LogCommandExecution(target.WorkflowID, target.Namespace, target.PodName,
			result.Command, phase, result.RiskLevel, result.ExitCode, status,
			time.Duration(result.Duration*float64(time.Second)), cmdErr)
	}
}

// executeSequence runs one phase. With stopOnFailure the first failed command
// aborts the remainder; executed results are kept either way.
func (e *Executor) executeSequence(ctx context.Context, target Target, phase string, commands []string, stopOnFailure bool) PhaseResult {
	pr := PhaseResult{Phase: phase, Success: true}
	if len(commands) == 0 {
		return pr
	}

	phaseStart := e.now()
	for i, command := range commands {
		logger.Info("📋 Command %d/%d [%s]: %s", i+1, len(commands), phase, command)
		result := e.ExecuteCommand(ctx, target, phase, command)
		pr.Commands = append(pr.Commands, result)

		if !result.Success {
			pr.Success = false
			if stopOnFailure {
				pr.Stopped = true
				logger.Warn("⚠️ Stopping %s phase after failure %d/%d", phase, i+1, len(commands))
				break
			}
		}
		if i < len(commands)-1 {
			e.sleep(e.interCommandDelay)
		}
	}

	succeeded := 0
	for _, r := range pr.Commands {
		if r.Success {
			succeeded++
		}
	}
	logger.Info("🌊 %s phase complete: %d/%d commands succeeded", phase, succeeded, len(pr.Commands))
	if e.metrics != nil {
		e.metrics.RecordExecutionDuration(phase, e.now().Sub(phaseStart))
	}
	return pr
}

// ExecuteCommandPlan runs a command plan phase by phase: backup, fix, then
// either rollback (when the fix failed and the plan carries one, skipping
// validation) or validation. A failed backup is warned about but does not
// abort the plan.
func (e *Executor) ExecuteCommandPlan(ctx context.Context, target Target, plan *planner.CommandPlan) (*Report, error) {
	if plan == nil {
		return nil, agenterrors.ValidationError("execute_command_plan", "command plan is nil")
	}

	started := e.now()
	e.publish(events.NewEvent(events.EventExecutionStarted, target.Namespace, target.PodName,
		events.SeverityInfo, fmt.Sprintf("Executing command plan: %d command(s)", plan.Total())).
		WithWorkflowID(target.WorkflowID).
		WithErrorClass(target.ErrorClass).
		WithDetails(map[string]interface{}{
			"mode":        config.ModeCommand,
			"strategy_id": target.StrategyID,
			"dry_run":     e.cfg.DryRun,
		}))

	report := &Report{
		Mode:              config.ModeCommand,
		FixSuccess:        true,
		ValidationSuccess: true,
		Timestamp:         started,
	}

	if len(plan.Backup) > 0 {
		backup := e.executeSequence(ctx, target, PhaseBackup, plan.Backup, true)
		report.Phases = append(report.Phases, backup)
		if !backup.Success {
			logger.Warn("⚠️ Backup phase failed for %s/%s, continuing with fix", target.Namespace, target.PodName)
		}
	}

	if len(plan.Fix) > 0 {
		fix := e.executeSequence(ctx, target, PhaseFix, plan.Fix, true)
		report.Phases = append(report.Phases, fix)
		report.FixSuccess = fix.Success
	}

	if !report.FixSuccess && len(plan.Rollback) > 0 {
		logger.Warn("🔄 Fix failed for %s/%s, rolling back %d command(s)",
			target.Namespace, target.PodName, len(plan.Rollback))
		rollback := e.executeSequence(ctx, target, PhaseRollback, plan.Rollback, false)
		report.Phases = append(report.Phases, rollback)
		report.RollbackPerformed = true

		rollbackStatus := "success"
		if !rollback.Success {
			rollbackStatus = "failure"
		}
		if e.metrics != nil {
			e.metrics.RecordRollback(target.ErrorClass)
		}
		if e.audit != nil {
			e.audit.LogRollback(target.WorkflowID, target.Namespace, target.PodName,
				len(rollback.Commands), rollbackStatus)
		}
		e.publish(events.NewEvent(events.EventRollbackTriggered, target.Namespace, target.PodName,
			events.SeverityWarning, fmt.Sprintf("Rolled back after failed fix (%s)", rollbackStatus)).
			WithWorkflowID(target.WorkflowID).
			WithErrorClass(target.ErrorClass).
			WithDetails(map[string]interface{}{"commands": len(rollback.Commands)}))
	} else if len(plan.Validation) > 0 {
		validation := e.executeSequence(ctx, target, PhaseValidation, plan.Validation, false)
		report.Phases = append(report.Phases, validation)
		report.ValidationSuccess = validation.Success
	}

	report.finalize()
	e.finish(target, report, e.now().Sub(started))
	return report, nil
}

// Execute dispatches a synthesised plan to the mode-specific runner.
func (e *Executor) Execute(ctx context.Context, target Target, plan *planner.Plan) (*Report, error) {
	if plan == nil {
		return nil, agenterrors.ValidationError("execute", "plan is nil")
	}
	if plan.Mode == config.ModeManifest {
		return e.ExecuteManifestPlan(ctx, target, plan.Manifest)
	}
	return e.ExecuteCommandPlan(ctx, target, plan.Command)
}

// finish emits the plan-level audit record and bus event.
func (e *Executor) finish(target Target, report *Report, elapsed time.Duration) {
	status := "success"
	eventType := events.EventExecutionCompleted
	severity := events.SeverityInfo
	if !report.OverallSuccess {
		status = "failure"
		eventType = events.EventExecutionFailed
		severity = events.SeverityError
	}

	logger.Info("📊 Plan execution %s for %s/%s: %d/%d commands succeeded (%.0f%%) in %.2fs",
		status, target.Namespace, target.PodName,
		report.SuccessfulCommands, report.TotalCommands, report.SuccessRate*100, elapsed.Seconds())

	if e.audit != nil {
		e.audit.LogPlanExecution(target.WorkflowID, target.Namespace, target.PodName,
			target.StrategyID, status, report.SuccessfulCommands, report.TotalCommands, elapsed)
	}
	e.publish(events.NewEvent(eventType, target.Namespace, target.PodName, severity,
		fmt.Sprintf("Plan execution %s: %d/%d commands", status, report.SuccessfulCommands, report.TotalCommands)).
		WithWorkflowID(target.WorkflowID).
		WithErrorClass(target.ErrorClass).
		WithDetails(map[string]interface{}{
			"mode":               report.Mode,
			"strategy_id":        target.StrategyID,
			"fix_success":        report.FixSuccess,
			"validation_success": report.ValidationSuccess,
			"rollback_performed": report.RollbackPerformed,
			"success_rate":       report.SuccessRate,
		}))
}

func (e *Executor) publish(event *events.Event) {
	if e.bus != nil {
		e.bus.Publish(event)
	}
}
