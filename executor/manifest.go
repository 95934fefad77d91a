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

package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"pod-healer/config"
	agenterrors "pod-healer/errors"
	"pod-healer/events"
	"pod-healer/logger"
	"pod-healer/planner"
)

// ExecuteManifestPlan writes the manifest to a unique temp directory, runs
// the optional pre-delete (a failure there is warned about, not fatal),
// applies the manifest, and runs validations when the apply succeeded. The
// temp directory is removed no matter how execution went.
func (e *Executor) ExecuteManifestPlan(ctx context.Context, target Target, plan *planner.ManifestPlan) (*Report, error) {
	if plan == nil {
		return nil, agenterrors.ValidationError("execute_manifest_plan", "manifest plan is nil")
	}
	if plan.Manifest == "" {
		return nil, agenterrors.ValidationError("execute_manifest_plan", "manifest plan has no manifest")
	}

	dir, err := os.MkdirTemp("", "k8s-manifest-")
	if err != nil {
		return nil, agenterrors.ExecutionErrorf("execute_manifest_plan", err, "create manifest directory")
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Warn("⚠️ Failed to clean up manifest directory %s: %v", dir, rmErr)
		}
	}()

	filename := fmt.Sprintf("%s-fixed-%s.yaml", target.PodName, e.now().Format("20060102-150405"))
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(plan.Manifest), 0o600); err != nil {
		return nil, agenterrors.ExecutionErrorf("execute_manifest_plan", err, "write manifest %s", path)
	}
	logger.Info("💾 Wrote manifest %s (%d bytes)", path, len(plan.Manifest))
	logger.Debug("Manifest content for %s/%s:\n%s", target.Namespace, target.PodName, plan.Manifest)

	started := e.now()
	e.publish(events.NewEvent(events.EventExecutionStarted, target.Namespace, target.PodName,
		events.SeverityInfo, "Executing manifest plan").
		WithWorkflowID(target.WorkflowID).
		WithErrorClass(target.ErrorClass).
		WithDetails(map[string]interface{}{
			"mode":           config.ModeManifest,
			"strategy_id":    target.StrategyID,
			"manifest_bytes": len(plan.Manifest),
			"dry_run":        e.cfg.DryRun,
		}))

	report := &Report{
		Mode:              config.ModeManifest,
		FixSuccess:        true,
		ValidationSuccess: true,
		Timestamp:         started,
	}

	if plan.PreDelete != "" {
		preDelete := e.ExecuteCommand(ctx, target, PhasePreDelete, plan.PreDelete)
		report.Phases = append(report.Phases, PhaseResult{
			Phase:    PhasePreDelete,
			Commands: []CommandResult{preDelete},
			Success:  preDelete.Success,
		})
		if preDelete.Success {
			e.sleep(e.settleDelay)
		} else {
			logger.Warn("⚠️ Pre-delete failed for %s/%s, continuing with apply", target.Namespace, target.PodName)
		}
	}

	applyCmd := fmt.Sprintf("%s apply -f %s", e.cfg.ClusterCLI, path)
	apply := e.ExecuteCommand(ctx, target, PhaseApply, applyCmd)
	report.Phases = append(report.Phases, PhaseResult{
		Phase:    PhaseApply,
		Commands: []CommandResult{apply},
		Success:  apply.Success,
	})
	report.FixSuccess = apply.Success

	if apply.Success && len(plan.Validations) > 0 {
		validation := e.executeSequence(ctx, target, PhaseValidation, plan.Validations, false)
		report.Phases = append(report.Phases, validation)
		report.ValidationSuccess = validation.Success
	} else if !apply.Success {
		logger.Error("❌ Apply failed for %s/%s, skipping validations", target.Namespace, target.PodName)
	}

	report.finalize()
	e.finish(target, report, e.now().Sub(started))
	return report, nil
}
