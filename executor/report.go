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

import "time"

// Execution phases in plan order.
const (
	PhaseBackup     = "backup"
	PhaseFix        = "fix"
	PhaseValidation = "validation"
	PhaseRollback   = "rollback"
	PhasePreDelete  = "pre_delete"
	PhaseApply      = "apply"
)

// Synthetic exit codes for commands that never produced one.
const (
	ExitBlocked = -1
	ExitTimeout = -2
	ExitSpawn   = -3
)

// CommandResult is the outcome of one command, including every retry that
// led to it. Duration is wall-clock seconds of the final attempt.
type CommandResult struct {
	Command   string    `json:"command"`
	Success   bool      `json:"success"`
	ExitCode  int       `json:"exit_code"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	Duration  float64   `json:"duration"`
	Attempts  int       `json:"attempts"`
	Started   time.Time `json:"started"`
	RiskLevel string    `json:"risk_level,omitempty"`
}

// PhaseResult groups the results of one phase. Success means every executed
// command succeeded; Stopped marks a stop_on_failure abort, in which case
// trailing commands never ran and are absent from Commands.
type PhaseResult struct {
	Phase    string          `json:"phase"`
	Commands []CommandResult `json:"commands"`
	Success  bool            `json:"success"`
	Stopped  bool            `json:"stopped,omitempty"`
}

// PhaseError is a flattened failure for the report's error summary.
type PhaseError struct {
	Phase    string `json:"phase"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stderr   string `json:"stderr"`
}

// Report summarizes a full plan execution. Totals count executed commands
// only; commands skipped by an aborted phase never appear. OverallSuccess
// is fix AND validation, each vacuously true when its phase had nothing to
// run, so callers must treat an empty plan (TotalCommands == 0) as a failed
// remediation rather than trust the vacuous truth.
type Report struct {
	OverallSuccess     bool          `json:"overall_success"`
	FixSuccess         bool          `json:"fix_success"`
	ValidationSuccess  bool          `json:"validation_success"`
	RollbackPerformed  bool          `json:"rollback_performed,omitempty"`
	TotalCommands      int           `json:"total_commands"`
	SuccessfulCommands int           `json:"successful_commands"`
	SuccessRate        float64       `json:"success_rate"`
	TotalExecutionTime float64       `json:"total_execution_time"`
	Errors             []PhaseError  `json:"errors,omitempty"`
	Phases             []PhaseResult `json:"phases"`
	Mode               string        `json:"mode"`
	Timestamp          time.Time     `json:"timestamp"`
}

// finalize folds the phase results into the aggregate counters and the
// error summary.
func (r *Report) finalize() {
	r.TotalCommands = 0
	r.SuccessfulCommands = 0
	r.TotalExecutionTime = 0
	r.Errors = nil

	for _, phase := range r.Phases {
		for _, cmd := range phase.Commands {
			r.TotalCommands++
			r.TotalExecutionTime += cmd.Duration
			if cmd.Success {
				r.SuccessfulCommands++
				continue
			}
			r.Errors = append(r.Errors, PhaseError{
				Phase:    phase.Phase,
				Command:  cmd.Command,
				ExitCode: cmd.ExitCode,
				Stderr:   cmd.Stderr,
			})
		}
	}

	if r.TotalCommands > 0 {
		r.SuccessRate = float64(r.SuccessfulCommands) / float64(r.TotalCommands)
	} else {
		r.SuccessRate = 0
	}
	r.OverallSuccess = r.FixSuccess && r.ValidationSuccess
}

// phase returns the named phase result, or nil when it never ran.
func (r *Report) phase(name string) *PhaseResult {
	for i := range r.Phases {
		if r.Phases[i].Phase == name {
			return &r.Phases[i]
		}
	}
	return nil
}
