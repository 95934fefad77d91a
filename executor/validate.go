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
	"fmt"
	"regexp"
	"strings"
)

// Risk levels assigned to commands before execution.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Operations that are never executed regardless of what the planner or the
// model produced. Matched as substrings of the lowercased command.
var forbiddenOperations = []string{
	"delete namespace",
	"delete node",
	"delete persistentvolume",
	"delete pv",
	"delete clusterrole",
	"delete clusterrolebinding",
	"delete customresourcedefinition",
	"delete crd",
}

// Shell metacharacters. Commands run without a shell, so these only ever
// produce warnings: a pipe in an argv is harmless but almost certainly not
// what the plan intended.
var dangerousFragments = []string{";", "&&", "||", "|", ">", "<", "$", "`"}

var highRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`delete\s+deployment`),
	regexp.MustCompile(`delete\s+service`),
	regexp.MustCompile(`delete\s+configmap`),
	regexp.MustCompile(`delete\s+secret`),
	regexp.MustCompile(`scale\s+.*--replicas=0`),
	regexp.MustCompile(`patch\s+.*security`),
	regexp.MustCompile(`exec\s+`),
	regexp.MustCompile(`port-forward\s+`),
}

var mediumRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`delete\s+pod`),
	regexp.MustCompile(`rollout\s+restart`),
	regexp.MustCompile(`patch\s+`),
	regexp.MustCompile(`scale\s+`),
	regexp.MustCompile(`annotate\s+`),
	regexp.MustCompile(`label\s+`),
}

// Read-only verbs. A command whose verb is in this set is low risk no matter
// which patterns its arguments happened to match.
var safeVerbs = map[string]bool{
	"get":           true,
	"describe":      true,
	"logs":          true,
	"top":           true,
	"version":       true,
	"cluster-info":  true,
	"api-resources": true,
	"api-versions":  true,
}

// Validation is the pre-execution verdict on a single command.
type Validation struct {
	Safe          bool
	RiskLevel     string
	Warnings      []string
	BlockedReason string
}

// Validate inspects a command before execution. Blocked commands carry the
// reason and critical risk; everything else gets a risk tier plus warnings
// for shell metacharacters. cli is the only binary commands may invoke.
func Validate(command, cli string) Validation {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Validation{RiskLevel: RiskCritical, BlockedReason: "Empty command"}
	}

	tokens := strings.Fields(trimmed)
	if tokens[0] != cli {
		return Validation{
			RiskLevel:     RiskCritical,
			BlockedReason: fmt.Sprintf("Only %s commands are allowed, got %q", cli, tokens[0]),
		}
	}

	lowered := strings.ToLower(trimmed)
	for _, op := range forbiddenOperations {
		if strings.Contains(lowered, op) {
			return Validation{
				RiskLevel:     RiskCritical,
				BlockedReason: fmt.Sprintf("Forbidden operation: %q", op),
			}
		}
	}

	v := Validation{Safe: true, RiskLevel: RiskLow}

	for _, frag := range dangerousFragments {
		if strings.Contains(trimmed, frag) {
			v.Warnings = append(v.Warnings,
				fmt.Sprintf("Command contains %q; commands run without a shell, so this is passed to %s literally", frag, cli))
		}
	}

	for _, re := range highRiskPatterns {
		if re.MatchString(lowered) {
			v.RiskLevel = RiskHigh
			break
		}
	}
	if v.RiskLevel == RiskLow {
		for _, re := range mediumRiskPatterns {
			if re.MatchString(lowered) {
				v.RiskLevel = RiskMedium
				break
			}
		}
	}

	// A read-only verb wins over pattern matches: the patterns scan the whole
	// command string, not just the verb.
	if len(tokens) >= 2 && safeVerbs[tokens[1]] {
		v.RiskLevel = RiskLow
	}

	return v
}
