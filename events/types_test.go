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

package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	event := NewEvent(EventIncidentDetected, "default", "web-abc123", SeverityWarning, "Pod entered CrashLoopBackOff")

	require.NotNil(t, event)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, EventIncidentDetected, event.Type)
	assert.Equal(t, "default", event.Namespace)
	assert.Equal(t, "web-abc123", event.Resource)
	assert.Equal(t, SeverityWarning, event.Severity)
	assert.Equal(t, "Pod entered CrashLoopBackOff", event.Message)
	assert.Equal(t, "pod-healer-agent", event.Source)
	assert.NotZero(t, event.Timestamp)
}

func TestEvent_WithDetails(t *testing.T) {
	event := NewEvent(EventStrategySelected, "default", "web-abc123", SeverityInfo, "Strategy selected")

	details := map[string]interface{}{
		"strategy_id":      "default_crash_fix",
		"confidence":       0.7,
		"selection_reason": "default_strategy",
	}

	event = event.WithDetails(details)

	assert.Equal(t, details, event.Details)
	assert.Equal(t, "default_crash_fix", event.Details["strategy_id"])
}

func TestEvent_WithWorkflowID(t *testing.T) {
	event := NewEvent(EventExecutionCompleted, "default", "web-abc123", SeverityInfo, "Fix applied")

	event = event.WithWorkflowID("default_web-abc123_1724600000")

	assert.Equal(t, "default_web-abc123_1724600000", event.WorkflowID)
}

func TestEvent_WithErrorClass(t *testing.T) {
	event := NewEvent(EventRemediationSucceeded, "default", "web-abc123", SeverityInfo, "Remediation complete")

	event = event.WithErrorClass("ImagePullBackOff")

	assert.Equal(t, "ImagePullBackOff", event.ErrorClass)
}

func TestEvent_ToJSON(t *testing.T) {
	event := NewEvent(EventRemediationEscalated, "production", "api-xyz", SeverityCritical, "Escalated after retries")
	event = event.WithDetails(map[string]interface{}{
		"attempts_made": 5,
		"reason":        "retries_exhausted",
	})

	jsonBytes, err := event.ToJSON()
	require.NoError(t, err)
	assert.NotEmpty(t, jsonBytes)

	var decoded map[string]interface{}
	err = json.Unmarshal(jsonBytes, &decoded)
	require.NoError(t, err)
	assert.Equal(t, string(EventRemediationEscalated), decoded["type"])
	assert.Equal(t, "pod-healer-agent", decoded["source"])
}

func TestEvent_FromJSON(t *testing.T) {
	original := NewEvent(EventReflectionGenerated, "default", "web-abc123", SeverityInfo, "Reflection recorded")
	original = original.WithTags("deep", "retry").WithErrorClass("CrashLoopBackOff")

	jsonBytes, err := original.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(jsonBytes)
	require.NoError(t, err)
	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.Namespace, decoded.Namespace)
	assert.Equal(t, original.ErrorClass, decoded.ErrorClass)
	assert.Equal(t, original.Tags, decoded.Tags)
}

func TestEvent_UniqueIDs(t *testing.T) {
	first := NewEvent(EventLoopStarted, "default", "web-1", SeverityInfo, "started")
	second := NewEvent(EventLoopStarted, "default", "web-1", SeverityInfo, "started")

	assert.NotEqual(t, first.ID, second.ID)
}
