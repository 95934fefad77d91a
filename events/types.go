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
	"slices"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of remediation lifecycle event
type EventType string

const (
	// Incident Events
	EventIncidentDetected EventType = "incident.detected"
	EventIncidentSkipped  EventType = "incident.skipped"

	// Loop Events
	EventLoopStarted      EventType = "loop.started"
	EventStrategySelected EventType = "loop.strategy_selected"
	EventPlanSynthesised  EventType = "loop.plan_synthesised"

	// Execution Events
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventCommandBlocked     EventType = "execution.command_blocked"
	EventRollbackTriggered  EventType = "execution.rollback"

	// Learning Events
	EventObservationRecorded EventType = "learning.observation"
	EventReflectionGenerated EventType = "learning.reflection"
	EventMetaReflection      EventType = "learning.meta_reflection"
	EventStrategyCreated     EventType = "learning.strategy_created"
	EventStrategyModified    EventType = "learning.strategy_modified"
	EventPatternDetected     EventType = "learning.pattern_detected"
	EventEpisodeStored       EventType = "learning.episode_stored"

	// Outcome Events
	EventRemediationSucceeded EventType = "remediation.succeeded"
	EventRemediationFailed    EventType = "remediation.failed"
	EventRemediationEscalated EventType = "remediation.escalated"
	EventFeedbackProcessed    EventType = "remediation.feedback_processed"

	// System Events
	EventHealthCheckFailed    EventType = "system.health_check_failed"
	EventConfigurationChanged EventType = "system.config_changed"
	EventMemoryReset          EventType = "system.memory_reset"
)

// Event represents a remediation lifecycle event that can be streamed to clients
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	WorkflowID string                 `json:"workflowId,omitempty"`
	Namespace  string                 `json:"namespace,omitempty"`
	Resource   string                 `json:"resource,omitempty"` // pod name
	ErrorClass string                 `json:"errorClass,omitempty"`
	Severity   Severity               `json:"severity"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
	Source     string                 `json:"source"` // pod-healer-agent
}

// Severity represents event severity
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// NewEvent creates a new event with generated ID and timestamp
func NewEvent(eventType EventType, namespace, resource string, severity Severity, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Namespace: namespace,
		Resource:  resource,
		Severity:  severity,
		Message:   message,
		Source:    "pod-healer-agent",
		Details:   make(map[string]interface{}),
		Tags:      make([]string, 0),
	}
}

// WithDetails adds details to the event
func (e *Event) WithDetails(details map[string]interface{}) *Event {
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithTags adds tags to the event
func (e *Event) WithTags(tags ...string) *Event {
	e.Tags = append(e.Tags, tags...)
	return e
}

// WithWorkflowID sets the workflow ID for event grouping
func (e *Event) WithWorkflowID(id string) *Event {
	e.WorkflowID = id
	return e
}

// WithErrorClass sets the error class the event relates to
func (e *Event) WithErrorClass(class string) *Event {
	e.ErrorClass = class
	return e
}

// EventFilter narrows which events a subscriber receives. Zero-value fields
// impose no constraint.
type EventFilter struct {
	EventTypes   []EventType `json:"eventTypes,omitempty"`
	Namespaces   []string    `json:"namespaces,omitempty"`
	PodNames     []string    `json:"podNames,omitempty"`
	ErrorClasses []string    `json:"errorClasses,omitempty"`
	Severities   []Severity  `json:"severities,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	Since        *time.Time  `json:"since,omitempty"`
}

// Matches reports whether the event passes the filter. A nil filter matches
// everything. Listed values match any-of, except Tags, which must all be
// present on the event.
func (f *EventFilter) Matches(e *Event) bool {
	if f == nil {
		return true
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type) {
		return false
	}
	if len(f.Namespaces) > 0 && !slices.Contains(f.Namespaces, e.Namespace) {
		return false
	}
	if len(f.PodNames) > 0 && !slices.Contains(f.PodNames, e.Resource) {
		return false
	}
	if len(f.ErrorClasses) > 0 && !slices.Contains(f.ErrorClasses, e.ErrorClass) {
		return false
	}
	if len(f.Severities) > 0 && !slices.Contains(f.Severities, e.Severity) {
		return false
	}
	for _, tag := range f.Tags {
		if !slices.Contains(e.Tags, tag) {
			return false
		}
	}
	return true
}

// ToJSON serializes event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}
