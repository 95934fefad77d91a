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

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pod-healer/logger"
	"pod-healer/metrics"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// AuditEvent represents a single audit event
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventID    string                 `json:"eventId"`
	EventType  string                 `json:"eventType"`
	Operation  string                 `json:"operation"`
	Namespace  string                 `json:"namespace,omitempty"`
	PodName    string                 `json:"podName,omitempty"`
	WorkflowID string                 `json:"workflowId,omitempty"`
	User       string                 `json:"user"`
	Source     string                 `json:"source"`
	Reason     string                 `json:"reason,omitempty"`
	Command    string                 `json:"command,omitempty"`
	RiskLevel  string                 `json:"riskLevel,omitempty"`
	ExitCode   int                    `json:"exitCode,omitempty"`
	Status     string                 `json:"status"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLogger records every mutating action the agent takes against the
// cluster, both to a JSONL file and as Kubernetes events on the target pod
type AuditLogger struct {
	metrics        *metrics.AgentMetrics
	client         client.Client
	logFile        *os.File
	logChannel     chan AuditEvent
	stopChannel    chan struct{}
	wg             sync.WaitGroup
	mutex          sync.RWMutex
	eventIDCounter uint64
}

// AuditConfig holds audit logger configuration
type AuditConfig struct {
	LogPath        string
	MaxFileSize    int64
	MaxFiles       int
	BufferSize     int
	FlushInterval  time.Duration
	EnableFileLog  bool
	EnableEventLog bool
	RetentionDays  int
}

// DefaultAuditConfig returns default audit configuration
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		LogPath:        "/var/log/pod-healer/audit.log",
		MaxFileSize:    100 * 1024 * 1024, // 100MB
		MaxFiles:       10,
		BufferSize:     1000,
		FlushInterval:  5 * time.Second,
		EnableFileLog:  true,
		EnableEventLog: true,
		RetentionDays:  30,
	}
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(client client.Client, agentMetrics *metrics.AgentMetrics, auditConfig AuditConfig) (*AuditLogger, error) {
	al := &AuditLogger{
		metrics:     agentMetrics,
		client:      client,
		logChannel:  make(chan AuditEvent, auditConfig.BufferSize),
		stopChannel: make(chan struct{}),
	}

	// Create log directory if it doesn't exist
	if auditConfig.EnableFileLog {
		logDir := filepath.Dir(auditConfig.LogPath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %v", err)
		}

		// Open log file
		logFile, err := os.OpenFile(auditConfig.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %v", err)
		}
		al.logFile = logFile
	}

	// Start background processor
	al.wg.Add(1)
	go al.processAuditEvents(auditConfig)

	logger.Info("Audit logger initialized with file logging: %v, event logging: %v",
		auditConfig.EnableFileLog, auditConfig.EnableEventLog)

	return al, nil
}

// Close closes the audit logger and flushes remaining events
func (al *AuditLogger) Close() error {
	close(al.stopChannel)
	al.wg.Wait()

	if al.logFile != nil {
		return al.logFile.Close()
	}

	return nil
}

// LogCommandExecution logs a single command executed against the cluster
func (al *AuditLogger) LogCommandExecution(workflowID, namespace, podName, command, phase, riskLevel string, exitCode int, status string, duration time.Duration, err error) {
	event := AuditEvent{
		Timestamp:  time.Now(),
		EventID:    al.generateEventID(),
		EventType:  "CommandExecution",
		Operation:  phase,
		Namespace:  namespace,
		PodName:    podName,
		WorkflowID: workflowID,
		User:       "pod-healer-agent",
		Source:     "executor",
		Command:    command,
		RiskLevel:  riskLevel,
		ExitCode:   exitCode,
		Status:     status,
		Duration:   duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	al.logEvent(event)
}

// LogCommandBlocked logs a command rejected by the safety validator
func (al *AuditLogger) LogCommandBlocked(workflowID, namespace, podName, command, reason string) {
	event := AuditEvent{
		Timestamp:  time.Now(),
		EventID:    al.generateEventID(),
		EventType:  "CommandBlocked",
		Operation:  "validation",
		Namespace:  namespace,
		PodName:    podName,
		WorkflowID: workflowID,
		User:       "pod-healer-agent",
		Source:     "validator",
		Command:    command,
		Reason:     reason,
		Status:     "blocked",
	}

	al.logEvent(event)
}

// LogPlanExecution logs the outcome of a full plan execution
func (al *AuditLogger) LogPlanExecution(workflowID, namespace, podName, strategyID, status string, successCount, totalCommands int, duration time.Duration) {
	event := AuditEvent{
		Timestamp:  time.Now(),
		EventID:    al.generateEventID(),
		EventType:  "PlanExecution",
		Operation:  "execute_fix",
		Namespace:  namespace,
		PodName:    podName,
		WorkflowID: workflowID,
		User:       "pod-healer-agent",
		Source:     "executor",
		Status:     status,
		Duration:   duration,
		Metadata: map[string]interface{}{
			"strategyId":    strategyID,
			"successCount":  successCount,
			"totalCommands": totalCommands,
		},
	}

	al.logEvent(event)
}

// LogRollback logs a rollback sequence executed after a failed fix
func (al *AuditLogger) LogRollback(workflowID, namespace, podName string, commands int, status string) {
	event := AuditEvent{
		Timestamp:  time.Now(),
		EventID:    al.generateEventID(),
		EventType:  "Rollback",
		Operation:  "rollback",
		Namespace:  namespace,
		PodName:    podName,
		WorkflowID: workflowID,
		User:       "pod-healer-agent",
		Source:     "executor",
		Status:     status,
		Metadata: map[string]interface{}{
			"commands": commands,
		},
	}

	al.logEvent(event)
}

// LogEscalation logs a human escalation with its context
func (al *AuditLogger) LogEscalation(workflowID, namespace, podName, reason string, attemptsMade int, strategiesTried []string) {
	event := AuditEvent{
		Timestamp:  time.Now(),
		EventID:    al.generateEventID(),
		EventType:  "HumanEscalation",
		Operation:  "escalate",
		Namespace:  namespace,
		PodName:    podName,
		WorkflowID: workflowID,
		User:       "pod-healer-agent",
		Source:     "orchestrator",
		Reason:     reason,
		Status:     "escalated",
		Metadata: map[string]interface{}{
			"attemptsMade":    attemptsMade,
			"strategiesTried": strategiesTried,
		},
	}

	al.logEvent(event)
}

// LogMemoryReset logs a reset of one of the persistent stores
func (al *AuditLogger) LogMemoryReset(scope, status string, metadata map[string]interface{}) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventID:   al.generateEventID(),
		EventType: "MemoryReset",
		Operation: scope,
		User:      "pod-healer-agent",
		Source:    "api",
		Status:    status,
		Metadata:  metadata,
	}

	al.logEvent(event)
}

// LogAgentEvent logs general agent events
func (al *AuditLogger) LogAgentEvent(eventType, operation, reason, status string, metadata map[string]interface{}) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventID:   al.generateEventID(),
		EventType: eventType,
		Operation: operation,
		User:      "pod-healer-agent",
		Source:    "agent",
		Reason:    reason,
		Status:    status,
		Metadata:  metadata,
	}

	al.logEvent(event)
}

// logEvent sends an event to the processing channel
func (al *AuditLogger) logEvent(event AuditEvent) {
	select {
	case al.logChannel <- event:
		// Event queued successfully
	default:
		// Channel is full, log warning
		logger.Warn("Audit log channel is full, dropping event %s", event.EventID)
		if al.metrics != nil {
			al.metrics.RecordAuditEventDropped()
		}
	}
}

// processAuditEvents processes audit events in the background
func (al *AuditLogger) processAuditEvents(config AuditConfig) {
	defer al.wg.Done()

	ticker := time.NewTicker(config.FlushInterval)
	defer ticker.Stop()

	var eventBuffer []AuditEvent

	for {
		select {
		case event := <-al.logChannel:
			eventBuffer = append(eventBuffer, event)
			al.processEvent(event, config)

			// Flush buffer if it gets too large
			if len(eventBuffer) >= config.BufferSize/2 {
				al.flushEvents(eventBuffer, config)
				eventBuffer = eventBuffer[:0]
			}

		case <-ticker.C:
			// Periodic flush
			if len(eventBuffer) > 0 {
				al.flushEvents(eventBuffer, config)
				eventBuffer = eventBuffer[:0]
			}

		case <-al.stopChannel:
			// Flush remaining events before stopping
			for {
				select {
				case event := <-al.logChannel:
					eventBuffer = append(eventBuffer, event)
					al.processEvent(event, config)
				default:
					if len(eventBuffer) > 0 {
						al.flushEvents(eventBuffer, config)
					}
					return
				}
			}
		}
	}
}

// processEvent processes a single audit event
func (al *AuditLogger) processEvent(event AuditEvent, config AuditConfig) {
	// Write to file log
	if config.EnableFileLog && al.logFile != nil {
		al.writeToFile(event)
	}

	// Create Kubernetes event
	if config.EnableEventLog {
		al.createKubernetesEvent(event)
	}
}

// writeToFile writes an event to the audit log file
func (al *AuditLogger) writeToFile(event AuditEvent) {
	al.mutex.Lock()
	defer al.mutex.Unlock()

	eventJSON, err := json.Marshal(event)
	if err != nil {
		logger.Error("Failed to marshal audit event: %v", err)
		return
	}

	if _, err := al.logFile.WriteString(string(eventJSON) + "\n"); err != nil {
		logger.Error("Failed to write audit event to file: %v", err)
	}
}

// createKubernetesEvent creates a Kubernetes event for the audit event
func (al *AuditLogger) createKubernetesEvent(event AuditEvent) {
	if al.client == nil || event.Namespace == "" || event.PodName == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kubeEvent := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: "pod-healer-audit-",
			Namespace:    event.Namespace,
		},
		InvolvedObject: corev1.ObjectReference{
			Kind:      "Pod",
			Name:      event.PodName,
			Namespace: event.Namespace,
		},
		Reason:  eventReason(event),
		Message: al.formatEventMessage(event),
		Source: corev1.EventSource{
			Component: "pod-healer",
			Host:      os.Getenv("HOSTNAME"),
		},
		FirstTimestamp: metav1.Time{Time: event.Timestamp},
		LastTimestamp:  metav1.Time{Time: event.Timestamp},
		Count:          1,
		Type:           al.getEventType(event.Status),
	}

	if err := al.client.Create(ctx, kubeEvent); err != nil {
		logger.Debug("Failed to create Kubernetes event: %v", err)
	}
}

// eventReason maps an audit event to a Kubernetes event reason
func eventReason(event AuditEvent) string {
	switch event.EventType {
	case "CommandExecution":
		return "RemediationCommand"
	case "CommandBlocked":
		return "RemediationBlocked"
	case "PlanExecution":
		return "RemediationApplied"
	case "Rollback":
		return "RemediationRolledBack"
	case "HumanEscalation":
		return "RemediationEscalated"
	default:
		if event.Reason != "" {
			return event.Reason
		}
		return event.EventType
	}
}

// formatEventMessage formats the audit event into a human-readable message
func (al *AuditLogger) formatEventMessage(event AuditEvent) string {
	switch event.EventType {
	case "CommandExecution":
		return fmt.Sprintf("%s command %q finished with status %s (exit code %d, risk %s)",
			event.Operation, event.Command, event.Status, event.ExitCode, event.RiskLevel)
	case "CommandBlocked":
		return fmt.Sprintf("command %q blocked by safety validator: %s", event.Command, event.Reason)
	case "PlanExecution":
		return fmt.Sprintf("remediation plan %s: %v/%v commands succeeded (strategy %v)",
			event.Status, event.Metadata["successCount"], event.Metadata["totalCommands"], event.Metadata["strategyId"])
	case "Rollback":
		return fmt.Sprintf("rollback %s after failed fix (%v commands)", event.Status, event.Metadata["commands"])
	case "HumanEscalation":
		return fmt.Sprintf("escalated for human review: %s (attempts: %v)", event.Reason, event.Metadata["attemptsMade"])
	default:
		return fmt.Sprintf("%s %s: %s", event.EventType, event.Operation, event.Reason)
	}
}

// getEventType determines the Kubernetes event type based on status
func (al *AuditLogger) getEventType(status string) string {
	switch status {
	case "success", "applied", "valid":
		return corev1.EventTypeNormal
	case "failure", "error", "blocked", "escalated":
		return corev1.EventTypeWarning
	default:
		return corev1.EventTypeNormal
	}
}

// flushEvents flushes a batch of events
func (al *AuditLogger) flushEvents(events []AuditEvent, config AuditConfig) {
	if al.logFile != nil {
		al.logFile.Sync()
	}

	// Perform log rotation if needed
	if config.EnableFileLog {
		al.checkLogRotation(config)
	}
}

// checkLogRotation checks if log rotation is needed
func (al *AuditLogger) checkLogRotation(config AuditConfig) {
	if al.logFile == nil {
		return
	}

	stat, err := al.logFile.Stat()
	if err != nil {
		return
	}

	if stat.Size() >= config.MaxFileSize {
		al.rotateLogFile(config)
	}
}

// rotateLogFile rotates the current log file
func (al *AuditLogger) rotateLogFile(config AuditConfig) {
	al.mutex.Lock()
	defer al.mutex.Unlock()

	if al.logFile != nil {
		al.logFile.Close()
	}

	// Rename current log file
	timestamp := time.Now().Format("20060102-150405")
	oldPath := config.LogPath
	newPath := fmt.Sprintf("%s.%s", oldPath, timestamp)

	if err := os.Rename(oldPath, newPath); err != nil {
		logger.Warn("Failed to rotate audit log: %v", err)
	}

	// Create new log file
	logFile, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.Error("Failed to create new audit log file: %v", err)
		return
	}

	al.logFile = logFile
	logger.Info("Rotated audit log file to %s", newPath)

	// Clean up old log files
	al.cleanupOldLogs(config)
}

// cleanupOldLogs removes old audit log files based on retention policy
func (al *AuditLogger) cleanupOldLogs(config AuditConfig) {
	logDir := filepath.Dir(config.LogPath)
	logBase := filepath.Base(config.LogPath)

	files, err := filepath.Glob(filepath.Join(logDir, logBase+".*"))
	if err != nil {
		return
	}

	// Sort files by modification time and remove old ones
	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)

	for _, file := range files {
		stat, err := os.Stat(file)
		if err != nil {
			continue
		}

		if stat.ModTime().Before(cutoff) {
			if err := os.Remove(file); err != nil {
				logger.Warn("Failed to remove old audit log %s: %v", file, err)
			} else {
				logger.Info("Removed old audit log %s", file)
			}
		}
	}
}

// generateEventID generates a unique event ID
func (al *AuditLogger) generateEventID() string {
	al.mutex.Lock()
	defer al.mutex.Unlock()

	al.eventIDCounter++
	return fmt.Sprintf("audit-%d-%d", time.Now().Unix(), al.eventIDCounter)
}
