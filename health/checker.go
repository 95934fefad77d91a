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

package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pod-healer/logger"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

// ComponentStatus represents the health status of a component
type ComponentStatus struct {
	Healthy     bool
	LastChecked time.Time
	Message     string
}

// ComponentCheck probes one dependency, e.g. a store ping or an LLM
// endpoint reachability test
type ComponentCheck func(ctx context.Context) error

// AgentHealthChecker checks the health of agent components: the loop itself,
// the three persistent stores, the LLM endpoint and the watcher
type AgentHealthChecker struct {
	mu               sync.RWMutex
	components       map[string]*ComponentStatus
	checks           map[string]ComponentCheck
	metricsServerURL string
	checkInterval    time.Duration
	lastOverallCheck time.Time
}

// Optional components are reported but never fail readiness while disabled
var optionalComponents = map[string]bool{
	"llm":     true,
	"watcher": true,
}

// NewAgentHealthChecker creates a new health checker
func NewAgentHealthChecker() *AgentHealthChecker {
	return &AgentHealthChecker{
		components: map[string]*ComponentStatus{
			"agent": {
				Healthy:     true,
				LastChecked: time.Now(),
				Message:     "Agent initialized",
			},
			"stores": {
				Healthy:     false,
				LastChecked: time.Now(),
				Message:     "Stores not yet initialized",
			},
			"llm": {
				Healthy:     false,
				LastChecked: time.Now(),
				Message:     "Not enabled",
			},
			"watcher": {
				Healthy:     false,
				LastChecked: time.Now(),
				Message:     "Not enabled",
			},
		},
		checks:           make(map[string]ComponentCheck),
		metricsServerURL: "http://localhost:9090/metrics",
		checkInterval:    30 * time.Second,
	}
}

// RegisterCheck registers a probe that runs on every periodic health check
func (h *AgentHealthChecker) RegisterCheck(component string, check ComponentCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[component] = check
	if _, exists := h.components[component]; !exists {
		h.components[component] = &ComponentStatus{
			Healthy:     false,
			LastChecked: time.Now(),
			Message:     "Not yet checked",
		}
	}
}

// UpdateComponentStatus updates the status of a specific component
func (h *AgentHealthChecker) UpdateComponentStatus(component string, healthy bool, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if status, exists := h.components[component]; exists {
		status.Healthy = healthy
		status.LastChecked = time.Now()
		status.Message = message
	} else {
		h.components[component] = &ComponentStatus{
			Healthy:     healthy,
			LastChecked: time.Now(),
			Message:     message,
		}
	}

	logger.Debug("Health status updated for %s: healthy=%v, message=%s", component, healthy, message)
}

// GetComponentStatus returns the status of a specific component
func (h *AgentHealthChecker) GetComponentStatus(component string) (*ComponentStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status, exists := h.components[component]
	if !exists {
		return nil, false
	}

	// Return a copy to avoid race conditions
	statusCopy := &ComponentStatus{
		Healthy:     status.Healthy,
		LastChecked: status.LastChecked,
		Message:     status.Message,
	}
	return statusCopy, true
}

// IsHealthy returns true if all required components are healthy
func (h *AgentHealthChecker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for name, status := range h.components {
		// Skip optional components that are not enabled
		if optionalComponents[name] {
			if status.Message == "Not enabled" || status.Message == "Not initialized" {
				continue
			}
		}

		if !status.Healthy {
			return false
		}

		// Check if the component hasn't been updated recently (stale health check)
		if time.Since(status.LastChecked) > 5*time.Minute {
			logger.Warn("Component %s health check is stale (last checked: %v ago)",
				name, time.Since(status.LastChecked))
			return false
		}
	}

	return true
}

// GetHealthReport returns a detailed health report
func (h *AgentHealthChecker) GetHealthReport() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	report := make(map[string]interface{})
	report["overall_healthy"] = h.isHealthyLocked()
	report["last_check"] = h.lastOverallCheck

	components := make(map[string]interface{})
	for name, status := range h.components {
		components[name] = map[string]interface{}{
			"healthy":      status.Healthy,
			"last_checked": status.LastChecked,
			"message":      status.Message,
			"age":          time.Since(status.LastChecked).String(),
		}
	}
	report["components"] = components

	return report
}

// isHealthyLocked is IsHealthy without taking the lock; callers hold it
func (h *AgentHealthChecker) isHealthyLocked() bool {
	for name, status := range h.components {
		if optionalComponents[name] {
			if status.Message == "Not enabled" || status.Message == "Not initialized" {
				continue
			}
		}
		if !status.Healthy {
			return false
		}
		if time.Since(status.LastChecked) > 5*time.Minute {
			return false
		}
	}
	return true
}

// StartPeriodicHealthChecks starts periodic health checks for components
func (h *AgentHealthChecker) StartPeriodicHealthChecks(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(h.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping periodic health checks")
				return
			case <-ticker.C:
				h.performHealthChecks(ctx)
			}
		}
	}()
}

// performHealthChecks performs health checks on all components
func (h *AgentHealthChecker) performHealthChecks(ctx context.Context) {
	h.mu.Lock()
	h.lastOverallCheck = time.Now()
	checks := make(map[string]ComponentCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	metricsURL := h.metricsServerURL
	h.mu.Unlock()

	// The agent component is healthy as long as this loop runs
	h.UpdateComponentStatus("agent", true, "Agent is running")

	// Run registered probes with a bounded timeout each
	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := check(checkCtx); err != nil {
			h.UpdateComponentStatus(name, false, fmt.Sprintf("Check failed: %v", err))
		} else {
			h.UpdateComponentStatus(name, true, fmt.Sprintf("%s is healthy", name))
		}
		cancel()
	}

	// Check metrics server if enabled
	if metricsURL != "" {
		if err := h.CheckHTTPEndpoint(metricsURL, 2*time.Second); err != nil {
			h.UpdateComponentStatus("metrics-server", false, fmt.Sprintf("Metrics server check failed: %v", err))
		} else {
			h.UpdateComponentStatus("metrics-server", true, "Metrics server is healthy")
		}
	}
}

// CheckHTTPEndpoint checks if an HTTP endpoint is responsive
func (h *AgentHealthChecker) CheckHTTPEndpoint(url string, timeout time.Duration) error {
	client := &http.Client{
		Timeout: timeout,
	}

	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	return nil
}

// LivenessCheck implements the healthz.Checker interface for liveness probes
func (h *AgentHealthChecker) LivenessCheck(_ *http.Request) error {
	// For liveness, only check that the agent itself is running. External
	// dependencies being down must not restart the process.
	if status, exists := h.GetComponentStatus("agent"); exists && status.Healthy {
		return nil
	}
	return errors.New("agent is not healthy")
}

// ReadinessCheck implements the healthz.Checker interface for readiness probes
func (h *AgentHealthChecker) ReadinessCheck(_ *http.Request) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var unhealthyComponents []string
	for name, status := range h.components {
		// The metrics server is not critical for serving remediations
		if name == "metrics-server" {
			continue
		}

		if optionalComponents[name] {
			if status.Message == "Not enabled" || status.Message == "Not initialized" {
				continue
			}
		}

		if !status.Healthy {
			unhealthyComponents = append(unhealthyComponents, name)
		}
	}

	if len(unhealthyComponents) > 0 {
		return fmt.Errorf("unhealthy components: %v", unhealthyComponents)
	}
	return nil
}

// SetCheckInterval sets the interval for periodic health checks
func (h *AgentHealthChecker) SetCheckInterval(interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkInterval = interval
}

// SetMetricsServerURL sets the URL for the metrics server health check
func (h *AgentHealthChecker) SetMetricsServerURL(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metricsServerURL = url
}

// DetailedHealthCheck returns a custom health check that provides detailed information
func (h *AgentHealthChecker) DetailedHealthCheck() healthz.Checker {
	return func(req *http.Request) error {
		// Perform a fresh health check
		h.performHealthChecks(req.Context())

		// Return readiness check result
		return h.ReadinessCheck(req)
	}
}
