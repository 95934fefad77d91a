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

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Execution modes for remediation plans
const (
	ModeCommand  = "command"
	ModeManifest = "manifest"
)

// Reflection depths
const (
	DepthShallow = "shallow"
	DepthMedium  = "medium"
	DepthDeep    = "deep"
)

// Config holds all configuration for the remediation agent
type Config struct {
	// Remediation loop
	ReflectionDepth             string  // shallow, medium or deep reflection prompts
	ExecutionMode               string  // command or manifest
	DryRun                      bool    // Log and synthesize results without touching the cluster
	MaxRetries                  int     // Per-command retry attempts in the executor
	RecursionLimit              int     // Upper bound on node transitions per workflow
	HardRetryCap                int     // Absolute cap on remediation attempts per incident
	ReflectOnSuccessProbability float64 // Chance of reflecting on a successful fix
	PreferPersistentProbability float64 // Chance of exploiting the best persistent strategy
	PatternDetectionThreshold   int     // Minimum episodes before pattern extraction
	StrategyConfidenceThreshold float64 // Confidence at which a strategy counts as proven

	// Executor
	ClusterCLI     string        // Binary remediation commands must start with
	CommandTimeout time.Duration // Per-command execution timeout

	// Persistent stores
	StrategyDBPath    string
	EpisodicDBPath    string
	PerformanceDBPath string

	// LLM
	LLMProvider    string        // openai or ollama
	LLMModel       string
	LLMEndpoint    string        // Base URL for self-hosted endpoints
	LLMAPIKey      string
	LLMTimeout     time.Duration // Per-call timeout
	LLMTemperature float64

	// Operational configuration
	LogLevel       string // Log level: debug, info, warn, error
	MetricsEnabled bool   // Enable Prometheus metrics
	MetricsPort    int    // Port for metrics endpoint
	APIPort        int    // Port for the HTTP API
	APIAuthToken   string // Static bearer token for the HTTP API (empty disables auth)
	JWTSecret      string // HMAC secret for JWT bearer tokens (empty disables JWT)
	AuditEnabled   bool   // Enable audit logging for remediation actions
	AuditLogPath   string // Audit trail file path

	// Pod watcher
	WatcherEnabled      bool          // Watch pods and trigger remediation automatically
	WatchNamespaces     []string      // Namespaces to watch (empty watches all)
	WatcherConcurrency  int           // Parallel remediation workers
	RemediationCooldown time.Duration // Minimum gap between remediations of the same pod
}

// Global config instance
var Global *Config

// Load initializes the configuration from environment variables
func Load() *Config {
	cfg := &Config{
		// Default values
		ReflectionDepth:             DepthMedium,
		ExecutionMode:               ModeCommand,
		DryRun:                      false,
		MaxRetries:                  3,
		RecursionLimit:              50,
		HardRetryCap:                5,
		ReflectOnSuccessProbability: 0.8,
		PreferPersistentProbability: 0.8,
		PatternDetectionThreshold:   3,
		StrategyConfidenceThreshold: 0.7,
		ClusterCLI:                  "kubectl",
		CommandTimeout:              120 * time.Second,
		StrategyDBPath:              "data/strategies.db",
		EpisodicDBPath:              "data/episodic_memory.db",
		PerformanceDBPath:           "data/performance_history.db",
		LLMProvider:                 "openai",
		LLMModel:                    "gpt-4o-mini",
		LLMTimeout:                  60 * time.Second,
		LLMTemperature:              0.2,
		LogLevel:                    "info",
		MetricsEnabled:              true,
		MetricsPort:                 9090,
		APIPort:                     8090,
		AuditEnabled:                true,
		AuditLogPath:                "data/audit.log",
		WatcherEnabled:              false,
		WatcherConcurrency:          4,
		RemediationCooldown:         5 * time.Minute,
	}

	// Load from environment variables with defaults
	if val := os.Getenv("REFLECTION_DEPTH"); val != "" {
		switch strings.ToLower(val) {
		case DepthShallow, DepthMedium, DepthDeep:
			cfg.ReflectionDepth = strings.ToLower(val)
			log.Printf("REFLECTION_DEPTH set to: %s", cfg.ReflectionDepth)
		default:
			log.Printf("Warning: Invalid REFLECTION_DEPTH value: %s", val)
		}
	}

	if val := os.Getenv("EXECUTION_MODE"); val != "" {
		switch strings.ToLower(val) {
		case ModeCommand, ModeManifest:
			cfg.ExecutionMode = strings.ToLower(val)
			log.Printf("EXECUTION_MODE set to: %s", cfg.ExecutionMode)
		default:
			log.Printf("Warning: Invalid EXECUTION_MODE value: %s", val)
		}
	}

	if val := os.Getenv("DRY_RUN"); val != "" {
		cfg.DryRun = strings.ToLower(val) == "true"
		log.Printf("DRY_RUN set to: %v", cfg.DryRun)
	}

	if val := os.Getenv("MAX_RETRIES"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i >= 0 {
			cfg.MaxRetries = i
			log.Printf("MAX_RETRIES set to: %d", i)
		} else {
			log.Printf("Warning: Invalid MAX_RETRIES value: %s", val)
		}
	}

	if val := os.Getenv("RECURSION_LIMIT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.RecursionLimit = i
			log.Printf("RECURSION_LIMIT set to: %d", i)
		}
	}

	if val := os.Getenv("HARD_RETRY_CAP"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.HardRetryCap = i
			log.Printf("HARD_RETRY_CAP set to: %d", i)
		}
	}

	if val := os.Getenv("REFLECT_ON_SUCCESS_PROBABILITY"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil && f >= 0 && f <= 1 {
			cfg.ReflectOnSuccessProbability = f
			log.Printf("REFLECT_ON_SUCCESS_PROBABILITY set to: %.2f", f)
		}
	}

	if val := os.Getenv("PREFER_PERSISTENT_PROBABILITY"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil && f >= 0 && f <= 1 {
			cfg.PreferPersistentProbability = f
			log.Printf("PREFER_PERSISTENT_PROBABILITY set to: %.2f", f)
		}
	}

	if val := os.Getenv("PATTERN_DETECTION_THRESHOLD"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.PatternDetectionThreshold = i
			log.Printf("PATTERN_DETECTION_THRESHOLD set to: %d", i)
		}
	}

	if val := os.Getenv("STRATEGY_CONFIDENCE_THRESHOLD"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil && f >= 0 && f <= 1 {
			cfg.StrategyConfidenceThreshold = f
			log.Printf("STRATEGY_CONFIDENCE_THRESHOLD set to: %.2f", f)
		}
	}

	if val := os.Getenv("CLUSTER_CLI"); val != "" {
		cfg.ClusterCLI = val
		log.Printf("CLUSTER_CLI set to: %s", val)
	}

	// COMMAND_TIMEOUT_SECONDS takes a plain integer; COMMAND_TIMEOUT a duration
	if val := os.Getenv("COMMAND_TIMEOUT_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil && seconds > 0 {
			cfg.CommandTimeout = time.Duration(seconds) * time.Second
			log.Printf("COMMAND_TIMEOUT_SECONDS set to: %v", cfg.CommandTimeout)
		} else {
			log.Printf("Warning: Invalid COMMAND_TIMEOUT_SECONDS value: %s", val)
		}
	} else if val := os.Getenv("COMMAND_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil && duration > 0 {
			cfg.CommandTimeout = duration
			log.Printf("COMMAND_TIMEOUT set to: %v", duration)
		} else {
			log.Printf("Warning: Invalid COMMAND_TIMEOUT value: %s (use format like '30s', '5m')", val)
		}
	}

	if val := os.Getenv("STRATEGY_DB_PATH"); val != "" {
		cfg.StrategyDBPath = val
		log.Printf("STRATEGY_DB_PATH set to: %s", val)
	}

	if val := os.Getenv("EPISODIC_DB_PATH"); val != "" {
		cfg.EpisodicDBPath = val
		log.Printf("EPISODIC_DB_PATH set to: %s", val)
	}

	if val := os.Getenv("PERFORMANCE_DB_PATH"); val != "" {
		cfg.PerformanceDBPath = val
		log.Printf("PERFORMANCE_DB_PATH set to: %s", val)
	}

	if val := os.Getenv("LLM_PROVIDER"); val != "" {
		switch strings.ToLower(val) {
		case "openai", "ollama":
			cfg.LLMProvider = strings.ToLower(val)
			log.Printf("LLM_PROVIDER set to: %s", cfg.LLMProvider)
		default:
			log.Printf("Warning: Invalid LLM_PROVIDER value: %s", val)
		}
	}

	if val := os.Getenv("LLM_MODEL"); val != "" {
		cfg.LLMModel = val
		log.Printf("LLM_MODEL set to: %s", val)
	}

	if val := os.Getenv("LLM_ENDPOINT"); val != "" {
		cfg.LLMEndpoint = val
		log.Printf("LLM_ENDPOINT set to: %s", val)
	}

	// API key is never logged
	if val := os.Getenv("LLM_API_KEY"); val != "" {
		cfg.LLMAPIKey = val
	} else if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		cfg.LLMAPIKey = val
	}

	if val := os.Getenv("LLM_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil && duration > 0 {
			cfg.LLMTimeout = duration
			log.Printf("LLM_TIMEOUT set to: %v", duration)
		}
	}

	if val := os.Getenv("LLM_TEMPERATURE"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil && f >= 0 && f <= 2 {
			cfg.LLMTemperature = f
			log.Printf("LLM_TEMPERATURE set to: %.2f", f)
		}
	}

	// Load LOG_LEVEL
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if validLevels[val] {
			cfg.LogLevel = val
		}
	}

	if val := os.Getenv("METRICS_ENABLED"); val != "" {
		cfg.MetricsEnabled = strings.ToLower(val) == "true"
		log.Printf("METRICS_ENABLED set to: %v", cfg.MetricsEnabled)
	}

	if val := os.Getenv("METRICS_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 && i < 65536 {
			cfg.MetricsPort = i
			log.Printf("METRICS_PORT set to: %d", i)
		}
	}

	if val := os.Getenv("API_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 && i < 65536 {
			cfg.APIPort = i
			log.Printf("API_PORT set to: %d", i)
		}
	}

	if val := os.Getenv("API_AUTH_TOKEN"); val != "" {
		cfg.APIAuthToken = val
	}

	if val := os.Getenv("JWT_SECRET"); val != "" {
		cfg.JWTSecret = val
	}

	if val := os.Getenv("AUDIT_ENABLED"); val != "" {
		cfg.AuditEnabled = strings.ToLower(val) == "true"
		log.Printf("AUDIT_ENABLED set to: %v", cfg.AuditEnabled)
	}

	if val := os.Getenv("AUDIT_LOG_PATH"); val != "" {
		cfg.AuditLogPath = val
		log.Printf("AUDIT_LOG_PATH set to: %s", val)
	}

	if val := os.Getenv("WATCHER_ENABLED"); val != "" {
		cfg.WatcherEnabled = strings.ToLower(val) == "true"
		log.Printf("WATCHER_ENABLED set to: %v", cfg.WatcherEnabled)
	}

	// Load WATCH_NAMESPACES (CSV)
	if val := os.Getenv("WATCH_NAMESPACES"); val != "" {
		cfg.WatchNamespaces = parseCSV(val)
		log.Printf("WATCH_NAMESPACES set to: %v", cfg.WatchNamespaces)
	}

	if val := os.Getenv("WATCHER_CONCURRENCY"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.WatcherConcurrency = i
			log.Printf("WATCHER_CONCURRENCY set to: %d", i)
		}
	}

	if val := os.Getenv("REMEDIATION_COOLDOWN"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil && duration >= 0 {
			cfg.RemediationCooldown = duration
			log.Printf("REMEDIATION_COOLDOWN set to: %v", duration)
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Printf("⚠️  Configuration validation failed: %v", err)
	}

	Global = cfg
	return cfg
}

// Get returns the global config instance, loading it if necessary
func Get() *Config {
	if Global == nil {
		return Load()
	}
	return Global
}

// Validate checks the configuration for consistency and validity
func (c *Config) Validate() error {
	var errors []string

	switch c.ReflectionDepth {
	case DepthShallow, DepthMedium, DepthDeep:
	default:
		errors = append(errors, fmt.Sprintf("invalid reflection depth: %s (must be shallow, medium, or deep)", c.ReflectionDepth))
	}

	switch c.ExecutionMode {
	case ModeCommand, ModeManifest:
	default:
		errors = append(errors, fmt.Sprintf("invalid execution mode: %s (must be command or manifest)", c.ExecutionMode))
	}

	if c.MaxRetries < 0 {
		errors = append(errors, "max retries cannot be negative")
	}
	if c.RecursionLimit <= 0 {
		errors = append(errors, "recursion limit must be positive")
	}
	if c.HardRetryCap <= 0 {
		errors = append(errors, "hard retry cap must be positive")
	}
	if c.ReflectOnSuccessProbability < 0 || c.ReflectOnSuccessProbability > 1 {
		errors = append(errors, "reflect-on-success probability must be between 0 and 1")
	}
	if c.PreferPersistentProbability < 0 || c.PreferPersistentProbability > 1 {
		errors = append(errors, "prefer-persistent probability must be between 0 and 1")
	}
	if c.PatternDetectionThreshold <= 0 {
		errors = append(errors, "pattern detection threshold must be positive")
	}
	if c.StrategyConfidenceThreshold < 0 || c.StrategyConfidenceThreshold > 1 {
		errors = append(errors, "strategy confidence threshold must be between 0 and 1")
	}

	if c.ClusterCLI == "" {
		errors = append(errors, "cluster CLI cannot be empty")
	}
	if c.CommandTimeout <= 0 {
		errors = append(errors, "command timeout must be positive")
	}

	if c.StrategyDBPath == "" {
		errors = append(errors, "strategy database path cannot be empty")
	}
	if c.EpisodicDBPath == "" {
		errors = append(errors, "episodic database path cannot be empty")
	}
	if c.PerformanceDBPath == "" {
		errors = append(errors, "performance database path cannot be empty")
	}

	switch c.LLMProvider {
	case "openai", "ollama":
	default:
		errors = append(errors, fmt.Sprintf("invalid LLM provider: %s (must be openai or ollama)", c.LLMProvider))
	}
	if c.LLMModel == "" {
		errors = append(errors, "LLM model cannot be empty")
	}
	if c.LLMTimeout <= 0 {
		errors = append(errors, "LLM timeout must be positive")
	}

	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		errors = append(errors, "metrics port must be between 1 and 65535")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errors = append(errors, "API port must be between 1 and 65535")
	}
	if c.APIPort == c.MetricsPort {
		errors = append(errors, "API port and metrics port must differ")
	}

	if c.WatcherConcurrency <= 0 {
		errors = append(errors, "watcher concurrency must be positive")
	}

	// Validate log level
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.LogLevel] {
		errors = append(errors, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// IsNamespaceWatched checks if a namespace falls under the watcher's scope
func (c *Config) IsNamespaceWatched(namespace string) bool {
	if len(c.WatchNamespaces) == 0 {
		return true
	}
	for _, ns := range c.WatchNamespaces {
		if ns == namespace {
			return true
		}
	}
	return false
}

// parseCSV splits a comma-separated string into a slice, trimming spaces
func parseCSV(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
