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

// Package errors provides standardized error handling utilities for the
// pod-healer agent. Every error crossing a package boundary carries a
// category so callers can decide between retry, fallback, degradation and
// escalation without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Error categories for structured error handling
const (
	// CategoryValidation marks input rejected before anything touched the
	// cluster. Never retried, surfaced to the caller as-is.
	CategoryValidation = "validation"
	// CategoryExecution marks command or manifest execution failures that
	// may succeed on a later attempt.
	CategoryExecution = "execution"
	// CategoryStore marks persistent store failures. Readers degrade to
	// empty results, writers skip and log.
	CategoryStore = "store"
	// CategoryConfiguration marks invalid startup configuration. Fatal.
	CategoryConfiguration = "configuration"
	// CategoryReflection marks self-reflection failures. The loop continues
	// with a fallback entry and a self-awareness penalty.
	CategoryReflection = "reflection"
	// CategoryLLM marks model invocation failures (timeouts, bad responses).
	CategoryLLM = "llm"
	// CategoryCluster marks cluster driver I/O failures.
	CategoryCluster = "cluster"
	// CategoryInternal marks bugs and unclassified failures.
	CategoryInternal = "internal"
)

// AgentError represents a structured error with category and context
type AgentError struct {
	Category string
	Op       string // Operation that failed
	Err      error  // Underlying error
	Message  string // Human-readable message
}

// Error implements the error interface
func (e *AgentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Category, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *AgentError) Unwrap() error {
	return e.Err
}

// Is implements error matching for errors.Is
func (e *AgentError) Is(target error) bool {
	t, ok := target.(*AgentError)
	if !ok {
		return false
	}
	return e.Category == t.Category && (t.Op == "" || e.Op == t.Op)
}

// Wrap wraps an error with operation context and category
func Wrap(err error, category, op, message string) error {
	if err == nil {
		return nil
	}
	return &AgentError{
		Category: category,
		Op:       op,
		Err:      err,
		Message:  message,
	}
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, category, op, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &AgentError{
		Category: category,
		Op:       op,
		Err:      err,
		Message:  fmt.Sprintf(format, args...),
	}
}

// New creates a new AgentError without wrapping an existing error
func New(category, op, message string) error {
	return &AgentError{
		Category: category,
		Op:       op,
		Err:      errors.New(message),
		Message:  message,
	}
}

// Newf creates a new AgentError with formatted message
func Newf(category, op, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return &AgentError{
		Category: category,
		Op:       op,
		Err:      errors.New(msg),
		Message:  msg,
	}
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category string) bool {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Category == category
	}
	return false
}

// GetCategory extracts the category from an error, returns empty string if not an AgentError
func GetCategory(err error) string {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Category
	}
	return ""
}

// IsRetryable determines if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Rejected input never becomes valid by retrying
	if IsCategory(err, CategoryValidation) {
		return false
	}

	if IsCategory(err, CategoryConfiguration) {
		return false
	}

	// Execution, model and cluster I/O failures are typically transient
	if IsCategory(err, CategoryExecution) || IsCategory(err, CategoryLLM) || IsCategory(err, CategoryCluster) {
		return true
	}

	// Default to non-retryable for safety
	return false
}

// Common error constructors for frequently used patterns

// ValidationError creates a validation error
func ValidationError(op, message string) error {
	return New(CategoryValidation, op, message)
}

// ValidationErrorf creates a validation error with formatting
func ValidationErrorf(op, format string, args ...interface{}) error {
	return Newf(CategoryValidation, op, format, args...)
}

// ExecutionError wraps a command or manifest execution error
func ExecutionError(op string, err error) error {
	return Wrap(err, CategoryExecution, op, "")
}

// ExecutionErrorf wraps an execution error with message
func ExecutionErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, CategoryExecution, op, format, args...)
}

// StoreError wraps a persistent store error
func StoreError(op string, err error) error {
	return Wrap(err, CategoryStore, op, "")
}

// StoreErrorf wraps a persistent store error with message
func StoreErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, CategoryStore, op, format, args...)
}

// ConfigError creates a configuration error
func ConfigError(op, message string) error {
	return New(CategoryConfiguration, op, message)
}

// ConfigErrorf creates a configuration error with formatting
func ConfigErrorf(op, format string, args ...interface{}) error {
	return Newf(CategoryConfiguration, op, format, args...)
}

// ReflectionError wraps a reflection failure
func ReflectionError(op string, err error) error {
	return Wrap(err, CategoryReflection, op, "")
}

// ReflectionErrorf wraps a reflection failure with message
func ReflectionErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, CategoryReflection, op, format, args...)
}

// LLMError wraps a model invocation error
func LLMError(op string, err error) error {
	return Wrap(err, CategoryLLM, op, "")
}

// LLMErrorf wraps a model invocation error with message
func LLMErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, CategoryLLM, op, format, args...)
}

// ClusterError wraps a cluster driver error
func ClusterError(op string, err error) error {
	return Wrap(err, CategoryCluster, op, "")
}

// ClusterErrorf wraps a cluster driver error with message
func ClusterErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, CategoryCluster, op, format, args...)
}
