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

// Package retry provides bounded retries with exponential backoff and a
// circuit breaker. The executor runs remediation commands through a Retryer;
// the LLM client guards provider calls with the retry+breaker combination.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	agenterrors "pod-healer/errors"
	"pod-healer/logger"
	"pod-healer/metrics"
)

// RetryableError marks an error as retryable or terminal, overriding the
// category-based default.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r *RetryableError) Error() string {
	return r.Err.Error()
}

// Unwrap returns the wrapped error
func (r *RetryableError) Unwrap() error {
	return r.Err
}

// IsRetryable returns true if the error can be retried
func (r *RetryableError) IsRetryable() bool {
	return r.Retryable
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error, retryable bool) *RetryableError {
	return &RetryableError{Err: err, Retryable: retryable}
}

// Config holds retry configuration
type Config struct {
	MaxRetries          int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	BackoffFactor       float64
	RandomizationFactor float64
	Timeout             time.Duration // outer budget across all attempts, 0 = none
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		InitialDelay:        100 * time.Millisecond,
		MaxDelay:            10 * time.Second,
		BackoffFactor:       2.0,
		RandomizationFactor: 0.1,
		Timeout:             30 * time.Second,
	}
}

// CommandConfig returns the retry configuration for remediation commands:
// plain powers of two in seconds (2s, 4s, 8s, ...), no jitter, no outer
// timeout (commands carry their own per-command timeout).
func CommandConfig(maxRetries int) Config {
	return Config{
		MaxRetries:          maxRetries,
		InitialDelay:        2 * time.Second,
		MaxDelay:            60 * time.Second,
		BackoffFactor:       2.0,
		RandomizationFactor: 0,
		Timeout:             0,
	}
}

// LLMConfig returns the retry configuration for provider completions:
// short jittered backoff so rate-limited calls spread out, no outer timeout
// (each attempt carries the configured completion timeout).
func LLMConfig() Config {
	return Config{
		MaxRetries:          2,
		InitialDelay:        500 * time.Millisecond,
		MaxDelay:            8 * time.Second,
		BackoffFactor:       2.0,
		RandomizationFactor: 0.2,
		Timeout:             0,
	}
}

// RetryFunc is a function that can be retried
type RetryFunc func() error

// RetryFuncWithContext is a function that can be retried with context
type RetryFuncWithContext func(ctx context.Context) error

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config  Config
	metrics *metrics.AgentMetrics
}

// New creates a new Retryer
func New(config Config, metrics *metrics.AgentMetrics) *Retryer {
	return &Retryer{
		config:  config,
		metrics: metrics,
	}
}

// Do executes the function with retry logic
func (r *Retryer) Do(operation string, fn RetryFunc) error {
	return r.DoWithContext(context.Background(), operation, func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext runs fn until it succeeds, returns a terminal error, the
// attempt budget is spent, or the context ends. MaxRetries counts the
// retries after the first attempt.
func (r *Retryer) DoWithContext(ctx context.Context, operation string, fn RetryFuncWithContext) error {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	maxAttempts := r.config.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if r.metrics != nil {
			r.metrics.RecordRetryAttempt(operation, attempt)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				if r.metrics != nil {
					r.metrics.RecordRetrySuccess(operation)
				}
				logger.Info("Operation %s succeeded after %d retries", operation, attempt-1)
			}
			return nil
		}

		if !shouldRetry(lastErr) {
			logger.Warn("Operation %s failed with terminal error: %v", operation, lastErr)
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		if err := ctx.Err(); err != nil {
			logger.Warn("Operation %s canceled after attempt %d", operation, attempt)
			return err
		}

		delay := r.backoff(attempt - 1)
		logger.Debug("Operation %s failed (attempt %d/%d), retrying in %v: %v",
			operation, attempt, maxAttempts, delay, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	logger.Error("Operation %s failed after %d attempts: %v", operation, maxAttempts, lastErr)
	return fmt.Errorf("operation %s failed after %d attempts: %w", operation, maxAttempts, lastErr)
}

// shouldRetry consults the RetryableError marker first, then the error
// category. Unmarked, uncategorised errors default to retryable.
func shouldRetry(err error) bool {
	if marked, ok := err.(*RetryableError); ok {
		return marked.IsRetryable()
	}
	if agenterrors.GetCategory(err) != "" {
		return agenterrors.IsRetryable(err)
	}
	return true
}

// backoff returns the delay before retry number n (zero-based), with the
// configured growth factor, cap, and jitter applied.
func (r *Retryer) backoff(n int) time.Duration {
	delay := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(n)))
	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}
	if f := r.config.RandomizationFactor; f > 0 {
		jitter := float64(delay) * f * (rand.Float64()*2 - 1)
		delay += time.Duration(jitter)
	}
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return delay
}

// transientPatterns are substrings of errors worth retrying: Kubernetes API
// server unavailability and LLM provider throttling both surface this way.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"context deadline exceeded",
	"temporary failure",
	"server is currently unavailable",
	"service unavailable",
	"too many requests",
	"rate limit",
	"overloaded",
	"internal server error",
	"bad gateway",
	"gateway timeout",
	"EOF",
	"i/o timeout",
}

// IsTransient reports whether the error matches a known transient failure
// pattern from the cluster API or an LLM provider.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// WrapTransient marks an error retryable iff it looks transient.
func WrapTransient(err error) error {
	if err == nil {
		return nil
	}
	return NewRetryableError(err, IsTransient(err))
}
