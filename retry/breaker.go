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

package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pod-healer/logger"
	"pod-healer/metrics"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 3,
	}
}

// CircuitBreaker fails calls fast after repeated failures so a dead
// dependency does not absorb every loop's retry budget. The lock covers
// only the bookkeeping; the guarded call itself runs unlocked, so slow
// calls do not serialize behind each other.
type CircuitBreaker struct {
	mu          sync.RWMutex
	name        string
	config      CircuitBreakerConfig
	state       CircuitBreakerState
	failures    int
	successes   int
	lastFailure time.Time
	metrics     *metrics.AgentMetrics
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, m *metrics.AgentMetrics) *CircuitBreaker {
	return &CircuitBreaker{
		name:    name,
		config:  config,
		state:   StateClosed,
		metrics: m,
	}
}

// Execute executes the function through the circuit breaker
func (cb *CircuitBreaker) Execute(fn RetryFunc) error {
	return cb.ExecuteWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// ExecuteWithContext runs fn unless the breaker is open. The open-circuit
// error is marked non-retryable so a surrounding Retryer gives up
// immediately instead of hammering a tripped breaker.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn RetryFuncWithContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.record(err == nil)
	return err
}

// admit decides whether a call may proceed, moving an expired open circuit
// to half-open.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) < cb.config.RecoveryTimeout {
			return NewRetryableError(fmt.Errorf("circuit breaker %s is OPEN", cb.name), false)
		}
		cb.transition(StateHalfOpen)
	}
	return nil
}

// record updates the failure/success counters and drives state changes.
func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
		return
	}

	cb.failures++
	cb.lastFailure = time.Now()
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// transition switches state and reports it. Callers hold the lock.
func (cb *CircuitBreaker) transition(to CircuitBreakerState) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	if cb.metrics != nil {
		cb.metrics.UpdateCircuitBreakerState(cb.name, int(to))
	}
	if to == StateOpen {
		logger.Warn("Circuit breaker %s: %s → %s after %d failures", cb.name, from, to, cb.failures)
	} else {
		logger.Info("Circuit breaker %s: %s → %s", cb.name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns the state and counters of the circuit breaker
func (cb *CircuitBreaker) GetStats() (state CircuitBreakerState, failures int, successes int) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state, cb.failures, cb.successes
}

// RetryWithCircuitBreaker retries through a shared breaker: transient
// failures back off and retry, but once the breaker trips every caller
// fails fast until the recovery timeout expires.
type RetryWithCircuitBreaker struct {
	retryer *Retryer
	breaker *CircuitBreaker
}

// NewRetryWithCircuitBreaker creates a new retry handler with circuit breaker
func NewRetryWithCircuitBreaker(name string, retryConfig Config, cbConfig CircuitBreakerConfig, m *metrics.AgentMetrics) *RetryWithCircuitBreaker {
	return &RetryWithCircuitBreaker{
		retryer: New(retryConfig, m),
		breaker: NewCircuitBreaker(name, cbConfig, m),
	}
}

// Execute executes the function with both retry and circuit breaker logic
func (r *RetryWithCircuitBreaker) Execute(operation string, fn RetryFunc) error {
	return r.ExecuteWithContext(context.Background(), operation, func(ctx context.Context) error {
		return fn()
	})
}

// ExecuteWithContext executes the function with both retry and circuit breaker logic and context
func (r *RetryWithCircuitBreaker) ExecuteWithContext(ctx context.Context, operation string, fn RetryFuncWithContext) error {
	return r.retryer.DoWithContext(ctx, operation, func(ctx context.Context) error {
		return r.breaker.ExecuteWithContext(ctx, fn)
	})
}

// GetCircuitBreakerState returns the current circuit breaker state
func (r *RetryWithCircuitBreaker) GetCircuitBreakerState() CircuitBreakerState {
	return r.breaker.GetState()
}
