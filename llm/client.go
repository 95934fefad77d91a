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

// Package llm wraps the language model providers behind a single completion
// interface. The planner and the reflector only ever see Chat; which provider
// answers is a deployment decision.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"pod-healer/config"
	agenterrors "pod-healer/errors"
	"pod-healer/logger"
	"pod-healer/metrics"
	"pod-healer/retry"
)

// Client issues one chat completion per call. The purpose label feeds metrics
// and logs so LLM spend can be attributed to planner, reflection or analysis
// traffic.
type Client interface {
	Chat(ctx context.Context, purpose, system, user string) (string, error)
}

// providerClient is the langchaingo-backed Client. Every provider call runs
// through a retry+circuit breaker guard: transient failures (rate limits,
// resets, timeouts) get a short jittered retry, and a dead endpoint trips the
// breaker so remediation loops fail fast instead of queueing on it.
type providerClient struct {
	model       llms.Model
	provider    string
	modelName   string
	temperature float64
	timeout     time.Duration
	guard       *retry.RetryWithCircuitBreaker
	metrics     *metrics.AgentMetrics
}

// New builds the configured provider. OpenAI-compatible endpoints (including
// self-hosted gateways) go through the openai client with an overridden base
// URL; local models go through ollama.
func New(cfg *config.Config, m *metrics.AgentMetrics) (Client, error) {
	var (
		model llms.Model
		err   error
	)

	switch cfg.LLMProvider {
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.LLMModel)}
		if cfg.LLMEndpoint != "" {
			opts = append(opts, ollama.WithServerURL(cfg.LLMEndpoint))
		}
		model, err = ollama.New(opts...)
	case "openai":
		opts := []openai.Option{openai.WithModel(cfg.LLMModel)}
		if cfg.LLMAPIKey != "" {
			opts = append(opts, openai.WithToken(cfg.LLMAPIKey))
		}
		if cfg.LLMEndpoint != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLMEndpoint))
		}
		model, err = openai.New(opts...)
	default:
		return nil, agenterrors.ConfigErrorf("llm.new", "unsupported LLM provider: %s", cfg.LLMProvider)
	}
	if err != nil {
		return nil, agenterrors.LLMErrorf("llm.new", err, "initialising %s client", cfg.LLMProvider)
	}

	logger.Info("🤖 LLM client ready: provider=%s model=%s", cfg.LLMProvider, cfg.LLMModel)
	return &providerClient{
		model:       model,
		provider:    cfg.LLMProvider,
		modelName:   cfg.LLMModel,
		temperature: cfg.LLMTemperature,
		timeout:     cfg.LLMTimeout,
		guard:       retry.NewRetryWithCircuitBreaker("llm", retry.LLMConfig(), retry.DefaultCircuitBreakerConfig(), m),
		metrics:     m,
	}, nil
}

func (c *providerClient) Chat(ctx context.Context, purpose, system, user string) (string, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, user))

	var content string
	err := c.guard.ExecuteWithContext(ctx, "llm_"+purpose, func(ctx context.Context) error {
		// The completion timeout applies per attempt; the guard's backoff
		// sits between attempts.
		if c.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		start := time.Now()
		resp, err := c.model.GenerateContent(ctx, messages, llms.WithTemperature(c.temperature))
		duration := time.Since(start)

		if err != nil {
			if c.metrics != nil {
				c.metrics.RecordLLMCall(purpose, "error", duration)
			}
			return retry.WrapTransient(err)
		}
		if len(resp.Choices) == 0 {
			if c.metrics != nil {
				c.metrics.RecordLLMCall(purpose, "empty", duration)
			}
			return retry.NewRetryableError(errors.New("completion returned no choices"), true)
		}

		if c.metrics != nil {
			c.metrics.RecordLLMCall(purpose, "success", duration)
		}
		content = strings.TrimSpace(resp.Choices[0].Content)
		logger.Debug("LLM %s completion: %d chars in %v", purpose, len(content), duration)
		return nil
	})
	if err != nil {
		return "", agenterrors.LLMErrorf("llm.chat", err, "%s completion via %s/%s", purpose, c.provider, c.modelName)
	}
	return content, nil
}
