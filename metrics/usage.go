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

package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
)

// Usage holds observed CPU and memory usage for a pod
type Usage struct {
	CPUMilli float64 // CPU usage in millicores
	MemMB    float64 // Memory usage in MB
}

// UsageProvider fetches live resource usage for a pod. The observer uses it
// to judge resource efficiency after a fix has been applied.
type UsageProvider interface {
	FetchPodUsage(ctx context.Context, namespace, podName string) (Usage, error)
}

// MetricsServerProvider reads pod usage from the metrics.k8s.io API
type MetricsServerProvider struct {
	client metricsclient.Interface
}

// NewMetricsServerProvider returns a metrics-server backed usage provider
func NewMetricsServerProvider(client metricsclient.Interface) UsageProvider {
	return &MetricsServerProvider{client: client}
}

// FetchPodUsage sums container usage for the pod from metrics-server
func (m *MetricsServerProvider) FetchPodUsage(ctx context.Context, namespace, podName string) (Usage, error) {
	podMetrics, err := m.client.MetricsV1beta1().PodMetricses(namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get pod metrics: %w", err)
	}

	var usage Usage
	for _, container := range podMetrics.Containers {
		cpu := container.Usage[corev1.ResourceCPU]
		mem := container.Usage[corev1.ResourceMemory]
		usage.CPUMilli += float64(cpu.MilliValue())
		usage.MemMB += float64(mem.Value()) / (1024 * 1024)
	}

	return usage, nil
}

// CachedUsageProvider wraps a UsageProvider with TTL-based caching to keep
// repeated observations of the same pod from hammering metrics-server
type CachedUsageProvider struct {
	provider UsageProvider
	cache    map[string]*usageCacheEntry
	mu       sync.RWMutex
	ttl      time.Duration
}

type usageCacheEntry struct {
	usage     Usage
	timestamp time.Time
}

// NewCachedUsageProvider creates a new cached usage provider.
// ttl: time-to-live for cache entries (e.g., 30 seconds)
func NewCachedUsageProvider(provider UsageProvider, ttl time.Duration) *CachedUsageProvider {
	c := &CachedUsageProvider{
		provider: provider,
		cache:    make(map[string]*usageCacheEntry),
		ttl:      ttl,
	}

	// Start background cleanup goroutine
	go c.cleanup()

	return c
}

// FetchPodUsage fetches usage with caching
func (c *CachedUsageProvider) FetchPodUsage(ctx context.Context, namespace, podName string) (Usage, error) {
	key := namespace + "/" + podName

	// Try cache first (fast path)
	c.mu.RLock()
	if entry, ok := c.cache[key]; ok {
		if time.Since(entry.timestamp) < c.ttl {
			c.mu.RUnlock()
			return entry.usage, nil
		}
	}
	c.mu.RUnlock()

	// Cache miss or stale - fetch from upstream
	usage, err := c.provider.FetchPodUsage(ctx, namespace, podName)
	if err != nil {
		return usage, err
	}

	c.mu.Lock()
	c.cache[key] = &usageCacheEntry{
		usage:     usage,
		timestamp: time.Now(),
	}
	c.mu.Unlock()

	return usage, nil
}

// cleanup removes stale cache entries periodically
func (c *CachedUsageProvider) cleanup() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for key, entry := range c.cache {
			if now.Sub(entry.timestamp) > c.ttl*2 {
				delete(c.cache, key)
			}
		}
		c.mu.Unlock()
	}
}
