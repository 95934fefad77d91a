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

package main

import (
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"pod-healer/agent"
	"pod-healer/api"
	"pod-healer/audit"
	"pod-healer/config"
	"pod-healer/events"
	"pod-healer/health"
	"pod-healer/llm"
	"pod-healer/logger"
	"pod-healer/metrics"
	"pod-healer/watcher"
)

const (
	// Liveness and readiness probes are served separately from the API so
	// auth and API outages never block the kubelet.
	probePort = 8081

	eventBusBuffer = 256
)

func main() {
	// Print startup banner
	fmt.Println("========================================")
	fmt.Println("🤖 Pod-Healer Agent Starting...")
	fmt.Println("========================================")

	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	// Route controller-runtime and client-go logs through zap so library
	// output lands in the same stream as ours.
	zapLog, err := zap.NewProduction()
	if err != nil {
		zapLog, _ = zap.NewDevelopment()
	}
	ctrllog.SetLogger(zapr.NewLogger(zapLog))
	klog.SetLogger(zapr.NewLogger(zapLog))

	fmt.Println("----------------------------------------")
	logger.Info("📦 Build Information:")
	logger.Info("   Go Version: %s", runtime.Version())
	logger.Info("   Go OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	logger.Info("   Kubernetes Client-Go: v0.34.0")
	logger.Info("📋 Agent Configuration:")
	logger.Info("   Execution Mode: %s (dry run: %v)", cfg.ExecutionMode, cfg.DryRun)
	logger.Info("   Reflection Depth: %s", cfg.ReflectionDepth)
	logger.Info("   LLM Provider: %s (%s)", cfg.LLMProvider, cfg.LLMModel)
	logger.Info("   Knowledge Stores: %s | %s | %s",
		cfg.StrategyDBPath, cfg.EpisodicDBPath, cfg.PerformanceDBPath)
	if cfg.WatcherEnabled {
		logger.Info("   Pod Watcher: enabled (namespaces: %v, workers: %d)",
			cfg.WatchNamespaces, cfg.WatcherConcurrency)
	} else {
		logger.Info("   Pod Watcher: disabled (API-driven remediation only)")
	}
	fmt.Println("----------------------------------------")

	agentMetrics := metrics.NewAgentMetrics()
	checker := health.NewAgentHealthChecker()

	kubeConfig := ctrl.GetConfigOrDie()

	clientset, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		logger.Error("unable to create Kubernetes clientset: %v", err)
		os.Exit(1)
	}
	printClusterInfo(clientset)

	// The metrics clientset feeds the observer's resource-usage axis; the
	// agent degrades that axis when it is missing.
	var podMetricsClient metricsclient.Interface
	if mc, err := metricsclient.NewForConfig(kubeConfig); err != nil {
		logger.Warn("Metrics clientset unavailable, resource-usage observation degraded: %v", err)
	} else {
		podMetricsClient = mc
	}

	fmt.Println("========================================")

	// Audit trail: JSONL file plus Kubernetes events on remediated pods.
	var auditLogger *audit.AuditLogger
	if cfg.AuditEnabled {
		auditConfig := audit.DefaultAuditConfig()
		auditConfig.LogPath = cfg.AuditLogPath
		runtimeClient, err := client.New(kubeConfig, client.Options{})
		if err != nil {
			logger.Warn("Kubernetes event emission disabled: %v", err)
			auditConfig.EnableEventLog = false
		}
		auditLogger, err = audit.NewAuditLogger(runtimeClient, agentMetrics, auditConfig)
		if err != nil {
			logger.Warn("Failed to initialize audit logger: %v", err)
		}
	} else {
		logger.Info("Audit logging disabled")
	}

	llmClient, err := llm.New(cfg, agentMetrics)
	if err != nil {
		logger.Error("unable to initialize LLM client: %v", err)
		os.Exit(1)
	}
	checker.UpdateComponentStatus("llm", true,
		fmt.Sprintf("%s/%s ready", cfg.LLMProvider, cfg.LLMModel))

	bus := events.NewEventBus(eventBusBuffer)
	streamer := events.NewStreamer(bus, events.DefaultStreamingConfig())

	ag, err := agent.Open(cfg, agent.Deps{
		LLM:           llmClient,
		Clientset:     clientset,
		MetricsClient: podMetricsClient,
		Metrics:       agentMetrics,
		Audit:         auditLogger,
		Bus:           bus,
	})
	if err != nil {
		logger.Error("unable to open knowledge stores: %v", err)
		os.Exit(1)
	}
	checker.UpdateComponentStatus("stores", true, "Knowledge stores ready")
	logger.Success("✅ Remediation agent initialized")

	// Signal-bound root context: first SIGINT/SIGTERM cancels, second exits.
	ctx := ctrl.SetupSignalHandler()

	if cfg.MetricsEnabled {
		go func() {
			logger.Info("📈 Metrics server listening on port %d", cfg.MetricsPort)
			if err := metrics.StartMetricsServer(cfg.MetricsPort); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("🩺 Probe server listening on port %d (/healthz, /readyz)", probePort)
		if err := http.ListenAndServe(fmt.Sprintf(":%d", probePort), probeHandler(checker)); err != nil {
			logger.Error("Probe server error: %v", err)
		}
	}()

	var podWatcher *watcher.Watcher
	if cfg.WatcherEnabled {
		podWatcher = watcher.New(cfg, clientset, ag, agentMetrics, bus)
		checker.UpdateComponentStatus("watcher", true, "Pod watcher running")
		go func() {
			if err := podWatcher.Run(ctx); err != nil {
				logger.Error("Pod watcher error: %v", err)
				checker.UpdateComponentStatus("watcher", false, fmt.Sprintf("Watcher stopped: %v", err))
			}
		}()
	}

	checker.StartPeriodicHealthChecks(ctx)

	server := api.NewServer(cfg, ag, streamer, checker)
	if podWatcher != nil {
		server.SetWatcherStats(podWatcher.Stats)
	}
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx, cfg.APIPort)
	}()

	logger.Success("✅ Pod-healer agent ready")

	select {
	case <-ctx.Done():
		logger.Info("📢 Shutdown signal received, draining API server...")
		if err := <-serverDone; err != nil {
			logger.Warn("API server shutdown error: %v", err)
		}
	case err := <-serverDone:
		if err != nil {
			logger.Error("❌ API server error: %v", err)
		}
	}

	// Cleanup order: stop producing events, flush the audit trail, then
	// release the stores once no component can write to them.
	bus.Stop()
	if auditLogger != nil {
		logger.Info("📋 Closing audit logger...")
		if err := auditLogger.Close(); err != nil {
			logger.Warn("Error closing audit logger: %v", err)
		}
	}
	if err := ag.Close(); err != nil {
		logger.Warn("Error closing knowledge stores: %v", err)
	}

	logger.Info("✅ Pod-healer shutdown completed")
	fmt.Println("========================================")
	fmt.Println("🎯 Pod-Healer Agent Summary:")
	fmt.Printf("   Execution Mode: %s (dry run: %v)\n", cfg.ExecutionMode, cfg.DryRun)
	if cfg.MetricsEnabled {
		fmt.Printf("   Metrics were served at :%d/metrics\n", cfg.MetricsPort)
	}
	fmt.Println("========================================")
}

// probeHandler serves kubelet probes: /healthz restarts the process only
// when the agent loop itself is broken, /readyz gates traffic on the
// knowledge stores and any enabled optional components.
func probeHandler(checker *health.AgentHealthChecker) http.Handler {
	liveness := &healthz.Handler{Checks: map[string]healthz.Checker{
		"agent": checker.LivenessCheck,
	}}
	readiness := &healthz.Handler{Checks: map[string]healthz.Checker{
		"components": checker.ReadinessCheck,
		"detailed":   checker.DetailedHealthCheck(),
	}}

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.StripPrefix("/healthz", liveness))
	mux.Handle("/healthz/", http.StripPrefix("/healthz", liveness))
	mux.Handle("/readyz", http.StripPrefix("/readyz", readiness))
	mux.Handle("/readyz/", http.StripPrefix("/readyz", readiness))
	return mux
}

// printClusterInfo logs the API server version and whether metrics-server
// is present, which decides the observer's resource-usage axis.
func printClusterInfo(clientset kubernetes.Interface) {
	fmt.Println("----------------------------------------")
	logger.Info("🌐 Kubernetes Cluster Information:")

	discoveryClient := clientset.Discovery()

	serverVersion, err := discoveryClient.ServerVersion()
	if err != nil {
		logger.Warn("   ⚠️  Could not get server version: %v", err)
	} else {
		logger.Info("   Server Version: %s", serverVersion.GitVersion)
		logger.Info("   Server Platform: %s", serverVersion.Platform)
	}

	if _, err := discoveryClient.ServerResourcesForGroupVersion("metrics.k8s.io/v1beta1"); err == nil {
		logger.Success("   ✅ metrics-server: AVAILABLE")
	} else {
		logger.Warn("   ⚠️  metrics-server: NOT AVAILABLE (resource-usage observation degraded)")
	}
}
