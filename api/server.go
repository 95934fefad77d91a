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

// Package api exposes the agent over HTTP: synchronous remediation,
// execution feedback, knowledge inspection, memory resets, health, and a
// WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pod-healer/agent"
	"pod-healer/config"
	agenterrors "pod-healer/errors"
	"pod-healer/events"
	"pod-healer/health"
	"pod-healer/incident"
	"pod-healer/logger"
	"pod-healer/store"
)

const (
	serverReadHeaderTimeout = 30 * time.Second
	serverReadTimeout       = 120 * time.Second
	serverWriteTimeout      = 120 * time.Second
	serverIdleTimeout       = 180 * time.Second
	shutdownTimeout         = 30 * time.Second

	rankingLimit        = 10
	defaultEpisodeLimit = 10
)

// Service is the slice of the agent the HTTP layer needs. *agent.Agent
// implements it.
type Service interface {
	Process(ctx context.Context, in *incident.Incident) (*agent.Result, error)
	Feedback(ctx context.Context, fb agent.ExecutionFeedback) (*agent.FeedbackResult, error)
	Strategies(ctx context.Context, errorClass string) ([]*store.Strategy, error)
	Episodes(ctx context.Context, errorClass string, limit int) ([]*store.Episode, error)
	PerformanceInsights(ctx context.Context, days int) (*store.PerformanceInsights, error)
	StrategyRankings(ctx context.Context, errorClass string) ([]*store.RankedStrategy, error)
	LearningProgression(ctx context.Context, days int) (*store.Progression, error)
	Statistics(ctx context.Context) *agent.Statistics
	ClearStrategies(ctx context.Context) error
	ClearEpisodes(ctx context.Context) error
	ClearPerformance(ctx context.Context) error
	ResetAll(ctx context.Context) error
	NuclearReset(ctx context.Context) error
}

// Server is the HTTP facade over the remediation agent.
type Server struct {
	service      Service
	cfg          *config.Config
	streamer     *events.Streamer
	checker      *health.AgentHealthChecker
	watcherStats func() (queued, inFlight, coolingDown int)
	started      time.Time
	now          func() time.Time
}

// NewServer builds the API server. The streamer and health checker are
// optional; without a streamer the event stream endpoint answers 503.
func NewServer(cfg *config.Config, service Service, streamer *events.Streamer, checker *health.AgentHealthChecker) *Server {
	return &Server{
		service:  service,
		cfg:      cfg,
		streamer: streamer,
		checker:  checker,
		started:  time.Now(),
		now:      time.Now,
	}
}

// SetWatcherStats wires the pod watcher's backlog into /api/statistics.
func (s *Server) SetWatcherStats(fn func() (queued, inFlight, coolingDown int)) {
	s.watcherStats = fn
}

// Handler returns the routed HTTP handler with auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health stays open so probes work with auth enabled.
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/health", s.handleHealth)

	mux.HandleFunc("/api/remediate", s.requireAuth(s.handleRemediate))
	mux.HandleFunc("/api/remediate/feedback", s.requireAuth(s.handleFeedback))
	mux.HandleFunc("/api/strategies", s.requireAuth(s.handleStrategies))
	mux.HandleFunc("/api/episodes", s.requireAuth(s.handleEpisodes))
	mux.HandleFunc("/api/performance/insights", s.requireAuth(s.handlePerformanceInsights))
	mux.HandleFunc("/api/learning/progression", s.requireAuth(s.handleLearningProgression))
	mux.HandleFunc("/api/statistics", s.requireAuth(s.handleStatistics))
	mux.HandleFunc("/api/reset/", s.requireAuth(s.handleReset))
	mux.HandleFunc("/api/events/stream", s.requireAuth(s.handleEventStream))

	return mux
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	if s.streamer != nil {
		s.streamer.Start(ctx)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🌐 API server listening on port %d (auth: %s)", port, s.authMode())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("📴 API server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// RemediateRequest is the POST /api/remediate body. error_type is accepted
// as a legacy alias for error_class.
type RemediateRequest struct {
	PodName    string `json:"pod_name"`
	Namespace  string `json:"namespace"`
	ErrorClass string `json:"error_class"`
	ErrorType  string `json:"error_type,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
}

func (s *Server) handleRemediate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req RemediateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	rawClass := req.ErrorClass
	if rawClass == "" {
		rawClass = req.ErrorType
	}
	if req.PodName == "" || rawClass == "" {
		s.writeError(w, http.StatusBadRequest, "pod_name and error_class are required")
		return
	}
	if req.Namespace == "" {
		req.Namespace = "default"
	}

	logger.Info("📥 Remediation requested for %s/%s (%s)", req.Namespace, req.PodName, rawClass)

	result, err := s.service.Process(r.Context(), &incident.Incident{
		PodName:    req.PodName,
		Namespace:  req.Namespace,
		ErrorClass: incident.ParseErrorClass(rawClass),
		ThreadID:   req.ThreadID,
	})
	if err != nil {
		s.writeServiceError(w, err, "remediate")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var fb agent.ExecutionFeedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	result, err := s.service.Feedback(r.Context(), fb)
	if err != nil {
		s.writeServiceError(w, err, "feedback")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	errorClass := queryErrorClass(r)
	strategies, err := s.service.Strategies(r.Context(), errorClass)
	if err != nil {
		s.writeServiceError(w, err, "strategies")
		return
	}
	if strategies == nil {
		strategies = []*store.Strategy{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies":         strategies,
		"count":              len(strategies),
		"error_class_filter": errorClass,
		"timestamp":          s.now().UTC(),
	})
}

func (s *Server) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	errorClass := queryErrorClass(r)
	limit := queryInt(r, "limit", defaultEpisodeLimit)
	episodes, err := s.service.Episodes(r.Context(), errorClass, limit)
	if err != nil {
		s.writeServiceError(w, err, "episodes")
		return
	}
	if episodes == nil {
		episodes = []*store.Episode{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"episodes":           episodes,
		"count":              len(episodes),
		"error_class_filter": errorClass,
		"limit":              limit,
		"timestamp":          s.now().UTC(),
	})
}

func (s *Server) handlePerformanceInsights(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	days := queryInt(r, "days", 0)
	insights, err := s.service.PerformanceInsights(r.Context(), days)
	if err != nil {
		s.writeServiceError(w, err, "performance insights")
		return
	}

	// Rankings are secondary data: degrade to an empty list on store errors.
	rankings, err := s.service.StrategyRankings(r.Context(), queryErrorClass(r))
	if err != nil {
		logger.Warn("Strategy ranking unavailable: %v", err)
		rankings = nil
	}
	if len(rankings) > rankingLimit {
		rankings = rankings[:rankingLimit]
	}
	if rankings == nil {
		rankings = []*store.RankedStrategy{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"performance_insights": insights,
		"strategy_rankings":    rankings,
		"analysis_period_days": insights.PeriodDays,
		"timestamp":            s.now().UTC(),
	})
}

func (s *Server) handleLearningProgression(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	days := queryInt(r, "days", 0)
	progression, err := s.service.LearningProgression(r.Context(), days)
	if err != nil {
		s.writeServiceError(w, err, "learning progression")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"learning_progression": progression,
		"analysis_period_days": progression.AnalysisPeriodDays,
		"timestamp":            s.now().UTC(),
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	resp := map[string]interface{}{
		"statistics":     s.service.Statistics(r.Context()),
		"system_status":  "operational",
		"uptime_seconds": int(s.now().Sub(s.started).Seconds()),
		"timestamp":      s.now().UTC(),
	}
	if s.streamer != nil {
		resp["streaming_connections"] = s.streamer.ConnectionCount()
	}
	if s.watcherStats != nil {
		queued, inFlight, coolingDown := s.watcherStats()
		resp["watcher"] = map[string]int{
			"queued":       queued,
			"in_flight":    inFlight,
			"cooling_down": coolingDown,
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	scope := strings.TrimPrefix(r.URL.Path, "/api/reset/")
	var (
		err     error
		message string
	)
	switch scope {
	case "strategies":
		err = s.service.ClearStrategies(r.Context())
		message = "strategy store cleared"
	case "episodes":
		err = s.service.ClearEpisodes(r.Context())
		message = "episodic memory cleared"
	case "performance":
		err = s.service.ClearPerformance(r.Context())
		message = "performance history cleared"
	case "all":
		err = s.service.ResetAll(r.Context())
		message = "all knowledge stores cleared"
	case "nuclear":
		err = s.service.NuclearReset(r.Context())
		message = "knowledge store files deleted and recreated"
	default:
		s.writeError(w, http.StatusNotFound, "unknown reset scope: "+scope)
		return
	}
	if err != nil {
		s.writeServiceError(w, err, "reset "+scope)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"scope":     scope,
		"message":   message,
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":         "ok",
		"service":        "pod-healer",
		"llm_configured": s.cfg.LLMAPIKey != "" || s.cfg.LLMProvider == "ollama",
		"timestamp":      s.now().UTC(),
	}
	if s.checker != nil {
		resp["components"] = s.checker.GetHealthReport()
		if !s.checker.IsHealthy() {
			resp["status"] = "degraded"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.streamer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event streaming disabled")
		return
	}
	s.streamer.HandleWebSocket(w, r)
}

// requireAuth wraps a handler with bearer auth when a static token or JWT
// secret is configured. With neither set the API is open.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}
		if !s.tokenValid(token) {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) authEnabled() bool {
	return s.cfg.APIAuthToken != "" || s.cfg.JWTSecret != ""
}

func (s *Server) authMode() string {
	switch {
	case s.cfg.APIAuthToken != "" && s.cfg.JWTSecret != "":
		return "static token or JWT"
	case s.cfg.APIAuthToken != "":
		return "static token"
	case s.cfg.JWTSecret != "":
		return "JWT"
	default:
		return "disabled"
	}
}

func (s *Server) tokenValid(token string) bool {
	if s.cfg.APIAuthToken != "" && token == s.cfg.APIAuthToken {
		return true
	}
	if s.cfg.JWTSecret != "" && s.jwtValid(token) {
		return true
	}
	return false
}

// jwtValid checks signature and expiration of an HMAC-signed JWT.
func (s *Server) jwtValid(token string) bool {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		// Reject algorithm substitution: only HMAC is accepted.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		logger.Warn("Token validation failed: %v", err)
		return false
	}
	if !parsed.Valid {
		logger.Warn("Token validation failed: invalid token")
		return false
	}

	if claims, ok := parsed.Claims.(jwt.MapClaims); ok {
		if exp, ok := claims["exp"].(float64); ok && time.Now().Unix() > int64(exp) {
			logger.Warn("Token validation failed: token has expired")
			return false
		}
		if iat, ok := claims["iat"].(float64); ok && time.Now().Unix() < int64(iat) {
			logger.Warn("Token validation failed: token used before issued")
			return false
		}
	}
	return true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func queryErrorClass(r *http.Request) string {
	if v := r.URL.Query().Get("error_class"); v != "" {
		return v
	}
	return r.URL.Query().Get("error_type")
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, op string) {
	logger.Error("API %s failed: %v", op, err)
	switch {
	case agenterrors.IsCategory(err, agenterrors.CategoryValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case agenterrors.IsCategory(err, agenterrors.CategoryStore):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
