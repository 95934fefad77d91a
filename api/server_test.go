package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pod-healer/agent"
	"pod-healer/config"
	agenterrors "pod-healer/errors"
	"pod-healer/events"
	"pod-healer/health"
	"pod-healer/incident"
	"pod-healer/store"
)

// stubService scripts the agent behind the HTTP layer.
type stubService struct {
	processFn   func(ctx context.Context, in *incident.Incident) (*agent.Result, error)
	feedbackFn  func(fb agent.ExecutionFeedback) (*agent.FeedbackResult, error)
	strategies  []*store.Strategy
	episodes    []*store.Episode
	insights    *store.PerformanceInsights
	rankings    []*store.RankedStrategy
	rankingsErr error
	progression *store.Progression
	stats       *agent.Statistics
	err         error

	resets         []string
	lastErrorClass string
	lastLimit      int
	lastDays       int
}

func (s *stubService) Process(ctx context.Context, in *incident.Incident) (*agent.Result, error) {
	if s.processFn != nil {
		return s.processFn(ctx, in)
	}
	return &agent.Result{
		WorkflowID: "reflexive_20260314_103000_0001",
		Success:    true,
		PodName:    in.PodName,
		Namespace:  in.Namespace,
		ErrorClass: in.ErrorClass.String(),
	}, nil
}

func (s *stubService) Feedback(_ context.Context, fb agent.ExecutionFeedback) (*agent.FeedbackResult, error) {
	if s.feedbackFn != nil {
		return s.feedbackFn(fb)
	}
	return &agent.FeedbackResult{WorkflowID: fb.WorkflowID, FeedbackProcessed: true}, nil
}

func (s *stubService) Strategies(_ context.Context, errorClass string) ([]*store.Strategy, error) {
	s.lastErrorClass = errorClass
	return s.strategies, s.err
}

func (s *stubService) Episodes(_ context.Context, errorClass string, limit int) ([]*store.Episode, error) {
	s.lastErrorClass = errorClass
	s.lastLimit = limit
	return s.episodes, s.err
}

func (s *stubService) PerformanceInsights(_ context.Context, days int) (*store.PerformanceInsights, error) {
	s.lastDays = days
	if s.err != nil {
		return nil, s.err
	}
	if s.insights != nil {
		return s.insights, nil
	}
	return &store.PerformanceInsights{PeriodDays: 7}, nil
}

func (s *stubService) StrategyRankings(_ context.Context, _ string) ([]*store.RankedStrategy, error) {
	if s.rankingsErr != nil {
		return nil, s.rankingsErr
	}
	return s.rankings, nil
}

func (s *stubService) LearningProgression(_ context.Context, days int) (*store.Progression, error) {
	s.lastDays = days
	if s.err != nil {
		return nil, s.err
	}
	if s.progression != nil {
		return s.progression, nil
	}
	return &store.Progression{AnalysisPeriodDays: 30}, nil
}

func (s *stubService) Statistics(context.Context) *agent.Statistics {
	if s.stats != nil {
		return s.stats
	}
	return &agent.Statistics{GeneratedAt: time.Now()}
}

func (s *stubService) ClearStrategies(context.Context) error  { return s.reset("strategies") }
func (s *stubService) ClearEpisodes(context.Context) error    { return s.reset("episodes") }
func (s *stubService) ClearPerformance(context.Context) error { return s.reset("performance") }
func (s *stubService) ResetAll(context.Context) error         { return s.reset("all") }
func (s *stubService) NuclearReset(context.Context) error     { return s.reset("nuclear") }

func (s *stubService) reset(scope string) error {
	if s.err != nil {
		return s.err
	}
	s.resets = append(s.resets, scope)
	return nil
}

func apiConfig() *config.Config {
	return &config.Config{LLMProvider: "openai"}
}

// doRequest routes a request through the full handler chain. A string body
// is sent verbatim; anything else is JSON-encoded.
func doRequest(t *testing.T, s *Server, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch payload := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(payload)
	default:
		encoded, err := json.Marshal(payload)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServer_HandleRemediate(t *testing.T) {
	svc := &stubService{}
	var got *incident.Incident
	svc.processFn = func(_ context.Context, in *incident.Incident) (*agent.Result, error) {
		got = in
		return &agent.Result{
			WorkflowID: "reflexive_20260314_103000_0001",
			Success:    true,
			PodName:    in.PodName,
			Namespace:  in.Namespace,
			ErrorClass: in.ErrorClass.String(),
			RetryCount: 1,
		}, nil
	}
	s := NewServer(apiConfig(), svc, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/remediate", "", map[string]string{
		"pod_name":    "broken-image-pod",
		"namespace":   "production",
		"error_class": "imagepullbackoff",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	require.NotNil(t, got)
	assert.Equal(t, "broken-image-pod", got.PodName)
	assert.Equal(t, "production", got.Namespace)
	assert.Equal(t, incident.ClassImagePullBackOff, got.ErrorClass, "raw class should be normalised")

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "reflexive_20260314_103000_0001", body["workflow_id"])
	assert.Equal(t, float64(1), body["retry_count"])
}

func TestServer_HandleRemediate_LegacyErrorType(t *testing.T) {
	svc := &stubService{}
	var got *incident.Incident
	svc.processFn = func(_ context.Context, in *incident.Incident) (*agent.Result, error) {
		got = in
		return &agent.Result{WorkflowID: "wf", Success: true}, nil
	}
	s := NewServer(apiConfig(), svc, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/remediate", "", map[string]string{
		"pod_name":   "memory-hog",
		"error_type": "OOMKilled",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, incident.ClassOOMKilled, got.ErrorClass)
	assert.Equal(t, "default", got.Namespace, "namespace should default when omitted")
}

func TestServer_HandleRemediate_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       interface{}
		wantStatus int
	}{
		{
			name:       "wrong method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "malformed JSON",
			method:     http.MethodPost,
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing pod name",
			method:     http.MethodPost,
			body:       map[string]string{"error_class": "CrashLoopBackOff"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing error class",
			method:     http.MethodPost,
			body:       map[string]string{"pod_name": "crashing-pod"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processed := false
			svc := &stubService{
				processFn: func(context.Context, *incident.Incident) (*agent.Result, error) {
					processed = true
					return &agent.Result{}, nil
				},
			}
			s := NewServer(apiConfig(), svc, nil, nil)

			rec := doRequest(t, s, tt.method, "/api/remediate", "", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeBody(t, rec)
			assert.NotEmpty(t, body["error"])
			assert.False(t, processed, "rejected requests must not reach the agent")
		})
	}
}

func TestServer_HandleRemediate_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "validation errors map to 400",
			err:        agenterrors.ValidationError("agent.process", "pod name is required"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "store errors map to 503",
			err:        agenterrors.StoreError("agent.process", errors.New("database is locked")),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "unclassified errors map to 500",
			err:        errors.New("graph traversal aborted"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				processFn: func(context.Context, *incident.Incident) (*agent.Result, error) {
					return nil, tt.err
				},
			}
			s := NewServer(apiConfig(), svc, nil, nil)

			rec := doRequest(t, s, http.MethodPost, "/api/remediate", "", map[string]string{
				"pod_name":    "broken-image-pod",
				"error_class": "ImagePullBackOff",
			})

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeBody(t, rec)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestServer_HandleFeedback(t *testing.T) {
	svc := &stubService{}
	var got agent.ExecutionFeedback
	svc.feedbackFn = func(fb agent.ExecutionFeedback) (*agent.FeedbackResult, error) {
		got = fb
		return &agent.FeedbackResult{
			WorkflowID:        fb.WorkflowID,
			FeedbackProcessed: true,
			ReflexionUpdated:  true,
			Message:           "feedback incorporated",
		}, nil
	}
	s := NewServer(apiConfig(), svc, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/remediate/feedback", "", map[string]interface{}{
		"workflow_id": "reflexive_20260314_103000_0001",
		"pod_name":    "broken-image-pod",
		"namespace":   "default",
		"error_class": "ImagePullBackOff",
		"strategy_used": map[string]interface{}{
			"id":         "learned_imagepull_fix",
			"confidence": 0.85,
		},
		"execution_result": map[string]interface{}{
			"success":        true,
			"success_count":  2,
			"total_commands": 2,
			"executed_commands": []map[string]interface{}{
				{"command": "kubectl set image deployment/web web=nginx:1.27", "success": true},
				{"command": "kubectl rollout status deployment/web", "success": true},
			},
		},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reflexive_20260314_103000_0001", got.WorkflowID)
	assert.Equal(t, "learned_imagepull_fix", got.Strategy.ID)
	assert.Equal(t, 2, got.Execution.TotalCommands)
	require.Len(t, got.Execution.ExecutedCommands, 2)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["feedback_processed"])
	assert.Equal(t, true, body["reflexion_updated"])
}

func TestServer_HandleFeedback_Rejections(t *testing.T) {
	svc := &stubService{
		feedbackFn: func(agent.ExecutionFeedback) (*agent.FeedbackResult, error) {
			return nil, agenterrors.ValidationError("agent.feedback", "workflow_id is required")
		},
	}
	s := NewServer(apiConfig(), svc, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/remediate/feedback", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/remediate/feedback", "", "{broken")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/remediate/feedback", "", map[string]string{"pod_name": "p"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body["error"], "workflow_id")
}

func TestServer_HandleStrategies(t *testing.T) {
	svc := &stubService{
		strategies: []*store.Strategy{
			{ID: "learned_imagepull_fix", ErrorType: "ImagePullBackOff", Confidence: 0.85},
			{ID: "seed_imagepull_rollback", ErrorType: "ImagePullBackOff", Confidence: 0.6},
		},
	}
	s := NewServer(apiConfig(), svc, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/strategies?error_class=ImagePullBackOff", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ImagePullBackOff", svc.lastErrorClass)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, "ImagePullBackOff", body["error_class_filter"])
	assert.NotEmpty(t, body["timestamp"])
	strategies, ok := body["strategies"].([]interface{})
	require.True(t, ok)
	assert.Len(t, strategies, 2)
}

func TestServer_HandleStrategies_EmptyStoreReturnsList(t *testing.T) {
	s := NewServer(apiConfig(), &stubService{}, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/strategies", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	strategies, ok := body["strategies"].([]interface{})
	require.True(t, ok, "nil slice should serialise as an empty list, not null")
	assert.Empty(t, strategies)
	assert.Equal(t, float64(0), body["count"])
}

func TestServer_HandleEpisodes(t *testing.T) {
	svc := &stubService{
		episodes: []*store.Episode{
			{ID: "ep_001", PodName: "broken-image-pod", ErrorType: "ImagePullBackOff"},
		},
	}
	s := NewServer(apiConfig(), svc, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/episodes?error_type=ImagePullBackOff&limit=5", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ImagePullBackOff", svc.lastErrorClass, "error_type should work as a legacy alias")
	assert.Equal(t, 5, svc.lastLimit)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, float64(5), body["limit"])
}

func TestServer_HandleEpisodes_DefaultLimit(t *testing.T) {
	svc := &stubService{}
	s := NewServer(apiConfig(), svc, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/episodes", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, svc.lastLimit)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(10), body["limit"])
}

func TestServer_HandlePerformanceInsights(t *testing.T) {
	rankings := make([]*store.RankedStrategy, 12)
	for i := range rankings {
		rankings[i] = &store.RankedStrategy{
			Rank:       i + 1,
			StrategyID: fmt.Sprintf("strategy_%02d", i+1),
			ErrorType:  "CrashLoopBackOff",
		}
	}
	svc := &stubService{
		insights: &store.PerformanceInsights{PeriodDays: 7, Trend: "improving"},
		rankings: rankings,
	}
	s := NewServer(apiConfig(), svc, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/performance/insights?days=14", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 14, svc.lastDays)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(7), body["analysis_period_days"], "period should come from the insights, not the query")
	got, ok := body["strategy_rankings"].([]interface{})
	require.True(t, ok)
	assert.Len(t, got, 10, "rankings should be capped at the top ten")

	insights, ok := body["performance_insights"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "improving", insights["trend"])
}

func TestServer_HandlePerformanceInsights_RankingFailureDegrades(t *testing.T) {
	svc := &stubService{
		insights:    &store.PerformanceInsights{PeriodDays: 7},
		rankingsErr: errors.New("ranking query failed"),
	}
	s := NewServer(apiConfig(), svc, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/performance/insights", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code, "ranking failures should not fail the endpoint")
	body := decodeBody(t, rec)
	got, ok := body["strategy_rankings"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestServer_HandleLearningProgression(t *testing.T) {
	svc := &stubService{
		progression: &store.Progression{AnalysisPeriodDays: 30},
	}
	s := NewServer(apiConfig(), svc, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/learning/progression", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(30), body["analysis_period_days"])
	assert.Contains(t, body, "learning_progression")
}

func TestServer_HandleStatistics(t *testing.T) {
	svc := &stubService{stats: &agent.Statistics{GeneratedAt: time.Now()}}
	s := NewServer(apiConfig(), svc, nil, nil)
	s.SetWatcherStats(func() (int, int, int) { return 3, 1, 2 })

	rec := doRequest(t, s, http.MethodGet, "/api/statistics", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "operational", body["system_status"])
	assert.Contains(t, body, "statistics")
	assert.Contains(t, body, "uptime_seconds")
	assert.NotContains(t, body, "streaming_connections", "no streamer is wired")

	watcher, ok := body["watcher"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), watcher["queued"])
	assert.Equal(t, float64(1), watcher["in_flight"])
	assert.Equal(t, float64(2), watcher["cooling_down"])
}

func TestServer_HandleReset(t *testing.T) {
	tests := []struct {
		scope       string
		wantMessage string
	}{
		{scope: "strategies", wantMessage: "strategy store cleared"},
		{scope: "episodes", wantMessage: "episodic memory cleared"},
		{scope: "performance", wantMessage: "performance history cleared"},
		{scope: "all", wantMessage: "all knowledge stores cleared"},
		{scope: "nuclear", wantMessage: "knowledge store files deleted and recreated"},
	}

	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			svc := &stubService{}
			s := NewServer(apiConfig(), svc, nil, nil)

			rec := doRequest(t, s, http.MethodPost, "/api/reset/"+tt.scope, "", nil)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, []string{tt.scope}, svc.resets)

			body := decodeBody(t, rec)
			assert.Equal(t, true, body["success"])
			assert.Equal(t, tt.scope, body["scope"])
			assert.Equal(t, tt.wantMessage, body["message"])
		})
	}
}

func TestServer_HandleReset_Rejections(t *testing.T) {
	svc := &stubService{}
	s := NewServer(apiConfig(), svc, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/reset/everything", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Nil(t, svc.resets)

	rec = doRequest(t, s, http.MethodGet, "/api/reset/strategies", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Nil(t, svc.resets)

	svc.err = errors.New("disk full")
	rec = doRequest(t, s, http.MethodPost, "/api/reset/strategies", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_HandleHealth(t *testing.T) {
	cfg := apiConfig()
	s := NewServer(cfg, &stubService{}, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "pod-healer", body["service"])
	assert.Equal(t, false, body["llm_configured"])

	cfg.LLMAPIKey = "sk-test"
	rec = doRequest(t, s, http.MethodGet, "/api/health", "", nil)
	body = decodeBody(t, rec)
	assert.Equal(t, true, body["llm_configured"])
}

func TestServer_HandleHealth_ReportsDegradedComponents(t *testing.T) {
	checker := health.NewAgentHealthChecker()
	s := NewServer(apiConfig(), &stubService{}, nil, checker)

	// Fresh checker: stores have not been opened yet.
	rec := doRequest(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body, "components")

	checker.UpdateComponentStatus("stores", true, "All knowledge stores ready")
	rec = doRequest(t, s, http.MethodGet, "/health", "", nil)
	body = decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_AuthStaticToken(t *testing.T) {
	cfg := apiConfig()
	cfg.APIAuthToken = "agent-secret"
	s := NewServer(cfg, &stubService{}, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/strategies", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "missing authorization token", body["error"])

	rec = doRequest(t, s, http.MethodGet, "/api/strategies", "wrong-secret", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "invalid token", body["error"])

	rec = doRequest(t, s, http.MethodGet, "/api/strategies", "agent-secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Probes must keep working without credentials.
	rec = doRequest(t, s, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func signJWT(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestServer_AuthJWT(t *testing.T) {
	cfg := apiConfig()
	cfg.JWTSecret = "jwt-signing-secret"
	s := NewServer(cfg, &stubService{}, nil, nil)

	valid := signJWT(t, cfg.JWTSecret, jwt.MapClaims{
		"sub": "ops-console",
		"iat": time.Now().Add(-time.Minute).Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	rec := doRequest(t, s, http.MethodGet, "/api/strategies", valid, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	expired := signJWT(t, cfg.JWTSecret, jwt.MapClaims{
		"sub": "ops-console",
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	rec = doRequest(t, s, http.MethodGet, "/api/strategies", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged := signJWT(t, "some-other-secret", jwt.MapClaims{
		"sub": "ops-console",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	rec = doRequest(t, s, http.MethodGet, "/api/strategies", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_AuthAcceptsEitherCredential(t *testing.T) {
	cfg := apiConfig()
	cfg.APIAuthToken = "agent-secret"
	cfg.JWTSecret = "jwt-signing-secret"
	s := NewServer(cfg, &stubService{}, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/strategies", "agent-secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	token := signJWT(t, cfg.JWTSecret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	rec = doRequest(t, s, http.MethodGet, "/api/strategies", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_HandleEventStream_DisabledWithoutStreamer(t *testing.T) {
	s := NewServer(apiConfig(), &stubService{}, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/events/stream", "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "event streaming disabled", body["error"])
}

func TestServer_EventStreamOverWebSocket(t *testing.T) {
	bus := events.NewEventBus(16)
	t.Cleanup(bus.Stop)
	streamer := events.NewStreamer(bus, events.DefaultStreamingConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamer.Start(ctx)

	cfg := apiConfig()
	cfg.APIAuthToken = "agent-secret"
	s := NewServer(cfg, &stubService{}, streamer, nil)

	server := httptest.NewServer(s.Handler())
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events/stream"

	// The upgrade goes through the same auth middleware as the JSON routes.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Authorization": []string{"Bearer agent-secret"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return streamer.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	bus.Publish(events.NewEvent(events.EventRemediationSucceeded, "default", "broken-image-pod", events.SeverityInfo, "Pod recovered"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	event, err := events.FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, events.EventRemediationSucceeded, event.Type)
	assert.Equal(t, "broken-image-pod", event.Resource)
}
