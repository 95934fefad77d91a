package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStrategyStore(t *testing.T) StrategyStore {
	t.Helper()
	s, err := NewStrategyStore(filepath.Join(t.TempDir(), "strategies.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testStrategy(id, errorType string, confidence float64) *Strategy {
	return &Strategy{
		ID:         id,
		ErrorType:  errorType,
		Conditions: []string{},
		Actions: []map[string]interface{}{
			{"action": "replace_with_latest", "parameters": map[string]interface{}{"new_tag": "latest"}},
		},
		Confidence: confidence,
		Source:     SourceLearned,
		Context:    map[string]string{},
	}
}

func TestStrategyStore_AddAndGet(t *testing.T) {
	s := newTestStrategyStore(t)
	ctx := context.Background()

	strat := testStrategy("image_fix_1", "ImagePullBackOff", 0.8)
	require.NoError(t, s.Add(ctx, strat))

	got, err := s.Get(ctx, "image_fix_1")
	require.NoError(t, err)
	assert.Equal(t, "ImagePullBackOff", got.ErrorType)
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
	assert.Equal(t, SourceLearned, got.Source)
	assert.Equal(t, 0, got.UsageCount)
	assert.Nil(t, got.LastUsed)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Len(t, got.Actions, 1)
}

func TestStrategyStore_AddConflict(t *testing.T) {
	s := newTestStrategyStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, testStrategy("dup", "OOMKilled", 0.5)))

	err := s.Add(ctx, testStrategy("dup", "OOMKilled", 0.6))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestStrategyStore_AddRecordsCreationEvolution(t *testing.T) {
	s := newTestStrategyStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, testStrategy("evo", "CrashLoopBackOff", 0.7)))

	history, err := s.EvolutionHistory(ctx, "evo")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, ChangeCreated, history[0].ChangeType)
	assert.Nil(t, history[0].OldConfidence)
	assert.InDelta(t, 0.7, history[0].NewConfidence, 1e-9)
}

func TestStrategyStore_GetNotFound(t *testing.T) {
	s := newTestStrategyStore(t)

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStrategyStore_FindForErrorOrdering(t *testing.T) {
	s := newTestStrategyStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, testStrategy("low", "ImagePullBackOff", 0.3)))
	require.NoError(t, s.Add(ctx, testStrategy("high", "ImagePullBackOff", 0.9)))
	require.NoError(t, s.Add(ctx, testStrategy("mid", "ImagePullBackOff", 0.6)))
	require.NoError(t, s.Add(ctx, testStrategy("other", "OOMKilled", 0.99)))

	found, err := s.FindForError(ctx, "ImagePullBackOff", nil)
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, "high", found[0].ID)
	assert.Equal(t, "mid", found[1].ID)
	assert.Equal(t, "low", found[2].ID)
}

func TestStrategyStore_FindForErrorConditionFiltering(t *testing.T) {
	s := newTestStrategyStore(t)
	ctx := context.Background()

	prodOnly := testStrategy("prod_only", "CrashLoopBackOff", 0.8)
	prodOnly.Conditions = []string{"namespace == 'production'"}
	require.NoError(t, s.Add(ctx, prodOnly))

	anywhere := testStrategy("anywhere", "CrashLoopBackOff", 0.5)
	require.NoError(t, s.Add(ctx, anywhere))

	found, err := s.FindForError(ctx, "CrashLoopBackOff", map[string]string{"namespace": "production"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "prod_only", found[0].ID)

	found, err = s.FindForError(ctx, "CrashLoopBackOff", map[string]string{"namespace": "staging"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "anywhere", found[0].ID)

	// A context missing the conditioned key never matches.
	found, err = s.FindForError(ctx, "CrashLoopBackOff", map[string]string{"phase": "Pending"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "anywhere", found[0].ID)
}

func TestStrategyStore_RecordOutcome(t *testing.T) {
	s := newTestStrategyStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, testStrategy("tracked", "ImagePullBackOff", 0.5)))

	require.NoError(t, s.RecordOutcome(ctx, "tracked", Outcome{
		Success:       true,
		ExecutionTime: 12.5,
		PodName:       "web-1",
		Namespace:     "default",
		Feedback:      "Execution result: success, time: 12.5s",
		NewConfidence: 0.72,
	}))
	require.NoError(t, s.RecordOutcome(ctx, "tracked", Outcome{
		Success:       false,
		ExecutionTime: 44.0,
		PodName:       "web-1",
		Namespace:     "default",
		NewConfidence: 0.61,
	}))

	got, err := s.Get(ctx, "tracked")
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsageCount)
	assert.InDelta(t, 0.5, got.SuccessRate, 1e-9)
	assert.InDelta(t, 0.61, got.Confidence, 1e-9)
	require.NotNil(t, got.LastUsed)

	usage, err := s.UsageHistory(ctx, "tracked", 10)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.False(t, usage[0].Success) // newest first
	assert.True(t, usage[1].Success)

	history, err := s.EvolutionHistory(ctx, "tracked")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, ChangePerformanceUpdate, history[1].ChangeType)
	assert.Equal(t, 2, history[1].Version)
	assert.Equal(t, 3, history[2].Version)
}

func TestStrategyStore_RecordOutcomeUnknownStrategy(t *testing.T) {
	s := newTestStrategyStore(t)

	err := s.RecordOutcome(context.Background(), "ghost", Outcome{Success: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStrategyStore_Update(t *testing.T) {
	s := newTestStrategyStore(t)
	ctx := context.Background()

	strat := testStrategy("mutable", "OOMKilled", 0.5)
	require.NoError(t, s.Add(ctx, strat))

	strat.Confidence = 0.65
	strat.Conditions = []string{"namespace == 'default'"}
	require.NoError(t, s.Update(ctx, strat, ChangeModified, "Applied modifications: [conditions]", "reflection_insight"))

	got, err := s.Get(ctx, "mutable")
	require.NoError(t, err)
	assert.InDelta(t, 0.65, got.Confidence, 1e-9)
	assert.Equal(t, []string{"namespace == 'default'"}, got.Conditions)

	history, err := s.EvolutionHistory(ctx, "mutable")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[1].Version)
	assert.Equal(t, ChangeModified, history[1].ChangeType)
	require.NotNil(t, history[1].OldConfidence)
	assert.InDelta(t, 0.5, *history[1].OldConfidence, 1e-9)
	assert.Equal(t, "reflection_insight", history[1].TriggerEvent)
}

func TestStrategyStore_UpdateConfidence(t *testing.T) {
	s := newTestStrategyStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, testStrategy("conf", "ImagePullBackOff", 0.4)))
	require.NoError(t, s.UpdateConfidence(ctx, "conf", 0.55, "performance_sweep"))

	got, err := s.Get(ctx, "conf")
	require.NoError(t, err)
	assert.InDelta(t, 0.55, got.Confidence, 1e-9)

	history, err := s.EvolutionHistory(ctx, "conf")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ChangeModified, history[1].ChangeType)
}

func TestStrategyStore_Statistics(t *testing.T) {
	s := newTestStrategyStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, testStrategy("a", "ImagePullBackOff", 0.8)))
	require.NoError(t, s.Add(ctx, testStrategy("b", "CrashLoopBackOff", 0.6)))
	require.NoError(t, s.RecordOutcome(ctx, "a", Outcome{Success: true, NewConfidence: 0.82}))

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalStrategies)
	assert.Equal(t, 1, stats.RecentUsage24h)
	assert.Contains(t, stats.SuccessByErrorType, "ImagePullBackOff")
	assert.Contains(t, stats.SuccessByErrorType, "CrashLoopBackOff")
	require.NotEmpty(t, stats.TopStrategies)
	assert.Equal(t, "a", stats.TopStrategies[0].ID)
}

func TestStrategyStore_ClearAll(t *testing.T) {
	s := newTestStrategyStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, testStrategy("gone", "OOMKilled", 0.5)))
	require.NoError(t, s.RecordOutcome(ctx, "gone", Outcome{Success: true, NewConfidence: 0.6}))

	require.NoError(t, s.ClearAll(ctx))
	require.NoError(t, s.ClearAll(ctx)) // idempotent

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalStrategies)
	assert.Equal(t, 0, stats.RecentUsage24h)

	_, err = s.Get(ctx, "gone")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStrategy_Matches(t *testing.T) {
	strat := &Strategy{
		Conditions: []string{"error_class == 'ImagePullBackOff'", "namespace == \"production\""},
	}

	assert.True(t, strat.Matches(nil))
	assert.True(t, strat.Matches(map[string]string{}))
	assert.True(t, strat.Matches(map[string]string{
		"error_class": "ImagePullBackOff",
		"namespace":   "production",
	}))
	assert.False(t, strat.Matches(map[string]string{
		"error_class": "ImagePullBackOff",
		"namespace":   "staging",
	}))
	assert.False(t, strat.Matches(map[string]string{
		"error_class": "ImagePullBackOff",
	}))
}

func TestStrategy_MatchesSkipsMalformedConditions(t *testing.T) {
	strat := &Strategy{Conditions: []string{"requires_context_evaluation", "namespace == 'dev'"}}

	assert.True(t, strat.Matches(map[string]string{"namespace": "dev"}))
	assert.False(t, strat.Matches(map[string]string{"namespace": "prod"}))
}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		cond  string
		key   string
		value string
		ok    bool
	}{
		{"namespace == 'production'", "namespace", "production", true},
		{"error_class == \"OOMKilled\"", "error_class", "OOMKilled", true},
		{"phase==Pending", "phase", "Pending", true},
		{"general_optimization", "", "", false},
		{"== 'orphan'", "", "", false},
		{"key ==", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			key, value, ok := parseCondition(tt.cond)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.key, key)
				assert.Equal(t, tt.value, value)
			}
		})
	}
}
