package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEpisodeStore(t *testing.T) EpisodeStore {
	t.Helper()
	s, err := NewEpisodeStore(filepath.Join(t.TempDir(), "episodes.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEpisode(id, errorType string, ts time.Time) *Episode {
	return &Episode{
		ID:               id,
		Timestamp:        ts,
		PodName:          "web-" + id,
		Namespace:        "default",
		ErrorType:        errorType,
		Context:          map[string]string{"error_class": errorType, "namespace": "default"},
		ActionsTaken:     []map[string]interface{}{{"strategy": "default_image_fix"}},
		Outcome:          map[string]interface{}{"success": true, "resolution_time": 30.0},
		ConfidenceBefore: 0.5,
		ConfidenceAfter:  0.7,
		ResolutionTime:   30,
		LessonsLearned:   []string{"lesson-" + id},
	}
}

func TestEpisodeStore_StoreAndRecent(t *testing.T) {
	s := newTestEpisodeStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		ep := testEpisode(fmt.Sprintf("ep-%d", i), "ImagePullBackOff", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Store(ctx, ep))
	}

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "ep-2", recent[0].ID) // newest first
	assert.Equal(t, "ep-1", recent[1].ID)
	assert.Equal(t, []string{"lesson-ep-2"}, recent[0].LessonsLearned)
	assert.Equal(t, true, recent[0].Outcome["success"])
}

func TestEpisodeStore_StoreConflict(t *testing.T) {
	s := newTestEpisodeStore(t)
	ctx := context.Background()

	ep := testEpisode("dup", "OOMKilled", time.Now().UTC())
	require.NoError(t, s.Store(ctx, ep))

	err := s.Store(ctx, ep)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestEpisodeStore_StoreUpsertsTemporalPattern(t *testing.T) {
	s := newTestEpisodeStore(t)
	ctx := context.Background()

	at := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	require.NoError(t, s.Store(ctx, testEpisode("p1", "CrashLoopBackOff", at)))
	require.NoError(t, s.Store(ctx, testEpisode("p2", "CrashLoopBackOff", at.Add(10*time.Minute))))

	patterns, err := s.Patterns(ctx, PatternTemporal)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 2, patterns[0].Frequency)
	assert.InDelta(t, 2.0, patterns[0].Strength, 1e-9)
	assert.Equal(t, float64(14), patterns[0].PatternData["hour"])
	assert.Equal(t, "CrashLoopBackOff", patterns[0].PatternData["error_type"])
}

func TestEpisodeStore_StoreFormsAssociations(t *testing.T) {
	s := newTestEpisodeStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	first := testEpisode("assoc-1", "ImagePullBackOff", base)
	require.NoError(t, s.Store(ctx, first))

	// Identical context keys and values gives similarity 1.0 > 0.5.
	second := testEpisode("assoc-2", "ImagePullBackOff", base.Add(time.Minute))
	require.NoError(t, s.Store(ctx, second))

	// Disjoint values gives similarity 0.0, no association.
	third := testEpisode("assoc-3", "ImagePullBackOff", base.Add(2*time.Minute))
	third.Context = map[string]string{"error_class": "other", "namespace": "elsewhere"}
	require.NoError(t, s.Store(ctx, third))

	assocs, err := s.Associations(ctx, "assoc-2")
	require.NoError(t, err)
	require.Len(t, assocs, 1)
	assert.Equal(t, "assoc-2", assocs[0].EpisodeID1)
	assert.Equal(t, "assoc-1", assocs[0].EpisodeID2)
	assert.Equal(t, AssociationSimilarContext, assocs[0].AssociationType)
	assert.InDelta(t, 1.0, assocs[0].Strength, 1e-9)

	assocs, err = s.Associations(ctx, "assoc-3")
	require.NoError(t, err)
	assert.Empty(t, assocs)
}

func TestEpisodeStore_SimilarRanksByContextOverlap(t *testing.T) {
	s := newTestEpisodeStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	exact := testEpisode("exact", "OOMKilled", base)
	exact.Context = map[string]string{"error_class": "OOMKilled", "namespace": "production", "phase": "Running"}
	require.NoError(t, s.Store(ctx, exact))

	partial := testEpisode("partial", "OOMKilled", base.Add(time.Minute))
	partial.Context = map[string]string{"error_class": "OOMKilled", "namespace": "staging", "phase": "Running"}
	require.NoError(t, s.Store(ctx, partial))

	otherClass := testEpisode("other", "ImagePullBackOff", base.Add(2*time.Minute))
	require.NoError(t, s.Store(ctx, otherClass))

	matches, err := s.Similar(ctx, "OOMKilled", map[string]string{
		"error_class": "OOMKilled",
		"namespace":   "production",
		"phase":       "Running",
	}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "exact", matches[0].ID)
	assert.Equal(t, "partial", matches[1].ID)
}

func TestEpisodeStore_SimilarBreaksTiesByRecency(t *testing.T) {
	s := newTestEpisodeStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	older := testEpisode("older", "CrashLoopBackOff", base)
	newer := testEpisode("newer", "CrashLoopBackOff", base.Add(5*time.Minute))
	require.NoError(t, s.Store(ctx, older))
	require.NoError(t, s.Store(ctx, newer))

	matches, err := s.Similar(ctx, "CrashLoopBackOff", map[string]string{
		"error_class": "CrashLoopBackOff",
		"namespace":   "default",
	}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "newer", matches[0].ID)
	assert.Equal(t, "older", matches[1].ID)
}

func TestEpisodeStore_LessonsForDeduplicates(t *testing.T) {
	s := newTestEpisodeStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	first := testEpisode("l1", "ImagePullBackOff", base)
	first.LessonsLearned = []string{"verify registry credentials"}
	require.NoError(t, s.Store(ctx, first))

	second := testEpisode("l2", "ImagePullBackOff", base.Add(time.Minute))
	second.LessonsLearned = []string{"pin image digests", "verify registry credentials"}
	require.NoError(t, s.Store(ctx, second))

	lessons, err := s.LessonsFor(ctx, "ImagePullBackOff", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"pin image digests", "verify registry credentials"}, lessons)
}

func TestEpisodeStore_LessonsForHonorsLimit(t *testing.T) {
	s := newTestEpisodeStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	ep := testEpisode("many", "OOMKilled", base)
	ep.LessonsLearned = []string{"one", "two", "three"}
	require.NoError(t, s.Store(ctx, ep))

	lessons, err := s.LessonsFor(ctx, "OOMKilled", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lessons)
}

func TestEpisodeStore_Progression(t *testing.T) {
	s := newTestEpisodeStore(t)
	ctx := context.Background()
	day := time.Now().UTC()
	anchor := time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, time.UTC)

	improved := testEpisode("prog-ok", "OOMKilled", anchor)
	improved.ReflectionQuality = 0.8
	improved.InsightsGenerated = 2
	require.NoError(t, s.Store(ctx, improved))

	regressed := testEpisode("prog-fail", "OOMKilled", anchor.Add(10*time.Minute))
	regressed.Outcome = map[string]interface{}{"success": false}
	regressed.ConfidenceAfter = 0.4
	regressed.ReflectionQuality = 0.4
	require.NoError(t, s.Store(ctx, regressed))

	prog, err := s.Progression(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, prog.AnalysisPeriodDays)

	require.Len(t, prog.DailyProgression, 1)
	dayRow := prog.DailyProgression[0]
	assert.Equal(t, 2, dayRow.EpisodeCount)
	assert.InDelta(t, 0.05, dayRow.ConfidenceGain, 1e-6) // (+0.2 - 0.1) / 2
	assert.InDelta(t, 0.6, dayRow.ReflectionQuality, 1e-6)
	assert.InDelta(t, 1.0, dayRow.AvgInsights, 1e-6)

	require.Len(t, prog.ErrorTypeStats, 1)
	byClass := prog.ErrorTypeStats[0]
	assert.Equal(t, "OOMKilled", byClass.ErrorType)
	assert.Equal(t, 2, byClass.Count)
	assert.InDelta(t, 0.05, byClass.AvgImprovement, 1e-6)
	assert.InDelta(t, 30, byClass.AvgResolutionTime, 1e-6)
}

func TestEpisodeStore_Statistics(t *testing.T) {
	s := newTestEpisodeStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 9, 15, 0, 0, time.UTC)

	require.NoError(t, s.Store(ctx, testEpisode("s1", "ImagePullBackOff", base)))
	require.NoError(t, s.Store(ctx, testEpisode("s2", "ImagePullBackOff", base.Add(time.Minute))))

	regressed := testEpisode("s3", "OOMKilled", base.Add(2*time.Minute))
	regressed.Outcome = map[string]interface{}{"success": false}
	regressed.ConfidenceAfter = 0.4
	require.NoError(t, s.Store(ctx, regressed))

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEpisodes)
	assert.InDelta(t, 0.1, stats.AvgConfidenceGain, 1e-6) // (0.2+0.2-0.1)/3
	assert.InDelta(t, 30, stats.AvgResolutionTime, 1e-6)
	// One temporal pattern per class sharing hour 9.
	assert.Equal(t, 2, stats.PatternsDiscovered)
	// Only s1<->s2 share an identical context within the same class.
	assert.Equal(t, 1, stats.AssociationsFormed)
}

func TestEpisodeStore_UpsertPattern(t *testing.T) {
	s := newTestEpisodeStore(t)
	ctx := context.Background()

	data := map[string]interface{}{"error_type": "OOMKilled", "namespace": "production"}
	require.NoError(t, s.UpsertPattern(ctx, PatternContextual, data))
	require.NoError(t, s.UpsertPattern(ctx, PatternContextual, data))
	require.NoError(t, s.UpsertPattern(ctx, PatternContextual, map[string]interface{}{
		"error_type": "OOMKilled", "namespace": "staging",
	}))

	patterns, err := s.Patterns(ctx, PatternContextual)
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, 2, patterns[0].Frequency) // strongest first
	assert.Equal(t, "production", patterns[0].PatternData["namespace"])
	assert.Equal(t, 1, patterns[1].Frequency)
}

func TestEpisodeStore_ClearAll(t *testing.T) {
	s := newTestEpisodeStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, testEpisode("c1", "ImagePullBackOff", time.Now().UTC())))
	require.NoError(t, s.ClearAll(ctx))
	require.NoError(t, s.ClearAll(ctx)) // idempotent

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEpisodes)
	assert.Equal(t, 0, stats.PatternsDiscovered)
	assert.Equal(t, 0, stats.AssociationsFormed)
}

func TestContextSimilarity(t *testing.T) {
	tests := []struct {
		name string
		c1   map[string]string
		c2   map[string]string
		want float64
	}{
		{"both empty", nil, nil, 0},
		{"one empty", map[string]string{"a": "1"}, nil, 0},
		{"disjoint keys", map[string]string{"a": "1"}, map[string]string{"b": "1"}, 0},
		{"identical", map[string]string{"a": "1", "b": "2"}, map[string]string{"a": "1", "b": "2"}, 1},
		{"half match", map[string]string{"a": "1", "b": "2"}, map[string]string{"a": "1", "b": "x"}, 0.5},
		{"only common keys count", map[string]string{"a": "1", "c": "9"}, map[string]string{"a": "1", "b": "2"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ContextSimilarity(tt.c1, tt.c2), 1e-9)
		})
	}
}
