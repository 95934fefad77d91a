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

package store

import "time"

// Strategy is a learned (or seeded) remediation recipe for one error class.
// Conditions are simple `key == 'value'` predicates evaluated against the
// incident context; Actions are the opaque structured recipe consumed by the
// plan synthesiser.
type Strategy struct {
	ID          string                   `json:"id"`
	ErrorType   string                   `json:"error_type"`
	Conditions  []string                 `json:"conditions"`
	Actions     []map[string]interface{} `json:"actions"`
	Confidence  float64                  `json:"confidence"`
	SuccessRate float64                  `json:"success_rate"`
	UsageCount  int                      `json:"usage_count"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
	Source      string                   `json:"source"`
	Context     map[string]string        `json:"context"`
	LastUsed    *time.Time               `json:"last_used,omitempty"`
}

// Strategy sources.
const (
	SourceLearned   = "learned"
	SourceManual    = "manual"
	SourceCommunity = "community"
)

// Matches reports whether every condition holds in the given context. An
// empty context matches everything, as does a condition-free strategy. A
// condition naming a key absent from the context never matches. Malformed
// conditions are skipped rather than rejected.
func (s *Strategy) Matches(context map[string]string) bool {
	if len(context) == 0 {
		return true
	}
	for _, cond := range s.Conditions {
		key, want, ok := parseCondition(cond)
		if !ok {
			continue
		}
		got, present := context[key]
		if !present || got != want {
			return false
		}
	}
	return true
}

// Outcome captures one application of a strategy to an incident. The
// NewConfidence field carries the performance tracker's freshly computed
// dynamic confidence into the strategy row.
type Outcome struct {
	Success       bool
	ExecutionTime float64
	PodName       string
	Namespace     string
	Feedback      string
	NewConfidence float64
}

// UsageRecord is one historical application of a strategy.
type UsageRecord struct {
	ID            int64     `db:"id" json:"id"`
	StrategyID    string    `db:"strategy_id" json:"strategy_id"`
	PodName       string    `db:"pod_name" json:"pod_name"`
	Namespace     string    `db:"namespace" json:"namespace"`
	Success       bool      `db:"success" json:"success"`
	ExecutionTime float64   `db:"execution_time" json:"execution_time"`
	Timestamp     time.Time `db:"timestamp" json:"timestamp"`
	Feedback      string    `db:"feedback" json:"feedback,omitempty"`
}

// EvolutionEntry records one change to a strategy over its lifetime.
// Versions are dense and start at 1 with the 'created' entry.
type EvolutionEntry struct {
	ID            int64     `db:"id" json:"id"`
	StrategyID    string    `db:"strategy_id" json:"strategy_id"`
	Version       int       `db:"version" json:"version"`
	ChangeType    string    `db:"change_type" json:"change_type"`
	Description   string    `db:"change_description" json:"change_description"`
	OldConfidence *float64  `db:"old_confidence" json:"old_confidence,omitempty"`
	NewConfidence float64   `db:"new_confidence" json:"new_confidence"`
	TriggerEvent  string    `db:"trigger_event" json:"trigger_event,omitempty"`
	Timestamp     time.Time `db:"timestamp" json:"timestamp"`
}

// Evolution change types.
const (
	ChangeCreated           = "created"
	ChangeModified          = "modified"
	ChangeMerged            = "merged"
	ChangePerformanceUpdate = "performance_update"
)

// StrategySummary is the compact strategy view used in statistics.
type StrategySummary struct {
	ID          string  `db:"id" json:"id"`
	ErrorType   string  `db:"error_type" json:"error_type"`
	UsageCount  int     `db:"usage_count" json:"usage_count"`
	SuccessRate float64 `db:"success_rate" json:"success_rate"`
}

// StrategyStatistics summarizes the strategy store.
type StrategyStatistics struct {
	TotalStrategies    int                `json:"total_strategies"`
	SuccessByErrorType map[string]float64 `json:"success_by_error_type"`
	TopStrategies      []StrategySummary  `json:"top_strategies"`
	RecentUsage24h     int                `json:"recent_usage_24h"`
	DatabasePath       string             `json:"database_path"`
}

// Episode is one complete trip around the remediation loop: what broke, what
// the agent did, how it went and what it learned.
type Episode struct {
	ID                string                   `json:"id"`
	PodName           string                   `json:"pod_name"`
	Namespace         string                   `json:"namespace"`
	ErrorType         string                   `json:"error_type"`
	Context           map[string]string        `json:"context"`
	ActionsTaken      []map[string]interface{} `json:"actions_taken"`
	Outcome           map[string]interface{}   `json:"outcome"`
	LessonsLearned    []string                 `json:"lessons_learned"`
	ConfidenceBefore  float64                  `json:"confidence_before"`
	ConfidenceAfter   float64                  `json:"confidence_after"`
	ResolutionTime    float64                  `json:"resolution_time"`
	Timestamp         time.Time                `json:"timestamp"`
	ReflectionQuality float64                  `json:"reflection_quality"`
	InsightsGenerated int                      `json:"insights_generated"`
}

// MemoryPattern is a recurring structure mined from episodes, e.g. an error
// class clustering at a certain hour of day.
type MemoryPattern struct {
	ID          int64                  `json:"id"`
	PatternType string                 `json:"pattern_type"`
	PatternData map[string]interface{} `json:"pattern_data"`
	Strength    float64                `json:"strength"`
	Frequency   int                    `json:"frequency"`
	LastSeen    time.Time              `json:"last_seen"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Pattern types.
const (
	PatternTemporal   = "temporal"
	PatternContextual = "contextual"
	PatternCausal     = "causal"
)

// MemoryAssociation links two episodes that resemble each other.
type MemoryAssociation struct {
	ID              int64     `db:"id" json:"id"`
	EpisodeID1      string    `db:"episode_id_1" json:"episode_id_1"`
	EpisodeID2      string    `db:"episode_id_2" json:"episode_id_2"`
	AssociationType string    `db:"association_type" json:"association_type"`
	Strength        float64   `db:"strength" json:"strength"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// AssociationSimilarContext marks associations formed from context overlap.
const AssociationSimilarContext = "similar_context"

// ProgressionDay is one day of aggregated learning progression.
type ProgressionDay struct {
	Date              string  `json:"date"`
	ConfidenceGain    float64 `json:"confidence_gain"`
	ReflectionQuality float64 `json:"reflection_quality"`
	AvgInsights       float64 `json:"avg_insights"`
	EpisodeCount      int     `json:"episode_count"`
}

// ErrorTypeProgress aggregates progression per error class.
type ErrorTypeProgress struct {
	ErrorType         string  `json:"error_type"`
	Count             int     `json:"count"`
	AvgImprovement    float64 `json:"avg_improvement"`
	AvgResolutionTime float64 `json:"avg_resolution_time"`
}

// Progression is the learning progression report.
type Progression struct {
	DailyProgression   []ProgressionDay    `json:"daily_progression"`
	ErrorTypeStats     []ErrorTypeProgress `json:"error_type_stats"`
	AnalysisPeriodDays int                 `json:"analysis_period_days"`
}

// MemoryStatistics summarizes the episodic store.
type MemoryStatistics struct {
	TotalEpisodes        int     `db:"total_episodes" json:"total_episodes"`
	AvgReflectionQuality float64 `db:"avg_reflection_quality" json:"avg_reflection_quality"`
	AvgInsightsGenerated float64 `db:"avg_insights_generated" json:"avg_insights_generated"`
	AvgConfidenceGain    float64 `db:"avg_confidence_gain" json:"avg_confidence_gain"`
	AvgResolutionTime    float64 `db:"avg_resolution_time" json:"avg_resolution_time"`
	PatternsDiscovered   int     `db:"-" json:"patterns_discovered"`
	AssociationsFormed   int     `db:"-" json:"associations_formed"`
}

// PerformanceSample is one recorded application of a strategy with the
// confidence transition it caused.
type PerformanceSample struct {
	ID               int64             `json:"id"`
	StrategyID       string            `json:"strategy_id"`
	Success          bool              `json:"success"`
	ResolutionTime   float64           `json:"resolution_time"`
	ConfidenceBefore float64           `json:"confidence_before"`
	ConfidenceAfter  float64           `json:"confidence_after"`
	Context          map[string]string `json:"context"`
	Timestamp        time.Time         `json:"timestamp"`
}

// StrategyMetric is the derived aggregate view of a strategy's performance.
type StrategyMetric struct {
	StrategyID        string    `db:"strategy_id" json:"strategy_id"`
	ErrorType         string    `db:"error_type" json:"error_type"`
	SuccessRate       float64   `db:"success_rate" json:"success_rate"`
	AvgResolutionTime float64   `db:"avg_resolution_time" json:"avg_resolution_time"`
	ConfidenceScore   float64   `db:"confidence_score" json:"confidence_score"`
	UsageCount        int       `db:"usage_count" json:"usage_count"`
	LastUsed          time.Time `db:"last_used" json:"last_used"`
	Trend             string    `db:"trend" json:"trend"`
}

// RankedStrategy is one row of the strategy ranking.
type RankedStrategy struct {
	Rank              int       `json:"rank"`
	StrategyID        string    `json:"strategy_id"`
	ErrorType         string    `json:"error_type"`
	SuccessRate       float64   `json:"success_rate"`
	AvgResolutionTime float64   `json:"avg_resolution_time"`
	ConfidenceScore   float64   `json:"confidence_score"`
	UsageCount        int       `json:"usage_count"`
	LastUsed          time.Time `json:"last_used"`
	Trend             string    `json:"trend"`
}

// OverallPerformance is the period-wide aggregate inside insights.
type OverallPerformance struct {
	SuccessRate       float64 `db:"success_rate" json:"success_rate"`
	AvgResolutionTime float64 `db:"avg_resolution_time" json:"avg_resolution_time"`
	TotalProcessed    int     `db:"total_processed" json:"total_processed"`
	StrategiesUsed    int     `db:"strategies_used" json:"strategies_used"`
}

// StrategyPerformance is a per-strategy aggregate inside insights.
type StrategyPerformance struct {
	StrategyID        string  `db:"strategy_id" json:"strategy_id"`
	SuccessRate       float64 `db:"success_rate" json:"success_rate"`
	UsageCount        int     `db:"usage_count" json:"usage_count"`
	AvgResolutionTime float64 `db:"avg_resolution_time" json:"avg_resolution_time"`
}

// DailyTrend is one day of aggregated performance.
type DailyTrend struct {
	Date        string  `json:"date"`
	SuccessRate float64 `json:"success_rate"`
	Count       int     `json:"count"`
}

// PerformanceInsights is the trailing-period performance report.
type PerformanceInsights struct {
	PeriodDays       int                   `json:"period_days"`
	Overall          OverallPerformance    `json:"overall_performance"`
	Trend            string                `json:"trend"`
	TopStrategies    []StrategyPerformance `json:"top_strategies"`
	BottomStrategies []StrategyPerformance `json:"bottom_strategies"`
	DailyTrends      []DailyTrend          `json:"daily_trends"`
	GeneratedAt      time.Time             `json:"generated_at"`
}

// SystemSnapshot is the current system-wide performance view.
type SystemSnapshot struct {
	OverallSuccessRate float64   `db:"overall_success_rate" json:"overall_success_rate"`
	AvgResolutionTime  float64   `db:"avg_resolution_time" json:"avg_resolution_time"`
	TotalProcessed     int       `db:"total_processed" json:"total_processed"`
	UniqueErrorTypes   int       `db:"unique_error_types" json:"unique_error_types"`
	ActiveStrategies   int       `db:"active_strategies" json:"active_strategies"`
	LearningVelocity   float64   `db:"learning_velocity" json:"learning_velocity"`
	CalculatedAt       time.Time `db:"calculated_at" json:"calculated_at"`
}
