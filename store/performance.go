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

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	agenterrors "pod-healer/errors"
	"pod-healer/logger"
	"pod-healer/metrics"
)

const performanceSchema = `
CREATE TABLE IF NOT EXISTS performance_metrics (
	strategy_id         TEXT PRIMARY KEY,
	error_type          TEXT NOT NULL DEFAULT 'unknown',
	success_rate        REAL NOT NULL DEFAULT 0,
	avg_resolution_time REAL NOT NULL DEFAULT 0,
	confidence_score    REAL NOT NULL DEFAULT 0.5,
	usage_count         INTEGER NOT NULL DEFAULT 0,
	last_used           TIMESTAMP NOT NULL,
	trend               TEXT NOT NULL DEFAULT 'stable'
);

CREATE TABLE IF NOT EXISTS performance_history (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id       TEXT NOT NULL,
	success           BOOLEAN NOT NULL,
	resolution_time   REAL NOT NULL DEFAULT 0,
	confidence_before REAL NOT NULL DEFAULT 0,
	confidence_after  REAL NOT NULL DEFAULT 0,
	context           TEXT NOT NULL DEFAULT '{}',
	timestamp         TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS system_performance (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	overall_success_rate REAL NOT NULL DEFAULT 0,
	avg_resolution_time  REAL NOT NULL DEFAULT 0,
	total_processed      INTEGER NOT NULL DEFAULT 0,
	unique_error_types   INTEGER NOT NULL DEFAULT 0,
	active_strategies    INTEGER NOT NULL DEFAULT 0,
	learning_velocity    REAL NOT NULL DEFAULT 0,
	calculated_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_perf_history_strategy ON performance_history (strategy_id);
CREATE INDEX IF NOT EXISTS idx_perf_history_timestamp ON performance_history (timestamp);
`

// Dynamic confidence tuning. Weights decay linearly to the floor over one
// week; the trend and time bonuses are capped so recency stays dominant.
const (
	confidenceFloor      = 0.05
	confidenceCeiling    = 0.95
	weightFloor          = 0.1
	weightHalfLifeHours  = 168.0
	trendFactorCap       = 0.2
	trendMinSamples      = 5
	timeFactorCap        = 0.1
	timeFactorBaseline   = 60.0
	timeFactorScale      = 600.0
	metricTrendWindow    = 6
	metricTrendThreshold = 0.1
	insightsMinUsage     = 3
)

// sqlPerformanceStore is the SQLite-backed PerformanceStore.
type sqlPerformanceStore struct {
	instrumented
	db   *sqlx.DB
	path string
	mu   sync.Mutex
}

// NewPerformanceStore opens (creating if needed) the performance database.
func NewPerformanceStore(path string, m *metrics.AgentMetrics) (PerformanceStore, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(performanceSchema); err != nil {
		db.Close()
		return nil, agenterrors.StoreErrorf("init", err, "creating performance schema in %s", path)
	}
	logger.Info("📊 Performance tracker ready at %s", path)
	return &sqlPerformanceStore{
		instrumented: instrumented{storeName: "performance", metrics: m},
		db:           db,
		path:         path,
	}, nil
}

// sampleRow mirrors the performance_history table.
type sampleRow struct {
	ID               int64     `db:"id"`
	StrategyID       string    `db:"strategy_id"`
	Success          bool      `db:"success"`
	ResolutionTime   float64   `db:"resolution_time"`
	ConfidenceBefore float64   `db:"confidence_before"`
	ConfidenceAfter  float64   `db:"confidence_after"`
	Context          string    `db:"context"`
	Timestamp        time.Time `db:"timestamp"`
}

func (s *sqlPerformanceStore) Record(ctx context.Context, strategyID string, success bool, resolutionTime, confidenceBefore float64, sctx map[string]string) (newConfidence float64, err error) {
	defer s.track("record", time.Now(), &err)

	if strategyID == "" {
		return confidenceBefore, agenterrors.ValidationError("performance.record", "strategy id must not be empty")
	}

	rawCtx, err := marshalField(sctx, "{}")
	if err != nil {
		return confidenceBefore, agenterrors.StoreErrorf("performance.record", err, "marshaling context for %s", strategyID)
	}

	now := nowUTC()
	errorType := sctx["error_type"]
	if errorType == "" {
		errorType = "unknown"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Confidence is computed over the window including the sample being
	// recorded, so the value written is already up to date.
	prior, err := s.recentSamples(ctx, strategyID, DefaultConfidenceWindow-1)
	if err != nil {
		return confidenceBefore, agenterrors.StoreErrorf("performance.record", err, "loading window for %s", strategyID)
	}
	window := append([]sampleRow{{
		Success:        success,
		ResolutionTime: resolutionTime,
		Timestamp:      now,
	}}, prior...)
	newConfidence = dynamicConfidence(window, now)

	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO performance_history
				(strategy_id, success, resolution_time, confidence_before,
				 confidence_after, context, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			strategyID, success, resolutionTime, confidenceBefore,
			newConfidence, rawCtx, now); err != nil {
			return err
		}
		if err := s.upsertMetricsTx(ctx, tx, strategyID, errorType, newConfidence); err != nil {
			return err
		}
		return s.appendSystemSnapshotTx(ctx, tx, now)
	})
	if err != nil {
		return confidenceBefore, agenterrors.StoreErrorf("performance.record", err, "recording sample for %s", strategyID)
	}

	logger.Info("📊 Performance recorded for %s: success=%t time=%.1fs confidence %.3f -> %.3f",
		strategyID, success, resolutionTime, confidenceBefore, newConfidence)
	return newConfidence, nil
}

func (s *sqlPerformanceStore) DynamicConfidence(ctx context.Context, strategyID string, window int) (conf float64, err error) {
	defer s.track("dynamic_confidence", time.Now(), &err)

	if window <= 0 {
		window = DefaultConfidenceWindow
	}
	samples, err := s.recentSamples(ctx, strategyID, window)
	if err != nil {
		return 0.5, agenterrors.StoreErrorf("performance.dynamic_confidence", err, "loading samples for %s", strategyID)
	}
	return dynamicConfidence(samples, nowUTC()), nil
}

// recentSamples returns the newest limit samples for a strategy, newest
// first. limit <= 0 returns nothing.
func (s *sqlPerformanceStore) recentSamples(ctx context.Context, strategyID string, limit int) ([]sampleRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []sampleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM performance_history
		WHERE strategy_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, strategyID, limit)
	return rows, err
}

// dynamicConfidence implements the recency-weighted confidence over a
// newest-first sample window:
//
//	base  = Σ(w·success)/Σw with w = max(0.1, 1 − age_hours/168)
//	trend = clamp(mean(newer half) − mean(older half), ±0.2), ≥ 5 samples
//	time  = clamp((60 − mean resolution)/600, ±0.1)
//
// The sum is clamped to [0.05, 0.95]; an empty window scores the neutral 0.5.
func dynamicConfidence(samples []sampleRow, now time.Time) float64 {
	if len(samples) == 0 {
		return 0.5
	}

	var weightedSum, weightTotal float64
	for _, sm := range samples {
		age := now.Sub(sm.Timestamp).Hours()
		if age < 0 {
			age = 0
		}
		w := 1 - age/weightHalfLifeHours
		if w < weightFloor {
			w = weightFloor
		}
		if sm.Success {
			weightedSum += w
		}
		weightTotal += w
	}
	base := weightedSum / weightTotal

	var trend float64
	if len(samples) >= trendMinSamples {
		mid := len(samples) / 2
		trend = clamp(successRate(samples[:mid])-successRate(samples[mid:]), -trendFactorCap, trendFactorCap)
	}

	var meanResolution float64
	for _, sm := range samples {
		meanResolution += sm.ResolutionTime
	}
	meanResolution /= float64(len(samples))
	timeFactor := clamp((timeFactorBaseline-meanResolution)/timeFactorScale, -timeFactorCap, timeFactorCap)

	return clamp(base+trend+timeFactor, confidenceFloor, confidenceCeiling)
}

func successRate(samples []sampleRow) float64 {
	if len(samples) == 0 {
		return 0
	}
	var successes float64
	for _, sm := range samples {
		if sm.Success {
			successes++
		}
	}
	return successes / float64(len(samples))
}

func (s *sqlPerformanceStore) UpdateStrategyMetrics(ctx context.Context, strategyID, errorType string) (metric *StrategyMetric, err error) {
	defer s.track("update_metrics", time.Now(), &err)

	samples, err := s.recentSamples(ctx, strategyID, DefaultConfidenceWindow)
	if err != nil {
		return nil, agenterrors.StoreErrorf("performance.update_metrics", err, "loading samples for %s", strategyID)
	}
	if len(samples) == 0 {
		return nil, agenterrors.StoreErrorf("performance.update_metrics", ErrNotFound, "no samples for %s", strategyID)
	}
	confidence := dynamicConfidence(samples, nowUTC())

	s.mu.Lock()
	defer s.mu.Unlock()

	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return s.upsertMetricsTx(ctx, tx, strategyID, errorType, confidence)
	})
	if err != nil {
		return nil, agenterrors.StoreErrorf("performance.update_metrics", err, "upserting metrics for %s", strategyID)
	}

	metric = &StrategyMetric{}
	if err = s.db.GetContext(ctx, metric,
		`SELECT * FROM performance_metrics WHERE strategy_id = ?`, strategyID); err != nil {
		return nil, agenterrors.StoreErrorf("performance.update_metrics", err, "reloading metrics for %s", strategyID)
	}
	metric.LastUsed = metric.LastUsed.UTC()
	return metric, nil
}

// upsertMetricsTx recomputes the aggregate row for a strategy from its full
// history plus the trend over its last six samples (newest three against the
// three before, ±0.1 thresholds).
func (s *sqlPerformanceStore) upsertMetricsTx(ctx context.Context, tx *sqlx.Tx, strategyID, errorType string, confidence float64) error {
	var agg struct {
		SuccessRate       float64 `db:"success_rate"`
		AvgResolutionTime float64 `db:"avg_resolution_time"`
		UsageCount        int     `db:"usage_count"`
		LastUsed          string  `db:"last_used"`
	}
	if err := tx.GetContext(ctx, &agg, `
		SELECT COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0) AS success_rate,
		       COALESCE(AVG(resolution_time), 0) AS avg_resolution_time,
		       COUNT(*) AS usage_count,
		       COALESCE(MAX(timestamp), '') AS last_used
		FROM performance_history WHERE strategy_id = ?`, strategyID); err != nil {
		return err
	}

	lastUsed := nowUTC()
	if agg.LastUsed != "" {
		if t, err := parseSQLiteTime(agg.LastUsed); err == nil {
			lastUsed = t
		}
	}

	var recent []sampleRow
	if err := tx.SelectContext(ctx, &recent, `
		SELECT * FROM performance_history
		WHERE strategy_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, strategyID, metricTrendWindow); err != nil {
		return err
	}
	trend := TrendStable
	if len(recent) >= metricTrendWindow {
		newer := successRate(recent[:metricTrendWindow/2])
		older := successRate(recent[metricTrendWindow/2:])
		switch {
		case newer > older+metricTrendThreshold:
			trend = TrendImproving
		case newer < older-metricTrendThreshold:
			trend = TrendDeclining
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO performance_metrics
			(strategy_id, error_type, success_rate, avg_resolution_time,
			 confidence_score, usage_count, last_used, trend)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id) DO UPDATE SET
			error_type = excluded.error_type,
			success_rate = excluded.success_rate,
			avg_resolution_time = excluded.avg_resolution_time,
			confidence_score = excluded.confidence_score,
			usage_count = excluded.usage_count,
			last_used = excluded.last_used,
			trend = excluded.trend`,
		strategyID, errorType, agg.SuccessRate, agg.AvgResolutionTime,
		confidence, agg.UsageCount, lastUsed, trend)
	return err
}

// appendSystemSnapshotTx recomputes the system-wide aggregates and appends a
// snapshot row, carrying the previous learning velocity forward.
func (s *sqlPerformanceStore) appendSystemSnapshotTx(ctx context.Context, tx *sqlx.Tx, now time.Time) error {
	var agg struct {
		OverallSuccessRate float64 `db:"overall_success_rate"`
		AvgResolutionTime  float64 `db:"avg_resolution_time"`
		TotalProcessed     int     `db:"total_processed"`
	}
	if err := tx.GetContext(ctx, &agg, `
		SELECT COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0) AS overall_success_rate,
		       COALESCE(AVG(resolution_time), 0) AS avg_resolution_time,
		       COUNT(*) AS total_processed
		FROM performance_history`); err != nil {
		return err
	}

	var uniqueErrorTypes, activeStrategies int
	if err := tx.GetContext(ctx, &uniqueErrorTypes,
		`SELECT COUNT(DISTINCT error_type) FROM performance_metrics`); err != nil {
		return err
	}
	if err := tx.GetContext(ctx, &activeStrategies,
		`SELECT COUNT(*) FROM performance_metrics`); err != nil {
		return err
	}

	var velocity float64
	err := tx.GetContext(ctx, &velocity, `
		SELECT learning_velocity FROM system_performance
		ORDER BY id DESC LIMIT 1`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO system_performance
			(overall_success_rate, avg_resolution_time, total_processed,
			 unique_error_types, active_strategies, learning_velocity, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agg.OverallSuccessRate, agg.AvgResolutionTime, agg.TotalProcessed,
		uniqueErrorTypes, activeStrategies, velocity, now)
	return err
}

func (s *sqlPerformanceStore) History(ctx context.Context, strategyID string, limit int) (out []*PerformanceSample, err error) {
	defer s.track("history", time.Now(), &err)

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.recentSamples(ctx, strategyID, limit)
	if err != nil {
		return nil, agenterrors.StoreErrorf("performance.history", err, "loading history for %s", strategyID)
	}
	out = make([]*PerformanceSample, 0, len(rows))
	for _, r := range rows {
		sctx, decodeErr := unmarshalStringMap(r.Context)
		if decodeErr != nil {
			continue
		}
		out = append(out, &PerformanceSample{
			ID:               r.ID,
			StrategyID:       r.StrategyID,
			Success:          r.Success,
			ResolutionTime:   r.ResolutionTime,
			ConfidenceBefore: r.ConfidenceBefore,
			ConfidenceAfter:  r.ConfidenceAfter,
			Context:          sctx,
			Timestamp:        r.Timestamp.UTC(),
		})
	}
	return out, nil
}

func (s *sqlPerformanceStore) Insights(ctx context.Context, days int) (insights *PerformanceInsights, err error) {
	defer s.track("insights", time.Now(), &err)

	if days <= 0 {
		days = 7
	}
	since := nowUTC().AddDate(0, 0, -days)

	insights = &PerformanceInsights{
		PeriodDays:       days,
		TopStrategies:    []StrategyPerformance{},
		BottomStrategies: []StrategyPerformance{},
		DailyTrends:      []DailyTrend{},
		Trend:            TrendStable,
		GeneratedAt:      nowUTC(),
	}

	if err = s.db.GetContext(ctx, &insights.Overall, `
		SELECT COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0) AS success_rate,
		       COALESCE(AVG(resolution_time), 0) AS avg_resolution_time,
		       COUNT(*) AS total_processed,
		       COUNT(DISTINCT strategy_id) AS strategies_used
		FROM performance_history
		WHERE timestamp > ?`, since); err != nil {
		return nil, agenterrors.StoreErrorf("performance.insights", err, "aggregating period")
	}

	const perStrategy = `
		SELECT strategy_id,
		       AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END) AS success_rate,
		       COUNT(*) AS usage_count,
		       COALESCE(AVG(resolution_time), 0) AS avg_resolution_time
		FROM performance_history
		WHERE timestamp > ?
		GROUP BY strategy_id
		HAVING COUNT(*) >= ?
		ORDER BY success_rate %s, usage_count DESC
		LIMIT 5`

	if err = s.db.SelectContext(ctx, &insights.TopStrategies,
		fmt.Sprintf(perStrategy, "DESC"), since, insightsMinUsage); err != nil {
		return nil, agenterrors.StoreErrorf("performance.insights", err, "loading top strategies")
	}
	if err = s.db.SelectContext(ctx, &insights.BottomStrategies,
		fmt.Sprintf(perStrategy, "ASC"), since, insightsMinUsage); err != nil {
		return nil, agenterrors.StoreErrorf("performance.insights", err, "loading bottom strategies")
	}

	type dayRow struct {
		Date        string  `db:"day"`
		SuccessRate float64 `db:"success_rate"`
		Count       int     `db:"count"`
	}
	var dayRows []dayRow
	if err = s.db.SelectContext(ctx, &dayRows, `
		SELECT DATE(timestamp) AS day,
		       AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END) AS success_rate,
		       COUNT(*) AS count
		FROM performance_history
		WHERE timestamp > ?
		GROUP BY DATE(timestamp)
		ORDER BY day ASC`, since); err != nil {
		return nil, agenterrors.StoreErrorf("performance.insights", err, "aggregating daily trends")
	}
	for _, r := range dayRows {
		insights.DailyTrends = append(insights.DailyTrends, DailyTrend{
			Date:        r.Date,
			SuccessRate: r.SuccessRate,
			Count:       r.Count,
		})
	}

	if n := len(insights.DailyTrends); n >= 2 {
		first := insights.DailyTrends[0].SuccessRate
		last := insights.DailyTrends[n-1].SuccessRate
		switch {
		case last > first+metricTrendThreshold:
			insights.Trend = TrendImproving
		case last < first-metricTrendThreshold:
			insights.Trend = TrendDeclining
		}
	}

	return insights, nil
}

func (s *sqlPerformanceStore) Ranking(ctx context.Context, errorType string) (out []*RankedStrategy, err error) {
	defer s.track("ranking", time.Now(), &err)

	query := `SELECT * FROM performance_metrics ORDER BY confidence_score DESC, success_rate DESC`
	args := []interface{}{}
	if errorType != "" {
		query = `SELECT * FROM performance_metrics WHERE error_type = ? ORDER BY confidence_score DESC, success_rate DESC`
		args = append(args, errorType)
	}

	var rows []StrategyMetric
	if err = s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, agenterrors.StoreErrorf("performance.ranking", err, "loading ranking")
	}

	out = make([]*RankedStrategy, len(rows))
	for i, r := range rows {
		out[i] = &RankedStrategy{
			Rank:              i + 1,
			StrategyID:        r.StrategyID,
			ErrorType:         r.ErrorType,
			SuccessRate:       r.SuccessRate,
			AvgResolutionTime: r.AvgResolutionTime,
			ConfidenceScore:   r.ConfidenceScore,
			UsageCount:        r.UsageCount,
			LastUsed:          r.LastUsed.UTC(),
			Trend:             r.Trend,
		}
	}
	return out, nil
}

func (s *sqlPerformanceStore) LatestSystemSnapshot(ctx context.Context) (snap *SystemSnapshot, err error) {
	defer s.track("system_snapshot", time.Now(), &err)

	snap = &SystemSnapshot{}
	err = s.db.GetContext(ctx, snap, `
		SELECT overall_success_rate, avg_resolution_time, total_processed,
		       unique_error_types, active_strategies, learning_velocity, calculated_at
		FROM system_performance
		ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agenterrors.StoreErrorf("performance.system_snapshot", ErrNotFound, "no snapshots recorded")
	}
	if err != nil {
		return nil, agenterrors.StoreErrorf("performance.system_snapshot", err, "loading latest snapshot")
	}
	snap.CalculatedAt = snap.CalculatedAt.UTC()
	return snap, nil
}

func (s *sqlPerformanceStore) UpdateLearningVelocity(ctx context.Context, velocity float64) (err error) {
	defer s.track("update_velocity", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE system_performance SET learning_velocity = ?
			WHERE id = (SELECT MAX(id) FROM system_performance)`, velocity)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}
		return s.appendSystemSnapshotTxWithVelocity(ctx, tx, velocity)
	})
	if err != nil {
		return agenterrors.StoreErrorf("performance.update_velocity", err, "writing learning velocity")
	}
	return nil
}

// appendSystemSnapshotTxWithVelocity seeds the very first snapshot when a
// velocity arrives before any sample has been recorded.
func (s *sqlPerformanceStore) appendSystemSnapshotTxWithVelocity(ctx context.Context, tx *sqlx.Tx, velocity float64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO system_performance
			(overall_success_rate, avg_resolution_time, total_processed,
			 unique_error_types, active_strategies, learning_velocity, calculated_at)
		VALUES (0, 0, 0, 0, 0, ?, ?)`, velocity, nowUTC())
	return err
}

func (s *sqlPerformanceStore) ClearAll(ctx context.Context) (err error) {
	defer s.track("clear_all", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, table := range []string{"performance_history", "performance_metrics", "system_performance"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return agenterrors.StoreErrorf("performance.clear_all", err, "clearing performance store")
	}
	logger.Warn("🗑️ Performance store cleared (%s)", s.path)
	return nil
}

func (s *sqlPerformanceStore) Close() error {
	return s.db.Close()
}
