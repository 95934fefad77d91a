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
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	agenterrors "pod-healer/errors"
	"pod-healer/logger"
	"pod-healer/metrics"
)

const strategySchema = `
CREATE TABLE IF NOT EXISTS strategies (
	id           TEXT PRIMARY KEY,
	error_type   TEXT NOT NULL,
	conditions   TEXT NOT NULL DEFAULT '[]',
	actions      TEXT NOT NULL DEFAULT '[]',
	confidence   REAL NOT NULL DEFAULT 0.5,
	success_rate REAL NOT NULL DEFAULT 0.0,
	usage_count  INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	source       TEXT NOT NULL DEFAULT 'learned',
	context      TEXT NOT NULL DEFAULT '{}',
	last_used    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_usage (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id    TEXT NOT NULL,
	pod_name       TEXT NOT NULL DEFAULT '',
	namespace      TEXT NOT NULL DEFAULT '',
	success        BOOLEAN NOT NULL,
	execution_time REAL NOT NULL DEFAULT 0,
	timestamp      TIMESTAMP NOT NULL,
	feedback       TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (strategy_id) REFERENCES strategies (id)
);

CREATE TABLE IF NOT EXISTS strategy_evolution (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id        TEXT NOT NULL,
	version            INTEGER NOT NULL,
	change_type        TEXT NOT NULL,
	change_description TEXT NOT NULL DEFAULT '',
	old_confidence     REAL,
	new_confidence     REAL NOT NULL,
	trigger_event      TEXT NOT NULL DEFAULT '',
	timestamp          TIMESTAMP NOT NULL,
	FOREIGN KEY (strategy_id) REFERENCES strategies (id)
);

CREATE INDEX IF NOT EXISTS idx_strategies_error_type ON strategies (error_type);
CREATE INDEX IF NOT EXISTS idx_strategy_usage_strategy ON strategy_usage (strategy_id);
CREATE INDEX IF NOT EXISTS idx_strategy_evolution_strategy ON strategy_evolution (strategy_id);
`

// sqlStrategyStore is the SQLite-backed StrategyStore. A single mutex guards
// multi-statement read-modify-write sequences; single statements rely on the
// one-connection pool.
type sqlStrategyStore struct {
	instrumented
	db   *sqlx.DB
	path string
	mu   sync.Mutex
}

// NewStrategyStore opens (creating if needed) the strategy database at path.
func NewStrategyStore(path string, m *metrics.AgentMetrics) (StrategyStore, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(strategySchema); err != nil {
		db.Close()
		return nil, agenterrors.StoreErrorf("init", err, "creating strategy schema in %s", path)
	}
	logger.Info("📚 Strategy store ready at %s", path)
	return &sqlStrategyStore{
		instrumented: instrumented{storeName: "strategy", metrics: m},
		db:           db,
		path:         path,
	}, nil
}

// strategyRow mirrors the strategies table.
type strategyRow struct {
	ID          string     `db:"id"`
	ErrorType   string     `db:"error_type"`
	Conditions  string     `db:"conditions"`
	Actions     string     `db:"actions"`
	Confidence  float64    `db:"confidence"`
	SuccessRate float64    `db:"success_rate"`
	UsageCount  int        `db:"usage_count"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	Source      string     `db:"source"`
	Context     string     `db:"context"`
	LastUsed    *time.Time `db:"last_used"`
}

func (r *strategyRow) toStrategy() (*Strategy, error) {
	conditions, err := unmarshalStringSlice(r.Conditions)
	if err != nil {
		return nil, err
	}
	actions, err := unmarshalActionList(r.Actions)
	if err != nil {
		return nil, err
	}
	sctx, err := unmarshalStringMap(r.Context)
	if err != nil {
		return nil, err
	}
	s := &Strategy{
		ID:          r.ID,
		ErrorType:   r.ErrorType,
		Conditions:  conditions,
		Actions:     actions,
		Confidence:  r.Confidence,
		SuccessRate: r.SuccessRate,
		UsageCount:  r.UsageCount,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		Source:      r.Source,
		Context:     sctx,
	}
	if r.LastUsed != nil {
		lu := r.LastUsed.UTC()
		s.LastUsed = &lu
	}
	return s, nil
}

func (s *sqlStrategyStore) Add(ctx context.Context, strat *Strategy) (err error) {
	defer s.track("add", time.Now(), &err)

	if strat == nil || strat.ID == "" {
		return agenterrors.ValidationError("strategy.add", "strategy id must not be empty")
	}
	if strat.ErrorType == "" {
		return agenterrors.ValidationError("strategy.add", "strategy error_type must not be empty")
	}

	now := nowUTC()
	if strat.CreatedAt.IsZero() {
		strat.CreatedAt = now
	}
	if strat.UpdatedAt.IsZero() {
		strat.UpdatedAt = now
	}
	if strat.Source == "" {
		strat.Source = SourceLearned
	}
	strat.Confidence = clamp(strat.Confidence, 0, 1)

	conditions, err := marshalField(strat.Conditions, "[]")
	if err != nil {
		return agenterrors.StoreErrorf("strategy.add", err, "marshaling conditions for %s", strat.ID)
	}
	actions, err := marshalField(strat.Actions, "[]")
	if err != nil {
		return agenterrors.StoreErrorf("strategy.add", err, "marshaling actions for %s", strat.ID)
	}
	sctx, err := marshalField(strat.Context, "{}")
	if err != nil {
		return agenterrors.StoreErrorf("strategy.add", err, "marshaling context for %s", strat.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS(SELECT 1 FROM strategies WHERE id = ?)`, strat.ID); err != nil {
			return err
		}
		if exists {
			return ErrConflict
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strategies
				(id, error_type, conditions, actions, confidence, success_rate,
				 usage_count, created_at, updated_at, source, context, last_used)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			strat.ID, strat.ErrorType, conditions, actions, strat.Confidence,
			strat.SuccessRate, strat.UsageCount, strat.CreatedAt, strat.UpdatedAt,
			strat.Source, sctx); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_evolution
				(strategy_id, version, change_type, change_description,
				 old_confidence, new_confidence, trigger_event, timestamp)
			VALUES (?, 1, ?, 'Initial strategy creation', NULL, ?, 'initial_creation', ?)`,
			strat.ID, ChangeCreated, strat.Confidence, now)
		return err
	})
	if errors.Is(err, ErrConflict) {
		return agenterrors.StoreErrorf("strategy.add", ErrConflict, "strategy %s already exists", strat.ID)
	}
	if err != nil {
		return agenterrors.StoreErrorf("strategy.add", err, "inserting strategy %s", strat.ID)
	}

	logger.Info("💾 Stored strategy %s for %s (confidence=%.2f, source=%s)",
		strat.ID, strat.ErrorType, strat.Confidence, strat.Source)
	return nil
}

func (s *sqlStrategyStore) Get(ctx context.Context, id string) (strat *Strategy, err error) {
	defer s.track("get", time.Now(), &err)

	var row strategyRow
	err = s.db.GetContext(ctx, &row, `SELECT * FROM strategies WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agenterrors.StoreErrorf("strategy.get", ErrNotFound, "strategy %s", id)
	}
	if err != nil {
		return nil, agenterrors.StoreErrorf("strategy.get", err, "loading strategy %s", id)
	}
	strat, err = row.toStrategy()
	if err != nil {
		return nil, agenterrors.StoreErrorf("strategy.get", err, "decoding strategy %s", id)
	}
	return strat, nil
}

func (s *sqlStrategyStore) All(ctx context.Context) (out []*Strategy, err error) {
	defer s.track("all", time.Now(), &err)

	var rows []strategyRow
	if err = s.db.SelectContext(ctx, &rows,
		`SELECT * FROM strategies ORDER BY confidence DESC, success_rate DESC`); err != nil {
		return nil, agenterrors.StoreErrorf("strategy.all", err, "listing strategies")
	}
	out = make([]*Strategy, 0, len(rows))
	for i := range rows {
		strat, convErr := rows[i].toStrategy()
		if convErr != nil {
			logger.Warn("Skipping undecodable strategy %s: %v", rows[i].ID, convErr)
			continue
		}
		out = append(out, strat)
	}
	return out, nil
}

func (s *sqlStrategyStore) FindForError(ctx context.Context, errorType string, ictx map[string]string) (out []*Strategy, err error) {
	defer s.track("find_for_error", time.Now(), &err)

	var rows []strategyRow
	if err = s.db.SelectContext(ctx, &rows, `
		SELECT * FROM strategies
		WHERE error_type = ?
		ORDER BY confidence DESC, success_rate DESC, usage_count DESC, created_at ASC`,
		errorType); err != nil {
		return nil, agenterrors.StoreErrorf("strategy.find", err, "querying strategies for %s", errorType)
	}

	out = make([]*Strategy, 0, len(rows))
	for i := range rows {
		strat, convErr := rows[i].toStrategy()
		if convErr != nil {
			logger.Warn("Skipping undecodable strategy %s: %v", rows[i].ID, convErr)
			continue
		}
		if strat.Matches(ictx) {
			out = append(out, strat)
		}
	}
	return out, nil
}

func (s *sqlStrategyStore) RecordOutcome(ctx context.Context, strategyID string, outcome Outcome) (err error) {
	defer s.track("record_outcome", time.Now(), &err)

	now := nowUTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var prev struct {
			Confidence float64 `db:"confidence"`
			UsageCount int     `db:"usage_count"`
		}
		if err := tx.GetContext(ctx, &prev,
			`SELECT confidence, usage_count FROM strategies WHERE id = ?`, strategyID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_usage
				(strategy_id, pod_name, namespace, success, execution_time, timestamp, feedback)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			strategyID, outcome.PodName, outcome.Namespace, outcome.Success,
			outcome.ExecutionTime, now, outcome.Feedback); err != nil {
			return err
		}

		// Success rate is the all-time mean over every usage record,
		// including the one just written.
		var successRate float64
		if err := tx.GetContext(ctx, &successRate, `
			SELECT COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0)
			FROM strategy_usage WHERE strategy_id = ?`, strategyID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE strategies
			SET usage_count = usage_count + 1,
			    success_rate = ?,
			    confidence = ?,
			    last_used = ?,
			    updated_at = ?
			WHERE id = ?`,
			successRate, clamp(outcome.NewConfidence, 0, 1), now, now, strategyID); err != nil {
			return err
		}

		var version int
		if err := tx.GetContext(ctx, &version,
			`SELECT COUNT(*) + 1 FROM strategy_evolution WHERE strategy_id = ?`, strategyID); err != nil {
			return err
		}

		result := "failure"
		if outcome.Success {
			result = "success"
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_evolution
				(strategy_id, version, change_type, change_description,
				 old_confidence, new_confidence, trigger_event, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, 'execution_result', ?)`,
			strategyID, version, ChangePerformanceUpdate,
			"Performance update: "+result, prev.Confidence,
			clamp(outcome.NewConfidence, 0, 1), now)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return agenterrors.StoreErrorf("strategy.record_outcome", ErrNotFound, "strategy %s", strategyID)
	}
	if err != nil {
		return agenterrors.StoreErrorf("strategy.record_outcome", err, "recording outcome for %s", strategyID)
	}

	logger.Info("📈 Recorded outcome for %s: success=%t time=%.1fs confidence=%.3f",
		strategyID, outcome.Success, outcome.ExecutionTime, outcome.NewConfidence)
	return nil
}

func (s *sqlStrategyStore) Update(ctx context.Context, strat *Strategy, changeType, description, trigger string) (err error) {
	defer s.track("update", time.Now(), &err)

	if strat == nil || strat.ID == "" {
		return agenterrors.ValidationError("strategy.update", "strategy id must not be empty")
	}

	conditions, err := marshalField(strat.Conditions, "[]")
	if err != nil {
		return agenterrors.StoreErrorf("strategy.update", err, "marshaling conditions for %s", strat.ID)
	}
	actions, err := marshalField(strat.Actions, "[]")
	if err != nil {
		return agenterrors.StoreErrorf("strategy.update", err, "marshaling actions for %s", strat.ID)
	}
	sctx, err := marshalField(strat.Context, "{}")
	if err != nil {
		return agenterrors.StoreErrorf("strategy.update", err, "marshaling context for %s", strat.ID)
	}

	now := nowUTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var oldConfidence float64
		if err := tx.GetContext(ctx, &oldConfidence,
			`SELECT confidence FROM strategies WHERE id = ?`, strat.ID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE strategies
			SET error_type = ?, conditions = ?, actions = ?, confidence = ?,
			    source = ?, context = ?, updated_at = ?
			WHERE id = ?`,
			strat.ErrorType, conditions, actions, clamp(strat.Confidence, 0, 1),
			strat.Source, sctx, now, strat.ID); err != nil {
			return err
		}

		var version int
		if err := tx.GetContext(ctx, &version,
			`SELECT COUNT(*) + 1 FROM strategy_evolution WHERE strategy_id = ?`, strat.ID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_evolution
				(strategy_id, version, change_type, change_description,
				 old_confidence, new_confidence, trigger_event, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			strat.ID, version, changeType, description, oldConfidence,
			clamp(strat.Confidence, 0, 1), trigger, now)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return agenterrors.StoreErrorf("strategy.update", ErrNotFound, "strategy %s", strat.ID)
	}
	if err != nil {
		return agenterrors.StoreErrorf("strategy.update", err, "updating strategy %s", strat.ID)
	}

	logger.Info("🔄 Evolved strategy %s (%s): %s", strat.ID, changeType, description)
	return nil
}

func (s *sqlStrategyStore) UpdateConfidence(ctx context.Context, strategyID string, confidence float64, trigger string) (err error) {
	defer s.track("update_confidence", time.Now(), &err)

	confidence = clamp(confidence, 0, 1)
	now := nowUTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var oldConfidence float64
		if err := tx.GetContext(ctx, &oldConfidence,
			`SELECT confidence FROM strategies WHERE id = ?`, strategyID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE strategies SET confidence = ?, updated_at = ? WHERE id = ?`,
			confidence, now, strategyID); err != nil {
			return err
		}

		var version int
		if err := tx.GetContext(ctx, &version,
			`SELECT COUNT(*) + 1 FROM strategy_evolution WHERE strategy_id = ?`, strategyID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_evolution
				(strategy_id, version, change_type, change_description,
				 old_confidence, new_confidence, trigger_event, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			strategyID, version, ChangeModified,
			"Confidence updated", oldConfidence, confidence, trigger, now)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return agenterrors.StoreErrorf("strategy.update_confidence", ErrNotFound, "strategy %s", strategyID)
	}
	if err != nil {
		return agenterrors.StoreErrorf("strategy.update_confidence", err, "updating confidence for %s", strategyID)
	}
	return nil
}

func (s *sqlStrategyStore) UsageHistory(ctx context.Context, strategyID string, limit int) (out []*UsageRecord, err error) {
	defer s.track("usage_history", time.Now(), &err)

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	var rows []UsageRecord
	if err = s.db.SelectContext(ctx, &rows, `
		SELECT * FROM strategy_usage
		WHERE strategy_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, strategyID, limit); err != nil {
		return nil, agenterrors.StoreErrorf("strategy.usage_history", err, "loading usage for %s", strategyID)
	}
	out = make([]*UsageRecord, len(rows))
	for i := range rows {
		rows[i].Timestamp = rows[i].Timestamp.UTC()
		out[i] = &rows[i]
	}
	return out, nil
}

func (s *sqlStrategyStore) EvolutionHistory(ctx context.Context, strategyID string) (out []*EvolutionEntry, err error) {
	defer s.track("evolution_history", time.Now(), &err)

	var rows []EvolutionEntry
	if err = s.db.SelectContext(ctx, &rows, `
		SELECT * FROM strategy_evolution
		WHERE strategy_id = ?
		ORDER BY version ASC, id ASC`, strategyID); err != nil {
		return nil, agenterrors.StoreErrorf("strategy.evolution_history", err, "loading evolution for %s", strategyID)
	}
	out = make([]*EvolutionEntry, len(rows))
	for i := range rows {
		rows[i].Timestamp = rows[i].Timestamp.UTC()
		out[i] = &rows[i]
	}
	return out, nil
}

func (s *sqlStrategyStore) Statistics(ctx context.Context) (stats *StrategyStatistics, err error) {
	defer s.track("statistics", time.Now(), &err)

	stats = &StrategyStatistics{
		SuccessByErrorType: map[string]float64{},
		TopStrategies:      []StrategySummary{},
		DatabasePath:       s.path,
	}

	if err = s.db.GetContext(ctx, &stats.TotalStrategies,
		`SELECT COUNT(*) FROM strategies`); err != nil {
		return nil, agenterrors.StoreErrorf("strategy.statistics", err, "counting strategies")
	}

	type classRate struct {
		ErrorType string  `db:"error_type"`
		AvgRate   float64 `db:"avg_rate"`
	}
	var classRates []classRate
	if err = s.db.SelectContext(ctx, &classRates, `
		SELECT error_type, AVG(success_rate) AS avg_rate
		FROM strategies GROUP BY error_type`); err != nil {
		return nil, agenterrors.StoreErrorf("strategy.statistics", err, "aggregating success by class")
	}
	for _, cr := range classRates {
		stats.SuccessByErrorType[cr.ErrorType] = cr.AvgRate
	}

	if err = s.db.SelectContext(ctx, &stats.TopStrategies, `
		SELECT id, error_type, usage_count, success_rate
		FROM strategies
		ORDER BY usage_count DESC
		LIMIT 5`); err != nil {
		return nil, agenterrors.StoreErrorf("strategy.statistics", err, "loading top strategies")
	}

	if err = s.db.GetContext(ctx, &stats.RecentUsage24h, `
		SELECT COUNT(*) FROM strategy_usage
		WHERE timestamp > datetime('now', '-24 hours')`); err != nil {
		return nil, agenterrors.StoreErrorf("strategy.statistics", err, "counting recent usage")
	}

	return stats, nil
}

func (s *sqlStrategyStore) ClearAll(ctx context.Context) (err error) {
	defer s.track("clear_all", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, table := range []string{"strategy_usage", "strategy_evolution", "strategies"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return agenterrors.StoreErrorf("strategy.clear_all", err, "clearing strategy store")
	}
	logger.Warn("🗑️ Strategy store cleared (%s)", s.path)
	return nil
}

func (s *sqlStrategyStore) Close() error {
	return s.db.Close()
}

// parseCondition splits a "key == 'value'" predicate into key and value.
// Single and double quotes are both accepted and surrounding whitespace is
// ignored. Returns ok=false for anything that does not fit the shape.
func parseCondition(cond string) (key, value string, ok bool) {
	parts := strings.SplitN(cond, "==", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	key = strings.TrimSpace(parts[0])
	value = strings.TrimSpace(parts[1])
	if key == "" || value == "" {
		return "", "", false
	}
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
}
