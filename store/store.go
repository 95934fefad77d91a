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

// Package store implements the agent's three persistent stores: learned
// strategies, episodic memories and per-strategy performance samples. Each
// store lives in its own SQLite file and is fronted by an interface so the
// orchestrator never depends on a concrete backend. Readers degrade to empty
// results on store failure; writers return a categorized error the caller
// can log and skip.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	agenterrors "pod-healer/errors"
	"pod-healer/metrics"
)

// Sentinel errors shared by all three stores.
var (
	// ErrNotFound is returned when a lookup by id matches nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an insert collides with an existing id.
	ErrConflict = errors.New("store: already exists")
)

// Trend labels attached to strategy performance metrics.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// DefaultConfidenceWindow is the number of recent samples used when
// computing dynamic confidence.
const DefaultConfidenceWindow = 10

// StrategyStore persists learned remediation strategies together with their
// usage and evolution history.
type StrategyStore interface {
	// Add inserts a new strategy and records a version-1 evolution entry.
	// Returns ErrConflict when the id already exists.
	Add(ctx context.Context, s *Strategy) error
	// Get returns the strategy with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Strategy, error)
	// All returns every stored strategy, highest confidence first.
	All(ctx context.Context) ([]*Strategy, error)
	// FindForError returns strategies for an error class whose conditions
	// match the given incident context, ordered by confidence, success
	// rate, usage count and age.
	FindForError(ctx context.Context, errorType string, context map[string]string) ([]*Strategy, error)
	// RecordOutcome appends a usage record and folds the outcome into the
	// strategy's aggregate statistics. The confidence written is the one
	// handed over by the performance tracker, keeping both stores
	// consistent within one episode.
	RecordOutcome(ctx context.Context, strategyID string, outcome Outcome) error
	// Update rewrites a strategy's mutable fields and appends an
	// evolution entry describing the change.
	Update(ctx context.Context, s *Strategy, changeType, description, trigger string) error
	// UpdateConfidence sets only the confidence and appends a 'modified'
	// evolution entry.
	UpdateConfidence(ctx context.Context, strategyID string, confidence float64, trigger string) error
	// UsageHistory returns the most recent usage records, newest first.
	UsageHistory(ctx context.Context, strategyID string, limit int) ([]*UsageRecord, error)
	// EvolutionHistory returns all evolution entries, oldest first.
	EvolutionHistory(ctx context.Context, strategyID string) ([]*EvolutionEntry, error)
	// Statistics summarizes the whole store.
	Statistics(ctx context.Context) (*StrategyStatistics, error)
	// ClearAll wipes strategies, usage and evolution history.
	ClearAll(ctx context.Context) error
	Close() error
}

// EpisodeStore persists remediation episodes, discovered memory patterns and
// episode-to-episode associations.
type EpisodeStore interface {
	// Store appends an episode, upserts the temporal pattern for its
	// hour-of-day and error class, and associates it with the most
	// similar prior episodes of the same class.
	Store(ctx context.Context, e *Episode) error
	// Similar returns same-class episodes ranked by context similarity,
	// most similar first. Retrieval is inclusive: every same-class
	// episode is a candidate regardless of similarity.
	Similar(ctx context.Context, errorType string, context map[string]string, limit int) ([]*Episode, error)
	// Recent returns the newest episodes across all classes.
	Recent(ctx context.Context, limit int) ([]*Episode, error)
	// LessonsFor returns distinct lessons learned for an error class,
	// newest first.
	LessonsFor(ctx context.Context, errorType string, limit int) ([]string, error)
	// Progression reports daily learning progression and per-class stats
	// over the trailing period.
	Progression(ctx context.Context, days int) (*Progression, error)
	// Statistics summarizes the whole store.
	Statistics(ctx context.Context) (*MemoryStatistics, error)
	// Patterns lists discovered memory patterns, optionally filtered by
	// type. An empty type returns all.
	Patterns(ctx context.Context, patternType string) ([]*MemoryPattern, error)
	// UpsertPattern strengthens an existing pattern (+1 strength, +1
	// frequency) or creates it with strength and frequency 1.
	UpsertPattern(ctx context.Context, patternType string, data map[string]interface{}) error
	// Associations returns associations involving the given episode.
	Associations(ctx context.Context, episodeID string) ([]*MemoryAssociation, error)
	// ClearAll wipes episodes, patterns and associations.
	ClearAll(ctx context.Context) error
	Close() error
}

// PerformanceStore persists per-strategy performance samples and derived
// metrics, and owns the dynamic confidence computation.
type PerformanceStore interface {
	// Record appends a performance sample and returns the dynamic
	// confidence computed over the window that now includes it. On
	// failure the caller gets confidenceBefore back so the loop can
	// continue.
	Record(ctx context.Context, strategyID string, success bool, resolutionTime, confidenceBefore float64, context map[string]string) (float64, error)
	// DynamicConfidence computes recency-weighted confidence in
	// [0.05, 0.95] over the last window samples; 0.5 when none exist.
	DynamicConfidence(ctx context.Context, strategyID string, window int) (float64, error)
	// UpdateStrategyMetrics recomputes and upserts the aggregate metric
	// row for a strategy. Returns ErrNotFound when no samples exist.
	UpdateStrategyMetrics(ctx context.Context, strategyID, errorType string) (*StrategyMetric, error)
	// History returns the most recent samples, newest first.
	History(ctx context.Context, strategyID string, limit int) ([]*PerformanceSample, error)
	// Insights summarizes performance over the trailing period.
	Insights(ctx context.Context, days int) (*PerformanceInsights, error)
	// Ranking returns strategies ranked by confidence then success rate,
	// optionally filtered by error class.
	Ranking(ctx context.Context, errorType string) ([]*RankedStrategy, error)
	// LatestSystemSnapshot returns the current system-wide view, or
	// ErrNotFound before the first sample.
	LatestSystemSnapshot(ctx context.Context) (*SystemSnapshot, error)
	// UpdateLearningVelocity folds a freshly computed learning velocity
	// into the system snapshot.
	UpdateLearningVelocity(ctx context.Context, velocity float64) error
	// ClearAll wipes samples, metrics and system snapshots.
	ClearAll(ctx context.Context) error
	Close() error
}

// open creates the SQLite file (and its parent directory) and returns a
// connection pool limited to a single connection. SQLite serializes writers
// anyway; one connection avoids SQLITE_BUSY churn under concurrent callers.
func open(path string) (*sqlx.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, agenterrors.StoreErrorf("open", err, "creating store directory %s", dir)
		}
	}

	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, agenterrors.StoreErrorf("open", err, "opening %s", path)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, agenterrors.StoreErrorf("open", err, "pinging %s", path)
	}
	return db, nil
}

// withTx runs fn inside a transaction, rolling back on error.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// instrumented carries the shared metrics hookup for the three stores.
type instrumented struct {
	storeName string
	metrics   *metrics.AgentMetrics
}

// track records operation latency and, when *errp is non-nil at defer time,
// an error count. Usage: defer s.track("add", time.Now(), &err).
func (i instrumented) track(op string, start time.Time, errp *error) {
	if i.metrics == nil {
		return
	}
	i.metrics.RecordStoreOperation(i.storeName, op, time.Since(start))
	if errp != nil && *errp != nil {
		i.metrics.RecordStoreError(i.storeName, op)
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// marshalField serializes a JSON column value, mapping nil to the given
// empty literal so columns never hold SQL NULL.
func marshalField(v interface{}, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalStringMap(raw string) (map[string]string, error) {
	out := map[string]string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func unmarshalAnyMap(raw string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func unmarshalStringSlice(raw string) ([]string, error) {
	out := []string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func unmarshalActionList(raw string) ([]map[string]interface{}, error) {
	out := []map[string]interface{}{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// sqliteTimeFormats covers the timestamp layouts go-sqlite3 emits plus the
// CURRENT_TIMESTAMP default. Needed when scanning expressions like
// MAX(timestamp), where the driver loses the column's declared type.
var sqliteTimeFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func parseSQLiteTime(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range sqliteTimeFormats {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
