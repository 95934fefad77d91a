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
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	agenterrors "pod-healer/errors"
	"pod-healer/logger"
	"pod-healer/metrics"
)

const episodeSchema = `
CREATE TABLE IF NOT EXISTS episodes (
	id                 TEXT PRIMARY KEY,
	pod_name           TEXT NOT NULL,
	namespace          TEXT NOT NULL,
	error_type         TEXT NOT NULL,
	context            TEXT NOT NULL DEFAULT '{}',
	actions_taken      TEXT NOT NULL DEFAULT '[]',
	outcome            TEXT NOT NULL DEFAULT '{}',
	lessons_learned    TEXT NOT NULL DEFAULT '[]',
	confidence_before  REAL NOT NULL DEFAULT 0,
	confidence_after   REAL NOT NULL DEFAULT 0,
	resolution_time    REAL NOT NULL DEFAULT 0,
	timestamp          TIMESTAMP NOT NULL,
	reflection_quality REAL NOT NULL DEFAULT 0,
	insights_generated INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS memory_patterns (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern_type TEXT NOT NULL,
	pattern_data TEXT NOT NULL,
	strength     REAL NOT NULL DEFAULT 1.0,
	frequency    INTEGER NOT NULL DEFAULT 1,
	last_seen    TIMESTAMP NOT NULL,
	created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_associations (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	episode_id_1     TEXT NOT NULL,
	episode_id_2     TEXT NOT NULL,
	association_type TEXT NOT NULL,
	strength         REAL NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	FOREIGN KEY (episode_id_1) REFERENCES episodes (id),
	FOREIGN KEY (episode_id_2) REFERENCES episodes (id)
);

CREATE INDEX IF NOT EXISTS idx_episodes_error_type ON episodes (error_type);
CREATE INDEX IF NOT EXISTS idx_episodes_timestamp ON episodes (timestamp);
CREATE INDEX IF NOT EXISTS idx_patterns_type ON memory_patterns (pattern_type);
`

// associationThreshold is the minimum context similarity for linking two
// episodes; associationLimit caps how many links one store creates.
const (
	associationThreshold = 0.5
	associationLimit     = 5
)

// sqlEpisodeStore is the SQLite-backed EpisodeStore.
type sqlEpisodeStore struct {
	instrumented
	db   *sqlx.DB
	path string
	mu   sync.Mutex
}

// NewEpisodeStore opens (creating if needed) the episodic memory database.
func NewEpisodeStore(path string, m *metrics.AgentMetrics) (EpisodeStore, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(episodeSchema); err != nil {
		db.Close()
		return nil, agenterrors.StoreErrorf("init", err, "creating episode schema in %s", path)
	}
	logger.Info("🧠 Episodic memory ready at %s", path)
	return &sqlEpisodeStore{
		instrumented: instrumented{storeName: "episode", metrics: m},
		db:           db,
		path:         path,
	}, nil
}

// episodeRow mirrors the episodes table.
type episodeRow struct {
	ID                string    `db:"id"`
	PodName           string    `db:"pod_name"`
	Namespace         string    `db:"namespace"`
	ErrorType         string    `db:"error_type"`
	Context           string    `db:"context"`
	ActionsTaken      string    `db:"actions_taken"`
	Outcome           string    `db:"outcome"`
	LessonsLearned    string    `db:"lessons_learned"`
	ConfidenceBefore  float64   `db:"confidence_before"`
	ConfidenceAfter   float64   `db:"confidence_after"`
	ResolutionTime    float64   `db:"resolution_time"`
	Timestamp         time.Time `db:"timestamp"`
	ReflectionQuality float64   `db:"reflection_quality"`
	InsightsGenerated int       `db:"insights_generated"`
}

func (r *episodeRow) toEpisode() (*Episode, error) {
	ectx, err := unmarshalStringMap(r.Context)
	if err != nil {
		return nil, err
	}
	actions, err := unmarshalActionList(r.ActionsTaken)
	if err != nil {
		return nil, err
	}
	outcome, err := unmarshalAnyMap(r.Outcome)
	if err != nil {
		return nil, err
	}
	lessons, err := unmarshalStringSlice(r.LessonsLearned)
	if err != nil {
		return nil, err
	}
	return &Episode{
		ID:                r.ID,
		PodName:           r.PodName,
		Namespace:         r.Namespace,
		ErrorType:         r.ErrorType,
		Context:           ectx,
		ActionsTaken:      actions,
		Outcome:           outcome,
		LessonsLearned:    lessons,
		ConfidenceBefore:  r.ConfidenceBefore,
		ConfidenceAfter:   r.ConfidenceAfter,
		ResolutionTime:    r.ResolutionTime,
		Timestamp:         r.Timestamp.UTC(),
		ReflectionQuality: r.ReflectionQuality,
		InsightsGenerated: r.InsightsGenerated,
	}, nil
}

func (s *sqlEpisodeStore) Store(ctx context.Context, e *Episode) (err error) {
	defer s.track("store", time.Now(), &err)

	if e == nil || e.ID == "" {
		return agenterrors.ValidationError("episode.store", "episode id must not be empty")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = nowUTC()
	}

	ectx, err := marshalField(e.Context, "{}")
	if err != nil {
		return agenterrors.StoreErrorf("episode.store", err, "marshaling context for %s", e.ID)
	}
	actions, err := marshalField(e.ActionsTaken, "[]")
	if err != nil {
		return agenterrors.StoreErrorf("episode.store", err, "marshaling actions for %s", e.ID)
	}
	outcome, err := marshalField(e.Outcome, "{}")
	if err != nil {
		return agenterrors.StoreErrorf("episode.store", err, "marshaling outcome for %s", e.ID)
	}
	lessons, err := marshalField(e.LessonsLearned, "[]")
	if err != nil {
		return agenterrors.StoreErrorf("episode.store", err, "marshaling lessons for %s", e.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Candidates for association: every prior episode of the same class.
	type candidate struct {
		ID      string `db:"id"`
		Context string `db:"context"`
	}
	var candidates []candidate
	if err = s.db.SelectContext(ctx, &candidates, `
		SELECT id, context FROM episodes
		WHERE error_type = ? AND id != ?
		ORDER BY timestamp DESC`, e.ErrorType, e.ID); err != nil {
		return agenterrors.StoreErrorf("episode.store", err, "loading association candidates")
	}

	type link struct {
		id         string
		similarity float64
	}
	links := make([]link, 0, len(candidates))
	for _, c := range candidates {
		prior, decodeErr := unmarshalStringMap(c.Context)
		if decodeErr != nil {
			continue
		}
		sim := ContextSimilarity(e.Context, prior)
		if sim > associationThreshold {
			links = append(links, link{id: c.ID, similarity: sim})
		}
	}
	sort.SliceStable(links, func(i, j int) bool { return links[i].similarity > links[j].similarity })
	if len(links) > associationLimit {
		links = links[:associationLimit]
	}

	now := nowUTC()
	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS(SELECT 1 FROM episodes WHERE id = ?)`, e.ID); err != nil {
			return err
		}
		if exists {
			return ErrConflict
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO episodes
				(id, pod_name, namespace, error_type, context, actions_taken,
				 outcome, lessons_learned, confidence_before, confidence_after,
				 resolution_time, timestamp, reflection_quality, insights_generated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.PodName, e.Namespace, e.ErrorType, ectx, actions, outcome,
			lessons, e.ConfidenceBefore, e.ConfidenceAfter, e.ResolutionTime,
			e.Timestamp, e.ReflectionQuality, e.InsightsGenerated); err != nil {
			return err
		}

		if err := upsertPatternTx(ctx, tx, PatternTemporal, map[string]interface{}{
			"hour":       e.Timestamp.Hour(),
			"error_type": e.ErrorType,
		}, now); err != nil {
			return err
		}

		for _, l := range links {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memory_associations
					(episode_id_1, episode_id_2, association_type, strength, created_at)
				VALUES (?, ?, ?, ?, ?)`,
				e.ID, l.id, AssociationSimilarContext, l.similarity, now); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return agenterrors.StoreErrorf("episode.store", ErrConflict, "episode %s already exists", e.ID)
	}
	if err != nil {
		return agenterrors.StoreErrorf("episode.store", err, "storing episode %s", e.ID)
	}

	logger.Info("🧠 Stored episode %s (%s/%s, %s, %d lessons, %d associations)",
		e.ID, e.Namespace, e.PodName, e.ErrorType, len(e.LessonsLearned), len(links))
	return nil
}

func (s *sqlEpisodeStore) Similar(ctx context.Context, errorType string, ectx map[string]string, limit int) (out []*Episode, err error) {
	defer s.track("similar", time.Now(), &err)

	if limit <= 0 {
		limit = 5
	}

	var rows []episodeRow
	if err = s.db.SelectContext(ctx, &rows, `
		SELECT * FROM episodes
		WHERE error_type = ?
		ORDER BY timestamp DESC`, errorType); err != nil {
		return nil, agenterrors.StoreErrorf("episode.similar", err, "querying episodes for %s", errorType)
	}

	type scored struct {
		episode    *Episode
		similarity float64
	}
	candidates := make([]scored, 0, len(rows))
	for i := range rows {
		ep, convErr := rows[i].toEpisode()
		if convErr != nil {
			logger.Warn("Skipping undecodable episode %s: %v", rows[i].ID, convErr)
			continue
		}
		candidates = append(candidates, scored{
			episode:    ep,
			similarity: ContextSimilarity(ectx, ep.Context),
		})
	}

	// Stable sort over the recency-ordered slice keeps newer episodes
	// first among equal similarities.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].similarity > candidates[j].similarity
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out = make([]*Episode, len(candidates))
	for i := range candidates {
		out[i] = candidates[i].episode
	}
	return out, nil
}

func (s *sqlEpisodeStore) Recent(ctx context.Context, limit int) (out []*Episode, err error) {
	defer s.track("recent", time.Now(), &err)

	if limit <= 0 {
		limit = 10
	}
	var rows []episodeRow
	if err = s.db.SelectContext(ctx, &rows, `
		SELECT * FROM episodes
		ORDER BY timestamp DESC
		LIMIT ?`, limit); err != nil {
		return nil, agenterrors.StoreErrorf("episode.recent", err, "loading recent episodes")
	}
	out = make([]*Episode, 0, len(rows))
	for i := range rows {
		ep, convErr := rows[i].toEpisode()
		if convErr != nil {
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

func (s *sqlEpisodeStore) LessonsFor(ctx context.Context, errorType string, limit int) (out []string, err error) {
	defer s.track("lessons_for", time.Now(), &err)

	if limit <= 0 {
		limit = 10
	}
	var raws []string
	if err = s.db.SelectContext(ctx, &raws, `
		SELECT lessons_learned FROM episodes
		WHERE error_type = ?
		ORDER BY timestamp DESC`, errorType); err != nil {
		return nil, agenterrors.StoreErrorf("episode.lessons_for", err, "loading lessons for %s", errorType)
	}

	seen := map[string]bool{}
	out = []string{}
	for _, raw := range raws {
		lessons, decodeErr := unmarshalStringSlice(raw)
		if decodeErr != nil {
			continue
		}
		for _, lesson := range lessons {
			if lesson == "" || seen[lesson] {
				continue
			}
			seen[lesson] = true
			out = append(out, lesson)
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *sqlEpisodeStore) Progression(ctx context.Context, days int) (p *Progression, err error) {
	defer s.track("progression", time.Now(), &err)

	if days <= 0 {
		days = 30
	}
	since := nowUTC().AddDate(0, 0, -days)

	p = &Progression{
		DailyProgression:   []ProgressionDay{},
		ErrorTypeStats:     []ErrorTypeProgress{},
		AnalysisPeriodDays: days,
	}

	type dayRow struct {
		Date              string  `db:"day"`
		ConfidenceGain    float64 `db:"avg_confidence_gain"`
		ReflectionQuality float64 `db:"avg_reflection_quality"`
		AvgInsights       float64 `db:"avg_insights"`
		EpisodeCount      int     `db:"episode_count"`
	}
	var dayRows []dayRow
	if err = s.db.SelectContext(ctx, &dayRows, `
		SELECT DATE(timestamp) AS day,
		       COALESCE(AVG(confidence_after - confidence_before), 0) AS avg_confidence_gain,
		       COALESCE(AVG(reflection_quality), 0) AS avg_reflection_quality,
		       COALESCE(AVG(insights_generated), 0) AS avg_insights,
		       COUNT(*) AS episode_count
		FROM episodes
		WHERE timestamp > ?
		GROUP BY DATE(timestamp)
		ORDER BY day ASC`, since); err != nil {
		return nil, agenterrors.StoreErrorf("episode.progression", err, "aggregating daily progression")
	}
	for _, r := range dayRows {
		p.DailyProgression = append(p.DailyProgression, ProgressionDay{
			Date:              r.Date,
			ConfidenceGain:    r.ConfidenceGain,
			ReflectionQuality: r.ReflectionQuality,
			AvgInsights:       r.AvgInsights,
			EpisodeCount:      r.EpisodeCount,
		})
	}

	type classRow struct {
		ErrorType         string  `db:"error_type"`
		Count             int     `db:"count"`
		AvgImprovement    float64 `db:"avg_improvement"`
		AvgResolutionTime float64 `db:"avg_resolution_time"`
	}
	var classRows []classRow
	if err = s.db.SelectContext(ctx, &classRows, `
		SELECT error_type,
		       COUNT(*) AS count,
		       COALESCE(AVG(confidence_after - confidence_before), 0) AS avg_improvement,
		       COALESCE(AVG(resolution_time), 0) AS avg_resolution_time
		FROM episodes
		WHERE timestamp > ?
		GROUP BY error_type
		ORDER BY count DESC`, since); err != nil {
		return nil, agenterrors.StoreErrorf("episode.progression", err, "aggregating class progression")
	}
	for _, r := range classRows {
		p.ErrorTypeStats = append(p.ErrorTypeStats, ErrorTypeProgress(r))
	}

	return p, nil
}

func (s *sqlEpisodeStore) Statistics(ctx context.Context) (stats *MemoryStatistics, err error) {
	defer s.track("statistics", time.Now(), &err)

	stats = &MemoryStatistics{}
	if err = s.db.GetContext(ctx, stats, `
		SELECT COUNT(*) AS total_episodes,
		       COALESCE(AVG(reflection_quality), 0) AS avg_reflection_quality,
		       COALESCE(AVG(insights_generated), 0) AS avg_insights_generated,
		       COALESCE(AVG(confidence_after - confidence_before), 0) AS avg_confidence_gain,
		       COALESCE(AVG(resolution_time), 0) AS avg_resolution_time
		FROM episodes`); err != nil {
		return nil, agenterrors.StoreErrorf("episode.statistics", err, "aggregating episodes")
	}
	if err = s.db.GetContext(ctx, &stats.PatternsDiscovered,
		`SELECT COUNT(*) FROM memory_patterns`); err != nil {
		return nil, agenterrors.StoreErrorf("episode.statistics", err, "counting patterns")
	}
	if err = s.db.GetContext(ctx, &stats.AssociationsFormed,
		`SELECT COUNT(*) FROM memory_associations`); err != nil {
		return nil, agenterrors.StoreErrorf("episode.statistics", err, "counting associations")
	}
	return stats, nil
}

// patternRow mirrors the memory_patterns table.
type patternRow struct {
	ID          int64     `db:"id"`
	PatternType string    `db:"pattern_type"`
	PatternData string    `db:"pattern_data"`
	Strength    float64   `db:"strength"`
	Frequency   int       `db:"frequency"`
	LastSeen    time.Time `db:"last_seen"`
	CreatedAt   time.Time `db:"created_at"`
}

func (s *sqlEpisodeStore) Patterns(ctx context.Context, patternType string) (out []*MemoryPattern, err error) {
	defer s.track("patterns", time.Now(), &err)

	query := `SELECT * FROM memory_patterns ORDER BY strength DESC, frequency DESC`
	args := []interface{}{}
	if patternType != "" {
		query = `SELECT * FROM memory_patterns WHERE pattern_type = ? ORDER BY strength DESC, frequency DESC`
		args = append(args, patternType)
	}

	var rows []patternRow
	if err = s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, agenterrors.StoreErrorf("episode.patterns", err, "listing patterns")
	}

	out = make([]*MemoryPattern, 0, len(rows))
	for _, r := range rows {
		data, decodeErr := unmarshalAnyMap(r.PatternData)
		if decodeErr != nil {
			continue
		}
		out = append(out, &MemoryPattern{
			ID:          r.ID,
			PatternType: r.PatternType,
			PatternData: data,
			Strength:    r.Strength,
			Frequency:   r.Frequency,
			LastSeen:    r.LastSeen.UTC(),
			CreatedAt:   r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (s *sqlEpisodeStore) UpsertPattern(ctx context.Context, patternType string, data map[string]interface{}) (err error) {
	defer s.track("upsert_pattern", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return upsertPatternTx(ctx, tx, patternType, data, nowUTC())
	})
	if err != nil {
		return agenterrors.StoreErrorf("episode.upsert_pattern", err, "upserting %s pattern", patternType)
	}
	return nil
}

// upsertPatternTx strengthens an existing pattern or creates it. Pattern
// identity is (type, canonical JSON of data): Go map marshaling sorts keys,
// so equal maps always produce equal strings.
func upsertPatternTx(ctx context.Context, tx *sqlx.Tx, patternType string, data map[string]interface{}, now time.Time) error {
	raw, err := marshalField(data, "{}")
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE memory_patterns
		SET strength = strength + 1, frequency = frequency + 1, last_seen = ?
		WHERE pattern_type = ? AND pattern_data = ?`,
		now, patternType, raw)
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_patterns
			(pattern_type, pattern_data, strength, frequency, last_seen, created_at)
		VALUES (?, ?, 1.0, 1, ?, ?)`,
		patternType, raw, now, now)
	return err
}

func (s *sqlEpisodeStore) Associations(ctx context.Context, episodeID string) (out []*MemoryAssociation, err error) {
	defer s.track("associations", time.Now(), &err)

	var rows []MemoryAssociation
	if err = s.db.SelectContext(ctx, &rows, `
		SELECT * FROM memory_associations
		WHERE episode_id_1 = ? OR episode_id_2 = ?
		ORDER BY strength DESC, id ASC`, episodeID, episodeID); err != nil {
		return nil, agenterrors.StoreErrorf("episode.associations", err, "loading associations for %s", episodeID)
	}
	out = make([]*MemoryAssociation, len(rows))
	for i := range rows {
		rows[i].CreatedAt = rows[i].CreatedAt.UTC()
		out[i] = &rows[i]
	}
	return out, nil
}

func (s *sqlEpisodeStore) ClearAll(ctx context.Context) (err error) {
	defer s.track("clear_all", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, table := range []string{"memory_associations", "memory_patterns", "episodes"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return agenterrors.StoreErrorf("episode.clear_all", err, "clearing episodic memory")
	}
	logger.Warn("🗑️ Episodic memory cleared (%s)", s.path)
	return nil
}

func (s *sqlEpisodeStore) Close() error {
	return s.db.Close()
}

// ContextSimilarity compares two flat contexts over their shared keys: the
// fraction of common keys holding equal values. Disjoint key sets score 0.
func ContextSimilarity(c1, c2 map[string]string) float64 {
	if len(c1) == 0 || len(c2) == 0 {
		return 0
	}
	common, matches := 0, 0
	for k, v1 := range c1 {
		v2, ok := c2[k]
		if !ok {
			continue
		}
		common++
		if v1 == v2 {
			matches++
		}
	}
	if common == 0 {
		return 0
	}
	return float64(matches) / float64(common)
}
