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

package agent

import (
	"context"
	"errors"
	"os"
	"time"

	agenterrors "pod-healer/errors"
	"pod-healer/events"
	"pod-healer/logger"
	"pod-healer/store"
)

var errStoreUnavailable = agenterrors.New(agenterrors.CategoryStore, "agent", "store unavailable")

// Default inspection windows.
const (
	defaultEpisodeLimit    = 10
	defaultInsightDays     = 7
	defaultProgressionDays = 30
)

// Statistics aggregates the health of all three knowledge stores.
type Statistics struct {
	Strategies  *store.StrategyStatistics `json:"strategies,omitempty"`
	Memory      *store.MemoryStatistics   `json:"memory,omitempty"`
	System      *store.SystemSnapshot     `json:"system,omitempty"`
	GeneratedAt time.Time                 `json:"generated_at"`
}

// Strategies lists persistent strategies. With an error class only matching
// strategies are returned, ordered by the retrieval ranking; without one the
// whole store comes back, highest confidence first.
func (a *Agent) Strategies(ctx context.Context, errorClass string) ([]*store.Strategy, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.strategies == nil {
		return nil, errStoreUnavailable
	}
	if errorClass == "" {
		return a.strategies.All(ctx)
	}
	return a.strategies.FindForError(ctx, errorClass, nil)
}

// Episodes lists stored episodes, newest first, optionally narrowed to an
// error class.
func (a *Agent) Episodes(ctx context.Context, errorClass string, limit int) ([]*store.Episode, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.episodes == nil {
		return nil, errStoreUnavailable
	}
	if limit <= 0 {
		limit = defaultEpisodeLimit
	}
	if errorClass == "" {
		return a.episodes.Recent(ctx, limit)
	}
	return a.episodes.Similar(ctx, errorClass, nil, limit)
}

// PerformanceInsights summarizes strategy performance over the trailing
// period (default one week).
func (a *Agent) PerformanceInsights(ctx context.Context, days int) (*store.PerformanceInsights, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.performance == nil {
		return nil, errStoreUnavailable
	}
	if days <= 0 {
		days = defaultInsightDays
	}
	return a.performance.Insights(ctx, days)
}

// StrategyRankings orders strategies by observed performance, optionally
// narrowed to an error class.
func (a *Agent) StrategyRankings(ctx context.Context, errorClass string) ([]*store.RankedStrategy, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.performance == nil {
		return nil, errStoreUnavailable
	}
	return a.performance.Ranking(ctx, errorClass)
}

// LearningProgression reports how the agent has been learning over the
// trailing period (default thirty days).
func (a *Agent) LearningProgression(ctx context.Context, days int) (*store.Progression, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.episodes == nil {
		return nil, errStoreUnavailable
	}
	if days <= 0 {
		days = defaultProgressionDays
	}
	return a.episodes.Progression(ctx, days)
}

// Statistics gathers store-level statistics. Each store degrades
// independently: a failing store contributes nil rather than failing the
// whole call.
func (a *Agent) Statistics(ctx context.Context) *Statistics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := &Statistics{GeneratedAt: a.now()}
	if a.strategies != nil {
		s, err := a.strategies.Statistics(ctx)
		if err != nil {
			logger.Warn("Strategy statistics unavailable: %v", err)
		} else {
			stats.Strategies = s
		}
	}
	if a.episodes != nil {
		m, err := a.episodes.Statistics(ctx)
		if err != nil {
			logger.Warn("Memory statistics unavailable: %v", err)
		} else {
			stats.Memory = m
		}
	}
	if a.performance != nil {
		snap, err := a.performance.LatestSystemSnapshot(ctx)
		switch {
		case err == nil:
			stats.System = snap
		case errors.Is(err, store.ErrNotFound):
			// No samples yet.
		default:
			logger.Warn("System snapshot unavailable: %v", err)
		}
	}
	return stats
}

// ClearStrategies wipes the strategy store.
func (a *Agent) ClearStrategies(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clear(ctx, "strategies", a.strategies)
}

// ClearEpisodes wipes the episodic memory.
func (a *Agent) ClearEpisodes(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clear(ctx, "episodes", a.episodes)
}

// ClearPerformance wipes the performance history.
func (a *Agent) ClearPerformance(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clear(ctx, "performance", a.performance)
}

// ResetAll wipes all three stores but keeps the database files and
// connections alive.
func (a *Agent) ResetAll(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return errors.Join(
		a.clear(ctx, "strategies", a.strategies),
		a.clear(ctx, "episodes", a.episodes),
		a.clear(ctx, "performance", a.performance),
	)
}

type clearable interface {
	ClearAll(ctx context.Context) error
}

func (a *Agent) clear(ctx context.Context, scope string, s clearable) error {
	if s == nil {
		return nil
	}
	if err := s.ClearAll(ctx); err != nil {
		return err
	}
	logger.Warn("🧹 Memory reset: %s cleared", scope)
	a.publish(events.NewEvent(events.EventMemoryReset, "", "", events.SeverityWarning,
		"Memory reset: "+scope).
		WithDetails(map[string]interface{}{"scope": scope, "mode": "soft"}))
	return nil
}

// NuclearReset closes the stores, deletes their database files and starts
// over with fresh ones. In-flight traversals finish first; new work sees the
// empty stores.
func (a *Agent) NuclearReset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	logger.Warn("🧨 Nuclear reset: deleting all knowledge store files")
	if err := a.closeStores(); err != nil {
		logger.Warn("Store close during nuclear reset: %v", err)
	}

	var errs []error
	for _, path := range []string{a.cfg.StrategyDBPath, a.cfg.EpisodicDBPath, a.cfg.PerformanceDBPath} {
		if path == "" {
			continue
		}
		for _, p := range []string{path, path + "-wal", path + "-shm"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
	}

	var err error
	if a.strategies, err = store.NewStrategyStore(a.cfg.StrategyDBPath, a.metrics); err != nil {
		errs = append(errs, err)
		a.strategies = nil
	}
	if a.episodes, err = store.NewEpisodeStore(a.cfg.EpisodicDBPath, a.metrics); err != nil {
		errs = append(errs, err)
		a.episodes = nil
	}
	if a.performance, err = store.NewPerformanceStore(a.cfg.PerformanceDBPath, a.metrics); err != nil {
		errs = append(errs, err)
		a.performance = nil
	}
	a.rebuild()

	a.publish(events.NewEvent(events.EventMemoryReset, "", "", events.SeverityCritical,
		"Nuclear memory reset: stores recreated").
		WithDetails(map[string]interface{}{"mode": "nuclear"}))
	return errors.Join(errs...)
}
