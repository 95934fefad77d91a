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

package learner

import (
	"context"
	"fmt"
	"sort"

	"pod-healer/events"
	"pod-healer/logger"
	"pod-healer/store"
)

const (
	// patternThreshold is the minimum episode count before any mining runs,
	// and the frequency an error/namespace pair needs to count as a pattern.
	patternThreshold = 3
	// correlationWindow bounds the error/namespace correlation scan.
	correlationWindow = 20
	// hourlyWindow bounds the hour-of-day clustering scan.
	hourlyWindow = 10
	// hourlyMinimum is the episode count below which clustering is noise.
	hourlyMinimum = 5
	// peakFrequency is how often an hour must recur to be a peak.
	peakFrequency = 2
	// effectivenessWindow bounds the strategy effectiveness scan.
	effectivenessWindow = 15
	// effectivenessMinSamples is the minimum sample size per strategy/class pair.
	effectivenessMinSamples = 3
)

// detectPatterns mines recent episodes for recurring structure and upserts
// what it finds as memory patterns. Returns how many patterns were written.
func (l *Learner) detectPatterns(ctx context.Context, in Input) int {
	if l.episodes == nil {
		return 0
	}

	recent, err := l.episodes.Recent(ctx, correlationWindow)
	if err != nil {
		logger.Warn("Pattern mining skipped, episode read failed: %v", err)
		return 0
	}
	if len(recent) < patternThreshold {
		return 0
	}

	detected := 0
	detected += l.detectErrorNamespacePatterns(ctx, in, recent)
	detected += l.detectHourlyPatterns(ctx, in, recent)
	detected += l.detectEffectivenessPatterns(ctx, in, recent)
	return detected
}

// detectErrorNamespacePatterns finds error classes that keep hitting the same
// namespace.
func (l *Learner) detectErrorNamespacePatterns(ctx context.Context, in Input, recent []*store.Episode) int {
	type pair struct{ errorType, namespace string }
	freq := map[pair]int{}
	for _, e := range recent {
		if e.ErrorType == "" || e.Namespace == "" {
			continue
		}
		freq[pair{e.ErrorType, e.Namespace}]++
	}

	pairs := make([]pair, 0, len(freq))
	for p, n := range freq {
		if n >= patternThreshold {
			pairs = append(pairs, p)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].errorType != pairs[j].errorType {
			return pairs[i].errorType < pairs[j].errorType
		}
		return pairs[i].namespace < pairs[j].namespace
	})

	detected := 0
	for _, p := range pairs {
		data := map[string]interface{}{
			"error_type": p.errorType,
			"namespace":  p.namespace,
			"confidence": 0.7,
			"actionable": true,
		}
		if !l.upsertPattern(ctx, in, store.PatternContextual, data,
			fmt.Sprintf("%s recurs in %s (%d in last %d episodes)", p.errorType, p.namespace, freq[p], len(recent))) {
			continue
		}
		detected++
	}
	return detected
}

// detectHourlyPatterns finds hours of day where incidents cluster.
func (l *Learner) detectHourlyPatterns(ctx context.Context, in Input, recent []*store.Episode) int {
	if len(recent) < hourlyMinimum {
		return 0
	}

	window := recent
	if len(window) > hourlyWindow {
		window = window[:hourlyWindow]
	}

	freq := map[int]int{}
	for _, e := range window {
		freq[e.Timestamp.Hour()]++
	}

	var peaks []int
	for hour, n := range freq {
		if n >= peakFrequency {
			peaks = append(peaks, hour)
		}
	}
	sort.Ints(peaks)

	detected := 0
	for _, hour := range peaks {
		data := map[string]interface{}{
			"peak_hour":  hour,
			"confidence": 0.6,
			"actionable": false,
		}
		if !l.upsertPattern(ctx, in, store.PatternTemporal, data,
			fmt.Sprintf("Incidents cluster at hour %02d (%d in last %d episodes)", hour, freq[hour], len(window))) {
			continue
		}
		detected++
	}
	return detected
}

// detectEffectivenessPatterns measures how strategy types fare per error class.
func (l *Learner) detectEffectivenessPatterns(ctx context.Context, in Input, recent []*store.Episode) int {
	window := recent
	if len(window) > effectivenessWindow {
		window = window[:effectivenessWindow]
	}

	type pair struct{ strategyType, errorType string }
	type tally struct {
		total     int
		successes int
	}
	outcomes := map[pair]*tally{}
	for _, e := range window {
		strategyType := episodeStrategyType(e)
		if strategyType == "" || e.ErrorType == "" {
			continue
		}
		key := pair{strategyType, e.ErrorType}
		t := outcomes[key]
		if t == nil {
			t = &tally{}
			outcomes[key] = t
		}
		t.total++
		if episodeSucceeded(e) {
			t.successes++
		}
	}

	pairs := make([]pair, 0, len(outcomes))
	for p, t := range outcomes {
		if t.total >= effectivenessMinSamples {
			pairs = append(pairs, p)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].strategyType != pairs[j].strategyType {
			return pairs[i].strategyType < pairs[j].strategyType
		}
		return pairs[i].errorType < pairs[j].errorType
	})

	detected := 0
	for _, p := range pairs {
		t := outcomes[p]
		rate := float64(t.successes) / float64(t.total)
		data := map[string]interface{}{
			"strategy_type": p.strategyType,
			"error_type":    p.errorType,
			"effective":     rate >= 0.5,
			"confidence":    0.8,
			"actionable":    true,
		}
		if !l.upsertPattern(ctx, in, store.PatternCausal, data,
			fmt.Sprintf("%s on %s: %.0f%% over %d episodes", p.strategyType, p.errorType, rate*100, t.total)) {
			continue
		}
		detected++
	}
	return detected
}

func (l *Learner) upsertPattern(ctx context.Context, in Input, patternType string, data map[string]interface{}, message string) bool {
	if err := l.episodes.UpsertPattern(ctx, patternType, data); err != nil {
		logger.Warn("Pattern write skipped (%s): %v", patternType, err)
		return false
	}
	logger.Info("🔍 Pattern detected [%s]: %s", patternType, message)

	if l.metrics != nil {
		l.metrics.RecordPatternDetected(patternType)
	}
	if l.bus != nil {
		l.bus.Publish(events.NewEvent(events.EventPatternDetected, in.Incident.Namespace,
			in.Incident.PodName, events.SeverityInfo, message).
			WithWorkflowID(in.Incident.ThreadID).
			WithErrorClass(in.Incident.ErrorClass.String()).
			WithDetails(map[string]interface{}{"pattern_type": patternType, "pattern_data": data}))
	}
	return true
}

// episodeStrategyType names the strategy an episode applied: the first
// action's declared type.
func episodeStrategyType(e *store.Episode) string {
	for _, action := range e.ActionsTaken {
		if t, ok := action["type"].(string); ok && t != "" {
			return t
		}
	}
	return ""
}

func episodeSucceeded(e *store.Episode) bool {
	success, ok := e.Outcome["success"].(bool)
	return ok && success
}
