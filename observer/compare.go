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

package observer

// similarWindow bounds how many same-class attempts feed the comparisons.
const similarWindow = 5

// trajectoryWindow is the sliding window for success-rate trajectories.
const trajectoryWindow = 5

func compare(out Outcome) *ComparativeAnalysis {
	similar := similarAttempts(out)
	return &ComparativeAnalysis{
		VsPrevious:            compareWithPrevious(out),
		VsSimilar:             compareWithSimilar(out, similar),
		ImprovementTrajectory: improvementTrajectory(out.PastAttempts),
		PatternConsistency:    patternConsistency(out, similar),
	}
}

// similarAttempts returns the last few past attempts on the same error
// class.
func similarAttempts(out Outcome) []Attempt {
	var similar []Attempt
	for _, a := range out.PastAttempts {
		if a.ErrorClass == out.Incident.ErrorClass.String() {
			similar = append(similar, a)
		}
	}
	if len(similar) > similarWindow {
		similar = similar[len(similar)-similarWindow:]
	}
	return similar
}

func compareWithPrevious(out Outcome) *PreviousComparison {
	if len(out.PastAttempts) == 0 {
		return nil
	}
	last := out.PastAttempts[len(out.PastAttempts)-1]

	strategySimilarity := 0.2
	if last.StrategyType == out.StrategyType {
		strategySimilarity = 0.8
	}

	contextSimilarity := 0.0
	if last.Namespace == out.Incident.Namespace {
		contextSimilarity += 0.3
	}
	if last.ErrorClass == out.Incident.ErrorClass.String() {
		contextSimilarity += 0.7
	}

	outcome := "similar"
	if out.Success && !last.Success {
		outcome = "improved"
	}

	return &PreviousComparison{
		StrategySimilarity: strategySimilarity,
		ContextSimilarity:  contextSimilarity,
		OutcomeComparison:  outcome,
	}
}

func compareWithSimilar(out Outcome, similar []Attempt) *SimilarComparison {
	if len(similar) == 0 {
		return nil
	}

	successes := 0
	totalTime := 0.0
	for _, a := range similar {
		if a.Success {
			successes++
		}
		totalTime += a.ResolutionTime
	}
	avg := totalTime / float64(len(similar))

	performance := "worse"
	if out.ResolutionTime < avg {
		performance = "better"
	}

	return &SimilarComparison{
		HistoricalSuccessRate:   float64(successes) / float64(len(similar)),
		AvgHistoricalResolution: avg,
		PerformanceVsHistorical: performance,
	}
}

// improvementTrajectory slides a window over the full attempt history and
// reports the per-window success rate. Needs at least one full window.
func improvementTrajectory(attempts []Attempt) []float64 {
	if len(attempts) < trajectoryWindow {
		return nil
	}
	rates := make([]float64, 0, len(attempts)-trajectoryWindow+1)
	for i := 0; i+trajectoryWindow <= len(attempts); i++ {
		successes := 0
		for _, a := range attempts[i : i+trajectoryWindow] {
			if a.Success {
				successes++
			}
		}
		rates = append(rates, float64(successes)/float64(trajectoryWindow))
	}
	return rates
}

// patternConsistency is the success rate of the current strategy type among
// the similar attempts: 0.5 is neutral (no history), 0 means the type never
// appeared or never worked.
func patternConsistency(out Outcome, similar []Attempt) float64 {
	if len(similar) == 0 {
		return 0.5
	}

	sameType, sameTypeSuccesses := 0, 0
	for _, a := range similar {
		if a.StrategyType == out.StrategyType {
			sameType++
			if a.Success {
				sameTypeSuccesses++
			}
		}
	}
	if sameType == 0 {
		return 0
	}
	return float64(sameTypeSuccesses) / float64(sameType)
}
