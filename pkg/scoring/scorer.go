package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
)

// Trend classifies score movement over a sliding window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

const (
	defaultTrendWindow   = 5
	trendThreshold       = 0.05
	degradationThreshold = 0.1
)

// CriterionStats aggregates one criterion across the run's breakdowns.
type CriterionStats struct {
	Scores   []float64 `json:"scores"`
	Average  float64   `json:"average"`
	PassRate float64   `json:"passRate"`
}

// QualityMetrics summarizes a run's score history.
type QualityMetrics struct {
	EnsembleScore     float64                    `json:"ensembleScore"`
	AverageScore      float64                    `json:"averageScore"`
	MinScore          float64                    `json:"minScore"`
	MaxScore          float64                    `json:"maxScore"`
	PassRate          float64                    `json:"passRate"`
	TotalEvaluations  int                        `json:"totalEvaluations"`
	TotalRetries      int                        `json:"totalRetries"`
	AverageAttempts   float64                    `json:"averageAttempts"`
	CriteriaBreakdown map[string]*CriterionStats `json:"criteriaBreakdown,omitempty"`
}

// Scorer aggregates per-step scores into a run-level ensemble score.
// Thresholds drive per-criterion pass rates in the metrics.
type Scorer struct {
	aggregation ensemble.Aggregation
	thresholds  ensemble.Thresholds
}

// NewScorer builds a scorer from the ensemble-wide scoring config. A nil
// config yields the defaults (weighted average, 0.7 minimum).
func NewScorer(cfg *ensemble.ScoringConfig) *Scorer {
	s := &Scorer{
		aggregation: ensemble.AggregationWeightedAverage,
		thresholds:  ensemble.Thresholds{Minimum: 0.7},
	}
	if cfg == nil {
		return s
	}
	if cfg.Aggregation != "" {
		s.aggregation = cfg.Aggregation
	}
	if cfg.DefaultThresholds != nil {
		s.thresholds = *cfg.DefaultThresholds
	}
	return s
}

// EnsembleScore combines the latest passing score per agent. Later passes
// overwrite earlier ones. Weights apply per agent and default to 1; with no
// passing entries the score is 0.
func (s *Scorer) EnsembleScore(history []HistoryEntry, weights map[string]float64) float64 {
	latest := make(map[string]float64)
	for _, entry := range history {
		if entry.Passed {
			latest[entry.Agent] = entry.Score
		}
	}
	if len(latest) == 0 {
		return 0
	}

	switch s.aggregation {
	case ensemble.AggregationMinimum:
		minScore := math.Inf(1)
		for _, score := range latest {
			minScore = math.Min(minScore, score)
		}
		return minScore
	case ensemble.AggregationGeometricMean:
		values := make([]float64, 0, len(latest))
		for _, score := range latest {
			values = append(values, score)
		}
		return geometricMean(values)
	default: // weighted_average
		var total, weightSum float64
		for agent, score := range latest {
			weight := 1.0
			if weights != nil {
				if w, ok := weights[agent]; ok {
					weight = w
				}
			}
			total += score * weight
			weightSum += weight
		}
		if weightSum == 0 {
			return 0
		}
		return total / weightSum
	}
}

// QualityMetrics computes run-level metrics over the full history.
func (s *Scorer) QualityMetrics(history []HistoryEntry, weights map[string]float64) *QualityMetrics {
	if len(history) == 0 {
		return &QualityMetrics{}
	}

	metrics := &QualityMetrics{
		EnsembleScore:    s.EnsembleScore(history, weights),
		TotalEvaluations: len(history),
		MinScore:         math.Inf(1),
		MaxScore:         math.Inf(-1),
	}

	var scoreSum, attemptSum float64
	var passed int
	criteria := make(map[string]*CriterionStats)

	for _, entry := range history {
		scoreSum += entry.Score
		attemptSum += float64(entry.Attempt)
		metrics.MinScore = math.Min(metrics.MinScore, entry.Score)
		metrics.MaxScore = math.Max(metrics.MaxScore, entry.Score)
		if entry.Passed {
			passed++
		}
		if entry.Attempt > 1 {
			metrics.TotalRetries++
		}
		for criterion, score := range entry.Breakdown {
			stats, ok := criteria[criterion]
			if !ok {
				stats = &CriterionStats{}
				criteria[criterion] = stats
			}
			stats.Scores = append(stats.Scores, score)
		}
	}

	n := float64(len(history))
	metrics.AverageScore = scoreSum / n
	metrics.AverageAttempts = attemptSum / n
	metrics.PassRate = float64(passed) / n

	for _, stats := range criteria {
		var sum float64
		var ok int
		for _, score := range stats.Scores {
			sum += score
			if score >= s.thresholds.Minimum {
				ok++
			}
		}
		stats.Average = sum / float64(len(stats.Scores))
		stats.PassRate = float64(ok) / float64(len(stats.Scores))
	}
	if len(criteria) > 0 {
		metrics.CriteriaBreakdown = criteria
	}
	return metrics
}

// Trend compares the mean of the last window entries against the window
// before it. With fewer than two full windows the trend is stable.
func (s *Scorer) Trend(history []HistoryEntry, window int) Trend {
	if window <= 0 {
		window = defaultTrendWindow
	}
	if len(history) < 2*window {
		return TrendStable
	}
	recent := windowMean(history[len(history)-window:])
	prior := windowMean(history[len(history)-2*window : len(history)-window])
	switch {
	case recent-prior > trendThreshold:
		return TrendImproving
	case prior-recent > trendThreshold:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// IsQualityDegrading reports whether the recent window trails the previous
// one by more than 0.1.
func (s *Scorer) IsQualityDegrading(history []HistoryEntry) bool {
	window := defaultTrendWindow
	if len(history) < 2*window {
		return false
	}
	recent := windowMean(history[len(history)-window:])
	prior := windowMean(history[len(history)-2*window : len(history)-window])
	return prior-recent > degradationThreshold
}

// Recommendations emits human-readable hints when the run's quality
// indicators cross their warning levels.
func (s *Scorer) Recommendations(metrics *QualityMetrics) []string {
	if metrics == nil {
		return nil
	}
	var hints []string
	if metrics.EnsembleScore < 0.7 {
		hints = append(hints, fmt.Sprintf(
			"ensemble score %.2f is below 0.70; review evaluator criteria or agent prompts", metrics.EnsembleScore))
	}
	if metrics.TotalEvaluations > 0 {
		retryRatio := float64(metrics.TotalRetries) / float64(metrics.TotalEvaluations)
		if retryRatio > 0.5 {
			hints = append(hints, fmt.Sprintf(
				"%.0f%% of evaluations needed retries; consider raising agent quality or relaxing thresholds", retryRatio*100))
		}
	}
	if metrics.PassRate < 0.8 {
		hints = append(hints, fmt.Sprintf(
			"pass rate %.0f%% is below 80%%; thresholds may be too strict for the current agents", metrics.PassRate*100))
	}

	names := make([]string, 0, len(metrics.CriteriaBreakdown))
	for name := range metrics.CriteriaBreakdown {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if stats := metrics.CriteriaBreakdown[name]; stats.PassRate < 0.7 {
			hints = append(hints, fmt.Sprintf(
				"criterion %q passes only %.0f%% of the time; it is the weakest quality dimension", name, stats.PassRate*100))
		}
	}
	return hints
}

func windowMean(entries []HistoryEntry) float64 {
	var sum float64
	for _, entry := range entries {
		sum += entry.Score
	}
	return sum / float64(len(entries))
}
