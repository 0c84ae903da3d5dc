// Package scoring implements evaluator-driven quality gates: the per-step
// retry executor, score extraction and threshold helpers, and the ensemble
// scorer that aggregates per-step scores into run-level quality metrics.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
)

// Score is one evaluator verdict over a step's output.
type Score struct {
	Value     float64            `json:"score"`
	Passed    bool               `json:"passed"`
	Feedback  string             `json:"feedback,omitempty"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// HistoryEntry is one appended record in a run's score history.
type HistoryEntry struct {
	Agent     string             `json:"agent"`
	Score     float64            `json:"score"`
	Passed    bool               `json:"passed"`
	Feedback  string             `json:"feedback,omitempty"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Attempt   int                `json:"attempt"`
}

// Range buckets a score for reporting.
type Range string

const (
	RangeExcellent  Range = "excellent"
	RangeGood       Range = "good"
	RangeAcceptable Range = "acceptable"
	RangePoor       Range = "poor"
)

// ExtractScore interprets an evaluator's output as a Score. Accepted
// shapes: a raw number, {score: n}, or {value: n}; anything else scores 0.
// Feedback and breakdown ride along when present.
func ExtractScore(output any, thresholds ensemble.Thresholds) *Score {
	score := &Score{}

	switch v := output.(type) {
	case float64:
		score.Value = v
	case int:
		score.Value = float64(v)
	case map[string]any:
		if n, ok := numeric(v["score"]); ok {
			score.Value = n
		} else if n, ok := numeric(v["value"]); ok {
			score.Value = n
		}
		if feedback, ok := v["feedback"].(string); ok {
			score.Feedback = feedback
		}
		if raw, ok := v["breakdown"].(map[string]any); ok {
			breakdown := make(map[string]float64, len(raw))
			for k, elem := range raw {
				if n, ok := numeric(elem); ok {
					breakdown[k] = n
				}
			}
			if len(breakdown) > 0 {
				score.Breakdown = breakdown
			}
		}
	}

	score.Passed = CheckThreshold(score.Value, thresholds)
	return score
}

func numeric(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// CheckThreshold reports whether a score meets the minimum threshold.
func CheckThreshold(score float64, thresholds ensemble.Thresholds) bool {
	return score >= thresholds.Minimum
}

// CalculateCompositeScore combines a per-criterion breakdown into one
// score. Weights default to equal when nil or missing a criterion.
func CalculateCompositeScore(breakdown map[string]float64, weights map[string]float64) float64 {
	if len(breakdown) == 0 {
		return 0
	}
	var total, weightSum float64
	for criterion, value := range breakdown {
		weight := 1.0
		if weights != nil {
			if w, ok := weights[criterion]; ok {
				weight = w
			}
		}
		total += value * weight
		weightSum += weight
	}
	if weightSum == 0 {
		return 0
	}
	return total / weightSum
}

// GetScoreRange buckets a score: excellent ≥0.95, good ≥0.8,
// acceptable ≥0.6, poor otherwise.
func GetScoreRange(score float64) Range {
	switch {
	case score >= 0.95:
		return RangeExcellent
	case score >= 0.8:
		return RangeGood
	case score >= 0.6:
		return RangeAcceptable
	default:
		return RangePoor
	}
}

// GetFailedCriteria lists the criteria in a breakdown scoring below the
// minimum threshold.
func GetFailedCriteria(breakdown map[string]float64, thresholds ensemble.Thresholds) []string {
	var failed []string
	for criterion, value := range breakdown {
		if value < thresholds.Minimum {
			failed = append(failed, criterion)
		}
	}
	sort.Strings(failed)
	return failed
}

// geometricMean returns the nth root of the product of values.
func geometricMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	product := 1.0
	for _, v := range values {
		product *= v
	}
	return math.Pow(product, 1/float64(len(values)))
}
