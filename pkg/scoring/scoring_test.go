package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
)

func TestExtractScore(t *testing.T) {
	thresholds := ensemble.Thresholds{Minimum: 0.8}

	tests := []struct {
		name       string
		output     any
		wantValue  float64
		wantPassed bool
	}{
		{name: "raw float", output: 0.9, wantValue: 0.9, wantPassed: true},
		{name: "raw int", output: 1, wantValue: 1, wantPassed: true},
		{name: "score field", output: map[string]any{"score": 0.85}, wantValue: 0.85, wantPassed: true},
		{name: "value field", output: map[string]any{"value": 0.5}, wantValue: 0.5},
		{name: "score wins over value", output: map[string]any{"score": 0.9, "value": 0.1}, wantValue: 0.9, wantPassed: true},
		{name: "unscorable output", output: "looks good", wantValue: 0},
		{name: "nil output", output: nil, wantValue: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := ExtractScore(tt.output, thresholds)
			assert.Equal(t, tt.wantValue, score.Value)
			assert.Equal(t, tt.wantPassed, score.Passed)
		})
	}
}

func TestExtractScoreCarriesFeedbackAndBreakdown(t *testing.T) {
	score := ExtractScore(map[string]any{
		"score":    0.75,
		"feedback": "tighten the summary",
		"breakdown": map[string]any{
			"accuracy": 0.9,
			"brevity":  0.6,
		},
	}, ensemble.Thresholds{Minimum: 0.8})

	assert.Equal(t, "tighten the summary", score.Feedback)
	assert.Equal(t, map[string]float64{"accuracy": 0.9, "brevity": 0.6}, score.Breakdown)
	assert.False(t, score.Passed)
}

func TestCalculateCompositeScore(t *testing.T) {
	breakdown := map[string]float64{"accuracy": 1.0, "brevity": 0.5}

	assert.InDelta(t, 0.75, CalculateCompositeScore(breakdown, nil), 1e-9)
	weighted := CalculateCompositeScore(breakdown, map[string]float64{"accuracy": 3, "brevity": 1})
	assert.InDelta(t, 0.875, weighted, 1e-9)
	assert.Zero(t, CalculateCompositeScore(nil, nil))
}

func TestGetScoreRange(t *testing.T) {
	assert.Equal(t, RangeExcellent, GetScoreRange(0.95))
	assert.Equal(t, RangeGood, GetScoreRange(0.8))
	assert.Equal(t, RangeAcceptable, GetScoreRange(0.6))
	assert.Equal(t, RangePoor, GetScoreRange(0.59))
}

func TestGetFailedCriteria(t *testing.T) {
	failed := GetFailedCriteria(map[string]float64{
		"accuracy": 0.9,
		"brevity":  0.4,
	}, ensemble.Thresholds{Minimum: 0.7})

	assert.Equal(t, []string{"brevity"}, failed)
}

func TestExecuteRetriesUntilPassing(t *testing.T) {
	scores := []float64{0.5, 0.6, 0.9}
	var runs int

	start := time.Now()
	result, err := NewExecutor(nil).Execute(context.Background(), Config{
		Thresholds:      ensemble.Thresholds{Minimum: 0.8},
		OnFailure:       ensemble.FailureRetry,
		MaxAttempts:     3,
		BackoffStrategy: ensemble.BackoffExponential,
		InitialBackoff:  10 * time.Millisecond,
	}, func(_ context.Context, attempt int) (any, error) {
		runs++
		return map[string]any{"draft": attempt}, nil
	}, func(_ context.Context, _ any, attempt int, _ *Score) (*Score, error) {
		value := scores[attempt-1]
		return &Score{Value: value, Passed: value >= 0.8}, nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, runs)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, StatusPassed, result.Status)
	assert.Equal(t, 0.9, result.Score.Value)
	// Two sleeps: 10ms then 20ms.
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestExecuteExhaustsRetries(t *testing.T) {
	var runs int

	result, err := NewExecutor(nil).Execute(context.Background(), Config{
		Thresholds:     ensemble.Thresholds{Minimum: 0.8},
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
	}, func(_ context.Context, _ int) (any, error) {
		runs++
		return "output", nil
	}, func(_ context.Context, _ any, _ int, _ *Score) (*Score, error) {
		return &Score{Value: 0.3}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, runs)
	assert.Equal(t, StatusMaxRetriesExceeded, result.Status)
	assert.Equal(t, "output", result.Output)
	assert.Equal(t, 0.3, result.Score.Value)
}

func TestExecuteContinueStopsAfterOneAttempt(t *testing.T) {
	var runs int

	result, err := NewExecutor(nil).Execute(context.Background(), Config{
		Thresholds:     ensemble.Thresholds{Minimum: 0.8},
		OnFailure:      ensemble.FailureContinue,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}, func(_ context.Context, _ int) (any, error) {
		runs++
		return "below par", nil
	}, func(_ context.Context, _ any, _ int, _ *Score) (*Score, error) {
		return &Score{Value: 0.5}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, StatusBelowThreshold, result.Status)
	assert.Equal(t, "below par", result.Output)
}

func TestExecuteAbortFailsRun(t *testing.T) {
	_, err := NewExecutor(nil).Execute(context.Background(), Config{
		Thresholds:     ensemble.Thresholds{Minimum: 0.8},
		OnFailure:      ensemble.FailureAbort,
		InitialBackoff: time.Millisecond,
	}, func(_ context.Context, _ int) (any, error) {
		return "bad", nil
	}, func(_ context.Context, _ any, _ int, _ *Score) (*Score, error) {
		return &Score{Value: 0.4}, nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInternal)
	assert.Contains(t, err.Error(), "0.40 below minimum 0.80")
}

func TestExecuteAgentErrorRetriedThenPropagated(t *testing.T) {
	boom := errors.New("agent exploded")
	var runs int

	_, err := NewExecutor(nil).Execute(context.Background(), Config{
		Thresholds:     ensemble.Thresholds{Minimum: 0.8},
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	}, func(_ context.Context, _ int) (any, error) {
		runs++
		return nil, boom
	}, func(_ context.Context, _ any, _ int, _ *Score) (*Score, error) {
		t.Fatal("evaluator must not run when the agent errors")
		return nil, nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, runs)
}

func TestExecuteRequireImprovement(t *testing.T) {
	scores := []float64{0.5, 0.52, 0.9}

	result, err := NewExecutor(nil).Execute(context.Background(), Config{
		Thresholds:         ensemble.Thresholds{Minimum: 0.8},
		MaxAttempts:        3,
		InitialBackoff:     time.Millisecond,
		RequireImprovement: true,
	}, func(_ context.Context, _ int) (any, error) {
		return "output", nil
	}, func(_ context.Context, _ any, attempt int, _ *Score) (*Score, error) {
		return &Score{Value: scores[attempt-1]}, nil
	})

	require.NoError(t, err)
	// 0.52 - 0.5 < 0.05, so the loop gives up at attempt 2.
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, StatusMaxRetriesExceeded, result.Status)
}

func TestExecuteHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExecutor(nil).Execute(ctx, Config{
		Thresholds:     ensemble.Thresholds{Minimum: 0.8},
		MaxAttempts:    3,
		InitialBackoff: time.Second,
	}, func(_ context.Context, _ int) (any, error) {
		return "output", nil
	}, func(_ context.Context, _ any, _ int, _ *Score) (*Score, error) {
		return &Score{Value: 0.1}, nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffProgression(t *testing.T) {
	t.Run("exponential doubles and caps at 60s", func(t *testing.T) {
		backoff := time.Second
		var got []time.Duration
		for i := 0; i < 8; i++ {
			backoff = nextBackoff(ensemble.BackoffExponential, backoff)
			got = append(got, backoff)
		}
		want := []time.Duration{
			2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
			32 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
		}
		assert.Equal(t, want, got)
	})

	t.Run("linear adds a second and caps at 30s", func(t *testing.T) {
		assert.Equal(t, 2*time.Second, nextBackoff(ensemble.BackoffLinear, time.Second))
		assert.Equal(t, 30*time.Second, nextBackoff(ensemble.BackoffLinear, 30*time.Second))
	})

	t.Run("fixed stays put", func(t *testing.T) {
		assert.Equal(t, 5*time.Second, nextBackoff(ensemble.BackoffFixed, 5*time.Second))
	})
}

func history(entries ...HistoryEntry) []HistoryEntry { return entries }

func TestEnsembleScoreLatestPassingPerAgent(t *testing.T) {
	scorer := NewScorer(nil)
	h := history(
		HistoryEntry{Agent: "draft", Score: 0.5, Passed: false, Attempt: 1},
		HistoryEntry{Agent: "draft", Score: 0.9, Passed: true, Attempt: 2},
		HistoryEntry{Agent: "review", Score: 0.7, Passed: true, Attempt: 1},
		HistoryEntry{Agent: "review", Score: 0.8, Passed: true, Attempt: 2},
	)

	// Latest passing per agent: draft 0.9, review 0.8.
	assert.InDelta(t, 0.85, scorer.EnsembleScore(h, nil), 1e-9)

	weighted := scorer.EnsembleScore(h, map[string]float64{"draft": 3, "review": 1})
	assert.InDelta(t, 0.875, weighted, 1e-9)
}

func TestEnsembleScoreNoPassingEntries(t *testing.T) {
	scorer := NewScorer(nil)
	h := history(HistoryEntry{Agent: "draft", Score: 0.4, Passed: false, Attempt: 1})
	assert.Zero(t, scorer.EnsembleScore(h, nil))
	assert.Zero(t, scorer.EnsembleScore(nil, nil))
}

func TestEnsembleScoreAggregationModes(t *testing.T) {
	h := history(
		HistoryEntry{Agent: "a", Score: 0.8, Passed: true},
		HistoryEntry{Agent: "b", Score: 0.9, Passed: true},
	)

	minScorer := NewScorer(&ensemble.ScoringConfig{Aggregation: ensemble.AggregationMinimum})
	assert.InDelta(t, 0.8, minScorer.EnsembleScore(h, nil), 1e-9)

	geoScorer := NewScorer(&ensemble.ScoringConfig{Aggregation: ensemble.AggregationGeometricMean})
	assert.InDelta(t, 0.8485, geoScorer.EnsembleScore(h, nil), 1e-3)
}

func TestQualityMetrics(t *testing.T) {
	scorer := NewScorer(&ensemble.ScoringConfig{
		DefaultThresholds: &ensemble.Thresholds{Minimum: 0.7},
	})
	h := history(
		HistoryEntry{Agent: "draft", Score: 0.5, Passed: false, Attempt: 1,
			Breakdown: map[string]float64{"accuracy": 0.6}},
		HistoryEntry{Agent: "draft", Score: 0.9, Passed: true, Attempt: 2,
			Breakdown: map[string]float64{"accuracy": 0.9}},
	)

	metrics := scorer.QualityMetrics(h, nil)
	assert.InDelta(t, 0.9, metrics.EnsembleScore, 1e-9)
	assert.InDelta(t, 0.7, metrics.AverageScore, 1e-9)
	assert.Equal(t, 0.5, metrics.MinScore)
	assert.Equal(t, 0.9, metrics.MaxScore)
	assert.Equal(t, 0.5, metrics.PassRate)
	assert.Equal(t, 2, metrics.TotalEvaluations)
	assert.Equal(t, 1, metrics.TotalRetries)
	assert.InDelta(t, 1.5, metrics.AverageAttempts, 1e-9)

	require.Contains(t, metrics.CriteriaBreakdown, "accuracy")
	accuracy := metrics.CriteriaBreakdown["accuracy"]
	assert.InDelta(t, 0.75, accuracy.Average, 1e-9)
	assert.Equal(t, 0.5, accuracy.PassRate)
}

func TestTrendDetection(t *testing.T) {
	scorer := NewScorer(nil)

	var improving []HistoryEntry
	for i := 0; i < 5; i++ {
		improving = append(improving, HistoryEntry{Score: 0.5})
	}
	for i := 0; i < 5; i++ {
		improving = append(improving, HistoryEntry{Score: 0.9})
	}
	assert.Equal(t, TrendImproving, scorer.Trend(improving, 5))

	var declining []HistoryEntry
	for i := 0; i < 5; i++ {
		declining = append(declining, HistoryEntry{Score: 0.9})
	}
	for i := 0; i < 5; i++ {
		declining = append(declining, HistoryEntry{Score: 0.5})
	}
	assert.Equal(t, TrendDeclining, scorer.Trend(declining, 5))
	assert.True(t, scorer.IsQualityDegrading(declining))

	assert.Equal(t, TrendStable, scorer.Trend(improving[:6], 5), "needs two full windows")
	assert.False(t, scorer.IsQualityDegrading(improving))
}

func TestRecommendations(t *testing.T) {
	scorer := NewScorer(nil)

	hints := scorer.Recommendations(&QualityMetrics{
		EnsembleScore:    0.5,
		PassRate:         0.5,
		TotalEvaluations: 4,
		TotalRetries:     3,
		CriteriaBreakdown: map[string]*CriterionStats{
			"accuracy": {PassRate: 0.5},
		},
	})
	require.Len(t, hints, 4)
	assert.Contains(t, hints[0], "ensemble score")
	assert.Contains(t, hints[1], "retries")
	assert.Contains(t, hints[2], "pass rate")
	assert.Contains(t, hints[3], "accuracy")

	healthy := scorer.Recommendations(&QualityMetrics{
		EnsembleScore:    0.9,
		PassRate:         1,
		TotalEvaluations: 4,
	})
	assert.Empty(t, healthy)
}

func TestUpdateState(t *testing.T) {
	scorer := NewScorer(nil)
	first := UpdateState(nil, HistoryEntry{Agent: "draft", Score: 0.5, Attempt: 1}, scorer, nil)

	require.Len(t, first.ScoreHistory, 1)
	assert.Empty(t, first.RetryCount)
	assert.Zero(t, first.FinalScore)

	second := UpdateState(first, HistoryEntry{Agent: "draft", Score: 0.9, Passed: true, Attempt: 2}, scorer, nil)
	require.Len(t, second.ScoreHistory, 2)
	assert.Equal(t, 1, second.RetryCount["draft"])
	assert.InDelta(t, 0.9, second.FinalScore, 1e-9)
	require.NotNil(t, second.QualityMetrics)
	assert.Equal(t, 1, second.QualityMetrics.TotalRetries)

	// The previous snapshot is untouched.
	assert.Len(t, first.ScoreHistory, 1)
	assert.Empty(t, first.RetryCount)
}
