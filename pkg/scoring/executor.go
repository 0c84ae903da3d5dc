package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
)

// ErrInternal marks engine-level failures that should abort a run, such as
// the abort failure policy firing on a below-minimum score.
var ErrInternal = errors.New("internal error")

// Status is the terminal state of one scored step execution.
type Status string

const (
	StatusPassed             Status = "passed"
	StatusBelowThreshold     Status = "below_threshold"
	StatusMaxRetriesExceeded Status = "max_retries_exceeded"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 1000 * time.Millisecond
	defaultMinImprovement = 0.05

	maxExponentialBackoff = 60 * time.Second
	maxLinearBackoff      = 30 * time.Second
	linearBackoffStep     = 1000 * time.Millisecond
)

// RunFunc executes the agent once. The orchestrator's closure applies any
// pending state writes before returning, so writes land per attempt.
type RunFunc func(ctx context.Context, attempt int) (any, error)

// EvaluateFunc invokes the evaluator over the agent's output and returns the
// extracted score.
type EvaluateFunc func(ctx context.Context, output any, attempt int, previous *Score) (*Score, error)

// Config drives one scored execution. Zero values fall back to the
// defaults: 3 attempts, 1000ms initial backoff, exponential strategy, retry
// policy, 0.05 minimum improvement.
type Config struct {
	Thresholds         ensemble.Thresholds
	OnFailure          ensemble.FailurePolicy
	MaxAttempts        int
	BackoffStrategy    ensemble.BackoffStrategy
	InitialBackoff     time.Duration
	RequireImprovement bool
	MinImprovement     float64
}

// Result is the outcome of a scored execution. Output and Score reflect the
// final attempt regardless of status.
type Result struct {
	Output   any
	Score    *Score
	Attempts int
	Status   Status
}

// Executor wraps a single agent call in an evaluator-driven retry loop.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates a scoring executor. A nil logger falls back to the
// process default.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger.With("component", "scoring.executor")}
}

// Execute runs the agent until its output passes the threshold, the failure
// policy stops the loop, or attempts run out. Agent and evaluator errors are
// retried with the same backoff, except on the last attempt where they
// propagate.
func (e *Executor) Execute(ctx context.Context, cfg Config, run RunFunc, evaluate EvaluateFunc) (*Result, error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}
	minImprovement := cfg.MinImprovement
	if minImprovement <= 0 {
		minImprovement = defaultMinImprovement
	}
	policy := cfg.OnFailure
	if policy == "" {
		policy = ensemble.FailureRetry
	}

	var (
		attempts   int
		lastScore  *Score
		lastOutput any
	)

	for attempts < maxAttempts {
		attempts++

		output, err := run(ctx, attempts)
		if err != nil {
			if attempts == maxAttempts {
				return nil, err
			}
			e.logger.Warn("agent attempt failed, retrying",
				"attempt", attempts, "backoff", backoff, "error", err)
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = nextBackoff(cfg.BackoffStrategy, backoff)
			continue
		}

		score, err := evaluate(ctx, output, attempts, lastScore)
		if err != nil {
			if attempts == maxAttempts {
				return nil, err
			}
			e.logger.Warn("evaluator attempt failed, retrying",
				"attempt", attempts, "backoff", backoff, "error", err)
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = nextBackoff(cfg.BackoffStrategy, backoff)
			continue
		}

		if score.Passed {
			return &Result{Output: output, Score: score, Attempts: attempts, Status: StatusPassed}, nil
		}

		if cfg.RequireImprovement && attempts > 1 && score.Value-lastScore.Value < minImprovement {
			e.logger.Warn("score not improving, giving up",
				"attempt", attempts, "score", score.Value, "previous", lastScore.Value)
			return &Result{Output: output, Score: score, Attempts: attempts, Status: StatusMaxRetriesExceeded}, nil
		}

		lastScore = score
		lastOutput = output

		switch policy {
		case ensemble.FailureContinue:
			e.logger.Warn("score below threshold, continuing",
				"score", score.Value, "minimum", cfg.Thresholds.Minimum)
			return &Result{Output: output, Score: score, Attempts: attempts, Status: StatusBelowThreshold}, nil
		case ensemble.FailureAbort:
			return nil, fmt.Errorf("%w: score %.2f below minimum %.2f",
				ErrInternal, score.Value, cfg.Thresholds.Minimum)
		default: // retry
			if attempts < maxAttempts {
				if err := sleep(ctx, backoff); err != nil {
					return nil, err
				}
				backoff = nextBackoff(cfg.BackoffStrategy, backoff)
			}
		}
	}

	return &Result{Output: lastOutput, Score: lastScore, Attempts: attempts, Status: StatusMaxRetriesExceeded}, nil
}

func nextBackoff(strategy ensemble.BackoffStrategy, prev time.Duration) time.Duration {
	switch strategy {
	case ensemble.BackoffLinear:
		return min(prev+linearBackoffStep, maxLinearBackoff)
	case ensemble.BackoffFixed:
		return prev
	default: // exponential
		return min(prev*2, maxExponentialBackoff)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
