// Package executor runs ensembles: it walks the flow sequentially, resolves
// agents and their inputs, scopes state access per step, drives the scoring
// retry loop, and emits lifecycle notifications along the way.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
	"github.com/ensemble-edge/conductor/pkg/interp"
	"github.com/ensemble-edge/conductor/pkg/member"
	"github.com/ensemble-edge/conductor/pkg/notify"
	"github.com/ensemble-edge/conductor/pkg/scoring"
	"github.com/ensemble-edge/conductor/pkg/state"
)

// AgentMetric accounts one step execution.
type AgentMetric struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached"`
	Success  bool          `json:"success"`
}

// Metrics aggregates per-run accounting.
type Metrics struct {
	Ensemble      string        `json:"ensemble"`
	TotalDuration time.Duration `json:"totalDuration"`
	Agents        []AgentMetric `json:"agents"`
	CacheHits     int           `json:"cacheHits"`
}

// ExecutionResult is what a completed run hands back to the host.
type ExecutionResult struct {
	ExecutionID string              `json:"executionId"`
	Output      any                 `json:"output"`
	Metrics     *Metrics            `json:"metrics"`
	StateReport *state.AccessReport `json:"stateReport,omitempty"`
	Scoring     *scoring.State      `json:"scoring,omitempty"`
}

// SuspendedState is a host-persisted snapshot a run can resume from. The
// engine has no durable storage of its own; the host captures and supplies
// this record.
type SuspendedState struct {
	ExecutionID    string         `json:"executionId"`
	ResumeFromStep int            `json:"resumeFromStep"`
	Input          any            `json:"input,omitempty"`
	State          map[string]any `json:"state,omitempty"`
	Scoring        *scoring.State `json:"scoring,omitempty"`
	Metrics        *Metrics       `json:"metrics,omitempty"`
}

// EventPublisher receives lifecycle events for in-process subscribers.
// *events.Stream satisfies it.
type EventPublisher interface {
	Publish(eventType ensemble.EventType, ensembleName, executionID string, data map[string]any)
}

// Executor orchestrates ensemble runs. Safe for concurrent use; each run
// owns its own flow context, state manager, and scoring state.
type Executor struct {
	resolver *member.Resolver
	notifier *notify.Manager
	stream   EventPublisher
	scoring  *scoring.Executor
	env      map[string]string
	logger   *slog.Logger

	notifications sync.WaitGroup
}

// New creates an executor. A nil notifier disables lifecycle notifications;
// a nil logger falls back to the process default.
func New(resolver *member.Resolver, notifier *notify.Manager, env map[string]string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "executor")
	return &Executor{
		resolver: resolver,
		notifier: notifier,
		scoring:  scoring.NewExecutor(logger),
		env:      env,
		logger:   logger,
	}
}

// SetEventPublisher attaches an in-process event sink. Every lifecycle
// event the run emits is published there synchronously, in order, in
// addition to the notifier's external targets. Intended for startup wiring.
func (x *Executor) SetEventPublisher(p EventPublisher) {
	x.stream = p
}

// WaitNotifications blocks until all in-flight lifecycle emissions finish.
// Hosts call it during shutdown so webhook retries are not cut off.
func (x *Executor) WaitNotifications() {
	x.notifications.Wait()
}

// flowContext is the per-run mutable bundle threaded through executeFlow.
type flowContext struct {
	ensemble     *ensemble.Ensemble
	executionID  string
	execCtx      map[string]any
	stateMgr     *state.Manager
	scorer       *scoring.Scorer
	scoringState *scoring.State
	metrics      *Metrics
}

// ExecuteEnsemble runs a parsed ensemble against the given input.
func (x *Executor) ExecuteEnsemble(ctx context.Context, e *ensemble.Ensemble, input any) (*ExecutionResult, error) {
	fc := x.newFlowContext(e, input)
	return x.run(ctx, fc, 0)
}

// ResumeExecution continues a suspended run from its snapshot. resumeInput
// lands under executionContext.resumeInput where step templates can reach
// it.
func (x *Executor) ResumeExecution(ctx context.Context, e *ensemble.Ensemble, suspended *SuspendedState, resumeInput any) (*ExecutionResult, error) {
	fc := x.newFlowContext(e, suspended.Input)
	if suspended.ExecutionID != "" {
		fc.executionID = suspended.ExecutionID
	}
	if e.State != nil || len(suspended.State) > 0 {
		var schema map[string]any
		if e.State != nil {
			schema = e.State.Schema
		}
		fc.stateMgr = state.NewManager(schema, suspended.State)
		fc.execCtx["state"] = fc.stateMgr.State()
	}
	if suspended.Scoring != nil {
		fc.scoringState = suspended.Scoring
		fc.execCtx["scoring"] = fc.scoringState.ContextMap()
	}
	if suspended.Metrics != nil {
		fc.metrics = suspended.Metrics
	}
	fc.execCtx["resumeInput"] = resumeInput

	return x.run(ctx, fc, suspended.ResumeFromStep)
}

// ExecuteFromYAML parses and validates an ensemble document, then runs it.
// Parse and reference-validation failures surface as *ensemble.ParseError.
func (x *Executor) ExecuteFromYAML(ctx context.Context, doc []byte, input any) (*ExecutionResult, error) {
	e, err := ensemble.Parse(doc)
	if err != nil {
		return nil, err
	}
	if err := ensemble.ValidateAgentReferences(e, x.resolver.AvailableNames()); err != nil {
		return nil, err
	}
	return x.ExecuteEnsemble(ctx, e, input)
}

func (x *Executor) newFlowContext(e *ensemble.Ensemble, input any) *flowContext {
	fc := &flowContext{
		ensemble:    e,
		executionID: uuid.NewString(),
		execCtx: map[string]any{
			"input":   input,
			"state":   map[string]any{},
			"scoring": map[string]any{},
		},
		metrics: &Metrics{Ensemble: e.Name},
	}
	if e.State != nil {
		fc.stateMgr = state.NewManager(e.State.Schema, e.State.Initial)
		fc.execCtx["state"] = fc.stateMgr.State()
	}
	if e.Scoring != nil && e.Scoring.Enabled {
		fc.scorer = scoring.NewScorer(e.Scoring)
		fc.scoringState = scoring.NewState()
		fc.execCtx["scoring"] = fc.scoringState.ContextMap()
	}
	return fc
}

func (x *Executor) run(ctx context.Context, fc *flowContext, startStep int) (*ExecutionResult, error) {
	start := time.Now()
	x.emit(fc, ensemble.EventExecutionStarted, map[string]any{
		"executionId": fc.executionID,
		"input":       fc.execCtx["input"],
	})

	output, err := x.executeFlow(ctx, fc, startStep)
	fc.metrics.TotalDuration = time.Since(start)

	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			execErr.ExecutionID = fc.executionID
		}
		eventType := ensemble.EventExecutionFailed
		if errors.Is(err, context.DeadlineExceeded) {
			eventType = ensemble.EventExecutionTimeout
		}
		x.emit(fc, eventType, map[string]any{
			"executionId": fc.executionID,
			"message":     err.Error(),
			"stack":       fmt.Sprintf("%+v", err),
			"duration":    fc.metrics.TotalDuration.Milliseconds(),
		})
		return nil, err
	}

	x.emit(fc, ensemble.EventExecutionCompleted, map[string]any{
		"executionId": fc.executionID,
		"output":      output,
		"duration":    fc.metrics.TotalDuration.Milliseconds(),
	})

	result := &ExecutionResult{
		ExecutionID: fc.executionID,
		Output:      output,
		Metrics:     fc.metrics,
		Scoring:     fc.scoringState,
	}
	if fc.stateMgr != nil {
		result.StateReport = fc.stateMgr.AccessReport()
	}
	return result, nil
}

func (x *Executor) executeFlow(ctx context.Context, fc *flowContext, startStep int) (any, error) {
	e := fc.ensemble
	var lastOutput any
	haveOutput := false

	for i := startStep; i < len(e.Flow); i++ {
		if err := ctx.Err(); err != nil {
			return nil, NewExecutionError(e.Name, "", err)
		}
		step := e.Flow[i]
		stepName := agentKey(step.Agent)

		resolvedInput := x.resolveInput(fc, e, i)

		agent, err := x.resolver.Resolve(step.Agent)
		if err != nil {
			return nil, NewExecutionError(e.Name, step.Agent, err)
		}

		stepStart := time.Now()
		var (
			data   any
			cached bool
		)
		if step.Scoring != nil && step.Scoring.Evaluator != "" {
			data, cached, err = x.runScored(ctx, fc, step, stepName, agent, resolvedInput)
		} else {
			data, cached, err = x.runUnscored(ctx, fc, step, stepName, agent, resolvedInput)
		}
		duration := time.Since(stepStart)

		fc.metrics.Agents = append(fc.metrics.Agents, AgentMetric{
			Name:     stepName,
			Duration: duration,
			Cached:   cached,
			Success:  err == nil,
		})
		if cached {
			fc.metrics.CacheHits++
		}
		if err != nil {
			return nil, err
		}

		fc.execCtx[stepName] = map[string]any{"output": data}
		if fc.stateMgr != nil {
			fc.execCtx["state"] = fc.stateMgr.State()
		}
		// Templates address scoring by plain keys, so the refreshed state
		// goes in as a map view, not the typed struct.
		if fc.scoringState != nil {
			fc.execCtx["scoring"] = fc.scoringState.ContextMap()
		}
		lastOutput = data
		haveOutput = true

		x.emit(fc, ensemble.EventAgentCompleted, map[string]any{
			"executionId": fc.executionID,
			"agent":       stepName,
			"duration":    duration.Milliseconds(),
		})
	}

	if fc.scoringState != nil && len(fc.scoringState.ScoreHistory) > 0 && fc.scorer != nil {
		fc.scoringState.QualityMetrics = fc.scorer.QualityMetrics(fc.scoringState.ScoreHistory, nil)
		fc.scoringState.FinalScore = fc.scoringState.QualityMetrics.EnsembleScore
	}

	if e.Output != nil {
		return interp.Interpolate(e.Output, fc.execCtx), nil
	}
	if haveOutput {
		return lastOutput, nil
	}
	return map[string]any{}, nil
}

// resolveInput picks the step's input: its interpolated template, else the
// previous step's output, else the run input.
func (x *Executor) resolveInput(fc *flowContext, e *ensemble.Ensemble, stepIndex int) any {
	step := e.Flow[stepIndex]
	if step.Input != nil {
		return interp.Interpolate(step.Input, fc.execCtx)
	}
	if stepIndex > 0 {
		prev := agentKey(e.Flow[stepIndex-1].Agent)
		if entry, ok := fc.execCtx[prev].(map[string]any); ok {
			return entry["output"]
		}
		return nil
	}
	return fc.execCtx["input"]
}

// runUnscored executes the step once. State writes apply only after a
// successful response.
func (x *Executor) runUnscored(ctx context.Context, fc *flowContext, step ensemble.FlowStep, stepName string, agent member.Agent, input any) (any, bool, error) {
	mc, scoped := x.memberContext(fc, step, stepName, input)

	resp, err := agent.Execute(ctx, mc)
	if err != nil {
		return nil, false, NewExecutionError(fc.ensemble.Name, stepName, member.NewExecutionError(stepName, err.Error()))
	}
	if !resp.Success {
		return nil, resp.Cached, NewExecutionError(fc.ensemble.Name, stepName, member.NewExecutionError(stepName, resp.Error))
	}
	x.applyScoped(fc, scoped)
	return resp.Data, resp.Cached, nil
}

// runScored wraps the step in the scoring retry loop. Each attempt gets a
// fresh state scope and its writes apply as soon as the agent returns;
// scoring gates only whether we retry, never whether writes happened.
func (x *Executor) runScored(ctx context.Context, fc *flowContext, step ensemble.FlowStep, stepName string, agent member.Agent, input any) (any, bool, error) {
	cfg, err := x.effectiveScoring(fc.ensemble, step)
	if err != nil {
		return nil, false, NewExecutionError(fc.ensemble.Name, stepName, err)
	}

	evaluator, err := x.resolver.Resolve(step.Scoring.Evaluator)
	if err != nil {
		return nil, false, NewExecutionError(fc.ensemble.Name, step.Scoring.Evaluator, err)
	}
	evaluatorName := agentKey(step.Scoring.Evaluator)

	var cached bool
	run := func(ctx context.Context, attempt int) (any, error) {
		mc, scoped := x.memberContext(fc, step, stepName, input)
		resp, err := agent.Execute(ctx, mc)
		if err != nil {
			return nil, member.NewExecutionError(stepName, err.Error())
		}
		if !resp.Success {
			return nil, member.NewExecutionError(stepName, resp.Error)
		}
		x.applyScoped(fc, scoped)
		cached = resp.Cached
		return resp.Data, nil
	}

	evaluate := func(ctx context.Context, output any, attempt int, previous *scoring.Score) (*scoring.Score, error) {
		evalInput := map[string]any{
			"output":   output,
			"attempt":  attempt,
			"criteria": cfg.criteria,
		}
		if previous != nil {
			evalInput["previousScore"] = previous.Value
		}
		resp, err := evaluator.Execute(ctx, &member.Context{
			Input:           evalInput,
			Env:             x.env,
			PreviousOutputs: fc.execCtx,
			Logger:          x.logger,
		})
		if err != nil {
			return nil, member.NewExecutionError(evaluatorName, err.Error())
		}
		if !resp.Success {
			return nil, member.NewExecutionError(evaluatorName, resp.Error)
		}
		score := scoring.ExtractScore(resp.Data, cfg.exec.Thresholds)

		// One history entry per attempt, regardless of the loop's final
		// status.
		fc.scoringState = scoring.UpdateState(fc.scoringState, scoring.HistoryEntry{
			Agent:     stepName,
			Score:     score.Value,
			Passed:    score.Passed,
			Feedback:  score.Feedback,
			Breakdown: score.Breakdown,
			Timestamp: time.Now().UTC(),
			Attempt:   attempt,
		}, fc.scorer, nil)
		return score, nil
	}

	result, err := x.scoring.Execute(ctx, cfg.exec, run, evaluate)
	if err != nil {
		return nil, cached, NewExecutionError(fc.ensemble.Name, stepName, err)
	}

	if result.Status == scoring.StatusMaxRetriesExceeded {
		x.logger.Warn("step exhausted scoring retries",
			"ensemble", fc.ensemble.Name,
			"agent", stepName,
			"attempts", result.Attempts,
			"score", result.Score.Value)
	}
	return result.Output, cached, nil
}

// effectiveScoring merges ensemble-wide scoring defaults into the step's
// override; step fields win, zero fields inherit.
type stepScoringConfig struct {
	exec     scoring.Config
	criteria map[string]float64
}

func (x *Executor) effectiveScoring(e *ensemble.Ensemble, step ensemble.FlowStep) (*stepScoringConfig, error) {
	merged := *step.Scoring
	if e.Scoring != nil {
		defaults := ensemble.StepScoring{
			Thresholds: e.Scoring.DefaultThresholds,
			Criteria:   e.Scoring.Criteria,
			RetryLimit: e.Scoring.MaxRetries,
		}
		if err := mergo.Merge(&merged, defaults); err != nil {
			return nil, fmt.Errorf("merging scoring config: %w", err)
		}
	}

	thresholds := ensemble.Thresholds{Minimum: 0.7}
	if merged.Thresholds != nil {
		thresholds = *merged.Thresholds
	}

	cfg := scoring.Config{
		Thresholds:         thresholds,
		OnFailure:          merged.OnFailure,
		MaxAttempts:        merged.RetryLimit,
		RequireImprovement: merged.RequireImprovement,
		MinImprovement:     merged.MinImprovement,
	}
	if e.Scoring != nil {
		cfg.BackoffStrategy = e.Scoring.BackoffStrategy
		if e.Scoring.InitialBackoffMS > 0 {
			cfg.InitialBackoff = time.Duration(e.Scoring.InitialBackoffMS) * time.Millisecond
		}
	}
	return &stepScoringConfig{exec: cfg, criteria: merged.Criteria}, nil
}

// memberContext builds the agent's input envelope, with a scoped state
// window when the step declares state access.
func (x *Executor) memberContext(fc *flowContext, step ensemble.FlowStep, stepName string, input any) (*member.Context, *state.Scoped) {
	mc := &member.Context{
		Input:           input,
		Env:             x.env,
		PreviousOutputs: fc.execCtx,
		Logger:          x.logger,
	}
	var scoped *state.Scoped
	if fc.stateMgr != nil && step.State != nil {
		scoped = fc.stateMgr.GetStateForAgent(stepName, state.Access{
			Use: step.State.Use,
			Set: step.State.Set,
		})
		mc.State = scoped.View()
		mc.SetState = scoped.SetState
	}
	return mc, scoped
}

// applyScoped folds a step's buffered writes into a new state snapshot and
// announces the update.
func (x *Executor) applyScoped(fc *flowContext, scoped *state.Scoped) {
	if scoped == nil || fc.stateMgr == nil {
		return
	}
	next := fc.stateMgr.ApplyScoped(scoped)
	if next == fc.stateMgr {
		return
	}
	fc.stateMgr = next
	x.emit(fc, ensemble.EventStateUpdated, map[string]any{
		"executionId": fc.executionID,
		"state":       next.State(),
	})
}

// emit dispatches a lifecycle event. The stream publish is synchronous so
// subscribers see events in run order; notifier delivery runs in the
// background and failures stay inside the notifier.
func (x *Executor) emit(fc *flowContext, eventType ensemble.EventType, data map[string]any) {
	if x.stream != nil {
		x.stream.Publish(eventType, fc.ensemble.Name, fc.executionID, data)
	}
	if x.notifier == nil {
		return
	}
	x.notifications.Add(1)
	go func() {
		defer x.notifications.Done()
		switch eventType {
		case ensemble.EventExecutionStarted:
			x.notifier.EmitExecutionStarted(context.Background(), fc.ensemble, data)
		case ensemble.EventExecutionCompleted:
			x.notifier.EmitExecutionCompleted(context.Background(), fc.ensemble, data)
		case ensemble.EventExecutionFailed:
			x.notifier.EmitExecutionFailed(context.Background(), fc.ensemble, data)
		case ensemble.EventExecutionTimeout:
			x.notifier.EmitExecutionTimeout(context.Background(), fc.ensemble, data)
		case ensemble.EventAgentCompleted:
			x.notifier.EmitAgentCompleted(context.Background(), fc.ensemble, data)
		case ensemble.EventStateUpdated:
			x.notifier.EmitStateUpdated(context.Background(), fc.ensemble, data)
		}
	}()
}

// agentKey strips the version from a reference; execution context entries
// and metrics are keyed by bare agent name.
func agentKey(ref string) string {
	parsed, err := ensemble.ParseAgentReference(ref)
	if err != nil {
		return ref
	}
	return parsed.Name
}
