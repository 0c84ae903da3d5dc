package scoring

import "encoding/json"

// State is the per-run scoring record: the append-only score history,
// per-agent retry counts, and the run-level aggregates. Values are copied on
// update so snapshots held by the host stay stable.
type State struct {
	ScoreHistory   []HistoryEntry  `json:"scoreHistory"`
	RetryCount     map[string]int  `json:"retryCount"`
	FinalScore     float64         `json:"finalScore"`
	QualityMetrics *QualityMetrics `json:"qualityMetrics,omitempty"`
}

// NewState returns an empty scoring state.
func NewState() *State {
	return &State{RetryCount: make(map[string]int)}
}

// ContextMap returns the state as a plain JSON-like map, keyed by the wire
// names, so templates can address it (scoring.finalScore,
// scoring.scoreHistory.0.agent, ...). A nil state yields an empty map.
func (s *State) ContextMap() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{}
	}
	var view map[string]any
	if err := json.Unmarshal(data, &view); err != nil {
		return map[string]any{}
	}
	return view
}

// UpdateState appends an entry and returns a new state with the retry count
// bumped when the entry was not a first attempt, metrics recomputed, and the
// final score set to the current ensemble score. prev is left untouched.
func UpdateState(prev *State, entry HistoryEntry, scorer *Scorer, weights map[string]float64) *State {
	if prev == nil {
		prev = NewState()
	}
	if scorer == nil {
		scorer = NewScorer(nil)
	}

	next := &State{
		ScoreHistory: make([]HistoryEntry, 0, len(prev.ScoreHistory)+1),
		RetryCount:   make(map[string]int, len(prev.RetryCount)),
	}
	next.ScoreHistory = append(next.ScoreHistory, prev.ScoreHistory...)
	next.ScoreHistory = append(next.ScoreHistory, entry)
	for agent, count := range prev.RetryCount {
		next.RetryCount[agent] = count
	}
	if entry.Attempt > 1 {
		next.RetryCount[entry.Agent]++
	}

	next.QualityMetrics = scorer.QualityMetrics(next.ScoreHistory, weights)
	next.FinalScore = next.QualityMetrics.EnsembleScore
	return next
}
