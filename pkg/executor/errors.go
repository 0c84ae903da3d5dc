package executor

import "fmt"

// ExecutionError contextualizes a step failure with the ensemble and agent
// it happened in. The original cause is preserved for errors.Is/As.
// ExecutionID identifies the run that failed; it is stamped by the run loop
// so hosts can correlate the error with emitted events and history.
type ExecutionError struct {
	EnsembleName string
	AgentName    string
	ExecutionID  string
	Err          error
}

func (e *ExecutionError) Error() string {
	if e.AgentName != "" {
		return fmt.Sprintf("ensemble %q: agent %q: %v", e.EnsembleName, e.AgentName, e.Err)
	}
	return fmt.Sprintf("ensemble %q: %v", e.EnsembleName, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// NewExecutionError wraps a step failure with its run context.
func NewExecutionError(ensembleName, agentName string, err error) *ExecutionError {
	return &ExecutionError{EnsembleName: ensembleName, AgentName: agentName, Err: err}
}
