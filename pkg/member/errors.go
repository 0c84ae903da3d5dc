package member

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentNotFound indicates no binding exists for a reference
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentConfig indicates an agent cannot be constructed from its
	// configuration (unsupported operation, impossible versioned lookup,
	// rejected config)
	ErrAgentConfig = errors.New("invalid agent configuration")

	// ErrAgentExecution indicates an agent returned success=false or threw
	ErrAgentExecution = errors.New("agent execution failed")
)

// ExecutionError wraps an in-band agent failure with the agent's name.
type ExecutionError struct {
	Agent   string
	Message string
}

// Error returns formatted error message
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent %q: %s", e.Agent, e.Message)
}

// Unwrap returns the sentinel so errors.Is(err, ErrAgentExecution) holds.
func (e *ExecutionError) Unwrap() error {
	return ErrAgentExecution
}

// NewExecutionError creates a new execution error
func NewExecutionError(agent, message string) *ExecutionError {
	return &ExecutionError{Agent: agent, Message: message}
}
