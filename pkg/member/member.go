// Package member provides the agent framework for the ensemble engine:
// the uniform Agent execution contract, the built-in member registry, and
// the resolver that turns `name` / `name@version` references into runnable
// agents.
package member

import (
	"context"
	"log/slog"
	"time"
)

// Operation classifies what kind of work an agent performs. Inline agent
// configs dispatch on this field to pick a constructor.
type Operation string

const (
	OperationThink   Operation = "think"
	OperationHTTP    Operation = "http"
	OperationStorage Operation = "storage"
	OperationEmail   Operation = "email"
	OperationSMS     Operation = "sms"
	OperationForm    Operation = "form"
	OperationPage    Operation = "page"
	OperationHTML    Operation = "html"
	OperationPDF     Operation = "pdf"
	OperationDocs    Operation = "docs"
	OperationCode    Operation = "code"
)

// IsValid checks if the operation is valid
func (o Operation) IsValid() bool {
	switch o {
	case OperationThink, OperationHTTP, OperationStorage, OperationEmail,
		OperationSMS, OperationForm, OperationPage, OperationHTML,
		OperationPDF, OperationDocs, OperationCode:
		return true
	default:
		return false
	}
}

// Agent is the uniform execution contract. Agents are resolved per run and
// must be safe for sequential reuse across steps.
//
// Execute returns (*Response, nil) on completion; Response.Success=false
// signals a business failure in-band. A non-nil error is an infrastructure
// failure where no meaningful response exists.
type Agent interface {
	Name() string
	Operation() Operation
	Execute(ctx context.Context, mc *Context) (*Response, error)
}

// Context carries everything an agent may consume during one invocation.
type Context struct {
	// Input is the step input after interpolation.
	Input any

	// Env exposes host bindings (API keys, endpoints).
	Env map[string]string

	// PreviousOutputs is the run's execution context: input, state,
	// scoring, and one entry per completed step.
	PreviousOutputs map[string]any

	// State is the read view scoped to the step's declared use keys.
	// Nil when the step declares no state access.
	State map[string]any

	// SetState buffers writes to the step's declared set keys.
	// Nil when the step declares no state access.
	SetState func(updates map[string]any)

	// Logger is pre-scoped with the agent name.
	Logger *slog.Logger
}

// Metadata describes an agent's response envelope origin.
type Metadata struct {
	Agent string    `json:"agent"`
	Type  Operation `json:"type"`
}

// Response is the output envelope every agent returns.
type Response struct {
	Success       bool          `json:"success"`
	Data          any           `json:"data,omitempty"`
	Error         string        `json:"error,omitempty"`
	Cached        bool          `json:"cached"`
	ExecutionTime time.Duration `json:"executionTime"`
	Timestamp     time.Time     `json:"timestamp"`
	Metadata      Metadata      `json:"metadata"`
}

// Succeed builds a success envelope stamped with the current time.
func Succeed(agent Agent, data any, elapsed time.Duration) *Response {
	return &Response{
		Success:       true,
		Data:          data,
		ExecutionTime: elapsed,
		Timestamp:     time.Now().UTC(),
		Metadata:      Metadata{Agent: agent.Name(), Type: agent.Operation()},
	}
}

// Fail builds an in-band failure envelope stamped with the current time.
func Fail(agent Agent, message string, elapsed time.Duration) *Response {
	return &Response{
		Success:       false,
		Error:         message,
		ExecutionTime: elapsed,
		Timestamp:     time.Now().UTC(),
		Metadata:      Metadata{Agent: agent.Name(), Type: agent.Operation()},
	}
}

// AgentConfig is the construction-time configuration handed to a factory.
type AgentConfig struct {
	Name      string
	Operation Operation
	Config    map[string]any
}
