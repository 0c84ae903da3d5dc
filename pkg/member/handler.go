package member

import (
	"context"
	"time"
)

// HandlerFunc is an inline agent body. It runs in the host process and
// returns the response data, or an error for infrastructure failures.
type HandlerFunc func(ctx context.Context, mc *Context) (any, error)

// handlerAgent adapts a HandlerFunc to the Agent contract, stamping the
// response envelope with timing and metadata.
type handlerAgent struct {
	name string
	op   Operation
	run  HandlerFunc
}

// NewHandlerAgent wraps an inline handler function as an Agent. This is the
// primary way hosts register custom members.
func NewHandlerAgent(name string, op Operation, run HandlerFunc) Agent {
	return &handlerAgent{name: name, op: op, run: run}
}

func (a *handlerAgent) Name() string         { return a.name }
func (a *handlerAgent) Operation() Operation { return a.op }

func (a *handlerAgent) Execute(ctx context.Context, mc *Context) (*Response, error) {
	start := time.Now()
	data, err := a.run(ctx, mc)
	if err != nil {
		return nil, err
	}
	return Succeed(a, data, time.Since(start)), nil
}

// handlerFromConfig extracts an inline handler override from an agent
// config, when present.
func handlerFromConfig(cfg AgentConfig) (HandlerFunc, bool) {
	raw, ok := cfg.Config["handler"]
	if !ok {
		return nil, false
	}
	fn, ok := raw.(HandlerFunc)
	if !ok {
		if plain, ok := raw.(func(ctx context.Context, mc *Context) (any, error)); ok {
			return plain, true
		}
		return nil, false
	}
	return fn, true
}
