package member

import (
	"fmt"
	"sync"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
)

// Resolver turns agent references into runnable agents. Built-ins win for
// bare names; user-registered agents cover everything else. The registered
// map is written at startup; Resolve may cache versioned aliases, so the
// map is still guarded for concurrent runs.
type Resolver struct {
	mu         sync.RWMutex
	registered map[string]Agent
	env        map[string]string
}

// NewResolver creates a resolver with the given host bindings.
func NewResolver(env map[string]string) *Resolver {
	return &Resolver{
		registered: make(map[string]Agent),
		env:        env,
	}
}

// RegisterAgent binds an agent under a name (or name@version composite).
// Intended for startup wiring; mid-run registration is not supported.
func (r *Resolver) RegisterAgent(name string, agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[name] = agent
}

// RegisterHandler is a convenience for binding an inline handler function.
func (r *Resolver) RegisterHandler(name string, op Operation, run HandlerFunc) {
	r.RegisterAgent(name, NewHandlerAgent(name, op, run))
}

// Resolve returns the agent for a `name` or `name@version` reference.
func (r *Resolver) Resolve(ref string) (Agent, error) {
	parsed, err := ensemble.ParseAgentReference(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentConfig, err)
	}

	if parsed.Version == "" {
		if Builtins().IsBuiltIn(parsed.Name) {
			return Builtins().Create(parsed.Name, AgentConfig{
				Name:      parsed.Name,
				Operation: OperationCode,
				Config:    map[string]any{},
			}, r.env)
		}
		r.mu.RLock()
		agent, ok := r.registered[parsed.Name]
		r.mu.RUnlock()
		if ok {
			return agent, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, parsed.Name)
	}

	composite := parsed.String()

	r.mu.RLock()
	agent, ok := r.registered[composite]
	r.mu.RUnlock()
	if ok {
		return agent, nil
	}

	// An unversioned registration satisfies any requested version in the
	// absence of a package index; cache the alias for next time.
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.registered[composite]; ok {
		return agent, nil
	}
	if agent, ok := r.registered[parsed.Name]; ok {
		r.registered[composite] = agent
		return agent, nil
	}

	return nil, fmt.Errorf(
		"%w: %q: versioned agent loading requires an external package index; register via RegisterAgent()",
		ErrAgentConfig, ref)
}

// AvailableNames returns the union of built-in and registered names,
// versions stripped. This is the set reference validation runs against.
func (r *Resolver) AvailableNames() map[string]bool {
	names := make(map[string]bool)
	for _, meta := range Builtins().List() {
		names[meta.Name] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.registered {
		if parsed, err := ensemble.ParseAgentReference(name); err == nil {
			names[parsed.Name] = true
		}
	}
	return names
}
