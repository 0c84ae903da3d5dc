package member

import (
	"fmt"
	"sync"
)

// EntryMetadata describes a registered built-in member.
type EntryMetadata struct {
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Description   string         `json:"description"`
	Operation     Operation      `json:"operation"`
	Tags          []string       `json:"tags,omitempty"`
	Examples      []string       `json:"examples,omitempty"`
	Documentation string         `json:"documentation,omitempty"`
	Schemas       map[string]any `json:"schemas,omitempty"`
}

// Factory constructs an agent from configuration and host bindings.
type Factory func(cfg AgentConfig, env map[string]string) (Agent, error)

type registryEntry struct {
	metadata EntryMetadata
	factory  Factory
	loaded   bool
}

// Registry is the process-wide table of built-in members. Entries are
// append-only after seeding; lookups are safe to call concurrently.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

var (
	globalRegistry *Registry
	registryOnce   sync.Once
)

// Builtins returns the process-wide registry, seeding the bundled members
// on first access.
func Builtins() *Registry {
	registryOnce.Do(func() {
		globalRegistry = &Registry{entries: make(map[string]*registryEntry)}
		seedBuiltins(globalRegistry)
	})
	return globalRegistry
}

// Register adds an entry. Re-registering a name replaces it.
func (r *Registry) Register(metadata EntryMetadata, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[metadata.Name] = &registryEntry{metadata: metadata, factory: factory}
}

// IsBuiltIn reports whether name is a registered built-in member.
func (r *Registry) IsBuiltIn(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Create instantiates the named built-in via its factory.
func (r *Registry) Create(name string, cfg AgentConfig, env map[string]string) (Agent, error) {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if ok {
		entry.loaded = true
	}
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q is not a built-in member", ErrAgentNotFound, name)
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.Operation == "" {
		cfg.Operation = entry.metadata.Operation
	}
	agent, err := entry.factory(cfg, env)
	if err != nil {
		return nil, fmt.Errorf("%w: building %q: %v", ErrAgentConfig, name, err)
	}
	return agent, nil
}

// List returns metadata for every registered member.
func (r *Registry) List() []EntryMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EntryMetadata, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.metadata)
	}
	return out
}

// ListByType returns metadata for members with the given operation.
func (r *Registry) ListByType(op Operation) []EntryMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []EntryMetadata
	for _, entry := range r.entries {
		if entry.metadata.Operation == op {
			out = append(out, entry.metadata)
		}
	}
	return out
}

// ListByTag returns metadata for members carrying the given tag.
func (r *Registry) ListByTag(tag string) []EntryMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []EntryMetadata
	for _, entry := range r.entries {
		for _, t := range entry.metadata.Tags {
			if t == tag {
				out = append(out, entry.metadata)
				break
			}
		}
	}
	return out
}

// GetMetadata returns the metadata for one member.
func (r *Registry) GetMetadata(name string) (EntryMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return EntryMetadata{}, false
	}
	return entry.metadata, true
}
