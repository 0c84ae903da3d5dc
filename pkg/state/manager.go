// Package state implements the shared keyed state of an ensemble run.
// Snapshots are immutable: every mutation produces a new Manager, so prior
// snapshots (e.g. for a suspended-run record) stay valid without copying.
// Per-step access is scoped by declared use/set key lists and every
// successful read and applied write lands in an append-only access log.
package state

import (
	"log/slog"
	"time"
)

// Operation distinguishes log entries.
type Operation string

const (
	OperationRead  Operation = "read"
	OperationWrite Operation = "write"
)

// AccessEntry is one logged read or write performed on behalf of an agent.
type AccessEntry struct {
	Agent     string    `json:"agent"`
	Key       string    `json:"key"`
	Operation Operation `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// Access declares the keys a step may read (Use) and write (Set).
type Access struct {
	Use []string
	Set []string
}

// Manager holds one immutable snapshot of run state. The zero value is not
// usable; construct with NewManager.
type Manager struct {
	schema    map[string]any
	state     map[string]any
	accessLog []AccessEntry
	logger    *slog.Logger
}

// NewManager creates the initial snapshot for a run.
func NewManager(schema, initial map[string]any) *Manager {
	state := make(map[string]any, len(initial))
	for k, v := range initial {
		state[k] = v
	}
	return &Manager{
		schema: schema,
		state:  state,
		logger: slog.Default().With("component", "state-manager"),
	}
}

// State returns a copy of the current snapshot's state mapping. Callers may
// hold it across step boundaries without observing later writes.
func (m *Manager) State() map[string]any {
	out := make(map[string]any, len(m.state))
	for k, v := range m.state {
		out[k] = v
	}
	return out
}

// AccessLog returns the log entries in causal order.
func (m *Manager) AccessLog() []AccessEntry {
	return append([]AccessEntry(nil), m.accessLog...)
}

// Scoped is the per-step window onto the state: a read view restricted to
// the declared use keys, and a write sink restricted to the declared set
// keys. Writes accumulate in a pending buffer until the orchestrator
// applies them.
type Scoped struct {
	agent   string
	access  Access
	view    map[string]any
	pending map[string]any
	entries []AccessEntry
	logger  *slog.Logger
}

// GetStateForAgent builds the scoped window for one step. Each present key
// in the use list is logged as a read; keys outside the use list never
// appear in the view.
func (m *Manager) GetStateForAgent(agent string, access Access) *Scoped {
	s := &Scoped{
		agent:   agent,
		access:  access,
		view:    make(map[string]any, len(access.Use)),
		pending: make(map[string]any),
		logger:  m.logger,
	}
	for _, key := range access.Use {
		val, ok := m.state[key]
		if !ok {
			continue
		}
		s.view[key] = val
		s.entries = append(s.entries, AccessEntry{
			Agent:     agent,
			Key:       key,
			Operation: OperationRead,
			Timestamp: time.Now().UTC(),
		})
	}
	return s
}

// View returns the read-only subset of state this step may see.
func (s *Scoped) View() map[string]any {
	return s.view
}

// SetState buffers updates for the declared set keys. Writes to undeclared
// keys are dropped with a warning and never reach the next snapshot.
func (s *Scoped) SetState(updates map[string]any) {
	allowed := make(map[string]bool, len(s.access.Set))
	for _, key := range s.access.Set {
		allowed[key] = true
	}
	for key, val := range updates {
		if !allowed[key] {
			s.logger.Warn("Dropping undeclared state write",
				"agent", s.agent, "key", key)
			continue
		}
		s.pending[key] = val
		s.entries = append(s.entries, AccessEntry{
			Agent:     s.agent,
			Key:       key,
			Operation: OperationWrite,
			Timestamp: time.Now().UTC(),
		})
	}
}

// Pending returns the buffered writes accumulated so far.
func (s *Scoped) Pending() map[string]any {
	return s.pending
}

// Entries returns the log entries recorded by this scope.
func (s *Scoped) Entries() []AccessEntry {
	return s.entries
}

// ApplyPendingUpdates produces a new snapshot with updates merged (latest
// wins) and the log extended to newLog. When there is nothing to change,
// no updates and no new log entries, the receiver itself is returned.
func (m *Manager) ApplyPendingUpdates(updates map[string]any, newLog []AccessEntry) *Manager {
	if len(updates) == 0 && len(newLog) == len(m.accessLog) {
		return m
	}
	state := make(map[string]any, len(m.state)+len(updates))
	for k, v := range m.state {
		state[k] = v
	}
	for k, v := range updates {
		state[k] = v
	}
	return &Manager{
		schema:    m.schema,
		state:     state,
		accessLog: append([]AccessEntry(nil), newLog...),
		logger:    m.logger,
	}
}

// ApplyScoped merges a step's buffered writes and log entries into a new
// snapshot. Identity-preserving like ApplyPendingUpdates.
func (m *Manager) ApplyScoped(s *Scoped) *Manager {
	if s == nil {
		return m
	}
	newLog := append(append([]AccessEntry(nil), m.accessLog...), s.entries...)
	return m.ApplyPendingUpdates(s.pending, newLog)
}

// SetStateFromMember applies writes delivered through a side channel (the
// orchestrator received them outside a Scoped window). Semantics match the
// Scoped.SetState path: undeclared keys are dropped with a warning.
func (m *Manager) SetStateFromMember(agent string, updates map[string]any, access Access) *Manager {
	s := m.GetStateForAgent(agent, Access{Set: access.Set})
	s.SetState(updates)
	return m.ApplyScoped(s)
}

// AccessReport summarizes how the run used its state.
type AccessReport struct {
	UnusedKeys     []string                 `json:"unusedKeys"`
	AccessPatterns map[string][]AccessEntry `json:"accessPatterns"`
}

// AccessReport lists state keys no step ever touched and the per-agent
// access history.
func (m *Manager) AccessReport() *AccessReport {
	touched := make(map[string]bool)
	patterns := make(map[string][]AccessEntry)
	for _, entry := range m.accessLog {
		touched[entry.Key] = true
		patterns[entry.Agent] = append(patterns[entry.Agent], entry)
	}

	var unused []string
	for key := range m.state {
		if !touched[key] {
			unused = append(unused, key)
		}
	}

	return &AccessReport{UnusedKeys: unused, AccessPatterns: patterns}
}
