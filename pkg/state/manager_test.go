package state

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopedViewRestrictedToUseKeys(t *testing.T) {
	m := NewManager(nil, map[string]any{"count": 0, "secret": "s"})

	scoped := m.GetStateForAgent("step-1", Access{Use: []string{"count"}, Set: []string{"count"}})

	assert.Equal(t, map[string]any{"count": 0}, scoped.View())
	_, hasSecret := scoped.View()["secret"]
	assert.False(t, hasSecret)
}

func TestSetStateDropsUndeclaredWrites(t *testing.T) {
	start := time.Now().UTC()
	m := NewManager(nil, map[string]any{"count": 0, "secret": "s"})

	scoped := m.GetStateForAgent("step-1", Access{Use: []string{"count"}, Set: []string{"count"}})
	scoped.SetState(map[string]any{"count": 1, "secret": "x"})

	next := m.ApplyScoped(scoped)

	assert.Equal(t, map[string]any{"count": 1, "secret": "s"}, next.State())

	// One read and one write for count, nothing for secret.
	log := next.AccessLog()
	require.Len(t, log, 2)
	assert.Equal(t, "count", log[0].Key)
	assert.Equal(t, OperationRead, log[0].Operation)
	assert.Equal(t, "count", log[1].Key)
	assert.Equal(t, OperationWrite, log[1].Operation)
	for _, entry := range log {
		assert.Equal(t, "step-1", entry.Agent)
		assert.False(t, entry.Timestamp.Before(start))
	}
}

func TestSnapshotsAreImmutable(t *testing.T) {
	m := NewManager(nil, map[string]any{"k": "v0"})

	scoped := m.GetStateForAgent("a", Access{Set: []string{"k"}})
	scoped.SetState(map[string]any{"k": "v1"})
	next := m.ApplyScoped(scoped)

	// The original snapshot never observes the write.
	assert.Equal(t, map[string]any{"k": "v0"}, m.State())
	assert.Equal(t, map[string]any{"k": "v1"}, next.State())
	assert.Empty(t, m.AccessLog())
}

func TestSequentialVisibility(t *testing.T) {
	m := NewManager(nil, map[string]any{"stage": "new"})

	first := m.GetStateForAgent("writer", Access{Set: []string{"stage"}})
	first.SetState(map[string]any{"stage": "validated"})
	m = m.ApplyScoped(first)

	second := m.GetStateForAgent("reader", Access{Use: []string{"stage"}})
	assert.Equal(t, "validated", second.View()["stage"])
}

func TestApplyPendingUpdatesIdentity(t *testing.T) {
	m := NewManager(nil, map[string]any{"k": 1})

	same := m.ApplyPendingUpdates(nil, m.AccessLog())
	assert.Same(t, m, same)

	scoped := m.GetStateForAgent("a", Access{Use: []string{"missing"}})
	assert.Same(t, m, m.ApplyScoped(scoped))
}

func TestSetStateFromMember(t *testing.T) {
	m := NewManager(nil, map[string]any{"count": 0})

	next := m.SetStateFromMember("side", map[string]any{"count": 5, "other": 1}, Access{Set: []string{"count"}})

	assert.Equal(t, map[string]any{"count": 5}, next.State())
	require.Len(t, next.AccessLog(), 1)
	assert.Equal(t, OperationWrite, next.AccessLog()[0].Operation)
}

func TestAccessReport(t *testing.T) {
	m := NewManager(nil, map[string]any{"used": 1, "never": 2})

	scoped := m.GetStateForAgent("a", Access{Use: []string{"used"}, Set: []string{"used"}})
	scoped.SetState(map[string]any{"used": 3})
	m = m.ApplyScoped(scoped)

	report := m.AccessReport()
	sort.Strings(report.UnusedKeys)
	assert.Equal(t, []string{"never"}, report.UnusedKeys)
	require.Contains(t, report.AccessPatterns, "a")
	assert.Len(t, report.AccessPatterns["a"], 2)
}

func TestReadsOfMissingKeysNotLogged(t *testing.T) {
	m := NewManager(nil, map[string]any{"present": 1})

	scoped := m.GetStateForAgent("a", Access{Use: []string{"present", "absent"}})
	assert.Len(t, scoped.Entries(), 1)
	assert.Equal(t, "present", scoped.Entries()[0].Key)
}
