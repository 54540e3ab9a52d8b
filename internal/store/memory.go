package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	switches  map[string]KillSwitchRecord

	// FailUpserts makes every write fail, for exercising the
	// settlement-feedback fallback path.
	FailUpserts error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[string]Snapshot),
		switches:  make(map[string]KillSwitchRecord),
	}
}

func (m *Memory) UpsertSnapshot(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpserts != nil {
		return m.FailUpserts
	}
	m.snapshots[s.Account] = s
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, account string) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[account]
	return s, ok, nil
}

func (m *Memory) UpsertKillSwitch(_ context.Context, r KillSwitchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpserts != nil {
		return m.FailUpserts
	}
	m.switches[r.Scope] = r
	return nil
}

func (m *Memory) GetKillSwitch(_ context.Context, scope string) (KillSwitchRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.switches[scope]
	return r, ok, nil
}

func (m *Memory) ListKillSwitches(_ context.Context) ([]KillSwitchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]KillSwitchRecord, 0, len(m.switches))
	for _, r := range m.switches {
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
