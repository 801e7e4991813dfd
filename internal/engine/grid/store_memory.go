package grid

import (
	"context"
	"sync"

	"market_maker/internal/core"
)

// MemoryStore is an in-memory core.IStateStore, used by tests and by any
// run that opts out of durable persistence.
type MemoryStore struct {
	mu          sync.RWMutex
	gridState   map[string][]byte
	checkpoints map[string]struct {
		step    string
		payload []byte
	}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gridState: make(map[string][]byte),
		checkpoints: make(map[string]struct {
			step    string
			payload []byte
		}),
	}
}

var _ core.IStateStore = (*MemoryStore)(nil)

func (m *MemoryStore) SaveGridState(ctx context.Context, gridID string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gridState[gridID] = snapshot
	return nil
}

func (m *MemoryStore) LoadGridState(ctx context.Context, gridID string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.gridState[gridID]
	return data, ok, nil
}

func (m *MemoryStore) SaveResetCheckpoint(ctx context.Context, gridID string, step string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[gridID] = struct {
		step    string
		payload []byte
	}{step, payload}
	return nil
}

func (m *MemoryStore) LoadResetCheckpoint(ctx context.Context, gridID string) (string, []byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[gridID]
	if !ok {
		return "", nil, false, nil
	}
	return cp.step, cp.payload, true, nil
}

func (m *MemoryStore) ClearResetCheckpoint(ctx context.Context, gridID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, gridID)
	return nil
}
