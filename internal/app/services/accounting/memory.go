package accounting

import (
	"context"
	"sync"
)

// MemoryStore is the embedded metric backend.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]map[string]int64 // deployment key -> "label:status" -> count
	active   map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]map[string]int64),
		active:   make(map[string]map[string]string),
	}
}

func (m *MemoryStore) Increment(_ context.Context, deploymentKey, label, status string) error {
	m.add(deploymentKey, label, status, 1)
	return nil
}

func (m *MemoryStore) Decrement(_ context.Context, deploymentKey, label, status string) error {
	m.add(deploymentKey, label, status, -1)
	return nil
}

func (m *MemoryStore) add(deploymentKey, label, status string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.counters[deploymentKey]
	if bucket == nil {
		bucket = make(map[string]int64)
		m.counters[deploymentKey] = bucket
	}
	bucket[counterField(label, status)] += delta
}

func (m *MemoryStore) ActiveLabel(_ context.Context, deploymentKey, clientID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[deploymentKey][clientID], nil
}

func (m *MemoryStore) SetActiveLabel(_ context.Context, deploymentKey, clientID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.active[deploymentKey]
	if bucket == nil {
		bucket = make(map[string]string)
		m.active[deploymentKey] = bucket
	}
	bucket[clientID] = label
	return nil
}

func (m *MemoryStore) ClearActiveLabel(_ context.Context, deploymentKey, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bucket, ok := m.active[deploymentKey]; ok {
		delete(bucket, clientID)
		if len(bucket) == 0 {
			delete(m.active, deploymentKey)
		}
	}
	return nil
}

func (m *MemoryStore) Summary(_ context.Context, deploymentKey string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int64, len(m.counters[deploymentKey]))
	for field, count := range m.counters[deploymentKey] {
		out[field] = count
	}
	return out, nil
}
