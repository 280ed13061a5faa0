package cache

import (
	"context"
	"sync"
	"time"

	"github.com/airlift-ota/airlift/internal/app/resolver"
)

type memoryEntry struct {
	value   resolver.PackageInfo
	expires time.Time
}

// Memory is the embedded cache backend: per-process, mutex-guarded, with
// TTL enforcement on read and a sweep hook for periodic cleanup.
type Memory struct {
	mu  sync.RWMutex
	ttl time.Duration
	now func() time.Time

	// namespace hash -> fingerprint -> entry
	entries map[string]map[string]memoryEntry
}

// NewMemory returns an empty in-process cache. A non-positive ttl means
// entries never expire.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]map[string]memoryEntry),
	}
}

func (m *Memory) Get(_ context.Context, key Key) (resolver.PackageInfo, error) {
	m.mu.RLock()
	entry, ok := m.entries[key.DeploymentKeyHash][key.Fingerprint]
	m.mu.RUnlock()

	if !ok {
		return resolver.PackageInfo{}, ErrMiss
	}
	if !entry.expires.IsZero() && m.now().After(entry.expires) {
		return resolver.PackageInfo{}, ErrMiss
	}
	return entry.value, nil
}

func (m *Memory) Set(_ context.Context, key Key, value resolver.PackageInfo) error {
	entry := memoryEntry{value: value}
	if m.ttl > 0 {
		entry.expires = m.now().Add(m.ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.entries[key.DeploymentKeyHash]
	if bucket == nil {
		bucket = make(map[string]memoryEntry)
		m.entries[key.DeploymentKeyHash] = bucket
	}
	bucket[key.Fingerprint] = entry
	return nil
}

func (m *Memory) Invalidate(_ context.Context, deploymentKey string) error {
	m.mu.Lock()
	delete(m.entries, HashDeploymentKey(deploymentKey))
	m.mu.Unlock()
	return nil
}

// Sweep drops expired entries and empty namespaces. The runtime runs it
// on a schedule; reads stay correct without it.
func (m *Memory) Sweep() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for hash, bucket := range m.entries {
		for fingerprint, entry := range bucket {
			if !entry.expires.IsZero() && now.After(entry.expires) {
				delete(bucket, fingerprint)
			}
		}
		if len(bucket) == 0 {
			delete(m.entries, hash)
		}
	}
}
