package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the Store interface.
// It uses a map for storage and RWMutex for thread-safe concurrent access.
// This implementation is suitable for development, testing, or single-instance deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	flags map[string]FeatureFlag // key -> FeatureFlag
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flags: make(map[string]FeatureFlag),
	}
}

// GetAllFlags retrieves all flag definitions, ordered by key.
func (m *MemoryStore) GetAllFlags(ctx context.Context) ([]FeatureFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]FeatureFlag, 0, len(m.flags))
	for _, flag := range m.flags {
		result = append(result, flag)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// GetFlagByKey retrieves a single flag by its key.
func (m *MemoryStore) GetFlagByKey(ctx context.Context, key string) (*FeatureFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[key]
	if !exists {
		return nil, ErrFlagNotFound
	}

	return &flag, nil
}

// UpsertFlag creates or updates a flag in memory. The original creation
// timestamp is preserved across updates.
func (m *MemoryStore) UpsertFlag(ctx context.Context, flag FeatureFlag) error {
	if err := flag.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, exists := m.flags[flag.Key]; exists {
		flag.CreatedAt = existing.CreatedAt
	} else if flag.CreatedAt.IsZero() {
		flag.CreatedAt = now
	}
	flag.UpdatedAt = now

	m.flags[flag.Key] = flag
	return nil
}

// Close is a no-op for MemoryStore as there are no resources to release.
func (m *MemoryStore) Close() error {
	return nil
}
