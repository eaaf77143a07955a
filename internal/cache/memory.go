package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shardCount must stay a power of two so the shard pick reduces to a mask.
const shardCount = 32

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// MemoryStore is a sharded in-process Store. Reads take a per-shard read
// lock; prefix invalidation scans one shard at a time so a long scan never
// stalls the whole cache.
type MemoryStore struct {
	shards [shardCount]*memoryShard
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)&(shardCount-1)]
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	sh := s.shard(key)
	now := time.Now()

	sh.mu.RLock()
	entry, ok := sh.entries[key]
	sh.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !now.Before(entry.expiresAt) {
		sh.mu.Lock()
		// Re-check under the write lock: a concurrent Set may have refreshed
		// the entry since the read above.
		if cur, ok := sh.entries[key]; ok && !now.Before(cur.expiresAt) {
			delete(sh.entries, key)
		}
		sh.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), entry.payload...), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	sh := s.shard(key)
	sh.mu.Lock()
	sh.entries[key] = memoryEntry{
		payload:   append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key := range sh.entries {
			if strings.HasPrefix(key, prefix) {
				delete(sh.entries, key)
			}
		}
		sh.mu.Unlock()
	}
	return nil
}

func (s *MemoryStore) DeleteAll(_ context.Context) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]memoryEntry)
		sh.mu.Unlock()
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of live entries, counting expired ones that have
// not been lazily evicted yet. Test helper.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
