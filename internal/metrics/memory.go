package metrics

import (
	"context"
	"sync"
	"time"
)

// DefaultRetention bounds how long the in-memory store keeps samples. It
// must exceed the longest trigger window in use.
const DefaultRetention = time.Hour

// MemoryStore keeps samples per metric name in arrival order. Pruning is
// opportunistic on Push and assumes samples arrive roughly time-ordered,
// which holds for a live collector.
type MemoryStore struct {
	retention time.Duration

	mu      sync.RWMutex
	samples map[string][]Sample
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		retention: retention,
		samples:   make(map[string][]Sample),
	}
}

func (s *MemoryStore) Push(_ context.Context, sample Sample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.samples[sample.Name]
	drop := 0
	for drop < len(series) && series[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		series = append([]Sample(nil), series[drop:]...)
	}
	s.samples[sample.Name] = append(series, sample)
	return nil
}

func (s *MemoryStore) Aggregate(_ context.Context, name string, window time.Duration, agg Aggregation) (float64, bool, error) {
	cutoff := time.Now().Add(-window)

	s.mu.RLock()
	series := s.samples[name]
	values := make([]float64, 0, len(series))
	for _, sample := range series {
		if !sample.Timestamp.Before(cutoff) {
			values = append(values, sample.Value)
		}
	}
	s.mu.RUnlock()

	return Reduce(agg, values)
}

func (s *MemoryStore) Close() error { return nil }

// Len reports retained samples for one metric. Test helper.
func (s *MemoryStore) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples[name])
}
