package audit

import (
	"context"
	"sync"
)

// MemorySink keeps the most recent events in a bounded in-process buffer.
// Suitable for tests and single-node deployments that do not need events to
// survive a restart.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
	max    int
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 10000
	}
	return &MemorySink{max: max}
}

func (s *MemorySink) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, e)
	if len(s.events) > s.max {
		s.events = append([]Event(nil), s.events[len(s.events)-s.max:]...)
	}
	return nil
}

func (s *MemorySink) Query(_ context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.limit()
	results := make([]Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(results) < limit; i-- {
		if f.Matches(s.events[i]) {
			results = append(results, s.events[i])
		}
	}
	return results, nil
}

func (s *MemorySink) Close() error { return nil }
