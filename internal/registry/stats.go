package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// FlagStats is a point-in-time copy of one flag's evaluation counters.
type FlagStats struct {
	Evaluations   uint64  `json:"evaluations"`
	EnabledCount  uint64  `json:"enabledCount"`
	DisabledCount uint64  `json:"disabledCount"`
	ErrorCount    uint64  `json:"errorCount"`
	AvgLatencyUs  float64 `json:"avgLatencyUs"`
}

// statsCell accumulates counters for one flag. Counters are atomic; the
// rolling latency average takes a short mutex.
type statsCell struct {
	evaluations atomic.Uint64
	enabled     atomic.Uint64
	disabled    atomic.Uint64
	errors      atomic.Uint64

	latMu      sync.Mutex
	avgLatency float64 // microseconds, cumulative moving average
	samples    uint64
}

func (c *statsCell) record(enabled bool, d time.Duration) {
	c.evaluations.Add(1)
	if enabled {
		c.enabled.Add(1)
	} else {
		c.disabled.Add(1)
	}

	us := float64(d.Microseconds())
	c.latMu.Lock()
	c.samples++
	c.avgLatency += (us - c.avgLatency) / float64(c.samples)
	c.latMu.Unlock()
}

func (c *statsCell) snapshot() FlagStats {
	c.latMu.Lock()
	avg := c.avgLatency
	c.latMu.Unlock()

	return FlagStats{
		Evaluations:   c.evaluations.Load(),
		EnabledCount:  c.enabled.Load(),
		DisabledCount: c.disabled.Load(),
		ErrorCount:    c.errors.Load(),
		AvgLatencyUs:  avg,
	}
}

func (r *Registry) cell(flagKey string) *statsCell {
	if cell, ok := r.stats.Load(flagKey); ok {
		return cell.(*statsCell)
	}
	cell, _ := r.stats.LoadOrStore(flagKey, &statsCell{})
	return cell.(*statsCell)
}

func (r *Registry) recordEvaluation(flagKey string, res Result, d time.Duration) {
	r.cell(flagKey).record(res.Enabled, d)
}

// RecordError counts an evaluation-path failure for a flag, such as a cache
// backend error surfaced by the caching layer.
func (r *Registry) RecordError(flagKey string) {
	r.cell(flagKey).errors.Add(1)
}

// Stats returns a copy of the counters for one flag.
func (r *Registry) Stats(flagKey string) FlagStats {
	return r.cell(flagKey).snapshot()
}
