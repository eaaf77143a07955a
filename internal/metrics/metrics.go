// Package metrics defines the sample model and rolling-window aggregation
// the trigger engine polls. Samples are append-only; the engine only ever
// reads reduced values over a trailing window.
package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Sample is one observed metric value.
type Sample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Aggregation is the reduction applied to a window of samples.
type Aggregation string

const (
	AggAvg   Aggregation = "avg"
	AggMax   Aggregation = "max"
	AggMin   Aggregation = "min"
	AggP95   Aggregation = "p95"
	AggP99   Aggregation = "p99"
	AggCount Aggregation = "count"
	AggSum   Aggregation = "sum"
)

var validAggregations = map[Aggregation]bool{
	AggAvg: true, AggMax: true, AggMin: true, AggP95: true,
	AggP99: true, AggCount: true, AggSum: true,
}

// ParseAggregation validates an aggregation name from configuration.
func ParseAggregation(s string) (Aggregation, error) {
	agg := Aggregation(s)
	if !validAggregations[agg] {
		return "", fmt.Errorf("unknown aggregation %q", s)
	}
	return agg, nil
}

// Store is the metric backend contract. Aggregate reduces the samples for
// name within the trailing window; ok=false means the window held no samples
// and the caller must treat the condition as unevaluable, not as zero.
type Store interface {
	Push(ctx context.Context, s Sample) error
	Aggregate(ctx context.Context, name string, window time.Duration, agg Aggregation) (value float64, ok bool, err error)
	Close() error
}

// Reduce applies one aggregation to a set of values. ok=false reports an
// empty input. Every Store implementation reduces through this function so
// trigger behavior does not depend on the backing store.
func Reduce(agg Aggregation, values []float64) (float64, bool, error) {
	if len(values) == 0 {
		return 0, false, nil
	}

	switch agg {
	case AggCount:
		return float64(len(values)), true, nil
	case AggSum:
		return sum(values), true, nil
	case AggAvg:
		return sum(values) / float64(len(values)), true, nil
	case AggMax:
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, true, nil
	case AggMin:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, true, nil
	case AggP95:
		return percentile(values, 95), true, nil
	case AggP99:
		return percentile(values, 99), true, nil
	default:
		return 0, false, fmt.Errorf("unknown aggregation %q", agg)
	}
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

// percentile sorts a copy of values and selects index ceil(p/100*n)-1,
// clamped to the valid range. The nearest-rank rule keeps small windows
// pessimistic: p95 of a single sample is that sample.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
