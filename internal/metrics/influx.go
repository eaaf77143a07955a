package metrics

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxStore persists samples in InfluxDB. Each metric name becomes a
// measurement with a single "value" field; sample tags map to Influx tags.
// Aggregation fetches the raw window and reduces locally through Reduce, so
// percentile selection matches the in-memory store exactly instead of
// depending on Flux's estimator.
type InfluxStore struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	query  api.QueryAPI
	bucket string
}

var _ Store = (*InfluxStore)(nil)

func NewInfluxStore(url, token, org, bucket string) *InfluxStore {
	client := influxdb2.NewClient(url, token)
	return &InfluxStore{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		query:  client.QueryAPI(org),
		bucket: bucket,
	}
}

func (s *InfluxStore) Push(ctx context.Context, sample Sample) error {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	point := influxdb2.NewPoint(
		sample.Name,
		sample.Tags,
		map[string]interface{}{"value": sample.Value},
		ts,
	)
	if err := s.write.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("influx write %q: %w", sample.Name, err)
	}
	return nil
}

func (s *InfluxStore) Aggregate(ctx context.Context, name string, window time.Duration, agg Aggregation) (float64, bool, error) {
	result, err := s.query.Query(ctx, s.windowQuery(name, window))
	if err != nil {
		return 0, false, fmt.Errorf("influx query %q: %w", name, err)
	}

	var values []float64
	for result.Next() {
		if v, ok := result.Record().Value().(float64); ok {
			values = append(values, v)
		}
	}
	if err := result.Err(); err != nil {
		return 0, false, fmt.Errorf("influx query %q: %w", name, err)
	}

	return Reduce(agg, values)
}

// Health reports whether the backing InfluxDB instance is reachable; used by
// the readiness probe.
func (s *InfluxStore) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("influx health status %q", health.Status)
	}
	return nil
}

func (s *InfluxStore) Close() error {
	s.client.Close()
	return nil
}

func (s *InfluxStore) windowQuery(name string, window time.Duration) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %q and r._field == "value")
  |> keep(columns: ["_time", "_value"])`, s.bucket, int(window.Seconds()), name)
}
