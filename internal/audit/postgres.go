package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id          TEXT PRIMARY KEY,
    occurred_at TIMESTAMPTZ NOT NULL,
    kind        TEXT NOT NULL,
    actor       TEXT NOT NULL DEFAULT 'system',
    resource    TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'success',
    detail      JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS audit_events_occurred_at_idx ON audit_events (occurred_at DESC);
CREATE INDEX IF NOT EXISTS audit_events_kind_idx ON audit_events (kind);
`

// PostgresSink persists events in PostgreSQL.
type PostgresSink struct {
	pool *pgxpool.Pool
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink ensures the audit schema exists and returns the sink. The
// sink does not own the pool; the caller closes it.
func NewPostgresSink(ctx context.Context, pool *pgxpool.Pool) (*PostgresSink, error) {
	if _, err := pool.Exec(ctx, auditSchema); err != nil {
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Append(ctx context.Context, e Event) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal event detail: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, occurred_at, kind, actor, resource, status, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.OccurredAt, e.Kind, e.Actor, e.Resource, e.Status, detail)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (s *PostgresSink) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Kind != "" {
		where = append(where, "kind = "+arg(f.Kind))
	}
	if f.Resource != "" {
		where = append(where, "resource = "+arg(f.Resource))
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "occurred_at <= "+arg(f.Until))
	}

	query := "SELECT id, occurred_at, kind, actor, resource, status, detail FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC LIMIT " + arg(f.limit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e      Event
			ts     time.Time
			detail []byte
		)
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Actor, &e.Resource, &e.Status, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.OccurredAt = ts
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event detail: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}
	return events, nil
}

// Close is a no-op; the connection pool belongs to the caller.
func (s *PostgresSink) Close() error { return nil }
