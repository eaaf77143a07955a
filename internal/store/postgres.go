package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TimurManjosov/gorollout/internal/rules"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

const flagsSchema = `
CREATE TABLE IF NOT EXISTS flags (
	key         TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	enabled     BOOLEAN NOT NULL DEFAULT FALSE,
	rollout     INTEGER NOT NULL DEFAULT 0 CHECK (rollout >= 0 AND rollout <= 100),
	conditions  JSONB NOT NULL DEFAULT '[]',
	owner       TEXT NOT NULL DEFAULT '',
	risk_level  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore is a PostgreSQL implementation of the Store interface
// backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store and ensures the
// flags table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, flagsSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure flags schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// GetAllFlags retrieves all flag definitions from the database, ordered by key.
func (p *PostgresStore) GetAllFlags(ctx context.Context) ([]FeatureFlag, error) {
	query := `
		SELECT key, description, enabled, rollout, conditions, owner, risk_level, created_at, updated_at
		FROM flags
		ORDER BY key
	`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]FeatureFlag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flags: %w", err)
	}

	return flags, nil
}

// GetFlagByKey retrieves a single flag by its key from the database.
func (p *PostgresStore) GetFlagByKey(ctx context.Context, key string) (*FeatureFlag, error) {
	query := `
		SELECT key, description, enabled, rollout, conditions, owner, risk_level, created_at, updated_at
		FROM flags
		WHERE key = $1
	`

	row := p.pool.QueryRow(ctx, query, key)
	flag, err := scanFlag(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFlagNotFound
		}
		return nil, fmt.Errorf("failed to get flag %q: %w", key, err)
	}

	return &flag, nil
}

// UpsertFlag creates or updates a flag in the database.
func (p *PostgresStore) UpsertFlag(ctx context.Context, flag FeatureFlag) error {
	if err := flag.Validate(); err != nil {
		return err
	}

	conditions, err := json.Marshal(flag.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}

	query := `
		INSERT INTO flags (key, description, enabled, rollout, conditions, owner, risk_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			description = EXCLUDED.description,
			enabled     = EXCLUDED.enabled,
			rollout     = EXCLUDED.rollout,
			conditions  = EXCLUDED.conditions,
			owner       = EXCLUDED.owner,
			risk_level  = EXCLUDED.risk_level,
			updated_at  = now()
	`

	if _, err := p.pool.Exec(ctx, query,
		flag.Key,
		flag.Description,
		flag.Enabled,
		flag.Rollout,
		conditions,
		flag.Owner,
		flag.RiskLevel,
	); err != nil {
		return fmt.Errorf("failed to upsert flag %q: %w", flag.Key, err)
	}

	return nil
}

// Close closes the database connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// scanFlag maps one flags row onto a FeatureFlag. Conditions are stored as
// a JSONB array.
func scanFlag(row pgx.Row) (FeatureFlag, error) {
	var (
		flag          FeatureFlag
		conditionsRaw []byte
	)

	err := row.Scan(
		&flag.Key,
		&flag.Description,
		&flag.Enabled,
		&flag.Rollout,
		&conditionsRaw,
		&flag.Owner,
		&flag.RiskLevel,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	if err != nil {
		return FeatureFlag{}, err
	}

	if len(conditionsRaw) > 0 {
		var conds []rules.Condition
		if err := json.Unmarshal(conditionsRaw, &conds); err != nil {
			return FeatureFlag{}, fmt.Errorf("failed to decode conditions for %q: %w", flag.Key, err)
		}
		flag.Conditions = conds
	}

	return flag, nil
}
