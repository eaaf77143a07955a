package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TimurManjosov/gorollout/internal/rules"
)

// ErrFlagNotFound is returned when a flag key has no stored definition.
var ErrFlagNotFound = errors.New("flag not found")

// ErrInvalidFlag wraps flag validation failures.
var ErrInvalidFlag = errors.New("invalid flag")

// Store defines the interface for flag persistence operations.
// Implementations must be thread-safe and support concurrent access.
//
// There is deliberately no delete operation: disabling a flag sets
// enabled=false and the record persists for audit.
type Store interface {
	// GetAllFlags retrieves all flag definitions.
	// Returns an empty slice if no flags exist.
	GetAllFlags(ctx context.Context) ([]FeatureFlag, error)

	// GetFlagByKey retrieves a single flag by its key.
	// Returns ErrFlagNotFound if the flag does not exist.
	GetFlagByKey(ctx context.Context, key string) (*FeatureFlag, error)

	// UpsertFlag creates or updates a flag definition.
	UpsertFlag(ctx context.Context, flag FeatureFlag) error

	// Close releases any resources held by the store.
	// After Close is called, the store should not be used.
	Close() error
}

// FeatureFlag represents a feature flag definition with its targeting
// conditions and rollout percentage.
type FeatureFlag struct {
	Key         string            `json:"key" yaml:"key"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Rollout     int               `json:"rolloutPercentage" yaml:"rolloutPercentage"`
	Conditions  []rules.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Owner       string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	RiskLevel   string            `json:"riskLevel,omitempty" yaml:"riskLevel,omitempty"`
	CreatedAt   time.Time         `json:"createdAt" yaml:"createdAt,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt" yaml:"updatedAt,omitempty"`
}

// Validate checks a flag definition for structural problems before it is
// accepted into a store.
func (f *FeatureFlag) Validate() error {
	if f.Key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidFlag)
	}
	if f.Rollout < 0 || f.Rollout > 100 {
		return fmt.Errorf("%w: rollout percentage %d outside [0,100]", ErrInvalidFlag, f.Rollout)
	}
	if err := rules.ValidateConditions(f.Conditions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFlag, err)
	}
	return nil
}
