package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/TimurManjosov/gorollout/internal/rules"
	"github.com/TimurManjosov/gorollout/internal/store"
)

// ErrFlagExists is returned by Create when the key is already registered.
var ErrFlagExists = errors.New("flag already exists")

// Patch describes a partial flag update. Nil fields are left unchanged.
type Patch struct {
	Description *string            `json:"description,omitempty"`
	Enabled     *bool              `json:"enabled,omitempty"`
	Rollout     *int               `json:"rolloutPercentage,omitempty"`
	Conditions  *[]rules.Condition `json:"conditions,omitempty"`
	Owner       *string            `json:"owner,omitempty"`
	RiskLevel   *string            `json:"riskLevel,omitempty"`
}

// Create registers a new flag. It fails if the key already exists.
func (r *Registry) Create(ctx context.Context, flag store.FeatureFlag) error {
	if err := flag.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.Current().Flags[flag.Key]; ok {
		return fmt.Errorf("%w: %q", ErrFlagExists, flag.Key)
	}
	return r.applyLocked(ctx, flag)
}

// Update applies a partial patch to an existing flag.
func (r *Registry) Update(ctx context.Context, key string, patch Patch) (store.FeatureFlag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	flag, ok := r.Current().Flags[key]
	if !ok {
		return store.FeatureFlag{}, fmt.Errorf("%w: %q", store.ErrFlagNotFound, key)
	}

	if patch.Description != nil {
		flag.Description = *patch.Description
	}
	if patch.Enabled != nil {
		flag.Enabled = *patch.Enabled
	}
	if patch.Rollout != nil {
		flag.Rollout = *patch.Rollout
	}
	if patch.Conditions != nil {
		flag.Conditions = *patch.Conditions
	}
	if patch.Owner != nil {
		flag.Owner = *patch.Owner
	}
	if patch.RiskLevel != nil {
		flag.RiskLevel = *patch.RiskLevel
	}

	if err := flag.Validate(); err != nil {
		return store.FeatureFlag{}, err
	}
	if err := r.applyLocked(ctx, flag); err != nil {
		return store.FeatureFlag{}, err
	}
	return flag, nil
}

// Enable turns a flag on at the given rollout percentage.
func (r *Registry) Enable(ctx context.Context, key string, pct int) (store.FeatureFlag, error) {
	enabled := true
	return r.Update(ctx, key, Patch{Enabled: &enabled, Rollout: &pct})
}

// Disable turns a flag off. The definition persists for audit; there is no
// delete operation.
func (r *Registry) Disable(ctx context.Context, key string) (store.FeatureFlag, error) {
	enabled := false
	return r.Update(ctx, key, Patch{Enabled: &enabled})
}

// Reduce lowers a flag's rollout percentage by the given number of points,
// clamped at zero. Reducing an unknown flag returns ErrFlagNotFound.
func (r *Registry) Reduce(ctx context.Context, key string, points int) (store.FeatureFlag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	flag, ok := r.Current().Flags[key]
	if !ok {
		return store.FeatureFlag{}, fmt.Errorf("%w: %q", store.ErrFlagNotFound, key)
	}

	target := flag.Rollout - points
	if target < 0 {
		target = 0
	}
	flag.Rollout = target

	if err := r.applyLocked(ctx, flag); err != nil {
		return store.FeatureFlag{}, err
	}
	return flag, nil
}

// SetRollout sets a flag's rollout percentage to an absolute target. Used by
// remediation actions, whose reductions are computed once and replayed
// idempotently.
func (r *Registry) SetRollout(ctx context.Context, key string, pct int) (store.FeatureFlag, error) {
	return r.Update(ctx, key, Patch{Rollout: &pct})
}

// applyLocked persists one flag, swaps the snapshot, and notifies
// subscribers. Callers must hold r.mu.
func (r *Registry) applyLocked(ctx context.Context, flag store.FeatureFlag) error {
	if err := r.store.UpsertFlag(ctx, flag); err != nil {
		return err
	}

	// Rebuild from the persisted state so snapshot timestamps match the
	// store's view.
	stored, err := r.store.GetAllFlags(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload flags after update: %w", err)
	}
	r.current.Store(buildSnapshot(stored))

	r.log.Info().
		Str("flag", flag.Key).
		Bool("enabled", flag.Enabled).
		Int("rollout", flag.Rollout).
		Msg("flag updated")

	r.publish(flag.Key)
	return nil
}
