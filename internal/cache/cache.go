// Package cache provides the time-bounded memoization layer that sits in
// front of flag evaluation. It abstracts the backing store (in-memory or
// Redis), handling serialization, key namespacing, and prefix invalidation.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/TimurManjosov/gorollout/internal/registry"
)

// Store is the backend contract for cached evaluation payloads. Entries
// expire strictly by wall-clock TTL: a read past expiry is a miss, never a
// stale hit.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// DeletePrefix removes every entry whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// DeleteAll clears the store, used on bulk configuration reload.
	DeleteAll(ctx context.Context) error

	Close() error
}

// Key builds the cache key for one evaluation. The layout is
// "flagKey:subject:environment:path" so that all entries for a flag share
// the "flagKey:" prefix and can be invalidated together when the flag
// changes.
func Key(flagKey, subject, environment, path string) string {
	return flagKey + ":" + subject + ":" + environment + ":" + path
}

// EvaluationCache memoizes evaluation results in a Store. Concurrent misses
// for the same key are collapsed into a single computation.
type EvaluationCache struct {
	store Store
	group singleflight.Group
	log   zerolog.Logger
}

func New(store Store, log zerolog.Logger) *EvaluationCache {
	return &EvaluationCache{store: store, log: log}
}

// GetOrCompute returns the cached result for key, or runs compute and caches
// its result for ttl. The returned bool reports whether the result came from
// the cache. A backend failure never fails the evaluation: the result is
// computed directly and the error is returned alongside it for accounting.
func (c *EvaluationCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func() registry.Result) (registry.Result, bool, error) {
	payload, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return compute(), false, err
	}
	if ok {
		var res registry.Result
		if err := json.Unmarshal(payload, &res); err == nil {
			return res, true, nil
		}
		// Corrupted entry: fall through and recompute over it.
		c.log.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	}

	val, err, _ := c.group.Do(key, func() (any, error) {
		// Another in-flight computation may have stored the entry while we
		// waited on the flight lock.
		payload, ok, err := c.store.Get(ctx, key)
		if err == nil && ok {
			var res registry.Result
			if err := json.Unmarshal(payload, &res); err == nil {
				return res, nil
			}
		}

		res := compute()
		encoded, err := json.Marshal(res)
		if err != nil {
			return res, nil
		}
		if err := c.store.Set(ctx, key, encoded, ttl); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
		return res, nil
	})
	return val.(registry.Result), false, err
}

// Invalidate drops all cached results for one flag.
func (c *EvaluationCache) Invalidate(ctx context.Context, flagKey string) error {
	return c.store.DeletePrefix(ctx, flagKey+":")
}

// InvalidateAll clears the whole cache.
func (c *EvaluationCache) InvalidateAll(ctx context.Context) error {
	return c.store.DeleteAll(ctx)
}

func (c *EvaluationCache) Close() error {
	return c.store.Close()
}
