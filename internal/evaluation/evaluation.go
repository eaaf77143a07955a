// Package evaluation composes the flag registry with the evaluation cache
// into the single entry point request handlers call.
//
// The package owns two responsibilities the registry deliberately does not:
// memoizing decisions per (flag, subject, environment, path) with a strict
// TTL, and invalidating those memos when a flag changes. It subscribes to
// registry change notifications so an operator update or an automated
// rollback is visible to callers within one cache round trip rather than one
// TTL.
//
// Evaluation itself stays pure and is tested in the registry and engine
// packages; this package tests the composition.
package evaluation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gorollout/internal/cache"
	"github.com/TimurManjosov/gorollout/internal/engine"
	"github.com/TimurManjosov/gorollout/internal/registry"
	"github.com/TimurManjosov/gorollout/internal/rollout"
)

// DefaultTTL bounds how stale a cached decision may be. Flag changes bypass
// it through invalidation; it only matters for time-window conditions and
// for callers that never mutate flags.
const DefaultTTL = 30 * time.Second

// EvaluateResponse is the payload returned for bulk evaluation.
type EvaluateResponse struct {
	Flags       []registry.Result `json:"flags"`
	ETag        string            `json:"etag"`
	EvaluatedAt time.Time         `json:"evaluatedAt"`
}

// DecisionHook observes every completed evaluation. Used by the telemetry
// layer; must not block.
type DecisionHook func(flagKey string, res registry.Result, cached bool)

// Options configures an Evaluator.
type Options struct {
	// Cache enables memoization when non-nil.
	Cache *cache.EvaluationCache

	// TTL for cached decisions. Zero means DefaultTTL.
	TTL time.Duration

	OnDecision DecisionHook
	Logger     zerolog.Logger
}

// Evaluator answers flag decisions, consulting the cache first when one is
// configured.
type Evaluator struct {
	reg   *registry.Registry
	cache *cache.EvaluationCache
	ttl   time.Duration
	hook  DecisionHook
	log   zerolog.Logger

	unsub func()
	done  chan struct{}
}

// New builds an Evaluator and, when a cache is configured, starts the
// background listener that turns registry change notifications into cache
// invalidations. Close releases the listener.
func New(reg *registry.Registry, opts Options) *Evaluator {
	e := &Evaluator{
		reg:   reg,
		cache: opts.Cache,
		ttl:   opts.TTL,
		hook:  opts.OnDecision,
		log:   opts.Logger,
		done:  make(chan struct{}),
	}
	if e.ttl <= 0 {
		e.ttl = DefaultTTL
	}

	if e.cache != nil {
		updates, unsub := reg.Subscribe()
		e.unsub = unsub
		go e.watchInvalidations(updates)
	} else {
		close(e.done)
	}
	return e
}

// Evaluate decides one flag for one caller.
//
// Evaluation order:
//  1. Stamp the context timestamp if the caller left it zero.
//  2. With a cache configured, look up (flag, subject, environment, path);
//     a live entry is returned as-is.
//  3. Otherwise compute through the registry and memoize for the TTL.
//
// Time-window conditions are checked at compute time, so a cached decision
// may lag the wall clock by up to the TTL. A cache backend failure degrades
// to direct evaluation and is counted on the flag's error counter; it never
// fails the request.
func (e *Evaluator) Evaluate(ctx context.Context, flagKey string, ec *engine.EvaluationContext) registry.Result {
	if ec == nil {
		ec = &engine.EvaluationContext{}
	}
	if ec.Timestamp.IsZero() {
		ec.Timestamp = time.Now().UTC()
	}

	if e.cache == nil {
		res := e.reg.Evaluate(flagKey, ec)
		e.observe(flagKey, res, false)
		return res
	}

	subject := rollout.SubjectKey(ec.Identity, ec.SessionID)
	key := cache.Key(flagKey, subject, ec.Environment, ec.Path)

	res, hit, err := e.cache.GetOrCompute(ctx, key, e.ttl, func() registry.Result {
		return e.reg.Evaluate(flagKey, ec)
	})
	if err != nil {
		e.reg.RecordError(flagKey)
	}
	e.observe(flagKey, res, hit)
	return res
}

// EvaluateAll decides every flag in the current snapshot, or only the given
// keys when the filter is non-empty. Unknown keys in the filter are skipped,
// not errors. Results follow snapshot order (sorted by key) so responses are
// stable for the same snapshot.
func (e *Evaluator) EvaluateAll(ctx context.Context, ec *engine.EvaluationContext, keys []string) EvaluateResponse {
	snap := e.reg.Current()

	var results []registry.Result
	if len(keys) > 0 {
		results = make([]registry.Result, 0, len(keys))
		for _, key := range keys {
			if _, ok := snap.Flags[key]; !ok {
				continue
			}
			results = append(results, e.Evaluate(ctx, key, ec))
		}
	} else {
		all := e.reg.All()
		results = make([]registry.Result, 0, len(all))
		for _, flag := range all {
			results = append(results, e.Evaluate(ctx, flag.Key, ec))
		}
	}

	return EvaluateResponse{
		Flags:       results,
		ETag:        snap.ETag,
		EvaluatedAt: time.Now().UTC(),
	}
}

// Close stops the invalidation listener. It does not close the cache; the
// cache's owner does that.
func (e *Evaluator) Close() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
		<-e.done
	}
}

func (e *Evaluator) watchInvalidations(updates <-chan string) {
	defer close(e.done)
	for key := range updates {
		// Invalidation uses its own deadline: the request context that
		// triggered the change is long gone by the time we run.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		if key == "" {
			err = e.cache.InvalidateAll(ctx)
		} else {
			err = e.cache.Invalidate(ctx, key)
		}
		cancel()
		if err != nil {
			e.log.Warn().Err(err).Str("flag", key).Msg("cache invalidation failed")
		}
	}
}

func (e *Evaluator) observe(flagKey string, res registry.Result, cached bool) {
	if e.hook != nil {
		e.hook(flagKey, res, cached)
	}
}
