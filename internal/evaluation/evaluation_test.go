package evaluation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gorollout/internal/cache"
	"github.com/TimurManjosov/gorollout/internal/engine"
	"github.com/TimurManjosov/gorollout/internal/registry"
	"github.com/TimurManjosov/gorollout/internal/rules"
	"github.com/TimurManjosov/gorollout/internal/store"
)

func newTestEvaluator(t *testing.T, opts Options, flags ...store.FeatureFlag) (*Evaluator, *registry.Registry) {
	t.Helper()

	st := store.NewMemoryStore()
	ctx := context.Background()
	for _, flag := range flags {
		if err := st.UpsertFlag(ctx, flag); err != nil {
			t.Fatalf("seed flag %q: %v", flag.Key, err)
		}
	}

	reg, err := registry.New(ctx, st, registry.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}

	ev := New(reg, opts)
	t.Cleanup(ev.Close)
	return ev, reg
}

func cachedOptions() Options {
	return Options{
		Cache:  cache.New(cache.NewMemoryStore(), zerolog.Nop()),
		Logger: zerolog.Nop(),
	}
}

func TestEvaluate_CachesDecision(t *testing.T) {
	ev, reg := newTestEvaluator(t, cachedOptions(),
		store.FeatureFlag{Key: "beta-search", Enabled: true, Rollout: 100})
	ctx := context.Background()
	ec := &engine.EvaluationContext{Identity: "user-1", Environment: "prod"}

	first := ev.Evaluate(ctx, "beta-search", ec)
	second := ev.Evaluate(ctx, "beta-search", ec)

	if !first.Enabled || !second.Enabled {
		t.Error("expected both evaluations enabled")
	}
	if first.Reason != second.Reason {
		t.Errorf("cached reason diverged: %q vs %q", first.Reason, second.Reason)
	}
	// Only one evaluation reached the registry; the second was served from
	// the cache.
	if n := reg.Stats("beta-search").Evaluations; n != 1 {
		t.Errorf("registry evaluations = %d, want 1", n)
	}
}

func TestEvaluate_DistinctSubjectsComputeSeparately(t *testing.T) {
	ev, reg := newTestEvaluator(t, cachedOptions(),
		store.FeatureFlag{Key: "beta-search", Enabled: true, Rollout: 50})
	ctx := context.Background()

	ev.Evaluate(ctx, "beta-search", &engine.EvaluationContext{Identity: "user-1"})
	ev.Evaluate(ctx, "beta-search", &engine.EvaluationContext{Identity: "user-2"})

	if n := reg.Stats("beta-search").Evaluations; n != 2 {
		t.Errorf("registry evaluations = %d, want 2 for distinct subjects", n)
	}
}

func TestEvaluate_WithoutCache(t *testing.T) {
	ev, reg := newTestEvaluator(t, Options{Logger: zerolog.Nop()},
		store.FeatureFlag{Key: "beta-search", Enabled: true, Rollout: 100})
	ctx := context.Background()
	ec := &engine.EvaluationContext{Identity: "user-1"}

	ev.Evaluate(ctx, "beta-search", ec)
	ev.Evaluate(ctx, "beta-search", ec)

	if n := reg.Stats("beta-search").Evaluations; n != 2 {
		t.Errorf("registry evaluations = %d, want 2 without caching", n)
	}
}

func TestEvaluate_StampsTimestamp(t *testing.T) {
	windowStart := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	ev, _ := newTestEvaluator(t, Options{Logger: zerolog.Nop()},
		store.FeatureFlag{
			Key:     "window-flag",
			Enabled: true,
			Rollout: 100,
			Conditions: []rules.Condition{
				{Type: rules.TypeTimeWindow, Operator: rules.OpGreaterThan, Value: windowStart},
			},
		})

	// The caller leaves the timestamp zero; the evaluator stamps it with the
	// current time, which is inside the window.
	res := ev.Evaluate(context.Background(), "window-flag", &engine.EvaluationContext{Identity: "user-1"})
	if !res.Enabled {
		t.Errorf("expected enabled, reason: %s", res.Reason)
	}
}

func TestEvaluate_InvalidationOnFlagChange(t *testing.T) {
	ev, reg := newTestEvaluator(t, cachedOptions(),
		store.FeatureFlag{Key: "beta-search", Enabled: true, Rollout: 100})
	ctx := context.Background()
	ec := &engine.EvaluationContext{Identity: "user-1"}

	if res := ev.Evaluate(ctx, "beta-search", ec); !res.Enabled {
		t.Fatalf("expected enabled before disable, reason: %s", res.Reason)
	}

	if _, err := reg.Disable(ctx, "beta-search"); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	// The invalidation listener runs asynchronously; poll until it lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		res := ev.Evaluate(ctx, "beta-search", ec)
		if !res.Enabled {
			if res.Reason != "disabled" {
				t.Errorf("reason = %q, want disabled", res.Reason)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("cached decision survived flag change")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEvaluateAll(t *testing.T) {
	ev, _ := newTestEvaluator(t, cachedOptions(),
		store.FeatureFlag{Key: "alpha", Enabled: true, Rollout: 100},
		store.FeatureFlag{Key: "beta", Enabled: false, Rollout: 0},
		store.FeatureFlag{Key: "gamma", Enabled: true, Rollout: 100})
	ctx := context.Background()
	ec := &engine.EvaluationContext{Identity: "user-1"}

	resp := ev.EvaluateAll(ctx, ec, nil)
	if len(resp.Flags) != 3 {
		t.Fatalf("got %d results, want 3", len(resp.Flags))
	}
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if resp.Flags[i].FlagKey != want {
			t.Errorf("result[%d] = %q, want %q", i, resp.Flags[i].FlagKey, want)
		}
	}
	if resp.ETag == "" {
		t.Error("response ETag should not be empty")
	}
	if resp.EvaluatedAt.IsZero() {
		t.Error("EvaluatedAt should be stamped")
	}

	// Filtered: unknown keys are skipped, not errors.
	filtered := ev.EvaluateAll(ctx, ec, []string{"gamma", "missing"})
	if len(filtered.Flags) != 1 || filtered.Flags[0].FlagKey != "gamma" {
		t.Errorf("filtered results = %+v, want only gamma", filtered.Flags)
	}
}

func TestDecisionHook(t *testing.T) {
	var mu sync.Mutex
	type call struct {
		key    string
		cached bool
	}
	var calls []call

	opts := cachedOptions()
	opts.OnDecision = func(flagKey string, res registry.Result, cached bool) {
		mu.Lock()
		calls = append(calls, call{flagKey, cached})
		mu.Unlock()
	}

	ev, _ := newTestEvaluator(t, opts,
		store.FeatureFlag{Key: "beta-search", Enabled: true, Rollout: 100})
	ctx := context.Background()
	ec := &engine.EvaluationContext{Identity: "user-1"}

	ev.Evaluate(ctx, "beta-search", ec)
	ev.Evaluate(ctx, "beta-search", ec)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("hook saw %d calls, want 2", len(calls))
	}
	if calls[0].cached {
		t.Error("first decision reported as cached")
	}
	if !calls[1].cached {
		t.Error("second decision was not reported as cached")
	}
}

func TestClose_Idempotent(t *testing.T) {
	ev, _ := newTestEvaluator(t, cachedOptions())
	ev.Close()
	ev.Close()
}
