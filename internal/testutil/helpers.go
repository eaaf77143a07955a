// Package testutil assembles full in-memory stacks for integration tests:
// every component wired the way rolloutd wires them, minus the listeners.
package testutil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/api"
	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/evaluation"
	"github.com/TimurManjosov/gorollout/internal/metrics"
	"github.com/TimurManjosov/gorollout/internal/notify"
	"github.com/TimurManjosov/gorollout/internal/registry"
	"github.com/TimurManjosov/gorollout/internal/rollback"
	"github.com/TimurManjosov/gorollout/internal/store"
	"github.com/TimurManjosov/gorollout/internal/trigger"
)

// Stack is a complete rollout system on in-memory backends. The trigger
// engine is wired but not running; call Triggers.Tick for a deterministic
// evaluation pass.
type Stack struct {
	Server     *api.Server
	Handler    http.Handler
	Store      *store.MemoryStore
	Registry   *registry.Registry
	Evaluator  *evaluation.Evaluator
	Metrics    *metrics.MemoryStore
	Sink       *audit.MemorySink
	Audit      *audit.Service
	Dashboard  *notify.DashboardChannel
	Notifier   *notify.Router
	Rollbacks  *rollback.Executor
	Dispatcher *action.Dispatcher
	Triggers   *trigger.Engine
	AdminKey   string
}

// NewStack builds a Stack whose background workers are shut down via
// t.Cleanup.
func NewStack(t *testing.T, adminKey string) *Stack {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	reg, err := registry.New(ctx, st, registry.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}
	eval := evaluation.New(reg, evaluation.Options{Logger: zerolog.Nop()})
	t.Cleanup(eval.Close)

	ms := metrics.NewMemoryStore(15 * time.Minute)
	sink := audit.NewMemorySink(1000)
	aud := audit.NewService(sink, audit.ServiceOptions{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = aud.Close() })

	dash := notify.NewDashboardChannel(100)
	router := notify.NewRouter(notify.RouterOptions{Logger: zerolog.Nop()}, dash)
	t.Cleanup(func() { _ = router.Close() })

	exec := rollback.NewExecutor(rollback.Options{
		Flags:   reg,
		Metrics: ms,
		Audit:   aud,
		Logger:  zerolog.Nop(),
	})
	disp := action.NewDispatcher(action.Options{
		Flags:    reg,
		Rollback: exec,
		Audit:    aud,
		Notifier: router,
		Logger:   zerolog.Nop(),
	})
	eng := trigger.NewEngine(ms, disp, trigger.Options{Audit: aud, Logger: zerolog.Nop()})

	srv := api.NewServer(api.Options{
		Evaluator:   eval,
		Registry:    reg,
		Triggers:    eng,
		Rollbacks:   exec,
		Metrics:     ms,
		Audit:       aud,
		Notifier:    router,
		Dashboard:   dash,
		AdminAPIKey: adminKey,
		Logger:      zerolog.Nop(),
	})

	return &Stack{
		Server:     srv,
		Handler:    srv.Router(),
		Store:      st,
		Registry:   reg,
		Evaluator:  eval,
		Metrics:    ms,
		Sink:       sink,
		Audit:      aud,
		Dashboard:  dash,
		Notifier:   router,
		Rollbacks:  exec,
		Dispatcher: disp,
		Triggers:   eng,
		AdminKey:   adminKey,
	}
}

// SeedFlags populates the registry with test flags.
func SeedFlags(ctx context.Context, reg *registry.Registry, flags []store.FeatureFlag) error {
	for _, f := range flags {
		if err := reg.Create(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// HTTPRequest is a helper for making test HTTP requests.
type HTTPRequest struct {
	Method  string
	Path    string
	Body    string
	Headers map[string]string
}

// Do executes the HTTP request and returns the response recorder.
func (r *HTTPRequest) Do(t *testing.T, handler http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if r.Body != "" {
		body = bytes.NewBufferString(r.Body)
	}
	req := httptest.NewRequest(r.Method, r.Path, body)
	if r.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// Eventually polls cond until it returns true or the deadline passes. Audit
// and notification delivery run on background workers, so assertions about
// them need a wait.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
