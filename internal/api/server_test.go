package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/evaluation"
	"github.com/TimurManjosov/gorollout/internal/metrics"
	"github.com/TimurManjosov/gorollout/internal/notify"
	"github.com/TimurManjosov/gorollout/internal/registry"
	"github.com/TimurManjosov/gorollout/internal/rollback"
	"github.com/TimurManjosov/gorollout/internal/store"
	"github.com/TimurManjosov/gorollout/internal/trigger"
)

const testAdminKey = "test-admin-key"

type testServer struct {
	srv       *Server
	handler   http.Handler
	store     store.Store
	registry  *registry.Registry
	metrics   *metrics.MemoryStore
	sink      *audit.MemorySink
	triggers  *trigger.Engine
	rollbacks *rollback.Executor
	dashboard *notify.DashboardChannel
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, nil)
}

// newTestServerWith wires the full stack on in-memory backends. mutate can
// adjust the server options before construction.
func newTestServerWith(t *testing.T, mutate func(*Options)) *testServer {
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
	eng := trigger.NewEngine(ms, disp, trigger.Options{Logger: zerolog.Nop()})

	opts := Options{
		Evaluator:   eval,
		Registry:    reg,
		Triggers:    eng,
		Rollbacks:   exec,
		Metrics:     ms,
		Audit:       aud,
		Notifier:    router,
		Dashboard:   dash,
		AdminAPIKey: testAdminKey,
		Logger:      zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := NewServer(opts)

	return &testServer{
		srv:       srv,
		handler:   srv.Router(),
		store:     st,
		registry:  reg,
		metrics:   ms,
		sink:      sink,
		triggers:  eng,
		rollbacks: exec,
		dashboard: dash,
	}
}

// do runs one request against the router. A string body is sent verbatim,
// anything else is marshalled to JSON.
func (ts *testServer) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			buf, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("Failed to marshal request body: %v", err)
			}
			rd = bytes.NewReader(buf)
		}
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+testAdminKey)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

func (ts *testServer) seedFlag(t *testing.T, flag store.FeatureFlag) {
	t.Helper()
	if err := ts.registry.Create(context.Background(), flag); err != nil {
		t.Fatalf("Failed to seed flag %s: %v", flag.Key, err)
	}
}

// waitAuditEvents polls the sink until want events of the kind arrive; the
// audit service writes from a background worker.
func (ts *testServer) waitAuditEvents(t *testing.T, kind string, want int) []audit.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := ts.sink.Query(context.Background(), audit.Filter{Kind: kind})
		if err != nil {
			t.Fatalf("Failed to query audit sink: %v", err)
		}
		if len(events) >= want {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d %s events, got %d", want, kind, len(events))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitNotifications polls the dashboard until want notifications arrive.
func (ts *testServer) waitNotifications(t *testing.T, want int) []notify.Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		recent := ts.dashboard.Recent(want + 10)
		if len(recent) >= want {
			return recent
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d notifications, got %d", want, len(recent))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/healthz", nil, false)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("Expected body 'ok', got %s", rr.Body.String())
	}
}

func TestHandleReady_Default(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/readyz", nil, false)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

func TestHandleReady_CheckFails(t *testing.T) {
	ts := newTestServerWith(t, func(o *Options) {
		o.Ready = func(context.Context) error { return errors.New("store unreachable") }
	})

	rr := ts.do(t, http.MethodGet, "/readyz", nil, false)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "store unreachable") {
		t.Errorf("Expected failure reason in body, got %s", rr.Body.String())
	}
}

func TestAdminAuth_MissingToken(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/v1/triggers", nil, false)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	errResp := decodeBody[ErrorResponse](t, rr)
	if errResp.Code != ErrCodeUnauthorized {
		t.Errorf("Expected code %s, got %s", ErrCodeUnauthorized, errResp.Code)
	}
	if errResp.RequestID == "" {
		t.Error("Expected request_id in error response")
	}
}

func TestAdminAuth_InvalidToken(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/triggers", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rr.Code)
	}
}

func TestAdminAuth_ValidToken(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/v1/triggers", nil, true)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPublicRateLimit(t *testing.T) {
	ts := newTestServerWith(t, func(o *Options) {
		o.PublicRatePerMin = 2
	})

	for i := 0; i < 2; i++ {
		rr := ts.do(t, http.MethodGet, "/v1/flags", nil, false)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected status 200 on request %d, got %d", i+1, rr.Code)
		}
	}

	rr := ts.do(t, http.MethodGet, "/v1/flags", nil, false)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429 after limit, got %d", rr.Code)
	}
	errResp := decodeBody[ErrorResponse](t, rr)
	if errResp.Code != ErrCodeRateLimited {
		t.Errorf("Expected code %s, got %s", ErrCodeRateLimited, errResp.Code)
	}
}

func TestAdminRateLimit(t *testing.T) {
	ts := newTestServerWith(t, func(o *Options) {
		o.AdminRatePerMin = 2
	})

	for i := 0; i < 2; i++ {
		rr := ts.do(t, http.MethodGet, "/v1/triggers", nil, true)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected status 200 on request %d, got %d", i+1, rr.Code)
		}
	}

	rr := ts.do(t, http.MethodGet, "/v1/triggers", nil, true)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429 after limit, got %d", rr.Code)
	}

	// health stays reachable, the limit binds only the admin group
	if rr := ts.do(t, http.MethodGet, "/healthz", nil, false); rr.Code != http.StatusOK {
		t.Errorf("Expected health to stay 200, got %d", rr.Code)
	}
}
