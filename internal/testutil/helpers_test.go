package testutil

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/metrics"
	"github.com/TimurManjosov/gorollout/internal/store"
	"github.com/TimurManjosov/gorollout/internal/trigger"
)

func TestNewStack(t *testing.T) {
	stack := NewStack(t, "itest-key")

	rr := (&HTTPRequest{Method: "GET", Path: "/healthz"}).Do(t, stack.Handler)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200 from healthz, got %d", rr.Code)
	}

	// Admin routes reject requests without the stack's key.
	rr = (&HTTPRequest{Method: "GET", Path: "/v1/triggers"}).Do(t, stack.Handler)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without token, got %d", rr.Code)
	}
	rr = (&HTTPRequest{
		Method:  "GET",
		Path:    "/v1/triggers",
		Headers: map[string]string{"Authorization": "Bearer itest-key"},
	}).Do(t, stack.Handler)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 with token, got %d", rr.Code)
	}
}

func TestSeedFlagsAndEvaluate(t *testing.T) {
	stack := NewStack(t, "itest-key")
	ctx := context.Background()

	err := SeedFlags(ctx, stack.Registry, []store.FeatureFlag{
		{Key: "checkout-v2", Enabled: true, Rollout: 100},
		{Key: "search-v2", Enabled: false},
	})
	if err != nil {
		t.Fatalf("SeedFlags() error = %v", err)
	}

	rr := (&HTTPRequest{
		Method: "POST",
		Path:   "/v1/evaluate",
		Body:   `{"flagKey": "checkout-v2", "context": {"identity": "user-1"}}`,
	}).Do(t, stack.Handler)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var res struct {
		Enabled bool   `json:"enabled"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !res.Enabled {
		t.Errorf("Expected enabled, got reason %q", res.Reason)
	}
}

// TestTriggerFiresThroughStack drives the full control loop: samples pushed
// over HTTP breach a trigger threshold, one engine tick fires the action, and
// the flag ends up disabled with the firing audited.
func TestTriggerFiresThroughStack(t *testing.T) {
	stack := NewStack(t, "itest-key")
	ctx := context.Background()

	err := SeedFlags(ctx, stack.Registry, []store.FeatureFlag{
		{Key: "checkout-v2", Enabled: true, Rollout: 100},
	})
	if err != nil {
		t.Fatalf("SeedFlags() error = %v", err)
	}

	err = stack.Triggers.Register(trigger.Trigger{
		ID:          "checkout-error-guard",
		Metric:      "checkout_error_rate",
		Aggregation: metrics.AggAvg,
		Window:      5 * time.Minute,
		Operator:    trigger.CmpGreaterThan,
		Threshold:   0.1,
		Action:      action.Spec{Type: "disableFlag", FlagKey: "checkout-v2"},
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	body := `{"samples": [
		{"name": "checkout_error_rate", "value": 0.4},
		{"name": "checkout_error_rate", "value": 0.6}
	]}`
	rr := (&HTTPRequest{Method: "POST", Path: "/v1/metrics/samples", Body: body}).Do(t, stack.Handler)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	stack.Triggers.Tick(ctx)

	disabled := Eventually(t, 2*time.Second, func() bool {
		flag, ok := stack.Registry.Get("checkout-v2")
		return ok && !flag.Enabled
	})
	if !disabled {
		t.Fatal("Expected the trigger to disable checkout-v2")
	}

	audited := Eventually(t, 2*time.Second, func() bool {
		events, err := stack.Sink.Query(ctx, audit.Filter{Kind: audit.KindTriggerFired})
		return err == nil && len(events) == 1
	})
	if !audited {
		t.Error("Expected a trigger.fired audit event")
	}

	status, err := stack.Triggers.Status("checkout-error-guard")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.FireCount != 1 {
		t.Errorf("Expected fire count 1, got %d", status.FireCount)
	}
}

func TestHTTPRequestHelper(t *testing.T) {
	var gotBody string
	var gotHeader string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotHeader = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusTeapot)
	})

	rr := (&HTTPRequest{
		Method:  "POST",
		Path:    "/anything",
		Body:    `{"k":"v"}`,
		Headers: map[string]string{"X-Custom": "yes"},
	}).Do(t, handler)

	if rr.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", rr.Code)
	}
	if gotBody != `{"k":"v"}` {
		t.Errorf("Expected body passthrough, got %q", gotBody)
	}
	if gotHeader != "yes" {
		t.Errorf("Expected custom header, got %q", gotHeader)
	}
}
