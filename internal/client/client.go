// Package client is a Go client for the rolloutd HTTP API. rollctl is built
// on it; services that manage flags programmatically can embed it too.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/engine"
	"github.com/TimurManjosov/gorollout/internal/evaluation"
	"github.com/TimurManjosov/gorollout/internal/metrics"
	"github.com/TimurManjosov/gorollout/internal/notify"
	"github.com/TimurManjosov/gorollout/internal/registry"
	"github.com/TimurManjosov/gorollout/internal/rollback"
	"github.com/TimurManjosov/gorollout/internal/store"
	"github.com/TimurManjosov/gorollout/internal/trigger"
)

// Client is an HTTP client for the rolloutd API
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// send issues one request. in is marshaled as the JSON body when non-nil, out
// is decoded from the response body when non-nil. Any status of 400 or above
// becomes an error carrying the server's message.
func (c *Client) send(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// apiError prefers the structured message the server sends; raw body is the
// fallback for proxies and panics.
func apiError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(resp.Body)
	var parsed struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(bodyBytes, &parsed); err == nil && parsed.Message != "" {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, parsed.Message)
	}
	return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(bodyBytes))
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.send(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.send(ctx, http.MethodPost, path, in, out)
}

// Ready checks the readiness endpoint.
func (c *Client) Ready(ctx context.Context) error {
	return c.get(ctx, "/readyz", nil)
}

type evaluateRequest struct {
	FlagKey string                    `json:"flagKey,omitempty"`
	Keys    []string                  `json:"keys,omitempty"`
	Context *engine.EvaluationContext `json:"context"`
}

// Evaluate resolves a single flag for the given evaluation context.
func (c *Client) Evaluate(ctx context.Context, flagKey string, ec engine.EvaluationContext) (registry.Result, error) {
	var out registry.Result
	err := c.post(ctx, "/v1/evaluate", evaluateRequest{FlagKey: flagKey, Context: &ec}, &out)
	return out, err
}

// EvaluateAll resolves every flag, or just keys when non-empty.
func (c *Client) EvaluateAll(ctx context.Context, keys []string, ec engine.EvaluationContext) (evaluation.EvaluateResponse, error) {
	var out evaluation.EvaluateResponse
	err := c.post(ctx, "/v1/evaluate", evaluateRequest{Keys: keys, Context: &ec}, &out)
	return out, err
}

// ListFlags retrieves the current flag snapshot.
func (c *Client) ListFlags(ctx context.Context) (registry.Snapshot, error) {
	var out registry.Snapshot
	err := c.get(ctx, "/v1/flags", &out)
	return out, err
}

// GetFlag retrieves a single flag by key.
func (c *Client) GetFlag(ctx context.Context, key string) (store.FeatureFlag, error) {
	var out store.FeatureFlag
	err := c.get(ctx, "/v1/flags/"+url.PathEscape(key), &out)
	return out, err
}

// FlagStats retrieves evaluation counters for one flag.
func (c *Client) FlagStats(ctx context.Context, key string) (registry.FlagStats, error) {
	var out registry.FlagStats
	err := c.get(ctx, "/v1/flags/"+url.PathEscape(key)+"/stats", &out)
	return out, err
}

// CreateFlag registers a new flag.
func (c *Client) CreateFlag(ctx context.Context, flag store.FeatureFlag) (store.FeatureFlag, error) {
	var out store.FeatureFlag
	err := c.post(ctx, "/v1/flags", flag, &out)
	return out, err
}

// UpdateFlag applies a partial update to an existing flag.
func (c *Client) UpdateFlag(ctx context.Context, key string, patch registry.Patch) (store.FeatureFlag, error) {
	var out store.FeatureFlag
	err := c.send(ctx, http.MethodPatch, "/v1/flags/"+url.PathEscape(key), patch, &out)
	return out, err
}

type enableFlagRequest struct {
	Rollout int `json:"rolloutPercentage"`
}

// EnableFlag turns a flag on at the given rollout percentage.
func (c *Client) EnableFlag(ctx context.Context, key string, rollout int) (store.FeatureFlag, error) {
	var out store.FeatureFlag
	err := c.post(ctx, "/v1/flags/"+url.PathEscape(key)+"/enable", enableFlagRequest{Rollout: rollout}, &out)
	return out, err
}

// DisableFlag turns a flag off, keeping its rollout percentage.
func (c *Client) DisableFlag(ctx context.Context, key string) (store.FeatureFlag, error) {
	var out store.FeatureFlag
	err := c.post(ctx, "/v1/flags/"+url.PathEscape(key)+"/disable", nil, &out)
	return out, err
}

// ReloadResult reports the snapshot rebuilt by ReloadFlags.
type ReloadResult struct {
	Flags int    `json:"flags"`
	ETag  string `json:"etag"`
}

// ReloadFlags rebuilds the server's snapshot from its backing store and
// flushes cached evaluations.
func (c *Client) ReloadFlags(ctx context.Context) (ReloadResult, error) {
	var out ReloadResult
	err := c.post(ctx, "/v1/flags/reload", nil, &out)
	return out, err
}

// TriggerSpec is the wire form of a trigger definition. Durations travel as
// strings ("5m", "30s"); Enabled defaults to true when nil. The yaml tags
// let rollctl read definitions from files.
type TriggerSpec struct {
	ID          string      `json:"id" yaml:"id"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Metric      string      `json:"metric" yaml:"metric"`
	Aggregation string      `json:"aggregation" yaml:"aggregation"`
	Window      string      `json:"window" yaml:"window"`
	Operator    string      `json:"operator" yaml:"operator"`
	Threshold   float64     `json:"threshold" yaml:"threshold"`
	Action      action.Spec `json:"action" yaml:"action"`
	Cooldown    string      `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	MaxFires    int         `json:"maxFires,omitempty" yaml:"maxFires,omitempty"`
	Enabled     *bool       `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// ListTriggers retrieves all triggers with their runtime state.
func (c *Client) ListTriggers(ctx context.Context) ([]trigger.Status, error) {
	var out struct {
		Triggers []trigger.Status `json:"triggers"`
	}
	err := c.get(ctx, "/v1/triggers", &out)
	return out.Triggers, err
}

// CreateTrigger registers a new trigger.
func (c *Client) CreateTrigger(ctx context.Context, spec TriggerSpec) (trigger.Status, error) {
	var out trigger.Status
	err := c.post(ctx, "/v1/triggers", spec, &out)
	return out, err
}

// EnableTrigger resumes evaluation of a trigger.
func (c *Client) EnableTrigger(ctx context.Context, id string) (trigger.Status, error) {
	var out trigger.Status
	err := c.post(ctx, "/v1/triggers/"+url.PathEscape(id)+"/enable", nil, &out)
	return out, err
}

// DisableTrigger pauses evaluation of a trigger.
func (c *Client) DisableTrigger(ctx context.Context, id string) (trigger.Status, error) {
	var out trigger.Status
	err := c.post(ctx, "/v1/triggers/"+url.PathEscape(id)+"/disable", nil, &out)
	return out, err
}

type rollbackRequest struct {
	Component string `json:"component,omitempty"`
	PlanID    string `json:"planId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// StartRollback runs a rollback plan, selected by component or plan ID. Slow
// plans keep running server-side; the outcome then reports in_progress and
// GetRollback tracks it to completion.
func (c *Client) StartRollback(ctx context.Context, component, planID, reason string) (action.RollbackOutcome, error) {
	var out action.RollbackOutcome
	err := c.post(ctx, "/v1/rollbacks", rollbackRequest{Component: component, PlanID: planID, Reason: reason}, &out)
	return out, err
}

// ListRollbacks retrieves recent rollback executions.
func (c *Client) ListRollbacks(ctx context.Context) ([]rollback.Execution, error) {
	var out struct {
		Executions []rollback.Execution `json:"executions"`
	}
	err := c.get(ctx, "/v1/rollbacks", &out)
	return out.Executions, err
}

// GetRollback retrieves one execution by ID.
func (c *Client) GetRollback(ctx context.Context, id string) (rollback.Execution, error) {
	var out rollback.Execution
	err := c.get(ctx, "/v1/rollbacks/"+url.PathEscape(id), &out)
	return out, err
}

// ListPlans retrieves the registered rollback plans.
func (c *Client) ListPlans(ctx context.Context) ([]rollback.Plan, error) {
	var out struct {
		Plans []rollback.Plan `json:"plans"`
	}
	err := c.get(ctx, "/v1/rollbacks/plans", &out)
	return out.Plans, err
}

type ingestRequest struct {
	Samples []metrics.Sample `json:"samples"`
}

// PushSamples sends health samples and reports how many were accepted.
func (c *Client) PushSamples(ctx context.Context, samples []metrics.Sample) (int, error) {
	var out struct {
		Accepted int `json:"accepted"`
	}
	err := c.post(ctx, "/v1/metrics/samples", ingestRequest{Samples: samples}, &out)
	return out.Accepted, err
}

// EventFilter narrows an audit log listing. Zero fields match everything.
type EventFilter struct {
	Kind     string
	Resource string
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (f EventFilter) query() string {
	q := url.Values{}
	if f.Kind != "" {
		q.Set("kind", f.Kind)
	}
	if f.Resource != "" {
		q.Set("resource", f.Resource)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		q.Set("until", f.Until.Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListEvents queries the audit log, newest first.
func (c *Client) ListEvents(ctx context.Context, f EventFilter) ([]audit.Event, error) {
	var out struct {
		Events []audit.Event `json:"events"`
	}
	err := c.get(ctx, "/v1/events"+f.query(), &out)
	return out.Events, err
}

// ListNotifications retrieves the dashboard feed, newest first. Zero limit
// uses the server default.
func (c *Client) ListNotifications(ctx context.Context, limit int) ([]notify.Notification, error) {
	path := "/v1/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	err := c.get(ctx, path, &out)
	return out.Notifications, err
}
