package rollback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/metrics"
	"github.com/TimurManjosov/gorollout/internal/registry"
	"github.com/TimurManjosov/gorollout/internal/store"
)

type execHarness struct {
	reg *registry.Registry
	aud *audit.Service
	ms  *metrics.MemoryStore
	ex  *Executor
}

func newExecHarness(t *testing.T, opts Options, flags ...store.FeatureFlag) *execHarness {
	t.Helper()

	st := store.NewMemoryStore()
	for _, f := range flags {
		if err := st.UpsertFlag(context.Background(), f); err != nil {
			t.Fatalf("seeding flag %s: %v", f.Key, err)
		}
	}
	reg, err := registry.New(context.Background(), st, registry.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}

	h := &execHarness{
		reg: reg,
		aud: audit.NewService(audit.NewMemorySink(100), audit.ServiceOptions{Logger: zerolog.Nop()}),
		ms:  metrics.NewMemoryStore(time.Hour),
	}
	t.Cleanup(func() { _ = h.aud.Close() })

	opts.Flags = reg
	opts.Metrics = h.ms
	opts.Audit = h.aud
	opts.Logger = zerolog.Nop()
	if opts.CheckTimeout == 0 {
		opts.CheckTimeout = 200 * time.Millisecond
	}
	h.ex = NewExecutor(opts)
	return h
}

// stepRecorder hands out step methods that remember their invocation order.
type stepRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *stepRecorder) ok(name string) StepFunc {
	return func(context.Context, Params) (string, error) {
		r.record(name)
		return name + " done", nil
	}
}

func (r *stepRecorder) failing(name string) StepFunc {
	return func(context.Context, Params) (string, error) {
		r.record(name)
		return "", errors.New(name + " exploded")
	}
}

func (r *stepRecorder) record(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *stepRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func step(order int, name, method string) Step {
	return Step{Order: order, Name: name, Method: method}
}

func stepStatuses(exec Execution) []StepStatus {
	out := make([]StepStatus, len(exec.Steps))
	for i, s := range exec.Steps {
		out[i] = s.Status
	}
	return out
}

func sameStatuses(got, want []StepStatus) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRun_ExecutesPlanWithBuiltins(t *testing.T) {
	h := newExecHarness(t, Options{}, store.FeatureFlag{Key: "beta-checkout", Enabled: true, Rollout: 100})

	plan := Plan{
		ID:        "checkout-drain",
		Component: "checkout",
		Steps: []Step{
			{
				Order: 1, Name: "throttle", Method: "flag.setRollout",
				Params: Params{"flag": "beta-checkout", "percent": 10},
				Check:  &CheckRef{Name: "flag.rolloutAtMost", Params: Params{"flag": "beta-checkout", "percent": 10}},
			},
			{
				Order: 2, Name: "kill", Method: "flag.disable",
				Params: Params{"flag": "beta-checkout"},
				Check:  &CheckRef{Name: "flag.disabled", Params: Params{"flag": "beta-checkout"}},
			},
		},
		PostChecks: []CheckRef{
			{Name: "flag.disabled", Params: Params{"flag": "beta-checkout"}, Critical: true},
		},
	}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	out, err := h.ex.Run(context.Background(), "checkout", "", "error rate breach")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != string(StatusCompleted) {
		t.Fatalf("outcome status = %q, want completed", out.Status)
	}

	flag, _ := h.reg.Get("beta-checkout")
	if flag.Enabled || flag.Rollout != 10 {
		t.Errorf("flag after rollback: enabled=%v rollout=%d, want disabled at 10%%", flag.Enabled, flag.Rollout)
	}

	exec, ok := h.ex.Execution(out.ExecutionID)
	if !ok {
		t.Fatalf("execution %s not retained", out.ExecutionID)
	}
	if exec.Status != StatusCompleted {
		t.Errorf("execution status = %q, want completed", exec.Status)
	}
	if !sameStatuses(stepStatuses(exec), []StepStatus{StepCompleted, StepCompleted}) {
		t.Errorf("step statuses = %v", stepStatuses(exec))
	}
	if len(exec.PostChecks) != 1 || !exec.PostChecks[0].Passed {
		t.Errorf("post checks = %+v", exec.PostChecks)
	}
	if len(exec.Logs) == 0 {
		t.Error("execution carries no logs")
	}
	if exec.FinishedAt.IsZero() || exec.DurationMs < 0 {
		t.Errorf("timings not recorded: finished=%v duration=%d", exec.FinishedAt, exec.DurationMs)
	}

	if err := h.aud.Close(); err != nil {
		t.Fatalf("closing audit service: %v", err)
	}
	started, err := h.aud.Query(context.Background(), audit.Filter{Kind: audit.KindRollbackStarted})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	finished, err := h.aud.Query(context.Background(), audit.Filter{Kind: audit.KindRollbackFinished})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(started) != 1 || len(finished) != 1 {
		t.Fatalf("audit recorded %d started / %d finished events, want 1/1", len(started), len(finished))
	}
	if started[0].Resource != "checkout" {
		t.Errorf("started resource = %q, want checkout", started[0].Resource)
	}
	if finished[0].Detail["status"] != "completed" {
		t.Errorf("finished detail = %v", finished[0].Detail)
	}
}

// A failed step without compensation stops the plan: later steps are
// skipped and the execution terminates failed.
func TestRun_StepFailureSkipsRemainder(t *testing.T) {
	h := newExecHarness(t, Options{})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.one", rec.ok("one"))
	h.ex.RegisterRunner("t.two", rec.failing("two"))
	h.ex.RegisterRunner("t.three", rec.ok("three"))

	plan := Plan{
		ID: "payments-db", Component: "payments",
		Steps: []Step{
			step(1, "first", "t.one"),
			step(2, "second", "t.two"), // non-critical, no compensation
			step(3, "third", "t.three"),
		},
	}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	out, err := h.ex.Run(context.Background(), "payments", "", "test")
	if err == nil {
		t.Fatal("Run() succeeded, want failure")
	}
	if out.Status != string(StatusFailed) {
		t.Errorf("outcome status = %q, want failed", out.Status)
	}
	if !strings.Contains(err.Error(), "second") {
		t.Errorf("error = %q, want it to name the failed step", err)
	}

	got := rec.names()
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("executed steps = %v, want [one two]", got)
	}

	exec, _ := h.ex.Execution(out.ExecutionID)
	if !sameStatuses(stepStatuses(exec), []StepStatus{StepCompleted, StepFailed, StepSkipped}) {
		t.Errorf("step statuses = %v, want [completed failed skipped]", stepStatuses(exec))
	}
}

func TestRun_CompensatedStepContinues(t *testing.T) {
	h := newExecHarness(t, Options{})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.one", rec.ok("one"))
	h.ex.RegisterRunner("t.two", rec.failing("two"))
	h.ex.RegisterRunner("t.undo", rec.ok("undo-two"))
	h.ex.RegisterRunner("t.three", rec.ok("three"))

	plan := Plan{
		ID: "payments-db", Component: "payments",
		Steps: []Step{
			step(1, "first", "t.one"),
			{
				Order: 2, Name: "second", Method: "t.two",
				RollbackOnFailure: true,
				Compensation:      &Compensation{Method: "t.undo"},
			},
			step(3, "third", "t.three"),
		},
	}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	out, err := h.ex.Run(context.Background(), "payments", "", "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != string(StatusCompleted) {
		t.Errorf("outcome status = %q, want completed", out.Status)
	}

	got := rec.names()
	want := []string{"one", "two", "undo-two", "three"}
	if len(got) != len(want) {
		t.Fatalf("executed steps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("executed steps = %v, want %v", got, want)
		}
	}

	exec, _ := h.ex.Execution(out.ExecutionID)
	if !sameStatuses(stepStatuses(exec), []StepStatus{StepCompleted, StepCompensated, StepCompleted}) {
		t.Errorf("step statuses = %v", stepStatuses(exec))
	}
}

// Critical steps abort the plan even when their compensation succeeds; the
// compensation cleans up the step, not the plan.
func TestRun_CriticalStepAbortsAfterCompensation(t *testing.T) {
	h := newExecHarness(t, Options{})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.one", rec.ok("one"))
	h.ex.RegisterRunner("t.two", rec.failing("two"))
	h.ex.RegisterRunner("t.undo", rec.ok("undo-two"))
	h.ex.RegisterRunner("t.three", rec.ok("three"))

	plan := Plan{
		ID: "payments-db", Component: "payments",
		Steps: []Step{
			step(1, "first", "t.one"),
			{
				Order: 2, Name: "second", Method: "t.two",
				Critical:          true,
				RollbackOnFailure: true,
				Compensation:      &Compensation{Method: "t.undo"},
			},
			step(3, "third", "t.three"),
		},
	}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	out, err := h.ex.Run(context.Background(), "payments", "", "test")
	if err == nil {
		t.Fatal("Run() succeeded, want failure")
	}
	if !strings.Contains(err.Error(), "critical step") {
		t.Errorf("error = %q, want it to mention the critical step", err)
	}

	got := rec.names()
	if len(got) != 3 || got[2] != "undo-two" {
		t.Errorf("executed steps = %v, want compensation to run and third step not to", got)
	}
	exec, _ := h.ex.Execution(out.ExecutionID)
	if !sameStatuses(stepStatuses(exec), []StepStatus{StepCompleted, StepCompensated, StepSkipped}) {
		t.Errorf("step statuses = %v", stepStatuses(exec))
	}
}

func TestRun_FailedCompensationFailsStep(t *testing.T) {
	h := newExecHarness(t, Options{})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.two", rec.failing("two"))
	h.ex.RegisterRunner("t.badundo", rec.failing("undo"))
	h.ex.RegisterRunner("t.three", rec.ok("three"))

	plan := Plan{
		ID: "payments-db", Component: "payments",
		Steps: []Step{
			{
				Order: 1, Name: "second", Method: "t.two",
				RollbackOnFailure: true,
				Compensation:      &Compensation{Method: "t.badundo"},
			},
			step(2, "third", "t.three"),
		},
	}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	out, err := h.ex.Run(context.Background(), "payments", "", "test")
	if err == nil {
		t.Fatal("Run() succeeded, want failure")
	}
	exec, _ := h.ex.Execution(out.ExecutionID)
	if !sameStatuses(stepStatuses(exec), []StepStatus{StepFailed, StepSkipped}) {
		t.Errorf("step statuses = %v, want [failed skipped]", stepStatuses(exec))
	}
	if !strings.Contains(exec.Steps[0].Error, "compensation") {
		t.Errorf("step error = %q, want it to mention the compensation failure", exec.Steps[0].Error)
	}
}

func TestRun_CriticalPreCheckAborts(t *testing.T) {
	h := newExecHarness(t, Options{})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.one", rec.ok("one"))
	h.ex.RegisterCheck("t.red", func(context.Context, Params) error {
		return errors.New("database unreachable")
	})

	plan := Plan{
		ID: "payments-db", Component: "payments",
		PreChecks: []CheckRef{{Name: "t.red", Critical: true}},
		Steps:     []Step{step(1, "first", "t.one")},
	}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	out, err := h.ex.Run(context.Background(), "payments", "", "test")
	if err == nil {
		t.Fatal("Run() succeeded, want failure")
	}
	if !strings.Contains(err.Error(), "pre-check t.red") {
		t.Errorf("error = %q, want it to name the pre-check", err)
	}
	if len(rec.names()) != 0 {
		t.Errorf("steps ran despite failed critical pre-check: %v", rec.names())
	}
	exec, _ := h.ex.Execution(out.ExecutionID)
	if !sameStatuses(stepStatuses(exec), []StepStatus{StepSkipped}) {
		t.Errorf("step statuses = %v, want [skipped]", stepStatuses(exec))
	}
}

func TestRun_NonCriticalPreCheckContinues(t *testing.T) {
	h := newExecHarness(t, Options{})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.one", rec.ok("one"))
	h.ex.RegisterCheck("t.red", func(context.Context, Params) error {
		return errors.New("cache cold")
	})

	plan := Plan{
		ID: "payments-db", Component: "payments",
		PreChecks: []CheckRef{{Name: "t.red"}},
		Steps:     []Step{step(1, "first", "t.one")},
	}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	out, err := h.ex.Run(context.Background(), "payments", "", "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	exec, _ := h.ex.Execution(out.ExecutionID)
	if len(exec.PreChecks) != 1 || exec.PreChecks[0].Passed {
		t.Errorf("pre-checks = %+v, want one recorded failure", exec.PreChecks)
	}
	if exec.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", exec.Status)
	}
}

// A validation gate that never returns counts as a step failure once its
// timeout expires.
func TestRun_GateTimeoutFailsStep(t *testing.T) {
	h := newExecHarness(t, Options{CheckTimeout: 50 * time.Millisecond})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.one", rec.ok("one"))
	h.ex.RegisterCheck("t.stall", func(ctx context.Context, _ Params) error {
		<-ctx.Done()
		return ctx.Err()
	})

	plan := Plan{
		ID: "payments-db", Component: "payments",
		Steps: []Step{{
			Order: 1, Name: "first", Method: "t.one",
			Check: &CheckRef{Name: "t.stall"},
		}},
	}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	out, err := h.ex.Run(context.Background(), "payments", "", "test")
	if err == nil {
		t.Fatal("Run() succeeded, want gate timeout failure")
	}
	exec, _ := h.ex.Execution(out.ExecutionID)
	if exec.Status != StatusFailed {
		t.Errorf("status = %q, want failed", exec.Status)
	}
	if !strings.Contains(exec.Steps[0].Error, "validation t.stall") {
		t.Errorf("step error = %q, want it to name the validation gate", exec.Steps[0].Error)
	}
}

func TestRun_SerializesSameComponent(t *testing.T) {
	h := newExecHarness(t, Options{})

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	h.ex.RegisterRunner("t.slow", func(context.Context, Params) (string, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return "done", nil
	})

	plan := Plan{
		ID: "payments-db", Component: "payments",
		Steps: []Step{step(1, "slow", "t.slow")},
	}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.ex.Run(context.Background(), "payments", "", "test"); err != nil {
				t.Errorf("Run() error = %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("saw %d concurrent executions for one component, want 1", maxInFlight)
	}
	if len(h.ex.Executions()) != 2 {
		t.Errorf("retained %d executions, want 2", len(h.ex.Executions()))
	}
}

// When the caller's context dies first, the execution keeps running in the
// background and still reaches a terminal state.
func TestRun_OutlivesCaller(t *testing.T) {
	h := newExecHarness(t, Options{})

	plan := Plan{
		ID: "payments-db", Component: "payments",
		Steps: []Step{{
			Order: 1, Name: "drain", Method: "wait",
			Params: Params{"duration": "120ms"},
		}},
	}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out, err := h.ex.Run(ctx, "payments", "", "test")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
	if out.Status != string(StatusInProgress) {
		t.Fatalf("outcome status = %q, want in_progress", out.Status)
	}
	if out.ExecutionID == "" {
		t.Fatal("outcome carries no execution id")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		exec, ok := h.ex.Execution(out.ExecutionID)
		if !ok {
			t.Fatalf("execution %s not retained", out.ExecutionID)
		}
		if exec.Terminal() {
			if exec.Status != StatusCompleted {
				t.Fatalf("background execution ended %q: %s", exec.Status, exec.Error)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("background execution never reached a terminal state")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// The plan timeout is checked between steps: the in-flight step finishes,
// the rest are skipped and the execution ends cancelled.
func TestRun_PlanTimeoutCancelsBetweenSteps(t *testing.T) {
	h := newExecHarness(t, Options{PlanTimeout: 40 * time.Millisecond})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.outlast", func(ctx context.Context, _ Params) (string, error) {
		<-ctx.Done()
		return "survived", nil
	})
	h.ex.RegisterRunner("t.two", rec.ok("two"))

	plan := Plan{
		ID: "payments-db", Component: "payments",
		Steps: []Step{
			step(1, "first", "t.outlast"),
			step(2, "second", "t.two"),
		},
	}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	out, err := h.ex.Run(context.Background(), "payments", "", "test")
	if err == nil {
		t.Fatal("Run() succeeded, want cancellation")
	}
	if out.Status != string(StatusCancelled) {
		t.Errorf("outcome status = %q, want cancelled", out.Status)
	}
	if len(rec.names()) != 0 {
		t.Errorf("second step ran after plan timeout: %v", rec.names())
	}
	exec, _ := h.ex.Execution(out.ExecutionID)
	if !sameStatuses(stepStatuses(exec), []StepStatus{StepCompleted, StepSkipped}) {
		t.Errorf("step statuses = %v, want [completed skipped]", stepStatuses(exec))
	}
}

func TestRun_UnknownComponent(t *testing.T) {
	h := newExecHarness(t, Options{})

	out, err := h.ex.Run(context.Background(), "nowhere", "", "test")
	if err == nil {
		t.Fatal("Run() succeeded for an unregistered component")
	}
	if !strings.Contains(err.Error(), "no rollback plan") {
		t.Errorf("error = %q", err)
	}
	if out.Status != string(StatusFailed) {
		t.Errorf("outcome status = %q, want failed", out.Status)
	}
}

func TestRun_CriticalPostCheckFails(t *testing.T) {
	h := newExecHarness(t, Options{})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.one", rec.ok("one"))
	h.ex.RegisterCheck("t.red", func(context.Context, Params) error {
		return errors.New("error rate still high")
	})

	plan := Plan{
		ID: "payments-db", Component: "payments",
		Steps:      []Step{step(1, "first", "t.one")},
		PostChecks: []CheckRef{{Name: "t.red", Critical: true}},
	}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	out, err := h.ex.Run(context.Background(), "payments", "", "test")
	if err == nil {
		t.Fatal("Run() succeeded, want post-check failure")
	}
	if !strings.Contains(err.Error(), "post-check t.red") {
		t.Errorf("error = %q, want it to name the post-check", err)
	}
	exec, _ := h.ex.Execution(out.ExecutionID)
	if !sameStatuses(stepStatuses(exec), []StepStatus{StepCompleted}) {
		t.Errorf("step statuses = %v, want the step completed", stepStatuses(exec))
	}
}

func TestRegisterPlan_Validation(t *testing.T) {
	h := newExecHarness(t, Options{})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.one", rec.ok("one"))

	base := func() Plan {
		return Plan{
			ID: "p", Component: "c",
			Steps: []Step{step(1, "first", "t.one"), step(2, "second", "t.one")},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Plan)
		wantErr string
	}{
		{
			name:    "duplicate order",
			mutate:  func(p *Plan) { p.Steps[1].Order = 1 },
			wantErr: "strictly increasing",
		},
		{
			name:    "rollbackOnFailure without compensation",
			mutate:  func(p *Plan) { p.Steps[0].RollbackOnFailure = true },
			wantErr: "compensation",
		},
		{
			name:    "unknown method",
			mutate:  func(p *Plan) { p.Steps[0].Method = "t.nope" },
			wantErr: "unknown method",
		},
		{
			name:    "unknown check",
			mutate:  func(p *Plan) { p.PreChecks = []CheckRef{{Name: "t.nope"}} },
			wantErr: "unknown check",
		},
		{
			name:    "no steps",
			mutate:  func(p *Plan) { p.Steps = nil },
			wantErr: "at least one step",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(&p)
			err := h.ex.RegisterPlan(p)
			if err == nil {
				t.Fatal("RegisterPlan() accepted an invalid plan")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}

	if err := h.ex.RegisterPlan(base()); err != nil {
		t.Fatalf("RegisterPlan() rejected a valid plan: %v", err)
	}
	if err := h.ex.RegisterPlan(base()); err == nil {
		t.Error("RegisterPlan() accepted a duplicate plan id")
	}
}

func TestReplacePlans_SwapsDefaults(t *testing.T) {
	h := newExecHarness(t, Options{})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.one", rec.ok("one"))

	first := Plan{ID: "a", Component: "payments", Steps: []Step{step(1, "s", "t.one")}}
	if err := h.ex.RegisterPlan(first); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	second := Plan{ID: "b", Component: "payments", Steps: []Step{step(1, "s", "t.one")}}
	if err := h.ex.ReplacePlans([]Plan{second}); err != nil {
		t.Fatalf("ReplacePlans() error = %v", err)
	}

	out, err := h.ex.Run(context.Background(), "payments", "", "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.ExecutionID == "" {
		t.Fatal("no execution id")
	}
	exec, _ := h.ex.Execution(out.ExecutionID)
	if exec.PlanID != "b" {
		t.Errorf("default plan = %q, want the replaced set's b", exec.PlanID)
	}

	if _, err := h.ex.Run(context.Background(), "payments", "a", "test"); err == nil {
		t.Error("Run() found a plan dropped by ReplacePlans")
	}
}

func TestExecutions_HistoryBounded(t *testing.T) {
	h := newExecHarness(t, Options{HistoryLimit: 2})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.one", rec.ok("one"))

	plan := Plan{ID: "p", Component: "c", Steps: []Step{step(1, "s", "t.one")}}
	if err := h.ex.RegisterPlan(plan); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		out, err := h.ex.Run(context.Background(), "c", "", "test")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		ids = append(ids, out.ExecutionID)
	}

	execs := h.ex.Executions()
	if len(execs) != 2 {
		t.Fatalf("retained %d executions, want 2", len(execs))
	}
	if execs[0].ID != ids[2] {
		t.Errorf("newest first: got %s, want %s", execs[0].ID, ids[2])
	}
	if _, ok := h.ex.Execution(ids[0]); ok {
		t.Error("oldest execution not evicted")
	}
}

func TestRun_MetricChecks(t *testing.T) {
	h := newExecHarness(t, Options{CheckTimeout: 100 * time.Millisecond})
	rec := &stepRecorder{}
	h.ex.RegisterRunner("t.one", rec.ok("one"))

	for i := 0; i < 3; i++ {
		err := h.ms.Push(context.Background(), metrics.Sample{Name: "error_rate", Value: 2})
		if err != nil {
			t.Fatalf("pushing sample: %v", err)
		}
	}

	healthy := Plan{
		ID: "healthy", Component: "checkout",
		PreChecks: []CheckRef{{
			Name:     "metric.below",
			Params:   Params{"metric": "error_rate", "threshold": 5, "window": "5m"},
			Critical: true,
		}},
		Steps: []Step{step(1, "s", "t.one")},
	}
	if err := h.ex.RegisterPlan(healthy); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}
	if _, err := h.ex.Run(context.Background(), "checkout", "", "test"); err != nil {
		t.Fatalf("Run() error = %v, want metric.below to pass at 2 < 5", err)
	}

	// An empty window must fail the gate, not pass it.
	silent := Plan{
		ID: "silent", Component: "search",
		PreChecks: []CheckRef{{
			Name:     "metric.below",
			Params:   Params{"metric": "unsampled", "threshold": 5},
			Critical: true,
		}},
		Steps: []Step{step(1, "s", "t.one")},
	}
	if err := h.ex.RegisterPlan(silent); err != nil {
		t.Fatalf("RegisterPlan() error = %v", err)
	}
	out, err := h.ex.Run(context.Background(), "search", "", "test")
	if err == nil {
		t.Fatal("Run() succeeded with an empty metric window gate")
	}
	exec, _ := h.ex.Execution(out.ExecutionID)
	if len(exec.PreChecks) != 1 || exec.PreChecks[0].Passed {
		t.Errorf("pre-checks = %+v, want a recorded failure", exec.PreChecks)
	}
}
