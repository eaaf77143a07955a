package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/metrics"
)

const (
	// DefaultStepTimeout bounds one step method call.
	DefaultStepTimeout = 2 * time.Minute

	// DefaultCheckTimeout bounds one validation check including its polling.
	DefaultCheckTimeout = 30 * time.Second

	// DefaultPlanTimeout bounds a whole execution. A run that exceeds it is
	// cancelled at the next step boundary, never mid-step.
	DefaultPlanTimeout = 15 * time.Minute

	// DefaultHistoryLimit bounds retained execution records.
	DefaultHistoryLimit = 100
)

// StepHook observes each step's terminal result as the plan progresses.
type StepHook func(planID string, step StepResult)

// Options configures an Executor.
type Options struct {
	// Flags backs the flag.* step methods and checks.
	Flags action.FlagController
	// Metrics backs the metric.* validation checks.
	Metrics metrics.Store
	// Audit receives rollback.started and rollback.finished events when set.
	Audit *audit.Service

	StepTimeout  time.Duration
	CheckTimeout time.Duration
	PlanTimeout  time.Duration
	HistoryLimit int

	// OnStep is invoked after every step when set.
	OnStep StepHook
	Logger zerolog.Logger
}

// Executor runs rollback plans. Executions for different components run
// concurrently; executions for the same component are serialized behind a
// per-component gate. A run that has started always reaches a terminal
// state, even when the caller that requested it goes away.
type Executor struct {
	flags        action.FlagController
	metrics      metrics.Store
	auditor      *audit.Service
	stepTimeout  time.Duration
	checkTimeout time.Duration
	planTimeout  time.Duration
	historyLimit int
	onStep       StepHook
	log          zerolog.Logger
	tracer       trace.Tracer

	mu           sync.Mutex
	plans        map[string]Plan
	defaultPlans map[string]string // component -> plan ID
	runners      map[string]StepFunc
	checks       map[string]CheckFunc
	gates        map[string]chan struct{}
	history      []*Execution
	byID         map[string]*Execution
}

var _ action.RollbackRunner = (*Executor)(nil)

// NewExecutor builds an executor with the built-in step methods and checks
// registered. Plans are added with RegisterPlan or ReplacePlans.
func NewExecutor(opts Options) *Executor {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	if opts.PlanTimeout <= 0 {
		opts.PlanTimeout = DefaultPlanTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	e := &Executor{
		flags:        opts.Flags,
		metrics:      opts.Metrics,
		auditor:      opts.Audit,
		stepTimeout:  opts.StepTimeout,
		checkTimeout: opts.CheckTimeout,
		planTimeout:  opts.PlanTimeout,
		historyLimit: opts.HistoryLimit,
		onStep:       opts.OnStep,
		log:          opts.Logger.With().Str("component", "rollback").Logger(),
		tracer:       otel.Tracer("gorollout/rollback"),
		plans:        make(map[string]Plan),
		defaultPlans: make(map[string]string),
		runners:      make(map[string]StepFunc),
		checks:       make(map[string]CheckFunc),
		gates:        make(map[string]chan struct{}),
		byID:         make(map[string]*Execution),
	}
	e.registerBuiltins()
	return e
}

// RegisterRunner adds or replaces a step method.
func (e *Executor) RegisterRunner(method string, fn StepFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[method] = fn
}

// RegisterCheck adds or replaces a validation check.
func (e *Executor) RegisterCheck(name string, fn CheckFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks[name] = fn
}

// RegisterPlan validates and stores one plan. The first plan registered for
// a component becomes that component's default.
func (e *Executor) RegisterPlan(p Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.resolvableLocked(p); err != nil {
		return err
	}
	if _, ok := e.plans[p.ID]; ok {
		return fmt.Errorf("plan %s is already registered", p.ID)
	}
	e.plans[p.ID] = p
	if _, ok := e.defaultPlans[p.Component]; !ok {
		e.defaultPlans[p.Component] = p.ID
	}
	e.log.Info().Str("plan", p.ID).Str("target", p.Component).Int("steps", len(p.Steps)).Msg("rollback plan registered")
	return nil
}

// ReplacePlans swaps the full plan set, as on a configuration reload.
// In-flight executions keep running against the plan they started with. On
// any validation error the current set is left untouched.
func (e *Executor) ReplacePlans(ps []Plan) error {
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range ps {
		if err := e.resolvableLocked(p); err != nil {
			return err
		}
	}
	plans := make(map[string]Plan, len(ps))
	defaults := make(map[string]string, len(ps))
	for _, p := range ps {
		if _, ok := plans[p.ID]; ok {
			return fmt.Errorf("duplicate plan id %s", p.ID)
		}
		plans[p.ID] = p
		if _, ok := defaults[p.Component]; !ok {
			defaults[p.Component] = p.ID
		}
	}
	e.plans = plans
	e.defaultPlans = defaults
	e.log.Info().Int("count", len(ps)).Msg("rollback plan set replaced")
	return nil
}

// resolvableLocked ensures every method and check the plan names is
// registered, so a typo fails at load time rather than mid-execution.
func (e *Executor) resolvableLocked(p Plan) error {
	for _, s := range p.Steps {
		if _, ok := e.runners[s.Method]; !ok {
			return fmt.Errorf("plan %s step %s: unknown method %q", p.ID, s.Name, s.Method)
		}
		if s.Compensation != nil {
			if _, ok := e.runners[s.Compensation.Method]; !ok {
				return fmt.Errorf("plan %s step %s: unknown compensation method %q", p.ID, s.Name, s.Compensation.Method)
			}
		}
		if s.Check != nil {
			if _, ok := e.checks[s.Check.Name]; !ok {
				return fmt.Errorf("plan %s step %s: unknown check %q", p.ID, s.Name, s.Check.Name)
			}
		}
	}
	for _, c := range append(append([]CheckRef{}, p.PreChecks...), p.PostChecks...) {
		if _, ok := e.checks[c.Name]; !ok {
			return fmt.Errorf("plan %s: unknown check %q", p.ID, c.Name)
		}
	}
	return nil
}

// Plans lists the registered plans.
func (e *Executor) Plans() []Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Plan, 0, len(e.plans))
	for _, p := range e.plans {
		out = append(out, p)
	}
	return out
}

// Executions returns retained execution records, newest first.
func (e *Executor) Executions() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Execution, 0, len(e.history))
	for i := len(e.history) - 1; i >= 0; i-- {
		out = append(out, e.history[i].clone())
	}
	return out
}

// Execution returns one execution record by ID.
func (e *Executor) Execution(id string) (Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.byID[id]
	if !ok {
		return Execution{}, false
	}
	return exec.clone(), true
}

// Run starts the plan for a component and waits for it to finish or for ctx
// to give up, whichever comes first. The execution itself is detached from
// ctx: once started it runs to a terminal state under the executor's plan
// timeout. When ctx expires first, Run reports the in-progress execution
// and returns ctx's error; the caller can poll Execution for the outcome.
func (e *Executor) Run(ctx context.Context, component, planID, reason string) (action.RollbackOutcome, error) {
	plan, err := e.lookup(component, planID)
	if err != nil {
		return action.RollbackOutcome{Status: string(StatusFailed), Message: err.Error()}, err
	}

	exec := &Execution{
		ID:        uuid.NewString(),
		PlanID:    plan.ID,
		Component: plan.Component,
		Reason:    reason,
		Status:    StatusPending,
		StartedAt: time.Now().UTC(),
	}
	e.remember(exec)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.planTimeout)
	done := make(chan struct{})
	go func() {
		defer cancel()
		defer close(done)
		e.execute(runCtx, plan, exec)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn().
			Str("execution_id", exec.ID).
			Str("plan", plan.ID).
			Msg("caller gave up, rollback continues in background")
		out := action.RollbackOutcome{
			ExecutionID: exec.ID,
			Status:      string(StatusInProgress),
			Message:     fmt.Sprintf("rollback %s still running", exec.ID),
		}
		return out, ctx.Err()
	}

	final, _ := e.Execution(exec.ID)
	out := action.RollbackOutcome{
		ExecutionID: exec.ID,
		Status:      string(final.Status),
		Message:     fmt.Sprintf("plan %s %s in %dms", plan.ID, final.Status, final.DurationMs),
	}
	if final.Status != StatusCompleted {
		msg := final.Error
		if msg == "" {
			msg = fmt.Sprintf("rollback ended %s", final.Status)
		}
		return out, errors.New(msg)
	}
	return out, nil
}

func (e *Executor) lookup(component, planID string) (Plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if planID != "" {
		p, ok := e.plans[planID]
		if !ok {
			return Plan{}, fmt.Errorf("no rollback plan %q", planID)
		}
		return p, nil
	}
	id, ok := e.defaultPlans[component]
	if !ok {
		return Plan{}, fmt.Errorf("no rollback plan registered for component %q", component)
	}
	return e.plans[id], nil
}

func (e *Executor) remember(exec *Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, exec)
	e.byID[exec.ID] = exec
	if len(e.history) > e.historyLimit {
		evicted := e.history[0]
		e.history = append([]*Execution(nil), e.history[1:]...)
		delete(e.byID, evicted.ID)
	}
}

// gate returns the component's serialization channel, capacity one.
func (e *Executor) gate(component string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[component]
	if !ok {
		g = make(chan struct{}, 1)
		e.gates[component] = g
	}
	return g
}

func (e *Executor) execute(ctx context.Context, plan Plan, exec *Execution) {
	ctx, span := e.tracer.Start(ctx, "rollback.execute", trace.WithAttributes(
		attribute.String("rollback.plan", plan.ID),
		attribute.String("rollback.component", plan.Component),
		attribute.String("rollback.execution", exec.ID),
	))
	defer span.End()

	gate := e.gate(plan.Component)
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		e.skipSteps(exec, plan.Steps)
		e.finish(exec, span, StatusCancelled, "timed out waiting for component lock")
		return
	}
	defer func() { <-gate }()

	e.mu.Lock()
	exec.Status = StatusInProgress
	e.mu.Unlock()
	e.appendLog(exec, "plan %s started for %s: %s", plan.ID, plan.Component, exec.Reason)
	e.log.Warn().
		Str("execution_id", exec.ID).
		Str("plan", plan.ID).
		Str("target", plan.Component).
		Str("reason", exec.Reason).
		Msg("rollback started")
	if e.auditor != nil {
		e.auditor.Log(audit.NewEvent(audit.KindRollbackStarted, plan.Component).
			WithDetail("planId", plan.ID).
			WithDetail("executionId", exec.ID).
			WithDetail("reason", exec.Reason).
			Build())
	}

	for _, ref := range plan.PreChecks {
		res := e.runCheck(ctx, ref)
		e.mu.Lock()
		exec.PreChecks = append(exec.PreChecks, res)
		e.mu.Unlock()
		if res.Passed {
			e.appendLog(exec, "pre-check %s passed (%dms)", ref.Name, res.DurationMs)
			continue
		}
		e.appendLog(exec, "pre-check %s failed: %s", ref.Name, res.Error)
		if ref.Critical {
			e.skipSteps(exec, plan.Steps)
			e.finish(exec, span, StatusFailed, fmt.Sprintf("pre-check %s failed: %s", ref.Name, res.Error))
			return
		}
	}

	for i, step := range plan.Steps {
		if ctx.Err() != nil {
			e.skipSteps(exec, plan.Steps[i:])
			e.finish(exec, span, StatusCancelled, "plan timed out, remaining steps skipped")
			return
		}

		res := e.runStep(ctx, step)
		e.mu.Lock()
		exec.Steps = append(exec.Steps, res)
		e.mu.Unlock()
		if e.onStep != nil {
			e.onStep(plan.ID, res)
		}

		switch res.Status {
		case StepCompleted:
			e.appendLog(exec, "step %d %s completed (%dms)", step.Order, step.Name, res.DurationMs)

		case StepCompensated:
			e.appendLog(exec, "step %d %s failed and was compensated: %s", step.Order, step.Name, res.Error)
			if step.Critical {
				e.skipSteps(exec, plan.Steps[i+1:])
				e.finish(exec, span, StatusFailed,
					fmt.Sprintf("critical step %s failed: %s", step.Name, res.Error))
				return
			}

		default:
			e.appendLog(exec, "step %d %s failed: %s", step.Order, step.Name, res.Error)
			e.skipSteps(exec, plan.Steps[i+1:])
			e.finish(exec, span, StatusFailed,
				fmt.Sprintf("step %s failed: %s", step.Name, res.Error))
			return
		}
	}

	for _, ref := range plan.PostChecks {
		res := e.runCheck(ctx, ref)
		e.mu.Lock()
		exec.PostChecks = append(exec.PostChecks, res)
		e.mu.Unlock()
		if res.Passed {
			e.appendLog(exec, "post-check %s passed (%dms)", ref.Name, res.DurationMs)
			continue
		}
		e.appendLog(exec, "post-check %s failed: %s", ref.Name, res.Error)
		if ref.Critical {
			e.finish(exec, span, StatusFailed, fmt.Sprintf("post-check %s failed: %s", ref.Name, res.Error))
			return
		}
	}

	e.finish(exec, span, StatusCompleted, "")
}

// runStep executes one step: method, then validation gate. A failure takes
// the step's declared failure path; the caller decides whether the plan
// continues based on the returned status.
func (e *Executor) runStep(ctx context.Context, step Step) StepResult {
	ctx, span := e.tracer.Start(ctx, "rollback.step", trace.WithAttributes(
		attribute.Int("step.order", step.Order),
		attribute.String("step.name", step.Name),
		attribute.String("step.method", step.Method),
	))
	defer span.End()

	res := StepResult{
		Order:     step.Order,
		Name:      step.Name,
		Method:    step.Method,
		Status:    StepRunning,
		StartedAt: time.Now().UTC(),
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.stepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	msg, err := e.invoke(stepCtx, step.Method, step.Params)
	cancel()

	if err == nil && step.Check != nil {
		if check := e.runCheck(ctx, *step.Check); !check.Passed {
			err = fmt.Errorf("validation %s: %s", step.Check.Name, check.Error)
		}
	}

	res.DurationMs = time.Since(res.StartedAt).Milliseconds()
	if err == nil {
		res.Status = StepCompleted
		res.Message = msg
		return res
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "step failed")
	res.Error = err.Error()

	if step.RollbackOnFailure && step.Compensation != nil {
		compCtx, cancel := context.WithTimeout(ctx, timeout)
		compMsg, compErr := e.invoke(compCtx, step.Compensation.Method, step.Compensation.Params)
		cancel()
		if compErr != nil {
			res.Status = StepFailed
			res.Error = fmt.Sprintf("%s; compensation %s failed: %s", err, step.Compensation.Method, compErr)
			return res
		}
		res.Status = StepCompensated
		res.Message = compMsg
		return res
	}

	res.Status = StepFailed
	return res
}

func (e *Executor) runCheck(ctx context.Context, ref CheckRef) CheckResult {
	e.mu.Lock()
	fn, ok := e.checks[ref.Name]
	e.mu.Unlock()

	res := CheckResult{Name: ref.Name, Critical: ref.Critical}
	if !ok {
		res.Error = fmt.Sprintf("unknown check %q", ref.Name)
		return res
	}

	timeout := ref.Timeout
	if timeout <= 0 {
		timeout = e.checkTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(checkCtx, ref.Params)
	res.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Passed = true
	return res
}

func (e *Executor) invoke(ctx context.Context, method string, params Params) (string, error) {
	e.mu.Lock()
	fn, ok := e.runners[method]
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown method %q", method)
	}
	return fn(ctx, params)
}

func (e *Executor) skipSteps(exec *Execution, steps []Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range steps {
		exec.Steps = append(exec.Steps, StepResult{
			Order:  s.Order,
			Name:   s.Name,
			Method: s.Method,
			Status: StepSkipped,
		})
	}
}

func (e *Executor) finish(exec *Execution, span trace.Span, status Status, errMsg string) {
	e.mu.Lock()
	exec.Status = status
	exec.Error = errMsg
	exec.FinishedAt = time.Now().UTC()
	exec.DurationMs = exec.FinishedAt.Sub(exec.StartedAt).Milliseconds()
	duration := exec.DurationMs
	e.mu.Unlock()

	span.SetAttributes(attribute.String("rollback.status", string(status)))
	evt := e.log.Info()
	if status != StatusCompleted {
		span.SetStatus(codes.Error, errMsg)
		evt = e.log.Error()
	}
	evt.
		Str("execution_id", exec.ID).
		Str("plan", exec.PlanID).
		Str("status", string(status)).
		Int64("duration_ms", duration).
		Str("error", errMsg).
		Msg("rollback finished")

	if e.auditor != nil {
		builder := audit.NewEvent(audit.KindRollbackFinished, exec.Component).
			WithDetail("planId", exec.PlanID).
			WithDetail("executionId", exec.ID).
			WithDetail("status", string(status)).
			WithDetail("durationMs", duration)
		if status != StatusCompleted {
			builder = builder.Failure(errMsg)
		}
		e.auditor.Log(builder.Build())
	}
}

func (e *Executor) appendLog(exec *Execution, format string, args ...any) {
	line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	e.mu.Lock()
	exec.Logs = append(exec.Logs, line)
	e.mu.Unlock()
}
