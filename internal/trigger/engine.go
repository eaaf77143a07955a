package trigger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/metrics"
)

const (
	// DefaultInterval is how often the engine evaluates its triggers.
	DefaultInterval = 30 * time.Second

	// DefaultMaxConcurrent bounds parallel trigger evaluations per tick.
	DefaultMaxConcurrent = 4
)

// Clock supplies time to the engine. Tests swap it to drive cooldowns.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Dispatcher executes a compiled action. *action.Dispatcher satisfies it.
type Dispatcher interface {
	Execute(ctx context.Context, act action.Action, fire action.FireInfo) action.Result
}

// FireHook observes completed firings, successful or not. Called outside the
// engine lock.
type FireHook func(triggerID, actionName string, res action.Result)

// Options configures an Engine. Zero values get defaults.
type Options struct {
	// Interval between evaluation ticks in Run.
	Interval time.Duration
	// MaxConcurrent bounds parallel evaluations within one tick.
	MaxConcurrent int
	// Clock defaults to the system clock.
	Clock Clock
	// Audit receives trigger.fired events when set.
	Audit *audit.Service
	// OnFire is invoked after each dispatch when set.
	OnFire FireHook
	Logger zerolog.Logger
}

// state is the runtime side of one registered trigger. All fields are
// guarded by Engine.mu.
type state struct {
	def         Trigger
	act         action.Action
	enabled     bool
	evaluating  bool
	lastFiredAt time.Time
	fireCount   int
}

// Engine periodically evaluates registered triggers against the metric store
// and dispatches their actions when thresholds are breached.
//
// Each trigger moves through a small state machine: idle, evaluating (its
// metric window is being aggregated), cooldown (it fired recently), and
// disabled. A trigger that is evaluating is skipped by later ticks until the
// evaluation finishes, so a slow metric backend cannot pile up duplicate
// work for the same trigger.
type Engine struct {
	store    metrics.Store
	disp     Dispatcher
	interval time.Duration
	workers  int
	clock    Clock
	auditor  *audit.Service
	onFire   FireHook
	log      zerolog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	triggers map[string]*state
}

// NewEngine builds an engine over the given metric store and dispatcher.
// Triggers are added with Register or Replace.
func NewEngine(store metrics.Store, disp Dispatcher, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	return &Engine{
		store:    store,
		disp:     disp,
		interval: opts.Interval,
		workers:  opts.MaxConcurrent,
		clock:    opts.Clock,
		auditor:  opts.Audit,
		onFire:   opts.OnFire,
		log:      opts.Logger.With().Str("component", "trigger").Logger(),
		tracer:   otel.Tracer("gorollout/trigger"),
		triggers: make(map[string]*state),
	}
}

// Register adds one trigger. The ID must be unused.
func (e *Engine) Register(def Trigger) error {
	if err := def.Validate(); err != nil {
		return err
	}
	act, err := def.Action.Compile()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.triggers[def.ID]; ok {
		return ErrTriggerExists
	}
	e.triggers[def.ID] = &state{def: def, act: act, enabled: def.Enabled}
	e.log.Info().Str("trigger", def.ID).Str("metric", def.Metric).Msg("trigger registered")
	return nil
}

// Replace swaps the full trigger set, as on a configuration reload. Runtime
// state (last fire time, fire count) survives for IDs present in both sets;
// the file's enabled field is reasserted, which also re-arms triggers that
// disabled themselves via maxFires. Triggers absent from defs are dropped.
// On any validation error the current set is left untouched.
func (e *Engine) Replace(defs []Trigger) error {
	compiled := make([]action.Action, len(defs))
	for i, def := range defs {
		if err := def.Validate(); err != nil {
			return err
		}
		act, err := def.Action.Compile()
		if err != nil {
			return err
		}
		compiled[i] = act
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := make(map[string]*state, len(defs))
	for i, def := range defs {
		if prev, ok := e.triggers[def.ID]; ok {
			prev.def = def
			prev.act = compiled[i]
			prev.enabled = def.Enabled
			next[def.ID] = prev
			continue
		}
		next[def.ID] = &state{def: def, act: compiled[i], enabled: def.Enabled}
	}
	e.triggers = next
	e.log.Info().Int("count", len(defs)).Msg("trigger set replaced")
	return nil
}

// Enable arms a trigger.
func (e *Engine) Enable(id string) error { return e.setEnabled(id, true) }

// Disable disarms a trigger. Its runtime state is kept.
func (e *Engine) Disable(id string) error { return e.setEnabled(id, false) }

func (e *Engine) setEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.triggers[id]
	if !ok {
		return ErrTriggerNotFound
	}
	st.enabled = enabled
	e.log.Info().Str("trigger", id).Bool("enabled", enabled).Msg("trigger toggled")
	return nil
}

// Status returns the current view of one trigger.
func (e *Engine) Status(id string) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.triggers[id]
	if !ok {
		return Status{}, ErrTriggerNotFound
	}
	return e.statusLocked(st), nil
}

// Statuses returns all triggers sorted by ID.
func (e *Engine) Statuses() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, 0, len(e.triggers))
	for _, st := range e.triggers {
		out = append(out, e.statusLocked(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) statusLocked(st *state) Status {
	now := e.clock.Now()
	s := Status{
		ID:          st.def.ID,
		Description: st.def.Description,
		Metric:      st.def.Metric,
		Aggregation: string(st.def.Aggregation),
		Window:      st.def.Window.String(),
		Operator:    string(st.def.Operator),
		Threshold:   st.def.Threshold,
		Action:      st.def.Action,
		Cooldown:    st.def.Cooldown.String(),
		MaxFires:    st.def.MaxFires,
		Enabled:     st.enabled,
		LastFiredAt: st.lastFiredAt,
		FireCount:   st.fireCount,
	}
	switch {
	case !st.enabled:
		s.State = "disabled"
	case st.evaluating:
		s.State = "evaluating"
	case e.inCooldown(st, now):
		s.State = "cooldown"
	default:
		s.State = "idle"
	}
	return s
}

func (e *Engine) inCooldown(st *state, now time.Time) bool {
	if st.lastFiredAt.IsZero() {
		return false
	}
	return now.Sub(st.lastFiredAt) < st.def.Cooldown
}

// Run evaluates triggers every interval until ctx is cancelled. The first
// tick happens immediately.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info().
		Dur("interval", e.interval).
		Int("maxConcurrent", e.workers).
		Msg("trigger engine started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("trigger engine stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// due is the snapshot of one trigger taken at tick time, so evaluation can
// run without holding the engine lock while Replace mutates definitions.
type due struct {
	st  *state
	def Trigger
	act action.Action
}

// Tick evaluates every armed trigger that is not cooling down. Evaluations
// run concurrently, bounded by MaxConcurrent, and the call returns when all
// of them finish.
func (e *Engine) Tick(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, "trigger.tick")
	defer span.End()

	now := e.clock.Now()

	e.mu.Lock()
	batch := make([]due, 0, len(e.triggers))
	for _, st := range e.triggers {
		if !st.enabled || st.evaluating || e.inCooldown(st, now) {
			continue
		}
		if st.def.MaxFires > 0 && st.fireCount >= st.def.MaxFires {
			continue
		}
		st.evaluating = true
		batch = append(batch, due{st: st, def: st.def, act: st.act})
	}
	e.mu.Unlock()

	span.SetAttributes(attribute.Int("triggers.due", len(batch)))
	if len(batch) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(e.workers)
	for _, d := range batch {
		p.Go(func() {
			e.evaluate(ctx, d)
			e.mu.Lock()
			d.st.evaluating = false
			e.mu.Unlock()
		})
	}
	p.Wait()
}

// evaluate aggregates one trigger's metric window and fires its action on a
// breach. An empty window is skipped, never treated as zero: silence is not
// health.
func (e *Engine) evaluate(ctx context.Context, d due) {
	ctx, span := e.tracer.Start(ctx, "trigger.evaluate", trace.WithAttributes(
		attribute.String("trigger.id", d.def.ID),
		attribute.String("trigger.metric", d.def.Metric),
	))
	defer span.End()

	observed, ok, err := e.store.Aggregate(ctx, d.def.Metric, d.def.Window, d.def.Aggregation)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "aggregation failed")
		e.log.Error().Err(err).
			Str("trigger", d.def.ID).
			Str("metric", d.def.Metric).
			Msg("metric aggregation failed")
		return
	}
	if !ok {
		span.SetAttributes(attribute.Bool("window.empty", true))
		e.log.Debug().
			Str("trigger", d.def.ID).
			Str("metric", d.def.Metric).
			Dur("window", d.def.Window).
			Msg("window empty, skipping")
		return
	}

	span.SetAttributes(
		attribute.Float64("observed", observed),
		attribute.Float64("threshold", d.def.Threshold),
	)
	if !d.def.Operator.Satisfied(observed, d.def.Threshold) {
		return
	}
	span.SetAttributes(attribute.Bool("fired", true))
	e.fire(ctx, d, observed)
}

// fire records the firing and dispatches the trigger's action. The cooldown
// stamp and fire count are updated before dispatch: a firing debounces its
// trigger whether or not the action succeeds, so a broken remediation path
// cannot turn into a hammering loop.
func (e *Engine) fire(ctx context.Context, d due, observed float64) {
	eventID := uuid.NewString()
	firedAt := e.clock.Now()

	e.mu.Lock()
	d.st.lastFiredAt = firedAt
	d.st.fireCount++
	count := d.st.fireCount
	exhausted := d.def.MaxFires > 0 && count >= d.def.MaxFires
	if exhausted {
		d.st.enabled = false
	}
	e.mu.Unlock()

	e.log.Warn().
		Str("trigger", d.def.ID).
		Str("metric", d.def.Metric).
		Float64("observed", observed).
		Float64("threshold", d.def.Threshold).
		Str("action", d.act.Name()).
		Str("eventId", eventID).
		Msg("trigger fired")
	if exhausted {
		e.log.Warn().
			Str("trigger", d.def.ID).
			Int("maxFires", d.def.MaxFires).
			Msg("trigger reached max fires, disabling itself")
	}

	if e.auditor != nil {
		e.auditor.Log(audit.NewEvent(audit.KindTriggerFired, d.def.ID).
			WithDetail("metric", d.def.Metric).
			WithDetail("aggregation", string(d.def.Aggregation)).
			WithDetail("window", d.def.Window.String()).
			WithDetail("operator", string(d.def.Operator)).
			WithDetail("observed", observed).
			WithDetail("threshold", d.def.Threshold).
			WithDetail("action", d.act.Name()).
			WithDetail("eventId", eventID).
			WithDetail("fireCount", count).
			Build())
	}

	res := e.disp.Execute(ctx, d.act, action.FireInfo{
		TriggerID: d.def.ID,
		EventID:   eventID,
		Metric:    d.def.Metric,
		Observed:  observed,
		Threshold: d.def.Threshold,
		FiredAt:   firedAt,
	})
	if e.onFire != nil {
		e.onFire(d.def.ID, d.act.Name(), res)
	}
}
