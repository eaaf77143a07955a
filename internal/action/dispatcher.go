package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/notify"
	"github.com/TimurManjosov/gorollout/internal/store"
)

const (
	// defaultTimeout bounds one action execution, external calls included.
	defaultTimeout = 30 * time.Second

	// maxRemembered bounds the idempotency guard; oldest event IDs are
	// evicted first.
	maxRemembered = 512
)

// FireInfo describes the trigger firing that requested an action.
type FireInfo struct {
	TriggerID string
	// EventID identifies one firing. Re-executing the same EventID returns
	// the recorded outcome instead of running the action again, so re-fires
	// of compounding actions (reduceRollout) cannot stack.
	EventID   string
	Metric    string
	Observed  float64
	Threshold float64
	FiredAt   time.Time
}

// Result reports the outcome of one action execution. Failures are carried
// here, never raised to the caller: a broken remediation path must not stop
// the control loop.
type Result struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	DurationMs int64  `json:"durationMs"`
}

// FlagController is the flag mutation surface remediations need.
// *registry.Registry satisfies it.
type FlagController interface {
	Get(key string) (store.FeatureFlag, bool)
	Disable(ctx context.Context, key string) (store.FeatureFlag, error)
	SetRollout(ctx context.Context, key string, pct int) (store.FeatureFlag, error)
}

// RollbackOutcome is what a rollback runner reports for the audit trail.
type RollbackOutcome struct {
	ExecutionID string `json:"executionId,omitempty"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// RollbackRunner starts a rollback plan for a component. planID selects a
// specific plan; when empty the component's default plan runs. Run returns
// an error when the plan does not complete successfully, including when ctx
// expires before the plan finishes (the execution itself still runs to a
// terminal state).
type RollbackRunner interface {
	Run(ctx context.Context, component, planID, reason string) (RollbackOutcome, error)
}

// Options configures a Dispatcher.
type Options struct {
	Flags       FlagController
	Rollback    RollbackRunner       // optional; rollbackComponent fails without one
	Diagnostics DiagnosticsCollector // defaults to RuntimeDiagnostics
	Audit       *audit.Service       // optional
	Notifier    *notify.Router       // optional
	Timeout     time.Duration        // per execution, default 30s
	Logger      zerolog.Logger
}

// Dispatcher executes remediation actions. Every invocation is recorded on
// the audit trail and emits one notification describing the outcome.
type Dispatcher struct {
	flags    FlagController
	rollback RollbackRunner
	diag     DiagnosticsCollector
	audit    *audit.Service
	notifier *notify.Router
	timeout  time.Duration
	log      zerolog.Logger

	mu         sync.Mutex
	remembered map[string]Result
	order      []string
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Diagnostics == nil {
		opts.Diagnostics = RuntimeDiagnostics{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Dispatcher{
		flags:      opts.Flags,
		rollback:   opts.Rollback,
		diag:       opts.Diagnostics,
		audit:      opts.Audit,
		notifier:   opts.Notifier,
		timeout:    opts.Timeout,
		log:        opts.Logger,
		remembered: make(map[string]Result),
	}
}

// Execute runs one action under the dispatcher timeout. A timed-out action
// is reported failed; retry policy belongs to the caller.
func (d *Dispatcher) Execute(ctx context.Context, act Action, fire FireInfo) Result {
	if act == nil {
		return Result{Message: "no action configured"}
	}
	if fire.EventID != "" {
		if res, ok := d.recall(fire.EventID); ok {
			d.log.Info().
				Str("event_id", fire.EventID).
				Str("action", act.Name()).
				Msg("event already executed, replaying recorded outcome")
			return res
		}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var (
		msg   string
		extra map[string]any
		err   error
	)
	switch a := act.(type) {
	case DisableFlag:
		msg, err = d.disableFlag(ctx, a)
	case ReduceRollout:
		msg, err = d.reduceRollout(ctx, a)
	case RollbackComponent:
		msg, err = d.rollbackComponent(ctx, a, fire)
	case AlertTeam:
		// The outcome notification emitted below carries the alert itself.
		msg = fmt.Sprintf("alert dispatched to %s", a.Team)
	case PauseMigration:
		msg, err = d.pauseMigration(ctx, a)
	case CollectDiagnostics:
		extra, err = d.diag.Collect(ctx, a.Component)
		if err == nil {
			msg = fmt.Sprintf("diagnostics collected for %s", a.Component)
		}
	default:
		err = fmt.Errorf("unhandled action type %T", act)
	}

	res := Result{
		Success:    err == nil,
		Message:    msg,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Message = err.Error()
	}

	d.record(act, fire, res, extra)
	return res
}

func (d *Dispatcher) disableFlag(ctx context.Context, a DisableFlag) (string, error) {
	if d.flags == nil {
		return "", errors.New("no flag controller configured")
	}
	if _, err := d.flags.Disable(ctx, a.FlagKey); err != nil {
		return "", fmt.Errorf("disable flag %q: %w", a.FlagKey, err)
	}
	return fmt.Sprintf("flag %s disabled", a.FlagKey), nil
}

// reduceRollout computes the absolute target from the flag's current rollout
// and writes it with SetRollout, so the write itself never compounds.
func (d *Dispatcher) reduceRollout(ctx context.Context, a ReduceRollout) (string, error) {
	if d.flags == nil {
		return "", errors.New("no flag controller configured")
	}
	flag, ok := d.flags.Get(a.FlagKey)
	if !ok {
		return "", fmt.Errorf("reduce rollout: %w: %q", store.ErrFlagNotFound, a.FlagKey)
	}

	target := flag.Rollout - a.PercentPoints
	if target < 0 {
		target = 0
	}
	if _, err := d.flags.SetRollout(ctx, a.FlagKey, target); err != nil {
		return "", fmt.Errorf("reduce rollout of %q: %w", a.FlagKey, err)
	}
	return fmt.Sprintf("flag %s rollout reduced %d%% to %d%%", a.FlagKey, flag.Rollout, target), nil
}

func (d *Dispatcher) rollbackComponent(ctx context.Context, a RollbackComponent, fire FireInfo) (string, error) {
	if d.rollback == nil {
		return "", errors.New("no rollback runner configured")
	}

	reason := "manual rollback request"
	if fire.TriggerID != "" {
		reason = fmt.Sprintf("trigger %s: %s at %.4g breached threshold %.4g",
			fire.TriggerID, fire.Metric, fire.Observed, fire.Threshold)
	}

	outcome, err := d.rollback.Run(ctx, a.Component, a.PlanID, reason)
	if err != nil {
		if outcome.ExecutionID != "" {
			return "", fmt.Errorf("rollback %q (execution %s): %w", a.Component, outcome.ExecutionID, err)
		}
		return "", fmt.Errorf("rollback %q: %w", a.Component, err)
	}

	msg := fmt.Sprintf("rollback %s for %s finished %s", outcome.ExecutionID, a.Component, outcome.Status)
	if outcome.Message != "" {
		msg += ": " + outcome.Message
	}
	return msg, nil
}

func (d *Dispatcher) pauseMigration(ctx context.Context, a PauseMigration) (string, error) {
	if d.flags == nil {
		return "", errors.New("no flag controller configured")
	}
	key := MigrationFlagKey(a.Migration)
	if _, err := d.flags.Disable(ctx, key); err != nil {
		return "", fmt.Errorf("pause migration %q: %w", a.Migration, err)
	}
	return fmt.Sprintf("migration %s paused (gate flag %s disabled)", a.Migration, key), nil
}

// record remembers the outcome for event replay, appends the audit record,
// and emits the execution's notification.
func (d *Dispatcher) record(act Action, fire FireInfo, res Result, extra map[string]any) {
	if fire.EventID != "" {
		d.remember(fire.EventID, res)
	}

	logEvt := d.log.Info()
	if !res.Success {
		logEvt = d.log.Warn()
	}
	logEvt.
		Str("action", act.Name()).
		Str("target", act.Target()).
		Str("trigger", fire.TriggerID).
		Bool("success", res.Success).
		Int64("duration_ms", res.DurationMs).
		Msg(res.Message)

	if d.audit != nil {
		detail := map[string]any{
			"action":     act.Name(),
			"target":     act.Target(),
			"metric":     fire.Metric,
			"observed":   fire.Observed,
			"threshold":  fire.Threshold,
			"durationMs": res.DurationMs,
		}
		if fire.EventID != "" {
			detail["eventId"] = fire.EventID
		}
		if !fire.FiredAt.IsZero() {
			detail["firedAt"] = fire.FiredAt.UTC().Format(time.RFC3339)
		}
		for k, v := range extra {
			detail[k] = v
		}

		b := audit.NewEvent(audit.KindActionExecuted, act.Target()).
			By(audit.TriggerActor(fire.TriggerID)).
			WithDetails(detail)
		if !res.Success {
			b = b.Failure(res.Message)
		}
		d.audit.Log(b.Build())
	}

	if d.notifier != nil {
		d.notifier.Broadcast(d.notification(act, fire, res))
	}
}

// notification builds the outbound message for one execution. alertTeam
// shapes its own alert; every other action reports its outcome.
func (d *Dispatcher) notification(act Action, fire FireInfo, res Result) notify.Notification {
	n := notify.Notification{
		Severity: notify.SeverityInfo,
		Subject:  fmt.Sprintf("%s on %s", act.Name(), act.Target()),
		Body:     res.Message,
		Context: map[string]any{
			"trigger":   fire.TriggerID,
			"metric":    fire.Metric,
			"observed":  fire.Observed,
			"threshold": fire.Threshold,
			"action":    act.Name(),
			"success":   res.Success,
		},
	}
	if !res.Success {
		n.Severity = notify.SeverityWarning
	}

	if a, ok := act.(AlertTeam); ok {
		n.Severity = notify.Severity(a.Severity)
		if a.Severity == "" {
			n.Severity = notify.SeverityWarning
		}
		n.Recipients = []string{a.Team}
		n.Subject = fmt.Sprintf("[%s] alert", a.Team)
		if fire.Metric != "" {
			n.Subject = fmt.Sprintf("[%s] %s at %.4g (threshold %.4g)",
				a.Team, fire.Metric, fire.Observed, fire.Threshold)
		}
		if a.Message != "" {
			n.Body = a.Message
		}
	}
	return n
}

func (d *Dispatcher) remember(eventID string, res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.remembered[eventID]; !ok {
		d.order = append(d.order, eventID)
	}
	d.remembered[eventID] = res

	if len(d.order) > maxRemembered {
		evict := d.order[0]
		d.order = d.order[1:]
		delete(d.remembered, evict)
	}
}

func (d *Dispatcher) recall(eventID string) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, ok := d.remembered[eventID]
	return res, ok
}
