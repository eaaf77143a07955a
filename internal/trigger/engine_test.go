package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/metrics"
)

// The dispatcher must keep satisfying the engine's dispatch interface.
var _ Dispatcher = (*action.Dispatcher)(nil)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeDispatcher struct {
	mu    sync.Mutex
	fires []action.FireInfo
	acts  []action.Action
	res   action.Result
}

func (f *fakeDispatcher) Execute(_ context.Context, act action.Action, fire action.FireInfo) action.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acts = append(f.acts, act)
	f.fires = append(f.fires, fire)
	return f.res
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fires)
}

func (f *fakeDispatcher) last() (action.Action, action.FireInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fires) == 0 {
		return nil, action.FireInfo{}
	}
	return f.acts[len(f.acts)-1], f.fires[len(f.fires)-1]
}

type engineHarness struct {
	store *metrics.MemoryStore
	disp  *fakeDispatcher
	clock *fakeClock
	eng   *Engine
}

func newEngineHarness(t *testing.T, opts Options, defs ...Trigger) *engineHarness {
	t.Helper()

	h := &engineHarness{
		store: metrics.NewMemoryStore(time.Hour),
		disp:  &fakeDispatcher{res: action.Result{Success: true, Message: "done"}},
		clock: newFakeClock(),
	}
	opts.Clock = h.clock
	opts.Logger = zerolog.Nop()
	h.eng = NewEngine(h.store, h.disp, opts)
	for _, def := range defs {
		if err := h.eng.Register(def); err != nil {
			t.Fatalf("registering trigger %s: %v", def.ID, err)
		}
	}
	return h
}

// push records n samples of value for the metric, stamped now so they land
// inside any test window.
func (h *engineHarness) push(t *testing.T, metric string, value float64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := h.store.Push(context.Background(), metrics.Sample{Name: metric, Value: value})
		if err != nil {
			t.Fatalf("pushing sample: %v", err)
		}
	}
}

func testTrigger(id string) Trigger {
	return Trigger{
		ID:          id,
		Description: "error rate guard",
		Metric:      "error_rate",
		Aggregation: metrics.AggAvg,
		Window:      5 * time.Minute,
		Operator:    CmpGreaterThan,
		Threshold:   5,
		Action:      action.Spec{Type: "disableFlag", FlagKey: "beta-search"},
		Cooldown:    15 * time.Minute,
		Enabled:     true,
	}
}

func TestTick_FiresOnBreach(t *testing.T) {
	var hookID, hookAction string
	opts := Options{OnFire: func(triggerID, actionName string, _ action.Result) {
		hookID, hookAction = triggerID, actionName
	}}
	h := newEngineHarness(t, opts, testTrigger("checkout-errors"))
	h.push(t, "error_rate", 7.5, 3)

	h.eng.Tick(context.Background())

	if h.disp.count() != 1 {
		t.Fatalf("dispatched %d actions, want 1", h.disp.count())
	}
	act, fire := h.disp.last()
	if act.Name() != "disableFlag" {
		t.Errorf("action = %q, want disableFlag", act.Name())
	}
	if fire.TriggerID != "checkout-errors" || fire.Metric != "error_rate" {
		t.Errorf("fire info = %+v", fire)
	}
	if fire.Observed != 7.5 || fire.Threshold != 5 {
		t.Errorf("observed/threshold = %v/%v, want 7.5/5", fire.Observed, fire.Threshold)
	}
	if fire.EventID == "" {
		t.Error("fire event id is empty")
	}
	if hookID != "checkout-errors" || hookAction != "disableFlag" {
		t.Errorf("hook saw (%q, %q)", hookID, hookAction)
	}

	st, err := h.eng.Status("checkout-errors")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.FireCount != 1 {
		t.Errorf("fire count = %d, want 1", st.FireCount)
	}
	if st.LastFiredAt.IsZero() {
		t.Error("last fired at not recorded")
	}
	if st.State != "cooldown" {
		t.Errorf("state = %q, want cooldown", st.State)
	}
}

func TestTick_BelowThresholdDoesNotFire(t *testing.T) {
	h := newEngineHarness(t, Options{}, testTrigger("checkout-errors"))
	h.push(t, "error_rate", 4.9, 3)

	h.eng.Tick(context.Background())

	if h.disp.count() != 0 {
		t.Fatalf("dispatched %d actions, want 0", h.disp.count())
	}
	st, _ := h.eng.Status("checkout-errors")
	if st.State != "idle" {
		t.Errorf("state = %q, want idle", st.State)
	}
}

// A trigger with a 15 minute cooldown that fires at minute 0 must stay quiet
// at minute 5 and fire again at minute 16 while the breach persists.
func TestTick_CooldownSpacesFirings(t *testing.T) {
	h := newEngineHarness(t, Options{}, testTrigger("checkout-errors"))
	h.push(t, "error_rate", 9, 3)

	h.eng.Tick(context.Background())
	if h.disp.count() != 1 {
		t.Fatalf("first tick dispatched %d actions, want 1", h.disp.count())
	}

	h.clock.Advance(5 * time.Minute)
	h.eng.Tick(context.Background())
	if h.disp.count() != 1 {
		t.Fatalf("tick inside cooldown dispatched %d actions, want still 1", h.disp.count())
	}
	st, _ := h.eng.Status("checkout-errors")
	if st.State != "cooldown" {
		t.Errorf("state = %q, want cooldown", st.State)
	}

	h.clock.Advance(11 * time.Minute)
	h.eng.Tick(context.Background())
	if h.disp.count() != 2 {
		t.Fatalf("tick after cooldown dispatched %d actions total, want 2", h.disp.count())
	}

	// The two firings carry distinct event ids.
	h.disp.mu.Lock()
	defer h.disp.mu.Unlock()
	if h.disp.fires[0].EventID == h.disp.fires[1].EventID {
		t.Error("both firings share an event id")
	}
}

func TestTick_EmptyWindowSkips(t *testing.T) {
	h := newEngineHarness(t, Options{}, testTrigger("checkout-errors"))

	h.eng.Tick(context.Background())

	if h.disp.count() != 0 {
		t.Fatalf("dispatched %d actions on an empty window, want 0", h.disp.count())
	}
	st, _ := h.eng.Status("checkout-errors")
	if st.FireCount != 0 || !st.LastFiredAt.IsZero() {
		t.Errorf("empty window mutated runtime state: %+v", st)
	}
}

func TestTick_FailedActionStillCoolsDown(t *testing.T) {
	h := newEngineHarness(t, Options{}, testTrigger("checkout-errors"))
	h.disp.res = action.Result{Success: false, Message: "flag not found"}
	h.push(t, "error_rate", 9, 3)

	h.eng.Tick(context.Background())
	h.clock.Advance(5 * time.Minute)
	h.eng.Tick(context.Background())

	if h.disp.count() != 1 {
		t.Fatalf("dispatched %d actions, want 1: failures must not bypass cooldown", h.disp.count())
	}
	st, _ := h.eng.Status("checkout-errors")
	if st.FireCount != 1 {
		t.Errorf("fire count = %d, want 1", st.FireCount)
	}
}

func TestTick_MaxFiresDisablesTrigger(t *testing.T) {
	def := testTrigger("checkout-errors")
	def.Cooldown = 0
	def.MaxFires = 2
	h := newEngineHarness(t, Options{}, def)
	h.push(t, "error_rate", 9, 3)

	for i := 0; i < 3; i++ {
		h.eng.Tick(context.Background())
	}

	if h.disp.count() != 2 {
		t.Fatalf("dispatched %d actions, want 2", h.disp.count())
	}
	st, _ := h.eng.Status("checkout-errors")
	if st.Enabled {
		t.Error("trigger still enabled after reaching max fires")
	}
	if st.State != "disabled" {
		t.Errorf("state = %q, want disabled", st.State)
	}
}

func TestEnableDisable(t *testing.T) {
	h := newEngineHarness(t, Options{}, testTrigger("checkout-errors"))
	h.push(t, "error_rate", 9, 3)

	if err := h.eng.Disable("checkout-errors"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	h.eng.Tick(context.Background())
	if h.disp.count() != 0 {
		t.Fatalf("disabled trigger dispatched %d actions", h.disp.count())
	}

	if err := h.eng.Enable("checkout-errors"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	h.eng.Tick(context.Background())
	if h.disp.count() != 1 {
		t.Fatalf("re-enabled trigger dispatched %d actions, want 1", h.disp.count())
	}

	if err := h.eng.Enable("missing"); !errors.Is(err, ErrTriggerNotFound) {
		t.Errorf("Enable(missing) error = %v, want ErrTriggerNotFound", err)
	}
}

func TestRegister_RejectsDuplicatesAndInvalid(t *testing.T) {
	h := newEngineHarness(t, Options{}, testTrigger("checkout-errors"))

	if err := h.eng.Register(testTrigger("checkout-errors")); !errors.Is(err, ErrTriggerExists) {
		t.Errorf("duplicate Register() error = %v, want ErrTriggerExists", err)
	}

	bad := testTrigger("bad")
	bad.Window = 0
	if err := h.eng.Register(bad); err == nil {
		t.Error("Register() accepted a trigger without a window")
	}
}

func TestReplace_PreservesRuntimeState(t *testing.T) {
	old := testTrigger("old-guard")
	old.Metric = "db_latency" // never sampled, stays quiet
	h := newEngineHarness(t, Options{}, testTrigger("checkout-errors"), old)
	h.push(t, "error_rate", 9, 3)
	h.eng.Tick(context.Background())
	if h.disp.count() != 1 {
		t.Fatalf("first tick dispatched %d actions, want 1", h.disp.count())
	}

	updated := testTrigger("checkout-errors")
	updated.Threshold = 50
	fresh := testTrigger("latency-guard")
	fresh.Metric = "db_latency"
	if err := h.eng.Replace([]Trigger{updated, fresh}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	st, err := h.eng.Status("checkout-errors")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.FireCount != 1 || st.LastFiredAt.IsZero() {
		t.Errorf("reload lost runtime state: %+v", st)
	}
	if st.Threshold != 50 {
		t.Errorf("threshold = %v, want the reloaded 50", st.Threshold)
	}

	if _, err := h.eng.Status("old-guard"); !errors.Is(err, ErrTriggerNotFound) {
		t.Errorf("dropped trigger still present, error = %v", err)
	}
	if _, err := h.eng.Status("latency-guard"); err != nil {
		t.Errorf("new trigger missing, error = %v", err)
	}

	// The raised threshold holds even after the cooldown passes, and the
	// new trigger's empty window stays quiet.
	h.clock.Advance(time.Hour)
	h.eng.Tick(context.Background())
	if h.disp.count() != 1 {
		t.Fatalf("dispatched %d actions after reload, want still 1", h.disp.count())
	}
}

func TestReplace_RejectsInvalidSetAtomically(t *testing.T) {
	h := newEngineHarness(t, Options{}, testTrigger("checkout-errors"))

	bad := testTrigger("bad")
	bad.Action = action.Spec{Type: "disableFlag"}
	if err := h.eng.Replace([]Trigger{testTrigger("other"), bad}); err == nil {
		t.Fatal("Replace() accepted an action without a flag key")
	}

	// The previous set survives a failed replace.
	if _, err := h.eng.Status("checkout-errors"); err != nil {
		t.Errorf("original trigger lost after failed replace: %v", err)
	}
	if _, err := h.eng.Status("other"); !errors.Is(err, ErrTriggerNotFound) {
		t.Errorf("partial replace applied, error = %v", err)
	}
}

func TestStatuses_SortedByID(t *testing.T) {
	h := newEngineHarness(t, Options{},
		testTrigger("zeta"), testTrigger("alpha"), testTrigger("mid"))

	statuses := h.eng.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("got %d statuses, want 3", len(statuses))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if statuses[i].ID != want {
			t.Errorf("statuses[%d].ID = %q, want %q", i, statuses[i].ID, want)
		}
	}
	if statuses[0].Window != "5m0s" || statuses[0].Cooldown != "15m0s" {
		t.Errorf("durations not rendered: window=%q cooldown=%q", statuses[0].Window, statuses[0].Cooldown)
	}
}

func TestTick_RecordsAuditEvent(t *testing.T) {
	aud := audit.NewService(audit.NewMemorySink(100), audit.ServiceOptions{Logger: zerolog.Nop()})
	h := newEngineHarness(t, Options{Audit: aud}, testTrigger("checkout-errors"))
	h.push(t, "error_rate", 7.5, 3)

	h.eng.Tick(context.Background())
	if err := aud.Close(); err != nil {
		t.Fatalf("closing audit service: %v", err)
	}

	events, err := aud.Query(context.Background(), audit.Filter{Kind: audit.KindTriggerFired})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("recorded %d trigger.fired events, want 1", len(events))
	}
	evt := events[0]
	if evt.Resource != "checkout-errors" {
		t.Errorf("resource = %q, want checkout-errors", evt.Resource)
	}
	if evt.Actor != audit.ActorSystem {
		t.Errorf("actor = %q, want system", evt.Actor)
	}
	if evt.Detail["metric"] != "error_rate" || evt.Detail["action"] != "disableFlag" {
		t.Errorf("detail = %v", evt.Detail)
	}
	if evt.Detail["eventId"] == "" {
		t.Error("detail missing event id")
	}
}

// slowStore gates Aggregate so tests can observe in-flight evaluations.
type slowStore struct {
	metrics.MemoryStore
	gate    chan struct{}
	mu      sync.Mutex
	calls   int
	inUse   int
	maxSeen int
}

func newSlowStore() *slowStore {
	return &slowStore{gate: make(chan struct{})}
}

func (s *slowStore) Aggregate(ctx context.Context, name string, window time.Duration, agg metrics.Aggregation) (float64, bool, error) {
	s.mu.Lock()
	s.calls++
	s.inUse++
	if s.inUse > s.maxSeen {
		s.maxSeen = s.inUse
	}
	s.mu.Unlock()

	<-s.gate

	s.mu.Lock()
	s.inUse--
	s.mu.Unlock()
	return 1, true, nil
}

func TestTick_DoesNotOverlapEvaluations(t *testing.T) {
	st := newSlowStore()
	disp := &fakeDispatcher{}
	eng := NewEngine(st, disp, Options{Clock: newFakeClock(), Logger: zerolog.Nop()})

	def := testTrigger("checkout-errors")
	def.Threshold = 5 // slowStore reports 1, below threshold
	if err := eng.Register(def); err != nil {
		t.Fatalf("registering trigger: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Tick(context.Background())
	}()

	// Wait for the evaluation to be in flight, then tick again.
	deadline := time.Now().Add(time.Second)
	for {
		st.mu.Lock()
		started := st.calls > 0
		st.mu.Unlock()
		if started {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first evaluation never started")
		}
		time.Sleep(time.Millisecond)
	}
	eng.Tick(context.Background())

	close(st.gate)
	wg.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.calls != 1 {
		t.Errorf("aggregate called %d times, want 1: overlapping ticks must skip in-flight triggers", st.calls)
	}
}

func TestTick_BoundsConcurrency(t *testing.T) {
	st := newSlowStore()
	disp := &fakeDispatcher{}
	eng := NewEngine(st, disp, Options{MaxConcurrent: 2, Clock: newFakeClock(), Logger: zerolog.Nop()})

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		def := testTrigger(id)
		def.Metric = "latency_" + id
		if err := eng.Register(def); err != nil {
			t.Fatalf("registering trigger %s: %v", id, err)
		}
	}

	done := make(chan struct{})
	go func() {
		eng.Tick(context.Background())
		close(done)
	}()

	// Let evaluations reach the gate, then release them all.
	time.Sleep(50 * time.Millisecond)
	close(st.gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not finish")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.calls != 6 {
		t.Errorf("aggregate called %d times, want 6", st.calls)
	}
	if st.maxSeen > 2 {
		t.Errorf("saw %d concurrent aggregations, want at most 2", st.maxSeen)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newEngineHarness(t, Options{Interval: 5 * time.Millisecond}, testTrigger("checkout-errors"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.eng.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
