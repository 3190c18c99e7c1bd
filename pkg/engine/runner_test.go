package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// world is an in-memory system the fake providers converge.
type world struct {
	files    map[string]string
	running  map[string]bool
	calls    []string
	failures map[string]error
}

func newWorld() *world {
	return &world{
		files:    make(map[string]string),
		running:  make(map[string]bool),
		failures: make(map[string]error),
	}
}

func (w *world) call(r *Resource, action Action) {
	w.calls = append(w.calls, fmt.Sprintf("%s:%s", r.ID, action))
}

func (w *world) registry() *Registry {
	reg := NewRegistry()
	reg.MustRegister(&ActionTable{
		Type:          "file",
		DefaultAction: "create",
		Decode: func(props map[string]interface{}) (interface{}, error) {
			content, ok := props["content"].(string)
			if !ok {
				return nil, errors.New("content must be a string")
			}
			return content, nil
		},
		Actions: map[Action]ActionHandler{
			"create": {
				Ensure: func(ctx context.Context, r *Resource) (Outcome, error) {
					w.call(r, "create")
					want := r.Spec.(string)
					if got, ok := w.files[r.ID.Name]; ok && got == want {
						return OutcomeUnchanged, nil
					}
					w.files[r.ID.Name] = want
					return OutcomeChanged, nil
				},
				Probe: func(ctx context.Context, r *Resource) (bool, error) {
					got, ok := w.files[r.ID.Name]
					return ok && got == r.Spec.(string), nil
				},
			},
		},
	})
	reg.MustRegister(&ActionTable{
		Type:          "service",
		DefaultAction: ActionNothing,
		Actions: map[Action]ActionHandler{
			"start": {
				Ensure: func(ctx context.Context, r *Resource) (Outcome, error) {
					w.call(r, "start")
					if w.running[r.ID.Name] {
						return OutcomeUnchanged, nil
					}
					w.running[r.ID.Name] = true
					return OutcomeChanged, nil
				},
			},
			"restart": {
				Ensure: func(ctx context.Context, r *Resource) (Outcome, error) {
					w.call(r, "restart")
					w.running[r.ID.Name] = true
					return OutcomeChanged, nil
				},
			},
		},
	})
	reg.MustRegister(&ActionTable{
		Type:          "execute",
		DefaultAction: "run",
		Actions: map[Action]ActionHandler{
			"run": {
				Ensure: func(ctx context.Context, r *Resource) (Outcome, error) {
					w.call(r, "run")
					if err := w.failures[r.ID.Name]; err != nil {
						return OutcomeFailed, err
					}
					return OutcomeChanged, nil
				},
			},
		},
	})
	return reg
}

func file(name, content string, notifications ...Notification) *Resource {
	return &Resource{
		ID:            ResourceID{Type: "file", Name: name},
		Actions:       []Action{"create"},
		Properties:    map[string]interface{}{"content": content},
		Notifications: notifications,
	}
}

func service(name string, actions ...Action) *Resource {
	return &Resource{ID: ResourceID{Type: "service", Name: name}, Actions: actions}
}

func command(name string) *Resource {
	return &Resource{ID: ResourceID{Type: "execute", Name: name}}
}

func notify(target string, action Action, timing Timing) Notification {
	return Notification{Target: MustParseResourceID(target), Action: action, Timing: timing}
}

func collect(t *testing.T, resources ...*Resource) *Collection {
	t.Helper()
	c := NewCollection()
	for _, r := range resources {
		if err := c.Add(r); err != nil {
			t.Fatalf("Failed to add %s: %v", r.ID, err)
		}
	}
	return c
}

func equalCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected calls %v, got %v", want, got)
		}
	}
}

type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockEventPublisher) types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

type mapSource map[string]interface{}

func (m mapSource) Lookup(path string) (interface{}, bool) {
	v, ok := m[path]
	return v, ok
}

func TestRunnerIdempotence(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry())
	c := collect(t,
		file("/etc/motd", "hello"),
		file("/etc/issue", "welcome"),
		service("ntp", "start"),
	)

	first, err := runner.Converge(context.Background(), c, RunOptions{})
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if got := len(first.Changed()); got != 3 {
		t.Errorf("Expected 3 changed resources on first run, got %d", got)
	}

	second, err := runner.Converge(context.Background(), c, RunOptions{})
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	for _, res := range second.Resources {
		if res.Status != StatusUnchanged {
			t.Errorf("Expected %s unchanged on second run, got %s", res.ID, res.Status)
		}
	}
	if first.RunID == second.RunID {
		t.Error("Expected distinct run IDs")
	}
}

func TestRunnerNotIfTrueNeverExecutes(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry())

	guarded := file("/etc/app.conf", "x", notify("service[app]", "restart", TimingImmediate))
	guarded.Guards = []Guard{NotIf("always", PredicateFunc(func(ctx context.Context, gc GuardContext) (bool, error) {
		return true, nil
	}))}
	c := collect(t, guarded, service("app"))

	report, err := runner.Converge(context.Background(), c, RunOptions{})
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}

	equalCalls(t, w.calls, nil)
	res, _ := report.Result(guarded.ID)
	if res.Status != StatusSkipped || res.SkipReason != SkipReasonGuard {
		t.Errorf("Expected skipped by guard, got %s/%s", res.Status, res.SkipReason)
	}
	if len(report.SkippedByGuard()) != 1 {
		t.Errorf("Expected 1 resource skipped by guard, got %d", len(report.SkippedByGuard()))
	}
	if _, ok := w.files["/etc/app.conf"]; ok {
		t.Error("Guarded file should not have been written")
	}
}

func TestRunnerOnlyIfFalseSkips(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry())

	c := command("migrate")
	invoked := false
	c.Guards = []Guard{OnlyIf("never", PredicateFunc(func(ctx context.Context, gc GuardContext) (bool, error) {
		invoked = true
		return false, nil
	}))}

	report, err := runner.Converge(context.Background(), collect(t, c), RunOptions{})
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	if !invoked {
		t.Error("Expected predicate to be evaluated")
	}
	equalCalls(t, w.calls, nil)
	if got := report.Skipped(); len(got) != 1 || got[0] != c.ID {
		t.Errorf("Expected %s skipped, got %v", c.ID, got)
	}
	if report.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", report.Status)
	}
}

func TestRunnerGuardsAreANDed(t *testing.T) {
	tests := []struct {
		name    string
		onlyIf  bool
		notIf   bool
		wantRun bool
	}{
		{"both permit", true, false, true},
		{"only_if suppresses", false, false, false},
		{"not_if suppresses", true, true, false},
		{"both suppress", false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld()
			runner := NewRunner(w.registry())
			r := command("job")
			r.Guards = []Guard{
				OnlyIf("a", PredicateFunc(func(context.Context, GuardContext) (bool, error) { return tt.onlyIf, nil })),
				NotIf("b", PredicateFunc(func(context.Context, GuardContext) (bool, error) { return tt.notIf, nil })),
			}
			if _, err := runner.Converge(context.Background(), collect(t, r), RunOptions{}); err != nil {
				t.Fatalf("Converge failed: %v", err)
			}
			if ran := len(w.calls) == 1; ran != tt.wantRun {
				t.Errorf("Expected run=%v, got calls %v", tt.wantRun, w.calls)
			}
		})
	}
}

func TestRunnerGuardErrorIsFalse(t *testing.T) {
	failing := PredicateFunc(func(context.Context, GuardContext) (bool, error) {
		return false, errors.New("attribute mysql.use_upstart not found")
	})

	t.Run("only_if suppresses", func(t *testing.T) {
		w := newWorld()
		r := command("job")
		r.Guards = []Guard{OnlyIf("missing", failing)}
		report, err := NewRunner(w.registry()).Converge(context.Background(), collect(t, r), RunOptions{})
		if err != nil {
			t.Fatalf("Guard errors must not fail the run: %v", err)
		}
		equalCalls(t, w.calls, nil)
		execs := report.ExecutionsFor(r.ID)
		if len(execs) != 1 || len(execs[0].GuardErrors) != 1 {
			t.Fatalf("Expected one execution with one guard error, got %+v", execs)
		}
	})

	t.Run("not_if permits", func(t *testing.T) {
		w := newWorld()
		r := command("job")
		r.Guards = []Guard{NotIf("missing", failing)}
		report, err := NewRunner(w.registry()).Converge(context.Background(), collect(t, r), RunOptions{})
		if err != nil {
			t.Fatalf("Converge failed: %v", err)
		}
		equalCalls(t, w.calls, []string{"execute[job]:run"})
		if len(report.Changed()) != 1 {
			t.Errorf("Expected job changed, got %v", report.Resources)
		}
	})
}

func TestRunnerGuardSeesAttributes(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry(), WithAttributes(mapSource{"mysql.use_upstart": true}))

	r := service("mysql", "start")
	r.Guards = []Guard{OnlyIf("upstart", PredicateFunc(func(ctx context.Context, gc GuardContext) (bool, error) {
		v, ok := gc.Attributes.Lookup("mysql.use_upstart")
		if !ok {
			return false, errors.New("not found")
		}
		return v.(bool), nil
	}))}

	if _, err := runner.Converge(context.Background(), collect(t, r), RunOptions{}); err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	equalCalls(t, w.calls, []string{"service[mysql]:start"})
}

func TestRunnerDelayedNotificationDedup(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry())
	c := collect(t,
		file("a", "1", notify("service[x]", "restart", TimingDelayed)),
		file("b", "2", notify("service[y]", "restart", TimingDelayed)),
		file("c", "3", notify("service[x]", "restart", TimingDelayed)),
		service("x"),
		service("y"),
	)

	report, err := runner.Converge(context.Background(), c, RunOptions{})
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}

	equalCalls(t, w.calls, []string{
		"file[a]:create",
		"file[b]:create",
		"file[c]:create",
		"service[x]:restart",
		"service[y]:restart",
	})

	execs := report.ExecutionsFor(MustParseResourceID("service[x]"))
	if len(execs) != 2 {
		t.Fatalf("Expected declared skip plus one delayed run, got %+v", execs)
	}
	if execs[1].Trigger != TriggerDelayed || execs[1].Source == nil || *execs[1].Source != MustParseResourceID("file[a]") {
		t.Errorf("Expected delayed run sourced from file[a], got %+v", execs[1])
	}
}

func TestRunnerImmediateNotificationOrdering(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry())
	c := collect(t,
		service("web"),
		file("conf", "v1", notify("service[web]", "restart", TimingImmediate)),
		file("next", "v1"),
	)

	if _, err := runner.Converge(context.Background(), c, RunOptions{}); err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	equalCalls(t, w.calls, []string{
		"file[conf]:create",
		"service[web]:restart",
		"file[next]:create",
	})
}

func TestRunnerImmediateTargetGuardsApply(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry())

	target := service("web")
	target.Guards = []Guard{OnlyIf("disabled", PredicateFunc(func(context.Context, GuardContext) (bool, error) {
		return false, nil
	}))}
	c := collect(t, file("conf", "v1", notify("service[web]", "restart", TimingImmediate)), target)

	report, err := runner.Converge(context.Background(), c, RunOptions{})
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	equalCalls(t, w.calls, []string{"file[conf]:create"})
	execs := report.ExecutionsFor(target.ID)
	if len(execs) != 2 || execs[0].SkipReason != SkipReasonGuard || execs[0].Trigger != TriggerImmediate {
		t.Errorf("Expected guarded immediate execution first, got %+v", execs)
	}
}

func TestRunnerFailFast(t *testing.T) {
	w := newWorld()
	w.failures["broken"] = errors.New("exit status 1")
	runner := NewRunner(w.registry())
	c := collect(t,
		file("a", "1", notify("service[x]", "restart", TimingDelayed)),
		command("broken"),
		file("b", "2"),
		service("x"),
	)

	report, err := runner.Converge(context.Background(), c, RunOptions{})
	if err == nil {
		t.Fatal("Expected run to fail")
	}
	if !IsActionFailure(err) {
		t.Errorf("Expected action failure, got %v", err)
	}
	if report == nil || report.Status != RunStatusFailed {
		t.Fatalf("Expected failed report, got %+v", report)
	}

	equalCalls(t, w.calls, []string{"file[a]:create", "execute[broken]:run"})

	for _, id := range []string{"file[b]", "service[x]"} {
		res, ok := report.Result(MustParseResourceID(id))
		if !ok {
			t.Fatalf("Missing result for %s", id)
		}
		if res.Status != StatusSkipped || res.SkipReason != SkipReasonAborted {
			t.Errorf("Expected %s aborted, got %s/%s", id, res.Status, res.SkipReason)
		}
	}
	if got := report.Failed(); len(got) != 1 || got[0].Name != "broken" {
		t.Errorf("Expected broken to be the only failure, got %v", got)
	}
	if len(report.Resources) != 4 {
		t.Errorf("Expected every declared resource in the report, got %d", len(report.Resources))
	}
}

func TestRunnerBestEffortContinues(t *testing.T) {
	w := newWorld()
	w.failures["optional"] = errors.New("exit status 2")
	runner := NewRunner(w.registry())

	optional := command("optional")
	optional.IgnoreFailure = true
	c := collect(t, optional, file("after", "x"))

	report, err := runner.Converge(context.Background(), c, RunOptions{})
	if err != nil {
		t.Fatalf("Best-effort failure must not fail the run: %v", err)
	}
	if report.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", report.Status)
	}
	equalCalls(t, w.calls, []string{"execute[optional]:run", "file[after]:create"})

	res, _ := report.Result(optional.ID)
	if res.Status != StatusFailed || !res.IgnoredFailure {
		t.Errorf("Expected ignored failure, got %+v", res)
	}
}

func TestRunnerNothingUntilNotifiedScenario(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry())
	a := file("A", "content", notify("service[B]", "restart", TimingDelayed))
	b := service("B", ActionNothing)
	c := collect(t, a, b)

	first, err := runner.Converge(context.Background(), c, RunOptions{})
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	equalCalls(t, w.calls, []string{"file[A]:create", "service[B]:restart"})
	if res, _ := first.Result(a.ID); res.Status != StatusChanged {
		t.Errorf("Expected A changed, got %s", res.Status)
	}
	if res, _ := first.Result(b.ID); res.Status != StatusChanged {
		t.Errorf("Expected B changed by notification, got %s", res.Status)
	}

	w.calls = nil
	second, err := runner.Converge(context.Background(), c, RunOptions{})
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	equalCalls(t, w.calls, []string{"file[A]:create"})
	if res, _ := second.Result(a.ID); res.Status != StatusUnchanged {
		t.Errorf("Expected A unchanged, got %s", res.Status)
	}
	res, _ := second.Result(b.ID)
	if res.Status != StatusSkipped || res.SkipReason != SkipReasonActionNothing {
		t.Errorf("Expected B skipped with action_nothing, got %s/%s", res.Status, res.SkipReason)
	}
}

func TestRunnerSubscriptions(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry())

	web := service("web")
	web.Subscriptions = []Subscription{{Source: MustParseResourceID("file[conf]"), Action: "restart"}}
	c := collect(t, web, file("conf", "v2"))

	if _, err := runner.Converge(context.Background(), c, RunOptions{}); err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	equalCalls(t, w.calls, []string{"file[conf]:create", "service[web]:restart"})
}

func TestRunnerMultipleActions(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry())
	c := collect(t, service("db", "start", "restart"))

	report, err := runner.Converge(context.Background(), c, RunOptions{})
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	equalCalls(t, w.calls, []string{"service[db]:start", "service[db]:restart"})
	if len(report.Executions) != 2 {
		t.Errorf("Expected 2 executions, got %d", len(report.Executions))
	}
}

func TestRunnerNotificationLoop(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry(), WithMaxNotificationDepth(4))

	a := service("a", "restart")
	a.Notifications = []Notification{notify("service[b]", "restart", TimingImmediate)}
	b := service("b")
	b.Notifications = []Notification{notify("service[a]", "restart", TimingImmediate)}

	report, err := runner.Converge(context.Background(), collect(t, a, b), RunOptions{})
	if err == nil {
		t.Fatal("Expected notification loop to fail the run")
	}
	if !HasCode(err, ErrCodeNotificationLoop) {
		t.Errorf("Expected %s, got %v", ErrCodeNotificationLoop, err)
	}
	if report.Status != RunStatusFailed {
		t.Errorf("Expected failed, got %s", report.Status)
	}
	if len(w.calls) != 5 {
		t.Errorf("Expected 5 restarts before hitting the limit, got %v", w.calls)
	}
}

func TestRunnerDelayedScheduledDuringFlush(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry())

	x := service("x")
	x.Notifications = []Notification{notify("service[y]", "restart", TimingDelayed)}
	c := collect(t, file("a", "1", notify("service[x]", "restart", TimingDelayed)), x, service("y"))

	if _, err := runner.Converge(context.Background(), c, RunOptions{}); err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	equalCalls(t, w.calls, []string{"file[a]:create", "service[x]:restart", "service[y]:restart"})
}

func TestRunnerDryRun(t *testing.T) {
	w := newWorld()
	w.files["same"] = "v"
	runner := NewRunner(w.registry())
	c := collect(t,
		file("same", "v"),
		file("new", "v", notify("service[web]", "restart", TimingDelayed)),
		service("web"),
	)

	report, err := runner.Converge(context.Background(), c, RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Dry run failed: %v", err)
	}
	equalCalls(t, w.calls, nil)
	if _, ok := w.files["new"]; ok {
		t.Error("Dry run must not modify state")
	}
	if res, _ := report.Result(MustParseResourceID("file[same]")); res.Status != StatusUnchanged {
		t.Errorf("Expected same unchanged, got %s", res.Status)
	}
	if res, _ := report.Result(MustParseResourceID("file[new]")); res.Status != StatusChanged {
		t.Errorf("Expected new changed, got %s", res.Status)
	}
	if res, _ := report.Result(MustParseResourceID("service[web]")); res.Status != StatusChanged {
		t.Errorf("Expected simulated restart, got %s", res.Status)
	}
	if !report.DryRun {
		t.Error("Expected report to be marked dry run")
	}
}

func TestRunnerValidationErrorsBeforeAnyAction(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry())
	c := collect(t, file("a", "1", notify("service[missing]", "restart", TimingDelayed)))

	report, err := runner.Converge(context.Background(), c, RunOptions{})
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if report != nil {
		t.Error("Expected no report for declaration errors")
	}
	if !HasCode(err, ErrCodeNotificationMissing) {
		t.Errorf("Expected %s, got %v", ErrCodeNotificationMissing, err)
	}
	equalCalls(t, w.calls, nil)
}

func TestRunnerCancelledContext(t *testing.T) {
	w := newWorld()
	runner := NewRunner(w.registry())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := runner.Converge(ctx, collect(t, file("a", "1")), RunOptions{})
	if err == nil || !HasCode(err, ErrCodeRunAborted) {
		t.Fatalf("Expected aborted run, got %v", err)
	}
	equalCalls(t, w.calls, nil)
	if res, _ := report.Result(MustParseResourceID("file[a]")); res.SkipReason != SkipReasonAborted {
		t.Errorf("Expected aborted, got %+v", res)
	}
}

func TestRunnerProviderPanic(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&ActionTable{
		Type:          "bad",
		DefaultAction: "run",
		Actions: map[Action]ActionHandler{
			"run": {Ensure: func(context.Context, *Resource) (Outcome, error) { panic("boom") }},
		},
	})
	report, err := NewRunner(reg).Converge(context.Background(),
		collect(t, &Resource{ID: ResourceID{Type: "bad", Name: "x"}}), RunOptions{})
	if err == nil {
		t.Fatal("Expected failure")
	}
	if len(report.Failed()) != 1 {
		t.Errorf("Expected 1 failure, got %v", report.Resources)
	}
}

func TestRunnerPublishesEvents(t *testing.T) {
	w := newWorld()
	publisher := &mockEventPublisher{}
	runner := NewRunner(w.registry(), WithEventPublisher(publisher))

	_, err := runner.Converge(context.Background(),
		collect(t, file("a", "1", notify("service[x]", "restart", TimingDelayed)), service("x")),
		RunOptions{})
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}

	types := publisher.types()
	if len(types) == 0 || types[0] != EventTypeRunStarted {
		t.Fatalf("Expected run_started first, got %v", types)
	}
	if types[len(types)-1] != EventTypeRunCompleted {
		t.Errorf("Expected run_completed last, got %v", types)
	}
	found := false
	for _, et := range types {
		if et == EventTypeNotificationQueued {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a notification_queued event, got %v", types)
	}
}

func TestReportSummary(t *testing.T) {
	w := newWorld()
	w.files["same"] = "v"
	w.failures["soft"] = errors.New("boom")
	soft := command("soft")
	soft.IgnoreFailure = true

	report, err := NewRunner(w.registry()).Converge(context.Background(),
		collect(t, file("same", "v"), file("new", "v"), service("idle"), soft),
		RunOptions{})
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}

	s := report.Summary()
	if s.Total != 4 || s.Changed != 1 || s.Unchanged != 1 || s.Skipped != 1 || s.Failed != 1 {
		t.Errorf("Unexpected summary: %+v", s)
	}
	if report.Err() != nil {
		t.Errorf("Expected no error, got %v", report.Err())
	}
}
