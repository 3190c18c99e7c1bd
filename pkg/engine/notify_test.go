package engine

import (
	"context"
	"errors"
	"testing"
)

func TestNotificationQueueOrderedSet(t *testing.T) {
	q := NewNotificationQueue()

	x := notify("service[x]", "restart", TimingDelayed)
	y := notify("service[y]", "restart", TimingDelayed)
	xReload := notify("service[x]", "reload", TimingDelayed)

	if !q.Schedule(x) {
		t.Error("Expected first schedule to succeed")
	}
	if !q.Schedule(y) {
		t.Error("Expected second target to be queued")
	}
	if q.Schedule(x) {
		t.Error("Expected duplicate (target, action) to collapse")
	}
	if !q.Schedule(xReload) {
		t.Error("Expected a different action on the same target to be queued")
	}
	if q.Len() != 3 {
		t.Fatalf("Expected 3 pending, got %d", q.Len())
	}

	want := []Notification{x, y, xReload}
	for i, w := range want {
		got, ok := q.Next()
		if !ok {
			t.Fatalf("Expected notification %d", i)
		}
		if got.Target != w.Target || got.Action != w.Action {
			t.Errorf("Position %d: expected %s %s, got %s %s", i, w.Target, w.Action, got.Target, got.Action)
		}
	}
	if _, ok := q.Next(); ok {
		t.Error("Expected queue to be empty")
	}
}

func TestNotificationQueueFiredKeysNeverRequeue(t *testing.T) {
	q := NewNotificationQueue()
	x := notify("service[x]", "restart", TimingDelayed)

	q.Schedule(x)
	if _, ok := q.Next(); !ok {
		t.Fatal("Expected notification")
	}
	if q.Schedule(x) {
		t.Error("Expected fired key to stay deduplicated for the rest of the pass")
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
}

func TestEvaluateGuards(t *testing.T) {
	yes := PredicateFunc(func(context.Context, GuardContext) (bool, error) { return true, nil })
	no := PredicateFunc(func(context.Context, GuardContext) (bool, error) { return false, nil })
	broken := PredicateFunc(func(context.Context, GuardContext) (bool, error) { return true, errors.New("missing") })

	tests := []struct {
		name       string
		guards     []Guard
		wantRun    bool
		wantErrors int
	}{
		{"no guards", nil, true, 0},
		{"only_if true", []Guard{OnlyIf("", yes)}, true, 0},
		{"only_if false", []Guard{OnlyIf("", no)}, false, 0},
		{"not_if true", []Guard{NotIf("", yes)}, false, 0},
		{"not_if false", []Guard{NotIf("", no)}, true, 0},
		{"only_if error", []Guard{OnlyIf("", broken)}, false, 1},
		{"not_if error", []Guard{NotIf("", broken)}, true, 1},
		{"nil predicate", []Guard{{Kind: GuardOnlyIf}}, false, 1},
		{"stops at first suppressor", []Guard{OnlyIf("", no), NotIf("", broken)}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := EvaluateGuards(context.Background(), tt.guards, GuardContext{Resource: command("x")})
			if d.Run != tt.wantRun {
				t.Errorf("Expected run=%v, got %v", tt.wantRun, d.Run)
			}
			if len(d.Errors) != tt.wantErrors {
				t.Errorf("Expected %d errors, got %d", tt.wantErrors, len(d.Errors))
			}
			for _, err := range d.Errors {
				if !IsGuardError(err) {
					t.Errorf("Expected guard error, got %v", err)
				}
			}
			if !d.Run && d.SuppressedBy == nil {
				t.Error("Expected suppressing guard to be reported")
			}
		})
	}
}

func TestEvaluateGuardsRecoversPanics(t *testing.T) {
	p := PredicateFunc(func(context.Context, GuardContext) (bool, error) { panic("bad predicate") })
	d := EvaluateGuards(context.Background(), []Guard{NotIf("panics", p)}, GuardContext{})
	if !d.Run {
		t.Error("Expected not_if panic to be treated as false")
	}
	if len(d.Errors) != 1 {
		t.Errorf("Expected 1 error, got %d", len(d.Errors))
	}
}
