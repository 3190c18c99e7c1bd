package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/galley/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testReport(runID string, started time.Time) *engine.Report {
	pkg := engine.MustParseResourceID("package[nginx]")
	tmpl := engine.MustParseResourceID("template[/etc/nginx/nginx.conf]")
	svc := engine.MustParseResourceID("service[nginx]")

	return &engine.Report{
		RunID:       runID,
		Status:      engine.RunStatusSucceeded,
		User:        "root",
		RunList:     []string{"nginx"},
		StartedAt:   started,
		CompletedAt: started.Add(3 * time.Second),
		Executions: []engine.Execution{
			{Resource: pkg, Action: "install", Trigger: engine.TriggerDeclared, Status: engine.StatusUnchanged, StartedAt: started, Duration: time.Second},
			{Resource: tmpl, Action: "create", Trigger: engine.TriggerDeclared, Status: engine.StatusChanged, StartedAt: started, Duration: 20 * time.Millisecond},
			{Resource: svc, Action: "start", Trigger: engine.TriggerDeclared, Status: engine.StatusSkipped, SkipReason: engine.SkipReasonGuard, Guard: `not_if "pgrep nginx"`, StartedAt: started},
			{Resource: svc, Action: "reload", Trigger: engine.TriggerDelayed, Source: &tmpl, Status: engine.StatusChanged, GuardErrors: []string{"boom"}, StartedAt: started},
		},
		Resources: []engine.ResourceResult{
			{ID: pkg, Status: engine.StatusUnchanged},
			{ID: tmpl, Status: engine.StatusChanged},
			{ID: svc, Status: engine.StatusChanged},
		},
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to re-run migrations: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestMigrateBeforeInit(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Error("Expected error migrating an unopened store")
	}
}

func TestSaveAndLoadReport(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	report := testReport("run-1", started)
	if err := store.SaveReport(ctx, report); err != nil {
		t.Fatalf("failed to save report: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != engine.RunStatusSucceeded || run.User != "root" {
		t.Errorf("Unexpected run: %+v", run)
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("Expected started %v, got %v", started, run.StartedAt)
	}
	if run.Duration() != 3*time.Second {
		t.Errorf("Expected duration 3s, got %v", run.Duration())
	}
	if run.Summary.Total != 3 || run.Summary.Changed != 2 || run.Summary.Unchanged != 1 || run.Summary.Executions != 4 {
		t.Errorf("Unexpected summary: %+v", run.Summary)
	}
	if len(run.RunList) != 1 || run.RunList[0] != "nginx" {
		t.Errorf("Unexpected run list: %v", run.RunList)
	}

	loaded, err := store.LoadReport(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	if len(loaded.Executions) != 4 {
		t.Fatalf("Expected 4 executions, got %d", len(loaded.Executions))
	}
	skipped := loaded.Executions[2]
	if skipped.SkipReason != engine.SkipReasonGuard || skipped.Guard != `not_if "pgrep nginx"` {
		t.Errorf("Unexpected skipped execution: %+v", skipped)
	}
	delayed := loaded.Executions[3]
	if delayed.Trigger != engine.TriggerDelayed || delayed.Source == nil || delayed.Source.String() != "template[/etc/nginx/nginx.conf]" {
		t.Errorf("Unexpected delayed execution: %+v", delayed)
	}
	if len(delayed.GuardErrors) != 1 || delayed.GuardErrors[0] != "boom" {
		t.Errorf("Expected guard errors to round trip, got %v", delayed.GuardErrors)
	}
	if loaded.Executions[0].Duration != time.Second {
		t.Errorf("Expected duration 1s, got %v", loaded.Executions[0].Duration)
	}
	if got := loaded.Changed(); len(got) != 2 {
		t.Errorf("Expected 2 changed resources, got %v", got)
	}

	// Saving again replaces the stored copy.
	report.Executions = report.Executions[:1]
	if err := store.SaveReport(ctx, report); err != nil {
		t.Fatalf("failed to re-save report: %v", err)
	}
	execs, err := store.ListExecutions(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Errorf("Expected 1 execution after re-save, got %d", len(execs))
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		if err := store.SaveReport(ctx, testReport(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "c" || runs[2].ID != "a" {
		t.Errorf("Expected newest first, got %v", runIDs(runs))
	}

	page, err := store.ListRuns(ctx, ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("Expected page [b], got %v", runIDs(page))
	}
}

func runIDs(runs []*Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestPublishTimeline(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []engine.Event{
		{ID: "e1", RunID: "run-1", Type: engine.EventTypeRunStarted, Message: "Run started", Timestamp: now},
		{ID: "e2", RunID: "run-1", Type: engine.EventTypeActionStarted, Resource: "service[nginx]", Action: "start", Message: "Running", Timestamp: now.Add(time.Millisecond)},
		{ID: "e3", RunID: "run-1", Type: engine.EventTypeActionFailed, Resource: "service[nginx]", Action: "start", Message: "failed",
			Data: map[string]interface{}{"trigger": "declared"}, Timestamp: now.Add(2 * time.Millisecond)},
	}
	for _, e := range events {
		if err := store.Publish(ctx, e); err != nil {
			t.Fatalf("failed to publish %s: %v", e.Type, err)
		}
	}

	// run_started creates an in-flight run header.
	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != engine.RunStatusRunning || run.CompletedAt != nil {
		t.Errorf("Expected running run, got %+v", run)
	}

	got, err := store.GetEvents(ctx, "run-1", EventFilter{})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(got) != 3 || got[0].ID != "e1" || got[2].ID != "e3" {
		t.Fatalf("Unexpected events: %+v", got)
	}
	if got[2].Data["trigger"] != "declared" {
		t.Errorf("Expected event data to round trip, got %v", got[2].Data)
	}

	errorsOnly, err := store.GetEvents(ctx, "run-1", EventFilter{Severity: "error"})
	if err != nil {
		t.Fatal(err)
	}
	if len(errorsOnly) != 1 || errorsOnly[0].Type != engine.EventTypeActionFailed {
		t.Errorf("Expected only the failure event, got %+v", errorsOnly)
	}

	limited, err := store.GetEvents(ctx, "run-1", EventFilter{Resource: "service[nginx]", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != "e2" {
		t.Errorf("Unexpected filtered events: %+v", limited)
	}

	// The final report completes the header.
	if err := store.SaveReport(ctx, testReport("run-1", now)); err != nil {
		t.Fatal(err)
	}
	run, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != engine.RunStatusSucceeded || run.CompletedAt == nil {
		t.Errorf("Expected completed run, got %+v", run)
	}
}

func TestPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		started := base.Add(time.Duration(i) * time.Hour)
		if err := store.Publish(ctx, engine.Event{ID: id + "-start", RunID: id, Type: engine.EventTypeRunStarted, Message: "Run started", Timestamp: started}); err != nil {
			t.Fatal(err)
		}
		if err := store.SaveReport(ctx, testReport(id, started)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.PruneRuns(ctx, 1)
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 pruned runs, got %d", n)
	}

	runs, err := store.ListRuns(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "new" {
		t.Errorf("Expected only the newest run, got %v", runIDs(runs))
	}

	execs, err := store.ListExecutions(ctx, "old")
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 0 {
		t.Errorf("Expected executions to cascade, got %d", len(execs))
	}
	events, err := store.GetEvents(ctx, "old", EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("Expected events to be pruned, got %d", len(events))
	}

	if _, err := store.PruneRuns(ctx, -1); err == nil {
		t.Error("Expected error for negative keep")
	}
}

func TestBackup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.SaveReport(ctx, testReport("run-1", started)); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, path); err != nil {
		t.Fatalf("failed to back up: %v", err)
	}
	if err := store.Backup(ctx, path); err == nil {
		t.Error("Expected error for existing backup target")
	}

	copied, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open backup: %v", err)
	}
	defer copied.Close()

	report, err := copied.LoadReport(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to load report from backup: %v", err)
	}
	if len(report.Executions) != 4 {
		t.Errorf("Expected 4 executions in backup, got %d", len(report.Executions))
	}
}

func TestRunnerPublishesIntoStore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	registry := engine.NewRegistry()
	c := engine.NewCollection()

	runner := engine.NewRunner(registry, engine.WithEventPublisher(store))
	report, err := runner.Converge(ctx, c, engine.RunOptions{User: "ops"})
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	if err := store.SaveReport(ctx, report); err != nil {
		t.Fatal(err)
	}

	events, err := store.GetEvents(ctx, report.RunID, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) < 2 || events[0].Type != engine.EventTypeRunStarted || events[len(events)-1].Type != engine.EventTypeRunCompleted {
		t.Errorf("Unexpected timeline: %+v", events)
	}

	run, err := store.GetRun(ctx, report.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.User != "ops" || run.Status != engine.RunStatusSucceeded {
		t.Errorf("Unexpected run: %+v", run)
	}
}
