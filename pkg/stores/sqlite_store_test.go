package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/distbuild/distbuild/pkg/diff"
	"github.com/distbuild/distbuild/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
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

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tables := []string{"diff_records", "diff_sections", "diff_entries", "runs", "task_events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

// TestSQLiteStore_CorruptRecord tests that undecodable rows are reported as corrupt
func TestSQLiteStore_CorruptRecord(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.Save(ctx, &diff.Record{TaskID: "t", Input: []diff.FileEntry{}}); err != nil {
		t.Fatalf("failed to save record: %v", err)
	}
	if _, err := store.db.ExecContext(ctx,
		`INSERT INTO diff_entries (task_id, category, entry_key) VALUES ('t', 'input', '/broken')`); err != nil {
		t.Fatalf("failed to insert broken entry: %v", err)
	}

	_, err := store.Load(ctx, "t")
	if !errors.Is(err, diff.ErrRecordCorrupt) {
		t.Errorf("expected corrupt record error, got %v", err)
	}
}

// TestRunHistory tests Run and TaskEvent operations
func TestRunHistory(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	run := &Run{ID: "run-1", Status: "running", StartedAt: started}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	errMsg := "boom"
	ev := &TaskEvent{
		RunID:     "run-1",
		TaskID:    "compose",
		Outcome:   "failed",
		Forced:    true,
		Changes:   []string{"input: + /a"},
		Error:     &errMsg,
		StartedAt: started,
		Duration:  1500 * time.Millisecond,
	}
	if err := store.AppendTaskEvent(ctx, ev); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if ev.ID == 0 {
		t.Error("expected event ID to be set")
	}

	done := time.Now()
	run.Status = "failed"
	run.CompletedAt = &done
	run.Error = &errMsg
	run.Failed = 1
	if err := store.FinishRun(ctx, run); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != "failed" || got.Failed != 1 || got.CompletedAt == nil {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.Error == nil || *got.Error != "boom" {
		t.Errorf("expected error boom, got %v", got.Error)
	}

	events, err := store.ListTaskEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if !events[0].Forced || events[0].Duration != 1500*time.Millisecond || len(events[0].Changes) != 1 {
		t.Errorf("unexpected event: %+v", events[0])
	}

	if _, err := store.GetRun(ctx, "nope"); err == nil {
		t.Error("expected error for missing run")
	}
	if err := store.FinishRun(ctx, &Run{ID: "nope"}); err == nil {
		t.Error("expected error finishing missing run")
	}
}

// TestHistoryObserver tests recording a dispatcher run
func TestHistoryObserver(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	d := engine.NewDispatcher(
		engine.WithStore(store),
		engine.WithObserver(NewHistoryObserver(store, zerolog.Nop())),
	)
	for _, id := range []string{"a", "b"} {
		if err := d.RegisterTask(engine.TaskSpec{ID: id}); err != nil {
			t.Fatalf("failed to register %s: %v", id, err)
		}
	}
	if err := d.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	ctx := context.Background()
	summary, err := d.Execute(ctx, engine.ExecuteOptions{Skip: []string{"b"}})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != summary.RunID {
		t.Fatalf("expected the run to be recorded, got %+v", runs)
	}
	if runs[0].Status != string(engine.RunStatusSucceeded) || runs[0].Ran != 1 || runs[0].Skipped != 1 {
		t.Errorf("unexpected run counters: %+v", runs[0])
	}

	events, err := store.ListTaskEvents(ctx, summary.RunID)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 || events[0].TaskID != "a" || events[1].Outcome != string(engine.OutcomeSkipped) {
		t.Errorf("unexpected events: %+v", events)
	}

	ids, err := store.TaskIDs(ctx)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("expected a record for a only, got %v", ids)
	}
}

// TestHistoryObserver_Interrupted tests that a cancelled run is still finished
func TestHistoryObserver_Interrupted(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	d := engine.NewDispatcher(
		engine.WithStore(store),
		engine.WithObserver(NewHistoryObserver(store, zerolog.Nop())),
	)
	for _, id := range []string{"a", "b"} {
		if err := d.RegisterTask(engine.TaskSpec{ID: id}); err != nil {
			t.Fatalf("failed to register %s: %v", id, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.BindHook("a", engine.PhaseRun, func(*engine.TaskContext) error {
		cancel()
		return nil
	}); err != nil {
		t.Fatalf("failed to bind hook: %v", err)
	}
	if err := d.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	summary, err := d.Execute(ctx, engine.ExecuteOptions{})
	if err == nil {
		t.Fatal("expected the interrupted run to fail")
	}

	run, err := store.GetRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != string(engine.RunStatusFailed) || run.CompletedAt == nil {
		t.Errorf("expected a finished failed run, got %+v", run)
	}

	events, err := store.ListTaskEvents(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) == 0 || events[0].TaskID != "a" {
		t.Errorf("expected an event for a, got %+v", events)
	}
}
