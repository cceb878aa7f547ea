package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/distbuild/distbuild/pkg/diff"
)

// phaseLog binds recording callables to every phase of the given tasks.
type phaseLog struct {
	calls []string
}

func (l *phaseLog) bind(t *testing.T, d *Dispatcher, ids ...string) {
	t.Helper()
	for _, id := range ids {
		for _, p := range []Phase{PhaseSetup, PhaseClean, PhaseRun, PhaseApply} {
			id, p := id, p
			if err := d.BindHook(id, p, func(*TaskContext) error {
				l.calls = append(l.calls, id+":"+string(p))
				return nil
			}); err != nil {
				t.Fatalf("BindHook(%s, %s) failed: %v", id, p, err)
			}
		}
	}
}

func (l *phaseLog) reset() { l.calls = nil }

func (l *phaseLog) has(prefix string) bool {
	for _, c := range l.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func mustRegister(t *testing.T, d *Dispatcher, specs ...TaskSpec) {
	t.Helper()
	for _, s := range specs {
		if err := d.RegisterTask(s); err != nil {
			t.Fatalf("RegisterTask(%s) failed: %v", s.ID, err)
		}
	}
}

func mustCommit(t *testing.T, d *Dispatcher) {
	t.Helper()
	if err := d.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestDispatcher_DeferredRegistration(t *testing.T) {
	d := NewDispatcher()
	mustRegister(t, d,
		TaskSpec{ID: "leaf", ParentID: "mid"},
		TaskSpec{ID: "mid", ParentID: "top"},
		TaskSpec{ID: "top", Properties: Properties{IsGroup: true}},
	)
	mustCommit(t, d)

	leaf, ok := d.Task("leaf")
	if !ok {
		t.Fatal("Expected leaf to be registered")
	}
	if leaf.Parent() == nil || leaf.Parent().ID != "mid" {
		t.Errorf("Expected leaf parent mid, got %v", leaf.Parent())
	}
	if got := d.Resolution().Flatten(); !reflect.DeepEqual(got, []string{"top", "mid", "leaf"}) {
		t.Errorf("Unexpected order %v", got)
	}
	if leaf.State() != TaskStateResolved {
		t.Errorf("Expected state resolved, got %s", leaf.State())
	}
}

func TestDispatcher_RegistrationError(t *testing.T) {
	d := NewDispatcher()
	mustRegister(t, d,
		TaskSpec{ID: "a"},
		TaskSpec{ID: "orphan", ParentID: "ghost"},
	)

	err := d.Commit()
	if !IsRegistrationError(err) {
		t.Fatalf("Expected registration error, got %v", err)
	}
	if IsUnresolvableDependency(err) {
		t.Error("Registration error must be distinct from dependency errors")
	}
	if !strings.Contains(err.Error(), "orphan") {
		t.Errorf("Expected pending task in message, got %q", err.Error())
	}
}

func TestDispatcher_HookForUnknownTask(t *testing.T) {
	d := NewDispatcher()
	if err := d.RegisterHook("later", BaseHook{}); err != nil {
		t.Fatalf("RegisterHook failed: %v", err)
	}
	if err := d.BindHook("never", PhaseRun, func(*TaskContext) error { return nil }); err != nil {
		t.Fatalf("BindHook failed: %v", err)
	}
	mustRegister(t, d, TaskSpec{ID: "later"})

	if got := len(d.Hooks().Hooks("later", PhaseRun)); got != 1 {
		t.Errorf("Expected deferred hook to bind on registration, got %d", got)
	}

	err := d.Commit()
	if !IsRegistrationError(err) {
		t.Fatalf("Expected registration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "never") {
		t.Errorf("Expected task id in message, got %q", err.Error())
	}
}

func TestDispatcher_RegistryValidation(t *testing.T) {
	d := NewDispatcher()
	mustRegister(t, d, TaskSpec{ID: "a"})

	if err := d.RegisterTask(TaskSpec{ID: "a"}); !IsValidationError(err) {
		t.Errorf("Expected duplicate id error, got %v", err)
	}
	if err := d.RegisterTask(TaskSpec{ID: "x.pre"}); !IsValidationError(err) {
		t.Errorf("Expected reserved suffix error, got %v", err)
	}
	if err := d.RegisterTask(TaskSpec{}); !IsValidationError(err) {
		t.Errorf("Expected empty id error, got %v", err)
	}
	if err := d.BindHook("a", PhaseCheck, func(*TaskContext) error { return nil }); !IsValidationError(err) {
		t.Errorf("Expected invalid phase error, got %v", err)
	}
	if _, err := d.Execute(context.Background(), ExecuteOptions{}); !IsValidationError(err) {
		t.Errorf("Expected not committed error, got %v", err)
	}

	mustCommit(t, d)
	if err := d.RegisterTask(TaskSpec{ID: "b"}); !IsValidationError(err) {
		t.Errorf("Expected frozen registry error, got %v", err)
	}
	if _, err := d.Execute(context.Background(), ExecuteOptions{Force: []string{"nope"}}); !IsValidationError(err) {
		t.Errorf("Expected unknown task error, got %v", err)
	}
}

func TestDispatcher_LifecycleAndIncrementalRuns(t *testing.T) {
	ctx := context.Background()
	store := diff.NewMemoryStore()
	d := NewDispatcher(WithStore(store))
	mustRegister(t, d, TaskSpec{ID: "a"})
	log := &phaseLog{}
	log.bind(t, d, "a")
	mustCommit(t, d)

	summary, err := d.Execute(ctx, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if want := []string{"a:setup", "a:run", "a:apply"}; !reflect.DeepEqual(log.calls, want) {
		t.Errorf("First run: expected %v, got %v", want, log.calls)
	}
	if summary.Status != RunStatusSucceeded || summary.RunID == "" {
		t.Errorf("Unexpected summary %+v", summary)
	}
	if r, _ := summary.Result("a"); r.Outcome != OutcomeRan {
		t.Errorf("Expected outcome ran, got %s", r.Outcome)
	}

	log.reset()
	if _, err := d.Execute(ctx, ExecuteOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if want := []string{"a:setup", "a:apply"}; !reflect.DeepEqual(log.calls, want) {
		t.Errorf("Second run: expected %v, got %v", want, log.calls)
	}

	log.reset()
	summary, err = d.Execute(ctx, ExecuteOptions{Force: []string{"a"}})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if want := []string{"a:setup", "a:clean", "a:run", "a:apply"}; !reflect.DeepEqual(log.calls, want) {
		t.Errorf("Forced run: expected %v, got %v", want, log.calls)
	}
	if r, _ := summary.Result("a"); !r.Forced {
		t.Error("Expected forced result")
	}
}

func TestDispatcher_ChangeDetection(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	out := filepath.Join(dir, "stage2.img")
	size := 100
	runs := 0

	d := NewDispatcher(WithStore(diff.NewMemoryStore()))
	mustRegister(t, d, TaskSpec{ID: "image"})
	if err := d.BindHook("image", PhaseSetup, func(tc *TaskContext) error {
		tc.WatchOutput(out)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := d.BindHook("image", PhaseRun, func(tc *TaskContext) error {
		runs++
		return os.WriteFile(out, make([]byte, size), 0o644)
	}); err != nil {
		t.Fatal(err)
	}
	mustCommit(t, d)

	for i := 0; i < 2; i++ {
		if _, err := d.Execute(ctx, ExecuteOptions{}); err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
	}
	if runs != 1 {
		t.Fatalf("Expected 1 run after two executions, got %d", runs)
	}

	if err := os.WriteFile(out, make([]byte, 150), 0o644); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(out, later, later); err != nil {
		t.Fatal(err)
	}

	summary, err := d.Execute(ctx, ExecuteOptions{CheckOnly: true})
	if err != nil {
		t.Fatalf("Check-only execute failed: %v", err)
	}
	r, _ := summary.Result("image")
	if r.Outcome != OutcomeStale {
		t.Errorf("Expected stale outcome, got %s", r.Outcome)
	}
	if len(r.Changes) != 1 || r.Changes[0].Category != diff.CategoryOutput {
		t.Errorf("Expected exactly one output change, got %v", r.Changes)
	}
	if runs != 1 {
		t.Errorf("Check-only run must not run tasks, got %d runs", runs)
	}

	if _, err := d.Execute(ctx, ExecuteOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if runs != 2 {
		t.Errorf("Expected modified output to trigger a run, got %d runs", runs)
	}
}

func TestDispatcher_SkipBeatsForce(t *testing.T) {
	d := NewDispatcher()
	mustRegister(t, d,
		TaskSpec{ID: "group", Properties: Properties{IsGroup: true, HasPre: true}},
		TaskSpec{ID: "child", ParentID: "group"},
		TaskSpec{ID: "other"},
	)
	log := &phaseLog{}
	log.bind(t, d, "group", "group.pre", "child", "other")
	mustCommit(t, d)

	summary, err := d.Execute(context.Background(), ExecuteOptions{
		Force: []string{"group", "other"},
		Skip:  []string{"group"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for _, prefix := range []string{"group:", "group.pre:", "child:"} {
		if log.has(prefix) {
			t.Errorf("Expected %s to be bypassed, calls: %v", prefix, log.calls)
		}
	}
	if r, _ := summary.Result("group"); r.Outcome != OutcomeSkipped {
		t.Errorf("Expected group skipped, got %s", r.Outcome)
	}
	if _, visited := summary.Result("child"); visited {
		t.Error("Children of a skipped group must not be visited")
	}
	if want := []string{"other:setup", "other:clean", "other:run", "other:apply"}; !reflect.DeepEqual(log.calls, want) {
		t.Errorf("Expected %v, got %v", want, log.calls)
	}
}

func TestDispatcher_DisabledGroupPropagates(t *testing.T) {
	d := NewDispatcher()
	mustRegister(t, d,
		TaskSpec{ID: "extras", Properties: Properties{IsGroup: true, UserToggleable: true}},
		TaskSpec{ID: "docs", ParentID: "extras"},
		TaskSpec{ID: "release-notes", ParentID: "extras", Protected: true},
	)
	if err := d.SetEnabled("extras", false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	if err := d.SetEnabled("docs", false); !IsValidationError(err) {
		t.Errorf("Expected non-toggleable error, got %v", err)
	}
	log := &phaseLog{}
	log.bind(t, d, "extras", "docs", "release-notes")
	mustCommit(t, d)

	summary, err := d.Execute(context.Background(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := []string{
		"extras:setup", "extras:apply",
		"docs:setup", "docs:apply",
		"release-notes:setup", "release-notes:run", "release-notes:apply",
	}
	if !reflect.DeepEqual(log.calls, want) {
		t.Errorf("Expected %v, got %v", want, log.calls)
	}
	if r, _ := summary.Result("docs"); r.Outcome != OutcomeDisabled {
		t.Errorf("Expected docs disabled, got %s", r.Outcome)
	}
	if r, _ := summary.Result("release-notes"); r.Outcome != OutcomeRan {
		t.Errorf("Expected protected task to run, got %s", r.Outcome)
	}
}

func TestDispatcher_DisabledBeatsForce(t *testing.T) {
	d := NewDispatcher()
	mustRegister(t, d, TaskSpec{ID: "iso", Disabled: true})
	log := &phaseLog{}
	log.bind(t, d, "iso")
	mustCommit(t, d)

	summary, err := d.Execute(context.Background(), ExecuteOptions{Force: []string{"iso"}})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if want := []string{"iso:setup", "iso:apply"}; !reflect.DeepEqual(log.calls, want) {
		t.Errorf("Expected %v, got %v", want, log.calls)
	}
	r, _ := summary.Result("iso")
	if r.Outcome != OutcomeDisabled || !r.Forced {
		t.Errorf("Expected a forced but disabled result, got %+v", r)
	}
}

func TestDispatcher_PrePostTasks(t *testing.T) {
	d := NewDispatcher()
	mustRegister(t, d,
		TaskSpec{ID: "iso", Properties: Properties{HasPre: true, HasPost: true}, Disabled: true},
		TaskSpec{ID: "iso-efi", ParentID: "iso"},
	)
	log := &phaseLog{}
	log.bind(t, d, "iso.pre", "iso", "iso-efi", "iso.post")
	mustCommit(t, d)

	if _, err := d.Execute(context.Background(), ExecuteOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := []string{
		"iso.pre:setup", "iso.pre:run", "iso.pre:apply",
		"iso:setup", "iso:apply",
		"iso-efi:setup", "iso-efi:apply",
		"iso.post:setup", "iso.post:run", "iso.post:apply",
	}
	if !reflect.DeepEqual(log.calls, want) {
		t.Errorf("Expected %v, got %v", want, log.calls)
	}
}

func TestDispatcher_TaskFailure(t *testing.T) {
	boom := errors.New("boom")
	d := NewDispatcher()
	mustRegister(t, d, TaskSpec{ID: "a"}, TaskSpec{ID: "b"}, TaskSpec{ID: "c"})
	log := &phaseLog{}
	log.bind(t, d, "a", "c")
	if err := d.BindHook("b", PhaseRun, func(*TaskContext) error { return boom }); err != nil {
		t.Fatal(err)
	}
	var recovered error
	if err := d.BindHook("b", PhaseRecover, func(tc *TaskContext) error {
		recovered = tc.Failure()
		return errors.New("recover also failed")
	}); err != nil {
		t.Fatal(err)
	}
	mustCommit(t, d)

	summary, err := d.Execute(context.Background(), ExecuteOptions{})
	if !IsTaskExecutionError(err) {
		t.Fatalf("Expected task execution error, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Expected error to wrap cause, got %v", err)
	}
	var ee *EngineError
	if errors.As(err, &ee) && (ee.TaskID != "b" || ee.Phase != PhaseRun) {
		t.Errorf("Expected task b phase run, got %s %s", ee.TaskID, ee.Phase)
	}
	if recovered == nil {
		t.Error("Expected recover hook to run")
	}
	if log.has("c:") {
		t.Errorf("Tasks after a failure must not run, calls: %v", log.calls)
	}
	if summary.Status != RunStatusFailed {
		t.Errorf("Expected failed status, got %s", summary.Status)
	}
	if task, _ := d.Task("b"); task.State() != TaskStateFailed {
		t.Errorf("Expected b failed, got %s", task.State())
	}
}

func TestDispatcher_MissingOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "never-written")
	d := NewDispatcher()
	mustRegister(t, d, TaskSpec{ID: "lazy"})
	if err := d.BindHook("lazy", PhaseSetup, func(tc *TaskContext) error {
		tc.WatchOutput(out)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	mustCommit(t, d)

	_, err := d.Execute(context.Background(), ExecuteOptions{})
	if !IsTaskExecutionError(err) {
		t.Fatalf("Expected task execution error, got %v", err)
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeMissingOutput || ee.Phase != PhaseApply {
		t.Errorf("Expected missing output in apply, got %v", err)
	}
}

func TestDispatcher_HookExit(t *testing.T) {
	d := NewDispatcher()
	mustRegister(t, d, TaskSpec{ID: "a"}, TaskSpec{ID: "b"})
	log := &phaseLog{}
	log.bind(t, d, "b")
	if err := d.BindHook("a", PhaseRun, func(*TaskContext) error { return Exit("tree only") }); err != nil {
		t.Fatal(err)
	}
	mustCommit(t, d)

	summary, err := d.Execute(context.Background(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("Expected hook exit to succeed, got %v", err)
	}
	if summary.Status != RunStatusHalted || summary.HaltedBy != "a" {
		t.Errorf("Expected halted by a, got %s %q", summary.Status, summary.HaltedBy)
	}
	if !summary.Status.IsSuccess() {
		t.Error("Halted runs are successful")
	}
	if len(log.calls) != 0 {
		t.Errorf("Expected no calls after exit, got %v", log.calls)
	}
}

func TestDispatcher_Variables(t *testing.T) {
	d := NewDispatcher()
	mustRegister(t, d, TaskSpec{ID: "release"}, TaskSpec{ID: "iso"})
	if err := d.BindHook("release", PhaseApply, func(tc *TaskContext) error {
		return tc.Publish("version", "9.1")
	}); err != nil {
		t.Fatal(err)
	}
	var seen any
	if err := d.BindHook("iso", PhaseSetup, func(tc *TaskContext) error {
		seen, _ = tc.Var("version")
		tc.WatchPublished("version")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := d.BindHook("iso", PhaseApply, func(tc *TaskContext) error {
		return tc.Publish("version", "hijacked")
	}); err != nil {
		t.Fatal(err)
	}
	mustCommit(t, d)

	_, err := d.Execute(context.Background(), ExecuteOptions{})
	if seen != "9.1" {
		t.Errorf("Expected downstream task to see version 9.1, got %v", seen)
	}
	if !errors.Is(err, &EngineError{Kind: ErrorKindValidation, Code: ErrCodeVariableOwner}) {
		t.Errorf("Expected variable owner error, got %v", err)
	}
}

func TestDispatcher_CheckOnlyPublishesVariables(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher()
	mustRegister(t, d, TaskSpec{ID: "release"}, TaskSpec{ID: "iso"})
	if err := d.BindHook("release", PhaseApply, func(tc *TaskContext) error {
		return tc.Publish("version", "9.1")
	}); err != nil {
		t.Fatal(err)
	}
	if err := d.BindHook("iso", PhaseSetup, func(tc *TaskContext) error {
		tc.WatchPublished("version")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	runs := 0
	if err := d.BindHook("iso", PhaseRun, func(*TaskContext) error {
		runs++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	mustCommit(t, d)

	for i := 0; i < 2; i++ {
		if _, err := d.Execute(ctx, ExecuteOptions{}); err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
	}
	if runs != 1 {
		t.Fatalf("Expected iso to run once, got %d", runs)
	}

	summary, err := d.Execute(ctx, ExecuteOptions{CheckOnly: true})
	if err != nil {
		t.Fatalf("Check-only execute failed: %v", err)
	}
	r, _ := summary.Result("iso")
	if r.Outcome != OutcomeUnchanged {
		t.Errorf("Expected iso unchanged, got %s with changes %v", r.Outcome, r.Changes)
	}
	if len(r.Changes) != 0 {
		t.Errorf("Expected no changes, got %v", r.Changes)
	}
	if runs != 1 {
		t.Errorf("Check-only run must not run tasks, got %d runs", runs)
	}
}

func TestDispatcher_CheckOverride(t *testing.T) {
	d := NewDispatcher()
	mustRegister(t, d, TaskSpec{ID: "a"})
	log := &phaseLog{}
	log.bind(t, d, "a")
	if err := d.BindCheck("a", func(*TaskContext) (bool, error) { return false, nil }); err != nil {
		t.Fatal(err)
	}
	mustCommit(t, d)

	summary, err := d.Execute(context.Background(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if want := []string{"a:setup", "a:apply"}; !reflect.DeepEqual(log.calls, want) {
		t.Errorf("Expected %v, got %v", want, log.calls)
	}
	if r, _ := summary.Result("a"); r.Outcome != OutcomeUnchanged {
		t.Errorf("Expected unchanged, got %s", r.Outcome)
	}
}

type countingObserver struct {
	NopObserver
	phases   map[Phase]int
	finished int
	failed   error
}

func (o *countingObserver) StartPhase(ctx context.Context, _ *Task, p Phase) (context.Context, func(error)) {
	return ctx, func(error) { o.phases[p]++ }
}

func (o *countingObserver) TaskFinished(context.Context, string, TaskResult) { o.finished++ }

func (o *countingObserver) RunFinished(_ context.Context, _ *RunSummary, err error) { o.failed = err }

func TestDispatcher_Observer(t *testing.T) {
	obs := &countingObserver{phases: make(map[Phase]int)}
	d := NewDispatcher(WithObserver(MultiObserver{NopObserver{}, obs}))
	mustRegister(t, d, TaskSpec{ID: "a"}, TaskSpec{ID: "b"})
	mustCommit(t, d)

	if _, err := d.Execute(context.Background(), ExecuteOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if obs.finished != 2 {
		t.Errorf("Expected 2 finished tasks, got %d", obs.finished)
	}
	if obs.phases[PhaseSetup] != 2 || obs.phases[PhaseRun] != 2 || obs.phases[PhaseApply] != 2 {
		t.Errorf("Unexpected phase counts %v", obs.phases)
	}
	if obs.failed != nil {
		t.Errorf("Expected nil run error, got %v", obs.failed)
	}
}

type composeHook struct {
	BaseHook
	out string
}

func (h *composeHook) Setup(tc *TaskContext) error {
	tc.WatchConfig("release.version")
	tc.WatchOutput(h.out)
	return nil
}

func (h *composeHook) Run(tc *TaskContext) error {
	v, _ := tc.Config("release.version")
	return os.WriteFile(h.out, []byte(v.(string)), 0o644)
}

func TestDispatcher_RegisterHookWithConfig(t *testing.T) {
	version := "9.0"
	cfg := diff.ConfigFunc(func(path string) (any, bool) {
		if path == "release.version" {
			return version, true
		}
		return nil, false
	})
	out := filepath.Join(t.TempDir(), "release.txt")

	d := NewDispatcher(WithConfigSource(cfg), WithStore(diff.NewMemoryStore()))
	mustRegister(t, d, TaskSpec{ID: "compose"})
	if err := d.RegisterHook("compose", &composeHook{out: out}); err != nil {
		t.Fatal(err)
	}
	mustCommit(t, d)

	ctx := context.Background()
	if _, err := d.Execute(ctx, ExecuteOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	summary, err := d.Execute(ctx, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if r, _ := summary.Result("compose"); r.Outcome != OutcomeUnchanged {
		t.Errorf("Expected unchanged, got %s", r.Outcome)
	}

	version = "9.1"
	summary, err = d.Execute(ctx, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	r, _ := summary.Result("compose")
	if r.Outcome != OutcomeRan {
		t.Errorf("Expected config change to trigger run, got %s", r.Outcome)
	}
	if len(r.Changes) != 1 || r.Changes[0].Key != "release.version" {
		t.Errorf("Expected the config change to be reported, got %v", r.Changes)
	}
}
