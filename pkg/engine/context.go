package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/distbuild/distbuild/pkg/diff"
)

// Variables holds values published by tasks during one run. Each name is
// owned by the first task that publishes it.
type Variables struct {
	values map[string]any
	owners map[string]string
}

// NewVariables creates an empty variable set.
func NewVariables() *Variables {
	return &Variables{
		values: make(map[string]any),
		owners: make(map[string]string),
	}
}

// Publish sets name to value on behalf of owner.
func (v *Variables) Publish(owner, name string, value any) error {
	if cur, ok := v.owners[name]; ok && cur != owner {
		return NewValidationError(
			fmt.Sprintf("variable %q is owned by task %s", name, cur), nil,
		).WithCode(ErrCodeVariableOwner).WithTask(owner)
	}
	v.owners[name] = owner
	v.values[name] = value
	return nil
}

// Get returns the value of name.
func (v *Variables) Get(name string) (any, bool) {
	val, ok := v.values[name]
	return val, ok
}

// Owner returns the task that published name.
func (v *Variables) Owner(name string) string {
	return v.owners[name]
}

// Names returns all published names, sorted.
func (v *Variables) Names() []string {
	names := make([]string, 0, len(v.values))
	for n := range v.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TaskContext is handed to every hook of a task during a run. It owns the
// task's change tracker and gives access to configuration and variables.
type TaskContext struct {
	ctx     context.Context
	task    *Task
	runID   string
	tracker *diff.Tracker
	config  diff.ConfigSource
	vars    *Variables
	logger  zerolog.Logger
	workDir string

	forced  bool
	ran     bool
	failure error
	state   map[string]any
}

// Context returns the context of the current phase.
func (tc *TaskContext) Context() context.Context { return tc.ctx }

// Task returns the task being executed.
func (tc *TaskContext) Task() *Task { return tc.task }

// ID returns the id of the task being executed.
func (tc *TaskContext) ID() string { return tc.task.ID }

// RunID returns the id of the current run.
func (tc *TaskContext) RunID() string { return tc.runID }

// Logger returns a logger tagged with the task id.
func (tc *TaskContext) Logger() zerolog.Logger { return tc.logger }

// Tracker returns the task's change tracker.
func (tc *TaskContext) Tracker() *diff.Tracker { return tc.tracker }

// Forced reports whether the task was named in the force list.
func (tc *TaskContext) Forced() bool { return tc.forced }

// Ran reports whether the Run phase executed in this run.
func (tc *TaskContext) Ran() bool { return tc.ran }

// Failure returns the error that triggered the recover phase.
func (tc *TaskContext) Failure() error { return tc.failure }

// WorkDir returns the task's private scratch directory, creating it on first use.
func (tc *TaskContext) WorkDir() (string, error) {
	if tc.workDir == "" {
		return "", fmt.Errorf("no work directory configured")
	}
	dir := filepath.Join(tc.workDir, tc.task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}
	return dir, nil
}

// Config returns the configuration value at a dotted query path.
func (tc *TaskContext) Config(path string) (any, bool) {
	if tc.config == nil {
		return nil, false
	}
	return tc.config.Lookup(path)
}

// WatchConfig marks configuration paths as inputs of the task.
func (tc *TaskContext) WatchConfig(paths ...string) { tc.tracker.WatchConfig(paths...) }

// WatchVariable marks a named value as an input of the task.
func (tc *TaskContext) WatchVariable(name string, fn diff.Accessor) {
	tc.tracker.WatchVariable(name, fn)
}

// WatchPublished watches a variable published by an upstream task.
func (tc *TaskContext) WatchPublished(name string) {
	tc.tracker.WatchVariable(name, func() (any, error) {
		v, _ := tc.vars.Get(name)
		return v, nil
	})
}

// WatchInput marks files or directories as inputs of the task.
func (tc *TaskContext) WatchInput(paths ...string) { tc.tracker.WatchInput(paths...) }

// WatchOutput marks files or directories as outputs of the task.
func (tc *TaskContext) WatchOutput(paths ...string) { tc.tracker.WatchOutput(paths...) }

// Stale reports whether the watched state changed since the last successful run.
func (tc *TaskContext) Stale() (bool, error) { return tc.tracker.Stale(tc.ctx) }

// Changes returns the individual differences found by change detection.
func (tc *TaskContext) Changes() ([]diff.Change, error) { return tc.tracker.Changes(tc.ctx) }

// Publish makes a value visible to downstream tasks.
func (tc *TaskContext) Publish(name string, value any) error {
	return tc.vars.Publish(tc.task.ID, name, value)
}

// Var returns a value published by any task earlier in the run.
func (tc *TaskContext) Var(name string) (any, bool) { return tc.vars.Get(name) }

// Set stores a value that later phases of the same task can read.
func (tc *TaskContext) Set(key string, value any) {
	if tc.state == nil {
		tc.state = make(map[string]any)
	}
	tc.state[key] = value
}

// Get returns a value stored with Set.
func (tc *TaskContext) Get(key string) (any, bool) {
	v, ok := tc.state[key]
	return v, ok
}
