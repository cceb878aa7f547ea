package diff

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Tracker decides whether a single task is stale and records its state after a run.
type Tracker struct {
	taskID string
	store  Store
	config ConfigSource
	logger zerolog.Logger

	configs   *valueHandler
	variables *valueHandler
	inputs    *fileHandler
	outputs   *fileHandler
	accessors map[string]Accessor

	prior  *Record
	loaded bool

	changes  []Change
	computed bool
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithConfigSource sets the source used to resolve watched config paths.
func WithConfigSource(src ConfigSource) TrackerOption {
	return func(t *Tracker) {
		t.config = src
	}
}

// WithLogger sets the tracker logger.
func WithLogger(logger zerolog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a tracker for taskID backed by store.
func NewTracker(taskID string, store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		taskID:    taskID,
		store:     store,
		logger:    zerolog.Nop(),
		accessors: make(map[string]Accessor),
		inputs:    newFileHandler(CategoryInput),
		outputs:   newFileHandler(CategoryOutput),
	}
	t.configs = newValueHandler(CategoryConfig, t.resolveConfig)
	t.variables = newValueHandler(CategoryVariables, t.resolveVariable)
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("task_id", taskID).Logger()
	return t
}

// TaskID returns the id of the tracked task.
func (t *Tracker) TaskID() string {
	return t.taskID
}

func (t *Tracker) handlers() []handler {
	return []handler{t.configs, t.variables, t.inputs, t.outputs}
}

func (t *Tracker) resolveConfig(path string) (any, bool, error) {
	if t.config == nil {
		return nil, false, nil
	}
	v, ok := t.config.Lookup(path)
	return v, ok, nil
}

func (t *Tracker) resolveVariable(name string) (any, bool, error) {
	fn, ok := t.accessors[name]
	if !ok {
		return nil, false, nil
	}
	v, err := fn()
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// WatchConfig adds configuration query paths to the watch list.
func (t *Tracker) WatchConfig(paths ...string) {
	for _, p := range paths {
		t.configs.add(p)
	}
	t.computed = false
}

// WatchVariable adds a named variable with the accessor producing its value.
// Watching the same name again replaces the accessor.
func (t *Tracker) WatchVariable(name string, fn Accessor) {
	t.accessors[name] = fn
	t.variables.add(name)
	t.variables.invalidate()
	t.computed = false
}

// WatchInput adds input files or directories.
func (t *Tracker) WatchInput(paths ...string) {
	for _, p := range paths {
		t.inputs.add(p)
	}
	t.computed = false
}

// WatchOutput adds output files or directories.
func (t *Tracker) WatchOutput(paths ...string) {
	for _, p := range paths {
		t.outputs.add(p)
	}
	t.computed = false
}

// Outputs returns the watched output paths.
func (t *Tracker) Outputs() []string {
	return append([]string(nil), t.outputs.paths...)
}

// Inputs returns the watched input paths.
func (t *Tracker) Inputs() []string {
	return append([]string(nil), t.inputs.paths...)
}

// Load reads the prior record from the store. A missing or unreadable record
// is not an error: the task is then treated as never having run.
func (t *Tracker) Load(ctx context.Context) error {
	rec, err := t.store.Load(ctx, t.taskID)
	switch {
	case err == nil:
		t.prior = rec
	case errors.Is(err, ErrRecordNotFound):
		t.logger.Debug().Msg("No diff record, treating everything as new")
		t.prior = nil
	case errors.Is(err, ErrRecordCorrupt):
		t.logger.Warn().Err(err).Msg("Discarding corrupt diff record")
		t.prior = nil
	default:
		return fmt.Errorf("failed to load diff record for %s: %w", t.taskID, err)
	}

	for _, h := range t.handlers() {
		h.read(t.prior)
	}
	t.loaded = true
	t.computed = false
	return nil
}

// HasRecord reports whether a usable prior record was loaded.
func (t *Tracker) HasRecord() bool {
	return t.prior != nil
}

// Changes returns the differences between the prior record and the current
// observation, grouped by category. Results are cached until the watch list
// changes or the tracker commits.
func (t *Tracker) Changes(ctx context.Context) ([]Change, error) {
	if !t.loaded {
		if err := t.Load(ctx); err != nil {
			return nil, err
		}
	}
	if t.computed {
		return t.changes, nil
	}

	var all []Change
	for _, h := range t.handlers() {
		changes, err := h.diff()
		if err != nil {
			return nil, err
		}
		all = append(all, changes...)
	}
	t.changes = all
	t.computed = true
	return all, nil
}

// Stale reports whether the task must run. Without a prior record it is always stale.
func (t *Tracker) Stale(ctx context.Context) (bool, error) {
	changes, err := t.Changes(ctx)
	if err != nil {
		return false, err
	}
	if t.prior == nil {
		return true, nil
	}
	if len(changes) > 0 {
		t.logger.Debug().Int("changes", len(changes)).Msg("Task is stale")
	}
	return len(changes) > 0, nil
}

// Snapshot observes the current state of every watched entry and returns it as a record.
func (t *Tracker) Snapshot() (*Record, error) {
	rec := &Record{TaskID: t.taskID}
	for _, h := range t.handlers() {
		h.invalidate()
		if err := h.write(rec); err != nil {
			return nil, err
		}
	}
	t.computed = false
	return rec, nil
}

// Commit rescans every watched entry and replaces the stored record in full.
func (t *Tracker) Commit(ctx context.Context) error {
	rec, err := t.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", t.taskID, err)
	}
	if err := t.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("failed to save diff record for %s: %w", t.taskID, err)
	}

	t.prior = rec
	for _, h := range t.handlers() {
		h.read(rec)
	}
	t.loaded = true
	t.changes = nil
	t.computed = true
	t.logger.Debug().
		Int("config", len(rec.Config)).
		Int("variables", len(rec.Variables)).
		Int("input", len(rec.Input)).
		Int("output", len(rec.Output)).
		Msg("Committed diff record")
	return nil
}

// Clean removes the watched outputs from disk and deletes the stored record.
func (t *Tracker) Clean(ctx context.Context) error {
	for _, p := range t.outputs.paths {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("failed to remove output %s: %w", p, err)
		}
	}
	if err := t.store.Delete(ctx, t.taskID); err != nil {
		return fmt.Errorf("failed to delete diff record for %s: %w", t.taskID, err)
	}

	t.prior = nil
	for _, h := range t.handlers() {
		h.read(nil)
		h.invalidate()
	}
	t.loaded = true
	t.computed = false
	return nil
}

// MissingOutputs returns the watched output paths that do not exist.
func (t *Tracker) MissingOutputs() []string {
	return t.outputs.missing()
}
