package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/distbuild/distbuild/pkg/diff"
)

// Dispatcher owns the task set. Tasks and hooks are registered first, then
// Commit resolves dependencies once and freezes the registry, after which
// Execute may be called.
type Dispatcher struct {
	tasks   map[string]*Task
	ordered []*Task
	roots   []*Task
	hooks   *HookRegistry

	pending      []TaskSpec
	pendingHooks []pendingHook

	frozen     bool
	resolution *Resolution

	store    diff.Store
	config   diff.ConfigSource
	observer Observer
	logger   zerolog.Logger
	workDir  string
}

type pendingHook struct {
	taskID string
	bind   func() error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithStore sets the diff record store. The default keeps records in memory.
func WithStore(store diff.Store) DispatcherOption {
	return func(d *Dispatcher) {
		d.store = store
	}
}

// WithConfigSource sets the configuration that tasks query and watch.
func WithConfigSource(src diff.ConfigSource) DispatcherOption {
	return func(d *Dispatcher) {
		d.config = src
	}
}

// WithObserver sets the run observer.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithWorkDir sets the directory under which tasks get scratch space.
func WithWorkDir(dir string) DispatcherOption {
	return func(d *Dispatcher) {
		d.workDir = dir
	}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		tasks:    make(map[string]*Task),
		hooks:    NewHookRegistry(),
		store:    diff.NewMemoryStore(),
		observer: NopObserver{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "dispatcher").Logger()
	return d
}

// RegisterTask adds a task. A task whose parent is not yet registered is
// deferred and retried whenever another task registers.
func (d *Dispatcher) RegisterTask(spec TaskSpec) error {
	if d.frozen {
		return NewValidationError("registry is frozen", nil).
			WithCode(ErrCodeRegistryFrozen).WithTask(spec.ID)
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	if d.known(spec.ID) {
		return NewValidationError(fmt.Sprintf("duplicate task id: %s", spec.ID), nil).
			WithCode(ErrCodeDuplicateTask).WithTask(spec.ID)
	}

	if spec.ParentID != "" {
		if _, ok := d.tasks[spec.ParentID]; !ok {
			d.logger.Debug().
				Str("task_id", spec.ID).
				Str("parent_id", spec.ParentID).
				Msg("Deferring task until parent registers")
			d.pending = append(d.pending, spec)
			return nil
		}
	}

	if err := d.add(spec); err != nil {
		return err
	}
	return d.drain()
}

func (d *Dispatcher) known(id string) bool {
	if _, ok := d.tasks[id]; ok {
		return true
	}
	for _, p := range d.pending {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (d *Dispatcher) add(spec TaskSpec) error {
	t := newTask(spec, len(d.ordered))
	if spec.ParentID != "" {
		parent := d.tasks[spec.ParentID]
		if parent.IsSatellite() {
			return NewValidationError(fmt.Sprintf("task %s cannot be a child of %s", spec.ID, parent.ID), nil).
				WithTask(spec.ID)
		}
		t.parent = parent
		parent.children = append(parent.children, t)
	} else {
		d.roots = append(d.roots, t)
	}
	d.tasks[t.ID] = t
	d.ordered = append(d.ordered, t)

	if t.Properties.HasPre {
		d.addSatellite(PreTaskID(t.ID), t)
	}
	if t.Properties.HasPost {
		d.addSatellite(PostTaskID(t.ID), t)
	}

	d.logger.Debug().Str("task_id", t.ID).Msg("Registered task")
	return d.drainHooks()
}

func (d *Dispatcher) addSatellite(id string, owner *Task) {
	d.tasks[id] = &Task{
		ID:            id,
		HierarchyInfo: HierarchyInfo{ParentID: owner.ParentID},
		Owner:         owner.ID,
		enabled:       true,
		state:         TaskStateRegistered,
		index:         owner.index,
	}
}

// drain registers deferred tasks whose parent is now known, repeating until
// a full pass makes no progress.
func (d *Dispatcher) drain() error {
	for {
		var ready *TaskSpec
		for i := range d.pending {
			if _, ok := d.tasks[d.pending[i].ParentID]; ok {
				spec := d.pending[i]
				ready = &spec
				break
			}
		}
		if ready == nil {
			return nil
		}
		d.pending = removeSpec(d.pending, ready.ID)
		if err := d.add(*ready); err != nil {
			return err
		}
	}
}

func removeSpec(specs []TaskSpec, id string) []TaskSpec {
	out := make([]TaskSpec, 0, len(specs))
	for _, s := range specs {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func (d *Dispatcher) drainHooks() error {
	if len(d.pendingHooks) == 0 {
		return nil
	}
	var remaining []pendingHook
	for _, h := range d.pendingHooks {
		if _, ok := d.tasks[h.taskID]; !ok {
			remaining = append(remaining, h)
			continue
		}
		if err := h.bind(); err != nil {
			return err
		}
	}
	d.pendingHooks = remaining
	return nil
}

func (d *Dispatcher) bindOrDefer(taskID string, bind func() error) error {
	if d.frozen {
		return NewValidationError("registry is frozen", nil).
			WithCode(ErrCodeRegistryFrozen).WithTask(taskID)
	}
	if _, ok := d.tasks[taskID]; ok {
		return bind()
	}
	d.logger.Debug().Str("task_id", taskID).Msg("Deferring hook until task registers")
	d.pendingHooks = append(d.pendingHooks, pendingHook{taskID: taskID, bind: bind})
	return nil
}

// RegisterHook binds every lifecycle method of h to taskID. Hooks for tasks
// that are not registered yet are deferred.
func (d *Dispatcher) RegisterHook(taskID string, h Hook) error {
	if h == nil {
		return NewValidationError("nil hook", nil).WithTask(taskID)
	}
	return d.bindOrDefer(taskID, func() error { return d.hooks.Register(taskID, h) })
}

// BindHook binds a single callable to one phase of taskID.
func (d *Dispatcher) BindHook(taskID string, phase Phase, fn HookFunc) error {
	if err := phase.Validate(); err != nil || phase == PhaseCheck {
		return NewValidationError(fmt.Sprintf("cannot bind hook to phase %q", phase), err).
			WithCode(ErrCodeInvalidPhase).WithTask(taskID)
	}
	return d.bindOrDefer(taskID, func() error { return d.hooks.Bind(taskID, phase, fn) })
}

// BindCheck binds a check callable to taskID.
func (d *Dispatcher) BindCheck(taskID string, fn CheckFunc) error {
	return d.bindOrDefer(taskID, func() error { return d.hooks.BindCheck(taskID, fn) })
}

// Commit settles deferred registrations, resolves dependencies and freezes
// the registry.
func (d *Dispatcher) Commit() error {
	if d.frozen {
		return nil
	}
	if err := d.drain(); err != nil {
		return err
	}
	if len(d.pending) > 0 {
		ids := make([]string, len(d.pending))
		for i, p := range d.pending {
			ids[i] = fmt.Sprintf("%s (parent %s)", p.ID, p.ParentID)
		}
		return NewRegistrationError("tasks with unknown parents", ids)
	}
	if err := d.drainHooks(); err != nil {
		return err
	}
	if len(d.pendingHooks) > 0 {
		ids := make([]string, len(d.pendingHooks))
		for i, h := range d.pendingHooks {
			ids[i] = h.taskID
		}
		return NewRegistrationError("hooks for unknown tasks", ids).WithCode(ErrCodeUnknownTask)
	}

	res, err := NewResolver(d.logger).Resolve(d.roots)
	if err != nil {
		return err
	}
	for _, t := range d.tasks {
		if err := t.transition(TaskStateResolved); err != nil {
			return err
		}
	}
	d.resolution = res
	d.frozen = true

	d.logger.Info().
		Int("tasks", len(d.ordered)).
		Int("scopes", len(res.Scopes)).
		Msg("Task registry committed")
	return nil
}

// Committed reports whether Commit succeeded.
func (d *Dispatcher) Committed() bool { return d.frozen }

// Resolution returns the dependency resolution computed by Commit.
func (d *Dispatcher) Resolution() *Resolution { return d.resolution }

// Hooks returns the hook registry.
func (d *Dispatcher) Hooks() *HookRegistry { return d.hooks }

// Task returns a registered task, including pre and post tasks.
func (d *Dispatcher) Task(id string) (*Task, bool) {
	t, ok := d.tasks[id]
	return t, ok
}

// Tasks returns the registered tasks in registration order, without pre and post tasks.
func (d *Dispatcher) Tasks() []*Task {
	return append([]*Task(nil), d.ordered...)
}

// SetEnabled enables or disables a user-toggleable task.
func (d *Dispatcher) SetEnabled(id string, enabled bool) error {
	t, ok := d.tasks[id]
	if !ok {
		return NewValidationError(fmt.Sprintf("unknown task: %s", id), nil).
			WithCode(ErrCodeUnknownTask).WithTask(id)
	}
	if !t.Properties.UserToggleable {
		return NewValidationError(fmt.Sprintf("task %s cannot be toggled", id), nil).
			WithCode(ErrCodeNotToggleable).WithTask(id)
	}
	t.enabled = enabled
	return nil
}

func (d *Dispatcher) taskSet(ids []string) (map[string]bool, error) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := d.tasks[id]; !ok {
			return nil, NewValidationError(fmt.Sprintf("unknown task: %s", id), nil).
				WithCode(ErrCodeUnknownTask).WithTask(id)
		}
		set[id] = true
	}
	return set, nil
}

// Execute walks the resolved order depth-first and runs each task's lifecycle.
// Execution is sequential and stops at the first failure. A hook returning
// Exit stops the run without an error.
func (d *Dispatcher) Execute(ctx context.Context, opts ExecuteOptions) (*RunSummary, error) {
	if !d.frozen {
		return nil, NewValidationError("dispatcher is not committed", nil).WithCode(ErrCodeNotCommitted)
	}
	force, err := d.taskSet(opts.Force)
	if err != nil {
		return nil, err
	}
	skip, err := d.taskSet(opts.Skip)
	if err != nil {
		return nil, err
	}

	for _, t := range d.tasks {
		if t.state.IsTerminal() {
			if err := t.transition(TaskStateResolved); err != nil {
				return nil, err
			}
		}
	}

	x := &execution{
		d:     d,
		opts:  opts,
		force: force,
		skip:  skip,
		vars:  NewVariables(),
		summary: &RunSummary{
			RunID:     uuid.New().String(),
			Status:    RunStatusRunning,
			StartedAt: time.Now(),
		},
	}
	x.logger = d.logger.With().Str("run_id", x.summary.RunID).Logger()
	x.ctx = d.observer.RunStarted(ctx, x.summary.RunID)

	x.logger.Info().
		Int("force", len(force)).
		Int("skip", len(skip)).
		Bool("check_only", opts.CheckOnly).
		Msg("Run started")

	err = x.walk("")
	x.summary.FinishedAt = time.Now()
	switch {
	case err == nil:
		x.summary.Status = RunStatusSucceeded
	case IsHookExit(err):
		x.summary.Status = RunStatusHalted
		x.logger.Info().Str("task_id", x.summary.HaltedBy).Err(err).Msg("Run halted by hook")
		err = nil
	default:
		x.summary.Status = RunStatusFailed
	}

	d.observer.RunFinished(x.ctx, x.summary, err)
	x.logger.Info().
		Str("status", string(x.summary.Status)).
		Int("ran", x.summary.Count(OutcomeRan)).
		Int("unchanged", x.summary.Count(OutcomeUnchanged)).
		Dur("duration", x.summary.Duration()).
		Msg("Run finished")
	return x.summary, err
}

// execution is the state of one Execute call.
type execution struct {
	d       *Dispatcher
	ctx     context.Context
	opts    ExecuteOptions
	force   map[string]bool
	skip    map[string]bool
	vars    *Variables
	summary *RunSummary
	logger  zerolog.Logger
}

func (x *execution) walk(parentID string) error {
	for _, id := range x.d.resolution.Order(parentID) {
		if err := x.ctx.Err(); err != nil {
			return err
		}
		t := x.d.tasks[id]
		if x.skip[id] {
			x.skipped(t)
			continue
		}
		if err := x.visit(t); err != nil {
			return err
		}
	}
	return nil
}

// visit runs the pre task, the task, its children and its post task.
func (x *execution) visit(t *Task) error {
	if t.Properties.HasPre {
		if err := x.satellite(PreTaskID(t.ID)); err != nil {
			return err
		}
	}
	if err := x.runTask(t); err != nil {
		return err
	}
	if err := x.walk(t.ID); err != nil {
		return err
	}
	if t.Properties.HasPost {
		if err := x.satellite(PostTaskID(t.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (x *execution) satellite(id string) error {
	t := x.d.tasks[id]
	if x.skip[id] {
		x.skipped(t)
		return nil
	}
	return x.runTask(t)
}

func (x *execution) skipped(t *Task) {
	x.logger.Info().Str("task_id", t.ID).Msg("Skipping task")
	x.finish(TaskResult{TaskID: t.ID, Outcome: OutcomeSkipped, StartedAt: time.Now()})
}

func (x *execution) finish(result TaskResult) {
	x.summary.Results = append(x.summary.Results, result)
	x.d.observer.TaskFinished(x.ctx, x.summary.RunID, result)
}

func (x *execution) newContext(t *Task) *TaskContext {
	logger := x.logger.With().Str("task_id", t.ID).Logger()
	return &TaskContext{
		ctx:   x.ctx,
		task:  t,
		runID: x.summary.RunID,
		tracker: diff.NewTracker(t.ID, x.d.store,
			diff.WithConfigSource(x.d.config),
			diff.WithLogger(logger)),
		config:  x.d.config,
		vars:    x.vars,
		logger:  logger,
		workDir: x.d.workDir,
		forced:  x.force[t.ID],
	}
}

func (x *execution) runTask(t *Task) error {
	tc := x.newContext(t)
	result := TaskResult{TaskID: t.ID, Forced: tc.forced, StartedAt: time.Now()}

	if err := t.transition(TaskStateExecuting); err != nil {
		return err
	}

	var err error
	if t.IsSatellite() {
		err = x.satelliteLifecycle(tc, &result)
	} else {
		err = x.lifecycle(tc, &result)
	}
	result.Duration = time.Since(result.StartedAt)

	switch {
	case err == nil:
		if terr := t.transition(TaskStateApplied); terr != nil {
			return terr
		}
		x.logger.Debug().
			Str("task_id", t.ID).
			Str("outcome", string(result.Outcome)).
			Dur("duration", result.Duration).
			Msg("Task finished")
	case IsHookExit(err):
		if terr := t.transition(TaskStateApplied); terr != nil {
			return terr
		}
		if result.Outcome == "" {
			result.Outcome = OutcomeRan
		}
		x.summary.HaltedBy = t.ID
	default:
		_ = t.transition(TaskStateFailed)
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		x.logger.Error().Err(err).Str("task_id", t.ID).Msg("Task failed")
		x.recover(tc, err)
	}
	x.finish(result)
	return err
}

func (x *execution) lifecycle(tc *TaskContext, result *TaskResult) error {
	t := tc.task
	enabled := t.Enabled()

	if err := x.phase(tc, PhaseSetup, func() error { return x.runHooks(tc, PhaseSetup) }); err != nil {
		return err
	}

	if tc.forced && enabled && !x.opts.CheckOnly {
		if err := x.phase(tc, PhaseClean, func() error {
			if err := x.runHooks(tc, PhaseClean); err != nil {
				return err
			}
			return tc.tracker.Clean(tc.ctx)
		}); err != nil {
			return err
		}
	} else if err := tc.tracker.Load(tc.ctx); err != nil {
		return NewTaskExecutionError(t.ID, PhaseCheck, err)
	}

	stale := tc.forced
	if enabled && !stale {
		if err := x.phase(tc, PhaseCheck, func() error {
			var err error
			stale, err = x.check(tc, result)
			return err
		}); err != nil {
			return err
		}
	}

	if x.opts.CheckOnly {
		switch {
		case !enabled:
			result.Outcome = OutcomeDisabled
		case stale:
			result.Outcome = OutcomeStale
			return nil
		default:
			result.Outcome = OutcomeUnchanged
		}
		// Tasks that would not run still publish, so downstream checks see
		// the same variables as in a real build. Nothing is committed.
		return x.phase(tc, PhaseApply, func() error { return x.apply(tc) })
	}

	if enabled && stale {
		if err := x.phase(tc, PhaseRun, func() error { return x.runHooks(tc, PhaseRun) }); err != nil {
			return err
		}
		tc.ran = true
	}

	if err := x.phase(tc, PhaseApply, func() error { return x.apply(tc) }); err != nil {
		return err
	}

	switch {
	case !enabled:
		result.Outcome = OutcomeDisabled
	case tc.ran:
		result.Outcome = OutcomeRan
	default:
		result.Outcome = OutcomeUnchanged
	}
	return nil
}

// satelliteLifecycle runs a pre or post task. It has no change detection and
// always runs, whatever the state of its owner.
func (x *execution) satelliteLifecycle(tc *TaskContext, result *TaskResult) error {
	phases := []Phase{PhaseSetup, PhaseRun, PhaseApply}
	if x.opts.CheckOnly {
		phases = phases[:1]
	}
	for _, p := range phases {
		phase := p
		if err := x.phase(tc, phase, func() error { return x.runHooks(tc, phase) }); err != nil {
			return err
		}
	}
	tc.ran = !x.opts.CheckOnly
	result.Outcome = OutcomeRan
	if x.opts.CheckOnly {
		result.Outcome = OutcomeUnchanged
	}
	return nil
}

// phase runs fn as one lifecycle phase, notifying the observer and
// classifying the error.
func (x *execution) phase(tc *TaskContext, phase Phase, fn func() error) error {
	ctx, done := x.d.observer.StartPhase(x.ctx, tc.task, phase)
	tc.ctx = ctx
	err := fn()
	done(err)
	tc.ctx = x.ctx
	if err == nil {
		return nil
	}

	var ee *EngineError
	if errors.As(err, &ee) {
		switch ee.Kind {
		case ErrorKindHookExit, ErrorKindExecution:
			if ee.TaskID == "" {
				ee.TaskID = tc.task.ID
			}
			if ee.Phase == "" {
				ee.Phase = phase
			}
			return ee
		}
	}
	return NewTaskExecutionError(tc.task.ID, phase, err)
}

func (x *execution) runHooks(tc *TaskContext, phase Phase) error {
	for _, fn := range x.d.hooks.Hooks(tc.task.ID, phase) {
		if err := fn(tc); err != nil {
			return err
		}
	}
	return nil
}

// check returns true if any bound check callable does, or consults change
// detection when none is bound.
func (x *execution) check(tc *TaskContext, result *TaskResult) (bool, error) {
	checks := x.d.hooks.Checks(tc.task.ID)
	if len(checks) == 0 {
		stale, err := tc.tracker.Stale(tc.ctx)
		if err != nil {
			return false, err
		}
		if changes, err := tc.tracker.Changes(tc.ctx); err == nil {
			result.Changes = changes
		}
		return stale, nil
	}

	stale := false
	for _, fn := range checks {
		s, err := fn(tc)
		if err != nil {
			return false, err
		}
		stale = stale || s
	}
	if changes, err := tc.tracker.Changes(tc.ctx); err == nil {
		result.Changes = changes
	}
	return stale, nil
}

// apply runs the apply callables, then validates and records outputs if the task ran.
func (x *execution) apply(tc *TaskContext) error {
	if err := x.runHooks(tc, PhaseApply); err != nil {
		return err
	}
	if !tc.ran {
		return nil
	}
	if missing := tc.tracker.MissingOutputs(); len(missing) > 0 {
		return &EngineError{
			Kind:    ErrorKindExecution,
			Message: "expected output missing after run",
			Code:    ErrCodeMissingOutput,
			TaskID:  tc.task.ID,
			Phase:   PhaseApply,
			Details: map[string]interface{}{"paths": missing},
		}
	}
	return tc.tracker.Commit(tc.ctx)
}

// recover runs the recover callables of a failed task. Their errors are logged only.
func (x *execution) recover(tc *TaskContext, cause error) {
	tc.failure = cause
	for _, fn := range x.d.hooks.Hooks(tc.task.ID, PhaseRecover) {
		if err := fn(tc); err != nil {
			x.logger.Warn().Err(err).Str("task_id", tc.task.ID).Msg("Recover hook failed")
		}
	}
}
