package engine

import (
	"fmt"
	"sort"
)

// Hook implements the lifecycle of a task. The dispatcher calls the methods in
// order Setup, Clean, Check, Run, Apply, subject to the rules of each phase.
type Hook interface {
	Setup(tc *TaskContext) error
	Clean(tc *TaskContext) error
	Check(tc *TaskContext) (bool, error)
	Run(tc *TaskContext) error
	Apply(tc *TaskContext) error
}

// Recoverer is implemented by hooks that want to react to a failed phase.
type Recoverer interface {
	Recover(tc *TaskContext, cause error) error
}

// BaseHook is a no-op Hook whose Check defers to change detection.
// Embed it to implement only the phases a task needs.
type BaseHook struct{}

// Setup does nothing.
func (BaseHook) Setup(*TaskContext) error { return nil }

// Clean does nothing. Outputs and the diff record are removed by the dispatcher.
func (BaseHook) Clean(*TaskContext) error { return nil }

// Check reports whether the task's watched state changed.
func (BaseHook) Check(tc *TaskContext) (bool, error) { return tc.Stale() }

// Run does nothing.
func (BaseHook) Run(*TaskContext) error { return nil }

// Apply does nothing.
func (BaseHook) Apply(*TaskContext) error { return nil }

// HookFunc is a callable bound to one phase of one task.
type HookFunc func(tc *TaskContext) error

// CheckFunc is a callable bound to the Check phase of one task.
type CheckFunc func(tc *TaskContext) (bool, error)

type hookKey struct {
	taskID string
	phase  Phase
}

// HookRegistry maps (task id, phase) to the callables bound to it.
// Callables run in bind order.
type HookRegistry struct {
	hooks  map[hookKey][]HookFunc
	checks map[string][]CheckFunc
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{
		hooks:  make(map[hookKey][]HookFunc),
		checks: make(map[string][]CheckFunc),
	}
}

// Bind adds fn to the phase of taskID. Check callables use BindCheck.
func (r *HookRegistry) Bind(taskID string, phase Phase, fn HookFunc) error {
	if err := phase.Validate(); err != nil {
		return NewValidationError(err.Error(), nil).WithCode(ErrCodeInvalidPhase).WithTask(taskID)
	}
	if phase == PhaseCheck {
		return NewValidationError("check callables must be bound with BindCheck", nil).
			WithCode(ErrCodeInvalidPhase).WithTask(taskID)
	}
	if fn == nil {
		return NewValidationError(fmt.Sprintf("nil hook for phase %s", phase), nil).WithTask(taskID)
	}
	k := hookKey{taskID: taskID, phase: phase}
	r.hooks[k] = append(r.hooks[k], fn)
	return nil
}

// BindCheck adds a check callable to taskID. When any check callable is
// bound, change detection is no longer consulted directly.
func (r *HookRegistry) BindCheck(taskID string, fn CheckFunc) error {
	if fn == nil {
		return NewValidationError("nil check hook", nil).WithTask(taskID)
	}
	r.checks[taskID] = append(r.checks[taskID], fn)
	return nil
}

// Register binds every lifecycle method of h to taskID.
func (r *HookRegistry) Register(taskID string, h Hook) error {
	if h == nil {
		return NewValidationError("nil hook", nil).WithTask(taskID)
	}
	binds := []struct {
		phase Phase
		fn    HookFunc
	}{
		{PhaseSetup, h.Setup},
		{PhaseClean, h.Clean},
		{PhaseRun, h.Run},
		{PhaseApply, h.Apply},
	}
	for _, b := range binds {
		if err := r.Bind(taskID, b.phase, b.fn); err != nil {
			return err
		}
	}
	if rec, ok := h.(Recoverer); ok {
		k := hookKey{taskID: taskID, phase: PhaseRecover}
		r.hooks[k] = append(r.hooks[k], func(tc *TaskContext) error {
			return rec.Recover(tc, tc.Failure())
		})
	}
	return r.BindCheck(taskID, h.Check)
}

// Hooks returns the callables bound to a phase of taskID.
func (r *HookRegistry) Hooks(taskID string, phase Phase) []HookFunc {
	return r.hooks[hookKey{taskID: taskID, phase: phase}]
}

// Checks returns the check callables bound to taskID.
func (r *HookRegistry) Checks(taskID string) []CheckFunc {
	return r.checks[taskID]
}

// TaskIDs returns every task id with at least one callable, sorted.
func (r *HookRegistry) TaskIDs() []string {
	seen := make(map[string]bool)
	for k := range r.hooks {
		seen[k.taskID] = true
	}
	for id := range r.checks {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
