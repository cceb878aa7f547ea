package engine

import "fmt"

// TaskState is the lifecycle state of a task within the dispatcher.
type TaskState string

const (
	// TaskStateRegistered indicates the task is known but dependencies are not resolved.
	TaskStateRegistered TaskState = "registered"

	// TaskStateResolved indicates the task has a place in the execution order.
	TaskStateResolved TaskState = "resolved"

	// TaskStateExecuting indicates the task's phases are running.
	TaskStateExecuting TaskState = "executing"

	// TaskStateApplied indicates the task completed its Apply phase.
	TaskStateApplied TaskState = "applied"

	// TaskStateFailed indicates a phase of the task returned an error.
	TaskStateFailed TaskState = "failed"
)

// IsTerminal returns true if the state ends a run for the task.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateApplied || s == TaskStateFailed
}

// Validate checks if the task state is valid.
func (s TaskState) Validate() error {
	switch s {
	case TaskStateRegistered, TaskStateResolved, TaskStateExecuting,
		TaskStateApplied, TaskStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid task state: %s", s)
	}
}

// CanTransition reports whether a task may move from s to next.
// Terminal tasks return to Resolved when a new run starts.
func (s TaskState) CanTransition(next TaskState) bool {
	switch s {
	case TaskStateRegistered:
		return next == TaskStateResolved
	case TaskStateResolved:
		return next == TaskStateExecuting
	case TaskStateExecuting:
		return next == TaskStateApplied || next == TaskStateFailed
	case TaskStateApplied, TaskStateFailed:
		return next == TaskStateResolved
	default:
		return false
	}
}

// Phase is one step of the task lifecycle.
type Phase string

const (
	// PhaseSetup always runs. Tasks derive configuration and declare watches here.
	PhaseSetup Phase = "setup"

	// PhaseClean runs only for forced tasks and removes previous output and metadata.
	PhaseClean Phase = "clean"

	// PhaseCheck decides whether the task is stale.
	PhaseCheck Phase = "check"

	// PhaseRun does the work. It runs only when the task is enabled and stale.
	PhaseRun Phase = "run"

	// PhaseApply always runs. It publishes results and validates outputs.
	PhaseApply Phase = "apply"

	// PhaseRecover runs best-effort after another phase of the task failed.
	PhaseRecover Phase = "recover"
)

// Phases lists the lifecycle phases in execution order.
var Phases = []Phase{PhaseSetup, PhaseClean, PhaseCheck, PhaseRun, PhaseApply}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseSetup, PhaseClean, PhaseCheck, PhaseRun, PhaseApply, PhaseRecover:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// RunStatus is the final status of a dispatcher run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is in progress.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every task completed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusHalted indicates a hook stopped the run early. Halting is a success.
	RunStatusHalted RunStatus = "halted"

	// RunStatusFailed indicates a task failed.
	RunStatusFailed RunStatus = "failed"
)

// IsSuccess returns true if the run exits with status zero.
func (s RunStatus) IsSuccess() bool {
	return s == RunStatusSucceeded || s == RunStatusHalted
}

// TaskOutcome summarizes what happened to one task during a run.
type TaskOutcome string

const (
	// OutcomeRan indicates the Run phase executed.
	OutcomeRan TaskOutcome = "ran"

	// OutcomeUnchanged indicates the task was up to date.
	OutcomeUnchanged TaskOutcome = "unchanged"

	// OutcomeStale indicates a check-only run found the task stale.
	OutcomeStale TaskOutcome = "stale"

	// OutcomeDisabled indicates the task or an ancestor group is disabled.
	OutcomeDisabled TaskOutcome = "disabled"

	// OutcomeSkipped indicates the task was named in the skip list. Its subtree is not visited.
	OutcomeSkipped TaskOutcome = "skipped"

	// OutcomeFailed indicates a phase returned an error.
	OutcomeFailed TaskOutcome = "failed"
)
