package engine

import (
	"time"

	"github.com/distbuild/distbuild/pkg/diff"
)

// ExecuteOptions controls a dispatcher run.
type ExecuteOptions struct {
	// Force lists tasks that are cleaned and run regardless of change detection.
	Force []string `json:"force,omitempty"`

	// Skip lists tasks that are bypassed together with their pre, post and child tasks.
	// Skip takes precedence over Force.
	Skip []string `json:"skip,omitempty"`

	// CheckOnly reports staleness without running tasks. Apply still runs for
	// tasks that are unchanged or disabled, so their variables are published,
	// but no Diff Record is written.
	CheckOnly bool `json:"check_only,omitempty"`
}

// TaskResult is the outcome of one task in a run.
type TaskResult struct {
	TaskID    string        `json:"task_id"`
	Outcome   TaskOutcome   `json:"outcome"`
	Forced    bool          `json:"forced,omitempty"`
	Changes   []diff.Change `json:"changes,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// RunSummary describes a completed run.
type RunSummary struct {
	RunID      string       `json:"run_id"`
	Status     RunStatus    `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Results    []TaskResult `json:"results"`

	// HaltedBy is the task whose hook stopped the run early.
	HaltedBy string `json:"halted_by,omitempty"`
}

// Count returns how many tasks had the given outcome.
func (s *RunSummary) Count(outcome TaskOutcome) int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome == outcome {
			n++
		}
	}
	return n
}

// Result returns the result for a task id.
func (s *RunSummary) Result(taskID string) (TaskResult, bool) {
	for _, r := range s.Results {
		if r.TaskID == taskID {
			return r, true
		}
	}
	return TaskResult{}, false
}

// Duration returns the wall time of the run.
func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}
