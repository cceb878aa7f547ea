package engine

import (
	"fmt"
	"strings"
)

// Satellite suffixes for the pre and post tasks created by HasPre and HasPost.
const (
	PreSuffix  = ".pre"
	PostSuffix = ".post"
)

// PreTaskID returns the id of the pre task of id.
func PreTaskID(id string) string { return id + PreSuffix }

// PostTaskID returns the id of the post task of id.
func PostTaskID(id string) string { return id + PostSuffix }

// Properties are the static flags of a task.
type Properties struct {
	// HasPre creates a "<id>.pre" task that runs before this task.
	HasPre bool `json:"has_pre,omitempty" yaml:"has_pre,omitempty"`

	// HasPost creates a "<id>.post" task that runs after this task and its children.
	HasPost bool `json:"has_post,omitempty" yaml:"has_post,omitempty"`

	// UserToggleable allows enabling or disabling the task from the command line.
	UserToggleable bool `json:"user_toggleable,omitempty" yaml:"user_toggleable,omitempty"`

	// IsGroup marks a container task whose children form a nested scope.
	IsGroup bool `json:"is_group,omitempty" yaml:"is_group,omitempty"`
}

// DependencyInfo holds what a task provides and requires.
type DependencyInfo struct {
	Provides []string `json:"provides,omitempty"`
	Requires []string `json:"requires,omitempty"`

	// ConditionalRequires are honoured only when some task provides them.
	ConditionalRequires []string `json:"conditional_requires,omitempty"`
}

// HierarchyInfo places a task in the task tree.
type HierarchyInfo struct {
	ParentID string `json:"parent_id,omitempty"`

	parent   *Task
	children []*Task
}

// Parent returns the parent task, or nil for top-level tasks.
func (h *HierarchyInfo) Parent() *Task { return h.parent }

// Children returns the direct children in registration order.
func (h *HierarchyInfo) Children() []*Task { return h.children }

// Task is a registered unit of work.
type Task struct {
	ID string `json:"id"`
	DependencyInfo
	HierarchyInfo
	Properties Properties `json:"properties"`

	// Protected tasks keep running when an ancestor group is disabled.
	Protected bool `json:"protected,omitempty"`

	// Owner is set on pre and post tasks to the id of the task they surround.
	Owner string `json:"owner,omitempty"`

	enabled bool
	state   TaskState
	index   int
}

// TaskSpec is the registration record of a task.
type TaskSpec struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	DependencyInfo
	Properties Properties `json:"properties"`
	Protected  bool       `json:"protected,omitempty"`
	Disabled   bool       `json:"disabled,omitempty"`
}

// Validate checks the spec for structural errors.
func (s TaskSpec) Validate() error {
	if s.ID == "" {
		return NewValidationError("task has empty id", nil)
	}
	if strings.HasSuffix(s.ID, PreSuffix) || strings.HasSuffix(s.ID, PostSuffix) {
		return NewValidationError(fmt.Sprintf("task id %q uses a reserved suffix", s.ID), nil).
			WithTask(s.ID)
	}
	if s.ParentID == s.ID {
		return NewValidationError(fmt.Sprintf("task %q cannot be its own parent", s.ID), nil).
			WithTask(s.ID)
	}
	for _, caps := range [][]string{s.Provides, s.Requires, s.ConditionalRequires} {
		for _, c := range caps {
			if strings.TrimSpace(c) == "" {
				return NewValidationError(fmt.Sprintf("task %q declares an empty capability", s.ID), nil).
					WithTask(s.ID)
			}
		}
	}
	return nil
}

func newTask(spec TaskSpec, index int) *Task {
	return &Task{
		ID: spec.ID,
		DependencyInfo: DependencyInfo{
			Provides:            dedupe(spec.Provides),
			Requires:            dedupe(spec.Requires),
			ConditionalRequires: dedupe(spec.ConditionalRequires),
		},
		HierarchyInfo: HierarchyInfo{ParentID: spec.ParentID},
		Properties:    spec.Properties,
		Protected:     spec.Protected,
		enabled:       !spec.Disabled,
		state:         TaskStateRegistered,
		index:         index,
	}
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState { return t.state }

// IsSatellite reports whether the task is a pre or post task.
func (t *Task) IsSatellite() bool { return t.Owner != "" }

// Enabled reports whether the task runs. A disabled group disables every
// descendant that is not protected.
func (t *Task) Enabled() bool {
	if !t.enabled {
		return false
	}
	if t.Protected || t.parent == nil {
		return true
	}
	return t.parent.Enabled()
}

// EffectiveProvides returns the task's own provides followed by those of its
// descendants, without duplicates.
func (t *Task) EffectiveProvides() []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(*Task)
	walk = func(n *Task) {
		for _, c := range n.Provides {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t)
	return out
}

func (t *Task) transition(next TaskState) error {
	if !t.state.CanTransition(next) {
		return NewValidationError(
			fmt.Sprintf("invalid state transition %s -> %s", t.state, next), nil,
		).WithCode(ErrCodeInvalidTransition).WithTask(t.ID)
	}
	t.state = next
	return nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
