package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/distbuild/distbuild/pkg/engine"
)

// Task kinds understood by the pkg/tasks binder.
const (
	KindGroup   = "group"
	KindCommand = "command"
	KindScript  = "script"
)

// TaskConfig is one task entry of a build definition.
type TaskConfig struct {
	// ID is the unique identifier of the task (e.g., "compose.packages").
	ID string `json:"id" validate:"required"`

	// Parent places the task inside a group.
	Parent string `json:"parent,omitempty"`

	// Description is shown by the plan command.
	Description string `json:"description,omitempty"`

	// Kind selects the built-in hook bound to the task. Empty means the
	// task's hooks are registered from Go code.
	Kind string `json:"kind,omitempty" validate:"omitempty,oneof=group command script"`

	// Provides lists the capabilities this task makes available.
	Provides []string `json:"provides,omitempty" validate:"dive,required"`

	// Requires lists the capabilities that must be provided before this task runs.
	Requires []string `json:"requires,omitempty" validate:"dive,required"`

	// ConditionalRequires are honoured only when some task provides them.
	ConditionalRequires []string `json:"conditional_requires,omitempty" validate:"dive,required"`

	// Properties are the named task flags.
	Properties PropertiesConfig `json:"properties,omitempty"`

	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty"`

	// Protected tasks ignore the enabled state of their ancestors.
	Protected bool `json:"protected,omitempty"`

	// Command configures command tasks.
	Command *CommandConfig `json:"command,omitempty" validate:"required_if=Kind command"`

	// Script is inline Starlark source for script tasks.
	Script string `json:"script,omitempty"`

	// ScriptFile is a Starlark file for script tasks, relative to the
	// definition file that declares the task.
	ScriptFile string `json:"script_file,omitempty"`

	// Inputs and Outputs are watched files or directories.
	Inputs  []string `json:"inputs,omitempty" validate:"dive,required"`
	Outputs []string `json:"outputs,omitempty" validate:"dive,required"`

	// WatchConfig lists dotted configuration paths the task depends on.
	WatchConfig []string `json:"watch_config,omitempty" validate:"dive,required"`

	// WatchVariables lists variables published upstream that the task depends on.
	WatchVariables []string `json:"watch_variables,omitempty" validate:"dive,required"`

	// Source is the definition file the task was read from.
	Source string `json:"-"`
}

// PropertiesConfig mirrors engine.Properties.
type PropertiesConfig struct {
	Pre            bool `json:"pre,omitempty"`
	Post           bool `json:"post,omitempty"`
	UserToggleable bool `json:"user_toggleable,omitempty"`
}

// CommandConfig configures a command task.
type CommandConfig struct {
	// Run is executed with "sh -c".
	Run string `json:"run" validate:"required"`

	// Dir is the working directory. Defaults to the current directory.
	Dir string `json:"dir,omitempty"`

	// Env is added to the process environment.
	Env map[string]string `json:"env,omitempty"`

	// Publish maps variable names to files whose trimmed content is
	// published after the command ran.
	Publish map[string]string `json:"publish,omitempty"`
}

// Spec converts the entry to an engine registration record.
func (tc TaskConfig) Spec() engine.TaskSpec {
	spec := engine.TaskSpec{
		ID:       tc.ID,
		ParentID: tc.Parent,
		DependencyInfo: engine.DependencyInfo{
			Provides:            tc.Provides,
			Requires:            tc.Requires,
			ConditionalRequires: tc.ConditionalRequires,
		},
		Properties: engine.Properties{
			HasPre:         tc.Properties.Pre,
			HasPost:        tc.Properties.Post,
			UserToggleable: tc.Properties.UserToggleable,
			IsGroup:        tc.Kind == KindGroup,
		},
		Protected: tc.Protected,
	}
	if tc.Enabled != nil {
		spec.Disabled = !*tc.Enabled
	}
	return spec
}

// Definition is a loaded build definition.
type Definition struct {
	// Config is the distribution configuration queried by tasks.
	Config *Document `json:"-"`

	// Tasks in declaration order.
	Tasks []TaskConfig `json:"tasks"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	// LoadedAt is when the definition was loaded.
	LoadedAt time.Time `json:"loaded_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Task returns the entry with the given id.
func (d *Definition) Task(id string) (TaskConfig, bool) {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskConfig{}, false
}

// Err returns the validation errors as a single error, or nil.
func (d *Definition) Err() error {
	if len(d.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(d.Errors))
	for i, e := range d.Errors {
		msgs[i] = e.Error()
	}
	return engine.NewValidationError(
		fmt.Sprintf("invalid build definition: %s", strings.Join(msgs, "; ")), nil,
	)
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "tasks.compose.kind").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// Error implements error.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}
