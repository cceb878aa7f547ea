package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an engine error. The CLI reports each kind with a
// distinct message.
type ErrorKind string

const (
	// ErrorKindValidation indicates invalid input such as an unknown task id on the command line.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindRegistration indicates tasks or hooks whose parent or target never registered.
	ErrorKindRegistration ErrorKind = "registration"

	// ErrorKindDependency indicates requirements that no provider can satisfy, including cycles.
	ErrorKindDependency ErrorKind = "dependency"

	// ErrorKindExecution indicates a task phase returned an error.
	ErrorKindExecution ErrorKind = "execution"

	// ErrorKindHookExit indicates a hook asked to stop the build early.
	// It is not a failure.
	ErrorKindHookExit ErrorKind = "hook_exit"
)

// Demand is a single (task, capability) requirement.
type Demand struct {
	// TaskID is the task that carries the demand in the scope where it was evaluated.
	TaskID string `json:"task_id"`

	// Capability is the required capability name.
	Capability string `json:"capability"`

	// Origin is the descendant that declared the requirement when the demand
	// bubbled up from a child scope.
	Origin string `json:"origin,omitempty"`

	// Conditional is set for conditional requirements.
	Conditional bool `json:"conditional,omitempty"`
}

// String renders the demand for error messages.
func (d Demand) String() string {
	if d.Origin != "" && d.Origin != d.TaskID {
		return fmt.Sprintf("%s (via %s) requires %q", d.Origin, d.TaskID, d.Capability)
	}
	return fmt.Sprintf("%s requires %q", d.TaskID, d.Capability)
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// TaskID is the task that caused the error, if applicable.
	TaskID string `json:"task_id,omitempty"`

	// Phase is the lifecycle phase that was running, if applicable.
	Phase Phase `json:"phase,omitempty"`

	// Demands lists the unsatisfied requirements of a dependency error.
	Demands []Demand `json:"demands,omitempty"`

	// Pending lists the task ids that could not be registered.
	Pending []string `json:"pending,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Kind, e.Message)
	switch {
	case e.TaskID != "" && e.Phase != "":
		fmt.Fprintf(&sb, " (task=%s, phase=%s)", e.TaskID, e.Phase)
	case e.TaskID != "":
		fmt.Fprintf(&sb, " (task=%s)", e.TaskID)
	}
	if len(e.Demands) > 0 {
		parts := make([]string, len(e.Demands))
		for i, d := range e.Demands {
			parts[i] = d.String()
		}
		fmt.Fprintf(&sb, ": %s", strings.Join(parts, "; "))
	}
	if len(e.Pending) > 0 {
		fmt.Fprintf(&sb, ": %s", strings.Join(e.Pending, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %s", e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Kind:    ErrorKindValidation,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewRegistrationError creates an error for tasks or hooks left pending after registration settles.
func NewRegistrationError(message string, pending []string) *EngineError {
	return &EngineError{
		Kind:    ErrorKindRegistration,
		Message: message,
		Code:    ErrCodeUnresolvedParent,
		Pending: pending,
	}
}

// NewUnresolvableDependencyError creates an error carrying the demands no provider could satisfy.
func NewUnresolvableDependencyError(message string, demands []Demand) *EngineError {
	return &EngineError{
		Kind:    ErrorKindDependency,
		Message: message,
		Code:    ErrCodeUnsatisfied,
		Demands: demands,
	}
}

// NewTaskExecutionError wraps a phase failure of a task.
func NewTaskExecutionError(taskID string, phase Phase, err error) *EngineError {
	return &EngineError{
		Kind:    ErrorKindExecution,
		Message: "task execution failed",
		Code:    ErrCodeTaskFailed,
		TaskID:  taskID,
		Phase:   phase,
		Err:     err,
	}
}

// Exit returns an error that stops the build without failing it. Hooks
// return it to end the run after the current phase.
func Exit(reason string) *EngineError {
	return &EngineError{
		Kind:    ErrorKindHookExit,
		Message: reason,
	}
}

// WithTask adds task context to an error.
func (e *EngineError) WithTask(taskID string) *EngineError {
	e.TaskID = taskID
	return e
}

// WithPhase adds phase context to an error.
func (e *EngineError) WithPhase(phase Phase) *EngineError {
	e.Phase = phase
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func kindOf(err error) (ErrorKind, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsValidationError returns true if the error is a validation error.
func IsValidationError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindValidation
}

// IsRegistrationError returns true if registration could not complete.
func IsRegistrationError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindRegistration
}

// IsUnresolvableDependency returns true if dependency resolution failed.
func IsUnresolvableDependency(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindDependency
}

// IsTaskExecutionError returns true if a task phase failed.
func IsTaskExecutionError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindExecution
}

// IsHookExit returns true if the error is an intentional early stop.
func IsHookExit(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindHookExit
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeUnknownTask       = "UNKNOWN_TASK"
	ErrCodeDuplicateTask     = "DUPLICATE_TASK"
	ErrCodeRegistryFrozen    = "REGISTRY_FROZEN"
	ErrCodeNotCommitted      = "NOT_COMMITTED"
	ErrCodeNotToggleable     = "NOT_TOGGLEABLE"
	ErrCodeUnresolvedParent  = "UNRESOLVED_PARENT"
	ErrCodeUnsatisfied       = "UNSATISFIED_REQUIREMENT"
	ErrCodeCycle             = "DEPENDENCY_CYCLE"
	ErrCodeTaskFailed        = "TASK_FAILED"
	ErrCodeMissingOutput     = "MISSING_OUTPUT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeVariableOwner     = "VARIABLE_OWNER"
	ErrCodeInvalidPhase      = "INVALID_PHASE"
)
