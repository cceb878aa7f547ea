package commands

import (
	"context"
	"errors"

	"github.com/distbuild/distbuild/pkg/engine"
)

// Describe returns the headline logged for a failed command.
func Describe(err error) string {
	switch {
	case engine.IsUnresolvableDependency(err):
		return "Dependency unresolvable"
	case engine.IsRegistrationError(err):
		return "Registration unresolvable"
	case engine.IsTaskExecutionError(err):
		return "Task execution failed"
	case engine.IsValidationError(err):
		return "Invalid configuration"
	case errors.Is(err, context.Canceled):
		return "Interrupted"
	default:
		return "Command execution failed"
	}
}
