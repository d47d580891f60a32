package skills

import (
	"errors"
	"fmt"
)

// ErrToolNotFound is returned when executing a name the registry does not hold.
var ErrToolNotFound = errors.New("tool not found")

// FailureKind classifies an ExecutionError.
type FailureKind string

const (
	FailureInvalidArguments FailureKind = "invalid_arguments"
	FailureHandler          FailureKind = "handler_error"
	FailureTimeout          FailureKind = "timeout"
)

// ExecutionError reports a tool call that ran (or tried to) and failed.
type ExecutionError struct {
	Tool string
	Kind FailureKind
	Err  error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case FailureInvalidArguments:
		return fmt.Sprintf("tool %s: invalid arguments: %v", e.Tool, e.Err)
	case FailureTimeout:
		return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
	default:
		return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }
