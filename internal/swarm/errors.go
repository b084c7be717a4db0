package swarm

import (
	"errors"
	"fmt"
)

var (
	ErrSwarmNotFound     = errors.New("swarm not found")
	ErrTaskNotFound      = errors.New("task not found")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrNodeNotFound      = errors.New("workflow node not found")
	ErrNamespaceNotFound = errors.New("memory namespace not found")
	ErrAgentBusy         = errors.New("agent already holds a task")
	ErrNoCapableAgent    = errors.New("no capable idle agent")
	ErrInvalidDependency = errors.New("invalid dependency")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSwarmTerminal     = errors.New("swarm is in a terminal state")
	ErrCapacityImmutable = errors.New("namespace capacity cannot change")
	ErrUnknownAgentType  = errors.New("unknown agent type")
	ErrInvalidConfig     = errors.New("invalid swarm configuration")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrInvalidGuard      = errors.New("invalid condition guard")
)

// ValidationError reports a structurally invalid command. The swarm state is
// unchanged when one is returned.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, err error, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
