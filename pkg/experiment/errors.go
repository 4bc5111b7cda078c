package experiment

import "fmt"

// ValidationError reports a malformed experiment definition. It is
// surfaced directly to the caller and never silently corrected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid experiment definition: " + e.Reason
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation attempted against an experiment
// whose current state forbids it. The state machine is left untouched.
type InvalidStateError struct {
	ExperimentID string
	From         State
	Event        Event
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("experiment %s: cannot %s from state %s", e.ExperimentID, e.Event, e.From)
}

// NotFoundError is returned when an experiment id is unknown to the registry.
type NotFoundError struct {
	ExperimentID string
}

func (e *NotFoundError) Error() string {
	return "experiment not found: " + e.ExperimentID
}
