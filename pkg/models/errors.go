package models

import "fmt"

// ValidationError reports a malformed field on an inbound envelope or record.
type ValidationError struct {
	Field  string
	Detail string
}

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, detail string) *ValidationError {
	return &ValidationError{Field: field, Detail: detail}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// InvalidCommandTransitionError reports an illegal lifecycle arrow.
// It indicates a programming bug, not an operator-visible condition.
type InvalidCommandTransitionError struct {
	CommandID string
	From      CommandState
	To        CommandState
}

func (e *InvalidCommandTransitionError) Error() string {
	return fmt.Sprintf("invalid command transition %s -> %s (command %s)", e.From, e.To, e.CommandID)
}
