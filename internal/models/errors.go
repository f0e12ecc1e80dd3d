package models

import "fmt"

// MalformedRecordError reports a record that breaks its own invariants before any
// network interaction. It is raised locally and never sent to a counterparty.
type MalformedRecordError struct {
	LinearID string
	Reason   string
}

func (e *MalformedRecordError) Error() string {
	if e.LinearID == "" {
		return fmt.Sprintf("malformed record: %s", e.Reason)
	}
	return fmt.Sprintf("malformed record %s: %s", e.LinearID, e.Reason)
}

// ValidationError is a failed contract rule. Reason is meant for humans.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// Invalid builds a ValidationError with a formatted reason.
func Invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
