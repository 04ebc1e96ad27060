package workflow

import (
	"errors"
	"fmt"
)

// Domain errors for the workflow package.
var (
	// ErrMissingStatus is returned when a command payload has no string
	// "status" property.
	ErrMissingStatus = errors.New("workflow: command payload has no status")

	// ErrInvalidPayload wraps JSON decoding failures of command payloads.
	ErrInvalidPayload = errors.New("workflow: invalid command payload")
)

// NotAnObjectError is returned when an excerpt map is built from a JSON
// value that can be neither an object nor a path expression.
type NotAnObjectError struct {
	Kind  string
	Value any
}

func (e *NotAnObjectError) Error() string {
	return fmt.Sprintf("workflow: expected a JSON object or a path expression, got %s: %v", e.Kind, e.Value)
}
