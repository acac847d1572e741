package beaconid

import (
	"errors"
	"fmt"
)

// ErrInvalid matches every ValidationError via errors.Is.
var ErrInvalid = errors.New("beaconid: invalid input")

// ValidationError reports malformed local input. It is raised before any
// network call is attempted.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Is reports whether target is ErrInvalid.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

func invalid(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// Invalid builds a ValidationError for callers validating other request fields.
func Invalid(field, value, reason string) error {
	return invalid(field, value, reason)
}
