package domain

import (
	"errors"
	"fmt"
)

// ErrValidation is the sentinel wrapped by every report validation failure.
var ErrValidation = errors.New("validation failed")

// ValidationError describes which field of a report was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
