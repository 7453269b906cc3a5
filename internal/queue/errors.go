package queue

import (
	"errors"

	"command-relay/internal/store"
)

// ValidationError reports missing or malformed input from a producer or
// consumer. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

var (
	// ErrNotFound aliases the repository sentinel so callers need only this package.
	ErrNotFound = store.ErrNotFound

	// ErrInvalidTransition is returned when a terminal command is reported
	// with the other terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
