package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	ErrMissingField        = errors.New("missing field")
	ErrEmptyFile           = errors.New("empty file")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrEmptyQuestion       = errors.New("question is required")
	ErrTopKOutOfRange      = errors.New("top_k out of range")
	ErrInvalidTicker       = errors.New("invalid ticker")
	ErrInvalidHorizon      = errors.New("horizon out of range")
	ErrInvalidBody         = errors.New("invalid request body")
	ErrNoTexts             = errors.New("no texts to embed")
	ErrInvalidIntent       = errors.New("intent must be query, passage or none")
)

// Lookup failures.
var (
	ErrDocumentNotFound = errors.New("document not found")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
