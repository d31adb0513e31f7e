package catalog

import (
	"errors"
	"fmt"

	"github.com/aurelia-labs/catalog-search/pkg/repo"
)

// ErrNotFound marks a product absent from the authoritative store. On the
// sync path it is a delete signal, not a failure.
var ErrNotFound = repo.ErrNotFound

// Sentinel errors for validation failures.
var (
	ErrEmptyID       = errors.New("empty product id")
	ErrEmptyName     = errors.New("empty product name")
	ErrNegativePrice = errors.New("negative price")
	ErrNegativeStock = errors.New("negative stock")
	ErrBadOperation  = errors.New("unknown change operation")
)

// ValidationError wraps a sentinel with field context.
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

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
