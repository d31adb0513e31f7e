package catalog

import (
	"fmt"
	"strings"
)

// ValidateProduct checks the invariants a row must satisfy before it is
// embedded and indexed. Called at the sync boundary, not per query.
func ValidateProduct(p Product) error {
	if strings.TrimSpace(p.ID) == "" {
		return NewValidationError("id", p.ID, ErrEmptyID)
	}
	if strings.TrimSpace(p.Name) == "" {
		return NewValidationError("name", p.Name, ErrEmptyName)
	}
	if p.Price < 0 {
		return NewValidationError("price", fmt.Sprintf("%g", p.Price), ErrNegativePrice)
	}
	if p.Stock < 0 {
		return NewValidationError("stock", fmt.Sprintf("%d", p.Stock), ErrNegativeStock)
	}
	return nil
}

// ValidateChangeEvent checks a change-notification payload. Malformed
// events are dropped by the listener, never forwarded.
func ValidateChangeEvent(e ChangeEvent) error {
	if strings.TrimSpace(e.ID) == "" {
		return NewValidationError("id", e.ID, ErrEmptyID)
	}
	if !e.Op.Valid() {
		return NewValidationError("op", string(e.Op), ErrBadOperation)
	}
	return nil
}
