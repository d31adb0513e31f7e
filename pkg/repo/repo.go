// Package repo defines the generic Repository interface and its Neo4j
// implementation. The catalog store builds on it.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// Repository is a generic CRUD interface.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	GetMany(ctx context.Context, ids []ID, filter map[string]any) ([]T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	ListIDs(ctx context.Context) ([]ID, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination and filtering for List operations.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
}
