// Package catalog defines the product entity owned by the authoritative
// store, its validation rules, and the Neo4j-backed catalog store.
package catalog

import "time"

// Product is a searchable catalog entity. The catalog store owns it;
// mutations arrive from upstream business logic, which is out of scope here.
type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Brand       string    `json:"brand,omitempty"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Price       float64   `json:"price"`
	Stock       int       `json:"stock"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InStock reports whether the product can currently be sold.
func (p Product) InStock() bool { return p.Stock > 0 }

// ChangeOp is the operation carried by a change notification.
type ChangeOp string

const (
	OpUpsert ChangeOp = "upsert"
	OpDelete ChangeOp = "delete"
)

// Valid reports whether the operation is one the sync path understands.
func (op ChangeOp) Valid() bool {
	return op == OpUpsert || op == OpDelete
}

// ChangeEvent is the payload published on the change-notification subject
// whenever upstream business logic mutates a product.
type ChangeEvent struct {
	ID string   `json:"id"`
	Op ChangeOp `json:"op"`
}
