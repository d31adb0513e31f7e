package semantic

// SearchHit is a single vector search result.
type SearchHit struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// VectorRecord is one vector plus its denormalized filterable payload.
// The payload is written whole on every upsert, never field by field.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   map[string]any
}

// Range is a numeric payload constraint. Nil bounds are open.
type Range struct {
	Gte *float64
	Lte *float64
}

// Filter expresses must-match payload conditions for a search.
type Filter struct {
	Keyword map[string]string
	Bool    map[string]bool
	Range   map[string]Range
}

// Empty reports whether the filter has no conditions.
func (f Filter) Empty() bool {
	return len(f.Keyword) == 0 && len(f.Bool) == 0 && len(f.Range) == 0
}
