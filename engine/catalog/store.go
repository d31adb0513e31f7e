package catalog

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/aurelia-labs/catalog-search/pkg/repo"
)

// Store is the authoritative product catalog on Neo4j. It is the source of
// truth the vector index is reconciled against.
type Store struct {
	driver   neo4j.DriverWithContext
	products *repo.Neo4jRepo[Product, string]
}

// NewStore creates a catalog store on the given driver.
func NewStore(driver neo4j.DriverWithContext) *Store {
	return &Store{
		driver:   driver,
		products: repo.NewNeo4jRepo[Product, string](driver, "Product", productToMap, productFromRecord),
	}
}

// FetchProduct returns one product, or an error wrapping ErrNotFound.
func (s *Store) FetchProduct(ctx context.Context, id string) (Product, error) {
	return s.products.Get(ctx, id)
}

// FetchByIDs returns the products among ids that match the property filter.
// IDs that were deleted since the caller obtained them are simply absent.
func (s *Store) FetchByIDs(ctx context.Context, ids []string, filter map[string]any) ([]Product, error) {
	return s.products.GetMany(ctx, ids, filter)
}

// ListAllIDs enumerates every product ID, active or not.
func (s *Store) ListAllIDs(ctx context.Context) ([]string, error) {
	return s.products.ListIDs(ctx)
}

// Save upserts a product node. Used by seeding tools and tests; production
// mutations come from upstream business logic.
func (s *Store) Save(ctx context.Context, p Product) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MERGE (n:Product {id: $id}) SET n += $props`
	_, err := sess.Run(ctx, cypher, map[string]any{
		"id":    p.ID,
		"props": productToMap(p),
	})
	return err
}

// Remove deletes a product node and its relationships.
func (s *Store) Remove(ctx context.Context, id string) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (n:Product {id: $id}) DETACH DELETE n`
	_, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	return err
}

func productToMap(p Product) map[string]any {
	tags := make([]any, len(p.Tags))
	for i, t := range p.Tags {
		tags[i] = t
	}
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"brand":       p.Brand,
		"category":    p.Category,
		"description": p.Description,
		"tags":        tags,
		"price":       p.Price,
		"stock":       int64(p.Stock),
		"active":      p.Active,
		"updated_at":  p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func productFromRecord(rec *neo4j.Record) (Product, error) {
	v, ok := rec.Get("n")
	if !ok || v == nil {
		return Product{}, ErrNotFound
	}
	node, ok := v.(dbtype.Node)
	if !ok {
		return Product{}, ErrNotFound
	}
	return productFromProps(node.Props), nil
}

func productFromProps(props map[string]any) Product {
	p := Product{}
	p.ID, _ = props["id"].(string)
	p.Name, _ = props["name"].(string)
	p.Brand, _ = props["brand"].(string)
	p.Category, _ = props["category"].(string)
	p.Description, _ = props["description"].(string)
	if tags, ok := props["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				p.Tags = append(p.Tags, s)
			}
		}
	}
	p.Price, _ = props["price"].(float64)
	if stock, ok := props["stock"].(int64); ok {
		p.Stock = int(stock)
	}
	p.Active, _ = props["active"].(bool)
	if ts, ok := props["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			p.UpdatedAt = t
		}
	}
	return p
}
