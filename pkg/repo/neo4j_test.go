package repo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

type item struct {
	ID   string
	Name string
}

func itemToMap(i item) map[string]any {
	return map[string]any{"id": i.ID, "name": i.Name}
}

func itemFromRecord(rec *neo4j.Record) (item, error) {
	v, ok := rec.Get("n")
	if !ok {
		return item{}, errors.New("no node")
	}
	node := v.(dbtype.Node)
	return item{
		ID:   node.Props["id"].(string),
		Name: node.Props["name"].(string),
	}, nil
}

func nodeRecord(props map[string]any) *neo4j.Record {
	return &neo4j.Record{
		Keys:   []string{"n"},
		Values: []any{dbtype.Node{Props: props}},
	}
}

// --- Fakes ---

type fakeResult struct {
	records []*neo4j.Record
	pos     int
}

func (f *fakeResult) Next(context.Context) bool {
	if f.pos >= len(f.records) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeResult) Record() *neo4j.Record { return f.records[f.pos-1] }

type fakeRunner struct {
	lastCypher string
	lastParams map[string]any
	records    []*neo4j.Record
	err        error
	closed     bool
}

func (f *fakeRunner) Run(_ context.Context, cypher string, params map[string]any) (result, error) {
	f.lastCypher = cypher
	f.lastParams = params
	if f.err != nil {
		return nil, f.err
	}
	return &fakeResult{records: f.records}, nil
}

func (f *fakeRunner) Close(context.Context) error {
	f.closed = true
	return nil
}

func newTestRepo(fake *fakeRunner) *Neo4jRepo[item, string] {
	r := NewNeo4jRepo[item, string](nil, "Item", itemToMap, itemFromRecord)
	r.newSession = func(context.Context) runner { return fake }
	return r
}

// --- Tests ---

func TestGet(t *testing.T) {
	run := &fakeRunner{records: []*neo4j.Record{nodeRecord(map[string]any{"id": "1", "name": "a"})}}
	r := newTestRepo(run)

	got, err := r.Get(context.Background(), "1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "a" {
		t.Fatalf("got %+v", got)
	}
	if !run.closed {
		t.Fatal("session not closed")
	}
}

func TestGetNotFound(t *testing.T) {
	r := newTestRepo(&fakeRunner{})
	_, err := r.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGetManyFilters(t *testing.T) {
	run := &fakeRunner{records: []*neo4j.Record{nodeRecord(map[string]any{"id": "1", "name": "a"})}}
	r := newTestRepo(run)

	got, err := r.GetMany(context.Background(), []string{"1", "2"}, map[string]any{"active": true, "category": "skincare"})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %+v", got)
	}
	// Filter keys are sorted, so the clause order is deterministic.
	if !strings.Contains(run.lastCypher, "n.active = $f_active AND n.category = $f_category") {
		t.Fatalf("cypher: %s", run.lastCypher)
	}
	if run.lastParams["f_active"] != true || run.lastParams["f_category"] != "skincare" {
		t.Fatalf("params: %v", run.lastParams)
	}
}

func TestGetManyEmptyIDs(t *testing.T) {
	run := &fakeRunner{}
	r := newTestRepo(run)
	got, err := r.GetMany(context.Background(), nil, nil)
	if err != nil || got != nil {
		t.Fatalf("want nil/nil, got %v %v", got, err)
	}
	if run.lastCypher != "" {
		t.Fatal("no query should run for empty id set")
	}
}

func TestListWithFilter(t *testing.T) {
	run := &fakeRunner{}
	r := newTestRepo(run)

	_, err := r.List(context.Background(), ListOpts{Limit: 10, Filter: map[string]any{"active": true}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !strings.Contains(run.lastCypher, "WHERE n.active = $f_active") {
		t.Fatalf("cypher: %s", run.lastCypher)
	}
	if run.lastParams["limit"] != 10 {
		t.Fatalf("params: %v", run.lastParams)
	}
}

func TestListIDs(t *testing.T) {
	run := &fakeRunner{records: []*neo4j.Record{
		{Keys: []string{"id"}, Values: []any{"p1"}},
		{Keys: []string{"id"}, Values: []any{"p2"}},
	}}
	r := newTestRepo(run)

	ids, err := r.ListIDs(context.Background())
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "p1" || ids[1] != "p2" {
		t.Fatalf("ids: %v", ids)
	}
}

func TestUpdateNotFound(t *testing.T) {
	r := newTestRepo(&fakeRunner{})
	_, err := r.Update(context.Background(), item{ID: "x", Name: "y"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRunErrorPropagates(t *testing.T) {
	r := newTestRepo(&fakeRunner{err: errors.New("conn refused")})
	if _, err := r.Get(context.Background(), "1"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := r.GetMany(context.Background(), []string{"1"}, nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := r.ListIDs(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
