// Package search is the hybrid query path: semantic candidate retrieval
// from the vector index joined with authoritative product rows, behind the
// two-level result cache.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aurelia-labs/catalog-search/engine/catalog"
	"github.com/aurelia-labs/catalog-search/engine/semantic"
	syncengine "github.com/aurelia-labs/catalog-search/engine/sync"
	"github.com/aurelia-labs/catalog-search/pkg/metrics"
)

// ErrEmptyQuery rejects queries with no searchable text.
var ErrEmptyQuery = errors.New("search: empty query")

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the vector index read surface.
type Index interface {
	Search(ctx context.Context, embedding []float32, limit int, minScore float32, filter semantic.Filter) ([]semantic.SearchHit, error)
}

// Catalog joins candidate IDs back to authoritative product rows.
type Catalog interface {
	FetchByIDs(ctx context.Context, ids []string, filter map[string]any) ([]catalog.Product, error)
}

// ResultCache is the query-result cache surface.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Query is a hybrid search request. Nil pointer fields mean "no constraint".
type Query struct {
	Text     string   `json:"text"`
	Category string   `json:"category,omitempty"`
	Brand    string   `json:"brand,omitempty"`
	PriceMin *float64 `json:"price_min,omitempty"`
	PriceMax *float64 `json:"price_max,omitempty"`
	InStock  *bool    `json:"in_stock,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	MinScore float32  `json:"min_score,omitempty"`
}

// Hit is one ranked result: the authoritative product row plus its
// similarity score.
type Hit struct {
	Product catalog.Product `json:"product"`
	Score   float32         `json:"score"`
}

// Response is a completed search.
type Response struct {
	Hits   []Hit         `json:"hits"`
	Cached bool          `json:"cached"`
	Took   time.Duration `json:"took"`
}

// Opts configures a search Engine.
type Opts struct {
	// DefaultLimit applies when a query carries no limit.
	DefaultLimit int
	// MaxLimit caps the per-query limit.
	MaxLimit int
	// DefaultMinScore applies when a query carries no score threshold.
	DefaultMinScore float32
	// CacheTTL is how long results stay cached absent invalidation.
	CacheTTL time.Duration
	// Timeout bounds one search end to end (cache, embed, index, join).
	Timeout time.Duration
}

// DefaultOpts returns the production defaults.
func DefaultOpts() Opts {
	return Opts{
		DefaultLimit:    10,
		MaxLimit:        50,
		DefaultMinScore: 0.5,
		CacheTTL:        5 * time.Minute,
		Timeout:         10 * time.Second,
	}
}

// Engine executes hybrid searches.
type Engine struct {
	embed   Embedder
	index   Index
	catalog Catalog
	cache   ResultCache
	opts    Opts
	log     *slog.Logger

	hits     *metrics.Counter
	misses   *metrics.Counter
	searches *metrics.Counter
	latency  *metrics.Histogram
}

// New creates a search engine. cache may be nil to disable result caching.
func New(embed Embedder, index Index, cat Catalog, cache ResultCache, opts Opts, log *slog.Logger, reg *metrics.Registry) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	def := DefaultOpts()
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = def.DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = def.MaxLimit
	}
	if opts.DefaultMinScore <= 0 {
		opts.DefaultMinScore = def.DefaultMinScore
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Engine{
		embed:    embed,
		index:    index,
		catalog:  cat,
		cache:    cache,
		opts:     opts,
		log:      log,
		hits:     reg.Counter("search_cache_hits_total", "searches served from cache"),
		misses:   reg.Counter("search_cache_misses_total", "searches that went to the index"),
		searches: reg.Counter("search_requests_total", "search requests"),
		latency:  reg.Histogram("search_seconds", "end to end search latency", nil),
	}
}

// normalize canonicalizes query text so trivially different spellings of
// the same query share a cache entry.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// CacheKey derives the deterministic cache key for a query. Every field
// that changes the result set participates, in fixed order.
func CacheKey(q Query) string {
	parts := []string{
		"q=" + normalize(q.Text),
		"cat=" + strings.ToLower(q.Category),
		"brand=" + strings.ToLower(q.Brand),
		"pmin=" + fmtFloatPtr(q.PriceMin),
		"pmax=" + fmtFloatPtr(q.PriceMax),
		"stock=" + fmtBoolPtr(q.InStock),
		"limit=" + strconv.Itoa(q.Limit),
		"score=" + strconv.FormatFloat(float64(q.MinScore), 'g', -1, 32),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return syncengine.CachePrefix + hex.EncodeToString(sum[:])
}

func fmtFloatPtr(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}

func fmtBoolPtr(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}

// filterFor renders the query constraints as index payload conditions.
// active=true is always forced so deactivated products never surface, even
// before their index entry is removed.
func filterFor(q Query) semantic.Filter {
	f := semantic.Filter{
		Keyword: map[string]string{},
		Bool:    map[string]bool{"active": true},
		Range:   map[string]semantic.Range{},
	}
	if q.Category != "" {
		f.Keyword["category"] = q.Category
	}
	if q.Brand != "" {
		f.Keyword["brand"] = q.Brand
	}
	if q.PriceMin != nil || q.PriceMax != nil {
		f.Range["price"] = semantic.Range{Gte: q.PriceMin, Lte: q.PriceMax}
	}
	if q.InStock != nil {
		f.Bool["in_stock"] = *q.InStock
	}
	return f
}

// Search runs a hybrid search: cache lookup, query embedding, filtered
// vector retrieval with over-fetch, then a join against the authoritative
// store that silently drops rows deleted since indexing.
func (e *Engine) Search(ctx context.Context, q Query) (Response, error) {
	start := time.Now()
	defer e.latency.Since(start)
	e.searches.Inc()

	q.Text = normalize(q.Text)
	if q.Text == "" {
		return Response{}, ErrEmptyQuery
	}
	if q.Limit <= 0 {
		q.Limit = e.opts.DefaultLimit
	}
	if q.Limit > e.opts.MaxLimit {
		q.Limit = e.opts.MaxLimit
	}
	if q.MinScore <= 0 {
		q.MinScore = e.opts.DefaultMinScore
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	key := CacheKey(q)
	if hits, ok := e.fromCache(ctx, key); ok {
		e.hits.Inc()
		return Response{Hits: hits, Cached: true, Took: time.Since(start)}, nil
	}
	e.misses.Inc()

	embedding, err := e.embed.Embed(ctx, q.Text)
	if err != nil {
		return Response{}, fmt.Errorf("search: embed query: %w", err)
	}

	// Over-fetch so the join can drop stale candidates and still fill
	// the requested page.
	candidates, err := e.index.Search(ctx, embedding, q.Limit*2, q.MinScore, filterFor(q))
	if err != nil {
		return Response{}, fmt.Errorf("search: vector index: %w", err)
	}
	if len(candidates) == 0 {
		e.toCache(ctx, key, nil)
		return Response{Hits: []Hit{}, Took: time.Since(start)}, nil
	}

	hits, err := e.join(ctx, candidates)
	if err != nil {
		return Response{}, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}

	e.toCache(ctx, key, hits)
	return Response{Hits: hits, Took: time.Since(start)}, nil
}

// join resolves candidate payload IDs to authoritative rows. Candidates
// whose row is gone or no longer active are dropped, not errors.
func (e *Engine) join(ctx context.Context, candidates []semantic.SearchHit) ([]Hit, error) {
	ids := make([]string, 0, len(candidates))
	scores := make(map[string]float32, len(candidates))
	for _, c := range candidates {
		id, _ := c.Payload["id"].(string)
		if id == "" {
			continue
		}
		if _, seen := scores[id]; !seen {
			ids = append(ids, id)
		}
		scores[id] = c.Score
	}
	if len(ids) == 0 {
		return []Hit{}, nil
	}

	products, err := e.catalog.FetchByIDs(ctx, ids, map[string]any{"active": true})
	if err != nil {
		return nil, fmt.Errorf("search: fetch products: %w", err)
	}
	byID := make(map[string]catalog.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	hits := make([]Hit, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			continue // deleted or deactivated since indexing
		}
		hits = append(hits, Hit{Product: p, Score: scores[id]})
	}
	return hits, nil
}

func (e *Engine) fromCache(ctx context.Context, key string) ([]Hit, bool) {
	if e.cache == nil {
		return nil, false
	}
	data, err := e.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var hits []Hit
	if err := json.Unmarshal(data, &hits); err != nil {
		e.log.Warn("discarding undecodable cached result", "key", key, "err", err)
		return nil, false
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, true
}

func (e *Engine) toCache(ctx context.Context, key string, hits []Hit) {
	if e.cache == nil {
		return
	}
	if hits == nil {
		hits = []Hit{}
	}
	data, err := json.Marshal(hits)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, data, e.opts.CacheTTL); err != nil {
		e.log.Warn("caching search result failed", "key", key, "err", err)
	}
}
