// Package sync keeps the vector index consistent with the authoritative
// product catalog. It owns the only write path into the index: change
// notifications, the periodic reconciler, and the resync tool all funnel
// through Engine.SyncProduct and Engine.FullSync.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aurelia-labs/catalog-search/engine/catalog"
	"github.com/aurelia-labs/catalog-search/engine/semantic"
	"github.com/aurelia-labs/catalog-search/pkg/fn"
	"github.com/aurelia-labs/catalog-search/pkg/metrics"
)

// CachePrefix is the key namespace holding cached search results. Every
// successful sync invalidates it, because any cached result set may now
// be stale.
const CachePrefix = "search.product."

// Catalog is the slice of the authoritative store the engine reads.
type Catalog interface {
	FetchProduct(ctx context.Context, id string) (catalog.Product, error)
	ListAllIDs(ctx context.Context) ([]string, error)
}

// Index is the vector index write surface.
type Index interface {
	Upsert(ctx context.Context, records ...semantic.VectorRecord) error
	Delete(ctx context.Context, ids ...string) error
}

// Embedder turns product text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Invalidator drops cached search results after index writes.
type Invalidator interface {
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
}

// Opts configures a sync Engine.
type Opts struct {
	// Workers bounds full-sync parallelism per batch.
	Workers int
	// BatchSize is the full-sync batch size used when the caller passes
	// none.
	BatchSize int
	// SuccessThreshold is the fraction of products that must sync for a
	// full sync to count as successful.
	SuccessThreshold float64
	// Timeout bounds one product sync end to end (fetch, embed, upsert,
	// invalidate). A deadline hit fails that product only.
	Timeout time.Duration
}

// DefaultOpts returns the production defaults.
func DefaultOpts() Opts {
	return Opts{Workers: 8, BatchSize: 100, SuccessThreshold: 0.95, Timeout: 30 * time.Second}
}

// Engine synchronizes individual products and full catalogs into the index.
type Engine struct {
	catalog     Catalog
	index       Index
	embed       Embedder
	cache       Invalidator
	opts        Opts
	log         *slog.Logger
	pipeline    fn.Stage[catalog.Product, string]
	synced      *metrics.Counter
	deleted     *metrics.Counter
	failed      *metrics.Counter
	invalidated *metrics.Counter
	duration    *metrics.Histogram
}

// indexed pairs a product with its freshly computed embedding between the
// pipeline stages.
type indexed struct {
	product catalog.Product
	vec     []float32
}

// New creates a sync engine. cache may be nil when no query cache is wired.
func New(cat Catalog, index Index, embed Embedder, cache Invalidator, opts Opts, log *slog.Logger, reg *metrics.Registry) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	def := DefaultOpts()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.SuccessThreshold <= 0 || opts.SuccessThreshold > 1 {
		opts.SuccessThreshold = def.SuccessThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	e := &Engine{
		catalog:     cat,
		index:       index,
		embed:       embed,
		cache:       cache,
		opts:        opts,
		log:         log,
		synced:      reg.Counter("sync_products_total", "products upserted into the index"),
		deleted:     reg.Counter("sync_deletes_total", "products removed from the index"),
		failed:      reg.Counter("sync_failures_total", "product syncs that errored"),
		invalidated: reg.Counter("sync_cache_invalidations_total", "cached result entries dropped after index writes"),
		duration:    reg.Histogram("sync_product_seconds", "per-product sync latency", nil),
	}
	e.pipeline = fn.Then(
		fn.TracedStage("sync.embed", e.embedStage),
		fn.TracedStage("sync.index", e.indexStage),
	)
	return e
}

// embedStage computes the product's embedding. Transient embed failures are
// not retried here; the next reconciliation pass is the retry mechanism.
func (e *Engine) embedStage(ctx context.Context, p catalog.Product) fn.Result[indexed] {
	vec := fn.FromPair(e.embed.Embed(ctx, BuildEmbeddingText(p)))
	return fn.MapResult(vec, func(v []float32) indexed {
		return indexed{product: p, vec: v}
	})
}

func (e *Engine) indexStage(ctx context.Context, in indexed) fn.Result[string] {
	err := e.index.Upsert(ctx, semantic.VectorRecord{
		ID:        PointID(in.product.ID),
		Embedding: in.vec,
		Payload:   payload(in.product),
	})
	if err != nil {
		return fn.Err[string](err)
	}
	return fn.Ok(in.product.ID)
}

// PointID derives the deterministic vector point ID for a product, so
// re-syncing the same product always overwrites the same point.
func PointID(productID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("product:"+productID)).String()
}

// BuildEmbeddingText renders a product into the canonical embedding input.
// Field order is fixed and the text is lowercased with whitespace collapsed,
// so the same product state always embeds the same text.
func BuildEmbeddingText(p catalog.Product) string {
	parts := make([]string, 0, 4+len(p.Tags))
	for _, s := range []string{p.Name, p.Brand, p.Category, p.Description} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	parts = append(parts, p.Tags...)
	return strings.Join(strings.Fields(strings.ToLower(strings.Join(parts, " "))), " ")
}

// payload builds the denormalized filterable payload stored with the vector.
func payload(p catalog.Product) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"active":     p.Active,
		"category":   p.Category,
		"brand":      p.Brand,
		"price":      p.Price,
		"in_stock":   p.InStock(),
		"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// SyncProduct brings the index entry for one product up to date with the
// catalog. A product that is gone or inactive is removed from the index,
// so the operation is idempotent with respect to the catalog's state.
func (e *Engine) SyncProduct(ctx context.Context, id string) error {
	start := time.Now()
	defer e.duration.Since(start)

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	p, err := e.catalog.FetchProduct(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return e.DeleteProduct(ctx, id)
		}
		e.failed.Inc()
		return fmt.Errorf("sync %s: fetch: %w", id, err)
	}
	if !p.Active {
		return e.DeleteProduct(ctx, id)
	}
	if err := catalog.ValidateProduct(p); err != nil {
		e.failed.Inc()
		return fmt.Errorf("sync %s: %w", id, err)
	}

	if _, err := e.pipeline(ctx, p).Unwrap(); err != nil {
		e.failed.Inc()
		return fmt.Errorf("sync %s: %w", id, err)
	}

	e.synced.Inc()
	e.invalidate(ctx, id)
	return nil
}

// DeleteProduct removes a product's point from the index.
func (e *Engine) DeleteProduct(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	if err := e.index.Delete(ctx, PointID(id)); err != nil {
		e.failed.Inc()
		return fmt.Errorf("sync %s: delete: %w", id, err)
	}
	e.deleted.Inc()
	e.invalidate(ctx, id)
	return nil
}

// invalidate drops cached search results. Failure here is not fatal: stale
// entries age out on their TTL.
func (e *Engine) invalidate(ctx context.Context, id string) {
	if e.cache == nil {
		return
	}
	n, err := e.cache.InvalidatePrefix(ctx, CachePrefix)
	if err != nil {
		e.log.Warn("cache invalidation failed", "product", id, "err", err)
		return
	}
	e.invalidated.Add(int64(n))
}

// Report summarizes a full sync pass.
type Report struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	FailedIDs []string      `json:"failed_ids,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Success reports whether the pass met the configured success threshold.
// An empty catalog counts as success.
func (r Report) Success(threshold float64) bool {
	if r.Total == 0 {
		return true
	}
	return float64(r.Succeeded)/float64(r.Total) >= threshold
}

// FullSync re-syncs every product in the catalog, batch by batch with
// bounded parallelism inside each batch. batchSize <= 0 uses the configured
// default. Individual product failures are recorded and do not abort the
// pass; a cancelled context does.
func (e *Engine) FullSync(ctx context.Context, batchSize int) (Report, error) {
	start := time.Now()
	if batchSize <= 0 {
		batchSize = e.opts.BatchSize
	}

	ids, err := e.catalog.ListAllIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("full sync: list ids: %w", err)
	}

	report := Report{Total: len(ids)}
	for _, batch := range fn.Chunk(ids, batchSize) {
		if err := ctx.Err(); err != nil {
			report.Elapsed = time.Since(start)
			return report, fmt.Errorf("full sync: %w", err)
		}

		results := fn.ParMapResult(batch, e.opts.Workers, func(id string) fn.Result[string] {
			if err := e.SyncProduct(ctx, id); err != nil {
				return fn.Err[string](err)
			}
			return fn.Ok(id)
		})
		for i, res := range results {
			if _, err := res.Unwrap(); err != nil {
				report.Failed++
				report.FailedIDs = append(report.FailedIDs, batch[i])
				e.log.Warn("full sync: product failed", "product", batch[i], "err", err)
				continue
			}
			report.Succeeded++
		}
	}

	report.Elapsed = time.Since(start)
	ok := report.Success(e.opts.SuccessThreshold)
	e.log.Info("full sync finished",
		"total", report.Total,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"elapsed", report.Elapsed,
		"success", ok,
	)
	if !ok {
		return report, fmt.Errorf("full sync: %d/%d products synced, below threshold %.2f",
			report.Succeeded, report.Total, e.opts.SuccessThreshold)
	}
	return report, nil
}

// Threshold exposes the configured success threshold for status reporting.
func (e *Engine) Threshold() float64 { return e.opts.SuccessThreshold }
