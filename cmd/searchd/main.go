// Package main implements the catalog search daemon: the HTTP search API,
// the change-notification listener, and the periodic reconciler in one
// process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/errgroup"

	"github.com/aurelia-labs/catalog-search/engine/catalog"
	"github.com/aurelia-labs/catalog-search/engine/listener"
	"github.com/aurelia-labs/catalog-search/engine/reconcile"
	"github.com/aurelia-labs/catalog-search/engine/search"
	"github.com/aurelia-labs/catalog-search/engine/semantic"
	syncengine "github.com/aurelia-labs/catalog-search/engine/sync"
	"github.com/aurelia-labs/catalog-search/pkg/cache"
	"github.com/aurelia-labs/catalog-search/pkg/fn"
	"github.com/aurelia-labs/catalog-search/pkg/metrics"
	"github.com/aurelia-labs/catalog-search/pkg/mid"
	"github.com/aurelia-labs/catalog-search/pkg/natsutil"
	"github.com/aurelia-labs/catalog-search/pkg/ollama"
)

const cacheBucket = "search-results"

// startupRetry covers the initial dependency dials. In a compose or k8s
// rollout the stores may come up seconds after us.
var startupRetry = fn.RetryOpts{
	MaxAttempts: 5,
	InitialWait: time.Second,
	MaxWait:     10 * time.Second,
	Jitter:      true,
}

// Config holds all environment-based configuration.
type Config struct {
	Port        string
	MetricsPort int
	CORSOrigin  string

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	QdrantURL  string
	Collection string
	EmbedDims  int

	NatsURL         string
	NatsFallbackURL string
	Subject         string

	OllamaURL  string
	EmbedModel string

	CacheTTL          time.Duration
	CacheL1Size       int
	CacheL2Timeout    time.Duration
	ReconcileInterval time.Duration
	SyncWorkers       int
	SyncBatchSize     int
	SyncThreshold     float64
	SyncTimeout       time.Duration
	SearchTimeout     time.Duration
	MinScore          float64
}

func loadConfig() Config {
	return Config{
		Port:        envOr("PORT", "8080"),
		MetricsPort: envInt("METRICS_PORT", 9090),
		CORSOrigin:  envOr("CORS_ORIGIN", "*"),

		Neo4jURL:  envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),

		QdrantURL:  envOr("QDRANT_URL", "localhost:6334"),
		Collection: envOr("QDRANT_COLLECTION", "products"),
		EmbedDims:  envInt("EMBED_DIMS", 768),

		NatsURL:         envOr("NATS_URL", "nats://localhost:4222"),
		NatsFallbackURL: envOr("NATS_FALLBACK_URL", ""),
		Subject:         envOr("CHANGE_SUBJECT", listener.DefaultSubject),

		OllamaURL:  envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel: envOr("EMBED_MODEL", "nomic-embed-text"),

		CacheTTL:          envDuration("CACHE_TTL", 5*time.Minute),
		CacheL1Size:       envInt("CACHE_L1_SIZE", 1024),
		CacheL2Timeout:    envDuration("CACHE_L2_TIMEOUT", 2*time.Second),
		ReconcileInterval: envDuration("RECONCILE_INTERVAL", time.Hour),
		SyncWorkers:       envInt("SYNC_WORKERS", 8),
		SyncBatchSize:     envInt("SYNC_BATCH_SIZE", 100),
		SyncThreshold:     envFloat("SYNC_THRESHOLD", 0.95),
		SyncTimeout:       envDuration("SYNC_TIMEOUT", 30*time.Second),
		SearchTimeout:     envDuration("SEARCH_TIMEOUT", 10*time.Second),
		MinScore:          envFloat("MIN_SCORE", 0.5),
	}
}

func (c Config) validate() error {
	if c.EmbedDims <= 0 {
		return fmt.Errorf("EMBED_DIMS must be positive, got %d", c.EmbedDims)
	}
	if c.SyncThreshold <= 0 || c.SyncThreshold > 1 {
		return fmt.Errorf("SYNC_THRESHOLD must be in (0,1], got %g", c.SyncThreshold)
	}
	if c.ReconcileInterval < time.Minute {
		return fmt.Errorf("RECONCILE_INTERVAL must be at least 1m, got %s", c.ReconcileInterval)
	}
	if c.MinScore < 0 || c.MinScore >= 1 {
		return fmt.Errorf("MIN_SCORE must be in [0,1), got %g", c.MinScore)
	}
	if c.SyncTimeout <= 0 || c.SearchTimeout <= 0 || c.CacheL2Timeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()
	if err := cfg.validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("searchd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Neo4j (authoritative catalog) ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)
	verified := fn.Retry(ctx, startupRetry, func(ctx context.Context) fn.Result[bool] {
		return fn.FromPair(true, driver.VerifyConnectivity(ctx))
	})
	if _, err := verified.Unwrap(); err != nil {
		return fmt.Errorf("neo4j connectivity: %w", err)
	}
	catalogStore := catalog.NewStore(driver)

	// --- Qdrant (vector index) ---
	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, cfg.EmbedDims); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	// --- NATS (change notifications + distributed cache) ---
	nc, err := fn.Retry(ctx, startupRetry, func(context.Context) fn.Result[*nats.Conn] {
		return fn.FromPair(natsutil.Connect(cfg.NatsURL, "searchd", logger))
	}).Unwrap()
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	if err := natsutil.EnsureStream(ctx, js, listener.StreamConfig(cfg.Subject)); err != nil {
		return err
	}
	kv, err := natsutil.EnsureKeyValue(ctx, js, jetstream.KeyValueConfig{
		Bucket: cacheBucket,
		TTL:    2 * cfg.CacheTTL, // backstop; per-key deadlines live in the values
	})
	if err != nil {
		return err
	}

	// --- Two-level result cache ---
	cacheOpts := cache.Opts{L1Size: cfg.CacheL1Size, DefaultTTL: cfg.CacheTTL, L2Timeout: cfg.CacheL2Timeout}
	if cfg.NatsFallbackURL != "" {
		cacheOpts.Reconnect = fallbackKV(ctx, cfg, logger)
	}
	resultCache, err := cache.NewTwoLevel(cache.NewNatsKV(kv), cacheOpts, logger)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	// --- Embeddings ---
	embedder := ollama.NewEmbedClient(cfg.OllamaURL, cfg.EmbedModel, ollama.DefaultOpts())

	// --- Metrics ---
	reg := metrics.New()
	reg.ServeAsync(cfg.MetricsPort)

	// --- Engines ---
	syncEng := syncengine.New(catalogStore, vectorStore, embedder, resultCache, syncengine.Opts{
		Workers:          cfg.SyncWorkers,
		BatchSize:        cfg.SyncBatchSize,
		SuccessThreshold: cfg.SyncThreshold,
		Timeout:          cfg.SyncTimeout,
	}, logger, reg)

	lst := listener.New(nc, syncEng, listener.Opts{Subject: cfg.Subject}, logger, reg)
	rec := reconcile.New(syncEng, cfg.ReconcileInterval, logger, reg)
	searchEng := search.New(embedder, vectorStore, catalogStore, resultCache, search.Opts{
		DefaultMinScore: float32(cfg.MinScore),
		CacheTTL:        cfg.CacheTTL,
		Timeout:         cfg.SearchTimeout,
	}, logger, reg)

	// --- HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth(resultCache))
	mux.HandleFunc("POST /api/search", handleSearch(searchEng, logger))
	mux.HandleFunc("GET /api/sync/status", handleStatus(rec))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.Trace("searchd"),
	)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Supervision ---
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCancel(lst.Start(ctx))
	})
	g.Go(func() error {
		return ignoreCancel(rec.Run(ctx))
	})
	g.Go(func() error {
		logger.Info("searchd starting", "port", cfg.Port, "metrics_port", cfg.MetricsPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// fallbackKV builds the cache's reconnect hook: dial the standby NATS URL
// and hand back a fresh KV bucket.
func fallbackKV(ctx context.Context, cfg Config, logger *slog.Logger) func() (cache.KV, error) {
	return func() (cache.KV, error) {
		nc, err := natsutil.Connect(cfg.NatsFallbackURL, "searchd-cache-fallback", logger)
		if err != nil {
			return nil, err
		}
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, err
		}
		kv, err := natsutil.EnsureKeyValue(ctx, js, jetstream.KeyValueConfig{
			Bucket: cacheBucket,
			TTL:    2 * cfg.CacheTTL,
		})
		if err != nil {
			return nil, err
		}
		return cache.NewNatsKV(kv), nil
	}
}

// --- Handlers ---

func handleHealth(c *cache.TwoLevel) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "ok",
			"cache_degraded": c.Degraded(),
		})
	}
}

func handleSearch(eng *search.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q search.Query
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}

		resp, err := eng.Search(r.Context(), q)
		if err != nil {
			if errors.Is(err, search.ErrEmptyQuery) {
				http.Error(w, `{"error":"text is required"}`, http.StatusBadRequest)
				return
			}
			logger.Error("search failed", "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleStatus(rec *reconcile.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec.Status())
	}
}
