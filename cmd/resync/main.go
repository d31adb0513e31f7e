// Command resync runs one full catalog-to-index synchronization pass and
// prints a report. Use it after restoring a Qdrant snapshot, changing the
// embedding model, or any other event that leaves the index stale.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/aurelia-labs/catalog-search/engine/catalog"
	"github.com/aurelia-labs/catalog-search/engine/semantic"
	syncengine "github.com/aurelia-labs/catalog-search/engine/sync"
	"github.com/aurelia-labs/catalog-search/pkg/ollama"
)

func main() {
	workers := flag.Int("workers", 8, "parallel syncs per batch")
	batch := flag.Int("batch", 100, "products per batch")
	threshold := flag.Float64("threshold", 0.95, "fraction of products that must sync for success")
	dims := flag.Int("dims", 768, "embedding dimensions, used when creating the collection")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	neo4jURL := envOr("NEO4J_URL", "neo4j://localhost:7687")
	neo4jUser := envOr("NEO4J_USER", "neo4j")
	neo4jPass := envOr("NEO4J_PASS", "password")
	qdrantURL := envOr("QDRANT_URL", "localhost:6334")
	collection := envOr("QDRANT_COLLECTION", "products")
	ollamaURL := envOr("OLLAMA_URL", "http://localhost:11434")
	embedModel := envOr("EMBED_MODEL", "nomic-embed-text")

	driver, err := neo4j.NewDriverWithContext(neo4jURL, neo4j.BasicAuth(neo4jUser, neo4jPass, ""))
	if err != nil {
		log.Fatalf("neo4j connect: %v", err)
	}
	defer driver.Close(ctx)

	vectorStore, err := semantic.New(qdrantURL, collection)
	if err != nil {
		log.Fatalf("qdrant connect: %v", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, *dims); err != nil {
		log.Fatalf("ensure collection: %v", err)
	}

	embedder := ollama.NewEmbedClient(ollamaURL, embedModel, ollama.DefaultOpts())

	eng := syncengine.New(
		catalog.NewStore(driver),
		vectorStore,
		embedder,
		nil, // no result cache to invalidate from this tool
		syncengine.Opts{Workers: *workers, SuccessThreshold: *threshold},
		nil,
		nil,
	)

	log.Printf("Starting full sync (workers=%d batch=%d threshold=%.2f)", *workers, *batch, *threshold)
	report, err := eng.FullSync(ctx, *batch)
	log.Printf("Done! Total: %d, Succeeded: %d, Failed: %d, Elapsed: %s",
		report.Total, report.Succeeded, report.Failed, report.Elapsed)
	for _, id := range report.FailedIDs {
		log.Printf("  failed: %s", id)
	}
	if err != nil {
		log.Fatalf("full sync: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
