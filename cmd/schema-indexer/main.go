package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/clickhouse"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/indexer"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/logger"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/retrieval"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verbose := flag.Bool("verbose", false, "verbose mode - show debug logs")
	databasesCSV := flag.String("databases", getenv("INDEX_DATABASES", getenv("CLICKHOUSE_DATABASE", "default")), "csv of databases to index (env: INDEX_DATABASES)")
	batchSize := flag.Int("batch-size", 32, "cards embedded per request")

	chAddr := flag.String("clickhouse-addr", getenv("CLICKHOUSE_ADDR", ""), "clickhouse address host:port (env: CLICKHOUSE_ADDR)")
	chUser := flag.String("clickhouse-username", getenv("CLICKHOUSE_USERNAME", "default"), "clickhouse username (env: CLICKHOUSE_USERNAME)")
	chPassword := flag.String("clickhouse-password", getenv("CLICKHOUSE_PASSWORD", ""), "clickhouse password (env: CLICKHOUSE_PASSWORD)")
	chSecure := flag.Bool("clickhouse-secure", getenv("CLICKHOUSE_SECURE", "") == "true", "use TLS for clickhouse (env: CLICKHOUSE_SECURE)")

	weaviateURL := flag.String("weaviate-url", getenv("WEAVIATE_URL", ""), "weaviate url (env: WEAVIATE_URL)")
	weaviateKey := flag.String("weaviate-api-key", getenv("WEAVIATE_API_KEY", ""), "weaviate api key (env: WEAVIATE_API_KEY)")
	weaviateClass := flag.String("weaviate-class", getenv("WEAVIATE_CLASS", "SchemaCard"), "weaviate class (env: WEAVIATE_CLASS)")

	embeddingKey := flag.String("embedding-api-key", getenv("EMBEDDING_API_KEY", ""), "embedding api key (env: EMBEDDING_API_KEY)")
	embeddingURL := flag.String("embedding-base-url", getenv("EMBEDDING_BASE_URL", ""), "embedding endpoint base url (env: EMBEDDING_BASE_URL)")
	embeddingModel := flag.String("embedding-model", getenv("EMBEDDING_MODEL", ""), "embedding model (env: EMBEDDING_MODEL)")
	flag.Parse()

	if *chAddr == "" {
		return fmt.Errorf("clickhouse address is empty (set CLICKHOUSE_ADDR or --clickhouse-addr)")
	}
	if *weaviateURL == "" {
		return fmt.Errorf("weaviate url is empty (set WEAVIATE_URL or --weaviate-url)")
	}
	if *embeddingModel == "" {
		return fmt.Errorf("embedding model is empty (set EMBEDDING_MODEL or --embedding-model)")
	}
	databases := splitCSV(*databasesCSV)

	log := logger.New(*verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	chClient, err := clickhouse.NewClient(ctx, clickhouse.Config{
		Logger:   log,
		Addr:     *chAddr,
		Database: databases[0],
		Username: *chUser,
		Password: *chPassword,
		Secure:   *chSecure,
	})
	if err != nil {
		return fmt.Errorf("failed to create clickhouse client: %w", err)
	}
	defer chClient.Close()

	source, err := indexer.NewClickHouseSource(chClient, databases)
	if err != nil {
		return err
	}
	embedder, err := retrieval.NewOpenAIEmbedder(*embeddingKey, *embeddingURL, *embeddingModel)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	index, err := retrieval.CreateWeaviateIndex(ctx, retrieval.WeaviateConfig{
		Logger: log,
		URL:    *weaviateURL,
		APIKey: *weaviateKey,
		Class:  *weaviateClass,
	})
	if err != nil {
		return fmt.Errorf("failed to open vector index: %w", err)
	}
	defer index.Close()

	ix, err := indexer.New(indexer.Config{
		Logger:    log,
		Source:    source,
		Embedder:  embedder,
		Writer:    index,
		BatchSize: *batchSize,
	})
	if err != nil {
		return err
	}
	stats, err := ix.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d of %d tables (%d skipped) in %s\n", stats.Written, stats.Tables, stats.Skipped, stats.Duration.Round(time.Millisecond))
	return nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = append(out, "default")
	}
	return out
}
