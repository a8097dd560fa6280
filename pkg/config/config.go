// Package config loads the copilot's runtime configuration from flags whose
// defaults come from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	CheckpointMemory   = "memory"
	CheckpointPostgres = "postgres"
)

type Config struct {
	ShowVersion bool
	Verbose     bool

	ListenAddr      string
	MetricsAddr     string
	CORSOrigins     []string
	ShutdownTimeout time.Duration

	LLMProvider  string
	LLMAPIKey    string
	LLMBaseURL   string
	LLMModel     string
	LLMMaxTokens int
	LLMMaxTries  int

	EmbeddingAPIKey  string
	EmbeddingBaseURL string
	EmbeddingModel   string
	RerankURL        string

	LLMTimeout        time.Duration
	RetrievalTimeout  time.Duration
	MetadataTimeout   time.Duration
	ValidationTimeout time.Duration
	ExecutionTimeout  time.Duration

	MaxRetries     int
	MaxReflections int

	TopK              int
	MinRecall         int
	RerankThreshold   float64
	SensitiveKeywords []string

	WeaviateURL    string
	WeaviateAPIKey string
	WeaviateClass  string

	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	ClickHouseSecure   bool
	MetadataCacheTTL   time.Duration

	CheckpointBackend string
	PostgresDSN       string

	DefaultLimit int
	MaxLimit     int
	PreviewRows  int

	AuditFile        string
	KafkaBrokers     []string
	KafkaTopic       string
	KafkaAuthIAM     bool
	KafkaPartitions  int
	KafkaReplication int
}

// Validate fills defaults left at zero and rejects inconsistent values.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	switch c.LLMProvider {
	case "":
		c.LLMProvider = ProviderAnthropic
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown llm provider %q (want %s or %s)", c.LLMProvider, ProviderAnthropic, ProviderOpenAI)
	}
	if c.LLMModel == "" {
		return errors.New("llm model is required (set LLM_MODEL or --llm-model)")
	}
	if c.LLMMaxTokens <= 0 {
		c.LLMMaxTokens = 2048
	}
	if c.LLMMaxTries <= 0 {
		c.LLMMaxTries = 3
	}
	if c.EmbeddingModel == "" {
		return errors.New("embedding model is required (set EMBEDDING_MODEL or --embedding-model)")
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 60 * time.Second
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = 10 * time.Second
	}
	if c.MetadataTimeout <= 0 {
		c.MetadataTimeout = 5 * time.Second
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = 5 * time.Second
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxReflections <= 0 {
		c.MaxReflections = 3
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MinRecall <= 0 {
		c.MinRecall = 50
	}
	if c.RerankThreshold < 0 || c.RerankThreshold > 1 {
		return fmt.Errorf("rerank threshold %v is outside [0, 1]", c.RerankThreshold)
	}
	if c.WeaviateURL == "" {
		return errors.New("weaviate url is required (set WEAVIATE_URL or --weaviate-url)")
	}
	if c.ClickHouseAddr == "" {
		return errors.New("clickhouse address is required (set CLICKHOUSE_ADDR or --clickhouse-addr)")
	}
	if c.MetadataCacheTTL <= 0 {
		c.MetadataCacheTTL = 10 * time.Minute
	}
	switch c.CheckpointBackend {
	case "":
		c.CheckpointBackend = CheckpointMemory
		if c.PostgresDSN != "" {
			c.CheckpointBackend = CheckpointPostgres
		}
	case CheckpointMemory:
	case CheckpointPostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres checkpoint backend requires a DSN (set POSTGRES_DSN or --postgres-dsn)")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.CheckpointBackend)
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 200
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 1000
	}
	if c.DefaultLimit > c.MaxLimit {
		return fmt.Errorf("default limit %d exceeds max limit %d", c.DefaultLimit, c.MaxLimit)
	}
	if c.PreviewRows <= 0 {
		c.PreviewRows = 5
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return errors.New("kafka topic is required when kafka brokers are set")
	}
	if c.KafkaPartitions <= 0 {
		c.KafkaPartitions = 1
	}
	if c.KafkaReplication <= 0 {
		c.KafkaReplication = 1
	}
	return nil
}

// Load parses args into a Config. Every flag defaults to its environment
// variable. The returned config is validated unless --version was given.
func Load(name string, args []string) (Config, error) {
	var cfg Config
	var corsCSV, sensitiveCSV, brokersCSV string
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	fs.BoolVar(&cfg.Verbose, "verbose", getenvBool("VERBOSE", false), "verbose mode - show debug logs (env: VERBOSE)")

	fs.StringVar(&cfg.ListenAddr, "listen-addr", getenv("LISTEN_ADDR", ":8000"), "http listen address (env: LISTEN_ADDR)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", ":8080"), "prometheus metrics address, empty to disable (env: METRICS_ADDR)")
	fs.StringVar(&corsCSV, "cors-origins", getenv("CORS_ORIGINS", ""), "allowed CORS origins csv (env: CORS_ORIGINS)")

	fs.StringVar(&cfg.LLMProvider, "llm-provider", getenv("LLM_PROVIDER", ProviderAnthropic), "llm provider: anthropic or openai (env: LLM_PROVIDER)")
	fs.StringVar(&cfg.LLMAPIKey, "llm-api-key", getenv("LLM_API_KEY", ""), "llm api key (env: LLM_API_KEY)")
	fs.StringVar(&cfg.LLMBaseURL, "llm-base-url", getenv("LLM_BASE_URL", ""), "llm base url for compatible endpoints (env: LLM_BASE_URL)")
	fs.StringVar(&cfg.LLMModel, "llm-model", getenv("LLM_MODEL", ""), "llm model (env: LLM_MODEL)")

	fs.StringVar(&cfg.EmbeddingAPIKey, "embedding-api-key", getenv("EMBEDDING_API_KEY", ""), "embedding api key (env: EMBEDDING_API_KEY)")
	fs.StringVar(&cfg.EmbeddingBaseURL, "embedding-base-url", getenv("EMBEDDING_BASE_URL", ""), "embedding endpoint base url (env: EMBEDDING_BASE_URL)")
	fs.StringVar(&cfg.EmbeddingModel, "embedding-model", getenv("EMBEDDING_MODEL", ""), "embedding model (env: EMBEDDING_MODEL)")
	fs.StringVar(&cfg.RerankURL, "rerank-url", getenv("RERANK_URL", ""), "cross-encoder rerank service url, empty to disable (env: RERANK_URL)")
	fs.StringVar(&sensitiveCSV, "sensitive-keywords", getenv("SENSITIVE_KEYWORDS", ""), "csv of keywords that block retrieval (env: SENSITIVE_KEYWORDS)")

	fs.StringVar(&cfg.WeaviateURL, "weaviate-url", getenv("WEAVIATE_URL", ""), "weaviate url (env: WEAVIATE_URL)")
	fs.StringVar(&cfg.WeaviateAPIKey, "weaviate-api-key", getenv("WEAVIATE_API_KEY", ""), "weaviate api key (env: WEAVIATE_API_KEY)")
	fs.StringVar(&cfg.WeaviateClass, "weaviate-class", getenv("WEAVIATE_CLASS", "SchemaCard"), "weaviate class holding schema cards (env: WEAVIATE_CLASS)")

	fs.StringVar(&cfg.ClickHouseAddr, "clickhouse-addr", getenv("CLICKHOUSE_ADDR", ""), "clickhouse address host:port (env: CLICKHOUSE_ADDR)")
	fs.StringVar(&cfg.ClickHouseDatabase, "clickhouse-database", getenv("CLICKHOUSE_DATABASE", "default"), "clickhouse database (env: CLICKHOUSE_DATABASE)")
	fs.StringVar(&cfg.ClickHouseUsername, "clickhouse-username", getenv("CLICKHOUSE_USERNAME", "default"), "clickhouse username (env: CLICKHOUSE_USERNAME)")
	fs.StringVar(&cfg.ClickHousePassword, "clickhouse-password", getenv("CLICKHOUSE_PASSWORD", ""), "clickhouse password (env: CLICKHOUSE_PASSWORD)")
	fs.BoolVar(&cfg.ClickHouseSecure, "clickhouse-secure", getenvBool("CLICKHOUSE_SECURE", false), "use TLS for clickhouse (env: CLICKHOUSE_SECURE)")

	fs.StringVar(&cfg.CheckpointBackend, "checkpoint-backend", getenv("CHECKPOINT_BACKEND", ""), "checkpoint store: memory or postgres (env: CHECKPOINT_BACKEND)")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", getenv("POSTGRES_DSN", ""), "postgres DSN for checkpoints (env: POSTGRES_DSN)")

	fs.StringVar(&cfg.AuditFile, "audit-file", getenv("AUDIT_FILE", ""), "append audit events as JSON lines to this file (env: AUDIT_FILE)")
	fs.StringVar(&brokersCSV, "kafka-brokers", getenv("KAFKA_BROKERS", ""), "kafka brokers csv for audit events (env: KAFKA_BROKERS)")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", getenv("KAFKA_TOPIC", ""), "kafka audit topic (env: KAFKA_TOPIC)")
	fs.BoolVar(&cfg.KafkaAuthIAM, "kafka-auth-iam-enabled", getenvBool("KAFKA_AUTH_IAM_ENABLED", false), "kafka IAM auth (env: KAFKA_AUTH_IAM_ENABLED)")

	threshold, err := getenvFloat("RERANK_THRESHOLD", 0)
	if err != nil {
		return Config{}, err
	}
	fs.Float64Var(&cfg.RerankThreshold, "rerank-threshold", threshold, "minimum top rerank score, 0 disables (env: RERANK_THRESHOLD)")

	ints := []struct {
		dst  *int
		name string
		env  string
		def  int
		help string
	}{
		{&cfg.LLMMaxTokens, "llm-max-tokens", "LLM_MAX_TOKENS", 2048, "max tokens per completion"},
		{&cfg.LLMMaxTries, "llm-max-tries", "LLM_MAX_TRIES", 3, "attempts per llm call on transient errors"},
		{&cfg.MaxRetries, "max-retries", "MAX_RETRIES", 3, "generation attempts per turn"},
		{&cfg.MaxReflections, "max-reflections", "MAX_REFLECTIONS", 3, "reflection rounds per turn"},
		{&cfg.TopK, "top-k", "TOP_K", 5, "tables retrieved per question"},
		{&cfg.MinRecall, "min-recall", "MIN_RECALL", 50, "minimum vector recall before dedupe"},
		{&cfg.DefaultLimit, "default-limit", "DEFAULT_LIMIT", 200, "LIMIT appended to unbounded queries"},
		{&cfg.MaxLimit, "max-limit", "MAX_LIMIT", 1000, "largest LIMIT a query may use"},
		{&cfg.PreviewRows, "preview-rows", "PREVIEW_ROWS", 5, "rows shown to the analyst"},
		{&cfg.KafkaPartitions, "kafka-topic-partitions", "KAFKA_TOPIC_PARTITIONS", 1, "partitions when creating the audit topic"},
		{&cfg.KafkaReplication, "kafka-replication-factor", "KAFKA_REPLICATION_FACTOR", 1, "replication when creating the audit topic"},
	}
	for _, f := range ints {
		def, err := getenvInt(f.env, f.def)
		if err != nil {
			return Config{}, err
		}
		fs.IntVar(f.dst, f.name, def, fmt.Sprintf("%s (env: %s)", f.help, f.env))
	}

	durations := []struct {
		dst  *time.Duration
		name string
		env  string
		def  time.Duration
		help string
	}{
		{&cfg.LLMTimeout, "llm-timeout", "LLM_TIMEOUT", 60 * time.Second, "timeout per llm call"},
		{&cfg.RetrievalTimeout, "retrieval-timeout", "RETRIEVAL_TIMEOUT", 10 * time.Second, "timeout per schema search"},
		{&cfg.MetadataTimeout, "metadata-timeout", "METADATA_TIMEOUT", 5 * time.Second, "timeout per column lookup"},
		{&cfg.ValidationTimeout, "validation-timeout", "VALIDATION_TIMEOUT", 5 * time.Second, "timeout per EXPLAIN"},
		{&cfg.ExecutionTimeout, "execution-timeout", "EXECUTION_TIMEOUT", 30 * time.Second, "timeout per query execution"},
		{&cfg.MetadataCacheTTL, "metadata-cache-ttl", "METADATA_CACHE_TTL", 10 * time.Minute, "column cache ttl"},
		{&cfg.ShutdownTimeout, "shutdown-timeout", "SHUTDOWN_TIMEOUT", 10 * time.Second, "graceful shutdown timeout"},
	}
	for _, f := range durations {
		def, err := getenvDuration(f.env, f.def)
		if err != nil {
			return Config{}, err
		}
		fs.DurationVar(f.dst, f.name, def, fmt.Sprintf("%s (env: %s)", f.help, f.env))
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.ShowVersion {
		return cfg, nil
	}

	cfg.CORSOrigins = splitCSV(corsCSV)
	cfg.SensitiveKeywords = splitCSV(sensitiveCSV)
	cfg.KafkaBrokers = splitCSV(brokersCSV)
	if len(cfg.SensitiveKeywords) == 0 {
		cfg.SensitiveKeywords = nil
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AuditEnabled reports whether any audit sink is configured.
func (c *Config) AuditEnabled() bool {
	return c.AuditFile != "" || len(c.KafkaBrokers) > 0
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	for _, s := range []*string{&c.LLMAPIKey, &c.EmbeddingAPIKey, &c.WeaviateAPIKey, &c.ClickHousePassword} {
		if *s != "" {
			*s = "***"
		}
	}
	if c.PostgresDSN != "" {
		c.PostgresDSN = "***"
	}
	return c
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return d, nil
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
	return out
}
