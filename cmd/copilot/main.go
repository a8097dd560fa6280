package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/nodes"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/repair"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/workflow"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/audit"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/checkpoint"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/clickhouse"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/config"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/llm"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/logger"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/metadata"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/metrics"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/retrieval"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/server"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlexec"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Optional; the environment wins over the file.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[0], os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := logger.New(cfg.Verbose)
	log.Info("copilot: starting", "version", version, "commit", commit, "llm_provider", cfg.LLMProvider, "llm_model", cfg.LLMModel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	llmClient, err := newLLMClient(log, cfg)
	if err != nil {
		return err
	}
	prompts, err := nodes.LoadPrompts()
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}
	nodeCfg := nodes.Config{Logger: log, LLM: llmClient, Prompts: prompts, Timeout: cfg.LLMTimeout}

	intent, err := nodes.NewIntentClassifier(nodeCfg)
	if err != nil {
		return fmt.Errorf("failed to create intent classifier: %w", err)
	}
	rewriter, err := nodes.NewQueryRewriter(nodeCfg)
	if err != nil {
		return fmt.Errorf("failed to create query rewriter: %w", err)
	}
	generator, err := nodes.NewSQLGenerator(nodeCfg)
	if err != nil {
		return fmt.Errorf("failed to create sql generator: %w", err)
	}
	critic, err := nodes.NewReflectionCritic(nodeCfg)
	if err != nil {
		return fmt.Errorf("failed to create reflection critic: %w", err)
	}
	classifier, err := nodes.NewErrorClassifier(nodeCfg)
	if err != nil {
		return fmt.Errorf("failed to create error classifier: %w", err)
	}
	analyst, err := nodes.NewAnalyst(nodeCfg)
	if err != nil {
		return fmt.Errorf("failed to create analyst: %w", err)
	}

	embedder, err := retrieval.NewOpenAIEmbedder(cfg.EmbeddingAPIKey, cfg.EmbeddingBaseURL, cfg.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	index, err := retrieval.OpenWeaviateIndex(ctx, retrieval.WeaviateConfig{
		Logger: log,
		URL:    cfg.WeaviateURL,
		APIKey: cfg.WeaviateAPIKey,
		Class:  cfg.WeaviateClass,
	})
	if err != nil {
		return fmt.Errorf("failed to open vector index: %w", err)
	}
	defer index.Close()

	retrievalCfg := retrieval.Config{
		Logger:            log,
		Embedder:          embedder,
		Index:             index,
		MinRecall:         cfg.MinRecall,
		RerankThreshold:   cfg.RerankThreshold,
		SensitiveKeywords: cfg.SensitiveKeywords,
	}
	if cfg.RerankURL != "" {
		retrievalCfg.Reranker = retrieval.NewHTTPReranker(cfg.RerankURL, cfg.RetrievalTimeout)
	}
	searcher, err := retrieval.New(retrievalCfg)
	if err != nil {
		return fmt.Errorf("failed to create retrieval adapter: %w", err)
	}

	chClient, err := clickhouse.NewClient(ctx, clickhouse.Config{
		Logger:           log,
		Addr:             cfg.ClickHouseAddr,
		Database:         cfg.ClickHouseDatabase,
		Username:         cfg.ClickHouseUsername,
		Password:         cfg.ClickHousePassword,
		Secure:           cfg.ClickHouseSecure,
		MaxExecutionTime: cfg.ExecutionTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create clickhouse client: %w", err)
	}
	defer chClient.Close()

	chResolver, err := metadata.NewClickHouseResolver(metadata.ClickHouseResolverConfig{
		Logger:   log,
		Client:   chClient,
		Database: cfg.ClickHouseDatabase,
	})
	if err != nil {
		return err
	}
	resolver := metadata.NewCachingResolver(chResolver, cfg.MetadataCacheTTL)
	resolver.Start()
	defer resolver.Stop()

	executor, err := sqlexec.NewClickHouseExecutor(sqlexec.Config{
		Logger:         log,
		Client:         chClient,
		ExplainTimeout: cfg.ValidationTimeout,
		ExecTimeout:    cfg.ExecutionTimeout,
		DefaultLimit:   cfg.DefaultLimit,
		MaxLimit:       cfg.MaxLimit,
	})
	if err != nil {
		return err
	}

	store, closeStore, err := newCheckpointStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, err := newAuditSink(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn("copilot: failed to close audit sink", "error", err)
		}
	}()

	strategist, err := repair.New(repair.Config{
		Logger:          log,
		Searcher:        searcher,
		Resolver:        resolver,
		SearchTimeout:   cfg.RetrievalTimeout,
		MetadataTimeout: cfg.MetadataTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create repair strategist: %w", err)
	}
	defer strategist.Close()

	orchestrator, err := workflow.New(workflow.Config{
		Logger:            log,
		Intent:            intent,
		Rewriter:          rewriter,
		Generator:         generator,
		Critic:            critic,
		Classifier:        classifier,
		Repair:            strategist,
		Searcher:          searcher,
		Resolver:          resolver,
		Validator:         executor,
		Store:             store,
		Audit:             sink,
		Limits:            workflow.Limits{MaxRetries: cfg.MaxRetries, MaxReflections: cfg.MaxReflections},
		TopK:              cfg.TopK,
		RetrievalTimeout:  cfg.RetrievalTimeout,
		MetadataTimeout:   cfg.MetadataTimeout,
		ValidationTimeout: cfg.ValidationTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	svc, err := agent.NewService(agent.Config{
		Logger:      log,
		Workflow:    orchestrator,
		Executor:    executor,
		Analyst:     analyst,
		PreviewRows: cfg.PreviewRows,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent service: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		Agent:           svc,
		Searcher:        searcher,
		Executor:        executor,
		CORSOrigins:     cfg.CORSOrigins,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	if err := srv.Serve(ctx, listener); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	log.Info("copilot: stopped")
	return nil
}

func newLLMClient(log *slog.Logger, cfg config.Config) (llm.Client, error) {
	var (
		inner llm.Client
		err   error
	)
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		inner, err = llm.NewOpenAIClient(llm.OpenAIConfig{
			Logger:    log,
			APIKey:    cfg.LLMAPIKey,
			BaseURL:   cfg.LLMBaseURL,
			Model:     cfg.LLMModel,
			MaxTokens: int64(cfg.LLMMaxTokens),
		})
	default:
		inner, err = llm.NewAnthropicClient(llm.AnthropicConfig{
			Logger:    log,
			APIKey:    cfg.LLMAPIKey,
			BaseURL:   cfg.LLMBaseURL,
			Model:     cfg.LLMModel,
			MaxTokens: int64(cfg.LLMMaxTokens),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	return llm.NewRetryingClient(log, inner, uint(cfg.LLMMaxTries)), nil
}

func newCheckpointStore(ctx context.Context, log *slog.Logger, cfg config.Config) (checkpoint.Store, func(), error) {
	if cfg.CheckpointBackend != config.CheckpointPostgres {
		log.Warn("copilot: using in-memory checkpoints, conversations are lost on restart")
		return checkpoint.NewMemoryStore(), func() {}, nil
	}
	store, err := checkpoint.NewPostgresStore(ctx, checkpoint.PostgresConfig{Logger: log, DSN: cfg.PostgresDSN})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	return store, store.Close, nil
}

func newAuditSink(ctx context.Context, log *slog.Logger, cfg config.Config) (audit.Sink, error) {
	if !cfg.AuditEnabled() {
		return audit.Nop{}, nil
	}
	var sinks audit.MultiSink
	if cfg.AuditFile != "" {
		fs, err := audit.NewFileSink(cfg.AuditFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		sinks = append(sinks, fs)
	}
	if len(cfg.KafkaBrokers) > 0 {
		ks, err := audit.NewKafkaSink(ctx, audit.KafkaConfig{
			Logger:      log,
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.KafkaTopic,
			AuthIAM:     cfg.KafkaAuthIAM,
			Partitions:  cfg.KafkaPartitions,
			Replication: cfg.KafkaReplication,
		})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to create kafka audit sink: %w", err), sinks.Close())
		}
		sinks = append(sinks, ks)
	}
	return sinks, nil
}
