// Package app wires platform components from configuration. All three
// binaries build their dependency graph here.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/spherical-ai/knowledge-platform/internal/blob"
	"github.com/spherical-ai/knowledge-platform/internal/cache"
	"github.com/spherical-ai/knowledge-platform/internal/chat"
	"github.com/spherical-ai/knowledge-platform/internal/config"
	"github.com/spherical-ai/knowledge-platform/internal/embedding"
	"github.com/spherical-ai/knowledge-platform/internal/ingest"
	"github.com/spherical-ai/knowledge-platform/internal/llm"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
	"github.com/spherical-ai/knowledge-platform/internal/pipeline"
	"github.com/spherical-ai/knowledge-platform/internal/reindex"
	"github.com/spherical-ai/knowledge-platform/internal/retrieval"
	"github.com/spherical-ai/knowledge-platform/internal/storage"
	"github.com/spherical-ai/knowledge-platform/internal/vector"
)

// NewLogger builds the service logger from configuration.
func NewLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
}

// App holds the wired component graph.
type App struct {
	Logger    *observability.Logger
	DB        *sql.DB
	Repo      *storage.MetadataRepo
	Broker    *redis.Client
	Blobs     *blob.Store
	Embedder  embedding.Embedder
	Vectors   vector.Store
	Pipeline  *pipeline.Pipeline
	Processor *ingest.Processor
	Publisher *ingest.Publisher
	Service   *ingest.Service
	Engine    *retrieval.Engine
	Chat      *chat.Orchestrator
	Reindexer *reindex.Runner
	Cache     cache.Client
}

// New builds the full component graph. Callers that only need a subset still
// pay for the whole graph; all construction here is connection setup, not
// traffic.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*App, error) {
	db, err := storage.Open(ctx, storage.PoolConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	repo := storage.NewMetadataRepo(db, cfg.Database.FTSConfig)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	broker := redis.NewClient(&redis.Options{
		Addr:     cfg.Broker.Addr,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})
	if err := broker.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	blobs, err := blob.NewStore(ctx, blob.Config{
		Bucket:         cfg.Blob.Bucket,
		Region:         cfg.Blob.Region,
		Endpoint:       cfg.Blob.Endpoint,
		ForcePathStyle: cfg.Blob.ForcePathStyle,
		RequestTimeout: cfg.Blob.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}

	embedder, err := embedding.NewClient(embedding.Config{
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}

	vectors, err := vector.NewClient(ctx, vector.Config{
		APIKey:     cfg.Vector.APIKey,
		IndexName:  cfg.Vector.IndexName,
		IndexHost:  cfg.Vector.IndexHost,
		ControlURL: cfg.Vector.ControlURL,
		Dimension:  cfg.Vector.Dimension,
		Metric:     cfg.Vector.Metric,
		Cloud:      cfg.Vector.Cloud,
		Region:     cfg.Vector.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create vector store: %w", err)
	}

	pipe, err := pipeline.New(logger, embedder, pipeline.Config{
		ChunkSize:     cfg.Chunking.ChunkSize,
		ChunkOverlap:  cfg.Chunking.ChunkOverlap,
		BatchSize:     cfg.Embedding.BatchSize,
		SchemaVersion: cfg.Chunking.SchemaVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	processor := ingest.NewProcessor(logger, repo, blobs, pipe, vectors)
	publisher := ingest.NewPublisher(logger, broker, cfg.Broker.Stream)
	service := ingest.NewService(logger, repo, blobs, publisher)

	cacheClient, err := newCacheClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	chatClient, err := llm.NewClient(llm.Config{
		APIKey:  cfg.Chat.APIKey,
		BaseURL: cfg.Chat.BaseURL,
		Timeout: cfg.Chat.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat client: %w", err)
	}

	reranker := retrieval.NewReranker(logger, chatClient, retrieval.RerankerConfig{
		Model:   cfg.Retrieval.RerankerModel,
		Timeout: cfg.Retrieval.RerankerTimeout,
	})

	engine := retrieval.NewEngine(logger, embedder, vectors, repo, reranker, cacheClient, retrieval.Config{
		DenseTopN:     cfg.Retrieval.DenseTopN,
		LexicalTopM:   cfg.Retrieval.LexicalTopM,
		DenseWeight:   cfg.Retrieval.DenseWeight,
		LexicalWeight: cfg.Retrieval.LexicalWeight,
		CacheResults:  cfg.Retrieval.CacheResults && cfg.Cache.Enabled,
		CacheTTL:      cfg.Cache.TTL,
	})

	prompts, err := loadPrompts(cfg.Chat.PromptDir)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	chatOrch := chat.NewOrchestrator(logger, engine, chatClient, prompts, chat.Config{
		DefaultModel:   cfg.Chat.DefaultModel,
		FallbackModels: cfg.Chat.FallbackModels,
		MaxInputChars:  cfg.Chat.MaxInputChars,
		TopK:           cfg.Retrieval.RerankTopK,
	})

	reindexer := reindex.NewRunner(logger, repo, processor, reindex.Config{
		StaleAfter:     cfg.Reindex.StaleAfter,
		MaxAttempts:    cfg.Reindex.MaxAttempts,
		PollLimit:      cfg.Reindex.PollLimit,
		SchemaVersion:  cfg.Chunking.SchemaVersion,
		EmbeddingModel: cfg.Embedding.Model,
	})

	return &App{
		Logger:    logger,
		DB:        db,
		Repo:      repo,
		Broker:    broker,
		Blobs:     blobs,
		Embedder:  embedder,
		Vectors:   vectors,
		Pipeline:  pipe,
		Processor: processor,
		Publisher: publisher,
		Service:   service,
		Engine:    engine,
		Chat:      chatOrch,
		Reindexer: reindexer,
		Cache:     cacheClient,
	}, nil
}

// Close releases held connections.
func (a *App) Close() {
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("cache close failed")
		}
	}
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("broker close failed")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("database close failed")
		}
	}
}

func newCacheClient(cfg *config.Config) (cache.Client, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	if cfg.Cache.Driver == "redis" {
		return cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
	}
	return cache.NewMemoryClient(cfg.Cache.MaxEntries), nil
}

func loadPrompts(dir string) (*chat.PromptRegistry, error) {
	if dir == "" {
		return chat.DefaultPromptRegistry(), nil
	}
	return chat.LoadPromptRegistry(dir)
}
