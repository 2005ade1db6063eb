// Package config provides unified configuration loading for the knowledge platform.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the knowledge platform.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Vector        VectorConfig        `yaml:"vector"`
	Blob          BlobConfig          `yaml:"blob"`
	Broker        BrokerConfig        `yaml:"broker"`
	Cache         CacheConfig         `yaml:"cache"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Chat          ChatConfig          `yaml:"chat"`
	Reindex       ReindexConfig       `yaml:"reindex"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	FTSConfig       string        `yaml:"fts_config"`
}

// VectorConfig holds vector index settings.
type VectorConfig struct {
	APIKey     string `yaml:"api_key"`
	IndexName  string `yaml:"index_name"`
	IndexHost  string `yaml:"index_host"`
	ControlURL string `yaml:"control_url"`
	Dimension  int    `yaml:"dimension"`
	Metric     string `yaml:"metric"`
	Cloud      string `yaml:"cloud"`
	Region     string `yaml:"region"`
}

// BlobConfig holds S3 blob store settings.
type BlobConfig struct {
	Bucket         string        `yaml:"bucket"`
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BrokerConfig holds the ingestion stream settings.
type BrokerConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	Stream        string        `yaml:"stream"`
	Group         string        `yaml:"group"`
	Consumer      string        `yaml:"consumer"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxBytes      int64         `yaml:"max_bytes"`
	BlockInterval time.Duration `yaml:"block_interval"`
	ClaimMinIdle  time.Duration `yaml:"claim_min_idle"`
	ClaimInterval time.Duration `yaml:"claim_interval"`
}

// CacheConfig holds retrieval cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ChunkingConfig holds splitter settings.
type ChunkingConfig struct {
	ChunkSize     int    `yaml:"chunk_size"`
	ChunkOverlap  int    `yaml:"chunk_overlap"`
	SchemaVersion string `yaml:"schema_version"`
}

// RetrievalConfig holds hybrid retrieval settings.
type RetrievalConfig struct {
	DenseTopN       int           `yaml:"dense_top_n"`
	LexicalTopM     int           `yaml:"lexical_top_m"`
	RerankTopK      int           `yaml:"rerank_top_k"`
	RerankerModel   string        `yaml:"reranker_model"`
	RerankerTimeout time.Duration `yaml:"reranker_timeout"`
	DenseWeight     float64       `yaml:"dense_weight"`
	LexicalWeight   float64       `yaml:"lexical_weight"`
	CacheResults    bool          `yaml:"cache_results"`
}

// ChatConfig holds chat orchestration settings.
type ChatConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	DefaultModel   string        `yaml:"default_model"`
	FallbackModels []string      `yaml:"fallback_models"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxInputChars  int           `yaml:"max_input_chars"`
	PromptDir      string        `yaml:"prompt_dir"`
}

// ReindexConfig holds drift detection and reprocessing settings.
type ReindexConfig struct {
	StaleAfter  time.Duration `yaml:"stale_after"`
	MaxAttempts int           `yaml:"max_attempts"`
	PollLimit   int           `yaml:"poll_limit"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8085,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			FTSConfig:       "english",
		},
		Vector: VectorConfig{
			IndexName:  "knowledge-chunks",
			ControlURL: "https://api.pinecone.io",
			Dimension:  1536,
			Metric:     "cosine",
			Cloud:      "aws",
			Region:     "us-east-1",
		},
		Blob: BlobConfig{
			Bucket:         "knowledge-platform-docs",
			Region:         "us-east-1",
			RequestTimeout: 60 * time.Second,
		},
		Broker: BrokerConfig{
			Addr:          "localhost:6379",
			Stream:        "ingestion.jobs",
			Group:         "ingestion-workers",
			Consumer:      "worker-1",
			MaxConcurrent: 5,
			MaxBytes:      20_000_000,
			BlockInterval: 5 * time.Second,
			ClaimMinIdle:  30 * time.Second,
			ClaimInterval: 10 * time.Second,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			Enabled:    true,
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			BatchSize: 100,
			Timeout:   30 * time.Second,
		},
		Chunking: ChunkingConfig{
			ChunkSize:     1000,
			ChunkOverlap:  200,
			SchemaVersion: "2024-09-24",
		},
		Retrieval: RetrievalConfig{
			DenseTopN:       20,
			LexicalTopM:     20,
			RerankTopK:      8,
			RerankerModel:   "gpt-4o-mini",
			RerankerTimeout: 10 * time.Second,
			DenseWeight:     0.5,
			LexicalWeight:   0.5,
			CacheResults:    true,
		},
		Chat: ChatConfig{
			BaseURL:       "https://api.openai.com/v1",
			DefaultModel:  "gpt-4o-mini",
			Timeout:       60 * time.Second,
			MaxInputChars: 6000,
			PromptDir:     "prompts",
		},
		Reindex: ReindexConfig{
			StaleAfter:  30 * 24 * time.Hour,
			MaxAttempts: 3,
			PollLimit:   50,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "debug",
			LogFormat:   "json",
			ServiceName: "knowledge-platform",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Chunking.ChunkOverlap, c.Chunking.ChunkSize)
	}

	if c.Vector.Dimension < 1 {
		return fmt.Errorf("invalid vector dimension: %d", c.Vector.Dimension)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Retrieval.RerankTopK < 1 {
		return fmt.Errorf("rerank_top_k must be positive")
	}

	if c.Reindex.MaxAttempts < 1 {
		return fmt.Errorf("reindex max_attempts must be positive")
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		addr := strings.TrimPrefix(v, "redis://")
		cfg.Broker.Addr = addr
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = addr
	}

	if v := os.Getenv("BROKER_STREAM"); v != "" {
		cfg.Broker.Stream = v
	}

	if v := os.Getenv("BROKER_CONSUMER"); v != "" {
		cfg.Broker.Consumer = v
	}

	if v := os.Getenv("BLOB_BUCKET"); v != "" {
		cfg.Blob.Bucket = v
	}

	if v := os.Getenv("BLOB_ENDPOINT"); v != "" {
		cfg.Blob.Endpoint = v
		cfg.Blob.ForcePathStyle = true
	}

	if v := os.Getenv("PINECONE_API_KEY"); v != "" {
		cfg.Vector.APIKey = v
	}

	if v := os.Getenv("PINECONE_INDEX_HOST"); v != "" {
		cfg.Vector.IndexHost = v
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
		cfg.Chat.APIKey = v
	}

	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	if v := os.Getenv("CHAT_MODEL"); v != "" {
		cfg.Chat.DefaultModel = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
