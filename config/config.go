// Package config loads the typed configuration for the corpus binaries.
// Configuration is read once at process start from an optional YAML file
// overlaid with CORPUS_-prefixed environment variables, then injected into
// the components that need it. Workflow code never sees it: definitions read
// only their inputs and activity results.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backend selectors.
const (
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Model provider selectors.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

type (
	// Config is the root configuration shared by corpusd and corpus-worker.
	Config struct {
		Server   ServerConfig   `mapstructure:"server"`
		Engine   EngineConfig   `mapstructure:"engine"`
		Storage  StorageConfig  `mapstructure:"storage"`
		Model    ModelConfig    `mapstructure:"model"`
		Worker   WorkerConfig   `mapstructure:"worker"`
		VectorDB VectorConfig   `mapstructure:"vector"`
		Metadata MetadataConfig `mapstructure:"metadata"`
	}

	// ServerConfig tunes the ingress HTTP/WS surface of corpusd.
	ServerConfig struct {
		// HTTPAddr is the listen address, e.g. ":8080".
		HTTPAddr string `mapstructure:"http_addr"`
		// CORSOrigins lists allowed origins. Empty disables CORS headers.
		CORSOrigins []string `mapstructure:"cors_origins"`
		// RateLimitRPS caps requests per second per principal. Zero
		// disables ingress rate limiting.
		RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
		// RateLimitBurst is the per-principal burst allowance.
		RateLimitBurst int `mapstructure:"rate_limit_burst"`
	}

	// EngineConfig tunes the durable orchestrator.
	EngineConfig struct {
		// MaxHistoryEvents forces continue-as-new or failure past this many
		// events per run. Zero uses the engine default (50k).
		MaxHistoryEvents int64 `mapstructure:"max_history_events"`
		// MaxHistoryBytes is the byte counterpart. Zero uses 50 MiB.
		MaxHistoryBytes int64 `mapstructure:"max_history_bytes"`
		// ChannelCapacity bounds each signal channel's backlog. Zero uses
		// 1024.
		ChannelCapacity int `mapstructure:"channel_capacity"`
		// TimerInterval is the durable-timer sweep period.
		TimerInterval time.Duration `mapstructure:"timer_interval"`
	}

	// StorageConfig selects the engine persistence backend and its
	// connections. The memory backend serves dev mode and tests only: state
	// does not survive a restart.
	StorageConfig struct {
		// Backend is memory or mongo.
		Backend string `mapstructure:"backend"`
		// MongoURI dials the store database when Backend is mongo.
		MongoURI string `mapstructure:"mongo_uri"`
		// MongoDatabase defaults to "corpus".
		MongoDatabase string `mapstructure:"mongo_database"`
		// RedisAddr backs Pulse streams, the vector index, and the model
		// response cache. Empty disables all three.
		RedisAddr     string `mapstructure:"redis_addr"`
		RedisPassword string `mapstructure:"redis_password"`
		RedisDB       int    `mapstructure:"redis_db"`
	}

	// VectorConfig selects the vector index implementation.
	VectorConfig struct {
		// Backend is memory or redis.
		Backend string `mapstructure:"backend"`
		// Collection names the default chunk collection.
		Collection string `mapstructure:"collection"`
	}

	// MetadataConfig selects the relational metadata adapter.
	MetadataConfig struct {
		// Backend is memory or postgres.
		Backend string `mapstructure:"backend"`
		// PostgresDSN is required when Backend is postgres.
		PostgresDSN string `mapstructure:"postgres_dsn"`
	}

	// ModelConfig selects and tunes the LLM provider adapter.
	ModelConfig struct {
		// Provider is anthropic or openai.
		Provider string `mapstructure:"provider"`
		// APIKey authenticates with the provider.
		APIKey string `mapstructure:"api_key"`
		// Model is the default model name.
		Model string `mapstructure:"model"`
		// EmbeddingModel names the embedding model. Only used with openai;
		// empty falls back to the adapter default.
		EmbeddingModel string `mapstructure:"embedding_model"`
		// CacheTTL bounds cached completions. Zero disables the response
		// cache even when Redis is configured.
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
		// InitialTPM and MaxTPM parameterize the adaptive token budget.
		// Zero InitialTPM disables rate limiting.
		InitialTPM float64 `mapstructure:"initial_tpm"`
		MaxTPM     float64 `mapstructure:"max_tpm"`
	}

	// WorkerConfig tunes corpus-worker.
	WorkerConfig struct {
		// RouterURL is the corpusd base URL the worker long-polls. Empty
		// means in-process (corpusd hosting its own pools).
		RouterURL string `mapstructure:"router_url"`
		// HealthAddr serves the worker liveness and readiness probes.
		HealthAddr string `mapstructure:"health_addr"`
		// DrainTimeout bounds graceful shutdown of in-flight activities.
		DrainTimeout time.Duration `mapstructure:"drain_timeout"`
		// Pools configures one worker pool per entry. Empty means one pool
		// per queue class with the class defaults.
		Pools []PoolConfig `mapstructure:"pools"`
	}

	// PoolConfig configures one queue worker pool.
	PoolConfig struct {
		Queue          string  `mapstructure:"queue"`
		Pollers        int     `mapstructure:"pollers"`
		MaxConcurrent  int     `mapstructure:"max_concurrent"`
		PollsPerSecond float64 `mapstructure:"polls_per_second"`
	}
)

// defaults seeds viper before file and environment overlays.
func defaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.rate_limit_rps", 50.0)
	v.SetDefault("server.rate_limit_burst", 100)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.mongo_database", "corpus")
	v.SetDefault("vector.backend", BackendMemory)
	v.SetDefault("vector.collection", "documents")
	v.SetDefault("metadata.backend", BackendMemory)
	v.SetDefault("model.provider", ProviderAnthropic)
	v.SetDefault("model.cache_ttl", time.Hour)
	v.SetDefault("worker.health_addr", ":8090")
	v.SetDefault("worker.drain_timeout", 30*time.Second)
}

// Load reads configuration from path (optional; empty skips the file) and
// from CORPUS_-prefixed environment variables, nested keys joined with
// underscores (server.http_addr becomes CORPUS_SERVER_HTTP_ADDR).
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("CORPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendMongo:
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("storage.mongo_uri is required with the mongo backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.VectorDB.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required with the redis vector backend")
		}
	default:
		return fmt.Errorf("unknown vector backend %q", c.VectorDB.Backend)
	}
	switch c.Metadata.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Metadata.PostgresDSN == "" {
			return fmt.Errorf("metadata.postgres_dsn is required with the postgres backend")
		}
	default:
		return fmt.Errorf("unknown metadata backend %q", c.Metadata.Backend)
	}
	switch c.Model.Provider {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	for _, p := range c.Worker.Pools {
		if p.Queue == "" {
			return fmt.Errorf("worker.pools entries require a queue name")
		}
	}
	return nil
}
