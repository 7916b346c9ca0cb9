// Package config assembles the runtime configuration for the engram service.
// Values resolve in three layers: package defaults, then an optional YAML
// file named by ENGRAM_CONFIG, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/engramhq/engram/internal/cache"
	"github.com/engramhq/engram/internal/database"
	"github.com/engramhq/engram/internal/embedding"
	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/memory"
	"github.com/engramhq/engram/internal/rerank"
	"github.com/engramhq/engram/internal/vectordb/qdrant"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Qdrant    QdrantConfig     `yaml:"qdrant"`
	Redis     RedisConfig      `yaml:"redis"`
	Embedding embedding.Config `yaml:"embedding"`
	LLM       llm.Config       `yaml:"llm"`
	Rerank    RerankConfig     `yaml:"rerank"`
	Memory    memory.Config    `yaml:"memory"`
}

type ServerConfig struct {
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// DatabaseConfig wraps the pool settings with a switch for running on the
// in-memory stores instead.
type DatabaseConfig struct {
	Enabled         bool `yaml:"enabled"`
	database.Config `yaml:",inline"`
}

type QdrantConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Collection    string `yaml:"collection"`
	qdrant.Config `yaml:",inline"`
}

type RedisConfig struct {
	Enabled           bool `yaml:"enabled"`
	cache.RedisConfig `yaml:",inline"`
}

type RerankConfig struct {
	Enabled       bool `yaml:"enabled"`
	rerank.Config `yaml:",inline"`
}

// Load resolves the full configuration. A .env file in the working directory
// is folded into the environment first, the way development setups expect.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("ENGRAM_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.Memory.Normalize()

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			MetricsPort: "9090",
			LogLevel:    "info",
			LogFormat:   "text",
		},
		Database: DatabaseConfig{
			Enabled: true,
			Config:  database.DefaultConfig(),
		},
		Qdrant: QdrantConfig{
			Enabled:    true,
			Collection: "engram_memories",
			Config:     *qdrant.DefaultConfig(),
		},
		Redis: RedisConfig{
			RedisConfig: cache.RedisConfig{
				Addr: "localhost:6379",
				TTL:  24 * time.Hour,
			},
		},
		Embedding: embedding.DefaultConfig(),
		LLM:       llm.DefaultConfig(),
		Rerank: RerankConfig{
			Config: rerank.DefaultConfig(),
		},
		Memory: *memory.DefaultConfig(),
	}
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.MetricsPort = getEnv("METRICS_PORT", c.Server.MetricsPort)
	c.Server.LogLevel = getEnv("LOG_LEVEL", c.Server.LogLevel)
	c.Server.LogFormat = getEnv("LOG_FORMAT", c.Server.LogFormat)

	c.Database.Enabled = getBoolEnv("DB_ENABLED", c.Database.Enabled)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Qdrant.Enabled = getBoolEnv("QDRANT_ENABLED", c.Qdrant.Enabled)
	c.Qdrant.Collection = getEnv("QDRANT_COLLECTION", c.Qdrant.Collection)
	c.Qdrant.Host = getEnv("QDRANT_HOST", c.Qdrant.Host)
	c.Qdrant.Port = getIntEnv("QDRANT_PORT", c.Qdrant.Port)
	c.Qdrant.APIKey = getEnv("QDRANT_API_KEY", c.Qdrant.APIKey)
	c.Qdrant.UseTLS = getBoolEnv("QDRANT_USE_TLS", c.Qdrant.UseTLS)

	c.Redis.Enabled = getBoolEnv("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getIntEnv("REDIS_DB", c.Redis.DB)
	c.Redis.TTL = getDurationEnv("REDIS_TTL", c.Redis.TTL)

	c.Embedding.Provider = getEnv("EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.APIKey = getEnv("EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.BaseURL = getEnv("EMBEDDING_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.Dimension = getIntEnv("EMBEDDING_DIMENSION", c.Embedding.Dimension)
	c.Embedding.RequestsPerSecond = getIntEnv("EMBEDDING_RPS", c.Embedding.RequestsPerSecond)

	c.LLM.BaseURL = getEnv("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getEnv("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.Timeout = getDurationEnv("LLM_TIMEOUT", c.LLM.Timeout)
	c.LLM.MaxRetries = getIntEnv("LLM_MAX_RETRIES", c.LLM.MaxRetries)

	c.Rerank.Enabled = getBoolEnv("RERANK_ENABLED", c.Rerank.Enabled)
	c.Rerank.Endpoint = getEnv("RERANK_ENDPOINT", c.Rerank.Endpoint)
	c.Rerank.APIKey = getEnv("RERANK_API_KEY", c.Rerank.APIKey)
	c.Rerank.Model = getEnv("RERANK_MODEL", c.Rerank.Model)

	c.Memory.DefaultLimit = getIntEnv("MEMORY_DEFAULT_LIMIT", c.Memory.DefaultLimit)
	c.Memory.MinSimilarity = getFloatEnv("MEMORY_MIN_SIMILARITY", c.Memory.MinSimilarity)
	c.Memory.FanOutConcurrency = getIntEnv("MEMORY_FANOUT_CONCURRENCY", c.Memory.FanOutConcurrency)
	c.Memory.ConsolidationThreshold = getFloatEnv("MEMORY_CONSOLIDATION_THRESHOLD", c.Memory.ConsolidationThreshold)
}

// NewLogger builds the process logger from the server settings.
func (s ServerConfig) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(s.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}