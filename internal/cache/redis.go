// Package cache provides embedding-vector caches: a Redis-backed cache for
// sharing across processes and an in-process cache for single-node setups.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisKeyPrefix = "engram:emb:"

// RedisConfig holds connection settings for the vector cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// VectorCache stores embedding vectors in Redis. Lookups and writes are
// best-effort: Redis being down degrades to cache misses, never to errors.
type VectorCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewVectorCache connects to Redis and verifies it with a ping.
func NewVectorCache(ctx context.Context, cfg RedisConfig, logger *logrus.Logger) (*VectorCache, error) {
	if logger == nil {
		logger = logrus.New()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	logger.WithField("addr", cfg.Addr).Info("Connected to Redis vector cache")
	return &VectorCache{client: client, ttl: ttl, logger: logger}, nil
}

// Get returns the cached vector for key, or false on miss or Redis failure.
func (c *VectorCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).Debug("Vector cache get failed")
		}
		return nil, false
	}

	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		c.logger.WithError(err).Warn("Corrupt vector cache entry, dropping")
		c.client.Del(ctx, redisKeyPrefix+key)
		return nil, false
	}
	return vector, true
}

// Set stores a vector under key with the configured TTL.
func (c *VectorCache) Set(ctx context.Context, key string, vector []float32) {
	data, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Debug("Vector cache set failed")
	}
}

// Ping reports whether Redis is reachable.
func (c *VectorCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *VectorCache) Close() error {
	return c.client.Close()
}
