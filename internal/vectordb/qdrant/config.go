package qdrant

import (
	"fmt"
	"time"
)

// Distance is the similarity metric a collection is built with.
type Distance string

const (
	DistanceCosine    Distance = "Cosine"
	DistanceEuclid    Distance = "Euclid"
	DistanceDot       Distance = "Dot"
	DistanceManhattan Distance = "Manhattan"
)

// Config holds connection settings for the Qdrant REST API.
type Config struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	APIKey     string        `yaml:"api_key"`
	UseTLS     bool          `yaml:"use_tls"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultConfig returns settings for a local Qdrant instance.
func DefaultConfig() *Config {
	return &Config{
		Host:       "localhost",
		Port:       6333,
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Validate checks the config for values the client cannot work with.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	return nil
}

// BaseURL returns the REST endpoint root, e.g. "http://localhost:6333".
func (c *Config) BaseURL() string {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// CollectionConfig describes a collection to create.
type CollectionConfig struct {
	Name              string
	VectorSize        int
	Distance          Distance
	OnDiskPayload     bool
	IndexingThreshold int
	ShardNumber       int
	ReplicationFactor int
}

// DefaultCollectionConfig returns a cosine-distance collection config.
func DefaultCollectionConfig(name string, vectorSize int) *CollectionConfig {
	return &CollectionConfig{
		Name:              name,
		VectorSize:        vectorSize,
		Distance:          DistanceCosine,
		IndexingThreshold: 20000,
		ShardNumber:       1,
		ReplicationFactor: 1,
	}
}

func (c *CollectionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("collection name is required")
	}
	if c.VectorSize < 1 {
		return fmt.Errorf("vector_size must be at least 1")
	}
	switch c.Distance {
	case DistanceCosine, DistanceEuclid, DistanceDot, DistanceManhattan:
	default:
		return fmt.Errorf("invalid distance metric: %q", c.Distance)
	}
	return nil
}

// WithDistance overrides the similarity metric.
func (c *CollectionConfig) WithDistance(d Distance) *CollectionConfig {
	c.Distance = d
	return c
}

// WithOnDiskPayload stores payloads on disk instead of RAM.
func (c *CollectionConfig) WithOnDiskPayload() *CollectionConfig {
	c.OnDiskPayload = true
	return c
}

// WithIndexingThreshold sets the vector count at which HNSW indexing kicks in.
func (c *CollectionConfig) WithIndexingThreshold(n int) *CollectionConfig {
	c.IndexingThreshold = n
	return c
}

// SearchOptions control a single similarity search.
type SearchOptions struct {
	Limit          int
	Offset         int
	ScoreThreshold float32
	WithPayload    bool
	WithVectors    bool
	Filter         map[string]interface{}
}

// DefaultSearchOptions returns payload-bearing search options.
func DefaultSearchOptions() *SearchOptions {
	return &SearchOptions{
		Limit:       10,
		WithPayload: true,
	}
}

func (o *SearchOptions) WithLimit(n int) *SearchOptions {
	o.Limit = n
	return o
}

func (o *SearchOptions) WithOffset(n int) *SearchOptions {
	o.Offset = n
	return o
}

func (o *SearchOptions) WithScoreThreshold(t float32) *SearchOptions {
	o.ScoreThreshold = t
	return o
}

func (o *SearchOptions) WithVectorsEnabled() *SearchOptions {
	o.WithVectors = true
	return o
}

// WithFilter attaches a Qdrant filter document (must/should clauses).
func (o *SearchOptions) WithFilter(filter map[string]interface{}) *SearchOptions {
	o.Filter = filter
	return o
}
