// Package embedding provides embedding providers for the memory engine:
// an OpenAI-compatible client, an Ollama client, and a caching decorator.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/engramhq/engram/internal/concurrency"
)

// Config configures an embedding provider.
type Config struct {
	Provider     string        `yaml:"provider"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Dimension    int           `yaml:"dimension"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBatchSize int           `yaml:"max_batch_size"`

	// RequestsPerSecond throttles outgoing calls when > 0.
	RequestsPerSecond int `yaml:"requests_per_second"`

	// BatchConcurrency bounds parallel single-text calls for providers
	// without a native batch endpoint.
	BatchConcurrency int `yaml:"batch_concurrency"`
}

// DefaultConfig returns settings for an OpenAI-compatible endpoint.
func DefaultConfig() Config {
	return Config{
		Provider:     "openai",
		Model:        "text-embedding-3-small",
		BaseURL:      "https://api.openai.com/v1",
		Dimension:    1536,
		Timeout:      30 * time.Second,
		MaxBatchSize: 100,
	}
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	config     Config
	httpClient *http.Client
	limiter    *concurrency.RateLimiter
	logger     *logrus.Logger
}

// NewOpenAIEmbedder creates an embedder for any OpenAI-compatible API.
func NewOpenAIEmbedder(config Config, logger *logrus.Logger) *OpenAIEmbedder {
	if logger == nil {
		logger = logrus.New()
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 100
	}
	if config.Dimension <= 0 {
		config.Dimension = 1536
	}

	var limiter *concurrency.RateLimiter
	if config.RequestsPerSecond > 0 {
		limiter = concurrency.NewRateLimiter(config.RequestsPerSecond)
	}

	return &OpenAIEmbedder{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		logger:     logger,
	}
}

func (e *OpenAIEmbedder) Name() string {
	return fmt.Sprintf("openai/%s", e.config.Model)
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.config.Dimension
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts, chunking requests to
// the configured batch size.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.MaxBatchSize {
		end := start + e.config.MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunk, err := e.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, chunk...)
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(map[string]interface{}{
		"input": texts,
		"model": e.config.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding API error: %s - %s", resp.Status, string(respBody))
	}

	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(result.Data), len(texts))
	}

	// The API may return items out of order; index is authoritative.
	vectors := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) Close() error {
	if e.limiter != nil {
		e.limiter.Stop()
	}
	return nil
}

// OllamaEmbedder calls a local Ollama /api/embeddings endpoint. Ollama
// embeds one prompt per request, so batches loop.
type OllamaEmbedder struct {
	config     Config
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewOllamaEmbedder(config Config, logger *logrus.Logger) *OllamaEmbedder {
	if logger == nil {
		logger = logrus.New()
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "nomic-embed-text"
	}
	if config.Dimension <= 0 {
		config.Dimension = 768
	}
	return &OllamaEmbedder{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

func (e *OllamaEmbedder) Name() string {
	return fmt.Sprintf("ollama/%s", e.config.Model)
}

func (e *OllamaEmbedder) Dimension() int {
	return e.config.Dimension
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":  e.config.Model,
		"prompt": text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.config.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error: %s - %s", resp.Status, string(respBody))
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return result.Embedding, nil
}

// EmbedBatch embeds texts with bounded parallel single-prompt calls, since
// Ollama has no batch endpoint.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	workers := e.config.BatchConcurrency
	if workers <= 0 {
		workers = 4
	}
	sem := concurrency.NewSemaphore(workers)

	vectors := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	var wg sync.WaitGroup
	for i, text := range texts {
		if err := sem.Acquire(ctx); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			defer sem.Release()
			vectors[i], errs[i] = e.Embed(ctx, text)
		}(i, text)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
	}
	return vectors, nil
}

func (e *OllamaEmbedder) Close() error {
	return nil
}
