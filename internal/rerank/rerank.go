// Package rerank provides a cross-encoder reranking client. It speaks the
// text-embeddings-inference /rerank protocol, which BGE and Cohere-style
// rerankers expose.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures the cross-encoder client.
type Config struct {
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	BatchSize int           `yaml:"batch_size"`
}

// DefaultConfig returns settings for a local TEI reranker.
func DefaultConfig() Config {
	return Config{
		Model:     "BAAI/bge-reranker-v2-m3",
		Timeout:   30 * time.Second,
		BatchSize: 32,
	}
}

// CrossEncoder scores query-document pairs with a hosted cross-encoder.
type CrossEncoder struct {
	config     Config
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewCrossEncoder(config Config, logger *logrus.Logger) *CrossEncoder {
	if logger == nil {
		logger = logrus.New()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	return &CrossEncoder{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

func (r *CrossEncoder) Name() string {
	return fmt.Sprintf("cross-encoder/%s", r.config.Model)
}

// Rerank returns one relevance score per document, aligned with the input
// order. Batches larger than the configured batch size are split.
func (r *CrossEncoder) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	scores := make([]float64, len(documents))
	for start := 0; start < len(documents); start += r.config.BatchSize {
		end := start + r.config.BatchSize
		if end > len(documents) {
			end = len(documents)
		}

		batch, err := r.scoreBatch(ctx, query, documents[start:end])
		if err != nil {
			return nil, err
		}
		copy(scores[start:end], batch)
	}
	return scores, nil
}

func (r *CrossEncoder) scoreBatch(ctx context.Context, query string, texts []string) ([]float64, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query": query,
		"texts": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.config.Endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, string(respBody))
	}

	// TEI answers with ranked pairs; index maps back to input position.
	var ranked []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ranked); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	scores := make([]float64, len(texts))
	for _, item := range ranked {
		if item.Index < 0 || item.Index >= len(scores) {
			return nil, fmt.Errorf("rerank index %d out of range", item.Index)
		}
		scores[item.Index] = item.Score
	}
	return scores, nil
}

// HealthCheck probes the reranker endpoint.
func (r *CrossEncoder) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.Endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reranker unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reranker unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
