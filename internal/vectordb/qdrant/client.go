// Package qdrant is a thin client for the Qdrant REST API covering the
// operations the memory engine needs: collection management, point upsert,
// filtered similarity search and point deletion.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Client talks to a single Qdrant instance over HTTP.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *logrus.Logger

	mu        sync.RWMutex
	connected bool
}

// NewClient validates the config and returns an unconnected client.
func NewClient(config *Config, logger *logrus.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid qdrant config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}, nil
}

// Connect probes the instance and marks the client usable.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	if err := c.healthProbe(ctx); err != nil {
		return fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	c.connected = true
	c.logger.WithFields(logrus.Fields{
		"host": c.config.Host,
		"port": c.config.Port,
	}).Info("Connected to Qdrant")
	return nil
}

// Close marks the client as disconnected. The underlying transport keeps its
// idle connections until garbage collected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

// IsConnected reports whether Connect has succeeded.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// HealthCheck verifies the instance answers on its root endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.healthProbe(ctx)
}

// The root endpoint works across Qdrant versions; /health was removed in 1.16.
func (c *Client) healthProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.config.APIKey != "" {
		req.Header.Set("api-key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

// doRequest sends one JSON request, retrying transient failures. Responses
// with status >= 400 other than 5xx are returned without retry.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
	}

	url := c.config.BaseURL() + path

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.config.APIKey != "" {
			req.Header.Set("api-key", c.config.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
			continue
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
		}
		return respBody, nil
	}

	return nil, lastErr
}

func (c *Client) requireConnected() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return fmt.Errorf("not connected to Qdrant")
	}
	return nil
}

// CreateCollection creates a new vector collection.
func (c *Client) CreateCollection(ctx context.Context, config *CollectionConfig) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid collection config: %w", err)
	}

	reqBody := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     config.VectorSize,
			"distance": string(config.Distance),
		},
	}
	if config.OnDiskPayload {
		reqBody["on_disk_payload"] = true
	}
	if config.IndexingThreshold > 0 {
		reqBody["optimizers_config"] = map[string]interface{}{
			"indexing_threshold": config.IndexingThreshold,
		}
	}
	if config.ShardNumber > 1 {
		reqBody["shard_number"] = config.ShardNumber
	}
	if config.ReplicationFactor > 1 {
		reqBody["replication_factor"] = config.ReplicationFactor
	}

	if _, err := c.doRequest(ctx, http.MethodPut, "/collections/"+config.Name, reqBody); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	c.logger.WithField("collection", config.Name).Info("Collection created")
	return nil
}

// DeleteCollection removes a collection and all its points.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	if err := c.requireConnected(); err != nil {
		return err
	}

	if _, err := c.doRequest(ctx, http.MethodDelete, "/collections/"+name, nil); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}

	c.logger.WithField("collection", name).Info("Collection deleted")
	return nil
}

// CollectionExists reports whether the named collection is present.
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := c.requireConnected(); err != nil {
		return false, err
	}

	if _, err := c.doRequest(ctx, http.MethodGet, "/collections/"+name, nil); err != nil {
		return false, nil
	}
	return true, nil
}

// EnsureCollection creates the collection if it does not exist yet.
func (c *Client) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	exists, err := c.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.CreateCollection(ctx, DefaultCollectionConfig(name, vectorSize))
}

// Point is a stored vector with its payload.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ScoredPoint is a search result.
type ScoredPoint struct {
	ID      string                 `json:"id"`
	Score   float32                `json:"score"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Vector  []float32              `json:"vector,omitempty"`
}

// UpsertPoints inserts or replaces points. Points without an ID get one.
func (c *Client) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	for i := range points {
		if points[i].ID == "" {
			points[i].ID = uuid.New().String()
		}
	}

	reqBody := map[string]interface{}{"points": points}
	path := fmt.Sprintf("/collections/%s/points?wait=true", collection)
	if _, err := c.doRequest(ctx, http.MethodPut, path, reqBody); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"collection": collection,
		"count":      len(points),
	}).Debug("Points upserted")
	return nil
}

// DeletePoints removes points by ID.
func (c *Client) DeletePoints(ctx context.Context, collection string, ids []string) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	reqBody := map[string]interface{}{"points": ids}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", collection)
	if _, err := c.doRequest(ctx, http.MethodPost, path, reqBody); err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"collection": collection,
		"count":      len(ids),
	}).Debug("Points deleted")
	return nil
}

// Search runs a similarity query against a collection.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, opts *SearchOptions) ([]ScoredPoint, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = DefaultSearchOptions()
	}

	reqBody := map[string]interface{}{
		"vector":       vector,
		"limit":        opts.Limit,
		"offset":       opts.Offset,
		"with_payload": opts.WithPayload,
		"with_vector":  opts.WithVectors,
	}
	if opts.ScoreThreshold > 0 {
		reqBody["score_threshold"] = opts.ScoreThreshold
	}
	if opts.Filter != nil {
		reqBody["filter"] = opts.Filter
	}

	path := fmt.Sprintf("/collections/%s/points/search", collection)
	respBody, err := c.doRequest(ctx, http.MethodPost, path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var response struct {
		Result []ScoredPoint `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return response.Result, nil
}

// CountPoints returns the exact number of points in a collection.
func (c *Client) CountPoints(ctx context.Context, collection string) (int64, error) {
	if err := c.requireConnected(); err != nil {
		return 0, err
	}

	reqBody := map[string]interface{}{"exact": true}
	path := fmt.Sprintf("/collections/%s/points/count", collection)
	respBody, err := c.doRequest(ctx, http.MethodPost, path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}

	var response struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return 0, fmt.Errorf("failed to parse response: %w", err)
	}
	return response.Result.Count, nil
}
