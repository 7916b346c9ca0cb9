package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRerankAlignsScoresWithInput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)

		var req struct {
			Query string   `json:"query"`
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "favorite language", req.Query)

		// Ranked order differs from input order; index carries alignment.
		_, _ = w.Write([]byte(`[
			{"index": 2, "score": 0.95},
			{"index": 0, "score": 0.41},
			{"index": 1, "score": 0.12}
		]`))
	}))
	defer server.Close()

	encoder := NewCrossEncoder(Config{
		Endpoint: server.URL,
		Timeout:  2 * time.Second,
	}, nil)

	scores, err := encoder.Rerank(context.Background(), "favorite language", []string{
		"likes coffee",
		"owns a bike",
		"prefers Go for backend work",
	})
	require.NoError(t, err)

	require.Len(t, scores, 3)
	assert.InDelta(t, 0.41, scores[0], 1e-9)
	assert.InDelta(t, 0.12, scores[1], 1e-9)
	assert.InDelta(t, 0.95, scores[2], 1e-9)
}

func TestRerankBatches(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)

		var req struct {
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.LessOrEqual(t, len(req.Texts), 2)

		ranked := make([]map[string]interface{}, len(req.Texts))
		for i := range req.Texts {
			ranked[i] = map[string]interface{}{"index": i, "score": 0.5}
		}
		_ = json.NewEncoder(w).Encode(ranked)
	}))
	defer server.Close()

	encoder := NewCrossEncoder(Config{
		Endpoint:  server.URL,
		Timeout:   2 * time.Second,
		BatchSize: 2,
	}, nil)

	scores, err := encoder.Rerank(context.Background(), "q", []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, scores, 5)
	assert.Equal(t, int32(3), requests.Load())
}

func TestRerankEmptyInput(t *testing.T) {
	encoder := NewCrossEncoder(DefaultConfig(), nil)

	scores, err := encoder.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Nil(t, scores)
}

func TestRerankServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("model loading"))
	}))
	defer server.Close()

	encoder := NewCrossEncoder(Config{Endpoint: server.URL, Timeout: time.Second}, nil)

	_, err := encoder.Rerank(context.Background(), "q", []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestHealthCheck(t *testing.T) {
	healthy := atomic.Bool{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	encoder := NewCrossEncoder(Config{Endpoint: server.URL, Timeout: time.Second}, nil)

	require.Error(t, encoder.HealthCheck(context.Background()))

	healthy.Store(true)
	require.NoError(t, encoder.HealthCheck(context.Background()))
}
