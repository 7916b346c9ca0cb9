// Package llm provides the chat-completion client used for memory
// extraction, relationship verdicts and consolidation summaries.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// GenerateRequest is a single chat completion call.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Client generates text from a prompt.
type Client interface {
	Generate(ctx context.Context, req *GenerateRequest) (string, error)
	Name() string
}

// Config configures the OpenAI-compatible client. BaseURL may point at any
// endpoint speaking the /chat/completions protocol (OpenAI, vLLM, Ollama,
// LM Studio, llama.cpp server).
type Config struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DefaultConfig returns settings for the OpenAI API.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://api.openai.com/v1",
		Model:        "gpt-4o-mini",
		Timeout:      60 * time.Second,
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// OpenAIClient talks to an OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	config     Config
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewOpenAIClient(config Config, logger *logrus.Logger) *OpenAIClient {
	if logger == nil {
		logger = logrus.New()
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	return &OpenAIClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

func (c *OpenAIClient) Name() string {
	return fmt.Sprintf("openai/%s", c.config.Model)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Jitter keeps concurrent retries from synchronizing on the same schedule.
func jitteredDelay(base time.Duration) time.Duration {
	jitter := (rand.Float64() - 0.5) * 0.2 * float64(base) // #nosec G404
	d := time.Duration(float64(base) + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// Generate runs one chat completion, retrying rate limits and server errors
// with exponential backoff.
func (c *OpenAIClient) Generate(ctx context.Context, req *GenerateRequest) (string, error) {
	messages := make([]map[string]string, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	body := map[string]interface{}{
		"model":       c.config.Model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	delay := c.config.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"delay":   delay.String(),
			}).Debug("Retrying LLM request")

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(jitteredDelay(delay)):
			}

			delay = time.Duration(float64(delay) * 2)
			if delay > c.config.MaxDelay {
				delay = c.config.MaxDelay
			}
		}

		text, retry, err := c.doGenerate(ctx, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retry {
			return "", err
		}
	}

	return "", fmt.Errorf("all %d attempts failed: %w", c.config.MaxRetries+1, lastErr)
}

func (c *OpenAIClient) doGenerate(ctx context.Context, payload []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", true, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("LLM API error: %s - %s", resp.Status, string(respBody))
		return "", retryableStatus(resp.StatusCode), err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", false, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", false, fmt.Errorf("no choices in response")
	}

	return result.Choices[0].Message.Content, false, nil
}
