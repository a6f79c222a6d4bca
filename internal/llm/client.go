package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"draftline/internal/config"
)

// ProviderError reports a failed call to a single generation backend.
// The router recovers from it by advancing the fallback chain.
type ProviderError struct {
	Provider string
	Model    string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s (%s): %v", e.Provider, e.Model, e.Err)
	}
	return fmt.Sprintf("provider %s (%s): %s", e.Provider, e.Model, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Client talks to one OpenAI-compatible chat-completions endpoint.
// Hosted backends and a local Ollama differ only in base URL and key.
type Client struct {
	name       string
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client from provider configuration. The API key
// is read from the configured environment variable; local backends
// leave it unset.
func NewClient(name string, cfg config.Provider) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	return &Client{
		name:       name,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string { return c.name }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate posts a system+user prompt pair and returns the completion.
func (c *Client) Generate(ctx context.Context, model, system, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: c.name, Model: model, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &ProviderError{
			Provider: c.name,
			Model:    model,
			Message:  fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(payload))),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &ProviderError{Provider: c.name, Model: model, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &ProviderError{Provider: c.name, Model: model, Message: "empty choices in response"}
	}
	content := parsed.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", &ProviderError{Provider: c.name, Model: model, Message: "empty completion"}
	}
	return content, nil
}
