// Package ollama implements inference.Engine over a local Ollama
// server, adapted from the teacher's OllamaClient and OllamaEmbedder
// HTTP clients. This is the default on-premise engine: no external
// credentials, just a reachable daemon.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"modelgate/internal/config"
	"modelgate/internal/inference"
)

// Client is an inference.Engine backed by a local Ollama server.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	model          string
	embeddingModel string
}

// New creates an Ollama client from cfg.
func New(cfg config.OllamaConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "llama3"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "nomic-embed-text"
	}

	return &Client{
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		baseURL:        baseURL,
		model:          model,
		embeddingModel: embeddingModel,
	}
}

// Loaded always reports true: Ollama has no credential to validate
// up front, readiness is only observable by a failed call.
func (c *Client) Loaded() bool { return true }

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate calls Ollama's /api/generate in non-streaming mode.
func (c *Client) Generate(ctx context.Context, req inference.GenerateRequest) (string, error) {
	body := generateRequest{
		Model:  c.model,
		Prompt: req.Prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": req.Temperature,
			"top_p":       req.TopP,
			"num_predict": req.MaxTokens,
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("ollama: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("ollama: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama: status %s: %s", resp.Status, string(b))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ollama: decoding response: %w", err)
	}
	return out.Response, nil
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed calls Ollama's /api/embeddings.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: c.embeddingModel, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshaling embed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama: building embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama: embed status %s: %s", resp.Status, string(b))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama: decoding embed response: %w", err)
	}

	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
