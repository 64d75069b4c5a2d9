package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/circuitbreaker"
	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/retry"
)

type OllamaConfig struct {
	Host           string
	Model          string
	EmbeddingModel string
	EmbeddingDim   int
}

// OllamaProvider talks to a local Ollama server over its HTTP API. It
// implements both Embedder and Generator.
type OllamaProvider struct {
	host        string
	cfg         OllamaConfig
	client      *http.Client
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewOllama(cfg OllamaConfig) *OllamaProvider {
	host := strings.TrimRight(cfg.Host, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	cb := circuitbreaker.NewCircuitBreaker("ollama", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	return &OllamaProvider{
		host:        host,
		cfg:         cfg,
		client:      &http.Client{},
		cb:          cb,
		retryConfig: retry.DefaultConfig(),
	}
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

func (p *OllamaProvider) Dimension() int {
	return p.cfg.EmbeddingDim
}

func (p *OllamaProvider) Fingerprint() string {
	return fmt.Sprintf("ollama/%s/%d", p.cfg.EmbeddingModel, p.cfg.EmbeddingDim)
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error"`
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32

	err := p.cb.Execute(ctx, func() error {
		return retry.Do(ctx, p.retryConfig, func() error {
			var callErr error
			vector, callErr = p.embedOnce(ctx, text)
			return callErr
		})
	})
	if err != nil {
		return nil, err
	}

	return vector, nil
}

// EmbedBatch embeds each text in input order. The Ollama embeddings endpoint
// is single-input, so a failure carries the exact index that failed.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))

	for i, text := range texts {
		vector, err := p.Embed(ctx, text)
		if err != nil {
			return nil, &models.EmbeddingError{Index: i, Err: err}
		}
		vectors = append(vectors, vector)
	}

	return vectors, nil
}

func (p *OllamaProvider) embedOnce(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{
		Model:  p.cfg.EmbeddingModel,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama embed request: %w", err)
	}

	parsed := ollamaEmbedResponse{}
	if err := p.post(ctx, "/api/embeddings", body, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("ollama embed error: %s", parsed.Error)
	}

	if len(parsed.Embedding) != p.cfg.EmbeddingDim {
		return nil, fmt.Errorf("%w: got dimension %d, want %d",
			models.ErrDimensionMismatch, len(parsed.Embedding), p.cfg.EmbeddingDim)
	}

	vector := make([]float32, len(parsed.Embedding))
	for i, v := range parsed.Embedding {
		vector[i] = float32(v)
	}
	return vector, nil
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

func (p *OllamaProvider) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    p.cfg.Model,
		Messages: []ollamaChatMessage{{Role: "user", Content: prompt}},
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal ollama chat request: %w", err)
	}

	var parsed ollamaChatResponse
	err = p.cb.Execute(ctx, func() error {
		return retry.Do(ctx, p.retryConfig, func() error {
			return p.post(ctx, "/api/chat", body, &parsed)
		})
	})
	if err != nil {
		return "", err
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama chat error: %s", parsed.Error)
	}

	return parsed.Message.Content, nil
}

func (p *OllamaProvider) post(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("call ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, readErr := io.ReadAll(resp.Body)
		if readErr == nil && len(data) > 0 {
			return fmt.Errorf("ollama API error: %s", string(data))
		}
		return fmt.Errorf("ollama API returned status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ollama response: %w", err)
	}
	return nil
}

func (p *OllamaProvider) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.host+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create ollama health request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ollama health check returned status %s", resp.Status)
	}
	return nil
}
