package provider

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/circuitbreaker"
	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/retry"
)

const openAIEmbedBatchSize = 100

type OpenAIConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	EmbeddingDim   int
	Temperature    float32
	MaxTokens      int
}

// OpenAIProvider implements both Embedder and Generator on top of the OpenAI
// API, with retries and a circuit breaker around every remote call.
type OpenAIProvider struct {
	client      *openai.Client
	cfg         OpenAIConfig
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	cb := circuitbreaker.NewCircuitBreaker("openai", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	return &OpenAIProvider{
		client:      openai.NewClient(cfg.APIKey),
		cfg:         cfg,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Dimension() int {
	return p.cfg.EmbeddingDim
}

func (p *OpenAIProvider) Fingerprint() string {
	return fmt.Sprintf("openai/%s/%d", p.cfg.EmbeddingModel, p.cfg.EmbeddingDim)
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))

	for offset := 0; offset < len(texts); offset += openAIEmbedBatchSize {
		end := offset + openAIEmbedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[offset:end]

		var resp openai.EmbeddingResponse
		err := p.cb.Execute(ctx, func() error {
			return retry.Do(ctx, p.retryConfig, func() error {
				var callErr error
				resp, callErr = p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(p.cfg.EmbeddingModel),
				})
				if callErr != nil {
					return fmt.Errorf("failed to create embeddings: %w", callErr)
				}
				return nil
			})
		})
		if err != nil {
			return nil, &models.EmbeddingError{Index: offset, Err: err}
		}

		if len(resp.Data) != len(batch) {
			return nil, &models.EmbeddingError{
				Index: offset,
				Err:   fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(batch)),
			}
		}

		for i, data := range resp.Data {
			if len(data.Embedding) != p.cfg.EmbeddingDim {
				return nil, &models.EmbeddingError{
					Index: offset + i,
					Err: fmt.Errorf("%w: got dimension %d, want %d",
						models.ErrDimensionMismatch, len(data.Embedding), p.cfg.EmbeddingDim),
				}
			}
			vector := make([]float32, len(data.Embedding))
			copy(vector, data.Embedding)
			vectors = append(vectors, vector)
		}
	}

	logger.Debug("Batch embeddings generated",
		zap.String("provider", "openai"),
		zap.Int("count", len(vectors)),
	)

	return vectors, nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, prompt string) (string, error) {
	var result string

	err := p.cb.Execute(ctx, func() error {
		return retry.Do(ctx, p.retryConfig, func() error {
			resp, callErr := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model: p.cfg.Model,
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleUser, Content: prompt},
				},
				Temperature: p.cfg.Temperature,
				MaxTokens:   p.cfg.MaxTokens,
			})
			if callErr != nil {
				return fmt.Errorf("failed to create completion: %w", callErr)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			logger.Debug("LLM completion generated",
				zap.String("provider", "openai"),
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = resp.Choices[0].Message.Content
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	return result, nil
}

func (p *OpenAIProvider) Healthy(ctx context.Context) error {
	_, err := p.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("openai health check failed: %w", err)
	}
	return nil
}
