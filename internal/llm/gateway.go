// Package llm routes generation requests across an ordered provider fallback
// chain.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/provider"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

type GatewayConfig struct {
	// AttemptTimeout bounds each individual provider call.
	AttemptTimeout time.Duration
	// ChainTimeout is the hard ceiling across the whole fallback chain.
	ChainTimeout time.Duration
	// DefaultPreference orders the chain when the caller supplies no
	// preference. Empty means registry priority order.
	DefaultPreference []string
}

type Gateway struct {
	registry *provider.Registry
	cfg      GatewayConfig
}

func NewGateway(registry *provider.Registry, cfg GatewayConfig) *Gateway {
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	if cfg.ChainTimeout == 0 {
		cfg.ChainTimeout = 3 * cfg.AttemptTimeout
	}
	return &Gateway{registry: registry, cfg: cfg}
}

// Generate tries each provider in preference order until one returns a
// completion. Output from a failed attempt is discarded; only when every
// provider fails does the accumulated error list surface as an
// ExhaustedError. Caller cancellation aborts the chain immediately.
func (g *Gateway) Generate(ctx context.Context, prompt string, preference []string) (string, string, error) {
	if len(preference) == 0 {
		preference = g.cfg.DefaultPreference
	}
	generators := g.registry.Generators(preference)
	if len(generators) == 0 {
		return "", "", &models.ExhaustedError{Errors: []models.ProviderError{
			{Provider: "none", Err: fmt.Errorf("no generation providers configured for preference %v", preference)},
		}}
	}

	chainCtx, cancel := context.WithTimeout(ctx, g.cfg.ChainTimeout)
	defer cancel()

	var failures []models.ProviderError

	for _, gen := range generators {
		attemptCtx, attemptCancel := context.WithTimeout(chainCtx, g.cfg.AttemptTimeout)
		text, err := gen.Generate(attemptCtx, prompt)
		attemptCancel()

		if err == nil {
			metrics.ProviderAttempts.WithLabelValues(gen.Name(), "ok").Inc()
			logger.Debug("Generation succeeded",
				zap.String("provider", gen.Name()),
				zap.Int("response_chars", len(text)),
			)
			return text, gen.Name(), nil
		}

		metrics.ProviderAttempts.WithLabelValues(gen.Name(), "error").Inc()

		// The caller going away is not a provider failure; stop the chain
		// rather than burning the remaining providers.
		if ctx.Err() != nil {
			return "", "", fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) && chainCtx.Err() != nil {
			failures = append(failures, models.ProviderError{
				Provider: gen.Name(),
				Err:      fmt.Errorf("chain timeout exceeded: %w", err),
			})
			break
		}

		logger.Warn("Provider failed, trying next",
			zap.String("provider", gen.Name()),
			zap.Error(err),
		)
		failures = append(failures, models.ProviderError{Provider: gen.Name(), Err: err})
	}

	return "", "", &models.ExhaustedError{Errors: failures}
}
