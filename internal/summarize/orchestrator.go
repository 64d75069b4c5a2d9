// Package summarize condenses text through the provider gateway, using a
// two-phase map-reduce pipeline for inputs too large for a single pass.
package summarize

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/chunker"
	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

const mapPrompt = `Summarize the following text section concisely, keeping the key facts:

%s

Summary:`

const reducePrompt = `Combine the following section summaries into a single coherent summary of at most %d characters:

%s

Summary:`

const singlePrompt = `Summarize the following text in at most %d characters:

%s

Summary:`

type Config struct {
	SinglePassThreshold int
	MapChunkChars       int
	BatchWorkers        int
}

type Orchestrator struct {
	gateway *llm.Gateway
	cfg     Config
}

func NewOrchestrator(gateway *llm.Gateway, cfg Config) *Orchestrator {
	if cfg.SinglePassThreshold == 0 {
		cfg.SinglePassThreshold = 6000
	}
	if cfg.MapChunkChars == 0 {
		cfg.MapChunkChars = 4000
	}
	if cfg.BatchWorkers == 0 {
		cfg.BatchWorkers = 4
	}
	return &Orchestrator{gateway: gateway, cfg: cfg}
}

// Summarize produces a summary of at most maxLength characters (advisory; a
// model overshoot is trimmed at the nearest sentence boundary, never
// mid-word).
func (o *Orchestrator) Summarize(ctx context.Context, text string, maxLength int, preference []string) (*models.Summary, error) {
	startTime := time.Now()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("text must not be empty")
	}
	if maxLength < 1 {
		maxLength = 200
	}

	var (
		summary      string
		providerUsed string
		err          error
	)

	if len(text) > o.cfg.SinglePassThreshold {
		summary, providerUsed, err = o.mapReduce(ctx, text, maxLength, preference)
	} else {
		summary, providerUsed, err = o.gateway.Generate(ctx, fmt.Sprintf(singlePrompt, maxLength, text), preference)
	}
	if err != nil {
		metrics.QueryTotal.WithLabelValues("summarize", "error").Inc()
		return nil, err
	}

	summary = strings.TrimSpace(summary)
	if len(summary) > maxLength {
		summary = truncateAtSentence(summary, maxLength)
	}

	latency := int(time.Since(startTime).Milliseconds())
	metrics.QueryDuration.WithLabelValues("summarize").Observe(time.Since(startTime).Seconds())
	metrics.QueryTotal.WithLabelValues("summarize", "ok").Inc()

	logger.Info("Text summarized",
		zap.String("provider", providerUsed),
		zap.Int("original_chars", len(text)),
		zap.Int("summary_chars", len(summary)),
	)

	return &models.Summary{
		Summary:        summary,
		OriginalLength: len(text),
		SummaryLength:  len(summary),
		ProviderUsed:   providerUsed,
		LatencyMS:      latency,
	}, nil
}

// mapReduce summarizes each chunk independently and then condenses the
// concatenated partial summaries. The two phases are explicit so cancellation
// and partial failure stay tractable.
func (o *Orchestrator) mapReduce(ctx context.Context, text string, maxLength int, preference []string) (string, string, error) {
	segments, err := chunker.Split(text, o.cfg.MapChunkChars, 0)
	if err != nil {
		return "", "", fmt.Errorf("failed to chunk text for summarization: %w", err)
	}

	partials := make([]string, len(segments))
	errs := make([]error, len(segments))
	sem := make(chan struct{}, o.cfg.BatchWorkers)

	var wg sync.WaitGroup
	for i, segment := range segments {
		wg.Add(1)
		go func(i int, segment string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			partial, _, genErr := o.gateway.Generate(ctx, fmt.Sprintf(mapPrompt, segment), preference)
			partials[i] = strings.TrimSpace(partial)
			errs[i] = genErr
		}(i, segment)
	}
	wg.Wait()

	for i, mapErr := range errs {
		if mapErr != nil {
			return "", "", fmt.Errorf("map phase failed on section %d: %w", i, mapErr)
		}
	}

	combined := strings.Join(partials, "\n\n")
	summary, providerUsed, err := o.gateway.Generate(ctx, fmt.Sprintf(reducePrompt, maxLength, combined), preference)
	if err != nil {
		return "", "", fmt.Errorf("reduce phase failed: %w", err)
	}

	return summary, providerUsed, nil
}

// BatchResult pairs a summary with the error that replaced it. Exactly one of
// the two fields is set.
type BatchResult struct {
	Summary *models.Summary
	Err     error
}

// SummarizeBatch summarizes the texts concurrently over a bounded worker
// pool. Results preserve input order; one failing item does not abort the
// others.
func (o *Orchestrator) SummarizeBatch(ctx context.Context, texts []string, maxLength int, preference []string) []BatchResult {
	results := make([]BatchResult, len(texts))
	sem := make(chan struct{}, o.cfg.BatchWorkers)

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			summary, err := o.Summarize(ctx, text, maxLength, preference)
			results[i] = BatchResult{Summary: summary, Err: err}
		}(i, text)
	}
	wg.Wait()

	return results
}

// truncateAtSentence keeps whole sentences up to max characters. When not
// even the first sentence fits it falls back to the last word boundary.
func truncateAtSentence(text string, max int) string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err == nil {
		var builder strings.Builder
		for _, sentence := range doc.Sentences() {
			candidate := len(builder.String()) + len(sentence.Text)
			if builder.Len() > 0 {
				candidate++
			}
			if candidate > max {
				break
			}
			if builder.Len() > 0 {
				builder.WriteString(" ")
			}
			builder.WriteString(sentence.Text)
		}
		if builder.Len() > 0 {
			return builder.String()
		}
	}

	if max >= len(text) {
		return text
	}
	cut := strings.LastIndexAny(text[:max], " \t\n")
	if cut <= 0 {
		cut = max
	}
	return strings.TrimSpace(text[:cut])
}
