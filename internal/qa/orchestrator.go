// Package qa answers natural-language questions over ingested documents by
// retrieving relevant chunks and conditioning a generation provider on them.
package qa

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/docqa/backend/internal/cache/redis"
	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/provider"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/internal/vector"
	"github.com/docqa/backend/pkg/logger"
)

// NoContextMarker is passed to the model when retrieval finds nothing, so it
// can say it does not know instead of hallucinating.
const NoContextMarker = "NO RELEVANT CONTEXT FOUND"

const answerPrompt = `You are a document question-answering assistant. Answer the question using ONLY the provided context. If the context is "%s" or does not contain the answer, say that the documents do not cover the question.

Context:
%s

Question: %s

Answer:`

type Config struct {
	DefaultTopK       int
	ContextCharBudget int
	BatchWorkers      int
}

type Orchestrator struct {
	store    *sqlite.Store
	index    vector.Index
	registry *provider.Registry
	gateway  *llm.Gateway
	cache    *redis.Client
	cfg      Config
}

func NewOrchestrator(store *sqlite.Store, index vector.Index, registry *provider.Registry, gateway *llm.Gateway, cache *redis.Client, cfg Config) *Orchestrator {
	if cfg.DefaultTopK == 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.ContextCharBudget == 0 {
		cfg.ContextCharBudget = 8000
	}
	if cfg.BatchWorkers == 0 {
		cfg.BatchWorkers = 4
	}
	return &Orchestrator{
		store:    store,
		index:    index,
		registry: registry,
		gateway:  gateway,
		cache:    cache,
		cfg:      cfg,
	}
}

// Answer retrieves the top-k chunks across the given documents and asks the
// gateway for an answer, returning the chunk ids actually included in the
// prompt as citations.
func (o *Orchestrator) Answer(ctx context.Context, question string, docIDs []string, k int, preference []string) (*models.Answer, error) {
	startTime := time.Now()

	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question must not be empty")
	}
	if len(docIDs) == 0 {
		return nil, fmt.Errorf("document id set must not be empty")
	}
	if k < 1 {
		k = o.cfg.DefaultTopK
	}

	emb, err := o.embedderFor(docIDs)
	if err != nil {
		return nil, err
	}

	queryVector, err := o.embedQuestion(ctx, emb, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	results, err := o.index.Search(ctx, queryVector, k, docIDs)
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}

	metrics.RetrievedChunks.Observe(float64(len(results)))

	contextText, citations, err := o.assembleContext(results)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(answerPrompt, NoContextMarker, contextText, question)

	answerText, providerUsed, err := o.gateway.Generate(ctx, prompt, preference)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("qa", "error").Inc()
		return nil, err
	}

	latency := int(time.Since(startTime).Milliseconds())
	metrics.QueryDuration.WithLabelValues("qa").Observe(time.Since(startTime).Seconds())
	metrics.QueryTotal.WithLabelValues("qa", "ok").Inc()

	logger.Info("Question answered",
		zap.String("provider", providerUsed),
		zap.Int("citations", len(citations)),
		zap.Int("latency_ms", latency),
	)

	return &models.Answer{
		Question:     question,
		DocumentIDs:  docIDs,
		Answer:       answerText,
		Citations:    citations,
		ProviderUsed: providerUsed,
		LatencyMS:    latency,
		CreatedAt:    time.Now(),
	}, nil
}

// embedderFor resolves the embedding provider matching the documents'
// recorded embedding configuration. Documents spanning incompatible
// configurations are rejected.
func (o *Orchestrator) embedderFor(docIDs []string) (provider.Embedder, error) {
	fingerprint := ""
	for _, id := range docIDs {
		doc, err := o.store.GetDocument(id)
		if err != nil {
			return nil, err
		}
		if doc.Fingerprint == "" {
			continue
		}
		if fingerprint == "" {
			fingerprint = doc.Fingerprint
		} else if fingerprint != doc.Fingerprint {
			return nil, fmt.Errorf("%w: documents span embedding configurations %q and %q",
				models.ErrDimensionMismatch, fingerprint, doc.Fingerprint)
		}
	}

	if fingerprint == "" {
		emb, ok := o.registry.Embedder("")
		if !ok {
			return nil, fmt.Errorf("no embedding provider configured")
		}
		return emb, nil
	}

	for _, desc := range o.registry.Snapshot() {
		if desc.Kind != models.KindEmbedding {
			continue
		}
		emb, ok := o.registry.Embedder(desc.Name)
		if ok && emb.Fingerprint() == fingerprint {
			return emb, nil
		}
	}

	return nil, fmt.Errorf("%w: no embedding provider matches configuration %q",
		models.ErrDimensionMismatch, fingerprint)
}

func (o *Orchestrator) embedQuestion(ctx context.Context, emb provider.Embedder, question string) ([]float32, error) {
	key := redis.Key(emb.Fingerprint(), question)
	if vec, ok := o.cache.GetEmbedding(ctx, key); ok {
		return vec, nil
	}

	vec, err := emb.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	o.cache.SetEmbedding(ctx, key, vec)
	return vec, nil
}

// assembleContext concatenates retrieved chunk texts in descending-score
// order under the character budget, dropping the lowest-scoring chunks when
// the budget runs out.
func (o *Orchestrator) assembleContext(results []vector.SearchResult) (string, []models.Citation, error) {
	if len(results) == 0 {
		return NoContextMarker, []models.Citation{}, nil
	}

	var builder strings.Builder
	citations := make([]models.Citation, 0, len(results))
	used := 0

	for i, result := range results {
		chunk, err := o.store.GetChunk(result.ChunkID)
		if err != nil {
			return "", nil, fmt.Errorf("citation lookup failed: %w", err)
		}

		cost := len(chunk.Text) + 2
		if used+cost > o.cfg.ContextCharBudget {
			if i == 0 {
				// A single oversized chunk is truncated rather than losing
				// all context. The cut never exceeds the text and never
				// splits a multi-byte rune.
				cut := o.cfg.ContextCharBudget
				if cut >= len(chunk.Text) {
					cut = len(chunk.Text)
				} else {
					for cut > 0 && !utf8.RuneStart(chunk.Text[cut]) {
						cut--
					}
				}
				builder.WriteString(chunk.Text[:cut])
				citations = append(citations, models.Citation{
					ChunkID: result.ChunkID,
					DocID:   result.DocID,
					Score:   result.Score,
				})
			}
			break
		}

		if i > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(chunk.Text)
		used += cost

		citations = append(citations, models.Citation{
			ChunkID: result.ChunkID,
			DocID:   result.DocID,
			Score:   result.Score,
		})
	}

	return builder.String(), citations, nil
}

// BatchResult pairs an answer with the error that replaced it. Exactly one of
// the two fields is set.
type BatchResult struct {
	Answer *models.Answer
	Err    error
}

// AnswerBatch answers the questions concurrently over a bounded worker pool.
// Results preserve input order; each item fails independently.
func (o *Orchestrator) AnswerBatch(ctx context.Context, questions []string, docIDs []string, k int, preference []string) ([]BatchResult, error) {
	if len(docIDs) == 0 {
		return nil, fmt.Errorf("document id set must not be empty")
	}

	results := make([]BatchResult, len(questions))
	sem := make(chan struct{}, o.cfg.BatchWorkers)

	var wg sync.WaitGroup
	for i, question := range questions {
		wg.Add(1)
		go func(i int, question string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			answer, err := o.Answer(ctx, question, docIDs, k, preference)
			results[i] = BatchResult{Answer: answer, Err: err}
		}(i, question)
	}
	wg.Wait()

	return results, nil
}
