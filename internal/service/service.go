// Package service is the core facade the HTTP layer calls into: document
// lifecycle, question answering, summarization and provider introspection.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/cache/redis"
	"github.com/docqa/backend/internal/chunker"
	"github.com/docqa/backend/internal/extract"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/provider"
	"github.com/docqa/backend/internal/qa"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/internal/summarize"
	"github.com/docqa/backend/internal/vector"
	"github.com/docqa/backend/pkg/logger"
)

type Config struct {
	MaxChunkChars  int
	OverlapChars   int
	EmbedBatchSize int
}

// StatusEvent is published on every document status change.
type StatusEvent struct {
	DocID  string                `json:"doc_id"`
	Status models.DocumentStatus `json:"status"`
	Error  string                `json:"error,omitempty"`
}

type Service struct {
	store      *sqlite.Store
	index      vector.Index
	registry   *provider.Registry
	qa         *qa.Orchestrator
	summarizer *summarize.Orchestrator
	cache      *redis.Client
	cfg        Config

	// baseCtx parents the async ingestion pipelines so shutdown cancels
	// them; a cancelled pipeline marks its document failed.
	baseCtx context.Context

	subsMu sync.Mutex
	subs   map[chan StatusEvent]struct{}
}

func New(baseCtx context.Context, store *sqlite.Store, index vector.Index, registry *provider.Registry, qaOrch *qa.Orchestrator, summarizer *summarize.Orchestrator, cache *redis.Client, cfg Config) *Service {
	if cfg.MaxChunkChars == 0 {
		cfg.MaxChunkChars = 2000
	}
	if cfg.OverlapChars == 0 {
		cfg.OverlapChars = 200
	}
	if cfg.EmbedBatchSize == 0 {
		cfg.EmbedBatchSize = 64
	}
	return &Service{
		store:      store,
		index:      index,
		registry:   registry,
		qa:         qaOrch,
		summarizer: summarizer,
		cache:      cache,
		cfg:        cfg,
		baseCtx:    baseCtx,
		subs:       make(map[chan StatusEvent]struct{}),
	}
}

// IngestDocument accepts an upload, creates the document record and runs the
// extract-chunk-embed-index pipeline asynchronously. Progress is observable
// through GetDocument and the status event feed.
func (s *Service) IngestDocument(data []byte, filename, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", models.ErrEmptyDocument
	}

	format := extract.DetectFormat(filename, mimeType)
	if format == extract.FormatUnknown {
		return "", fmt.Errorf("%w: %s (%s)", models.ErrUnsupportedFormat, filename, mimeType)
	}

	docID := uuid.New().String()
	doc := &models.Document{
		ID:        docID,
		Filename:  filename,
		MimeType:  mimeType,
		ByteSize:  int64(len(data)),
		Status:    models.StatusUploading,
		CreatedAt: time.Now(),
	}

	if err := s.store.CreateDocument(doc); err != nil {
		return "", err
	}

	logger.Info("Document accepted",
		zap.String("doc_id", docID),
		zap.String("filename", filename),
		zap.String("format", string(format)),
	)

	go s.runPipeline(docID, data, format)

	return docID, nil
}

func (s *Service) runPipeline(docID string, data []byte, format extract.Format) {
	startTime := time.Now()
	ctx := s.baseCtx

	if err := s.transition(docID, models.StatusExtracting); err != nil {
		return
	}

	text, err := extract.Extract(data, format)
	if err != nil {
		s.failDocument(docID, err)
		return
	}

	if err := s.transition(docID, models.StatusChunking); err != nil {
		return
	}

	segments, err := chunker.Split(text, s.cfg.MaxChunkChars, s.cfg.OverlapChars)
	if err != nil {
		s.failDocument(docID, err)
		return
	}

	if err := s.transition(docID, models.StatusEmbedding); err != nil {
		return
	}

	emb, ok := s.registry.Embedder("")
	if !ok {
		s.failDocument(docID, fmt.Errorf("no embedding provider configured"))
		return
	}

	vectors, err := s.embedSegments(ctx, emb, segments)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.failDocument(docID, fmt.Errorf("%w: ingestion interrupted", models.ErrCancelled))
		} else {
			s.failDocument(docID, err)
		}
		return
	}

	now := time.Now()
	chunks := make([]models.Chunk, len(segments))
	entries := make([]vector.Entry, len(segments))
	for i, segment := range segments {
		chunkID := fmt.Sprintf("%s_chunk_%d", docID, i)
		chunks[i] = models.Chunk{
			ID:            chunkID,
			DocID:         docID,
			ChunkIndex:    i,
			Text:          segment,
			Vector:        vectors[i],
			TokenEstimate: chunker.EstimateTokens(segment),
			CreatedAt:     now,
		}
		entries[i] = vector.Entry{
			ChunkID:     chunkID,
			DocID:       docID,
			Vector:      vectors[i],
			Fingerprint: emb.Fingerprint(),
		}
	}

	if err := s.persistResults(ctx, docID, chunks, entries, emb.Fingerprint()); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// The document was deleted mid-pipeline; there is nothing left
			// to finish and nothing was indexed.
			return
		}
		s.failDocument(docID, err)
		return
	}

	if count, countErr := s.index.Count(context.Background()); countErr == nil {
		metrics.IndexSize.Set(float64(count))
	}
	metrics.IngestDuration.WithLabelValues(string(format)).Observe(time.Since(startTime).Seconds())
	metrics.IngestTotal.WithLabelValues("ok").Inc()

	logger.Info("Document ingested",
		zap.String("doc_id", docID),
		zap.Int("chunks", len(chunks)),
		zap.Duration("elapsed", time.Since(startTime)),
	)
}

// persistResults commits chunks, ingest metadata, index entries and the ready
// transition as one step under the per-document lock. DeleteDocument takes the
// same lock, so a delete either lands before this step, in which case the
// document is gone and nothing is indexed, or after it, in which case the
// delete removes everything this step wrote.
func (s *Service) persistResults(ctx context.Context, docID string, chunks []models.Chunk, entries []vector.Entry, fingerprint string) error {
	mu := s.store.Lock(docID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.store.GetDocument(docID); err != nil {
		return err
	}

	if err := s.store.InsertChunks(chunks); err != nil {
		return err
	}
	if err := s.store.SetIngestResult(docID, len(chunks), fingerprint); err != nil {
		return err
	}
	if err := s.index.Upsert(ctx, entries); err != nil {
		return err
	}

	if err := s.store.UpdateStatus(docID, models.StatusReady, ""); err != nil {
		return err
	}
	s.publish(StatusEvent{DocID: docID, Status: models.StatusReady})

	return nil
}

// embedSegments embeds in configured batch sizes, consulting the embedding
// cache per segment. Order always matches the input.
func (s *Service) embedSegments(ctx context.Context, emb provider.Embedder, segments []string) ([][]float32, error) {
	vectors := make([][]float32, len(segments))
	var missing []int

	for i, segment := range segments {
		if vec, ok := s.cache.GetEmbedding(ctx, redis.Key(emb.Fingerprint(), segment)); ok {
			vectors[i] = vec
		} else {
			missing = append(missing, i)
		}
	}

	for offset := 0; offset < len(missing); offset += s.cfg.EmbedBatchSize {
		end := offset + s.cfg.EmbedBatchSize
		if end > len(missing) {
			end = len(missing)
		}

		batch := make([]string, 0, end-offset)
		for _, idx := range missing[offset:end] {
			batch = append(batch, segments[idx])
		}

		embedded, err := emb.EmbedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}

		for j, idx := range missing[offset:end] {
			vectors[idx] = embedded[j]
			s.cache.SetEmbedding(ctx, redis.Key(emb.Fingerprint(), segments[idx]), embedded[j])
		}
	}

	return vectors, nil
}

// transition moves the document forward under its per-document lock and
// publishes the change.
func (s *Service) transition(docID string, status models.DocumentStatus) error {
	mu := s.store.Lock(docID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.UpdateStatus(docID, status, ""); err != nil {
		// The document may have been deleted mid-pipeline.
		logger.Warn("Status transition failed",
			zap.String("doc_id", docID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return err
	}

	s.publish(StatusEvent{DocID: docID, Status: status})
	return nil
}

func (s *Service) failDocument(docID string, cause error) {
	mu := s.store.Lock(docID)
	mu.Lock()
	defer mu.Unlock()

	reason := cause.Error()
	if errors.Is(cause, models.ErrCancelled) {
		reason = "cancelled"
	}

	if err := s.store.UpdateStatus(docID, models.StatusFailed, reason); err != nil {
		logger.Warn("Failed to record document failure",
			zap.String("doc_id", docID),
			zap.Error(err),
		)
		return
	}

	metrics.IngestTotal.WithLabelValues("error").Inc()
	s.publish(StatusEvent{DocID: docID, Status: models.StatusFailed, Error: reason})

	logger.Error("Document ingestion failed",
		zap.String("doc_id", docID),
		zap.Error(cause),
	)
}

func (s *Service) GetDocument(docID string) (*models.Document, error) {
	return s.store.GetDocument(docID)
}

func (s *Service) ListDocuments() ([]models.Document, error) {
	return s.store.ListDocuments()
}

// DeleteDocument removes the document, its chunks and its index entries. The
// cascade runs under the per-document lock; either everything is removed or,
// when the metadata delete fails, the index entries are restored so callers
// never observe a partial deletion.
func (s *Service) DeleteDocument(ctx context.Context, docID string) error {
	mu := s.store.Lock(docID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.store.GetDocument(docID); err != nil {
		return err
	}

	chunks, err := s.store.GetChunksByDocument(docID)
	if err != nil {
		return err
	}

	if err := s.index.DeleteByDocument(ctx, docID); err != nil {
		return fmt.Errorf("failed to delete index entries: %w", err)
	}

	if err := s.store.DeleteDocument(docID); err != nil {
		// Roll the index back from the still-present chunk rows.
		doc, getErr := s.store.GetDocument(docID)
		if getErr == nil {
			entries := make([]vector.Entry, 0, len(chunks))
			for _, chunk := range chunks {
				entries = append(entries, vector.Entry{
					ChunkID:     chunk.ID,
					DocID:       chunk.DocID,
					Vector:      chunk.Vector,
					Fingerprint: doc.Fingerprint,
				})
			}
			if restoreErr := s.index.Upsert(ctx, entries); restoreErr != nil {
				logger.Error("Failed to restore index entries after aborted delete",
					zap.String("doc_id", docID),
					zap.Error(restoreErr),
				)
			}
		}
		return err
	}

	if count, countErr := s.index.Count(context.Background()); countErr == nil {
		metrics.IndexSize.Set(float64(count))
	}

	return nil
}

func (s *Service) Ask(ctx context.Context, question string, docIDs []string, k int, preference []string) (*models.Answer, error) {
	return s.qa.Answer(ctx, question, docIDs, k, preference)
}

func (s *Service) AskBatch(ctx context.Context, questions []string, docIDs []string, k int, preference []string) ([]qa.BatchResult, error) {
	return s.qa.AnswerBatch(ctx, questions, docIDs, k, preference)
}

func (s *Service) Summarize(ctx context.Context, text string, maxLength int, preference []string) (*models.Summary, error) {
	return s.summarizer.Summarize(ctx, text, maxLength, preference)
}

func (s *Service) SummarizeBatch(ctx context.Context, texts []string, maxLength int, preference []string) []summarize.BatchResult {
	return s.summarizer.SummarizeBatch(ctx, texts, maxLength, preference)
}

func (s *Service) ListProviders() []models.ProviderDescriptor {
	return s.registry.Snapshot()
}

// RebuildIndex reloads every ready document's vectors from the store, used on
// startup when the index backend is the in-memory one.
func (s *Service) RebuildIndex(ctx context.Context) error {
	docs, err := s.store.ListDocuments()
	if err != nil {
		return err
	}

	total := 0
	for _, doc := range docs {
		if doc.Status != models.StatusReady {
			continue
		}

		chunks, err := s.store.GetChunksByDocument(doc.ID)
		if err != nil {
			return err
		}

		entries := make([]vector.Entry, 0, len(chunks))
		for _, chunk := range chunks {
			if chunk.Vector == nil {
				continue
			}
			entries = append(entries, vector.Entry{
				ChunkID:     chunk.ID,
				DocID:       chunk.DocID,
				Vector:      chunk.Vector,
				Fingerprint: doc.Fingerprint,
			})
		}

		if err := s.index.Upsert(ctx, entries); err != nil {
			return err
		}
		total += len(entries)
	}

	if total > 0 {
		logger.Info("Vector index rebuilt", zap.Int("entries", total))
	}
	metrics.IndexSize.Set(float64(total))

	return nil
}

// ExportState writes every document, chunk and vector as a JSON stream whose
// re-import reconstructs identical chunk ordering and retrieval behavior.
func (s *Service) ExportState(w io.Writer) error {
	return s.store.Export(w)
}

// ImportState reads a stream produced by ExportState and rebuilds the index
// for the imported documents.
func (s *Service) ImportState(ctx context.Context, r io.Reader) (int, error) {
	imported, err := s.store.Import(r)
	if err != nil {
		return imported, err
	}
	if imported > 0 {
		if err := s.RebuildIndex(ctx); err != nil {
			return imported, err
		}
	}
	return imported, nil
}

// Subscribe returns a channel receiving document status events and a cancel
// function. Slow subscribers drop events rather than block ingestion.
func (s *Service) Subscribe() (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, 16)

	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		delete(s.subs, ch)
		s.subsMu.Unlock()
	}
	return ch, cancel
}

func (s *Service) publish(event StatusEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
