package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/provider"
	"github.com/docqa/backend/internal/qa"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/internal/summarize"
	"github.com/docqa/backend/internal/vector"
)

type fakeEmbedder struct {
	dim  int
	fail error
	// block, when set, parks Embed until the channel is closed.
	block chan struct{}
}

func (f *fakeEmbedder) Name() string        { return "fake" }
func (f *fakeEmbedder) Dimension() int      { return f.dim }
func (f *fakeEmbedder) Fingerprint() string { return fmt.Sprintf("fake/model/%d", f.dim) }

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.block != nil {
		<-f.block
	}
	if f.fail != nil {
		return nil, f.fail
	}
	vec := make([]float32, f.dim)
	for _, r := range text {
		vec[int(r)%f.dim]++
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, &models.EmbeddingError{Index: i, Err: err}
		}
		out[i] = vec
	}
	return out, nil
}

type fakeGenerator struct{}

func (fakeGenerator) Name() string { return "fake" }

func (fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	return "a generated answer", nil
}

type testEnv struct {
	svc   *Service
	store *sqlite.Store
	index *vector.MemoryIndex
	emb   *fakeEmbedder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })

	emb := &fakeEmbedder{dim: 8}
	registry := provider.NewRegistry()
	registry.Register("fake", 1, emb, fakeGenerator{})

	index := vector.NewMemoryIndex()
	gateway := llm.NewGateway(registry, llm.GatewayConfig{})
	qaOrch := qa.NewOrchestrator(store, index, registry, gateway, nil, qa.Config{})
	summarizer := summarize.NewOrchestrator(gateway, summarize.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc := New(ctx, store, index, registry, qaOrch, summarizer, nil, Config{
		MaxChunkChars: 2000,
		OverlapChars:  200,
	})

	return &testEnv{svc: svc, store: store, index: index, emb: emb}
}

func waitForTerminalStatus(t *testing.T, svc *Service, docID string) *models.Document {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := svc.GetDocument(docID)
		require.NoError(t, err)
		if doc.Status == models.StatusReady || doc.Status == models.StatusFailed {
			return doc
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("document %s never reached a terminal status", docID)
	return nil
}

func TestIngestDocument_EndToEnd(t *testing.T) {
	env := newTestEnv(t)

	events, cancel := env.svc.Subscribe()
	defer cancel()

	data := []byte(strings.Repeat("a", 6000))
	docID, err := env.svc.IngestDocument(data, "big.txt", "text/plain")
	require.NoError(t, err)
	require.NotEmpty(t, docID)

	doc := waitForTerminalStatus(t, env.svc, docID)
	require.Equal(t, models.StatusReady, doc.Status)
	assert.Equal(t, 4, doc.ChunkCount)
	assert.Equal(t, "fake/model/8", doc.Fingerprint)
	assert.Equal(t, int64(6000), doc.ByteSize)
	assert.Empty(t, doc.Error)

	chunks, err := env.store.GetChunksByDocument(docID)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, fmt.Sprintf("%s_chunk_%d", docID, i), chunk.ID)
		assert.Len(t, chunk.Vector, 8)
	}

	count, err := env.index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	// The status feed carries the pipeline stages in order.
	var seen []models.DocumentStatus
	timeout := time.After(time.Second)
collect:
	for {
		select {
		case ev := <-events:
			if ev.DocID != docID {
				continue
			}
			seen = append(seen, ev.Status)
			if ev.Status == models.StatusReady {
				break collect
			}
		case <-timeout:
			break collect
		}
	}
	assert.Equal(t, []models.DocumentStatus{
		models.StatusExtracting,
		models.StatusChunking,
		models.StatusEmbedding,
		models.StatusReady,
	}, seen)
}

func TestIngestDocument_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.IngestDocument(nil, "empty.txt", "text/plain")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrEmptyDocument)

	_, err = env.svc.IngestDocument([]byte("data"), "archive.tar.gz", "application/gzip")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)

	docs, listErr := env.svc.ListDocuments()
	require.NoError(t, listErr)
	assert.Empty(t, docs)
}

func TestIngestDocument_ExtractionFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)

	// Valid format hint, whitespace-only payload.
	docID, err := env.svc.IngestDocument([]byte("   \n  "), "blank.txt", "text/plain")
	require.NoError(t, err)

	doc := waitForTerminalStatus(t, env.svc, docID)
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.NotEmpty(t, doc.Error)
	assert.Equal(t, 0, doc.ChunkCount)

	count, err := env.index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestIngestDocument_EmbeddingFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	env.emb.fail = errors.New("embedding backend down")

	docID, err := env.svc.IngestDocument([]byte("some real content"), "doc.txt", "text/plain")
	require.NoError(t, err)

	doc := waitForTerminalStatus(t, env.svc, docID)
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Contains(t, doc.Error, "embedding")

	// Nothing was published to the index or chunk table.
	count, err := env.index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	chunks, err := env.store.GetChunksByDocument(docID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestDeleteDocument_RemovesEverything(t *testing.T) {
	env := newTestEnv(t)

	docID, err := env.svc.IngestDocument([]byte("content worth deleting"), "doc.txt", "text/plain")
	require.NoError(t, err)
	waitForTerminalStatus(t, env.svc, docID)

	require.NoError(t, env.svc.DeleteDocument(context.Background(), docID))

	_, err = env.svc.GetDocument(docID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	count, err := env.index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	err = env.svc.DeleteDocument(context.Background(), docID)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteDocument_DuringIngestLeavesNoIndexEntries(t *testing.T) {
	env := newTestEnv(t)
	env.emb.block = make(chan struct{})

	docID, err := env.svc.IngestDocument([]byte("content deleted while still embedding"), "doc.txt", "text/plain")
	require.NoError(t, err)

	// Wait for the pipeline to park in the embedding phase.
	deadline := time.Now().Add(5 * time.Second)
	for {
		doc, getErr := env.svc.GetDocument(docID)
		require.NoError(t, getErr)
		if doc.Status == models.StatusEmbedding {
			break
		}
		require.True(t, time.Now().Before(deadline), "document never reached embedding")
		time.Sleep(5 * time.Millisecond)
	}

	// The delete completes while the pipeline is blocked; releasing the
	// embedder afterwards lets the pipeline run its persist step against the
	// now-deleted document.
	require.NoError(t, env.svc.DeleteDocument(context.Background(), docID))
	close(env.emb.block)

	time.Sleep(200 * time.Millisecond)

	_, err = env.svc.GetDocument(docID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	count, err := env.index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	chunks, err := env.store.GetChunksByDocument(docID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestAsk_EndToEnd(t *testing.T) {
	env := newTestEnv(t)

	docID, err := env.svc.IngestDocument([]byte("Gophers dig extensive burrow systems."), "gophers.txt", "text/plain")
	require.NoError(t, err)
	doc := waitForTerminalStatus(t, env.svc, docID)
	require.Equal(t, models.StatusReady, doc.Status)

	answer, err := env.svc.Ask(context.Background(), "what do gophers dig?", []string{docID}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, "a generated answer", answer.Answer)
	assert.Equal(t, "fake", answer.ProviderUsed)
	require.NotEmpty(t, answer.Citations)
	assert.Equal(t, docID, answer.Citations[0].DocID)
}

func TestListProviders(t *testing.T) {
	env := newTestEnv(t)

	descriptors := env.svc.ListProviders()
	require.Len(t, descriptors, 2)

	kinds := map[models.ProviderKind]bool{}
	for _, d := range descriptors {
		assert.Equal(t, "fake", d.Name)
		assert.True(t, d.Available)
		kinds[d.Kind] = true
	}
	assert.True(t, kinds[models.KindEmbedding])
	assert.True(t, kinds[models.KindGeneration])
}

func TestExportImport_RoundTrip(t *testing.T) {
	src := newTestEnv(t)

	docID, err := src.svc.IngestDocument([]byte(strings.Repeat("portable state. ", 100)), "state.txt", "text/plain")
	require.NoError(t, err)
	doc := waitForTerminalStatus(t, src.svc, docID)
	require.Equal(t, models.StatusReady, doc.Status)

	var buf bytes.Buffer
	require.NoError(t, src.svc.ExportState(&buf))

	dst := newTestEnv(t)
	imported, err := dst.svc.ImportState(context.Background(), bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 1, imported)

	restored, err := dst.svc.GetDocument(docID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, restored.Status)
	assert.Equal(t, doc.ChunkCount, restored.ChunkCount)
	assert.Equal(t, doc.Fingerprint, restored.Fingerprint)

	srcCount, err := src.index.Count(context.Background())
	require.NoError(t, err)
	dstCount, err := dst.index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srcCount, dstCount)

	// The restored corpus answers questions just like the original.
	answer, err := dst.svc.Ask(context.Background(), "what is portable?", []string{docID}, 2, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, answer.Citations)

	// Importing the same stream twice changes nothing.
	imported, err = dst.svc.ImportState(context.Background(), bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 0, imported)
}
