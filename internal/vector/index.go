// Package vector provides nearest-neighbor search over chunk embeddings.
package vector

import "context"

type Entry struct {
	ChunkID     string    `json:"chunk_id"`
	DocID       string    `json:"doc_id"`
	Vector      []float32 `json:"vector"`
	Fingerprint string    `json:"fingerprint"`
}

type SearchResult struct {
	ChunkID string
	DocID   string
	Score   float32
}

// Index stores (chunk id, vector, doc id) tuples and ranks them by cosine
// similarity. It owns no chunk text; chunk ids resolve against the document
// store.
type Index interface {
	// Upsert inserts entries, replacing any existing entry with the same
	// chunk id in place.
	Upsert(ctx context.Context, entries []Entry) error

	// Search returns up to k results ordered by descending similarity, ties
	// broken by insertion order. An empty filter means all documents. An
	// empty index yields an empty result, not an error.
	Search(ctx context.Context, queryVector []float32, k int, filterDocIDs []string) ([]SearchResult, error)

	// DeleteByDocument removes every entry belonging to the document. It is a
	// no-op when none exist.
	DeleteByDocument(ctx context.Context, docID string) error

	Count(ctx context.Context) (int, error)
}
