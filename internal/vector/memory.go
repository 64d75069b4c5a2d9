package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/docqa/backend/internal/storage/models"
)

type memoryEntry struct {
	Entry
	seq uint64
}

// MemoryIndex is a brute-force in-memory cosine index. Readers are never
// blocked beyond the RWMutex read path and an upsert is visible to searches
// only after it fully completes.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries []memoryEntry
	byID    map[string]int
	nextSeq uint64
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byID: make(map[string]int),
	}
}

func (m *MemoryIndex) Upsert(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		if len(e.Vector) == 0 {
			return fmt.Errorf("entry %s has no vector", e.ChunkID)
		}
		if pos, ok := m.byID[e.ChunkID]; ok {
			// Replacement keeps the original insertion sequence so ordering
			// stays deterministic.
			seq := m.entries[pos].seq
			m.entries[pos] = memoryEntry{Entry: e, seq: seq}
			continue
		}
		m.byID[e.ChunkID] = len(m.entries)
		m.entries = append(m.entries, memoryEntry{Entry: e, seq: m.nextSeq})
		m.nextSeq++
	}

	return nil
}

func (m *MemoryIndex) Search(_ context.Context, queryVector []float32, k int, filterDocIDs []string) ([]SearchResult, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}
	if len(queryVector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", models.ErrDimensionMismatch)
	}

	var filter map[string]struct{}
	if len(filterDocIDs) > 0 {
		filter = make(map[string]struct{}, len(filterDocIDs))
		for _, id := range filterDocIDs {
			filter[id] = struct{}{}
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// Each stored entry is examined once, so one chunk can never appear
	// twice even when the filter lists a document more than once.
	candidates := make([]memoryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if filter != nil {
			if _, ok := filter[e.DocID]; !ok {
				continue
			}
		}
		if len(e.Vector) != len(queryVector) {
			return nil, fmt.Errorf("%w: entry %s has dimension %d, query has %d",
				models.ErrDimensionMismatch, e.ChunkID, len(e.Vector), len(queryVector))
		}
		candidates = append(candidates, e)
	}

	scores := make([]float32, len(candidates))
	for i, e := range candidates {
		scores[i] = cosine(queryVector, e.Vector)
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return candidates[order[a]].seq < candidates[order[b]].seq
	})

	if k > len(order) {
		k = len(order)
	}

	results := make([]SearchResult, 0, k)
	for _, idx := range order[:k] {
		results = append(results, SearchResult{
			ChunkID: candidates[idx].ChunkID,
			DocID:   candidates[idx].DocID,
			Score:   scores[idx],
		})
	}

	return results, nil
}

func (m *MemoryIndex) DeleteByDocument(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.DocID != docID {
			kept = append(kept, e)
		}
	}
	m.entries = kept

	m.byID = make(map[string]int, len(m.entries))
	for i, e := range m.entries {
		m.byID[e.ChunkID] = i
	}

	return nil
}

func (m *MemoryIndex) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Export writes the index as a JSON stream in insertion order so an import
// reconstructs identical ordering and retrieval behavior.
func (m *MemoryIndex) Export(w io.Writer) error {
	m.mu.RLock()
	ordered := make([]memoryEntry, len(m.entries))
	copy(ordered, m.entries)
	m.mu.RUnlock()

	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].seq < ordered[b].seq
	})

	enc := json.NewEncoder(w)
	for _, e := range ordered {
		if err := enc.Encode(e.Entry); err != nil {
			return fmt.Errorf("failed to encode index entry: %w", err)
		}
	}
	return nil
}

// Import reads a JSON stream produced by Export and upserts its entries in
// order.
func (m *MemoryIndex) Import(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var e Entry
		if err := dec.Decode(&e); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("failed to decode index entry: %w", err)
		}
		if err := m.Upsert(context.Background(), []Entry{e}); err != nil {
			return err
		}
	}
	return nil
}

func cosine(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
