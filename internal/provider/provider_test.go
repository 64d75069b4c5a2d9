package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/storage/models"
)

type stubEmbedder struct {
	name        string
	fingerprint string
}

func (s *stubEmbedder) Name() string        { return s.name }
func (s *stubEmbedder) Dimension() int      { return 2 }
func (s *stubEmbedder) Fingerprint() string { return s.fingerprint }
func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (s *stubEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, nil
}

type stubGenerator struct {
	name string
}

func (s *stubGenerator) Name() string { return s.name }
func (s *stubGenerator) Generate(context.Context, string) (string, error) {
	return "", nil
}

type unhealthyGenerator struct {
	stubGenerator
}

func (unhealthyGenerator) Healthy(context.Context) error {
	return errors.New("unreachable")
}

func TestRegistry_GeneratorsPriorityOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("low", 1, nil, &stubGenerator{name: "low"})
	r.Register("high", 10, nil, &stubGenerator{name: "high"})
	r.Register("mid", 5, nil, &stubGenerator{name: "mid"})

	gens := r.Generators(nil)
	require.Len(t, gens, 3)
	assert.Equal(t, "high", gens[0].Name())
	assert.Equal(t, "mid", gens[1].Name())
	assert.Equal(t, "low", gens[2].Name())
}

func TestRegistry_GeneratorsPreferenceOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("alpha", 10, nil, &stubGenerator{name: "alpha"})
	r.Register("beta", 1, nil, &stubGenerator{name: "beta"})

	gens := r.Generators([]string{"beta", "ghost", "alpha"})
	require.Len(t, gens, 2)
	assert.Equal(t, "beta", gens[0].Name())
	assert.Equal(t, "alpha", gens[1].Name())
}

func TestRegistry_EmbedderLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("secondary", 1, &stubEmbedder{name: "secondary", fingerprint: "secondary/m/2"}, nil)
	r.Register("primary", 5, &stubEmbedder{name: "primary", fingerprint: "primary/m/2"}, nil)
	r.Register("genonly", 10, nil, &stubGenerator{name: "genonly"})

	// Empty name resolves the highest-priority provider with an embedder.
	emb, ok := r.Embedder("")
	require.True(t, ok)
	assert.Equal(t, "primary", emb.Name())

	emb, ok = r.Embedder("secondary")
	require.True(t, ok)
	assert.Equal(t, "secondary", emb.Name())

	_, ok = r.Embedder("ghost")
	assert.False(t, ok)
}

func TestRegistry_SnapshotPerCapability(t *testing.T) {
	r := NewRegistry()
	r.Register("both", 2, &stubEmbedder{name: "both", fingerprint: "both/m/2"}, &stubGenerator{name: "both"})
	r.Register("genonly", 1, nil, &stubGenerator{name: "genonly"})

	descriptors := r.Snapshot()
	require.Len(t, descriptors, 3)

	byKey := map[string]models.ProviderDescriptor{}
	for _, d := range descriptors {
		byKey[d.Name+"/"+string(d.Kind)] = d
	}
	assert.Contains(t, byKey, "both/embedding")
	assert.Contains(t, byKey, "both/generation")
	assert.Contains(t, byKey, "genonly/generation")
	assert.True(t, byKey["both/embedding"].Available)
}

func TestRegistry_RefreshMarksUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("dead", 1, nil, &unhealthyGenerator{stubGenerator{name: "dead"}})
	r.Register("plain", 2, nil, &stubGenerator{name: "plain"})

	r.Refresh(context.Background())

	available := map[string]bool{}
	for _, d := range r.Snapshot() {
		available[d.Name] = d.Available
	}

	assert.False(t, available["dead"])
	// Providers without a health check stay available.
	assert.True(t, available["plain"])
}
