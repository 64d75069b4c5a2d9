// Package provider hosts the closed set of embedding and generation backends
// and the registry that tracks their priority and live availability.
package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

// Embedder maps text to fixed-dimension vectors. Vectors from different
// embedder configurations are not interchangeable; Fingerprint identifies the
// configuration that produced a vector.
type Embedder interface {
	Name() string
	Dimension() int
	Fingerprint() string
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces a completion for a prompt.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// healthChecker is implemented by providers that can report liveness.
type healthChecker interface {
	Healthy(ctx context.Context) error
}

type entry struct {
	name      string
	priority  int
	embedder  Embedder
	generator Generator
	available bool
}

// Registry is the process-wide provider table. It is built once at startup;
// request handling only reads it, apart from availability refreshes.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a provider under the given fallback priority. Higher priority
// providers are tried first. Either capability may be nil.
func (r *Registry) Register(name string, priority int, emb Embedder, gen Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, &entry{
		name:      name,
		priority:  priority,
		embedder:  emb,
		generator: gen,
		available: true,
	})

	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].priority > r.entries[j].priority
	})

	logger.Info("Provider registered",
		zap.String("provider", name),
		zap.Int("priority", priority),
		zap.Bool("embedding", emb != nil),
		zap.Bool("generation", gen != nil),
	)
}

// Generators returns generation providers in fallback order. When preference
// names are given they define the order; unknown names are skipped. With no
// preference the registry priority order applies.
func (r *Registry) Generators(preference []string) []Generator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(preference) == 0 {
		var gens []Generator
		for _, e := range r.entries {
			if e.generator != nil {
				gens = append(gens, e.generator)
			}
		}
		return gens
	}

	var gens []Generator
	for _, name := range preference {
		for _, e := range r.entries {
			if e.name == name && e.generator != nil {
				gens = append(gens, e.generator)
			}
		}
	}
	return gens
}

// Embedder returns the named embedding provider, or the highest-priority one
// when name is empty.
func (r *Registry) Embedder(name string) (Embedder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.embedder == nil {
			continue
		}
		if name == "" || e.name == name {
			return e.embedder, true
		}
	}
	return nil, false
}

// Snapshot returns a consistent availability view: one descriptor per provider
// capability, ordered by priority.
func (r *Registry) Snapshot() []models.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]models.ProviderDescriptor, 0, len(r.entries)*2)
	for _, e := range r.entries {
		if e.embedder != nil {
			descriptors = append(descriptors, models.ProviderDescriptor{
				Name:      e.name,
				Kind:      models.KindEmbedding,
				Priority:  e.priority,
				Available: e.available,
			})
		}
		if e.generator != nil {
			descriptors = append(descriptors, models.ProviderDescriptor{
				Name:      e.name,
				Kind:      models.KindGeneration,
				Priority:  e.priority,
				Available: e.available,
			})
		}
	}
	return descriptors
}

// Refresh probes every provider that exposes a health check and records the
// result. Providers without a health check stay marked available.
func (r *Registry) Refresh(ctx context.Context) {
	r.mu.RLock()
	targets := make([]*entry, len(r.entries))
	copy(targets, r.entries)
	r.mu.RUnlock()

	results := make(map[string]bool, len(targets))
	for _, e := range targets {
		results[e.name] = probe(ctx, e)
	}

	r.mu.Lock()
	for _, e := range r.entries {
		if avail, ok := results[e.name]; ok && avail != e.available {
			e.available = avail
			logger.Info("Provider availability changed",
				zap.String("provider", e.name),
				zap.Bool("available", avail),
			)
		}
	}
	r.mu.Unlock()
}

// StartHealthLoop refreshes availability on the given interval until ctx is
// cancelled.
func (r *Registry) StartHealthLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Refresh(ctx)
			}
		}
	}()
}

func probe(ctx context.Context, e *entry) bool {
	var hc healthChecker
	if c, ok := e.generator.(healthChecker); ok {
		hc = c
	} else if c, ok := e.embedder.(healthChecker); ok {
		hc = c
	}
	if hc == nil {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := hc.Healthy(probeCtx); err != nil {
		logger.Debug("Provider health probe failed",
			zap.String("provider", e.name),
			zap.Error(err),
		)
		return false
	}
	return true
}
