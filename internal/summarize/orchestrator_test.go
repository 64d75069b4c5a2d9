package summarize

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/provider"
	"github.com/docqa/backend/internal/storage/models"
)

type scriptedGenerator struct {
	mu      sync.Mutex
	name    string
	reply   func(prompt string) (string, error)
	prompts []string
}

func (s *scriptedGenerator) Name() string { return s.name }

func (s *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	return s.reply(prompt)
}

func newOrchestratorWith(gen *scriptedGenerator, cfg Config) *Orchestrator {
	registry := provider.NewRegistry()
	registry.Register(gen.name, 1, nil, gen)
	return NewOrchestrator(llm.NewGateway(registry, llm.GatewayConfig{}), cfg)
}

func TestSummarize_SinglePass(t *testing.T) {
	gen := &scriptedGenerator{
		name:  "fake",
		reply: func(string) (string, error) { return "A short summary.", nil },
	}
	orch := newOrchestratorWith(gen, Config{SinglePassThreshold: 6000})

	summary, err := orch.Summarize(context.Background(), "Some modest input text.", 200, nil)
	require.NoError(t, err)

	assert.Equal(t, "A short summary.", summary.Summary)
	assert.Equal(t, "fake", summary.ProviderUsed)
	assert.Equal(t, len("Some modest input text."), summary.OriginalLength)
	assert.Equal(t, len("A short summary."), summary.SummaryLength)

	// Under the threshold only one provider call happens.
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "Some modest input text.")
}

func TestSummarize_EmptyText(t *testing.T) {
	gen := &scriptedGenerator{
		name:  "fake",
		reply: func(string) (string, error) { return "irrelevant", nil },
	}
	orch := newOrchestratorWith(gen, Config{})

	_, err := orch.Summarize(context.Background(), "   \n  ", 200, nil)
	require.Error(t, err)
	assert.Empty(t, gen.prompts)
}

func TestSummarize_MapReduce(t *testing.T) {
	gen := &scriptedGenerator{name: "fake"}
	gen.reply = func(prompt string) (string, error) {
		if strings.Contains(prompt, "Combine the following section summaries") {
			return "Final combined summary.", nil
		}
		return "partial summary", nil
	}

	orch := newOrchestratorWith(gen, Config{
		SinglePassThreshold: 1000,
		MapChunkChars:       800,
		BatchWorkers:        2,
	})

	text := strings.Repeat("Many sentences fill this long document. ", 100)
	summary, err := orch.Summarize(context.Background(), text, 300, nil)
	require.NoError(t, err)
	assert.Equal(t, "Final combined summary.", summary.Summary)

	// Several map calls plus exactly one reduce call.
	var reduces int
	for _, p := range gen.prompts {
		if strings.Contains(p, "Combine the following section summaries") {
			reduces++
		}
	}
	assert.Equal(t, 1, reduces)
	assert.Greater(t, len(gen.prompts), 2)
}

func TestSummarize_MapFailureAborts(t *testing.T) {
	gen := &scriptedGenerator{name: "fake"}
	gen.reply = func(prompt string) (string, error) {
		return "", errors.New("model overloaded")
	}

	orch := newOrchestratorWith(gen, Config{
		SinglePassThreshold: 100,
		MapChunkChars:       80,
	})

	_, err := orch.Summarize(context.Background(), strings.Repeat("long text ", 50), 200, nil)
	require.Error(t, err)
	assert.True(t, models.IsExhausted(err))
}

func TestSummarize_OvershootTrimmedAtSentence(t *testing.T) {
	gen := &scriptedGenerator{
		name: "fake",
		reply: func(string) (string, error) {
			return "First sentence stays. Second sentence also stays. Third sentence is dropped entirely.", nil
		},
	}
	orch := newOrchestratorWith(gen, Config{})

	summary, err := orch.Summarize(context.Background(), "input text", 30, nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(summary.Summary), 30)
	assert.Equal(t, "First sentence stays.", summary.Summary)
}

func TestSummarizeBatch_OrderAndPartialFailure(t *testing.T) {
	gen := &scriptedGenerator{name: "fake"}
	gen.reply = func(prompt string) (string, error) {
		if strings.Contains(prompt, "poison") {
			return "", errors.New("model refused")
		}
		return "batch summary", nil
	}
	orch := newOrchestratorWith(gen, Config{BatchWorkers: 2})

	texts := []string{"first input", "poison input", "third input"}
	results := orch.SummarizeBatch(context.Background(), texts, 100, nil)
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.Equal(t, "batch summary", results[0].Summary.Summary)

	require.Error(t, results[1].Err)
	assert.True(t, models.IsExhausted(results[1].Err))
	assert.Nil(t, results[1].Summary)

	require.NoError(t, results[2].Err)
	assert.Equal(t, "batch summary", results[2].Summary.Summary)
}

func TestTruncateAtSentence(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want string
	}{
		{
			name: "keeps whole sentences",
			text: "One stays. Two stays. Three is far too long to fit here.",
			max:  22,
			want: "One stays. Two stays.",
		},
		{
			name: "falls back to word boundary",
			text: "a single enormous sentence with no terminator anywhere inside it at all",
			max:  20,
			want: "a single enormous",
		},
		{
			name: "short input untouched",
			text: "Tiny.",
			max:  100,
			want: "Tiny.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateAtSentence(tt.text, tt.max)
			assert.LessOrEqual(t, len(got), tt.max)
			assert.Equal(t, tt.want, got)
		})
	}
}
