package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/provider"
	"github.com/docqa/backend/internal/storage/models"
)

type fakeGenerator struct {
	name  string
	text  string
	err   error
	calls int
	delay time.Duration
}

func (f *fakeGenerator) Name() string { return f.name }

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func registryWith(gens ...*fakeGenerator) *provider.Registry {
	r := provider.NewRegistry()
	for i, g := range gens {
		r.Register(g.name, len(gens)-i, nil, g)
	}
	return r
}

func TestGateway_FirstProviderSucceeds(t *testing.T) {
	a := &fakeGenerator{name: "alpha", text: "answer from alpha"}
	b := &fakeGenerator{name: "beta", text: "answer from beta"}
	gw := NewGateway(registryWith(a, b), GatewayConfig{})

	text, used, err := gw.Generate(context.Background(), "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "answer from alpha", text)
	assert.Equal(t, "alpha", used)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 0, b.calls)
}

func TestGateway_FallsBackOnFailure(t *testing.T) {
	a := &fakeGenerator{name: "alpha", err: errors.New("connection refused")}
	b := &fakeGenerator{name: "beta", text: "answer from beta"}
	gw := NewGateway(registryWith(a, b), GatewayConfig{})

	text, used, err := gw.Generate(context.Background(), "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "answer from beta", text)
	assert.Equal(t, "beta", used)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestGateway_AllProvidersExhausted(t *testing.T) {
	a := &fakeGenerator{name: "alpha", err: errors.New("connection refused")}
	b := &fakeGenerator{name: "beta", err: errors.New("rate limited")}
	gw := NewGateway(registryWith(a, b), GatewayConfig{})

	_, _, err := gw.Generate(context.Background(), "prompt", nil)
	require.Error(t, err)
	require.True(t, models.IsExhausted(err))

	var ee *models.ExhaustedError
	require.ErrorAs(t, err, &ee)
	require.Len(t, ee.Errors, 2)
	assert.Equal(t, "alpha", ee.Errors[0].Provider)
	assert.Equal(t, "beta", ee.Errors[1].Provider)
	assert.Contains(t, ee.Errors[0].Err.Error(), "connection refused")
	assert.Contains(t, ee.Errors[1].Err.Error(), "rate limited")
}

func TestGateway_NoProvidersConfigured(t *testing.T) {
	gw := NewGateway(provider.NewRegistry(), GatewayConfig{})

	_, _, err := gw.Generate(context.Background(), "prompt", nil)
	require.Error(t, err)
	assert.True(t, models.IsExhausted(err))
}

func TestGateway_PreferenceOverridesPriority(t *testing.T) {
	a := &fakeGenerator{name: "alpha", text: "from alpha"}
	b := &fakeGenerator{name: "beta", text: "from beta"}
	gw := NewGateway(registryWith(a, b), GatewayConfig{})

	text, used, err := gw.Generate(context.Background(), "prompt", []string{"beta", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, "from beta", text)
	assert.Equal(t, "beta", used)
	assert.Equal(t, 0, a.calls)
}

func TestGateway_DefaultPreferenceOrdersChain(t *testing.T) {
	a := &fakeGenerator{name: "alpha", text: "from alpha"}
	b := &fakeGenerator{name: "beta", text: "from beta"}
	gw := NewGateway(registryWith(a, b), GatewayConfig{
		DefaultPreference: []string{"beta", "alpha"},
	})

	// No caller preference: the configured default order wins over registry
	// priority.
	text, used, err := gw.Generate(context.Background(), "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "from beta", text)
	assert.Equal(t, "beta", used)
	assert.Equal(t, 0, a.calls)

	// An explicit caller preference still overrides the configured default.
	text, used, err = gw.Generate(context.Background(), "prompt", []string{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, "from alpha", text)
	assert.Equal(t, "alpha", used)
}

func TestGateway_UnknownPreferenceSkipped(t *testing.T) {
	a := &fakeGenerator{name: "alpha", text: "from alpha"}
	gw := NewGateway(registryWith(a), GatewayConfig{})

	text, used, err := gw.Generate(context.Background(), "prompt", []string{"ghost", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, "from alpha", text)
	assert.Equal(t, "alpha", used)
}

func TestGateway_CallerCancellationStopsChain(t *testing.T) {
	a := &fakeGenerator{name: "alpha", delay: time.Second}
	b := &fakeGenerator{name: "beta", text: "never reached"}
	gw := NewGateway(registryWith(a, b), GatewayConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, _, err := gw.Generate(ctx, "prompt", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.Equal(t, 0, b.calls)
}

func TestGateway_AttemptTimeoutMovesToNextProvider(t *testing.T) {
	slow := &fakeGenerator{name: "slow", delay: 500 * time.Millisecond}
	fast := &fakeGenerator{name: "fast", text: "quick answer"}
	gw := NewGateway(registryWith(slow, fast), GatewayConfig{
		AttemptTimeout: 50 * time.Millisecond,
		ChainTimeout:   5 * time.Second,
	})

	text, used, err := gw.Generate(context.Background(), "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "quick answer", text)
	assert.Equal(t, "fast", used)
}
