package tokens

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPricing_EmbeddedTable(t *testing.T) {
	t.Parallel()

	p, err := NewPricing()
	require.NoError(t, err)
	assert.Greater(t, p.Models(), 0)

	price, ok := p.Price("gpt-4o")
	require.True(t, ok)
	assert.Greater(t, price.InputCostPerToken, 0.0)
	assert.Greater(t, price.OutputCostPerToken, price.InputCostPerToken)
}

func TestPricing_UnknownModel(t *testing.T) {
	t.Parallel()

	p, err := NewPricing()
	require.NoError(t, err)

	_, ok := p.Price("no-such-model")
	assert.False(t, ok)
	assert.Zero(t, p.EstimateCost("no-such-model", 1000, 1000))
}

func TestPricing_ProviderPrefixFallback(t *testing.T) {
	t.Parallel()

	p, err := NewPricing()
	require.NoError(t, err)

	bare, ok := p.Price("gpt-4o")
	require.True(t, ok)
	prefixed, ok := p.Price("openai/gpt-4o")
	require.True(t, ok)
	assert.Equal(t, bare, prefixed)
}

func TestPricing_EstimateCost(t *testing.T) {
	t.Parallel()

	p, err := NewPricing()
	require.NoError(t, err)

	price, ok := p.Price("gpt-4o-mini")
	require.True(t, ok)

	cost := p.EstimateCost("gpt-4o-mini", 1000, 500)
	assert.InDelta(t, 1000*price.InputCostPerToken+500*price.OutputCostPerToken, cost, 1e-12)
}

func TestPricing_LoadFileMergesOverrides(t *testing.T) {
	t.Parallel()

	p, err := NewPricing()
	require.NoError(t, err)
	before := p.Models()

	path := filepath.Join(t.TempDir(), "pricing.json")
	override := `{
		"gpt-4o": {"input_cost_per_token": 0.001, "output_cost_per_token": 0.002},
		"custom-model": {"input_cost_per_token": 0.0005, "output_cost_per_token": 0.0007}
	}`
	require.NoError(t, os.WriteFile(path, []byte(override), 0o600))
	require.NoError(t, p.LoadFile(path))

	// The override replaces the embedded entry.
	price, ok := p.Price("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 0.001, price.InputCostPerToken)
	assert.Equal(t, 0.002, price.OutputCostPerToken)

	// New models are added; untouched models survive.
	_, ok = p.Price("custom-model")
	assert.True(t, ok)
	_, ok = p.Price("gpt-4o-mini")
	assert.True(t, ok)
	assert.Equal(t, before+1, p.Models())
}

func TestPricing_LoadFileErrors(t *testing.T) {
	t.Parallel()

	p, err := NewPricing()
	require.NoError(t, err)

	assert.Error(t, p.LoadFile(filepath.Join(t.TempDir(), "missing.json")))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o600))
	assert.Error(t, p.LoadFile(bad))
}
