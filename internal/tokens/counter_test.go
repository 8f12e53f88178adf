package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounter_KnownModel(t *testing.T) {
	t.Parallel()

	c := NewCounter()

	count := c.Count("gpt-4o", "Hello, world!")
	assert.Greater(t, count, 0)
	assert.Less(t, count, 10)
}

func TestCounter_EmptyText(t *testing.T) {
	t.Parallel()

	c := NewCounter()

	assert.Zero(t, c.Count("gpt-4o", ""))
	assert.Zero(t, c.Count("unknown-model", ""))
}

func TestCounter_UnknownModelUsesHeuristic(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	text := strings.Repeat("a", 40)

	// 40 chars at ~4 chars per token.
	assert.Equal(t, 10, c.Count("no-such-model-xyz", text))
	// Short text still counts as at least one token.
	assert.Equal(t, 1, c.Count("no-such-model-xyz", "a"))
}

func TestCounter_ProviderPrefixStripped(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	text := "The quick brown fox jumps over the lazy dog."

	assert.Equal(t, c.Count("gpt-4o", text), c.Count("openai/gpt-4o", text))
}

func TestCounter_EncoderCached(t *testing.T) {
	t.Parallel()

	c := NewCounter()

	c.Count("no-such-model-xyz", "hello")
	c.mu.Lock()
	enc, cached := c.encoders["no-such-model-xyz"]
	c.mu.Unlock()

	// Misses are cached as nil so the lookup is not retried.
	assert.True(t, cached)
	assert.Nil(t, enc)
}

func TestCounter_CountMessages(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	contents := []string{"hello", "world"}

	perMessage := c.Count("no-such-model-xyz", "hello")
	total := c.CountMessages("no-such-model-xyz", contents)
	assert.Equal(t, 2*(perMessage+4), total)

	assert.Zero(t, c.CountMessages("gpt-4o", nil))
}

func TestBaseModelName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "gpt-4o", baseModelName("gpt-4o"))
	assert.Equal(t, "gpt-4o", baseModelName("openai/gpt-4o"))
	assert.Equal(t, "gpt-4o", baseModelName("azure/eastus/gpt-4o"))
}
