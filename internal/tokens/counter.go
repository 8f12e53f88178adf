// Package tokens provides token counting and cost estimation for
// model requests. Counts feed the usage-based routing strategies and
// per-deployment TPM accounting; costs feed cost-based routing.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/dispatchcore/llmdispatch/internal/observability"
)

// charsPerToken is the fallback heuristic when no encoder is
// available for a model: roughly four characters per token for
// English text.
const charsPerToken = 4

// Counter counts tokens in request text. Encoders are cached per
// model; unknown models fall back to a character heuristic.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	logger   observability.Logger
}

// CounterOption is a functional option for the counter.
type CounterOption func(*Counter)

// WithCounterLogger sets the logger.
func WithCounterLogger(logger observability.Logger) CounterOption {
	return func(c *Counter) {
		c.logger = logger
	}
}

// NewCounter creates a token counter.
func NewCounter(opts ...CounterOption) *Counter {
	c := &Counter{
		encoders: make(map[string]*tiktoken.Tiktoken),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Count returns the token count of text for the given model. When no
// encoder exists for the model the count is estimated from the text
// length.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}

	enc := c.encoderFor(model)
	if enc == nil {
		return estimate(text)
	}

	return len(enc.Encode(text, nil, nil))
}

// CountMessages returns the total token count across message
// contents, plus a small per-message overhead matching the chat
// format framing.
func (c *Counter) CountMessages(model string, contents []string) int {
	const perMessageOverhead = 4

	total := 0
	for _, content := range contents {
		total += c.Count(model, content) + perMessageOverhead
	}
	return total
}

func (c *Counter) encoderFor(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(baseModelName(model))
	if err != nil {
		c.logger.Debug("no encoder for model, using heuristic",
			observability.String("model", model),
			observability.Error(err),
		)
		// Cache the miss so we do not retry the lookup per request.
		c.encoders[model] = nil
		return nil
	}

	c.encoders[model] = enc
	return enc
}

// baseModelName strips a provider prefix such as "openai/" so the
// encoder lookup sees the bare model name.
func baseModelName(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

// estimate approximates the token count from text length.
func estimate(text string) int {
	n := (len(text) + charsPerToken - 1) / charsPerToken
	if n < 1 {
		n = 1
	}
	return n
}
