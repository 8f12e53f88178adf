package tokens

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	_ "embed"
)

//go:embed pricing.json
var embeddedPricing []byte

// ModelPrice holds per-token costs in USD.
type ModelPrice struct {
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
}

// Pricing maps model names to per-token costs. The embedded table
// ships with the binary; LoadFile merges overrides on top of it.
type Pricing struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewPricing returns a pricing table seeded from the embedded data.
func NewPricing() (*Pricing, error) {
	prices := make(map[string]ModelPrice)
	if err := json.Unmarshal(embeddedPricing, &prices); err != nil {
		return nil, fmt.Errorf("failed to parse embedded pricing: %w", err)
	}
	return &Pricing{prices: prices}, nil
}

// LoadFile merges prices from a JSON file over the current table.
// Models present in the file replace their embedded entries; models
// absent from the file keep theirs.
func (p *Pricing) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pricing file: %w", err)
	}

	overrides := make(map[string]ModelPrice)
	if err := json.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("failed to parse pricing file %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for model, price := range overrides {
		p.prices[model] = price
	}
	return nil
}

// Price returns the per-token costs for a model. The second return
// is false for unknown models.
func (p *Pricing) Price(model string) (ModelPrice, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if price, ok := p.prices[model]; ok {
		return price, true
	}
	// Fall back to the bare model name for provider-prefixed lookups.
	price, ok := p.prices[baseModelName(model)]
	return price, ok
}

// EstimateCost returns the USD cost of a request given its input and
// output token counts. Unknown models cost zero.
func (p *Pricing) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	price, ok := p.Price(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)*price.InputCostPerToken + float64(outputTokens)*price.OutputCostPerToken
}

// Models returns the number of models in the table.
func (p *Pricing) Models() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.prices)
}
