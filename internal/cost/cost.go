// Package cost prices token usage and attributes savings when a cheaper
// model served a request than the one the caller asked for.
package cost

import (
	"sync"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

// Price is the per-million-token rate for a model, in USD.
type Price struct {
	InputPerMillion  float64 `json:"inputPerMillion" koanf:"input_per_million"`
	OutputPerMillion float64 `json:"outputPerMillion" koanf:"output_per_million"`
}

// Table maps model names to prices. Lookups for unknown models report
// ok=false rather than pricing at zero, so savings are never fabricated.
type Table struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// defaultPrices seeds the table with published list prices. Operators
// override or extend these through configuration.
var defaultPrices = map[string]Price{
	"gpt-4o":                   {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":              {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4.1":                  {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"gpt-4.1-mini":             {InputPerMillion: 0.40, OutputPerMillion: 1.60},
	"gpt-5":                    {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gpt-5-mini":               {InputPerMillion: 0.25, OutputPerMillion: 2.00},
	"claude-sonnet-4-20250514": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku-latest":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"claude-opus-4-20250514":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
}

// NewTable creates a price table seeded with the defaults plus the given
// overrides.
func NewTable(overrides map[string]Price) *Table {
	t := &Table{prices: make(map[string]Price, len(defaultPrices)+len(overrides))}
	for model, p := range defaultPrices {
		t.prices[model] = p
	}
	for model, p := range overrides {
		t.prices[model] = p
	}
	return t
}

// Lookup returns the price for a model.
func (t *Table) Lookup(model string) (Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[model]
	return p, ok
}

// Set adds or replaces a model's price.
func (t *Table) Set(model string, p Price) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[model] = p
}

// Cost prices actual usage under a model. ok is false when the model has no
// listed price.
func (t *Table) Cost(model string, usage domain.Usage) (float64, bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	in := float64(usage.PromptTokens) / 1e6 * p.InputPerMillion
	out := float64(usage.CompletionTokens) / 1e6 * p.OutputPerMillion
	return in + out, true
}

// Savings computes what a rule-driven substitution saved: the cost the
// requested model would have charged for the served usage, minus what the
// served model actually charged. Either model missing a price yields
// ok=false. Negative savings are reported as-is; a rule that routed to a
// pricier model should show up in the numbers.
func (t *Table) Savings(requestedModel, servedModel string, usage domain.Usage) (float64, bool) {
	baseline, ok := t.Cost(requestedModel, usage)
	if !ok {
		return 0, false
	}
	actual, ok := t.Cost(servedModel, usage)
	if !ok {
		return 0, false
	}
	return baseline - actual, true
}
