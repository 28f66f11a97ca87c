package llm

import (
	"strings"
	"sync"
)

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64 `json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" yaml:"output_per_million"`
}

// FallbackPricing is charged for models missing from the table, so an
// unlisted model is never accounted as free.
var FallbackPricing = ModelPricing{InputPerMillion: 3.00, OutputPerMillion: 15.00}

// DefaultPricing contains list prices for common models.
var DefaultPricing = map[string]ModelPricing{
	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-haiku-3-5":  {0.80, 4.00},
	"claude-opus-4":     {15.00, 75.00},

	// OpenAI
	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1-nano": {0.10, 0.40},
	"o3-mini":      {1.10, 4.40},

	// Gemini
	"gemini-2.0-flash":      {0.10, 0.40},
	"gemini-2.5-flash":      {0.15, 0.60},
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.5-pro":        {1.25, 10.00},
}

// PricingTable computes USD cost from token counts. Safe for concurrent use.
type PricingTable struct {
	mu       sync.RWMutex
	prices   map[string]ModelPricing
	fallback ModelPricing
}

// NewPricingTable creates a table with DefaultPricing merged with overrides.
func NewPricingTable(overrides map[string]ModelPricing) *PricingTable {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &PricingTable{prices: merged, fallback: FallbackPricing}
}

// SetFallback replaces the price charged for unlisted models.
func (p *PricingTable) SetFallback(mp ModelPricing) {
	p.mu.Lock()
	p.fallback = mp
	p.mu.Unlock()
}

// Lookup returns the pricing for model and whether it was listed.
// Dated snapshots ("claude-sonnet-4-5-20250929") match their base name.
func (p *PricingTable) Lookup(model string) (ModelPricing, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if mp, ok := p.prices[model]; ok {
		return mp, true
	}
	best := ""
	for name := range p.prices {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return p.prices[best], true
	}
	return p.fallback, false
}

// Cost returns the USD cost of a call.
func (p *PricingTable) Cost(model string, inputTokens, outputTokens int) float64 {
	mp, _ := p.Lookup(model)
	return float64(inputTokens)/1_000_000*mp.InputPerMillion +
		float64(outputTokens)/1_000_000*mp.OutputPerMillion
}
