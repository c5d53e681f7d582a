package config

import "log/slog"

// ModelPrice holds per-million-token USD prices for one model.
type ModelPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// PricingTable maps model names to prices. Unknown models degrade to
// DefaultPrice with a logged warning so cost accounting never fails a job.
type PricingTable struct {
	Models       map[string]ModelPrice
	DefaultPrice ModelPrice
}

// DefaultPricingTable returns the statically-configured price table.
func DefaultPricingTable() *PricingTable {
	return &PricingTable{
		Models: map[string]ModelPrice{
			"claude-sonnet-4-20250514":   {InputPerMTok: 3.00, OutputPerMTok: 15.00},
			"claude-3-7-sonnet-20250219": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
			"claude-3-5-haiku-20241022":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
		},
		DefaultPrice: ModelPrice{InputPerMTok: 3.00, OutputPerMTok: 15.00},
	}
}

// CostFor converts token counts into a USD cost for the given model.
func (t *PricingTable) CostFor(inputTokens, outputTokens int, model string) float64 {
	price, ok := t.Models[model]
	if !ok {
		slog.Warn("Unknown model in pricing table, using default price", "model", model)
		price = t.DefaultPrice
	}
	return float64(inputTokens)/1_000_000*price.InputPerMTok +
		float64(outputTokens)/1_000_000*price.OutputPerMTok
}
