package cost

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates holds per-provider pricing configuration, keyed by provider id
// then model id.
type Rates struct {
	Models   map[string]map[string]ModelRate `yaml:"models" mapstructure:"models"`
	PerQuery map[string]float64              `yaml:"per_query" mapstructure:"per_query"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Tokens computes the cost of a token-metered call. Unknown provider/model
// pairs cost the provider's flat per-query rate, or zero.
func (c *Calculator) Tokens(provider, model string, input, output int) float64 {
	if models, ok := c.rates.Models[provider]; ok {
		if rate, ok := models[model]; ok {
			return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
		}
	}
	return c.rates.PerQuery[provider]
}

// DefaultRates returns the default pricing rates for the built-in providers.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]map[string]ModelRate{
			"anthropic": {
				"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
				"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			},
			"openai": {
				"gpt-4o-mini": {Input: 0.15, Output: 0.60},
				"gpt-4o":      {Input: 2.50, Output: 10.00},
			},
			"gemini": {
				"gemini-2.0-flash": {Input: 0.10, Output: 0.40},
			},
		},
		PerQuery: map[string]float64{
			"perplexity": 0.005,
		},
	}
}
