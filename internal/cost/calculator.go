package cost

// Rates holds per-provider pricing configuration.
type Rates struct {
	Perplexity PerplexityRate `yaml:"perplexity" mapstructure:"perplexity"`
}

// PerplexityRate holds Perplexity pricing.
type PerplexityRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// PerplexityQuery returns the flat cost per Perplexity query.
func (c *Calculator) PerplexityQuery() float64 {
	return c.rates.Perplexity.PerQuery
}

// Batch returns the cost of one research batch of n role queries.
func (c *Calculator) Batch(n int) float64 {
	return float64(n) * c.rates.Perplexity.PerQuery
}

// Savings returns the cost avoided by serving n requests from cache, given
// the per-batch role count.
func (c *Calculator) Savings(cacheHits, rolesPerBatch int) float64 {
	return float64(cacheHits) * c.Batch(rolesPerBatch)
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Perplexity: PerplexityRate{PerQuery: 0.005},
	}
}
