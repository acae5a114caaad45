package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculatorBatch(t *testing.T) {
	c := NewCalculator(DefaultRates())

	assert.InDelta(t, 0.005, c.PerplexityQuery(), 1e-9)
	assert.InDelta(t, 0.025, c.Batch(5), 1e-9)
	assert.Equal(t, 0.0, c.Batch(0))
}

func TestCalculatorSavings(t *testing.T) {
	c := NewCalculator(DefaultRates())

	assert.InDelta(t, 0.25, c.Savings(10, 5), 1e-9)
	assert.Equal(t, 0.0, c.Savings(0, 5))
}

func TestCalculatorCustomRates(t *testing.T) {
	c := NewCalculator(Rates{Perplexity: PerplexityRate{PerQuery: 0.01}})

	assert.InDelta(t, 0.05, c.Batch(5), 1e-9)
}
