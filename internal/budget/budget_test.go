package budget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/socratiq/aigate/internal/provider"
)

func TestEstimateCountsInput(t *testing.T) {
	e := NewEstimator(100)
	msgs := []provider.Message{
		{Role: "system", Content: "You are a Socratic law tutor."},
		{Role: "user", Content: "Explain the rule against perpetuities."},
	}
	est := e.Estimate(msgs, "gpt-4o-mini", 128000)

	assert.Greater(t, est.InputTokens, 0)
	// Plenty of window left, so the allowance is clamped at the maximum.
	assert.Equal(t, maxOutputTokens, est.OutputBudget)
	assert.NotContains(t, est.Suggestion, "shorten")
}

func TestEstimateTightWindowFlagsNonOptimal(t *testing.T) {
	e := NewEstimator(50)
	long := strings.Repeat("consideration ", 200)
	msgs := []provider.Message{{Role: "user", Content: long}}

	// Window barely larger than the input: remaining budget dips below the
	// floor and the caller is told to shorten the history.
	tight := e.Estimate(msgs, "gpt-4o-mini", 1)
	assert.False(t, tight.Optimal)
	assert.Contains(t, tight.Suggestion, "shorten")
	// The allowance never drops below the minimum even when the window is gone.
	assert.Equal(t, minOutputTokens, tight.OutputBudget)
}

func TestEstimateUnknownModelFallsBack(t *testing.T) {
	e := NewEstimator(0)
	msgs := []provider.Message{{Role: "user", Content: "abcd efgh ijkl mnop"}}

	// Unknown model must not fail; cl100k_base or chars/4 picks it up.
	est := e.Estimate(msgs, "totally-made-up-model", 8000)
	assert.Greater(t, est.InputTokens, 0)
	assert.Greater(t, est.OutputBudget, 0)
}

func TestEstimateOutputClampedToWindow(t *testing.T) {
	e := NewEstimator(0)
	msgs := []provider.Message{{Role: "user", Content: strings.Repeat("x", 400)}}

	est := e.Estimate(msgs, "gpt-4o-mini", 700)
	assert.LessOrEqual(t, est.OutputBudget, maxOutputTokens)
	assert.GreaterOrEqual(t, est.OutputBudget, minOutputTokens)
}

func TestEstimateCostKnownModel(t *testing.T) {
	g := NewGuard()
	est := g.EstimateCost(1000, 500, "gpt-4")

	assert.InDelta(t, 0.01, est.InputUSD, 1e-9)
	assert.InDelta(t, 0.015, est.OutputUSD, 1e-9)
	assert.InDelta(t, 0.025, est.TotalUSD, 1e-9)
}

func TestEstimateCostUnknownModelIsZero(t *testing.T) {
	g := NewGuard()
	est := g.EstimateCost(100000, 100000, "mystery-model")
	assert.Zero(t, est.TotalUSD)
	assert.True(t, est.WithinBudget)
}

func TestEstimateCostPrefixMatch(t *testing.T) {
	g := NewGuard()
	dated := g.EstimateCost(1000, 0, "gpt-4o-2024-08-06")
	base := g.EstimateCost(1000, 0, "gpt-4o")
	assert.Equal(t, base.TotalUSD, dated.TotalUSD)

	// The longest prefix wins: gpt-4o-mini-* must not price as gpt-4o.
	mini := g.EstimateCost(1000, 0, "gpt-4o-mini-2024-07-18")
	assert.Less(t, mini.TotalUSD, base.TotalUSD)
}

func TestCheckBudget(t *testing.T) {
	g := NewGuard()

	est := g.EstimateCost(10000, 1000, "claude-opus") // 0.15 + 0.075 = 0.225
	assert.True(t, g.CheckBudget(&est, 0.50))
	assert.True(t, est.WithinBudget)

	assert.False(t, g.CheckBudget(&est, 0.10))
	assert.False(t, est.WithinBudget)

	// Zero ceiling means unlimited.
	assert.True(t, g.CheckBudget(&est, 0))
	assert.True(t, est.WithinBudget)
}

func TestCustomPricingOption(t *testing.T) {
	g := NewGuard(WithPricing("local-llama", Pricing{InputPer1K: 0.001, OutputPer1K: 0.002}))
	est := g.EstimateCost(2000, 1000, "local-llama")
	assert.InDelta(t, 0.004, est.TotalUSD, 1e-9)
}
