package budget

import "strings"

// Pricing holds per-1K-token unit prices for a model.
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// CostEstimate is the monetary estimate derived from a token budget. Derived
// fresh per call from the pricing table.
type CostEstimate struct {
	InputUSD     float64 `json:"input_usd"`
	OutputUSD    float64 `json:"output_usd"`
	TotalUSD     float64 `json:"total_usd"`
	WithinBudget bool    `json:"within_budget"`
}

// defaultPricing covers the models the gateway ships configured for. Unknown
// models degrade to a zero-cost estimate: cost tracking is best-effort and
// must not cost availability.
var defaultPricing = map[string]Pricing{
	"gpt-4":         {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":        {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-opus":   {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
}

// Guard converts token counts to money and enforces the per-request ceiling.
type Guard struct {
	pricing map[string]Pricing
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithPricing adds or overrides a model's pricing.
func WithPricing(model string, p Pricing) GuardOption {
	return func(g *Guard) {
		g.pricing[model] = p
	}
}

// NewGuard creates a cost guard with the built-in pricing table.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{pricing: make(map[string]Pricing, len(defaultPricing))}
	for k, v := range defaultPricing {
		g.pricing[k] = v
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// EstimateCost prices the given token counts for a model. Unknown models
// yield a zero-cost estimate rather than an error.
func (g *Guard) EstimateCost(inputTokens, outputTokens int, model string) CostEstimate {
	p, ok := g.lookup(model)
	if !ok {
		return CostEstimate{WithinBudget: true}
	}
	in := float64(inputTokens) / 1000.0 * p.InputPer1K
	out := float64(outputTokens) / 1000.0 * p.OutputPer1K
	return CostEstimate{
		InputUSD:     in,
		OutputUSD:    out,
		TotalUSD:     in + out,
		WithinBudget: true,
	}
}

// CheckBudget reports whether the estimate fits under the ceiling and stamps
// the estimate's WithinBudget flag. A ceiling of zero or less means unlimited.
func (g *Guard) CheckBudget(est *CostEstimate, ceilingUSD float64) bool {
	if ceilingUSD <= 0 {
		est.WithinBudget = true
		return true
	}
	est.WithinBudget = est.TotalUSD <= ceilingUSD
	return est.WithinBudget
}

// lookup finds pricing by exact name, then by longest configured prefix
// (handles dated model variants like gpt-4o-2024-08-06).
func (g *Guard) lookup(model string) (Pricing, bool) {
	if p, ok := g.pricing[model]; ok {
		return p, true
	}
	var best string
	for name := range g.pricing {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return g.pricing[best], true
	}
	return Pricing{}, false
}
