// Package budget computes per-call token and cost budgets. Both estimators
// are best-effort by design: a counting or pricing failure degrades the
// estimate instead of failing the call, so budgeting never takes the gateway
// down with it.
package budget

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/socratiq/aigate/internal/provider"
)

const (
	// Per-message role/format overhead applied on top of content tokens.
	messageOverheadTokens = 4

	// Output allowance clamps.
	minOutputTokens = 100
	maxOutputTokens = 1000

	// Below this remaining budget the estimate is flagged non-optimal.
	lowBudgetFloor = 250
)

// TokenEstimate is the token budget computed for one call against one
// provider's context window. Derived fresh per call, never persisted.
type TokenEstimate struct {
	InputTokens  int    `json:"input_tokens"`
	OutputBudget int    `json:"output_budget"`
	Optimal      bool   `json:"optimal"`
	Suggestion   string `json:"suggestion,omitempty"`
}

// Estimator computes token budgets using a model-aware tokenizer with a
// character-count fallback.
type Estimator struct {
	reserveTokens int
}

// NewEstimator creates an estimator that holds back reserveTokens of the
// context window for provider-side framing.
func NewEstimator(reserveTokens int) *Estimator {
	if reserveTokens < 0 {
		reserveTokens = 0
	}
	return &Estimator{reserveTokens: reserveTokens}
}

// Estimate computes the input token count of the message history and the
// output allowance that fits the provider's context window. It never fails:
// when the tokenizer rejects the model it falls back to a coarse
// character-based approximation and flags the result non-optimal.
func (e *Estimator) Estimate(messages []provider.Message, model string, maxContextTokens int) TokenEstimate {
	inputTokens, exact := countTokens(messages, model)

	est := TokenEstimate{
		InputTokens: inputTokens,
		Optimal:     exact,
	}
	if !exact {
		est.Suggestion = "token count is approximate for this model"
	}

	remaining := maxContextTokens - inputTokens - e.reserveTokens
	if remaining < lowBudgetFloor {
		est.Optimal = false
		est.Suggestion = "conversation is close to the context window; shorten the message history"
	}

	budget := remaining
	if budget < minOutputTokens {
		budget = minOutputTokens
	}
	if budget > maxOutputTokens {
		budget = maxOutputTokens
	}
	est.OutputBudget = budget
	return est
}

// countTokens returns the token count for the serialized history and whether
// the count came from a real tokenizer (as opposed to the chars/4 fallback).
func countTokens(messages []provider.Message, model string) (int, bool) {
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return approximateTokens(messages), false
	}

	total := 0
	for _, msg := range messages {
		total += len(tkm.Encode(msg.Content, nil, nil)) + messageOverheadTokens
	}
	return total, true
}

// approximateTokens is the coarse chars/4 fallback.
func approximateTokens(messages []provider.Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content)/4 + messageOverheadTokens
	}
	return total
}
