package gateway

import (
	"strings"

	"github.com/socratiq/aigate/internal/provider"
)

// RequestContext is the caller-facing generation request. Zero-valued knobs
// fall back to the orchestrator's configured defaults.
type RequestContext struct {
	SessionID string             `json:"session_id,omitempty"`
	Messages  []provider.Message `json:"messages"`
	Topic     string             `json:"topic,omitempty"`
	CaseID    string             `json:"case_id,omitempty"`

	Temperature      float64 `json:"temperature,omitempty"`
	MaxContextTokens int     `json:"max_context_tokens,omitempty"`
	CostCeilingUSD   float64 `json:"cost_ceiling_usd,omitempty"`

	// DisableStub turns off the last-resort rule-based response; exhausting
	// all providers then surfaces an error instead.
	DisableStub bool `json:"disable_stub,omitempty"`
}

// Validate rejects requests the orchestrator cannot act on.
func (r *RequestContext) Validate() error {
	if len(r.Messages) == 0 {
		return NewError(CodeInvalidInput, "messages must not be empty")
	}
	for _, m := range r.Messages {
		if strings.TrimSpace(m.Content) == "" {
			return NewError(CodeInvalidInput, "message content must not be empty")
		}
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return NewError(CodeInvalidInput, "unknown message role")
		}
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return NewError(CodeInvalidInput, "temperature must be between 0 and 2")
	}
	return nil
}

// lastUserContent returns the content of the most recent user message, used
// by the rule-based stub.
func (r *RequestContext) lastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Response is the caller-facing generation result.
type Response struct {
	Content      string  `json:"content"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    float64 `json:"latency_ms"`
	Fallback     bool    `json:"fallback"`
	Stub         bool    `json:"stub"`
	Suggestion   string  `json:"suggestion,omitempty"`
}
