package provider

import (
	"encoding/json"
	"fmt"
)

// Message is a single turn of dialogue in the provider-agnostic envelope.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the upstream wire format (OpenAI-compatible chat completion).
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// chatResponse is the upstream single-shot response body.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// streamChunk is one SSE data frame of a streaming response.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// parseChatResponse validates and decodes a response body. A body that does
// not carry at least one choice is rejected at the boundary instead of being
// passed upstream half-parsed.
func parseChatResponse(body []byte) (*chatResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed provider response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("provider response carries no choices")
	}
	return &resp, nil
}
