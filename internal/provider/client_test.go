package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatBody(content string, promptTokens, completionTokens int) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	})
	return string(b)
}

func TestCallSuccess(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(chatBody("What precedent governs here?", 100, 50)))
	}))
	defer srv.Close()

	c := NewClient()
	res, err := c.Call(context.Background(), CallParams{
		Endpoint:        srv.URL,
		Model:           "gpt-4o-mini",
		Credential:      "sk-test",
		Messages:        []Message{{Role: "user", Content: "Socratic follow-up please"}},
		Temperature:     0.7,
		MaxOutputTokens: 500,
	})
	require.NoError(t, err)

	assert.Equal(t, "What precedent governs here?", res.Content)
	assert.Equal(t, 100, res.InputTokens)
	assert.Equal(t, 50, res.OutputTokens)
	assert.Greater(t, res.Latency, time.Duration(0))

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	assert.Equal(t, 500, gotReq.MaxTokens)
	assert.False(t, gotReq.Stream)
}

func TestCallStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit"}`))
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Call(context.Background(), CallParams{Endpoint: srv.URL, Model: "m"})
	require.Error(t, err)

	ce := Classify(err)
	assert.Equal(t, ClassRateLimited, ce.Class)
	assert.Equal(t, 7, ce.RetryAfter)
}

func TestCallMalformedResponseRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"unexpected":"shape"}`))
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Call(context.Background(), CallParams{Endpoint: srv.URL, Model: "m"})
	require.Error(t, err)
	assert.Equal(t, ClassUnknown, Classify(err).Class)
}

func TestCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(WithCallTimeout(50 * time.Millisecond))
	_, err := c.Call(context.Background(), CallParams{Endpoint: srv.URL, Model: "m"})
	require.Error(t, err)
	assert.Equal(t, ClassTimeout, Classify(err).Class)
}

func TestCallNetworkError(t *testing.T) {
	c := NewClient()
	// Nothing listens here.
	_, err := c.Call(context.Background(), CallParams{Endpoint: "http://127.0.0.1:1", Model: "m"})
	require.Error(t, err)
	assert.Equal(t, ClassNetwork, Classify(err).Class)
}

func TestClassifyAuthAndServer(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{401, ClassAuth},
		{403, ClassAuth},
		{429, ClassRateLimited},
		{500, ClassServer},
		{503, ClassServer},
		{418, ClassUnknown},
	}
	for _, tc := range tests {
		err := &StatusError{StatusCode: tc.status, Body: "x"}
		assert.Equal(t, tc.want, Classify(err).Class, "status %d", tc.status)
	}
}

func TestClassifyNilAndIdempotent(t *testing.T) {
	assert.Nil(t, Classify(nil))

	ce := &ClassifiedError{Err: assert.AnError, Class: ClassTimeout}
	assert.Same(t, ce, Classify(ce))
}
