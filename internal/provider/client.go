package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultCallTimeout   = 45 * time.Second
	defaultStreamTimeout = 3 * time.Minute
)

// CallParams carries everything needed for one call against one provider.
type CallParams struct {
	Endpoint        string // provider base URL
	Model           string
	Credential      string // bearer token
	Messages        []Message
	Temperature     float64
	MaxOutputTokens int
}

// CallResult is the parsed outcome of a single successful provider call.
type CallResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Client executes calls and streams against configured providers. One Client
// serves all providers; per-call parameters select the target.
type Client struct {
	callClient   *http.Client
	streamClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout sets the timeout for single-shot calls.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callClient.Timeout = d
	}
}

// WithStreamTimeout bounds the total lifetime of a streaming connection,
// including body consumption. Long-context generation can legitimately run
// for minutes, so this is much looser than the call timeout.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.streamClient.Timeout = d
	}
}

// WithTransport sets the HTTP transport for both clients. Used to wire in
// OTel-instrumented round trippers.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.callClient.Transport = rt
		c.streamClient.Transport = rt
	}
}

// NewClient creates a provider client with default timeouts.
func NewClient(opts ...Option) *Client {
	c := &Client{
		callClient:   &http.Client{Timeout: defaultCallTimeout},
		streamClient: &http.Client{Timeout: defaultStreamTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call issues one chat completion request and parses the response. Failures
// come back as classifiable errors; the caller decides whether to fall back.
func (c *Client) Call(ctx context.Context, p CallParams) (*CallResult, error) {
	payload := chatRequest{
		Model:       p.Model,
		Messages:    p.Messages,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxOutputTokens,
	}

	start := time.Now()
	body, err := c.doRequest(ctx, p.Endpoint+"/v1/chat/completions", payload, p.Credential)
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	resp, err := parseChatResponse(body)
	if err != nil {
		return nil, err
	}

	return &CallResult{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Latency:      latency,
	}, nil
}

// Stream opens a streaming chat completion and returns a pull-based token
// stream. The caller must Close the stream; closing aborts the underlying
// connection.
func (c *Client) Stream(ctx context.Context, p CallParams) (*TokenStream, error) {
	payload := chatRequest{
		Model:       p.Model,
		Messages:    p.Messages,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxOutputTokens,
		Stream:      true,
	}

	body, err := c.doStreamRequest(ctx, p.Endpoint+"/v1/chat/completions", payload, p.Credential)
	if err != nil {
		return nil, err
	}
	return newTokenStream(body), nil
}

// doRequest sends a POST with a JSON payload and returns the response body
// bytes. Non-200 responses become StatusError with Retry-After parsing.
func (c *Client) doRequest(ctx context.Context, url string, payload any, credential string) ([]byte, error) {
	ctx, span := otel.Tracer("aigate.provider").Start(ctx, "provider.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	resp, err := c.send(ctx, c.callClient, url, payload, credential)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return body, nil
}

// doStreamRequest sends a POST and returns the raw body for streaming
// consumption. The span is not ended here; it closes with the body.
func (c *Client) doStreamRequest(ctx context.Context, url string, payload any, credential string) (io.ReadCloser, error) {
	ctx, span := otel.Tracer("aigate.provider").Start(ctx, "provider.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)

	resp, err := c.send(ctx, c.streamClient, url, payload, credential)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		span.End()
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			span.RecordError(readErr)
			span.SetStatus(codes.Error, "read error response failed")
			span.End()
			return nil, fmt.Errorf("failed to read error response: %w", readErr)
		}
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		span.End()
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return &spanCloser{ReadCloser: resp.Body, span: span}, nil
}

func (c *Client) send(ctx context.Context, client *http.Client, url string, payload any, credential string) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	// Propagate W3C trace context (traceparent/tracestate) to the provider.
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// spanCloser wraps an io.ReadCloser and ends the associated OTel span on Close.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}
