// Package gateway sequences token budgeting, cost guarding, provider
// selection and fallback into a single generation entry point. Callers get
// either a usable response (possibly from the rule-based stub) or a
// structured error with a stable code; raw transport failures never escape.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/socratiq/aigate/internal/budget"
	"github.com/socratiq/aigate/internal/events"
	"github.com/socratiq/aigate/internal/metrics"
	"github.com/socratiq/aigate/internal/monitor"
	"github.com/socratiq/aigate/internal/provider"
	"github.com/socratiq/aigate/internal/registry"
)

// Caller abstracts the provider client so tests can substitute fakes.
type Caller interface {
	Call(ctx context.Context, p provider.CallParams) (*provider.CallResult, error)
	Stream(ctx context.Context, p provider.CallParams) (*provider.TokenStream, error)
}

// Sink receives usage records for persistence. Persistence failures are
// logged, never surfaced to callers.
type Sink interface {
	Append(ctx context.Context, rec monitor.UsageRecord) error
}

// Stream is the pull-based token sequence returned by GenerateStream.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Config holds the orchestrator's per-request defaults.
type Config struct {
	DefaultCostCeilingUSD   float64
	DefaultMaxContextTokens int
	DefaultTemperature      float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultCostCeilingUSD:   0.50,
		DefaultMaxContextTokens: 8192,
		DefaultTemperature:      0.7,
	}
}

// Orchestrator is the public entry point for generation. Construct one per
// process and share it; all dependencies are injected.
type Orchestrator struct {
	cfg       Config
	registry  *registry.Registry
	client    Caller
	estimator *budget.Estimator
	guard     *budget.Guard
	monitor   *monitor.Monitor
	stub      *Stub
	logger    *slog.Logger

	bus  *events.Bus
	mets *metrics.Registry
	sink Sink
}

// Option configures optional orchestrator dependencies.
type Option func(*Orchestrator)

// WithEventBus publishes generation lifecycle events.
func WithEventBus(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithMetrics wires Prometheus instrumentation.
func WithMetrics(m *metrics.Registry) Option {
	return func(o *Orchestrator) { o.mets = m }
}

// WithSink persists usage records as they are recorded.
func WithSink(s Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// New creates an orchestrator.
func New(cfg Config, reg *registry.Registry, client Caller, est *budget.Estimator,
	guard *budget.Guard, mon *monitor.Monitor, logger *slog.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.DefaultMaxContextTokens <= 0 {
		cfg.DefaultMaxContextTokens = def.DefaultMaxContextTokens
	}
	if cfg.DefaultTemperature <= 0 {
		cfg.DefaultTemperature = def.DefaultTemperature
	}
	o := &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		client:    client,
		estimator: est,
		guard:     guard,
		monitor:   mon,
		stub:      NewStub(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// attempt is one prepared stage of the fallback pipeline: a provider plus
// the pre-flight estimates for calling it.
type attempt struct {
	provider ProviderTarget
	estimate budget.TokenEstimate
	cost     budget.CostEstimate
	fallback bool
}

// ProviderTarget is the resolved provider configuration for one attempt.
type ProviderTarget = registry.ProviderConfig

// maxProviderStages caps the pipeline at the primary plus one fallback.
// After the fallback fails, the request goes straight to the stub with no
// further upstream calls regardless of how many providers are configured.
const maxProviderStages = 2

// Generate runs the primary -> fallback -> stub pipeline and returns the
// first usable response.
func (o *Orchestrator) Generate(ctx context.Context, req *RequestContext) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var tried []string
	var lastErr error

	for stage := 0; stage < maxProviderStages; stage++ {
		att, err := o.prepareAttempt(req, tried, stage > 0)
		if err != nil {
			// Pre-flight rejection: no call was made, nothing is recorded.
			return nil, err
		}
		if att == nil {
			break // no usable provider remains
		}
		tried = append(tried, att.provider.ID)

		resp, callErr := o.callOnce(ctx, req, att)
		if callErr == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			// The caller abandoned the request; do not serve a stub for it.
			return nil, ctx.Err()
		}
		lastErr = callErr
	}

	return o.finishExhausted(req, tried, lastErr)
}

// prepareAttempt selects the next provider and runs the pre-flight token and
// cost checks. Returns (nil, nil) when no provider is usable. A budget
// violation on the primary rejects the whole request; on a fallback it just
// ends provider attempts, since the caller's request was already admitted.
func (o *Orchestrator) prepareAttempt(req *RequestContext, tried []string, isFallback bool) (*attempt, error) {
	target, ok := o.registry.SelectFallback(tried...)
	if !ok {
		return nil, nil
	}

	maxCtx := req.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = target.MaxContextTokens
	}
	if maxCtx <= 0 {
		maxCtx = o.cfg.DefaultMaxContextTokens
	}

	est := o.estimator.Estimate(req.Messages, target.Model, maxCtx)
	cost := o.guard.EstimateCost(est.InputTokens, est.OutputBudget, target.Model)

	ceiling := req.CostCeilingUSD
	if ceiling <= 0 {
		ceiling = o.cfg.DefaultCostCeilingUSD
	}
	if !o.guard.CheckBudget(&cost, ceiling) {
		if o.mets != nil {
			o.mets.BudgetRejects.Inc()
		}
		if !isFallback {
			return nil, NewError(CodeBudgetExceeded, "estimated cost exceeds the request ceiling")
		}
		o.logger.Warn("fallback provider skipped: over budget",
			slog.String("provider", target.ID),
			slog.Float64("estimated_usd", cost.TotalUSD),
			slog.Float64("ceiling_usd", ceiling),
		)
		return nil, nil
	}

	return &attempt{provider: target, estimate: est, cost: cost, fallback: isFallback}, nil
}

// callOnce executes one attempt and records its terminal outcome.
func (o *Orchestrator) callOnce(ctx context.Context, req *RequestContext, att *attempt) (*Response, error) {
	params := o.callParams(req, att)

	start := time.Now()
	result, err := o.client.Call(ctx, params)
	latencyMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		if ctx.Err() != nil {
			// Caller cancellation says nothing about provider health: no
			// demotion, no usage record.
			return nil, ctx.Err()
		}
		classified := provider.Classify(err)
		o.registry.MarkFailed(att.provider.ID, classified.Error())
		o.record(monitor.UsageRecord{
			SessionID:   req.SessionID,
			ProviderID:  att.provider.ID,
			Model:       att.provider.Model,
			LatencyMs:   latencyMs,
			InputTokens: att.estimate.InputTokens,
			Success:     false,
			ErrorClass:  string(classified.Class),
			Fallback:    att.fallback,
		})
		o.logger.Warn("provider call failed",
			slog.String("provider", att.provider.ID),
			slog.String("class", string(classified.Class)),
			slog.String("error", classified.Error()),
		)
		return nil, classified
	}

	o.registry.MarkSucceeded(att.provider.ID)

	actualCost := o.guard.EstimateCost(result.InputTokens, result.OutputTokens, att.provider.Model)
	resp := &Response{
		Content:      result.Content,
		Provider:     att.provider.ID,
		Model:        att.provider.Model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUSD:      actualCost.TotalUSD,
		LatencyMs:    latencyMs,
		Fallback:     att.fallback,
		Suggestion:   att.estimate.Suggestion,
	}

	o.record(monitor.UsageRecord{
		SessionID:    req.SessionID,
		ProviderID:   att.provider.ID,
		Model:        att.provider.Model,
		LatencyMs:    latencyMs,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUSD:      actualCost.TotalUSD,
		Success:      true,
		Fallback:     att.fallback,
	})

	eventType := events.EventGenerateSuccess
	if att.fallback {
		eventType = events.EventGenerateFallback
	}
	o.publish(events.Event{
		Type:       eventType,
		SessionID:  req.SessionID,
		ProviderID: att.provider.ID,
		Model:      att.provider.Model,
		LatencyMs:  latencyMs,
		CostUSD:    actualCost.TotalUSD,
	})

	return resp, nil
}

// finishExhausted handles the terminal stage after every provider attempt
// failed or none was usable.
func (o *Orchestrator) finishExhausted(req *RequestContext, tried []string, lastErr error) (*Response, error) {
	if req.DisableStub {
		// Attempts were already recorded individually; a zero-attempt hard
		// failure still needs its one terminal record.
		if len(tried) == 0 {
			o.record(monitor.UsageRecord{
				SessionID:  req.SessionID,
				ProviderID: "none",
				Success:    false,
				ErrorClass: string(CodeProviderUnavailable),
			})
		}
		o.publish(events.Event{
			Type:      events.EventGenerateError,
			SessionID: req.SessionID,
			ErrorCode: string(CodeAllProvidersExhausted),
		})
		if lastErr != nil {
			return nil, WrapError(CodeAllProvidersExhausted, "no provider produced a response", lastErr)
		}
		return nil, NewError(CodeAllProvidersExhausted, "no provider is available")
	}

	content := o.stub.Respond(req)
	o.record(monitor.UsageRecord{
		SessionID:  req.SessionID,
		ProviderID: "stub",
		Success:    true,
		Fallback:   true,
		Stub:       true,
	})
	o.publish(events.Event{
		Type:      events.EventStubResponse,
		SessionID: req.SessionID,
	})
	o.logger.Info("served rule-based stub response",
		slog.String("session_id", req.SessionID),
		slog.Int("providers_tried", len(tried)),
	)

	return &Response{
		Content:  content,
		Provider: "stub",
		Fallback: true,
		Stub:     true,
	}, nil
}

func (o *Orchestrator) callParams(req *RequestContext, att *attempt) provider.CallParams {
	temp := req.Temperature
	if temp == 0 {
		if att.provider.Temperature > 0 {
			temp = att.provider.Temperature
		} else {
			temp = o.cfg.DefaultTemperature
		}
	}
	return provider.CallParams{
		Endpoint:        att.provider.Endpoint,
		Model:           att.provider.Model,
		Credential:      att.provider.Credential,
		Messages:        req.Messages,
		Temperature:     temp,
		MaxOutputTokens: att.estimate.OutputBudget,
	}
}

// record folds one terminal attempt into the monitor, metrics and the
// persistence sink.
func (o *Orchestrator) record(rec monitor.UsageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	o.monitor.Record(rec)

	if o.mets != nil {
		status := "success"
		if !rec.Success {
			status = "error"
		}
		o.mets.RequestsTotal.WithLabelValues(rec.ProviderID, rec.Model, status).Inc()
		o.mets.RequestLatency.WithLabelValues(rec.ProviderID, rec.Model).Observe(rec.LatencyMs)
		o.mets.CostUSD.WithLabelValues(rec.ProviderID, rec.Model).Add(rec.CostUSD)
		o.mets.TokensTotal.WithLabelValues(rec.ProviderID, rec.Model, "input").Add(float64(rec.InputTokens))
		o.mets.TokensTotal.WithLabelValues(rec.ProviderID, rec.Model, "output").Add(float64(rec.OutputTokens))
		if rec.Fallback {
			o.mets.FallbacksTotal.WithLabelValues(rec.ProviderID).Inc()
		}
		if rec.Stub {
			o.mets.StubsTotal.Inc()
		}
	}

	if o.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.sink.Append(ctx, rec); err != nil {
			o.logger.Error("usage record persistence failed", slog.String("error", err.Error()))
		}
	}
}

func (o *Orchestrator) publish(e events.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

// GenerateStream runs the same selection and guard pipeline but returns a
// pull-based token stream. Usage is recorded once, when the stream
// terminates.
func (o *Orchestrator) GenerateStream(ctx context.Context, req *RequestContext) (Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var tried []string
	var lastErr error

	for stage := 0; stage < maxProviderStages; stage++ {
		att, err := o.prepareAttempt(req, tried, stage > 0)
		if err != nil {
			return nil, err
		}
		if att == nil {
			break
		}
		tried = append(tried, att.provider.ID)

		params := o.callParams(req, att)
		start := time.Now()
		ts, openErr := o.client.Stream(ctx, params)
		openLatencyMs := float64(time.Since(start).Milliseconds())

		if openErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			classified := provider.Classify(openErr)
			o.registry.MarkFailed(att.provider.ID, classified.Error())
			o.record(monitor.UsageRecord{
				SessionID:   req.SessionID,
				ProviderID:  att.provider.ID,
				Model:       att.provider.Model,
				LatencyMs:   openLatencyMs,
				InputTokens: att.estimate.InputTokens,
				Success:     false,
				ErrorClass:  string(classified.Class),
				Fallback:    att.fallback,
			})
			o.logger.Warn("provider stream open failed",
				slog.String("provider", att.provider.ID),
				slog.String("class", string(classified.Class)),
			)
			lastErr = classified
			continue
		}

		o.registry.MarkSucceeded(att.provider.ID)
		return &monitoredStream{
			inner:     ts,
			orch:      o,
			req:       req,
			att:       att,
			latencyMs: openLatencyMs,
		}, nil
	}

	if req.DisableStub {
		if len(tried) == 0 {
			o.record(monitor.UsageRecord{
				SessionID:  req.SessionID,
				ProviderID: "none",
				Success:    false,
				ErrorClass: string(CodeProviderUnavailable),
			})
		}
		o.publish(events.Event{
			Type:      events.EventGenerateError,
			SessionID: req.SessionID,
			ErrorCode: string(CodeAllProvidersExhausted),
		})
		if lastErr != nil {
			return nil, WrapError(CodeAllProvidersExhausted, "no provider produced a stream", lastErr)
		}
		return nil, NewError(CodeAllProvidersExhausted, "no provider is available")
	}

	content := o.stub.Respond(req)
	o.record(monitor.UsageRecord{
		SessionID:  req.SessionID,
		ProviderID: "stub",
		Success:    true,
		Fallback:   true,
		Stub:       true,
	})
	o.publish(events.Event{Type: events.EventStubResponse, SessionID: req.SessionID})
	return newStubStream(content), nil
}

// monitoredStream forwards tokens from the provider stream and records one
// usage record when the stream terminates, whether by exhaustion, error or
// caller Close.
type monitoredStream struct {
	inner     *provider.TokenStream
	orch      *Orchestrator
	req       *RequestContext
	att       *attempt
	latencyMs float64

	once    sync.Once
	sawData bool
}

func (m *monitoredStream) Recv() (string, error) {
	tok, err := m.inner.Recv()
	if err != nil {
		m.finish(err)
		return "", err
	}
	m.sawData = true
	return tok, nil
}

func (m *monitoredStream) Close() error {
	err := m.inner.Close()
	m.finish(io.EOF)
	return err
}

// finish records the stream outcome exactly once. A clean EOF (or caller
// close) counts as success; an error before any token counts as failure.
func (m *monitoredStream) finish(termErr error) {
	m.once.Do(func() {
		_, chars := m.inner.Emitted()
		// The wire does not carry usage for streams; approximate output
		// tokens the same way the estimator's fallback does.
		outputTokens := chars / 4

		success := errors.Is(termErr, io.EOF) || errors.Is(termErr, provider.ErrStreamClosed) || m.sawData
		var errClass string
		if !success {
			errClass = string(provider.Classify(termErr).Class)
		}

		cost := m.orch.guard.EstimateCost(m.att.estimate.InputTokens, outputTokens, m.att.provider.Model)
		m.orch.record(monitor.UsageRecord{
			SessionID:    m.req.SessionID,
			ProviderID:   m.att.provider.ID,
			Model:        m.att.provider.Model,
			LatencyMs:    m.latencyMs,
			InputTokens:  m.att.estimate.InputTokens,
			OutputTokens: outputTokens,
			CostUSD:      cost.TotalUSD,
			Success:      success,
			ErrorClass:   errClass,
			Fallback:     m.att.fallback,
		})

		eventType := events.EventGenerateSuccess
		if m.att.fallback {
			eventType = events.EventGenerateFallback
		}
		if !success {
			eventType = events.EventGenerateError
		}
		m.orch.publish(events.Event{
			Type:       eventType,
			SessionID:  m.req.SessionID,
			ProviderID: m.att.provider.ID,
			Model:      m.att.provider.Model,
			LatencyMs:  m.latencyMs,
			CostUSD:    cost.TotalUSD,
			ErrorCode:  errClass,
		})
	})
}

// stubStream replays the stub response word by word so streaming callers get
// the same shape as a live provider stream.
type stubStream struct {
	words []string
	pos   int
}

func newStubStream(content string) *stubStream {
	return &stubStream{words: splitWords(content)}
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' {
			if start >= 0 {
				words = append(words, s[start:i+1])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}

func (s *stubStream) Recv() (string, error) {
	if s.pos >= len(s.words) {
		return "", io.EOF
	}
	w := s.words[s.pos]
	s.pos++
	return w, nil
}

func (s *stubStream) Close() error {
	s.pos = len(s.words)
	return nil
}
