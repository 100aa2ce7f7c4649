// Package monitor records every terminal generation attempt, maintains
// rolling aggregates and per-provider health scores, and raises deduplicated
// threshold alerts.
package monitor

import (
	"sync"
	"time"

	"github.com/socratiq/aigate/internal/events"
)

// UsageRecord is a single data point for one terminal attempt against a
// provider (or the stub).
type UsageRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id,omitempty"`
	ProviderID   string    `json:"provider_id"`
	Model        string    `json:"model,omitempty"`
	LatencyMs    float64   `json:"latency_ms"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Success      bool      `json:"success"`
	ErrorClass   string    `json:"error_class,omitempty"`
	Fallback     bool      `json:"fallback"`
	Stub         bool      `json:"stub"`
}

// TotalTokens returns input plus output tokens.
func (r UsageRecord) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// ProviderHealth is the per-provider rollup including the composite 0-100
// health score.
type ProviderHealth struct {
	ProviderID   string    `json:"provider_id"`
	Requests     int       `json:"requests"`
	Successes    int       `json:"successes"`
	SuccessRate  float64   `json:"success_rate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	TotalTokens  int       `json:"total_tokens"`
	LastUsed     time.Time `json:"last_used"`
	HealthScore  float64   `json:"health_score"`
}

// DayStats is the per-calendar-day rollup (UTC days).
type DayStats struct {
	Date         string  `json:"date"` // YYYY-MM-DD
	Requests     int     `json:"requests"`
	Errors       int     `json:"errors"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalTokens  int     `json:"total_tokens"`
}

// Metrics is the aggregate snapshot returned to callers.
type Metrics struct {
	TotalRequests     int              `json:"total_requests"`
	TotalErrors       int              `json:"total_errors"`
	FallbackCount     int              `json:"fallback_count"`
	StubCount         int              `json:"stub_count"`
	TotalInputTokens  int              `json:"total_input_tokens"`
	TotalOutputTokens int              `json:"total_output_tokens"`
	TotalCostUSD      float64          `json:"total_cost_usd"`
	AvgLatencyMs      float64          `json:"avg_latency_ms"`
	Providers         []ProviderHealth `json:"providers"`
	Daily             []DayStats       `json:"daily"`
}

// Config tunes record retention and health scoring.
type Config struct {
	// MaxRecords caps the in-memory history ring; oldest entries are evicted.
	MaxRecords int
	// Retention bounds how old a record may be before Prune drops it.
	Retention time.Duration
	// AlertRetention bounds how long acknowledged alerts are kept.
	AlertRetention time.Duration
	// LatencyFloorMs is the latency below which a provider takes no health
	// penalty.
	LatencyFloorMs float64
	// Thresholds drive alert evaluation after each record.
	Thresholds Thresholds
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRecords:     10000,
		Retention:      7 * 24 * time.Hour,
		AlertRetention: 24 * time.Hour,
		LatencyFloorMs: 2000,
		Thresholds:     DefaultThresholds(),
	}
}

type providerStats struct {
	requests     int
	successes    int
	totalLatency float64
	totalCost    float64
	totalTokens  int
	lastUsed     time.Time
}

// Monitor is the performance monitor. All state is process-local and guarded
// by a single mutex; Record is called synchronously from the request path.
type Monitor struct {
	cfg Config
	bus *events.Bus
	now func() time.Time

	mu          sync.Mutex
	records     []UsageRecord
	totals      Metrics
	ewmaLatency float64
	providers   map[string]*providerStats
	daily       map[string]*DayStats
	alerts      []Alert
}

// Option configures optional Monitor behaviour.
type Option func(*Monitor)

// WithEventBus attaches an event bus so raised alerts are published.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// New creates a performance monitor.
func New(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = def.MaxRecords
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.AlertRetention <= 0 {
		cfg.AlertRetention = def.AlertRetention
	}
	if cfg.LatencyFloorMs <= 0 {
		cfg.LatencyFloorMs = def.LatencyFloorMs
	}
	m := &Monitor{
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		providers: make(map[string]*providerStats),
		daily:     make(map[string]*DayStats),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Record folds one terminal attempt into the rolling state and evaluates the
// alert rules.
func (m *Monitor) Record(rec UsageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}

	m.mu.Lock()
	m.appendLocked(rec)
	m.evaluateAlertsLocked(rec.Timestamp)
	m.mu.Unlock()
}

// Seed bulk-loads historical records (e.g. from the database on startup) so
// aggregates are not blank after a restart. Seeded records do not trigger
// alert evaluation.
func (m *Monitor) Seed(records []UsageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if rec.Timestamp.IsZero() {
			continue
		}
		m.appendLocked(rec)
	}
}

// appendLocked updates the ring buffer and all running aggregates. Caller
// must hold m.mu.
func (m *Monitor) appendLocked(rec UsageRecord) {
	m.records = append(m.records, rec)
	if len(m.records) > m.cfg.MaxRecords {
		m.records = m.records[len(m.records)-m.cfg.MaxRecords:]
	}

	m.totals.TotalRequests++
	if !rec.Success {
		m.totals.TotalErrors++
	}
	if rec.Fallback {
		m.totals.FallbackCount++
	}
	if rec.Stub {
		m.totals.StubCount++
	}
	m.totals.TotalInputTokens += rec.InputTokens
	m.totals.TotalOutputTokens += rec.OutputTokens
	m.totals.TotalCostUSD += rec.CostUSD

	// Exponentially-weighted moving average keeps the headline latency
	// responsive without storing a separate window.
	if m.totals.TotalRequests == 1 {
		m.ewmaLatency = rec.LatencyMs
	} else {
		m.ewmaLatency = 0.9*m.ewmaLatency + 0.1*rec.LatencyMs
	}

	ps := m.providers[rec.ProviderID]
	if ps == nil {
		ps = &providerStats{}
		m.providers[rec.ProviderID] = ps
	}
	ps.requests++
	if rec.Success {
		ps.successes++
	}
	ps.totalLatency += rec.LatencyMs
	ps.totalCost += rec.CostUSD
	ps.totalTokens += rec.TotalTokens()
	if rec.Timestamp.After(ps.lastUsed) {
		ps.lastUsed = rec.Timestamp
	}

	day := rec.Timestamp.UTC().Format("2006-01-02")
	ds := m.daily[day]
	if ds == nil {
		ds = &DayStats{Date: day}
		m.daily[day] = ds
	}
	ds.Requests++
	if !rec.Success {
		ds.Errors++
	}
	ds.TotalCostUSD += rec.CostUSD
	ds.TotalTokens += rec.TotalTokens()
}

// Snapshot returns the current aggregate view.
func (m *Monitor) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.totals
	out.AvgLatencyMs = m.ewmaLatency

	now := m.now()
	for id, ps := range m.providers {
		out.Providers = append(out.Providers, m.providerHealthLocked(id, ps, now))
	}
	sortProviderHealth(out.Providers)

	for _, ds := range m.daily {
		out.Daily = append(out.Daily, *ds)
	}
	sortDayStats(out.Daily)

	return out
}

// providerHealthLocked computes the rollup and composite score for one
// provider. Caller must hold m.mu.
func (m *Monitor) providerHealthLocked(id string, ps *providerStats, now time.Time) ProviderHealth {
	h := ProviderHealth{
		ProviderID:   id,
		Requests:     ps.requests,
		Successes:    ps.successes,
		TotalCostUSD: ps.totalCost,
		TotalTokens:  ps.totalTokens,
		LastUsed:     ps.lastUsed,
	}
	if ps.requests > 0 {
		h.SuccessRate = float64(ps.successes) / float64(ps.requests)
		h.AvgLatencyMs = ps.totalLatency / float64(ps.requests)
	}

	// Laplace-smoothed success component keeps the score strictly sensitive
	// to each additional failure instead of pinning at 0.
	successFactor := float64(ps.successes+1) / float64(ps.requests+2)

	latencyFactor := 1.0
	if h.AvgLatencyMs > m.cfg.LatencyFloorMs {
		latencyFactor = m.cfg.LatencyFloorMs / h.AvgLatencyMs
	}

	recencyFactor := 1.0
	if !ps.lastUsed.IsZero() && now.Sub(ps.lastUsed) > 24*time.Hour {
		recencyFactor = 0.5
	}

	h.HealthScore = 100 * successFactor * latencyFactor * recencyFactor
	return h
}

// Prune drops records older than the retention window and acknowledged
// alerts older than the alert retention window.
func (m *Monitor) Prune() {
	now := m.now()
	recordCutoff := now.Add(-m.cfg.Retention)
	alertCutoff := now.Add(-m.cfg.AlertRetention)

	m.mu.Lock()
	defer m.mu.Unlock()

	i := 0
	for i < len(m.records) && m.records[i].Timestamp.Before(recordCutoff) {
		i++
	}
	if i > 0 {
		m.records = m.records[i:]
	}

	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if a.Acknowledged && a.CreatedAt.Before(alertCutoff) {
			continue
		}
		kept = append(kept, a)
	}
	m.alerts = kept

	for day := range m.daily {
		t, err := time.Parse("2006-01-02", day)
		if err != nil || t.Before(recordCutoff.Truncate(24*time.Hour)) {
			delete(m.daily, day)
		}
	}
}

// StartPruneLoop runs Prune on the given interval until the returned stop
// function is called.
func (m *Monitor) StartPruneLoop(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Hour
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Prune()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// RecordCount returns the number of records currently held.
func (m *Monitor) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
