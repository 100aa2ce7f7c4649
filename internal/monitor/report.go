package monitor

import (
	"sort"
	"time"
)

// Window defines a named time window for report aggregation.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows returns the standard set of rolling windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
		{Name: "24h", Duration: 24 * time.Hour},
		{Name: "7d", Duration: 7 * 24 * time.Hour},
	}
}

// Aggregate holds computed stats for a time window.
type Aggregate struct {
	Window        string  `json:"window"`
	ProviderID    string  `json:"provider_id,omitempty"`
	RequestCount  int     `json:"request_count"`
	ErrorCount    int     `json:"error_count"`
	ErrorRate     float64 `json:"error_rate"`
	FallbackCount int     `json:"fallback_count"`
	StubCount     int     `json:"stub_count"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	TotalTokens   int     `json:"total_tokens"`
}

// Report holds the windowed rollups for the reporting endpoint.
type Report struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Global      []Aggregate            `json:"global"`
	ByProvider  map[string][]Aggregate `json:"by_provider"`
}

// Report computes global and per-provider aggregates over the default
// windows from the record history.
func (m *Monitor) Report() Report {
	return m.ReportWindows(DefaultWindows())
}

// ReportWindows computes aggregates over the given windows.
func (m *Monitor) ReportWindows(windows []Window) Report {
	m.mu.Lock()
	records := make([]UsageRecord, len(m.records))
	copy(records, m.records)
	now := m.now()
	m.mu.Unlock()

	rep := Report{
		GeneratedAt: now,
		ByProvider:  make(map[string][]Aggregate),
	}

	for _, w := range windows {
		cutoff := now.Add(-w.Duration)

		var inWindow []UsageRecord
		byProvider := make(map[string][]UsageRecord)
		for _, rec := range records {
			if !rec.Timestamp.After(cutoff) {
				continue
			}
			inWindow = append(inWindow, rec)
			byProvider[rec.ProviderID] = append(byProvider[rec.ProviderID], rec)
		}

		if len(inWindow) > 0 {
			rep.Global = append(rep.Global, computeAggregate(w.Name, "", inWindow))
		}
		for id, recs := range byProvider {
			rep.ByProvider[w.Name] = append(rep.ByProvider[w.Name], computeAggregate(w.Name, id, recs))
		}
		sort.Slice(rep.ByProvider[w.Name], func(i, j int) bool {
			return rep.ByProvider[w.Name][i].ProviderID < rep.ByProvider[w.Name][j].ProviderID
		})
	}

	return rep
}

func computeAggregate(window, providerID string, recs []UsageRecord) Aggregate {
	a := Aggregate{
		Window:       window,
		ProviderID:   providerID,
		RequestCount: len(recs),
	}

	var totalLatency float64
	latencies := make([]float64, 0, len(recs))

	for _, rec := range recs {
		totalLatency += rec.LatencyMs
		latencies = append(latencies, rec.LatencyMs)
		a.TotalCostUSD += rec.CostUSD
		a.InputTokens += rec.InputTokens
		a.OutputTokens += rec.OutputTokens
		if !rec.Success {
			a.ErrorCount++
		}
		if rec.Fallback {
			a.FallbackCount++
		}
		if rec.Stub {
			a.StubCount++
		}
	}
	a.TotalTokens = a.InputTokens + a.OutputTokens

	if a.RequestCount > 0 {
		a.AvgLatencyMs = totalLatency / float64(a.RequestCount)
		a.ErrorRate = float64(a.ErrorCount) / float64(a.RequestCount)
	}

	sort.Float64s(latencies)
	if len(latencies) > 0 {
		idx := int(float64(len(latencies)) * 0.95)
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		a.P95LatencyMs = latencies[idx]
	}

	return a
}

func sortProviderHealth(list []ProviderHealth) {
	sort.Slice(list, func(i, j int) bool { return list[i].ProviderID < list[j].ProviderID })
}

func sortDayStats(list []DayStats) {
	sort.Slice(list, func(i, j int) bool { return list[i].Date < list[j].Date })
}
