package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socratiq/aigate/internal/events"
)

// quietThresholds disables every alert rule so aggregate tests do not trip
// them accidentally.
func quietThresholds() Thresholds {
	return Thresholds{}
}

func newTestMonitor(t *testing.T, th Thresholds) (*Monitor, *time.Time) {
	t.Helper()
	m := New(Config{Thresholds: th})
	clock := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func TestRecordUpdatesTotals(t *testing.T) {
	m, _ := newTestMonitor(t, quietThresholds())

	m.Record(UsageRecord{
		ProviderID:   "openai",
		Model:        "gpt-4o",
		LatencyMs:    420,
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      0.002,
		Success:      true,
	})

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.TotalRequests)
	assert.Equal(t, 0, snap.TotalErrors)
	assert.Equal(t, 100, snap.TotalInputTokens)
	assert.Equal(t, 50, snap.TotalOutputTokens)
	assert.InDelta(t, 0.002, snap.TotalCostUSD, 1e-9)
	assert.InDelta(t, 420, snap.AvgLatencyMs, 1e-9)
	assert.Empty(t, m.Alerts(true))
}

func TestMovingAverageLatency(t *testing.T) {
	m, _ := newTestMonitor(t, quietThresholds())

	m.Record(UsageRecord{ProviderID: "p", LatencyMs: 100, Success: true})
	m.Record(UsageRecord{ProviderID: "p", LatencyMs: 200, Success: true})

	// 0.9*100 + 0.1*200
	assert.InDelta(t, 110, m.Snapshot().AvgLatencyMs, 1e-9)
}

func TestFallbackAndStubCounters(t *testing.T) {
	m, _ := newTestMonitor(t, quietThresholds())

	m.Record(UsageRecord{ProviderID: "openai", Success: false, ErrorClass: "network_error"})
	m.Record(UsageRecord{ProviderID: "anthropic", Success: true, Fallback: true})
	m.Record(UsageRecord{ProviderID: "stub", Success: true, Fallback: true, Stub: true})

	snap := m.Snapshot()
	assert.Equal(t, 3, snap.TotalRequests)
	assert.Equal(t, 1, snap.TotalErrors)
	assert.Equal(t, 2, snap.FallbackCount)
	assert.Equal(t, 1, snap.StubCount)
}

func TestHealthScoreDecreasesWithFailures(t *testing.T) {
	m, _ := newTestMonitor(t, quietThresholds())

	scoreAt := func() float64 {
		for _, h := range m.Snapshot().Providers {
			if h.ProviderID == "flaky" {
				return h.HealthScore
			}
		}
		t.Fatal("provider missing from snapshot")
		return 0
	}

	var prev float64 = 101
	for i := 0; i < 8; i++ {
		m.Record(UsageRecord{ProviderID: "flaky", LatencyMs: 100, Success: false})
		score := scoreAt()
		assert.Lessf(t, score, prev, "score must strictly decrease at failure %d", i+1)
		prev = score
	}
	assert.Less(t, prev, 15.0)
}

func TestHealthScoreRecencyPenalty(t *testing.T) {
	m, clock := newTestMonitor(t, quietThresholds())

	stale := clock.Add(-25 * time.Hour)
	fresh := clock.Add(-time.Minute)
	m.Record(UsageRecord{Timestamp: stale, ProviderID: "stale", LatencyMs: 100, Success: true})
	m.Record(UsageRecord{Timestamp: fresh, ProviderID: "fresh", LatencyMs: 100, Success: true})

	var staleScore, freshScore float64
	for _, h := range m.Snapshot().Providers {
		switch h.ProviderID {
		case "stale":
			staleScore = h.HealthScore
		case "fresh":
			freshScore = h.HealthScore
		}
	}
	assert.Less(t, staleScore, freshScore)
}

func TestHealthScoreLatencyPenalty(t *testing.T) {
	m, _ := newTestMonitor(t, quietThresholds())

	m.Record(UsageRecord{ProviderID: "fast", LatencyMs: 500, Success: true})
	m.Record(UsageRecord{ProviderID: "slow", LatencyMs: 20000, Success: true})

	var fast, slow float64
	for _, h := range m.Snapshot().Providers {
		switch h.ProviderID {
		case "fast":
			fast = h.HealthScore
		case "slow":
			slow = h.HealthScore
		}
	}
	assert.Less(t, slow, fast)
}

func TestDailyBreakdown(t *testing.T) {
	m, clock := newTestMonitor(t, quietThresholds())

	yesterday := clock.Add(-24 * time.Hour)
	m.Record(UsageRecord{Timestamp: yesterday, ProviderID: "p", CostUSD: 0.10, InputTokens: 10, Success: true})
	m.Record(UsageRecord{Timestamp: *clock, ProviderID: "p", CostUSD: 0.20, InputTokens: 20, Success: true})

	snap := m.Snapshot()
	require.Len(t, snap.Daily, 2)
	assert.Equal(t, "2026-08-28", snap.Daily[0].Date)
	assert.InDelta(t, 0.10, snap.Daily[0].TotalCostUSD, 1e-9)
	assert.Equal(t, "2026-08-29", snap.Daily[1].Date)
	assert.InDelta(t, 0.20, snap.Daily[1].TotalCostUSD, 1e-9)
}

func TestAlertDeduplication(t *testing.T) {
	th := quietThresholds()
	th.HourlyCostUSD = 1.0
	m, clock := newTestMonitor(t, th)

	m.Record(UsageRecord{Timestamp: *clock, ProviderID: "p", CostUSD: 1.5, Success: true})
	m.Record(UsageRecord{Timestamp: clock.Add(time.Minute), ProviderID: "p", CostUSD: 0.5, Success: true})

	alerts := m.Alerts(false)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCost, alerts[0].Type)
	assert.Equal(t, "hourly cost ceiling exceeded", alerts[0].Title)
	assert.NotEmpty(t, alerts[0].ID)
}

func TestAlertRaisedAgainAfterDedupWindow(t *testing.T) {
	th := quietThresholds()
	th.HourlyCostUSD = 1.0
	m, clock := newTestMonitor(t, th)

	m.Record(UsageRecord{Timestamp: *clock, ProviderID: "p", CostUSD: 1.5, Success: true})
	*clock = clock.Add(6 * time.Minute)
	m.Record(UsageRecord{Timestamp: *clock, ProviderID: "p", CostUSD: 0.5, Success: true})

	assert.Len(t, m.Alerts(false), 2)
}

func TestAcknowledge(t *testing.T) {
	th := quietThresholds()
	th.HourlyCostUSD = 1.0
	m, _ := newTestMonitor(t, th)

	m.Record(UsageRecord{ProviderID: "p", CostUSD: 2.0, Success: true})
	alerts := m.Alerts(false)
	require.Len(t, alerts, 1)

	assert.True(t, m.Acknowledge(alerts[0].ID))
	assert.Empty(t, m.Alerts(false))
	assert.Len(t, m.Alerts(true), 1)

	assert.False(t, m.Acknowledge("no-such-id"))
}

func TestErrorRateAlertNeedsSamples(t *testing.T) {
	th := quietThresholds()
	th.MaxErrorRate = 0.25
	m, _ := newTestMonitor(t, th)

	// A single failure must not trip the rate rule.
	m.Record(UsageRecord{ProviderID: "p", Success: false, ErrorClass: "timeout"})
	assert.Empty(t, m.Alerts(false))

	for i := 0; i < 9; i++ {
		m.Record(UsageRecord{ProviderID: "p", Success: i%2 == 0})
	}
	alerts := m.Alerts(false)
	require.NotEmpty(t, alerts)
	assert.Equal(t, AlertError, alerts[0].Type)
}

func TestAlertPublishedOnBus(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	th := quietThresholds()
	th.HourlyCostUSD = 1.0
	m := New(Config{Thresholds: th}, WithEventBus(bus))

	m.Record(UsageRecord{ProviderID: "p", CostUSD: 2.0, Success: true})

	select {
	case e := <-sub.C:
		assert.Equal(t, events.EventAlertRaised, e.Type)
		assert.Equal(t, string(AlertCost), e.AlertType)
	case <-time.After(time.Second):
		t.Fatal("expected alert_raised event")
	}
}

func TestPruneDropsOldRecordsAndAckedAlerts(t *testing.T) {
	th := quietThresholds()
	th.HourlyCostUSD = 1.0
	m := New(Config{Retention: 7 * 24 * time.Hour, AlertRetention: 24 * time.Hour, Thresholds: th})
	clock := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	m.Record(UsageRecord{Timestamp: clock.Add(-8 * 24 * time.Hour), ProviderID: "p", Success: true})
	m.Record(UsageRecord{Timestamp: clock.Add(-time.Hour), ProviderID: "p", CostUSD: 2.0, Success: true})
	require.Equal(t, 2, m.RecordCount())

	alerts := m.Alerts(false)
	require.Len(t, alerts, 1)
	m.Acknowledge(alerts[0].ID)

	// Age the acknowledged alert out of retention.
	clock = clock.Add(25 * time.Hour)
	m.Prune()

	assert.Equal(t, 1, m.RecordCount())
	assert.Empty(t, m.Alerts(true))
}

func TestSeedRestoresAggregates(t *testing.T) {
	m, clock := newTestMonitor(t, quietThresholds())

	var records []UsageRecord
	for i := 0; i < 5; i++ {
		records = append(records, UsageRecord{
			Timestamp:  clock.Add(-time.Duration(i) * time.Minute),
			ProviderID: "openai",
			CostUSD:    0.01,
			Success:    true,
		})
	}
	m.Seed(records)

	snap := m.Snapshot()
	assert.Equal(t, 5, snap.TotalRequests)
	assert.InDelta(t, 0.05, snap.TotalCostUSD, 1e-9)
	assert.Empty(t, m.Alerts(true), "seeding must not raise alerts")
}

func TestReportWindowsAndP95(t *testing.T) {
	m, clock := newTestMonitor(t, quietThresholds())

	// 20 requests in the last 5 minutes, one slow outlier.
	for i := 0; i < 19; i++ {
		m.Record(UsageRecord{
			Timestamp:  clock.Add(-time.Duration(i) * time.Second),
			ProviderID: "openai",
			LatencyMs:  100,
			Success:    true,
		})
	}
	m.Record(UsageRecord{Timestamp: clock.Add(-20 * time.Second), ProviderID: "openai", LatencyMs: 5000, Success: true})

	// One old request outside the 5m window but inside 1h.
	m.Record(UsageRecord{Timestamp: clock.Add(-30 * time.Minute), ProviderID: "anthropic", LatencyMs: 300, Success: false, Fallback: true})

	rep := m.Report()
	require.NotEmpty(t, rep.Global)

	var fiveMin, oneHour *Aggregate
	for i := range rep.Global {
		switch rep.Global[i].Window {
		case "5m":
			fiveMin = &rep.Global[i]
		case "1h":
			oneHour = &rep.Global[i]
		}
	}
	require.NotNil(t, fiveMin)
	require.NotNil(t, oneHour)

	assert.Equal(t, 20, fiveMin.RequestCount)
	assert.Equal(t, 5000.0, fiveMin.P95LatencyMs)
	assert.Equal(t, 21, oneHour.RequestCount)
	assert.Equal(t, 1, oneHour.ErrorCount)
	assert.Equal(t, 1, oneHour.FallbackCount)

	byProv := rep.ByProvider["1h"]
	require.Len(t, byProv, 2)
	assert.Equal(t, "anthropic", byProv[0].ProviderID)
	assert.Equal(t, "openai", byProv[1].ProviderID)
}

func TestRingBufferEviction(t *testing.T) {
	th := quietThresholds()
	m := New(Config{MaxRecords: 10, Thresholds: th})

	for i := 0; i < 25; i++ {
		m.Record(UsageRecord{ProviderID: fmt.Sprintf("p%d", i%3), Success: true})
	}

	assert.Equal(t, 10, m.RecordCount())
	// Totals are running aggregates; eviction does not rewind them.
	assert.Equal(t, 25, m.Snapshot().TotalRequests)
}
