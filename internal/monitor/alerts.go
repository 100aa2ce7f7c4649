package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/socratiq/aigate/internal/events"
)

// AlertType categorizes what a threshold alert is about.
type AlertType string

const (
	AlertCost        AlertType = "cost"
	AlertPerformance AlertType = "performance"
	AlertUsage       AlertType = "usage"
	AlertError       AlertType = "error"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a raised threshold violation.
type Alert struct {
	ID             string    `json:"id"`
	Type           AlertType `json:"type"`
	Severity       Severity  `json:"severity"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
	Acknowledged   bool      `json:"acknowledged"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitempty"`
}

// Thresholds holds the alert rule limits. A zero value disables the
// corresponding rule.
type Thresholds struct {
	DailyCostUSD      float64
	HourlyCostUSD     float64
	AvgLatencyMs      float64
	MinSuccessRate    float64 // evaluated only once enough samples exist
	MaxErrorRate      float64
	HourlyTokens      int
	RequestsPerMinute int
}

// DefaultThresholds returns the default alert limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DailyCostUSD:      50,
		HourlyCostUSD:     10,
		AvgLatencyMs:      15000,
		MinSuccessRate:    0.80,
		MaxErrorRate:      0.25,
		HourlyTokens:      500000,
		RequestsPerMinute: 120,
	}
}

// dedupWindow suppresses a repeat alert with the same (type, title) raised
// against an unacknowledged sibling within this span.
const dedupWindow = 5 * time.Minute

// minSamplesForRates avoids rate alerts firing off a single failed request.
const minSamplesForRates = 10

// Alerts returns raised alerts, newest first. Acknowledged alerts are
// included only when requested.
func (m *Monitor) Alerts(includeAcknowledged bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if a.Acknowledged && !includeAcknowledged {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Acknowledge marks an alert as handled. Returns false if the ID is unknown.
func (m *Monitor) Acknowledge(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			if !m.alerts[i].Acknowledged {
				m.alerts[i].Acknowledged = true
				m.alerts[i].AcknowledgedAt = m.now()
			}
			return true
		}
	}
	return false
}

// evaluateAlertsLocked runs every rule against the current state. Caller
// must hold m.mu.
func (m *Monitor) evaluateAlertsLocked(now time.Time) {
	t := m.cfg.Thresholds

	if t.DailyCostUSD > 0 {
		day := now.UTC().Format("2006-01-02")
		if ds := m.daily[day]; ds != nil && ds.TotalCostUSD > t.DailyCostUSD {
			m.raiseLocked(now, AlertCost, SeverityCritical, "daily cost ceiling exceeded",
				fmt.Sprintf("spend of $%.2f today exceeds the $%.2f daily ceiling", ds.TotalCostUSD, t.DailyCostUSD))
		}
	}

	hour := m.windowStatsLocked(now, time.Hour)
	if t.HourlyCostUSD > 0 && hour.cost > t.HourlyCostUSD {
		m.raiseLocked(now, AlertCost, SeverityWarning, "hourly cost ceiling exceeded",
			fmt.Sprintf("spend of $%.2f in the last hour exceeds the $%.2f hourly ceiling", hour.cost, t.HourlyCostUSD))
	}
	if t.HourlyTokens > 0 && hour.tokens > t.HourlyTokens {
		m.raiseLocked(now, AlertUsage, SeverityWarning, "hourly token ceiling exceeded",
			fmt.Sprintf("%d tokens in the last hour exceeds the %d hourly ceiling", hour.tokens, t.HourlyTokens))
	}

	if t.AvgLatencyMs > 0 && m.totals.TotalRequests >= minSamplesForRates && m.ewmaLatency > t.AvgLatencyMs {
		m.raiseLocked(now, AlertPerformance, SeverityWarning, "average latency above ceiling",
			fmt.Sprintf("moving-average latency %.0fms exceeds the %.0fms ceiling", m.ewmaLatency, t.AvgLatencyMs))
	}

	if hour.requests >= minSamplesForRates {
		errorRate := float64(hour.errors) / float64(hour.requests)
		if t.MaxErrorRate > 0 && errorRate > t.MaxErrorRate {
			m.raiseLocked(now, AlertError, SeverityCritical, "error rate above ceiling",
				fmt.Sprintf("error rate %.0f%% over the last hour exceeds the %.0f%% ceiling", errorRate*100, t.MaxErrorRate*100))
		}
		successRate := 1 - errorRate
		if t.MinSuccessRate > 0 && successRate < t.MinSuccessRate {
			m.raiseLocked(now, AlertError, SeverityWarning, "success rate below floor",
				fmt.Sprintf("success rate %.0f%% over the last hour is below the %.0f%% floor", successRate*100, t.MinSuccessRate*100))
		}
	}

	if t.RequestsPerMinute > 0 {
		minute := m.windowStatsLocked(now, time.Minute)
		if minute.requests > t.RequestsPerMinute {
			m.raiseLocked(now, AlertUsage, SeverityWarning, "request rate above ceiling",
				fmt.Sprintf("%d requests in the last minute exceeds the %d per-minute ceiling", minute.requests, t.RequestsPerMinute))
		}
	}
}

type windowStats struct {
	requests int
	errors   int
	cost     float64
	tokens   int
}

// windowStatsLocked aggregates records newer than now-d. Caller must hold
// m.mu. The ring is time-ordered so the scan walks back from the tail.
func (m *Monitor) windowStatsLocked(now time.Time, d time.Duration) windowStats {
	cutoff := now.Add(-d)
	var ws windowStats
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if !rec.Timestamp.After(cutoff) {
			break
		}
		ws.requests++
		if !rec.Success {
			ws.errors++
		}
		ws.cost += rec.CostUSD
		ws.tokens += rec.TotalTokens()
	}
	return ws
}

// raiseLocked creates an alert unless an unacknowledged alert with the same
// (type, title) was raised within the dedup window. Caller must hold m.mu.
func (m *Monitor) raiseLocked(now time.Time, typ AlertType, sev Severity, title, message string) {
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if a.Type == typ && a.Title == title && !a.Acknowledged &&
			now.Sub(a.CreatedAt) < dedupWindow {
			return
		}
	}

	alert := Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  sev,
		Title:     title,
		Message:   message,
		CreatedAt: now,
	}
	m.alerts = append(m.alerts, alert)

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:       events.EventAlertRaised,
			AlertID:    alert.ID,
			AlertType:  string(alert.Type),
			AlertTitle: alert.Title,
			Severity:   string(alert.Severity),
		})
	}
}
