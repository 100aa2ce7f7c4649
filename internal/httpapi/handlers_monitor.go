package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MetricsHandler serves GET /v1/metrics: the monitor's aggregate snapshot.
func MetricsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Monitor.Snapshot())
	}
}

// ReportHandler serves GET /v1/report: windowed aggregates with P95 latency.
func ReportHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Monitor.Report())
	}
}

// AlertsHandler serves GET /v1/alerts. Pass ?include_acknowledged=true to
// see handled alerts too.
func AlertsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeAcked := r.URL.Query().Get("include_acknowledged") == "true"
		alerts := d.Monitor.Alerts(includeAcked)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"alerts": alerts})
	}
}

// AlertAckHandler serves POST /v1/alerts/{id}/ack.
func AlertAckHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !d.Monitor.Acknowledge(id) {
			jsonError(w, "alert not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "acknowledged", "id": id})
	}
}

// ProvidersHandler serves GET /v1/providers: the registry's live view.
// Credentials never appear in the response.
func ProvidersHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"providers": d.Registry.Statuses()})
	}
}
