// Package httpapi exposes the gateway over HTTP: generation endpoints,
// monitor views, alert management and an SSE event feed.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/socratiq/aigate/internal/events"
	"github.com/socratiq/aigate/internal/gateway"
	"github.com/socratiq/aigate/internal/metrics"
	"github.com/socratiq/aigate/internal/monitor"
	"github.com/socratiq/aigate/internal/registry"
)

// Dependencies carries everything the handlers need.
type Dependencies struct {
	Orchestrator *gateway.Orchestrator
	Monitor      *monitor.Monitor
	Registry     *registry.Registry
	Metrics      *metrics.Registry
	EventBus     *events.Bus
}

// MountRoutes attaches all API routes to the router.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", healthzHandler(d))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", GenerateHandler(d))
		r.Post("/generate/stream", GenerateStreamHandler(d))

		r.Get("/metrics", MetricsHandler(d))
		r.Get("/report", ReportHandler(d))
		r.Get("/alerts", AlertsHandler(d))
		r.Post("/alerts/{id}/ack", AlertAckHandler(d))
		r.Get("/providers", ProvidersHandler(d))
		r.Get("/events", SSEHandler(d.EventBus))
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// healthzHandler reports readiness. The service is degraded but alive with
// zero providers (the stub still answers), so this only fails when the
// orchestrator itself is missing.
func healthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := "ok"
		usable := 0
		for _, st := range d.Registry.Statuses() {
			if st.State != registry.StateDown {
				usable++
			}
		}
		if usable == 0 {
			status = "degraded"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":           status,
			"providers":        d.Registry.Len(),
			"usable_providers": usable,
		})
	}
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeGatewayError maps gateway error codes onto HTTP statuses and includes
// the stable code in the body.
func writeGatewayError(w http.ResponseWriter, err error) {
	code := gateway.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case gateway.CodeInvalidInput:
		status = http.StatusBadRequest
	case gateway.CodeBudgetExceeded:
		status = http.StatusPaymentRequired
	case gateway.CodeProviderUnavailable, gateway.CodeAllProvidersExhausted:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}
