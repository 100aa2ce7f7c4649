// Package app wires configuration, logging, the provider registry, the
// orchestrator and the HTTP surface into a runnable server.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/socratiq/aigate/internal/budget"
	"github.com/socratiq/aigate/internal/events"
	"github.com/socratiq/aigate/internal/gateway"
	"github.com/socratiq/aigate/internal/history"
	"github.com/socratiq/aigate/internal/httpapi"
	"github.com/socratiq/aigate/internal/logging"
	"github.com/socratiq/aigate/internal/metrics"
	"github.com/socratiq/aigate/internal/monitor"
	"github.com/socratiq/aigate/internal/provider"
	"github.com/socratiq/aigate/internal/ratelimit"
	"github.com/socratiq/aigate/internal/registry"
	"github.com/socratiq/aigate/internal/tracing"
)

type Server struct {
	cfg Config

	r *chi.Mux

	registry *registry.Registry
	monitor  *monitor.Monitor
	store    *history.Store
	prober   *registry.Prober
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	stopMonitorPrune func()
	stopHistoryPrune func()
	tracingShutdown  func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "aigate",
	})
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	bus := events.NewBus()

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithRejectCounter(m.RateLimitedHits))

	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(limiter.Middleware)

	// Provider registry and health probing.
	provCfgs := make([]registry.ProviderConfig, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		provCfgs = append(provCfgs, registry.ProviderConfig{
			ID:               p.ID,
			Endpoint:         p.Endpoint,
			Model:            p.Model,
			Credential:       p.Credential,
			Priority:         p.Priority,
			MaxContextTokens: p.MaxContextTokens,
		})
		logger.Info("registered provider",
			slog.String("provider", p.ID),
			slog.String("model", p.Model),
			slog.Int("priority", p.Priority),
		)
	}
	reg := registry.New(registry.DefaultConfig(), provCfgs, registry.WithEventBus(bus))
	prober := registry.NewProber(registry.ProberConfig{
		Interval: time.Duration(cfg.ProbeIntervalSecs) * time.Second,
	}, reg, logger)
	prober.Start()

	// Performance monitor.
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	mon := monitor.New(monitor.Config{
		Retention: retention,
		Thresholds: monitor.Thresholds{
			DailyCostUSD:      cfg.AlertDailyCostUSD,
			HourlyCostUSD:     cfg.AlertHourlyCostUSD,
			AvgLatencyMs:      cfg.AlertAvgLatencyMs,
			MinSuccessRate:    cfg.AlertMinSuccessRate,
			MaxErrorRate:      cfg.AlertMaxErrorRate,
			HourlyTokens:      cfg.AlertHourlyTokens,
			RequestsPerMinute: cfg.AlertRequestsPerMinute,
		},
	}, monitor.WithEventBus(bus))
	stopMonitorPrune := mon.StartPruneLoop(time.Hour)

	s := &Server{
		cfg:              cfg,
		r:                r,
		registry:         reg,
		monitor:          mon,
		prober:           prober,
		limiter:          limiter,
		logger:           logger,
		stopMonitorPrune: stopMonitorPrune,
		tracingShutdown:  tracingShutdown,
	}

	orchOpts := []gateway.Option{
		gateway.WithEventBus(bus),
		gateway.WithMetrics(m),
	}

	// Usage history persistence (optional).
	if cfg.DBDSN != "" {
		store, err := history.Open(context.Background(), cfg.DBDSN)
		if err != nil {
			s.shutdownPartial()
			return nil, err
		}
		s.store = store
		logger.Info("usage history initialized", slog.String("dsn", cfg.DBDSN))

		// Seed the monitor so aggregates survive restarts.
		recs, err := store.Since(context.Background(), time.Now().Add(-retention), 0)
		if err != nil {
			logger.Warn("history seed failed", slog.String("error", err.Error()))
		} else if len(recs) > 0 {
			mon.Seed(recs)
			logger.Info("seeded monitor from history", slog.Int("records", len(recs)))
		}

		s.stopHistoryPrune = s.startHistoryPrune(retention)
		orchOpts = append(orchOpts, gateway.WithSink(store))
	}

	client := provider.NewClient(
		provider.WithCallTimeout(time.Duration(cfg.CallTimeoutSecs)*time.Second),
		provider.WithStreamTimeout(time.Duration(cfg.StreamTimeoutSecs)*time.Second),
		provider.WithTransport(tracing.HTTPTransport(nil)),
	)

	orch := gateway.New(
		gateway.Config{
			DefaultCostCeilingUSD:   cfg.DefaultCostCeilingUSD,
			DefaultMaxContextTokens: cfg.DefaultMaxContextTokens,
		},
		reg, client,
		budget.NewEstimator(cfg.ReserveTokens),
		budget.NewGuard(),
		mon, logger,
		orchOpts...,
	)

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Orchestrator: orch,
		Monitor:      mon,
		Registry:     reg,
		Metrics:      m,
		EventBus:     bus,
	})

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Close stops background loops and releases resources.
func (s *Server) Close() error {
	s.shutdownPartial()
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Server) shutdownPartial() {
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.stopMonitorPrune != nil {
		s.stopMonitorPrune()
	}
	if s.stopHistoryPrune != nil {
		s.stopHistoryPrune()
	}
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracingShutdown(ctx)
	}
}

// startHistoryPrune deletes persisted records past retention on an hourly
// cadence.
func (s *Server) startHistoryPrune(retention time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := s.store.Prune(ctx, time.Now().Add(-retention))
				cancel()
				if err != nil {
					s.logger.Warn("history prune failed", slog.String("error", err.Error()))
				} else if n > 0 {
					s.logger.Info("pruned usage history", slog.Int64("deleted", n))
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
