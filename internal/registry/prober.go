package registry

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ProberConfig configures the health check prober.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober periodically probes provider endpoints and feeds results back into
// the registry's health table. A successful probe is the only path that
// brings a downed provider back into selection.
type Prober struct {
	cfg      ProberConfig
	registry *Registry
	client   *http.Client
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewProber creates a prober over the registry's providers.
func NewProber(cfg ProberConfig, reg *Registry, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProberConfig().Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProberConfig().ProbeTimeout
	}
	return &Prober{
		cfg:      cfg,
		registry: reg,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	// Probe immediately on start.
	p.probeAll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stop:
			return
		}
	}
}

func (p *Prober) probeAll() {
	statuses := p.registry.Statuses()

	var wg sync.WaitGroup
	for _, s := range statuses {
		wg.Add(1)
		go func(cfg ProviderConfig) {
			defer wg.Done()
			p.probe(cfg)
		}(s.ProviderConfig)
	}
	wg.Wait()
}

// healthEndpoint derives the probe target from the provider endpoint. The
// models listing is the cheapest OpenAI-compatible route that proves the
// upstream is reachable.
func healthEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	return strings.TrimRight(endpoint, "/") + "/v1/models"
}

func (p *Prober) probe(cfg ProviderConfig) {
	endpoint := healthEndpoint(cfg.Endpoint)
	if endpoint == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		p.registry.markProbeResult(cfg.ID, false, "probe: "+err.Error())
		p.logger.Warn("health probe request error",
			slog.String("provider", cfg.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if cfg.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Credential)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latencyMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		p.registry.markProbeResult(cfg.ID, false, "probe: "+err.Error())
		p.logger.Warn("health probe failed",
			slog.String("provider", cfg.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// Any 2xx, 401 (endpoint exists, auth required), or 405 (endpoint
	// exists) counts as reachable.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 ||
		resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusMethodNotAllowed {
		p.registry.markProbeResult(cfg.ID, true, "")
		p.logger.Debug("health probe ok",
			slog.String("provider", cfg.ID),
			slog.Int("status", resp.StatusCode),
			slog.Float64("latency_ms", latencyMs),
		)
	} else {
		p.registry.markProbeResult(cfg.ID, false, "probe: HTTP "+resp.Status)
		p.logger.Warn("health probe unhealthy",
			slog.String("provider", cfg.ID),
			slog.Int("status", resp.StatusCode),
		)
	}
}
