package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ProviderEnv describes one provider sourced from the environment.
type ProviderEnv struct {
	ID               string
	Endpoint         string
	Model            string
	Credential       string
	Priority         int
	MaxContextTokens int
}

type Config struct {
	ListenAddr string
	LogLevel   string

	// DBDSN is the SQLite DSN for usage history. Empty disables persistence.
	DBDSN string

	Providers []ProviderEnv

	// Generation defaults.
	DefaultCostCeilingUSD   float64
	DefaultMaxContextTokens int
	ReserveTokens           int
	CallTimeoutSecs         int
	StreamTimeoutSecs       int

	// Health probing.
	ProbeIntervalSecs int

	// Monitor retention and alert thresholds.
	RetentionDays          int
	AlertDailyCostUSD      float64
	AlertHourlyCostUSD     float64
	AlertAvgLatencyMs      float64
	AlertMinSuccessRate    float64
	AlertMaxErrorRate      float64
	AlertHourlyTokens      int
	AlertRequestsPerMinute int

	// Security & hardening.
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per client
	RateLimitBurst int      // burst capacity per client

	// OpenTelemetry tracing.
	OTelEnabled  bool
	OTelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("AIGATE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("AIGATE_LOG_LEVEL", "info"),
		DBDSN:      getEnv("AIGATE_DB_DSN", "file:/data/aigate.sqlite"),

		DefaultCostCeilingUSD:   getEnvFloat("AIGATE_DEFAULT_COST_CEILING_USD", 0.50),
		DefaultMaxContextTokens: getEnvInt("AIGATE_DEFAULT_MAX_CONTEXT_TOKENS", 8192),
		ReserveTokens:           getEnvInt("AIGATE_RESERVE_TOKENS", 256),
		CallTimeoutSecs:         getEnvInt("AIGATE_CALL_TIMEOUT_SECS", 45),
		StreamTimeoutSecs:       getEnvInt("AIGATE_STREAM_TIMEOUT_SECS", 180),

		ProbeIntervalSecs: getEnvInt("AIGATE_PROBE_INTERVAL_SECS", 30),

		RetentionDays:          getEnvInt("AIGATE_RETENTION_DAYS", 7),
		AlertDailyCostUSD:      getEnvFloat("AIGATE_ALERT_DAILY_COST_USD", 50),
		AlertHourlyCostUSD:     getEnvFloat("AIGATE_ALERT_HOURLY_COST_USD", 10),
		AlertAvgLatencyMs:      getEnvFloat("AIGATE_ALERT_AVG_LATENCY_MS", 15000),
		AlertMinSuccessRate:    getEnvFloat("AIGATE_ALERT_MIN_SUCCESS_RATE", 0.80),
		AlertMaxErrorRate:      getEnvFloat("AIGATE_ALERT_MAX_ERROR_RATE", 0.25),
		AlertHourlyTokens:      getEnvInt("AIGATE_ALERT_HOURLY_TOKENS", 500000),
		AlertRequestsPerMinute: getEnvInt("AIGATE_ALERT_REQUESTS_PER_MINUTE", 120),

		CORSOrigins:    getEnvStringSlice("AIGATE_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("AIGATE_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("AIGATE_RATE_LIMIT_BURST", 120),

		OTelEnabled:  getEnvBool("AIGATE_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("AIGATE_OTEL_ENDPOINT", "localhost:4318"),
	}
	cfg.Providers = loadProviders()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadProviders builds the provider list from the environment. OpenAI and
// Anthropic-compatible endpoints are first-class; extra OpenAI-compatible
// endpoints (local vLLM, proxies) follow at lower priority.
func loadProviders() []ProviderEnv {
	var providers []ProviderEnv

	if key := os.Getenv("AIGATE_OPENAI_API_KEY"); key != "" {
		providers = append(providers, ProviderEnv{
			ID:               "openai",
			Endpoint:         getEnv("AIGATE_OPENAI_ENDPOINT", "https://api.openai.com"),
			Model:            getEnv("AIGATE_OPENAI_MODEL", "gpt-4o"),
			Credential:       key,
			Priority:         getEnvInt("AIGATE_OPENAI_PRIORITY", 1),
			MaxContextTokens: getEnvInt("AIGATE_OPENAI_MAX_CONTEXT_TOKENS", 128000),
		})
	}

	if key := os.Getenv("AIGATE_ANTHROPIC_API_KEY"); key != "" {
		providers = append(providers, ProviderEnv{
			ID:               "anthropic",
			Endpoint:         getEnv("AIGATE_ANTHROPIC_ENDPOINT", "https://api.anthropic.com"),
			Model:            getEnv("AIGATE_ANTHROPIC_MODEL", "claude-sonnet"),
			Credential:       key,
			Priority:         getEnvInt("AIGATE_ANTHROPIC_PRIORITY", 2),
			MaxContextTokens: getEnvInt("AIGATE_ANTHROPIC_MAX_CONTEXT_TOKENS", 200000),
		})
	}

	// AIGATE_EXTRA_ENDPOINTS: comma-separated OpenAI-compatible base URLs.
	if endpoints := os.Getenv("AIGATE_EXTRA_ENDPOINTS"); endpoints != "" {
		model := getEnv("AIGATE_EXTRA_MODEL", "local")
		for i, ep := range strings.Split(endpoints, ",") {
			ep = strings.TrimSpace(ep)
			if ep == "" {
				continue
			}
			providers = append(providers, ProviderEnv{
				ID:               fmt.Sprintf("extra-%d", i+1),
				Endpoint:         ep,
				Model:            model,
				Priority:         10 + i,
				MaxContextTokens: getEnvInt("AIGATE_EXTRA_MAX_CONTEXT_TOKENS", 8192),
			})
		}
	}

	return providers
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("AIGATE_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("AIGATE_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.CallTimeoutSecs <= 0 {
		return fmt.Errorf("AIGATE_CALL_TIMEOUT_SECS must be > 0, got %d", c.CallTimeoutSecs)
	}
	if c.StreamTimeoutSecs <= 0 {
		return fmt.Errorf("AIGATE_STREAM_TIMEOUT_SECS must be > 0, got %d", c.StreamTimeoutSecs)
	}
	if c.DefaultCostCeilingUSD < 0 {
		return fmt.Errorf("AIGATE_DEFAULT_COST_CEILING_USD must be >= 0, got %f", c.DefaultCostCeilingUSD)
	}
	if c.DefaultMaxContextTokens <= 0 {
		return fmt.Errorf("AIGATE_DEFAULT_MAX_CONTEXT_TOKENS must be > 0, got %d", c.DefaultMaxContextTokens)
	}
	if c.ReserveTokens < 0 {
		return fmt.Errorf("AIGATE_RESERVE_TOKENS must be >= 0, got %d", c.ReserveTokens)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("AIGATE_RETENTION_DAYS must be > 0, got %d", c.RetentionDays)
	}
	if c.AlertMinSuccessRate < 0 || c.AlertMinSuccessRate > 1 {
		return fmt.Errorf("AIGATE_ALERT_MIN_SUCCESS_RATE must be between 0 and 1, got %f", c.AlertMinSuccessRate)
	}
	if c.AlertMaxErrorRate < 0 || c.AlertMaxErrorRate > 1 {
		return fmt.Errorf("AIGATE_ALERT_MAX_ERROR_RATE must be between 0 and 1, got %f", c.AlertMaxErrorRate)
	}
	for _, p := range c.Providers {
		if p.Endpoint == "" {
			return fmt.Errorf("provider %s has no endpoint", p.ID)
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
