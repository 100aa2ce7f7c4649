// Package registry holds the set of configured upstream providers, their
// priority order and live health state. Selection is priority-ordered among
// providers not currently down; repeated consecutive failures demote a
// provider (healthy -> degraded -> down), and a downed provider only returns
// to service through a successful health probe.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/socratiq/aigate/internal/events"
)

// State represents the health state of a provider.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// ProviderConfig is the static configuration of one upstream provider.
// Created at startup; health state is tracked separately by the registry.
type ProviderConfig struct {
	ID               string  `json:"id"`
	Endpoint         string  `json:"endpoint"`
	Model            string  `json:"model"`
	Credential       string  `json:"-"` // resolved from the environment, never serialized
	Priority         int     `json:"priority"` // lower = preferred
	MaxContextTokens int     `json:"max_context_tokens"`
	Temperature      float64 `json:"temperature"`
}

// Status is the live view of a provider exposed to callers.
type Status struct {
	ProviderConfig
	State        State     `json:"state"`
	ConsecErrors int       `json:"consec_errors"`
	LastProbeAt  time.Time `json:"last_probe_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Config sets the demotion thresholds.
type Config struct {
	// FailuresForDegraded: consecutive failures before a provider is degraded.
	FailuresForDegraded int
	// FailuresForDown: consecutive failures before a provider is taken out of
	// selection entirely.
	FailuresForDown int
}

// DefaultConfig returns sensible thresholds.
func DefaultConfig() Config {
	return Config{
		FailuresForDegraded: 2,
		FailuresForDown:     5,
	}
}

type providerState struct {
	cfg          ProviderConfig
	state        State
	consecErrors int
	lastProbeAt  time.Time
	lastError    string
}

// Registry tracks provider configuration and health.
type Registry struct {
	cfg Config
	bus *events.Bus

	mu        sync.RWMutex
	providers map[string]*providerState
	order     []string // provider IDs sorted by priority, then ID for stability
}

// Option configures optional Registry behaviour.
type Option func(*Registry)

// WithEventBus attaches an event bus so health state transitions are
// published as health_change events.
func WithEventBus(bus *events.Bus) Option {
	return func(r *Registry) {
		r.bus = bus
	}
}

// New creates a registry over the given providers. All providers start
// healthy.
func New(cfg Config, providers []ProviderConfig, opts ...Option) *Registry {
	if cfg.FailuresForDegraded <= 0 {
		cfg.FailuresForDegraded = DefaultConfig().FailuresForDegraded
	}
	if cfg.FailuresForDown <= cfg.FailuresForDegraded {
		cfg.FailuresForDown = cfg.FailuresForDegraded + 3
	}

	r := &Registry{
		cfg:       cfg,
		providers: make(map[string]*providerState, len(providers)),
	}
	for _, p := range providers {
		r.providers[p.ID] = &providerState{cfg: p, state: StateHealthy}
		r.order = append(r.order, p.ID)
	}
	sort.Slice(r.order, func(i, j int) bool {
		a, b := r.providers[r.order[i]].cfg, r.providers[r.order[j]].cfg
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	for _, o := range opts {
		o(r)
	}
	return r
}

// SelectPrimary returns the highest-priority provider not currently down.
func (r *Registry) SelectPrimary() (ProviderConfig, bool) {
	return r.SelectFallback()
}

// SelectFallback returns the highest-priority usable provider whose ID is not
// in the exclusion list. Selection is deterministic for a given health table.
func (r *Registry) SelectFallback(excluding ...string) (ProviderConfig, bool) {
	excluded := make(map[string]bool, len(excluding))
	for _, id := range excluding {
		excluded[id] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if excluded[id] {
			continue
		}
		ps := r.providers[id]
		if ps.state == StateDown {
			continue
		}
		return ps.cfg, true
	}
	return ProviderConfig{}, false
}

// MarkFailed records a failed attempt against a provider and demotes it when
// the consecutive-failure thresholds are crossed.
func (r *Registry) MarkFailed(id string, errMsg string) {
	r.mu.Lock()
	ps, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	old := ps.state
	ps.consecErrors++
	ps.lastError = errMsg
	if ps.consecErrors >= r.cfg.FailuresForDown {
		ps.state = StateDown
	} else if ps.consecErrors >= r.cfg.FailuresForDegraded {
		ps.state = StateDegraded
	}
	next := ps.state
	r.mu.Unlock()

	r.publishTransition(id, old, next, errMsg)
}

// MarkSucceeded records a successful attempt. A degraded provider recovers to
// healthy; a downed provider does not. Only a health probe brings it back.
func (r *Registry) MarkSucceeded(id string) {
	r.mu.Lock()
	ps, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	old := ps.state
	ps.consecErrors = 0
	ps.lastError = ""
	if ps.state == StateDegraded {
		ps.state = StateHealthy
	}
	next := ps.state
	r.mu.Unlock()

	r.publishTransition(id, old, next, "success recorded")
}

// markProbeResult folds a health-probe outcome into the table. A successful
// probe promotes the provider back to healthy from any state.
func (r *Registry) markProbeResult(id string, ok bool, errMsg string) {
	r.mu.Lock()
	ps, found := r.providers[id]
	if !found {
		r.mu.Unlock()
		return
	}
	old := ps.state
	ps.lastProbeAt = time.Now().UTC()
	if ok {
		ps.state = StateHealthy
		ps.consecErrors = 0
		ps.lastError = ""
	} else {
		ps.lastError = errMsg
	}
	next := ps.state
	r.mu.Unlock()

	reason := "probe succeeded"
	if !ok {
		reason = errMsg
	}
	r.publishTransition(id, old, next, reason)
}

// Get returns the configuration for a provider ID.
func (r *Registry) Get(id string) (ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps, ok := r.providers[id]
	if !ok {
		return ProviderConfig{}, false
	}
	return ps.cfg, true
}

// Statuses returns the live view of all providers in priority order.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.order))
	for _, id := range r.order {
		ps := r.providers[id]
		out = append(out, Status{
			ProviderConfig: ps.cfg,
			State:          ps.state,
			ConsecErrors:   ps.consecErrors,
			LastProbeAt:    ps.lastProbeAt,
			LastError:      ps.lastError,
		})
	}
	return out
}

// Len returns the number of configured providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

func (r *Registry) publishTransition(id string, old, next State, reason string) {
	if r.bus == nil || old == next {
		return
	}
	r.bus.Publish(events.Event{
		Type:       events.EventHealthChange,
		ProviderID: id,
		OldState:   string(old),
		NewState:   string(next),
		Reason:     reason,
	})
}
