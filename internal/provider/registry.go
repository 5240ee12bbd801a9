package provider

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/mExOms/fxcore/pkg/types"
)

// Registry holds the configured provider guards.
type Registry struct {
	mu       sync.RWMutex
	guards   map[string]*Guard
	observer LatencyObserver
	logger   *logrus.Entry
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		guards: make(map[string]*Guard),
		logger: logrus.WithField("component", "provider-registry"),
	}
}

// LoadConfig reads the providers.<name>.* keys for one provider.
func LoadConfig(name string) types.ProviderConfig {
	key := func(k string) string { return fmt.Sprintf("providers.%s.%s", name, k) }
	return types.ProviderConfig{
		Name:            name,
		Priority:        viper.GetInt(key("priority")),
		MaxOrderSize:    decimal.NewFromFloat(viper.GetFloat64(key("max_order_size"))),
		AvgLatencyMs:    viper.GetInt(key("avg_latency_ms")),
		Reliability:     decimal.NewFromFloat(viper.GetFloat64(key("reliability"))),
		CostBps:         decimal.NewFromFloat(viper.GetFloat64(key("cost_bps"))),
		Enabled:         viper.GetBool(key("enabled")),
		RateLimitPerSec: viper.GetInt(key("rate_limit_per_sec")),
		BreakerTrip:     viper.GetInt(key("breaker_trip")),
		BreakerCooldown: time.Duration(viper.GetInt(key("breaker_cooldown_seconds"))) * time.Second,
	}
}

// SetObserver installs a latency observer on every current and future
// guard.
func (r *Registry) SetObserver(fn LatencyObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
	for _, g := range r.guards {
		g.SetObserver(fn)
	}
}

// Register wraps impl in a guard and adds it under config.Name.
func (r *Registry) Register(impl LiquidityProvider, config types.ProviderConfig) (*Guard, error) {
	guard := NewGuard(impl, config)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.guards[guard.Name()]; exists {
		return nil, fmt.Errorf("provider %s already registered", guard.Name())
	}
	if r.observer != nil {
		guard.SetObserver(r.observer)
	}
	r.guards[guard.Name()] = guard
	r.logger.WithFields(logrus.Fields{
		"provider": guard.Name(),
		"enabled":  config.Enabled,
		"priority": config.Priority,
	}).Info("provider registered")
	return guard, nil
}

// Get returns a provider guard by name.
func (r *Registry) Get(name string) (*Guard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	guard, exists := r.guards[name]
	if !exists {
		return nil, fmt.Errorf("provider %s: %w", name, types.ErrNotFound)
	}
	return guard, nil
}

// Candidates returns the providers currently eligible for routing, ordered
// by priority (lower first) then name so score ties resolve the same way
// every tick.
func (r *Registry) Candidates() []*Guard {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Guard, 0, len(r.guards))
	for _, g := range r.guards {
		if g.Available() {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].config.Priority != out[j].config.Priority {
			return out[i].config.Priority < out[j].config.Priority
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Names returns all registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.guards))
	for name := range r.guards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove deletes a provider from the registry.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.guards[name]; !exists {
		return fmt.Errorf("provider %s: %w", name, types.ErrNotFound)
	}
	delete(r.guards, name)
	return nil
}
