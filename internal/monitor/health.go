package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status grades one component or the whole system.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	checkTimeout  = 5 * time.Second
	checkCacheTTL = 10 * time.Second
)

// CheckFunc probes one component. The context carries the per-check timeout.
type CheckFunc func(ctx context.Context) Check

// Check is one component's probe result.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Health is the aggregated system view served on /healthz.
type Health struct {
	Status     Status    `json:"status"`
	Components []Check   `json:"components"`
	Version    string    `json:"version,omitempty"`
	Uptime     string    `json:"uptime"`
	Timestamp  time.Time `json:"timestamp"`
}

// HealthChecker runs registered probes in parallel and caches their results
// briefly so a scraping loop cannot hammer the components.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	cache   map[string]Check
	version string
	started time.Time
}

// NewHealthChecker creates an empty checker.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]CheckFunc),
		cache:   make(map[string]Check),
		version: version,
		started: time.Now(),
	}
}

// RegisterCheck adds a named probe.
func (hc *HealthChecker) RegisterCheck(name string, fn CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = fn
}

// Run executes every probe, serving cached results that are still fresh, and
// aggregates the worst status.
func (hc *HealthChecker) Run(ctx context.Context) Health {
	hc.mu.RLock()
	checks := make(map[string]CheckFunc, len(hc.checks))
	for name, fn := range hc.checks {
		checks[name] = fn
	}
	hc.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan Check, len(checks))
	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			if cached, ok := hc.cached(name); ok {
				results <- cached
				return
			}
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			check := fn(checkCtx)
			check.Name = name
			check.LastChecked = time.Now()
			hc.store(check)
			results <- check
		}(name, fn)
	}
	wg.Wait()
	close(results)

	health := Health{
		Status:    StatusHealthy,
		Version:   hc.version,
		Uptime:    time.Since(hc.started).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
	for check := range results {
		health.Components = append(health.Components, check)
		switch check.Status {
		case StatusUnhealthy:
			health.Status = StatusUnhealthy
		case StatusDegraded:
			if health.Status == StatusHealthy {
				health.Status = StatusDegraded
			}
		}
	}
	sort.Slice(health.Components, func(i, j int) bool {
		return health.Components[i].Name < health.Components[j].Name
	})
	return health
}

func (hc *HealthChecker) cached(name string) (Check, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	check, ok := hc.cache[name]
	if !ok || time.Since(check.LastChecked) >= checkCacheTTL {
		return Check{}, false
	}
	return check, true
}

func (hc *HealthChecker) store(check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.cache[check.Name] = check
}

// Handler serves the aggregated health as JSON; unhealthy returns 503,
// degraded still returns 200.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hc.Run(r.Context())

		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(health)
	}
}
