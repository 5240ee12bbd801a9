package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mExOms/fxcore/pkg/types"
)

const (
	defaultBreakerTrip     = 5
	defaultBreakerCooldown = 30 * time.Second
	defaultRateLimit       = 50
)

var errDisabled = errors.New("provider disabled")

// LatencyObserver receives the duration of each call that reached the
// provider. op is "quote" or "execute".
type LatencyObserver func(provider, op string, d time.Duration)

// Guard wraps a provider connection with a rate limiter, a circuit breaker
// and call statistics. An open breaker removes the provider from candidacy
// until the cooldown elapses.
type Guard struct {
	impl     LiquidityProvider
	config   types.ProviderConfig
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	stats    *Stats
	observer LatencyObserver
	logger   *logrus.Entry
}

// NewGuard wraps impl with the limits and breaker thresholds from config.
func NewGuard(impl LiquidityProvider, config types.ProviderConfig) *Guard {
	if config.Name == "" {
		config.Name = impl.Name()
	}
	limit := config.RateLimitPerSec
	if limit <= 0 {
		limit = defaultRateLimit
	}
	trip := config.BreakerTrip
	if trip <= 0 {
		trip = defaultBreakerTrip
	}
	cooldown := config.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}

	logger := logrus.WithField("provider", config.Name)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(trip)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("provider breaker state changed")
		},
	})

	return &Guard{
		impl:    impl,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(limit), limit),
		breaker: breaker,
		stats:   &Stats{},
		logger:  logger,
	}
}

// SetObserver installs the latency observer. Set during wiring, before the
// guard receives traffic.
func (g *Guard) SetObserver(fn LatencyObserver) { g.observer = fn }

func (g *Guard) observe(op string, d time.Duration) {
	if g.observer != nil {
		g.observer(g.config.Name, op, d)
	}
}

// Name returns the configured provider name.
func (g *Guard) Name() string { return g.config.Name }

// Config returns the provider configuration.
func (g *Guard) Config() types.ProviderConfig { return g.config }

// Stats returns the accumulated call statistics.
func (g *Guard) Stats() *Stats { return g.stats }

// Available reports whether the provider may receive calls: enabled and
// breaker not open.
func (g *Guard) Available() bool {
	return g.config.Enabled && g.breaker.State() != gobreaker.StateOpen
}

// Quote asks the provider for a price. Quotes share the rate limit with
// executions but do not feed the breaker or the stats.
func (g *Guard) Quote(ctx context.Context, pair types.Pair, side types.OrderSide, quantity decimal.Decimal) (types.Quote, error) {
	if !g.config.Enabled {
		return types.Quote{}, &types.ProviderError{Provider: g.config.Name, Op: "quote", Err: errDisabled}
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return types.Quote{}, fmt.Errorf("rate limit wait: %w", err)
	}
	start := time.Now()
	q, err := g.impl.Quote(ctx, pair, side, quantity)
	g.observe("quote", time.Since(start))
	return q, err
}

// Execute routes a slice through the breaker and records the outcome.
func (g *Guard) Execute(ctx context.Context, req types.ExecRequest) (types.ExecResult, error) {
	if !g.config.Enabled {
		return types.ExecResult{}, &types.ProviderError{Provider: g.config.Name, Op: "execute", Err: errDisabled}
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return types.ExecResult{}, fmt.Errorf("rate limit wait: %w", err)
	}

	start := time.Now()
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.impl.Execute(ctx, req)
	})
	if err != nil {
		// Open-breaker rejections never reached the provider, so they do
		// not count against its success rate.
		rejected := errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
		if !rejected {
			g.stats.Record(false, time.Since(start).Milliseconds())
			g.observe("execute", time.Since(start))
		}
		return types.ExecResult{}, &types.ProviderError{
			Provider:  g.config.Name,
			Op:        "execute",
			Retryable: !errors.Is(err, context.Canceled),
			Err:       err,
		}
	}
	g.stats.Record(true, time.Since(start).Milliseconds())
	g.observe("execute", time.Since(start))
	return res.(types.ExecResult), nil
}
