package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/mExOms/fxcore/pkg/types"
)

type fakeLP struct {
	name    string
	failing bool
	price   decimal.Decimal
	calls   int
}

func (f *fakeLP) Name() string { return f.name }

func (f *fakeLP) Quote(ctx context.Context, pair types.Pair, side types.OrderSide, quantity decimal.Decimal) (types.Quote, error) {
	f.calls++
	if f.failing {
		return types.Quote{}, errors.New("quote unavailable")
	}
	return types.Quote{
		ProviderID: f.name,
		Pair:       pair,
		Side:       side,
		Price:      f.price,
		ValidUntil: time.Now().Add(time.Second),
	}, nil
}

func (f *fakeLP) Execute(ctx context.Context, req types.ExecRequest) (types.ExecResult, error) {
	f.calls++
	if f.failing {
		return types.ExecResult{}, errors.New("execution rejected")
	}
	return types.ExecResult{
		FilledQuantity: req.Quantity,
		ExecutionPrice: f.price,
		Commission:     req.Quantity.Mul(f.price).Mul(decimal.NewFromFloat(0.001)),
	}, nil
}

func testConfig(name string) types.ProviderConfig {
	return types.ProviderConfig{
		Name:            name,
		MaxOrderSize:    decimal.NewFromInt(5_000_000),
		Reliability:     decimal.NewFromFloat(0.98),
		Enabled:         true,
		RateLimitPerSec: 1000,
		BreakerTrip:     3,
		BreakerCooldown: 50 * time.Millisecond,
	}
}

func execReq(qty int64) types.ExecRequest {
	return types.ExecRequest{
		ExecutionID: "exec-1",
		Pair:        types.Pair{Base: "EUR", Quote: "USD"},
		Side:        types.OrderSideBuy,
		Quantity:    decimal.NewFromInt(qty),
	}
}

func TestStatsSuccessRate(t *testing.T) {
	s := &Stats{}
	assert.Equal(t, float64(100), s.SuccessRate(), "no history counts as fully reliable")

	s.Record(true, 10)
	s.Record(true, 20)
	s.Record(true, 30)
	s.Record(false, 40)
	assert.Equal(t, float64(75), s.SuccessRate())
	assert.Equal(t, float64(25), s.AvgLatencyMs())
	assert.Equal(t, int64(4), s.Attempts())
}

func TestGuardExecuteRecordsStats(t *testing.T) {
	lp := &fakeLP{name: "lp1", price: decimal.NewFromFloat(1.0850)}
	g := NewGuard(lp, testConfig("lp1"))

	res, err := g.Execute(context.Background(), execReq(100_000))
	assert.NoError(t, err)
	assert.Equal(t, "100000", res.FilledQuantity.String())
	assert.Equal(t, int64(1), g.Stats().Attempts())
	assert.Equal(t, float64(100), g.Stats().SuccessRate())
}

func TestGuardBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	lp := &fakeLP{name: "lp1", failing: true}
	g := NewGuard(lp, testConfig("lp1"))

	for i := 0; i < 3; i++ {
		_, err := g.Execute(context.Background(), execReq(1000))
		assert.Error(t, err)
	}
	assert.False(t, g.Available(), "breaker should be open after trip threshold")

	// Open breaker rejects without reaching the provider.
	callsBefore := lp.calls
	_, err := g.Execute(context.Background(), execReq(1000))
	assert.Error(t, err)
	assert.Equal(t, callsBefore, lp.calls)
	assert.Equal(t, int64(3), g.Stats().Attempts(), "rejections do not count as attempts")

	// After the cooldown the breaker half-opens and a success closes it.
	time.Sleep(60 * time.Millisecond)
	assert.True(t, g.Available())

	lp.failing = false
	_, err = g.Execute(context.Background(), execReq(1000))
	assert.NoError(t, err)
	assert.True(t, g.Available())
}

func TestGuardExecuteErrorIsRetryable(t *testing.T) {
	lp := &fakeLP{name: "lp1", failing: true}
	g := NewGuard(lp, testConfig("lp1"))

	_, err := g.Execute(context.Background(), execReq(1000))
	assert.Error(t, err)
	assert.True(t, types.IsRetryable(err))

	var pe *types.ProviderError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, "lp1", pe.Provider)
}

func TestGuardDisabled(t *testing.T) {
	lp := &fakeLP{name: "lp1", price: decimal.NewFromFloat(1.0850)}
	cfg := testConfig("lp1")
	cfg.Enabled = false
	g := NewGuard(lp, cfg)

	assert.False(t, g.Available())
	_, err := g.Quote(context.Background(), types.Pair{Base: "EUR", Quote: "USD"}, types.OrderSideBuy, decimal.NewFromInt(1000))
	assert.Error(t, err)
	_, err = g.Execute(context.Background(), execReq(1000))
	assert.Error(t, err)
	assert.Equal(t, 0, lp.calls)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	lp := &fakeLP{name: "lp1", price: decimal.NewFromFloat(1.0850)}

	_, err := r.Register(lp, testConfig("lp1"))
	assert.NoError(t, err)

	g, err := r.Get("lp1")
	assert.NoError(t, err)
	assert.Equal(t, "lp1", g.Name())

	_, err = r.Register(lp, testConfig("lp1"))
	assert.Error(t, err, "duplicate registration refused")

	_, err = r.Get("missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRegistryCandidatesOrderAndFiltering(t *testing.T) {
	r := NewRegistry()

	cfgA := testConfig("alpha")
	cfgA.Priority = 2
	cfgB := testConfig("beta")
	cfgB.Priority = 1
	cfgC := testConfig("gamma")
	cfgC.Priority = 3
	cfgC.Enabled = false

	_, err := r.Register(&fakeLP{name: "alpha"}, cfgA)
	assert.NoError(t, err)
	_, err = r.Register(&fakeLP{name: "beta"}, cfgB)
	assert.NoError(t, err)
	_, err = r.Register(&fakeLP{name: "gamma"}, cfgC)
	assert.NoError(t, err)

	candidates := r.Candidates()
	assert.Len(t, candidates, 2, "disabled provider excluded")
	assert.Equal(t, "beta", candidates[0].Name())
	assert.Equal(t, "alpha", candidates[1].Name())
}

func TestRegistryCandidatesSkipOpenBreaker(t *testing.T) {
	r := NewRegistry()
	lp := &fakeLP{name: "lp1", failing: true}
	g, err := r.Register(lp, testConfig("lp1"))
	assert.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = g.Execute(context.Background(), execReq(1000))
	}
	assert.Empty(t, r.Candidates())
}

func TestLoadConfig(t *testing.T) {
	viper.Set("providers.lpx.priority", 1)
	viper.Set("providers.lpx.max_order_size", 5000000)
	viper.Set("providers.lpx.avg_latency_ms", 40)
	viper.Set("providers.lpx.reliability", 0.98)
	viper.Set("providers.lpx.cost_bps", 1.5)
	viper.Set("providers.lpx.enabled", true)
	viper.Set("providers.lpx.rate_limit_per_sec", 20)
	viper.Set("providers.lpx.breaker_trip", 4)
	viper.Set("providers.lpx.breaker_cooldown_seconds", 10)
	defer viper.Reset()

	cfg := LoadConfig("lpx")
	assert.Equal(t, "lpx", cfg.Name)
	assert.Equal(t, 1, cfg.Priority)
	assert.Equal(t, "5000000", cfg.MaxOrderSize.String())
	assert.Equal(t, 40, cfg.AvgLatencyMs)
	assert.Equal(t, "0.98", cfg.Reliability.String())
	assert.Equal(t, "1.5", cfg.CostBps.String())
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 20, cfg.RateLimitPerSec)
	assert.Equal(t, 4, cfg.BreakerTrip)
	assert.Equal(t, 10*time.Second, cfg.BreakerCooldown)
}
