package generators

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/internal/order"
	"github.com/mExOms/fxcore/pkg/types"
)

// ScenarioType names a market regime for scenario runs.
type ScenarioType string

const (
	ScenarioCalm      ScenarioType = "calm"
	ScenarioTrending  ScenarioType = "trending"
	ScenarioVolatile  ScenarioType = "volatile"
	ScenarioFlashMove ScenarioType = "flash_move"
)

// ScenarioGenerator shapes rate walks and order flow to a market regime.
type ScenarioGenerator struct {
	rateGen  *RateGenerator
	orderGen *OrderGenerator
	scenario ScenarioType
}

// NewScenarioGenerator creates a generator in the calm regime.
func NewScenarioGenerator(seed int64) *ScenarioGenerator {
	g := &ScenarioGenerator{
		rateGen:  NewRateGenerator(seed),
		orderGen: NewOrderGenerator(seed),
	}
	g.SetScenario(ScenarioCalm)
	return g
}

// SetScenario selects the regime and retunes the walk.
func (g *ScenarioGenerator) SetScenario(s ScenarioType) {
	g.scenario = s
	switch s {
	case ScenarioTrending:
		g.rateGen.SetVolatility(0.0008)
	case ScenarioVolatile:
		g.rateGen.SetVolatility(0.002)
	case ScenarioFlashMove:
		g.rateGen.SetVolatility(0.003)
	default:
		g.rateGen.SetVolatility(0.0003)
	}
}

// RateSeries produces a walk of steps rates whose drift follows the regime,
// spaced by interval and ending at the present.
func (g *ScenarioGenerator) RateSeries(pairKey string, steps int, interval time.Duration) []types.Rate {
	out := make([]types.Rate, 0, steps)
	start := time.Now().Add(-interval * time.Duration(steps))
	for i := 0; i < steps; i++ {
		rate := g.rateGen.GenerateRate(pairKey)
		rate.Timestamp = start.Add(interval * time.Duration(i+1))
		out = append(out, rate)

		// Drift the baseline for the next step.
		if drift := g.stepDrift(i, steps); drift != 0 {
			g.rateGen.SetMid(pairKey, rate.Rate.InexactFloat64()*(1+drift))
		}
	}
	return out
}

// Session bundles the rates and the order arrivals of one simulated stretch.
type Session struct {
	Pair     string
	Scenario ScenarioType
	Rates    []types.Rate
	Orders   []order.CreateParams
}

// Session generates a rate walk with orders sprinkled through it.
func (g *ScenarioGenerator) Session(pairKey string, steps int) *Session {
	s := &Session{Pair: strings.ToUpper(pairKey), Scenario: g.scenario}
	s.Rates = g.RateSeries(pairKey, steps, time.Second)
	for range s.Rates {
		if g.orderGen.rand.Float64() < 0.2 {
			s.Orders = append(s.Orders, g.scenarioOrder(pairKey))
		}
	}
	return s
}

// StressBatch returns a large homogeneous market-order batch for
// throughput runs.
func (g *ScenarioGenerator) StressBatch(pairKey string, count int) []order.CreateParams {
	out := make([]order.CreateParams, count)
	for i := range out {
		out[i] = g.orderGen.MarketParams(pairKey, g.orderGen.randomSide())
	}
	return out
}

// FillStream splits an order into slice fills priced off the walk, for
// feeding analytics and settlement directly.
func (g *ScenarioGenerator) FillStream(o *types.Order, slices int, providerID string) []types.Fill {
	out := make([]types.Fill, 0, slices)
	remaining := o.Quantity
	per := types.RoundQuantity(o.Pair, o.Quantity.Div(decimal.NewFromInt(int64(slices))))
	for i := 0; i < slices; i++ {
		qty := per
		if i == slices-1 {
			qty = remaining
		}
		rate := g.rateGen.GenerateRate(o.Pair.String())
		price := rate.Ask
		if o.Side == types.OrderSideSell {
			price = rate.Bid
		}
		out = append(out, g.orderGen.Fill(o, qty, price, providerID))
		remaining = remaining.Sub(qty)
	}
	return out
}

func (g *ScenarioGenerator) scenarioOrder(pairKey string) order.CreateParams {
	side := g.orderGen.randomSide()
	if g.orderGen.rand.Float64() < 0.4 {
		return g.orderGen.MarketParams(pairKey, side)
	}
	return g.orderGen.LimitParams(pairKey, side, 0.0002)
}

func (g *ScenarioGenerator) stepDrift(step, total int) float64 {
	progress := float64(step) / float64(total)
	switch g.scenario {
	case ScenarioTrending:
		return 0.0002
	case ScenarioFlashMove:
		if progress >= 0.2 && progress < 0.3 {
			return -0.004
		}
		return 0
	default:
		return 0
	}
}
