package generators

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/internal/order"
	"github.com/mExOms/fxcore/pkg/types"
)

// OrderGenerator produces order requests and fills at realistic FX sizes.
type OrderGenerator struct {
	rand    *rand.Rand
	seq     int
	rateGen *RateGenerator
}

// NewOrderGenerator creates an order generator with its own rate walk.
func NewOrderGenerator(seed int64) *OrderGenerator {
	return &OrderGenerator{
		rand:    rand.New(rand.NewSource(seed)),
		seq:     1000,
		rateGen: NewRateGenerator(seed),
	}
}

// MarketParams returns a market order request with a round lot size.
func (g *OrderGenerator) MarketParams(pairKey string, side types.OrderSide) order.CreateParams {
	g.seq++
	lots := []int64{5_000, 10_000, 25_000, 50_000, 100_000, 250_000, 500_000}
	return order.CreateParams{
		ClientOrderID: fmt.Sprintf("mkt_%d", g.seq),
		Pair:          pairKey,
		Side:          side,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(lots[g.rand.Intn(len(lots))]),
	}
}

// LimitParams returns a limit order request offset from the current rate.
// A positive offset rests away from the market; a negative one crosses the
// touch so the order is immediately marketable.
func (g *OrderGenerator) LimitParams(pairKey string, side types.OrderSide, offset float64) order.CreateParams {
	rate := g.rateGen.GenerateRate(pairKey)
	pair := types.Pair{Base: rate.From, Quote: rate.To}
	mid := rate.Rate.InexactFloat64()

	price := mid * (1 - offset)
	if side == types.OrderSideSell {
		price = mid * (1 + offset)
	}

	g.seq++
	return order.CreateParams{
		ClientOrderID: fmt.Sprintf("lmt_%d", g.seq),
		Pair:          pair.String(),
		Side:          side,
		Type:          types.OrderTypeLimit,
		Price:         types.RoundPrice(pair, decimal.NewFromFloat(price)),
		Quantity:      g.quantity(),
		TimeInForce:   types.TimeInForceGTC,
	}
}

// StopParams places the trigger distance away on the stop side of the rate:
// above it for buys, below it for sells.
func (g *OrderGenerator) StopParams(pairKey string, side types.OrderSide, distance float64) order.CreateParams {
	rate := g.rateGen.GenerateRate(pairKey)
	pair := types.Pair{Base: rate.From, Quote: rate.To}
	mid := rate.Rate.InexactFloat64()

	stop := mid * (1 + distance)
	if side == types.OrderSideSell {
		stop = mid * (1 - distance)
	}

	g.seq++
	return order.CreateParams{
		ClientOrderID: fmt.Sprintf("stp_%d", g.seq),
		Pair:          pair.String(),
		Side:          side,
		Type:          types.OrderTypeStop,
		StopPrice:     types.RoundPrice(pair, decimal.NewFromFloat(stop)),
		Quantity:      g.quantity(),
		TimeInForce:   types.TimeInForceGTC,
	}
}

// Batch mixes order types the way a session does: roughly a third market,
// half limit, the rest stops.
func (g *OrderGenerator) Batch(pairKey string, count int) []order.CreateParams {
	out := make([]order.CreateParams, count)
	for i := 0; i < count; i++ {
		side := g.randomSide()
		switch draw := g.rand.Float64(); {
		case draw < 0.3:
			out[i] = g.MarketParams(pairKey, side)
		case draw < 0.8:
			offset := 0.0001 + g.rand.Float64()*0.001
			out[i] = g.LimitParams(pairKey, side, offset)
		default:
			distance := 0.005 + g.rand.Float64()*0.02
			out[i] = g.StopParams(pairKey, side, distance)
		}
	}
	return out
}

// Fill builds an execution fill against an order at the given price.
func (g *OrderGenerator) Fill(o *types.Order, quantity, price decimal.Decimal, providerID string) types.Fill {
	g.seq++
	commission := types.RoundAmount(o.Pair.Quote, quantity.Mul(price).Mul(decimal.NewFromFloat(0.0001)))
	return types.Fill{
		ExecutionID: fmt.Sprintf("exe_%d", g.seq),
		OrderID:     o.ID,
		ProviderID:  providerID,
		Quantity:    quantity,
		Price:       price,
		Commission:  commission,
		Latency:     time.Duration(1+g.rand.Intn(20)) * time.Millisecond,
		Timestamp:   time.Now(),
	}
}

func (g *OrderGenerator) quantity() decimal.Decimal {
	// Round lots dominate; the rest land anywhere above the minimum ticket.
	if g.rand.Float64() < 0.7 {
		lots := []int64{10_000, 25_000, 50_000, 100_000, 200_000, 500_000}
		return decimal.NewFromInt(lots[g.rand.Intn(len(lots))])
	}
	return decimal.NewFromInt(int64(5_000 + g.rand.Intn(995_000)))
}

func (g *OrderGenerator) randomSide() types.OrderSide {
	if g.rand.Float64() < 0.5 {
		return types.OrderSideBuy
	}
	return types.OrderSideSell
}
