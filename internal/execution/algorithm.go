package execution

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/pkg/types"
)

// Algo identifies a slicing algorithm.
type Algo string

const (
	AlgoTWAP Algo = "TWAP"
	AlgoVWAP Algo = "VWAP"
	AlgoIS   Algo = "Implementation_Shortfall"
	AlgoPOV  Algo = "POV"
	AlgoMM   Algo = "Market_Making"
)

// Valid reports whether the algorithm name is known.
func (a Algo) Valid() bool {
	switch a {
	case AlgoTWAP, AlgoVWAP, AlgoIS, AlgoPOV, AlgoMM:
		return true
	}
	return false
}

// Slice is one child order the dispatcher hands to a provider. A zero
// TargetPrice means the context benchmark applies.
type Slice struct {
	Quantity    decimal.Decimal
	Urgency     types.Urgency
	TargetPrice decimal.Decimal
}

// Algorithm shapes the next slice for a context. Returning nil skips the
// tick; the dispatcher asks again on the next one.
type Algorithm interface {
	Name() Algo
	NextSlice(c *Context, rate types.Rate, now time.Time) *Slice
}

// newAlgorithm maps a name to its implementation using the engine limits.
func (e *Engine) newAlgorithm(name Algo) Algorithm {
	switch name {
	case AlgoTWAP:
		return twap{window: e.cfg.TWAPSliceWindow}
	case AlgoIS:
		return shortfall{}
	case AlgoPOV:
		return pov{
			participation:  e.cfg.ParticipationRate,
			expectedVolume: e.cfg.ExpectedPeriodVolume,
		}
	case AlgoMM:
		return marketMaking{}
	default:
		return vwap{}
	}
}

// defaultAlgo applies the selection rule: large market orders spread over
// time, other market orders minimize shortfall, limit orders participate in
// volume, the rest track VWAP.
func (e *Engine) defaultAlgo(o *types.Order) Algo {
	switch {
	case o.Type == types.OrderTypeMarket && o.RemainingQty.GreaterThan(e.cfg.LargeOrderThreshold):
		return AlgoTWAP
	case o.Type == types.OrderTypeMarket:
		return AlgoIS
	case o.Type == types.OrderTypeLimit:
		return AlgoPOV
	default:
		return AlgoVWAP
	}
}

// twap spreads the remaining quantity evenly over fixed windows until the
// context deadline.
type twap struct {
	window time.Duration
}

func (t twap) Name() Algo { return AlgoTWAP }

func (t twap) NextSlice(c *Context, _ types.Rate, now time.Time) *Slice {
	remaining := c.Remaining()
	timeLeft := c.Deadline().Sub(now)
	if timeLeft <= 0 {
		// Out of budget: one final slice for whatever is left.
		return &Slice{Quantity: remaining, Urgency: types.UrgencyLow}
	}

	windows := int64(math.Ceil(timeLeft.Seconds() / t.window.Seconds()))
	if windows < 1 {
		windows = 1
	}
	return &Slice{
		Quantity: remaining.Div(decimal.NewFromInt(windows)),
		Urgency:  types.UrgencyLow,
	}
}

// vwap works flat ten-percent slices. Tracking true volume-weighted profiles
// needs historical volume the core does not carry.
type vwap struct{}

func (vwap) Name() Algo { return AlgoVWAP }

func (vwap) NextSlice(c *Context, _ types.Rate, _ time.Time) *Slice {
	remaining := c.Remaining()
	slice := remaining.Mul(decimal.NewFromFloat(0.1))
	if slice.GreaterThan(remaining) {
		slice = remaining
	}
	return &Slice{Quantity: slice, Urgency: types.UrgencyNormal}
}

// shortfall front-loads execution with twenty-percent slices to cut
// implementation shortfall on market orders.
type shortfall struct{}

func (shortfall) Name() Algo { return AlgoIS }

func (shortfall) NextSlice(c *Context, _ types.Rate, _ time.Time) *Slice {
	return &Slice{
		Quantity: c.Remaining().Mul(decimal.NewFromFloat(0.2)),
		Urgency:  types.UrgencyHigh,
	}
}

// pov sizes slices as a share of the expected per-period market volume,
// capped at the remaining quantity.
type pov struct {
	participation  decimal.Decimal
	expectedVolume decimal.Decimal
}

func (pov) Name() Algo { return AlgoPOV }

func (p pov) NextSlice(c *Context, _ types.Rate, _ time.Time) *Slice {
	slice := p.participation.Mul(p.expectedVolume)
	if remaining := c.Remaining(); slice.GreaterThan(remaining) {
		slice = remaining
	}
	return &Slice{Quantity: slice, Urgency: types.UrgencyNormal}
}

// marketMaking posts small passive slices inside the spread: buys at
// bid + 0.3 spread, sells at ask - 0.3 spread.
type marketMaking struct{}

func (marketMaking) Name() Algo { return AlgoMM }

func (marketMaking) NextSlice(c *Context, rate types.Rate, _ time.Time) *Slice {
	s := &Slice{
		Quantity: c.Remaining().Mul(decimal.NewFromFloat(0.05)),
		Urgency:  types.UrgencyLow,
	}
	if rate.Bid.Sign() > 0 && rate.Ask.Sign() > 0 {
		inside := rate.Ask.Sub(rate.Bid).Mul(decimal.NewFromFloat(0.3))
		if c.Side == types.OrderSideBuy {
			s.TargetPrice = types.RoundPrice(c.Pair, rate.Bid.Add(inside))
		} else {
			s.TargetPrice = types.RoundPrice(c.Pair, rate.Ask.Sub(inside))
		}
	}
	return s
}
