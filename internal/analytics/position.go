package analytics

import (
	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/pkg/types"
)

// applyTrade folds one trade into a position and returns the realized P&L
// delta in quote currency units.
//
// Same-sign (or flat) fills grow the position at a blended average. An
// opposite-sign fill first closes up to the open quantity, realizing
// closedQty·(price − avg)·sign(prevQty); any residual either shrinks the
// position at an unchanged average or flips it, restarting the average at
// the fill price. Replaying the same trades against a fresh position must
// reproduce (quantity, averagePrice, realizedPnL) exactly.
func applyTrade(p *types.Position, t types.PositionTrade) decimal.Decimal {
	signed := t.Quantity
	if t.Side == types.OrderSideSell {
		signed = signed.Neg()
	}

	var realized decimal.Decimal
	if p.Quantity.IsZero() || p.Quantity.Sign() == signed.Sign() {
		p.TotalCost = p.TotalCost.Add(t.Quantity.Mul(t.Price))
		p.Quantity = p.Quantity.Add(signed)
		p.AveragePrice = p.TotalCost.Abs().Div(p.Quantity.Abs())
	} else {
		closing := decimal.Min(signed.Abs(), p.Quantity.Abs())
		direction := decimal.NewFromInt(int64(p.Quantity.Sign()))
		realized = closing.Mul(t.Price.Sub(p.AveragePrice)).Mul(direction)
		p.RealizedPnL = p.RealizedPnL.Add(realized)

		newQty := p.Quantity.Add(signed)
		switch {
		case newQty.IsZero():
			p.TotalCost = decimal.Zero
			p.AveragePrice = decimal.Zero
		case newQty.Sign() == p.Quantity.Sign():
			p.TotalCost = newQty.Abs().Mul(p.AveragePrice)
		default:
			// Sign flipped: the residual opens a fresh position at the
			// fill price.
			p.AveragePrice = t.Price
			p.TotalCost = newQty.Abs().Mul(t.Price)
		}
		p.Quantity = newQty
	}

	p.Trades = append(p.Trades, t)
	p.UpdatedAt = t.Timestamp
	return realized
}
