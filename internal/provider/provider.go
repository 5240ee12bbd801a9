// Package provider manages liquidity provider connections. Every connection
// is wrapped in a Guard carrying a rate limiter, a circuit breaker and call
// statistics; the execution engine only ever talks to guards.
package provider

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/pkg/types"
)

// LiquidityProvider is one venue quotes and slices can be routed to.
type LiquidityProvider interface {
	Name() string
	Quote(ctx context.Context, pair types.Pair, side types.OrderSide, quantity decimal.Decimal) (types.Quote, error)
	Execute(ctx context.Context, req types.ExecRequest) (types.ExecResult, error)
}
