package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/fxcore/internal/execution"
	"github.com/mExOms/fxcore/internal/order"
	"github.com/mExOms/fxcore/pkg/types"
	"github.com/mExOms/fxcore/services/sim"
)

// twoVenues is a tight bank and a wider ECN. With the market frozen at
// 1.1000 the bank quotes 1.10011/1.09989 and the ECN 1.10022/1.09978, so
// routing is deterministic: the bank wins on spread while it is up.
func twoVenues() []venueSpec {
	return []venueSpec{
		{
			sim: sim.ProviderConfig{Name: "bank_a", SpreadBps: 2, Seed: 17},
			cfg: types.ProviderConfig{
				Name: "bank_a", Priority: 1,
				MaxOrderSize: decimal.NewFromInt(5_000_000),
				Reliability:  decimal.NewFromFloat(0.99),
				Enabled:      true,
			},
		},
		{
			sim: sim.ProviderConfig{Name: "ecn_1", SpreadBps: 4, Seed: 19},
			cfg: types.ProviderConfig{
				Name: "ecn_1", Priority: 2,
				MaxOrderSize: decimal.NewFromInt(5_000_000),
				Reliability:  decimal.NewFromFloat(0.99),
				Enabled:      true,
			},
		},
	}
}

// TestOrderFlowThroughExecution walks one account through the whole front
// half of the system: a rejected order for lack of funds, a funded retry
// executed in slices, and a market sell that fails over to the second venue
// and realizes a loss against the book position.
func TestOrderFlowThroughExecution(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	r := newRig(t, rigParams{venues: twoVenues()})
	ctx := context.Background()
	eurusd := mustPair(t, "EUR/USD")
	const user = "usr_7"

	r.fund(user, "USD", "10000")
	r.fund(user, "EUR", "50000")

	buyParams := order.CreateParams{
		Pair:     "EUR/USD",
		Side:     types.OrderSideBuy,
		Type:     types.OrderTypeLimit,
		Quantity: dec("10000"),
		Price:    dec("1.1000"),
	}

	// A 10,000 limit buy at 1.1000 needs 11,000 USD up front; the account
	// holds 10,000.
	rejected, err := r.orders.CreateOrder(ctx, user, buyParams)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInsufficientFunds), "got %v", err)
	assert.Equal(t, types.OrderStatusRejected, rejected.Status)
	assert.Equal(t, 0, r.orders.OpenOrders())

	bal := r.balance(user, "USD")
	assert.Equal(t, "0", bal.Reserved.String())
	assert.Equal(t, "10000", bal.Available.String())

	// Topping up by 1,050 covers the reservation with 50 to spare.
	r.fund(user, "USD", "1050")
	buy := r.createOrder(user, buyParams)
	assert.Equal(t, types.OrderStatusSubmitted, buy.Status)

	bal = r.balance(user, "USD")
	assert.Equal(t, "11000", bal.Reserved.String())
	assert.Equal(t, "50", bal.Available.String())

	// POV with the default expected volume works 5,000 at a time, and both
	// slices hit the bank's ask.
	view := r.executeAndWait(buy, execution.Options{})
	assert.Equal(t, execution.StatusCompleted, view.Status)
	assert.Equal(t, execution.AlgoPOV, view.Algorithm)
	assert.Equal(t, "10000", view.FilledQuantity.String())
	assert.Equal(t, "1.10011", view.AveragePrice.String())
	assert.Equal(t, 2, view.FillCount)
	assert.True(t, view.Slippage.IsZero(), "slippage %s", view.Slippage)

	filled := r.getOrder(buy.ID)
	assert.Equal(t, types.OrderStatusFilled, filled.Status)
	assert.Equal(t, "1.10011", filled.AverageFillPrice.String())
	require.Len(t, filled.Fills, 2)
	for _, f := range filled.Fills {
		assert.Equal(t, "bank_a", f.ProviderID)
		assert.Equal(t, "5000", f.Quantity.String())
		assert.Equal(t, "1.10011", f.Price.String())
		assert.Equal(t, "5.5", f.Commission.String())
	}

	// The reservation was consumed at the limit rate and the difference to
	// the actual cost debited: 11,050 - 2 x 5,500.55 leaves 48.90.
	bal = r.balance(user, "USD")
	assert.Equal(t, "0", bal.Reserved.String())
	assert.Equal(t, "48.9", bal.Total.String())
	assert.Equal(t, "48.9", bal.Available.String())

	pos := r.waitPosition(user, eurusd, "10000")
	assert.Equal(t, "1.10011", pos.AveragePrice.String())
	assert.Equal(t, "11001.1", pos.TotalCost.String())
	assert.True(t, pos.RealizedPnL.IsZero())

	// One settlement per fill, both against the bank.
	r.waitSettlementCount(2)
	for _, f := range filled.Fills {
		s, err := r.settle.SettlementForFill(f.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, "bank_a", s.CounterpartyID)
		assert.Equal(t, types.SettlementStatusPending, s.Status)
	}

	// Take the bank down and sell 1,000 at market. Routing retries the
	// quote round and lands every slice on the ECN's bid.
	r.venues["bank_a"].setDown(true)

	sell := r.createOrder(user, order.CreateParams{
		Pair:     "EUR/USD",
		Side:     types.OrderSideSell,
		Type:     types.OrderTypeMarket,
		Quantity: dec("1000"),
	})

	view = r.executeAndWait(sell, execution.Options{})
	assert.Equal(t, execution.StatusCompleted, view.Status)
	assert.Equal(t, "1000", view.FilledQuantity.String())
	assert.Equal(t, "1.09978", view.AveragePrice.String())

	soldOrder := r.getOrder(sell.ID)
	assert.Equal(t, types.OrderStatusFilled, soldOrder.Status)
	for _, f := range soldOrder.Fills {
		assert.Equal(t, "ecn_1", f.ProviderID)
		assert.Equal(t, "1.09978", f.Price.String())
	}

	eurBal := r.balance(user, "EUR")
	assert.Equal(t, "49000", eurBal.Total.String())
	assert.Equal(t, "0", eurBal.Reserved.String())

	// Selling 1,000 bought at 1.10011 for 1.09978 realizes a 0.33 loss; the
	// book keeps the other 9,000 at the original average.
	pos = r.waitPosition(user, eurusd, "9000")
	assert.Equal(t, "1.10011", pos.AveragePrice.String())
	require.Eventually(t, func() bool {
		p, err := r.stats.GetPosition(user, eurusd)
		return err == nil && p.RealizedPnL.Equal(dec("-0.33"))
	}, 5*time.Second, 10*time.Millisecond, "realized loss never landed")
}
