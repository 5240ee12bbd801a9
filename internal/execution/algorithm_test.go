package execution

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/fxcore/pkg/types"
)

func eurusd() types.Pair { return types.Pair{Base: "EUR", Quote: "USD"} }

func testContext(t *testing.T, remaining string, side types.OrderSide, timeLimit time.Duration) *Context {
	t.Helper()
	o := &types.Order{
		ID:           "ord_test",
		UserID:       "user1",
		Side:         side,
		Type:         types.OrderTypeLimit,
		Pair:         eurusd(),
		RemainingQty: decimal.RequireFromString(remaining),
	}
	return newContext("exe_test", o, vwap{}, Options{TimeLimit: timeLimit}, time.Now())
}

func TestTWAPSpreadsRemainingOverWindows(t *testing.T) {
	c := testContext(t, "9000", types.OrderSideBuy, 30*time.Second)
	algo := twap{window: 10 * time.Second}

	s := algo.NextSlice(c, types.Rate{}, c.startedAt)
	require.NotNil(t, s)
	// 30s left in 10s windows: three slices of 3000.
	assert.Equal(t, "3000", s.Quantity.String())
	assert.Equal(t, types.UrgencyLow, s.Urgency)
}

func TestTWAPFlushesAfterDeadline(t *testing.T) {
	c := testContext(t, "9000", types.OrderSideBuy, 30*time.Second)
	algo := twap{window: 10 * time.Second}

	s := algo.NextSlice(c, types.Rate{}, c.startedAt.Add(time.Minute))
	require.NotNil(t, s)
	assert.Equal(t, "9000", s.Quantity.String())
}

func TestVWAPTakesTenPercent(t *testing.T) {
	c := testContext(t, "10000", types.OrderSideBuy, 30*time.Second)

	s := vwap{}.NextSlice(c, types.Rate{}, time.Now())
	require.NotNil(t, s)
	assert.Equal(t, "1000", s.Quantity.String())
	assert.Equal(t, types.UrgencyNormal, s.Urgency)
}

func TestShortfallTakesTwentyPercentHighUrgency(t *testing.T) {
	c := testContext(t, "10000", types.OrderSideSell, 30*time.Second)

	s := shortfall{}.NextSlice(c, types.Rate{}, time.Now())
	require.NotNil(t, s)
	assert.Equal(t, "2000", s.Quantity.String())
	assert.Equal(t, types.UrgencyHigh, s.Urgency)
}

func TestPOVSizesByExpectedVolume(t *testing.T) {
	algo := pov{
		participation:  decimal.NewFromFloat(0.1),
		expectedVolume: decimal.NewFromInt(50_000),
	}

	c := testContext(t, "10000", types.OrderSideBuy, 30*time.Second)
	s := algo.NextSlice(c, types.Rate{}, time.Now())
	require.NotNil(t, s)
	assert.Equal(t, "5000", s.Quantity.String())

	// Capped at the remaining quantity.
	c = testContext(t, "3000", types.OrderSideBuy, 30*time.Second)
	s = algo.NextSlice(c, types.Rate{}, time.Now())
	require.NotNil(t, s)
	assert.Equal(t, "3000", s.Quantity.String())
}

func TestMarketMakingTargetsInsideSpread(t *testing.T) {
	rate := types.Rate{
		Bid: decimal.RequireFromString("1.1000"),
		Ask: decimal.RequireFromString("1.1010"),
	}

	buy := testContext(t, "10000", types.OrderSideBuy, 30*time.Second)
	s := marketMaking{}.NextSlice(buy, rate, time.Now())
	require.NotNil(t, s)
	assert.Equal(t, "500", s.Quantity.String())
	assert.Equal(t, "1.1003", s.TargetPrice.String())
	assert.Equal(t, types.UrgencyLow, s.Urgency)

	sell := testContext(t, "10000", types.OrderSideSell, 30*time.Second)
	s = marketMaking{}.NextSlice(sell, rate, time.Now())
	require.NotNil(t, s)
	assert.Equal(t, "1.1007", s.TargetPrice.String())
}

func TestMarketMakingWithoutRateSkipsTarget(t *testing.T) {
	c := testContext(t, "10000", types.OrderSideBuy, 30*time.Second)

	s := marketMaking{}.NextSlice(c, types.Rate{}, time.Now())
	require.NotNil(t, s)
	assert.True(t, s.TargetPrice.IsZero())
}

func TestDefaultAlgoSelection(t *testing.T) {
	e := NewEngine(Config{}, nil, nil, nil, nil)

	tests := []struct {
		name string
		typ  types.OrderType
		qty  string
		want Algo
	}{
		{"large market order", types.OrderTypeMarket, "2000000", AlgoTWAP},
		{"market order", types.OrderTypeMarket, "500000", AlgoIS},
		{"limit order", types.OrderTypeLimit, "10000", AlgoPOV},
		{"stop order", types.OrderTypeStop, "10000", AlgoVWAP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &types.Order{
				Type:         tt.typ,
				RemainingQty: decimal.RequireFromString(tt.qty),
			}
			assert.Equal(t, tt.want, e.defaultAlgo(o))
		})
	}
}
