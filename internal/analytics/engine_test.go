package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/fxcore/pkg/bus"
	"github.com/mExOms/fxcore/pkg/types"
)

// stubRates serves mids from a fixed table. Conversions go through the
// direct pair, the inverse pair, or identity.
type stubRates struct {
	mu   sync.Mutex
	mids map[string]decimal.Decimal
	down bool
}

func newStubRates(mids map[string]string) *stubRates {
	s := &stubRates{mids: make(map[string]decimal.Decimal, len(mids))}
	for pair, mid := range mids {
		s.mids[pair] = dec(mid)
	}
	return s
}

func (s *stubRates) setMid(pair, mid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mids[pair] = dec(mid)
}

func (s *stubRates) setDown(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = v
}

func (s *stubRates) GetRate(_ context.Context, from, to string) (types.Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return types.Rate{}, fmt.Errorf("rate %s/%s: %w", from, to, types.ErrStaleRate)
	}
	mid, ok := s.mids[from+"/"+to]
	if !ok {
		return types.Rate{}, fmt.Errorf("rate %s/%s: %w", from, to, types.ErrNotFound)
	}
	return types.Rate{From: from, To: to, Rate: mid, Bid: mid, Ask: mid, Timestamp: time.Now(), Source: "test"}, nil
}

func (s *stubRates) Convert(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if from == to {
		return amount, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return decimal.Decimal{}, fmt.Errorf("convert %s/%s: %w", from, to, types.ErrStaleRate)
	}
	if mid, ok := s.mids[from+"/"+to]; ok {
		return amount.Mul(mid), nil
	}
	if mid, ok := s.mids[to+"/"+from]; ok {
		return amount.DivRound(mid, 12), nil
	}
	return decimal.Decimal{}, fmt.Errorf("convert %s/%s: %w", from, to, types.ErrNotFound)
}

func newTestEngine(t *testing.T, cfg Config, rateSrc *stubRates) *Engine {
	t.Helper()
	if rateSrc == nil {
		return NewEngine(cfg, nil, nil, nil)
	}
	return NewEngine(cfg, rateSrc, nil, nil)
}

func buyFill(executionID, user string, pair types.Pair, qty, price string, ts time.Time) types.SliceExecutedEvent {
	return fillEvent(executionID, user, pair, types.OrderSideBuy, qty, price, ts)
}

func fillEvent(executionID, user string, pair types.Pair, side types.OrderSide, qty, price string, ts time.Time) types.SliceExecutedEvent {
	return types.SliceExecutedEvent{
		OrderID: "ord_" + executionID,
		UserID:  user,
		Pair:    pair,
		Side:    side,
		Fill: types.Fill{
			ExecutionID: executionID,
			OrderID:     "ord_" + executionID,
			ProviderID:  "bank-a",
			Quantity:    dec(qty),
			Price:       dec(price),
			Timestamp:   ts,
		},
		At: ts,
	}
}

func TestApplyFillDeduplicatesByExecutionID(t *testing.T) {
	e := newTestEngine(t, Config{}, newStubRates(map[string]string{"EUR/USD": "1.10"}))

	ev := buyFill("exe_1-1", "user1", eurusd(), "1000", "1.10", time.Now())
	first, err := e.ApplyFill(ev)
	require.NoError(t, err)
	assert.Equal(t, "1000", first.Quantity.String())

	second, err := e.ApplyFill(ev)
	require.NoError(t, err)
	assert.Equal(t, "1000", second.Quantity.String(), "duplicate must not double-count")

	p, err := e.GetPosition("user1", eurusd())
	require.NoError(t, err)
	assert.Len(t, p.Trades, 1)
}

func TestApplyFillValidation(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)

	ev := buyFill("", "user1", eurusd(), "1000", "1.10", time.Now())
	_, err := e.ApplyFill(ev)
	assert.True(t, types.IsValidation(err))

	ev = buyFill("exe_2-1", "", eurusd(), "1000", "1.10", time.Now())
	_, err = e.ApplyFill(ev)
	assert.True(t, types.IsValidation(err))

	ev = buyFill("exe_2-2", "user1", eurusd(), "0", "1.10", time.Now())
	_, err = e.ApplyFill(ev)
	assert.True(t, types.IsValidation(err))
}

func TestApplyFillPublishesTradeAnalyzed(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	sub := b.Subscribe(types.EventTradeAnalyzed)
	defer sub.Close()

	rateSrc := newStubRates(map[string]string{"EUR/USD": "1.10"})
	e := NewEngine(Config{}, rateSrc, nil, b)

	_, err := e.ApplyFill(buyFill("exe_3-1", "user1", eurusd(), "1000", "1.10", time.Now()))
	require.NoError(t, err)
	_, err = e.ApplyFill(fillEvent("exe_3-2", "user1", eurusd(), types.OrderSideSell, "1000", "1.12", time.Now()))
	require.NoError(t, err)

	var analyzed []types.TradeAnalyzedEvent
	timeout := time.After(time.Second)
	for len(analyzed) < 2 {
		select {
		case ev := <-sub.Events():
			analyzed = append(analyzed, ev.(types.TradeAnalyzedEvent))
		case <-timeout:
			t.Fatal("timed out waiting for trade events")
		}
	}
	assert.Equal(t, "0", analyzed[0].RealizedPnL.String())
	assert.Equal(t, "20", analyzed[1].RealizedPnL.String())
}

func TestEngineConsumesFillsFromBus(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	rateSrc := newStubRates(map[string]string{"EUR/USD": "1.10"})
	e := NewEngine(Config{PnLInterval: time.Hour}, rateSrc, nil, b)
	require.NoError(t, e.Start())
	defer e.Stop()

	b.Publish(buyFill("exe_4-1", "user1", eurusd(), "2500", "1.10", time.Now()))

	require.Eventually(t, func() bool {
		p, err := e.GetPosition("user1", eurusd())
		return err == nil && p.Quantity.Equal(dec("2500"))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCalculatePnLMarksOpenPositions(t *testing.T) {
	rateSrc := newStubRates(map[string]string{"EUR/USD": "1.0999"})
	e := newTestEngine(t, Config{BaseCurrency: "USD"}, rateSrc)

	_, err := e.ApplyFill(buyFill("exe_5-1", "user1", eurusd(), "5000", "1.0999", time.Now()))
	require.NoError(t, err)
	_, err = e.ApplyFill(buyFill("exe_5-2", "user1", eurusd(), "5000", "1.1000", time.Now()))
	require.NoError(t, err)

	rateSrc.setMid("EUR/USD", "1.1050")
	snap, err := e.CalculatePnL(context.Background(), "user1")
	require.NoError(t, err)

	// 10000 at average 1.09995 marked at 1.1050.
	assert.Equal(t, "50.5", snap.UnrealizedPnL.String())
	assert.Equal(t, "0", snap.RealizedPnL.String())
	assert.Equal(t, "50.5", snap.TotalPnL.String())
	assert.False(t, snap.Partial)

	require.Len(t, snap.Positions, 1)
	pos := snap.Positions[0]
	assert.Equal(t, "1.105", pos.MarkPrice.String())
	assert.Equal(t, "50.5", pos.UnrealizedPnL.String())
	assert.False(t, pos.Stale)

	eur := snap.Exposure["EUR"]
	assert.Equal(t, "10000", eur.LocalAmount.String())
	require.NotNil(t, eur.BaseCurrencyAmount)
	assert.Equal(t, "11050", eur.BaseCurrencyAmount.String())

	usd := snap.Exposure["USD"]
	assert.Equal(t, "-11050", usd.LocalAmount.String())
	require.NotNil(t, usd.BaseCurrencyAmount)
	assert.Equal(t, "-11050", usd.BaseCurrencyAmount.String())
}

func TestCalculatePnLStaleRateCarriesForward(t *testing.T) {
	rateSrc := newStubRates(map[string]string{"EUR/USD": "1.1050"})
	e := newTestEngine(t, Config{BaseCurrency: "USD"}, rateSrc)

	_, err := e.ApplyFill(buyFill("exe_6-1", "user1", eurusd(), "10000", "1.09995", time.Now()))
	require.NoError(t, err)

	first, err := e.CalculatePnL(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, "50.5", first.UnrealizedPnL.String())
	assert.False(t, first.Partial)

	rateSrc.setDown(true)
	second, err := e.CalculatePnL(context.Background(), "user1")
	require.NoError(t, err)

	assert.True(t, second.Partial)
	require.Len(t, second.Positions, 1)
	assert.True(t, second.Positions[0].Stale)
	assert.Equal(t, "50.5", second.Positions[0].UnrealizedPnL.String(), "prior value carried forward")
	assert.Equal(t, "1.105", second.Positions[0].MarkPrice.String())
	assert.Equal(t, "50.5", second.UnrealizedPnL.String())
}

func TestCalculatePnLStaleFromFirstTick(t *testing.T) {
	rateSrc := newStubRates(nil)
	rateSrc.setDown(true)
	e := newTestEngine(t, Config{BaseCurrency: "USD"}, rateSrc)

	_, err := e.ApplyFill(buyFill("exe_7-1", "user1", eurusd(), "1000", "1.10", time.Now()))
	require.NoError(t, err)

	snap, err := e.CalculatePnL(context.Background(), "user1")
	require.NoError(t, err)

	assert.True(t, snap.Partial)
	require.Len(t, snap.Positions, 1)
	assert.True(t, snap.Positions[0].Stale)
	assert.Equal(t, "0", snap.Positions[0].UnrealizedPnL.String())
}

func TestCalculatePnLConvertsQuoteToBase(t *testing.T) {
	rateSrc := newStubRates(map[string]string{
		"EUR/JPY": "161.000",
		"USD/JPY": "160",
		"EUR/USD": "1.10",
	})
	e := newTestEngine(t, Config{BaseCurrency: "USD"}, rateSrc)

	eurjpy := types.Pair{Base: "EUR", Quote: "JPY"}
	_, err := e.ApplyFill(buyFill("exe_8-1", "user1", eurjpy, "1000", "160.000", time.Now()))
	require.NoError(t, err)

	snap, err := e.CalculatePnL(context.Background(), "user1")
	require.NoError(t, err)

	// 1000 JPY of unrealized converts at USD/JPY 160.
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, "1000", snap.Positions[0].UnrealizedPnL.String())
	assert.Equal(t, "6.25", snap.UnrealizedPnL.String())
	assert.False(t, snap.Partial)

	jpy := snap.Exposure["JPY"]
	assert.Equal(t, "-161000", jpy.LocalAmount.String())
	require.NotNil(t, jpy.BaseCurrencyAmount)
	assert.Equal(t, "-1006.25", jpy.BaseCurrencyAmount.String())
}

func TestCalculatePnLIncludesRealizedFromFlatPositions(t *testing.T) {
	rateSrc := newStubRates(map[string]string{"EUR/USD": "1.12"})
	e := newTestEngine(t, Config{BaseCurrency: "USD"}, rateSrc)

	_, err := e.ApplyFill(buyFill("exe_9-1", "user1", eurusd(), "1000", "1.10", time.Now()))
	require.NoError(t, err)
	_, err = e.ApplyFill(fillEvent("exe_9-2", "user1", eurusd(), types.OrderSideSell, "1000", "1.12", time.Now()))
	require.NoError(t, err)

	snap, err := e.CalculatePnL(context.Background(), "user1")
	require.NoError(t, err)

	assert.Equal(t, "20", snap.RealizedPnL.String())
	assert.Equal(t, "0", snap.UnrealizedPnL.String())
	assert.Equal(t, "20", snap.TotalPnL.String())
	assert.Empty(t, snap.Positions, "flat positions are not marked")
}

func TestCalculatePnLUnknownUser(t *testing.T) {
	e := newTestEngine(t, Config{}, newStubRates(nil))
	_, err := e.CalculatePnL(context.Background(), "ghost")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestCalculateAllCoversEveryUser(t *testing.T) {
	rateSrc := newStubRates(map[string]string{"EUR/USD": "1.10"})
	e := newTestEngine(t, Config{BaseCurrency: "USD"}, rateSrc)

	_, err := e.ApplyFill(buyFill("exe_10-1", "user1", eurusd(), "1000", "1.10", time.Now()))
	require.NoError(t, err)
	_, err = e.ApplyFill(buyFill("exe_10-2", "user2", eurusd(), "2000", "1.10", time.Now()))
	require.NoError(t, err)

	snaps := e.CalculateAll(context.Background())
	require.Len(t, snaps, 2)
	assert.Equal(t, "user1", snaps[0].UserID)
	assert.Equal(t, "user2", snaps[1].UserID)

	last, err := e.LastSnapshot("user2")
	require.NoError(t, err)
	assert.Equal(t, "user2", last.UserID)
}

func TestListPositionsSortedByPair(t *testing.T) {
	rateSrc := newStubRates(map[string]string{"EUR/USD": "1.10", "GBP/USD": "1.27"})
	e := newTestEngine(t, Config{}, rateSrc)

	gbpusd := types.Pair{Base: "GBP", Quote: "USD"}
	_, err := e.ApplyFill(buyFill("exe_11-1", "user1", gbpusd, "500", "1.27", time.Now()))
	require.NoError(t, err)
	_, err = e.ApplyFill(buyFill("exe_11-2", "user1", eurusd(), "1000", "1.10", time.Now()))
	require.NoError(t, err)

	positions := e.ListPositions("user1")
	require.Len(t, positions, 2)
	assert.Equal(t, "EUR/USD", positions[0].Pair.String())
	assert.Equal(t, "GBP/USD", positions[1].Pair.String())

	assert.Empty(t, e.ListPositions("ghost"))
}

func TestReportCronSpec(t *testing.T) {
	spec, err := reportCronSpec("23:55")
	require.NoError(t, err)
	assert.Equal(t, "55 23 * * *", spec)

	spec, err = reportCronSpec("07:00")
	require.NoError(t, err)
	assert.Equal(t, "0 7 * * *", spec)

	_, err = reportCronSpec("24:00")
	assert.Error(t, err)
	_, err = reportCronSpec("midnight")
	assert.Error(t, err)
}
