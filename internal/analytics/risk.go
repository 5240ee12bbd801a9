package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/mExOms/fxcore/pkg/types"
)

// userStats accumulates trade outcomes and the tick-to-tick P&L return
// series one user generates. Mutation happens under the engine lock.
type userStats struct {
	trades  int
	wins    int
	losses  int
	sumWins decimal.Decimal
	sumLoss decimal.Decimal // absolute value of losing realized deltas
	series  []float64       // totalPnL deltas between consecutive ticks
}

func newUserStats() *userStats {
	return &userStats{}
}

// recordTrade books one applied fill. Only fills that realize P&L count as
// outcomes for the win rate and profit factor.
func (s *userStats) recordTrade(realized decimal.Decimal) {
	s.trades++
	switch realized.Sign() {
	case 1:
		s.wins++
		s.sumWins = s.sumWins.Add(realized)
	case -1:
		s.losses++
		s.sumLoss = s.sumLoss.Add(realized.Abs())
	}
}

func (s *userStats) recordReturn(delta float64) {
	s.series = append(s.series, delta)
	if len(s.series) > maxSeriesLen {
		s.series = s.series[len(s.series)-maxSeriesLen:]
	}
}

func (s *userStats) clone() *userStats {
	cp := *s
	cp.series = append([]float64(nil), s.series...)
	return &cp
}

// winRate returns wins over closed trades as a percentage. Trades that only
// open or grow a position have no outcome and are excluded.
func (s *userStats) winRate() decimal.Decimal {
	closed := s.wins + s.losses
	if closed == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.wins)).
		Div(decimal.NewFromInt(int64(closed))).
		Mul(decimal.NewFromInt(100))
}

// profitFactor returns gross profit over gross loss. With no losses the
// gross profit stands in for the unbounded ratio.
func (s *userStats) profitFactor() decimal.Decimal {
	if s.sumLoss.IsZero() {
		return s.sumWins
	}
	return s.sumWins.Div(s.sumLoss)
}

// sharpe is the mean over standard deviation of the return series.
func sharpe(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(series, nil)
	if std == 0 {
		return 0
	}
	return mean / std
}

// maxDrawdown is the largest peak-to-trough fall of the cumulative return
// curve.
func maxDrawdown(series []float64) float64 {
	var equity, peak, dd float64
	for _, r := range series {
		equity += r
		if equity > peak {
			peak = equity
		}
		if fall := peak - equity; fall > dd {
			dd = fall
		}
	}
	return dd
}

// valueAtRisk returns the loss at the given confidence as a positive number,
// from the historical quantile of the return series.
func valueAtRisk(series []float64, confidence float64) float64 {
	sorted := append([]float64(nil), series...)
	sort.Float64s(sorted)
	q := stat.Quantile(1-confidence, stat.Empirical, sorted, nil)
	if q >= 0 {
		return 0
	}
	return -q
}

// RiskMetrics computes the user's risk and performance summary. Sharpe,
// drawdown and VaR need at least MinRiskSamples ticks of return history and
// are zero-valued until then.
func (e *Engine) RiskMetrics(ctx context.Context, userID string) (*types.RiskMetrics, error) {
	if e.cfg.DisableRiskMetrics {
		return &types.RiskMetrics{UserID: userID, CalculatedAt: time.Now()}, nil
	}

	e.mu.Lock()
	stats, ok := e.stats[userID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("stats %s: %w", userID, types.ErrNotFound)
	}
	stats = stats.clone()
	var open []*types.Position
	for key, p := range e.positions {
		if key.userID == userID && !p.IsFlat() {
			open = append(open, p.Clone())
		}
	}
	e.mu.Unlock()

	m := &types.RiskMetrics{
		UserID:       userID,
		TradeCount:   stats.trades,
		WinRate:      stats.winRate(),
		ProfitFactor: stats.profitFactor(),
		CalculatedAt: time.Now(),
	}

	if len(stats.series) >= e.cfg.MinRiskSamples {
		m.SharpeRatio = decimal.NewFromFloat(sharpe(stats.series))
		m.MaxDrawdown = decimal.NewFromFloat(maxDrawdown(stats.series))
		m.VaR95 = decimal.NewFromFloat(valueAtRisk(stats.series, 0.95))
		m.VaR99 = decimal.NewFromFloat(valueAtRisk(stats.series, 0.99))
	}

	m.Concentration = e.concentration(ctx, open)
	m.Leverage = e.leverage(ctx, userID, open)
	return m, nil
}

// concentration is the Herfindahl index of position notionals: 1 for a
// single position, approaching 1/n for n equal positions.
func (e *Engine) concentration(ctx context.Context, open []*types.Position) decimal.Decimal {
	if len(open) == 0 {
		return decimal.Zero
	}

	notionals := make([]decimal.Decimal, 0, len(open))
	var total decimal.Decimal
	for _, p := range open {
		n := e.toBase(ctx, p.Notional(), p.Pair.Quote)
		notionals = append(notionals, n)
		total = total.Add(n)
	}
	if total.IsZero() {
		return decimal.Zero
	}

	var hhi decimal.Decimal
	for _, n := range notionals {
		w := n.Div(total)
		hhi = hhi.Add(w.Mul(w))
	}
	return hhi
}

// leverage is total open notional over account equity. Without an equity
// source it reports zero.
func (e *Engine) leverage(ctx context.Context, userID string, open []*types.Position) decimal.Decimal {
	if e.equity == nil || len(open) == 0 {
		return decimal.Zero
	}
	equity, err := e.equity.Equity(ctx, userID)
	if err != nil || equity.Sign() <= 0 {
		if err != nil {
			e.logger.WithError(err).WithField("user_id", userID).Debug("equity unavailable")
		}
		return decimal.Zero
	}

	var notional decimal.Decimal
	for _, p := range open {
		notional = notional.Add(e.toBase(ctx, p.Notional(), p.Pair.Quote))
	}
	return notional.Div(equity)
}
