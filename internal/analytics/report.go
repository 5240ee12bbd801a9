package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/pkg/types"
)

// dayBook accumulates one trading day's activity for the report. Fills
// stamped with a new day reset it. Mutation happens under the engine lock.
type dayBook struct {
	day     string
	users   map[string]*userDay
	markets map[string]*marketDay
}

type userDay struct {
	volume   decimal.Decimal // base currency notional
	trades   int
	realized decimal.Decimal // base currency realized delta
	top      []types.TopTrade
}

type marketDay struct {
	pair   types.Pair
	volume decimal.Decimal // base units of the pair
	trades int
	last   decimal.Decimal
}

func newDayBook(day string) *dayBook {
	return &dayBook{
		day:     day,
		users:   make(map[string]*userDay),
		markets: make(map[string]*marketDay),
	}
}

func (b *dayBook) record(ev types.SliceExecutedEvent, trade types.PositionTrade, baseNotional, baseRealized decimal.Decimal, topN int) {
	day := dayKey(trade.Timestamp)
	if b.day != day {
		*b = *newDayBook(day)
	}

	u, ok := b.users[ev.UserID]
	if !ok {
		u = &userDay{}
		b.users[ev.UserID] = u
	}
	u.volume = u.volume.Add(baseNotional)
	u.trades++
	u.realized = u.realized.Add(baseRealized)
	u.noteTopTrade(types.TopTrade{
		UserID:      ev.UserID,
		Pair:        ev.Pair,
		Side:        ev.Side,
		Quantity:    trade.Quantity,
		Price:       trade.Price,
		RealizedPnL: baseRealized,
		Timestamp:   trade.Timestamp,
	}, topN)

	m, ok := b.markets[ev.Pair.String()]
	if !ok {
		m = &marketDay{pair: ev.Pair}
		b.markets[ev.Pair.String()] = m
	}
	m.volume = m.volume.Add(trade.Quantity)
	m.trades++
	m.last = trade.Price
}

// noteTopTrade keeps the day's largest trades by absolute realized impact.
func (u *userDay) noteTopTrade(t types.TopTrade, topN int) {
	u.top = append(u.top, t)
	sort.SliceStable(u.top, func(i, j int) bool {
		return u.top[i].RealizedPnL.Abs().GreaterThan(u.top[j].RealizedPnL.Abs())
	})
	if len(u.top) > topN {
		u.top = u.top[:topN]
	}
}

// GenerateDailyReport builds the end-of-day report for the day containing
// now: per-user summaries with top trades, per-market activity, and risk
// alerts for users whose VaR or concentration crossed the configured
// thresholds. The report is published on the bus.
func (e *Engine) GenerateDailyReport(ctx context.Context, now time.Time) (*types.DailyReport, error) {
	day := dayKey(now)

	e.mu.Lock()
	var userIDs []string
	users := make(map[string]userDay)
	if e.day.day == day {
		for id, u := range e.day.users {
			userIDs = append(userIDs, id)
			cp := *u
			cp.top = append([]types.TopTrade(nil), u.top...)
			users[id] = cp
		}
	}
	var markets []marketDay
	if e.day.day == day {
		for _, m := range e.day.markets {
			markets = append(markets, *m)
		}
	}
	unrealized := make(map[string]decimal.Decimal)
	for id, snap := range e.snapshots {
		unrealized[id] = snap.UnrealizedPnL
	}
	e.mu.Unlock()

	sort.Strings(userIDs)
	report := &types.DailyReport{
		Date:        day,
		GeneratedAt: now,
	}

	for _, id := range userIDs {
		u := users[id]
		report.Users = append(report.Users, types.UserDailySummary{
			UserID:        id,
			Volume:        u.volume,
			TradeCount:    u.trades,
			RealizedPnL:   u.realized,
			UnrealizedPnL: unrealized[id],
			TopTrades:     u.top,
		})
	}

	sort.Slice(markets, func(i, j int) bool { return markets[i].pair.String() < markets[j].pair.String() })
	for _, m := range markets {
		report.Markets = append(report.Markets, types.MarketSummary{
			Pair:       m.pair,
			Volume:     m.volume,
			TradeCount: m.trades,
			LastPrice:  m.last,
		})
	}

	if !e.cfg.DisableRiskMetrics {
		for _, id := range userIDs {
			report.RiskAlerts = append(report.RiskAlerts, e.riskAlerts(ctx, id)...)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"date":    report.Date,
		"users":   len(report.Users),
		"markets": len(report.Markets),
		"alerts":  len(report.RiskAlerts),
	}).Info("daily report generated")
	e.publish(types.DailyReportGeneratedEvent{Report: report, At: now})
	return report, nil
}

func (e *Engine) riskAlerts(ctx context.Context, userID string) []types.RiskAlert {
	m, err := e.RiskMetrics(ctx, userID)
	if err != nil {
		e.logger.WithError(err).WithField("user_id", userID).Warn("risk metrics unavailable for report")
		return nil
	}

	var alerts []types.RiskAlert
	if e.cfg.VaRAlertThreshold.Sign() > 0 && m.VaR95.GreaterThan(e.cfg.VaRAlertThreshold) {
		alerts = append(alerts, types.RiskAlert{
			UserID: userID, Metric: "var_95", Value: m.VaR95, Threshold: e.cfg.VaRAlertThreshold,
		})
	}
	if e.cfg.ConcentrationAlertThreshold.Sign() > 0 && m.Concentration.GreaterThan(e.cfg.ConcentrationAlertThreshold) {
		alerts = append(alerts, types.RiskAlert{
			UserID: userID, Metric: "concentration", Value: m.Concentration, Threshold: e.cfg.ConcentrationAlertThreshold,
		})
	}
	return alerts
}
