package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TopTrade is one of the largest trades of the day by realized impact.
type TopTrade struct {
	UserID      string          `json:"user_id"`
	Pair        Pair            `json:"pair"`
	Side        OrderSide       `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Timestamp   time.Time       `json:"timestamp"`
}

// UserDailySummary aggregates one user's day.
type UserDailySummary struct {
	UserID        string          `json:"user_id"`
	Volume        decimal.Decimal `json:"volume"`
	TradeCount    int             `json:"trade_count"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TopTrades     []TopTrade      `json:"top_trades,omitempty"`
}

// MarketSummary aggregates per-pair activity for the day.
type MarketSummary struct {
	Pair       Pair            `json:"pair"`
	Volume     decimal.Decimal `json:"volume"`
	TradeCount int             `json:"trade_count"`
	LastPrice  decimal.Decimal `json:"last_price"`
}

// RiskAlert flags a user whose VaR or concentration crossed a configured
// threshold.
type RiskAlert struct {
	UserID    string          `json:"user_id"`
	Metric    string          `json:"metric"`
	Value     decimal.Decimal `json:"value"`
	Threshold decimal.Decimal `json:"threshold"`
}

// DailyReport is the end-of-day output of the analytics engine. Date is the
// report day in YYYY-MM-DD.
type DailyReport struct {
	Date        string             `json:"date"`
	Users       []UserDailySummary `json:"users"`
	Markets     []MarketSummary    `json:"markets"`
	RiskAlerts  []RiskAlert        `json:"risk_alerts,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}
