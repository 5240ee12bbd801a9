package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionTrade is the slice of a fill relevant to position accounting.
type PositionTrade struct {
	ExecutionID string          `json:"execution_id"`
	OrderID     string          `json:"order_id"`
	Side        OrderSide       `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Position is the net holding of one user in one pair. Quantity is signed:
// positive long base, negative short.
type Position struct {
	UserID       string          `json:"user_id"`
	Pair         Pair            `json:"pair"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Trades       []PositionTrade `json:"trades,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Notional returns |quantity| times average price in quote units.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.AveragePrice)
}

// IsFlat reports whether the position is closed.
func (p *Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	cp := *p
	if len(p.Trades) > 0 {
		cp.Trades = make([]PositionTrade, len(p.Trades))
		copy(cp.Trades, p.Trades)
	}
	return &cp
}

// CurrencyExposure is one currency's contribution to a snapshot.
// BaseCurrencyAmount is nil when the conversion rate was unavailable.
type CurrencyExposure struct {
	Currency           string           `json:"currency"`
	LocalAmount        decimal.Decimal  `json:"local_amount"`
	BaseCurrencyAmount *decimal.Decimal `json:"base_currency_amount"`
}

// PositionPnL is the mark-to-market of one open position inside a snapshot.
// Stale means the rate was missing or expired and the prior value was carried
// forward rather than replaced with zero.
type PositionPnL struct {
	Pair          Pair            `json:"pair"`
	Quantity      decimal.Decimal `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Stale         bool            `json:"stale,omitempty"`
}

// PnLSnapshot is one user's P&L state at a calculation tick. Partial is set
// when any constituent position or conversion was stale.
type PnLSnapshot struct {
	UserID        string                      `json:"user_id"`
	BaseCurrency  string                      `json:"base_currency"`
	RealizedPnL   decimal.Decimal             `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal             `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal             `json:"total_pnl"`
	Positions     []PositionPnL               `json:"positions"`
	Exposure      map[string]CurrencyExposure `json:"exposure"`
	Partial       bool                        `json:"partial,omitempty"`
	CalculatedAt  time.Time                   `json:"calculated_at"`
}

// RiskMetrics is the per-user risk and performance summary produced by the
// analytics engine.
type RiskMetrics struct {
	UserID        string          `json:"user_id"`
	TradeCount    int             `json:"trade_count"`
	WinRate       decimal.Decimal `json:"win_rate"`
	ProfitFactor  decimal.Decimal `json:"profit_factor"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	SharpeRatio   decimal.Decimal `json:"sharpe_ratio"`
	VaR95         decimal.Decimal `json:"var_95"`
	VaR99         decimal.Decimal `json:"var_99"`
	Concentration decimal.Decimal `json:"concentration"`
	Leverage      decimal.Decimal `json:"leverage"`
	CalculatedAt  time.Time       `json:"calculated_at"`
}
