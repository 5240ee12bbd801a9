package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Urgency hints how aggressively a slice should be worked.
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyNormal    Urgency = "normal"
	UrgencyHigh      Urgency = "high"
	UrgencyImmediate Urgency = "immediate"
)

// Quote is a liquidity provider's answer for one slice.
type Quote struct {
	ProviderID string          `json:"provider_id"`
	Pair       Pair            `json:"pair"`
	Side       OrderSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Spread     decimal.Decimal `json:"spread"`
	ValidUntil time.Time       `json:"valid_until"`
}

// ExecRequest asks a provider to execute a slice. ExecutionID doubles as the
// provider-side idempotency key so a re-sent slice cannot execute twice.
type ExecRequest struct {
	ExecutionID string          `json:"execution_id"`
	Pair        Pair            `json:"pair"`
	Side        OrderSide       `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Urgency     Urgency         `json:"urgency"`
}

// ExecResult is a provider's execution report for one slice.
type ExecResult struct {
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	Commission     decimal.Decimal `json:"commission"`
}

// ProviderConfig describes one configured liquidity provider.
type ProviderConfig struct {
	Name            string          `json:"name"`
	Priority        int             `json:"priority"`
	MaxOrderSize    decimal.Decimal `json:"max_order_size"`
	AvgLatencyMs    int             `json:"avg_latency_ms"`
	Reliability     decimal.Decimal `json:"reliability"`
	CostBps         decimal.Decimal `json:"cost_bps"`
	Enabled         bool            `json:"enabled"`
	RateLimitPerSec int             `json:"rate_limit_per_sec"`
	BreakerTrip     int             `json:"breaker_trip"`
	BreakerCooldown time.Duration   `json:"breaker_cooldown"`
}

// Rate is one observation from a rate source. QualityScore lets the
// aggregator prefer better sources when several answer.
type Rate struct {
	From         string          `json:"from"`
	To           string          `json:"to"`
	Rate         decimal.Decimal `json:"rate"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Spread       decimal.Decimal `json:"spread"`
	QualityScore decimal.Decimal `json:"quality_score"`
	Source       string          `json:"source,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Mid returns the midpoint of bid and ask, falling back to Rate when either
// side is absent.
func (r Rate) Mid() decimal.Decimal {
	if r.Bid.IsZero() || r.Ask.IsZero() {
		return r.Rate
	}
	return r.Bid.Add(r.Ask).Div(decimal.NewFromInt(2))
}

// StaleAt reports whether the observation is older than the validity window
// at the given instant.
func (r Rate) StaleAt(now time.Time, validity time.Duration) bool {
	return now.Sub(r.Timestamp) > validity
}
