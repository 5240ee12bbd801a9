// Package generators produces randomized FX data for tests and benchmarks.
// Every generator is seeded so a failing case can be replayed.
package generators

import (
	"math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/pkg/types"
)

// RateGenerator walks per-pair mids and emits quotes around them.
type RateGenerator struct {
	rand       *rand.Rand
	mids       map[string]float64
	volatility float64
	spreadBps  float64
	source     string
}

// NewRateGenerator creates a generator seeded with the major pairs.
func NewRateGenerator(seed int64) *RateGenerator {
	return &RateGenerator{
		rand: rand.New(rand.NewSource(seed)),
		mids: map[string]float64{
			"EUR/USD": 1.0850,
			"GBP/USD": 1.2700,
			"USD/JPY": 155.20,
			"USD/CHF": 0.8800,
			"AUD/USD": 0.6550,
			"USD/CAD": 1.3650,
		},
		volatility: 0.0005,
		spreadBps:  1,
		source:     "test-feed",
	}
}

// SetMid pins a pair's mid, adding the pair if unknown.
func (g *RateGenerator) SetMid(pairKey string, mid float64) {
	g.mids[strings.ToUpper(pairKey)] = mid
}

// SetVolatility sets the per-step walk size (0.0005 = 5 bps).
func (g *RateGenerator) SetVolatility(v float64) {
	g.volatility = v
}

// SetSpreadBps sets the full quoted spread in basis points.
func (g *RateGenerator) SetSpreadBps(bps float64) {
	g.spreadBps = bps
}

// GenerateRate walks the pair's mid one step and quotes bid/ask around it.
// Unknown pairs start at parity.
func (g *RateGenerator) GenerateRate(pairKey string) types.Rate {
	key := strings.ToUpper(pairKey)
	pair, err := types.ParsePair(key)
	if err != nil {
		pair = types.Pair{Base: "EUR", Quote: "USD"}
		key = pair.String()
	}

	mid, ok := g.mids[key]
	if !ok {
		mid = 1.0
	}
	next := mid * (1 + g.rand.NormFloat64()*g.volatility)
	if next <= 0 {
		next = mid
	}
	g.mids[key] = next

	half := next * g.spreadBps / 10_000 / 2
	bid := types.RoundPrice(pair, decimal.NewFromFloat(next-half))
	ask := types.RoundPrice(pair, decimal.NewFromFloat(next+half))
	return types.Rate{
		From:         pair.Base,
		To:           pair.Quote,
		Rate:         types.RoundPrice(pair, decimal.NewFromFloat(next)),
		Bid:          bid,
		Ask:          ask,
		Spread:       ask.Sub(bid),
		QualityScore: decimal.NewFromFloat(0.9),
		Source:       g.source,
		Timestamp:    time.Now(),
	}
}

// GenerateSeries produces a connected walk of count rates spaced by
// interval, ending at the present.
func (g *RateGenerator) GenerateSeries(pairKey string, count int, interval time.Duration) []types.Rate {
	out := make([]types.Rate, count)
	start := time.Now().Add(-interval * time.Duration(count))
	for i := 0; i < count; i++ {
		rate := g.GenerateRate(pairKey)
		rate.Timestamp = start.Add(interval * time.Duration(i+1))
		out[i] = rate
	}
	return out
}
