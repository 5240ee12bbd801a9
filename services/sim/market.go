// Package sim provides in-process stand-ins for the externals the core
// consumes: liquidity providers, rate oracles, the payment rail and account
// equity. One shared Market keeps their prices coherent, so a simulated run
// produces fills, rates and P&L that reconcile against each other.
package sim

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/pkg/types"
)

// Market holds the walking mid rates every simulated collaborator quotes
// around. Mids are kept per pair in "EUR/USD" notation; the inverse of a
// known pair is derived on read.
type Market struct {
	mu         sync.RWMutex
	rng        *rand.Rand
	mids       map[string]float64
	volatility float64
}

// NewMarket seeds the walk. mids maps pair notation to the starting rate.
func NewMarket(seed int64, mids map[string]decimal.Decimal) *Market {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	m := &Market{
		rng:        rand.New(rand.NewSource(seed)),
		mids:       make(map[string]float64, len(mids)),
		volatility: 0.0005,
	}
	for pair, mid := range mids {
		m.mids[strings.ToUpper(pair)] = mid.InexactFloat64()
	}
	return m
}

// SetVolatility sets the per-step relative move (0.0005 = 5 bps).
func (m *Market) SetVolatility(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volatility = v
}

// SetMid pins a pair to a rate, adding it if unknown.
func (m *Market) SetMid(pair types.Pair, mid decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids[pair.String()] = mid.InexactFloat64()
}

// Mid returns the current mid for a pair, deriving the inverse of a known
// pair when the direct one is not seeded.
func (m *Market) Mid(pair types.Pair) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if mid, ok := m.mids[pair.String()]; ok {
		return decimal.NewFromFloat(mid), true
	}
	if mid, ok := m.mids[pair.Inverse().String()]; ok && mid > 0 {
		return decimal.NewFromFloat(1 / mid), true
	}
	return decimal.Decimal{}, false
}

// Pairs returns the seeded pairs in notation form, sorted.
func (m *Market) Pairs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.mids))
	for pair := range m.mids {
		out = append(out, pair)
	}
	sort.Strings(out)
	return out
}

// Advance moves every mid one random-walk step.
func (m *Market) Advance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pair, mid := range m.mids {
		next := mid * (1 + m.rng.NormFloat64()*m.volatility)
		if next <= 0 {
			next = mid
		}
		m.mids[pair] = next
	}
}

// Run advances the walk on interval until ctx is cancelled. The single
// driver keeps the walk speed independent of how many sources sample it.
func (m *Market) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Advance()
		}
	}
}

// bps converts basis points to a decimal factor, exactly.
func bps(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Shift(-4)
}
