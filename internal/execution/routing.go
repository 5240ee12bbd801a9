package execution

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/internal/provider"
	"github.com/mExOms/fxcore/pkg/types"
)

// Routing weights. Price dominates; the remainder orders stable venues ahead
// of merely cheap ones.
const (
	weightPrice       = 0.40
	weightReliability = 0.25
	weightLatency     = 0.20
	weightCapacity    = 0.10
	weightCost        = 0.05
)

// candidates resolves the provider set for one slice: the pinned list when
// the caller supplied one, otherwise every available guard in priority order.
func (e *Engine) candidates(preferred []string) []*provider.Guard {
	if len(preferred) == 0 {
		return e.providers.Candidates()
	}
	out := make([]*provider.Guard, 0, len(preferred))
	for _, name := range preferred {
		g, err := e.providers.Get(name)
		if err != nil {
			e.logger.WithField("provider", name).Warn("preferred provider not registered")
			continue
		}
		if g.Available() {
			out = append(out, g)
		}
	}
	return out
}

type scoredQuote struct {
	guard *provider.Guard
	quote types.Quote
	score float64
}

// selectProvider quotes the candidates in parallel and returns the best
// scoring answer. With smart routing off only the first candidate is asked.
// Quote failures just shrink the candidate set; an empty one is the error.
func (e *Engine) selectProvider(ctx context.Context, c *Context, qty decimal.Decimal) (*provider.Guard, types.Quote, error) {
	guards := e.candidates(c.opts.PreferredProviders)
	if len(guards) == 0 {
		return nil, types.Quote{}, fmt.Errorf("no provider available for %s", c.Pair)
	}

	if e.cfg.DisableSmartRouting {
		g := guards[0]
		q, err := g.Quote(ctx, c.Pair, c.Side, qty)
		if err != nil {
			return nil, types.Quote{}, fmt.Errorf("quote %s: %w", g.Name(), err)
		}
		return g, q, nil
	}

	results := make([]*scoredQuote, len(guards))
	done := make(chan struct{})
	pending := len(guards)
	for i, g := range guards {
		go func(i int, g *provider.Guard) {
			q, err := g.Quote(ctx, c.Pair, c.Side, qty)
			if err != nil {
				e.logger.WithError(err).WithField("provider", g.Name()).Debug("quote failed")
			} else {
				results[i] = &scoredQuote{guard: g, quote: q, score: e.scoreQuote(g, q, qty)}
			}
			done <- struct{}{}
		}(i, g)
	}
	for ; pending > 0; pending-- {
		<-done
	}

	// Results keep registry order, so a strict comparison resolves score ties
	// by priority.
	var best *scoredQuote
	for _, sq := range results {
		if sq == nil {
			continue
		}
		if best == nil || sq.score > best.score {
			best = sq
		}
	}
	if best == nil {
		return nil, types.Quote{}, fmt.Errorf("no quotes for %s from %d providers", c.Pair, len(guards))
	}
	return best.guard, best.quote, nil
}

// scoreQuote ranks a quote on spread, provider track record, latency,
// capacity fit and cost. Every factor normalizes into (0, 1] so the weights
// stay comparable.
func (e *Engine) scoreQuote(g *provider.Guard, q types.Quote, qty decimal.Decimal) float64 {
	cfg := g.Config()
	stats := g.Stats()

	priceScore := 1 / (1 + q.Spread.Abs().InexactFloat64())

	reliabilityScore := cfg.Reliability.InexactFloat64() * (stats.SuccessRate() / 100)

	latencyMs := stats.AvgLatencyMs()
	if latencyMs == 0 {
		latencyMs = float64(cfg.AvgLatencyMs)
	}
	latencyScore := 1 / (1 + latencyMs/1000)

	capacityScore := 1.0
	if cfg.MaxOrderSize.Sign() > 0 {
		capacityScore = math.Min(qty.Div(cfg.MaxOrderSize).InexactFloat64(), 1)
	}

	costScore := 1 / (1 + cfg.CostBps.InexactFloat64()/100)

	return weightPrice*priceScore +
		weightReliability*reliabilityScore +
		weightLatency*latencyScore +
		weightCapacity*capacityScore +
		weightCost*costScore
}

// costAdjusted folds the provider's cost into the quoted price: buys pay the
// markup, sells give it up.
func costAdjusted(px decimal.Decimal, side types.OrderSide, costBps decimal.Decimal) decimal.Decimal {
	if costBps.IsZero() {
		return px
	}
	adj := costBps.Div(decimal.NewFromInt(10000))
	if side == types.OrderSideBuy {
		return px.Mul(decimal.NewFromInt(1).Add(adj))
	}
	return px.Mul(decimal.NewFromInt(1).Sub(adj))
}
