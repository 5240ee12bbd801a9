package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/pkg/types"
)

// ProviderConfig shapes one simulated liquidity provider.
type ProviderConfig struct {
	Name          string
	SpreadBps     float64         // full quoted spread around mid
	CommissionBps float64         // charged on filled notional
	Latency       time.Duration   // injected per call
	Jitter        time.Duration   // uniform +/- around Latency
	FailureRate   float64         // probability a call errors
	MaxQuantity   decimal.Decimal // slices above this are refused
	PartialAbove  decimal.Decimal // slices above this fill half
	ImproveBps    float64         // max random execution improvement
	Seed          int64
}

// Provider simulates one venue. It quotes around the shared market mid and
// fills at the requested price, optionally improved.
type Provider struct {
	cfg    ProviderConfig
	market *Market

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider creates a simulated provider over the shared market.
func NewProvider(cfg ProviderConfig, market *Market) *Provider {
	if cfg.SpreadBps <= 0 {
		cfg.SpreadBps = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Provider{
		cfg:    cfg,
		market: market,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Name implements provider.LiquidityProvider.
func (p *Provider) Name() string { return p.cfg.Name }

// Quote implements provider.LiquidityProvider.
func (p *Provider) Quote(ctx context.Context, pair types.Pair, side types.OrderSide, quantity decimal.Decimal) (types.Quote, error) {
	if err := p.sleep(ctx); err != nil {
		return types.Quote{}, err
	}
	if p.trip() {
		return types.Quote{}, &types.ProviderError{
			Provider: p.cfg.Name, Op: "quote", Retryable: true,
			Err: errors.New("simulated venue outage"),
		}
	}
	if p.cfg.MaxQuantity.Sign() > 0 && quantity.GreaterThan(p.cfg.MaxQuantity) {
		return types.Quote{}, &types.ProviderError{
			Provider: p.cfg.Name, Op: "quote",
			Err: fmt.Errorf("quantity %s above venue limit %s", quantity, p.cfg.MaxQuantity),
		}
	}
	mid, ok := p.market.Mid(pair)
	if !ok {
		return types.Quote{}, &types.ProviderError{
			Provider: p.cfg.Name, Op: "quote",
			Err: fmt.Errorf("pair %s not quoted", pair),
		}
	}

	spread := mid.Mul(bps(p.cfg.SpreadBps))
	half := spread.Div(decimal.NewFromInt(2))
	price := mid.Add(half)
	if side == types.OrderSideSell {
		price = mid.Sub(half)
	}
	return types.Quote{
		ProviderID: p.cfg.Name,
		Pair:       pair,
		Side:       side,
		Price:      types.RoundPrice(pair, price),
		Spread:     spread,
		ValidUntil: time.Now().Add(2 * time.Second),
	}, nil
}

// Execute implements provider.LiquidityProvider. Fills land at the requested
// price, improved by up to ImproveBps, and halve above PartialAbove.
func (p *Provider) Execute(ctx context.Context, req types.ExecRequest) (types.ExecResult, error) {
	if err := p.sleep(ctx); err != nil {
		return types.ExecResult{}, err
	}
	if p.trip() {
		return types.ExecResult{}, &types.ProviderError{
			Provider: p.cfg.Name, Op: "execute", Retryable: true,
			Err: errors.New("simulated venue outage"),
		}
	}
	if p.cfg.MaxQuantity.Sign() > 0 && req.Quantity.GreaterThan(p.cfg.MaxQuantity) {
		return types.ExecResult{}, &types.ProviderError{
			Provider: p.cfg.Name, Op: "execute",
			Err: fmt.Errorf("quantity %s above venue limit %s", req.Quantity, p.cfg.MaxQuantity),
		}
	}

	price := req.Price
	if price.Sign() <= 0 {
		mid, ok := p.market.Mid(req.Pair)
		if !ok {
			return types.ExecResult{}, &types.ProviderError{
				Provider: p.cfg.Name, Op: "execute",
				Err: fmt.Errorf("pair %s not quoted", req.Pair),
			}
		}
		price = mid
	}
	if p.cfg.ImproveBps > 0 {
		improvement := price.Mul(bps(p.cfg.ImproveBps * p.draw()))
		if req.Side == types.OrderSideBuy {
			price = price.Sub(improvement)
		} else {
			price = price.Add(improvement)
		}
	}
	price = types.RoundPrice(req.Pair, price)

	filled := req.Quantity
	if p.cfg.PartialAbove.Sign() > 0 && filled.GreaterThan(p.cfg.PartialAbove) {
		filled = types.RoundQuantity(req.Pair, filled.Div(decimal.NewFromInt(2)))
	}

	commission := decimal.Zero
	if p.cfg.CommissionBps > 0 {
		commission = types.RoundAmount(req.Pair.Quote, filled.Mul(price).Mul(bps(p.cfg.CommissionBps)))
	}
	return types.ExecResult{
		FilledQuantity: filled,
		ExecutionPrice: price,
		Commission:     commission,
	}, nil
}

func (p *Provider) trip() bool {
	if p.cfg.FailureRate <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64() < p.cfg.FailureRate
}

func (p *Provider) draw() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64()
}

func (p *Provider) sleep(ctx context.Context) error {
	if p.cfg.Latency <= 0 {
		return nil
	}
	d := p.cfg.Latency
	if p.cfg.Jitter > 0 {
		d += time.Duration((p.draw()*2 - 1) * float64(p.cfg.Jitter))
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
