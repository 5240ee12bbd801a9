package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/pkg/cache"
	"github.com/mExOms/fxcore/pkg/types"
)

// Aggregator merges several rate sources behind one Provider. Sources are
// queried in registration order; the first fresh answer wins and is cached
// for the validity window.
type Aggregator struct {
	sources  []Source
	cache    *cache.RateCache
	validity time.Duration
	logger   *logrus.Entry
}

// NewAggregator creates an aggregator with the given validity window.
func NewAggregator(validity time.Duration, sources ...Source) *Aggregator {
	return &Aggregator{
		sources:  sources,
		cache:    cache.NewRateCache(validity),
		validity: validity,
		logger:   logrus.WithField("component", "rates"),
	}
}

// AddSource appends a fallback source.
func (a *Aggregator) AddSource(s Source) {
	a.sources = append(a.sources, s)
}

// Push injects an observation, typically from a streaming source.
func (a *Aggregator) Push(rate types.Rate) {
	if rate.Timestamp.IsZero() {
		rate.Timestamp = time.Now()
	}
	a.cache.Put(rate)
}

// Stop releases cache resources.
func (a *Aggregator) Stop() {
	a.cache.Stop()
}

// GetRate implements Provider. Identity pairs return rate 1. When every
// source fails and only an expired cache entry remains, that entry is
// returned together with types.ErrStaleRate.
func (a *Aggregator) GetRate(ctx context.Context, from, to string) (types.Rate, error) {
	if from == to {
		one := decimal.NewFromInt(1)
		return types.Rate{
			From: from, To: to,
			Rate: one, Bid: one, Ask: one,
			Timestamp: time.Now(),
		}, nil
	}

	if rate, found, fresh := a.cache.Get(from, to); found && fresh {
		return rate, nil
	}

	for _, src := range a.sources {
		rate, err := src.GetRate(ctx, from, to)
		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"source": src.Name(),
				"pair":   from + "/" + to,
			}).WithError(err).Debug("rate source failed, trying next")
			continue
		}
		if rate.Timestamp.IsZero() {
			rate.Timestamp = time.Now()
		}
		if rate.StaleAt(time.Now(), a.validity) {
			continue
		}
		rate.From, rate.To, rate.Source = from, to, src.Name()
		a.cache.Put(rate)
		return rate, nil
	}

	if rate, found, _ := a.cache.Get(from, to); found {
		return rate, fmt.Errorf("%s/%s: %w", from, to, types.ErrStaleRate)
	}
	return types.Rate{}, fmt.Errorf("%s/%s: %w", from, to, types.ErrStaleRate)
}

// Convert implements Provider. A direct rate is preferred; the inverse pair
// is used as fallback. Stale rates are not used for conversion.
func (a *Aggregator) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if from == to {
		return amount, nil
	}

	if rate, err := a.GetRate(ctx, from, to); err == nil {
		return amount.Mul(rate.Mid()), nil
	}

	inverse, err := a.GetRate(ctx, to, from)
	if err != nil {
		return decimal.Zero, fmt.Errorf("convert %s->%s: %w", from, to, types.ErrStaleRate)
	}
	mid := inverse.Mid()
	if mid.IsZero() {
		return decimal.Zero, fmt.Errorf("convert %s->%s: zero inverse rate", from, to)
	}
	return amount.DivRound(mid, 12), nil
}
