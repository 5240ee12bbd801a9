// Package rates fronts the external rate oracles. The aggregator caches
// observations, falls back across sources by priority, and reports staleness
// explicitly so callers decide between rejecting and carrying forward.
package rates

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/pkg/types"
)

// Source is one upstream rate oracle queried on demand.
type Source interface {
	Name() string
	GetRate(ctx context.Context, from, to string) (types.Rate, error)
}

// Streamer is implemented by sources that can push a live stream for a pair.
type Streamer interface {
	Subscribe(pair types.Pair) (<-chan types.Rate, func(), error)
}

// Provider is what the rest of the core consumes. GetRate returns
// types.ErrStaleRate together with the last known value when no source can
// deliver a fresh observation; callers that cannot tolerate staleness treat
// it as failure, the P&L loop carries the value forward flagged stale.
type Provider interface {
	GetRate(ctx context.Context, from, to string) (types.Rate, error)
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}
