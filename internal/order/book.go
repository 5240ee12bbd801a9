package order

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/pkg/types"
)

const btreeDegree = 16

// PriceLevel is one aggregated rung of the book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is an aggregated view of one pair's resting limit orders.
type Depth struct {
	Pair      types.Pair   `json:"pair"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// bookItem keys an order for btree ordering: market orders first, then
// side-relative price priority, then FIFO by creation time, then id. The key
// fields must not change while the order rests in the tree; modifications
// remove and re-insert.
type bookItem struct {
	order *types.Order
	buy   bool
}

func (it bookItem) Less(than btree.Item) bool {
	other := than.(bookItem)
	a, b := it.order, other.order

	aMarket := a.Type == types.OrderTypeMarket
	bMarket := b.Type == types.OrderTypeMarket
	if aMarket != bMarket {
		return aMarket
	}
	if !aMarket && !a.Price.Equal(b.Price) {
		if it.buy {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// bookSide holds one side's resting orders in priority order.
type bookSide struct {
	tree *btree.BTree
	buy  bool
}

func newBookSide(buy bool) *bookSide {
	return &bookSide{tree: btree.New(btreeDegree), buy: buy}
}

func (s *bookSide) add(o *types.Order)    { s.tree.ReplaceOrInsert(bookItem{order: o, buy: s.buy}) }
func (s *bookSide) remove(o *types.Order) bool {
	return s.tree.Delete(bookItem{order: o, buy: s.buy}) != nil
}

// Book is the per-pair order book. It registers open orders for priority and
// depth queries; matching happens at the liquidity providers, not here.
type Book struct {
	mu   sync.RWMutex
	pair types.Pair
	bids *bookSide
	asks *bookSide
}

// NewBook creates an empty book for a pair.
func NewBook(pair types.Pair) *Book {
	return &Book{
		pair: pair,
		bids: newBookSide(true),
		asks: newBookSide(false),
	}
}

func (b *Book) side(s types.OrderSide) *bookSide {
	if s == types.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// Add inserts an order into its side.
func (b *Book) Add(o *types.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.side(o.Side).add(o)
}

// Remove deletes an order from its side, reporting whether it was present.
func (b *Book) Remove(o *types.Order) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.side(o.Side).remove(o)
}

// Len returns the number of resting orders on a side.
func (b *Book) Len(side types.OrderSide) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.side(side).tree.Len()
}

// Best returns the highest-priority order on a side, nil when empty.
func (b *Book) Best(side types.OrderSide) *types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	min := b.side(side).tree.Min()
	if min == nil {
		return nil
	}
	return min.(bookItem).order
}

// Orders returns up to max orders of a side in priority order. max <= 0
// returns all.
func (b *Book) Orders(side types.OrderSide, max int) []*types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*types.Order, 0)
	b.side(side).tree.Ascend(func(i btree.Item) bool {
		out = append(out, i.(bookItem).order)
		return max <= 0 || len(out) < max
	})
	return out
}

// Depth aggregates resting limit orders into price levels, best first, up to
// levels per side. Market orders carry no price and are excluded.
func (b *Book) Depth(levels int) Depth {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Depth{
		Pair:      b.pair,
		Bids:      b.bids.depth(levels),
		Asks:      b.asks.depth(levels),
		Timestamp: time.Now(),
	}
}

func (s *bookSide) depth(levels int) []PriceLevel {
	out := make([]PriceLevel, 0, levels)
	s.tree.Ascend(func(i btree.Item) bool {
		o := i.(bookItem).order
		if o.Type == types.OrderTypeMarket {
			return true
		}
		if n := len(out); n > 0 && out[n-1].Price.Equal(o.Price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(o.RemainingQty)
			out[n-1].Orders++
			return true
		}
		if levels > 0 && len(out) == levels {
			return false
		}
		out = append(out, PriceLevel{Price: o.Price, Quantity: o.RemainingQty, Orders: 1})
		return true
	})
	return out
}
