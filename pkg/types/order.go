package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Valid reports whether the side is a known value.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() int {
	if s == OrderSideBuy {
		return 1
	}
	return -1
}

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the pricing mode of an order.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// RequiresPrice reports whether the type carries a limit price.
func (t OrderType) RequiresPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// RequiresStopPrice reports whether the type carries a stop trigger.
func (t OrderType) RequiresStopPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit || t == OrderTypeTrailingStop
}

// TimeInForce controls how long an order stays active.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceDay TimeInForce = "DAY"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending       OrderStatus = "pending"
	OrderStatusSubmitted     OrderStatus = "submitted"
	OrderStatusPartialFilled OrderStatus = "partial_filled"
	OrderStatusFilled        OrderStatus = "filled"
	OrderStatusCancelled     OrderStatus = "cancelled"
	OrderStatusRejected      OrderStatus = "rejected"
	OrderStatusExpired       OrderStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// orderTransitions is the allow-list consulted on every status write.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusSubmitted,
		OrderStatusRejected,
	},
	OrderStatusSubmitted: {
		OrderStatusPartialFilled,
		OrderStatusFilled,
		OrderStatusCancelled,
		OrderStatusExpired,
	},
	OrderStatusPartialFilled: {
		OrderStatusPartialFilled,
		OrderStatusFilled,
		OrderStatusCancelled,
		OrderStatusExpired,
	},
}

// CanTransition reports whether from → to is permitted.
func CanTransition(from, to OrderStatus) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Fill is one provider execution applied to an order. ExecutionID is the
// idempotency key: a fill reported twice must be applied once.
type Fill struct {
	ExecutionID      string          `json:"execution_id"`
	OrderID          string          `json:"order_id"`
	ProviderID       string          `json:"provider_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	Commission       decimal.Decimal `json:"commission"`
	PriceImprovement decimal.Decimal `json:"price_improvement"`
	Latency          time.Duration   `json:"latency"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Notional returns quantity times price in quote units.
func (f Fill) Notional() decimal.Decimal {
	return f.Quantity.Mul(f.Price)
}

// Order is a client order against a currency pair.
type Order struct {
	ID               string          `json:"id"`
	ClientOrderID    string          `json:"client_order_id,omitempty"`
	UserID           string          `json:"user_id"`
	Side             OrderSide       `json:"side"`
	Type             OrderType       `json:"type"`
	Pair             Pair            `json:"pair"`
	Quantity         decimal.Decimal `json:"quantity"`
	OriginalQuantity decimal.Decimal `json:"original_quantity"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	RemainingQty     decimal.Decimal `json:"remaining_quantity"`
	Price            decimal.Decimal `json:"price,omitempty"`
	StopPrice        decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce      TimeInForce     `json:"time_in_force"`
	Status           OrderStatus     `json:"status"`
	Fills            []Fill          `json:"fills,omitempty"`
	AverageFillPrice decimal.Decimal `json:"average_fill_price"`
	ExpiresAt        time.Time       `json:"expires_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsOpen reports whether the order may still rest on the book.
func (o *Order) IsOpen() bool {
	switch o.Status {
	case OrderStatusPending, OrderStatusSubmitted, OrderStatusPartialFilled:
		return true
	}
	return false
}

// SignedQuantity returns quantity with the side's sign applied.
func (o *Order) SignedQuantity() decimal.Decimal {
	if o.Side == OrderSideSell {
		return o.Quantity.Neg()
	}
	return o.Quantity
}

// Notional returns original quantity times price. Zero price (market orders)
// yields zero.
func (o *Order) Notional() decimal.Decimal {
	return o.OriginalQuantity.Mul(o.Price)
}

// Clone returns a deep copy safe to hand to other components.
func (o *Order) Clone() *Order {
	cp := *o
	if len(o.Fills) > 0 {
		cp.Fills = make([]Fill, len(o.Fills))
		copy(cp.Fills, o.Fills)
	}
	return &cp
}
