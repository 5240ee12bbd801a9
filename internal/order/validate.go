package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/pkg/types"
)

// CreateParams carries a new order request. ExpiresAt is optional; time in
// force rules may shorten it.
type CreateParams struct {
	ClientOrderID string            `json:"client_order_id,omitempty"`
	Pair          string            `json:"currency_pair"`
	Side          types.OrderSide   `json:"side"`
	Type          types.OrderType   `json:"type"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Price         decimal.Decimal   `json:"price,omitempty"`
	StopPrice     decimal.Decimal   `json:"stop_price,omitempty"`
	TimeInForce   types.TimeInForce `json:"time_in_force,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at,omitempty"`
}

// ModifyParams carries the changed fields of a modify request. Nil means
// unchanged.
type ModifyParams struct {
	Quantity    *decimal.Decimal   `json:"quantity,omitempty"`
	Price       *decimal.Decimal   `json:"price,omitempty"`
	StopPrice   *decimal.Decimal   `json:"stop_price,omitempty"`
	TimeInForce *types.TimeInForce `json:"time_in_force,omitempty"`
}

func validTIF(tif types.TimeInForce) bool {
	switch tif {
	case types.TimeInForceGTC, types.TimeInForceIOC, types.TimeInForceFOK, types.TimeInForceDay:
		return true
	}
	return false
}

// validateParams applies the creation rules. It returns the parsed pair so
// the caller does not parse twice. Rejections never touch balances.
func (m *Manager) validateParams(params CreateParams) (types.Pair, error) {
	pair, err := types.ParsePair(params.Pair)
	if err != nil {
		return types.Pair{}, types.NewValidationError("currency_pair", "%v", err)
	}

	if !params.Side.Valid() {
		return pair, types.NewValidationError("side", "unknown side %q", params.Side)
	}
	if _, ok := m.supportedTypes[params.Type]; !ok {
		return pair, types.NewValidationError("type", "unsupported order type %q", params.Type)
	}
	if params.TimeInForce != "" && !validTIF(params.TimeInForce) {
		return pair, types.NewValidationError("time_in_force", "unknown time in force %q", params.TimeInForce)
	}

	qty := types.RoundQuantity(pair, params.Quantity)
	if qty.Sign() <= 0 {
		return pair, types.NewValidationError("quantity", "must be positive")
	}
	if qty.LessThan(m.cfg.MinOrderSize) {
		return pair, types.NewValidationError("quantity", "%s below minimum %s", qty, m.cfg.MinOrderSize)
	}
	if qty.GreaterThan(m.cfg.MaxOrderSize) {
		return pair, types.NewValidationError("quantity", "%s above maximum %s", qty, m.cfg.MaxOrderSize)
	}

	if params.Type.RequiresPrice() && params.Price.Sign() <= 0 {
		return pair, types.NewValidationError("price", "%s orders require a positive price", params.Type)
	}
	if params.Type.RequiresStopPrice() && params.StopPrice.Sign() <= 0 {
		return pair, types.NewValidationError("stop_price", "%s orders require a positive stop price", params.Type)
	}

	if params.Type == types.OrderTypeStopLimit {
		if err := validateStopLimit(params.Side, params.StopPrice, params.Price); err != nil {
			return pair, err
		}
	}
	return pair, nil
}

// validateStopLimit enforces the trigger ordering: a buy stops above its
// limit, a sell below.
func validateStopLimit(side types.OrderSide, stop, limit decimal.Decimal) error {
	if side == types.OrderSideBuy && !stop.GreaterThan(limit) {
		return types.NewValidationError("stop_price", "buy stop %s must be above limit %s", stop, limit)
	}
	if side == types.OrderSideSell && !stop.LessThan(limit) {
		return types.NewValidationError("stop_price", "sell stop %s must be below limit %s", stop, limit)
	}
	return nil
}

// resolveExpiry computes expiresAt from the time-in-force rules: IOC/FOK one
// second after submission, DAY the end of the local trading day, explicit GTC
// never (unless the caller set an explicit expiry), everything else after the
// configured default horizon.
func (m *Manager) resolveExpiry(params CreateParams, now time.Time) (types.TimeInForce, time.Time) {
	switch params.TimeInForce {
	case types.TimeInForceIOC, types.TimeInForceFOK:
		return params.TimeInForce, now.Add(time.Second)
	case types.TimeInForceDay:
		eod := endOfDay(now)
		if !params.ExpiresAt.IsZero() && params.ExpiresAt.Before(eod) {
			return params.TimeInForce, params.ExpiresAt
		}
		return params.TimeInForce, eod
	case types.TimeInForceGTC:
		return params.TimeInForce, params.ExpiresAt
	default:
		if !params.ExpiresAt.IsZero() {
			return types.TimeInForceGTC, params.ExpiresAt
		}
		return types.TimeInForceGTC, now.Add(time.Duration(m.cfg.ExpiryHours) * time.Hour)
	}
}

// endOfDay returns the last representable instant of now's local day, so an
// order is still active at 23:59:59.999 and expired at midnight.
func endOfDay(now time.Time) time.Time {
	y, mo, d := now.Date()
	return time.Date(y, mo, d, 23, 59, 59, int(time.Second-time.Nanosecond), now.Location())
}
