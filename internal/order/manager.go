// Package order implements the order manager: order lifecycle and books,
// fund reservation against the account manager, fill recording and expiry.
package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/internal/account"
	"github.com/mExOms/fxcore/internal/compliance"
	"github.com/mExOms/fxcore/internal/rates"
	"github.com/mExOms/fxcore/pkg/bus"
	"github.com/mExOms/fxcore/pkg/types"
)

// Config are the order manager limits and behaviors.
type Config struct {
	MinOrderSize     decimal.Decimal
	MaxOrderSize     decimal.Decimal
	MaxOrdersPerUser int
	ExpiryHours      int
	SlippageBuffer   decimal.Decimal
	SupportedTypes   []types.OrderType
	SweepInterval    time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinOrderSize:     decimal.NewFromInt(1000),
		MaxOrderSize:     decimal.NewFromInt(10_000_000),
		MaxOrdersPerUser: 100,
		ExpiryHours:      24,
		SlippageBuffer:   decimal.NewFromFloat(0.01),
		SupportedTypes: []types.OrderType{
			types.OrderTypeMarket,
			types.OrderTypeLimit,
			types.OrderTypeStop,
			types.OrderTypeStopLimit,
			types.OrderTypeTrailingStop,
		},
		SweepInterval: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinOrderSize.Sign() <= 0 {
		c.MinOrderSize = def.MinOrderSize
	}
	if c.MaxOrderSize.Sign() <= 0 {
		c.MaxOrderSize = def.MaxOrderSize
	}
	if c.MaxOrdersPerUser <= 0 {
		c.MaxOrdersPerUser = def.MaxOrdersPerUser
	}
	if c.ExpiryHours <= 0 {
		c.ExpiryHours = def.ExpiryHours
	}
	if c.SlippageBuffer.Sign() <= 0 {
		c.SlippageBuffer = def.SlippageBuffer
	}
	if len(c.SupportedTypes) == 0 {
		c.SupportedTypes = def.SupportedTypes
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// reservation is the outstanding collateral lock for one open order. amount
// and unitRate are mutated only under the order's lock.
type reservation struct {
	accountID string
	currency  string
	amount    decimal.Decimal
	unitRate  decimal.Decimal
}

// ListFilter narrows ListUserOrders results. Zero values match everything.
type ListFilter struct {
	Status types.OrderStatus
	Pair   string
	Limit  int
}

// Manager owns orders and books. All status writes go through the transition
// allow-list; fills and cancels are serialized per order.
type Manager struct {
	cfg            Config
	supportedTypes map[types.OrderType]struct{}

	mu           sync.RWMutex
	orders       map[string]*types.Order
	userOrders   map[string]map[string]struct{}
	openCount    map[string]int
	books        map[string]*Book
	reservations map[string]*reservation

	locks  sync.Map
	expiry *expiryIndex

	accounts account.Manager
	rates    rates.Provider
	checker  compliance.Checker
	bus      *bus.Bus
	logger   *logrus.Entry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wires the order manager. checker may be nil to skip compliance.
func NewManager(cfg Config, accounts account.Manager, rateSrc rates.Provider, checker compliance.Checker, b *bus.Bus) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:            cfg,
		supportedTypes: make(map[types.OrderType]struct{}, len(cfg.SupportedTypes)),
		orders:         make(map[string]*types.Order),
		userOrders:     make(map[string]map[string]struct{}),
		openCount:      make(map[string]int),
		books:          make(map[string]*Book),
		reservations:   make(map[string]*reservation),
		expiry:         newExpiryIndex(),
		accounts:       accounts,
		rates:          rateSrc,
		checker:        checker,
		bus:            b,
		logger:         logrus.WithField("component", "order-manager"),
		stopCh:         make(chan struct{}),
	}
	for _, t := range cfg.SupportedTypes {
		m.supportedTypes[t] = struct{}{}
	}
	return m
}

// Start launches the expiry sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop terminates the expiry sweep.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.SweepExpired(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

func newOrderID() string { return "ord_" + uuid.NewString() }

func (m *Manager) orderLock(orderID string) *sync.Mutex {
	l, _ := m.locks.LoadOrStore(orderID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (m *Manager) publish(ev types.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// setStatus applies one allow-listed transition and publishes the change.
// Callers hold the order's lock.
func (m *Manager) setStatus(o *types.Order, to types.OrderStatus, reason string, at time.Time) error {
	if !types.CanTransition(o.Status, to) {
		return &types.StateConflictError{
			Entity: "order", ID: o.ID, State: string(o.Status), Op: "transition to " + string(to),
		}
	}
	from := o.Status
	o.Status = to
	o.UpdatedAt = at
	m.publish(types.OrderStatusChangedEvent{
		OrderID: o.ID, UserID: o.UserID, From: from, To: to, Reason: reason, At: at,
	})
	return nil
}

// CreateOrder validates, checks compliance, reserves the collateral leg and
// accepts the order onto the book. Validation failures return without a
// stored order; compliance and reservation failures store it as rejected.
func (m *Manager) CreateOrder(ctx context.Context, userID string, params CreateParams) (*types.Order, error) {
	pair, err := m.validateParams(params)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	open := m.openCount[userID]
	m.mu.RUnlock()
	if open >= m.cfg.MaxOrdersPerUser {
		return nil, types.NewValidationError("user", "open order limit %d reached", m.cfg.MaxOrdersPerUser)
	}

	now := time.Now()
	tif, expiresAt := m.resolveExpiry(params, now)
	qty := types.RoundQuantity(pair, params.Quantity)

	o := &types.Order{
		ID:               newOrderID(),
		ClientOrderID:    params.ClientOrderID,
		UserID:           userID,
		Side:             params.Side,
		Type:             params.Type,
		Pair:             pair,
		Quantity:         qty,
		OriginalQuantity: qty,
		RemainingQty:     qty,
		FilledQuantity:   decimal.Zero,
		TimeInForce:      tif,
		Status:           types.OrderStatusPending,
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if params.Price.Sign() > 0 {
		o.Price = types.RoundPrice(pair, params.Price)
	}
	if params.StopPrice.Sign() > 0 {
		o.StopPrice = types.RoundPrice(pair, params.StopPrice)
	}

	if m.checker != nil {
		if err := m.runChecks(ctx, o); err != nil {
			m.rejectOrder(o, err.Error(), now)
			return o.Clone(), err
		}
	}

	resv, err := m.buildReservation(ctx, o)
	if err != nil {
		m.rejectOrder(o, err.Error(), now)
		return o.Clone(), err
	}

	if _, err := m.accounts.Reserve(ctx, resv.accountID, resv.currency, resv.amount, reservationRef(o.ID)); err != nil {
		m.rejectOrder(o, "reservation refused", now)
		return o.Clone(), fmt.Errorf("reserve %s %s for order %s: %w", resv.amount, resv.currency, o.ID, err)
	}

	o.Status = types.OrderStatusSubmitted
	o.UpdatedAt = now

	m.mu.Lock()
	m.orders[o.ID] = o
	if m.userOrders[userID] == nil {
		m.userOrders[userID] = make(map[string]struct{})
	}
	m.userOrders[userID][o.ID] = struct{}{}
	m.openCount[userID]++
	m.reservations[o.ID] = resv
	book := m.ensureBook(pair)
	m.mu.Unlock()

	book.Add(o)
	m.expiry.add(o.ID, o.ExpiresAt)

	m.logger.WithFields(logrus.Fields{
		"order_id": o.ID,
		"user_id":  userID,
		"pair":     pair.String(),
		"side":     o.Side,
		"type":     o.Type,
		"quantity": qty.String(),
	}).Info("order accepted")
	m.publish(types.OrderCreatedEvent{Order: o.Clone(), At: now})
	return o.Clone(), nil
}

func (m *Manager) runChecks(ctx context.Context, o *types.Order) error {
	risk, err := m.checker.AssessOrderRisk(ctx, o)
	if err != nil {
		return fmt.Errorf("risk assessment: %w", err)
	}
	if !risk.Approved {
		return types.NewValidationError("risk", "%s", risk.Reason)
	}
	for _, w := range risk.Warnings {
		m.logger.WithField("order_id", o.ID).Warn(w)
	}

	comp, err := m.checker.CheckOrderCompliance(ctx, o)
	if err != nil {
		return fmt.Errorf("compliance check: %w", err)
	}
	if !comp.Approved {
		return types.NewValidationError("compliance", "%s", comp.Reason)
	}
	return nil
}

func reservationRef(orderID string) string { return "resv:" + orderID }

// buildReservation computes the collateral leg: sells lock base quantity,
// limit buys lock quantity times limit price, market buys lock quantity
// times current ask padded by the slippage buffer. A stale or missing ask
// rejects the market order rather than guessing.
func (m *Manager) buildReservation(ctx context.Context, o *types.Order) (*reservation, error) {
	var currency string
	var amount, unitRate decimal.Decimal

	switch {
	case o.Side == types.OrderSideSell:
		currency = o.Pair.Base
		unitRate = decimal.NewFromInt(1)
		amount = o.Quantity
	case o.Type.RequiresPrice():
		currency = o.Pair.Quote
		unitRate = o.Price
		amount = o.Quantity.Mul(o.Price)
	default:
		if m.rates == nil {
			return nil, fmt.Errorf("market buy %s: %w", o.ID, types.ErrStaleRate)
		}
		rate, err := m.rates.GetRate(ctx, o.Pair.Base, o.Pair.Quote)
		if err != nil {
			return nil, fmt.Errorf("market buy %s needs a live ask: %w", o.ID, err)
		}
		ask := rate.Ask
		if ask.Sign() <= 0 {
			ask = rate.Rate
		}
		currency = o.Pair.Quote
		unitRate = ask.Mul(decimal.NewFromInt(1).Add(m.cfg.SlippageBuffer))
		amount = o.Quantity.Mul(unitRate)
	}

	acc, err := m.accounts.GetUserAccount(ctx, o.UserID, currency)
	if err != nil {
		return nil, fmt.Errorf("resolve %s account for %s: %w", currency, o.UserID, err)
	}
	return &reservation{
		accountID: acc.ID,
		currency:  currency,
		amount:    types.RoundAmount(currency, amount),
		unitRate:  unitRate,
	}, nil
}

// rejectOrder stores and marks an order rejected. Rejected orders never
// counted as open and never touched balances.
func (m *Manager) rejectOrder(o *types.Order, reason string, at time.Time) {
	o.Status = types.OrderStatusRejected
	o.UpdatedAt = at

	m.mu.Lock()
	m.orders[o.ID] = o
	if m.userOrders[o.UserID] == nil {
		m.userOrders[o.UserID] = make(map[string]struct{})
	}
	m.userOrders[o.UserID][o.ID] = struct{}{}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"order_id": o.ID,
		"user_id":  o.UserID,
		"reason":   reason,
	}).Info("order rejected")
	m.publish(types.OrderStatusChangedEvent{
		OrderID: o.ID, UserID: o.UserID,
		From: types.OrderStatusPending, To: types.OrderStatusRejected,
		Reason: reason, At: at,
	})
}

// CancelOrder cancels an open order and releases its remaining reservation.
// Cancelling a terminal order is a no-op success.
func (m *Manager) CancelOrder(ctx context.Context, orderID, userID, reason string) error {
	o, err := m.lookup(orderID)
	if err != nil {
		return err
	}
	if o.UserID != userID {
		return fmt.Errorf("order %s: %w", orderID, types.ErrAccessDenied)
	}

	lock := m.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	if o.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	if err := m.setStatus(o, types.OrderStatusCancelled, reason, now); err != nil {
		return err
	}
	m.retireOrder(ctx, o)

	m.publish(types.OrderCancelledEvent{
		OrderID: o.ID, UserID: o.UserID, Reason: reason,
		RemainingQty: o.RemainingQty, At: now,
	})
	m.logger.WithFields(logrus.Fields{
		"order_id": o.ID,
		"reason":   reason,
	}).Info("order cancelled")
	return nil
}

// retireOrder removes a newly-terminal order from the open structures and
// releases its outstanding reservation. Callers hold the order's lock and
// have already transitioned the status.
func (m *Manager) retireOrder(ctx context.Context, o *types.Order) {
	m.mu.Lock()
	resv := m.reservations[o.ID]
	delete(m.reservations, o.ID)
	if m.openCount[o.UserID] > 0 {
		m.openCount[o.UserID]--
	}
	book := m.books[o.Pair.String()]
	m.mu.Unlock()

	if book != nil {
		book.Remove(o)
	}
	m.expiry.remove(o.ID)

	if resv != nil && resv.amount.Sign() > 0 {
		if _, err := m.accounts.Release(ctx, resv.accountID, resv.currency, resv.amount, reservationRef(o.ID)); err != nil {
			m.logger.WithError(err).WithField("order_id", o.ID).
				Error("residual reservation release failed")
			m.alert("order-manager", fmt.Sprintf("release failed for %s", o.ID), o.ID)
		}
	}
}

func (m *Manager) alert(component, message, refID string) {
	m.publish(types.OperatorAlertEvent{
		Severity: "error", Component: component, Message: message, RefID: refID, At: time.Now(),
	})
}

// ModifyOrder updates quantity, price, stop price or time in force of an
// order that has not started filling. Collateral deltas re-reserve
// atomically; a refused increase leaves the order unchanged.
func (m *Manager) ModifyOrder(ctx context.Context, orderID, userID string, changes ModifyParams) (*types.Order, error) {
	o, err := m.lookup(orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrAccessDenied)
	}

	lock := m.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	if o.Status != types.OrderStatusSubmitted {
		return nil, &types.StateConflictError{
			Entity: "order", ID: o.ID, State: string(o.Status), Op: "modify",
		}
	}

	newQty := o.Quantity
	newPrice := o.Price
	newStop := o.StopPrice
	newTIF := o.TimeInForce
	var fields []string

	if changes.Quantity != nil {
		newQty = types.RoundQuantity(o.Pair, *changes.Quantity)
		fields = append(fields, "quantity")
	}
	if changes.Price != nil {
		newPrice = types.RoundPrice(o.Pair, *changes.Price)
		fields = append(fields, "price")
	}
	if changes.StopPrice != nil {
		newStop = types.RoundPrice(o.Pair, *changes.StopPrice)
		fields = append(fields, "stop_price")
	}
	if changes.TimeInForce != nil {
		newTIF = *changes.TimeInForce
		fields = append(fields, "time_in_force")
	}
	if len(fields) == 0 {
		return o.Clone(), nil
	}

	if newQty.Sign() <= 0 || newQty.LessThan(m.cfg.MinOrderSize) || newQty.GreaterThan(m.cfg.MaxOrderSize) {
		return nil, types.NewValidationError("quantity", "%s outside [%s, %s]", newQty, m.cfg.MinOrderSize, m.cfg.MaxOrderSize)
	}
	if o.Type.RequiresPrice() && newPrice.Sign() <= 0 {
		return nil, types.NewValidationError("price", "%s orders require a positive price", o.Type)
	}
	if o.Type.RequiresStopPrice() && newStop.Sign() <= 0 {
		return nil, types.NewValidationError("stop_price", "%s orders require a positive stop price", o.Type)
	}
	if o.Type == types.OrderTypeStopLimit {
		if err := validateStopLimit(o.Side, newStop, newPrice); err != nil {
			return nil, err
		}
	}
	if !validTIF(newTIF) {
		return nil, types.NewValidationError("time_in_force", "unknown time in force %q", newTIF)
	}

	m.mu.RLock()
	resv := m.reservations[o.ID]
	book := m.books[o.Pair.String()]
	m.mu.RUnlock()

	// Re-reserve before touching the order so a refused increase aborts
	// cleanly.
	if resv != nil {
		newUnitRate := resv.unitRate
		if o.Side == types.OrderSideBuy && o.Type.RequiresPrice() {
			newUnitRate = newPrice
		}
		newAmount := types.RoundAmount(resv.currency, newQty.Mul(newUnitRate))
		delta := newAmount.Sub(resv.amount)
		switch {
		case delta.Sign() > 0:
			if _, err := m.accounts.Reserve(ctx, resv.accountID, resv.currency, delta, reservationRef(o.ID)); err != nil {
				return nil, fmt.Errorf("re-reserve %s %s for order %s: %w", delta, resv.currency, o.ID, err)
			}
		case delta.Sign() < 0:
			if _, err := m.accounts.Release(ctx, resv.accountID, resv.currency, delta.Neg(), reservationRef(o.ID)); err != nil {
				return nil, fmt.Errorf("release %s %s for order %s: %w", delta.Neg(), resv.currency, o.ID, err)
			}
		}
		resv.amount = newAmount
		resv.unitRate = newUnitRate
	}

	// Price is part of the book key; remove before mutating.
	reorder := !newPrice.Equal(o.Price)
	if reorder && book != nil {
		book.Remove(o)
	}

	now := time.Now()
	o.Quantity = newQty
	o.OriginalQuantity = newQty
	o.RemainingQty = newQty
	o.Price = newPrice
	o.StopPrice = newStop
	if newTIF != o.TimeInForce {
		o.TimeInForce = newTIF
		o.ExpiresAt = m.expiryFor(newTIF, now)
		m.expiry.remove(o.ID)
		m.expiry.add(o.ID, o.ExpiresAt)
	}
	o.UpdatedAt = now

	if reorder && book != nil {
		book.Add(o)
	}

	m.publish(types.OrderModifiedEvent{Order: o.Clone(), Fields: fields, At: now})
	return o.Clone(), nil
}

// expiryFor maps a time in force to a fresh expiry from now.
func (m *Manager) expiryFor(tif types.TimeInForce, now time.Time) time.Time {
	switch tif {
	case types.TimeInForceIOC, types.TimeInForceFOK:
		return now.Add(time.Second)
	case types.TimeInForceDay:
		return endOfDay(now)
	default:
		return time.Time{}
	}
}

// RecordFill applies one execution report. It is idempotent by executionId
// and clamps the applied quantity to what remains open.
func (m *Manager) RecordFill(ctx context.Context, orderID string, fill types.Fill) (*types.Order, error) {
	o, err := m.lookup(orderID)
	if err != nil {
		return nil, err
	}

	lock := m.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	if o.Status.IsTerminal() {
		return nil, &types.StateConflictError{
			Entity: "order", ID: o.ID, State: string(o.Status), Op: "record fill",
		}
	}
	for i := range o.Fills {
		if o.Fills[i].ExecutionID == fill.ExecutionID {
			return o.Clone(), nil
		}
	}

	qty := fill.Quantity
	if qty.GreaterThan(o.RemainingQty) {
		m.logger.WithFields(logrus.Fields{
			"order_id":     o.ID,
			"execution_id": fill.ExecutionID,
			"reported":     qty.String(),
			"remaining":    o.RemainingQty.String(),
		}).Warn("fill exceeds remaining quantity, clamping")
		qty = o.RemainingQty
	}
	if qty.Sign() <= 0 {
		return o.Clone(), nil
	}

	now := time.Now()
	fill.OrderID = o.ID
	fill.Quantity = qty
	if fill.Timestamp.IsZero() {
		fill.Timestamp = now
	}

	prevNotional := o.AverageFillPrice.Mul(o.FilledQuantity)
	o.Fills = append(o.Fills, fill)
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.RemainingQty = o.RemainingQty.Sub(qty)
	o.AverageFillPrice = prevNotional.Add(qty.Mul(fill.Price)).Div(o.FilledQuantity)

	m.consumeReservation(ctx, o, qty, fill.Price, fill.ExecutionID)

	if o.RemainingQty.Sign() <= 0 {
		if err := m.setStatus(o, types.OrderStatusFilled, "fully filled", now); err != nil {
			return nil, err
		}
		m.retireOrder(ctx, o)
	} else if o.Status != types.OrderStatusPartialFilled {
		if err := m.setStatus(o, types.OrderStatusPartialFilled, "fill", now); err != nil {
			return nil, err
		}
	} else {
		o.UpdatedAt = now
	}

	return o.Clone(), nil
}

// consumeReservation settles one fill's share of the order's collateral:
// release at the reserved rate, debit the actual cost. Buys consume quote,
// sells consume base.
func (m *Manager) consumeReservation(ctx context.Context, o *types.Order, qty, price decimal.Decimal, executionID string) {
	m.mu.RLock()
	resv := m.reservations[o.ID]
	m.mu.RUnlock()
	if resv == nil {
		return
	}

	share := types.RoundAmount(resv.currency, qty.Mul(resv.unitRate))
	if share.GreaterThan(resv.amount) {
		share = resv.amount
	}
	if share.Sign() > 0 {
		if _, err := m.accounts.Release(ctx, resv.accountID, resv.currency, share, reservationRef(o.ID)); err != nil {
			m.logger.WithError(err).WithField("order_id", o.ID).Error("reservation release failed")
			m.alert("order-manager", fmt.Sprintf("reservation release failed for %s", o.ID), o.ID)
			return
		}
		resv.amount = resv.amount.Sub(share)
	}

	cost := qty
	if o.Side == types.OrderSideBuy {
		cost = qty.Mul(price)
	}
	cost = types.RoundAmount(resv.currency, cost)
	if cost.Sign() > 0 {
		if _, err := m.accounts.Debit(ctx, resv.accountID, resv.currency, cost, "fill:"+executionID); err != nil {
			m.logger.WithError(err).WithField("order_id", o.ID).Error("fill debit failed")
			m.alert("order-manager", fmt.Sprintf("fill debit failed for %s", o.ID), o.ID)
		}
	}
}

// SweepExpired expires every indexed order due at now. The sweep re-checks
// each order under its lock: a concurrent modify may have pushed the expiry
// forward, in which case the order is re-indexed instead of expired.
func (m *Manager) SweepExpired(now time.Time) int {
	expired := 0
	for _, id := range m.expiry.due(now) {
		if m.expireOrder(id, now) {
			expired++
		}
	}
	return expired
}

func (m *Manager) expireOrder(orderID string, now time.Time) bool {
	o, err := m.lookup(orderID)
	if err != nil {
		return false
	}

	lock := m.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	if o.Status.IsTerminal() {
		return false
	}
	if o.ExpiresAt.IsZero() || o.ExpiresAt.After(now) {
		m.expiry.add(o.ID, o.ExpiresAt)
		return false
	}

	if err := m.setStatus(o, types.OrderStatusExpired, "expired", now); err != nil {
		m.logger.WithError(err).WithField("order_id", o.ID).Warn("expiry transition refused")
		return false
	}
	m.retireOrder(context.Background(), o)

	m.publish(types.OrderCancelledEvent{
		OrderID: o.ID, UserID: o.UserID, Reason: "expired",
		RemainingQty: o.RemainingQty, At: now,
	})
	m.logger.WithFields(logrus.Fields{
		"order_id":  o.ID,
		"remaining": o.RemainingQty.String(),
	}).Info("order expired")
	return true
}

func (m *Manager) lookup(orderID string) (*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	return o, nil
}

// GetOrder returns a copy of the order.
func (m *Manager) GetOrder(orderID string) (*types.Order, error) {
	o, err := m.lookup(orderID)
	if err != nil {
		return nil, err
	}

	lock := m.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()
	return o.Clone(), nil
}

// ListUserOrders returns the user's orders, newest first.
func (m *Manager) ListUserOrders(userID string, filter ListFilter) []*types.Order {
	m.mu.RLock()
	ids := make([]string, 0, len(m.userOrders[userID]))
	for id := range m.userOrders[userID] {
		ids = append(ids, id)
	}
	orders := make([]*types.Order, 0, len(ids))
	for _, id := range ids {
		o := m.orders[id]
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.Pair != "" && o.Pair.String() != filter.Pair {
			continue
		}
		orders = append(orders, o.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	if filter.Limit > 0 && len(orders) > filter.Limit {
		orders = orders[:filter.Limit]
	}
	return orders
}

// GetOrderBook returns aggregated depth for a pair.
func (m *Manager) GetOrderBook(pairStr string, levels int) (Depth, error) {
	pair, err := types.ParsePair(pairStr)
	if err != nil {
		return Depth{}, types.NewValidationError("currency_pair", "%v", err)
	}

	m.mu.RLock()
	book := m.books[pair.String()]
	m.mu.RUnlock()

	if book == nil {
		return Depth{Pair: pair, Timestamp: time.Now()}, nil
	}
	return book.Depth(levels), nil
}

// OpenOrderCount returns the user's open order count.
func (m *Manager) OpenOrderCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openCount[userID]
}

// OpenOrders returns the open order count across all users.
func (m *Manager) OpenOrders() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, n := range m.openCount {
		total += n
	}
	return total
}

// PurgeTerminal drops terminal orders last touched before cutoff from every
// index and returns how many were removed. Terminal orders are archived from
// their status events, so nothing here leaves the process unrecorded.
func (m *Manager) PurgeTerminal(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, o := range m.orders {
		if !o.Status.IsTerminal() || !o.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(m.orders, id)
		delete(m.reservations, id)
		if ids := m.userOrders[o.UserID]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(m.userOrders, o.UserID)
			}
		}
		m.locks.Delete(id)
		removed++
	}
	if removed > 0 {
		m.logger.WithField("count", removed).Info("purged terminal orders")
	}
	return removed
}

func (m *Manager) ensureBook(pair types.Pair) *Book {
	key := pair.String()
	if b, ok := m.books[key]; ok {
		return b
	}
	b := NewBook(pair)
	m.books[key] = b
	return b
}
