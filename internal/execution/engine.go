// Package execution implements the execution engine: parent orders are
// sliced by algorithm on a fixed dispatcher tick, each slice is routed to the
// best scoring liquidity provider, and fills flow back to the order manager.
package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/internal/provider"
	"github.com/mExOms/fxcore/internal/rates"
	"github.com/mExOms/fxcore/pkg/bus"
	"github.com/mExOms/fxcore/pkg/types"
)

// OrderStore is the order manager surface the engine needs: status reads to
// stop slicing cancelled orders, and fill recording.
type OrderStore interface {
	GetOrder(orderID string) (*types.Order, error)
	RecordFill(ctx context.Context, orderID string, fill types.Fill) (*types.Order, error)
}

// Config bounds the dispatcher and its algorithms.
type Config struct {
	TickInterval         time.Duration
	DefaultTimeLimit     time.Duration
	MaxSlippage          decimal.Decimal
	MaxPartialFills      int
	CommissionRate       decimal.Decimal
	DisableSmartRouting  bool
	ImprovementThreshold decimal.Decimal
	ParticipationRate    decimal.Decimal
	ExpectedPeriodVolume decimal.Decimal
	TWAPSliceWindow      time.Duration
	LargeOrderThreshold  decimal.Decimal
	WorkerPoolSize       int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:         100 * time.Millisecond,
		DefaultTimeLimit:     30 * time.Second,
		MaxSlippage:          decimal.NewFromFloat(0.005),
		MaxPartialFills:      3,
		CommissionRate:       decimal.NewFromFloat(0.001),
		ParticipationRate:    decimal.NewFromFloat(0.1),
		ExpectedPeriodVolume: decimal.NewFromInt(50_000),
		TWAPSliceWindow:      10 * time.Second,
		LargeOrderThreshold:  decimal.NewFromInt(1_000_000),
		WorkerPoolSize:       8,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.DefaultTimeLimit <= 0 {
		c.DefaultTimeLimit = def.DefaultTimeLimit
	}
	if c.MaxSlippage.Sign() <= 0 {
		c.MaxSlippage = def.MaxSlippage
	}
	if c.MaxPartialFills <= 0 {
		c.MaxPartialFills = def.MaxPartialFills
	}
	if c.CommissionRate.Sign() <= 0 {
		c.CommissionRate = def.CommissionRate
	}
	if c.ParticipationRate.Sign() <= 0 {
		c.ParticipationRate = def.ParticipationRate
	}
	if c.ExpectedPeriodVolume.Sign() <= 0 {
		c.ExpectedPeriodVolume = def.ExpectedPeriodVolume
	}
	if c.TWAPSliceWindow <= 0 {
		c.TWAPSliceWindow = def.TWAPSliceWindow
	}
	if c.LargeOrderThreshold.Sign() <= 0 {
		c.LargeOrderThreshold = def.LargeOrderThreshold
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = def.WorkerPoolSize
	}
	return c
}

// Options tune one execution. Zero fields inherit the engine defaults.
type Options struct {
	Algorithm          Algo
	MaxSlippage        decimal.Decimal
	TimeLimit          time.Duration
	PreferredProviders []string
}

func (o Options) withDefaults(cfg Config) Options {
	if o.MaxSlippage.Sign() <= 0 {
		o.MaxSlippage = cfg.MaxSlippage
	}
	if o.TimeLimit <= 0 {
		o.TimeLimit = cfg.DefaultTimeLimit
	}
	return o
}

// Engine is the execution dispatcher. One goroutine ticks the active
// contexts; slices run on the worker pool with at most one in flight per
// context.
type Engine struct {
	cfg       Config
	store     OrderStore
	providers *provider.Registry
	rates     rates.Provider
	bus       *bus.Bus
	pool      *WorkerPool
	logger    *logrus.Entry

	contexts      sync.Map
	improvedFills atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine wires the execution engine. rateSrc may be nil when no benchmark
// pricing is available; the slippage gate then anchors on the first fill.
func NewEngine(cfg Config, store OrderStore, registry *provider.Registry, rateSrc rates.Provider, b *bus.Bus) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		store:     store,
		providers: registry,
		rates:     rateSrc,
		bus:       b,
		pool:      NewWorkerPool(cfg.WorkerPoolSize),
		logger:    logrus.WithField("component", "execution-engine"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker pool and the dispatcher loop.
func (e *Engine) Start() {
	e.pool.Start()
	e.wg.Add(1)
	go e.dispatchLoop()
}

// Stop halts the dispatcher, then the pool. In-flight slices finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.pool.Stop()
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			e.Tick(now)
		case <-e.stopCh:
			return
		}
	}
}

func newExecutionID() string { return "exe_" + uuid.NewString() }

func (e *Engine) publish(ev types.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// Execute registers an order with the dispatcher and returns the execution
// id. The order must still be open with quantity remaining; slicing begins on
// the next tick.
func (e *Engine) Execute(ctx context.Context, o *types.Order, opts Options) (string, error) {
	if o == nil {
		return "", types.NewValidationError("order", "missing")
	}
	if !o.IsOpen() || o.RemainingQty.Sign() <= 0 {
		return "", &types.StateConflictError{
			Entity: "order", ID: o.ID, State: string(o.Status), Op: "execute",
		}
	}
	if opts.Algorithm != "" && !opts.Algorithm.Valid() {
		return "", types.NewValidationError("algorithm", "unknown algorithm %q", opts.Algorithm)
	}
	opts = opts.withDefaults(e.cfg)

	name := opts.Algorithm
	if name == "" {
		name = e.defaultAlgo(o)
	}

	now := time.Now()
	c := newContext(newExecutionID(), o, e.newAlgorithm(name), opts, now)
	c.setBenchmark(e.benchmarkPrice(ctx, o))
	e.contexts.Store(c.ID, c)

	e.logger.WithFields(logrus.Fields{
		"execution_id": c.ID,
		"order_id":     o.ID,
		"pair":         o.Pair.String(),
		"side":         o.Side,
		"quantity":     o.RemainingQty.String(),
		"algorithm":    name,
	}).Info("execution started")

	e.publish(types.ExecutionStartedEvent{
		ExecutionID: c.ID, OrderID: o.ID, Algorithm: string(name), At: now,
	})
	return c.ID, nil
}

// benchmarkPrice anchors the slippage gate: the limit price when there is
// one, otherwise the current side-relative rate.
func (e *Engine) benchmarkPrice(ctx context.Context, o *types.Order) decimal.Decimal {
	if o.Price.Sign() > 0 {
		return o.Price
	}
	if e.rates == nil {
		return decimal.Zero
	}
	rate, err := e.rates.GetRate(ctx, o.Pair.Base, o.Pair.Quote)
	if err != nil {
		return decimal.Zero
	}
	if o.Side == types.OrderSideBuy {
		return rate.Ask
	}
	return rate.Bid
}

// Tick advances every active context once: finish the done and the late,
// then ask the algorithm for the next slice and hand it to the pool.
func (e *Engine) Tick(now time.Time) {
	e.contexts.Range(func(_, v interface{}) bool {
		e.step(v.(*Context), now)
		return true
	})
}

func (e *Engine) step(c *Context, now time.Time) {
	if c.Status().IsTerminal() {
		return
	}

	o, err := e.store.GetOrder(c.OrderID)
	if err != nil {
		e.failContext(c, now, fmt.Sprintf("order lookup: %v", err))
		return
	}

	if c.Remaining().Sign() <= 0 {
		e.completeContext(c, now)
		return
	}

	if !o.IsOpen() {
		// Cancelled or expired underneath us. Stop slicing; fills already in
		// flight were delivered by their workers.
		if c.finish(StatusCompleted, now) {
			e.logger.WithFields(logrus.Fields{
				"execution_id": c.ID,
				"order_id":     c.OrderID,
				"order_status": o.Status,
				"remaining":    c.Remaining().String(),
			}).Info("order terminal, execution stopped")
		}
		return
	}

	if now.After(c.Deadline()) {
		e.timeoutContext(c, now)
		return
	}

	slice := c.algo.NextSlice(c, e.currentRate(c.Pair), now)
	if slice == nil {
		return
	}
	qty := types.RoundQuantity(c.Pair, slice.Quantity)
	if remaining := c.Remaining(); qty.GreaterThan(remaining) || qty.Sign() <= 0 {
		qty = remaining
	}
	slice.Quantity = qty

	sliceID, ok := c.beginSlice()
	if !ok {
		return
	}
	e.pool.Submit(func() { e.runSlice(c, sliceID, *slice) })
}

func (e *Engine) currentRate(pair types.Pair) types.Rate {
	if e.rates == nil {
		return types.Rate{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TickInterval)
	defer cancel()
	rate, err := e.rates.GetRate(ctx, pair.Base, pair.Quote)
	if err != nil {
		return types.Rate{}
	}
	return rate
}

// callTimeout bounds one provider round trip so a hung venue cannot eat the
// whole time budget.
func (e *Engine) callTimeout(limit time.Duration) time.Duration {
	t := limit / 4
	if t < time.Second {
		t = time.Second
	}
	return t
}

// runSlice is the worker path: pick a provider, gate on slippage, execute,
// report the fill.
func (e *Engine) runSlice(c *Context, sliceID string, slice Slice) {
	defer c.endSlice()

	ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout(c.opts.TimeLimit))
	defer cancel()

	guard, quote, err := e.selectProvider(ctx, c, slice.Quantity)
	if err != nil {
		e.sliceFailed(c, sliceID, err)
		return
	}

	px := costAdjusted(quote.Price, c.Side, guard.Config().CostBps)
	target := slice.TargetPrice
	if target.IsZero() {
		target = c.Benchmark()
	}
	if target.Sign() > 0 {
		slippage := px.Sub(target).Abs().Div(target)
		if slippage.GreaterThan(c.opts.MaxSlippage) {
			e.logger.WithFields(logrus.Fields{
				"execution_id": c.ID,
				"slice_id":     sliceID,
				"provider":     guard.Name(),
				"quoted":       px.String(),
				"target":       target.String(),
				"slippage":     slippage.String(),
			}).Debug("slice held back by slippage gate")
			return
		}
	}

	start := time.Now()
	res, err := guard.Execute(ctx, types.ExecRequest{
		ExecutionID: sliceID,
		Pair:        c.Pair,
		Side:        c.Side,
		Quantity:    slice.Quantity,
		Price:       px,
		Urgency:     slice.Urgency,
	})
	latency := time.Since(start)
	if err != nil {
		e.sliceFailed(c, sliceID, err)
		return
	}
	if res.FilledQuantity.Sign() <= 0 {
		e.sliceFailed(c, sliceID, fmt.Errorf("provider %s returned empty fill", guard.Name()))
		return
	}

	fill := e.buildFill(c, sliceID, guard.Name(), res, target, latency)
	order, err := e.store.RecordFill(context.Background(), c.OrderID, fill)
	if err != nil {
		if types.IsStateConflict(err) {
			// Order went terminal between quote and execution. The provider
			// fill stands; operators reconcile it.
			e.alert("execution-engine", fmt.Sprintf("fill %s arrived after order %s went terminal", sliceID, c.OrderID), sliceID)
			c.finish(StatusCompleted, time.Now())
			return
		}
		e.alert("execution-engine", fmt.Sprintf("record fill %s: %v", sliceID, err), sliceID)
		e.sliceFailed(c, sliceID, err)
		return
	}

	c.setBenchmark(fill.Price)
	e.publish(types.SliceExecutedEvent{
		OrderID: c.OrderID,
		UserID:  c.UserID,
		Pair:    c.Pair,
		Side:    c.Side,
		Fill:    fill,
		At:      fill.Timestamp,
	})
	e.logger.WithFields(logrus.Fields{
		"execution_id": c.ID,
		"slice_id":     sliceID,
		"provider":     guard.Name(),
		"quantity":     fill.Quantity.String(),
		"price":        fill.Price.String(),
		"order_status": order.Status,
	}).Debug("slice executed")

	if c.applyFill(fill).Sign() <= 0 {
		e.completeContext(c, time.Now())
	}
}

// buildFill assembles the fill report. Commission falls back to the
// configured rate when the provider does not price its own.
func (e *Engine) buildFill(c *Context, sliceID, providerID string, res types.ExecResult, target decimal.Decimal, latency time.Duration) types.Fill {
	commission := res.Commission
	if commission.Sign() <= 0 {
		commission = types.RoundAmount(c.Pair.Quote, res.FilledQuantity.Mul(res.ExecutionPrice).Mul(e.cfg.CommissionRate))
	}

	var improvement decimal.Decimal
	if target.Sign() > 0 {
		if c.Side == types.OrderSideBuy {
			improvement = target.Sub(res.ExecutionPrice)
		} else {
			improvement = res.ExecutionPrice.Sub(target)
		}
		threshold := e.cfg.ImprovementThreshold
		if threshold.Sign() <= 0 {
			threshold = types.PipSize(c.Pair)
		}
		if improvement.GreaterThan(threshold) {
			e.improvedFills.Add(1)
		}
	}

	return types.Fill{
		ExecutionID:      sliceID,
		OrderID:          c.OrderID,
		ProviderID:       providerID,
		Quantity:         res.FilledQuantity,
		Price:            res.ExecutionPrice,
		Commission:       commission,
		PriceImprovement: improvement,
		Latency:          latency,
		Timestamp:        time.Now(),
	}
}

func (e *Engine) sliceFailed(c *Context, sliceID string, err error) {
	failures := c.recordFailure()
	e.logger.WithError(err).WithFields(logrus.Fields{
		"execution_id": c.ID,
		"slice_id":     sliceID,
		"failures":     failures,
	}).Warn("slice failed")

	if failures > e.cfg.MaxPartialFills {
		e.failContext(c, time.Now(), fmt.Sprintf("%d consecutive slice failures: %v", failures, err))
	}
}

func (e *Engine) completeContext(c *Context, now time.Time) {
	if !c.finish(StatusCompleted, now) {
		return
	}
	snap := c.Snapshot()
	e.logger.WithFields(logrus.Fields{
		"execution_id":  c.ID,
		"order_id":      c.OrderID,
		"filled":        snap.FilledQuantity.String(),
		"average_price": snap.AveragePrice.String(),
		"slippage":      snap.Slippage.String(),
	}).Info("execution completed")
	e.publish(types.ExecutionCompletedEvent{
		ExecutionID:    c.ID,
		OrderID:        c.OrderID,
		FilledQuantity: snap.FilledQuantity,
		AveragePrice:   snap.AveragePrice,
		Slippage:       snap.Slippage,
		Duration:       now.Sub(snap.StartedAt),
		At:             now,
	})
}

func (e *Engine) timeoutContext(c *Context, now time.Time) {
	if !c.finish(StatusTimeout, now) {
		return
	}
	snap := c.Snapshot()
	e.logger.WithFields(logrus.Fields{
		"execution_id": c.ID,
		"order_id":     c.OrderID,
		"filled":       snap.FilledQuantity.String(),
		"remaining":    snap.RemainingQty.String(),
	}).Warn("execution timed out")
	e.publish(types.ExecutionTimeoutEvent{
		ExecutionID:    c.ID,
		OrderID:        c.OrderID,
		FilledQuantity: snap.FilledQuantity,
		RemainingQty:   snap.RemainingQty,
		At:             now,
	})
}

func (e *Engine) failContext(c *Context, now time.Time, reason string) {
	if !c.finish(StatusError, now) {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"execution_id": c.ID,
		"order_id":     c.OrderID,
		"reason":       reason,
	}).Error("execution failed")
	e.publish(types.ExecutionErrorEvent{
		ExecutionID: c.ID, OrderID: c.OrderID, Reason: reason, At: now,
	})
}

func (e *Engine) alert(component, message, refID string) {
	e.logger.WithField("ref_id", refID).Error(message)
	e.publish(types.OperatorAlertEvent{
		Severity: "critical", Component: component, Message: message, RefID: refID, At: time.Now(),
	})
}

// GetExecution returns a snapshot of one context.
func (e *Engine) GetExecution(id string) (View, error) {
	v, ok := e.contexts.Load(id)
	if !ok {
		return View{}, fmt.Errorf("execution %s: %w", id, types.ErrNotFound)
	}
	return v.(*Context).Snapshot(), nil
}

// ListExecutions returns snapshots of every context the engine has seen,
// optionally narrowed to one order.
func (e *Engine) ListExecutions(orderID string) []View {
	var out []View
	e.contexts.Range(func(_, v interface{}) bool {
		c := v.(*Context)
		if orderID == "" || c.OrderID == orderID {
			out = append(out, c.Snapshot())
		}
		return true
	})
	return out
}

// ImprovedFillCount returns how many fills beat their target by more than a
// pip.
func (e *Engine) ImprovedFillCount() int64 { return e.improvedFills.Load() }
